package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

var imageCmd = &cli.Command{
	Name:  "image",
	Usage: "Manage built container images",
	Subcommands: []*cli.Command{
		{
			Name:      "list",
			Usage:     "List the images built for a service",
			ArgsUsage: "<service>",
			Action: func(c *cli.Context) error {
				s := sessionFrom(c)
				service, err := s.pick("Service", c.Args().Slice(), s.cfg.ServiceNames())
				if err != nil {
					return err
				}
				client, envID, err := s.remote(c)
				if err != nil {
					return err
				}
				images, err := client.ListImages(c.Context, envID, service)
				if err != nil {
					return fmt.Errorf("failed to list images: %w", err)
				}

				rows := make([][]string, 0, len(images))
				for _, img := range images {
					rows = append(rows, []string{img.ImageURL, img.Size, img.CreateTime, strings.Join(img.ReferVersions, ",")})
				}
				s.table([]string{"IMAGE", "SIZE", "CREATED", "USED BY"}, rows)
				return nil
			},
		},
		{
			Name:      "delete",
			Usage:     "Delete an image that no version uses",
			ArgsUsage: "<service> <image-url>",
			Action: func(c *cli.Context) error {
				s := sessionFrom(c)
				if c.NArg() < 2 {
					return errors.New("service and image url are required")
				}
				service, url := c.Args().Get(0), c.Args().Get(1)

				client, envID, err := s.remote(c)
				if err != nil {
					return err
				}
				images, err := client.ListImages(c.Context, envID, service)
				if err != nil {
					return fmt.Errorf("failed to list images: %w", err)
				}
				found := false
				for _, img := range images {
					if img.ImageURL != url {
						continue
					}
					if img.InUse() {
						return fmt.Errorf("image is used by version(s) %s", strings.Join(img.ReferVersions, ", "))
					}
					found = true
				}
				if !found {
					return fmt.Errorf("image %s not found for service %s", url, service)
				}

				if err := s.confirm("Delete image %s?", url); err != nil {
					return err
				}
				if err := client.DeleteImage(c.Context, envID, url); err != nil {
					return fmt.Errorf("failed to delete image: %w", err)
				}
				s.success("deleted image %s", url)
				return nil
			},
		},
	},
}
