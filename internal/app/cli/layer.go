package cli

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/features/deploy"
	"cloudctl/internal/features/pack"
)

var layerCmd = &cli.Command{
	Name:  "layer",
	Usage: "Manage function layers",
	Subcommands: []*cli.Command{
		{
			Name:      "list",
			Usage:     "List layers, or the versions of one layer",
			ArgsUsage: "[name]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "runtime",
					Usage: "Only layers compatible with this runtime",
				},
			},
			Action: runLayerList,
		},
		{
			Name:      "publish",
			Usage:     "Zip a directory and publish it as a new layer version",
			ArgsUsage: "<name>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "dir",
					Usage:    "Directory to package",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:     "runtime",
					Usage:    "Compatible runtime, repeat for several",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "description",
					Usage: "Layer version description",
				},
				&cli.StringSliceFlag{
					Name:  "ignore",
					Usage: "Extra ignore pattern",
				},
			},
			Action: runLayerPublish,
		},
		{
			Name:      "delete",
			Usage:     "Delete one layer version",
			ArgsUsage: "<name> <version>",
			Action: func(c *cli.Context) error {
				s := sessionFrom(c)
				if c.NArg() < 2 {
					return errors.New("layer name and version are required")
				}
				name := c.Args().Get(0)
				version, err := strconv.Atoi(c.Args().Get(1))
				if err != nil || version < 1 {
					return fmt.Errorf("invalid layer version %q", c.Args().Get(1))
				}
				client, err := s.client(c)
				if err != nil {
					return err
				}
				if err := s.confirm("Delete layer %s version %d?", name, version); err != nil {
					return err
				}
				if err := client.DeleteLayerVersion(c.Context, name, version); err != nil {
					return fmt.Errorf("failed to delete layer version: %w", err)
				}
				s.success("deleted layer %s:%d", name, version)
				return nil
			},
		},
	},
}

func runLayerList(c *cli.Context) error {
	s := sessionFrom(c)
	client, err := s.client(c)
	if err != nil {
		return err
	}

	var layers []cloudapi.Layer
	if name := c.Args().First(); name != "" {
		layers, err = client.ListLayerVersions(c.Context, name)
	} else {
		layers, err = client.ListLayers(c.Context, c.String("runtime"))
	}
	if err != nil {
		return fmt.Errorf("failed to list layers: %w", err)
	}

	rows := make([][]string, 0, len(layers))
	for _, l := range layers {
		rows = append(rows, []string{
			l.LayerName,
			strconv.Itoa(l.LayerVersion),
			strings.Join(l.CompatibleRuntimes, ","),
			l.Status,
			l.AddTime,
			l.Description,
		})
	}
	s.table([]string{"NAME", "VERSION", "RUNTIMES", "STATUS", "ADDED", "DESCRIPTION"}, rows)
	return nil
}

func runLayerPublish(c *cli.Context) error {
	s := sessionFrom(c)
	name := c.Args().First()
	if name == "" {
		return errors.New("layer name is required")
	}

	pkg, err := pack.Zip(c.String("dir"), pack.Options{Ignore: c.StringSlice("ignore")})
	if err != nil {
		return fmt.Errorf("failed to package layer: %w", err)
	}
	s.step("packaged", fmt.Sprintf("%d files, %s", pkg.Files, humanize.Bytes(uint64(pkg.Size()))))

	creds, err := s.credentials()
	if err != nil {
		return err
	}
	client := cloudapi.NewClient(s.cfg.Endpoint, s.region(c), *creds)

	var code cloudapi.Code
	bucket, err := s.bucket(c.Context, creds)
	switch {
	case err != nil:
		return err

	case bucket != nil:
		key := fmt.Sprintf("layers/%s/%s.zip", name, pkg.SHA256[:12])
		location, err := bucket.Put(c.Context, key, pkg.Reader(), pkg.Size())
		if err != nil {
			return err
		}
		full, err := bucket.Key(key)
		if err != nil {
			return err
		}
		code = cloudapi.Code{CosBucketName: bucket.Bucket(), CosObjectName: "/" + full, CosBucketRegion: bucket.Region()}
		s.step("uploaded", location)

	case pkg.Size() > deploy.InlineLimit:
		return fmt.Errorf("%w: layer is %s, configure [storage] bucket", deploy.ErrTooLarge, humanize.Bytes(uint64(pkg.Size())))

	default:
		code = cloudapi.Code{ZipFile: base64.StdEncoding.EncodeToString(pkg.Data)}
	}

	version, err := client.PublishLayerVersion(c.Context, name, c.String("description"), c.StringSlice("runtime"), code)
	if err != nil {
		return fmt.Errorf("failed to publish layer %s: %w", name, err)
	}
	s.success("published layer %s:%d", name, version)
	return nil
}
