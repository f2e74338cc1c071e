package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/features/build"
	"cloudctl/internal/features/deploy"
)

var serviceCmd = &cli.Command{
	Name:    "service",
	Aliases: []string{"svc"},
	Usage:   "Manage container services",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List the container services of the environment",
			Action: func(c *cli.Context) error {
				s := sessionFrom(c)
				client, envID, err := s.remote(c)
				if err != nil {
					return err
				}
				services, err := client.ListServices(c.Context, envID)
				if err != nil {
					return fmt.Errorf("failed to list services: %w", err)
				}

				rows := make([][]string, 0, len(services))
				for _, svc := range services {
					domain := svc.CustomDomain
					if domain == "" {
						domain = svc.DefaultDomain
					}
					rows = append(rows, []string{svc.ServerName, svc.Status, domain, strings.Join(svc.AccessTypes, ","), svc.UpdateTime})
				}
				s.table([]string{"NAME", "STATUS", "DOMAIN", "ACCESS", "UPDATED"}, rows)
				return nil
			},
		},
		{
			Name:      "deploy",
			Usage:     "Upload a service directory, deploy it and follow the build",
			ArgsUsage: "[name]",
			Description: `Deploy one [[services]] entry. The directory is zipped and uploaded to a
presigned slot, the service is created or updated and the resulting build is
polled until it finishes. A failed build writes its log to <run id>.log.`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "log-dir",
					Usage: "Directory failed build logs are written to (default: next to cloudctl.toml)",
				},
			},
			Action: runServiceDeploy,
		},
		{
			Name:      "delete",
			Usage:     "Delete a container service",
			ArgsUsage: "<name>",
			Action: func(c *cli.Context) error {
				s := sessionFrom(c)
				name := c.Args().First()
				if name == "" {
					return errors.New("service name is required")
				}
				client, envID, err := s.remote(c)
				if err != nil {
					return err
				}
				if err := s.confirm("Delete service %s in %s?", name, envID); err != nil {
					return err
				}
				if err := client.DeleteService(c.Context, envID, name); err != nil {
					return fmt.Errorf("failed to delete service %s: %w", name, err)
				}
				s.success("deleted service %s", name)
				return nil
			},
		},
	},
}

// tracker builds a build tracker that reports progress on the session
func (s *session) tracker(c *cli.Context, client *cloudapi.Client, envID string) *build.Tracker {
	logDir := c.String("log-dir")
	if logDir == "" {
		logDir = s.cfg.Dir()
	}
	return &build.Tracker{
		API:    client,
		EnvID:  envID,
		LogDir: logDir,
		Observe: func(e build.Event) {
			switch e.Stage {
			case "polled":
				s.step("build "+e.Status, e.Elapsed.Round(time.Second).String())
			default:
				detail := e.Detail
				if e.RunID != "" {
					detail = strings.TrimSpace("run " + e.RunID + " " + detail)
				}
				s.step(e.Stage, detail)
			}
		},
	}
}

func runServiceDeploy(c *cli.Context) error {
	s := sessionFrom(c)
	name, err := s.pick("Service to deploy", c.Args().Slice(), s.cfg.ServiceNames())
	if err != nil {
		return err
	}
	svc, ok := s.cfg.Service(name)
	if !ok {
		return fmt.Errorf("service %q is not in cloudctl.toml", name)
	}

	client, envID, err := s.remote(c)
	if err != nil {
		return err
	}

	d := &deploy.Services{
		API:     client,
		Tracker: s.tracker(c, client, envID),
		EnvID:   envID,
		BaseDir: s.cfg.Dir(),
		OnRunID: func(runID string) {
			s.step("deploy submitted", "run "+runID)
		},
	}

	result, err := d.Deploy(c.Context, *svc)
	if err != nil {
		var failed *build.FailedError
		if errors.As(err, &failed) {
			s.failure("build of %s failed", name)
		}
		return err
	}

	fields := [][2]string{{"Created", yesNo(result.Created)}}
	if result.Build != nil {
		fields = append(fields,
			[2]string{"Run", result.Build.RunID},
			[2]string{"Status", result.Build.Status},
			[2]string{"Elapsed", result.Build.Elapsed.Round(time.Second).String()},
		)
	}
	s.success("service %s deployed", name)
	s.summary(name, fields)
	return nil
}
