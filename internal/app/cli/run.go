package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/config"
	"cloudctl/internal/features/build"
	"cloudctl/internal/features/deploy"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Container service versions and traffic",
	Subcommands: []*cli.Command{
		{
			Name:  "version",
			Usage: "Create, list and route service versions",
			Subcommands: []*cli.Command{
				{
					Name:      "create",
					Usage:     "Upload code, build a new version and wait for the build",
					ArgsUsage: "<service>",
					Description: `Zip the service directory, upload it, submit a version build and poll
its status every 2 seconds. While the build is "creating" polling continues;
"build_fail" writes the build log to <log-dir>/<run id>.log and fails; any
other status is reported as success.

Settings default to the matching [[services]] entry in cloudctl.toml.`,
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "dir", Usage: "Directory to upload"},
						&cli.IntFlag{Name: "port", Usage: "Container port"},
						&cli.Float64Flag{Name: "cpu", Usage: "CPU cores"},
						&cli.Float64Flag{Name: "mem", Usage: "Memory in GB"},
						&cli.IntFlag{Name: "min", Usage: "Minimum instances"},
						&cli.IntFlag{Name: "max", Usage: "Maximum instances"},
						&cli.StringFlag{Name: "dockerfile", Usage: "Dockerfile path inside the directory"},
						&cli.IntFlag{Name: "flow", Usage: "Traffic percentage the new version receives"},
						&cli.StringFlag{Name: "remark", Usage: "Version remark"},
						&cli.StringFlag{Name: "log-dir", Usage: "Directory failed build logs are written to"},
						&cli.DurationFlag{Name: "interval", Usage: "Build status poll interval", Value: build.DefaultInterval},
					},
					Action: runVersionCreate,
				},
				{
					Name:      "list",
					Usage:     "List the versions of a service",
					ArgsUsage: "<service>",
					Action:    runVersionList,
				},
				{
					Name:      "traffic",
					Usage:     "Split traffic between versions",
					ArgsUsage: "<service> <version=percent>...",
					Description: `Set the traffic share of each version, e.g.

   cloudctl run version traffic api api-001=70 api-002=30

Percentages must add up to 100.`,
					Action: runVersionTraffic,
				},
			},
		},
	},
}

// versionRequest merges flags over the configured service and checks the
// result against the same bounds as service deploy
func versionRequest(c *cli.Context, s *session, name string) (cloudapi.VersionRequest, string, []string, error) {
	svc := config.Service{Dir: ".", Port: 80, CPU: 0.5, MemGB: 1, MaxInstances: 5, Dockerfile: "Dockerfile"}
	if configured, ok := s.cfg.Service(name); ok {
		svc = *configured
	}
	svc.Name = name

	dir := svc.Dir
	if c.IsSet("dir") {
		dir = c.String("dir")
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.cfg.Dir(), dir)
	}
	if c.IsSet("port") {
		svc.Port = c.Int("port")
	}
	if c.IsSet("cpu") {
		svc.CPU = c.Float64("cpu")
	}
	if c.IsSet("mem") {
		svc.MemGB = c.Float64("mem")
	}
	if c.IsSet("min") {
		svc.MinInstances = c.Int("min")
	}
	if c.IsSet("max") {
		svc.MaxInstances = c.Int("max")
	}
	if c.IsSet("dockerfile") {
		svc.Dockerfile = c.String("dockerfile")
	}
	if err := deploy.ValidateService(svc); err != nil {
		return cloudapi.VersionRequest{}, "", nil, err
	}
	flow := c.Int("flow")
	if flow < 0 || flow > 100 {
		return cloudapi.VersionRequest{}, "", nil, fmt.Errorf("--flow %d must be between 0 and 100", flow)
	}

	req := cloudapi.VersionRequest{
		ServerName:     name,
		UploadType:     "package",
		ContainerPort:  svc.Port,
		DockerfilePath: svc.Dockerfile,
		CPU:            svc.CPU,
		Mem:            svc.MemGB,
		MinNum:         svc.MinInstances,
		MaxNum:         svc.MaxInstances,
		FlowRatio:      flow,
		Remark:         c.String("remark"),
	}
	if len(svc.Env) > 0 {
		if b, err := json.Marshal(svc.Env); err == nil {
			req.EnvParams = string(b)
		}
	}
	return req, dir, svc.Ignore, nil
}

func runVersionCreate(c *cli.Context) error {
	s := sessionFrom(c)
	name, err := s.pick("Service", c.Args().Slice(), s.cfg.ServiceNames())
	if err != nil {
		return err
	}
	req, dir, ignore, err := versionRequest(c, s, name)
	if err != nil {
		return err
	}
	client, envID, err := s.remote(c)
	if err != nil {
		return err
	}

	tracker := s.tracker(c, client, envID)
	tracker.Interval = c.Duration("interval")

	result, err := tracker.CreateVersion(c.Context, dir, ignore, req)
	if err != nil {
		var failed *build.FailedError
		if errors.As(err, &failed) {
			s.failure("build %s failed", failed.RunID)
		}
		return err
	}

	s.success("version of %s built", name)
	s.summary(name, [][2]string{
		{"Run", result.RunID},
		{"Status", result.Status},
		{"Package", result.PackageName + "@" + result.PackageVersion},
		{"Polls", strconv.Itoa(result.Polls)},
		{"Elapsed", result.Elapsed.Round(time.Second).String()},
	})
	return nil
}

func runVersionList(c *cli.Context) error {
	s := sessionFrom(c)
	name, err := s.pick("Service", c.Args().Slice(), s.cfg.ServiceNames())
	if err != nil {
		return err
	}
	client, envID, err := s.remote(c)
	if err != nil {
		return err
	}

	versions, err := client.ListVersions(c.Context, envID, name)
	if err != nil {
		return fmt.Errorf("failed to list versions: %w", err)
	}
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{v.VersionName, v.Status, fmt.Sprintf("%d%%", v.FlowRatio), v.CreatedTime, v.Remark})
	}
	s.table([]string{"VERSION", "STATUS", "TRAFFIC", "CREATED", "REMARK"}, rows)
	return nil
}

func runVersionTraffic(c *cli.Context) error {
	s := sessionFrom(c)
	if c.NArg() < 2 {
		return errors.New("service and at least one version=percent are required")
	}
	name := c.Args().First()
	flows, err := build.ParseTraffic(c.Args().Tail())
	if err != nil {
		return err
	}
	client, envID, err := s.remote(c)
	if err != nil {
		return err
	}

	if err := client.ModifyTraffic(c.Context, envID, name, flows); err != nil {
		return fmt.Errorf("failed to update traffic of %s: %w", name, err)
	}
	s.success("traffic of %s set to %s", name, build.FormatTraffic(flows))
	return nil
}
