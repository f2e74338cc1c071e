package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/config"
	"cloudctl/internal/features/deploy"
)

const listPageSize = 100

var fnCmd = &cli.Command{
	Name:    "fn",
	Aliases: []string{"function"},
	Usage:   "Manage cloud functions",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List the functions of the environment",
			Action: runFnList,
		},
		{
			Name:      "deploy",
			Usage:     "Package and deploy functions from cloudctl.toml",
			ArgsUsage: "[name...]",
			Description: `Deploy one or more [[functions]] entries. Each function directory is
zipped, uploaded inline or through the [storage] bucket, then the function
is created or updated and followed until it is Active.

Without a name you are asked which function to deploy.`,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "all",
					Usage: "Deploy every configured function",
				},
			},
			Action: runFnDeploy,
		},
		{
			Name:      "delete",
			Usage:     "Delete a function",
			ArgsUsage: "<name>",
			Action:    runFnDelete,
		},
		{
			Name:      "invoke",
			Usage:     "Invoke a function synchronously",
			ArgsUsage: "<name>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "data",
					Usage: "JSON event passed to the function",
					Value: "{}",
				},
				&cli.BoolFlag{
					Name:  "log",
					Usage: "Print the invocation log",
				},
			},
			Action: runFnInvoke,
		},
	},
}

func runFnList(c *cli.Context) error {
	s := sessionFrom(c)
	client, envID, err := s.remote(c)
	if err != nil {
		return err
	}

	var all []cloudapi.Function
	for offset := 0; ; offset += listPageSize {
		page, total, err := client.ListFunctions(c.Context, envID, offset, listPageSize)
		if err != nil {
			return fmt.Errorf("failed to list functions: %w", err)
		}
		all = append(all, page...)
		if len(page) == 0 || len(all) >= total {
			break
		}
	}

	rows := make([][]string, 0, len(all))
	for _, fn := range all {
		rows = append(rows, []string{
			fn.FunctionName,
			fn.Runtime,
			fn.Status,
			fmt.Sprintf("%dMB", fn.MemorySize),
			fmt.Sprintf("%ds", fn.Timeout),
			humanize.Bytes(uint64(fn.CodeSize)),
			fn.ModTime,
		})
	}
	s.table([]string{"NAME", "RUNTIME", "STATUS", "MEMORY", "TIMEOUT", "SIZE", "MODIFIED"}, rows)
	return nil
}

// deployTargets returns the configured functions named by args, every
// function with --all, or the one the user picks
func deployTargets(c *cli.Context, s *session) ([]config.Function, error) {
	if len(s.cfg.Functions) == 0 {
		return nil, errors.New("no [[functions]] configured in cloudctl.toml")
	}

	names := c.Args().Slice()
	switch {
	case c.Bool("all"):
		names = s.cfg.FunctionNames()
	case len(names) == 0:
		name, err := s.pick("Function to deploy", nil, s.cfg.FunctionNames())
		if err != nil {
			return nil, err
		}
		names = []string{name}
	}

	targets := make([]config.Function, 0, len(names))
	for _, name := range names {
		fn, ok := s.cfg.Function(name)
		if !ok {
			return nil, fmt.Errorf("function %q is not in cloudctl.toml (have %s)", name, strings.Join(s.cfg.FunctionNames(), ", "))
		}
		targets = append(targets, *fn)
	}
	return targets, nil
}

func runFnDeploy(c *cli.Context) error {
	s := sessionFrom(c)
	targets, err := deployTargets(c, s)
	if err != nil {
		return err
	}

	creds, err := s.credentials()
	if err != nil {
		return err
	}
	envID, err := s.envID(c)
	if err != nil {
		return err
	}

	d := &deploy.Functions{
		API:     cloudapi.NewClient(s.cfg.Endpoint, s.region(c), *creds),
		EnvID:   envID,
		BaseDir: s.cfg.Dir(),
	}
	bucket, err := s.bucket(c.Context, creds)
	if err != nil {
		return err
	}
	if bucket != nil {
		d.Bucket = bucket
	}

	var failed []string
	for _, fn := range targets {
		s.step("deploying", fn.Name)
		d.Observe = func(stage, detail string) {
			s.step("  "+stage, detail)
		}

		result, err := d.Deploy(c.Context, fn)
		if err != nil {
			s.failure("%s: %v", fn.Name, err)
			failed = append(failed, fn.Name)
			continue
		}

		action := "updated"
		if result.Created {
			action = "created"
		}
		s.success("%s %s in %s", result.Name, action, result.Elapsed.Round(100*time.Millisecond))
		s.summary(result.Name, [][2]string{
			{"Status", result.Status},
			{"Files", strconv.Itoa(result.Files)},
			{"Size", humanize.Bytes(uint64(result.Size))},
			{"SHA256", result.SHA256[:12]},
			{"Upload", result.Via},
		})
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to deploy %s", strings.Join(failed, ", "))
	}
	return nil
}

func runFnDelete(c *cli.Context) error {
	s := sessionFrom(c)
	name := c.Args().First()
	if name == "" {
		return errors.New("function name is required")
	}
	client, envID, err := s.remote(c)
	if err != nil {
		return err
	}

	if err := s.confirm("Delete function %s in %s?", name, envID); err != nil {
		return err
	}
	if err := client.DeleteFunction(c.Context, envID, name); err != nil {
		return fmt.Errorf("failed to delete function %s: %w", name, err)
	}
	s.success("deleted function %s", name)
	return nil
}

func runFnInvoke(c *cli.Context) error {
	s := sessionFrom(c)
	name := c.Args().First()
	if name == "" {
		return errors.New("function name is required")
	}
	data := c.String("data")
	if !json.Valid([]byte(data)) {
		return fmt.Errorf("--data is not valid JSON: %s", data)
	}
	client, envID, err := s.remote(c)
	if err != nil {
		return err
	}

	result, err := client.Invoke(c.Context, envID, name, json.RawMessage(data))
	if err != nil {
		return fmt.Errorf("failed to invoke %s: %w", name, err)
	}

	if c.Bool("log") && result.Log != "" {
		fmt.Fprintln(s.out, dimStyle.Render(strings.TrimRight(result.Log, "\n")))
	}
	s.summary(name, [][2]string{
		{"Request", result.FuncReqID},
		{"Duration", fmt.Sprintf("%.0fms", result.Duration)},
		{"Billed", fmt.Sprintf("%dms", result.BillDur)},
		{"Memory", humanize.Bytes(uint64(result.MemUsage))},
	})

	if result.InvokeRes != 0 || result.ErrMsg != "" {
		return fmt.Errorf("function %s failed: %s", name, result.ErrMsg)
	}
	fmt.Fprintln(s.out, result.RetMsg)
	return nil
}
