package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"cloudctl/internal/config"
	"cloudctl/internal/logging"
	"cloudctl/internal/prompt"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

// NewApp builds the command tree
func NewApp() *cli.App {
	return &cli.App{
		Name:    "cloudctl",
		Usage:   "Deploy functions and container services, and run the admin backend",
		Version: Version,
		Description: `cloudctl wraps the cloud platform management APIs: functions, container
services, images, layers and service versions with traffic routing.

Values missing from flags are read from CLOUDCTL_<NAME> environment variables,
then from cloudctl.toml, and finally prompted for when running in a terminal.

It also runs the admin backend: the users, roles, invites, approvals,
import/export jobs, audit log and settings functions the dashboard calls.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the project config file (default cloudctl.toml)",
			},
			&cli.StringFlag{
				Name:  "env-id",
				Usage: "Environment id",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "Region of the environment",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn",
				EnvVars: []string{"CLOUDCTL_LOGLEVEL"},
			},
			&cli.BoolFlag{
				Name:  "ascii",
				Usage: "Display output using ASCII characters only (no colors)",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Never prompt; confirm destructive actions",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			loginCmd,
			logoutCmd,
			whoamiCmd,
			rekeyCmd,
			envCmd,
			fnCmd,
			serviceCmd,
			imageCmd,
			layerCmd,
			runCmd,
			devCmd,
			adminCmd,
		},
		Metadata: map[string]interface{}{},
	}
}

func setup(c *cli.Context) error {
	if level := c.String("log-level"); level != "" {
		logging.ApplyLevel(level)
	}
	if c.Bool("ascii") {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	c.App.Metadata[sessionKey] = &session{
		cfg:    cfg,
		prompt: prompt.New(c.Bool("yes")),
		out:    c.App.Writer,
		ascii:  c.Bool("ascii"),
	}
	return nil
}

// Execute runs the CLI application
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
