package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"cloudctl/internal/features/watch"
)

var devCmd = &cli.Command{
	Name:      "dev",
	Usage:     "Run a local command and restart it when files change",
	ArgsUsage: "-- <command> [args...]",
	Description: `Start the command and watch the directory tree. Whenever a file with a
watched extension changes, the command gets SIGTERM (SIGKILL after the grace
period) and is started again. .git, node_modules, vendor, dist and tmp are
never watched.

   cloudctl dev --ext .js,.json -- node index.js`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "watch",
			Value: ".",
			Usage: "Directory to watch",
		},
		&cli.StringSliceFlag{
			Name:  "ext",
			Usage: "File extensions that trigger a restart (default: all)",
		},
		&cli.StringSliceFlag{
			Name:  "ignore",
			Usage: "Extra directory names to skip",
		},
		&cli.DurationFlag{
			Name:  "debounce",
			Value: watch.DefaultDebounce,
			Usage: "Quiet period before restarting",
		},
		&cli.DurationFlag{
			Name:  "grace",
			Value: watch.DefaultGrace,
			Usage: "How long the command gets to exit before it is killed",
		},
	},
	Action: func(c *cli.Context) error {
		s := sessionFrom(c)
		if c.NArg() == 0 {
			return errors.New("no command given, e.g. cloudctl dev -- go run .")
		}

		ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return watch.Run(ctx, watch.Options{
			Dir: c.String("watch"),
			Filter: watch.Filter{
				Extensions: c.StringSlice("ext"),
				Ignore:     c.StringSlice("ignore"),
			},
			Command:  c.Args().Slice(),
			Debounce: c.Duration("debounce"),
			Grace:    c.Duration("grace"),
			Stdout:   os.Stdout,
			Stderr:   os.Stderr,
			OnRestart: func(path string) {
				s.step("restarted", path)
			},
		})
	},
}
