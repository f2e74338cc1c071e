package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"cloudctl/internal/logging"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultGrace    = 5 * time.Second
)

// DefaultIgnore are directory names never watched
var DefaultIgnore = []string{".git", "node_modules", "vendor", "dist", "tmp"}

// Filter decides which paths trigger a restart
type Filter struct {
	Extensions []string
	Ignore     []string
}

// IgnoreDir reports whether a directory and everything below it is skipped
func (f Filter) IgnoreDir(path string) bool {
	base := filepath.Base(path)
	for _, name := range append(DefaultIgnore, f.Ignore...) {
		if base == name {
			return true
		}
	}
	return false
}

// Relevant reports whether a change to path should restart the command
func (f Filter) Relevant(path string) bool {
	for dir := filepath.Dir(path); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		if f.IgnoreDir(dir) {
			return false
		}
		if filepath.Dir(dir) == dir {
			break
		}
	}

	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	if len(f.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(base)
	for _, e := range f.Extensions {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// Options configures Run
type Options struct {
	Dir      string
	Filter   Filter
	Command  []string
	Debounce time.Duration
	Grace    time.Duration

	Stdout io.Writer
	Stderr io.Writer

	// OnRestart is called after each restart with the path that caused it
	OnRestart func(path string)
}

// Run starts the command and restarts it whenever a relevant file under Dir
// changes, until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	if len(opts.Command) == 0 {
		return errors.New("no command to run")
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addTree(watcher, opts.Dir, opts.Filter); err != nil {
		return err
	}

	child, err := start(opts)
	if err != nil {
		return err
	}
	defer func() {
		if child != nil {
			child.stop(opts.Grace)
		}
	}()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	var changed string

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !opts.Filter.IgnoreDir(event.Name) {
					if err := addTree(watcher, event.Name, opts.Filter); err != nil {
						logging.Err.WithError(err).Warn("failed to watch new directory")
					}
				}
			}
			if event.Has(fsnotify.Chmod) || !opts.Filter.Relevant(rel(opts.Dir, event.Name)) {
				continue
			}
			changed = event.Name
			debounce.Reset(opts.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Err.WithError(err).Warn("watch error")

		case <-debounce.C:
			logging.Out.WithField("path", changed).Info("change detected, restarting")
			child.stop(opts.Grace)
			child, err = start(opts)
			if err != nil {
				return err
			}
			if opts.OnRestart != nil {
				opts.OnRestart(changed)
			}
		}
	}
}

func rel(root, path string) string {
	if r, err := filepath.Rel(root, path); err == nil {
		return r
	}
	return path
}

func addTree(w *fsnotify.Watcher, root string, filter Filter) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && filter.IgnoreDir(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func start(opts Options) (*process, error) {
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}
	logging.Out.WithField("pid", cmd.Process.Pid).Debug("started")

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logging.Out.WithError(err).Debug("command exited")
		}
		close(p.done)
	}()
	return p, nil
}

// stop sends SIGTERM and kills the process if it outlives grace
func (p *process) stop(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		logging.Err.WithField("pid", p.cmd.Process.Pid).Warn("command ignored SIGTERM, killing")
		p.cmd.Process.Kill()
		<-p.done
	}
}
