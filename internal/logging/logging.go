package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Out carries debug traces and informational logs, Err carries warnings
// and failures. Both share one lock so lines from concurrent goroutines
// never interleave.
var (
	Out = logrus.New()
	Err = logrus.New()
)

// ParseLevel maps the user facing level names onto logrus levels.
// Unknown names fall back to info.
func ParseLevel(name string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ApplyLevel sets the level on both loggers. An empty name reads
// CLOUDCTL_LOGLEVEL.
func ApplyLevel(name string) {
	if name == "" {
		name = os.Getenv("CLOUDCTL_LOGLEVEL")
	}
	level := ParseLevel(name)
	Out.SetLevel(level)
	Err.SetLevel(level)
}

// SetOutput redirects both loggers, mainly for tests.
func SetOutput(w io.Writer) {
	lw := &lockedWriter{w: w, mux: &sync.Mutex{}}
	Out.SetOutput(lw)
	Err.SetOutput(lw)
}

type lockedWriter struct {
	w   io.Writer
	mux *sync.Mutex
}

func (lw *lockedWriter) Write(p []byte) (n int, err error) {
	lw.mux.Lock()
	defer lw.mux.Unlock()
	return lw.w.Write(p)
}

func init() {
	mux := &sync.Mutex{}
	Out.SetOutput(&lockedWriter{w: os.Stderr, mux: mux})
	Err.SetOutput(&lockedWriter{w: os.Stderr, mux: mux})

	formatter := &logrus.TextFormatter{
		DisableTimestamp:       false,
		FullTimestamp:          true,
		TimestampFormat:        "15:04:05",
		DisableLevelTruncation: true,
	}
	Out.SetFormatter(formatter)
	Err.SetFormatter(formatter)

	ApplyLevel("")
}
