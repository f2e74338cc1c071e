package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrNonInteractive is returned when a value is needed but nobody can be asked
var ErrNonInteractive = errors.New("input required but not running interactively")

// Prompter asks the user for values on a terminal
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int

	// Interactive is false when stdin is not a terminal or --yes was given
	Interactive bool

	// AssumeYes answers every confirmation with yes
	AssumeYes bool
}

// New returns a prompter on stdin/stderr
func New(assumeYes bool) *Prompter {
	fd := int(os.Stdin.Fd())
	return &Prompter{
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stderr,
		fd:          fd,
		Interactive: !assumeYes && term.IsTerminal(fd),
		AssumeYes:   assumeYes,
	}
}

// NewWithIO builds an interactive prompter over arbitrary streams
func NewWithIO(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out, fd: -1, Interactive: true}
}

// Missing is the error reported when flag has no value and cannot be prompted for
func Missing(flag string) error {
	return fmt.Errorf("%w: pass --%s", ErrNonInteractive, flag)
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Ask reads a line, returning def when the answer is empty
func (p *Prompter) Ask(label, def string) (string, error) {
	if !p.Interactive {
		if def != "" {
			return def, nil
		}
		return "", ErrNonInteractive
	}

	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	answer, err := p.readLine()
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

// Required asks until a non-empty value is given
func (p *Prompter) Required(label string) (string, error) {
	for {
		v, err := p.Ask(label, "")
		if err != nil || v != "" {
			return v, err
		}
		fmt.Fprintln(p.out, "a value is required")
	}
}

// Password reads a line without echo when stdin is a terminal
func (p *Prompter) Password(label string) (string, error) {
	if !p.Interactive {
		return "", ErrNonInteractive
	}
	fmt.Fprintf(p.out, "%s: ", label)
	if p.fd >= 0 && term.IsTerminal(p.fd) {
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := p.readLine()
	return strings.TrimSpace(line), err
}

// Select shows a numbered list and returns the chosen option
func (p *Prompter) Select(label string, options []string) (string, error) {
	if len(options) == 0 {
		return "", errors.New("nothing to choose from")
	}
	if !p.Interactive {
		return "", ErrNonInteractive
	}

	fmt.Fprintln(p.out, label)
	for i, o := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, o)
	}
	for {
		answer, err := p.Ask("Choose", "1")
		if err != nil {
			return "", err
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], nil
		}
		for _, o := range options {
			if o == answer {
				return o, nil
			}
		}
		fmt.Fprintf(p.out, "pick 1-%d\n", len(options))
	}
}

// Confirm asks a yes/no question. With AssumeYes it is always true; without
// a terminal it is an error so destructive commands never run unattended.
func (p *Prompter) Confirm(label string) (bool, error) {
	if p.AssumeYes {
		return true, nil
	}
	if !p.Interactive {
		return false, fmt.Errorf("%w: pass --yes to confirm", ErrNonInteractive)
	}
	answer, err := p.Ask(label+" (y/N)", "")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
