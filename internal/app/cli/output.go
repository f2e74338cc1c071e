package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var errAborted = errors.New("aborted")

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	keyStyle   = lipgloss.NewStyle().Bold(true)
)

func (s *session) marks() (ok, fail, step string) {
	if s.ascii {
		return "[ok]", "[fail]", "-"
	}
	return "✔", "✖", "›"
}

// success prints a green status line
func (s *session) success(format string, args ...any) {
	ok, _, _ := s.marks()
	fmt.Fprintf(s.out, "%s %s\n", okStyle.Render(ok), fmt.Sprintf(format, args...))
}

// failure prints a red status line
func (s *session) failure(format string, args ...any) {
	_, fail, _ := s.marks()
	fmt.Fprintf(s.out, "%s %s\n", failStyle.Render(fail), fmt.Sprintf(format, args...))
}

// step prints a progress line for a stage of a long running command
func (s *session) step(stage, detail string) {
	_, _, mark := s.marks()
	if detail == "" {
		fmt.Fprintf(s.out, "%s %s\n", dimStyle.Render(mark), stage)
		return
	}
	fmt.Fprintf(s.out, "%s %s %s\n", dimStyle.Render(mark), stage, dimStyle.Render(detail))
}

// summary prints a bordered key/value box
func (s *session) summary(title string, fields [][2]string) {
	border := lipgloss.RoundedBorder()
	if s.ascii {
		border = lipgloss.ASCIIBorder()
	}
	box := lipgloss.NewStyle().
		Border(border).
		Padding(0, 1).
		Margin(1, 0, 0, 0)

	width := 0
	for _, f := range fields {
		if len(f[0]) > width {
			width = len(f[0])
		}
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	for _, f := range fields {
		b.WriteString("\n")
		b.WriteString(keyStyle.Render(fmt.Sprintf("%-*s", width, f[0])))
		b.WriteString("  ")
		b.WriteString(f[1])
	}
	fmt.Fprintln(s.out, box.Render(b.String()))
}

// table prints aligned columns; empty cells are shown as "-"
func (s *session) table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(s.out, dimStyle.Render("nothing found"))
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell == "" {
				cell = "-"
			}
			cells[i] = cell
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
