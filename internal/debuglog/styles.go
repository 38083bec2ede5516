package debuglog

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

// styles holds the small set of lipgloss text styles the debug-log CLI
// views (session list, session detail, tail) render with. The teacher's
// `internal/ui` theme system covers a much larger surface (tables, full
// TUI chrome); this package only ever prints flat lines to a terminal, so
// it carries its own minimal subset rather than pulling in that package.
type styles struct {
	Muted       lipgloss.Style
	Bold        lipgloss.Style
	Success     lipgloss.Style
	Error       lipgloss.Style
	Highlighted lipgloss.Style
}

func newStyles(output *os.File) *styles {
	r := lipgloss.NewRenderer(output)
	return &styles{
		Muted:       r.NewStyle().Faint(true),
		Bold:        r.NewStyle().Bold(true),
		Success:     r.NewStyle().Foreground(lipgloss.Color("2")),
		Error:       r.NewStyle().Foreground(lipgloss.Color("1")),
		Highlighted: r.NewStyle().Bold(true).Foreground(lipgloss.Color("4")),
	}
}
