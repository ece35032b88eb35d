package report

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ColorScheme defines the colors used for different elements in the report
type ColorScheme struct {
	Title     *color.Color
	Label     *color.Color
	Value     *color.Color
	Dim       *color.Color
	Good      *color.Color
	Warn      *color.Color
	Bad       *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	scheme := newScheme()
	for _, c := range scheme.all() {
		c.EnableColor()
	}
	return scheme
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := newScheme()
	for _, c := range scheme.all() {
		c.DisableColor()
	}
	return scheme
}

func newScheme() *ColorScheme {
	return &ColorScheme{
		Title:     color.New(color.FgCyan, color.Bold),
		Label:     color.New(color.Bold),
		Value:     color.New(color.FgCyan),
		Dim:       color.New(color.Faint),
		Good:      color.New(color.FgGreen),
		Warn:      color.New(color.FgYellow),
		Bad:       color.New(color.FgRed, color.Bold),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{s.Title, s.Label, s.Value, s.Dim, s.Good, s.Warn, s.Bad, s.Highlight}
}

// rate picks a color for a failure ratio.
func (s *ColorScheme) rate(errorRate float64) *color.Color {
	switch {
	case errorRate > 0.05:
		return s.Bad
	case errorRate > 0.01:
		return s.Warn
	default:
		return s.Good
	}
}

// status picks a color for an HTTP status code.
func (s *ColorScheme) status(code int) *color.Color {
	switch {
	case code >= 500:
		return s.Bad
	case code >= 400:
		return s.Warn
	default:
		return s.Good
	}
}

// cpu picks a color for load generator CPU use.
func (s *ColorScheme) cpu(pct float64) *color.Color {
	switch {
	case pct >= 90:
		return s.Bad
	case pct >= 75:
		return s.Warn
	default:
		return s.Good
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ColorEnabled reports whether output to w should be colored. Color is off
// when noColor is set, when NO_COLOR is present in the environment, or when
// w is not a terminal.
func ColorEnabled(w io.Writer, noColor bool) bool {
	if noColor {
		return false
	}
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	return IsTerminal(w)
}

// SchemeFor returns the color scheme to use for w.
func SchemeFor(w io.Writer, noColor bool) *ColorScheme {
	if ColorEnabled(w, noColor) {
		return DefaultColorScheme()
	}
	return NoColorScheme()
}
