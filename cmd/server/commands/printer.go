package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/execution-hub/verification-gate/internal/domain/security"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// reportedError marks an error whose message was already printed.
type reportedError struct{ title string }

func (e *reportedError) Error() string { return e.title }

func reported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}

// fail prints a red title with an explanation to stderr and returns an error
// that Execute will not print again.
func fail(title, explanation string) error {
	red.Fprintf(os.Stderr, "%s\n", title)
	if explanation != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", explanation)
	}
	return &reportedError{title: title}
}

func success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ %s\n", fmt.Sprintf(format, a...))
}

func warning(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, "! %s\n", fmt.Sprintf(format, a...))
}

func step(w io.Writer, format string, a ...any) {
	cyan.Fprintf(w, "→ %s\n", fmt.Sprintf(format, a...))
}

func severityColor(s security.Severity) *color.Color {
	switch s {
	case security.SeverityCritical:
		return red
	case security.SeverityHigh, security.SeverityWarning:
		return yellow
	default:
		return cyan
	}
}
