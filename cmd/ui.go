package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// uiSpinner shows a spinner on terminals and plain lines elsewhere.
type uiSpinner struct {
	out io.Writer
	sp  *spinner.Spinner
}

func newUISpinner(out io.Writer, message string) *uiSpinner {
	s := &uiSpinner{out: out}
	if isTerminal(out) {
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Fprintf(out, "  %s...\n", message)
	}
	return s
}

func (s *uiSpinner) stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K")
	}
}

// Success stops the spinner and prints a success message.
func (s *uiSpinner) Success(message string) {
	s.stop()
	fmt.Fprintf(s.out, "  %s %s\n", color.GreenString("✓"), message)
}

// Fail stops the spinner and prints an error message.
func (s *uiSpinner) Fail(message string) {
	s.stop()
	fmt.Fprintf(s.out, "  %s %s\n", color.RedString("✗"), message)
}
