package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// Spinner shows progress of a long wait on stderr. When stderr is not a
// terminal, nothing is animated and only the final message is printed.
type Spinner struct {
	spinner *spinner.Spinner
	out     io.Writer
	msg     string
}

// NewSpinner creates and starts a spinner with the given message.
func NewSpinner(msg string) *Spinner {
	s := &Spinner{out: os.Stderr, msg: msg}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return s
	}

	s.spinner = spinner.New(
		spinner.CharSets[14],
		200*time.Millisecond,
		spinner.WithHiddenCursor(true),
		spinner.WithWriter(s.out),
		spinner.WithSuffix(" "+msg),
	)
	s.spinner.Start()
	return s
}

// UpdateMessage updates the spinner message.
func (s *Spinner) UpdateMessage(msg string) {
	s.msg = msg
	if s.spinner != nil {
		s.spinner.Suffix = " " + msg
	}
}

// Success stops the spinner and prints a success message, the spinner
// message by default.
func (s *Spinner) Success(msg ...string) {
	s.finish(color.HiGreenString("✓"), msg)
}

// Warn stops the spinner and prints a warning message.
func (s *Spinner) Warn(msg ...string) {
	s.finish(color.HiYellowString("!"), msg)
}

// Fail stops the spinner and prints a failure message.
func (s *Spinner) Fail(msg ...string) {
	s.finish(color.HiRedString("✗"), msg)
}

func (s *Spinner) finish(symbol string, msg []string) {
	final := fmt.Sprintf("%s %s\n", symbol, append(msg, s.msg)[0])
	if s.spinner == nil {
		_, _ = io.WriteString(s.out, final)
		return
	}
	s.spinner.FinalMSG = final
	s.spinner.Stop()
}
