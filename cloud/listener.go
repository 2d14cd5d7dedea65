package cloud

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Listener receives the build log lines of a launch or a termination.
type Listener interface {
	Printf(format string, args ...any)
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// Discard is a Listener that drops everything.
var Discard Listener = discard{}

type discard struct{}

func (discard) Printf(string, ...any) {}
func (discard) Errorf(string, ...any) {}
func (discard) Fatalf(string, ...any) {}

// NewListener returns a Listener writing one line per call to w.
func NewListener(w io.Writer) Listener {
	return &writerListener{w: w}
}

type writerListener struct {
	mutex sync.Mutex
	w     io.Writer
}

func (l *writerListener) Printf(format string, args ...any) {
	l.line("", format, args...)
}

func (l *writerListener) Errorf(format string, args ...any) {
	l.line("ERROR: ", format, args...)
}

func (l *writerListener) Fatalf(format string, args ...any) {
	l.line("FATAL: ", format, args...)
}

func (l *writerListener) line(prefix, format string, args ...any) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	_, _ = fmt.Fprintf(l.w, "%s%s\n", prefix, msg)
}
