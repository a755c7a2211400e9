package orchestrator

import (
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// ConsoleReporter prints state changes for the person running the agent.
// An active warning is repeated after every state line.
type ConsoleReporter struct {
	mu      sync.Mutex
	out     io.Writer
	warning string

	ok   *color.Color
	busy *color.Color
	bad  *color.Color
	warn *color.Color
	dim  *color.Color
}

func NewConsoleReporter(out io.Writer) *ConsoleReporter {
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleReporter{
		out:  out,
		ok:   color.New(color.FgGreen, color.Bold),
		busy: color.New(color.FgYellow),
		bad:  color.New(color.FgRed, color.Bold),
		warn: color.New(color.FgHiRed, color.Bold),
		dim:  color.New(color.Faint),
	}
}

func (r *ConsoleReporter) State(state State, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.dim
	switch state {
	case StateConnected:
		c = r.ok
	case StateConnecting:
		c = r.busy
	case StateFailed:
		c = r.bad
	}
	_, _ = c.Fprint(r.out, "bridge: ", string(state))
	if detail != "" {
		_, _ = r.dim.Fprint(r.out, " (", detail, ")")
	}
	_, _ = io.WriteString(r.out, "\n")
	if r.warning != "" {
		r.printWarningLocked()
	}
}

func (r *ConsoleReporter) Warn(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warning = message
	r.printWarningLocked()
}

func (r *ConsoleReporter) printWarningLocked() {
	_, _ = r.warn.Fprintln(r.out, "WARNING:", r.warning)
}
