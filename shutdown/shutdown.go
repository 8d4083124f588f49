package shutdown

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/vinayprograms/taskhook/logging"
)

// Phases used by taskhook. Lower phases stop first.
const (
	PhaseIngress  = 10
	PhaseWorkers  = 20
	PhaseBackends = 30
)

// Handler is implemented by components that need an orderly stop.
// OnShutdown should stop taking new work, finish what is in flight while
// ctx allows and release resources.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Step is the outcome of one handler.
type Step struct {
	Name     string
	Phase    int
	Duration time.Duration
	Skipped  bool
	Err      error
}

// Report describes a completed shutdown.
type Report struct {
	Duration time.Duration
	Steps    []Step
	Err      error
}

// Failed returns the names of handlers that returned an error.
func (r *Report) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Err != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a shutdown triggered by a signal or ShutdownWithTimeout(0).
	Timeout time.Duration

	// Signals trigger shutdown in HandleSignals.
	Signals []os.Signal

	Logger *logging.Logger
}

// DefaultConfig returns a 30 second budget triggered by SIGTERM or SIGINT.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}
