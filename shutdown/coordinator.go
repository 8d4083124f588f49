package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
)

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration

	once   sync.Once
	done   chan struct{}
	report *Report
	stop   func()
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = defaults.Signals
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Coordinator{
		config: cfg,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler to phase. Registering after shutdown began has
// no effect.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
}

// RegisterFunc adds a function handler to phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// HandleSignals starts shutdown with the configured timeout when one of
// the configured signals arrives.
func (c *Coordinator) HandleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, c.config.Signals...)

	c.mu.Lock()
	c.stop = func() { signal.Stop(ch) }
	c.mu.Unlock()

	go func() {
		select {
		case sig := <-ch:
			c.logger.Info("shutdown_signal", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(0)
		case <-c.done:
		}
	}()
}

// Shutdown runs every phase. Concurrent and later calls wait for the first
// one and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.report = c.run(ctx)
		c.mu.Lock()
		if c.stop != nil {
			c.stop()
		}
		c.mu.Unlock()
		close(c.done)
	})
	<-c.done
	return c.report.Err
}

// ShutdownWithTimeout runs Shutdown under timeout, or the configured
// timeout when it is zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed once shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Report returns the shutdown report, or nil while shutdown has not finished.
func (c *Coordinator) Report() *Report {
	select {
	case <-c.done:
		return c.report
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Report {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	report := &Report{}
	var failures []error
	for _, group := range byPhase(handlers) {
		if ctx.Err() != nil {
			for _, r := range group {
				report.Steps = append(report.Steps, Step{Name: r.name, Phase: r.phase, Skipped: true})
			}
			continue
		}
		for _, step := range c.runPhase(ctx, group) {
			report.Steps = append(report.Steps, step)
			if step.Err != nil {
				failures = append(failures, apperrors.Wrap(step.Err, step.Name+" shutdown"))
			}
		}
	}

	report.Duration = time.Since(start)
	switch {
	case ctx.Err() != nil:
		report.Err = apperrors.Timeout("shutdown did not finish in time",
			apperrors.WithCause(errors.Join(append(failures, ctx.Err())...)))
	case len(failures) > 0:
		report.Err = apperrors.Internal("shutdown handlers failed",
			apperrors.WithCause(errors.Join(failures...)))
	}

	fields := map[string]interface{}{
		"duration_ms": report.Duration.Milliseconds(),
		"handlers":    len(report.Steps),
	}
	if report.Err != nil {
		fields["error"] = report.Err.Error()
		c.logger.Error("shutdown_finished", fields)
	} else {
		c.logger.Info("shutdown_finished", fields)
	}
	return report
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []Step {
	steps := make([]Step, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			err := c.call(ctx, r)
			steps[i] = Step{Name: r.name, Phase: r.phase, Duration: time.Since(began), Err: err}

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": steps[i].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("shutdown_step_failed", fields)
				return
			}
			c.logger.Debug("shutdown_step", fields)
		}()
	}
	wg.Wait()
	return steps
}

// call runs one handler, turning a panic into an error.
func (c *Coordinator) call(ctx context.Context, r registration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.RecoverPanic(p)
		}
	}()
	return r.handler.OnShutdown(ctx)
}

func byPhase(sorted []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j].phase == sorted[i].phase {
			j++
		}
		groups = append(groups, sorted[i:j])
		i = j
	}
	return groups
}
