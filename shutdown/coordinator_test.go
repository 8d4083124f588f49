package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(Config{Timeout: time.Second, Logger: logging.Discard()})
}

type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (l *orderLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *orderLog) handler(name string) func(context.Context) error {
	return func(context.Context) error {
		l.add(name)
		return nil
	}
}

func TestPhasesRunInOrder(t *testing.T) {
	c := newTestCoordinator()
	log := &orderLog{}

	c.RegisterFunc("store", PhaseBackends, log.handler("store"))
	c.RegisterFunc("http", PhaseIngress, log.handler("http"))
	c.RegisterFunc("queue", PhaseWorkers, log.handler("queue"))

	if err := c.ShutdownWithTimeout(0); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	want := []string{"http", "queue", "store"}
	if len(log.names) != len(want) {
		t.Fatalf("ran %v, want %v", log.names, want)
	}
	for i := range want {
		if log.names[i] != want[i] {
			t.Fatalf("ran %v, want %v", log.names, want)
		}
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	c := newTestCoordinator()
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	for _, name := range []string{"bus", "store"} {
		c.RegisterFunc(name, PhaseBackends, func(ctx context.Context) error {
			started <- struct{}{}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.ShutdownWithTimeout(0) }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("handlers in one phase did not start together")
		}
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFailureDoesNotStopLaterPhases(t *testing.T) {
	c := newTestCoordinator()
	log := &orderLog{}
	boom := errors.New("listener stuck")

	c.RegisterFunc("http", PhaseIngress, func(context.Context) error { return boom })
	c.RegisterFunc("store", PhaseBackends, log.handler("store"))

	err := c.ShutdownWithTimeout(0)
	if !apperrors.Is(err, apperrors.ErrCodeInternal) {
		t.Fatalf("err = %v, want INTERNAL", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err does not wrap the handler error: %v", err)
	}
	if len(log.names) != 1 {
		t.Errorf("later phase did not run")
	}
	if failed := c.Report().Failed(); len(failed) != 1 || failed[0] != "http" {
		t.Errorf("Failed() = %v", failed)
	}
}

func TestPanicIsReported(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterFunc("telemetry", PhaseBackends, func(context.Context) error { panic("exporter gone") })

	err := c.ShutdownWithTimeout(0)
	if err == nil {
		t.Fatal("expected an error")
	}
	step := c.Report().Steps[0]
	if !apperrors.Is(step.Err, apperrors.ErrCodePanic) {
		t.Errorf("step error = %v, want PANIC", step.Err)
	}
}

func TestTimeoutSkipsRemainingPhases(t *testing.T) {
	c := newTestCoordinator()
	log := &orderLog{}

	c.RegisterFunc("queue", PhaseWorkers, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.RegisterFunc("store", PhaseBackends, log.handler("store"))

	err := c.ShutdownWithTimeout(50 * time.Millisecond)
	if !apperrors.Is(err, apperrors.ErrCodeTimeout) {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if len(log.names) != 0 {
		t.Errorf("phase after the deadline ran: %v", log.names)
	}
	steps := c.Report().Steps
	if len(steps) != 2 || !steps[1].Skipped || steps[1].Name != "store" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	c := newTestCoordinator()
	calls := 0
	var mu sync.Mutex
	c.RegisterFunc("http", PhaseIngress, func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.ShutdownWithTimeout(0); err != nil {
				t.Errorf("shutdown: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestReportNilBeforeShutdown(t *testing.T) {
	c := newTestCoordinator()
	if c.Report() != nil {
		t.Error("report before shutdown")
	}
}

func TestEmptyShutdown(t *testing.T) {
	c := newTestCoordinator()
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := len(c.Report().Steps); n != 0 {
		t.Errorf("steps = %d", n)
	}
}
