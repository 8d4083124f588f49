package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskhook/api"
	"github.com/vinayprograms/taskhook/bus"
	"github.com/vinayprograms/taskhook/config"
	"github.com/vinayprograms/taskhook/credentials"
	"github.com/vinayprograms/taskhook/delivery"
	"github.com/vinayprograms/taskhook/dispatch"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/metrics"
	"github.com/vinayprograms/taskhook/queue"
	"github.com/vinayprograms/taskhook/ratelimit"
	"github.com/vinayprograms/taskhook/results"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/shutdown"
	"github.com/vinayprograms/taskhook/state"
	"github.com/vinayprograms/taskhook/tasks"
	"github.com/vinayprograms/taskhook/telemetry"
)

// app is the wired service.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracing *telemetry.Provider

	conn   *nats.Conn
	bus    bus.MessageBus
	kv     state.StateStore
	broker queue.Broker

	store      *tasks.Store
	limiter    *ratelimit.MemoryLimiter
	audit      security.AuditSink
	flushers   []func() error
	client     *delivery.Client
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	requeue    *dispatch.RequeueResponder
	ingester   *results.Ingester
	server     *api.Server
}

// newApp builds every component from cfg. On error, whatever was already
// opened is closed again.
func newApp(ctx context.Context, cfg *config.Config, creds *credentials.Credentials, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.closeBackends()
			if a.tracing != nil {
				_ = a.tracing.Shutdown(context.Background())
			}
		}
	}()

	if err = a.initTracing(ctx); err != nil {
		return nil, err
	}
	tracer := a.tracing.Tracer()
	// Engine response bodies go on delivery spans only at debug level.
	tracer.SetDebug(logging.ParseLevel(cfg.Log.Level) == logging.LevelDebug)

	if err = a.initBackend(ctx, creds); err != nil {
		return nil, err
	}
	a.store = tasks.NewStore(a.kv, tasks.WithLogger(logger))

	if err = a.initAudit(); err != nil {
		return nil, err
	}

	a.limiter = ratelimit.NewMemoryLimiter()
	perMinute := map[string]int{
		ratelimit.ResourceSubmit:   cfg.RateLimit.SubmissionsPerMinute,
		ratelimit.ResourceCallback: cfg.RateLimit.CallbacksPerMinute,
		ratelimit.ResourceWorkflow: cfg.RateLimit.WorkflowPerMinute,
	}
	for resource, n := range perMinute {
		a.limiter.SetCapacity(resource, n, time.Minute)
	}

	a.client, err = delivery.New(cfg.Delivery(),
		delivery.WithLogger(logger),
		delivery.WithMetrics(a.metrics),
		delivery.WithTracer(tracer),
	)
	if err != nil {
		return nil, err
	}

	a.queue, err = queue.New(a.broker, cfg.QueueConfig(),
		queue.WithLogger(logger),
		queue.WithMetrics(a.metrics),
		queue.WithAuditSink(a.audit),
	)
	if err != nil {
		return nil, err
	}

	a.dispatcher = dispatch.New(a.store, a.client,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithTracer(tracer),
		dispatch.WithAuditSink(a.audit),
		dispatch.WithLimiter(a.limiter),
	)
	a.requeue = dispatch.NewRequeueResponder(a.bus, dispatch.DefaultRequeueSubject, a.store, a.queue, logger)

	a.ingester = results.NewIngester(a.store,
		results.WithLogger(logger),
		results.WithMetrics(a.metrics),
		results.WithTracer(tracer),
		results.WithAuditSink(a.audit),
		results.WithNotifier(results.NewNotifier(a.bus, results.DefaultSubjectPrefix, logger)),
	)

	a.server, err = api.New(api.Config{
		Addr:              cfg.Server.Addr,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		CallbackSecret:    cfg.Callback.Secret,
		SignatureHeader:   cfg.Callback.SignatureHeader,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		WatchPingInterval: api.DefaultConfig().WatchPingInterval,
		WatchWriteTimeout: api.DefaultConfig().WatchWriteTimeout,
	}, a.store, a.queue, a.ingester,
		api.WithLimiter(a.limiter),
		api.WithEngineHealth(a.client),
		api.WithLogger(logger),
		api.WithMetrics(a.metrics),
		api.WithTracer(tracer),
		api.WithAuditSink(a.audit),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) initTracing(ctx context.Context) error {
	if a.cfg.Telemetry.Endpoint == "" {
		a.tracing = telemetry.Disabled()
		return nil
	}
	p, err := telemetry.InitProvider(ctx, a.cfg.TelemetryProvider(Version))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracing = p
	return nil
}

// initBackend opens the state store, the bus and the job broker. With NATS
// all three share one connection.
func (a *app) initBackend(ctx context.Context, creds *credentials.Credentials) error {
	switch a.cfg.Store.Backend {
	case config.BackendNATS:
		natsCfg := a.cfg.NATSBus(creds)
		conn, err := bus.Connect(natsCfg)
		if err != nil {
			return err
		}
		a.conn = conn
		kv, err := state.NewNATSStore(state.NATSStoreConfig{
			Conn:   conn,
			Bucket: a.cfg.Store.Bucket,
		})
		if err != nil {
			return fmt.Errorf("open task bucket: %w", err)
		}
		a.kv = kv
		a.bus = bus.NewNATSBusFromConn(conn, natsCfg)
		setup, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		broker, err := queue.NewJetStreamBroker(setup, a.cfg.JetStream(conn))
		if err != nil {
			return fmt.Errorf("open job stream: %w", err)
		}
		a.broker = broker
	default:
		a.kv = state.NewMemoryStore()
		a.bus = bus.NewMemoryBus(bus.DefaultConfig())
		a.broker = queue.NewMemoryBroker()
	}
	return nil
}

// initAudit builds the audit fan-out: always the log, plus whatever the
// audit section enables.
func (a *app) initAudit() error {
	ac := a.cfg.Audit
	sinks := security.MultiSink{security.NewLogSink(a.logger)}

	if ac.File != "" {
		fs, err := security.NewFileSink(ac.File)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		sinks = append(sinks, fs)
		a.flushers = append(a.flushers, fs.Close)
	}
	if ac.Subject != "" {
		sinks = append(sinks, security.NewBusSink(a.bus, ac.Subject, a.logger))
	}
	if ac.Collector != "" {
		hs := security.NewHTTPSink(ac.Collector, ac.BatchSize, a.logger)
		sinks = append(sinks, hs)
		a.flushers = append(a.flushers, hs.Close)
	}

	a.audit = sinks
	if ac.Sign {
		trail, err := security.NewSignedTrail(ac.InstanceID, sinks)
		if err != nil {
			return fmt.Errorf("create signed audit trail: %w", err)
		}
		a.logger.Info("audit_trail_signing", map[string]interface{}{
			"instance_id": trail.InstanceID(),
			"public_key":  trail.PublicKey(),
		})
		a.audit = trail
		a.flushers = append(a.flushers, func() error {
			trail.Destroy()
			return nil
		})
	}
	return nil
}

// start launches dispatch workers and the requeue responder.
func (a *app) start(ctx context.Context) error {
	if err := a.queue.Start(ctx, a.dispatcher.Handle); err != nil {
		return err
	}
	return a.requeue.Start(ctx)
}

// registerShutdown orders the stop: HTTP first, then workers, then
// telemetry, audit sinks and storage.
func (a *app) registerShutdown(c *shutdown.Coordinator) {
	c.Register("http", shutdown.PhaseIngress, a.server)
	c.Register("dispatch-workers", shutdown.PhaseWorkers, a.queue)
	c.Register("requeue-responder", shutdown.PhaseWorkers, a.requeue)
	c.RegisterFunc("telemetry", shutdown.PhaseBackends, a.tracing.Shutdown)
	c.RegisterFunc("ratelimit", shutdown.PhaseBackends, func(context.Context) error {
		return a.limiter.Close()
	})
	c.RegisterFunc("storage", shutdown.PhaseBackends, func(context.Context) error {
		return a.closeBackends()
	})
}

// closeBackends flushes audit sinks and closes the store, bus and NATS
// connection, in that order.
func (a *app) closeBackends() error {
	var errs []error
	for _, flush := range a.flushers {
		errs = append(errs, flush())
	}
	a.flushers = nil
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Drain())
	}
	return errors.Join(errs...)
}
