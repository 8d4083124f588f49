package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskhook/bus"
	"github.com/vinayprograms/taskhook/config"
	"github.com/vinayprograms/taskhook/dispatch"
	"github.com/vinayprograms/taskhook/shutdown"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and dispatch workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, creds, logger, err := flags.load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cfg, creds, logger)
			if err != nil {
				return err
			}

			coord := shutdown.NewCoordinator(shutdown.Config{
				Timeout: shutdownTimeout,
				Logger:  logger,
			})
			a.registerShutdown(coord)
			coord.HandleSignals()

			if err := a.start(ctx); err != nil {
				_ = coord.ShutdownWithTimeout(0)
				return err
			}

			logger.Info("taskhook_started", map[string]interface{}{
				"version": Version,
				"addr":    cfg.Server.Addr,
				"backend": cfg.Store.Backend,
			})

			serveErr := make(chan error, 1)
			go func() { serveErr <- a.server.ListenAndServe() }()

			select {
			case err := <-serveErr:
				if err != nil {
					_ = coord.ShutdownWithTimeout(0)
					return err
				}
				<-coord.Done()
			case <-coord.Done():
			}
			return coord.Report().Err
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", shutdown.DefaultConfig().Timeout, "time allowed for graceful shutdown")
	return cmd
}

func requeueCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Ask a running instance to dispatch a task again",
		Long: `requeue sends a request over NATS to a running taskhook instance.
A Pending task gets a fresh dispatch job; a Processing task is redelivered.
Terminal tasks are refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, creds, _, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Store.Backend != config.BackendNATS {
				return fmt.Errorf("requeue needs the %q backend, configured backend is %q", config.BackendNATS, cfg.Store.Backend)
			}

			conn, err := bus.Connect(cfg.NATSBus(creds))
			if err != nil {
				return err
			}
			defer conn.Close()
			mb := bus.NewNATSBusFromConn(conn, cfg.NATSBus(creds))
			defer mb.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reply, err := dispatch.RequestRequeue(ctx, mb, dispatch.DefaultRequeueSubject, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s requeued (status %s)\n", reply.TaskID, reply.Status)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a reply")
	return cmd
}
