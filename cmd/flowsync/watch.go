package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/flowsync/pkg/events"
	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/manifest"
	"github.com/cuemby/flowsync/pkg/metrics"
	"github.com/cuemby/flowsync/pkg/reconciler"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the cluster reconciled to the declarations",
	Long: `Reconcile on an interval and whenever a declaration or parameter file
changes. Prometheus metrics and health endpoints are served while running.

Endpoints:
  /metrics  Prometheus metrics
  /health   component health
  /ready    readiness (cluster reachable, declarations load, last run
            converged and no older than three intervals)
  /live     liveness

Examples:
  flowsync watch -f flows/ --deletion authoritative
  flowsync watch -f flows/ --deletion overlay --interval 1m --addr :9100`,
	RunE: runWatch,
}

func init() {
	addReconcileFlags(watchCmd)
	watchCmd.Flags().Duration("interval", 0, "Periodic reconcile interval (overrides reconcile.interval)")
	watchCmd.Flags().String("addr", "", "Metrics and health listen address (overrides server.addr)")
	watchCmd.Flags().Bool("events", false, "Print reconcile events to stdout")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("watch")

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	interval := cfg.Reconcile.Interval.Duration()
	if cmd.Flags().Changed("interval") {
		interval, _ = cmd.Flags().GetDuration("interval")
	}
	addr := cfg.Server.Addr
	if cmd.Flags().Changed("addr") {
		addr, _ = cmd.Flags().GetString("addr")
	}

	// fail early on broken declarations; later load errors only mark the
	// reconciler unhealthy
	if _, err := loadDesired(); err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer logout(c)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	opts := []reconciler.Option{reconciler.WithBroker(broker), reconciler.WithRetention(cfg.History.Keep)}
	history, err := openHistory()
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
		opts = append(opts, reconciler.WithHistory(history))
	}

	loop := reconciler.NewLoop(reconciler.NewReconciler(c, opts...), loadDesired, policy, interval)

	watched := append(append([]string{}, cfg.Manifests...), cfg.Parameters.Files...)
	watcher, err := manifest.NewWatcher(watched, cfg.Reconcile.Debounce.Duration(), func() {
		broker.Publish(&events.Event{Type: events.EventManifestChanged, Message: "declarations changed"})
		loop.Trigger()
	})
	if err != nil {
		return err
	}

	if interval > 0 {
		metrics.SetStaleAfter(3 * interval)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("Serving metrics and health")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := watcher.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		watcher.Stop()
		return nil
	})

	if show, _ := cmd.Flags().GetBool("events"); show {
		sub := broker.Subscribe()
		g.Go(func() error {
			defer broker.Unsubscribe(sub)
			out := cmd.OutOrStdout()
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev := <-sub:
					fmt.Fprintf(out, "%s %-20s %s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.RunID, ev.Message)
				}
			}
		})
	}

	logger.Info().
		Strs("manifests", cfg.Manifests).
		Str("deletion", string(policy.Deletion)).
		Dur("interval", interval).
		Msg("Watching declarations")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Stopped")
	return nil
}
