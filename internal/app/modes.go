package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"perpbot/internal/server"
	"perpbot/internal/server/handler"
)

// ServeMode runs the webhook ingress and ops API only. Reconciliation is left
// to a dedicated monitor instance.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// MonitorMode runs the reconciler loop (and the archiver when enabled)
// without the HTTP surface.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startMonitor(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	a.startMonitor(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Webhook:   handler.NewWebhookHandler(deps.Dispatcher, deps.Dedup, a.cfg.Dispatch.DedupTTL.Duration, a.logger),
		Positions: handler.NewPositionHandler(deps.Positions, a.logger),
		Alerts:    handler.NewAlertHandler(deps.Alerts, a.logger),
		Emergency: handler.NewEmergencyHandler(deps.Emergency, a.logger),
	}
	srv := server.New(server.Config{Port: a.cfg.Server.Port}, handlers, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Monitor.Interval.Duration
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				report, err := deps.Monitor.RunCycle(ctx)
				if err != nil {
					a.logger.ErrorContext(ctx, "reconciliation cycle failed",
						slog.Any("error", err))
					continue
				}
				if report.Skipped {
					continue
				}
				if report.Closed > 0 || report.Orphans > 0 || report.Errors > 0 {
					deps.BotLog.Info("", "monitor", "reconciliation cycle had activity", map[string]any{
						"checked":  report.Checked,
						"resynced": report.Resynced,
						"closed":   report.Closed,
						"orphans":  report.Orphans,
						"errors":   report.Errors,
					})
				}
				a.logger.DebugContext(ctx, "reconciliation cycle done",
					slog.Int("users", report.Users),
					slog.Int("checked", report.Checked),
					slog.Int("resynced", report.Resynced),
					slog.Int("closed", report.Closed),
					slog.Int("orphans", report.Orphans),
					slog.Int("errors", report.Errors),
				)
			}
		}
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	interval := a.cfg.Archive.Interval.Duration
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := deps.Archiver.Run(ctx); err != nil {
					a.logger.ErrorContext(ctx, "archive pass failed",
						slog.Any("error", err))
				}
			}
		}
	})
}
