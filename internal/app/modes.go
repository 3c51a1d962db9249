package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NEONdAPP/neon-core-go/internal/pipeline"
	"github.com/NEONdAPP/neon-core-go/internal/server"
	"github.com/NEONdAPP/neon-core-go/internal/server/handler"
	"github.com/NEONdAPP/neon-core-go/internal/server/ws"
)

// shutdownGrace bounds how long in-flight HTTP requests may run after the
// context is cancelled.
const shutdownGrace = 10 * time.Second

// ServerMode runs the HTTP + WebSocket API only. Background loops are left to
// another instance.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API plus the background pipeline: the due-position
// scanner and the cold-storage archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps)
	}

	if a.cfg.Pipeline.Enabled {
		scanner := pipeline.NewScanner(
			deps.Ledger,
			deps.Orchestrator,
			a.cfg.Pipeline.ScanInterval.Duration,
			a.cfg.Pipeline.RoundWarnAfter.Duration,
			a.logger,
		)
		g.Go(func() error {
			return scanner.Run(ctx)
		})

		archiver := pipeline.NewArchiver(
			deps.BlobArchiver,
			a.cfg.Pipeline.ArchiveInterval.Duration,
			a.cfg.Pipeline.ArchiveRetentionDays,
			a.logger,
		)
		g.Go(func() error {
			return archiver.RunLoop(ctx)
		})
	}

	return g.Wait()
}

// startServer builds the handler set, WebSocket hub, and HTTP server, and
// registers their goroutines on the group.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Positions: handler.NewPositionHandler(deps.Positions, a.logger),
		Resolver:  handler.NewResolverHandler(deps.Resolver, a.logger),
		Archive:   handler.NewArchiveHandler(deps.BlobReader, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		ResolverToken: a.cfg.Server.ResolverToken,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
