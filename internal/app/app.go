// Package app wires the store, registry, queue, worker pool, and transports
// together and owns their combined lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/parley-chat/parley-server/internal/config"
	"github.com/parley-chat/parley-server/internal/core"
	"github.com/parley-chat/parley-server/internal/store"
	"github.com/parley-chat/parley-server/internal/store/filestore"
	"github.com/parley-chat/parley-server/internal/transport/tcp"
	"github.com/parley-chat/parley-server/internal/transport/ws"
)

// App holds the assembled server.
type App struct {
	cfg      config.Config
	log      *zerolog.Logger
	store    store.Store
	registry *core.Registry
	queue    *core.Queue
	router   *core.Router
	tcp      *tcp.Server
	gateway  *stdhttp.Server
}

// New constructs the application with the provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := filestore.New(afero.NewOsFs(), cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("data_dir", cfg.DataDir).Msg("file store initialized")

	registry := core.NewRegistry()
	queue := core.NewQueue()
	router := core.NewRouter(registry, st, queue, logger)

	a := &App{
		cfg:      cfg,
		log:      logger,
		store:    st,
		registry: registry,
		queue:    queue,
		router:   router,
		tcp:      tcp.NewServer(fmt.Sprintf(":%d", cfg.Port), registry, queue, logger),
	}
	if cfg.WSAddr != "" {
		a.gateway = ws.NewServer(cfg.WSAddr, registry, queue, logger)
	}
	return a, nil
}

// Run starts the multiplexer, the worker pool, and the optional WebSocket
// gateway, then blocks until ctx cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < a.cfg.Workers; i++ {
		g.Go(func() error {
			return a.router.Worker(gctx)
		})
	}

	g.Go(func() error {
		return a.tcp.Run(gctx)
	})

	// Closing the queue is what releases workers blocked on dequeue.
	g.Go(func() error {
		<-gctx.Done()
		a.queue.Close()
		return nil
	})

	if a.gateway != nil {
		g.Go(func() error {
			a.log.Info().Str("addr", a.cfg.WSAddr).Msg("ws gateway listening")
			if err := a.gateway.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
				return fmt.Errorf("ws gateway: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			if err := ws.Shutdown(a.gateway, a.cfg.ShutdownTimeout); err != nil {
				a.log.Warn().Err(err).Msg("ws gateway shutdown")
			}
			return nil
		})
	}

	err := g.Wait()
	a.cleanup()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
