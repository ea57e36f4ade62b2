package app

import (
	"context"
	"fmt"

	"moonwatch/internal/config"
	"moonwatch/internal/logger"
	"moonwatch/internal/metrics"
	livehttp "moonwatch/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App owns the live service and its HTTP ingress.
type App struct {
	cfg      *config.Config
	live     *LiveService
	liveHTTP *livehttp.Server
	metrics  *metrics.Metrics
	Summary  *StartupSummary
}

// NewApp builds the application from cfg without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return buildAppWithWire(context.Background(), cfg)
}

// Run serves until ctx is cancelled, then shuts the live service down.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.live == nil {
		return fmt.Errorf("live service not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(ctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		defer a.live.Shutdown()
		return a.live.Run(ctx)
	})
	return group.Wait()
}

// LiveService exposes the service for tests and replay harnesses.
func (a *App) LiveService() *LiveService {
	if a == nil {
		return nil
	}
	return a.live
}

func (a *App) Metrics() *metrics.Metrics {
	if a == nil {
		return nil
	}
	return a.metrics
}
