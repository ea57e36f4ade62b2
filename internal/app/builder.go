package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"moonwatch/internal/analysis/trend"
	"moonwatch/internal/config"
	"moonwatch/internal/exitplan"
	"moonwatch/internal/feed"
	"moonwatch/internal/logger"
	"moonwatch/internal/memory"
	"moonwatch/internal/metrics"
	"moonwatch/internal/persistence"
	"moonwatch/internal/risk"
	"moonwatch/internal/store"
	"moonwatch/internal/store/journal"
	"moonwatch/internal/store/sqlite"
	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/trader"
	livehttp "moonwatch/internal/transport/http/live"
	"moonwatch/internal/types"
)

const defaultStatusEvery = time.Minute

// AppBuilder assembles the App from config. The function fields exist so
// tests can swap the sqlite-backed pieces.
type AppBuilder struct {
	cfg *config.Config

	storeFn    func(path string) (store.Store, error)
	journalFn  func(path string) (*journal.Journal, error)
	registryFn func(config.TPPolicyConfig) (*exitplan.Registry, error)
	liveHTTPFn func(config.AppConfig, livehttp.Service, *metrics.Metrics) (*livehttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithStore replaces the gorm store, e.g. with an in-memory fake.
func WithStore(fn func(path string) (store.Store, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.storeFn = fn }
}

// WithoutHTTP skips the HTTP server.
func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) {
		b.liveHTTPFn = func(config.AppConfig, livehttp.Service, *metrics.Metrics) (*livehttp.Server, error) {
			return nil, nil
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		storeFn:    openSqliteStore,
		journalFn:  journal.Open,
		registryFn: buildPolicyRegistry,
		liveHTTPFn: buildLiveHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openSqliteStore(path string) (store.Store, error) {
	return sqlite.NewSqliteStore(path)
}

func buildPolicyRegistry(cfg config.TPPolicyConfig) (*exitplan.Registry, error) {
	return exitplan.NewRegistry(cfg.PolicyPath, cfg.Watch)
}

func buildLiveHTTPServer(cfg config.AppConfig, svc livehttp.Service, m *metrics.Metrics) (*livehttp.Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, nil
	}
	return livehttp.NewServer(livehttp.ServerConfig{Addr: cfg.HTTPAddr, Service: svc, Metrics: m.Handler()})
}

func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	registry, err := b.registryFn(cfg.TPPolicy)
	if err != nil {
		return nil, fmt.Errorf("load tp policy: %w", err)
	}
	registry.Subscribe(func(s exitplan.Snapshot) {
		logger.Infof("tp policy v%d active (source=%s)", s.Version, s.Source)
	})

	st, err := b.storeFn(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	gateway := store.NewGateway(st)
	var closers []func() error
	closers = append(closers, gateway.Close)
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	jrnl, err := b.journalFn(cfg.Store.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	closers = append(closers, jrnl.Close)

	var events trader.EventStore = trader.NewSQLiteEventStore(jrnl)
	if path := strings.TrimSpace(cfg.Store.EventsPath); path != "" {
		var fileEvents *trader.FileEventStore
		fileEvents, err = trader.NewFileEventStore(path)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		events = fileEvents
		closers = append(closers, fileEvents.Close)
	}

	m := metrics.New()
	writer := persistence.NewWriter(persistence.Config{
		QueueSize:        cfg.Persist.QueueSize,
		MaxAttempts:      cfg.Persist.MaxAttempts,
		Backoff:          cfg.Persist.Backoff(),
		WritesPerSecond:  cfg.Persist.WritesPerSecond,
		BreakerThreshold: cfg.Persist.BreakerThreshold,
		BreakerCooldown:  cfg.Persist.BreakerCooldown(),
		OnFailure:        m.PersistFailure,
	})
	closers = append(closers, writer.Close)

	lastSeq, err := jrnl.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	ring := feed.NewRing(cfg.Feed.Capacity)
	ring.Resume(lastSeq)
	ring.Forward(jrnl.Sink(writer))

	engine := risk.NewEngine(risk.Config{
		TotalCapital:         cfg.Capital.TotalCapital,
		InitialScore:         cfg.Capital.InitialScore,
		WinBonus:             cfg.Capital.WinBonus,
		LossPenalty:          cfg.Capital.LossPenalty,
		RecoveryThreshold:    cfg.Capital.RecoveryThreshold,
		MaxConsecutiveLosses: cfg.Capital.MaxConsecutiveLosses,
	},
		risk.WithFeed(ring),
		risk.WithPersister(gateway, writer),
		risk.WithObserver(m.Capital),
	)
	mem := memory.New(memory.Config{
		StreakWeight: cfg.Memory.StreakWeight,
		MaxBias:      cfg.Memory.MaxBias,
	}, memory.WithPersister(gateway, writer))

	hydrated, err := b.hydrate(ctx, engine, mem, events)
	if err != nil {
		return nil, err
	}
	m.Capital(engine.Snapshot())

	var classifier *trend.Classifier
	if cfg.Trend.Auto {
		classifier = trend.NewClassifier(trend.Config{
			FastPeriod: cfg.Trend.FastPeriod,
			SlowPeriod: cfg.Trend.SlowPeriod,
			RSIPeriod:  cfg.Trend.RSIPeriod,
			Window:     cfg.Trend.Window,
			Overbought: cfg.Trend.Overbought,
			Oversold:   cfg.Trend.Oversold,
		})
	}

	live := NewLiveService(LiveServiceParams{
		Risk:        engine,
		Memory:      mem,
		Ring:        ring,
		Journal:     jrnl,
		Gateway:     gateway,
		Writer:      writer,
		Classifier:  classifier,
		StatusEvery: defaultStatusEvery,
	})
	live.trader = trader.NewTrader(trader.Config{
		Tracker: trader.TrackerConfig{
			StopLossPct:         cfg.Tracker.StopLossPct,
			TrailingDrawdownPct: cfg.Tracker.TrailingDrawdownPct,
			Moon: exit.MoonGate{
				EnterDelta:     cfg.Tracker.MoonDeltaPct,
				ExitConfidence: cfg.Tracker.MoonExitConfidence,
			},
		},
		DefaultConfidence: cfg.Tracker.DefaultConfidence,
		DefaultRegime:     exit.ParseRegime(cfg.Tracker.DefaultRegime),
		MailboxSize:       cfg.Tracker.MailboxSize,
	},
		trader.WithPolicy(registry),
		trader.WithGate(engine),
		trader.WithConfidenceAdjuster(mem),
		trader.WithFeed(ring),
		trader.WithEventStore(events),
		trader.WithObserver(m),
		trader.WithOpenHook(live.onOpen),
		trader.WithResultSink(func(res types.Result) { engine.Apply(res) }),
		trader.WithResultSink(func(res types.Result) { mem.RecordResult(res) }),
		trader.WithResultSink(gateway.ResultSink(writer)),
		trader.WithResultSink(live.onResult),
	)

	httpSrv, err := b.liveHTTPFn(cfg.App, live, m)
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}

	return &App{
		cfg:      cfg,
		live:     live,
		liveHTTP: httpSrv,
		metrics:  m,
		Summary: &StartupSummary{
			HTTPAddr:     cfg.App.HTTPAddr,
			StorePath:    cfg.Store.Path,
			JournalPath:  cfg.Store.JournalPath,
			Policy:       registry.Snapshot(),
			Tracker:      cfg.Tracker,
			Capital:      engine.Snapshot(),
			Hydrated:     hydrated,
			TrendAuto:    cfg.Trend.Auto,
			PersistQueue: cfg.Persist.QueueSize,
		},
	}, nil
}

type hydration struct {
	Memories  int
	Capital   bool
	Abandoned int
}

func (b *AppBuilder) hydrate(ctx context.Context, engine *risk.Engine, mem *memory.Memory, events trader.EventStore) (hydration, error) {
	var out hydration
	n, err := mem.Hydrate(ctx)
	if err != nil {
		return out, fmt.Errorf("hydrate memory: %w", err)
	}
	out.Memories = n
	ok, err := engine.Hydrate(ctx)
	if err != nil {
		return out, fmt.Errorf("hydrate capital: %w", err)
	}
	out.Capital = ok
	n, err = settleOrphans(events, engine, mem)
	if err != nil {
		return out, fmt.Errorf("settle open positions: %w", err)
	}
	out.Abandoned = n
	return out, nil
}

// settleOrphans gives back what positions left open by the previous run
// still hold: their memory pending slot and reserved stake. Trackers are
// not rebuilt because ticks are not journaled.
func settleOrphans(events trader.EventStore, engine *risk.Engine, mem *memory.Memory) (int, error) {
	orphans, err := trader.Orphans(events)
	if err != nil {
		return 0, err
	}
	for _, pos := range orphans {
		if err := trader.Abandon(events, pos, time.Now()); err != nil {
			return 0, fmt.Errorf("abandon %s: %w", pos.ID, err)
		}
		mem.ClearPending(pos.Contract, string(pos.Side))
		engine.Release(pos.Stake)
		logger.Warnf("position %s %s %s was open at shutdown; abandoned, stake %.2f released",
			pos.ID, pos.Side, pos.Contract, pos.Stake)
	}
	return len(orphans), nil
}
