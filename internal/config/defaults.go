package config

import "strings"

const (
	defaultAppEnv        = "dev"
	defaultAppLogLevel   = "info"
	defaultAppLogFormat  = "text"
	defaultAppHTTPAddr   = ":9991"
	defaultStopLossPct   = -40
	defaultTrailingDD    = 10
	defaultMoonDelta     = 120
	defaultMoonExitConf  = 60
	defaultConfidence    = 70
	defaultRegime        = "normal"
	defaultMailboxSize   = 64
	defaultTotalCapital  = 1000
	defaultInitialScore  = 70
	defaultWinBonus      = 5
	defaultLossPenalty   = 10
	defaultRecovery      = 50
	defaultMaxLosses     = 3
	defaultStreakWeight  = 2
	defaultMaxBias       = 10
	defaultStorePath     = "data/moonwatch.db"
	defaultJournalPath   = "data/journal.db"
	defaultQueueSize     = 1024
	defaultMaxAttempts   = 3
	defaultBackoffMs     = 200
	defaultBreakerThresh = 5
	defaultBreakerCool   = 10
	defaultFeedCapacity  = 512
	defaultFastPeriod    = 9
	defaultSlowPeriod    = 21
	defaultRSIPeriod     = 14
	defaultTrendWindow   = 120
	defaultOverbought    = 70
	defaultOversold      = 30
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Tracker.applyDefaults(keys)
	c.Capital.applyDefaults(keys)
	c.Memory.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Persist.applyDefaults(keys)
	c.Feed.applyDefaults(keys)
	c.Trend.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (t *TrackerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("tracker.stop_loss_pct", &t.StopLossPct, defaultStopLossPct),
		floatFieldDefault("tracker.trailing_drawdown_pct", &t.TrailingDrawdownPct, defaultTrailingDD),
		floatFieldDefault("tracker.moon_delta_pct", &t.MoonDeltaPct, defaultMoonDelta),
		floatFieldDefault("tracker.moon_exit_confidence", &t.MoonExitConfidence, defaultMoonExitConf),
		floatFieldDefault("tracker.default_confidence", &t.DefaultConfidence, defaultConfidence),
		stringFieldDefault("tracker.default_regime", &t.DefaultRegime, defaultRegime),
		intFieldDefault("tracker.mailbox_size", &t.MailboxSize, defaultMailboxSize),
	)
	// Stop-loss is a loss threshold; accept either sign in the file.
	if t.StopLossPct > 0 {
		t.StopLossPct = -t.StopLossPct
	}
	t.DefaultRegime = strings.ToLower(strings.TrimSpace(t.DefaultRegime))
}

func (c *CapitalConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("capital.total_capital", &c.TotalCapital, defaultTotalCapital),
		intFieldDefault("capital.initial_score", &c.InitialScore, defaultInitialScore),
		intFieldDefault("capital.win_bonus", &c.WinBonus, defaultWinBonus),
		intFieldDefault("capital.loss_penalty", &c.LossPenalty, defaultLossPenalty),
		intFieldDefault("capital.recovery_threshold", &c.RecoveryThreshold, defaultRecovery),
		intFieldDefault("capital.max_consecutive_losses", &c.MaxConsecutiveLosses, defaultMaxLosses),
	)
}

func (m *MemoryConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("memory.streak_weight", &m.StreakWeight, defaultStreakWeight),
		floatFieldDefault("memory.max_bias", &m.MaxBias, defaultMaxBias),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.journal_path", &s.JournalPath, defaultJournalPath),
	)
}

func (p *PersistConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("persist.queue_size", &p.QueueSize, defaultQueueSize),
		intFieldDefault("persist.max_attempts", &p.MaxAttempts, defaultMaxAttempts),
		intFieldDefault("persist.backoff_ms", &p.BackoffMs, defaultBackoffMs),
		intFieldDefault("persist.breaker_threshold", &p.BreakerThreshold, defaultBreakerThresh),
		intFieldDefault("persist.breaker_cooldown_seconds", &p.BreakerCooldownSeconds, defaultBreakerCool),
	)
}

func (f *FeedConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("feed.capacity", &f.Capacity, defaultFeedCapacity),
	)
}

func (t *TrendConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("trend.fast_period", &t.FastPeriod, defaultFastPeriod),
		intFieldDefault("trend.slow_period", &t.SlowPeriod, defaultSlowPeriod),
		intFieldDefault("trend.rsi_period", &t.RSIPeriod, defaultRSIPeriod),
		intFieldDefault("trend.window", &t.Window, defaultTrendWindow),
		floatFieldDefault("trend.overbought", &t.Overbought, defaultOverbought),
		floatFieldDefault("trend.oversold", &t.Oversold, defaultOversold),
	)
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

// applyFieldDefaults skips keys the files set explicitly, even to zero.
func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = def },
	}
}
