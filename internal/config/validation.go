package config

import (
	"errors"
	"fmt"
	"strings"
)

func validate(c *Config) error {
	return errors.Join(
		c.App.validate(),
		c.Tracker.validate(),
		c.Capital.validate(),
		c.Memory.validate(),
		c.Store.validate(),
		c.Persist.validate(),
		c.Feed.validate(),
		c.Trend.validate(),
	)
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogFormat)) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

func (t *TrackerConfig) validate() error {
	if t.StopLossPct == 0 {
		return fmt.Errorf("tracker.stop_loss_pct cannot be 0")
	}
	if t.TrailingDrawdownPct <= 0 {
		return fmt.Errorf("tracker.trailing_drawdown_pct must be > 0")
	}
	if t.MoonDeltaPct <= 0 {
		return fmt.Errorf("tracker.moon_delta_pct must be > 0")
	}
	if !inPercent(t.MoonExitConfidence) {
		return fmt.Errorf("tracker.moon_exit_confidence must be within [0,100]")
	}
	if !inPercent(t.DefaultConfidence) {
		return fmt.Errorf("tracker.default_confidence must be within [0,100]")
	}
	switch t.DefaultRegime {
	case "normal", "high_vol":
	default:
		return fmt.Errorf("tracker.default_regime must be normal or high_vol, got %q", t.DefaultRegime)
	}
	if t.MailboxSize <= 0 {
		return fmt.Errorf("tracker.mailbox_size must be > 0")
	}
	return nil
}

func (c *CapitalConfig) validate() error {
	if c.TotalCapital < 0 {
		return fmt.Errorf("capital.total_capital must be >= 0")
	}
	if c.InitialScore < 0 || c.InitialScore > 100 {
		return fmt.Errorf("capital.initial_score must be within [0,100]")
	}
	if c.RecoveryThreshold < 0 || c.RecoveryThreshold > 100 {
		return fmt.Errorf("capital.recovery_threshold must be within [0,100]")
	}
	if c.WinBonus < 0 || c.LossPenalty < 0 {
		return fmt.Errorf("capital.win_bonus and capital.loss_penalty must be >= 0")
	}
	if c.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("capital.max_consecutive_losses must be > 0")
	}
	return nil
}

func (m *MemoryConfig) validate() error {
	if m.StreakWeight < 0 {
		return fmt.Errorf("memory.streak_weight must be >= 0")
	}
	if m.MaxBias < 0 {
		return fmt.Errorf("memory.max_bias must be >= 0")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	if strings.TrimSpace(s.JournalPath) == "" {
		return fmt.Errorf("store.journal_path cannot be empty")
	}
	if strings.TrimSpace(s.Path) == strings.TrimSpace(s.JournalPath) {
		return fmt.Errorf("store.path and store.journal_path must differ")
	}
	return nil
}

func (p *PersistConfig) validate() error {
	if p.QueueSize <= 0 {
		return fmt.Errorf("persist.queue_size must be > 0")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("persist.max_attempts must be > 0")
	}
	if p.BackoffMs < 0 || p.BreakerCooldownSeconds < 0 {
		return fmt.Errorf("persist.backoff_ms and persist.breaker_cooldown_seconds must be >= 0")
	}
	if p.WritesPerSecond < 0 {
		return fmt.Errorf("persist.writes_per_second must be >= 0 (0 = unlimited)")
	}
	return nil
}

func (f *FeedConfig) validate() error {
	if f.Capacity <= 0 {
		return fmt.Errorf("feed.capacity must be > 0")
	}
	return nil
}

func (t *TrendConfig) validate() error {
	if !t.Auto {
		return nil
	}
	if t.FastPeriod <= 1 || t.SlowPeriod <= t.FastPeriod {
		return fmt.Errorf("trend.fast_period must be > 1 and < trend.slow_period")
	}
	if t.RSIPeriod <= 1 {
		return fmt.Errorf("trend.rsi_period must be > 1")
	}
	if t.Window < t.SlowPeriod+2 {
		return fmt.Errorf("trend.window must be >= slow_period+2")
	}
	if t.Oversold >= t.Overbought {
		return fmt.Errorf("trend.oversold must be below trend.overbought")
	}
	return nil
}

func inPercent(v float64) bool { return v >= 0 && v <= 100 }
