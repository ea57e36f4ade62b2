package config

import (
	"strings"
	"time"
)

// Config is the root of the moonwatch configuration file.
type Config struct {
	App      AppConfig      `toml:"app"`
	Tracker  TrackerConfig  `toml:"tracker"`
	TPPolicy TPPolicyConfig `toml:"tp_policy"`
	Capital  CapitalConfig  `toml:"capital"`
	Memory   MemoryConfig   `toml:"memory"`
	Store    StoreConfig    `toml:"store"`
	Persist  PersistConfig  `toml:"persist"`
	Feed     FeedConfig     `toml:"feed"`
	Trend    TrendConfig    `toml:"trend"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// TrackerConfig holds per-position exit thresholds, in ROI percent.
type TrackerConfig struct {
	StopLossPct         float64 `toml:"stop_loss_pct"`
	TrailingDrawdownPct float64 `toml:"trailing_drawdown_pct"`
	MoonDeltaPct        float64 `toml:"moon_delta_pct"`
	MoonExitConfidence  float64 `toml:"moon_exit_confidence"`
	DefaultConfidence   float64 `toml:"default_confidence"`
	DefaultRegime       string  `toml:"default_regime"`
	MailboxSize         int     `toml:"mailbox_size"`
}

type TPPolicyConfig struct {
	PolicyPath string `toml:"policy_path"`
	Watch      bool   `toml:"watch"`
}

type CapitalConfig struct {
	TotalCapital         float64 `toml:"total_capital"`
	InitialScore         int     `toml:"initial_score"`
	WinBonus             int     `toml:"win_bonus"`
	LossPenalty          int     `toml:"loss_penalty"`
	RecoveryThreshold    int     `toml:"recovery_threshold"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
}

type MemoryConfig struct {
	StreakWeight float64 `toml:"streak_weight"`
	MaxBias      float64 `toml:"max_bias"`
}

// StoreConfig points at the two sqlite files: the gorm state store and the
// append-only journal. EventsPath, when set, sends the open/close envelope
// log to a JSONL file instead of the journal.
type StoreConfig struct {
	Path        string `toml:"path"`
	JournalPath string `toml:"journal_path"`
	EventsPath  string `toml:"events_path"`
}

type PersistConfig struct {
	QueueSize              int     `toml:"queue_size"`
	MaxAttempts            int     `toml:"max_attempts"`
	BackoffMs              int     `toml:"backoff_ms"`
	WritesPerSecond        float64 `toml:"writes_per_second"`
	BreakerThreshold       int     `toml:"breaker_threshold"`
	BreakerCooldownSeconds int     `toml:"breaker_cooldown_seconds"`
}

func (p PersistConfig) Backoff() time.Duration {
	return time.Duration(p.BackoffMs) * time.Millisecond
}

func (p PersistConfig) BreakerCooldown() time.Duration {
	return time.Duration(p.BreakerCooldownSeconds) * time.Second
}

type FeedConfig struct {
	Capacity int `toml:"capacity"`
}

type TrendConfig struct {
	Auto       bool    `toml:"auto"`
	FastPeriod int     `toml:"fast_period"`
	SlowPeriod int     `toml:"slow_period"`
	RSIPeriod  int     `toml:"rsi_period"`
	Window     int     `toml:"window"`
	Overbought float64 `toml:"overbought"`
	Oversold   float64 `toml:"oversold"`
}

// keySet tracks the dotted paths explicitly present in the config files.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}
