package app

import (
	"fmt"
	"strings"

	"moonwatch/internal/config"
	"moonwatch/internal/exitplan"
	"moonwatch/internal/risk"
	"moonwatch/internal/strategy/exit"
)

type StartupSummary struct {
	HTTPAddr     string
	StorePath    string
	JournalPath  string
	Policy       exitplan.Snapshot
	Tracker      config.TrackerConfig
	Capital      risk.Snapshot
	Hydrated     hydration
	TrendAuto    bool
	PersistQueue int
}

func (s *StartupSummary) Print() {
	fmt.Print(s.String())
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	rule := strings.Repeat("=", 72)
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "MOONWATCH STARTUP SUMMARY")
	fmt.Fprintln(&b, rule)

	fmt.Fprintln(&b, "[tracker]")
	fmt.Fprintf(&b, "  stop loss: %.2f%%  trailing drawdown: %.2f%%\n", s.Tracker.StopLossPct, s.Tracker.TrailingDrawdownPct)
	fmt.Fprintf(&b, "  moon: +%.2f%% after TP1, exit below conf %.0f\n", s.Tracker.MoonDeltaPct, s.Tracker.MoonExitConfidence)
	fmt.Fprintf(&b, "  defaults: conf=%.0f regime=%s  trend auto=%v\n", s.Tracker.DefaultConfidence, s.Tracker.DefaultRegime, s.TrendAuto)
	fmt.Fprintln(&b)

	fmt.Fprintf(&b, "[tp policy] v%d from %s\n", s.Policy.Version, s.Policy.Source)
	if s.Policy.Policy != nil {
		for _, regime := range []exit.Regime{exit.RegimeNormal, exit.RegimeHighVol} {
			fmt.Fprintf(&b, "  %-8s %s\n", regime, formatTiers(s.Policy.Policy.Tiers(regime)))
		}
	}
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[capital]")
	fmt.Fprintf(&b, "  total=%s used=%s score=%d preservation=%v\n",
		s.Capital.TotalCapital.StringFixed(2), s.Capital.CapitalUsed.StringFixed(2),
		s.Capital.CapitalScore, s.Capital.PreservationMode)
	fmt.Fprintf(&b, "  restored: capital=%v memories=%d abandoned=%d\n", s.Hydrated.Capital, s.Hydrated.Memories, s.Hydrated.Abandoned)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[io]")
	fmt.Fprintf(&b, "  http: %s\n", orDash(s.HTTPAddr))
	fmt.Fprintf(&b, "  store: %s  journal: %s  queue: %d\n", orDash(s.StorePath), orDash(s.JournalPath), s.PersistQueue)
	fmt.Fprintln(&b, rule)
	return b.String()
}

func formatTiers(tiers []exit.Tier) string {
	if len(tiers) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tiers))
	for _, t := range tiers {
		parts = append(parts, fmt.Sprintf("conf>=%.0f:%.0f%%", t.MinConfidence, t.TargetPct))
	}
	return strings.Join(parts, "  ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
