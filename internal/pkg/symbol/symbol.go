package symbol

import (
	"strings"
	"unicode"
)

// Normalize strips separators and upper-cases a contract name:
// "btc/usdt", "BTC-USDT", "BTC_USDT:USDT" all become "BTCUSDT".
// A settlement suffix after ':' is dropped.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// NormalizeSide maps order-side vocabulary onto position sides.
// BUY -> LONG, SELL -> SHORT, anything else is upper-cased as is.
func NormalizeSide(side string) string {
	s := strings.ToUpper(strings.TrimSpace(side))
	switch s {
	case "BUY":
		return "LONG"
	case "SELL":
		return "SHORT"
	default:
		return s
	}
}
