// Package tickstore resolves (trading date, option symbol) pairs to ordered
// intraday tick series held in nested monthly/daily zip archives, with
// process-lifetime caching at every tier.
package tickstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// Side is the direction of one leg of a spread.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Leg identifies one option contract of a spread position.
type Leg struct {
	Underlying string
	Expiry     time.Time
	Strike     int
	Type       OptionType
	Side       Side
}

// Symbol renders the canonical archive symbol, e.g. "NIFTY29FEB2421800PE".
func (l Leg) Symbol() string {
	return fmt.Sprintf("%s%s%d%s", l.Underlying, strings.ToUpper(l.Expiry.Format("02Jan06")), l.Strike, l.Type)
}

// ParseSymbol inverts Symbol. The underlying is the leading run of letters,
// followed by a ddMMMyy expiry, the strike, and the CE/PE suffix.
func ParseSymbol(s string) (Leg, error) {
	var leg Leg

	switch {
	case strings.HasSuffix(s, string(Call)):
		leg.Type = Call
	case strings.HasSuffix(s, string(Put)):
		leg.Type = Put
	default:
		return Leg{}, fmt.Errorf("symbol %q: missing CE/PE suffix", s)
	}
	body := s[:len(s)-2]

	// The expiry always starts at the first digit: dd of ddMMMyy.
	i := strings.IndexFunc(body, func(r rune) bool { return r >= '0' && r <= '9' })
	if i <= 0 || len(body) < i+7 {
		return Leg{}, fmt.Errorf("symbol %q: truncated expiry", s)
	}
	leg.Underlying = body[:i]

	expiry, err := time.Parse("02Jan06", body[i:i+7])
	if err != nil {
		return Leg{}, fmt.Errorf("symbol %q: expiry: %w", s, err)
	}
	leg.Expiry = expiry

	strike, err := strconv.Atoi(body[i+7:])
	if err != nil {
		return Leg{}, fmt.Errorf("symbol %q: strike: %w", s, err)
	}
	leg.Strike = strike

	return leg, nil
}
