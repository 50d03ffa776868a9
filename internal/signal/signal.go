// Package signal defines the structured trade signal consumed by the
// orchestrator and the intake paths that produce it (HTTP ingress,
// websocket feed, journal recovery).
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Directions a binary option contract can take.
const (
	DirectionCall = "call"
	DirectionPut  = "put"
)

// Target selector modes. A signal names one account, fans out to all
// enabled accounts, or leaves the choice to the configured default.
const (
	TargetDefault = ""
	TargetAll     = "all"
)

// Signal is one structured trade instruction. How it was parsed from
// human-readable text is out of scope; intake hands the core this shape.
type Signal struct {
	ID            string    `json:"id,omitempty"`
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`
	ExpirySeconds int       `json:"expiry_seconds,omitempty"`
	Target        string    `json:"target,omitempty"` // account name, "all", or empty
	Source        string    `json:"source,omitempty"`
	ReceivedAt    time.Time `json:"received_at,omitempty"`
}

// Age reports how long ago the signal entered the system.
func (s Signal) Age() time.Duration {
	return time.Since(s.ReceivedAt)
}

// Normalize validates the signal in place and fills defaults. Symbols are
// canonicalized the way the brokerage quotes them: base uppercased, slashes
// removed, OTC suffix folded to a lowercase "_otc" ("BHD/CNY OTC" →
// "BHDCNY_otc", "EUR/USD" → "EURUSD").
func (s *Signal) Normalize(defaultExpiry int) error {
	sym, err := NormalizeSymbol(s.Symbol)
	if err != nil {
		return err
	}
	s.Symbol = sym

	dir, err := normalizeDirection(s.Direction)
	if err != nil {
		return err
	}
	s.Direction = dir

	if s.ExpirySeconds <= 0 {
		s.ExpirySeconds = defaultExpiry
	}
	if s.ID == "" {
		s.ID = fmt.Sprintf("sig_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now()
	}
	if s.Target != TargetAll {
		s.Target = strings.TrimSpace(s.Target)
	}
	return nil
}

// NormalizeSymbol canonicalizes an instrument name.
func NormalizeSymbol(raw string) (string, error) {
	sym := strings.TrimSpace(raw)
	if sym == "" {
		return "", fmt.Errorf("signal: empty symbol")
	}

	upper := strings.ToUpper(sym)
	switch {
	case strings.HasSuffix(upper, " OTC"):
		base := sym[:len(sym)-len(" OTC")]
		sym = strings.ToUpper(strings.ReplaceAll(base, "/", "")) + "_otc"
	case strings.Contains(strings.ToLower(sym), "_otc"):
		idx := strings.Index(strings.ToLower(sym), "_otc")
		base := sym[:idx]
		sym = strings.ToUpper(strings.ReplaceAll(base, "/", "")) + "_otc"
	default:
		sym = strings.ToUpper(strings.ReplaceAll(sym, "/", ""))
	}
	return sym, nil
}

func normalizeDirection(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case DirectionCall, "up", "buy":
		return DirectionCall, nil
	case DirectionPut, "down", "sell":
		return DirectionPut, nil
	default:
		return "", fmt.Errorf("signal: unknown direction %q", raw)
	}
}
