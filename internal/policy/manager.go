// Package policy resolves effective trading settings per account and owns
// the shared defaults. Accounts without their own settings row inherit the
// "global" row; if neither exists the built-in defaults apply.
package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"options-core/pkg/db"
)

// GlobalScope is the settings row shared by every account that has no row of
// its own.
const GlobalScope = "global"

// Lane selection strategies.
const (
	StrategyFIFO           = "fifo"
	StrategyRoundRobin     = "round_robin"
	StrategySymbolPriority = "symbol_priority"
)

// Defaults returns the built-in settings used when no row exists yet. They
// mirror the schema defaults so behavior matches regardless of whether the
// row has been materialized.
func Defaults() db.Settings {
	return db.Settings{
		Account:            GlobalScope,
		Enabled:            true,
		BaseAmount:         1.0,
		MartingaleEnabled:  true,
		Multiplier:         2.2,
		MaxLevel:           7,
		StakingMode:        db.StakingModeLanes,
		LaneStrategy:       StrategyFIFO,
		AutoCreateLanes:    true,
		MaxConcurrentLanes: 3,
		MaxLanesPerDay:     10,
		ConcurrentTrading:  false,
		CooldownSeconds:    0,
		MinPayout:          0,
	}
}

type cachedSettings struct {
	settings db.Settings
	at       time.Time
}

// Manager loads and caches per-account settings. A short TTL keeps decisions
// cheap while still picking up rows edited by external tools.
type Manager struct {
	mu    sync.RWMutex
	db    *db.Database
	cache map[string]cachedSettings
	ttl   time.Duration
}

func NewManager(database *db.Database) *Manager {
	return &Manager{
		db:    database,
		cache: make(map[string]cachedSettings),
		ttl:   10 * time.Second,
	}
}

// EnsureDefaults inserts the global settings row if none exists, so the
// shared configuration is visible and editable from the start.
func (m *Manager) EnsureDefaults(ctx context.Context) error {
	existing, err := m.db.GetSettings(ctx, GlobalScope)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return m.db.UpsertSettings(ctx, Defaults())
}

// Resolve returns the effective settings for an account: the account's own
// row if present, else the global row, else built-in defaults. The returned
// value is always normalized so callers never see a zero multiplier or level.
func (m *Manager) Resolve(ctx context.Context, account string) (db.Settings, error) {
	m.mu.RLock()
	if c, ok := m.cache[account]; ok && time.Since(c.at) < m.ttl {
		m.mu.RUnlock()
		return c.settings, nil
	}
	m.mu.RUnlock()

	s, err := m.db.GetSettings(ctx, account)
	if err != nil {
		return db.Settings{}, err
	}
	if s == nil {
		s, err = m.db.GetSettings(ctx, GlobalScope)
		if err != nil {
			return db.Settings{}, err
		}
	}

	var eff db.Settings
	if s != nil {
		eff = normalize(*s)
	} else {
		eff = Defaults()
	}

	m.mu.Lock()
	m.cache[account] = cachedSettings{settings: eff, at: time.Now()}
	m.mu.Unlock()
	return eff, nil
}

// Update writes an account's settings row and drops the cached copy.
func (m *Manager) Update(ctx context.Context, s db.Settings) error {
	if err := m.db.UpsertSettings(ctx, normalize(s)); err != nil {
		return err
	}
	m.Invalidate(s.Account)
	if s.Account == GlobalScope {
		// The global row backs every account without its own row.
		m.InvalidateAll()
	}
	return nil
}

func (m *Manager) Invalidate(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, account)
}

func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]cachedSettings)
}

// normalize clamps nonsense values back to the defaults so a bad row can
// never zero out stakes or divide the escalation.
func normalize(s db.Settings) db.Settings {
	def := Defaults()
	if s.BaseAmount <= 0 {
		s.BaseAmount = def.BaseAmount
	}
	if s.Multiplier < 1 {
		s.Multiplier = def.Multiplier
	}
	if s.MaxLevel < 1 {
		s.MaxLevel = def.MaxLevel
	}
	if s.StakingMode != db.StakingModeLanes && s.StakingMode != db.StakingModeQueue {
		s.StakingMode = def.StakingMode
	}
	switch s.LaneStrategy {
	case StrategyFIFO, StrategyRoundRobin, StrategySymbolPriority:
	default:
		s.LaneStrategy = def.LaneStrategy
	}
	if s.MaxConcurrentLanes < 1 {
		s.MaxConcurrentLanes = def.MaxConcurrentLanes
	}
	if s.MaxLanesPerDay < 0 {
		s.MaxLanesPerDay = def.MaxLanesPerDay
	}
	if s.CooldownSeconds < 0 {
		s.CooldownSeconds = 0
	}
	if s.MinPayout < 0 {
		s.MinPayout = 0
	}
	return s
}

// PriorityList splits the comma separated priority_symbols column.
func PriorityList(s db.Settings) []string {
	if strings.TrimSpace(s.PrioritySymbols) == "" {
		return nil
	}
	parts := strings.Split(s.PrioritySymbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
