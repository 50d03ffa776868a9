// Package accounts loads the operator's account file and syncs it into the
// ledger at startup. The YAML file is the bootstrap source only: runtime
// edits happen through the API and live in the accounts table.
package accounts

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"options-core/internal/policy"
	"options-core/pkg/crypto"
	"options-core/pkg/db"
)

// Entry is one account in the YAML file.
type Entry struct {
	Name     string         `yaml:"name"`
	SSID     string         `yaml:"ssid"`
	Demo     bool           `yaml:"demo"`
	Enabled  bool           `yaml:"enabled"`
	Settings *SettingsEntry `yaml:"settings"`
}

// SettingsEntry overrides the global trading settings for one account.
// Pointer fields distinguish "not set" (inherit) from an explicit zero.
type SettingsEntry struct {
	BaseAmount         *float64 `yaml:"base_amount"`
	StakingEnabled     *bool    `yaml:"staking_enabled"`
	Multiplier         *float64 `yaml:"multiplier"`
	MaxLevel           *int     `yaml:"max_level"`
	StakingMode        *string  `yaml:"staking_mode"`
	LaneStrategy       *string  `yaml:"lane_strategy"`
	AutoCreateLanes    *bool    `yaml:"auto_create_lanes"`
	MaxConcurrentLanes *int     `yaml:"max_concurrent_lanes"`
	MaxLanesPerDay     *int     `yaml:"max_lanes_per_day"`
	ConcurrentTrading  *bool    `yaml:"concurrent_trading"`
	CooldownSeconds    *int     `yaml:"cooldown_seconds"`
	PrioritySymbols    *string  `yaml:"priority_symbols"`
	MinPayout          *float64 `yaml:"min_payout"`
}

// File is the top-level YAML structure.
type File struct {
	Accounts []Entry `yaml:"accounts"`
}

// Load reads accounts from a YAML file.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	for i, a := range file.Accounts {
		if a.Name == "" {
			return nil, fmt.Errorf("accounts[%d]: name is required", i)
		}
	}
	return file.Accounts, nil
}

// Sync upserts the file's accounts and settings into the ledger. Credentials
// are (re-)encrypted with the current key version when a keyring is present,
// so a plaintext SSID in the file never lands in the DB as-is. Returns the
// total and enabled account counts.
func Sync(ctx context.Context, database *db.Database, keyring *crypto.Keyring, entries []Entry) (total, enabled int, err error) {
	for _, e := range entries {
		ssid := e.SSID
		if keyring != nil {
			stored, _, err := keyring.Refresh(ssid)
			if err != nil {
				return total, enabled, fmt.Errorf("encrypt credentials for %s: %w", e.Name, err)
			}
			ssid = stored
		}

		if err := database.UpsertAccount(ctx, db.Account{
			Name:    e.Name,
			SSID:    ssid,
			IsDemo:  e.Demo,
			Enabled: e.Enabled,
		}); err != nil {
			return total, enabled, fmt.Errorf("upsert account %s: %w", e.Name, err)
		}

		if e.Settings != nil {
			if err := database.UpsertSettings(ctx, mergeSettings(e.Name, *e.Settings)); err != nil {
				return total, enabled, fmt.Errorf("upsert settings for %s: %w", e.Name, err)
			}
		}

		total++
		if e.Enabled {
			enabled++
		}
	}
	return total, enabled, nil
}

// mergeSettings lays the file's overrides over the built-in defaults.
func mergeSettings(account string, o SettingsEntry) db.Settings {
	s := policy.Defaults()
	s.Account = account

	if o.BaseAmount != nil {
		s.BaseAmount = *o.BaseAmount
	}
	if o.StakingEnabled != nil {
		s.MartingaleEnabled = *o.StakingEnabled
	}
	if o.Multiplier != nil {
		s.Multiplier = *o.Multiplier
	}
	if o.MaxLevel != nil {
		s.MaxLevel = *o.MaxLevel
	}
	if o.StakingMode != nil {
		s.StakingMode = *o.StakingMode
	}
	if o.LaneStrategy != nil {
		s.LaneStrategy = *o.LaneStrategy
	}
	if o.AutoCreateLanes != nil {
		s.AutoCreateLanes = *o.AutoCreateLanes
	}
	if o.MaxConcurrentLanes != nil {
		s.MaxConcurrentLanes = *o.MaxConcurrentLanes
	}
	if o.MaxLanesPerDay != nil {
		s.MaxLanesPerDay = *o.MaxLanesPerDay
	}
	if o.ConcurrentTrading != nil {
		s.ConcurrentTrading = *o.ConcurrentTrading
	}
	if o.CooldownSeconds != nil {
		s.CooldownSeconds = *o.CooldownSeconds
	}
	if o.PrioritySymbols != nil {
		s.PrioritySymbols = *o.PrioritySymbols
	}
	if o.MinPayout != nil {
		s.MinPayout = *o.MinPayout
	}
	return s
}
