package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// User tiers recognised by the quota table.
const (
	TierBase       = "base"
	TierElevated   = "elevated"
	TierPrivileged = "privileged"
)

// Limits bounds one job kind for one tier.
type Limits struct {
	MaxConcurrent int `toml:"max_concurrent" json:"max_concurrent"`
	MaxDaily      int `toml:"max_daily" json:"max_daily"`
}

// TierLimits holds the per-kind limits of one tier.
type TierLimits struct {
	VoiceClone Limits `toml:"voice_clone" json:"voice_clone"`
	TTS        Limits `toml:"tts" json:"tts"`
}

// QuotaTable maps tiers to limits and owners to tiers.
type QuotaTable struct {
	Tiers  map[string]TierLimits `toml:"tiers"`
	Owners map[string]string     `toml:"owners"`
}

// DefaultQuotas returns the built-in limits for the three tiers.
func DefaultQuotas() QuotaTable {
	return QuotaTable{
		Tiers: map[string]TierLimits{
			TierBase: {
				VoiceClone: Limits{MaxConcurrent: 2, MaxDaily: 10},
				TTS:        Limits{MaxConcurrent: 5, MaxDaily: 50},
			},
			TierElevated: {
				VoiceClone: Limits{MaxConcurrent: 5, MaxDaily: 30},
				TTS:        Limits{MaxConcurrent: 15, MaxDaily: 150},
			},
			TierPrivileged: {
				VoiceClone: Limits{MaxConcurrent: 10, MaxDaily: 50},
				TTS:        Limits{MaxConcurrent: 20, MaxDaily: 200},
			},
		},
		Owners: map[string]string{},
	}
}

// LoadQuotaFile reads a TOML quota table. Tiers missing from the file keep their defaults.
func LoadQuotaFile(path string) (QuotaTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return QuotaTable{}, fmt.Errorf("read quota file: %w", err)
	}
	return ParseQuotas(data)
}

// quotaFile mirrors QuotaTable with optional fields so that omitted keys keep their defaults.
type quotaFile struct {
	Tiers map[string]struct {
		VoiceClone *limitsPatch `toml:"voice_clone"`
		TTS        *limitsPatch `toml:"tts"`
	} `toml:"tiers"`
	Owners map[string]string `toml:"owners"`
}

type limitsPatch struct {
	MaxConcurrent *int `toml:"max_concurrent"`
	MaxDaily      *int `toml:"max_daily"`
}

func (p *limitsPatch) apply(l Limits) Limits {
	if p == nil {
		return l
	}
	if p.MaxConcurrent != nil {
		l.MaxConcurrent = *p.MaxConcurrent
	}
	if p.MaxDaily != nil {
		l.MaxDaily = *p.MaxDaily
	}
	return l
}

// ParseQuotas decodes TOML quota data on top of DefaultQuotas, key by key.
// A tier the defaults do not know starts from the base tier.
func ParseQuotas(data []byte) (QuotaTable, error) {
	var parsed quotaFile
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return QuotaTable{}, fmt.Errorf("parse quota file: %w", err)
	}
	table := DefaultQuotas()
	for tier, patch := range parsed.Tiers {
		limits, ok := table.Tiers[tier]
		if !ok {
			limits = table.Tiers[TierBase]
		}
		limits.VoiceClone = patch.VoiceClone.apply(limits.VoiceClone)
		limits.TTS = patch.TTS.apply(limits.TTS)
		table.Tiers[tier] = limits
	}
	for owner, tier := range parsed.Owners {
		if _, ok := table.Tiers[tier]; !ok {
			return QuotaTable{}, fmt.Errorf("owner %q mapped to unknown tier %q", owner, tier)
		}
		table.Owners[owner] = tier
	}
	return table, nil
}
