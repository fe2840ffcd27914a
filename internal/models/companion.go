package models

import (
	"math"
	"time"
)

const DefaultCompanionName = "小伴"

// Tone presets for the companion persona.
const (
	ToneWarm      = "warm"
	TonePlayful   = "playful"
	ToneQuiet     = "quiet"
	TonePragmatic = "pragmatic"
)

type CompanionProfile struct {
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	ToneStyle string    `json:"tone_style"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultCompanion is the profile used when a user has none stored.
func DefaultCompanion(userID int64) CompanionProfile {
	return CompanionProfile{UserID: userID, Name: DefaultCompanionName, ToneStyle: ToneWarm}
}

// RelationshipState holds the four affinity axes, each within [0, 100].
type RelationshipState struct {
	UserID    int64     `json:"user_id"`
	Bond      float64   `json:"bond"`
	Trust     float64   `json:"trust"`
	Warmth    float64   `json:"warmth"`
	Repair    float64   `json:"repair"`
	Stage     int       `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

var stageNames = [...]string{"初识", "熟悉", "亲近", "默契", "深陪伴"}

// StageFromBond maps a bond score to a relationship stage in [0, 4].
func StageFromBond(bond float64) int {
	switch {
	case bond < 15:
		return 0
	case bond < 35:
		return 1
	case bond < 60:
		return 2
	case bond < 80:
		return 3
	default:
		return 4
	}
}

// StageName returns the display label of a stage; out-of-range stages clamp.
func StageName(stage int) string {
	if stage < 0 {
		stage = 0
	}
	if stage >= len(stageNames) {
		stage = len(stageNames) - 1
	}
	return stageNames[stage]
}

// ClampScore bounds an axis value to [0, 100]. NaN becomes 0.
func ClampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
