package models

import "time"

// MemoryFact is a durable key/value fact about the user.
type MemoryFact struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Importance int       `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MemoryEvent is a deduplicated episodic memory keyed by fingerprint.
type MemoryEvent struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title,omitempty"`
	Summary     string    `json:"summary"`
	Importance  int       `json:"importance"`
	HappenedAt  time.Time `json:"happened_at"`
	TTLDays     int       `json:"ttl_days"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
