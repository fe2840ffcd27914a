package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a thread. Messages are append-only.
type Message struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	ThreadID  int64           `json:"thread_id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Thread is the single continuous conversation owned by a user.
type Thread struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
