package models

import "time"

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"

	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"

	InviteStatusActive   = "active"
	InviteStatusUsed     = "used"
	InviteStatusDisabled = "disabled"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity projects the user onto the fields carried by an authenticated request.
func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Username: u.Username, Role: u.Role}
}
