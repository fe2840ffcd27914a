package models

// Identity is what the auth gateway attaches to an authenticated request.
type Identity struct {
	UserID   int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}
