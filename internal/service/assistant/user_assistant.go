package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"aibuddy/internal/apperr"
	"aibuddy/internal/models"
	"aibuddy/internal/security"
	"aibuddy/internal/storage"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,24}$`)

// dummyPasswordHash is verified against for unknown usernames so a failed
// login costs the same PBKDF2 work whether or not the account exists.
var dummyPasswordHash = sync.OnceValue(func() string {
	h, err := security.HashPassword("aibuddy:no-such-user")
	if err != nil {
		panic(fmt.Sprintf("hash dummy password: %v", err))
	}
	return h
})

var (
	ErrInvalidCredentials = apperr.Unauthenticated("invalid credentials")
	ErrUserDisabled       = apperr.Forbidden("user disabled")
	ErrUsernameTaken      = apperr.Conflict("username_taken")
	ErrInviteNotFound     = apperr.Forbidden("invite_not_found")
	ErrInviteNotActive    = apperr.Forbidden("invite_not_active")
	ErrInviteRace         = apperr.Conflict("invite_race_failed")
	ErrUserNotFound       = apperr.NotFound("user not found")
)

// Service owns every persistent record of the companion: accounts, the
// conversation thread, companion settings, relationship state and memories.
type Service struct {
	db           *storage.DB
	masterInvite string
	log          zerolog.Logger
	now          func() time.Time
}

type Options struct {
	MasterInviteCode string
}

// NewService builds a new assistant service.
func NewService(db *storage.DB, opts Options, log zerolog.Logger) *Service {
	return &Service{
		db:           db,
		masterInvite: strings.TrimSpace(opts.MasterInviteCode),
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Registration is the result of RegisterUser.
type Registration struct {
	User           *models.User
	Thread         *models.Thread
	InviteBypassed bool
}

// RegisterUser validates the credentials, consumes the invite and creates the
// user with its companion, relationship row and thread in one transaction.
func (s *Service) RegisterUser(ctx context.Context, username, password, inviteCode string) (*Registration, error) {
	username = strings.TrimSpace(username)
	inviteCode = strings.TrimSpace(inviteCode)
	if !usernamePattern.MatchString(username) {
		return nil, apperr.Validation("invalid username (3~24, a-zA-Z0-9_-)")
	}
	if !validPassword(password) {
		return nil, apperr.Validation("invalid password (6~72)")
	}
	if n := utf8.RuneCountInString(inviteCode); n < 4 || n > 64 {
		return nil, apperr.Validation("invite_code required")
	}

	if _, err := s.userByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	bypass := s.masterInvite != "" && inviteCode == s.masterInvite

	reg := &Registration{InviteBypassed: bypass}
	err = s.db.WithTx(ctx, func(tx *storage.Tx) error {
		if !bypass {
			if err := checkInvite(ctx, tx, inviteCode); err != nil {
				return err
			}
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		role := models.UserRoleUser
		if count == 0 {
			role = models.UserRoleAdmin
		}

		now := s.now()
		id, err := tx.Dialect.InsertID(ctx, tx,
			`INSERT INTO users (username, password_hash, role, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			username, hash, role, models.UserStatusActive, now, now,
		)
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return ErrUsernameTaken
			}
			return fmt.Errorf("create user: %w", err)
		}
		reg.User = &models.User{
			ID: id, Username: username, PasswordHash: hash, Role: role,
			Status: models.UserStatusActive, CreatedAt: now, UpdatedAt: now,
		}

		companion := models.DefaultCompanion(id)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO companion_profile (user_id, name, tone_style, updated_at) VALUES (?, ?, ?, ?)`,
			id, companion.Name, companion.ToneStyle, now,
		); err != nil {
			return fmt.Errorf("create companion: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relationship_state (user_id, bond, trust, warmth, repair, stage, updated_at) VALUES (?, 0, 0, 0, 0, 0, ?)`,
			id, now,
		); err != nil {
			return fmt.Errorf("create relationship: %w", err)
		}
		threadID, err := tx.Dialect.InsertID(ctx, tx,
			`INSERT INTO threads (user_id, created_at, updated_at) VALUES (?, ?, ?)`, id, now, now,
		)
		if err != nil {
			return fmt.Errorf("create thread: %w", err)
		}
		reg.Thread = &models.Thread{ID: threadID, UserID: id, CreatedAt: now, UpdatedAt: now}

		if !bypass {
			res, err := tx.ExecContext(ctx,
				`UPDATE invites SET status = ?, used_by = ?, used_at = ? WHERE code = ? AND status = ?`,
				models.InviteStatusUsed, id, now, inviteCode, models.InviteStatusActive,
			)
			if err != nil {
				return fmt.Errorf("consume invite: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil || n != 1 {
				return ErrInviteRace
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Int64("user_id", reg.User.ID).Str("role", reg.User.Role).Bool("invite_bypassed", bypass).Msg("user registered")
	return reg, nil
}

func checkInvite(ctx context.Context, q storage.Querier, code string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM invites WHERE code = ?`, code).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInviteNotFound
		}
		return fmt.Errorf("lookup invite: %w", err)
	}
	if status != models.InviteStatusActive {
		return ErrInviteNotActive
	}
	return nil
}

// Authenticate validates credentials and returns the user. The password is
// checked before the account status so that disabled accounts are only
// revealed to callers who know the password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return nil, apperr.Validation("invalid username")
	}
	if !validPassword(password) {
		return nil, apperr.Validation("invalid password")
	}
	user, err := s.userByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			security.VerifyPassword(password, dummyPasswordHash())
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !security.VerifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if user.Status != models.UserStatusActive {
		return nil, ErrUserDisabled
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, status, created_at, updated_at FROM users WHERE id = ?`, id))
}

// SetUserStatus switches a user between active and disabled.
func (s *Service) SetUserStatus(ctx context.Context, id int64, status string) error {
	if status != models.UserStatusActive && status != models.UserStatusDisabled {
		return apperr.Validation("invalid status")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, updated_at = ? WHERE id = ?`, status, s.now(), id)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Service) userByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, status, created_at, updated_at FROM users WHERE username = ?`, username))
}

func (s *Service) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func validPassword(p string) bool {
	n := utf8.RuneCountInString(p)
	return n >= 6 && n <= 72
}
