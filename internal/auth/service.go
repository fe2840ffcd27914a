package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"aibuddy/internal/apperr"
	"aibuddy/internal/models"
	"aibuddy/internal/redis"
	"aibuddy/internal/security"
	"aibuddy/internal/storage"
)

const (
	DefaultSessionTTL = 30 * 24 * time.Hour
	defaultCacheTTL   = time.Minute

	cacheKeyPrefix = "auth:session:"
)

var (
	ErrMissingToken   = apperr.Unauthenticated("missing bearer token")
	ErrInvalidSession = apperr.Unauthenticated("invalid session")
	ErrSessionRevoked = apperr.Unauthenticated("session revoked")
	ErrSessionExpired = apperr.Unauthenticated("session expired")
	ErrUserDisabled   = apperr.Forbidden("user disabled")
)

// Service issues, resolves and revokes login sessions.
type Service struct {
	db         *storage.DB
	cache      *redis.Client
	sessionTTL time.Duration
	cacheTTL   time.Duration
	headerName string
	log        zerolog.Logger
	now        func() time.Time
}

type Options struct {
	SessionTTL time.Duration
	CacheTTL   time.Duration
}

// NewService constructs the session manager. cache may be nil.
func NewService(db *storage.DB, cache *redis.Client, opts Options, log zerolog.Logger) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	return &Service{
		db:         db,
		cache:      cache,
		sessionTTL: opts.SessionTTL,
		cacheTTL:   opts.CacheTTL,
		headerName: "Authorization",
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Resolved is the outcome of a successful Resolve.
type Resolved struct {
	Identity  models.Identity
	TokenHash string
	ExpiresAt time.Time
}

type cachedSession struct {
	Identity  models.Identity `json:"identity"`
	Status    string          `json:"status"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Create mints a random token for the user and stores only its hash.
func (s *Service) Create(ctx context.Context, userID int64) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, errors.New("invalid user id")
	}
	now := s.now()
	expiresAt := now.Add(s.sessionTTL)
	for i := 0; i < 3; i++ {
		token, err := security.NewSessionToken()
		if err != nil {
			return "", time.Time{}, err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_sessions (token_hash, user_id, created_at, last_seen_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			security.HashToken(token), userID, now, now, expiresAt,
		)
		if err == nil {
			return token, expiresAt, nil
		}
		if !storage.IsUniqueViolation(err) {
			return "", time.Time{}, fmt.Errorf("insert session: %w", err)
		}
	}
	return "", time.Time{}, errors.New("could not create session")
}

// Resolve validates a raw token and returns the identity it belongs to.
func (s *Service) Resolve(ctx context.Context, token string) (*Resolved, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	hash := security.HashToken(token)
	now := s.now()

	if entry, ok := s.cached(ctx, hash); ok {
		if !now.Before(entry.ExpiresAt) {
			return nil, ErrSessionExpired
		}
		if entry.Status != models.UserStatusActive {
			return nil, ErrUserDisabled
		}
		return &Resolved{Identity: entry.Identity, TokenHash: hash, ExpiresAt: entry.ExpiresAt}, nil
	}

	var (
		entry   cachedSession
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.user_id, s.expires_at, s.revoked_at, u.username, u.role, u.status
		 FROM user_sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash = ?`, hash,
	).Scan(&entry.Identity.UserID, &entry.ExpiresAt, &revoked, &entry.Identity.Username, &entry.Identity.Role, &entry.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if revoked.Valid {
		return nil, ErrSessionRevoked
	}
	if !now.Before(entry.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	s.store(ctx, hash, entry)
	if entry.Status != models.UserStatusActive {
		return nil, ErrUserDisabled
	}
	return &Resolved{Identity: entry.Identity, TokenHash: hash, ExpiresAt: entry.ExpiresAt}, nil
}

// Touch records activity on a session.
func (s *Service) Touch(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET last_seen_at = ? WHERE token_hash = ?`, s.now(), tokenHash,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Revoke marks a single session as revoked.
func (s *Service) Revoke(ctx context.Context, tokenHash string) error {
	if tokenHash == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`, s.now(), tokenHash,
	); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.evict(ctx, tokenHash)
	return nil
}

// RevokeUser revokes every live session belonging to the user.
func (s *Service) RevokeUser(ctx context.Context, userID int64) error {
	hashes, err := s.liveSessions(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`, s.now(), userID,
	); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	s.evict(ctx, hashes...)
	return nil
}

// EvictUser drops cached entries for the user's live sessions so the next
// Resolve rereads the account status. The sessions themselves stay valid.
func (s *Service) EvictUser(ctx context.Context, userID int64) error {
	if !s.cache.Enabled() {
		return nil
	}
	hashes, err := s.liveSessions(ctx, userID)
	if err != nil {
		return err
	}
	s.evict(ctx, hashes...)
	return nil
}

func (s *Service) liveSessions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_hash FROM user_sessions WHERE user_id = ? AND revoked_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return hashes, nil
}

// PurgeExpired deletes sessions that expired, or were revoked, before the cutoff.
func (s *Service) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)`,
		before, before,
	)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// SessionTTL reports the configured session lifetime.
func (s *Service) SessionTTL() time.Duration {
	return s.sessionTTL
}

func (s *Service) cached(ctx context.Context, hash string) (cachedSession, bool) {
	var entry cachedSession
	if !s.cache.Enabled() {
		return entry, false
	}
	raw, err := s.cache.Get(ctx, cacheKeyPrefix+hash)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.log.Warn().Err(err).Msg("session cache read failed")
		}
		return entry, false
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return entry, false
	}
	return entry, true
}

func (s *Service) store(ctx context.Context, hash string, entry cachedSession) {
	if !s.cache.Enabled() {
		return
	}
	ttl := s.cacheTTL
	if remaining := entry.ExpiresAt.Sub(s.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKeyPrefix+hash, payload, ttl); err != nil {
		s.log.Warn().Err(err).Msg("session cache write failed")
	}
}

func (s *Service) evict(ctx context.Context, hashes ...string) {
	if !s.cache.Enabled() || len(hashes) == 0 {
		return
	}
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = cacheKeyPrefix + h
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.log.Warn().Err(err).Msg("session cache evict failed")
	}
}
