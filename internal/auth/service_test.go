package auth

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aibuddy/internal/config"
	"aibuddy/internal/models"
	"aibuddy/internal/redis"
	"aibuddy/internal/security"
	"aibuddy/internal/storage"
)

func TestSessionCreateResolveRevoke(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1, "alice", models.UserStatusActive)

	svc := NewService(db, nil, Options{}, zerolog.Nop())
	ctx := context.Background()
	token, expiresAt, err := svc.Create(ctx, 1)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
	if d := time.Until(expiresAt); d < 29*24*time.Hour || d > 31*24*time.Hour {
		t.Fatalf("expected ~30 day expiry, got %s", d)
	}

	resolved, err := svc.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if resolved.Identity.UserID != 1 || resolved.Identity.Username != "alice" || resolved.Identity.Role != models.UserRoleUser {
		t.Fatalf("unexpected identity %+v", resolved.Identity)
	}

	if err := svc.Revoke(ctx, resolved.TokenHash); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if _, err := svc.Resolve(ctx, token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected revoked error, got %v", err)
	}

	token2, _, err := svc.Create(ctx, 1)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := svc.RevokeUser(ctx, 1); err != nil {
		t.Fatalf("RevokeUser error: %v", err)
	}
	if _, err := svc.Resolve(ctx, token2); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected revoked error after revoke all, got %v", err)
	}
}

func TestSessionStoresOnlyHash(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1, "alice", models.UserStatusActive)
	svc := NewService(db, nil, Options{}, zerolog.Nop())

	token, _, err := svc.Create(context.Background(), 1)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	var stored string
	if err := db.QueryRowContext(context.Background(), `SELECT token_hash FROM user_sessions`).Scan(&stored); err != nil {
		t.Fatalf("query session: %v", err)
	}
	if stored == token {
		t.Fatal("raw token must not be stored")
	}
	if stored != security.HashToken(token) {
		t.Fatalf("stored hash mismatch")
	}
}

func TestResolveRejections(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1, "alice", models.UserStatusActive)
	insertUser(t, db, 2, "bob", models.UserStatusDisabled)
	svc := NewService(db, nil, Options{}, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "not-a-real-token"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session, got %v", err)
	}

	disabledToken, _, err := svc.Create(ctx, 2)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := svc.Resolve(ctx, disabledToken); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected disabled user, got %v", err)
	}

	token, _, err := svc.Create(ctx, 1)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	later := time.Now().UTC().Add(31 * 24 * time.Hour)
	svc.now = func() time.Time { return later }
	if _, err := svc.Resolve(ctx, token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expired session, got %v", err)
	}
}

func TestDisabledUserSeesForbiddenNotRevoked(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1, "alice", models.UserStatusActive)
	svc := NewService(db, nil, Options{}, zerolog.Nop())
	ctx := context.Background()

	token, _, err := svc.Create(ctx, 1)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = 1`, models.UserStatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := svc.EvictUser(ctx, 1); err != nil {
		t.Fatalf("EvictUser error: %v", err)
	}
	if _, err := svc.Resolve(ctx, token); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected disabled user, got %v", err)
	}
}

func TestTouchAndPurge(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1, "alice", models.UserStatusActive)
	svc := NewService(db, nil, Options{SessionTTL: time.Hour}, zerolog.Nop())
	ctx := context.Background()

	token, _, err := svc.Create(ctx, 1)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	hash := security.HashToken(token)

	touchedAt := time.Now().UTC().Add(10 * time.Minute)
	svc.now = func() time.Time { return touchedAt }
	if err := svc.Touch(ctx, hash); err != nil {
		t.Fatalf("Touch error: %v", err)
	}
	var lastSeen time.Time
	if err := db.QueryRowContext(ctx, `SELECT last_seen_at FROM user_sessions WHERE token_hash = ?`, hash).Scan(&lastSeen); err != nil {
		t.Fatalf("query last_seen: %v", err)
	}
	if !lastSeen.Equal(touchedAt) {
		t.Fatalf("last_seen_at = %s, want %s", lastSeen, touchedAt)
	}

	n, err := svc.PurgeExpired(ctx, time.Now().UTC())
	if err != nil || n != 0 {
		t.Fatalf("nothing should be purged yet: n=%d err=%v", n, err)
	}
	n, err = svc.PurgeExpired(ctx, time.Now().UTC().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one purged session: n=%d err=%v", n, err)
	}
}

func TestSessionCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 10, "carol", models.UserStatusActive)

	cacheClient := newRedisCacheClient(t)
	svc := NewService(db, cacheClient, Options{CacheTTL: time.Minute}, zerolog.Nop())
	ctx := context.Background()

	token, _, err := svc.Create(ctx, 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Resolve(ctx, token); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	hash := security.HashToken(token)
	key := cacheKeyPrefix + hash
	if _, err := cacheClient.Get(ctx, key); err != nil {
		t.Fatalf("expected cached session: %v", err)
	}

	// served from cache even when the row is gone
	if _, err := db.ExecContext(ctx, `DELETE FROM user_sessions WHERE token_hash = ?`, hash); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	resolved, err := svc.Resolve(ctx, token)
	if err != nil || resolved.Identity.UserID != 10 {
		t.Fatalf("Resolve via cache failed: %+v err=%v", resolved, err)
	}

	if err := svc.Revoke(ctx, hash); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := cacheClient.Get(ctx, key); !errors.Is(err, redis.ErrCacheMiss) {
		t.Fatalf("expected cache entry evicted, got %v", err)
	}

	// a disabled account is seen through the cache once its entries are evicted
	token2, _, err := svc.Create(ctx, 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Resolve(ctx, token2); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = 10`, models.UserStatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := svc.EvictUser(ctx, 10); err != nil {
		t.Fatalf("EvictUser: %v", err)
	}
	if _, err := svc.Resolve(ctx, token2); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected disabled user after evict, got %v", err)
	}
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertUser(t *testing.T, db *storage.DB, id int64, username, status string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO users (id, username, password_hash, role, status, created_at, updated_at) VALUES (?, ?, '', ?, ?, ?, ?)`,
		id, username, models.UserRoleUser, status, now, now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func newRedisCacheClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := redis.NewRedisClient(config.RedisConfig{Enabled: true, Host: host, Port: port})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
