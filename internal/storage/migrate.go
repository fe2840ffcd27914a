package storage

import (
	"context"
	"fmt"
)

// Migrate ensures the required tables are present.
func Migrate(db *DB) error {
	var stmts []string
	switch db.Dialect {
	case SQLite:
		stmts = sqliteSchema
	case MySQL:
		stmts = mysqlSchema
	case Postgres:
		stmts = postgresSchema
	default:
		return fmt.Errorf("unsupported driver: %s", db.Dialect)
	}
	ctx := context.Background()
	for _, stmt := range stmts {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", db.Dialect, err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
		token_hash TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		revoked_at DATETIME,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id)`,
	`CREATE TABLE IF NOT EXISTS invites (
		code TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		used_by INTEGER,
		used_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS companion_profile (
		user_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		avatar_url TEXT,
		tone_style TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS relationship_state (
		user_id INTEGER PRIMARY KEY,
		bond REAL NOT NULL DEFAULT 0,
		trust REAL NOT NULL DEFAULT 0,
		warmth REAL NOT NULL DEFAULT 0,
		repair REAL NOT NULL DEFAULT 0,
		stage INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		thread_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		meta_json TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(thread_id) REFERENCES threads(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS memory_profile (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		fact_key TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL,
		importance INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(user_id, fact_key),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS memory_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		title TEXT,
		summary TEXT NOT NULL,
		importance INTEGER NOT NULL,
		happened_at DATETIME NOT NULL,
		ttl_days INTEGER NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(user_id, fingerprint),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'user',
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
		token_hash CHAR(64) PRIMARY KEY,
		user_id BIGINT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		last_seen_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		revoked_at DATETIME(6) NULL,
		INDEX idx_user_sessions_user (user_id),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS invites (
		code VARCHAR(64) PRIMARY KEY,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		used_by BIGINT NULL,
		used_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS companion_profile (
		user_id BIGINT PRIMARY KEY,
		name VARCHAR(64) NOT NULL,
		avatar_url VARCHAR(512) NULL,
		tone_style VARCHAR(32) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS relationship_state (
		user_id BIGINT PRIMARY KEY,
		bond DOUBLE NOT NULL DEFAULT 0,
		trust DOUBLE NOT NULL DEFAULT 0,
		warmth DOUBLE NOT NULL DEFAULT 0,
		repair DOUBLE NOT NULL DEFAULT 0,
		stage INT NOT NULL DEFAULT 0,
		updated_at DATETIME(6) NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS threads (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL UNIQUE,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		thread_id BIGINT NOT NULL,
		role VARCHAR(16) NOT NULL,
		content MEDIUMTEXT NOT NULL,
		meta_json TEXT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_messages_thread (thread_id, created_at, id),
		FOREIGN KEY(thread_id) REFERENCES threads(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS memory_profile (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		fact_key VARCHAR(191) NOT NULL,
		value TEXT NOT NULL,
		confidence DOUBLE NOT NULL,
		importance INT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_memory_profile (user_id, fact_key),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS memory_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		fingerprint CHAR(64) NOT NULL,
		title VARCHAR(255) NULL,
		summary TEXT NOT NULL,
		importance INT NOT NULL,
		happened_at DATETIME(6) NOT NULL,
		ttl_days INT NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_memory_events (user_id, fingerprint),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
		token_hash TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id)`,
	`CREATE TABLE IF NOT EXISTS invites (
		code TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		used_by BIGINT,
		used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS companion_profile (
		user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		avatar_url TEXT,
		tone_style TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relationship_state (
		user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		bond DOUBLE PRECISION NOT NULL DEFAULT 0,
		trust DOUBLE PRECISION NOT NULL DEFAULT 0,
		warmth DOUBLE PRECISION NOT NULL DEFAULT 0,
		repair DOUBLE PRECISION NOT NULL DEFAULT 0,
		stage INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		thread_id BIGINT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		meta_json TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS memory_profile (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		fact_key TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		importance INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(user_id, fact_key)
	)`,
	`CREATE TABLE IF NOT EXISTS memory_events (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		fingerprint TEXT NOT NULL,
		title TEXT,
		summary TEXT NOT NULL,
		importance INTEGER NOT NULL,
		happened_at TIMESTAMPTZ NOT NULL,
		ttl_days INTEGER NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(user_id, fingerprint)
	)`,
}
