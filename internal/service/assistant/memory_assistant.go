package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"aibuddy/internal/models"
	"aibuddy/internal/storage"
)

// RecentFacts returns the user's facts, most recently updated first.
func (s *Service) RecentFacts(ctx context.Context, userID int64, limit int) ([]models.MemoryFact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, fact_key, value, confidence, importance, created_at, updated_at FROM memory_profile
		 WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []models.MemoryFact
	for rows.Next() {
		var f models.MemoryFact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Key, &f.Value, &f.Confidence, &f.Importance, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// UpsertFact writes a fact keyed by (user, key). An existing fact keeps its
// confidence and creation time; value, importance and updated_at are replaced.
func (s *Service) UpsertFact(ctx context.Context, f models.MemoryFact) error {
	now := s.now()
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, factUpsert(s.db.Dialect),
		f.UserID, f.Key, f.Value, f.Confidence, f.Importance, f.UpdatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	return nil
}

func factUpsert(d storage.Dialect) string {
	const insert = `INSERT INTO memory_profile (user_id, fact_key, value, confidence, importance, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if d == storage.MySQL {
		return insert + ` ON DUPLICATE KEY UPDATE value = VALUES(value), importance = VALUES(importance), updated_at = VALUES(updated_at)`
	}
	return insert + ` ON CONFLICT(user_id, fact_key) DO UPDATE SET value = excluded.value, importance = excluded.importance, updated_at = excluded.updated_at`
}

// DeleteFact removes one fact by key.
func (s *Service) DeleteFact(ctx context.Context, userID int64, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_profile WHERE user_id = ? AND fact_key = ?`, userID, key)
	if err != nil {
		return false, fmt.Errorf("delete fact: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpsertEvent inserts ev, or merges it into the stored event with the same
// fingerprint using merge. It reports whether a new row was created.
func (s *Service) UpsertEvent(ctx context.Context, ev models.MemoryEvent, merge func(stored, incoming models.MemoryEvent) models.MemoryEvent) (bool, error) {
	now := s.now()
	if ev.HappenedAt.IsZero() {
		ev.HappenedAt = now
	}
	ev.ExpiresAt = ev.HappenedAt.Add(time.Duration(ev.TTLDays) * 24 * time.Hour)

	inserted := false
	err := s.db.WithTx(ctx, func(tx *storage.Tx) error {
		prefix, suffix := tx.Dialect.InsertIgnore("user_id, fingerprint")
		res, err := tx.ExecContext(ctx,
			prefix+` memory_events (user_id, fingerprint, title, summary, importance, happened_at, ttl_days, expires_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+suffix,
			ev.UserID, ev.Fingerprint, nullString(ev.Title), ev.Summary, ev.Importance, ev.HappenedAt, ev.TTLDays, ev.ExpiresAt, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted = true
			return nil
		}

		var (
			stored = models.MemoryEvent{UserID: ev.UserID, Fingerprint: ev.Fingerprint}
			title  sql.NullString
		)
		if err := tx.QueryRowContext(ctx,
			`SELECT id, title, summary, importance, happened_at, ttl_days, expires_at, created_at FROM memory_events
			 WHERE user_id = ? AND fingerprint = ?`+tx.Dialect.ForUpdate(),
			ev.UserID, ev.Fingerprint,
		).Scan(&stored.ID, &title, &stored.Summary, &stored.Importance, &stored.HappenedAt, &stored.TTLDays, &stored.ExpiresAt, &stored.CreatedAt); err != nil {
			return fmt.Errorf("load event: %w", err)
		}
		stored.Title = title.String

		merged := merge(stored, ev)
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_events SET title = ?, summary = ?, importance = ?, updated_at = ? WHERE id = ?`,
			nullString(merged.Title), merged.Summary, merged.Importance, now, stored.ID,
		); err != nil {
			return fmt.Errorf("merge event: %w", err)
		}
		return nil
	})
	return inserted, err
}

// ListEvents returns the user's events, most recent first.
func (s *Service) ListEvents(ctx context.Context, userID int64, limit int) ([]models.MemoryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, fingerprint, title, summary, importance, happened_at, ttl_days, expires_at, created_at, updated_at
		 FROM memory_events WHERE user_id = ? ORDER BY happened_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.MemoryEvent
	for rows.Next() {
		var (
			e     models.MemoryEvent
			title sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Fingerprint, &title, &e.Summary, &e.Importance,
			&e.HappenedAt, &e.TTLDays, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Title = title.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEvent removes one event owned by the user.
func (s *Service) DeleteEvent(ctx context.Context, userID, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_events WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return false, fmt.Errorf("delete event: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PurgeExpiredEvents deletes events whose retention horizon has passed.
func (s *Service) PurgeExpiredEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_events WHERE expires_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
