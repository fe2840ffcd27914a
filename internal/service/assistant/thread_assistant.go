package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aibuddy/internal/apperr"
	"aibuddy/internal/models"
	"aibuddy/internal/storage"
)

const ClearedMarker = "（会话已清空）"

// GetOrCreateThread returns the user's only thread, creating it on first use.
func (s *Service) GetOrCreateThread(ctx context.Context, userID int64) (*models.Thread, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	thread, err := s.threadByUser(ctx, userID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := s.now()
	id, err := s.db.Dialect.InsertID(ctx, s.db,
		`INSERT INTO threads (user_id, created_at, updated_at) VALUES (?, ?, ?)`, userID, now, now)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			// created concurrently
			return s.threadByUser(ctx, userID)
		}
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &models.Thread{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Service) threadByUser(ctx context.Context, userID int64) (*models.Thread, error) {
	var t models.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at FROM threads WHERE user_id = ?`, userID,
	).Scan(&t.ID, &t.UserID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}

// AppendMessage persists one message. Messages are never edited afterwards.
func (s *Service) AppendMessage(ctx context.Context, userID, threadID int64, role models.Role, content string, meta map[string]any) (*models.Message, error) {
	if userID <= 0 || threadID <= 0 {
		return nil, errors.New("user_id and thread_id are required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Validation("content cannot be empty")
	}
	var metaJSON sql.NullString
	var raw json.RawMessage
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode meta: %w", err)
		}
		raw = b
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	msg := &models.Message{
		UserID:    userID,
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		Meta:      raw,
		CreatedAt: s.now(),
	}
	id, err := s.db.Dialect.InsertID(ctx, s.db,
		`INSERT INTO messages (user_id, thread_id, role, content, meta_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.ThreadID, msg.Role, msg.Content, metaJSON, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg.ID = id
	if _, err := s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, msg.CreatedAt, threadID); err != nil {
		s.log.Warn().Err(err).Int64("thread_id", threadID).Msg("touch thread failed")
	}
	return msg, nil
}

// RecentMessages returns the newest limit messages of the thread, oldest first.
func (s *Service) RecentMessages(ctx context.Context, userID, threadID int64, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, thread_id, role, content, meta_json, created_at FROM messages
		 WHERE user_id = ? AND thread_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			m    models.Message
			meta sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.ThreadID, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if meta.Valid && meta.String != "" {
			m.Meta = json.RawMessage(meta.String)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ClearThread deletes the thread's messages and leaves a system marker behind.
func (s *Service) ClearThread(ctx context.Context, userID, threadID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ? AND thread_id = ?`, userID, threadID)
	if err != nil {
		return 0, fmt.Errorf("clear thread: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if _, err := s.AppendMessage(ctx, userID, threadID, models.RoleSystem, ClearedMarker, nil); err != nil {
		return deleted, err
	}
	return deleted, nil
}
