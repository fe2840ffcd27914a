package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aibuddy/internal/models"
	"aibuddy/internal/storage"
)

// GetCompanion returns the stored companion profile, or the default profile
// when the user has none.
func (s *Service) GetCompanion(ctx context.Context, userID int64) (*models.CompanionProfile, error) {
	var (
		p      models.CompanionProfile
		avatar sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, avatar_url, tone_style, updated_at FROM companion_profile WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Name, &avatar, &p.ToneStyle, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			def := models.DefaultCompanion(userID)
			return &def, nil
		}
		return nil, fmt.Errorf("get companion: %w", err)
	}
	p.AvatarURL = avatar.String
	if p.Name == "" {
		p.Name = models.DefaultCompanionName
	}
	return &p, nil
}

// GetRelationship returns the relationship row; a missing row reads as all zeros.
func (s *Service) GetRelationship(ctx context.Context, userID int64) (*models.RelationshipState, error) {
	return getRelationship(ctx, s.db, userID, "")
}

// UpdateRelationship reads the current state, applies fn and writes the result
// back with a single upsert, all inside one transaction.
func (s *Service) UpdateRelationship(ctx context.Context, userID int64, fn func(models.RelationshipState) models.RelationshipState) (*models.RelationshipState, error) {
	var next models.RelationshipState
	err := s.db.WithTx(ctx, func(tx *storage.Tx) error {
		cur, err := getRelationship(ctx, tx, userID, tx.Dialect.ForUpdate())
		if err != nil {
			return err
		}
		next = fn(*cur)
		next.UserID = userID
		next.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx, relationshipUpsert(tx.Dialect),
			userID, next.Bond, next.Trust, next.Warmth, next.Repair, next.Stage, next.UpdatedAt,
		); err != nil {
			return fmt.Errorf("write relationship: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func getRelationship(ctx context.Context, q storage.Querier, userID int64, lock string) (*models.RelationshipState, error) {
	st := models.RelationshipState{UserID: userID}
	err := q.QueryRowContext(ctx,
		`SELECT bond, trust, warmth, repair, stage, updated_at FROM relationship_state WHERE user_id = ?`+lock, userID,
	).Scan(&st.Bond, &st.Trust, &st.Warmth, &st.Repair, &st.Stage, &st.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return &st, nil
}

func relationshipUpsert(d storage.Dialect) string {
	const insert = `INSERT INTO relationship_state (user_id, bond, trust, warmth, repair, stage, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if d == storage.MySQL {
		return insert + ` ON DUPLICATE KEY UPDATE bond = VALUES(bond), trust = VALUES(trust), warmth = VALUES(warmth),
			repair = VALUES(repair), stage = VALUES(stage), updated_at = VALUES(updated_at)`
	}
	return insert + ` ON CONFLICT(user_id) DO UPDATE SET bond = excluded.bond, trust = excluded.trust, warmth = excluded.warmth,
		repair = excluded.repair, stage = excluded.stage, updated_at = excluded.updated_at`
}
