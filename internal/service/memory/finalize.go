package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"aibuddy/internal/models"
	"aibuddy/internal/service/ai"
)

const (
	DefaultWindowSize = 40
	EventTTLDays      = 180

	maxKeyRunes   = 120
	maxValueRunes = 800
	maxTitleRunes = 80

	factConfidence    = 0.7
	defaultImportance = 3
)

const systemPrompt = "你是对话记忆整理器与关系评估器。只输出严格 JSON，不能输出任何多余文字。"

const instructionPrompt = `请基于对话抽取长期记忆，并评估本轮互动质量，输出 JSON：
{
  "profile_updates":[{"key":"user.xxx","value":"...","importance":1-5}],
  "events":[{"title":"一句话标题","summary":"发生了什么（短）","importance":1-5}],
  "relationship_delta": {"bond": -2..+4, "trust": -2..+3, "warmth": -2..+3, "repair": -2..+3}
}
规则：
- bond：亲密度变化（默认 0~+2；明显深入/互相理解可到 +3/+4；冲突/冒犯可为负）
- trust/warmth/repair 同理，范围小一点。
- 不要记录敏感隐私（账号、密码、精确地址、身份证号等）。
- key 用简短路径，如 user.likes / user.schedule / user.goal / user.boundary。
对话：
`

// Store is the datastore surface finalize reads and writes.
type Store interface {
	RecentMessages(ctx context.Context, userID, threadID int64, limit int) ([]*models.Message, error)
	UpsertFact(ctx context.Context, f models.MemoryFact) error
	UpsertEvent(ctx context.Context, ev models.MemoryEvent, merge func(stored, incoming models.MemoryEvent) models.MemoryEvent) (bool, error)
	GetRelationship(ctx context.Context, userID int64) (*models.RelationshipState, error)
	UpdateRelationship(ctx context.Context, userID int64, fn func(models.RelationshipState) models.RelationshipState) (*models.RelationshipState, error)
}

// Relationship is the state after finalize together with the applied delta.
type Relationship struct {
	Bond   float64 `json:"bond"`
	Trust  float64 `json:"trust"`
	Warmth float64 `json:"warmth"`
	Repair float64 `json:"repair"`
	Stage  int     `json:"stage"`
	Delta  Delta   `json:"delta"`
}

type Result struct {
	ProfileUpdates int          `json:"profile_updates"`
	EventsUpserted int          `json:"events_upserted"`
	Relationship   Relationship `json:"relationship"`
}

type Options struct {
	WindowSize int
}

type Engine struct {
	store     Store
	completer ai.Completer
	window    int
	log       zerolog.Logger
	now       func() time.Time
}

func NewEngine(store Store, completer ai.Completer, opts Options, log zerolog.Logger) *Engine {
	window := opts.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &Engine{
		store:     store,
		completer: completer,
		window:    window,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Finalize distills the recent transcript into facts, events and a
// relationship delta. Nothing is written unless the model output parses.
func (e *Engine) Finalize(ctx context.Context, userID, threadID int64) (*Result, error) {
	msgs, err := e.store.RecentMessages(ctx, userID, threadID, e.window)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	transcript := Transcript(msgs)
	if transcript == "" {
		rel, err := e.store.GetRelationship(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load relationship: %w", err)
		}
		return &Result{Relationship: relationshipOf(rel, Delta{})}, nil
	}

	raw, err := e.completer.Complete(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(instructionPrompt + transcript),
	})
	if err != nil {
		return nil, err
	}
	ext, err := ParseExtraction(raw)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Int("raw_len", len(raw)).Msg("extraction rejected")
		return nil, err
	}

	res := &Result{}
	now := e.now()
	for _, u := range ext.ProfileUpdates {
		key := truncateRunes(strings.TrimSpace(u.Key), maxKeyRunes)
		value := truncateRunes(strings.TrimSpace(u.Value), maxValueRunes)
		if key == "" || value == "" {
			continue
		}
		err := e.store.UpsertFact(ctx, models.MemoryFact{
			UserID:     userID,
			Key:        key,
			Value:      value,
			Confidence: factConfidence,
			Importance: clampInt(u.Importance, defaultImportance, 1, 5),
			UpdatedAt:  now,
		})
		if err != nil {
			return nil, err
		}
		res.ProfileUpdates++
	}

	for _, ev := range ext.Events {
		summary := truncateRunes(strings.TrimSpace(ev.Summary), maxSummaryRunes)
		if summary == "" {
			continue
		}
		var title string
		if ev.Title != nil {
			title = truncateRunes(strings.TrimSpace(*ev.Title), maxTitleRunes)
		}
		_, err := e.store.UpsertEvent(ctx, models.MemoryEvent{
			UserID:      userID,
			Fingerprint: Fingerprint(title, summary),
			Title:       title,
			Summary:     summary,
			Importance:  clampInt(ev.Importance, defaultImportance, 1, 5),
			HappenedAt:  now,
			TTLDays:     EventTTLDays,
		}, MergeEvent)
		if err != nil {
			return nil, err
		}
		res.EventsUpserted++
	}

	delta := ext.RelationshipDelta.Clamped()
	next, err := e.store.UpdateRelationship(ctx, userID, func(cur models.RelationshipState) models.RelationshipState {
		cur.Bond = models.ClampScore(cur.Bond + float64(delta.Bond))
		cur.Trust = models.ClampScore(cur.Trust + float64(delta.Trust))
		cur.Warmth = models.ClampScore(cur.Warmth + float64(delta.Warmth))
		cur.Repair = models.ClampScore(cur.Repair + float64(delta.Repair))
		cur.Stage = models.StageFromBond(cur.Bond)
		return cur
	})
	if err != nil {
		return nil, fmt.Errorf("apply relationship delta: %w", err)
	}
	res.Relationship = relationshipOf(next, delta)

	e.log.Info().Int64("user_id", userID).Int("facts", res.ProfileUpdates).Int("events", res.EventsUpserted).
		Int("bond_delta", delta.Bond).Int("stage", next.Stage).Msg("finalize done")
	return res, nil
}

// Transcript renders messages as "role: content" lines, oldest first.
func Transcript(msgs []*models.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		lines = append(lines, string(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func relationshipOf(rel *models.RelationshipState, d Delta) Relationship {
	if rel == nil {
		return Relationship{Delta: d}
	}
	return Relationship{
		Bond:   rel.Bond,
		Trust:  rel.Trust,
		Warmth: rel.Warmth,
		Repair: rel.Repair,
		Stage:  rel.Stage,
		Delta:  d,
	}
}
