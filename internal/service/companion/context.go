package companion

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"aibuddy/internal/models"
)

const (
	DefaultHistoryLimit = 24
	DefaultMemoryLimit  = 20
)

// Store is the read side the assembler needs from the datastore.
type Store interface {
	GetCompanion(ctx context.Context, userID int64) (*models.CompanionProfile, error)
	GetRelationship(ctx context.Context, userID int64) (*models.RelationshipState, error)
	RecentFacts(ctx context.Context, userID int64, limit int) ([]models.MemoryFact, error)
	RecentMessages(ctx context.Context, userID, threadID int64, limit int) ([]*models.Message, error)
}

// Context is everything a turn's prompt is built from.
type Context struct {
	Companion    models.CompanionProfile
	Relationship models.RelationshipState
	MemoryText   string
	History      []*models.Message
	SystemPrompt string
}

type Assembler struct {
	store        Store
	policy       GibberishPolicy
	historyLimit int
	memoryLimit  int
}

type Options struct {
	HistoryLimit int
	MemoryLimit  int
	Policy       *GibberishPolicy
}

func NewAssembler(store Store, opts Options) *Assembler {
	a := &Assembler{
		store:        store,
		policy:       DefaultGibberishPolicy,
		historyLimit: opts.HistoryLimit,
		memoryLimit:  opts.MemoryLimit,
	}
	if opts.Policy != nil {
		a.policy = *opts.Policy
	}
	if a.historyLimit <= 0 {
		a.historyLimit = DefaultHistoryLimit
	}
	if a.memoryLimit <= 0 {
		a.memoryLimit = DefaultMemoryLimit
	}
	return a
}

// Assemble loads companion, relationship, facts and history concurrently and
// renders the system prompt. excludeID drops one message from the history,
// normally the user message of the turn being answered.
func (a *Assembler) Assemble(ctx context.Context, userID, threadID, excludeID int64) (*Context, error) {
	var (
		companion *models.CompanionProfile
		rel       *models.RelationshipState
		facts     []models.MemoryFact
		recent    []*models.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		companion, err = a.store.GetCompanion(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		rel, err = a.store.GetRelationship(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		facts, err = a.store.RecentFacts(gctx, userID, a.memoryLimit)
		return err
	})
	g.Go(func() (err error) {
		recent, err = a.store.RecentMessages(gctx, userID, threadID, a.historyLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	out := &Context{MemoryText: RenderMemory(facts)}
	if companion != nil {
		out.Companion = *companion
	} else {
		out.Companion = models.DefaultCompanion(userID)
	}
	if rel != nil {
		out.Relationship = *rel
	} else {
		out.Relationship = models.RelationshipState{UserID: userID}
	}
	out.History = a.filterHistory(recent, excludeID)
	out.SystemPrompt = SystemPrompt(out.Companion, out.Relationship, out.MemoryText)
	return out, nil
}

func (a *Assembler) filterHistory(msgs []*models.Message, excludeID int64) []*models.Message {
	kept := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if excludeID > 0 && m.ID == excludeID {
			continue
		}
		if m.Role == models.RoleAssistant && a.policy.IsLikelyGibberish(m.Content) {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}
