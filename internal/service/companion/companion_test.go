package companion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"aibuddy/internal/config"
	"aibuddy/internal/models"
)

func TestIsLikelyGibberish(t *testing.T) {
	p := DefaultGibberishPolicy
	cases := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"嗯", true},
		{"好的呀", true},
		{"好的呀。", false},
		{"今天天气很好我们出去走走吧", false},
		{"我在想……其实……算了", true},
		{"嗯...好...吧", true},
		{"嗯...好吧，我们明天再聊。", false},
		{"ok!", true},
		{"好吧、", false},
	}
	for _, tc := range cases {
		if got := p.IsLikelyGibberish(tc.in); got != tc.want {
			t.Fatalf("IsLikelyGibberish(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.GibberishConfig{MinLength: 4})
	require.Equal(t, 4, p.MinLength)
	require.Equal(t, DefaultGibberishPolicy.FloorLength, p.FloorLength)
	require.Equal(t, DefaultGibberishPolicy.Punctuation, p.Punctuation)
	require.False(t, p.IsLikelyGibberish("好的呀"))
	require.Equal(t, "，。？！、", p.Punctuation)

	wide := PolicyFromConfig(config.GibberishConfig{Punctuation: "，。？！、,.?!"})
	require.False(t, wide.IsLikelyGibberish("ok!"))
	require.True(t, DefaultGibberishPolicy.IsLikelyGibberish("ok!"))
}

func TestRenderMemory(t *testing.T) {
	require.Equal(t, "- （暂无）", RenderMemory(nil))
	got := RenderMemory([]models.MemoryFact{{Key: "user.name", Value: "阿哲"}, {Key: "user.city", Value: "杭州"}})
	require.Equal(t, "- user.name: 阿哲\n- user.city: 杭州", got)
}

func TestSystemPrompt(t *testing.T) {
	prompt := SystemPrompt(
		models.CompanionProfile{Name: "阿月", ToneStyle: models.TonePlayful},
		models.RelationshipState{Bond: 36.4},
		"- （暂无）",
	)
	require.True(t, strings.HasPrefix(prompt, "你是我的AI陪伴伙伴，名字叫「阿月」。你必须始终自称为「阿月」。\n"))
	require.Contains(t, prompt, "人设："+Persona(models.TonePlayful))
	require.Contains(t, prompt, "长期记忆（仅在自然相关时提及，像“突然想起”）：\n- （暂无）\n\n")
	require.True(t, strings.HasSuffix(prompt, "- 亲密度：36.4/100\n- 阶段：亲近"))

	fallback := SystemPrompt(models.CompanionProfile{ToneStyle: "unknown"}, models.RelationshipState{}, "- x: y")
	require.Contains(t, fallback, "「小伴」")
	require.Contains(t, fallback, Persona(models.ToneWarm))
	require.True(t, strings.HasSuffix(fallback, "- 亲密度：0.0/100\n- 阶段：初识"))
}

type fakeStore struct {
	companion *models.CompanionProfile
	rel       *models.RelationshipState
	facts     []models.MemoryFact
	msgs      []*models.Message
	err       error

	mu     sync.Mutex
	limits map[string]int
}

func (f *fakeStore) record(name string, limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits[name] = limit
}

func (f *fakeStore) GetCompanion(context.Context, int64) (*models.CompanionProfile, error) {
	return f.companion, nil
}

func (f *fakeStore) GetRelationship(context.Context, int64) (*models.RelationshipState, error) {
	return f.rel, nil
}

func (f *fakeStore) RecentFacts(_ context.Context, _ int64, limit int) ([]models.MemoryFact, error) {
	f.record("facts", limit)
	return f.facts, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, _, _ int64, limit int) ([]*models.Message, error) {
	f.record("messages", limit)
	return f.msgs, f.err
}

func TestAssemble(t *testing.T) {
	store := &fakeStore{
		rel:    &models.RelationshipState{UserID: 1, Bond: 82},
		facts:  []models.MemoryFact{{Key: "user.pet", Value: "猫"}},
		limits: map[string]int{},
		msgs: []*models.Message{
			{ID: 1, Role: models.RoleUser, Content: "早"},
			{ID: 2, Role: models.RoleAssistant, Content: "早"},
			{ID: 3, Role: models.RoleAssistant, Content: "早呀，今天睡得好吗？"},
			{ID: 4, Role: models.RoleUser, Content: "还行"},
		},
	}
	a := NewAssembler(store, Options{})
	got, err := a.Assemble(context.Background(), 1, 7, 4)
	require.NoError(t, err)
	require.Equal(t, DefaultHistoryLimit, store.limits["messages"])
	require.Equal(t, DefaultMemoryLimit, store.limits["facts"])
	require.Equal(t, models.DefaultCompanionName, got.Companion.Name)
	require.Equal(t, "- user.pet: 猫", got.MemoryText)

	ids := make([]int64, 0, len(got.History))
	for _, m := range got.History {
		ids = append(ids, m.ID)
	}
	// short user messages are kept; only assistant replies are filtered
	require.Equal(t, []int64{1, 3}, ids)
	require.Contains(t, got.SystemPrompt, "- 阶段：深陪伴")
}

func TestAssemblePropagatesErrors(t *testing.T) {
	boom := errors.New("db down")
	store := &fakeStore{err: boom, limits: map[string]int{}}
	_, err := NewAssembler(store, Options{HistoryLimit: 5}).Assemble(context.Background(), 1, 1, 0)
	require.ErrorIs(t, err, boom)
}
