package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"aibuddy/internal/models"
)

func registerUser(t *testing.T, svc *Service, name string) *Registration {
	t.Helper()
	reg, err := svc.RegisterUser(context.Background(), name, "secret1", testMasterInvite)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return reg
}

func TestGetOrCreateThreadIsStable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	reg := registerUser(t, svc, "alice")

	a, err := svc.GetOrCreateThread(ctx, reg.User.ID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	b, err := svc.GetOrCreateThread(ctx, reg.User.ID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if a.ID != reg.Thread.ID || b.ID != a.ID {
		t.Fatalf("expected one thread per user, got %d %d %d", reg.Thread.ID, a.ID, b.ID)
	}
}

func TestRecentMessagesOrderAndLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	reg := registerUser(t, svc, "alice")

	for i := 0; i < 5; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		if _, err := svc.AppendMessage(ctx, reg.User.ID, reg.Thread.ID, role, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recent, err := svc.RecentMessages(ctx, reg.User.ID, reg.Thread.ID, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(recent))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if recent[i].Content != want {
			t.Fatalf("recent[%d] = %q, want %q", i, recent[i].Content, want)
		}
	}
}

func TestAppendMessageMeta(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	reg := registerUser(t, svc, "alice")

	if _, err := svc.AppendMessage(ctx, reg.User.ID, reg.Thread.ID, models.RoleAssistant, "半句", map[string]any{"partial": true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.AppendMessage(ctx, reg.User.ID, reg.Thread.ID, models.RoleUser, "   ", nil); err == nil {
		t.Fatal("blank content should be rejected")
	}
	recent, err := svc.RecentMessages(ctx, reg.User.ID, reg.Thread.ID, 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent: %d %v", len(recent), err)
	}
	var meta map[string]any
	if err := json.Unmarshal(recent[0].Meta, &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if meta["partial"] != true {
		t.Fatalf("unexpected meta %v", meta)
	}
}

func TestClearThreadLeavesMarker(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	reg := registerUser(t, svc, "alice")
	for _, c := range []string{"a", "b", "c"} {
		if _, err := svc.AppendMessage(ctx, reg.User.ID, reg.Thread.ID, models.RoleUser, c, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	deleted, err := svc.ClearThread(ctx, reg.User.ID, reg.Thread.ID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}
	recent, err := svc.RecentMessages(ctx, reg.User.ID, reg.Thread.ID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Role != models.RoleSystem || recent[0].Content != ClearedMarker {
		t.Fatalf("expected only the clear marker, got %+v", recent)
	}
}

func TestUpdateRelationshipCreatesMissingRow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	reg := registerUser(t, svc, "alice")
	if _, err := db.ExecContext(ctx, `DELETE FROM relationship_state WHERE user_id = ?`, reg.User.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	next, err := svc.UpdateRelationship(ctx, reg.User.ID, func(cur models.RelationshipState) models.RelationshipState {
		cur.Bond += 3
		cur.Trust += 1
		return cur
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Bond != 3 || next.Trust != 1 {
		t.Fatalf("unexpected next state %+v", next)
	}
	got, err := svc.GetRelationship(ctx, reg.User.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Bond != 3 || got.Trust != 1 {
		t.Fatalf("persisted state mismatch %+v", got)
	}
}

func TestFactAndEventPersistence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	reg := registerUser(t, svc, "alice")
	uid := reg.User.ID

	fact := models.MemoryFact{UserID: uid, Key: "user.likes.drink", Value: "冰美式", Confidence: 0.7, Importance: 3}
	if err := svc.UpsertFact(ctx, fact); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	fact.Value = "热拿铁"
	fact.Importance = 5
	fact.Confidence = 0.1
	if err := svc.UpsertFact(ctx, fact); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	facts, err := svc.RecentFacts(ctx, uid, 20)
	if err != nil {
		t.Fatalf("facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Value != "热拿铁" || facts[0].Importance != 5 || facts[0].Confidence != 0.7 {
		t.Fatalf("unexpected facts %+v", facts)
	}

	ev := models.MemoryEvent{UserID: uid, Fingerprint: "fp1", Title: "面试", Summary: "周五有面试", Importance: 3, TTLDays: 180}
	replace := func(stored, incoming models.MemoryEvent) models.MemoryEvent {
		stored.Summary = stored.Summary + "|" + incoming.Summary
		return stored
	}
	inserted, err := svc.UpsertEvent(ctx, ev, replace)
	if err != nil || !inserted {
		t.Fatalf("first upsert should insert: %v %v", inserted, err)
	}
	ev.Summary = "结果不错"
	inserted, err = svc.UpsertEvent(ctx, ev, replace)
	if err != nil || inserted {
		t.Fatalf("second upsert should merge: %v %v", inserted, err)
	}
	events, err := svc.ListEvents(ctx, uid, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Summary != "周五有面试|结果不错" || events[0].Title != "面试" {
		t.Fatalf("unexpected events %+v", events)
	}
	if d := events[0].ExpiresAt.Sub(events[0].HappenedAt); d != 180*24*time.Hour {
		t.Fatalf("unexpected retention %s", d)
	}

	purged, err := svc.PurgeExpiredEvents(ctx, time.Now().UTC().Add(181*24*time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("expected 1 purged event: %d %v", purged, err)
	}

	ok, err := svc.DeleteFact(ctx, uid, "user.likes.drink")
	if err != nil || !ok {
		t.Fatalf("delete fact: %v %v", ok, err)
	}
	ok, err = svc.DeleteFact(ctx, uid, "user.likes.drink")
	if err != nil || ok {
		t.Fatalf("second delete should report nothing removed: %v %v", ok, err)
	}
}
