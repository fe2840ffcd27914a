package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"aibuddy/internal/apperr"
	"aibuddy/internal/config"
	"aibuddy/internal/models"
	"aibuddy/internal/service/assistant"
	"aibuddy/internal/service/companion"
	"aibuddy/internal/storage"
)

// fakeStreamer replays fragments, then ends cleanly or with breakErr. With
// echo set it answers each turn with "收到：" plus the user's text.
type fakeStreamer struct {
	mu        sync.Mutex
	fragments []string
	breakErr  error
	echo      bool
	err       error
	messages  []*schema.Message
}

func (f *fakeStreamer) OpenStream(_ context.Context, msgs []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	f.mu.Lock()
	f.messages = msgs
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	fragments := f.fragments
	if f.echo {
		fragments = []string{"收到：", msgs[len(msgs)-1].Content}
	}
	sr, sw := schema.Pipe[*schema.Message](len(fragments) + 1)
	for _, frag := range fragments {
		sw.Send(schema.AssistantMessage(frag, nil), nil)
	}
	if f.breakErr != nil {
		sw.Send(nil, f.breakErr)
	}
	sw.Close()
	return sr, nil
}

type recordingSink struct {
	frames  []string
	done    int
	failAt  int
	written int
}

func (s *recordingSink) Send(fragment string) error {
	s.written++
	if s.failAt > 0 && s.written >= s.failAt {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, fragment)
	return nil
}

func (s *recordingSink) Done() error {
	s.done++
	return nil
}

type countingObserver struct {
	mu    sync.Mutex
	turns int
}

func (o *countingObserver) TurnCompleted(int64, int64) {
	o.mu.Lock()
	o.turns++
	o.mu.Unlock()
}

type fixture struct {
	svc      *assistant.Service
	userID   int64
	threadID int64
	observer *countingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db))
	svc := assistant.NewService(db, assistant.Options{MasterInviteCode: "MASTER"}, zerolog.Nop())
	reg, err := svc.RegisterUser(context.Background(), "alice", "secret1", "MASTER")
	require.NoError(t, err)
	return &fixture{svc: svc, userID: reg.User.ID, threadID: reg.Thread.ID, observer: &countingObserver{}}
}

func (f *fixture) relay(streamer *fakeStreamer) *Relay {
	loader := companion.NewAssembler(f.svc, companion.Options{})
	return NewRelay(f.svc, loader, streamer, Options{Observer: f.observer}, zerolog.Nop())
}

func (f *fixture) messages(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := f.svc.RecentMessages(context.Background(), f.userID, f.threadID, 50)
	require.NoError(t, err)
	return msgs
}

func TestRelayCompletedTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.AppendMessage(ctx, f.userID, f.threadID, models.RoleUser, "在吗", nil)
	require.NoError(t, err)
	_, err = f.svc.AppendMessage(ctx, f.userID, f.threadID, models.RoleAssistant, "在", nil)
	require.NoError(t, err)

	streamer := &fakeStreamer{fragments: []string{"你", "", "好呀", "！"}}
	relay := f.relay(streamer)

	turn, err := relay.Open(ctx, f.userID, "  你好  ")
	require.NoError(t, err)
	require.Equal(t, StateUpstreamOpen, turn.State())

	// system prompt, the earlier user message (the gibberish reply is filtered), then this turn once
	require.Len(t, streamer.messages, 3)
	require.Equal(t, schema.System, streamer.messages[0].Role)
	require.Equal(t, schema.User, streamer.messages[2].Role)
	require.Equal(t, "在吗", streamer.messages[1].Content)
	require.Equal(t, "你好", streamer.messages[2].Content)

	sink := &recordingSink{}
	res, err := turn.Stream(ctx, sink)
	require.NoError(t, err)
	require.Equal(t, []string{"你", "好呀", "！"}, sink.frames)
	require.Equal(t, 1, sink.done)
	require.False(t, res.Partial)
	require.Equal(t, "你好呀！", res.Reply)
	require.Equal(t, StateCompleted, turn.State())
	require.Equal(t, 1, f.observer.turns)

	msgs := f.messages(t)
	last := msgs[len(msgs)-1]
	require.Equal(t, models.RoleAssistant, last.Role)
	require.Equal(t, "你好呀！", last.Content)
	require.Empty(t, last.Meta)
}

func TestRelayUpstreamBreakEmitsFallback(t *testing.T) {
	f := newFixture(t)
	streamer := &fakeStreamer{fragments: []string{"我刚想说"}, breakErr: io.ErrUnexpectedEOF}
	turn, err := f.relay(streamer).Open(context.Background(), f.userID, "讲个故事")
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := turn.Stream(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, []string{"我刚想说", DefaultFallbackText}, sink.frames)
	require.Equal(t, 1, sink.done)
	require.True(t, res.Partial)
	require.Equal(t, ReasonUpstreamInterrupted, res.Reason)
	require.Equal(t, StateAborted, turn.State())
	require.Zero(t, f.observer.turns)

	last := f.messages(t)[len(f.messages(t))-1]
	require.Equal(t, "我刚想说", last.Content)
	require.JSONEq(t, `{"partial":true,"reason":"upstream_interrupted"}`, string(last.Meta))
}

func TestRelayUpstreamBreakWithoutReply(t *testing.T) {
	f := newFixture(t)
	streamer := &fakeStreamer{breakErr: io.ErrUnexpectedEOF}
	turn, err := f.relay(streamer).Open(context.Background(), f.userID, "hi there")
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := turn.Stream(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, []string{DefaultFallbackText}, sink.frames)
	require.Equal(t, 1, sink.done)
	require.Nil(t, res.Message)

	msgs := f.messages(t)
	require.Equal(t, models.RoleUser, msgs[len(msgs)-1].Role, "fallback text must not be persisted")
}

func TestRelayClientDisconnectPersistsPartial(t *testing.T) {
	f := newFixture(t)
	streamer := &fakeStreamer{fragments: []string{"第一句。", "第二句。", "第三句。"}}
	turn, err := f.relay(streamer).Open(context.Background(), f.userID, "说三句")
	require.NoError(t, err)

	sink := &recordingSink{failAt: 2}
	res, err := turn.Stream(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, []string{"第一句。"}, sink.frames)
	require.Zero(t, sink.done, "nothing is written after the sink fails")
	require.True(t, res.Partial)
	require.Equal(t, ReasonClientDisconnected, res.Reason)
	require.Equal(t, "第一句。第二句。", res.Reply)

	last := f.messages(t)[len(f.messages(t))-1]
	require.Equal(t, "第一句。第二句。", last.Content)
}

func TestRelayConcurrentTurnsForOneUser(t *testing.T) {
	f := newFixture(t)
	relay := f.relay(&fakeStreamer{echo: true})

	texts := []string{"第一条消息", "第二条消息"}
	var g errgroup.Group
	for _, text := range texts {
		g.Go(func() error {
			ctx := context.Background()
			turn, err := relay.Open(ctx, f.userID, text)
			if err != nil {
				return err
			}
			res, err := turn.Stream(ctx, &recordingSink{})
			if err != nil {
				return err
			}
			if res.Partial {
				return fmt.Errorf("turn %q ended partial: %s", text, res.Reason)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	msgs := f.messages(t)
	require.Len(t, msgs, 4)
	userAt := map[string]int{}
	for i, m := range msgs {
		if m.Role == models.RoleUser {
			userAt[m.Content] = i
		}
	}
	require.Len(t, userAt, 2)
	replies := 0
	for i, m := range msgs {
		if m.Role != models.RoleAssistant {
			continue
		}
		replies++
		asked := strings.TrimPrefix(m.Content, "收到：")
		at, ok := userAt[asked]
		require.True(t, ok, "reply %q has no user message", m.Content)
		require.Less(t, at, i, "reply %q stored before its user message", m.Content)
		require.Empty(t, m.Meta)
	}
	require.Equal(t, 2, replies)
	require.Equal(t, 2, f.observer.turns)
}

func TestRelayOpenErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.relay(&fakeStreamer{}).Open(context.Background(), f.userID, "   ")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	upstream := apperr.New(apperr.KindUpstreamFailure, "quota exceeded")
	_, err = f.relay(&fakeStreamer{err: upstream}).Open(context.Background(), f.userID, "你好")
	require.ErrorIs(t, err, upstream)
}

func TestSSEWriterFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)
	require.NoError(t, w.Send("第一行\n第二行"))
	require.NoError(t, w.Send("好"))
	require.NoError(t, w.Done())
	require.Equal(t, "data: 第一行\ndata: 第二行\n\ndata: 好\n\ndata: [DONE]\n\n", buf.String())
}
