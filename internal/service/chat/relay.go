package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"aibuddy/internal/apperr"
	"aibuddy/internal/models"
	"aibuddy/internal/service/ai"
	"aibuddy/internal/service/companion"
)

const DefaultFallbackText = "（流式中断）"

const (
	ReasonUpstreamInterrupted = "upstream_interrupted"
	ReasonClientDisconnected  = "client_disconnected"
)

// ThreadStore is the persistence the relay writes through.
type ThreadStore interface {
	GetOrCreateThread(ctx context.Context, userID int64) (*models.Thread, error)
	AppendMessage(ctx context.Context, userID, threadID int64, role models.Role, content string, meta map[string]any) (*models.Message, error)
}

type ContextLoader interface {
	Assemble(ctx context.Context, userID, threadID, excludeID int64) (*companion.Context, error)
}

// TurnObserver is told about every turn that streamed to completion.
type TurnObserver interface {
	TurnCompleted(userID, threadID int64)
}

type TurnState int

const (
	StateReceived TurnState = iota
	StateContextLoaded
	StateUpstreamOpen
	StateStreaming
	StateCompleted
	StateAborted
)

func (s TurnState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateContextLoaded:
		return "context_loaded"
	case StateUpstreamOpen:
		return "upstream_open"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	FallbackText string
	Observer     TurnObserver
}

type Relay struct {
	store    ThreadStore
	loader   ContextLoader
	streamer ai.Streamer
	observer TurnObserver
	fallback string
	log      zerolog.Logger
}

func NewRelay(store ThreadStore, loader ContextLoader, streamer ai.Streamer, opts Options, log zerolog.Logger) *Relay {
	fallback := opts.FallbackText
	if fallback == "" {
		fallback = DefaultFallbackText
	}
	return &Relay{
		store:    store,
		loader:   loader,
		streamer: streamer,
		observer: opts.Observer,
		fallback: fallback,
		log:      log,
	}
}

// Turn is a chat turn whose upstream stream is open but not yet relayed.
type Turn struct {
	relay       *Relay
	UserID      int64
	ThreadID    int64
	UserMessage *models.Message

	stream    *schema.StreamReader[*schema.Message]
	closeOnce sync.Once
	state     TurnState
}

// Result describes how a streamed turn ended.
type Result struct {
	Reply   string
	Partial bool
	Reason  string
	Message *models.Message
}

// Open persists the user message, assembles the prompt and opens the upstream
// stream. Errors here happen before any byte is streamed to the client.
func (r *Relay) Open(ctx context.Context, userID int64, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Validation("message required")
	}
	thread, err := r.store.GetOrCreateThread(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}
	turn := &Turn{relay: r, UserID: userID, ThreadID: thread.ID, state: StateReceived}

	turn.UserMessage, err = r.store.AppendMessage(ctx, userID, thread.ID, models.RoleUser, text, nil)
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	cctx, err := r.loader.Assemble(ctx, userID, thread.ID, turn.UserMessage.ID)
	if err != nil {
		return nil, err
	}
	turn.state = StateContextLoaded

	messages := make([]*schema.Message, 0, len(cctx.History)+2)
	messages = append(messages, schema.SystemMessage(cctx.SystemPrompt))
	messages = append(messages, ai.History(cctx.History)...)
	messages = append(messages, schema.UserMessage(text))

	turn.stream, err = r.streamer.OpenStream(ctx, messages)
	if err != nil {
		return nil, err
	}
	turn.state = StateUpstreamOpen
	return turn, nil
}

func (t *Turn) State() TurnState { return t.state }

// Close releases the upstream stream. Safe to call more than once.
func (t *Turn) Close() {
	t.closeOnce.Do(func() {
		if t.stream != nil {
			t.stream.Close()
		}
	})
}

// Stream forwards reply fragments to sink until the upstream finishes, breaks
// or the client goes away. The sink always receives exactly one Done. Any
// accumulated reply is persisted, marked partial when the turn was cut short.
func (t *Turn) Stream(ctx context.Context, sink Sink) (*Result, error) {
	r := t.relay
	defer t.Close()
	t.state = StateStreaming

	out := &guardedSink{sink: sink}
	var (
		reply     strings.Builder
		streamErr error
	)
	for {
		chunk, err := t.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		reply.WriteString(chunk.Content)
		if err := out.Send(chunk.Content); err != nil {
			break
		}
	}

	res := &Result{Reply: strings.TrimSpace(reply.String())}
	switch {
	case out.broken() || ctx.Err() != nil:
		res.Partial, res.Reason = true, ReasonClientDisconnected
	case streamErr != nil:
		res.Partial, res.Reason = true, ReasonUpstreamInterrupted
		_ = out.Send(r.fallback)
	}

	var persistErr error
	if res.Reply != "" {
		var meta map[string]any
		if res.Partial {
			meta = map[string]any{"partial": true, "reason": res.Reason}
		}
		res.Message, persistErr = r.store.AppendMessage(context.WithoutCancel(ctx), t.UserID, t.ThreadID, models.RoleAssistant, res.Reply, meta)
		if persistErr != nil {
			r.log.Error().Err(persistErr).Int64("user_id", t.UserID).Msg("persist assistant reply")
		}
	}

	if err := out.Done(); err != nil {
		r.log.Debug().Err(err).Int64("user_id", t.UserID).Msg("client gone before done frame")
	}

	if res.Partial {
		t.state = StateAborted
		r.log.Warn().Err(streamErr).Int64("user_id", t.UserID).Str("reason", res.Reason).
			Int("reply_len", len(res.Reply)).Msg("chat turn aborted")
	} else {
		t.state = StateCompleted
		if r.observer != nil {
			r.observer.TurnCompleted(t.UserID, t.ThreadID)
		}
	}
	if persistErr != nil {
		return res, fmt.Errorf("persist reply: %w", persistErr)
	}
	return res, nil
}
