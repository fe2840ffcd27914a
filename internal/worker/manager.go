package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"aibuddy/internal/service/memory"
)

const (
	defaultJobTimeout = 2 * time.Minute
	counterTimeout    = 2 * time.Second
)

// Finalizer runs one consolidation pass for a user's thread.
type Finalizer interface {
	Finalize(ctx context.Context, userID, threadID int64) (*memory.Result, error)
}

type Config struct {
	// EveryTurns triggers a finalize after that many completed turns; 0 disables.
	EveryTurns int
	Dispatcher DispatcherConfig
	JobTimeout time.Duration
}

// Manager schedules finalize runs out of band of the chat request.
type Manager struct {
	finalizer  Finalizer
	counter    TurnCounter
	every      int
	jobTimeout time.Duration
	dispatcher *Dispatcher
	log        zerolog.Logger
}

func NewManager(finalizer Finalizer, counter TurnCounter, cfg Config, log zerolog.Logger) *Manager {
	if counter == nil {
		counter = newMemoryCounter()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	m := &Manager{
		finalizer:  finalizer,
		counter:    counter,
		every:      cfg.EveryTurns,
		jobTimeout: cfg.JobTimeout,
		log:        log,
	}
	m.dispatcher = NewDispatcher(cfg.Dispatcher, m.handle, log)
	return m
}

// TurnCompleted counts a finished turn and queues a finalize once the user
// reaches the configured number of turns.
func (m *Manager) TurnCompleted(userID, threadID int64) {
	if m.every <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), counterTimeout)
	defer cancel()
	n, err := m.counter.Incr(ctx, userID)
	if err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("count turn")
		return
	}
	if n < int64(m.every) {
		return
	}
	if err := m.counter.Reset(ctx, userID); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("reset turn counter")
	}
	if err := m.Enqueue(userID, threadID); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("finalize not queued")
	}
}

// Enqueue asks for a finalize run of the user's thread.
func (m *Manager) Enqueue(userID, threadID int64) error {
	return m.dispatcher.Submit(Job{Type: Finalize, UserID: userID, ThreadID: threadID})
}

// Forget drops pending work of a user, used when the account is disabled.
func (m *Manager) Forget(userID int64) {
	m.dispatcher.CancelUser(userID)
	ctx, cancel := context.WithTimeout(context.Background(), counterTimeout)
	defer cancel()
	if err := m.counter.Reset(ctx, userID); err != nil {
		m.log.Debug().Err(err).Int64("user_id", userID).Msg("reset turn counter")
	}
}

func (m *Manager) Stop() {
	m.dispatcher.Stop()
}

func (m *Manager) handle(job Job) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("panic", fmt.Sprint(r)).Int64("user_id", job.UserID).Msg("finalize job panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), m.jobTimeout)
	defer cancel()

	start := time.Now()
	res, err := m.finalizer.Finalize(ctx, job.UserID, job.ThreadID)
	if err != nil {
		m.log.Warn().Err(err).Int64("user_id", job.UserID).Dur("waited", start.Sub(job.EnqueuedAt)).Msg("background finalize failed")
		return
	}
	m.log.Info().Int64("user_id", job.UserID).Int("facts", res.ProfileUpdates).Int("events", res.EventsUpserted).
		Dur("took", time.Since(start)).Msg("background finalize done")
}
