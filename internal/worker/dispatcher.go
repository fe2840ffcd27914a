package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrDispatcherBusy is returned when the intake queue is full.
var ErrDispatcherBusy = errors.New("finalize dispatcher busy")

var ErrDispatcherStopped = errors.New("finalize dispatcher stopped")

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to the pool one user at a time, rotating users in
// least-recently-served order. A user holds at most one pending finalize
// job; later requests coalesce into it.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	log      zerolog.Logger

	mu        sync.Mutex
	queues    map[int64]*userQueue
	ready     *list.List
	positions map[int64]*list.Element

	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

func NewDispatcher(cfg DispatcherConfig, handler func(Job), log zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, handler),
		jobQueue:  make(chan Job, cfg.QueueSize),
		log:       log,
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	d.pool.warmUp()
	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		d.drain()
		if !d.hasReady() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		ch, ok := d.pool.acquire()
		if !ok {
			return
		}
		// jobs that arrived while waiting for a worker coalesce before the pick
		d.drain()
		d.dispatchOne(ch)
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) hasReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	if job.Type == Finalize {
		for i := range q.jobs {
			if q.jobs[i].Type == Finalize {
				q.jobs[i].ThreadID = job.ThreadID
				d.log.Debug().Int64("user_id", job.UserID).Msg("finalize coalesced")
				return
			}
		}
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne sends the next job of the front user to the acquired worker.
// A user canceled while the worker was acquired leaves it idle again.
func (d *Dispatcher) dispatchOne(ch chan Job) {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		d.pool.giveBack(ch)
		return
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	d.log.Debug().Stringer("job", job.Type).Int64("user_id", userID).Msg("dispatch")
	ch <- job
}

// CancelUser drops every pending job of a user.
func (d *Dispatcher) CancelUser(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
}

// Pending reports how many jobs wait for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n + len(d.jobQueue)
}

// Stop stops intake, lets running jobs finish and retires all workers.
// Jobs still queued are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.stopped
	})
}
