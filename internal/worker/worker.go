package worker

import (
	"fmt"
	"time"
)

type JobType int

const (
	Finalize JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Finalize:
		return "finalize"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("job(%d)", int(t))
	}
}

type Job struct {
	Type       JobType
	UserID     int64
	ThreadID   int64
	EnqueuedAt time.Time
}

type Worker struct {
	pool       *jobChannelPool
	handler    func(Job)
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool, handler func(Job)) *Worker {
	return &Worker{
		pool:       pool,
		handler:    handler,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) start() {
	go func() {
		defer w.pool.wg.Done()
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.handler(job)
			if !w.pool.release(w.jobChannel) {
				return
			}
		}
	}()
}
