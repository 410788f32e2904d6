// Package scheduler runs event processing on a fixed worker pool while
// keeping per-repository arrival order: two events for the same DID are
// never in flight at once, so writes for one natural key cannot land out of
// order even though unrelated repositories process concurrently.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/blackmichael/bluesky-analytics/internal/firehose"
)

// HandlerFunc processes one decoded event. Errors are contained by the
// handler itself; anything returned here is logged, never fatal.
type HandlerFunc func(ctx context.Context, evt *firehose.Event) error

// Scheduler is a per-key ordered worker pool. With one worker it degrades to
// strict sequential processing of the whole stream.
type Scheduler struct {
	workers int

	do HandlerFunc

	feeder chan *task
	out    chan struct{}

	lk sync.Mutex
	// active maps a DID to its queued tasks. Presence of a key means a
	// worker currently owns that DID's order.
	active map[string][]*task

	logger *slog.Logger
}

type task struct {
	repo string
	evt  *firehose.Event
	stop bool
}

// New creates a scheduler with the given worker count and starts its
// workers. A count below 1 is treated as 1.
func New(workers int, ident string, do HandlerFunc, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		workers: workers,
		do:      do,
		feeder:  make(chan *task),
		out:     make(chan struct{}),
		active:  make(map[string][]*task),
		logger:  logger.With("system", "scheduler", "ident", ident),
	}

	for i := 0; i < workers; i++ {
		go s.worker()
	}
	workersActiveGauge.Set(float64(workers))

	return s
}

// AddWork queues an event for processing. If the event's repo already has
// work in flight, the event is appended to that repo's queue so its order is
// preserved; otherwise it is handed to the next free worker. Blocks when all
// workers are busy, which backpressures the read loop.
func (s *Scheduler) AddWork(ctx context.Context, repo string, evt *firehose.Event) error {
	itemsAddedCounter.Inc()
	t := &task{repo: repo, evt: evt}

	s.lk.Lock()
	if q, ok := s.active[repo]; ok {
		s.active[repo] = append(q, t)
		s.lk.Unlock()
		return nil
	}
	s.active[repo] = nil
	s.lk.Unlock()

	select {
	case s.feeder <- t:
		return nil
	case <-ctx.Done():
		s.lk.Lock()
		delete(s.active, repo)
		s.lk.Unlock()
		return ctx.Err()
	}
}

// Shutdown stops the workers after draining in-flight and queued work.
func (s *Scheduler) Shutdown() {
	s.logger.Info("shutting down scheduler")
	for i := 0; i < s.workers; i++ {
		s.feeder <- &task{stop: true}
	}
	close(s.feeder)
	for i := 0; i < s.workers; i++ {
		<-s.out
	}
	workersActiveGauge.Set(0)
	s.logger.Info("scheduler shutdown complete")
}

func (s *Scheduler) worker() {
	for t := range s.feeder {
		for t != nil {
			if t.stop {
				s.out <- struct{}{}
				return
			}

			if err := s.do(context.Background(), t.evt); err != nil {
				s.logger.Error("event handler failed", "err", err)
			}
			itemsProcessedCounter.Inc()

			// Pull the next queued event for this repo, if any, so its
			// order stays with this worker.
			s.lk.Lock()
			q := s.active[t.repo]
			if len(q) == 0 {
				delete(s.active, t.repo)
				t = nil
			} else {
				next := q[0]
				s.active[t.repo] = q[1:]
				t = next
			}
			s.lk.Unlock()
		}
	}
}
