package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemQueue is an in-process Queue. Each subscription runs a bounded
// worker pool draining a buffered channel; delayed deliveries are
// scheduled with timers. Delivery is at-least-once within the process
// lifetime only.
type MemQueue struct {
	mu         sync.Mutex
	subs       map[string]*memSub
	workers    int
	deadLetter DeadLetterFunc
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	timers     map[*time.Timer]struct{}
	dead       []Job
	closed     bool
}

type memSub struct {
	handler Handler
	jobs    chan Job
}

// MemOption configures a MemQueue.
type MemOption func(*MemQueue)

// WithWorkers sets the per-subject worker count. Default 2.
func WithWorkers(n int) MemOption {
	return func(q *MemQueue) { q.workers = n }
}

// WithDeadLetter installs the dead-letter callback.
func WithDeadLetter(fn DeadLetterFunc) MemOption {
	return func(q *MemQueue) { q.deadLetter = fn }
}

// NewMemQueue creates an in-memory queue.
func NewMemQueue(opts ...MemOption) *MemQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &MemQueue{
		subs:    make(map[string]*memSub),
		workers: 2,
		timers:  make(map[*time.Timer]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Subscribe implements Queue.
func (q *MemQueue) Subscribe(subject string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	if _, exists := q.subs[subject]; exists {
		return fmt.Errorf("subject %q already subscribed", subject)
	}
	sub := &memSub{handler: h, jobs: make(chan Job, 256)}
	q.subs[subject] = sub
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(subject, sub)
	}
	return nil
}

func (q *MemQueue) worker(subject string, sub *memSub) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-sub.jobs:
			res := sub.handler(q.ctx, job)
			switch res.Disposition {
			case DispositionRetry:
				next := job
				next.Attempt++
				if next.MaxAttempts > 0 && next.Attempt > next.MaxAttempts {
					q.toDeadLetter(next)
					continue
				}
				if err := q.Enqueue(q.ctx, subject, next, res.Delay); err != nil {
					q.toDeadLetter(next)
				}
			case DispositionFail:
				q.toDeadLetter(job)
			}
		}
	}
}

func (q *MemQueue) toDeadLetter(job Job) {
	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()
	if q.deadLetter != nil {
		q.deadLetter(job)
	}
}

// DeadLetters returns a copy of the jobs that permanently failed.
func (q *MemQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Enqueue implements Queue.
func (q *MemQueue) Enqueue(ctx context.Context, subject string, job Job, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	sub, ok := q.subs[subject]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscriber for subject %q", subject)
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	deliver := func() {
		select {
		case sub.jobs <- job:
		case <-q.ctx.Done():
		}
	}
	if delay <= 0 {
		deliver()
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		deliver()
	})
	q.timers[timer] = struct{}{}
	q.mu.Unlock()
	return nil
}

// Close implements Queue. Pending delayed deliveries are dropped.
func (q *MemQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
