package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultStream = "BENEFITFLOW"

// NATSQueue is a JetStream-backed Queue for distributed deployments.
// One work-queue stream carries all stage subjects; each subject gets
// a durable consumer with explicit acks. Redelivery uses NakWithDelay
// so backoff is enforced broker-side and survives worker restarts.
type NATSQueue struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	stream     jetstream.Stream
	prefix     string
	maxDeliver int
	deadLetter DeadLetterFunc

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
	timers    map[*time.Timer]struct{}
	closed    bool
}

// NATSOption configures a NATSQueue.
type NATSOption func(*NATSQueue)

// WithSubjectPrefix overrides the default "benefitflow" subject
// prefix. Useful for test isolation on a shared broker.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(q *NATSQueue) { q.prefix = prefix }
}

// WithMaxDeliver caps broker-side deliveries per job. This is a safety
// net above the workflow's own attempt budget.
func WithMaxDeliver(n int) NATSOption {
	return func(q *NATSQueue) { q.maxDeliver = n }
}

// WithNATSDeadLetter installs the dead-letter callback.
func WithNATSDeadLetter(fn DeadLetterFunc) NATSOption {
	return func(q *NATSQueue) { q.deadLetter = fn }
}

// NewNATSQueue connects to the broker and ensures the work-queue
// stream exists.
func NewNATSQueue(ctx context.Context, url string, opts ...NATSOption) (*NATSQueue, error) {
	q := &NATSQueue{
		prefix:     "benefitflow",
		maxDeliver: 10,
		timers:     make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	nc, err := nats.Connect(url,
		nats.Name("benefitflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      defaultStream,
		Subjects:  []string{q.prefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	q.nc = nc
	q.js = js
	q.stream = stream
	return q, nil
}

func (q *NATSQueue) subjectFor(subject string) string {
	return q.prefix + "." + subject
}

// Enqueue implements Queue. JetStream has no native delayed publish;
// non-zero delays are scheduled process-locally, which is acceptable
// because delayed enqueues only occur on the retry path and broker
// redelivery covers a crashed publisher.
func (q *NATSQueue) Enqueue(ctx context.Context, subject string, job Job, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	publish := func() error {
		_, err := q.js.Publish(context.Background(), q.subjectFor(subject), data,
			jetstream.WithMsgID(fmt.Sprintf("%s-%d", job.ID, job.Attempt)))
		return err
	}
	if delay <= 0 {
		if _, err := q.js.Publish(ctx, q.subjectFor(subject), data,
			jetstream.WithMsgID(fmt.Sprintf("%s-%d", job.ID, job.Attempt))); err != nil {
			return fmt.Errorf("publish job: %w", err)
		}
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		_ = publish()
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Subscribe implements Queue.
func (q *NATSQueue) Subscribe(subject string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: q.subjectFor(subject),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    q.maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer for %s: %w", subject, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			// Poison payload, never redeliver.
			_ = msg.Term()
			return
		}
		if meta, err := msg.Metadata(); err == nil && int(meta.NumDelivered) > job.Attempt {
			job.Attempt = int(meta.NumDelivered)
		}

		res := h(context.Background(), job)
		switch res.Disposition {
		case DispositionAck:
			_ = msg.Ack()
		case DispositionRetry:
			if job.MaxAttempts > 0 && job.Attempt+1 > job.MaxAttempts {
				_ = msg.Term()
				if q.deadLetter != nil {
					q.deadLetter(job)
				}
				return
			}
			_ = msg.NakWithDelay(res.Delay)
		case DispositionFail:
			_ = msg.Term()
			if q.deadLetter != nil {
				q.deadLetter(job)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", subject, err)
	}
	q.consumers = append(q.consumers, cc)
	return nil
}

// durableName derives a consumer name from a subject ("stage.ocr"
// becomes "workers-stage-ocr").
func durableName(subject string) string {
	return "workers-" + strings.ReplaceAll(subject, ".", "-")
}

// Close implements Queue.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	consumers := q.consumers
	q.mu.Unlock()

	for _, cc := range consumers {
		cc.Stop()
	}
	return q.nc.Drain()
}
