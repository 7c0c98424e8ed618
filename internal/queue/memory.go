package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ratemytip/internal/observability"
)

// MemoryQueue runs jobs in-process with the same retry and dead-letter
// behavior as RedisQueue. Used by the memory backend and tests.
type MemoryQueue struct {
	log    zerolog.Logger
	config Config

	mu        sync.Mutex
	jobs      map[string]Job
	isRunning bool
	ch        chan Message
	dead      []Message
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	timers    sync.WaitGroup
}

// NewMemoryQueue creates an in-process queue holding up to size pending messages.
func NewMemoryQueue(log zerolog.Logger, config Config, size int) *MemoryQueue {
	config.normalize()
	if size <= 0 {
		size = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		log:    log.With().Str("component", "queue").Str("mode", "memory").Logger(),
		config: config,
		jobs:   make(map[string]Job),
		ch:     make(chan Message, size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterJob registers a single job.
func (q *MemoryQueue) RegisterJob(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[job.Type()]; exists {
		q.log.Warn().Str("job", job.Name()).Msg("job already registered")
		return
	}
	q.jobs[job.Type()] = job
}

// Start starts the workers.
func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isRunning {
		return fmt.Errorf("queue already running")
	}
	q.isRunning = true
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return nil
}

// Stop cancels pending retries and waits for the workers.
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.timers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Enqueue adds a message to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, msgType string, payload any) error {
	q.mu.Lock()
	running := q.isRunning
	_, known := q.jobs[msgType]
	q.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	if !known {
		return fmt.Errorf("no job registered for type: %s", msgType)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}

	msg := Message{ID: uuid.NewString(), Type: msgType, Payload: raw, Timestamp: time.Now().UTC()}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrNotRunning
	}
}

// DeadLetters returns a copy of the dead-lettered messages, oldest first.
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg := <-q.ch:
			q.process(msg)
		}
	}
}

func (q *MemoryQueue) process(msg Message) {
	q.mu.Lock()
	job := q.jobs[msg.Type]
	q.mu.Unlock()

	err := job.Handle(q.ctx, msg.Payload)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) && q.ctx.Err() != nil {
		return
	}

	msg.LastError = err.Error()
	if IsPermanent(err) || msg.Attempts >= q.config.RetryLimit {
		q.log.Error().Err(err).Str("id", msg.ID).Str("job", job.Name()).Msg("moving message to dead-letter queue")
		observability.RecordQueueDeadLetter(msg.Type)
		q.mu.Lock()
		q.dead = append(q.dead, msg)
		q.mu.Unlock()
		return
	}

	msg.Attempts++
	observability.RecordQueueRetry(msg.Type)
	delay := q.config.backoff(msg.Attempts)
	q.log.Warn().Err(err).Str("id", msg.ID).Int("attempt", msg.Attempts).Dur("delay", delay).Msg("scheduled retry")

	q.timers.Add(1)
	go func() {
		defer q.timers.Done()
		select {
		case <-q.ctx.Done():
		case <-time.After(delay):
			select {
			case q.ch <- msg:
			case <-q.ctx.Done():
			}
		}
	}()
}

var _ Queue = (*MemoryQueue)(nil)
