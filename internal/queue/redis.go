package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ratemytip/internal/observability"
)

// Mode defines the operation mode of the queue.
type Mode int

const (
	ModeProducerConsumer Mode = iota
	ModeProducerOnly
	ModeConsumerOnly
)

func (m Mode) String() string {
	switch m {
	case ModeProducerOnly:
		return "producer-only"
	case ModeConsumerOnly:
		return "consumer-only"
	default:
		return "producer-consumer"
	}
}

// moveScript moves one member from the retry ZSET to the queue list.
// Only the caller that removed it pushes it, so concurrent processors never duplicate.
var moveScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	return redis.call("LPUSH", KEYS[2], ARGV[1])
end
return 0
`)

// RedisQueue is a Redis list queue with a retry ZSET and a dead-letter list.
type RedisQueue struct {
	log       zerolog.Logger
	config    Config
	client    redis.UniversalClient
	jobs      map[string]Job
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	mode      Mode
	ctx       context.Context
	cancel    context.CancelFunc

	retryInterval time.Duration
}

// NewRedisQueue creates a new Redis queue.
func NewRedisQueue(log zerolog.Logger, config Config, client redis.UniversalClient, mode Mode) *RedisQueue {
	config.normalize()
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisQueue{
		log:           log.With().Str("component", "queue").Str("mode", mode.String()).Logger(),
		config:        config,
		client:        client,
		jobs:          make(map[string]Job),
		mode:          mode,
		ctx:           ctx,
		cancel:        cancel,
		retryInterval: time.Second,
	}
}

// RegisterJob registers a single job.
func (r *RedisQueue) RegisterJob(job Job) {
	if r.mode == ModeProducerOnly {
		r.log.Warn().Str("job", job.Name()).Msg("job registration ignored in producer-only mode")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.Type()]; exists {
		r.log.Warn().Str("job", job.Name()).Msg("job already registered")
		return
	}
	r.jobs[job.Type()] = job
	r.log.Info().Str("job", job.Name()).Str("type", job.Type()).Msg("job registered")
}

// Start pings Redis and starts the workers and the retry processor.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("queue already running")
	}

	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	r.isRunning = true

	if r.mode != ModeProducerOnly {
		for i := 0; i < r.config.Workers; i++ {
			r.wg.Add(1)
			go r.worker(i)
		}
		r.wg.Add(1)
		go r.retryProcessor()
	}
	r.log.Info().Int("workers", r.config.Workers).Msg("redis queue started")
	return nil
}

// Stop cancels the workers and waits for in-flight messages to finish.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.cancel()
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		r.log.Warn().Err(ctx.Err()).Msg("timeout waiting for queue workers")
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-doneCh:
		r.log.Info().Msg("redis queue stopped")
		return nil
	}
}

// Enqueue adds a message to the queue.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload any) error {
	r.mu.RLock()
	running := r.isRunning
	_, known := r.jobs[msgType]
	r.mu.RUnlock()

	if !running {
		return ErrNotRunning
	}
	if r.mode != ModeProducerOnly && !known {
		return fmt.Errorf("no job registered for type: %s", msgType)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LPush(ctx, r.queueKey(), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit messages from the dead-letter list, newest first.
func (r *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Message, error) {
	items, err := r.client.LRange(ctx, r.deadLetterKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange dlq: %w", err)
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal dlq message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	r.log.Debug().Int("worker_id", id).Msg("queue worker started")

	for {
		select {
		case <-r.ctx.Done():
			r.log.Debug().Int("worker_id", id).Msg("queue worker stopped")
			return
		default:
			r.processNextMessage()
		}
	}
}

func (r *RedisQueue) processNextMessage() {
	result, err := r.client.BRPop(r.ctx, time.Second, r.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error().Err(err).Msg("brpop")
		select {
		case <-r.ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		r.log.Error().Err(err).Msg("unmarshal message")
		return
	}
	r.processMessage(msg)
}

func (r *RedisQueue) processMessage(msg Message) {
	r.mu.RLock()
	job, exists := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !exists {
		r.log.Error().Str("type", msg.Type).Str("id", msg.ID).Msg("no job found")
		msg.LastError = "no job registered"
		r.moveToDeadLetterQueue(msg)
		return
	}

	start := time.Now()
	err := job.Handle(r.ctx, msg.Payload)
	if err == nil {
		r.log.Debug().Str("id", msg.ID).Str("job", job.Name()).Dur("elapsed", time.Since(start)).Msg("message processed")
		return
	}
	if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
		// Shutting down: put it back for the next worker.
		r.scheduleRetry(msg, time.Now())
		return
	}
	r.handleProcessingError(msg, job, err)
}

func (r *RedisQueue) handleProcessingError(msg Message, job Job, err error) {
	msg.LastError = err.Error()
	r.log.Error().Err(err).
		Str("id", msg.ID).
		Str("job", job.Name()).
		Int("attempt", msg.Attempts+1).
		Msg("message processing error")

	if IsPermanent(err) || msg.Attempts >= r.config.RetryLimit {
		r.log.Error().Str("id", msg.ID).Str("job", job.Name()).Msg("moving message to dead-letter queue")
		observability.RecordQueueDeadLetter(msg.Type)
		r.moveToDeadLetterQueue(msg)
		return
	}

	msg.Attempts++
	retryAt := time.Now().Add(r.config.backoff(msg.Attempts))
	observability.RecordQueueRetry(msg.Type)
	r.scheduleRetry(msg, retryAt)
	r.log.Info().
		Str("id", msg.ID).
		Str("job", job.Name()).
		Int("attempt", msg.Attempts).
		Time("retry_at", retryAt).
		Msg("scheduled retry")
}

func (r *RedisQueue) scheduleRetry(msg Message, retryAt time.Time) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal retry")
		return
	}
	err = r.client.ZAdd(context.Background(), r.retryKey(), redis.Z{
		Score:  float64(retryAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		r.log.Error().Err(err).Msg("zadd retry")
	}
}

func (r *RedisQueue) moveToDeadLetterQueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal dlq")
		return
	}
	if err := r.client.LPush(context.Background(), r.deadLetterKey(), data).Err(); err != nil {
		r.log.Error().Err(err).Msg("lpush dlq")
	}
}

func (r *RedisQueue) retryProcessor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.processRetryMessages()
		}
	}
}

func (r *RedisQueue) processRetryMessages() {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := r.client.ZRangeByScore(r.ctx, r.retryKey(), &redis.ZRangeBy{Min: "0", Max: now}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Msg("fetch retry messages")
		}
		return
	}

	for _, data := range due {
		if r.ctx.Err() != nil {
			return
		}
		err := moveScript.Run(r.ctx, r.client, []string{r.retryKey(), r.queueKey()}, data).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.log.Error().Err(err).Msg("move retry to queue")
		}
	}
}

func (r *RedisQueue) queueKey() string {
	return fmt.Sprintf("%s:messages", r.config.KeyPrefix)
}

func (r *RedisQueue) retryKey() string {
	return fmt.Sprintf("%s:retry", r.config.KeyPrefix)
}

func (r *RedisQueue) deadLetterKey() string {
	return fmt.Sprintf("%s:dlq", r.config.KeyPrefix)
}

var _ Queue = (*RedisQueue)(nil)
