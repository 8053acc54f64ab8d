package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"testworker/internal/models"
)

const (
	TaskQueueName       = "testworker:tasks"
	DelayedQueueName    = "testworker:tasks:delayed"
	DeadLetterQueueName = "testworker:tasks:dead"
)

// promoteScript moves due messages from the delayed set back onto the ready list
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('RPUSH', KEYS[2], member)
end
return #due
`)

// Options tune redelivery. A message is delivered at most MaxDeliveries times; the n-th
// redelivery waits n*Backoff.
type Options struct {
	MaxDeliveries int
	Backoff       time.Duration
	// PollTimeout bounds each blocking pop, Redis counts it in whole seconds
	PollTimeout time.Duration
	// BusyBackoff is how long a message waits after its handler returned RetryLater
	BusyBackoff time.Duration
}

// RedisClient implements Client using Redis
type RedisClient struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int, opts Options) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return NewFromClient(client, opts), nil
}

// NewFromClient wraps an existing connection. Closing the queue closes the connection.
func NewFromClient(client *redis.Client, opts Options) *RedisClient {
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 1
	}
	if opts.PollTimeout < time.Second {
		opts.PollTimeout = time.Second
	}
	if opts.BusyBackoff <= 0 {
		opts.BusyBackoff = 5 * time.Second
	}
	return &RedisClient{client: client, opts: opts, now: time.Now}
}

// Redis exposes the underlying connection so other components can share it
func (r *RedisClient) Redis() *redis.Client {
	return r.client
}

// Publish validates the task and appends it to the queue, returning the message id
func (r *RedisClient) Publish(ctx context.Context, task models.ExecutionTask) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	env := Envelope{
		ID:         uuid.NewString(),
		EnqueuedAt: r.now().UTC(),
		Task:       models.Record(task),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if err := r.client.RPush(ctx, TaskQueueName, data).Err(); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Subscribe consumes messages until ctx is done. Several goroutines may subscribe on the
// same client, each pop hands a message to exactly one of them.
func (r *RedisClient) Subscribe(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.promoteDue(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Could not promote delayed messages")
		}

		env, raw, err := r.getNewMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().
				Err(err).
				Msg("Error encountered when fetching message from queue")
			if raw != "" {
				r.deadLetter(ctx, raw)
			}
			continue
		}
		if env == nil {
			continue
		}

		r.handle(ctx, handler, env)
	}
}

func (r *RedisClient) handle(ctx context.Context, handler Handler, env *Envelope) {
	logger := log.With().Str("message_id", env.ID).Str("run_id", env.Task.RunID).Logger()

	task, err := env.Task.Resolve()
	switch {
	case err == nil:
		err = processMessage(ctx, handler, task)
	case task != nil:
		// the handler settles the run of an invalid task, it is never redelivered
		err = Permanent(processMessage(ctx, handler, task))
		if err == nil {
			logger.Warn().Msg("Invalid task accepted by handler")
			return
		}
	default:
		err = Permanent(err)
	}
	if err == nil {
		logger.Debug().Int("attempts", env.Attempts+1).Msg("Message settled")
		return
	}

	// the handler's verdict is recorded even if the consumer is shutting down
	ctx = context.WithoutCancel(ctx)
	env.LastError = err.Error()

	if errors.Is(err, ErrRetryLater) && !errors.Is(err, ErrPermanent) {
		logger.Info().
			Err(err).
			Int("attempts", env.Attempts).
			Dur("delay", r.opts.BusyBackoff).
			Msg("Handler busy, message requeued")
		r.delay(ctx, logger, env, r.opts.BusyBackoff)
		return
	}

	env.Attempts++
	if errors.Is(err, ErrPermanent) || env.Attempts >= r.opts.MaxDeliveries {
		logger.Error().
			Err(err).
			Int("attempts", env.Attempts).
			Msg("Message moved to dead letter queue")
		data, _ := json.Marshal(env)
		r.deadLetter(ctx, string(data))
		return
	}

	delay := time.Duration(env.Attempts) * r.opts.Backoff
	logger.Warn().
		Err(err).
		Int("attempts", env.Attempts).
		Dur("delay", delay).
		Msg("Message scheduled for redelivery")
	r.delay(ctx, logger, env, delay)
}

// delay parks the message in the delayed set until it is due again
func (r *RedisClient) delay(ctx context.Context, logger zerolog.Logger, env *Envelope, d time.Duration) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error().Err(err).Msg("Could not encode message for redelivery")
		return
	}
	due := float64(r.now().Add(d).UnixMilli())
	if err := r.client.ZAdd(ctx, DelayedQueueName, redis.Z{Score: due, Member: data}).Err(); err != nil {
		logger.Error().Err(err).Msg("Could not schedule redelivery")
	}
}

func (r *RedisClient) promoteDue(ctx context.Context) error {
	keys := []string{DelayedQueueName, TaskQueueName}
	return promoteScript.Run(ctx, r.client, keys, r.now().UnixMilli(), 100).Err()
}

// getNewMessage pops the next message. The raw payload is returned alongside decoding
// errors so the message can be parked instead of lost.
func (r *RedisClient) getNewMessage(ctx context.Context) (*Envelope, string, error) {
	result, err := r.client.BLPop(ctx, r.opts.PollTimeout, TaskQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, "", nil
	}

	var env Envelope
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		return nil, result[1], fmt.Errorf("could not parse message into Envelope. %w", err)
	}
	return &env, result[1], nil
}

func (r *RedisClient) deadLetter(ctx context.Context, raw string) {
	if err := r.client.RPush(ctx, DeadLetterQueueName, raw).Err(); err != nil {
		log.Error().Err(err).Msg("Could not move message to dead letter queue")
	}
}

func processMessage(ctx context.Context, handler Handler, task models.ExecutionTask) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Str("run_id", task.Meta().RunID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	return handler(ctx, task)
}

// Depths reports the length of the ready, delayed and dead lists
func (r *RedisClient) Depths(ctx context.Context) (Depths, error) {
	pipe := r.client.Pipeline()
	ready := pipe.LLen(ctx, TaskQueueName)
	delayed := pipe.ZCard(ctx, DelayedQueueName)
	dead := pipe.LLen(ctx, DeadLetterQueueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, err
	}
	return Depths{Ready: ready.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
