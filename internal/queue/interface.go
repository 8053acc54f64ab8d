package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"testworker/internal/models"
)

// ErrPermanent marks a handler failure that must not be redelivered
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the message is dead-lettered instead of retried
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// ErrRetryLater marks a handler that could not take the message right now. The message
// is redelivered after Options.BusyBackoff without counting as a delivery.
var ErrRetryLater = errors.New("retry later")

// RetryLater wraps err so the message is requeued without using up its deliveries
func RetryLater(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetryLater, err)
}

// Envelope is what travels through the broker. Attempts counts earlier deliveries.
type Envelope struct {
	ID         string            `json:"id"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Task       models.TaskRecord `json:"task"`
	LastError  string            `json:"last_error,omitempty"`
}

// Handler processes one resolved task. A nil error settles the message, any other error
// asks for a redelivery (see Permanent and RetryLater).
type Handler func(ctx context.Context, task models.ExecutionTask) error

// Depths reports how many messages wait in each list
type Depths struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// Client defines the interface for task queue operations
type Client interface {
	Publish(ctx context.Context, task models.ExecutionTask) (string, error)
	Subscribe(ctx context.Context, handler Handler) error
	Depths(ctx context.Context) (Depths, error)
	Close() error
}
