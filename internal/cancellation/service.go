package cancellation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix = "testworker:cancel:"

	// DefaultTTL bounds how long an unobserved signal lingers
	DefaultTTL = 24 * time.Hour
)

// Service reads and writes out-of-band cancellation signals keyed by run id
type Service struct {
	client redis.Cmdable
	ttl    time.Duration
}

func New(client redis.Cmdable) *Service {
	return &Service{client: client, ttl: DefaultTTL}
}

func key(runID string) string {
	return KeyPrefix + runID
}

// IsCancelled reports whether a cancellation was requested for the run
func (s *Service) IsCancelled(ctx context.Context, runID string) (bool, error) {
	if runID == "" {
		return false, nil
	}

	n, err := s.client.Exists(ctx, key(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("could not check cancellation of run %s: %w", runID, err)
	}
	return n > 0, nil
}

// Signal requests the cancellation of a run
func (s *Service) Signal(ctx context.Context, runID string) error {
	if err := s.client.Set(ctx, key(runID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("could not signal cancellation of run %s: %w", runID, err)
	}
	return nil
}

// ClearSignal removes the signal. Clearing a run without a signal is not an error.
func (s *Service) ClearSignal(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, key(runID)).Err(); err != nil {
		return fmt.Errorf("could not clear cancellation of run %s: %w", runID, err)
	}
	return nil
}
