package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrMaxReached = errors.New("maximum concurrent executions reached")

// LimitError is returned when an attempt is rejected. It matches ErrMaxReached.
type LimitError struct {
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s (limit %d)", ErrMaxReached, e.Limit)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrMaxReached
}

// Attempt is an execution attempt the controller currently tracks
type Attempt struct {
	ID                string    `json:"id"`
	StartTime         time.Time `json:"start_time"`
	ContainerID       string    `json:"container_id,omitempty"`
	CountsTowardLimit bool      `json:"counts_toward_limit"`
}

// Stats is a point in time view of the controller
type Stats struct {
	Limit    int `json:"limit"`
	Counted  int `json:"counted"`
	Tracked  int `json:"tracked"`
	Rejected int `json:"rejected"`
}

// Observer is notified whenever the number of counted attempts changes or an attempt
// is rejected
type Observer interface {
	AdmissionChanged(counted int)
	AdmissionRejected()
}

// Controller admits execution attempts up to a fixed ceiling. Every instance owns its
// own table of attempts.
type Controller struct {
	limit      int
	staleAfter time.Duration
	now        func() time.Time
	observer   Observer

	mu       sync.Mutex
	counted  int
	rejected int
	attempts map[string]*Attempt
}

type Option func(*Controller)

// WithStaleAfter sets the age after which the sweeper forgets an attempt
func WithStaleAfter(d time.Duration) Option {
	return func(c *Controller) { c.staleAfter = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// New creates a controller that admits at most limit counted attempts at a time
func New(limit int, opts ...Option) (*Controller, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("admission limit must be positive, got %d", limit)
	}

	c := &Controller{
		limit:      limit,
		staleAfter: 30 * time.Minute,
		now:        time.Now,
		attempts:   make(map[string]*Attempt),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TryAcquire registers a new attempt. Attempts that count toward the limit are rejected
// immediately once the ceiling is reached; the others are always admitted.
func (c *Controller) TryAcquire(countsTowardLimit bool) (*Attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if countsTowardLimit && c.counted >= c.limit {
		c.rejected++
		if c.observer != nil {
			c.observer.AdmissionRejected()
		}
		return nil, &LimitError{Limit: c.limit}
	}

	a := &Attempt{
		ID:                uuid.NewString(),
		StartTime:         c.now(),
		CountsTowardLimit: countsTowardLimit,
	}
	c.attempts[a.ID] = a
	if countsTowardLimit {
		c.counted++
		c.notify()
	}
	return a, nil
}

// Release forgets the attempt. It reports false when the attempt was not tracked,
// i.e. it was already released or swept.
func (c *Controller) Release(attemptID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remove(attemptID)
}

// TrackContainer records the container that runs the attempt
func (c *Controller) TrackContainer(attemptID, containerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.attempts[attemptID]; ok {
		a.ContainerID = containerID
	}
}

// Sweep forgets every attempt older than the staleness threshold and returns how
// many were removed
func (c *Controller) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.staleAfter)
	removed := 0
	for id, a := range c.attempts {
		if a.StartTime.Before(cutoff) {
			log.Warn().
				Str("attempt_id", id).
				Str("container_id", a.ContainerID).
				Time("start_time", a.StartTime).
				Msg("Removing stale execution attempt")
			c.remove(id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until the context is cancelled
func (c *Controller) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Info().Int("removed", n).Msg("Swept stale execution attempts")
			}
		}
	}
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{Limit: c.limit, Counted: c.counted, Tracked: len(c.attempts), Rejected: c.rejected}
}

// Attempts returns a copy of every tracked attempt
func (c *Controller) Attempts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Attempt, 0, len(c.attempts))
	for _, a := range c.attempts {
		out = append(out, *a)
	}
	return out
}

// remove must be called with the lock held
func (c *Controller) remove(id string) bool {
	a, ok := c.attempts[id]
	if !ok {
		return false
	}
	delete(c.attempts, id)
	if a.CountsTowardLimit {
		c.counted--
		c.notify()
	}
	return true
}

func (c *Controller) notify() {
	if c.observer != nil {
		c.observer.AdmissionChanged(c.counted)
	}
}
