package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"testworker/internal/usage"
)

const NotifyKeyPrefix = "testworker:billing:blocked-notified:"

// UsageChecker is the usage collaborator deciding whether an organization is over its limit
type UsageChecker interface {
	ShouldBlockExecution(ctx context.Context, orgID string) (usage.Decision, error)
}

// BlockedNotice is sent to the organization when an execution was refused
type BlockedNotice struct {
	OrganizationID string    `json:"organization_id"`
	RunID          string    `json:"run_id"`
	Reason         string    `json:"reason"`
	BlockedAt      time.Time `json:"blocked_at"`
}

type Notifier interface {
	NotifyBillingBlocked(ctx context.Context, notice BlockedNotice) error
}

// NotifyResult tells whether a blocked notification actually went out
type NotifyResult struct {
	Sent        bool
	RateLimited bool
}

// incrWithExpiry bumps the counter and starts its window on the first hit, atomically
var incrWithExpiry = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Gate answers the billing question before any sandbox is allocated and sends at most
// one blocked notification per organization per window
type Gate struct {
	usage    UsageChecker
	client   redis.Cmdable
	notifier Notifier
	window   time.Duration
}

func NewGate(checker UsageChecker, client redis.Cmdable, notifier Notifier, window time.Duration) *Gate {
	if window <= 0 {
		window = time.Hour
	}
	return &Gate{usage: checker, client: client, notifier: notifier, window: window}
}

// ShouldBlock asks the usage collaborator about the organization. The gate fails open:
// when the lookup fails the returned decision does not block and the error is returned
// alongside it for the caller to record.
func (g *Gate) ShouldBlock(ctx context.Context, orgID string) (usage.Decision, error) {
	d, err := g.usage.ShouldBlockExecution(ctx, orgID)
	if err != nil {
		return usage.Decision{}, fmt.Errorf("billing check failed for organization %s: %w", orgID, err)
	}
	return d, nil
}

// NotifyBlocked tells the organization its run was blocked, unless it was already told
// within the current window
func (g *Gate) NotifyBlocked(ctx context.Context, orgID, runID, reason string) (NotifyResult, error) {
	key := NotifyKeyPrefix + orgID

	n, err := incrWithExpiry.Run(ctx, g.client, []string{key}, g.window.Milliseconds()).Int64()
	if err != nil {
		return NotifyResult{}, fmt.Errorf("could not rate limit blocked notification for organization %s: %w", orgID, err)
	}
	if n > 1 {
		log.Debug().
			Str("organization_id", orgID).
			Str("run_id", runID).
			Int64("count", n).
			Msg("Blocked notification already sent in this window")
		return NotifyResult{RateLimited: true}, nil
	}

	notice := BlockedNotice{OrganizationID: orgID, RunID: runID, Reason: reason, BlockedAt: time.Now().UTC()}
	if err := g.notifier.NotifyBillingBlocked(ctx, notice); err != nil {
		// give the next blocked run a chance to deliver it
		if delErr := g.client.Del(ctx, key).Err(); delErr != nil {
			log.Warn().Err(delErr).Str("organization_id", orgID).Msg("Could not reset blocked notification counter")
		}
		return NotifyResult{}, fmt.Errorf("could not send blocked notification for organization %s: %w", orgID, err)
	}
	return NotifyResult{Sent: true}, nil
}
