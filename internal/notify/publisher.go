package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"testworker/internal/billing"
	"testworker/internal/models"
)

const (
	RunsChannel    = "testworker:notifications:runs"
	BillingChannel = "testworker:notifications:billing"
)

type Results struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Flaky   int `json:"flaky"`
	Skipped int `json:"skipped"`
}

// RunNotification is the payload handed to the notification service once a job run settles
type RunNotification struct {
	JobID           string           `json:"job_id"`
	OrganizationID  string           `json:"organization_id,omitempty"`
	ProjectID       string           `json:"project_id,omitempty"`
	RunID           string           `json:"run_id"`
	JobType         models.JobType   `json:"job_type,omitempty"`
	Trigger         models.Trigger   `json:"trigger,omitempty"`
	FinalStatus     models.RunStatus `json:"final_status"`
	DurationSeconds float64          `json:"duration_seconds"`
	Results         Results          `json:"results"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}

// Publisher hands notifications to the notification service over Redis pub/sub. Content
// generation and delivery happen on the other side.
type Publisher struct {
	client redis.Cmdable
}

func NewPublisher(client redis.Cmdable) *Publisher {
	return &Publisher{client: client}
}

// HandleNotifications publishes the settled state of a run
func (p *Publisher) HandleNotifications(ctx context.Context, n RunNotification) error {
	return p.publish(ctx, RunsChannel, n)
}

// NotifyBillingBlocked publishes a blocked-execution notice
func (p *Publisher) NotifyBillingBlocked(ctx context.Context, notice billing.BlockedNotice) error {
	return p.publish(ctx, BillingChannel, notice)
}

func (p *Publisher) publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("could not publish to %s: %w", channel, err)
	}
	return nil
}
