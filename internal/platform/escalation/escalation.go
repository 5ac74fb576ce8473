// Package escalation publishes compliance escalations to whoever must act
// on them: a queue, a webhook receiver or the log.
package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeImmediateSubmissionRequired = "report.immediate_submission_required"
	TypeOverdue                     = "report.overdue"
)

// Event is one escalation about one report.
type Event struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	ReportID     string     `json:"report_id"`
	ReportType   string     `json:"report_type"`
	RegistryType string     `json:"registry_type"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Message      string     `json:"message"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// Publisher delivers escalations.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

func prepare(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
}

// LogPublisher writes escalations to the log at warn level.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "escalation").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev *Event) error {
	prepare(ev)
	e := p.logger.Warn().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Str("report_id", ev.ReportID).
		Str("priority", ev.Priority).
		Str("status", ev.Status)
	if ev.Deadline != nil {
		e = e.Time("deadline", *ev.Deadline)
	}
	e.Msg(ev.Message)
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev *Event) error {
	prepare(ev)
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
