// Package audit records who did what to which report. Sinks are injected
// into the services that emit events, so storage is a deployment choice.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Actions recorded against a report.
const (
	ActionCreate      = "create"
	ActionRead        = "read"
	ActionUpdate      = "update"
	ActionValidate    = "validate"
	ActionSubmit      = "submit"
	ActionAcknowledge = "acknowledge"
	ActionProcess     = "process"
	ActionCancel      = "cancel"
	ActionAmend       = "amend"
	ActionRequeue     = "requeue"
	ActionRecover     = "recover"
	ActionScan        = "compliance-scan"
)

// Outcomes follow the FHIR AuditEvent outcome codes.
const (
	OutcomeSuccess      = "0"
	OutcomeMinorFailure = "4"
	OutcomeSeriousFail  = "8"
)

// Event is one audit record.
type Event struct {
	ID          uuid.UUID         `json:"id"`
	Action      string            `json:"action"`
	Outcome     string            `json:"outcome"`
	Actor       string            `json:"actor"`
	EntityType  string            `json:"entity_type"`
	EntityID    *uuid.UUID        `json:"entity_id,omitempty"`
	FromStatus  string            `json:"from_status,omitempty"`
	ToStatus    string            `json:"to_status,omitempty"`
	Description string            `json:"description,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// Sink persists audit events.
type Sink interface {
	Record(ctx context.Context, e *Event) error
}

func prepare(e *Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e *Event) error {
	prepare(e)
	evt := s.logger.Info().
		Str("audit_id", e.ID.String()).
		Str("action", e.Action).
		Str("outcome", e.Outcome).
		Str("actor", e.Actor).
		Str("entity_type", e.EntityType)
	if e.EntityID != nil {
		evt = evt.Str("entity_id", e.EntityID.String())
	}
	if e.FromStatus != "" || e.ToStatus != "" {
		evt = evt.Str("from", e.FromStatus).Str("to", e.ToStatus)
	}
	for k, v := range e.Detail {
		evt = evt.Str(k, v)
	}
	evt.Msg(e.Description)
	return nil
}

// MultiSink fans an event out to several sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e *Event) error {
	prepare(e)
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, *Event) error { return nil }
