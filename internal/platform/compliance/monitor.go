// Package compliance watches persisted reports for missed deadlines and
// unsubmitted high-priority work and escalates them.
package compliance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/audit"
	"github.com/ehr/phreport/internal/platform/escalation"
	"github.com/ehr/phreport/internal/platform/metrics"
)

// Store is the read side the monitor needs. statereport.Repository
// satisfies it.
type Store interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*statereport.Report, error)
	ListHighPriorityPending(ctx context.Context, limit int) ([]*statereport.Report, error)
}

// ScanResult is a point-in-time compliance snapshot.
type ScanResult struct {
	ScannedAt           time.Time
	Overdue             []*statereport.Report
	HighPriorityPending []*statereport.Report
}

// Monitor never writes reports. It records audit events, updates gauges
// and publishes escalations.
type Monitor struct {
	store     Store
	publisher escalation.Publisher
	audit     audit.Sink
	logger    zerolog.Logger
	now       func() time.Time

	// ScanInterval is the period of the background scan.
	ScanInterval time.Duration
	// Cooldown is the minimum time between two overdue escalations for the
	// same report.
	Cooldown time.Duration
	// BatchSize caps the reports returned per list.
	BatchSize int
	// PublishTimeout bounds each escalation delivery.
	PublishTimeout time.Duration

	queue chan *escalation.Event

	mu        sync.Mutex
	escalated map[uuid.UUID]time.Time
}

func NewMonitor(store Store, publisher escalation.Publisher, sink audit.Sink, logger zerolog.Logger) *Monitor {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Monitor{
		store:          store,
		publisher:      publisher,
		audit:          sink,
		logger:         logger.With().Str("component", "compliance-monitor").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
		ScanInterval:   5 * time.Minute,
		Cooldown:       6 * time.Hour,
		BatchSize:      500,
		PublishTimeout: 10 * time.Second,
		queue:          make(chan *escalation.Event, 256),
		escalated:      make(map[uuid.UUID]time.Time),
	}
}

// Scan lists overdue and high-priority pending reports and refreshes the
// compliance gauges.
func (m *Monitor) Scan(ctx context.Context) (*ScanResult, error) {
	now := m.now()
	overdue, err := m.store.ListOverdue(ctx, now, m.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list overdue reports: %w", err)
	}
	pending, err := m.store.ListHighPriorityPending(ctx, m.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list high-priority pending reports: %w", err)
	}

	metrics.OverdueReports.Set(float64(len(overdue)))
	byPriority := map[statereport.PriorityLevel]int{statereport.PriorityImmediate: 0, statereport.PriorityUrgent: 0}
	for _, r := range pending {
		byPriority[r.PriorityLevel]++
	}
	for p, n := range byPriority {
		metrics.HighPriorityPending.WithLabelValues(string(p)).Set(float64(n))
	}

	res := &ScanResult{ScannedAt: now, Overdue: overdue, HighPriorityPending: pending}
	ev := &audit.Event{
		Action:      audit.ActionScan,
		EntityType:  "ComplianceScan",
		Description: "compliance scan",
		Detail: map[string]string{
			"overdue":               strconv.Itoa(len(overdue)),
			"high_priority_pending": strconv.Itoa(len(pending)),
		},
		RecordedAt: now,
	}
	if err := m.audit.Record(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Msg("failed to audit compliance scan")
	}
	return res, nil
}

// Escalate publishes report.overdue for every overdue report outside its
// cooldown and returns how many were published.
func (m *Monitor) Escalate(ctx context.Context, res *ScanResult) int {
	now := m.now()
	sent := 0
	for _, r := range res.Overdue {
		if !m.due(r.ID, now) {
			continue
		}
		ev := eventFor(escalation.TypeOverdue, r, now)
		ev.Message = fmt.Sprintf("%s report %s missed its reporting deadline", r.ReportType, r.ID)
		if err := m.publish(ctx, ev); err != nil {
			m.logger.Error().Err(err).Str("report_id", r.ID.String()).Msg("overdue escalation failed")
			continue
		}
		m.mark(r.ID, now)
		sent++
	}
	m.forgetResolved(res.Overdue)
	return sent
}

// RunOnce scans and escalates.
func (m *Monitor) RunOnce(ctx context.Context) (*ScanResult, error) {
	res, err := m.Scan(ctx)
	if err != nil {
		return nil, err
	}
	if n := m.Escalate(ctx, res); n > 0 || len(res.Overdue) > 0 {
		m.logger.Info().
			Int("overdue", len(res.Overdue)).
			Int("high_priority_pending", len(res.HighPriorityPending)).
			Int("escalated", n).
			Msg("compliance scan complete")
	}
	return res, nil
}

// NotifyImmediate queues an immediate-submission escalation. It never
// blocks; when the queue is full the event is dropped and counted.
func (m *Monitor) NotifyImmediate(_ context.Context, r *statereport.Report) {
	ev := eventFor(escalation.TypeImmediateSubmissionRequired, r, m.now())
	ev.Message = fmt.Sprintf("%s report %s requires immediate submission", r.ReportType, r.ID)
	select {
	case m.queue <- ev:
	default:
		metrics.Escalations.WithLabelValues(ev.Type, "dropped").Inc()
		m.logger.Warn().Str("report_id", r.ID.String()).Msg("escalation queue full, dropping immediate notification")
	}
}

// Start runs the periodic scan and drains queued notifications until ctx
// is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error().Err(err).Msg("compliance scan failed")
			}
		case ev := <-m.queue:
			if err := m.publish(ctx, ev); err != nil {
				m.logger.Error().Err(err).Str("report_id", ev.ReportID).Msg("immediate escalation failed")
			}
		}
	}
}

func (m *Monitor) publish(ctx context.Context, ev *escalation.Event) error {
	ctx, cancel := context.WithTimeout(ctx, m.PublishTimeout)
	defer cancel()
	err := m.publisher.Publish(ctx, ev)
	result := "published"
	if err != nil {
		result = "failed"
	}
	metrics.Escalations.WithLabelValues(ev.Type, result).Inc()
	return err
}

func (m *Monitor) due(id uuid.UUID, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.escalated[id]
	return !ok || now.Sub(last) >= m.Cooldown
}

func (m *Monitor) mark(id uuid.UUID, now time.Time) {
	m.mu.Lock()
	m.escalated[id] = now
	m.mu.Unlock()
}

// forgetResolved drops cooldown entries for reports no longer overdue.
func (m *Monitor) forgetResolved(overdue []*statereport.Report) {
	still := make(map[uuid.UUID]bool, len(overdue))
	for _, r := range overdue {
		still[r.ID] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.escalated {
		if !still[id] {
			delete(m.escalated, id)
		}
	}
}

func eventFor(kind string, r *statereport.Report, now time.Time) *escalation.Event {
	return &escalation.Event{
		Type:         kind,
		ReportID:     r.ID.String(),
		ReportType:   string(r.ReportType),
		RegistryType: string(r.RegistryType),
		Priority:     string(r.PriorityLevel),
		Status:       string(r.SubmissionStatus),
		Deadline:     r.ReportingDeadline,
		OccurredAt:   now,
	}
}
