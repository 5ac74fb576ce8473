package statereport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a thread-safe in-memory Repository, used for local
// development (STORE=memory) and tests. Stored reports are copied on the
// way in and out.
type MemoryRepository struct {
	mu      sync.RWMutex
	reports map[uuid.UUID]*Report
	order   []uuid.UUID
}

// NewMemoryRepository creates an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{reports: make(map[uuid.UUID]*Report)}
}

func (m *MemoryRepository) Create(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.VersionID = 1
	m.reports[r.ID] = r.Clone()
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryRepository) GetBySubmissionID(_ context.Context, submissionID string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reports {
		if r.SubmissionID != nil && *r.SubmissionID == submissionID {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) Update(_ context.Context, r *Report, from ...SubmissionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reports[r.ID]
	if !ok {
		return false, ErrNotFound
	}
	if len(from) > 0 && !statusIn(cur.SubmissionStatus, from) {
		return false, nil
	}
	r.VersionID = cur.VersionID + 1
	m.reports[r.ID] = r.Clone()
	return true, nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter, limit, offset int) ([]*Report, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Report
	for _, id := range m.order {
		r := m.reports[id]
		if f.Status != "" && r.SubmissionStatus != f.Status {
			continue
		}
		if f.ReportType != "" && r.ReportType != f.ReportType {
			continue
		}
		if f.RegistryType != "" && r.RegistryType != f.RegistryType {
			continue
		}
		if f.Priority != "" && r.PriorityLevel != f.Priority {
			continue
		}
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		matched = append(matched, r.Clone())
	}
	total := len(matched)
	if offset >= total {
		return []*Report{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryRepository) ListAmendments(_ context.Context, originalID uuid.UUID) ([]*Report, error) {
	return m.collect(func(r *Report) bool {
		return r.OriginalReportID != nil && *r.OriginalReportID == originalID
	}, 0, func(a, b *Report) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (m *MemoryRepository) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Report, error) {
	return m.collect(func(r *Report) bool {
		return r.ReportingDeadline != nil && r.ReportingDeadline.Before(now) &&
			!statusIn(r.SubmissionStatus, overdueExcluded)
	}, limit, byDeadline), nil
}

func (m *MemoryRepository) ListHighPriorityPending(_ context.Context, limit int) ([]*Report, error) {
	return m.collect(func(r *Report) bool {
		return r.PriorityLevel.IsHigh() && statusIn(r.SubmissionStatus, pendingStatuses)
	}, limit, byDeadline), nil
}

func (m *MemoryRepository) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*Report, error) {
	return m.collect(func(r *Report) bool {
		return r.SubmissionStatus == StatusError && r.NextRetryAt != nil && !r.NextRetryAt.After(now)
	}, limit, func(a, b *Report) bool { return a.NextRetryAt.Before(*b.NextRetryAt) }), nil
}

func (m *MemoryRepository) ListStaleSubmitting(_ context.Context, before time.Time, limit int) ([]*Report, error) {
	return m.collect(func(r *Report) bool {
		return r.SubmissionStatus == StatusSubmitting && r.UpdatedAt.Before(before)
	}, limit, func(a, b *Report) bool { return a.UpdatedAt.Before(b.UpdatedAt) }), nil
}

func (m *MemoryRepository) collect(match func(*Report) bool, limit int, less func(a, b *Report) bool) []*Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Report
	for _, id := range m.order {
		if r := m.reports[id]; match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// byDeadline orders earliest deadline first, reports without one last.
func byDeadline(a, b *Report) bool {
	switch {
	case a.ReportingDeadline == nil:
		return false
	case b.ReportingDeadline == nil:
		return true
	default:
		return a.ReportingDeadline.Before(*b.ReportingDeadline)
	}
}
