package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phreport/internal/platform/db"
)

// PGSink appends events to the report_audit_event table.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// Record writes e using the transaction in ctx when one is present, so the
// audit row commits or rolls back with the change it describes.
func (s *PGSink) Record(ctx context.Context, e *Event) error {
	prepare(e)

	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	const query = `
		INSERT INTO report_audit_event (
			id, action, outcome, actor, entity_type, entity_id,
			from_status, to_status, description, detail, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	args := []any{
		e.ID, e.Action, e.Outcome, e.Actor, e.EntityType, e.EntityID,
		e.FromStatus, e.ToStatus, e.Description, detail, e.RecordedAt,
	}

	if tx := db.TxFromContext(ctx); tx != nil {
		_, err = tx.Exec(ctx, query, args...)
	} else {
		_, err = s.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListForEntity returns the audit trail of one report, oldest first.
func (s *PGSink) ListForEntity(ctx context.Context, entityID uuid.UUID, limit int) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, outcome, actor, entity_type, entity_id,
			from_status, to_status, description, detail, recorded_at
		FROM report_audit_event WHERE entity_id = $1
		ORDER BY recorded_at LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var detail []byte
		var recorded time.Time
		if err := rows.Scan(&e.ID, &e.Action, &e.Outcome, &e.Actor, &e.EntityType, &e.EntityID,
			&e.FromStatus, &e.ToStatus, &e.Description, &detail, &recorded); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.RecordedAt = recorded
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
