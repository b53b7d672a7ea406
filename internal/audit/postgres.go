package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Schema for the append-only bead table. The kernel only ever INSERTs;
// retention and querying belong to the audit store owner.
const beadSchema = `
CREATE TABLE IF NOT EXISTS audit_beads (
    id          BIGSERIAL PRIMARY KEY,
    bead_type   TEXT        NOT NULL,
    entity_id   TEXT        NOT NULL,
    prior_state TEXT        NOT NULL DEFAULT '',
    new_state   TEXT        NOT NULL DEFAULT '',
    ts          TIMESTAMPTZ NOT NULL,
    reason      TEXT        NOT NULL DEFAULT '',
    details     JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresEmitter appends beads to PostgreSQL through sqlx.
type PostgresEmitter struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresEmitter wraps an open sqlx handle. Timeout bounds each insert
// so a slow audit store cannot stall the caller indefinitely; Append still
// isolates the resulting error.
func NewPostgresEmitter(db *sqlx.DB, timeout time.Duration) *PostgresEmitter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresEmitter{db: db, timeout: timeout}
}

// EnsureSchema creates the bead table when it does not exist.
func (p *PostgresEmitter) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, beadSchema); err != nil {
		return fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return nil
}

// Emit inserts one bead.
func (p *PostgresEmitter) Emit(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	detailsJSON, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal bead details: %w", err)
	}

	query := `
		INSERT INTO audit_beads (bead_type, entity_id, prior_state, new_state, ts, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = p.db.ExecContext(ctx, query,
		rec.BeadType, rec.EntityID, rec.PriorState, rec.NewState,
		rec.Timestamp, rec.Reason, detailsJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("failed to insert audit bead (pq %s): %w", pqErr.Code, err)
		}
		return fmt.Errorf("failed to insert audit bead: %w", err)
	}
	return nil
}
