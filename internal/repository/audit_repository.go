package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/errors"
)

// AuditRepository appends and reads the immutable approval audit log.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (flow_type, target_table, target_id, instance_id, step_order,
		     action, performed_by, status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.FlowType,
		entry.TargetTable,
		entry.TargetID,
		entry.InstanceID,
		entry.StepOrder,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// ListByTarget returns the audit trail for a document, newest first.
func (r *AuditRepository) ListByTarget(ctx context.Context, targetTable, targetID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, flow_type, target_table, target_id, instance_id, step_order,
		       action, performed_by, status_before, status_after, metadata,
		       performed_at
		FROM approval_audit_log
		WHERE target_table = $1 AND target_id = $2
		ORDER BY performed_at DESC
	`

	rows, err := r.db.Query(ctx, query, targetTable, targetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&e.ID,
			&e.FlowType,
			&e.TargetTable,
			&e.TargetID,
			&e.InstanceID,
			&e.StepOrder,
			&e.Action,
			&e.PerformedBy,
			&e.StatusBefore,
			&e.StatusAfter,
			&metadataJSON,
			&e.PerformedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
