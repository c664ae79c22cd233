package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approvals/internal/errors"
)

// Querier is satisfied by both *database.DB and pgx.Tx, so status flips can
// run inside the submit transaction or standalone.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DocumentRef is the updated-document view returned after a status flip.
type DocumentRef struct {
	Table  string `json:"table"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DocumentRepository flips document status columns for the flows this
// service gates. Table and column names come exclusively from the flow
// configuration allowlist, never from request input.
type DocumentRepository struct{}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{}
}

// TransitionStatus moves a document from one status to another. Returns a
// conflict when the document is not currently in the expected status, which
// also catches concurrent submissions racing the same document.
func (r *DocumentRepository) TransitionStatus(ctx context.Context, q Querier, table, statusColumn, id, from, to string) (*DocumentRef, error) {
	query := fmt.Sprintf(
		`UPDATE %s SET %s = $1, updated_at = NOW() WHERE id = $2 AND %s = $3 RETURNING id`,
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{statusColumn}.Sanitize(),
		pgx.Identifier{statusColumn}.Sanitize(),
	)

	var returnedID string
	err := q.QueryRow(ctx, query, to, id, from).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return nil, errors.Conflict(fmt.Sprintf("document %s is not in status %q", id, from))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to transition document status")
	}

	return &DocumentRef{Table: table, ID: returnedID, Status: to}, nil
}

// GetStatus reads the current persisted status of a document. Policy
// evaluation must run against this, never a client-supplied copy.
func (r *DocumentRepository) GetStatus(ctx context.Context, q Querier, table, statusColumn, id string) (string, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1`,
		pgx.Identifier{statusColumn}.Sanitize(),
		pgx.Identifier{table}.Sanitize(),
	)

	var status string
	err := q.QueryRow(ctx, query, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", errors.NotFound("document", id)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to read document status")
	}
	return status, nil
}
