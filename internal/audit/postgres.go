package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brokerdesk/esign/internal/tracing"
)

// PostgresRepository implements Repository using PostgreSQL. Appends for the
// same document are serialized with a per-document advisory lock so concurrent
// writers each land exactly one entry and the hash chain never forks.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// Append records an event to the audit log.
func (r *PostgresRepository) Append(ctx context.Context, entry LogEntry) (*AuditLog, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_log", tracing.DBOperationInsert)
	var err error
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize appends per document: concurrent writers queue on the lock and
	// each extends the chain, instead of aborting with a serialization failure
	// and dropping an entry. Released at commit or rollback.
	if _, err = tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, entry.DocumentID); err != nil {
		return nil, fmt.Errorf("failed to lock document chain: %w", err)
	}

	// Read the tip of this document's chain under the lock.
	var prevHash string
	err = tx.QueryRowContext(ctx, `
		SELECT chain_hash FROM audit_log
		WHERE document_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, entry.DocumentID).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read chain tip: %w", err)
	}
	err = nil

	log := &AuditLog{
		ID:           uuid.New().String(),
		DocumentID:   entry.DocumentID,
		SignerID:     entry.SignerID,
		Action:       entry.Action,
		Details:      entry.Details,
		CreatedAt:    time.Now().UTC(),
		RequestID:    entry.RequestID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		PreviousHash: prevHash,
	}

	var signerID any
	if log.SignerID != "" {
		signerID = log.SignerID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, document_id, signer_id, action, details,
			request_id, ip_address, user_agent, created_at, previous_hash, chain_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, log.ID, log.DocumentID, signerID, log.Action, log.Details,
		log.RequestID, log.IPAddress, log.UserAgent, log.CreatedAt,
		log.PreviousHash, chainHash(log))
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return log, nil
}

// QueryByDocument retrieves entries for a document, oldest first.
func (r *PostgresRepository) QueryByDocument(ctx context.Context, documentID string, limit int) ([]*AuditLog, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_log", tracing.DBOperationQuery)
	query := `
		SELECT id, document_id, COALESCE(signer_id, ''), action, details,
			request_id, ip_address, user_agent, created_at, previous_hash
		FROM audit_log
		WHERE document_id = $1
		ORDER BY seq ASC
	`
	args := []any{documentID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditLog
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.SignerID, &l.Action, &l.Details,
			&l.RequestID, &l.IPAddress, &l.UserAgent, &l.CreatedAt, &l.PreviousHash); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// CountByAction returns how many entries exist for a document and action.
func (r *PostgresRepository) CountByAction(ctx context.Context, documentID, action string) (int, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_log", tracing.DBOperationQuery)
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log WHERE document_id = $1 AND action = $2
	`, documentID, action).Scan(&n)
	endSpan(err)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}
