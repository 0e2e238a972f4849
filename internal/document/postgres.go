package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/brokerdesk/esign/internal/tracing"
)

// PostgresRepository implements Repository using PostgreSQL with full
// transaction support for the multi-row operations.
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const documentColumns = `id, title, kind, backend, customer_id, policy_id,
	original_key, COALESCE(final_key, ''), token, status, created_at, expires_at,
	completed_at, expiry_audited`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var completedAt sql.NullTime
	err := row.Scan(&d.ID, &d.Title, &d.Kind, &d.Backend, &d.CustomerID, &d.PolicyID,
		&d.OriginalKey, &d.FinalKey, &d.Token, &d.Status, &d.CreatedAt, &d.ExpiresAt,
		&completedAt, &d.ExpiryAudited)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

const signerColumns = `id, document_id, name, email, role, token, status,
	COALESCE(signature_key, ''), viewed_at, signed_at,
	COALESCE(view_ip, ''), COALESCE(view_user_agent, '')`

func scanSigner(row interface{ Scan(...any) error }) (*Signer, error) {
	var s Signer
	var viewedAt, signedAt sql.NullTime
	err := row.Scan(&s.ID, &s.DocumentID, &s.Name, &s.Email, &s.Role, &s.Token,
		&s.Status, &s.SignatureKey, &viewedAt, &signedAt, &s.ViewIP, &s.ViewUserAgent)
	if err != nil {
		return nil, err
	}
	if viewedAt.Valid {
		t := viewedAt.Time
		s.ViewedAt = &t
	}
	if signedAt.Valid {
		t := signedAt.Time
		s.SignedAt = &t
	}
	return &s, nil
}

const fieldColumns = `id, document_id, signer_id, type, page,
	rect_x, rect_y, rect_w, rect_h, required, COALESCE(value, ''), signed_at`

func scanField(row interface{ Scan(...any) error }) (*Field, error) {
	var f Field
	var signedAt sql.NullTime
	err := row.Scan(&f.ID, &f.DocumentID, &f.SignerID, &f.Type, &f.Page,
		&f.Rect.X, &f.Rect.Y, &f.Rect.W, &f.Rect.H, &f.Required, &f.Value, &signedAt)
	if err != nil {
		return nil, err
	}
	if signedAt.Valid {
		t := signedAt.Time
		f.SignedAt = &t
	}
	return &f, nil
}

// CreateDocument stores a document with its signers and fields in one transaction.
func (r *PostgresRepository) CreateDocument(ctx context.Context, doc *Document, signers []*Signer, fields []*Field) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "documents", tracing.DBOperationInsert)
	var err error
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback transaction", slog.String("error", rbErr.Error()))
		}
	}()

	// Document and signer tokens share one namespace; each table's UNIQUE
	// constraint only covers its own side, so check the other table here.
	var collides bool
	if err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM signers WHERE token = $1)`, doc.Token).Scan(&collides); err != nil {
		return fmt.Errorf("failed to check token namespace: %w", err)
	}
	if collides {
		err = ErrDuplicateToken
		return err
	}
	for _, s := range signers {
		if err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM documents WHERE token = $1)`, s.Token).Scan(&collides); err != nil {
			return fmt.Errorf("failed to check token namespace: %w", err)
		}
		if collides {
			err = ErrDuplicateToken
			return err
		}
	}

	var expiresAt any
	if !doc.ExpiresAt.IsZero() {
		expiresAt = doc.ExpiresAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, kind, backend, customer_id, policy_id,
			original_key, token, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, doc.ID, doc.Title, doc.Kind, doc.Backend, doc.CustomerID, doc.PolicyID,
		doc.OriginalKey, doc.Token, doc.Status, doc.CreatedAt, expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			err = ErrDuplicateToken
			return err
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}

	for _, s := range signers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO signers (id, document_id, name, email, role, token, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, s.ID, s.DocumentID, s.Name, s.Email, s.Role, s.Token, s.Status)
		if err != nil {
			if isUniqueViolation(err) {
				err = ErrDuplicateToken
				return err
			}
			return fmt.Errorf("failed to insert signer: %w", err)
		}
	}

	for _, f := range fields {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fields (id, document_id, signer_id, type, page,
				rect_x, rect_y, rect_w, rect_h, required)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, f.ID, f.DocumentID, f.SignerID, f.Type, f.Page,
			f.Rect.X, f.Rect.Y, f.Rect.W, f.Rect.H, f.Required)
		if err != nil {
			return fmt.Errorf("failed to insert field: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (r *PostgresRepository) GetDocument(ctx context.Context, id string) (*Document, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "documents", tracing.DBOperationQuery)
	doc, err := scanDocument(r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	endSpan(err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return doc, nil
}

// GetDocumentByToken retrieves a document by its public token.
func (r *PostgresRepository) GetDocumentByToken(ctx context.Context, tok string) (*Document, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "documents", tracing.DBOperationQuery)
	doc, err := scanDocument(r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE token = $1`, tok))
	endSpan(err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document by token: %w", err)
	}
	return doc, nil
}

// GetSignerByToken retrieves a signer by its capability token.
func (r *PostgresRepository) GetSignerByToken(ctx context.Context, tok string) (*Signer, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "signers", tracing.DBOperationQuery)
	s, err := scanSigner(r.db.QueryRowContext(ctx,
		`SELECT `+signerColumns+` FROM signers WHERE token = $1`, tok))
	endSpan(err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSignerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query signer by token: %w", err)
	}
	return s, nil
}

// ListSigners returns all signers of a document.
func (r *PostgresRepository) ListSigners(ctx context.Context, docID string) ([]*Signer, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "signers", tracing.DBOperationQuery)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+signerColumns+` FROM signers WHERE document_id = $1 ORDER BY id`, docID)
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to list signers: %w", err)
	}
	defer rows.Close()

	var out []*Signer
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signer: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListFields returns all fields of a document.
func (r *PostgresRepository) ListFields(ctx context.Context, docID string) ([]*Field, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "fields", tracing.DBOperationQuery)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+fieldColumns+` FROM fields WHERE document_id = $1 ORDER BY page, id`, docID)
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to list fields: %w", err)
	}
	defer rows.Close()

	var out []*Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListSignerFields returns the fields owned by one signer.
func (r *PostgresRepository) ListSignerFields(ctx context.Context, signerID string) ([]*Field, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "fields", tracing.DBOperationQuery)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+fieldColumns+` FROM fields WHERE signer_id = $1 ORDER BY page, id`, signerID)
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to list signer fields: %w", err)
	}
	defer rows.Close()

	var out []*Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkViewed transitions a pending signer to viewed. The status guard lives in
// the WHERE clause so concurrent beacons cannot regress a signed signer.
func (r *PostgresRepository) MarkViewed(ctx context.Context, signerID string, at time.Time, ip, userAgent string) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "signers", tracing.DBOperationUpdate)
	res, err := r.db.ExecContext(ctx, `
		UPDATE signers
		SET status = $1, viewed_at = $2, view_ip = $3, view_user_agent = $4
		WHERE id = $5 AND status = $6
	`, SignerViewed, at, ip, userAgent, signerID, SignerPending)
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to mark signer viewed: %w", err)
	}
	// Zero rows affected means the signer either does not exist or already
	// advanced; distinguish the two for the caller.
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM signers WHERE id = $1)`, signerID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check signer existence: %w", err)
		}
		if !exists {
			return ErrSignerNotFound
		}
	}
	return nil
}

// CommitSignature atomically persists field values and flips the signer to signed.
func (r *PostgresRepository) CommitSignature(ctx context.Context, signerID string, values map[string]string, signatureKey string, at time.Time) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "signers", tracing.DBOperationUpdate)
	var err error
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback transaction", slog.String("error", rbErr.Error()))
		}
	}()

	// Lock the signer row for the duration of the commit.
	var status SignerStatus
	var documentID string
	err = tx.QueryRowContext(ctx,
		`SELECT status, document_id FROM signers WHERE id = $1 FOR UPDATE`, signerID).
		Scan(&status, &documentID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrSignerNotFound
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to lock signer: %w", err)
	}
	if status == SignerSigned {
		err = ErrSignerAlreadySigned
		return err
	}

	for fieldID, value := range values {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE fields SET value = $1, signed_at = $2
			WHERE id = $3 AND signer_id = $4
		`, value, at, fieldID, signerID)
		if err != nil {
			return fmt.Errorf("failed to update field: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			err = ErrFieldNotFound
			return err
		}
	}

	var sigKey any
	if signatureKey != "" {
		sigKey = signatureKey
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE signers
		SET status = $1, signed_at = $2, signature_key = COALESCE($3, signature_key)
		WHERE id = $4
	`, SignerSigned, at, sigKey, signerID)
	if err != nil {
		return fmt.Errorf("failed to update signer: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET status = $1 WHERE id = $2 AND status = $3
	`, StatusPartiallySigned, documentID, StatusSent)
	if err != nil {
		return fmt.Errorf("failed to advance document status: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SetDocumentStatus overwrites the document status, refusing to move a
// completed document.
func (r *PostgresRepository) SetDocumentStatus(ctx context.Context, docID string, status DocumentStatus) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "documents", tracing.DBOperationUpdate)
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = $1 WHERE id = $2 AND status <> $3
	`, status, docID, StatusCompleted)
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to set document status: %w", err)
	}
	// Zero rows means the document is missing or frozen; tell the caller which.
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, docID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check document existence: %w", err)
		}
		if !exists {
			return ErrDocumentNotFound
		}
		return ErrDocumentCompleted
	}
	return nil
}

// PublishFinal is the conditional completion publish: the WHERE clause makes
// the first successful caller the only writer of final_key.
func (r *PostgresRepository) PublishFinal(ctx context.Context, docID, finalKey string, at time.Time) (bool, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "documents", tracing.DBOperationUpdate)
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET final_key = $1, status = $2, completed_at = $3
		WHERE id = $4 AND status <> $2 AND final_key IS NULL
	`, finalKey, StatusCompleted, at, docID)
	endSpan(err)
	if err != nil {
		return false, fmt.Errorf("failed to publish final artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ListExpiredUnaudited returns non-terminal documents past expiration whose
// expiry has not been audited.
func (r *PostgresRepository) ListExpiredUnaudited(ctx context.Context, now time.Time) ([]*Document, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "documents", tracing.DBOperationQuery)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE expires_at IS NOT NULL AND expires_at < $1
		  AND status NOT IN ($2, $3, $4)
		  AND NOT expiry_audited
	`, now, StatusCompleted, StatusCancelled, StatusRejected)
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkExpiryAudited records that the expiry audit entry exists.
func (r *PostgresRepository) MarkExpiryAudited(ctx context.Context, docID string) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "documents", tracing.DBOperationUpdate)
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET expiry_audited = TRUE WHERE id = $1`, docID)
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to mark expiry audited: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
