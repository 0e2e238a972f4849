// Package policy gives the signing engine a narrow view of the agency's
// customer and policy records: read-only lookups plus the single write-back
// performed when an authorization-of-representation document completes.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/brokerdesk/esign/internal/tracing"
)

var (
	// ErrCustomerNotFound is returned when a customer ID resolves to nothing.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrPolicyNotFound is returned when a policy ID resolves to nothing.
	ErrPolicyNotFound = errors.New("policy not found")
)

// Customer is the slice of a customer record the signing engine needs.
type Customer struct {
	ID    string
	Name  string
	Email string
}

// Policy is the slice of a policy record the signing engine needs.
type Policy struct {
	ID         string
	CustomerID string
	Number     string
	// Represented is set once an authorization-of-representation document
	// covering this policy has been fully executed.
	Represented bool
	// RepresentedDocID references the executed document, if any.
	RepresentedDocID string
}

// Store provides customer/policy lookups and the representation write-back.
type Store interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)

	// MarkPolicyRepresented records that the given executed document now
	// authorizes representation for the policy. Idempotent.
	MarkPolicyRepresented(ctx context.Context, policyID, docID string) error
}

// InMemoryStore is an in-memory Store for testing and development.
type InMemoryStore struct {
	mu        sync.RWMutex
	customers map[string]*Customer
	policies  map[string]*Policy
	// FailMark, when set, makes MarkPolicyRepresented return this error.
	FailMark error
}

// NewInMemoryStore creates a new in-memory policy store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		customers: make(map[string]*Customer),
		policies:  make(map[string]*Policy),
	}
}

// AddCustomer seeds a customer record.
func (s *InMemoryStore) AddCustomer(c *Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cCopy := *c
	s.customers[cCopy.ID] = &cCopy
}

// AddPolicy seeds a policy record.
func (s *InMemoryStore) AddPolicy(p *Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pCopy := *p
	s.policies[pCopy.ID] = &pCopy
}

// GetCustomer retrieves a customer by ID.
func (s *InMemoryStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cCopy := *c
	return &cCopy, nil
}

// GetPolicy retrieves a policy by ID.
func (s *InMemoryStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// MarkPolicyRepresented records the representation write-back.
func (s *InMemoryStore) MarkPolicyRepresented(ctx context.Context, policyID, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMark != nil {
		return s.FailMark
	}
	p, ok := s.policies[policyID]
	if !ok {
		return ErrPolicyNotFound
	}
	p.Represented = true
	p.RepresentedDocID = docID
	return nil
}

// PostgresStore is a Postgres-backed policy store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetCustomer retrieves a customer by ID.
func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "customers", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	var c Customer
	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, email FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Email)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrCustomerNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetPolicy retrieves a policy by ID.
func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "policies", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	var p Policy
	var repDoc sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, number, represented, represented_doc_id
		 FROM policies WHERE id = $1`, id,
	).Scan(&p.ID, &p.CustomerID, &p.Number, &p.Represented, &repDoc)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrPolicyNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	p.RepresentedDocID = repDoc.String
	return &p, nil
}

// MarkPolicyRepresented records the representation write-back. Idempotent:
// re-running for the same document changes nothing meaningful.
func (s *PostgresStore) MarkPolicyRepresented(ctx context.Context, policyID, docID string) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "policies", tracing.DBOperationUpdate)
	var err error
	defer func() { endSpan(err) }()

	var res sql.Result
	res, err = s.db.ExecContext(ctx,
		`UPDATE policies
		 SET represented = TRUE, represented_doc_id = $1, represented_at = $2
		 WHERE id = $3`,
		docID, time.Now(), policyID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrPolicyNotFound
		return err
	}
	return nil
}
