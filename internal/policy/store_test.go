package policy

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryStoreLookups(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.GetCustomer(ctx, "missing"); !errors.Is(err, ErrCustomerNotFound) {
		t.Errorf("GetCustomer(missing) error = %v, want %v", err, ErrCustomerNotFound)
	}
	if _, err := store.GetPolicy(ctx, "missing"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("GetPolicy(missing) error = %v, want %v", err, ErrPolicyNotFound)
	}

	store.AddCustomer(&Customer{ID: "c1", Name: "Jordan Smith", Email: "jordan@example.com"})
	store.AddPolicy(&Policy{ID: "p1", CustomerID: "c1", Number: "POL-1001"})

	c, err := store.GetCustomer(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCustomer() error = %v", err)
	}
	if c.Name != "Jordan Smith" {
		t.Errorf("GetCustomer() name = %q", c.Name)
	}

	p, err := store.GetPolicy(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Represented {
		t.Error("new policy should not be represented")
	}
}

func TestMarkPolicyRepresented(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	store.AddPolicy(&Policy{ID: "p1", CustomerID: "c1", Number: "POL-1001"})

	if err := store.MarkPolicyRepresented(ctx, "p1", "doc-1"); err != nil {
		t.Fatalf("MarkPolicyRepresented() error = %v", err)
	}
	p, _ := store.GetPolicy(ctx, "p1")
	if !p.Represented || p.RepresentedDocID != "doc-1" {
		t.Errorf("policy = %+v, want represented by doc-1", p)
	}

	// Idempotent
	if err := store.MarkPolicyRepresented(ctx, "p1", "doc-1"); err != nil {
		t.Fatalf("repeat MarkPolicyRepresented() error = %v", err)
	}

	if err := store.MarkPolicyRepresented(ctx, "missing", "doc-1"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("MarkPolicyRepresented(missing) error = %v, want %v", err, ErrPolicyNotFound)
	}
}
