// Package store provides the binding persistence contract and its
// implementations.
//
// The registrar core only depends on the BindingStore interface; the
// in-memory store backs single-node deployments and tests, the Postgres
// store backs durable multi-node deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sebas/registrard/internal/registrar/binding"
)

// ErrNotFound is returned when no binding matches the given filter.
var ErrNotFound = errors.New("binding not found")

// Filter specifies query criteria for binding lookups. Zero-value fields
// are ignored.
type Filter struct {
	AccountID     string
	ContactURI    string
	ExpiredBefore time.Time // match bindings with ExpiryTime before this instant
}

// Order selects the sort key for FetchMany results.
type Order string

const (
	OrderNone          Order = ""
	OrderLastUpdateAsc Order = "last_update_asc"
)

// BindingStore is the persistence contract the registrar core consumes.
// Implementations must be safe for concurrent use and provide at least
// read-committed isolation per call.
type BindingStore interface {
	// Add stores a new binding.
	Add(ctx context.Context, b *binding.Binding) error

	// Update persists changes to an existing binding, matched by ID.
	Update(ctx context.Context, b *binding.Binding) error

	// Delete removes a binding, matched by ID.
	Delete(ctx context.Context, b *binding.Binding) error

	// FetchOne returns one binding matching the filter, or ErrNotFound.
	FetchOne(ctx context.Context, f Filter) (*binding.Binding, error)

	// FetchMany returns bindings matching the filter with ordering and
	// paging. A limit <= 0 means no limit.
	FetchMany(ctx context.Context, f Filter, order Order, offset, limit int) ([]*binding.Binding, error)

	// Count returns the number of bindings matching the filter.
	Count(ctx context.Context, f Filter) (int64, error)
}

func matches(b *binding.Binding, f Filter) bool {
	if f.AccountID != "" && b.AccountID != f.AccountID {
		return false
	}
	if f.ContactURI != "" && b.ContactURI != f.ContactURI {
		return false
	}
	if !f.ExpiredBefore.IsZero() && !b.ExpiryTime.Before(f.ExpiredBefore) {
		return false
	}
	return true
}
