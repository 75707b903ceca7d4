package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/registrard/internal/registrar/binding"
)

func newTestBinding(accountID, contactURI string, lastUpdate time.Time, expiry int) *binding.Binding {
	return &binding.Binding{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Owner:        "owner",
		AccountName:  "alice@example.com",
		ContactURI:   contactURI,
		CallID:       "call-1",
		CSeq:         1,
		RemoteSocket: "203.0.113.5:5060",
		Expiry:       expiry,
		LastUpdate:   lastUpdate,
		ExpiryTime:   lastUpdate.Add(time.Duration(expiry) * time.Second),
	}
}

func TestMemoryStoreAddFetchDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	b := newTestBinding("acc-1", "sip:alice@10.0.0.1:5060", now, 120)
	if err := s.Add(ctx, b); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.FetchOne(ctx, Filter{AccountID: "acc-1", ContactURI: "sip:alice@10.0.0.1:5060"})
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("ID = %q, want %q", got.ID, b.ID)
	}

	// Snapshot isolation: mutating the returned copy must not leak back.
	got.Expiry = 999
	again, err := s.FetchOne(ctx, Filter{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if again.Expiry != 120 {
		t.Errorf("store copy mutated: Expiry = %d, want 120", again.Expiry)
	}

	if err := s.Delete(ctx, b); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.FetchOne(ctx, Filter{AccountID: "acc-1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FetchOne after delete: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUpdateUnknownBinding(t *testing.T) {
	s := NewMemoryStore()
	b := newTestBinding("acc-1", "sip:alice@10.0.0.1", time.Now().UTC(), 120)
	if err := s.Update(context.Background(), b); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update unknown: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreFetchManyOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		b := newTestBinding("acc-1", "sip:alice@10.0.0.1:506"+string(rune('0'+i)), base.Add(time.Duration(i)*time.Minute), 120)
		if err := s.Add(ctx, b); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := s.Add(ctx, newTestBinding("acc-2", "sip:bob@10.0.0.2", base, 120)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.FetchMany(ctx, Filter{AccountID: "acc-1"}, OrderLastUpdateAsc, 0, 0)
	if err != nil {
		t.Fatalf("FetchMany: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].LastUpdate.Before(got[i-1].LastUpdate) {
			t.Errorf("results not ordered by LastUpdate ascending")
		}
	}

	paged, err := s.FetchMany(ctx, Filter{AccountID: "acc-1"}, OrderLastUpdateAsc, 1, 1)
	if err != nil {
		t.Fatalf("FetchMany paged: %v", err)
	}
	if len(paged) != 1 {
		t.Fatalf("paged len = %d, want 1", len(paged))
	}
	if !paged[0].LastUpdate.Equal(base.Add(time.Minute)) {
		t.Errorf("paged[0].LastUpdate = %v, want %v", paged[0].LastUpdate, base.Add(time.Minute))
	}
}

func TestMemoryStoreExpiredBeforeFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fresh := newTestBinding("acc-1", "sip:alice@10.0.0.1", base, 3600)
	stale := newTestBinding("acc-1", "sip:alice@10.0.0.2", base.Add(-time.Hour), 60)
	for _, b := range []*binding.Binding{fresh, stale} {
		if err := s.Add(ctx, b); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := s.FetchOne(ctx, Filter{ExpiredBefore: base})
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if got.ID != stale.ID {
		t.Errorf("got %q, want stale binding %q", got.ID, stale.ID)
	}

	n, err := s.Count(ctx, Filter{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}
