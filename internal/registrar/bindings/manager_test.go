package bindings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/registrard/internal/registrar/account"
	"github.com/sebas/registrard/internal/registrar/binding"
	"github.com/sebas/registrard/internal/registrar/natkeepalive"
	"github.com/sebas/registrard/internal/registrar/policy"
	"github.com/sebas/registrard/internal/registrar/store"
)

func mustParseURI(t *testing.T, raw string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		t.Fatalf("ParseUri(%q): %v", raw, err)
	}
	return uri
}

func removeAllContact() ContactEntry {
	return ContactEntry{URI: sip.Uri{Host: RemoveAllHost}, Expires: -1}
}

type testEnv struct {
	manager   *Manager
	store     *store.MemoryStore
	scheduler *natkeepalive.Scheduler
	clock     *clock.Mock
	account   *account.Account
}

func newTestEnv(t *testing.T, maxBindings int) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	mem := store.NewMemoryStore()
	scheduler := natkeepalive.NewScheduler(natkeepalive.SchedulerConfig{
		Sender: natkeepalive.SenderFunc(func(proxySocket, remoteSocket string) error { return nil }),
		Clock:  mock,
	})

	m := NewManager(Config{
		Store:                 mem,
		KeepAlives:            scheduler,
		Policy:                policy.Default(),
		MaxBindingsPerAccount: maxBindings,
		Clock:                 mock,
	})

	return &testEnv{
		manager:   m,
		store:     mem,
		scheduler: scheduler,
		clock:     mock,
		account: &account.Account{
			ID:                "acc-1",
			Username:          "alice",
			Domain:            "example.com",
			Owner:             "tenant-1",
			SendNATKeepAlives: true,
		},
	}
}

func (e *testEnv) register(t *testing.T, contactURI string, contactExpires, expiresHeader int, cseq uint32) ([]*binding.Binding, Status, string) {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri(contactURI, &uri); err != nil {
		t.Fatalf("ParseUri(%q): %v", contactURI, err)
	}
	return e.manager.UpdateBindings(context.Background(), e.account,
		"10.0.0.1:5060", "203.0.113.5:43210", "192.0.2.1:5060",
		[]ContactEntry{{URI: uri, Expires: contactExpires}},
		expiresHeader, "call-1", cseq, "Test/1.0")
}

func TestCapacityEvictionKeepsNewestContact(t *testing.T) {
	// Scenario: maxBindingsPerAccount=1; a second contact evicts the first.
	env := newTestEnv(t, 1)

	got, status, _ := env.register(t, "sip:alice@192.168.1.10:5060", 60, -1, 1)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if len(got) != 1 {
		t.Fatalf("bindings = %d, want 1", len(got))
	}

	env.clock.Add(time.Second)
	got, status, _ = env.register(t, "sip:alice@192.168.2.20:5060", 120, -1, 2)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if len(got) != 1 {
		t.Fatalf("bindings after eviction = %d, want 1", len(got))
	}
	want := "sip:alice@192.168.2.20:5060"
	if got[0].ContactURI != want {
		t.Errorf("surviving contact = %q, want %q", got[0].ContactURI, want)
	}

	n, err := env.store.Count(context.Background(), store.Filter{AccountID: env.account.ID})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("stored bindings = %d, want 1", n)
	}
}

func TestRemoveAllDeletesEveryBinding(t *testing.T) {
	// Scenario: Contact: *, Expires: 0, no other contacts.
	env := newTestEnv(t, 3)

	env.register(t, "sip:alice@192.168.1.10:5060", 600, -1, 1)
	env.register(t, "sip:alice@192.168.1.11:5060", 600, -1, 2)

	got, status, _ := env.manager.UpdateBindings(context.Background(), env.account,
		"10.0.0.1:5060", "203.0.113.5:43210", "192.0.2.1:5060",
		[]ContactEntry{removeAllContact()}, 0, "call-2", 3, "Test/1.0")

	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if len(got) != 0 {
		t.Errorf("returned bindings = %d, want 0", len(got))
	}

	n, _ := env.store.Count(context.Background(), store.Filter{AccountID: env.account.ID})
	if n != 0 {
		t.Errorf("stored bindings = %d, want 0", n)
	}
	if env.scheduler.Has("203.0.113.5:43210") {
		t.Error("keep-alive job still live after remove-all")
	}
}

func TestRemoveAllOnEmptyAccountIsOK(t *testing.T) {
	env := newTestEnv(t, 1)

	got, status, _ := env.manager.UpdateBindings(context.Background(), env.account,
		"", "203.0.113.5:43210", "",
		[]ContactEntry{removeAllContact()}, 0, "call-1", 1, "Test/1.0")

	if status != StatusOK {
		t.Errorf("status = %v, want OK", status)
	}
	if len(got) != 0 {
		t.Errorf("returned bindings = %d, want 0", len(got))
	}
}

func TestMinimumExpiryClamp(t *testing.T) {
	// Scenario: requested expiry 30 is clamped up to the 120s minimum.
	env := newTestEnv(t, 1)

	got, status, _ := env.register(t, "sip:alice@192.168.1.10:5060", 30, -1, 1)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if got[0].Expiry != MinExpirySeconds {
		t.Errorf("granted expiry = %d, want %d", got[0].Expiry, MinExpirySeconds)
	}
}

func TestMaximumExpiryClamp(t *testing.T) {
	env := newTestEnv(t, 1)

	got, _, _ := env.register(t, "sip:alice@192.168.1.10:5060", 86400, -1, 1)
	if got[0].Expiry != policy.DefaultMaxExpirySeconds {
		t.Errorf("granted expiry = %d, want %d", got[0].Expiry, policy.DefaultMaxExpirySeconds)
	}
}

func TestAbsentExpiresRequestsMaximum(t *testing.T) {
	env := newTestEnv(t, 1)

	got, _, _ := env.register(t, "sip:alice@192.168.1.10:5060", -1, -1, 1)
	if got[0].Expiry != policy.DefaultMaxExpirySeconds {
		t.Errorf("granted expiry = %d, want %d", got[0].Expiry, policy.DefaultMaxExpirySeconds)
	}
}

func TestRemoveAllWithOtherContactIsBadRequest(t *testing.T) {
	// Scenario: Contact: * combined with a real contact entry.
	env := newTestEnv(t, 2)
	env.register(t, "sip:alice@192.168.1.10:5060", 600, -1, 1)

	contacts := []ContactEntry{
		removeAllContact(),
		{URI: mustParseURI(t, "sip:alice@192.168.1.11:5060"), Expires: 600},
	}
	_, status, msg := env.manager.UpdateBindings(context.Background(), env.account,
		"", "203.0.113.5:43210", "", contacts, 0, "call-2", 2, "Test/1.0")

	if status != StatusBadRequest {
		t.Fatalf("status = %v (%s), want BadRequest", status, msg)
	}

	n, _ := env.store.Count(context.Background(), store.Filter{AccountID: env.account.ID})
	if n != 1 {
		t.Errorf("stored bindings = %d, want 1 (store unchanged)", n)
	}
}

func TestRemoveAllWithNonZeroExpiresIsBadRequest(t *testing.T) {
	env := newTestEnv(t, 1)
	env.register(t, "sip:alice@192.168.1.10:5060", 600, -1, 1)

	_, status, _ := env.manager.UpdateBindings(context.Background(), env.account,
		"", "203.0.113.5:43210", "",
		[]ContactEntry{removeAllContact()}, 600, "call-2", 2, "Test/1.0")

	if status != StatusBadRequest {
		t.Fatalf("status = %v, want BadRequest", status)
	}
	n, _ := env.store.Count(context.Background(), store.Filter{AccountID: env.account.ID})
	if n != 1 {
		t.Errorf("stored bindings = %d, want 1 (store unchanged)", n)
	}
}

func TestRefreshPreservesIdentityAndMovesForward(t *testing.T) {
	// Scenario: two REGISTERs for the same contact 5 seconds apart.
	env := newTestEnv(t, 1)

	first, _, _ := env.register(t, "sip:alice@192.168.1.10:5060;expires=60", 600, -1, 1)
	firstID := first[0].ID
	firstUpdate := first[0].LastUpdate

	env.clock.Add(5 * time.Second)
	second, status, _ := env.register(t, "sip:alice@192.168.1.10:5060;expires=120", 600, -1, 2)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if len(second) != 1 {
		t.Fatalf("bindings = %d, want 1 (refresh, not new)", len(second))
	}
	if second[0].ID != firstID {
		t.Errorf("binding identity changed: %q -> %q", firstID, second[0].ID)
	}
	if !second[0].LastUpdate.After(firstUpdate) {
		t.Errorf("LastUpdate did not move forward: %v -> %v", firstUpdate, second[0].LastUpdate)
	}
	if second[0].CSeq != 2 {
		t.Errorf("CSeq = %d, want 2", second[0].CSeq)
	}
}

func TestClientRemovalOfSpecificContact(t *testing.T) {
	env := newTestEnv(t, 2)
	env.register(t, "sip:alice@192.168.1.10:5060", 600, -1, 1)

	got, status, _ := env.register(t, "sip:alice@192.168.1.10:5060", 0, -1, 2)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if len(got) != 0 {
		t.Errorf("bindings = %d, want 0", len(got))
	}
	if env.scheduler.Has("203.0.113.5:43210") {
		t.Error("keep-alive job still live after contact removal")
	}
}

func TestRemovalOfUnknownContactIsNoop(t *testing.T) {
	env := newTestEnv(t, 1)

	got, status, _ := env.register(t, "sip:alice@192.168.9.9:5060", 0, -1, 1)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if len(got) != 0 {
		t.Errorf("bindings = %d, want 0", len(got))
	}
}

func TestKeepAliveJobRequiresProxySocketAndAccountFlag(t *testing.T) {
	env := newTestEnv(t, 2)

	// No proxy socket: no job even though the account wants keep-alives.
	env.manager.UpdateBindings(context.Background(), env.account,
		"", "203.0.113.5:43210", "",
		[]ContactEntry{{URI: mustParseURI(t, "sip:alice@192.168.1.10:5060"), Expires: 600}},
		-1, "call-1", 1, "Test/1.0")
	if env.scheduler.Has("203.0.113.5:43210") {
		t.Error("job created without a proxy socket")
	}

	// Account with keep-alives disabled: no job either.
	env.account.SendNATKeepAlives = false
	env.manager.UpdateBindings(context.Background(), env.account,
		"10.0.0.1:5060", "203.0.113.6:43210", "",
		[]ContactEntry{{URI: mustParseURI(t, "sip:alice@192.168.1.11:5060"), Expires: 600}},
		-1, "call-2", 2, "Test/1.0")
	if env.scheduler.Has("203.0.113.6:43210") {
		t.Error("job created for account with keep-alives disabled")
	}

	// Both conditions met: job exists.
	env.account.SendNATKeepAlives = true
	env.manager.UpdateBindings(context.Background(), env.account,
		"10.0.0.1:5060", "203.0.113.7:43210", "",
		[]ContactEntry{{URI: mustParseURI(t, "sip:alice@192.168.1.12:5060"), Expires: 600}},
		-1, "call-3", 3, "Test/1.0")
	if !env.scheduler.Has("203.0.113.7:43210") {
		t.Error("no job despite keep-alives enabled and proxy socket present")
	}
}

func TestLiveBindingCountNeverExceedsLimit(t *testing.T) {
	env := newTestEnv(t, 2)

	for i := 0; i < 6; i++ {
		env.clock.Add(time.Second)
		uri := fmt.Sprintf("sip:alice@192.168.1.%d:5060", 10+i)
		_, status, msg := env.register(t, uri, 600, -1, uint32(i+1))
		if status != StatusOK {
			t.Fatalf("register %d: status = %v (%s)", i, status, msg)
		}

		n, err := env.store.Count(context.Background(), store.Filter{AccountID: env.account.ID})
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n > 2 {
			t.Fatalf("live bindings = %d, want <= 2", n)
		}
	}
}

// failingStore wraps a BindingStore and fails writes on demand.
type failingStore struct {
	store.BindingStore
	failWrites bool
}

func (f *failingStore) Add(ctx context.Context, b *binding.Binding) error {
	if f.failWrites {
		return errors.New("store unavailable")
	}
	return f.BindingStore.Add(ctx, b)
}

func (f *failingStore) Update(ctx context.Context, b *binding.Binding) error {
	if f.failWrites {
		return errors.New("store unavailable")
	}
	return f.BindingStore.Update(ctx, b)
}

func TestStoreFailureReturnsInternalServerError(t *testing.T) {
	mem := store.NewMemoryStore()
	failing := &failingStore{BindingStore: mem, failWrites: true}
	m := NewManager(Config{Store: failing, Policy: policy.Default()})

	acc := &account.Account{ID: "acc-1", Username: "alice", Domain: "example.com", Owner: "tenant-1"}
	got, status, msg := m.UpdateBindings(context.Background(), acc,
		"", "203.0.113.5:43210", "",
		[]ContactEntry{{URI: mustParseURI(t, "sip:alice@192.168.1.10:5060"), Expires: 600}},
		-1, "call-1", 1, "Test/1.0")

	if status != StatusInternalServerError {
		t.Fatalf("status = %v, want InternalServerError", status)
	}
	if got != nil {
		t.Errorf("bindings = %v, want nil", got)
	}
	if msg == "" {
		t.Error("message not populated on store failure")
	}
}

func TestPartialMutationsAreNotRolledBack(t *testing.T) {
	mem := store.NewMemoryStore()
	failing := &failingStore{BindingStore: mem}
	mock := clock.NewMock()
	m := NewManager(Config{Store: failing, Policy: policy.Default(), MaxBindingsPerAccount: 4, Clock: mock})

	acc := &account.Account{ID: "acc-1", Username: "alice", Domain: "example.com", Owner: "tenant-1"}

	// First contact persists, then the store starts failing mid-call.
	contacts := []ContactEntry{
		{URI: mustParseURI(t, "sip:alice@192.168.1.10:5060"), Expires: 600},
		{URI: mustParseURI(t, "sip:alice@192.168.1.11:5060"), Expires: 600},
	}

	// Run then in separate calls to arrange the failure between contacts:
	// register the first contact, flip the store, re-register both.
	m.UpdateBindings(context.Background(), acc, "", "1.2.3.4:5060", "", contacts[:1], -1, "c", 1, "ua")
	failing.failWrites = true
	_, status, _ := m.UpdateBindings(context.Background(), acc, "", "1.2.3.4:5060", "", contacts[1:], -1, "c", 2, "ua")
	if status != StatusInternalServerError {
		t.Fatalf("status = %v, want InternalServerError", status)
	}

	n, _ := mem.Count(context.Background(), store.Filter{AccountID: "acc-1"})
	if n != 1 {
		t.Errorf("bindings after partial failure = %d, want 1 (earlier mutation kept)", n)
	}
}

// TestConcurrentRegistrationsDocumentedRace exercises concurrent REGISTERs
// for one account. There is deliberately no cross-request locking on an
// account's binding set, so both calls can pass the capacity check before
// either writes; the final count may exceed the limit by the number of
// concurrent writers. This test documents that behavior rather than
// asserting serialization the code does not provide.
func TestConcurrentRegistrationsDocumentedRace(t *testing.T) {
	env := newTestEnv(t, 1)

	const writers = 2
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uri := mustParseURIHelper(fmt.Sprintf("sip:alice@192.168.5.%d:5060", 10+i))
			env.manager.UpdateBindings(context.Background(), env.account,
				"", "203.0.113.5:43210", "",
				[]ContactEntry{{URI: uri, Expires: 600}},
				-1, fmt.Sprintf("call-%d", i), uint32(i+1), "Test/1.0")
		}(i)
	}
	wg.Wait()

	n, err := env.store.Count(context.Background(), store.Filter{AccountID: env.account.ID})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n < 1 || n > writers {
		t.Errorf("bindings after concurrent registration = %d, want between 1 and %d", n, writers)
	}
	t.Logf("concurrent registration left %d binding(s) with limit 1 (known lost-update race)", n)

	// A subsequent serial registration evicts one oldest binding, so the
	// count never grows past the raced total.
	env.register(t, "sip:alice@192.168.6.1:5060", 600, -1, 10)
	n, _ = env.store.Count(context.Background(), store.Filter{AccountID: env.account.ID})
	if n > writers {
		t.Errorf("bindings after serial registration = %d, want <= %d", n, writers)
	}
}

func mustParseURIHelper(raw string) sip.Uri {
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		panic(err)
	}
	return uri
}
