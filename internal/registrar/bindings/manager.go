// Package bindings implements the registration binding lifecycle: the
// REGISTER-to-binding-state algorithm and the expiry sweeper.
package bindings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/registrard/internal/metrics"
	"github.com/sebas/registrard/internal/registrar/account"
	"github.com/sebas/registrard/internal/registrar/binding"
	"github.com/sebas/registrard/internal/registrar/events"
	"github.com/sebas/registrard/internal/registrar/natkeepalive"
	"github.com/sebas/registrard/internal/registrar/policy"
	"github.com/sebas/registrard/internal/registrar/store"
)

const (
	// MinExpirySeconds is the smallest registration lifetime granted to a
	// client, regardless of what it asked for.
	MinExpirySeconds = 120

	// DefaultBindingsPerAccount limits live bindings per SIP account.
	DefaultBindingsPerAccount = 1

	// ExpiryGracePeriod is the extra time tolerated past nominal expiry
	// before sweep-deletion, absorbing clock and network skew.
	ExpiryGracePeriod = 10 * time.Second

	// DefaultSweepInterval is the pause between expiry sweep passes.
	DefaultSweepInterval = 3 * time.Second

	// RemoveAllHost is the reserved contact host requesting removal of
	// every binding for an account (Contact: *).
	RemoveAllHost = "*"
)

// Status is the outcome of an UpdateBindings call as seen by the client.
type Status int

const (
	StatusOK Status = iota
	StatusBadRequest
	StatusInternalServerError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	default:
		return "internal_server_error"
	}
}

// ContactEntry is one contact from a REGISTER request.
type ContactEntry struct {
	URI     sip.Uri
	Expires int // expires parameter on the contact, -1 when absent
}

// Config wires a Manager. Zero fields get defaults.
type Config struct {
	Store                 store.BindingStore
	KeepAlives            *natkeepalive.Scheduler
	Policy                policy.UserAgentPolicy
	Sink                  events.Sink
	MaxBindingsPerAccount int
	Clock                 clock.Clock
	Log                   *slog.Logger
}

// Manager applies REGISTER requests to persisted binding state. One call
// runs synchronously to completion; there is no cross-request locking on
// an account's binding set, so two concurrent REGISTERs for one account
// can race between snapshot and mutation (see the concurrency test).
type Manager struct {
	store       store.BindingStore
	keepAlives  *natkeepalive.Scheduler
	policy      policy.UserAgentPolicy
	sink        events.Sink
	maxBindings int
	clock       clock.Clock
	log         *slog.Logger
}

// NewManager creates a registrar binding manager.
func NewManager(cfg Config) *Manager {
	if cfg.Sink == nil {
		cfg.Sink = events.NewNoopSink()
	}
	if cfg.MaxBindingsPerAccount <= 0 {
		cfg.MaxBindingsPerAccount = DefaultBindingsPerAccount
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Manager{
		store:       cfg.Store,
		keepAlives:  cfg.KeepAlives,
		policy:      cfg.Policy,
		sink:        cfg.Sink,
		maxBindings: cfg.MaxBindingsPerAccount,
		clock:       cfg.Clock,
		log:         cfg.Log,
	}
}

// UpdateBindings applies the contacts of one REGISTER request to the
// account's binding set and returns the resulting live bindings.
//
// expiresHeader is the overall Expires header value, -1 when absent.
// Contacts are processed in the order supplied. A store failure aborts
// the call with StatusInternalServerError; mutations already applied for
// earlier contacts are not rolled back.
func (m *Manager) UpdateBindings(
	ctx context.Context,
	acc *account.Account,
	proxySocket, remoteSocket, registrarSocket string,
	contacts []ContactEntry,
	expiresHeader int,
	callID string,
	cseq uint32,
	userAgent string,
) ([]*binding.Binding, Status, string) {
	maxAllowed := policy.DefaultMaxExpirySeconds
	if m.policy != nil {
		maxAllowed = m.policy.MaxAllowedExpiry(userAgent)
	}
	userAgent = binding.TruncateUserAgent(userAgent)
	aor := acc.AOR()

	bindings, err := m.store.FetchMany(ctx, store.Filter{AccountID: acc.ID}, store.OrderNone, 0, 0)
	if err != nil {
		m.log.Error("loading bindings failed", "aor", aor, "error", err)
		return nil, StatusInternalServerError, err.Error()
	}

	for _, c := range contacts {
		if c.URI.Host == RemoveAllHost {
			return m.removeAll(ctx, acc, bindings, contacts, expiresHeader)
		}
	}

	for _, c := range contacts {
		requested := c.Expires
		if requested == -1 {
			requested = expiresHeader
		}
		if requested == -1 {
			// Both the Expires header and the contact parameter are
			// missing; treat as requesting the maximum.
			requested = maxAllowed
		}
		granted := requested
		if granted > maxAllowed {
			granted = maxAllowed
		}
		if requested > 0 && granted < MinExpirySeconds {
			granted = MinExpirySeconds
		}

		contactURI := binding.NormalizeContactURI(c.URI)
		existing := findByContactURI(bindings, contactURI)

		switch {
		case existing != nil && requested <= 0:
			existing.RemovalReason = binding.RemovalReasonClientExpiredSpecific
			if err := m.store.Delete(ctx, existing); err != nil {
				return m.fail(acc, err)
			}
			bindings = removeBinding(bindings, existing)
			if m.keepAlives != nil {
				m.keepAlives.Cancel(existing.RemoteSocket)
			}
			metrics.BindingsRemoved.WithLabelValues(string(binding.RemovalReasonClientExpiredSpecific)).Inc()
			m.sink.Console(events.NewConsoleEvent(events.BindingExpired, acc.Owner,
				fmt.Sprintf("Binding expired by client for %s from %s.", aor, remoteSocket)))
			m.sink.Audit(events.NewAuditEvent(events.BindingRemoval, acc.Owner, acc.ID, acc.AORURI()))

		case existing != nil:
			m.sink.Console(events.NewConsoleEvent(events.BindingUpdate, acc.Owner,
				fmt.Sprintf("Binding update request for %s from %s, expiry requested %ds granted %ds.", aor, remoteSocket, requested, granted)))
			existing.Refresh(granted, callID, cseq, userAgent, remoteSocket, proxySocket, registrarSocket, m.clock.Now())
			if err := m.store.Update(ctx, existing); err != nil {
				return m.fail(acc, err)
			}
			metrics.BindingsRefreshed.Inc()
			m.sink.Audit(events.NewAuditEvent(events.BindingUpdate, acc.Owner, acc.ID, acc.AORURI()))
			m.upsertKeepAlive(acc, existing, granted)

		case requested > 0:
			m.sink.Console(events.NewConsoleEvent(events.BindingInProgress, acc.Owner,
				fmt.Sprintf("New binding request for %s from %s, expiry requested %ds granted %ds.", aor, remoteSocket, requested, granted)))

			if len(bindings) >= m.maxBindings {
				oldest := oldestByLastUpdate(bindings)
				m.sink.Console(events.NewConsoleEvent(events.BindingInProgress, acc.Owner,
					fmt.Sprintf("Binding limit exceeded for %s from %s, removing oldest binding to stay within limit of %d.", aor, remoteSocket, m.maxBindings)))
				oldest.RemovalReason = binding.RemovalReasonExceededPerUserLimit
				if err := m.store.Delete(ctx, oldest); err != nil {
					return m.fail(acc, err)
				}
				bindings = removeBinding(bindings, oldest)
				if m.keepAlives != nil {
					m.keepAlives.Cancel(oldest.RemoteSocket)
				}
				metrics.BindingsRemoved.WithLabelValues(string(binding.RemovalReasonExceededPerUserLimit)).Inc()
			}

			nb := binding.New(acc.ID, acc.Owner, aor, c.URI, callID, cseq, userAgent,
				remoteSocket, proxySocket, registrarSocket, granted, m.clock.Now())
			if err := m.store.Add(ctx, nb); err != nil {
				return m.fail(acc, err)
			}
			bindings = append(bindings, nb)
			metrics.BindingsCreated.Inc()
			m.sink.Audit(events.NewAuditEvent(events.BindingUpdate, acc.Owner, acc.ID, acc.AORURI()))
			m.upsertKeepAlive(acc, nb, granted)

		default:
			// Removal requested for a contact with no binding.
			m.sink.Console(events.NewConsoleEvent(events.BindingFailed, acc.Owner,
				fmt.Sprintf("New binding received for %s with expired contact %s, no update.", aor, contactURI)))
		}
	}

	return bindings, StatusOK, ""
}

// removeAll handles the Contact: * idiom: every binding for the account
// is deleted and its keep-alive job cancelled.
func (m *Manager) removeAll(
	ctx context.Context,
	acc *account.Account,
	bindings []*binding.Binding,
	contacts []ContactEntry,
	expiresHeader int,
) ([]*binding.Binding, Status, string) {
	aor := acc.AOR()

	if len(contacts) > 1 {
		m.sink.Console(events.NewConsoleEvent(events.BindingRemoval, acc.Owner,
			fmt.Sprintf("Remove all bindings requested for %s but multiple bindings specified, rejecting as a bad request.", aor)))
		return bindings, StatusBadRequest, "remove-all contact cannot be combined with other contacts"
	}
	if expiresHeader != 0 {
		return bindings, StatusBadRequest, "remove-all contact requires Expires: 0"
	}

	m.sink.Console(events.NewConsoleEvent(events.BindingRemoval, acc.Owner,
		fmt.Sprintf("Remove all bindings requested for %s.", aor)))

	for _, b := range bindings {
		b.RemovalReason = binding.RemovalReasonClientExpiredAll
		b.Expiry = 0
		if err := m.store.Delete(ctx, b); err != nil {
			return m.fail(acc, err)
		}
		if m.keepAlives != nil {
			m.keepAlives.Cancel(b.RemoteSocket)
		}
		metrics.BindingsRemoved.WithLabelValues(string(binding.RemovalReasonClientExpiredAll)).Inc()
	}

	m.sink.Audit(events.NewAuditEvent(events.BindingRemoval, acc.Owner, acc.ID, acc.AORURI()))
	return []*binding.Binding{}, StatusOK, ""
}

// GetBindings returns the live bindings for an account.
func (m *Manager) GetBindings(ctx context.Context, accountID string) ([]*binding.Binding, error) {
	return m.store.FetchMany(ctx, store.Filter{AccountID: accountID}, store.OrderNone, 0, 0)
}

// RemoveAccountBindings deletes every binding for an account out of band,
// for example from the admin API. Returns the number removed.
func (m *Manager) RemoveAccountBindings(ctx context.Context, accountID, owner string) (int, error) {
	bindings, err := m.store.FetchMany(ctx, store.Filter{AccountID: accountID}, store.OrderNone, 0, 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, b := range bindings {
		b.RemovalReason = binding.RemovalReasonAdministrative
		if err := m.store.Delete(ctx, b); err != nil {
			return removed, err
		}
		removed++
		if m.keepAlives != nil {
			m.keepAlives.Cancel(b.RemoteSocket)
		}
		metrics.BindingsRemoved.WithLabelValues(string(binding.RemovalReasonAdministrative)).Inc()
		m.sink.Console(events.NewConsoleEvent(events.BindingRemoval, b.Owner,
			fmt.Sprintf("Binding %s administratively removed for %s.", b.ContactURI, b.AccountName)))
	}

	if removed > 0 {
		m.sink.Audit(events.NewAuditEvent(events.BindingRemoval, owner, accountID, ""))
	}
	return removed, nil
}

func (m *Manager) upsertKeepAlive(acc *account.Account, b *binding.Binding, expiry int) {
	if m.keepAlives == nil || !acc.SendNATKeepAlives || b.ProxySocket == "" {
		return
	}
	m.keepAlives.Upsert(b.ProxySocket, b.RemoteSocket, m.clock.Now().Add(time.Duration(expiry)*time.Second), acc.Owner)
}

func (m *Manager) fail(acc *account.Account, err error) ([]*binding.Binding, Status, string) {
	m.log.Error("binding update failed", "account", acc.AOR(), "error", err)
	m.sink.Console(events.NewConsoleEvent(events.BindingFailed, acc.Owner,
		fmt.Sprintf("Registrar error updating binding: %s. Binding not updated.", err)))
	return nil, StatusInternalServerError, err.Error()
}

func findByContactURI(bindings []*binding.Binding, contactURI string) *binding.Binding {
	for _, b := range bindings {
		if b.ContactURI == contactURI {
			return b
		}
	}
	return nil
}

func oldestByLastUpdate(bindings []*binding.Binding) *binding.Binding {
	oldest := bindings[0]
	for _, b := range bindings[1:] {
		if b.LastUpdate.Before(oldest.LastUpdate) {
			oldest = b
		}
	}
	return oldest
}

func removeBinding(bindings []*binding.Binding, target *binding.Binding) []*binding.Binding {
	out := bindings[:0]
	for _, b := range bindings {
		if b != target {
			out = append(out, b)
		}
	}
	return out
}
