// Package events carries registrar observation events to downstream
// consumers. Events are informational only and never affect control flow.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened to a binding.
type Kind string

const (
	BindingInProgress Kind = "binding.in_progress"
	BindingUpdate     Kind = "binding.update"
	BindingRemoval    Kind = "binding.removal"
	BindingExpired    Kind = "binding.expired"
	BindingFailed     Kind = "binding.failed"
	NATKeepAlive      Kind = "nat.keepalive"
)

// ConsoleEvent is a human-readable trace of registrar activity.
type ConsoleEvent struct {
	EventID string    `json:"event_id"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Owner   string    `json:"owner,omitempty"`
	Message string    `json:"message"`
}

// AuditEvent is a structured record of a binding state change, consumed by
// provisioning and notification systems.
type AuditEvent struct {
	EventID   string    `json:"event_id"`
	Kind      Kind      `json:"kind"`
	Time      time.Time `json:"time"`
	Owner     string    `json:"owner"`
	AccountID string    `json:"account_id"`
	AOR       string    `json:"aor"` // canonical account URI
}

// NewConsoleEvent builds a console event with ID and timestamp populated.
func NewConsoleEvent(kind Kind, owner, message string) ConsoleEvent {
	return ConsoleEvent{
		EventID: uuid.New().String(),
		Kind:    kind,
		Time:    time.Now().UTC(),
		Owner:   owner,
		Message: message,
	}
}

// NewAuditEvent builds an audit event with ID and timestamp populated.
func NewAuditEvent(kind Kind, owner, accountID, aor string) AuditEvent {
	return AuditEvent{
		EventID:   uuid.New().String(),
		Kind:      kind,
		Time:      time.Now().UTC(),
		Owner:     owner,
		AccountID: accountID,
		AOR:       aor,
	}
}

// Sink receives registrar events. Implementations must not block the
// caller for long; delivery is best effort.
type Sink interface {
	Console(e ConsoleEvent)
	Audit(e AuditEvent)
}
