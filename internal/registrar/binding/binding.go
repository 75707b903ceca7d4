// Package binding defines the registrar binding model: one registered
// contact location for a SIP account, with an expiry.
package binding

import (
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// MaxUserAgentLength is the maximum user-agent string length stored on a binding.
const MaxUserAgentLength = 128

// expiresParam is the contact URI parameter stripped before URI comparison.
const expiresParam = "expires"

// RemovalReason records why a binding was removed.
type RemovalReason string

const (
	RemovalReasonUnknown               RemovalReason = "unknown"
	RemovalReasonClientExpiredSpecific RemovalReason = "client_expired_specific"
	RemovalReasonClientExpiredAll      RemovalReason = "client_expired_all"
	RemovalReasonExceededPerUserLimit  RemovalReason = "exceeded_per_user_limit"
	RemovalReasonExpired               RemovalReason = "expired"
	RemovalReasonAdministrative        RemovalReason = "administrative"
)

// Binding represents a SIP account's registered contact.
// The store assigns and owns the persisted state; callers hold snapshots.
type Binding struct {
	// Identity
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Owner       string `json:"owner"`
	AccountName string `json:"account_name"` // user@domain form of the AOR

	// Contact information. ContactURI is normalized: the expires
	// parameter is stripped before it is used as a match key.
	ContactURI string `json:"contact_uri"`

	// REGISTER request details
	CallID    string `json:"call_id"`
	CSeq      uint32 `json:"cseq"`
	UserAgent string `json:"user_agent,omitempty"`

	// Sockets. RemoteSocket is the address the REGISTER physically
	// arrived from, ProxySocket is set when it arrived via an internal
	// proxy hop, RegistrarSocket is the local socket it was received on.
	RemoteSocket    string `json:"remote_socket"`
	ProxySocket     string `json:"proxy_socket,omitempty"`
	RegistrarSocket string `json:"registrar_socket,omitempty"`

	// Timing
	Expiry     int       `json:"expiry"`      // granted seconds
	LastUpdate time.Time `json:"last_update"` // UTC
	ExpiryTime time.Time `json:"expiry_time"` // LastUpdate + Expiry, UTC

	RemovalReason RemovalReason `json:"removal_reason,omitempty"`
}

// New creates a binding for a freshly registered contact. The contact URI
// is normalized and the user-agent truncated before storage.
func New(accountID, owner, accountName string, contactURI sip.Uri, callID string, cseq uint32, userAgent, remoteSocket, proxySocket, registrarSocket string, expiry int, now time.Time) *Binding {
	now = now.UTC()
	return &Binding{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		Owner:           owner,
		AccountName:     accountName,
		ContactURI:      NormalizeContactURI(contactURI),
		CallID:          callID,
		CSeq:            cseq,
		UserAgent:       TruncateUserAgent(userAgent),
		RemoteSocket:    remoteSocket,
		ProxySocket:     proxySocket,
		RegistrarSocket: registrarSocket,
		Expiry:          expiry,
		LastUpdate:      now,
		ExpiryTime:      now.Add(time.Duration(expiry) * time.Second),
	}
}

// Refresh updates a binding in place for a re-REGISTER of the same contact.
// The binding identity is preserved; LastUpdate and ExpiryTime move forward.
func (b *Binding) Refresh(expiry int, callID string, cseq uint32, userAgent, remoteSocket, proxySocket, registrarSocket string, now time.Time) {
	now = now.UTC()
	b.CallID = callID
	b.CSeq = cseq
	b.UserAgent = TruncateUserAgent(userAgent)
	b.RemoteSocket = remoteSocket
	b.ProxySocket = proxySocket
	b.RegistrarSocket = registrarSocket
	b.Expiry = expiry
	b.LastUpdate = now
	b.ExpiryTime = now.Add(time.Duration(expiry) * time.Second)
}

// IsExpired returns true once the binding's expiry time plus the grace
// period has passed.
func (b *Binding) IsExpired(now time.Time, grace time.Duration) bool {
	return b.ExpiryTime.Before(now.Add(-grace))
}

// TTL returns the remaining time until expiration.
func (b *Binding) TTL(now time.Time) time.Duration {
	remaining := b.ExpiryTime.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NormalizeContactURI renders a contact URI with any expires parameter
// removed, so that the same contact refreshed with a different expiry
// still matches its existing binding.
func NormalizeContactURI(uri sip.Uri) string {
	return StripExpiresParam(uri.String())
}

// StripExpiresParam removes an expires URI parameter from a rendered URI.
func StripExpiresParam(raw string) string {
	if !strings.Contains(raw, ";") {
		return raw
	}
	// URI headers (after '?') are left untouched.
	uriPart := raw
	headerPart := ""
	if idx := strings.Index(raw, "?"); idx != -1 {
		uriPart = raw[:idx]
		headerPart = raw[idx:]
	}

	segments := strings.Split(uriPart, ";")
	kept := segments[:1]
	for _, seg := range segments[1:] {
		key := seg
		if idx := strings.Index(seg, "="); idx != -1 {
			key = seg[:idx]
		}
		if strings.EqualFold(key, expiresParam) {
			continue
		}
		kept = append(kept, seg)
	}
	return strings.Join(kept, ";") + headerPart
}

// TruncateUserAgent clips a user-agent string to the stored maximum.
func TruncateUserAgent(userAgent string) string {
	if len(userAgent) > MaxUserAgentLength {
		return userAgent[:MaxUserAgentLength]
	}
	return userAgent
}
