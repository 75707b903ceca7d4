// Package handler is the REGISTER front end: it turns sipgo requests
// into binding updates and renders the results back as SIP responses.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/registrard/internal/metrics"
	"github.com/sebas/registrard/internal/registrar/account"
	"github.com/sebas/registrard/internal/registrar/binding"
	"github.com/sebas/registrard/internal/registrar/bindings"
)

// Registrar handles REGISTER requests.
type Registrar struct {
	manager  *bindings.Manager
	accounts account.Resolver

	// proxySocket is the socket keep-alive datagrams are sent from on
	// behalf of registered clients; empty disables keep-alive jobs.
	proxySocket string
	// registrarSocket is the local socket REGISTERs are received on.
	registrarSocket string
}

// NewRegistrar creates a REGISTER handler.
func NewRegistrar(manager *bindings.Manager, accounts account.Resolver, proxySocket, registrarSocket string) *Registrar {
	return &Registrar{
		manager:         manager,
		accounts:        accounts,
		proxySocket:     proxySocket,
		registrarSocket: registrarSocket,
	}
}

// HandleRegister processes a REGISTER request.
func (h *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) error {
	slog.Debug("processing REGISTER", "from", req.Source())

	toHeader := req.To()
	if toHeader == nil {
		return h.respond(tx, req, sip.StatusBadRequest, "Missing To header", nil)
	}

	acc, ok := h.accounts.Lookup(toHeader.Address.User, toHeader.Address.Host)
	if !ok {
		metrics.RegisterRequests.WithLabelValues("not_found").Inc()
		return h.respond(tx, req, sip.StatusNotFound, "Unknown SIP account", nil)
	}

	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	var cseq uint32
	if cseqHdr := req.CSeq(); cseqHdr != nil {
		cseq = cseqHdr.SeqNo
	}
	userAgent := ""
	if uaHdr := req.GetHeader("User-Agent"); uaHdr != nil {
		userAgent = uaHdr.Value()
	}

	expiresHeader := -1
	if expiresHdr := req.GetHeader("Expires"); expiresHdr != nil {
		if v, err := strconv.Atoi(expiresHdr.Value()); err == nil {
			expiresHeader = v
		}
	}

	contacts, err := h.extractContacts(req)
	if err != nil {
		metrics.RegisterRequests.WithLabelValues("bad_request").Inc()
		return h.respond(tx, req, sip.StatusBadRequest, err.Error(), nil)
	}

	// No contacts: a query for the current bindings.
	if len(contacts) == 0 {
		live, err := h.manager.GetBindings(context.Background(), acc.ID)
		if err != nil {
			metrics.RegisterRequests.WithLabelValues("internal_server_error").Inc()
			return h.respond(tx, req, sip.StatusInternalServerError, "Server Error", nil)
		}
		metrics.RegisterRequests.WithLabelValues("ok").Inc()
		return h.respond(tx, req, sip.StatusOK, "OK", live)
	}

	live, status, message := h.manager.UpdateBindings(
		context.Background(),
		acc,
		h.proxySocket,
		req.Source(),
		h.registrarSocket,
		contacts,
		expiresHeader,
		callID,
		cseq,
		userAgent,
	)
	metrics.RegisterRequests.WithLabelValues(status.String()).Inc()

	switch status {
	case bindings.StatusOK:
		return h.respond(tx, req, sip.StatusOK, "OK", live)
	case bindings.StatusBadRequest:
		if message == "" {
			message = "Bad Request"
		}
		return h.respond(tx, req, sip.StatusBadRequest, message, nil)
	default:
		// Internal causes stay on this side of the boundary.
		return h.respond(tx, req, sip.StatusInternalServerError, "Server Error", nil)
	}
}

// extractContacts converts the request's Contact headers into binding
// contact entries. The wildcard contact is mapped onto the reserved
// remove-all host.
func (h *Registrar) extractContacts(req *sip.Request) ([]bindings.ContactEntry, error) {
	var entries []bindings.ContactEntry
	for _, hdr := range req.GetHeaders("Contact") {
		contact, ok := hdr.(*sip.ContactHeader)
		if !ok {
			return nil, fmt.Errorf("malformed Contact header")
		}

		expires := -1
		if contact.Params != nil {
			if v, ok := contact.Params.Get("expires"); ok {
				if n, err := strconv.Atoi(v); err == nil {
					expires = n
				}
			}
		}

		if contact.Address.String() == "*" || contact.Address.Host == bindings.RemoveAllHost {
			entries = append(entries, bindings.ContactEntry{
				URI:     sip.Uri{Host: bindings.RemoveAllHost},
				Expires: expires,
			})
			continue
		}

		entries = append(entries, bindings.ContactEntry{URI: contact.Address, Expires: expires})
	}
	return entries, nil
}

// respond sends a SIP response, attaching the live bindings as Contact
// headers on success.
func (h *Registrar) respond(tx sip.ServerTransaction, req *sip.Request, statusCode sip.StatusCode, reason string, live []*binding.Binding) error {
	res := sip.NewResponseFromRequest(req, statusCode, reason, nil)

	h.addViaParams(res, req)
	h.addDateHeader(res)

	for _, b := range live {
		h.addContactHeader(res, b)
	}

	if err := tx.Respond(res); err != nil {
		slog.Error("failed to send REGISTER response", "error", err)
		return err
	}

	slog.Debug("sent REGISTER response", "status", int(statusCode), "reason", reason, "bindings", len(live))
	return nil
}

// addContactHeader renders one binding as a Contact header with its
// granted expires parameter.
func (h *Registrar) addContactHeader(res *sip.Response, b *binding.Binding) {
	var uri sip.Uri
	if err := sip.ParseUri(b.ContactURI, &uri); err != nil {
		slog.Debug("failed to parse stored contact URI", "uri", b.ContactURI, "error", err)
		return
	}

	contactHdr := &sip.ContactHeader{
		Address: uri,
		Params:  sip.NewParams(),
	}
	contactHdr.Params.Add("expires", strconv.Itoa(b.Expiry))
	res.AppendHeader(contactHdr)
}

// addViaParams adds received and rport parameters to the Via header so
// responses route back through NAT (RFC 3581 symmetric response routing).
func (h *Registrar) addViaParams(res *sip.Response, req *sip.Request) {
	via := res.Via()
	if via == nil {
		return
	}

	receivedIP, receivedPort := splitSocket(req.Source())
	if receivedIP == "" {
		return
	}

	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	via.Params.Add("received", receivedIP)
	if receivedPort > 0 {
		via.Params.Add("rport", strconv.Itoa(receivedPort))
	}
}

// addDateHeader adds a Date header so clients can sync their clocks.
func (h *Registrar) addDateHeader(res *sip.Response) {
	res.AppendHeader(sip.NewHeader("Date", time.Now().UTC().Format(time.RFC1123)))
}

// splitSocket parses "host:port" into parts, tolerating a bare host.
func splitSocket(socket string) (string, int) {
	host, portStr, err := net.SplitHostPort(socket)
	if err != nil {
		return socket, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
