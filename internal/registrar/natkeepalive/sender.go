// Package natkeepalive paces keep-alive datagrams that hold NAT pinholes
// open for registered UDP clients.
package natkeepalive

import (
	"fmt"
	"log/slog"
	"net"
)

// Sender sends one keep-alive datagram from a proxy socket towards a
// remote socket. Fire-and-forget; the result is only logged.
type Sender interface {
	Send(proxySocket, remoteSocket string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(proxySocket, remoteSocket string) error

func (f SenderFunc) Send(proxySocket, remoteSocket string) error {
	return f(proxySocket, remoteSocket)
}

// UDPSender sends keep-alive datagrams directly over UDP. When the proxy
// socket is a local address it is used as the source, otherwise the
// datagram goes out from an ephemeral port.
type UDPSender struct {
	payload []byte
	log     *slog.Logger
}

// NewUDPSender creates a sender with the conventional CRLF payload.
func NewUDPSender(log *slog.Logger) *UDPSender {
	if log == nil {
		log = slog.Default()
	}
	return &UDPSender{payload: []byte("\r\n"), log: log}
}

func (s *UDPSender) Send(proxySocket, remoteSocket string) error {
	raddr, err := net.ResolveUDPAddr("udp", remoteSocket)
	if err != nil {
		return fmt.Errorf("resolve remote socket %q: %w", remoteSocket, err)
	}

	var laddr *net.UDPAddr
	if proxySocket != "" {
		laddr, err = net.ResolveUDPAddr("udp", proxySocket)
		if err != nil {
			return fmt.Errorf("resolve proxy socket %q: %w", proxySocket, err)
		}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil && laddr != nil {
		// The proxy socket may belong to another process on this host.
		s.log.Debug("keep-alive source bind failed, using ephemeral port", "proxy_socket", proxySocket, "error", err)
		conn, err = net.DialUDP("udp", nil, raddr)
	}
	if err != nil {
		return fmt.Errorf("dial %q: %w", remoteSocket, err)
	}
	defer conn.Close()

	if _, err := conn.Write(s.payload); err != nil {
		return fmt.Errorf("send keep-alive to %q: %w", remoteSocket, err)
	}
	return nil
}
