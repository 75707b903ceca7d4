package events

import (
	"log/slog"
	"sync/atomic"
)

// NoopSink discards all events. It is the default when no sink is wired.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (*NoopSink) Console(ConsoleEvent) {}
func (*NoopSink) Audit(AuditEvent)     {}

// LogSink writes console events to the process log. Audit events are
// logged at debug level only.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Console(e ConsoleEvent) {
	s.log.Info(e.Message, "kind", string(e.Kind), "owner", e.Owner)
}

func (s *LogSink) Audit(e AuditEvent) {
	s.log.Debug("audit event", "kind", string(e.Kind), "owner", e.Owner, "account_id", e.AccountID, "aor", e.AOR)
}

// ChannelSink buffers events on channels for an external consumer.
// Events are dropped, and counted, when a buffer is full.
type ChannelSink struct {
	console chan ConsoleEvent
	audit   chan AuditEvent
	dropped atomic.Int64
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{
		console: make(chan ConsoleEvent, buffer),
		audit:   make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Console(e ConsoleEvent) {
	select {
	case s.console <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) Audit(e AuditEvent) {
	select {
	case s.audit <- e:
	default:
		s.dropped.Add(1)
	}
}

// ConsoleEvents returns the console event channel.
func (s *ChannelSink) ConsoleEvents() <-chan ConsoleEvent { return s.console }

// AuditEvents returns the audit event channel.
func (s *ChannelSink) AuditEvents() <-chan AuditEvent { return s.audit }

// DroppedCount reports how many events were discarded on full buffers.
func (s *ChannelSink) DroppedCount() int64 { return s.dropped.Load() }

// MultiSink fans events out to several sinks.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Console(e ConsoleEvent) {
	for _, s := range m.sinks {
		s.Console(e)
	}
}

func (m *MultiSink) Audit(e AuditEvent) {
	for _, s := range m.sinks {
		s.Audit(e)
	}
}
