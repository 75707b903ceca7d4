package natkeepalive

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sebas/registrard/internal/metrics"
	"github.com/sebas/registrard/internal/registrar/events"
)

const (
	// DefaultInterval is how often the scheduler walks the job table.
	DefaultInterval = 5 * time.Second

	// DefaultResendInterval is the minimum spacing between keep-alives
	// towards one remote socket.
	DefaultResendInterval = 10 * time.Second
)

// job is one keep-alive schedule entry. Jobs are keyed by remote socket,
// not by binding: several accounts behind one NATed device share a socket
// and need only one packet stream.
type job struct {
	proxySocket  string
	remoteSocket string
	nextSend     time.Time // zero means send on the next pass
	endTime      time.Time
	owner        string
	cancelled    bool
}

// SchedulerConfig configures a Scheduler. Zero fields get defaults.
type SchedulerConfig struct {
	Sender         Sender
	Sink           events.Sink
	Clock          clock.Clock
	Interval       time.Duration
	ResendInterval time.Duration
	Log            *slog.Logger
}

// Scheduler owns the keep-alive job table and the loop that drains it.
// Upsert and Cancel are called from registration handling; the loop runs
// for the process lifetime until Stop.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*job

	sender   Sender
	sink     events.Sink
	clock    clock.Clock
	interval time.Duration
	resend   time.Duration
	log      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler; Start launches its loop.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Sink == nil {
		cfg.Sink = events.NewNoopSink()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Scheduler{
		jobs:     make(map[string]*job),
		sender:   cfg.Sender,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		resend:   cfg.ResendInterval,
		log:      cfg.Log,
		stopCh:   make(chan struct{}),
	}
}

// Upsert creates or refreshes the job for a remote socket. A refresh
// resets the send schedule so the next pass sends immediately.
func (s *Scheduler) Upsert(proxySocket, remoteSocket string, endTime time.Time, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[remoteSocket]; ok {
		j.proxySocket = proxySocket
		j.nextSend = time.Time{}
		j.endTime = endTime
		j.cancelled = false
		return
	}

	s.jobs[remoteSocket] = &job{
		proxySocket:  proxySocket,
		remoteSocket: remoteSocket,
		endTime:      endTime,
		owner:        owner,
	}
	metrics.NATKeepAliveJobs.Set(float64(len(s.jobs)))
}

// Cancel flags the job for a remote socket. Physical removal happens on
// the scheduler's next pass.
func (s *Scheduler) Cancel(remoteSocket string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[remoteSocket]; ok {
		j.cancelled = true
	}
}

// JobCount returns the number of jobs currently in the table, including
// cancelled jobs not yet removed.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Has reports whether a live (not cancelled) job exists for the socket.
func (s *Scheduler) Has(remoteSocket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[remoteSocket]
	return ok && !j.cancelled
}

// Start launches the send loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the loop to exit at its next interval boundary.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) run() {
	s.log.Info("NAT keep-alive scheduler started", "interval", s.interval, "resend_interval", s.resend)
	for {
		select {
		case <-s.stopCh:
			s.log.Warn("NAT keep-alive scheduler stopped")
			return
		case <-s.clock.After(s.interval):
			s.pass()
		}
	}
}

// pass walks the job table once: removes ended or cancelled jobs, sends
// keep-alives that are due, and drops jobs whose sends fail.
func (s *Scheduler) pass() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var remove []string

	for key, j := range s.jobs {
		if j.cancelled || j.endTime.Before(now) {
			s.log.Debug("removing NAT keep-alive job", "remote_socket", j.remoteSocket, "owner", j.owner)
			remove = append(remove, key)
			continue
		}
		if !j.nextSend.IsZero() && j.nextSend.After(now) {
			continue
		}

		if err := s.sender.Send(j.proxySocket, j.remoteSocket); err != nil {
			// A persistent send failure usually means the proxy socket
			// or remote device is gone; drop instead of retrying.
			s.log.Error("NAT keep-alive send failed", "remote_socket", j.remoteSocket, "owner", j.owner, "error", err)
			remove = append(remove, key)
			continue
		}

		j.nextSend = now.Add(s.resend)
		metrics.NATKeepAlivesSent.Inc()
		s.sink.Console(events.NewConsoleEvent(events.NATKeepAlive, j.owner,
			fmt.Sprintf("Requesting NAT keep-alive from proxy socket %s to %s.", j.proxySocket, j.remoteSocket)))
	}

	for _, key := range remove {
		delete(s.jobs, key)
	}
	metrics.NATKeepAliveJobs.Set(float64(len(s.jobs)))
}
