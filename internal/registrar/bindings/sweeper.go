package bindings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sebas/registrard/internal/metrics"
	"github.com/sebas/registrard/internal/registrar/binding"
	"github.com/sebas/registrard/internal/registrar/events"
	"github.com/sebas/registrard/internal/registrar/natkeepalive"
	"github.com/sebas/registrard/internal/registrar/store"
)

// SweeperConfig wires a Sweeper. Zero fields get defaults.
type SweeperConfig struct {
	Store      store.BindingStore
	KeepAlives *natkeepalive.Scheduler
	Sink       events.Sink
	Interval   time.Duration
	Grace      time.Duration
	Clock      clock.Clock
	Log        *slog.Logger
}

// Sweeper removes bindings whose expiry time is past the grace-adjusted
// cutoff. It drains all due bindings, then sleeps a fixed interval, and
// repeats until stopped. Transient store errors are logged and the loop
// continues at the next interval.
type Sweeper struct {
	store      store.BindingStore
	keepAlives *natkeepalive.Scheduler
	sink       events.Sink
	interval   time.Duration
	grace      time.Duration
	clock      clock.Clock
	log        *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates an expiry sweeper; Start launches its loop.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Sink == nil {
		cfg.Sink = events.NewNoopSink()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = ExpiryGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Sweeper{
		store:      cfg.Store,
		keepAlives: cfg.KeepAlives,
		sink:       cfg.Sink,
		interval:   cfg.Interval,
		grace:      cfg.Grace,
		clock:      cfg.Clock,
		log:        cfg.Log,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop signals the loop to exit at its next interval boundary.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Sweeper) run() {
	s.log.Info("binding expiry sweeper started", "interval", s.interval, "grace", s.grace)
	for {
		select {
		case <-s.stopCh:
			s.log.Warn("binding expiry sweeper stopped")
			return
		case <-s.clock.After(s.interval):
			s.sweep(context.Background())
		}
	}
}

// sweep deletes expired bindings one at a time until none remain.
func (s *Sweeper) sweep(ctx context.Context) {
	for {
		cutoff := s.clock.Now().UTC().Add(-s.grace)
		expired, err := s.store.FetchOne(ctx, store.Filter{ExpiredBefore: cutoff})
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			s.log.Error("expiry sweep fetch failed", "error", err)
			return
		}

		// Re-validate against a fresh cutoff to guard a stale read.
		if !expired.ExpiryTime.Before(s.clock.Now().UTC().Add(-s.grace)) {
			s.log.Warn("a binding returned from the store as expired wasn't",
				"account", expired.AccountName,
				"contact_uri", expired.ContactURI,
				"expiry_time", expired.ExpiryTime)
			return
		}

		expired.RemovalReason = binding.RemovalReasonExpired
		if err := s.store.Delete(ctx, expired); err != nil {
			s.log.Error("expiry sweep delete failed", "binding_id", expired.ID, "error", err)
			return
		}
		if s.keepAlives != nil {
			s.keepAlives.Cancel(expired.RemoteSocket)
		}
		metrics.BindingsRemoved.WithLabelValues(string(binding.RemovalReasonExpired)).Inc()

		s.sink.Console(events.NewConsoleEvent(events.BindingExpired, expired.Owner,
			fmt.Sprintf("Expired binding deleted for %s and %s, last register %s, expiry %ds.",
				expired.AccountName, expired.ContactURI, expired.LastUpdate.Format("15:04:05"), expired.Expiry)))
		s.sink.Audit(events.NewAuditEvent(events.BindingRemoval, expired.Owner, expired.AccountID, "sip:"+expired.AccountName))
	}
}
