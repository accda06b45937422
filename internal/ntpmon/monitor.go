// Package ntpmon implements the process-wide NTP status monitor of
// spec §4.5: a single cached {offset, synchronized, last-update}
// refreshed on a fixed interval and read without blocking by every
// channel processor and minute writer. Centralizing the query here is
// what keeps the capture hot path free of subprocess calls.
package ntpmon

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Status is a snapshot of the cached NTP state.
type Status struct {
	OffsetMs      float64
	Synchronized  bool
	LastUpdate    time.Time
}

// Querier abstracts "invoke system time query" (spec §4.5): in
// production this is ChronyQuerier, which shells out to chronyc; in
// tests it is a stub.
type Querier interface {
	// Query returns the current offset from a stratum-1 reference, in
	// milliseconds, or an error if the query timed out or failed.
	Query(ctx context.Context) (offsetMs float64, err error)
}

const staleAfter = 60 * time.Second

// Monitor is the single process-wide NTP status cache.
type Monitor struct {
	mu     sync.RWMutex
	status Status

	querier Querier
	timeout time.Duration
	log     zerolog.Logger

	scheduler gocron.Scheduler
}

// New constructs a Monitor. Call Start to begin polling.
func New(querier Querier, log zerolog.Logger) *Monitor {
	return &Monitor{
		querier: querier,
		timeout: 2 * time.Second,
		log:     log.With().Str("component", "ntpmon").Logger(),
	}
}

// Start begins polling every 10 seconds via a gocron scheduler, the
// same scheduler shape cc-backend's task manager uses for its
// background services.
func (m *Monitor) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	m.scheduler = s

	m.poll(ctx) // prime the cache immediately rather than waiting 10s

	_, err = s.NewJob(
		gocron.DurationJob(10*time.Second),
		gocron.NewTask(func() { m.poll(ctx) }),
	)
	if err != nil {
		return err
	}

	s.Start()
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return nil
}

// Stop shuts down the polling scheduler.
func (m *Monitor) Stop() error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Shutdown()
}

func (m *Monitor) poll(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	offsetMs, err := m.querier.Query(qctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("NTP query failed, cache unchanged")
		return
	}

	m.mu.Lock()
	m.status = Status{OffsetMs: offsetMs, Synchronized: true, LastUpdate: time.Now()}
	m.mu.Unlock()
}

// Status returns the current cached status, non-blocking. If the last
// successful update is older than 60s it reports unsynchronized
// regardless of the last measured value (spec §4.5 "Staleness").
func (m *Monitor) Status() Status {
	m.mu.RLock()
	s := m.status
	m.mu.RUnlock()

	if s.LastUpdate.IsZero() || time.Since(s.LastUpdate) > staleAfter {
		s.Synchronized = false
	}
	return s
}
