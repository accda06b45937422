// Package channel implements the per-channel ingestion state machine
// of spec §4.3: it turns the resequencer's strictly-ordered delivery
// stream into minute-writer calls, bootstraps the first minute
// boundary from the best available RTP->UTC estimate, and folds
// resequencer resyncs into discontinuity records.
package channel

import (
	"sync"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/discontinuity"
	"github.com/n0ise-hf/wwvhf-capture/internal/minutewriter"
	"github.com/n0ise-hf/wwvhf-capture/internal/resequencer"
	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/rs/zerolog"
)

// Stats are the cumulative, externally-readable counters of spec §3's
// "Channel ingestion state" (packets received, duplicates dropped,
// samples zero-filled) plus the resequencer's own counters.
type Stats struct {
	PacketsReceived uint64
	Duplicates      uint64
	LateDrops       uint64
	Resyncs         uint64
	ZeroFilledTotal uint64
	OverflowDrops   uint64
}

// Config configures a Processor for one channel.
type Config struct {
	ChannelName string
	SampleRate  uint32
	Writer      *minutewriter.Writer
	SnapHolder  *timesnap.Holder
	Log         zerolog.Logger

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// Processor is driven by a single goroutine per channel (spec §5); its
// only concurrency concern is the stats/snapshot surface read by
// status and metrics readers, guarded by mu.
type Processor struct {
	cfg Config

	mu    sync.RWMutex
	stats Stats

	bootstrapped bool
}

// New constructs a Processor. The writer's minute buffer is not yet
// started; the first Deliver call bootstraps it from the channel's
// initial time-snap.
func New(cfg Config) *Processor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{cfg: cfg}
}

// Stats returns a snapshot of the cumulative counters.
func (p *Processor) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Deliver feeds one resequencer.Delivery into the minute writer,
// bootstrapping the first minute boundary on the very first call
// (spec §4.3 "Boundary detection" / "at a boundary").
func (p *Processor) Deliver(d resequencer.Delivery) {
	p.mu.Lock()
	p.stats.PacketsReceived++
	if d.GapSamples > 0 {
		p.stats.ZeroFilledTotal += uint64(d.GapSamples)
	}
	p.mu.Unlock()

	if !p.bootstrapped {
		p.bootstrap(d)
	}

	rtpStart := d.RTPTimestamp
	iq := d.IQ
	if d.GapSamples > 0 {
		gapStart := rtpStart - uint32(d.GapSamples)

		// Capture the live minute's start before placing the zero-fill,
		// so the offset reflects where the gap lands within it (spec §3:
		// "sample offset within minute"; scenario S2).
		offset := 0
		if minuteRTPStart, ok := p.cfg.Writer.CurrentRTPStart(); ok {
			if delta := rtpio.TimestampDelta(minuteRTPStart, gapStart); delta >= 0 {
				offset = int(delta)
			}
		}

		zeros := make([]complex64, d.GapSamples)
		p.cfg.Writer.AddSamples(gapStart, zeros, d.Arrival)

		snap := p.cfg.SnapHolder.Load()
		rec := discontinuity.NewGap(d.Arrival, offset, d.GapSamples, gapStart, rtpStart, "resequencer gap: rtp timestamp jumped ahead of expectation")
		if snap != nil {
			rec.WWVRelated = true
		}
		p.cfg.Writer.AddDiscontinuity(rec)
	}
	p.cfg.Writer.AddSamples(rtpStart, iq, d.Arrival)
}

// bootstrap establishes the first minute boundary the writer will
// flush to, using the channel's current time-snap estimate (which, at
// process start, is the "initial" wall-clock snap of spec §4.3).
func (p *Processor) bootstrap(d resequencer.Delivery) {
	p.bootstrapped = true

	snap := p.cfg.SnapHolder.Load()
	if snap == nil {
		snap = timesnap.Initial(d.RTPTimestamp, p.cfg.SampleRate, d.Arrival)
		p.cfg.SnapHolder.Store(snap)
	}

	nowUTC := snap.UTC(d.RTPTimestamp)
	boundaryUnix := (int64(nowUTC) / 60) * 60
	boundaryUTC := time.Unix(boundaryUnix, 0).UTC()
	boundaryRTP := snap.RTPAt(float64(boundaryUnix))

	p.cfg.Writer.Start(boundaryUTC, boundaryRTP, d.Arrival)
}

// ApplyResync records a resequencer horizon-jump as an rtp-reset
// discontinuity (spec §4.2/§7).
func (p *Processor) ApplyResync(r resequencer.Resync, now time.Time) {
	p.mu.Lock()
	p.stats.Resyncs++
	p.mu.Unlock()

	rec := discontinuity.NewRTPReset(now, 0, int64(int32(r.NewRTPTimestamp-r.OldExpectedRTP)),
		r.OldExpectedSeq, r.NewSeq, r.OldExpectedRTP, r.NewRTPTimestamp,
		"resequencer horizon exceeded: forced resync")
	p.cfg.Writer.AddDiscontinuity(rec)
}

// ApplyOverflow records a bounded-queue overflow (spec §4.1/§7) as a
// gap discontinuity spanning the lost interval.
func (p *Processor) ApplyOverflow(now time.Time, rtpBefore uint32, lostSamples int64) {
	p.mu.Lock()
	p.stats.OverflowDrops++
	p.mu.Unlock()

	rec := discontinuity.NewGap(now, 0, lostSamples, rtpBefore, rtpBefore+uint32(lostSamples), "bounded handoff queue overflow: dropped oldest")
	p.cfg.Writer.AddDiscontinuity(rec)
}

// RecordDuplicate and RecordLateDrop track resequencer-level counters
// that don't themselves produce discontinuities (spec §7: "Counter
// only" / "Counter + discontinuity if repeated pattern" — repeated
// patterns are left to operator inspection of these counters).
func (p *Processor) RecordDuplicate() {
	p.mu.Lock()
	p.stats.Duplicates++
	p.mu.Unlock()
}

func (p *Processor) RecordLateDrop() {
	p.mu.Lock()
	p.stats.LateDrops++
	p.mu.Unlock()
}

// Shutdown flushes the in-progress minute as a short minute (spec §5).
func (p *Processor) Shutdown() error {
	return p.cfg.Writer.Shutdown(p.cfg.Now())
}
