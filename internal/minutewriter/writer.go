// Package minutewriter implements the per-channel minute buffer and
// flush discipline of spec §4.4: exactly one in-memory 60s buffer
// alive at a time, flushed atomically to the archive directory at the
// UTC minute boundary and then discarded (spec DESIGN NOTES §9's
// "arena of two slots" collapses here into "current, replaced by
// next" since only one buffer is ever live).
package minutewriter

import (
	"fmt"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/n0ise-hf/wwvhf-capture/internal/discontinuity"
	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/rs/zerolog"
)

const (
	flushRetries    = 3
	flushRetryDelay = 100 * time.Millisecond
)

// NTPReader returns the current cached NTP offset in milliseconds, or
// nil if unsynchronized (spec §4.5's non-blocking reader).
type NTPReader func() *float64

// Config carries the fixed, per-channel fields every minute archive
// embeds (spec §3).
type Config struct {
	ChannelName string
	SSRC        uint32
	FrequencyHz float64
	SampleRate  uint32
	ArchiveDir  string
	SnapHolder  *timesnap.Holder
	NTP         NTPReader
	Log         zerolog.Logger

	// WriteFile defaults to archive.WriteMinuteFile; overridable for tests.
	WriteFile func(dir string, m archive.Minute) error
}

// Writer owns the single live minute buffer for one channel. It is not
// safe for concurrent use on its own; the channel processor that owns
// it serializes all calls (spec §4.3 "single-threaded internally"),
// and external readers only ever see the result of a completed Flush.
type Writer struct {
	cfg Config

	started    bool
	boundary   time.Time
	rtpStart   uint32
	wallClock  time.Time
	buf        []complex64
	filled     []bool
	discs      []discontinuity.Record
	pendingSnap *timesnap.Snap
	pendingSnapSet bool

	// carriedLossGap is injected into the next minute's discontinuity
	// list when a flush is permanently dropped (spec §4.4 Failure
	// semantics / spec §7's disk-write-failure disposition).
	carriedLossGap *discontinuity.Record

	onFlush func(archive.Minute)

	DroppedSamples uint64
}

// New constructs a Writer. onFlush, if non-nil, is invoked with every
// minute successfully written, after the file hits disk.
func New(cfg Config, onFlush func(archive.Minute)) *Writer {
	if cfg.WriteFile == nil {
		cfg.WriteFile = archive.WriteMinuteFile
	}
	return &Writer{cfg: cfg, onFlush: onFlush}
}

func (w *Writer) total() int64 { return int64(w.cfg.SampleRate) * 60 }

// CurrentRTPStart returns the RTP timestamp at the start of the live
// minute buffer (rtp_timestamp_at_start, spec §3) and whether a buffer
// is live at all. Callers use it to convert an absolute RTP timestamp
// into the "sample offset within minute" spec §3 defines for
// discontinuity records, without reaching into Writer's internals.
func (w *Writer) CurrentRTPStart() (uint32, bool) {
	return w.rtpStart, w.started
}

// Start creates the first minute buffer of a run. boundary is the UTC
// minute this buffer covers; rtpStart is the RTP timestamp of its
// first sample; wallClock is the wall-clock time the boundary crossing
// was detected at (spec §3 invariant 2: captured at the same logical
// instant as rtpStart, not at file-write time).
func (w *Writer) Start(boundary time.Time, rtpStart uint32, wallClock time.Time) {
	w.createMinute(boundary, rtpStart, wallClock)
}

func (w *Writer) createMinute(boundary time.Time, rtpStart uint32, wallClock time.Time) {
	w.started = true
	w.boundary = boundary
	w.rtpStart = rtpStart
	w.wallClock = wallClock
	w.buf = make([]complex64, w.total())
	w.filled = make([]bool, w.total())
	w.discs = nil
	if w.carriedLossGap != nil {
		w.discs = append(w.discs, *w.carriedLossGap)
		w.carriedLossGap = nil
	}
}

// AddSamples places samples starting at RTP timestamp rtpStart into
// the live buffer (spec §4.4). Samples landing before the live
// buffer's start are dropped (there is no earlier minute to place
// them in); samples landing at or past the buffer's end cause a flush
// and the creation of the next minute, repeating until the whole
// block is placed. arrivalWallClock seeds the new minute's
// WallClockAtStart if a boundary crossing happens mid-call.
func (w *Writer) AddSamples(rtpStart uint32, iq []complex64, arrivalWallClock time.Time) {
	if !w.started {
		return
	}
	for len(iq) > 0 {
		offset := rtpio.TimestampDelta(w.rtpStart, rtpStart)
		total := w.total()

		if offset < 0 {
			drop := -offset
			if drop > int64(len(iq)) {
				drop = int64(len(iq))
			}
			w.DroppedSamples += uint64(drop)
			iq = iq[drop:]
			rtpStart += uint32(drop)
			continue
		}

		if offset >= total {
			nextBoundary := w.boundary.Add(60 * time.Second)
			nextRTPStart := w.rtpStart + uint32(total)
			w.flushLocked()
			w.createMinute(nextBoundary, nextRTPStart, arrivalWallClock)
			continue
		}

		n := int64(len(iq))
		if offset+n > total {
			n = total - offset
		}
		w.writeSpan(offset, iq[:n])
		iq = iq[n:]
		rtpStart += uint32(n)
	}
}

func (w *Writer) writeSpan(offset int64, chunk []complex64) {
	i := int64(0)
	for i < int64(len(chunk)) {
		overlapped := w.filled[offset+i]
		j := i
		for j < int64(len(chunk)) && w.filled[offset+j] == overlapped {
			j++
		}
		for k := i; k < j; k++ {
			w.buf[offset+k] = chunk[k]
			w.filled[offset+k] = true
		}
		if overlapped {
			w.discs = append(w.discs, discontinuity.NewSyncAdjust(
				w.wallClock, int(offset+i), -(j - i),
				fmt.Sprintf("overlap of %d samples at offset %d, later sample wins", j-i, offset+i),
			))
		}
		i = j
	}
}

// AddDiscontinuity appends a discontinuity record to the live minute,
// in the time order the channel processor observed it (spec §3
// invariant 4: additive-only).
func (w *Writer) AddDiscontinuity(rec discontinuity.Record) {
	if !w.started {
		return
	}
	w.discs = append(w.discs, rec)
}

// UpdateTimeSnapPending schedules snap to become the active time-snap
// at the next Flush. Only the first call within a given minute takes
// effect (single-assignment per minute, spec §4.4), matching the
// boundary-aligned update rule of spec §9.
func (w *Writer) UpdateTimeSnapPending(snap *timesnap.Snap) {
	if w.pendingSnapSet {
		return
	}
	w.pendingSnap = snap
	w.pendingSnapSet = true
}

// Flush writes the live minute to disk and discards the buffer. It is
// exported for the channel processor's shutdown path (spec §5
// "flushes its in-progress minute as a short minute").
func (w *Writer) Flush() error {
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if !w.started {
		return nil
	}

	m := archive.Minute{
		ChannelName:         w.cfg.ChannelName,
		SSRC:                w.cfg.SSRC,
		FrequencyHz:         w.cfg.FrequencyHz,
		SampleRate:          w.cfg.SampleRate,
		MinuteBoundaryUTC:   w.boundary,
		RTPTimestampAtStart: w.rtpStart,
		WallClockAtStart:    w.wallClock,
		NTPOffsetMs:         w.cfg.NTP(),
		IQ:                  w.buf,
		Discontinuities:     w.discs,
	}
	if w.cfg.SnapHolder != nil {
		m.TimeSnap = w.cfg.SnapHolder.Load()
	}

	var err error
	for attempt := 0; attempt < flushRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(flushRetryDelay)
		}
		if err = w.cfg.WriteFile(w.cfg.ArchiveDir, m); err == nil {
			break
		}
		w.cfg.Log.Warn().Err(err).Int("attempt", attempt+1).Msg("minute flush failed, retrying")
	}

	if err != nil {
		w.cfg.Log.Error().Err(err).Time("boundary", w.boundary).Msg("minute flush permanently failed, dropping minute")
		loss := discontinuity.NewGap(w.wallClock, 0, w.total(), w.rtpStart, w.rtpStart+uint32(w.total()),
			fmt.Sprintf("minute starting %s lost: %v", w.boundary.UTC().Format(time.RFC3339), err))
		w.carriedLossGap = &loss
		return err
	}

	if w.pendingSnapSet {
		w.cfg.SnapHolder.Store(w.pendingSnap)
		w.pendingSnap = nil
		w.pendingSnapSet = false
	}

	if w.onFlush != nil {
		w.onFlush(m)
	}
	return nil
}

// Shutdown flushes whatever has been written so far as a short minute,
// recording a gap discontinuity for the undelivered tail (spec §5
// Cancellation semantics). now is used as the wall-clock stamp for
// that synthetic gap.
func (w *Writer) Shutdown(now time.Time) error {
	if !w.started {
		return nil
	}
	writtenUpTo := int64(0)
	for i := len(w.filled) - 1; i >= 0; i-- {
		if w.filled[i] {
			writtenUpTo = int64(i) + 1
			break
		}
	}
	remaining := w.total() - writtenUpTo
	if remaining > 0 {
		w.discs = append(w.discs, discontinuity.NewGap(
			now, int(writtenUpTo), remaining,
			w.rtpStart+uint32(writtenUpTo), w.rtpStart+uint32(w.total()),
			"short minute at shutdown: tail never delivered",
		))
	}
	return w.flushLocked()
}
