// Package minutereader implements the sequential, timestamp-ordered
// consumption of one channel's minute archive directory (spec §4.9):
// persisted last-processed-minute state across restarts, bounded
// backfill, and session-boundary detection from a non-contiguous
// rtp_timestamp_at_start.
package minutereader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
	"github.com/rs/zerolog"
)

// Config configures a Reader for one channel's archive directory.
type Config struct {
	ArchiveDir  string
	SSRC        uint32
	StateFile   string
	SampleRate  uint32
	// MaxBackfillMinutes bounds how many historical minutes a single
	// Poll will replay, per spec §4.9's "bounded to prevent unbounded
	// reprocessing" (supplemented as a configurable knob: SPEC_FULL §5).
	MaxBackfillMinutes int
	Log                zerolog.Logger
}

// persistedState is the on-disk, atomically-rewritten bookmark.
type persistedState struct {
	LastProcessedUnix int64  `json:"last_processed_unix"`
	LastRTPEnd        uint32 `json:"last_rtp_end"`
	HasLast           bool   `json:"has_last"`
}

// Reader sequentially consumes one channel's archive directory.
type Reader struct {
	cfg Config

	lastProcessed time.Time
	lastRTPEnd    uint32
	hasLast       bool

	scheduler gocron.Scheduler
}

// New constructs a Reader, loading any persisted state file.
func New(cfg Config) (*Reader, error) {
	if cfg.MaxBackfillMinutes <= 0 {
		cfg.MaxBackfillMinutes = 1440 // one day, a sane default bound
	}
	r := &Reader{cfg: cfg}
	if err := r.loadState(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) loadState() error {
	if r.cfg.StateFile == "" {
		return nil
	}
	raw, err := os.ReadFile(r.cfg.StateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("minutereader: read state file: %w", err)
	}
	var s persistedState
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("minutereader: parse state file: %w", err)
	}
	if s.HasLast {
		r.lastProcessed = time.Unix(s.LastProcessedUnix, 0).UTC()
		r.lastRTPEnd = s.LastRTPEnd
		r.hasLast = true
	}
	return nil
}

func (r *Reader) saveState() error {
	if r.cfg.StateFile == "" {
		return nil
	}
	s := persistedState{
		LastProcessedUnix: r.lastProcessed.Unix(),
		LastRTPEnd:        r.lastRTPEnd,
		HasLast:           r.hasLast,
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp := r.cfg.StateFile + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("minutereader: write state file: %w", err)
	}
	return os.Rename(tmp, r.cfg.StateFile)
}

// Segment is one minute handed to analytics, annotated with whether it
// opens a new RTP session (spec §4.9/§9).
type Segment struct {
	Minute          archive.Minute
	SessionBoundary bool
}

// Poll lists the archive directory, returns every not-yet-processed
// minute in UTC order (bounded by MaxBackfillMinutes), and advances
// the persisted bookmark. A gap in rtp_timestamp_at_start relative to
// the previous minute marks a SessionBoundary, per spec §4.9.
func (r *Reader) Poll() ([]Segment, error) {
	files, err := r.listOrdered()
	if err != nil {
		return nil, err
	}

	var out []Segment
	for _, f := range files {
		if r.hasLast && !f.boundary.After(r.lastProcessed) {
			continue
		}

		m, err := archive.ReadMinuteFile(f.path)
		if err != nil {
			r.cfg.Log.Error().Err(err).Str("file", f.path).Msg("corrupt archive, skipping and marking session boundary")
			out = append(out, Segment{SessionBoundary: true})
			r.hasLast = false
			continue
		}

		boundary := false
		if r.hasLast {
			expected := r.lastRTPEnd
			if rtpio.TimestampDelta(expected, m.RTPTimestampAtStart) != 0 {
				boundary = true
			}
		} else {
			boundary = true
		}

		out = append(out, Segment{Minute: m, SessionBoundary: boundary})

		r.lastProcessed = m.MinuteBoundaryUTC
		r.lastRTPEnd = m.RTPTimestampAtStart + m.SampleRate*60
		r.hasLast = true

		if len(out) >= r.cfg.MaxBackfillMinutes {
			break
		}
	}

	if len(out) > 0 {
		if err := r.saveState(); err != nil {
			return out, err
		}
	}
	return out, nil
}

type orderedFile struct {
	path     string
	boundary time.Time
}

func (r *Reader) listOrdered() ([]orderedFile, error) {
	entries, err := os.ReadDir(r.cfg.ArchiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("minutereader: list %s: %w", r.cfg.ArchiveDir, err)
	}

	suffix := fmt.Sprintf("_%d_iq.avro", r.cfg.SSRC)
	var out []orderedFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		ts := strings.TrimSuffix(e.Name(), suffix)
		boundary, err := time.Parse("20060102T150405Z", ts)
		if err != nil {
			continue
		}
		out = append(out, orderedFile{path: filepath.Join(r.cfg.ArchiveDir, e.Name()), boundary: boundary})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].boundary.Before(out[j].boundary) })
	return out, nil
}

// Start begins polling every 5 seconds via a gocron scheduler (same
// scheduler shape as internal/ntpmon), invoking onSegments with
// whatever Poll returns each tick.
func (r *Reader) Start(ctx context.Context, onSegments func([]Segment)) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	r.scheduler = s

	_, err = s.NewJob(
		gocron.DurationJob(5*time.Second),
		gocron.NewTask(func() {
			segs, err := r.Poll()
			if err != nil {
				r.cfg.Log.Error().Err(err).Msg("minutereader poll failed")
				return
			}
			if len(segs) > 0 {
				onSegments(segs)
			}
		}),
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
func (r *Reader) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}
