// Package metrics implements the dual-surface telemetry of spec §4.10:
// the archival per-minute timing CSV and the live Prometheus counters/
// gauges that mirror the same underlying state (SPEC_FULL §4).
package metrics

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/ntpmon"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
)

// Quality is the timing-quality classification of spec §4.10.
type Quality string

const (
	ToneLocked   Quality = "TONE_LOCKED"
	Interpolated Quality = "INTERPOLATED"
	NTPSynced    Quality = "NTP_SYNCED"
	WallClock    Quality = "WALL_CLOCK"
)

const (
	toneLockedWindow   = 5 * time.Minute
	interpolatedWindow = 60 * time.Minute
	ntpSyncThresholdMs = 100.0
)

// ClassifyQuality implements spec §4.10's quality classification,
// independent of anchor age beyond the two named windows.
func ClassifyQuality(snap *timesnap.Snap, now time.Time, ntp ntpmon.Status) Quality {
	if snap != nil && snap.Station != timesnap.StationInitial {
		age := snap.Age(now)
		if snap.Confidence >= 0.6 && age <= toneLockedWindow {
			return ToneLocked
		}
		if age <= interpolatedWindow {
			return Interpolated
		}
	}
	if ntp.Synchronized && absF(ntp.OffsetMs) < ntpSyncThresholdMs {
		return NTPSynced
	}
	return WallClock
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Row is one line of the per-minute timing CSV (spec §4.10 / §6 column
// list).
type Row struct {
	UTC          time.Time
	RTPTimestamp uint32
	WallClock    time.Time
	NTPOffsetMs  *float64
	PredictedUTC float64
	DriftMs      float64
	JitterMsRMS  float64
	Quality      Quality
	DriftPPM     *float64
}

var csvHeader = "utc_iso8601,rtp_timestamp,wall_clock,ntp_offset_ms,predicted_utc,drift_ms,jitter_ms_rms,quality,drift_ppm\n"

// CSVWriter appends timing rows to one channel's CSV file, writing the
// header once if the file is new.
type CSVWriter struct {
	path string
	f    *os.File
}

// NewCSVWriter opens (creating if needed) the CSV file at path for
// appending.
func NewCSVWriter(path string) (*CSVWriter, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metrics: open csv %s: %w", path, err)
	}
	if !existed {
		if _, err := f.WriteString(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("metrics: write csv header: %w", err)
		}
	}
	return &CSVWriter{path: path, f: f}, nil
}

// Append writes one row, flushing immediately so a crash loses at most
// the in-flight row.
func (w *CSVWriter) Append(r Row) error {
	ntpOffset := ""
	if r.NTPOffsetMs != nil {
		ntpOffset = fmt.Sprintf("%.3f", *r.NTPOffsetMs)
	}
	driftPPM := ""
	if r.DriftPPM != nil {
		driftPPM = fmt.Sprintf("%.6f", *r.DriftPPM)
	}

	line := fmt.Sprintf("%s,%d,%s,%s,%.6f,%.3f,%.3f,%s,%s\n",
		r.UTC.UTC().Format(time.RFC3339Nano),
		r.RTPTimestamp,
		r.WallClock.UTC().Format(time.RFC3339Nano),
		ntpOffset,
		r.PredictedUTC,
		r.DriftMs,
		r.JitterMsRMS,
		r.Quality,
		driftPPM,
	)
	if _, err := w.f.WriteString(line); err != nil {
		return fmt.Errorf("metrics: append csv row: %w", err)
	}
	return w.f.Sync()
}

// Close closes the underlying file.
func (w *CSVWriter) Close() error {
	return w.f.Close()
}

// JitterRMS computes the RMS of the last N drift-ms samples (spec
// §4.10's "rms-jitter-ms over last N samples").
func JitterRMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += s * s
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}
