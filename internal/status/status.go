// Package status implements the per-minute status JSON file of spec
// §6 plus the HTTP surface referenced in spec §5 ("external readers
// (status endpoint...)"), and an optional NATS publish for the
// external web-dashboard collaborator mentioned in spec §1.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TimeSnapStatus mirrors the embedded time-snap fields of spec §6.
type TimeSnapStatus struct {
	RTP        uint32  `json:"rtp"`
	UTC        float64 `json:"utc"`
	Source     string  `json:"source"`
	Station    string  `json:"station"`
	Confidence float64 `json:"confidence"`
}

// NTPStatus mirrors spec §6's ntp sub-object.
type NTPStatus struct {
	Synced    bool    `json:"synced"`
	OffsetMs  float64 `json:"offset_ms"`
	AgeSecs   float64 `json:"age_s"`
}

// Detection is a tone-detection record surfaced in the status file.
// WWVH detections are included (spec §9 Open Question #2, resolved in
// favor of recording them) and distinguished by Station/UsedForSnap.
type Detection struct {
	Station      string  `json:"station"`
	FreqHz       float64 `json:"tone_freq_hz"`
	Confidence   float64 `json:"confidence"`
	UsedForSnap  bool    `json:"used_for_time_snap"`
	RisingEdge   float64 `json:"rising_edge_utc"`
}

// Channel is the full per-channel status document (spec §6).
type Channel struct {
	Channel             string           `json:"channel"`
	PacketsReceived      uint64           `json:"packets_received"`
	Duplicates           uint64           `json:"duplicates"`
	Gaps                 uint64           `json:"gaps"`
	TotalGapSamples       int64            `json:"total_gap_samples"`
	CompletenessPct       float64          `json:"completeness_pct"`
	LastPacketAgeS        float64          `json:"last_packet_age_s"`
	TimeSnap              *TimeSnapStatus  `json:"time_snap,omitempty"`
	NTP                   NTPStatus        `json:"ntp"`
	LastDetections        []Detection      `json:"last_detections,omitempty"`
	GeneratedAt           time.Time        `json:"generated_at"`
}

// Writer atomically rewrites one channel's status JSON file (spec §6:
// "Per-minute status file (JSON, atomically rewritten)").
type Writer struct {
	path string
}

// NewWriter constructs a Writer for channelName under dir.
func NewWriter(dir, channelName string) *Writer {
	return &Writer{path: NewWriterPath(dir, channelName)}
}

// NewWriterPath returns the path a Writer for channelName under dir
// would use, so callers that only have a directory and channel name
// (e.g. the HTTP status handler, or a test reading back a flush) can
// locate the file without holding the Writer itself.
func NewWriterPath(dir, channelName string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_status.json", channelName))
}

// Write atomically replaces the status file's contents (temp file +
// rename, the same discipline the minute archive uses).
func (w *Writer) Write(c Channel) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("status: mkdir: %w", err)
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("status: write temp: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// Read reads back a previously-written status file, for the HTTP
// surface or tests.
func Read(path string) (Channel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Channel{}, fmt.Errorf("status: read %s: %w", path, err)
	}
	var c Channel
	if err := json.Unmarshal(raw, &c); err != nil {
		return Channel{}, fmt.Errorf("status: parse %s: %w", path, err)
	}
	return c, nil
}
