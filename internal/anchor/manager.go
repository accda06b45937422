// Package anchor implements the per-channel anchor manager of spec
// §4.7: it turns qualifying WWV/CHU tone detections into time-snap
// creation or scheduled updates, applied by the minute writer strictly
// at the next boundary (spec DESIGN NOTES §9), and tracks drift ppm
// between consecutive qualifying detections.
package anchor

import (
	"math"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/n0ise-hf/wwvhf-capture/internal/tonedetect"
)

const (
	// minConfidence is the qualifying threshold for a detection to be
	// used for time-snap creation or update (spec §4.7).
	minConfidence = 0.6
	// driftDeltaThresholdMs triggers a scheduled time-snap update when
	// exceeded (spec §4.7).
	driftDeltaThresholdMs = 50.0
)

// SnapScheduler is the minute writer's pending-update surface (spec
// §4.4's update_time_snap_pending), kept as an interface so the anchor
// manager doesn't need to import minutewriter.
type SnapScheduler interface {
	UpdateTimeSnapPending(snap *timesnap.Snap)
}

// DriftSample is one ppm measurement between two consecutive
// qualifying detections (spec §4.7).
type DriftSample struct {
	At       time.Time
	DeltaMs  float64
	ElapsedS float64
	PPM      float64
}

// Manager is the single active anchor manager for one channel.
type Manager struct {
	holder     *timesnap.Holder
	scheduler  SnapScheduler
	sampleRate uint32

	lastQualifying *tonedetect.Detection
	LastDrift      *DriftSample

	// WWVWWVHDeltaMs is set whenever both WWV and WWVH are detected in
	// the same minute on a WWV-frequency channel: the differential is
	// a propagation-delay observable (spec §4.6).
	WWVWWVHDeltaMs *float64
}

// New constructs a Manager for one channel.
func New(holder *timesnap.Holder, scheduler SnapScheduler, sampleRate uint32) *Manager {
	return &Manager{holder: holder, scheduler: scheduler, sampleRate: sampleRate}
}

// Observe processes every detection reported for one minute. WWVH
// detections are recorded for the differential metric but never
// update the time-snap (spec §4.7, §9 Open Question #2).
func (m *Manager) Observe(dets []tonedetect.Detection) {
	m.WWVWWVHDeltaMs = nil

	var wwv, wwvh *tonedetect.Detection
	for i := range dets {
		switch dets[i].Station {
		case tonedetect.StationWWV:
			wwv = &dets[i]
		case tonedetect.StationWWVH:
			wwvh = &dets[i]
		}
	}
	if wwv != nil && wwvh != nil {
		delta := wwv.RisingEdgeUTC - wwvh.RisingEdgeUTC
		deltaMs := delta * 1000
		m.WWVWWVHDeltaMs = &deltaMs
	}

	for _, d := range dets {
		if d.UseForTimeSnap {
			m.observeQualifying(d)
		}
	}
}

func (m *Manager) observeQualifying(det tonedetect.Detection) {
	if det.Confidence < minConfidence {
		return
	}

	current := m.holder.Load()
	if current == nil || current.Station == timesnap.StationInitial {
		m.establish(det)
		m.lastQualifying = &det
		return
	}

	if m.lastQualifying != nil {
		elapsed := det.RisingEdgeUTC - m.lastQualifying.RisingEdgeUTC
		if elapsed > 0 {
			deltaChangeMs := det.TimingErrorMs - m.lastQualifying.TimingErrorMs
			ppm := (deltaChangeMs / 1000) / elapsed * 1e6
			m.LastDrift = &DriftSample{
				At:       time.Unix(int64(det.RisingEdgeUTC), 0).UTC(),
				DeltaMs:  det.TimingErrorMs,
				ElapsedS: elapsed,
				PPM:      ppm,
			}
		}
	}
	m.lastQualifying = &det

	if abs(det.TimingErrorMs) > driftDeltaThresholdMs {
		m.scheduleUpdate(det)
	}
}

func (m *Manager) establish(det tonedetect.Detection) {
	utcAnchor := math.Round(det.RisingEdgeUTC/60) * 60 // nearest integer minute
	rtpAnchor := uint32(0)
	if current := m.holder.Load(); current != nil {
		rtpAnchor = current.RTPAt(det.RisingEdgeUTC)
	}

	source := timesnap.SourceWWVFirst
	station := timesnap.StationWWV
	if det.Station == tonedetect.StationCHU {
		source = timesnap.SourceCHUFirst
		station = timesnap.StationCHU
	}

	snap := &timesnap.Snap{
		RTPAnchor:     rtpAnchor,
		UTCAnchor:     utcAnchor,
		SampleRate:    m.sampleRate,
		Source:        source,
		Confidence:    det.Confidence,
		Station:       station,
		EstablishedAt: time.Unix(int64(det.RisingEdgeUTC), 0).UTC(),
	}
	m.scheduler.UpdateTimeSnapPending(snap)
}

func (m *Manager) scheduleUpdate(det tonedetect.Detection) {
	current := m.holder.Load()
	utcAnchor := math.Round(det.RisingEdgeUTC/60) * 60
	rtpAnchor := current.RTPAt(det.RisingEdgeUTC)

	source := timesnap.SourceWWVVerified
	station := timesnap.StationWWV
	if det.Station == tonedetect.StationCHU {
		source = timesnap.SourceCHUVerified
		station = timesnap.StationCHU
	}

	snap := &timesnap.Snap{
		RTPAnchor:     rtpAnchor,
		UTCAnchor:     utcAnchor,
		SampleRate:    m.sampleRate,
		Source:        source,
		Confidence:    det.Confidence,
		Station:       station,
		EstablishedAt: time.Unix(int64(det.RisingEdgeUTC), 0).UTC(),
	}
	m.scheduler.UpdateTimeSnapPending(snap)
}

// ResetSession clears the previous-detection memory used for ppm drift
// computation, so a non-contiguous rtp_timestamp_at_start (spec §4.9's
// session-boundary event) never produces a bogus drift sample spanning
// the discontinuity. The active time-snap itself is left alone; a
// capture restart does not necessarily invalidate an already-verified
// anchor.
func (m *Manager) ResetSession() {
	m.lastQualifying = nil
	m.LastDrift = nil
	m.WWVWWVHDeltaMs = nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
