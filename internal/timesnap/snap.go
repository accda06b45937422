// Package timesnap holds the immutable RTP<->UTC anchor. A Snap is
// never mutated once created: components that need an updated mapping
// receive a new *Snap and atomically swap their pointer to it (spec
// DESIGN NOTES §9), so many readers can use a Snap concurrently without
// taking a lock.
package timesnap

import (
	"math"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
)

// Source identifies how a Snap was established.
type Source string

const (
	SourceInitial      Source = "initial"
	SourceWWVFirst     Source = "wwv-first"
	SourceWWVVerified  Source = "wwv-verified"
	SourceCHUFirst     Source = "chu-first"
	SourceCHUVerified  Source = "chu-verified"
)

// Station identifies the broadcaster behind a Snap, or "initial" before
// any tone has been detected.
type Station string

const (
	StationWWV     Station = "WWV"
	StationCHU     Station = "CHU"
	StationInitial Station = "initial"
)

// Snap is the immutable RTP<->UTC anchor plus provenance.
type Snap struct {
	RTPAnchor    uint32
	UTCAnchor    float64 // seconds since epoch, double precision
	SampleRate   uint32
	Source       Source
	Confidence   float64
	Station      Station
	EstablishedAt time.Time
}

// Initial builds the bootstrap Snap used before any tone has been
// detected: wall clock at capture start, confidence 0.
func Initial(rtpAnchor uint32, sampleRate uint32, wallClockAtStart time.Time) *Snap {
	return &Snap{
		RTPAnchor:     rtpAnchor,
		UTCAnchor:     float64(wallClockAtStart.UnixNano()) / 1e9,
		SampleRate:    sampleRate,
		Source:        SourceInitial,
		Confidence:    0.0,
		Station:       StationInitial,
		EstablishedAt: wallClockAtStart,
	}
}

// UTC converts an RTP timestamp to UTC seconds-since-epoch using the
// anchor, with wraparound-safe modular subtraction over the 32-bit RTP
// timestamp space.
func (s *Snap) UTC(rtp uint32) float64 {
	delta := rtpio.TimestampDelta(s.RTPAnchor, rtp)
	return s.UTCAnchor + float64(delta)/float64(s.SampleRate)
}

// RTPAt returns the RTP timestamp nearest the given UTC instant,
// according to this Snap's anchor. Used to locate the RTP timestamp of
// a detection's rising edge from its UTC time.
func (s *Snap) RTPAt(utc float64) uint32 {
	deltaSeconds := utc - s.UTCAnchor
	deltaSamples := int64(math.Round(deltaSeconds * float64(s.SampleRate)))
	return uint32(int64(s.RTPAnchor) + deltaSamples)
}

// Age returns how long ago this Snap was established or refreshed,
// relative to now.
func (s *Snap) Age(now time.Time) time.Duration {
	return now.Sub(s.EstablishedAt)
}

// TimeSnapLocked reports whether s is fresh enough and confident enough
// to count as "tone locked" per the timing-metrics quality classification
// (spec §4.10): established/verified within the last 5 minutes by a
// WWV/CHU detection of confidence >= 0.6.
func (s *Snap) TimeSnapLocked(now time.Time) bool {
	if s == nil || s.Station == StationInitial {
		return false
	}
	return s.Confidence >= 0.6 && s.Age(now) <= 5*time.Minute
}
