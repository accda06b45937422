package main

import (
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/anchor"
	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/n0ise-hf/wwvhf-capture/internal/decimator"
	"github.com/n0ise-hf/wwvhf-capture/internal/metrics"
	"github.com/n0ise-hf/wwvhf-capture/internal/minutereader"
	"github.com/n0ise-hf/wwvhf-capture/internal/ntpmon"
	"github.com/n0ise-hf/wwvhf-capture/internal/status"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/n0ise-hf/wwvhf-capture/internal/tonedetect"
	"github.com/rs/zerolog"
)

// jitterWindow bounds how many recent drift-ms samples feed the
// rms-jitter-ms column (spec §4.10: "over last N samples").
const jitterWindow = 10

// processor drives one channel's tone detection, anchor refinement,
// decimation and telemetry from the sequence of minute segments the
// minute reader hands it, strictly in order (spec §4.6-§4.10).
type processor struct {
	channelName string
	sessionID   string
	threshold   float64
	stations    []tonedetect.Station

	holder *timesnap.Holder
	mgr    *anchor.Manager
	dec    *decimator.Decimator
	lf     *archive.LongFormWriter
	csv    *metrics.CSVWriter

	statusW *status.Writer
	prom    *metrics.Prom
	nats    *status.Publisher
	log     zerolog.Logger

	prevIQ          []complex64
	prevContiguous  bool
	driftSamplesMs  []float64
	lastDetections  []tonedetect.Detection
}

// handle processes every segment the reader yields, in order. A
// session-boundary segment resets decimator/anchor state per spec
// §4.9/§9 before anything else for that segment is computed.
func (p *processor) handle(segs []minutereader.Segment) {
	for _, seg := range segs {
		if seg.SessionBoundary {
			p.onSessionBoundary()
		}
		if seg.Minute.ChannelName == "" && seg.Minute.IQ == nil {
			// A corrupt-archive session-boundary event carries no minute
			// payload (spec §7 "Archive file corrupt on read").
			continue
		}
		p.handleOne(seg.Minute)
	}
}

func (p *processor) onSessionBoundary() {
	p.dec.Reset()
	p.mgr.ResetSession()
	p.prevIQ = nil
	p.prevContiguous = false
	p.driftSamplesMs = nil
	p.sessionID = p.sessionID + "+"
	p.prom.SessionBoundaries.WithLabelValues(p.channelName).Inc()
	p.log.Info().Msg("session boundary: decimator and drift state reset")
}

func (p *processor) handleOne(m archive.Minute) {
	dets := p.detectTones(m)
	if len(dets) > 0 {
		p.mgr.Observe(dets)
		p.lastDetections = dets
	} else {
		p.lastDetections = nil
	}

	if p.mgr.WWVWWVHDeltaMs != nil {
		p.prom.WWVWWVHDeltaMs.WithLabelValues(p.channelName).Set(*p.mgr.WWVWWVHDeltaMs)
	}
	for _, d := range dets {
		p.prom.ToneConfidence.WithLabelValues(p.channelName, string(d.Station)).Set(d.Confidence)
		p.prom.ToneSNRdB.WithLabelValues(p.channelName, string(d.Station)).Set(d.SNRdB)
	}

	snap := p.holder.Load()
	now := m.WallClockAtStart
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var predictedUTC, driftMs float64
	var driftPPM *float64
	if snap != nil {
		predictedUTC = snap.UTC(m.RTPTimestampAtStart)
		driftMs = (float64(m.WallClockAtStart.UnixNano())/1e9 - predictedUTC) * 1000
		p.driftSamplesMs = append(p.driftSamplesMs, driftMs)
		if len(p.driftSamplesMs) > jitterWindow {
			p.driftSamplesMs = p.driftSamplesMs[len(p.driftSamplesMs)-jitterWindow:]
		}
		if d := p.mgr.LastDrift; d != nil && sameMinute(d.At, m.MinuteBoundaryUTC) {
			ppm := d.PPM
			driftPPM = &ppm
			p.prom.DriftPPM.WithLabelValues(p.channelName).Set(ppm)
		}
		p.prom.TimeSnapAgeSecs.WithLabelValues(p.channelName).Set(snap.Age(now).Seconds())
	}

	ntpStatus := ntpmon.Status{}
	if m.NTPOffsetMs != nil {
		ntpStatus = ntpmon.Status{OffsetMs: *m.NTPOffsetMs, Synchronized: true, LastUpdate: m.WallClockAtStart}
	}
	quality := metrics.ClassifyQuality(snap, now, ntpStatus)

	row := metrics.Row{
		UTC:          m.MinuteBoundaryUTC,
		RTPTimestamp: m.RTPTimestampAtStart,
		WallClock:    m.WallClockAtStart,
		NTPOffsetMs:  m.NTPOffsetMs,
		PredictedUTC: predictedUTC,
		DriftMs:      driftMs,
		JitterMsRMS:  metrics.JitterRMS(p.driftSamplesMs),
		Quality:      quality,
		DriftPPM:     driftPPM,
	}
	if err := p.csv.Append(row); err != nil {
		p.log.Error().Err(err).Msg("append timing csv row failed")
	}

	p.decimateAndWrite(m, quality, snap)
	p.writeStatus(m, snap, ntpStatus)

	p.prevIQ = m.IQ
	p.prevContiguous = true
}

func (p *processor) detectTones(m archive.Minute) []tonedetect.Detection {
	if !p.prevContiguous || len(p.prevIQ) == 0 {
		return nil
	}
	tail := tailSamples(p.prevIQ, int(m.SampleRate)*int(analysisHalfWindow/time.Second))
	head := headSamples(m.IQ, int(m.SampleRate)*int(analysisHalfWindow/time.Second))
	if len(tail) == 0 || len(head) == 0 {
		return nil
	}

	window := make([]complex64, 0, len(tail)+len(head))
	window = append(window, tail...)
	window = append(window, head...)

	boundary := float64(m.MinuteBoundaryUTC.Unix())
	return tonedetect.Detect(window, tonedetect.Options{
		Threshold:         p.threshold,
		WindowStartUTC:    boundary - analysisHalfWindow.Seconds(),
		MinuteBoundaryUTC: boundary,
		Stations:          p.stations,
	})
}

func (p *processor) decimateAndWrite(m archive.Minute, quality metrics.Quality, snap *timesnap.Snap) {
	decimated := p.dec.Process(m.IQ)
	station := ""
	if snap != nil && snap.Station != timesnap.StationInitial {
		station = string(snap.Station)
	}
	seg := archive.LongFormSegment{
		SegmentStartUTC: m.MinuteBoundaryUTC,
		SampleRateHz:    10,
		IQ:              decimated,
		ChannelName:     p.channelName,
		SessionID:       p.sessionID,
		Quality:         string(quality),
		TimeSnapStation: station,
	}
	if err := p.lf.Append(seg); err != nil {
		p.log.Error().Err(err).Msg("append long-form segment failed")
	}
}

func (p *processor) writeStatus(m archive.Minute, snap *timesnap.Snap, ntpStatus ntpmon.Status) {
	var snapStatus *status.TimeSnapStatus
	if snap != nil {
		snapStatus = &status.TimeSnapStatus{
			RTP: snap.RTPAnchor, UTC: snap.UTCAnchor,
			Source: string(snap.Source), Station: string(snap.Station), Confidence: snap.Confidence,
		}
	}

	dets := make([]status.Detection, 0, len(p.lastDetections))
	for _, d := range p.lastDetections {
		sd := status.Detection{
			Station:     string(d.Station),
			FreqHz:      d.ToneFreqHz,
			Confidence:  d.Confidence,
			UsedForSnap: d.UseForTimeSnap,
			RisingEdge:  d.RisingEdgeUTC,
		}
		dets = append(dets, sd)
		if p.nats != nil {
			p.nats.PublishDetection(p.channelName, sd)
		}
	}

	doc := status.Channel{
		Channel:         p.channelName,
		CompletenessPct: 100.0,
		LastPacketAgeS:  time.Since(m.WallClockAtStart).Seconds(),
		TimeSnap:        snapStatus,
		NTP: status.NTPStatus{
			Synced:   ntpStatus.Synchronized,
			OffsetMs: ntpStatus.OffsetMs,
		},
		LastDetections: dets,
		GeneratedAt:    time.Now().UTC(),
	}
	if err := p.statusW.Write(doc); err != nil {
		p.log.Error().Err(err).Msg("write status file failed")
	}
	if p.nats != nil {
		p.nats.PublishChannel(p.channelName, doc)
	}
}

func tailSamples(s []complex64, n int) []complex64 {
	if n > len(s) {
		return nil
	}
	return s[len(s)-n:]
}

func headSamples(s []complex64, n int) []complex64 {
	if n > len(s) {
		return nil
	}
	return s[:n]
}

func sameMinute(a, b time.Time) bool {
	return a.UTC().Truncate(time.Minute).Equal(b.UTC().Truncate(time.Minute))
}
