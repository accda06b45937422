package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/anchor"
	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/n0ise-hf/wwvhf-capture/internal/decimator"
	"github.com/n0ise-hf/wwvhf-capture/internal/metrics"
	"github.com/n0ise-hf/wwvhf-capture/internal/minutereader"
	"github.com/n0ise-hf/wwvhf-capture/internal/status"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/n0ise-hf/wwvhf-capture/internal/tonedetect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, dir string) *processor {
	t.Helper()
	lf := archive.NewLongFormWriter(dir, "wwv10")
	t.Cleanup(func() { lf.Close() })

	csv, err := metrics.NewCSVWriter(filepath.Join(dir, "wwv10_timing.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { csv.Close() })

	holder := timesnap.NewHolder(nil)
	return &processor{
		channelName: "wwv10",
		sessionID:   "wwv10-test",
		stations:    []tonedetect.Station{tonedetect.StationWWV, tonedetect.StationWWVH},
		holder:      holder,
		mgr:         anchor.New(holder, holderScheduler{holder}, 16000),
		dec:         decimator.New(),
		lf:          lf,
		csv:         csv,
		statusW:     status.NewWriter(dir, "wwv10"),
		prom:        metrics.NewProm(prometheus.NewRegistry()),
		log:         zerolog.Nop(),
	}
}

func silentMinute(boundary time.Time, rtpStart uint32) archive.Minute {
	return archive.Minute{
		ChannelName:         "wwv10",
		SSRC:                1001,
		FrequencyHz:         10e6,
		SampleRate:          16000,
		MinuteBoundaryUTC:   boundary,
		RTPTimestampAtStart: rtpStart,
		WallClockAtStart:    boundary,
		IQ:                  make([]complex64, 16000*60),
	}
}

func TestHandleWritesLongFormAndStatusForEveryMinute(t *testing.T) {
	dir := t.TempDir()
	p := newTestProcessor(t, dir)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.handle([]minutereader.Segment{
		{Minute: silentMinute(base, 0), SessionBoundary: true},
		{Minute: silentMinute(base.Add(time.Minute), 960000)},
	})

	segs, err := archive.ReadLongFormFile(filepath.Join(dir, "wwv10_"+base.Format("20060102T15")+"_longform.avro"))
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.Len(t, segs[0].IQ, 600, "one minute of 16kHz decimates to exactly 600 samples at 10Hz")

	doc, err := status.Read(status.NewWriterPath(dir, "wwv10"))
	require.NoError(t, err)
	require.Equal(t, "wwv10", doc.Channel)
}

func TestSessionBoundaryResetsDecimatorAndDriftState(t *testing.T) {
	dir := t.TempDir()
	p := newTestProcessor(t, dir)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.handle([]minutereader.Segment{{Minute: silentMinute(base, 0)}})
	require.NotEmpty(t, p.prevIQ, "handleOne always records the minute it just processed for the next window")

	// Simulate accumulated drift/detection state as if tones had been
	// qualifying on prior minutes, then assert a session boundary wipes
	// exactly the per-session memory (spec §4.9/§9) without touching
	// the active time-snap.
	p.driftSamplesMs = []float64{1.0, 2.0}

	p.handle([]minutereader.Segment{{Minute: silentMinute(base.Add(10*time.Minute), 99999), SessionBoundary: true}})
	require.Nil(t, p.driftSamplesMs)
	// handleOne still records the boundary minute itself as the new
	// session's first tail, so the very next minute can resume tone
	// detection immediately rather than waiting a further minute.
	require.NotEmpty(t, p.prevIQ)
}
