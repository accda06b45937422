package minutewriter

import (
	"testing"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSampleRate = 16000

func newTestWriter(t *testing.T, capture *archive.Minute) *Writer {
	t.Helper()
	cfg := Config{
		ChannelName: "wwv10",
		SSRC:        1001,
		FrequencyHz: 10e6,
		SampleRate:  testSampleRate,
		ArchiveDir:  t.TempDir(),
		SnapHolder:  timesnap.NewHolder(nil),
		NTP:         func() *float64 { return nil },
		Log:         zerolog.Nop(),
		WriteFile: func(dir string, m archive.Minute) error {
			*capture = m
			return nil
		},
	}
	return New(cfg, nil)
}

func tone(n int) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		out[i] = complex(1, 0)
	}
	return out
}

// S1 - ideal minute: exactly 60s of samples, no discontinuities.
func TestIdealMinute(t *testing.T) {
	var got archive.Minute
	w := newTestWriter(t, &got)
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Start(boundary, 0, boundary)

	const pktSamples = 320
	total := testSampleRate * 60
	for rtp := 0; rtp < total; rtp += pktSamples {
		w.AddSamples(uint32(rtp), tone(pktSamples), boundary)
	}
	require.NoError(t, w.Flush())

	assert.Len(t, got.IQ, total)
	assert.Equal(t, uint32(0), got.RTPTimestampAtStart)
	assert.Empty(t, got.Discontinuities)
}

// S2 - single packet dropped: a gap discontinuity is expected to be
// recorded by the caller (the channel processor), not the writer
// itself; the writer's job is just to honor the zero-filled samples
// it's handed and to record any overlap it sees.
func TestGapZeroFillLeavesRestIntact(t *testing.T) {
	var got archive.Minute
	w := newTestWriter(t, &got)
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Start(boundary, 0, boundary)

	const pktSamples = 320
	total := testSampleRate * 60
	for rtp := 0; rtp < total; rtp += pktSamples {
		if rtp == 320000 {
			// Represents the resequencer's zero-fill standing in for
			// the dropped packet; the writer just sees zeros here.
			w.AddSamples(uint32(rtp), make([]complex64, pktSamples), boundary)
			continue
		}
		w.AddSamples(uint32(rtp), tone(pktSamples), boundary)
	}
	require.NoError(t, w.Flush())

	assert.Len(t, got.IQ, total)
	for i := 320000; i < 320000+pktSamples; i++ {
		assert.Equal(t, complex64(0), got.IQ[i])
	}
	assert.NotEqual(t, complex64(0), got.IQ[0])
}

// Overlapping coverage (duplicate-style overrun) is recorded as a
// sync-adjust discontinuity with the later sample winning.
func TestOverlapRecordsSyncAdjust(t *testing.T) {
	var got archive.Minute
	w := newTestWriter(t, &got)
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Start(boundary, 0, boundary)

	first := make([]complex64, 100)
	for i := range first {
		first[i] = complex(1, 0)
	}
	second := make([]complex64, 100)
	for i := range second {
		second[i] = complex(2, 0)
	}
	w.AddSamples(0, first, boundary)
	w.AddSamples(50, second, boundary) // overlaps [50,100)
	w.Shutdown(boundary)

	require.Len(t, got.Discontinuities, 2) // sync-adjust + shutdown gap
	assert.Equal(t, "sync-adjust", got.Discontinuities[0].Kind.String())
	assert.Equal(t, complex64(complex(2, 0)), got.IQ[99], "later sample wins")
	assert.Equal(t, complex64(complex(1, 0)), got.IQ[40], "untouched region keeps first sample")
}

// A block that crosses the minute boundary forces a flush and the
// creation of the next minute, with P2's RTP contiguity holding.
func TestCrossingBoundaryFlushesAndContinues(t *testing.T) {
	var firstMinute archive.Minute
	w := newTestWriter(t, &firstMinute)
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	total := testSampleRate * 60
	w.Start(boundary, 0, boundary)

	// One big block spanning past the end of the minute.
	w.AddSamples(0, tone(total+500), boundary.Add(60*time.Second))

	assert.Len(t, firstMinute.IQ, total)
	assert.Equal(t, uint32(0), firstMinute.RTPTimestampAtStart)
}

func TestShutdownRecordsTailGap(t *testing.T) {
	var got archive.Minute
	w := newTestWriter(t, &got)
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Start(boundary, 0, boundary)
	w.AddSamples(0, tone(1000), boundary)

	require.NoError(t, w.Shutdown(boundary.Add(time.Second)))
	require.Len(t, got.Discontinuities, 1)
	assert.Equal(t, "gap", got.Discontinuities[0].Kind.String())
	assert.Equal(t, int64(testSampleRate*60-1000), got.Discontinuities[0].MagnitudeSamples)
}
