package minutereader

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMinute(t *testing.T, dir string, boundary time.Time, rtpStart uint32) {
	t.Helper()
	m := archive.Minute{
		ChannelName:         "wwv10",
		SSRC:                1001,
		FrequencyHz:         10e6,
		SampleRate:          16000,
		MinuteBoundaryUTC:   boundary,
		RTPTimestampAtStart: rtpStart,
		WallClockAtStart:    boundary,
		IQ:                  make([]complex64, 16000*60),
	}
	require.NoError(t, archive.WriteMinuteFile(dir, m))
}

func TestPollReturnsMinutesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writeMinute(t, dir, base, 0)
	writeMinute(t, dir, base.Add(time.Minute), 960000)
	writeMinute(t, dir, base.Add(2*time.Minute), 1920000)

	r, err := New(Config{ArchiveDir: dir, SSRC: 1001, SampleRate: 16000, Log: zerolog.Nop()})
	require.NoError(t, err)

	segs, err := r.Poll()
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.True(t, segs[0].SessionBoundary, "the very first minute a fresh reader sees always opens a session")
	assert.False(t, segs[1].SessionBoundary)
	assert.False(t, segs[2].SessionBoundary)

	// a second poll with nothing new returns nothing
	more, err := r.Poll()
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestPollDetectsSessionBoundaryOnRTPGap(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writeMinute(t, dir, base, 0)
	writeMinute(t, dir, base.Add(time.Minute), 5_000_000) // discontiguous rtp

	r, err := New(Config{ArchiveDir: dir, SSRC: 1001, SampleRate: 16000, Log: zerolog.Nop()})
	require.NoError(t, err)

	segs, err := r.Poll()
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.True(t, segs[1].SessionBoundary)
}

func TestStateFilePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state.json")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writeMinute(t, dir, base, 0)

	r1, err := New(Config{ArchiveDir: dir, SSRC: 1001, SampleRate: 16000, StateFile: statePath, Log: zerolog.Nop()})
	require.NoError(t, err)
	_, err = r1.Poll()
	require.NoError(t, err)

	writeMinute(t, dir, base.Add(time.Minute), 960000)
	r2, err := New(Config{ArchiveDir: dir, SSRC: 1001, SampleRate: 16000, StateFile: statePath, Log: zerolog.Nop()})
	require.NoError(t, err)
	segs, err := r2.Poll()
	require.NoError(t, err)
	require.Len(t, segs, 1, "resumed reader should only see the new minute")
}

func TestMaxBackfillBoundsReplay(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		writeMinute(t, dir, base.Add(time.Duration(i)*time.Minute), uint32(i)*960000)
	}

	r, err := New(Config{ArchiveDir: dir, SSRC: 1001, SampleRate: 16000, MaxBackfillMinutes: 2, Log: zerolog.Nop()})
	require.NoError(t, err)
	segs, err := r.Poll()
	require.NoError(t, err)
	assert.Len(t, segs, 2)
}
