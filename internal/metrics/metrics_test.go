package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/ntpmon"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyQualityToneLocked(t *testing.T) {
	now := time.Now()
	snap := &timesnap.Snap{Station: timesnap.StationWWV, Confidence: 0.8, EstablishedAt: now.Add(-time.Minute)}
	assert.Equal(t, ToneLocked, ClassifyQuality(snap, now, ntpmon.Status{}))
}

func TestClassifyQualityInterpolated(t *testing.T) {
	now := time.Now()
	snap := &timesnap.Snap{Station: timesnap.StationWWV, Confidence: 0.8, EstablishedAt: now.Add(-30 * time.Minute)}
	assert.Equal(t, Interpolated, ClassifyQuality(snap, now, ntpmon.Status{}))
}

func TestClassifyQualityNTPSynced(t *testing.T) {
	now := time.Now()
	assert.Equal(t, NTPSynced, ClassifyQuality(nil, now, ntpmon.Status{Synchronized: true, OffsetMs: 5}))
}

func TestClassifyQualityWallClock(t *testing.T) {
	now := time.Now()
	assert.Equal(t, WallClock, ClassifyQuality(nil, now, ntpmon.Status{Synchronized: false}))
}

func TestCSVWriterWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	w, err := NewCSVWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(Row{UTC: time.Now(), Quality: ToneLocked}))
	require.NoError(t, w.Close())

	w2, err := NewCSVWriter(path)
	require.NoError(t, err)
	require.NoError(t, w2.Append(Row{UTC: time.Now(), Quality: WallClock}))
	require.NoError(t, w2.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, countOccurrences(string(raw), "utc_iso8601"))
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}

func TestJitterRMS(t *testing.T) {
	assert.Equal(t, 0.0, JitterRMS(nil))
	assert.InDelta(t, 5.0, JitterRMS([]float64{5, -5, 5, -5}), 1e-9)
}

func TestPromRegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg)
	p.PacketsReceived.WithLabelValues("wwv10").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
