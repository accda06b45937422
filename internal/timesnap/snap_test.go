package timesnap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUTCConversion(t *testing.T) {
	snap := &Snap{
		RTPAnchor:  1000,
		UTCAnchor:  60.0,
		SampleRate: 16000,
	}

	assert.InDelta(t, 60.0, snap.UTC(1000), 1e-9)
	assert.InDelta(t, 61.0, snap.UTC(1000+16000), 1e-9)
	assert.InDelta(t, 59.0, snap.UTC(1000-16000), 1e-9)
}

func TestUTCConversionWraparound(t *testing.T) {
	anchorRTP := uint32(1<<32 - 8000)
	snap := &Snap{
		RTPAnchor:  anchorRTP,
		UTCAnchor:  120.0,
		SampleRate: 16000,
	}

	// 16000 samples past the anchor, wrapping through 2^32.
	next := anchorRTP + 16000
	assert.InDelta(t, 121.0, snap.UTC(next), 1e-9)
}

func TestRTPAtRoundTrip(t *testing.T) {
	snap := &Snap{RTPAnchor: 500, UTCAnchor: 30.0, SampleRate: 16000}
	rtp := snap.RTPAt(31.0)
	assert.Equal(t, uint32(500+16000), rtp)
}

func TestTimeSnapLocked(t *testing.T) {
	now := time.Now()
	snap := &Snap{
		Station:       StationWWV,
		Confidence:    0.8,
		EstablishedAt: now.Add(-2 * time.Minute),
	}
	assert.True(t, snap.TimeSnapLocked(now))

	stale := &Snap{
		Station:       StationWWV,
		Confidence:    0.8,
		EstablishedAt: now.Add(-10 * time.Minute),
	}
	assert.False(t, stale.TimeSnapLocked(now))

	var initial *Snap
	assert.False(t, initial.TimeSnapLocked(now))
}
