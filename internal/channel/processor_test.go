package channel

import (
	"testing"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/n0ise-hf/wwvhf-capture/internal/minutewriter"
	"github.com/n0ise-hf/wwvhf-capture/internal/resequencer"
	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tonePacket(n int) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		out[i] = complex(1, 0)
	}
	return out
}

// Feeding a full, in-order minute of packets through the resequencer
// and channel processor should yield exactly one complete minute
// archive with no discontinuities (spec scenario S1).
func TestProcessorIdealMinuteEndToEnd(t *testing.T) {
	var minutes []archive.Minute
	holder := timesnap.NewHolder(nil)
	w := minutewriter.New(minutewriter.Config{
		ChannelName: "wwv10",
		SSRC:        1001,
		FrequencyHz: 10e6,
		SampleRate:  16000,
		ArchiveDir:  t.TempDir(),
		SnapHolder:  holder,
		NTP:         func() *float64 { return nil },
		Log:         zerolog.Nop(),
		WriteFile: func(dir string, m archive.Minute) error {
			minutes = append(minutes, m)
			return nil
		},
	}, nil)

	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	proc := New(Config{
		ChannelName: "wwv10",
		SampleRate:  16000,
		Writer:      w,
		SnapHolder:  holder,
		Log:         zerolog.Nop(),
		Now:         func() time.Time { return boundary },
	})
	// Pin the initial anchor exactly at the minute boundary so the
	// bootstrap lands on rtp=0 without rounding surprises.
	holder.Store(timesnap.Initial(0, 16000, boundary))

	seq := resequencer.New()
	seq.OnDeliver = func(d resequencer.Delivery) { proc.Deliver(d) }

	const pktSamples = 320
	const total = 16000 * 60
	for i := 0; i < total/pktSamples; i++ {
		pkt := rtpio.Packet{
			Sequence:  uint16(i),
			Timestamp: uint32(i * pktSamples),
			SSRC:      1001,
			IQ:        tonePacket(pktSamples),
		}
		seq.Arrive(pkt, boundary)
	}

	require.NoError(t, w.Flush())
	require.Len(t, minutes, 1)
	assert.Len(t, minutes[0].IQ, total)
	assert.Empty(t, minutes[0].Discontinuities)
}

// Out-of-order delivery within the reorder horizon must be invisible
// to the channel processor (spec scenario S3).
func TestProcessorOutOfOrderWithinWindowIsTransparent(t *testing.T) {
	var minutes []archive.Minute
	holder := timesnap.NewHolder(nil)
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	holder.Store(timesnap.Initial(0, 16000, boundary))

	w := minutewriter.New(minutewriter.Config{
		ChannelName: "wwv10",
		SSRC:        1001,
		SampleRate:  16000,
		ArchiveDir:  t.TempDir(),
		SnapHolder:  holder,
		NTP:         func() *float64 { return nil },
		Log:         zerolog.Nop(),
		WriteFile: func(dir string, m archive.Minute) error {
			minutes = append(minutes, m)
			return nil
		},
	}, nil)
	proc := New(Config{ChannelName: "wwv10", SampleRate: 16000, Writer: w, SnapHolder: holder, Log: zerolog.Nop(), Now: func() time.Time { return boundary }})

	seq := resequencer.New()
	seq.OnDeliver = func(d resequencer.Delivery) { proc.Deliver(d) }

	const pktSamples = 320
	order := []int{0, 1, 2, 4, 3} // swap sequences 3 and 4
	for _, i := range order {
		pkt := rtpio.Packet{Sequence: uint16(i), Timestamp: uint32(i * pktSamples), SSRC: 1001, IQ: tonePacket(pktSamples)}
		seq.Arrive(pkt, boundary)
	}

	require.NoError(t, w.Shutdown(boundary))
	require.Len(t, minutes, 1)
	for i := 0; i < pktSamples*5; i++ {
		assert.Equal(t, complex64(complex(1, 0)), minutes[0].IQ[i])
	}
}
