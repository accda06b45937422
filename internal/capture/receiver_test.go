package capture

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn replays a fixed sequence of datagrams, then blocks until
// closed, the way a real socket blocks on ReadFromUDP between packets.
type fakeConn struct {
	mu     sync.Mutex
	datagrams [][]byte
	closed bool
	closeCh chan struct{}
}

func newFakeConn(datagrams [][]byte) *fakeConn {
	return &fakeConn{datagrams: datagrams, closeCh: make(chan struct{})}
}

func (f *fakeConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	f.mu.Lock()
	if len(f.datagrams) > 0 {
		d := f.datagrams[0]
		f.datagrams = f.datagrams[1:]
		f.mu.Unlock()
		n := copy(b, d)
		return n, nil, nil
	}
	f.mu.Unlock()

	<-f.closeCh
	return 0, nil, net.ErrClosed
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func samplePacket(seq uint16, ts uint32, n int) rtpio.Packet {
	iq := make([]complex64, n)
	for i := range iq {
		iq[i] = complex(float32(i), -float32(i))
	}
	return rtpio.Packet{Sequence: seq, Timestamp: ts, SSRC: 42, IQ: iq}
}

func TestReceiverDeliversParsedPackets(t *testing.T) {
	raw0, err := rtpio.Marshal(111, samplePacket(0, 0, 4))
	require.NoError(t, err)
	raw1, err := rtpio.Marshal(111, samplePacket(1, 4, 4))
	require.NoError(t, err)

	conn := newFakeConn([][]byte{raw0, raw1})
	r := newReceiver(conn, "wwv10", 4, zerolog.Nop())

	var mu sync.Mutex
	var got []rtpio.Packet
	r.OnPacket = func(pkt rtpio.Packet, at time.Time) {
		mu.Lock()
		got = append(got, pkt)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, uint16(0), got[0].Sequence)
	assert.Equal(t, uint16(1), got[1].Sequence)
}

func TestReceiverDropsMalformedPacket(t *testing.T) {
	conn := newFakeConn([][]byte{{0x01, 0x02, 0x03}})
	r := newReceiver(conn, "wwv10", 4, zerolog.Nop())

	malformed := make(chan struct{}, 1)
	r.OnMalformed = func(now time.Time, err error) { malformed <- struct{}{} }
	r.OnPacket = func(pkt rtpio.Packet, at time.Time) { t.Fatal("should not deliver a malformed packet") }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-malformed:
	case <-time.After(time.Second):
		t.Fatal("expected OnMalformed callback")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestReceiverOverflowDropsOldest(t *testing.T) {
	var datagrams [][]byte
	for i := 0; i < queueDepth+5; i++ {
		raw, err := rtpio.Marshal(111, samplePacket(uint16(i), uint32(i*4), 4))
		require.NoError(t, err)
		datagrams = append(datagrams, raw)
	}

	conn := newFakeConn(datagrams)
	r := newReceiver(conn, "wwv10", 4, zerolog.Nop())

	// Block dispatch until every datagram has been pushed into the
	// queue, forcing at least one overflow.
	release := make(chan struct{})
	var once sync.Once
	overflowed := make(chan struct{}, 1)
	r.OnOverflow = func(now time.Time, dropped int) {
		once.Do(func() { close(overflowed) })
	}
	r.OnPacket = func(pkt rtpio.Packet, at time.Time) {
		<-release
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-overflowed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one overflow drop")
	}

	close(release)
	cancel()
	require.NoError(t, <-done)
}
