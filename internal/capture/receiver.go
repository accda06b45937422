// Package capture implements the RTP multicast receiver and service
// wiring of spec §4.1/§5: one UDP multicast socket per configured
// channel, a bounded handoff queue decoupling the socket read loop
// from the resequencer/channel-processor pipeline, and the capture
// service that strings receiver -> resequencer -> channel processor ->
// minute writer together per channel with a clean signal-driven
// shutdown.
package capture

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
	"github.com/rs/zerolog"
)

// queueDepth is the bounded handoff queue size between the socket read
// loop and the processing goroutine (spec §4.1: "bounded queue,
// minimum 256 packets").
const queueDepth = 256

// rtpBufSize mirrors the teacher's MTU-sized read buffer; one IQ
// packet never approaches this.
const rtpBufSize = 1500

var packetBufPool = sync.Pool{
	New: func() any { return make([]byte, rtpBufSize) },
}

// arrival is one raw datagram handed from the socket goroutine to the
// processing goroutine, still undecoded so the read loop never blocks
// on RTP parsing.
type arrival struct {
	buf []byte
	n   int
	at  time.Time
}

// udpReader is the subset of *net.UDPConn the receive loop needs;
// narrowing to an interface lets tests drive Run with a fake socket
// instead of real multicast networking.
type udpReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	Close() error
}

// Receiver owns one multicast UDP socket and feeds decoded packets to
// OnPacket, with malformed datagrams dropped and counted rather than
// killing the loop.
type Receiver struct {
	ChannelName      string
	SamplesPerPacket int

	OnPacket   func(pkt rtpio.Packet, arrival time.Time)
	OnOverflow func(now time.Time, dropped int)
	OnMalformed func(now time.Time, err error)

	Log zerolog.Logger

	conn  udpReader
	queue chan arrival
}

// NewReceiver opens (and joins) the multicast socket at group.
func NewReceiver(group *net.UDPAddr, channelName string, samplesPerPacket int, log zerolog.Logger) (*Receiver, error) {
	conn, err := net.ListenMulticastUDP("udp", nil, group)
	if err != nil {
		return nil, fmt.Errorf("capture: listen multicast %s: %w", group, err)
	}
	return newReceiver(conn, channelName, samplesPerPacket, log), nil
}

func newReceiver(conn udpReader, channelName string, samplesPerPacket int, log zerolog.Logger) *Receiver {
	return &Receiver{
		ChannelName:      channelName,
		SamplesPerPacket: samplesPerPacket,
		Log:              log.With().Str("channel", channelName).Logger(),
		conn:             conn,
		queue:            make(chan arrival, queueDepth),
	}
}

// Run reads datagrams until ctx is cancelled. It is meant to be run in
// its own goroutine; the decode/dispatch work happens in a second
// goroutine fed by the bounded queue so a slow downstream pipeline
// sheds load (drop-oldest) instead of stalling the socket.
func (r *Receiver) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.dispatch(ctx)
	}()

	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	for {
		buf := packetBufPool.Get().([]byte)
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				return nil
			default:
			}
			packetBufPool.Put(buf) //nolint:staticcheck
			return fmt.Errorf("capture: read %s: %w", r.ChannelName, err)
		}

		a := arrival{buf: buf, n: n, at: time.Now()}
		select {
		case r.queue <- a:
		default:
			// Bounded queue is full: drop the oldest pending datagram
			// to make room, per spec §4.1's "bounded queue... drop
			// oldest" disposition.
			select {
			case old := <-r.queue:
				packetBufPool.Put(old.buf) //nolint:staticcheck
				if r.OnOverflow != nil {
					r.OnOverflow(a.at, 1)
				}
			default:
			}
			r.queue <- a
		}
	}
}

func (r *Receiver) dispatch(ctx context.Context) {
	var pkt rtpio.Packet
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-r.queue:
			err := rtpio.Parse(a.buf[:a.n], r.SamplesPerPacket, &pkt)
			packetBufPool.Put(a.buf) //nolint:staticcheck
			if err != nil {
				if r.OnMalformed != nil {
					r.OnMalformed(a.at, err)
				}
				r.Log.Warn().Err(err).Msg("dropped malformed packet")
				continue
			}
			if r.OnPacket != nil {
				r.OnPacket(pkt, a.at)
			}
		}
	}
}
