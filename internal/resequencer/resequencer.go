// Package resequencer implements the per-channel circular reorder
// buffer of spec §4.2: packets arrive in whatever order the network
// delivers them and are handed to the channel processor in strict RTP
// sequence order, with a reorder horizon of 64 packets and zero-fill
// insertion driven by RTP timestamp gaps rather than sequence gaps.
package resequencer

import (
	"sort"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
)

const (
	numSlots   = 64
	jumpHorizon = 32
)

// Delivery is one packet (or synthetic zero-fill run immediately ahead
// of it) handed to the channel processor, strictly in RTP sequence
// order.
type Delivery struct {
	Sequence     uint16
	RTPTimestamp uint32 // timestamp of the first real sample in IQ
	IQ           []complex64
	GapSamples   int64 // zero samples the resequencer inserted immediately before IQ
	Arrival      time.Time
	Flushed      bool // true if this delivery is part of a forced horizon flush
}

// Resync describes a forced resequencer resync: the sequence gap from
// the drain point exceeded the jump horizon, so all buffered packets
// were flushed and the drain point jumped to the arriving packet.
type Resync struct {
	OldExpectedSeq uint16
	OldExpectedRTP uint32
	NewSeq         uint16
	NewRTPTimestamp uint32
}

// Stats are the resequencer's cumulative counters.
type Stats struct {
	Duplicates uint64
	LateDrops  uint64
	Resyncs    uint64
}

type slot struct {
	occupied bool
	seq      uint16
	pkt      rtpio.Packet
	arrival  time.Time
}

// Resequencer is not safe for concurrent use; it is driven by a single
// channel-processor goroutine per spec §5.
type Resequencer struct {
	slots [numSlots]slot

	initialized bool
	expectedSeq uint16
	expectedRTP uint32

	stats Stats

	OnDeliver   func(Delivery)
	OnResync    func(Resync)
	OnDuplicate func()
	OnLateDrop  func()
}

// New constructs a Resequencer. OnDeliver is called once per in-order
// packet (with any zero-fill folded into GapSamples); OnResync is
// called once per forced horizon jump, before the flushed deliveries.
func New() *Resequencer {
	return &Resequencer{}
}

func (r *Resequencer) Stats() Stats { return r.stats }

// Arrive processes one packet arriving from the network (or replayed
// in tests) in whatever order it shows up.
func (r *Resequencer) Arrive(pkt rtpio.Packet, arrival time.Time) {
	if !r.initialized {
		r.expectedSeq = pkt.Sequence
		r.expectedRTP = pkt.Timestamp
		r.initialized = true
	}

	idx := pkt.Sequence % numSlots
	if r.slots[idx].occupied {
		// The slot is still holding unconsumed data: either this is a
		// retransmission of a sequence that is still buffered, or the
		// ring has wrapped onto data from a different era. Either way
		// there is no room for it.
		r.stats.Duplicates++
		if r.OnDuplicate != nil {
			r.OnDuplicate()
		}
		return
	}

	gap := rtpio.SeqDelta(r.expectedSeq, pkt.Sequence)
	if gap < 0 && -gap < numSlots {
		// Already drained, but less than 64 packets behind the drain
		// point: a retransmission of a packet delivered moments ago
		// counts as a duplicate.
		r.stats.Duplicates++
		if r.OnDuplicate != nil {
			r.OnDuplicate()
		}
		return
	}
	if gap < 0 {
		// Arrived after the reorder horizon had already moved past it.
		// Resolved per spec §9 Open Question: drop + counter, no flush.
		r.stats.LateDrops++
		if r.OnLateDrop != nil {
			r.OnLateDrop()
		}
		return
	}

	if gap > jumpHorizon {
		r.flushAndResync(pkt)
		return
	}

	r.slots[idx] = slot{occupied: true, seq: pkt.Sequence, pkt: clonePacket(pkt), arrival: arrival}
	r.drain()
}

func (r *Resequencer) flushAndResync(arriving rtpio.Packet) {
	r.stats.Resyncs++
	if r.OnResync != nil {
		r.OnResync(Resync{
			OldExpectedSeq:  r.expectedSeq,
			OldExpectedRTP:  r.expectedRTP,
			NewSeq:          arriving.Sequence,
			NewRTPTimestamp: arriving.Timestamp,
		})
	}

	type occ struct {
		s    slot
		dist int32
	}
	occupied := make([]occ, 0, numSlots)
	for i := range r.slots {
		if r.slots[i].occupied {
			occupied = append(occupied, occ{s: r.slots[i], dist: rtpio.SeqDelta(r.expectedSeq, r.slots[i].seq)})
		}
	}
	sort.Slice(occupied, func(i, j int) bool { return occupied[i].dist < occupied[j].dist })

	for _, o := range occupied {
		if r.OnDeliver != nil {
			r.OnDeliver(Delivery{
				Sequence:     o.s.seq,
				RTPTimestamp: o.s.pkt.Timestamp,
				IQ:           o.s.pkt.IQ,
				Arrival:      o.s.arrival,
				Flushed:      true,
			})
		}
	}

	r.slots = [numSlots]slot{}
	r.expectedSeq = arriving.Sequence
	r.expectedRTP = arriving.Timestamp
	// Re-enqueue the packet that triggered the jump as the new baseline.
	idx := arriving.Sequence % numSlots
	r.slots[idx] = slot{occupied: true, seq: arriving.Sequence, pkt: clonePacket(arriving), arrival: time.Now()}
	r.drain()
}

func (r *Resequencer) drain() {
	for {
		idx := r.expectedSeq % numSlots
		s := r.slots[idx]
		if !s.occupied || s.seq != r.expectedSeq {
			return
		}

		gapSamples := rtpio.TimestampDelta(r.expectedRTP, s.pkt.Timestamp)
		if gapSamples < 0 {
			gapSamples = 0
		}

		if r.OnDeliver != nil {
			r.OnDeliver(Delivery{
				Sequence:     s.seq,
				RTPTimestamp: s.pkt.Timestamp,
				IQ:           s.pkt.IQ,
				GapSamples:   gapSamples,
				Arrival:      s.arrival,
			})
		}

		r.expectedRTP = s.pkt.Timestamp + uint32(len(s.pkt.IQ))
		r.expectedSeq++
		r.slots[idx] = slot{}
	}
}

// Flush delivers every occupied slot in sequence order and clears the
// buffer. Used on shutdown (spec §4.2 "Cancellation") so no buffered
// packet is silently lost.
func (r *Resequencer) Flush() {
	type occ struct {
		s    slot
		dist int32
	}
	occupied := make([]occ, 0, numSlots)
	for i := range r.slots {
		if r.slots[i].occupied {
			occupied = append(occupied, occ{s: r.slots[i], dist: rtpio.SeqDelta(r.expectedSeq, r.slots[i].seq)})
		}
	}
	sort.Slice(occupied, func(i, j int) bool { return occupied[i].dist < occupied[j].dist })

	for _, o := range occupied {
		if r.OnDeliver != nil {
			r.OnDeliver(Delivery{
				Sequence:     o.s.seq,
				RTPTimestamp: o.s.pkt.Timestamp,
				IQ:           o.s.pkt.IQ,
				Arrival:      o.s.arrival,
				Flushed:      true,
			})
		}
	}
	r.slots = [numSlots]slot{}
}

func clonePacket(pkt rtpio.Packet) rtpio.Packet {
	cp := rtpio.Packet{Sequence: pkt.Sequence, Timestamp: pkt.Timestamp, SSRC: pkt.SSRC}
	cp.IQ = make([]complex64, len(pkt.IQ))
	copy(cp.IQ, pkt.IQ)
	return cp
}
