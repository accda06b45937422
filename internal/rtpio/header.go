// Package rtpio parses and marshals the RTP packets carried by the
// station multiplexer: a bare 12-byte header (no extensions, no padding,
// no CSRC list) followed by a payload of interleaved little-endian
// float32 complex I/Q samples.
package rtpio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/pion/rtp"
)

// ErrMalformed is returned for any packet that does not conform to the
// restricted header profile this system accepts: version must be 2,
// and padding/extension/CSRC bits must be unset.
var ErrMalformed = errors.New("rtpio: malformed packet")

// Packet is one demultiplexed RTP packet carrying complex baseband samples.
type Packet struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
	IQ        []complex64
}

// Parse validates and decodes buf into pkt. samplesPerPacket is the
// expected payload length in complex samples; a payload of any other
// length is rejected as malformed, since the multiplexer's framing is
// fixed-size per channel.
//
// pkt.IQ is reused across calls when it already has the right length,
// to avoid an allocation per packet on the hot path.
func Parse(buf []byte, samplesPerPacket int, pkt *Packet) error {
	var hdr rtp.Header
	n, err := hdr.Unmarshal(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if hdr.Version != 2 {
		return fmt.Errorf("%w: version=%d", ErrMalformed, hdr.Version)
	}
	if hdr.Padding || hdr.Extension || len(hdr.CSRC) > 0 {
		return fmt.Errorf("%w: padding=%v extension=%v csrc=%d", ErrMalformed, hdr.Padding, hdr.Extension, len(hdr.CSRC))
	}

	payload := buf[n:]
	wantBytes := samplesPerPacket * 8 // real+imag float32 each
	if len(payload) != wantBytes {
		return fmt.Errorf("%w: payload %d bytes, want %d", ErrMalformed, len(payload), wantBytes)
	}

	pkt.Sequence = hdr.SequenceNumber
	pkt.Timestamp = hdr.Timestamp
	pkt.SSRC = hdr.SSRC

	if cap(pkt.IQ) < samplesPerPacket {
		pkt.IQ = make([]complex64, samplesPerPacket)
	}
	pkt.IQ = pkt.IQ[:samplesPerPacket]
	for i := 0; i < samplesPerPacket; i++ {
		re := math.Float32frombits(binary.LittleEndian.Uint32(payload[i*8:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(payload[i*8+4:]))
		pkt.IQ[i] = complex(re, im)
	}
	return nil
}

// Marshal encodes pkt as a wire packet with the given RTP payload type.
// It exists for synthetic packet generation in tests and for any tool
// that needs to replay a minute archive as RTP (e.g. for integration
// tests of the resequencer and channel processor).
func Marshal(pt uint8, pkt Packet) ([]byte, error) {
	hdr := rtp.Header{
		Version:        2,
		PayloadType:    pt,
		SequenceNumber: pkt.Sequence,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
	}
	hdrBuf := make([]byte, hdr.MarshalSize())
	n, err := hdr.MarshalTo(hdrBuf)
	if err != nil {
		return nil, err
	}

	out := make([]byte, n+len(pkt.IQ)*8)
	copy(out, hdrBuf[:n])
	for i, s := range pkt.IQ {
		binary.LittleEndian.PutUint32(out[n+i*8:], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(out[n+i*8+4:], math.Float32bits(imag(s)))
	}
	return out, nil
}
