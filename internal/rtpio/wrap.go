package rtpio

// SeqDelta returns b-a as a signed 16-bit difference, the wraparound-safe
// way to compare RTP sequence numbers. Based on the same udelta technique
// RFC 3550 Appendix A.2 uses for sequence tracking.
func SeqDelta(a, b uint16) int32 {
	return int32(int16(b - a))
}

// TimestampDelta returns b-a as a signed 32-bit difference, the
// wraparound-safe way to compare RTP timestamps across the ~74.5h
// rollover at 16kHz.
func TimestampDelta(a, b uint32) int64 {
	return int64(int32(b - a))
}

// TimestampBefore reports whether a is strictly before b in modular
// arithmetic, assuming neither is more than 2^31 samples away from the
// other (true for any realistic gap in this system).
func TimestampBefore(a, b uint32) bool {
	return TimestampDelta(a, b) > 0
}
