package session

// incomingNotification accumulates a multi-part NOTIFY_STREAM (§4.3, §9).
// Part 0 carries the metadata; every later part is pure body bytes that
// get appended to the spool until compressed_length bytes have arrived.
type incomingNotification struct {
	identifier         string
	nextPartID         uint64
	topic              []byte
	compressorID       uint64
	compressedLength   uint64
	decompressedLength uint64
	compressedSHA512   []byte

	sp *spool
}

// complete reports whether exactly compressed_length bytes have arrived.
// overshoot reports whether the running total has exceeded it — a
// ProtocolError in its own right (§4.3), kept distinct from complete so a
// too-long stream is never masked by the later SHA-512 check.
func (n *incomingNotification) complete() bool {
	return uint64(n.sp.Len()) == n.compressedLength
}

func (n *incomingNotification) overshoot() bool {
	return uint64(n.sp.Len()) > n.compressedLength
}
