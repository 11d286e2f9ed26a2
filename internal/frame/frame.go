package frame

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Header is one name/value pair. Names are always compared case-
// insensitively; Frame.Get lowercases on lookup, matching the decoder's
// "header names lowercased on decode" rule.
type Header struct {
	Name  string
	Value []byte
}

// Frame is the decoded form of one wire message (§3: "Frame (decoded)").
type Frame struct {
	Flags   uint16
	Type    uint16
	Headers []Header
	Body    []byte
}

// Get returns the value of the last header with the given name (duplicate
// names: last wins, per §4.2).
func (f *Frame) Get(name string) ([]byte, bool) {
	name = strings.ToLower(name)
	var (
		val   []byte
		found bool
	)
	for _, h := range f.Headers {
		if h.Name == name {
			val, found = h.Value, true
		}
	}
	return val, found
}

// Set appends a header, overwriting any previous value with the same name
// is NOT performed here — callers building outbound frames are expected to
// set each header exactly once, in the minimal-form's required order.
func (f *Frame) Set(name string, value []byte) {
	f.Headers = append(f.Headers, Header{Name: strings.ToLower(name), Value: value})
}

// EncodeUint renders n as the minimum number of big-endian bytes that can
// hold it (at least one byte, for n == 0).
func EncodeUint(n uint64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// DecodeUint parses up to 8 big-endian bytes into a uint64. Longer inputs
// are a decode error; the caller enforces any additional max-length
// constraint (e.g. compressor IDs are ≤8 bytes by construction already).
func DecodeUint(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, fmt.Errorf("frame: numeric field too long (%d bytes)", len(b))
	}
	var buf [8]byte
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf[:]), nil
}
