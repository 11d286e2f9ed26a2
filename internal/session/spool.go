package session

import (
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"os"
)

// spool is the spill-to-disk buffer used whenever an in-memory payload
// would exceed message_body_spool_size (§3's "Spool" glossary entry). Below
// the threshold it stays entirely in memory; above it, bytes are written to
// a tempfile as they arrive. Either way a running SHA-512 is maintained so
// integrity verification (§4.3) never requires a second pass over the data.
type spool struct {
	threshold int
	mem       []byte
	file      *os.File
	hasher    hash.Hash
	written   int64
}

func newSpool(threshold int) *spool {
	return &spool{threshold: threshold, hasher: sha512.New()}
}

// Write implements io.Writer so spool can sit at the end of an io.Copy or
// io.TeeReader pipeline (e.g. while decompressing, or while streaming a
// large fanout payload to the peer).
func (s *spool) Write(p []byte) (int, error) {
	s.hasher.Write(p)
	s.written += int64(len(p))

	if s.file == nil && len(s.mem)+len(p) <= s.threshold {
		s.mem = append(s.mem, p...)
		return len(p), nil
	}

	if s.file == nil {
		f, err := os.CreateTemp("", "session-spool-*.bin")
		if err != nil {
			return 0, fmt.Errorf("session: spool tempfile: %w", err)
		}
		if len(s.mem) > 0 {
			if _, err := f.Write(s.mem); err != nil {
				f.Close()
				os.Remove(f.Name())
				return 0, fmt.Errorf("session: spill buffered bytes: %w", err)
			}
			s.mem = nil
		}
		s.file = f
	}

	if _, err := s.file.Write(p); err != nil {
		return 0, fmt.Errorf("session: write spool tempfile: %w", err)
	}
	return len(p), nil
}

// Sum512 returns the running SHA-512 over everything written so far.
func (s *spool) Sum512() [64]byte {
	var out [64]byte
	copy(out[:], s.hasher.Sum(nil))
	return out
}

// Len returns the total number of bytes written.
func (s *spool) Len() int64 { return s.written }

// Reader returns a fresh io.ReadCloser over everything written, positioned
// at the start, for handing to the delivery fanout or to an outbound send.
func (s *spool) Reader() (io.ReadCloser, error) {
	if s.file == nil {
		return io.NopCloser(newBytesReader(s.mem)), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("session: seek spool tempfile: %w", err)
	}
	return s.file, nil
}

// Close releases the backing tempfile, if any.
func (s *spool) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	os.Remove(name)
	return err
}

type bytesReader struct {
	data []byte
	pos  int
}

func newBytesReader(data []byte) *bytesReader { return &bytesReader{data: data} }

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
