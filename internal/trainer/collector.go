package trainer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Collector accumulates eligible sample payloads into a spill-to-disk
// tempfile as length-prefixed (4-byte big-endian) records (§3: "Collector
// = {started_at, messages, bytes_accumulated, tmpfile}").
type Collector struct {
	Messages         int
	BytesAccumulated uint64
	tmp              *os.File
}

// NewCollector creates a fresh collector backed by a new temp file.
func NewCollector() (*Collector, error) {
	f, err := os.CreateTemp("", "dict-train-*.bin")
	if err != nil {
		return nil, fmt.Errorf("trainer: create collector tempfile: %w", err)
	}
	return &Collector{tmp: f}, nil
}

// Feed appends one sample payload.
func (c *Collector) Feed(payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.tmp.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("trainer: write sample length: %w", err)
	}
	if _, err := c.tmp.Write(payload); err != nil {
		return fmt.Errorf("trainer: write sample body: %w", err)
	}
	c.Messages++
	c.BytesAccumulated += uint64(len(payload))
	return nil
}

// ReadSamples rewinds the tempfile and reads every stored sample back into
// memory, for handing to the training provider.
func (c *Collector) ReadSamples() ([][]byte, error) {
	if _, err := c.tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("trainer: seek collector tempfile: %w", err)
	}

	samples := make([][]byte, 0, c.Messages)
	var lenBuf [4]byte
	for {
		_, err := io.ReadFull(c.tmp, lenBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("trainer: read sample length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(c.tmp, buf); err != nil {
			return nil, fmt.Errorf("trainer: read sample body: %w", err)
		}
		samples = append(samples, buf)
	}
	return samples, nil
}

// Close releases the tempfile. Safe to call on a nil Collector.
func (c *Collector) Close() error {
	if c == nil || c.tmp == nil {
		return nil
	}
	name := c.tmp.Name()
	err := c.tmp.Close()
	os.Remove(name)
	return err
}
