// Package compression implements the Compression Manager (§4.5): up to
// three zstd compressor slots per session (standard/active/last), their
// background preparation, and the announcement of newly ready dictionaries
// to the peer.
package compression

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Reserved and range-boundary dictionary IDs (§4.5, §6).
const (
	DictNone           uint64 = 0
	DictStandard       uint64 = 1
	DictPresetRangeLo  uint64 = 2
	DictPresetRangeHi  uint64 = 65535
	DictCustomRangeLo  uint64 = 65536
	InitialDictCounter uint64 = 65536
)

// Kind distinguishes a preset (operator-supplied) from a custom
// (session-trained) dictionary, which determines which ENABLE_ZSTD_* frame
// type announces it (§4.5).
func Kind(id uint64) string {
	switch {
	case id == DictNone || id == DictStandard:
		return "reserved"
	case id >= DictCustomRangeLo:
		return "custom"
	default:
		return "preset"
	}
}

// Compressor is a single ready-to-use slot: either still preparing in the
// background, or Ready with its encoder/decoder built (§3: "Compressor is
// one of: Preparing{id, future} or Ready{...}").
type Compressor struct {
	ID         uint64
	Level      int
	MinSize    uint32
	MaxSize    uint64 // math.MaxUint64 means "unbounded" per §4.5
	DictBytes  []byte
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder

	// streamOnce/streamDec/streamErr back DecompressStreaming: the streaming
	// decoder is built once (it needs decompression_max_window_size, which
	// DecompressStreaming only learns at call time) and then Reset per call
	// instead of allocated fresh every time.
	streamOnce sync.Once
	streamDec  *zstd.Decoder
	streamErr  error

	// preparing is non-nil while the dictionary is still being built in
	// the background; Ready() blocks on it the first time it's needed.
	preparing <-chan prepareResult
}

type prepareResult struct {
	c   *Compressor
	err error
}

// NewStandard builds the ID-1 "zstd, no custom dict" compressor
// synchronously — there is nothing to train, so no background task is
// needed even though §4.3 describes it as "spawn preparation."
func NewStandard() (*Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: new standard encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: new standard decoder: %w", err)
	}
	return &Compressor{ID: DictStandard, Level: int(zstd.SpeedDefault), MaxSize: maxUint64, encoder: enc, decoder: dec}, nil
}

const maxUint64 = ^uint64(0)

// PrepareWithDict starts a background build of a compressor using dict
// (a preset or freshly trained dictionary). The returned Compressor is in
// "Preparing" state until Ready is called.
func PrepareWithDict(ctx context.Context, id uint64, level int, dict []byte, minSize uint32, maxSize uint64) *Compressor {
	ch := make(chan prepareResult, 1)
	c := &Compressor{ID: id, Level: level, MinSize: minSize, MaxSize: maxSize, DictBytes: dict, preparing: ch}

	go func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderDict(dict), zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
		if err != nil {
			ch <- prepareResult{err: fmt.Errorf("compression: encoder for dict %d: %w", id, err)}
			return
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderDicts(dict))
		if err != nil {
			enc.Close()
			ch <- prepareResult{err: fmt.Errorf("compression: decoder for dict %d: %w", id, err)}
			return
		}
		ready := &Compressor{ID: id, Level: level, MinSize: minSize, MaxSize: maxSize, DictBytes: dict, encoder: enc, decoder: dec}
		select {
		case ch <- prepareResult{c: ready}:
		case <-ctx.Done():
			enc.Close()
			dec.Close()
		}
	}()

	return c
}

// Ready blocks (if necessary) until the compressor has finished preparing
// and returns the concrete, usable instance. Safe to call more than once.
func (c *Compressor) Ready(ctx context.Context) (*Compressor, error) {
	if c.preparing == nil {
		return c, nil
	}
	select {
	case res := <-c.preparing:
		if res.err != nil {
			return nil, res.err
		}
		*c = *res.c
		c.preparing = nil
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsPreparing reports whether the background build has not yet completed.
func (c *Compressor) IsPreparing() bool { return c.preparing != nil }

// Cancel does nothing: an in-flight preparation stops only when the ctx
// passed to PrepareWithDict is cancelled. Manager.Rotate calls it on a Last
// slot that is still Preparing.
func (c *Compressor) Cancel() {
	// The background goroutine in PrepareWithDict selects on the ctx it
	// was given; nothing here reaches that goroutine. Repeat calls are safe.
}

// Close releases the encoder/decoder pair, if built.
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	if c.streamDec != nil {
		c.streamDec.Close()
	}
}

// Compress returns src compressed through this slot's encoder. dst is not
// used.
func (c *Compressor) Compress(dst io.Writer, src []byte) ([]byte, error) {
	if c.encoder == nil {
		return nil, fmt.Errorf("compression: compressor %d not ready", c.ID)
	}
	return c.encoder.EncodeAll(src, nil), nil
}

// DecompressStreaming returns a reader that decompresses src as it is read,
// bounded by maxWindow (§4.5: "Decompression is bounded by
// decompression_max_window_size to defend against decompression bombs").
// The underlying zstd.Decoder is built once per Compressor and Reset for
// each call rather than allocated fresh every time.
func (c *Compressor) DecompressStreaming(src io.Reader, maxWindow int) (io.ReadCloser, error) {
	if c.decoder == nil {
		return nil, fmt.Errorf("compression: compressor %d not ready", c.ID)
	}
	c.streamOnce.Do(func() {
		c.streamDec, c.streamErr = zstd.NewReader(nil, zstd.WithDecoderDicts(c.DictBytes), zstd.WithDecoderMaxWindow(maxWindow))
	})
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	if err := c.streamDec.Reset(src); err != nil {
		return nil, fmt.Errorf("compression: resetting streaming decoder: %w", err)
	}
	return readCloserFunc{r: c.streamDec, close: func() {}}, nil
}

type readCloserFunc struct {
	r     io.Reader
	close func()
}

func (r readCloserFunc) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r readCloserFunc) Close() error                { r.close(); return nil }
