package trainer

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// StaticProvider is a reference DictionaryProvider (§6): GetCompressionDictionaryByID
// serves a small set of operator-configured preset dictionaries, and the
// two TrainXWatermark methods build a raw dictionary by concatenating every
// sample in the order given; no sample is selected or dropped and the
// result is not capped at any maximum size. This is a content-sampling
// heuristic, not the full zstd ZDICT entropy-table trainer (which
// klauspost/compress/zstd does not expose). Each candidate is checked by
// constructing a zstd decoder with it, and is returned as an error when
// the decoder rejects it; no data is compressed or decompressed with it.
type StaticProvider struct {
	mu      sync.RWMutex
	presets map[uint64][]byte
	level   int
}

// NewStaticProvider builds a StaticProvider with no presets registered.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{presets: make(map[uint64][]byte), level: int(zstd.SpeedDefault)}
}

// RegisterPreset makes dict available under id for GetCompressionDictionaryByID.
// Intended for operator-supplied dictionaries loaded at startup.
func (p *StaticProvider) RegisterPreset(id uint64, dict []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presets[id] = dict
}

// GetCompressionDictionaryByID implements trainer.Provider.
func (p *StaticProvider) GetCompressionDictionaryByID(id uint64) ([]byte, int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dict, ok := p.presets[id]
	return dict, p.level, ok
}

// TrainLowWatermark implements trainer.Provider.
func (p *StaticProvider) TrainLowWatermark(samples [][]byte) ([]byte, int, error) {
	return p.buildFromSamples(samples)
}

// TrainHighWatermark implements trainer.Provider.
func (p *StaticProvider) TrainHighWatermark(samples [][]byte) ([]byte, int, error) {
	return p.buildFromSamples(samples)
}

func (p *StaticProvider) buildFromSamples(samples [][]byte) ([]byte, int, error) {
	if len(samples) == 0 {
		return nil, 0, fmt.Errorf("trainer: no samples to build dictionary from")
	}

	var dict []byte
	for _, s := range samples {
		dict = append(dict, s...)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderDicts(dict))
	if err != nil {
		return nil, 0, fmt.Errorf("trainer: candidate dictionary rejected: %w", err)
	}
	dec.Close()

	return dict, p.level, nil
}
