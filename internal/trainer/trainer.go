// Package trainer implements the Dictionary Trainer (§4.6): it samples
// eligible payloads into a Collector, and when enough has accumulated,
// spawns a background call into the external DictionaryProvider to train a
// new zstd dictionary, advancing through BeforeLowWatermark ->
// BeforeHighWatermark -> WaitingToRefresh.
package trainer

import (
	"fmt"
	"time"
)

// Kind identifies which of the three TrainingState variants from §3 is
// active.
type Kind int

const (
	BeforeLowWatermark Kind = iota
	BeforeHighWatermark
	WaitingToRefresh
)

// Config mirrors the subset of §6's configuration surface the trainer
// consumes.
type Config struct {
	MinSize         uint32
	TrainedMaxSize  uint32
	LowWatermark    uint64
	HighWatermark   uint64
	RetrainInterval time.Duration
}

// Result is delivered on Trainer.Results() when a background training call
// completes (successfully or not). The session's Open-state loop reaps it
// per §4.1 rule 9 ("any backgrounded task completed ⇒ reap it").
type Result struct {
	DictID    uint64
	Dict      []byte
	Level     int
	Watermark string // "low" or "high", for logging/metrics
	Err       error
}

// Trainer drives the per-session watermark state machine. It is owned by
// exactly one Session and is not safe for concurrent use.
type Trainer struct {
	cfg      Config
	provider Provider

	kind            Kind
	collector       *Collector
	dirty           bool
	lastRefreshedAt time.Time

	nextDictID uint64 // mirrors Session.custom_dict_counter (§3)
	results    chan Result
}

// New starts a Trainer in BeforeLowWatermark with a fresh collector. Per
// §4.6, training is only active when both the connection and the
// broadcaster config allow it; callers that determine training is
// disabled should simply not construct (or should discard) a Trainer.
func New(cfg Config, provider Provider, initialDictCounter uint64) (*Trainer, error) {
	c, err := NewCollector()
	if err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:        cfg,
		provider:   provider,
		kind:       BeforeLowWatermark,
		collector:  c,
		nextDictID: initialDictCounter,
		results:    make(chan Result, 2),
	}, nil
}

// Results exposes the channel the session's select loop polls for
// completed background training tasks.
func (t *Trainer) Results() <-chan Result { return t.results }

// Eligible reports whether a payload of the given length is a training
// sample candidate (§4.6: "only payloads with compression_min_size ≤
// length ≤ compression_trained_max_size are sampled").
func (t *Trainer) Eligible(length int) bool {
	return length >= 0 && uint32(length) >= t.cfg.MinSize && uint32(length) <= t.cfg.TrainedMaxSize
}

// Feed appends an eligible sample to the current collector, if one is
// active (WaitingToRefresh has no live collector), and in either case marks
// the state dirty so the next watermark check re-evaluates it.
func (t *Trainer) Feed(payload []byte) error {
	if t.collector == nil {
		t.dirty = true
		return nil
	}
	if err := t.collector.Feed(payload); err != nil {
		return err
	}
	t.dirty = true
	return nil
}

// Dirty reports whether Feed has been called since the last
// CheckWatermarks call (§4.6: "dirty flag ... avoid re-checking watermarks
// on every loop iteration").
func (t *Trainer) Dirty() bool { return t.dirty }

// CheckWatermarks re-evaluates the state machine and, if a watermark
// fires, spawns the background training call. now is used for the
// WaitingToRefresh cooldown.
func (t *Trainer) CheckWatermarks(now time.Time) error {
	t.dirty = false

	switch t.kind {
	case BeforeLowWatermark:
		if t.collector.BytesAccumulated >= t.cfg.HighWatermark {
			// Skip straight to BeforeHighWatermark (§4.6).
			t.kind = BeforeHighWatermark
			return t.CheckWatermarks(now)
		}
		if t.collector.BytesAccumulated >= t.cfg.LowWatermark {
			return t.fireTraining("low")
		}

	case BeforeHighWatermark:
		if t.collector.BytesAccumulated >= t.cfg.HighWatermark {
			return t.fireTraining("high")
		}

	case WaitingToRefresh:
		if now.Sub(t.lastRefreshedAt) >= t.cfg.RetrainInterval {
			fresh, err := NewCollector()
			if err != nil {
				return err
			}
			t.collector = fresh
			t.kind = BeforeHighWatermark
		}
	}
	return nil
}

// fireTraining reads the collector back, mints a dictionary ID, and spawns
// the background provider call. watermark is "low" or "high" and selects
// which provider method is invoked.
func (t *Trainer) fireTraining(watermark string) error {
	samples, err := t.collector.ReadSamples()
	if err != nil {
		return err
	}

	dictID := t.nextDictID
	t.nextDictID++

	old := t.collector

	switch watermark {
	case "low":
		// §4.6: transition to BeforeHighWatermark with either the same
		// collector retained or a fresh one — this implementation starts
		// fresh (see DESIGN.md Open Question #2) so the high watermark
		// only ever counts bytes accumulated after this point.
		fresh, err := NewCollector()
		if err != nil {
			return err
		}
		t.collector = fresh
		t.kind = BeforeHighWatermark
	case "high":
		t.collector = nil
		t.kind = WaitingToRefresh
		t.lastRefreshedAt = time.Now()
	default:
		return fmt.Errorf("trainer: unknown watermark %q", watermark)
	}
	old.Close()

	go func() {
		var (
			dict  []byte
			level int
			err   error
		)
		if watermark == "low" {
			dict, level, err = t.provider.TrainLowWatermark(samples)
		} else {
			dict, level, err = t.provider.TrainHighWatermark(samples)
		}
		t.results <- Result{DictID: dictID, Dict: dict, Level: level, Watermark: watermark, Err: err}
	}()

	return nil
}

// Close releases the current collector, if any. Called on session
// teardown.
func (t *Trainer) Close() {
	if t.collector != nil {
		t.collector.Close()
		t.collector = nil
	}
}
