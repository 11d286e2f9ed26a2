package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Tjstretchalot/statefulpubsub/internal/compression"
	"github.com/Tjstretchalot/statefulpubsub/internal/frame"
	"github.com/Tjstretchalot/statefulpubsub/internal/trainer"
)

// watermarkPollInterval bounds how long a dirty trainer can go without a
// CheckWatermarks call when no other traffic is driving the loop, and is
// also the granularity at which the WaitingToRefresh cooldown is noticed.
const watermarkPollInterval = 500 * time.Millisecond

// runOpen registers the session as a fanout receiver and runs the
// cooperative event loop until a fatal error or peer disconnect ends it
// (§4.1 "Open"). Every iteration handles one external event, then drains
// whatever has queued up in unprocessedReceives and pendingSends before
// looping — see the package doc comment for why this port processes those
// queues eagerly instead of modeling a literal fixed-fairness schedule.
func (s *Session) runOpen(ctx context.Context) error {
	s.state = stateOpen

	id, err := s.collab.Hub.RegisterReceiver(s.inbox)
	if err != nil {
		return newResourceUnavailableError(fmt.Errorf("session: registering with fanout hub: %w", err))
	}
	s.receiverID = id
	s.registered = true

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	rawFrames := make(chan []byte, maxInt(s.cfg.WebsocketMaxUnprocessedReceives, 1))
	readErr := make(chan error, 1)
	go s.readLoop(readCtx, rawFrames, readErr)

	var trainerResults <-chan trainer.Result
	if s.trainerSt != nil {
		trainerResults = s.trainerSt.Results()
	}

	ticker := time.NewTicker(watermarkPollInterval)
	defer ticker.Stop()

	for {
		if err := s.stepOpen(ctx, rawFrames, readErr, trainerResults, ticker.C); err != nil {
			return err
		}
	}
}

func (s *Session) stepOpen(
	ctx context.Context,
	rawFrames <-chan []byte,
	readErr <-chan error,
	trainerResults <-chan trainer.Result,
	tick <-chan time.Time,
) error {
	select {
	case <-ctx.Done():
		return newLocalFaultError(ctx.Err())

	case raw := <-rawFrames:
		f, err := frame.Decode(raw, frame.Subscriber)
		if err != nil {
			return newProtocolError(fmt.Errorf("session: decoding frame: %w", err))
		}
		if err := s.unprocessedReceives.Push(f); err != nil {
			return newProtocolError(fmt.Errorf("session: unprocessed_receives overflow: %w", err))
		}

	case err := <-readErr:
		if errors.Is(err, io.EOF) {
			return ErrPeerDisconnect
		}
		return newLocalFaultError(err)

	case d := <-s.inbox:
		if err := s.enqueueDelivery(d); err != nil {
			return err
		}

	case res := <-trainerResults:
		if err := s.handleTrainingResult(ctx, res); err != nil {
			return err
		}

	case <-tick:
		if s.trainerSt != nil && s.trainerSt.Dirty() {
			if err := s.trainerSt.CheckWatermarks(time.Now()); err != nil {
				return newLocalFaultError(fmt.Errorf("session: checking watermarks: %w", err))
			}
		}
	}

	for {
		f, ok := s.unprocessedReceives.Pop()
		if !ok {
			break
		}
		if err := s.processFrame(ctx, f); err != nil {
			return err
		}
	}

	return s.drainPendingSends(ctx)
}

// readLoop is the single goroutine allowed to call Transport.ReadMessage;
// it hands decoded-later raw bytes to the main loop over rawFrames and
// blocks while rawFrames is full. It does not report a peer that exceeds
// unprocessed_receives; such a peer is slowed down, not disconnected.
func (s *Session) readLoop(ctx context.Context, out chan<- []byte, errc chan<- error) {
	for {
		raw, err := s.collab.Transport.ReadMessage(ctx)
		if err != nil {
			select {
			case errc <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- raw:
		case <-ctx.Done():
			return
		}
	}
}

// handleTrainingResult reaps a completed background training call (§4.1
// rule 9, §4.6). A training error is logged and otherwise ignored — it is
// not fatal to the session. The trainer already moved to its next state
// when it spawned the call, so the failed training is not repeated; the
// next call fires when that new state reaches its own watermark.
func (s *Session) handleTrainingResult(ctx context.Context, res trainer.Result) error {
	if res.Err != nil {
		s.logger.Warn().Err(res.Err).Str("watermark", res.Watermark).Msg("dictionary training failed")
		return nil
	}

	maxSize := uint64(s.cfg.CompressionTrainedMaxSize)
	c := compression.PrepareWithDict(ctx, res.DictID, res.Level, res.Dict, s.cfg.CompressionMinSize, maxSize)
	ready, err := c.Ready(ctx)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: preparing trained dictionary %d: %w", res.DictID, err))
	}

	if s.cfg.OutgoingMaxWSMessageSize > 0 {
		probe := &frame.Frame{Type: frame.TypeEnableZstdCustom}
		probe.Set(frame.HeaderIdentifier, frame.EncodeUint(res.DictID))
		probe.Set(frame.HeaderCompressionLevel, frame.EncodeUint(uint64(res.Level)))
		probe.Set(frame.HeaderMinSize, frame.EncodeUint(uint64(s.cfg.CompressionMinSize)))
		probe.Set(frame.HeaderMaxSize, frame.EncodeUint(maxSize))
		wire, werr := frame.Encode(probe, s.cfg.WebsocketMinimalHeaders, frame.Broadcaster)
		if werr != nil {
			return newLocalFaultError(werr)
		}
		headerBytes := len(wire)
		if cerr := compression.ValidateAnnouncementSize(res.Dict, headerBytes, s.cfg.OutgoingMaxWSMessageSize); cerr != nil {
			return newLocalFaultError(fmt.Errorf("session: %w", cerr))
		}
	}

	s.compressors.Rotate(ready)

	announce := &frame.Frame{Type: frame.TypeEnableZstdCustom}
	announce.Set(frame.HeaderIdentifier, frame.EncodeUint(res.DictID))
	announce.Set(frame.HeaderCompressionLevel, frame.EncodeUint(uint64(res.Level)))
	announce.Set(frame.HeaderMinSize, frame.EncodeUint(uint64(s.cfg.CompressionMinSize)))
	announce.Set(frame.HeaderMaxSize, frame.EncodeUint(maxSize))
	announce.Body = res.Dict

	return s.enqueueControlFrame(frame.Broadcaster, announce)
}

// runClosing tears down everything the session registered during Open
// (§4.1 "Closing"): unregister from the fanout hub, decrement every
// subscription counter it had incremented, and release local resources.
// cause is purely informational here (already classified by the caller);
// runClosing never itself fails.
func (s *Session) runClosing(cause error) {
	s.state = stateClosing

	if s.registered {
		for _, topic := range s.subs.ExactTopics() {
			s.collab.Hub.DecrementExact(topic)
		}
		for _, pattern := range s.subs.GlobPatterns() {
			s.collab.Hub.DecrementGlob(pattern)
		}
		s.collab.Hub.UnregisterReceiver(s.receiverID)
		s.registered = false
	}

	if s.trainerSt != nil {
		s.trainerSt.Close()
	}
	if s.compressors != nil {
		for _, c := range []*compression.Compressor{s.compressors.Standard, s.compressors.Active, s.compressors.Last} {
			if c != nil {
				c.Close()
			}
		}
	}
	if s.incoming != nil {
		s.incoming.sp.Close()
		s.incoming = nil
	}

	_ = s.collab.Transport.Close()

	if cause != nil && !errors.Is(cause, ErrPeerDisconnect) {
		s.logger.Warn().Err(cause).Str("state", "closing").Msg("session ended abnormally")
	} else {
		s.logger.Info().Msg("session closed")
	}
}
