package session

import (
	"bytes"
	"context"
	"crypto/sha512"
	"fmt"
	"io"
	"time"

	"github.com/Tjstretchalot/statefulpubsub/internal/authz"
	"github.com/Tjstretchalot/statefulpubsub/internal/frame"
	"github.com/Tjstretchalot/statefulpubsub/internal/glob"
)

// processFrame dispatches one decoded subscriber->broadcaster frame during
// Open (§4.3). It is the single entry point both the fast path (frame just
// read) and the unprocessedReceives drain loop call.
func (s *Session) processFrame(ctx context.Context, f *frame.Frame) error {
	switch f.Type {
	case frame.TypeConfigure:
		return newProtocolError(fmt.Errorf("session: CONFIGURE only valid before Open"))
	case frame.TypeSubscribeExact:
		return s.handleSubscribeExact(f)
	case frame.TypeSubscribeGlob:
		return s.handleSubscribeGlob(f)
	case frame.TypeUnsubscribeExact:
		return s.handleUnsubscribeExact(f)
	case frame.TypeUnsubscribeGlob:
		return s.handleUnsubscribeGlob(f)
	case frame.TypeNotify:
		return s.handleNotify(ctx, f)
	case frame.TypeNotifyStream:
		return s.handleNotifyStream(ctx, f)
	case frame.TypeContinueReceive:
		return s.handleAck(f, AckContinueReceive)
	case frame.TypeConfirmReceive:
		return s.handleAck(f, AckConfirmReceive)
	default:
		return newProtocolError(fmt.Errorf("session: unknown frame type %d during Open", f.Type))
	}
}

func (s *Session) handleSubscribeExact(f *frame.Frame) error {
	topic, ok := f.Get(frame.HeaderTopic)
	if !ok {
		return newProtocolError(fmt.Errorf("session: SUBSCRIBE_EXACT missing x-topic"))
	}
	auth, _ := f.Get(frame.HeaderAuthorization)

	url, err := s.seq.MintReceive()
	if err != nil {
		return newLocalFaultError(err)
	}
	decision, err := s.collab.Verifier.IsSubscribeExactAllowed(url, topic, time.Now(), auth)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: IsSubscribeExactAllowed: %w", err))
	}
	if decision != authz.Allowed {
		return newAuthRejectedError(fmt.Errorf("session: subscribe_exact %s: %s", string(topic), decision))
	}

	if s.subs.HasExact(topic) {
		return newProtocolError(fmt.Errorf("session: duplicate subscribe_exact %s", string(topic)))
	}

	reply := &frame.Frame{Type: frame.TypeConfirmSubscribeExact}
	reply.Set(frame.HeaderTopic, topic)
	if err := s.enqueueControlFrame(frame.Broadcaster, reply); err != nil {
		return err
	}
	s.subs.AddExact(topic)
	s.collab.Hub.IncrementExact(topic)
	return nil
}

func (s *Session) handleSubscribeGlob(f *frame.Frame) error {
	patternBytes, ok := f.Get(frame.HeaderTopic)
	if !ok {
		return newProtocolError(fmt.Errorf("session: SUBSCRIBE_GLOB missing x-topic"))
	}
	auth, _ := f.Get(frame.HeaderAuthorization)

	pattern, err := glob.Compile(string(patternBytes))
	if err != nil {
		return newProtocolError(fmt.Errorf("session: invalid glob pattern: %w", err))
	}

	url, err := s.seq.MintReceive()
	if err != nil {
		return newLocalFaultError(err)
	}
	decision, err := s.collab.Verifier.IsSubscribeGlobAllowed(url, pattern.String(), time.Now(), auth)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: IsSubscribeGlobAllowed: %w", err))
	}
	if decision != authz.Allowed {
		return newAuthRejectedError(fmt.Errorf("session: subscribe_glob %s: %s", pattern.String(), decision))
	}

	if s.subs.HasGlob(pattern.String()) {
		return newProtocolError(fmt.Errorf("session: duplicate subscribe_glob %s", pattern.String()))
	}

	reply := &frame.Frame{Type: frame.TypeConfirmSubscribeGlob}
	reply.Set(frame.HeaderTopic, patternBytes)
	if err := s.enqueueControlFrame(frame.Broadcaster, reply); err != nil {
		return err
	}
	s.subs.AddGlob(pattern)
	s.collab.Hub.IncrementGlob(pattern.String())
	return nil
}

// handleUnsubscribeExact/Glob mint a receive-side auth URL and check it
// with the same verifier method as the matching subscribe before removing
// the subscription.
func (s *Session) handleUnsubscribeExact(f *frame.Frame) error {
	topic, ok := f.Get(frame.HeaderTopic)
	if !ok {
		return newProtocolError(fmt.Errorf("session: UNSUBSCRIBE_EXACT missing x-topic"))
	}
	auth, _ := f.Get(frame.HeaderAuthorization)
	url, err := s.seq.MintReceive()
	if err != nil {
		return newLocalFaultError(err)
	}
	decision, err := s.collab.Verifier.IsSubscribeExactAllowed(url, topic, time.Now(), auth)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: IsSubscribeExactAllowed: %w", err))
	}
	if decision != authz.Allowed {
		return newAuthRejectedError(fmt.Errorf("session: unsubscribe_exact %s: %s", string(topic), decision))
	}
	if s.subs.HasExact(topic) {
		s.subs.RemoveExact(topic)
		s.collab.Hub.DecrementExact(topic)
	}
	reply := &frame.Frame{Type: frame.TypeConfirmUnsubscribeExact}
	reply.Set(frame.HeaderTopic, topic)
	return s.enqueueControlFrame(frame.Broadcaster, reply)
}

func (s *Session) handleUnsubscribeGlob(f *frame.Frame) error {
	patternBytes, ok := f.Get(frame.HeaderTopic)
	if !ok {
		return newProtocolError(fmt.Errorf("session: UNSUBSCRIBE_GLOB missing x-topic"))
	}
	source := string(patternBytes)
	auth, _ := f.Get(frame.HeaderAuthorization)
	url, err := s.seq.MintReceive()
	if err != nil {
		return newLocalFaultError(err)
	}
	decision, err := s.collab.Verifier.IsSubscribeGlobAllowed(url, source, time.Now(), auth)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: IsSubscribeGlobAllowed: %w", err))
	}
	if decision != authz.Allowed {
		return newAuthRejectedError(fmt.Errorf("session: unsubscribe_glob %s: %s", source, decision))
	}
	if s.subs.HasGlob(source) {
		s.subs.RemoveGlob(source)
		s.collab.Hub.DecrementGlob(source)
	}
	reply := &frame.Frame{Type: frame.TypeConfirmUnsubscribeGlob}
	reply.Set(frame.HeaderTopic, patternBytes)
	return s.enqueueControlFrame(frame.Broadcaster, reply)
}

// handleNotify processes a single-frame NOTIFY (§4.3): verify the
// compressed body's integrity, authorize the publish, decompress, verify
// the decompressed length, forward to the delivery fanout, and (if
// training is enabled) feed the sample to the trainer.
func (s *Session) handleNotify(ctx context.Context, f *frame.Frame) error {
	identifier, ok := f.Get(frame.HeaderIdentifier)
	if !ok || len(identifier) > frame.MaxIdentifierBytes {
		return newProtocolError(fmt.Errorf("session: NOTIFY identifier missing or too long"))
	}
	topic, ok := f.Get(frame.HeaderTopic)
	if !ok {
		return newProtocolError(fmt.Errorf("session: NOTIFY missing x-topic"))
	}
	compressorBytes, _ := f.Get(frame.HeaderCompressor)
	compressorID, err := frame.DecodeUint(compressorBytes)
	if err != nil {
		return newProtocolError(fmt.Errorf("session: NOTIFY x-compressor: %w", err))
	}
	decompressedLenBytes, _ := f.Get(frame.HeaderDecompressedLen)
	decompressedLen, err := frame.DecodeUint(decompressedLenBytes)
	if err != nil {
		return newProtocolError(fmt.Errorf("session: NOTIFY x-decompressed-length: %w", err))
	}
	compressedLenBytes, _ := f.Get(frame.HeaderCompressedLen)
	compressedLen, err := frame.DecodeUint(compressedLenBytes)
	if err != nil {
		return newProtocolError(fmt.Errorf("session: NOTIFY x-compressed-length: %w", err))
	}
	if uint64(len(f.Body)) != compressedLen {
		return newProtocolError(fmt.Errorf("session: NOTIFY %s body length %d != x-compressed-length %d", identifier, len(f.Body), compressedLen))
	}

	expectedSHA, ok := f.Get(frame.HeaderCompressedSHA512)
	if !ok || len(expectedSHA) != 64 {
		return newProtocolError(fmt.Errorf("session: NOTIFY x-compressed-sha512 must be 64 bytes"))
	}

	actualSHA := sha512.Sum512(f.Body)
	if !bytes.Equal(actualSHA[:], expectedSHA) {
		return newIntegrityError(fmt.Errorf("session: NOTIFY %s compressed body sha512 mismatch", identifier))
	}

	auth, _ := f.Get(frame.HeaderAuthorization)
	url, err := s.seq.MintReceive()
	if err != nil {
		return newLocalFaultError(err)
	}
	decision, err := s.collab.Verifier.IsNotifyAllowed(url, topic, time.Now(), auth)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: IsNotifyAllowed: %w", err))
	}
	if decision != authz.Allowed {
		return newAuthRejectedError(fmt.Errorf("session: notify %s: %s", string(topic), decision))
	}

	decompressed, decompressedSHA, err := s.decompressBody(compressorID, f.Body, decompressedLen)
	if err != nil {
		return err
	}

	if s.trainerSt != nil && s.trainerSt.Eligible(len(decompressed)) {
		if err := s.trainerSt.Feed(decompressed); err != nil {
			return newLocalFaultError(fmt.Errorf("session: feeding trainer: %w", err))
		}
	}

	result, err := s.collab.Delivery.HandleTrustedNotify(ctx, topic, bytes.NewReader(decompressed), int64(len(decompressed)), decompressedSHA)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: HandleTrustedNotify: %w", err))
	}
	if result.Status == DeliveryUnavailable {
		return newResourceUnavailableError(fmt.Errorf("session: delivery fanout unavailable for %s", string(identifier)))
	}

	reply := &frame.Frame{Type: frame.TypeConfirmNotify}
	reply.Set(frame.HeaderIdentifier, identifier)
	reply.Set(frame.HeaderSubscribers, frame.EncodeUint(uint64(result.Succeeded)))
	return s.enqueueControlFrame(frame.Broadcaster, reply)
}

// decompressBody looks up the compressor by ID (0 means "not compressed")
// and returns the decompressed bytes plus their SHA-512, verifying the
// decompressed length matches what the sender claimed (§4.5, §7
// IntegrityError).
func (s *Session) decompressBody(compressorID uint64, body []byte, expectedLen uint64) ([]byte, [64]byte, error) {
	if compressorID == 0 {
		sum := sha512.Sum512(body)
		if uint64(len(body)) != expectedLen {
			return nil, sum, newIntegrityError(fmt.Errorf("session: decompressed length mismatch: got %d, want %d", len(body), expectedLen))
		}
		return body, sum, nil
	}
	if s.compressors == nil {
		return nil, [64]byte{}, newProtocolError(fmt.Errorf("session: compressor %d used but zstd not enabled", compressorID))
	}
	c, ok := s.compressors.Find(compressorID)
	if !ok {
		return nil, [64]byte{}, newProtocolError(fmt.Errorf("session: unknown compressor id %d", compressorID))
	}
	r, err := c.DecompressStreaming(bytes.NewReader(body), s.cfg.DecompressionMaxWindowSize)
	if err != nil {
		return nil, [64]byte{}, newLocalFaultError(fmt.Errorf("session: opening decompressor: %w", err))
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, [64]byte{}, newIntegrityError(fmt.Errorf("session: decompressing body: %w", err))
	}
	if uint64(len(out)) != expectedLen {
		sum := sha512.Sum512(out)
		return out, sum, newIntegrityError(fmt.Errorf("session: decompressed length mismatch: got %d, want %d", len(out), expectedLen))
	}
	sum := sha512.Sum512(out)
	return out, sum, nil
}

// handleNotifyStream processes one part of a multi-part NOTIFY_STREAM
// (§4.3, §9). Part 0 establishes the reassembly buffer; every later part
// must match the identifier and the next expected part id exactly, or the
// session is torn down as a protocol violation (this is the "out-of-order
// part" scenario).
func (s *Session) handleNotifyStream(ctx context.Context, f *frame.Frame) error {
	identifierBytes, ok := f.Get(frame.HeaderIdentifier)
	if !ok || len(identifierBytes) > frame.MaxIdentifierBytes {
		return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM identifier missing or too long"))
	}
	identifier := string(identifierBytes)
	partBytes, _ := f.Get(frame.HeaderPartID)
	partID, err := frame.DecodeUint(partBytes)
	if err != nil {
		return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM x-part-id: %w", err))
	}

	if partID == 0 {
		if s.incoming != nil {
			return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM %s part 0 received mid-stream of %s", identifier, s.incoming.identifier))
		}
		topic, ok := f.Get(frame.HeaderTopic)
		if !ok {
			return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM part 0 missing x-topic"))
		}
		compressorBytes, _ := f.Get(frame.HeaderCompressor)
		compressorID, err := frame.DecodeUint(compressorBytes)
		if err != nil {
			return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM x-compressor: %w", err))
		}
		compressedLenBytes, _ := f.Get(frame.HeaderCompressedLen)
		compressedLen, err := frame.DecodeUint(compressedLenBytes)
		if err != nil {
			return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM x-compressed-length: %w", err))
		}
		decompressedLenBytes, _ := f.Get(frame.HeaderDecompressedLen)
		decompressedLen, err := frame.DecodeUint(decompressedLenBytes)
		if err != nil {
			return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM x-decompressed-length: %w", err))
		}
		sha, ok := f.Get(frame.HeaderCompressedSHA512)
		if !ok || len(sha) != 64 {
			return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM x-compressed-sha512 must be 64 bytes"))
		}

		s.incoming = &incomingNotification{
			identifier:         identifier,
			nextPartID:         0,
			topic:              append([]byte(nil), topic...),
			compressorID:       compressorID,
			compressedLength:   compressedLen,
			decompressedLength: decompressedLen,
			compressedSHA512:   append([]byte(nil), sha...),
			sp:                 newSpool(s.cfg.MessageBodySpoolSize),
		}
	} else {
		if s.incoming == nil || s.incoming.identifier != identifier || partID != s.incoming.nextPartID {
			return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM %s part %d out of order", identifier, partID))
		}
	}

	if _, err := s.incoming.sp.Write(f.Body); err != nil {
		return newLocalFaultError(fmt.Errorf("session: spooling NOTIFY_STREAM body: %w", err))
	}

	if s.incoming.overshoot() {
		n := s.incoming
		s.incoming = nil
		return newProtocolError(fmt.Errorf("session: NOTIFY_STREAM %s body exceeds x-compressed-length %d", n.identifier, n.compressedLength))
	}

	if !s.incoming.complete() {
		s.incoming.nextPartID = partID + 1
		reply := &frame.Frame{Type: frame.TypeContinueNotify}
		reply.Set(frame.HeaderIdentifier, identifierBytes)
		reply.Set(frame.HeaderPartID, frame.EncodeUint(s.incoming.nextPartID))
		return s.enqueueControlFrame(frame.Broadcaster, reply)
	}

	return s.finishNotifyStream(ctx)
}

// finishNotifyStream runs once the reassembly buffer has every compressed
// byte: verify the whole-body SHA-512, authorize, decompress, and forward,
// mirroring handleNotify's tail end.
func (s *Session) finishNotifyStream(ctx context.Context) error {
	n := s.incoming
	s.incoming = nil

	r, err := n.sp.Reader()
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: reading NOTIFY_STREAM spool: %w", err))
	}
	defer r.Close()
	compressed, err := io.ReadAll(r)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: reading NOTIFY_STREAM spool: %w", err))
	}
	sum := n.sp.Sum512()
	if !bytes.Equal(sum[:], n.compressedSHA512) {
		return newIntegrityError(fmt.Errorf("session: NOTIFY_STREAM %s compressed body sha512 mismatch", n.identifier))
	}

	// Authorization for a streamed NOTIFY is checked once the whole body has
	// arrived, same as a single-frame NOTIFY, since x-authorization only
	// accompanies part 0 and signs over the topic, not any partial content.
	url, err := s.seq.MintReceive()
	if err != nil {
		return newLocalFaultError(err)
	}
	decision, err := s.collab.Verifier.IsNotifyAllowed(url, n.topic, time.Now(), nil)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: IsNotifyAllowed: %w", err))
	}
	if decision != authz.Allowed {
		return newAuthRejectedError(fmt.Errorf("session: notify_stream %s: %s", string(n.topic), decision))
	}

	decompressed, decompressedSHA, err := s.decompressBody(n.compressorID, compressed, n.decompressedLength)
	if err != nil {
		return err
	}

	if s.trainerSt != nil && s.trainerSt.Eligible(len(decompressed)) {
		if err := s.trainerSt.Feed(decompressed); err != nil {
			return newLocalFaultError(fmt.Errorf("session: feeding trainer: %w", err))
		}
	}

	result, err := s.collab.Delivery.HandleTrustedNotify(ctx, n.topic, bytes.NewReader(decompressed), int64(len(decompressed)), decompressedSHA)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: HandleTrustedNotify: %w", err))
	}
	if result.Status == DeliveryUnavailable {
		return newResourceUnavailableError(fmt.Errorf("session: delivery fanout unavailable for %s", n.identifier))
	}

	reply := &frame.Frame{Type: frame.TypeConfirmNotify}
	reply.Set(frame.HeaderIdentifier, []byte(n.identifier))
	reply.Set(frame.HeaderSubscribers, frame.EncodeUint(uint64(result.Succeeded)))
	return s.enqueueControlFrame(frame.Broadcaster, reply)
}

// handleAck pops the next expected ack and verifies the peer's
// CONTINUE_RECEIVE/CONFIRM_RECEIVE matches it exactly, in order (§4.4, §5).
func (s *Session) handleAck(f *frame.Frame, kind AckKind) error {
	identifierBytes, ok := f.Get(frame.HeaderIdentifier)
	if !ok {
		return newProtocolError(fmt.Errorf("session: ack frame missing x-identifier"))
	}
	identifier := string(identifierBytes)

	// CONTINUE_RECEIVE/CONFIRM_RECEIVE carry only x-identifier in the
	// minimal layout; the part id being acknowledged is implicit in FIFO
	// order against expecting_acks, so matching only needs kind+identifier.
	expected, ok := s.expectingAcks.Pop()
	if !ok {
		return newProtocolError(fmt.Errorf("session: unexpected ack for %s, nothing outstanding", identifier))
	}
	if expected.Kind != kind || expected.Identifier != identifier {
		return newProtocolError(fmt.Errorf("session: ack mismatch: expected %+v, got kind=%v id=%s", expected, kind, identifier))
	}
	return nil
}
