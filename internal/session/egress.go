package session

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Tjstretchalot/statefulpubsub/internal/frame"
)

// errStallDelivery signals that a delivery's send must be deferred because
// expecting_acks has no free slot (§5: "backpressure the sender observes
// before enqueuing"). It never escapes drainPendingSends.
var errStallDelivery = errors.New("session: expecting_acks full, deferring send")

// sendDelivery builds and transmits one or more RECEIVE_STREAM frames for a
// single fanout delivery (§4.4, §4.7): mint the auth URL, sign it, select a
// compressor, chunk the (possibly compressed) body to
// outgoing_max_ws_message_size, and register the acks this send now expects
// back from the peer.
func (s *Session) sendDelivery(ctx context.Context, d *Delivery) error {
	if s.expectingAcks.Full() {
		return errStallDelivery
	}

	url, err := s.seq.MintSend()
	if err != nil {
		return newLocalFaultError(err)
	}
	now := time.Now()
	authPtr, err := s.collab.Signer.SetupAuthorization(url, d.Topic, d.SHA512[:], now)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: signing delivery: %w", err))
	}
	var authHeader []byte
	if authPtr != nil {
		authHeader = []byte(*authPtr)
	}

	// Large items that won't be compressed take the optimistic direct-send
	// path (§4.4): the compressor decision only needs d.Length, so it can be
	// made before reading a single byte of the exclusively-owned stream.
	if d.Kind == DeliveryLarge && d.Stream != nil {
		var selected bool
		if s.compressors != nil {
			trainedMax := uint64(s.cfg.CompressionTrainedMaxSize)
			selected = s.compressors.SelectForSend(d.Length, trainedMax, s.cfg.CompressionMinSize) != nil
		}
		if !selected {
			return s.sendLargeDirect(ctx, d, authHeader)
		}
	}

	payload, length, err := materializeDelivery(d, s.cfg.MessageBodySpoolSize)
	if err != nil {
		return newLocalFaultError(fmt.Errorf("session: materializing delivery: %w", err))
	}

	if s.trainerSt != nil && s.trainerSt.Eligible(len(payload)) {
		if err := s.trainerSt.Feed(payload); err != nil {
			return newLocalFaultError(fmt.Errorf("session: feeding trainer: %w", err))
		}
	}

	compressorID := uint64(0)
	body := payload
	if s.compressors != nil {
		trainedMax := uint64(s.cfg.CompressionTrainedMaxSize)
		if c := s.compressors.SelectForSend(length, trainedMax, s.cfg.CompressionMinSize); c != nil {
			compressed, cerr := c.Compress(nil, payload)
			if cerr != nil {
				return newLocalFaultError(fmt.Errorf("session: compressing delivery: %w", cerr))
			}
			compressorID = c.ID
			body = compressed
		}
	}
	compressedSHA := sha512.Sum512(body)

	identifier := s.nextDeliveryIdentifier()

	return s.sendReceiveStreamParts(ctx, receiveStreamMeta{
		authorization:      authHeader,
		identifier:         identifier,
		topic:              d.Topic,
		compressorID:       compressorID,
		compressedLength:   uint64(len(body)),
		decompressedLength: length,
		compressedSHA512:   compressedSHA[:],
	}, body)
}

// materializeDelivery reads a Delivery's payload fully into memory,
// spooling large streams through the same spill-to-disk buffer ingress
// uses, and signals Finished exactly once (§4.4, §9).
func materializeDelivery(d *Delivery, spoolThreshold int) ([]byte, uint64, error) {
	if d.Finished != nil {
		defer d.Finished()
	}
	if d.Kind == DeliverySmall {
		return d.Bytes, uint64(len(d.Bytes)), nil
	}

	sp := newSpool(spoolThreshold)
	defer sp.Close()
	if _, err := io.Copy(sp, d.Stream); err != nil {
		return nil, 0, err
	}
	r, err := sp.Reader()
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return buf, uint64(sp.Len()), nil
}

// sendLargeDirect implements the optimistic-send timeout (§4.4) for a large,
// uncompressed delivery: it reads directly from d.Stream and writes
// RECEIVE_STREAM parts as the bytes arrive, without spooling first. If
// websocket_large_direct_send_timeout elapses before the stream is
// exhausted, the remainder is copied to a local spool, Finished is
// signalled (releasing the hub's exclusively-owned stream), and the send
// continues from that local copy for the rest of the delivery. Eligible
// bytes are fed to the trainer as they are read, the same single pass the
// spec describes for this path.
func (s *Session) sendLargeDirect(ctx context.Context, d *Delivery, authHeader []byte) error {
	identifier := s.nextDeliveryIdentifier()
	meta := receiveStreamMeta{
		authorization:      authHeader,
		identifier:         identifier,
		topic:              d.Topic,
		compressorID:       0,
		compressedLength:   d.Length,
		decompressedLength: d.Length,
		compressedSHA512:   d.SHA512[:],
	}

	var deadline time.Time
	if s.cfg.WebsocketLargeDirectSendTimeout > 0 {
		deadline = time.Now().Add(s.cfg.WebsocketLargeDirectSendTimeout)
	}
	eligible := s.trainerSt != nil && s.trainerSt.Eligible(int(d.Length))

	source := d.Stream
	finishedCalled := false
	finish := func() {
		if !finishedCalled && d.Finished != nil {
			d.Finished()
		}
		finishedCalled = true
	}
	spooled := false
	var sp *spool
	defer func() {
		if sp != nil {
			sp.Close()
		}
	}()

	maxMsg := s.cfg.OutgoingMaxWSMessageSize
	partID := uint64(0)
	var sent uint64

	for first := true; first || sent < d.Length; first = false {
		if !spooled && !deadline.IsZero() && time.Now().After(deadline) {
			sp = newSpool(s.cfg.MessageBodySpoolSize)
			if _, err := io.Copy(sp, source); err != nil {
				return newLocalFaultError(fmt.Errorf("session: spooling remainder of direct send: %w", err))
			}
			finish()
			r, err := sp.Reader()
			if err != nil {
				return newLocalFaultError(fmt.Errorf("session: reading spooled remainder: %w", err))
			}
			source = r
			spooled = true
		}

		f := &frame.Frame{Type: frame.TypeReceiveStream}
		f.Set(frame.HeaderAuthorization, meta.authorization)
		f.Set(frame.HeaderIdentifier, []byte(meta.identifier))
		f.Set(frame.HeaderPartID, frame.EncodeUint(partID))
		if partID == 0 {
			f.Set(frame.HeaderTopic, meta.topic)
			f.Set(frame.HeaderCompressor, frame.EncodeUint(0))
			f.Set(frame.HeaderCompressedLen, frame.EncodeUint(meta.compressedLength))
			f.Set(frame.HeaderDecompressedLen, frame.EncodeUint(meta.decompressedLength))
			f.Set(frame.HeaderCompressedSHA512, meta.compressedSHA512)
		}

		remaining := d.Length - sent
		budget := remaining
		if maxMsg > 0 {
			b, ok, err := chunkBudget(f, s.cfg.WebsocketMinimalHeaders, maxMsg)
			if err != nil {
				return newLocalFaultError(err)
			}
			if ok && uint64(b) < budget {
				budget = uint64(b)
			}
		}

		chunk := make([]byte, budget)
		n, err := io.ReadFull(source, chunk)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return newLocalFaultError(fmt.Errorf("session: reading delivery stream: %w", err))
		}
		chunk = chunk[:n]

		if eligible && len(chunk) > 0 {
			if err := s.trainerSt.Feed(chunk); err != nil {
				return newLocalFaultError(fmt.Errorf("session: feeding trainer: %w", err))
			}
		}

		f.Body = chunk
		wire, err := frame.Encode(f, s.cfg.WebsocketMinimalHeaders, frame.Broadcaster)
		if err != nil {
			return newLocalFaultError(fmt.Errorf("session: encoding RECEIVE_STREAM part %d: %w", partID, err))
		}
		if err := s.collab.Transport.WriteMessage(ctx, wire); err != nil {
			return newLocalFaultError(fmt.Errorf("session: writing RECEIVE_STREAM part %d: %w", partID, err))
		}

		sent += uint64(n)
		isLast := sent >= d.Length

		if isLast {
			finish()
			if err := s.expectingAcks.Push(AckDescriptor{Kind: AckConfirmReceive, Identifier: meta.identifier}); err != nil {
				return newLocalFaultError(err)
			}
			return nil
		}
		if err := s.expectingAcks.Push(AckDescriptor{Kind: AckContinueReceive, Identifier: meta.identifier, PartID: partID + 1}); err != nil {
			return newLocalFaultError(err)
		}
		partID++
	}
	finish()
	return nil
}

// receiveStreamMeta is the part-0-only metadata a RECEIVE_STREAM carries
// (§4.2).
type receiveStreamMeta struct {
	authorization      []byte
	identifier         string
	topic              []byte
	compressorID       uint64
	compressedLength   uint64
	decompressedLength uint64
	compressedSHA512   []byte
}

// sendReceiveStreamParts splits body across as many RECEIVE_STREAM frames
// as outgoing_max_ws_message_size requires, registering one expecting_acks
// entry per part (CONTINUE_RECEIVE for every part but the last,
// CONFIRM_RECEIVE for the last) per §4.4.
func (s *Session) sendReceiveStreamParts(ctx context.Context, meta receiveStreamMeta, body []byte) error {
	maxMsg := s.cfg.OutgoingMaxWSMessageSize

	offset := 0
	partID := uint64(0)
	for {
		f := &frame.Frame{Type: frame.TypeReceiveStream}
		f.Set(frame.HeaderAuthorization, meta.authorization)
		f.Set(frame.HeaderIdentifier, []byte(meta.identifier))
		f.Set(frame.HeaderPartID, frame.EncodeUint(partID))
		if partID == 0 {
			f.Set(frame.HeaderTopic, meta.topic)
			f.Set(frame.HeaderCompressor, frame.EncodeUint(meta.compressorID))
			f.Set(frame.HeaderCompressedLen, frame.EncodeUint(meta.compressedLength))
			f.Set(frame.HeaderDecompressedLen, frame.EncodeUint(meta.decompressedLength))
			f.Set(frame.HeaderCompressedSHA512, meta.compressedSHA512)
		}

		remaining := body[offset:]
		chunk := remaining
		if maxMsg > 0 {
			budget, ok, err := chunkBudget(f, s.cfg.WebsocketMinimalHeaders, maxMsg)
			if err != nil {
				return newLocalFaultError(err)
			}
			if ok && budget < len(remaining) {
				chunk = remaining[:budget]
			}
		}
		f.Body = chunk

		wire, err := frame.Encode(f, s.cfg.WebsocketMinimalHeaders, frame.Broadcaster)
		if err != nil {
			return newLocalFaultError(fmt.Errorf("session: encoding RECEIVE_STREAM part %d: %w", partID, err))
		}
		if err := s.collab.Transport.WriteMessage(ctx, wire); err != nil {
			return newLocalFaultError(fmt.Errorf("session: writing RECEIVE_STREAM part %d: %w", partID, err))
		}

		offset += len(chunk)
		isLast := offset >= len(body)

		if isLast {
			if err := s.expectingAcks.Push(AckDescriptor{Kind: AckConfirmReceive, Identifier: meta.identifier}); err != nil {
				return newLocalFaultError(err)
			}
			return nil
		}
		if err := s.expectingAcks.Push(AckDescriptor{Kind: AckContinueReceive, Identifier: meta.identifier, PartID: partID + 1}); err != nil {
			return newLocalFaultError(err)
		}
		partID++
	}
}

// minChunkBudget is the floor (§4.4) below which outgoing_max_ws_message_size
// is clamped rather than chunking to impractically small bodies.
const minChunkBudget = 512

// chunkBudget measures how many body bytes fit in maxMsg once f's headers
// (with an empty body) are encoded, guaranteeing each physical WS message
// stays within the negotiated ceiling, subject to a 512-byte floor (§4.4):
// a positive budget under the floor is clamped up to 512 even though that
// makes the frame exceed maxMsg. Only when the header block alone would
// exceed maxMsg is the limit ignored entirely (§4.4: "this is an operator
// misconfiguration", not a fatal condition) — ok is false in that case,
// signaling the caller to emit a single oversized frame instead of
// chunking.
func chunkBudget(f *frame.Frame, minimal bool, maxMsg int) (budget int, ok bool, err error) {
	probe := *f
	probe.Body = nil
	wire, err := frame.Encode(&probe, minimal, frame.Broadcaster)
	if err != nil {
		return 0, false, err
	}
	budget = maxMsg - len(wire)
	if budget <= 0 {
		return 0, false, nil
	}
	if budget < minChunkBudget {
		budget = minChunkBudget
	}
	return budget, true, nil
}

func (s *Session) nextDeliveryIdentifier() string {
	s.deliveryCounter++
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	return fmt.Sprintf("d%d-%s", s.deliveryCounter, hex.EncodeToString(nonce[:]))
}
