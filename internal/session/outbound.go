package session

import (
	"context"
	"errors"

	"github.com/Tjstretchalot/statefulpubsub/internal/frame"
)

// outboundKind distinguishes the two shapes of work pendingSends carries
// (§3, §4.4): a fully-built control frame ready to write verbatim, or a
// fanout delivery still needing compression selection and chunking.
type outboundKind int

const (
	outboundControl outboundKind = iota
	outboundDelivery
)

// outboundWork is one entry of pending_sends.
type outboundWork struct {
	kind     outboundKind
	wire     []byte    // outboundControl
	delivery *Delivery // outboundDelivery
}

// enqueueControlFrame encodes f and appends it to pendingSends, returning a
// protocol-classified error if the queue is already at capacity (§5:
// "Overflow of pending_sends ... is a protocol violation from the peer").
func (s *Session) enqueueControlFrame(dir frame.Direction, f *frame.Frame) error {
	wire, err := frame.Encode(f, s.cfg.WebsocketMinimalHeaders, dir)
	if err != nil {
		return newLocalFaultError(err)
	}
	if err := s.pendingSends.Push(outboundWork{kind: outboundControl, wire: wire}); err != nil {
		return newProtocolError(err)
	}
	return nil
}

func (s *Session) enqueueDelivery(d *Delivery) error {
	if err := s.pendingSends.Push(outboundWork{kind: outboundDelivery, delivery: d}); err != nil {
		return newProtocolError(err)
	}
	return nil
}

// drainPendingSends writes every queued item to the transport in order.
// Because this port performs sends synchronously within the single
// cooperative loop (see the package doc comment in session.go), "drain" is
// just "process everything queued since the last iteration" rather than a
// literal single-send-in-flight model; ordering and backpressure are
// unaffected.
func (s *Session) drainPendingSends(ctx context.Context) error {
	for {
		work, ok := s.pendingSends.Pop()
		if !ok {
			return nil
		}
		switch work.kind {
		case outboundControl:
			if err := s.collab.Transport.WriteMessage(ctx, work.wire); err != nil {
				return newLocalFaultError(err)
			}
		case outboundDelivery:
			if err := s.sendDelivery(ctx, work.delivery); err != nil {
				if errors.Is(err, errStallDelivery) {
					s.pendingSends.Requeue(work)
					return nil
				}
				return err
			}
		}
	}
}
