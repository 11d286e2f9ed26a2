package session

import (
	"context"
	"io"
)

// Transport is the opaque bidirectional byte-message channel the session
// multiplexes control traffic, notifications, and compression-training
// announcements over (§1, §3). A concrete implementation adapts a raw
// WebSocket (see internal/transport) but the session never imports that
// package directly — it only depends on this interface, so it can be
// driven by an in-memory fake in tests.
type Transport interface {
	// ReadMessage blocks until one full message is available, returning its
	// bytes. Returns io.EOF (or a wrapped form of it) on a clean peer close.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage sends one full message.
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// MatchKind tags one entry yielded while publishing a notification (§6).
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchGlob
	MatchUnavailable
)

// Match is one subscriber matched against a published topic.
type Match struct {
	Kind MatchKind
	URL  string
	Glob string
}

// ReceiverID identifies a registration with the FanoutHub.
type ReceiverID uint64

// DeliveryKind distinguishes the two shapes an inbound delivery from the
// hub can take (§4.4).
type DeliveryKind int

const (
	DeliverySmall DeliveryKind = iota
	DeliveryLarge
)

// Delivery is one item arriving on a session's inbound fanout queue (§4.4).
// For DeliverySmall, Bytes holds the full payload. For DeliveryLarge,
// Stream is an exclusively-owned reader the session must either consume
// promptly or spool locally, signalling Finished exactly once either way
// (§4.4, §5, §9).
type Delivery struct {
	Topic  []byte
	SHA512 [64]byte
	Kind   DeliveryKind

	Bytes  []byte // DeliverySmall
	Length uint64 // DeliveryLarge
	Stream io.Reader
	Finished func()
}

// FanoutHub is the cross-connection router contract (§1, §6). The session
// calls it to register/unregister itself as a receiver and to maintain the
// exact/glob subscription counters; it calls back into the session's
// inbound queue (registered at RegisterReceiver time) to deliver matched
// notifications, and is consulted synchronously when this session
// publishes one.
type FanoutHub interface {
	RegisterReceiver(inbox chan<- *Delivery) (ReceiverID, error)
	UnregisterReceiver(id ReceiverID)

	IncrementExact(topic []byte)
	DecrementExact(topic []byte)
	IncrementGlob(pattern string)
	DecrementGlob(pattern string)

	// Publish returns a channel of Match values for every subscriber (across
	// all sessions) interested in topic; the channel is closed once
	// enumeration completes. A single MatchUnavailable value means the hub
	// itself could not be consulted and the publish must fail as
	// ResourceUnavailable (§6, §7).
	Publish(ctx context.Context, topic []byte) (<-chan Match, error)
}

// DeliveryStatus is the outcome DeliveryFanout reports after attempting to
// forward a verified notification to every matched subscriber URL (§6).
type DeliveryStatus int

const (
	DeliveryOK DeliveryStatus = iota
	DeliveryUnavailable
)

// DeliveryResult summarizes one HandleTrustedNotify call.
type DeliveryResult struct {
	Status    DeliveryStatus
	Succeeded int
	Failed    int
}

// DeliveryFanout is the outbound HTTP forwarding collaborator (§1, §6). The
// session hands it a fully verified, decompressed notification body and
// awaits the result before emitting CONFIRM_NOTIFY.
type DeliveryFanout interface {
	HandleTrustedNotify(ctx context.Context, topic []byte, body io.Reader, contentLength int64, sha512 [64]byte) (DeliveryResult, error)
}
