// Package fanouthub implements the FanoutHub collaborator (§6) on top of
// NATS core pub/sub: every broadcaster instance in a cluster publishes its
// local subscription count deltas to a shared subject, and every instance
// (including the one that originated the delta) keeps a running tally per
// topic/pattern. Publish answers "how many (and what kind of) subscribers
// does this topic have, cluster-wide" from that tally — it never needs a
// request/reply round trip since the tally is kept current continuously.
package fanouthub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Tjstretchalot/statefulpubsub/internal/glob"
	"github.com/Tjstretchalot/statefulpubsub/internal/session"
)

// deltaSubject is the shared subject every broadcaster instance in a
// cluster publishes subscription deltas to and subscribes for.
const deltaSubject = "statefulpubsub.subscriptions.delta"

// delta is the wire payload for one increment/decrement event.
type delta struct {
	Kind   string `json:"kind"` // "exact" or "glob"
	Key    string `json:"key"`  // topic bytes (exact) or pattern source (glob)
	Amount int    `json:"amount"`
}

// Hub is the concrete FanoutHub. It is safe for concurrent use across many
// sessions (the contract requires this since many Sessions share one Hub).
type Hub struct {
	conn *nats.Conn
	sub  *nats.Subscription
	self string // unique per-instance id, set at construction and not read by any Hub method

	logger zerolog.Logger

	mu          sync.RWMutex
	exactCounts map[string]int
	globCounts  map[string]int // keyed by pattern source
	globCache   map[string]*glob.Pattern

	nextReceiverID session.ReceiverID
	receivers      map[session.ReceiverID]chan<- *session.Delivery
}

// Config configures the NATS connection.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// New connects to NATS and starts listening for subscription deltas from
// every instance in the cluster (including this one).
func New(cfg Config, instanceID string, logger zerolog.Logger) (*Hub, error) {
	h := &Hub{
		self:        instanceID,
		logger:      logger,
		exactCounts: make(map[string]int),
		globCounts:  make(map[string]int),
		globCache:   make(map[string]*glob.Pattern),
		receivers:   make(map[session.ReceiverID]chan<- *session.Delivery),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("fanouthub: disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info().Str("url", conn.ConnectedUrl()).Msg("fanouthub: reconnected to NATS")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("fanouthub: connecting to NATS: %w", err)
	}
	h.conn = conn

	sub, err := conn.Subscribe(deltaSubject, h.applyRemoteDelta)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("fanouthub: subscribing to %s: %w", deltaSubject, err)
	}
	h.sub = sub

	return h, nil
}

// Close unsubscribes and closes the NATS connection.
func (h *Hub) Close() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.conn.Close()
}

func (h *Hub) applyRemoteDelta(msg *nats.Msg) {
	var d delta
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		h.logger.Warn().Err(err).Msg("fanouthub: malformed subscription delta")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch d.Kind {
	case "exact":
		h.exactCounts[d.Key] += d.Amount
		if h.exactCounts[d.Key] <= 0 {
			delete(h.exactCounts, d.Key)
		}
	case "glob":
		h.globCounts[d.Key] += d.Amount
		if h.globCounts[d.Key] <= 0 {
			delete(h.globCounts, d.Key)
			delete(h.globCache, d.Key)
		} else if _, ok := h.globCache[d.Key]; !ok {
			if p, err := glob.Compile(d.Key); err == nil {
				h.globCache[d.Key] = p
			}
		}
	}
}

func (h *Hub) publishDelta(d delta) {
	data, err := json.Marshal(d)
	if err != nil {
		h.logger.Warn().Err(err).Msg("fanouthub: encoding subscription delta")
		return
	}
	if err := h.conn.Publish(deltaSubject, data); err != nil {
		h.logger.Warn().Err(err).Msg("fanouthub: publishing subscription delta")
	}
}

// RegisterReceiver implements session.FanoutHub.
func (h *Hub) RegisterReceiver(inbox chan<- *session.Delivery) (session.ReceiverID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextReceiverID++
	id := h.nextReceiverID
	h.receivers[id] = inbox
	return id, nil
}

// UnregisterReceiver implements session.FanoutHub.
func (h *Hub) UnregisterReceiver(id session.ReceiverID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.receivers, id)
}

func (h *Hub) IncrementExact(topic []byte) { h.publishDelta(delta{Kind: "exact", Key: string(topic), Amount: 1}) }
func (h *Hub) DecrementExact(topic []byte) { h.publishDelta(delta{Kind: "exact", Key: string(topic), Amount: -1}) }
func (h *Hub) IncrementGlob(pattern string) { h.publishDelta(delta{Kind: "glob", Key: pattern, Amount: 1}) }
func (h *Hub) DecrementGlob(pattern string) { h.publishDelta(delta{Kind: "glob", Key: pattern, Amount: -1}) }

// Publish implements session.FanoutHub: it enumerates the cluster-wide
// interest tally for topic, one Match per exact subscriber and one Match
// per glob subscriber whose pattern matches. The URL field is left empty
// here — this reference hub reports aggregate interest (how many, what
// kind), not individual subscriber identities, which this module's
// FanoutHub contract does not require it to track.
func (h *Hub) Publish(ctx context.Context, topic []byte) (<-chan session.Match, error) {
	out := make(chan session.Match)

	h.mu.RLock()
	exact := h.exactCounts[string(topic)]
	type globHit struct {
		pattern string
		count   int
	}
	var globHits []globHit
	for pattern, p := range h.globCache {
		if p.Match(topic) {
			globHits = append(globHits, globHit{pattern: pattern, count: h.globCounts[pattern]})
		}
	}
	h.mu.RUnlock()

	go func() {
		defer close(out)
		for i := 0; i < exact; i++ {
			select {
			case out <- session.Match{Kind: session.MatchExact}:
			case <-ctx.Done():
				return
			}
		}
		for _, hit := range globHits {
			for i := 0; i < hit.count; i++ {
				select {
				case out <- session.Match{Kind: session.MatchGlob, Glob: hit.pattern}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// BroadcastLocal delivers d to every receiver currently registered on this
// instance, regardless of subscription (the hosting server is expected to
// have already resolved the matched receiver set — e.g. via its own
// in-process subscription index — before calling this; it exists so a
// full deployment has a concrete place to plug that routing in without
// adding receiver-level topic tracking to the core FanoutHub contract).
func (h *Hub) BroadcastLocal(d *session.Delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, inbox := range h.receivers {
		select {
		case inbox <- d:
		default:
		}
	}
}
