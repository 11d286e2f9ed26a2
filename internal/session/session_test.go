package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tjstretchalot/statefulpubsub/internal/authz"
	"github.com/Tjstretchalot/statefulpubsub/internal/frame"
)

// fakeTransport is an in-memory Transport: inbound holds frames the test
// wants the session to "receive" (in order), outbound records everything
// the session wrote back.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
	closed   bool
}

func (t *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		t.mu.Lock()
		if len(t.inbound) > 0 {
			msg := t.inbound[0]
			t.inbound = t.inbound[1:]
			t.mu.Unlock()
			return msg, nil
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (t *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := append([]byte(nil), data...)
	t.outbound = append(t.outbound, cp)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) push(f *frame.Frame) {
	wire, err := frame.Encode(f, false, frame.Subscriber)
	if err != nil {
		panic(err)
	}
	t.mu.Lock()
	t.inbound = append(t.inbound, wire)
	t.mu.Unlock()
}

func (t *fakeTransport) hangup() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *fakeTransport) popOutbound() (*frame.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.outbound) == 0 {
		return nil, false
	}
	wire := t.outbound[0]
	t.outbound = t.outbound[1:]
	f, err := frame.Decode(wire, frame.Broadcaster)
	if err != nil {
		panic(err)
	}
	return f, true
}

func (t *fakeTransport) waitOutbound(tb testing.TB, n int) []*frame.Frame {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var out []*frame.Frame
	for time.Now().Before(deadline) {
		t.mu.Lock()
		ready := len(t.outbound) >= n
		t.mu.Unlock()
		if ready {
			for i := 0; i < n; i++ {
				f, ok := t.popOutbound()
				require.True(tb, ok)
				out = append(out, f)
			}
			return out
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %d outbound frames", n)
	return nil
}

// allowAllVerifier approves every authorization check; permissiveSigner
// always returns a fixed Authorization header.
type allowAllVerifier struct{}

func (allowAllVerifier) IsSubscribeExactAllowed(url string, topic []byte, now time.Time, auth []byte) (authz.Decision, error) {
	return authz.Allowed, nil
}
func (allowAllVerifier) IsSubscribeGlobAllowed(url string, pattern string, now time.Time, auth []byte) (authz.Decision, error) {
	return authz.Allowed, nil
}
func (allowAllVerifier) IsNotifyAllowed(url string, topic []byte, now time.Time, auth []byte) (authz.Decision, error) {
	return authz.Allowed, nil
}

type fixedSigner struct{}

func (fixedSigner) SetupAuthorization(url string, topic []byte, sha512 []byte, now time.Time) (*string, error) {
	v := "fixed-auth"
	return &v, nil
}

// noopDictProvider never has presets and fails training calls; tests that
// need training exercise internal/trainer directly instead.
type noopDictProvider struct{}

func (noopDictProvider) GetCompressionDictionaryByID(id uint64) ([]byte, int, bool) { return nil, 0, false }
func (noopDictProvider) TrainLowWatermark(samples [][]byte) ([]byte, int, error)     { return nil, 0, nil }
func (noopDictProvider) TrainHighWatermark(samples [][]byte) ([]byte, int, error)    { return nil, 0, nil }

// fakeHub is a single-session FanoutHub fake: it records counter changes
// and lets the test push a Delivery directly onto whatever inbox was
// registered.
type fakeHub struct {
	mu       sync.Mutex
	inbox    chan<- *Delivery
	exact    map[string]int
	globs    map[string]int
	nextID   ReceiverID
}

func newFakeHub() *fakeHub {
	return &fakeHub{exact: map[string]int{}, globs: map[string]int{}}
}

func (h *fakeHub) RegisterReceiver(inbox chan<- *Delivery) (ReceiverID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.inbox = inbox
	return h.nextID, nil
}

func (h *fakeHub) UnregisterReceiver(id ReceiverID) {}

func (h *fakeHub) IncrementExact(topic []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exact[string(topic)]++
}
func (h *fakeHub) DecrementExact(topic []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exact[string(topic)]--
}
func (h *fakeHub) IncrementGlob(pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.globs[pattern]++
}
func (h *fakeHub) DecrementGlob(pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.globs[pattern]--
}
func (h *fakeHub) Publish(ctx context.Context, topic []byte) (<-chan Match, error) {
	ch := make(chan Match)
	close(ch)
	return ch, nil
}

func (h *fakeHub) deliver(d *Delivery) {
	h.mu.Lock()
	inbox := h.inbox
	h.mu.Unlock()
	inbox <- d
}

type fakeDeliveryFanout struct{}

func (fakeDeliveryFanout) HandleTrustedNotify(ctx context.Context, topic []byte, body io.Reader, contentLength int64, sha512 [64]byte) (DeliveryResult, error) {
	io.Copy(io.Discard, body)
	return DeliveryResult{Status: DeliveryOK, Succeeded: 1}, nil
}

func testConfig() Config {
	return Config{
		MessageBodySpoolSize:             1 << 20,
		OutgoingMaxWSMessageSize:         0,
		WebsocketAcceptTimeout:           time.Second,
		WebsocketMaxPendingSends:         16,
		WebsocketMaxUnprocessedReceives:  16,
		WebsocketSendMaxUnacknowledged:   16,
		WebsocketMinimalHeaders:          false,
		CompressionAllowed:               true,
		AllowTraining:                    true,
		CompressionMinSize:               16,
		CompressionTrainedMaxSize:        1 << 20,
		CompressionTrainingLowWatermark:  1 << 16,
		CompressionTrainingHighWatermark: 1 << 18,
		CompressionRetrainInterval:       time.Hour,
		DecompressionMaxWindowSize:       1 << 20,
	}
}

func newTestSession(t *testing.T, transport *fakeTransport, hub FanoutHub) *Session {
	t.Helper()
	collab := Collaborators{
		Transport:    transport,
		Verifier:     allowAllVerifier{},
		Signer:       fixedSigner{},
		Hub:          hub,
		Delivery:     fakeDeliveryFanout{},
		DictProvider: noopDictProvider{},
		Logger:       zerolog.Nop(),
		NonceFunc:    func() [32]byte { return [32]byte{0xBB} },
	}
	return New("test-session", testConfig(), collab)
}

// configureFrame builds a CONFIGURE frame matching scenario 1 of the
// handshake: a fixed subscriber nonce, zstd and training both requested.
func configureFrame() *frame.Frame {
	f := &frame.Frame{Type: frame.TypeConfigure}
	var nonce [32]byte
	nonce[0] = 0xAA
	f.Set(frame.HeaderSubscriberNonce, nonce[:])
	f.Set(frame.HeaderEnableZstd, frame.EncodeUint(1))
	f.Set(frame.HeaderEnableTraining, frame.EncodeUint(1))
	f.Set(frame.HeaderInitialDict, nil)
	return f
}

func TestConfigureHandshakeSendsConfirmWithBroadcasterNonce(t *testing.T) {
	transport := &fakeTransport{}
	transport.push(configureFrame())
	transport.hangup()

	s := newTestSession(t, transport, newFakeHub())
	err := s.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, transport.outbound)
	f, err := frame.Decode(transport.outbound[0], frame.Broadcaster)
	require.NoError(t, err)
	require.Equal(t, frame.TypeConfirmConfigure, f.Type)
	nonce, ok := f.Get(frame.HeaderBroadcasterNonce)
	require.True(t, ok)
	require.Equal(t, byte(0xBB), nonce[0])
}

func TestSubscribeExactThenReceiveSmallMessage(t *testing.T) {
	transport := &fakeTransport{}
	transport.push(configureFrame())

	sub := &frame.Frame{Type: frame.TypeSubscribeExact}
	sub.Set(frame.HeaderAuthorization, []byte("whatever"))
	sub.Set(frame.HeaderTopic, []byte("orders/created"))
	transport.push(sub)

	hub := newFakeHub()
	s := newTestSession(t, transport, hub)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	frames := transport.waitOutbound(t, 2)
	require.Equal(t, frame.TypeConfirmConfigure, frames[0].Type)
	require.Equal(t, frame.TypeConfirmSubscribeExact, frames[1].Type)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.inbox != nil
	}, time.Second, time.Millisecond)

	var sha [64]byte
	hub.deliver(&Delivery{Topic: []byte("orders/created"), SHA512: sha, Kind: DeliverySmall, Bytes: []byte("hello world")})

	out := transport.waitOutbound(t, 1)
	require.Equal(t, frame.TypeReceiveStream, out[0].Type)
	topic, ok := out[0].Get(frame.HeaderTopic)
	require.True(t, ok)
	require.Equal(t, "orders/created", string(topic))
	require.Equal(t, []byte("hello world"), out[0].Body)

	ack := &frame.Frame{Type: frame.TypeConfirmReceive}
	identifier, _ := out[0].Get(frame.HeaderIdentifier)
	ack.Set(frame.HeaderIdentifier, identifier)
	transport.push(ack)
	transport.hangup()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

// TestNotifyIntegrityMismatchTerminatesSession mirrors spec.md §8 scenario
// 6: a NOTIFY whose x-compressed-sha512 does not match its actual body is
// an IntegrityError, not a recoverable protocol hiccup — the session must
// tear down rather than silently forward a tampered payload.
func TestNotifyIntegrityMismatchTerminatesSession(t *testing.T) {
	transport := &fakeTransport{}
	transport.push(configureFrame())

	hub := newFakeHub()
	s := newTestSession(t, transport, hub)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	transport.waitOutbound(t, 1) // CONFIRM_CONFIGURE

	body := []byte("tampered payload")
	bad := &frame.Frame{Type: frame.TypeNotify}
	bad.Set(frame.HeaderAuthorization, []byte("whatever"))
	bad.Set(frame.HeaderIdentifier, []byte("notify-1"))
	bad.Set(frame.HeaderTopic, []byte("orders/created"))
	bad.Set(frame.HeaderCompressor, frame.EncodeUint(0))
	bad.Set(frame.HeaderDecompressedLen, frame.EncodeUint(uint64(len(body))))
	bad.Set(frame.HeaderCompressedLen, frame.EncodeUint(uint64(len(body))))
	var wrongSHA [64]byte
	wrongSHA[0] = 0xFF
	bad.Set(frame.HeaderCompressedSHA512, wrongSHA[:])
	bad.Body = body
	transport.push(bad)

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, IsFatal(err))
		var se *SessionError
		require.ErrorAs(t, err, &se)
		require.Equal(t, KindIntegrity, se.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestNotifyStreamOutOfOrderPartIsProtocolError(t *testing.T) {
	transport := &fakeTransport{}
	transport.push(configureFrame())

	hub := newFakeHub()
	s := newTestSession(t, transport, hub)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	transport.waitOutbound(t, 1) // CONFIRM_CONFIGURE

	bad := &frame.Frame{Type: frame.TypeNotifyStream}
	bad.Set(frame.HeaderAuthorization, nil)
	bad.Set(frame.HeaderIdentifier, []byte("stream-1"))
	bad.Set(frame.HeaderPartID, frame.EncodeUint(1)) // skips part 0
	bad.Body = []byte("chunk")
	transport.push(bad)

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, IsFatal(err))
		var se *SessionError
		require.ErrorAs(t, err, &se)
		require.Equal(t, KindProtocol, se.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}
