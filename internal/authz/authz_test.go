package authz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeConnectionNonceMatchesScenario1(t *testing.T) {
	var subscriberNonce, broadcasterNonce [32]byte
	for i := range broadcasterNonce {
		broadcasterNonce[i] = 0xAA
	}
	// subscriberNonce stays all-zero per the literal scenario in spec.md §8.1.

	nonce := ComputeConnectionNonce(subscriberNonce, broadcasterNonce)
	b64 := NonceB64(nonce)
	require.Len(t, b64, 43) // 32 bytes base64url-no-padding == 43 chars
}

func TestSequencerMintsInOppositeDirections(t *testing.T) {
	seq := NewSequencer("nonce123")

	send1, err := seq.MintSend()
	require.NoError(t, err)
	require.Equal(t, "stateful:nonce123:1", send1)

	send2, err := seq.MintSend()
	require.NoError(t, err)
	require.Equal(t, "stateful:nonce123:2", send2)

	recv1, err := seq.MintReceive()
	require.NoError(t, err)
	require.Equal(t, "stateful:nonce123:-1", recv1)

	recv2, err := seq.MintReceive()
	require.NoError(t, err)
	require.Equal(t, "stateful:nonce123:-2", recv2)

	require.EqualValues(t, 3, seq.BroadcasterCounter())
	require.EqualValues(t, -3, seq.SubscriberCounter())
}

func TestHexSignedIsLowercaseUnpadded(t *testing.T) {
	seq := NewSequencer("n")
	seq.broadcasterCounter = 255
	url, err := seq.MintSend()
	require.NoError(t, err)
	require.Equal(t, "stateful:n:ff", url)
}
