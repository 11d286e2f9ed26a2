package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripExpandedSubscribeExact(t *testing.T) {
	f := &Frame{Type: TypeSubscribeExact}
	f.Set(HeaderAuthorization, []byte("tok"))
	f.Set(HeaderTopic, []byte("room/1"))
	f.Body = nil

	wire, err := Encode(f, false, Subscriber)
	require.NoError(t, err)

	got, err := Decode(wire, Subscriber)
	require.NoError(t, err)
	require.Equal(t, f.Type, got.Type)
	v, ok := got.Get(HeaderTopic)
	require.True(t, ok)
	require.Equal(t, []byte("room/1"), v)
}

func TestRoundTripMinimalSubscribeExact(t *testing.T) {
	f := &Frame{Type: TypeSubscribeExact}
	f.Set(HeaderAuthorization, []byte("tok"))
	f.Set(HeaderTopic, []byte("room/1"))

	wire, err := Encode(f, true, Subscriber)
	require.NoError(t, err)
	require.Equal(t, uint8(FlagMinimalHeaders), wire[1])

	got, err := Decode(wire, Subscriber)
	require.NoError(t, err)
	auth, _ := got.Get(HeaderAuthorization)
	topic, _ := got.Get(HeaderTopic)
	require.Equal(t, []byte("tok"), auth)
	require.Equal(t, []byte("room/1"), topic)
}

func TestRoundTripNotifyStreamPartZero(t *testing.T) {
	f := &Frame{Type: TypeNotifyStream}
	f.Set(HeaderAuthorization, []byte("tok"))
	f.Set(HeaderIdentifier, []byte("abc123"))
	f.Set(HeaderPartID, EncodeUint(0))
	f.Set(HeaderTopic, []byte("room/1"))
	f.Set(HeaderCompressor, EncodeUint(1))
	f.Set(HeaderCompressedLen, EncodeUint(4096))
	f.Set(HeaderDecompressedLen, EncodeUint(8192))
	sha := make([]byte, 64)
	for i := range sha {
		sha[i] = byte(i)
	}
	f.Set(HeaderCompressedSHA512, sha)
	f.Body = []byte("partial-body")

	for _, minimal := range []bool{true, false} {
		wire, err := Encode(f, minimal, Subscriber)
		require.NoError(t, err)

		got, err := Decode(wire, Subscriber)
		require.NoError(t, err)
		id, _ := got.Get(HeaderIdentifier)
		require.Equal(t, []byte("abc123"), id)
		gotSha, ok := got.Get(HeaderCompressedSHA512)
		require.True(t, ok)
		require.Equal(t, sha, gotSha)
		require.Equal(t, f.Body, got.Body)
	}
}

func TestRoundTripNotifyStreamLaterPart(t *testing.T) {
	f := &Frame{Type: TypeNotifyStream}
	f.Set(HeaderAuthorization, []byte("tok"))
	f.Set(HeaderIdentifier, []byte("abc123"))
	f.Set(HeaderPartID, EncodeUint(3))
	f.Body = []byte("more-body")

	for _, minimal := range []bool{true, false} {
		wire, err := Encode(f, minimal, Subscriber)
		require.NoError(t, err)

		got, err := Decode(wire, Subscriber)
		require.NoError(t, err)
		_, hasTopic := got.Get(HeaderTopic)
		require.False(t, hasTopic)
		partBytes, _ := got.Get(HeaderPartID)
		part, err := DecodeUint(partBytes)
		require.NoError(t, err)
		require.Equal(t, uint64(3), part)
	}
}

func TestEncodeUintDecodeUintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 255, 256, 65535, 65536, 1 << 40}
	for _, c := range cases {
		b := EncodeUint(c)
		require.LessOrEqual(t, len(b), 8)
		got, err := DecodeUint(b)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestEncodeRejectsWrongLengthShaInStream(t *testing.T) {
	f := &Frame{Type: TypeNotifyStream}
	f.Set(HeaderAuthorization, []byte("tok"))
	f.Set(HeaderIdentifier, []byte("abc"))
	f.Set(HeaderPartID, EncodeUint(0))
	f.Set(HeaderTopic, []byte("t"))
	f.Set(HeaderCompressor, EncodeUint(0))
	f.Set(HeaderCompressedLen, EncodeUint(1))
	f.Set(HeaderDecompressedLen, EncodeUint(1))
	f.Set(HeaderCompressedSHA512, []byte("too-short"))

	_, err := Encode(f, true, Subscriber)
	require.Error(t, err)
}

func TestDuplicateHeaderLastWins(t *testing.T) {
	f := &Frame{Type: TypeSubscribeExact}
	f.Set(HeaderTopic, []byte("first"))
	f.Set(HeaderTopic, []byte("second"))
	v, ok := f.Get(HeaderTopic)
	require.True(t, ok)
	require.Equal(t, []byte("second"), v)
}
