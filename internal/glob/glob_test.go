package glob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAndMatch(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"room/*", "room/1", true},
		{"room/*", "room/1/sub", false},
		{"room/**", "room/1/sub", true},
		{"room/?", "room/1", true},
		{"room/?", "room/12", false},
		{"*.trade", "BTC.trade", true},
		{"*.trade", "BTC.social", false},
		{"**", "anything/at/all", true},
		{"room/1", "room/1", true},
		{"room/1", "room/2", false},
	}

	for _, c := range cases {
		p, err := Compile(c.pattern)
		require.NoError(t, err)
		require.Equal(t, c.want, p.Match([]byte(c.topic)), "pattern=%q topic=%q", c.pattern, c.topic)
	}
}

func TestMatchRejectsInvalidUTF8(t *testing.T) {
	p, err := Compile("**")
	require.NoError(t, err)
	require.False(t, p.Match([]byte{0xff, 0xfe, 0xfd}))
}

func TestSourcePreserved(t *testing.T) {
	p, err := Compile("a/*/b")
	require.NoError(t, err)
	require.Equal(t, "a/*/b", p.String())
}
