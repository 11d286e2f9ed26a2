package compression

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindClassifiesIDRanges(t *testing.T) {
	require.Equal(t, "reserved", Kind(DictNone))
	require.Equal(t, "reserved", Kind(DictStandard))
	require.Equal(t, "preset", Kind(2))
	require.Equal(t, "preset", Kind(65535))
	require.Equal(t, "custom", Kind(65536))
	require.Equal(t, "custom", Kind(70000))
}

func TestManagerFindAcrossSlots(t *testing.T) {
	m := NewManager()
	std, err := NewStandard()
	require.NoError(t, err)
	m.Standard = std

	got, ok := m.Find(DictStandard)
	require.True(t, ok)
	require.Equal(t, std, got)

	_, ok = m.Find(999)
	require.False(t, ok)
}

func TestManagerRotateDemotesActiveToLast(t *testing.T) {
	m := NewManager()
	first := &Compressor{ID: 65536}
	second := &Compressor{ID: 65537}

	m.Rotate(first)
	require.Equal(t, first, m.Active)
	require.Nil(t, m.Last)

	m.Rotate(second)
	require.Equal(t, second, m.Active)
	require.Equal(t, first, m.Last)
}

func TestSelectForSendLadder(t *testing.T) {
	m := NewManager()
	std, err := NewStandard()
	require.NoError(t, err)
	m.Standard = std
	m.Active = &Compressor{ID: 65536}

	// Large message: standard wins.
	require.Equal(t, std, m.SelectForSend(20000, 16384, 32))
	// Mid-size eligible message: active wins.
	require.Equal(t, m.Active, m.SelectForSend(100, 16384, 32))
	// Below min size: no compression.
	require.Nil(t, m.SelectForSend(10, 16384, 32))
}

func TestValidateAnnouncementSize(t *testing.T) {
	require.NoError(t, ValidateAnnouncementSize(make([]byte, 100), 20, 0))
	require.NoError(t, ValidateAnnouncementSize(make([]byte, 100), 20, 200))
	require.Error(t, ValidateAnnouncementSize(make([]byte, 100), 20, 100))
}
