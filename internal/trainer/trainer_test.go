package trainer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	lowCalls, highCalls int
}

func (s *stubProvider) GetCompressionDictionaryByID(id uint64) ([]byte, int, bool) {
	return nil, 0, false
}

func (s *stubProvider) TrainLowWatermark(samples [][]byte) ([]byte, int, error) {
	s.lowCalls++
	return []byte("low-dict"), 3, nil
}

func (s *stubProvider) TrainHighWatermark(samples [][]byte) ([]byte, int, error) {
	s.highCalls++
	return []byte("high-dict"), 5, nil
}

// TestLowWatermarkFiresFirstCustomDictionary mirrors spec.md §8 scenario 4:
// feeding enough small eligible messages should cross the low watermark and
// mint dictionary ID 65536.
func TestLowWatermarkFiresFirstCustomDictionary(t *testing.T) {
	cfg := Config{MinSize: 32, TrainedMaxSize: 16384, LowWatermark: 100_000, HighWatermark: 10_000_000, RetrainInterval: time.Hour}
	provider := &stubProvider{}
	tr, err := New(cfg, provider, InitialDictCounter())
	require.NoError(t, err)
	defer tr.Close()

	payload := make([]byte, 40)
	total := 0
	for total < 120_000 {
		require.True(t, tr.Eligible(len(payload)))
		require.NoError(t, tr.Feed(payload))
		total += len(payload)
	}

	require.NoError(t, tr.CheckWatermarks(time.Now()))

	select {
	case res := <-tr.Results():
		require.NoError(t, res.Err)
		require.Equal(t, uint64(65536), res.DictID)
		require.Equal(t, "low", res.Watermark)
	case <-time.After(time.Second):
		t.Fatal("expected a training result")
	}

	require.Equal(t, BeforeHighWatermark, tr.kind)
	require.Equal(t, 1, provider.lowCalls)
}

func TestIneligiblePayloadsAreNotSampled(t *testing.T) {
	cfg := Config{MinSize: 32, TrainedMaxSize: 16384, LowWatermark: 1000, HighWatermark: 100_000, RetrainInterval: time.Hour}
	tr, err := New(cfg, &stubProvider{}, InitialDictCounter())
	require.NoError(t, err)
	defer tr.Close()

	require.False(t, tr.Eligible(4))
	require.False(t, tr.Eligible(20_000))
	require.True(t, tr.Eligible(100))
}

func TestHighWatermarkTransitionsToWaitingToRefresh(t *testing.T) {
	cfg := Config{MinSize: 1, TrainedMaxSize: 100, LowWatermark: 10, HighWatermark: 20, RetrainInterval: time.Hour}
	tr, err := New(cfg, &stubProvider{}, InitialDictCounter())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Feed(make([]byte, 25)))
	require.NoError(t, tr.CheckWatermarks(time.Now()))
	res := <-tr.Results() // skips straight to high watermark per §4.6, fires immediately
	require.Equal(t, "high", res.Watermark)

	require.Equal(t, WaitingToRefresh, tr.kind)
}

// InitialDictCounter mirrors Session.custom_dict_counter's starting value
// (§3: "custom_dict_counter: u64 initially 65 536").
func InitialDictCounter() uint64 { return 65536 }
