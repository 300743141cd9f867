package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStreamStats(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	reg := prometheus.NewRegistry()
	s, err := NewStreamStats(reg, zap.NewNop())
	re.NoError(err)

	h := s.OpenHandle(FetchEntries, "users")
	re.NotEmpty(h.ID())
	re.Equal(FetchEntries, h.Operation())
	re.Equal("users", h.Store())
	re.Len(s.Handles(), 1)
	re.Equal(1.0, testutil.ToFloat64(s.active.WithLabelValues("fetch_entries")))

	h.IncrementEntriesScanned()
	h.IncrementEntriesScanned()
	s.RecordDiskTime(h, time.Millisecond)
	s.RecordDiskTime(h, 2*time.Millisecond)
	s.RecordNetworkTime(h, 5*time.Millisecond)

	re.Equal(int64(2), h.EntriesScanned())
	re.Equal(3*time.Millisecond, h.DiskTime())
	re.Equal(5*time.Millisecond, h.NetworkTime())
	re.Equal(2.0, testutil.ToFloat64(s.entriesScanned.WithLabelValues("fetch_entries", "users")))
	re.Equal(1, testutil.CollectAndCount(s.diskTime))

	s.CloseHandle(h)
	s.CloseHandle(h)
	s.CloseHandle(nil)
	re.Empty(s.Handles())
	re.Equal(0.0, testutil.ToFloat64(s.active.WithLabelValues("fetch_entries")))
	re.Equal(1.0, testutil.ToFloat64(s.completed.WithLabelValues("fetch_entries")))
}

func TestNewStreamStatsSharesRegisteredMetrics(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	reg := prometheus.NewRegistry()
	s1, err := NewStreamStats(reg, zap.NewNop())
	re.NoError(err)
	s2, err := NewStreamStats(reg, zap.NewNop())
	re.NoError(err)

	s1.OpenHandle(FetchKeys, "users").IncrementEntriesScanned()
	s2.OpenHandle(FetchKeys, "users").IncrementEntriesScanned()
	re.Equal(2.0, testutil.ToFloat64(s1.entriesScanned.WithLabelValues("fetch_keys", "users")))
}

func TestNewStreamStatsUnregistered(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	s, err := NewStreamStats(nil, zap.NewNop())
	re.NoError(err)
	h := s.OpenHandle(FetchEntries, "users")
	h.IncrementEntriesScanned()
	re.Equal(int64(1), h.EntriesScanned())
}

func TestOperationString(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.Equal("fetch_entries", FetchEntries.String())
	re.Equal("fetch_keys", FetchKeys.String())
	re.Equal("unknown", Operation(9).String())
}
