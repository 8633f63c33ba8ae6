package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Short:                   Window{Duration: time.Hour, Max: 2},
		Long:                    Window{Duration: 2 * time.Hour, Max: 5},
		IgnoreThreshold:         2,
		EngagementTrackingDelay: 10 * time.Millisecond,
		SuccessWindow:           15 * time.Minute,
	}
}

func TestCanRespondShortWindowCap(t *testing.T) {
	l := New(testConfig(), nil, nil)
	defer l.Close()

	ok, reason := l.CanRespond("c1")
	require.True(t, ok)
	require.Equal(t, ReasonNone, reason)

	l.RecordResponse("c1", "m1")
	l.RecordResponse("c1", "m2")

	ok, reason = l.CanRespond("c1")
	require.False(t, ok)
	require.Equal(t, ReasonRateLimitShort, reason)
}

func TestCanRespondIgnoreThreshold(t *testing.T) {
	l := New(testConfig(), nil, nil)
	defer l.Close()

	l.RecordIgnored("c1")
	l.RecordIgnored("c1")

	ok, reason := l.CanRespond("c1")
	require.False(t, ok)
	require.Equal(t, ReasonIgnored, reason)

	l.RecordEngagement("c1")
	ok, _ = l.CanRespond("c1")
	require.True(t, ok)
}

func TestRecordEngagementFloorsAtZero(t *testing.T) {
	l := New(testConfig(), nil, nil)
	defer l.Close()

	l.RecordEngagement("c1")
	l.RecordEngagement("c1")
	require.Equal(t, 0, l.Stats("c1").IgnoreCount)
}

func TestStatsReflectsSilencedState(t *testing.T) {
	l := New(testConfig(), nil, nil)
	defer l.Close()

	l.RecordIgnored("c1")
	l.RecordIgnored("c1")
	st := l.Stats("c1")
	require.True(t, st.Silenced)
	require.Equal(t, 2, st.IgnoreCount)
}

func TestScheduledEngagementCheckInvokesChecker(t *testing.T) {
	var calls int32
	checker := func(ctx context.Context, channelID, messageID string) bool {
		atomic.AddInt32(&calls, 1)
		return true
	}
	l := New(testConfig(), checker, nil)
	defer l.Close()

	l.RecordResponse("c1", "m1")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, 0, l.Stats("c1").IgnoreCount)
}

func TestScheduledEngagementCheckRecordsIgnoredWhenNotEngaged(t *testing.T) {
	checker := func(ctx context.Context, channelID, messageID string) bool {
		return false
	}
	l := New(testConfig(), checker, nil)
	defer l.Close()

	l.RecordResponse("c1", "m1")
	require.Eventually(t, func() bool {
		return l.Stats("c1").IgnoreCount == 1
	}, time.Second, time.Millisecond)
}

func TestCloseCancelsPendingChecks(t *testing.T) {
	cfg := testConfig()
	cfg.EngagementTrackingDelay = time.Hour
	l := New(cfg, func(ctx context.Context, channelID, messageID string) bool { return true }, nil)

	l.RecordResponse("c1", "m1")
	start := time.Now()
	require.NoError(t, l.Close())
	require.Less(t, time.Since(start), 2500*time.Millisecond)
}
