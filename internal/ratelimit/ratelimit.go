// Package ratelimit implements the per-channel RateLimiter described in
// two sliding windows, an ignore counter, and a scheduled
// engagement-tracking deadline per outgoing message. The bounded-map,
// sliding-window idiom is adapted from the teacher's
// internal/channels/ratelimit.go WebhookRateLimiter.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reason is returned by CanRespond when a response is refused.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonRateLimitShort Reason = "rate_limit_short"
	ReasonRateLimitLong  Reason = "rate_limit_long"
	ReasonIgnored        Reason = "ignored_threshold"
)

// maxTrackedChannels bounds memory the way the teacher's maxTrackedKeys does
// for its webhook limiter: past this many distinct channels, the oldest
// untouched entry is evicted to make room.
const maxTrackedChannels = 4096

// Window holds the duration and cap for one sliding window.
type Window struct {
	Duration time.Duration
	Max      int
}

// Config configures a Limiter. New uses every field as given; zero values
// are not replaced (DefaultConfig returns the baseline values).
type Config struct {
	Short                  Window
	Long                   Window
	IgnoreThreshold        int
	EngagementTrackingDelay time.Duration
	SuccessWindow          time.Duration
}

// DefaultConfig returns this package's baseline window/threshold defaults.
func DefaultConfig() Config {
	return Config{
		Short:                   Window{Duration: 5 * time.Minute, Max: 20},
		Long:                    Window{Duration: 60 * time.Minute, Max: 200},
		IgnoreThreshold:         5,
		EngagementTrackingDelay: 30 * time.Second,
		SuccessWindow:           15 * time.Minute,
	}
}

// Stats is the snapshot returned by Stats.
type Stats struct {
	ShortCount  int
	LongCount   int
	IgnoreCount int
	Silenced    bool
}

// EngagementChecker is invoked when a tracking deadline elapses; it reports
// whether the outgoing message was engaged with ("loose engagement" per
// a reaction, a formal reply, or any later message from the
// original recipient).
type EngagementChecker func(ctx context.Context, channelID, messageID string) (engaged bool)

type channelState struct {
	short   []time.Time
	long    []time.Time
	ignored int
	pending map[string]time.Time // outgoing message_id -> deadline
	lastUse time.Time
}

// OutcomeLogger is notified whenever an outgoing message's engagement
// resolves, whichever path resolved it first (push via NotifyEngagement,
// or the delayed deadline). source is "push" or "delayed".
type OutcomeLogger func(channelID, messageID string, engaged bool, source string)

// Limiter tracks response rate and engagement per channel.
type Limiter struct {
	cfg     Config
	checker EngagementChecker
	logger  *slog.Logger
	onOutcome OutcomeLogger

	mu       sync.Mutex
	channels map[string]*channelState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// WithOutcomeLogger attaches an observer invoked on every resolved
// engagement outcome, used by the conversation log to record
// [ENGAGEMENT] lines. Safe to call with nil (no-op).
func (l *Limiter) WithOutcomeLogger(fn OutcomeLogger) *Limiter {
	l.onOutcome = fn
	return l
}

// New creates a Limiter. checker may be nil, in which case scheduled
// deadlines are silently dropped (useful in tests that only exercise
// CanRespond/RecordResponse directly).
func New(cfg Config, checker EngagementChecker, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:      cfg,
		checker:  checker,
		logger:   logger,
		channels: make(map[string]*channelState),
		stopCh:   make(chan struct{}),
	}
}

func (l *Limiter) stateFor(channelID string) *channelState {
	st, ok := l.channels[channelID]
	if ok {
		st.lastUse = time.Now()
		return st
	}
	if len(l.channels) >= maxTrackedChannels {
		l.evictOldestLocked()
	}
	st = &channelState{pending: make(map[string]time.Time), lastUse: time.Now()}
	l.channels[channelID] = st
	return st
}

func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, v := range l.channels {
		if first || v.lastUse.Before(oldest) {
			oldestKey, oldest, first = k, v.lastUse, false
		}
	}
	if !first {
		delete(l.channels, oldestKey)
	}
}

// trim removes timestamps older than the window from now, keeping both
// windows monotonic.
func trim(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}

// CanRespond reports whether channelID may receive another response now.
func (l *Limiter) CanRespond(channelID string) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	st := l.stateFor(channelID)
	st.short = trim(st.short, now, l.cfg.Short.Duration)
	st.long = trim(st.long, now, l.cfg.Long.Duration)

	if len(st.short) >= l.cfg.Short.Max {
		return false, ReasonRateLimitShort
	}
	if len(st.long) >= l.cfg.Long.Max {
		return false, ReasonRateLimitLong
	}
	if st.ignored >= l.cfg.IgnoreThreshold {
		return false, ReasonIgnored
	}
	return true, ReasonNone
}

// RecordResponse registers an outgoing message and schedules its engagement
// check at now + tracking delay.
func (l *Limiter) RecordResponse(channelID, messageID string) {
	now := time.Now()

	l.mu.Lock()
	st := l.stateFor(channelID)
	st.short = append(st.short, now)
	st.long = append(st.long, now)
	deadline := now.Add(l.cfg.EngagementTrackingDelay)
	st.pending[messageID] = deadline
	l.mu.Unlock()

	l.scheduleCheck(channelID, messageID, l.cfg.EngagementTrackingDelay)
}

// RecordEngagement decrements ignore_count, never going below zero.
func (l *Limiter) RecordEngagement(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(channelID)
	if st.ignored > 0 {
		st.ignored--
	}
}

// RecordIgnored increments ignore_count.
func (l *Limiter) RecordIgnored(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(channelID)
	st.ignored++
}

// NotifyEngagement resolves messageID as engaged immediately, ahead of its
// scheduled deadline — the push path for a reaction landing on an outgoing
// message. Idempotent: once messageID's deadline has already fired (or a
// prior push already resolved it), this is a no-op, so the additive
// snapshot-and-hook paths never double-count.
func (l *Limiter) NotifyEngagement(channelID, messageID string) {
	l.mu.Lock()
	st, ok := l.channels[channelID]
	if !ok {
		l.mu.Unlock()
		return
	}
	if _, stillPending := st.pending[messageID]; !stillPending {
		l.mu.Unlock()
		return
	}
	delete(st.pending, messageID)
	l.mu.Unlock()
	l.RecordEngagement(channelID)
	if l.onOutcome != nil {
		l.onOutcome(channelID, messageID, true, "push")
	}
}

// Stats returns a snapshot for channelID after trimming its windows.
func (l *Limiter) Stats(channelID string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	st := l.stateFor(channelID)
	st.short = trim(st.short, now, l.cfg.Short.Duration)
	st.long = trim(st.long, now, l.cfg.Long.Duration)

	return Stats{
		ShortCount:  len(st.short),
		LongCount:   len(st.long),
		IgnoreCount: st.ignored,
		Silenced:    st.ignored >= l.cfg.IgnoreThreshold,
	}
}

// Config returns the limiter's tunables, used by callers (e.g. the
// conversation log) that need the configured caps alongside Stats' counts.
func (l *Limiter) Config() Config { return l.cfg }

// scheduleCheck runs the delayed engagement check in its own goroutine,
// tracked by l.wg so Close can wait for (or abandon) it within its budget.
func (l *Limiter) scheduleCheck(channelID, messageID string, delay time.Duration) {
	if l.checker == nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-l.stopCh:
			return
		}

		l.mu.Lock()
		st, ok := l.channels[channelID]
		if !ok {
			l.mu.Unlock()
			return
		}
		if _, stillPending := st.pending[messageID]; !stillPending {
			// Already resolved by the push path (NotifyEngagement); the
			// delayed check is additive, not authoritative, so it yields.
			l.mu.Unlock()
			return
		}
		delete(st.pending, messageID)
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engaged := l.checker(ctx, channelID, messageID)

		if engaged {
			l.RecordEngagement(channelID)
		} else {
			l.RecordIgnored(channelID)
		}
		if l.onOutcome != nil {
			l.onOutcome(channelID, messageID, engaged, "delayed")
		}
		l.logger.Debug("engagement check complete", "channel_id", channelID, "message_id", messageID, "engaged", engaged)
	}()
}

// Close cancels all pending engagement checks, returning once they have
// unwound or the 2s shutdown budget elapses.
func (l *Limiter) Close() error {
	close(l.stopCh)
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		l.logger.Warn("ratelimit shutdown budget exceeded, abandoning pending engagement checks")
	}
	return nil
}
