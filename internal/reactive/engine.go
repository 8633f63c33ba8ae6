// Package reactive implements the ReactiveEngine:
// an urgent path for mentions/replies and a periodic scan path, both
// funneled through a per-channel serialization lock, momentum-biased
// response decisions, and the Respond() send pipeline. Grounded on the
// teacher's per-tenant exclusive-lock idiom (internal/channels/manager.go)
// generalized from "one lock per tenant" to "one lock per channel".
package reactive

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/aldermoor/reedbot/internal/contextbuilder"
	"github.com/aldermoor/reedbot/internal/convlog"
	"github.com/aldermoor/reedbot/internal/llmloop"
	"github.com/aldermoor/reedbot/internal/platform"
	"github.com/aldermoor/reedbot/internal/ratelimit"
	"github.com/aldermoor/reedbot/internal/store"
)

// MomentumThresholds configures the HOT/WARM/COLD classification boundary
// (configurable, defaults 15/60 min).
type MomentumThresholds struct {
	HotUnder  time.Duration
	WarmUnder time.Duration
}

// EngagementRates are the Decide() response probabilities by momentum.
type EngagementRates struct {
	Cold    float64
	Warm    float64
	Hot     float64
	Mention float64
}

// QuietHours is a local-time [Start, End) hour window honored by the scan
// path only; the urgent path always responds regardless.
type QuietHours struct {
	StartHour int
	EndHour   int
}

// CooldownLadder bounds how soon the scan path may respond in a channel
// again after it last did. The rung is picked by what has happened there
// since (nothing, one message, several messages or authors, or heavy
// activity); each rung's duration comes from config.
type CooldownLadder struct {
	PerUser       time.Duration
	SingleMessage time.Duration
	MultiMessage  time.Duration
	HeavyActivity time.Duration
}

// heavyActivityThreshold is the new-message count, since the last
// response, at or above which a channel is classed as heavy activity rather
// than multi-message.
const heavyActivityThreshold = 6

// cooldownFor classifies activity in a channel since lastResponse and
// returns the ladder rung that applies. A zero-value rung (the default)
// means no cooldown is enforced.
func (l CooldownLadder) cooldownFor(newSinceLastResponse []platform.Message) time.Duration {
	if len(newSinceLastResponse) == 0 {
		return l.PerUser
	}
	authors := map[string]bool{}
	for _, m := range newSinceLastResponse {
		authors[m.AuthorID] = true
	}
	switch {
	case len(newSinceLastResponse) >= heavyActivityThreshold:
		return l.HeavyActivity
	case len(authors) > 1 || len(newSinceLastResponse) > 1:
		return l.MultiMessage
	default:
		return l.SingleMessage
	}
}

func (q QuietHours) contains(t time.Time) bool {
	if q.StartHour == q.EndHour {
		return false
	}
	h := t.Hour()
	if q.StartHour < q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}
	return h >= q.StartHour || h < q.EndHour
}

// Config bundles the tunables Decide()/Respond() need.
type Config struct {
	Momentum        MomentumThresholds
	Rates           EngagementRates
	QuietHours      QuietHours
	Cooldowns       CooldownLadder
	WindowSize      int
	IterationCap    int
	MaxSegmentChars int
	TypingDelayMS   int
}

// Engine is the ReactiveEngine.
type Engine struct {
	cfg Config

	messages *store.MessageStore
	builder  *contextbuilder.Builder
	limiter  *ratelimit.Limiter
	loop     *llmloop.Loop
	client   platform.Client
	logger   *slog.Logger
	model    string

	botID string

	chanLocksMu sync.Mutex
	chanLocks   map[string]*sync.Mutex

	lastRespMu sync.Mutex
	lastResp   map[string]time.Time

	dedup   *dedupSet
	convLog *convlog.Logger
}

// WithConversationLog attaches the machine-parseable conversation log
// sink; decisions and rate-limit snapshots are written there in addition
// to the normal structured logger. Safe to call with nil (no-op).
func (e *Engine) WithConversationLog(l *convlog.Logger) *Engine {
	e.convLog = l
	return e
}

// New creates a ReactiveEngine.
func New(cfg Config, messages *store.MessageStore, builder *contextbuilder.Builder, limiter *ratelimit.Limiter, loop *llmloop.Loop, client platform.Client, botID, model string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSegmentChars <= 0 {
		cfg.MaxSegmentChars = 2000
	}
	return &Engine{
		cfg:       cfg,
		messages:  messages,
		builder:   builder,
		limiter:   limiter,
		loop:      loop,
		client:    client,
		botID:     botID,
		model:     model,
		logger:    logger,
		chanLocks: make(map[string]*sync.Mutex),
		lastResp:  make(map[string]time.Time),
		dedup:     newDedupSet(256),
	}
}

func (e *Engine) markResponded(channelID string, at time.Time) {
	e.lastRespMu.Lock()
	e.lastResp[channelID] = at
	e.lastRespMu.Unlock()
}

// inCooldown reports whether channelID's scan-path cooldown, classified by
// activity since the last response, has not yet elapsed.
func (e *Engine) inCooldown(channelID string, recentNewestFirst []platform.Message, now time.Time) bool {
	e.lastRespMu.Lock()
	last, ok := e.lastResp[channelID]
	e.lastRespMu.Unlock()
	if !ok {
		return false
	}

	var since []platform.Message
	for _, m := range recentNewestFirst {
		if m.TimestampMillis <= last.UnixMilli() {
			break
		}
		since = append(since, m)
	}

	cooldown := e.cfg.Cooldowns.cooldownFor(since)
	if cooldown <= 0 {
		return false
	}
	return now.Sub(last) < cooldown
}

func (e *Engine) lockFor(channelID string) *sync.Mutex {
	e.chanLocksMu.Lock()
	defer e.chanLocksMu.Unlock()
	l, ok := e.chanLocks[channelID]
	if !ok {
		l = &sync.Mutex{}
		e.chanLocks[channelID] = l
	}
	return l
}

// HandleMention is the urgent entry point: called immediately on ingest
// when the bot is mentioned or replied to.
func (e *Engine) HandleMention(ctx context.Context, msg platform.Message) {
	lock := e.lockFor(msg.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	if e.dedup.Contains(msg.MessageID) {
		return
	}
	e.Respond(ctx, msg)
}

// ScanChannel is the periodic scan entry point: call once per
// check interval for each channel whose activity has advanced since the
// last scan and is not in cooldown.
func (e *Engine) ScanChannel(ctx context.Context, channelID string, now time.Time) {
	recent, err := e.messages.GetRecent(ctx, channelID, 20)
	if err != nil || len(recent) == 0 {
		return
	}
	// GetRecent is newest-first; the scan answers the newest message not
	// written by a bot, so the bot's own stored replies are never answered.
	var latest platform.Message
	found := false
	for _, m := range recent {
		if !m.IsBot {
			latest, found = m, true
			break
		}
	}
	if !found {
		return
	}

	lock := e.lockFor(channelID)
	lock.Lock()
	defer lock.Unlock()

	if e.dedup.Contains(latest.MessageID) {
		return
	}
	if e.cfg.QuietHours.contains(now) {
		return
	}
	if e.inCooldown(channelID, recent, now) {
		return
	}

	decision := e.Decide(ctx, recent, false)
	if !decision {
		return
	}
	e.Respond(ctx, latest)
}

// Decide computes momentum over the last 20 messages, builds a minimal
// context from them, and consults the LLM for a binary respond decision
// biased by the momentum's engagement rate. isMention forces
// always-respond without consulting the model. A failed or uninformative
// consult (no messages to show it, or a provider error) falls back to a
// bare draw against the rate.
func (e *Engine) Decide(ctx context.Context, recentNewestFirst []platform.Message, isMention bool) bool {
	if isMention {
		return true
	}
	momentum := e.momentumFrom(recentNewestFirst)
	rate := e.cfg.Rates.Cold
	switch momentum {
	case platform.MomentumHot:
		rate = e.cfg.Rates.Hot
	case platform.MomentumWarm:
		rate = e.cfg.Rates.Warm
	}

	if len(recentNewestFirst) == 0 {
		return rand.Float64() < rate
	}

	system, transcript := e.builder.BuildDecisionPrompt(recentNewestFirst)
	decided, err := e.loop.Decide(ctx, e.model, system, transcript, rate)
	if err != nil {
		e.logger.Warn("reactive: decide consult failed, falling back to rate draw", "error", err)
		return rand.Float64() < rate
	}
	return decided
}

// momentumFrom computes average inter-arrival gap over up to the last 20
// messages .
func (e *Engine) momentumFrom(recentNewestFirst []platform.Message) platform.Momentum {
	if len(recentNewestFirst) < 2 {
		return platform.MomentumCold
	}
	n := len(recentNewestFirst)
	if n > 20 {
		n = 20
	}
	span := recentNewestFirst[0].TimestampMillis - recentNewestFirst[n-1].TimestampMillis
	gaps := n - 1
	if gaps <= 0 {
		return platform.MomentumCold
	}
	avgGap := time.Duration(span/int64(gaps)) * time.Millisecond

	hot := e.cfg.Momentum.HotUnder
	warm := e.cfg.Momentum.WarmUnder
	if hot <= 0 {
		hot = 15 * time.Minute
	}
	if warm <= 0 {
		warm = 60 * time.Minute
	}

	switch {
	case avgGap < hot:
		return platform.MomentumHot
	case avgGap < warm:
		return platform.MomentumWarm
	default:
		return platform.MomentumCold
	}
}

// Respond executes the full pipeline from rate-limit check,
// context build, tool-use loop, segment+send, store, record, dedup.
func (e *Engine) Respond(ctx context.Context, triggering platform.Message) {
	ok, reason := e.limiter.CanRespond(triggering.ChannelID)
	if !ok {
		e.logger.Debug("reactive: response suppressed", "channel_id", triggering.ChannelID, "reason", reason)
		e.logDecision(triggering, false, string(reason), 0)
		return
	}

	req, err := e.builder.Build(ctx, triggering, contextbuilder.Options{
		Now:               time.Now().UTC(),
		ExcludeMessageIDs: map[string]bool{},
	})
	if err != nil {
		e.logger.Error("reactive: context build failed", "error", err)
		e.logDecision(triggering, false, "context_build_error", 0)
		return
	}

	result, err := e.loop.Run(ctx, e.model, req.Messages)
	if err != nil {
		e.logger.Error("reactive: provider call failed", "error", err)
		e.logDecision(triggering, false, "provider_error", 0)
		return
	}

	segments := SplitMessage(result.FinalText, e.cfg.MaxSegmentChars)
	e.logDecision(triggering, true, "ok", len(result.FinalText))
	e.markResponded(triggering.ChannelID, time.Now())
	for _, seg := range segments {
		stop, err := e.client.StartTyping(ctx, triggering.ChannelID)
		if err != nil {
			e.logger.Warn("reactive: typing indicator failed", "error", err)
		}
		if e.cfg.TypingDelayMS > 0 {
			time.Sleep(time.Duration(e.cfg.TypingDelayMS) * time.Millisecond)
		}
		sent, err := e.client.Send(ctx, platform.OutgoingMessage{ChannelID: triggering.ChannelID, Text: seg})
		if stop != nil {
			stop()
		}
		if err != nil {
			e.logger.Error("reactive: send failed", "error", err)
			continue
		}

		outMsg := platform.Message{
			MessageID:         sent.MessageID,
			ChannelID:         triggering.ChannelID,
			AuthorID:          e.botID,
			AuthorDisplayName: "Assistant",
			Text:              seg,
			TimestampMillis:   sent.SentAtMS,
			IsBot:             true,
		}
		if err := e.messages.Put(ctx, outMsg); err != nil {
			e.logger.Error("reactive: failed to store outgoing message", "error", err)
		}
		e.limiter.RecordResponse(triggering.ChannelID, sent.MessageID)
	}

	e.dedup.Add(triggering.MessageID)
}

// logDecision writes one [DECISION]/[RATE_LIMIT] record to the
// conversation log, if attached. No-op when convLog is nil.
func (e *Engine) logDecision(triggering platform.Message, responded bool, reason string, outgoingLen int) {
	if e.convLog == nil {
		return
	}
	stats := e.limiter.Stats(triggering.ChannelID)
	cfg := e.limiter.Config()
	snap := &convlog.RateLimitSnapshot{
		ShortCount: stats.ShortCount, ShortMax: cfg.Short.Max,
		LongCount: stats.LongCount, LongMax: cfg.Long.Max,
		IgnoreCount: stats.IgnoreCount, IgnoreMax: cfg.IgnoreThreshold,
	}
	e.convLog.Decision(time.Now(), triggering.ChannelID, triggering.AuthorDisplayName, triggering.Text, responded, reason, snap, outgoingLen)
}
