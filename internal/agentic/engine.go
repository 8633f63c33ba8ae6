// Package agentic implements the AgenticEngine:
// an hourly background loop that dispatches due follow-ups, considers
// proactive engagement in idle allowlisted channels, and performs
// maintenance (pruning, counter persistence). It shares the tool-use loop,
// context builder, and rate limiter with the reactive engine, mirroring
// the teacher's pattern of one send pipeline reused by multiple trigger
// sources (internal/channels/manager.go's per-tenant handling reused by
// both webhook ingest and scheduled jobs).
package agentic

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aldermoor/reedbot/internal/contextbuilder"
	"github.com/aldermoor/reedbot/internal/llmloop"
	"github.com/aldermoor/reedbot/internal/memory"
	"github.com/aldermoor/reedbot/internal/platform"
	"github.com/aldermoor/reedbot/internal/ratelimit"
	"github.com/aldermoor/reedbot/internal/reactive"
	"github.com/aldermoor/reedbot/internal/store"
)

// QuietHours mirrors reactive.QuietHours: a local-time [Start, End) window
// during which proactive engagement (not follow-up dispatch) is suppressed.
type QuietHours struct {
	StartHour int
	EndHour   int
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

// Config bundles the config.AgenticConfig tunables.
type Config struct {
	CheckInterval time.Duration

	FollowupsEnabled          bool
	FollowupMaxAgeDays        int
	FollowupPriorityThreshold Priority
	// PendingHorizon bounds how long an undispatched pending follow-up is
	// kept before being discarded as stale.
	PendingHorizon time.Duration
	// RequireRecentActivity gates follow-up dispatch on the user having
	// posted in the channel within the last 24h.
	RequireRecentActivity bool

	ProactiveEnabled     bool
	MinIdle              time.Duration
	MaxIdle              time.Duration
	MaxPerDayGlobal      int
	MaxPerDayPerChannel  int
	EngagementThreshold  float64
	QuietHours           QuietHours
	AllowedChannels      []string
	ChannelServers       map[string]string // channel_id -> server_id

	Model           string
	MaxSegmentChars int
}

// Engine is the AgenticEngine.
type Engine struct {
	cfg Config

	messages *store.MessageStore
	mem      *memory.Store
	builder  *contextbuilder.Builder
	limiter  *ratelimit.Limiter
	loop     *llmloop.Loop
	client   platform.Client
	logger   *slog.Logger
	botID    string

	mu               sync.Mutex
	dailyDate        string
	dailyGlobalCount int
	dailyChannel     map[string]int
	pendingProactive map[string]proactiveSend // sent message_id -> tracking info
}

type proactiveSend struct {
	serverID  string
	channelID string
}

// New creates an AgenticEngine.
func New(cfg Config, messages *store.MessageStore, mem *memory.Store, builder *contextbuilder.Builder, limiter *ratelimit.Limiter, loop *llmloop.Loop, client platform.Client, botID string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSegmentChars <= 0 {
		cfg.MaxSegmentChars = 2000
	}
	if cfg.PendingHorizon <= 0 {
		cfg.PendingHorizon = 90 * 24 * time.Hour
	}
	return &Engine{
		cfg:              cfg,
		messages:         messages,
		mem:              mem,
		builder:          builder,
		limiter:          limiter,
		loop:             loop,
		client:           client,
		botID:            botID,
		logger:           logger,
		dailyChannel:     make(map[string]int),
		pendingProactive: make(map[string]proactiveSend),
	}
}

// Tick runs one full pass: follow-up dispatch, proactive engagement, and
// maintenance, across every server the engine is configured for. Servers
// are cfg.ChannelServers' distinct values; an allowed channel missing from
// ChannelServers contributes no server.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.resetDailyIfNewDay(now)

	for _, serverID := range e.servers() {
		if e.cfg.FollowupsEnabled {
			e.dispatchFollowups(ctx, serverID, now)
		}
	}

	if e.cfg.ProactiveEnabled {
		for _, channelID := range e.cfg.AllowedChannels {
			e.considerProactive(ctx, channelID, now)
		}
	}

	for _, serverID := range e.servers() {
		e.maintain(ctx, serverID, now)
	}
}

func (e *Engine) servers() []string {
	seen := map[string]bool{}
	var out []string
	for _, sid := range e.cfg.ChannelServers {
		if !seen[sid] {
			seen[sid] = true
			out = append(out, sid)
		}
	}
	return out
}

// dispatchFollowups is
func (e *Engine) dispatchFollowups(ctx context.Context, serverID string, now time.Time) {
	f, err := loadFollowups(e.mem, e.botID, serverID)
	if err != nil {
		e.logger.Error("agentic: load followups failed", "server_id", serverID, "error", err)
		return
	}
	if len(f.Pending) == 0 {
		return
	}

	changed := false
	remaining := f.Pending[:0]
	for _, fu := range f.Pending {
		due := !fu.FollowUpAfter.After(now)
		eligible := due && fu.Priority.atLeast(e.cfg.FollowupPriorityThreshold)
		if eligible && e.cfg.RequireRecentActivity {
			eligible = e.userActiveRecently(ctx, fu.ChannelID, fu.UserID, now)
		}
		if !eligible {
			remaining = append(remaining, fu)
			continue
		}

		if err := e.sendFollowupCheckIn(ctx, fu); err != nil {
			e.logger.Error("agentic: follow-up dispatch failed", "id", fu.ID, "error", err)
			remaining = append(remaining, fu)
			continue
		}

		completedAt := now
		fu.Status = "completed"
		fu.CompletedDate = &completedAt
		f.Completed = append(f.Completed, fu)
		changed = true
	}
	f.Pending = remaining

	if changed {
		if err := saveFollowups(e.mem, e.botID, serverID, f); err != nil {
			e.logger.Error("agentic: save followups failed", "server_id", serverID, "error", err)
		}
	}
}

func (e *Engine) userActiveRecently(ctx context.Context, channelID, userID string, now time.Time) bool {
	recent, err := e.messages.GetRecent(ctx, channelID, 50)
	if err != nil {
		return false
	}
	cutoff := now.Add(-24 * time.Hour).UnixMilli()
	for _, m := range recent {
		if m.AuthorID == userID && m.TimestampMillis >= cutoff {
			return true
		}
	}
	return false
}

func (e *Engine) sendFollowupCheckIn(ctx context.Context, fu Followup) error {
	anchor := platform.Message{ChannelID: fu.ChannelID}
	req, err := e.builder.Build(ctx, anchor, contextbuilder.Options{
		Now: time.Now().UTC(),
		TaskInstruction: "Generate a brief, natural check-in message with " + fu.UserName +
			" about: " + fu.Event + ". Context: " + fu.Context + ". Do not mention that this is an automated follow-up.",
		ExcludeMessageIDs: map[string]bool{},
	})
	if err != nil {
		return err
	}

	result, err := e.loop.Run(ctx, e.cfg.Model, req.Messages)
	if err != nil {
		return err
	}

	return e.send(ctx, fu.ChannelID, "", result.FinalText)
}

// considerProactive is
func (e *Engine) considerProactive(ctx context.Context, channelID string, now time.Time) {
	serverID := e.cfg.ChannelServers[channelID]

	e.mu.Lock()
	underGlobal := e.dailyGlobalCount < e.cfg.MaxPerDayGlobal
	underChannel := e.dailyChannel[channelID] < e.cfg.MaxPerDayPerChannel
	e.mu.Unlock()
	if !underGlobal || !underChannel {
		return
	}
	if e.cfg.QuietHours.contains(now) {
		return
	}

	recent, err := e.messages.GetRecent(ctx, channelID, 1)
	if err != nil || len(recent) == 0 {
		return
	}
	last := recent[0]
	idle := now.Sub(time.UnixMilli(last.TimestampMillis))
	if idle < e.cfg.MinIdle || idle > e.cfg.MaxIdle {
		return
	}

	stats, err := loadChannelStats(e.mem, e.botID, serverID, channelID)
	if err != nil {
		e.logger.Error("agentic: load channel stats failed", "channel_id", channelID, "error", err)
		return
	}
	if stats.SuccessRate() <= e.cfg.EngagementThreshold {
		return
	}

	mode, text, err := e.decideProactiveEngagement(ctx, channelID, last)
	if err != nil {
		e.logger.Error("agentic: proactive decision failed", "channel_id", channelID, "error", err)
		return
	}
	if mode == "deferred" || text == "" {
		return // re-evaluated next tick
	}

	replyTo := ""
	if mode == "woven" {
		replyTo = last.MessageID
	}
	if err := e.sendProactive(ctx, serverID, channelID, replyTo, text); err != nil {
		e.logger.Error("agentic: proactive send failed", "channel_id", channelID, "error", err)
		return
	}

	e.mu.Lock()
	e.dailyGlobalCount++
	e.dailyChannel[channelID]++
	e.mu.Unlock()

	stats.TotalAttempts++
	stats.LastUpdated = now
	if err := saveChannelStats(e.mem, e.botID, serverID, channelID, stats); err != nil {
		e.logger.Error("agentic: save channel stats failed", "channel_id", channelID, "error", err)
	}
}

// decideProactiveEngagement asks the LLM for a delivery decision. The model
// is instructed to reply with exactly "SKIP" to defer, or with the message
// text optionally prefixed "WOVEN:" to request a reply-style delivery.
func (e *Engine) decideProactiveEngagement(ctx context.Context, channelID string, last platform.Message) (mode, text string, err error) {
	anchor := platform.Message{ChannelID: channelID}
	req, err := e.builder.Build(ctx, anchor, contextbuilder.Options{
		Now: time.Now().UTC(),
		TaskInstruction: "This channel has been idle. Decide whether a proactive check-in fits now. " +
			"Reply with exactly SKIP to defer. Otherwise reply with the message to send, " +
			"optionally prefixed with WOVEN: to send it as a reply to the most recent message.",
		ExcludeMessageIDs: map[string]bool{},
	})
	if err != nil {
		return "", "", err
	}

	result, err := e.loop.Run(ctx, e.cfg.Model, req.Messages)
	if err != nil {
		return "", "", err
	}

	raw := strings.TrimSpace(result.FinalText)
	if raw == "" || strings.EqualFold(raw, "SKIP") {
		return "deferred", "", nil
	}
	if strings.HasPrefix(raw, "WOVEN:") {
		return "woven", strings.TrimSpace(strings.TrimPrefix(raw, "WOVEN:")), nil
	}
	return "standalone", raw, nil
}

// send delivers a follow-up check-in; these are not tracked for
// ChannelStats success attribution (that applies to proactive engagement
// only).
func (e *Engine) send(ctx context.Context, channelID, replyToID, text string) error {
	return e.deliver(ctx, channelID, replyToID, text, nil)
}

// sendProactive delivers a proactive engagement message and registers its
// first segment's message ID for success attribution via EngagementChecker.
func (e *Engine) sendProactive(ctx context.Context, serverID, channelID, replyToID, text string) error {
	track := &proactiveSend{serverID: serverID, channelID: channelID}
	return e.deliver(ctx, channelID, replyToID, text, track)
}

func (e *Engine) deliver(ctx context.Context, channelID, replyToID, text string, track *proactiveSend) error {
	segments := reactive.SplitMessage(text, e.cfg.MaxSegmentChars)
	for i, seg := range segments {
		sent, err := e.client.Send(ctx, platform.OutgoingMessage{ChannelID: channelID, Text: seg, ReplyToID: replyToID})
		if err != nil {
			return err
		}
		outMsg := platform.Message{
			MessageID:         sent.MessageID,
			ChannelID:         channelID,
			AuthorID:          e.botID,
			AuthorDisplayName: "Assistant",
			Text:              seg,
			TimestampMillis:   sent.SentAtMS,
			IsBot:             true,
		}
		if err := e.messages.Put(ctx, outMsg); err != nil {
			e.logger.Error("agentic: failed to store outgoing message", "error", err)
		}
		if track != nil && i == 0 {
			e.mu.Lock()
			e.pendingProactive[sent.MessageID] = *track
			e.mu.Unlock()
		}
		e.limiter.RecordResponse(channelID, sent.MessageID)
		replyToID = "" // only the first segment replies; later segments are standalone continuations
	}
	return nil
}

// maintain is
func (e *Engine) maintain(ctx context.Context, serverID string, now time.Time) {
	f, err := loadFollowups(e.mem, e.botID, serverID)
	if err != nil {
		return
	}
	before := len(f.Completed) + len(f.Pending)
	pruneCompleted(f, now, e.cfg.FollowupMaxAgeDays)
	pruneStalePending(f, now, e.cfg.PendingHorizon)
	if len(f.Completed)+len(f.Pending) != before {
		if err := saveFollowups(e.mem, e.botID, serverID, f); err != nil {
			e.logger.Error("agentic: maintenance save failed", "server_id", serverID, "error", err)
		}
	}
}

func (e *Engine) resetDailyIfNewDay(now time.Time) {
	date := now.UTC().Format("2006-01-02")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dailyDate != date {
		e.dailyDate = date
		e.dailyGlobalCount = 0
		e.dailyChannel = make(map[string]int)
	}
}

// EngagementChecker implements ratelimit.EngagementChecker, shared with the
// reactive engine's instance so every outgoing message — reactive or
// proactive — contributes to the same ignore-threshold tracking. When
// messageID was a tracked proactive send, success is also attributed to
// the channel's stored ChannelStats.
func (e *Engine) EngagementChecker(ctx context.Context, channelID, messageID string) bool {
	engaged := e.probeEngagement(ctx, channelID, messageID)

	e.mu.Lock()
	track, tracked := e.pendingProactive[messageID]
	if tracked {
		delete(e.pendingProactive, messageID)
	}
	e.mu.Unlock()

	if tracked && engaged {
		stats, err := loadChannelStats(e.mem, e.botID, track.serverID, track.channelID)
		if err == nil {
			stats.SuccessfulAttempts++
			stats.LastUpdated = time.Now().UTC()
			_ = saveChannelStats(e.mem, e.botID, track.serverID, track.channelID, stats)
		}
	}
	return engaged
}

// probeEngagement looks for a reaction on the sent message or any later
// message from someone other than the bot. It runs once, when the
// limiter's engagement tracking delay elapses, so only activity up to that
// moment counts; the limiter's SuccessWindow setting is not consulted.
func (e *Engine) probeEngagement(ctx context.Context, channelID, messageID string) bool {
	around, err := e.messages.GetAround(ctx, messageID, 0)
	if err != nil || len(around) == 0 {
		return false
	}
	sent := around[0]
	if len(sent.Reactions) > 0 {
		return true
	}

	recent, err := e.messages.GetRecent(ctx, channelID, 20)
	if err != nil {
		return false
	}
	for _, m := range recent {
		if m.TimestampMillis > sent.TimestampMillis && m.AuthorID != e.botID {
			return true
		}
	}
	return false
}
