package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aldermoor/reedbot/internal/agentic"
	"github.com/aldermoor/reedbot/internal/channels/discord"
	"github.com/aldermoor/reedbot/internal/config"
	"github.com/aldermoor/reedbot/internal/contextbuilder"
	"github.com/aldermoor/reedbot/internal/convlog"
	"github.com/aldermoor/reedbot/internal/llmloop"
	"github.com/aldermoor/reedbot/internal/memory"
	"github.com/aldermoor/reedbot/internal/platform"
	"github.com/aldermoor/reedbot/internal/providers"
	"github.com/aldermoor/reedbot/internal/ratelimit"
	"github.com/aldermoor/reedbot/internal/reactive"
	"github.com/aldermoor/reedbot/internal/store"
	"github.com/aldermoor/reedbot/internal/toolrouter"
)

// discordCDNHosts is the fixed allowlist for the image pipeline's download
// step. Not configurable (spec §6 lists no images.allowed_hosts key) —
// this process only ever talks to Discord's own CDN for attachments.
var discordCDNHosts = []string{"cdn.discordapp.com", "media.discordapp.net"}

func spawnCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "spawn <bot_id>",
		Short: "Start a bot instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = filepath.Join("config", args[0]+".yaml")
			}
			return runSpawn(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the bot's YAML config (default: config/<bot_id>.yaml)")
	return cmd
}

// botRuntime bundles every long-lived component a running bot owns, so
// shutdown can close/cancel them in one place.
type botRuntime struct {
	cfg      *config.Config
	messages *store.MessageStore
	mem      *memory.Store
	limiter  *ratelimit.Limiter
	conv     *convlog.Logger
	channel  *discord.Channel
	reactive *reactive.Engine
	agentic  *agentic.Engine
}

func runSpawn(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("spawn: load config: %w", err)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join("logs", cfg.BotID+".log")
	}
	logger := newProcessLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("spawning bot", "bot_id", cfg.BotID, "config", configPath)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.channel.Start(ctx); err != nil {
		return fmt.Errorf("spawn: start platform client: %w", err)
	}

	if cfg.Discord.BackfillEnabled {
		runBackfill := func() { backfillAll(ctx, cfg, rt) }
		if cfg.Discord.BackfillInBackground {
			go runBackfill()
		} else {
			runBackfill()
		}
	}

	scanTicker := time.NewTicker(time.Duration(cfg.Reactive.CheckIntervalSeconds) * time.Second)
	defer scanTicker.Stop()
	agenticInterval := time.Duration(cfg.Agentic.CheckIntervalHours * float64(time.Hour))
	if agenticInterval <= 0 {
		agenticInterval = time.Hour
	}
	agenticTicker := time.NewTicker(agenticInterval)
	defer agenticTicker.Stop()

	logger.Info("bot running", "bot_id", cfg.BotID)

runLoop:
	for {
		select {
		case <-ctx.Done():
			break runLoop
		case <-scanTicker.C:
			scanAllChannels(ctx, rt)
		case <-agenticTicker.C:
			rt.agentic.Tick(ctx, time.Now())
		}
	}

	logger.Info("shutting down", "bot_id", cfg.BotID)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = rt.channel.Stop(shutdownCtx)
	_ = rt.limiter.Close()
	_ = rt.conv.Close()
	if err := rt.messages.Close(); err != nil {
		logger.Error("message store close failed", "error", err)
		return err
	}
	return nil
}

// buildRuntime wires the seven components per SPEC_FULL.md §3: MessageStore,
// MemoryStore, RateLimiter, ContextBuilder, ToolRouter/Loop, ReactiveEngine,
// AgenticEngine, plus the Discord adapter and conversation log sink.
func buildRuntime(cfg *config.Config, logger *slog.Logger) (*botRuntime, error) {
	if err := os.MkdirAll("persistence", 0o755); err != nil {
		return nil, fmt.Errorf("create persistence dir: %w", err)
	}
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	messages, err := store.Open(filepath.Join("persistence", cfg.BotID+"_messages.db"))
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	mem, err := memory.New(cfg.BotID, filepath.Join("memories", cfg.BotID))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	quota, err := toolrouter.NewWebQuotaStore(filepath.Join("persistence", cfg.BotID+"_web_search_stats.json"), cfg.API.WebSearch.MaxDaily)
	if err != nil {
		return nil, fmt.Errorf("open web quota store: %w", err)
	}

	conv, err := convlog.Open(filepath.Join("logs", cfg.BotID+"_conversations.log"))
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}

	users := contextbuilder.NewSyncUserCache()
	builder := contextbuilder.New(messages, users, cfg.BotID, cfg.Reactive.ContextWindow)

	imageProc := toolrouter.NewImageProcessor(discordCDNHosts, cfg.Images.CompressionTarget)
	if cfg.Images.Enabled {
		maxImages := cfg.Images.MaxPerMessage
		if maxImages <= 0 || maxImages > toolrouter.MaxImagesPerMessage() {
			maxImages = toolrouter.MaxImagesPerMessage()
		}
		builder.WithImages(toolrouter.ContextFetcher{Processor: imageProc}, maxImages, logger)
	}

	router := toolrouter.New(quota, logger,
		toolrouter.NewMemoryTool(mem),
		toolrouter.NewSearchMessagesTool(messages),
		toolrouter.NewViewMessagesTool(messages),
	)

	provider := providers.NewAnthropicProvider(cfg.API.APIKey,
		providers.WithAnthropicModel(cfg.API.Model),
		providers.WithAnthropicWebSearch(cfg.API.WebSearch.Enabled, cfg.API.WebSearch.MaxPerRequest, cfg.API.WebSearch.AllowedDomains, cfg.API.WebSearch.BlockedDomains),
	)

	loop := llmloop.New(provider, router, toolrouter.DefaultIterationCap).WithLogger(logger)
	loopOpts := map[string]interface{}{providers.OptMaxTokens: cfg.API.MaxTokens}
	if cfg.API.ExtendedThinking.Enabled {
		loopOpts[providers.OptThinkingLevel] = thinkingLevelFor(cfg.API.ExtendedThinking.BudgetTokens)
	}
	loop.WithOptions(loopOpts)

	var channel *discord.Channel
	var agenticEngine *agentic.Engine

	limiter := ratelimit.New(ratelimit.Config{
		Short:                   ratelimit.Window{Duration: time.Duration(cfg.RateLimit.Short.DurationMinutes) * time.Minute, Max: cfg.RateLimit.Short.MaxResponses},
		Long:                    ratelimit.Window{Duration: time.Duration(cfg.RateLimit.Long.DurationMinutes) * time.Minute, Max: cfg.RateLimit.Long.MaxResponses},
		IgnoreThreshold:         cfg.RateLimit.IgnoreThreshold,
		EngagementTrackingDelay: cfg.RateLimit.EngagementTrackingDelay,
		SuccessWindow:           15 * time.Minute,
	}, func(ctx context.Context, channelID, messageID string) bool {
		return agenticEngine.EngagementChecker(ctx, channelID, messageID)
	}, logger)
	limiter.WithOutcomeLogger(func(channelID, messageID string, engaged bool, source string) {
		conv.Engagement(time.Now(), channelID, messageID, engaged, source)
	})

	reactiveEngine := reactive.New(reactive.Config{
		Momentum:        reactive.MomentumThresholds{HotUnder: cfg.Reactive.Momentum.HotUnder, WarmUnder: cfg.Reactive.Momentum.WarmUnder},
		Rates:           reactive.EngagementRates(cfg.Personality.Engagement),
		QuietHours:      reactive.QuietHours{StartHour: cfg.Reactive.QuietHoursStart, EndHour: cfg.Reactive.QuietHoursEnd},
		Cooldowns:       reactive.CooldownLadder(cfg.Reactive.Cooldowns),
		WindowSize:      cfg.Reactive.ContextWindow,
		IterationCap:    toolrouter.DefaultIterationCap,
		MaxSegmentChars: 2000,
	}, messages, builder, limiter, loop, clientAdapter{&channel}, cfg.BotID, cfg.API.Model, logger).WithConversationLog(conv)

	channel, err = discord.New(cfg.Discord, true, func(ctx context.Context, msg platform.Message, mentioned bool) {
		if err := messages.Put(ctx, msg); err != nil {
			logger.Error("store inbound message failed", "error", err)
			return
		}
		users.Put(platform.UserCacheEntry{UserID: msg.AuthorID, DisplayName: msg.AuthorDisplayName, LastSeenMillis: msg.TimestampMillis})
		if mentioned {
			reactiveEngine.HandleMention(ctx, msg)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create discord channel: %w", err)
	}
	channel.OnEdit(func(ctx context.Context, msg platform.Message) {
		if err := messages.Put(ctx, msg); err != nil {
			logger.Error("store edited message failed", "error", err)
		}
	})
	channel.OnDelete(func(ctx context.Context, channelID, messageID string) {
		if err := messages.Delete(ctx, messageID); err != nil {
			logger.Error("delete message failed", "error", err)
		}
	})
	channel.OnReaction(func(ctx context.Context, channelID, messageID string, reactions []platform.Reaction) {
		if err := messages.UpdateReactions(ctx, messageID, reactions); err != nil {
			logger.Error("update reactions failed", "error", err)
		}
		limiter.NotifyEngagement(channelID, messageID)
	})

	channelServers := map[string]string{}
	for _, ch := range cfg.Agentic.Proactive.AllowedChannels {
		if sid, err := channel.GuildIDForChannel(ch); err == nil {
			channelServers[ch] = sid
		} else {
			logger.Warn("could not resolve server for allowed channel", "channel_id", ch, "error", err)
		}
	}
	for _, sid := range cfg.Discord.Servers {
		channelServers[sid] = sid // server-keyed follow-up dispatch needs at least the server itself present
	}

	agenticEngine = agentic.New(agentic.Config{
		CheckInterval:             time.Duration(cfg.Agentic.CheckIntervalHours * float64(time.Hour)),
		FollowupsEnabled:          cfg.Agentic.Followups.Enabled,
		FollowupMaxAgeDays:        cfg.Agentic.Followups.MaxAgeDays,
		FollowupPriorityThreshold: agentic.Priority(cfg.Agentic.Followups.PriorityThreshold),
		RequireRecentActivity:     true,
		ProactiveEnabled:          cfg.Agentic.Proactive.Enabled,
		MinIdle:                   time.Duration(cfg.Agentic.Proactive.MinIdleHours * float64(time.Hour)),
		MaxIdle:                   time.Duration(cfg.Agentic.Proactive.MaxIdleHours * float64(time.Hour)),
		MaxPerDayGlobal:           cfg.Agentic.Proactive.MaxPerDayGlobal,
		MaxPerDayPerChannel:       cfg.Agentic.Proactive.MaxPerDayPerChannel,
		EngagementThreshold:       cfg.Agentic.Proactive.EngagementThreshold,
		QuietHours:                parseQuietHours(cfg.Agentic.Proactive.QuietHours),
		AllowedChannels:           cfg.Agentic.Proactive.AllowedChannels,
		ChannelServers:            channelServers,
		Model:                     cfg.API.Model,
		MaxSegmentChars:           2000,
	}, messages, mem, builder, limiter, loop, clientAdapter{&channel}, cfg.BotID, logger)

	return &botRuntime{
		cfg:      cfg,
		messages: messages,
		mem:      mem,
		limiter:  limiter,
		conv:     conv,
		channel:  channel,
		reactive: reactiveEngine,
		agentic:  agenticEngine,
	}, nil
}

// clientAdapter indirects through a *discord.Channel pointer that is
// assigned after the engines are constructed, since the engines need a
// platform.Client at construction time but the Channel's inbound callback
// closes over the engines themselves (a wiring cycle resolved by
// constructing the pointer box first, filling it in, then handing the
// indirection to the engines).
type clientAdapter struct{ ch **discord.Channel }

func (c clientAdapter) Send(ctx context.Context, msg platform.OutgoingMessage) (*platform.SentMessage, error) {
	return (*c.ch).Send(ctx, msg)
}
func (c clientAdapter) FetchMessage(ctx context.Context, channelID, messageID string) (*platform.Message, error) {
	return (*c.ch).FetchMessage(ctx, channelID, messageID)
}
func (c clientAdapter) StartTyping(ctx context.Context, channelID string) (func(), error) {
	return (*c.ch).StartTyping(ctx, channelID)
}
func (c clientAdapter) BotUserID() string { return (*c.ch).BotUserID() }

// scanAllChannels drives the periodic scan path (§4.6) over the channels
// in agentic.proactive.allowed_channels. Channels outside that list are
// not scanned; they are answered only through the mention path.
func scanAllChannels(ctx context.Context, rt *botRuntime) {
	now := time.Now()
	for _, channelID := range rt.cfg.Agentic.Proactive.AllowedChannels {
		rt.reactive.ScanChannel(ctx, channelID, now)
	}
}

func backfillAll(ctx context.Context, cfg *config.Config, rt *botRuntime) {
	since := int64(0)
	if !cfg.Discord.BackfillUnlimited {
		days := cfg.Discord.BackfillDays
		if days <= 0 {
			days = 7
		}
		since = time.Now().AddDate(0, 0, -days).UnixMilli()
	}
	for _, channelID := range rt.cfg.Agentic.Proactive.AllowedChannels {
		history, err := rt.channel.FetchHistory(ctx, channelID, since, 0)
		if err != nil {
			slog.Error("backfill failed", "channel_id", channelID, "error", err)
			continue
		}
		if err := rt.messages.Backfill(ctx, channelID, since, history); err != nil {
			slog.Error("backfill store failed", "channel_id", channelID, "error", err)
		}
	}
}

// parseQuietHours parses "HH:MM-HH:MM" into agentic.QuietHours' local hour
// bounds; an unparseable or empty string disables the window.
func parseQuietHours(s string) agentic.QuietHours {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return agentic.QuietHours{}
	}
	start, ok1 := parseHour(parts[0])
	end, ok2 := parseHour(parts[1])
	if !ok1 || !ok2 {
		return agentic.QuietHours{}
	}
	return agentic.QuietHours{StartHour: start, EndHour: end}
}

func parseHour(s string) (int, bool) {
	s = strings.TrimSpace(s)
	h := strings.SplitN(s, ":", 2)[0]
	var hour int
	if _, err := fmt.Sscanf(h, "%d", &hour); err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	return hour, true
}

// thinkingLevelFor maps a raw token budget onto the qualitative levels
// providers.AnthropicProvider.buildParams expects.
func thinkingLevelFor(budgetTokens int) string {
	switch {
	case budgetTokens >= 16000:
		return "high"
	case budgetTokens >= 4000:
		return "medium"
	case budgetTokens > 0:
		return "low"
	default:
		return "medium"
	}
}

// newProcessLogger builds the process-wide slog.Logger per logging.* config,
// writing to the configured file (default logs/<bot>.log) as well as stderr.
func newProcessLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	writers := []io.Writer{os.Stderr}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err == nil {
			if f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				writers = append(writers, f)
			}
		}
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
