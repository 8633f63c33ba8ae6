// Package contextbuilder assembles the LLM request payload described in
// a cacheable system prompt plus a single user turn whose
// content is a flattened, annotated transcript. Modeled on the teacher's
// internal/agent/loop.go request-assembly step, generalized from
// session-history replay to the recent-window + reply-chain shape here.
package contextbuilder

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aldermoor/reedbot/internal/platform"
	"github.com/aldermoor/reedbot/internal/providers"
	"github.com/aldermoor/reedbot/internal/store"
)

// ImageFetcher downloads and compresses an attachment for vision input and
// returns its mime type and raw bytes. toolrouter.ImageProcessor is adapted
// to this shape at wiring time (see cmd) so contextbuilder never imports
// toolrouter back.
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (mimeType string, data []byte, err error)
}

const (
	defaultWindowSize     = 20
	maxReplyChainDepth    = 5
	forwardedMarker       = "[forwarded message unavailable]"
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// UserCache resolves platform user IDs to display names for mention rewriting.
type UserCache interface {
	Lookup(userID string) (displayName string, ok bool)
}

// MapUserCache is a minimal UserCache backed by a plain map. It is not
// safe for concurrent writes — fine for a cache built once up front (as in
// tests), but the inbound Discord handler populates its cache from a
// goroutine per MESSAGE_CREATE event and must use SyncUserCache instead.
type MapUserCache map[string]platform.UserCacheEntry

func (m MapUserCache) Lookup(userID string) (string, bool) {
	e, ok := m[userID]
	if !ok {
		return "", false
	}
	if e.DisplayName != "" {
		return e.DisplayName, true
	}
	return e.Username, true
}

// SyncUserCache is a UserCache safe for concurrent Put/Lookup, backed by a
// mutex-guarded map. discordgo hands each MESSAGE_CREATE to its own
// goroutine, so the inbound handler's cache writes race with Build's
// Lookup reads unless both go through a shared lock.
type SyncUserCache struct {
	mu      sync.RWMutex
	entries map[string]platform.UserCacheEntry
}

// NewSyncUserCache creates an empty SyncUserCache.
func NewSyncUserCache() *SyncUserCache {
	return &SyncUserCache{entries: make(map[string]platform.UserCacheEntry)}
}

// Put records or updates the cached entry for e.UserID.
func (c *SyncUserCache) Put(e platform.UserCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.UserID] = e
}

func (c *SyncUserCache) Lookup(userID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if e.DisplayName != "" {
		return e.DisplayName, true
	}
	return e.Username, true
}

// Builder assembles ChatRequests from a MessageStore and a user cache.
type Builder struct {
	messages  *store.MessageStore
	users     UserCache
	botID     string
	windowSize int

	images        ImageFetcher
	maxImages     int
	imagesEnabled bool
	logger        *slog.Logger
}

// WithImages enables attachment fetching : up to
// maxImages attachments on the triggering message are downloaded/compressed
// and attached as vision content on the outgoing user turn.
func (b *Builder) WithImages(fetcher ImageFetcher, maxImages int, logger *slog.Logger) *Builder {
	b.images = fetcher
	b.maxImages = maxImages
	b.imagesEnabled = fetcher != nil && maxImages > 0
	if logger == nil {
		logger = slog.Default()
	}
	b.logger = logger
	return b
}

// New creates a Builder. windowSize <= 0 falls back to the package default of 20.
func New(messages *store.MessageStore, users UserCache, botID string, windowSize int) *Builder {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &Builder{messages: messages, users: users, botID: botID, windowSize: windowSize}
}

// Options carries the per-call inputs Build needs beyond the triggering message.
type Options struct {
	PersonalityBasePrompt string
	Now                   time.Time
	FollowupsEnabled      bool
	PromptCachingEnabled  bool
	// ExcludeMessageIDs prevents a batch of messages already being handled
	// in this wakeup from being answered twice.
	ExcludeMessageIDs map[string]bool
	// TaskInstruction appends an extra directive to the system prompt for
	// non-reactive callers that need the model steered toward a specific
	// background task rather than a direct reply.
	TaskInstruction string
}

// Build assembles the ChatRequest for responding to triggering.
func (b *Builder) Build(ctx context.Context, triggering platform.Message, opts Options) (*providers.ChatRequest, error) {
	system := b.buildSystemPrompt(opts)

	recent, err := b.messages.GetRecent(ctx, triggering.ChannelID, b.windowSize)
	if err != nil {
		return nil, fmt.Errorf("contextbuilder: get recent: %w", err)
	}
	// GetRecent returns newest-first; the transcript reads oldest-first.
	reverseMessages(recent)

	var sb strings.Builder

	if chain, err := b.buildReplyChain(ctx, triggering); err != nil {
		return nil, fmt.Errorf("contextbuilder: reply chain: %w", err)
	} else if chain != "" {
		sb.WriteString(chain)
		sb.WriteString("\n")
	}

	seen := make(map[string]bool, len(recent))
	for _, m := range recent {
		if opts.ExcludeMessageIDs[m.MessageID] {
			continue
		}
		if seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true
		sb.WriteString(b.formatLine(m))
		sb.WriteString("\n")
	}

	userMsg := providers.Message{Role: "user", Content: strings.TrimRight(sb.String(), "\n")}
	userMsg.Images = b.fetchImages(ctx, triggering)

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: system},
			userMsg,
		},
	}
	return req, nil
}

// BuildDecisionPrompt assembles a minimal system+transcript pair for the
// scan path's binary respond/no-respond consult call: no tool
// definitions, no reply chain, no images, just the recent window
// formatted the same way Build's transcript is.
func (b *Builder) BuildDecisionPrompt(recentNewestFirst []platform.Message) (system, transcript string) {
	recent := make([]platform.Message, len(recentNewestFirst))
	copy(recent, recentNewestFirst)
	reverseMessages(recent)

	var sb strings.Builder
	for _, m := range recent {
		sb.WriteString(b.formatLine(m))
		sb.WriteString("\n")
	}

	system = fmt.Sprintf("You are bot %s, deciding whether to jump into an ongoing conversation you were not directly addressed in.", b.botID)
	return system, strings.TrimRight(sb.String(), "\n")
}

// fetchImages processes up to maxImages attachments on triggering into
// vision content blocks. A failed fetch is logged and skipped — never
// fatal to the turn.
func (b *Builder) fetchImages(ctx context.Context, triggering platform.Message) []providers.ImageContent {
	if !b.imagesEnabled || len(triggering.Attachments) == 0 {
		return nil
	}
	var out []providers.ImageContent
	for _, att := range triggering.Attachments {
		if len(out) >= b.maxImages {
			break
		}
		mimeType, data, err := b.images.Fetch(ctx, att.URL)
		if err != nil {
			b.logger.Warn("contextbuilder: image fetch failed", "url", att.URL, "error", err)
			continue
		}
		out = append(out, providers.ImageContent{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}

func (b *Builder) buildSystemPrompt(opts Options) string {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are bot %s.\n", b.botID)
	fmt.Fprintf(&sb, "Current UTC time: %s\n", now.UTC().Format(time.RFC3339))
	if opts.PersonalityBasePrompt != "" {
		sb.WriteString(opts.PersonalityBasePrompt)
		sb.WriteString("\n")
	}
	if opts.FollowupsEnabled {
		sb.WriteString("If the user asks you to check back later, use the memory tool to record a follow-up under /memories/" + b.botID + "/followups.json.\n")
	}
	if opts.TaskInstruction != "" {
		sb.WriteString(opts.TaskInstruction)
		sb.WriteString("\n")
	}
	return sb.String()
}

// buildReplyChain walks reply_to_message_id up to maxReplyChainDepth levels,
// deepest-first chronological
func (b *Builder) buildReplyChain(ctx context.Context, triggering platform.Message) (string, error) {
	if triggering.ReplyToMessageID == "" {
		return "", nil
	}

	var chain []platform.Message
	currentID := triggering.ReplyToMessageID
	for depth := 0; depth < maxReplyChainDepth && currentID != ""; depth++ {
		msgs, err := b.messages.GetAround(ctx, currentID, 0)
		if err != nil {
			if err == store.ErrNotFound {
				chain = append(chain, platform.Message{Text: forwardedMarker})
				break
			}
			return "", err
		}
		if len(msgs) == 0 {
			break
		}
		parent := msgs[0]
		chain = append(chain, parent)
		currentID = parent.ReplyToMessageID
	}

	if len(chain) == 0 {
		return "", nil
	}
	// chain was collected nearest-parent-first; reverse for deepest-first chronological.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	var sb strings.Builder
	sb.WriteString("— reply chain —\n")
	for _, m := range chain {
		if m.MessageID == "" {
			sb.WriteString(m.Text)
			sb.WriteString("\n")
			continue
		}
		sb.WriteString(b.formatLine(m))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (b *Builder) formatLine(m platform.Message) string {
	ts := time.UnixMilli(m.TimestampMillis).UTC().Format("15:04")
	name := m.AuthorDisplayName
	if m.IsBot && m.AuthorID == b.botID {
		name = "Assistant (you)"
	}
	text := b.resolveMentions(m.Text)

	line := fmt.Sprintf("[%s] %s: %s", ts, name, text)
	if len(m.Reactions) > 0 {
		line += " " + formatReactions(m.Reactions)
	}
	return line
}

func (b *Builder) resolveMentions(text string) string {
	if b.users == nil {
		return text
	}
	return mentionPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := mentionPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		name, ok := b.users.Lookup(sub[1])
		if !ok {
			return match
		}
		return "@" + name
	})
}

func formatReactions(reactions []platform.Reaction) string {
	parts := make([]string, 0, len(reactions))
	for _, r := range reactions {
		parts = append(parts, fmt.Sprintf("%s×%d", r.Emoji, r.Count))
	}
	return fmt.Sprintf("*(Reactions: %s)*", strings.Join(parts, ", "))
}

func reverseMessages(msgs []platform.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
