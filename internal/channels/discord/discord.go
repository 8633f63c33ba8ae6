// Package discord adapts the Discord gateway API to platform.Client, the
// core's only platform-facing port. Grounded on the teacher's
// internal/channels/discord/discord.go: discordgo session + intents setup,
// typing-indicator keepalive/TTL loop, and message chunking at Discord's
// 2000-char limit, stripped of the teacher's multi-tenant bus/pairing/
// BaseChannel machinery — this process runs a single bot.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/aldermoor/reedbot/internal/config"
	"github.com/aldermoor/reedbot/internal/platform"
)

const (
	maxMessageLen          = 2000
	typingKeepaliveInterval = 9 * time.Second
	typingMaxDuration       = 60 * time.Second
)

// InboundHandler is invoked for every accepted incoming message. mentioned is
// true when the bot was @mentioned or the message is a DM — the caller
// (cmd wiring) uses it to decide between reactive.Engine.HandleMention and
// leaving the message for the periodic scan path.
type InboundHandler func(ctx context.Context, msg platform.Message, mentioned bool)

// EditHandler is invoked when a tracked message's text changes, so
// MessageStore.Put can upsert the new text.
type EditHandler func(ctx context.Context, msg platform.Message)

// DeleteHandler is invoked when a message is removed, so MessageStore can
// cascade the delete into its FTS index.
type DeleteHandler func(ctx context.Context, channelID, messageID string)

// ReactionHandler is invoked on a reaction add/remove, carrying the
// message's current reaction tally. The caller uses it both to refresh
// MessageStore and to drive the push-path engagement check.
type ReactionHandler func(ctx context.Context, channelID, messageID string, reactions []platform.Reaction)

// Channel implements platform.Client over a discordgo session.
type Channel struct {
	session        *discordgo.Session
	cfg            config.DiscordConfig
	onInbound      InboundHandler
	onEdit         EditHandler
	onDelete       DeleteHandler
	onReaction     ReactionHandler
	requireMention bool

	botUserID string

	typingMu    sync.Mutex
	typingStops map[string]chan struct{}
}

// New creates a Discord channel. onInbound is called for every accepted
// message after Start(); it must not block for long since it runs on the
// discordgo event-handler goroutine.
func New(cfg config.DiscordConfig, requireMention bool, onInbound InboundHandler) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions

	c := &Channel{
		session:        session,
		cfg:            cfg,
		onInbound:      onInbound,
		requireMention: requireMention,
		typingStops:    make(map[string]chan struct{}),
	}
	session.AddHandler(c.handleMessageCreate)
	session.AddHandler(c.handleMessageUpdate)
	session.AddHandler(c.handleMessageDelete)
	session.AddHandler(c.handleReactionAdd)
	session.AddHandler(c.handleReactionRemove)
	return c, nil
}

// OnEdit registers the edit callback. Must be set before Start.
func (c *Channel) OnEdit(h EditHandler) { c.onEdit = h }

// OnDelete registers the delete callback. Must be set before Start.
func (c *Channel) OnDelete(h DeleteHandler) { c.onDelete = h }

// OnReaction registers the reaction callback . Must
// be set before Start.
func (c *Channel) OnReaction(h ReactionHandler) { c.onReaction = h }

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	return c.session.Close()
}

// BotUserID implements platform.Client.
func (c *Channel) BotUserID() string { return c.botUserID }

// GuildIDForChannel resolves a channel's parent server, used at startup to
// build AgenticEngine's channel->server map for proactive dispatch from
// config's flat allowed_channels list.
func (c *Channel) GuildIDForChannel(channelID string) (string, error) {
	ch, err := c.session.Channel(channelID)
	if err != nil {
		return "", fmt.Errorf("resolve discord channel %s: %w", channelID, err)
	}
	return ch.GuildID, nil
}

// FetchHistory pages backward through a channel's message history,
// returning messages newest-first and stopping once a message older than since is reached or limit is hit
// (limit <= 0 means unlimited, bounded only by since). Used by the cmd
// wiring to seed MessageStore via Backfill on connect.
func (c *Channel) FetchHistory(_ context.Context, channelID string, since int64, limit int) ([]platform.Message, error) {
	var out []platform.Message
	before := ""
	for {
		batch, err := c.session.ChannelMessages(channelID, 100, before, "", "")
		if err != nil {
			return out, fmt.Errorf("fetch discord history: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			if m.Author == nil {
				continue
			}
			if m.Timestamp.UnixMilli() < since {
				return out, nil
			}
			out = append(out, *toPlatformMessage(m, c.botUserID))
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		before = batch[len(batch)-1].ID
		if len(batch) < 100 {
			break
		}
	}
	return out, nil
}

// GuildChannelIDs lists the text channel IDs belonging to guildID. The cmd
// wiring does not call it; the scan ticker uses the fixed allowlist.
func (c *Channel) GuildChannelIDs(guildID string) ([]string, error) {
	chans, err := c.session.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("list discord channels for guild %s: %w", guildID, err)
	}
	ids := make([]string, 0, len(chans))
	for _, ch := range chans {
		if ch.Type == discordgo.ChannelTypeGuildText {
			ids = append(ids, ch.ID)
		}
	}
	return ids, nil
}

// Send implements platform.Client, chunking at Discord's 2000-char limit
// and breaking at the nearest preceding newline when possible.
func (c *Channel) Send(_ context.Context, msg platform.OutgoingMessage) (*platform.SentMessage, error) {
	content := msg.Text
	var first *discordgo.Message

	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		var sent *discordgo.Message
		var err error
		if first == nil && msg.ReplyToID != "" {
			sent, err = c.session.ChannelMessageSendReply(msg.ChannelID, chunk, &discordgo.MessageReference{
				MessageID: msg.ReplyToID, ChannelID: msg.ChannelID,
			})
		} else {
			sent, err = c.session.ChannelMessageSend(msg.ChannelID, chunk)
		}
		if err != nil {
			return nil, fmt.Errorf("send discord message: %w", err)
		}
		if first == nil {
			first = sent
		}
	}

	if first == nil {
		return nil, fmt.Errorf("discord: empty message body")
	}
	ts := first.Timestamp
	return &platform.SentMessage{MessageID: first.ID, SentAtMS: ts.UnixMilli()}, nil
}

// FetchMessage implements platform.Client (used for reply-chain resolution
// beyond what MessageStore has locally, e.g. a pre-backfill message).
func (c *Channel) FetchMessage(_ context.Context, channelID, messageID string) (*platform.Message, error) {
	m, err := c.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("fetch discord message: %w", err)
	}
	return toPlatformMessage(m, c.botUserID), nil
}

// StartTyping implements platform.Client: sends Discord's typing indicator
// and keeps it alive every 9s (Discord's indicator expires after 10s) until
// stopped or typingMaxDuration elapses as a safety net against a stuck
// indicator if the caller never calls stop.
func (c *Channel) StartTyping(_ context.Context, channelID string) (func(), error) {
	stop := make(chan struct{})
	c.typingMu.Lock()
	if prev, ok := c.typingStops[channelID]; ok {
		close(prev)
	}
	c.typingStops[channelID] = stop
	c.typingMu.Unlock()

	_ = c.session.ChannelTyping(channelID)
	go func() {
		ticker := time.NewTicker(typingKeepaliveInterval)
		defer ticker.Stop()
		deadline := time.After(typingMaxDuration)
		for {
			select {
			case <-stop:
				return
			case <-deadline:
				return
			case <-ticker.C:
				_ = c.session.ChannelTyping(channelID)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.typingMu.Lock()
			if cur, ok := c.typingStops[channelID]; ok && cur == stop {
				delete(c.typingStops, channelID)
			}
			c.typingMu.Unlock()
			close(stop)
		})
	}, nil
}

func (c *Channel) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}

	isDM := m.GuildID == ""
	mentioned := isDM || !c.requireMention
	if !mentioned {
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
	}
	// Non-mention group chatter still gets stored (ScanChannel reads it from
	// MessageStore) but mentioned=false routes it away from the urgent path.

	msg := toPlatformMessage(&discordgo.Message{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		GuildID:         m.GuildID,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
		Author:          m.Author,
		Member:          m.Member,
		Attachments:     m.Attachments,
		MessageReference: m.MessageReference,
	}, c.botUserID)

	if c.onInbound != nil {
		c.onInbound(context.Background(), *msg, mentioned)
	}
}

// handleMessageUpdate feeds an edit into MessageStore's UPSERT path.
func (c *Channel) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if c.onEdit == nil || m.Author == nil || m.Author.Bot {
		return
	}
	msg := toPlatformMessage(&discordgo.Message{
		ID:               m.ID,
		ChannelID:        m.ChannelID,
		GuildID:          m.GuildID,
		Content:          m.Content,
		Timestamp:        m.Timestamp,
		Author:           m.Author,
		Member:           m.Member,
		Attachments:      m.Attachments,
		MessageReference: m.MessageReference,
	}, c.botUserID)
	c.onEdit(context.Background(), *msg)
}

// handleMessageDelete feeds a delete into MessageStore's cascading-delete
// path.
func (c *Channel) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if c.onDelete == nil {
		return
	}
	c.onDelete(context.Background(), m.ChannelID, m.ID)
}

// handleReactionAdd and handleReactionRemove re-fetch the message's current
// reaction tally and forward it, driving both MessageStore refresh and the
// engagement-tracking push path: a reaction on an outgoing message resolves
// its pending engagement check immediately instead of waiting out the delay.
func (c *Channel) handleReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	c.handleReactionChange(s, r.ChannelID, r.MessageID)
}

func (c *Channel) handleReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	c.handleReactionChange(s, r.ChannelID, r.MessageID)
}

func (c *Channel) handleReactionChange(_ *discordgo.Session, channelID, messageID string) {
	if c.onReaction == nil {
		return
	}
	m, err := c.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return
	}
	reactions := make([]platform.Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, platform.Reaction{Emoji: r.Emoji.APIName(), Count: r.Count})
	}
	c.onReaction(context.Background(), channelID, messageID, reactions)
}

func toPlatformMessage(m *discordgo.Message, botUserID string) *platform.Message {
	name := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	} else if m.Author.GlobalName != "" {
		name = m.Author.GlobalName
	}

	attachments := make([]platform.Attachment, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		attachments = append(attachments, platform.Attachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			ByteSize:    int64(att.Size),
		})
	}

	var replyTo string
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}

	return &platform.Message{
		MessageID:         m.ID,
		ChannelID:         m.ChannelID,
		ServerID:          m.GuildID,
		AuthorID:          m.Author.ID,
		AuthorDisplayName: name,
		Text:              m.Content,
		TimestampMillis:   m.Timestamp.UnixMilli(),
		IsBot:             m.Author.Bot,
		ReplyToMessageID:  replyTo,
		Attachments:       attachments,
	}
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
