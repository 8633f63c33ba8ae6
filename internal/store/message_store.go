// Package store implements the durable, per-bot MessageStore described in
// a SQLite table plus an FTS5 index kept coherent by
// triggers, UPSERT semantics on edit, and cascading delete. Modeled on the
// teacher's single-writer/concurrent-reader split (internal/store/pg in
// vanducng-goclaw serializes writes per tenant; here the split is a
// dedicated 1-connection writer DB handle plus a multi-connection reader
// pool over the same WAL-mode file) and on its writer-goroutine pattern
// for tool execution (internal/agent/loop.go's parallel tool dispatch).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/aldermoor/reedbot/internal/platform"
)

// MessageRef is a Search() result: metadata only, never the message text.
// Callers fetch full text via GetAround/GetRange — this two-step contract
// bounds token usage in downstream LLM calls.
type MessageRef struct {
	MessageID string
	ChannelID string
	ServerID  string
	AuthorID  string
	Timestamp int64
}

// SearchOptions configures Search.
type SearchOptions struct {
	Query     string
	ChannelID string
	ServerID  string
	AuthorID  string
	Since     int64
	Until     int64
	Limit     int
}

// ErrNotFound is returned by lookups that address a message that doesn't exist.
var ErrNotFound = fmt.Errorf("message not found")

type writeJob struct {
	run  func(*sql.Tx) error
	done chan error
}

// MessageStore is the durable message store for one bot.
type MessageStore struct {
	writerDB *sql.DB
	readerDB *sql.DB

	writeJobs chan writeJob
	stopWrite chan struct{}
	wrDone    chan struct{}

	logger *slog.Logger
}

// Open creates (or opens) the SQLite-backed store at path, applying schema
// if needed, and starts the serialized writer goroutine.
func Open(path string) (*MessageStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"

	writerDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer db: %w", err)
	}
	writerDB.SetMaxOpenConns(1)

	readerDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writerDB.Close()
		return nil, fmt.Errorf("open reader db: %w", err)
	}
	readerDB.SetMaxOpenConns(8)

	ms := &MessageStore{
		writerDB:  writerDB,
		readerDB:  readerDB,
		writeJobs: make(chan writeJob, 64),
		stopWrite: make(chan struct{}),
		wrDone:    make(chan struct{}),
		logger:    slog.Default().With("component", "message_store"),
	}

	if err := ms.migrate(); err != nil {
		ms.Close()
		return nil, err
	}

	go ms.writerLoop()
	return ms, nil
}

func (ms *MessageStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			author_display_name TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			is_bot INTEGER NOT NULL DEFAULT 0,
			reply_to_message_id TEXT,
			attachments_json TEXT,
			reactions_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel_id, timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_server ON messages(server_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			text, content='messages', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES('delete', old.rowid, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES('delete', old.rowid, old.text);
			INSERT INTO messages_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := ms.writerDB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (stmt: %s)", err, stmt)
		}
	}
	return nil
}

// writerLoop is the single serialized writer goroutine:
// all mutations are funneled through writeJobs so the FTS triggers never
// race against each other.
func (ms *MessageStore) writerLoop() {
	defer close(ms.wrDone)
	for {
		select {
		case job := <-ms.writeJobs:
			job.done <- ms.runWrite(job.run)
		case <-ms.stopWrite:
			// Drain any already-queued jobs before exiting so callers
			// blocked on Put/Delete during shutdown get a real answer.
			for {
				select {
				case job := <-ms.writeJobs:
					job.done <- ms.runWrite(job.run)
				default:
					return
				}
			}
		}
	}
}

func (ms *MessageStore) runWrite(run func(*sql.Tx) error) error {
	tx, err := ms.writerDB.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := run(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (ms *MessageStore) write(ctx context.Context, run func(*sql.Tx) error) error {
	job := writeJob{run: run, done: make(chan error, 1)}
	select {
	case ms.writeJobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer goroutine and closes both DB handles.
func (ms *MessageStore) Close() error {
	close(ms.stopWrite)
	<-ms.wrDone
	ms.readerDB.Close()
	return ms.writerDB.Close()
}

// Put UPSERTs a message. Re-inserting an existing message_id replaces the
// row and its FTS entry atomically (edit semantics).
func (ms *MessageStore) Put(ctx context.Context, m platform.Message) error {
	attachJSON, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	reactJSON, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("marshal reactions: %w", err)
	}

	return ms.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO messages (
				message_id, channel_id, server_id, author_id, author_display_name,
				text, timestamp_ms, is_bot, reply_to_message_id, attachments_json, reactions_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				channel_id=excluded.channel_id,
				server_id=excluded.server_id,
				author_id=excluded.author_id,
				author_display_name=excluded.author_display_name,
				text=excluded.text,
				timestamp_ms=excluded.timestamp_ms,
				is_bot=excluded.is_bot,
				reply_to_message_id=excluded.reply_to_message_id,
				attachments_json=excluded.attachments_json,
				reactions_json=excluded.reactions_json
		`,
			m.MessageID, m.ChannelID, m.ServerID, m.AuthorID, m.AuthorDisplayName,
			m.Text, m.TimestampMillis, boolToInt(m.IsBot), nullable(m.ReplyToMessageID),
			string(attachJSON), string(reactJSON),
		)
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		return nil
	})
}

// Delete removes a message row and its FTS entry. Idempotent.
func (ms *MessageStore) Delete(ctx context.Context, messageID string) error {
	return ms.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	})
}

// UpdateReactions rewrites just the reactions column for an existing
// message . A no-op if the message is unknown — reactions can arrive
// for messages predating this process's backfill.
func (ms *MessageStore) UpdateReactions(ctx context.Context, messageID string, reactions []platform.Reaction) error {
	reactJSON, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("marshal reactions: %w", err)
	}
	return ms.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE messages SET reactions_json = ? WHERE message_id = ?`, string(reactJSON), messageID)
		if err != nil {
			return fmt.Errorf("update reactions: %w", err)
		}
		return nil
	})
}

// Backfill idempotently UPSERTs a batch of messages for channelID observed
// since the given timestamp. Running it twice is equivalent to once
// because Put itself is an UPSERT.
func (ms *MessageStore) Backfill(ctx context.Context, channelID string, since int64, messages []platform.Message) error {
	return ms.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO messages (
				message_id, channel_id, server_id, author_id, author_display_name,
				text, timestamp_ms, is_bot, reply_to_message_id, attachments_json, reactions_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				text=excluded.text, reactions_json=excluded.reactions_json
		`)
		if err != nil {
			return fmt.Errorf("prepare backfill: %w", err)
		}
		defer stmt.Close()

		for _, m := range messages {
			if m.ChannelID != channelID || m.TimestampMillis < since {
				continue
			}
			attachJSON, _ := json.Marshal(m.Attachments)
			reactJSON, _ := json.Marshal(m.Reactions)
			if _, err := stmt.Exec(
				m.MessageID, m.ChannelID, m.ServerID, m.AuthorID, m.AuthorDisplayName,
				m.Text, m.TimestampMillis, boolToInt(m.IsBot), nullable(m.ReplyToMessageID),
				string(attachJSON), string(reactJSON),
			); err != nil {
				return fmt.Errorf("backfill upsert %s: %w", m.MessageID, err)
			}
		}
		return nil
	})
}

// GetRecent returns the most recent `limit` messages in a channel, newest-first.
func (ms *MessageStore) GetRecent(ctx context.Context, channelID string, limit int) ([]platform.Message, error) {
	rows, err := ms.readerDB.QueryContext(ctx, `
		SELECT message_id, channel_id, server_id, author_id, author_display_name,
			text, timestamp_ms, is_bot, reply_to_message_id, attachments_json, reactions_json
		FROM messages WHERE channel_id = ?
		ORDER BY timestamp_ms DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent: %w", err)
	}
	return scanMessages(rows)
}

// GetFirst returns the first `limit` messages in a channel, oldest-first.
func (ms *MessageStore) GetFirst(ctx context.Context, channelID string, limit int) ([]platform.Message, error) {
	rows, err := ms.readerDB.QueryContext(ctx, `
		SELECT message_id, channel_id, server_id, author_id, author_display_name,
			text, timestamp_ms, is_bot, reply_to_message_id, attachments_json, reactions_json
		FROM messages WHERE channel_id = ?
		ORDER BY timestamp_ms ASC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("get first: %w", err)
	}
	return scanMessages(rows)
}

// GetAround returns span messages before and after messageID, chronological.
func (ms *MessageStore) GetAround(ctx context.Context, messageID string, span int) ([]platform.Message, error) {
	var channelID string
	var ts int64
	row := ms.readerDB.QueryRowContext(ctx, `SELECT channel_id, timestamp_ms FROM messages WHERE message_id = ?`, messageID)
	if err := row.Scan(&channelID, &ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get around lookup: %w", err)
	}

	before, err := ms.readerDB.QueryContext(ctx, `
		SELECT message_id, channel_id, server_id, author_id, author_display_name,
			text, timestamp_ms, is_bot, reply_to_message_id, attachments_json, reactions_json
		FROM messages WHERE channel_id = ? AND timestamp_ms < ?
		ORDER BY timestamp_ms DESC LIMIT ?`, channelID, ts, span)
	if err != nil {
		return nil, fmt.Errorf("get around before: %w", err)
	}
	beforeMsgs, err := scanMessages(before)
	if err != nil {
		return nil, err
	}
	reverse(beforeMsgs)

	center, err := ms.readerDB.QueryContext(ctx, `
		SELECT message_id, channel_id, server_id, author_id, author_display_name,
			text, timestamp_ms, is_bot, reply_to_message_id, attachments_json, reactions_json
		FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get around center: %w", err)
	}
	centerMsgs, err := scanMessages(center)
	if err != nil {
		return nil, err
	}

	after, err := ms.readerDB.QueryContext(ctx, `
		SELECT message_id, channel_id, server_id, author_id, author_display_name,
			text, timestamp_ms, is_bot, reply_to_message_id, attachments_json, reactions_json
		FROM messages WHERE channel_id = ? AND timestamp_ms > ?
		ORDER BY timestamp_ms ASC LIMIT ?`, channelID, ts, span)
	if err != nil {
		return nil, fmt.Errorf("get around after: %w", err)
	}
	afterMsgs, err := scanMessages(after)
	if err != nil {
		return nil, err
	}

	result := make([]platform.Message, 0, len(beforeMsgs)+len(centerMsgs)+len(afterMsgs))
	result = append(result, beforeMsgs...)
	result = append(result, centerMsgs...)
	result = append(result, afterMsgs...)
	return result, nil
}

// GetRange returns messages between from_id and to_id, inclusive, chronological.
func (ms *MessageStore) GetRange(ctx context.Context, fromID, toID string) ([]platform.Message, error) {
	var channelID string
	var fromTS, toTS int64
	if err := ms.readerDB.QueryRowContext(ctx, `SELECT channel_id, timestamp_ms FROM messages WHERE message_id = ?`, fromID).
		Scan(&channelID, &fromTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get range from: %w", err)
	}
	if err := ms.readerDB.QueryRowContext(ctx, `SELECT timestamp_ms FROM messages WHERE message_id = ?`, toID).
		Scan(&toTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get range to: %w", err)
	}
	if fromTS > toTS {
		fromTS, toTS = toTS, fromTS
	}

	rows, err := ms.readerDB.QueryContext(ctx, `
		SELECT message_id, channel_id, server_id, author_id, author_display_name,
			text, timestamp_ms, is_bot, reply_to_message_id, attachments_json, reactions_json
		FROM messages WHERE channel_id = ? AND timestamp_ms BETWEEN ? AND ?
		ORDER BY timestamp_ms ASC`, channelID, fromTS, toTS)
	if err != nil {
		return nil, fmt.Errorf("get range: %w", err)
	}
	return scanMessages(rows)
}

// Search returns metadata-only references matching the FTS query. No
// message text is returned; callers fetch full text via GetAround/GetRange.
func (ms *MessageStore) Search(ctx context.Context, opts SearchOptions) ([]MessageRef, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	ftsQuery := buildFTSQuery(opts.Query)
	if ftsQuery == "" {
		return nil, fmt.Errorf("search: empty query")
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT m.message_id, m.channel_id, m.server_id, m.author_id, m.timestamp_ms
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE f.text MATCH ?`)
	args := []interface{}{ftsQuery}

	if opts.ChannelID != "" {
		sb.WriteString(` AND m.channel_id = ?`)
		args = append(args, opts.ChannelID)
	}
	if opts.ServerID != "" {
		sb.WriteString(` AND m.server_id = ?`)
		args = append(args, opts.ServerID)
	}
	if opts.AuthorID != "" {
		sb.WriteString(` AND m.author_id = ?`)
		args = append(args, opts.AuthorID)
	}
	if opts.Since > 0 {
		sb.WriteString(` AND m.timestamp_ms >= ?`)
		args = append(args, opts.Since)
	}
	if opts.Until > 0 {
		sb.WriteString(` AND m.timestamp_ms <= ?`)
		args = append(args, opts.Until)
	}
	sb.WriteString(` ORDER BY m.timestamp_ms DESC LIMIT ?`)
	args = append(args, opts.Limit)

	rows, err := ms.readerDB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var refs []MessageRef
	for rows.Next() {
		var r MessageRef
		if err := rows.Scan(&r.MessageID, &r.ChannelID, &r.ServerID, &r.AuthorID, &r.Timestamp); err != nil {
			ms.logger.Warn("search: skipping corrupted row", "error", err)
			continue
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// buildFTSQuery turns conjunctive tokens (with optional phrase quoting)
// into an FTS5 MATCH expression. Tokens are ANDed; quoted phrases pass
// through verbatim.
func buildFTSQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	var parts []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, r := range query {
		switch {
		case r == '"':
			cur.WriteRune(r)
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return strings.Join(parts, " AND ")
}

func scanMessages(rows *sql.Rows) ([]platform.Message, error) {
	defer rows.Close()
	var out []platform.Message
	for rows.Next() {
		var m platform.Message
		var isBot int
		var replyTo sql.NullString
		var attachJSON, reactJSON string
		if err := rows.Scan(&m.MessageID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.AuthorDisplayName,
			&m.Text, &m.TimestampMillis, &isBot, &replyTo, &attachJSON, &reactJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsBot = isBot != 0
		m.ReplyToMessageID = replyTo.String
		if attachJSON != "" {
			if err := json.Unmarshal([]byte(attachJSON), &m.Attachments); err != nil {
				slog.Default().Warn("message_store: corrupt attachments json, skipping field", "message_id", m.MessageID)
			}
		}
		if reactJSON != "" {
			if err := json.Unmarshal([]byte(reactJSON), &m.Reactions); err != nil {
				slog.Default().Warn("message_store: corrupt reactions json, skipping field", "message_id", m.MessageID)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func reverse(msgs []platform.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
