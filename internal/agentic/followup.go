package agentic

import (
	"encoding/json"
	"time"

	"github.com/aldermoor/reedbot/internal/memory"
)

// Priority is a Followup's urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var priorityRank = map[Priority]int{PriorityLow: 0, PriorityMedium: 1, PriorityHigh: 2}

func (p Priority) atLeast(threshold Priority) bool {
	return priorityRank[p] >= priorityRank[threshold]
}

// Followup is one record in a server's followups.json.
type Followup struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	ChannelID      string    `json:"channel_id"`
	Event          string    `json:"event"`
	Context        string    `json:"context"`
	MentionedDate  time.Time `json:"mentioned_date"`
	FollowUpAfter  time.Time `json:"follow_up_after"`
	Priority       Priority  `json:"priority"`
	Status         string    `json:"status"`
	CompletedDate  *time.Time `json:"completed_date,omitempty"`
}

// FollowupsFile is the on-disk shape at
// /memories/<bot>/servers/<server>/followups.json.
type FollowupsFile struct {
	Pending   []Followup `json:"pending"`
	Completed []Followup `json:"completed"`
}

func followupsPath(botID, serverID string) string {
	return "/memories/" + botID + "/servers/" + serverID + "/followups.json"
}

// loadFollowups reads and parses followups.json, treating a missing file as
// an empty one (a server with no recorded follow-ups yet).
func loadFollowups(store *memory.Store, botID, serverID string) (*FollowupsFile, error) {
	text, err := store.View(followupsPath(botID, serverID), nil)
	if err != nil {
		if memErr, ok := err.(*memory.Error); ok && memErr.Kind == memory.ErrNotFound {
			return &FollowupsFile{}, nil
		}
		return nil, err
	}
	if text == memory.EmptyFileMarker(followupsPath(botID, serverID)) {
		return &FollowupsFile{}, nil
	}
	var f FollowupsFile
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// saveFollowups writes the full file atomically .
func saveFollowups(store *memory.Store, botID, serverID string, f *FollowupsFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return store.Create(followupsPath(botID, serverID), string(data))
}

// pruneCompleted drops completed records older than maxAgeDays.
func pruneCompleted(f *FollowupsFile, now time.Time, maxAgeDays int) {
	if maxAgeDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -maxAgeDays)
	kept := f.Completed[:0]
	for _, c := range f.Completed {
		if c.CompletedDate != nil && c.CompletedDate.Before(cutoff) {
			continue
		}
		kept = append(kept, c)
	}
	f.Completed = kept
}

// pruneStalePending discards pending items older than a bounded horizon,
// independent of max_age_days which governs completed records only.
func pruneStalePending(f *FollowupsFile, now time.Time, horizon time.Duration) {
	if horizon <= 0 {
		return
	}
	cutoff := now.Add(-horizon)
	kept := f.Pending[:0]
	for _, p := range f.Pending {
		if p.MentionedDate.Before(cutoff) {
			continue
		}
		kept = append(kept, p)
	}
	f.Pending = kept
}
