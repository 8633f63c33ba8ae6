package agentic

import (
	"encoding/json"
	"time"

	"github.com/aldermoor/reedbot/internal/memory"
)

// ChannelStats tracks proactive-engagement success rate for one channel
//: `/memories/<bot>/servers/<server>/channels/<channel>_stats.json`.
type ChannelStats struct {
	TotalAttempts      int       `json:"total_attempts"`
	SuccessfulAttempts int       `json:"successful_attempts"`
	LastUpdated        time.Time `json:"last_updated"`
}

// SuccessRate is successful/total, or 0.5 (neutral prior) when no attempts
// have been recorded yet.
func (s ChannelStats) SuccessRate() float64 {
	if s.TotalAttempts <= 0 {
		return 0.5
	}
	return float64(s.SuccessfulAttempts) / float64(s.TotalAttempts)
}

func channelStatsPath(botID, serverID, channelID string) string {
	return "/memories/" + botID + "/servers/" + serverID + "/channels/" + channelID + "_stats.json"
}

func loadChannelStats(store *memory.Store, botID, serverID, channelID string) (*ChannelStats, error) {
	path := channelStatsPath(botID, serverID, channelID)
	text, err := store.View(path, nil)
	if err != nil {
		if memErr, ok := err.(*memory.Error); ok && memErr.Kind == memory.ErrNotFound {
			return &ChannelStats{}, nil
		}
		return nil, err
	}
	if text == memory.EmptyFileMarker(path) {
		return &ChannelStats{}, nil
	}
	var s ChannelStats
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func saveChannelStats(store *memory.Store, botID, serverID, channelID string, s *ChannelStats) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return store.Create(channelStatsPath(botID, serverID, channelID), string(data))
}
