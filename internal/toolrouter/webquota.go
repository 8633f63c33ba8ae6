package toolrouter

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/aldermoor/reedbot/internal/memory"
)

// dayCounter is one day's entry in the on-disk quota file.
type dayCounter struct {
	Used int `json:"used"`
}

// WebQuotaStore tracks the daily server-side web_search/web_fetch budget,
// persisted at persistence/<bot>_web_search_stats.json holding
// { "YYYY-MM-DD": { used: int } } — with atomic writes (the same
// write-temp-then-rename idiom as memory.Store).
type WebQuotaStore struct {
	path     string
	dailyMax int
	mu       sync.Mutex
	days     map[string]dayCounter
}

// NewWebQuotaStore loads (or initializes) the quota file at path.
func NewWebQuotaStore(path string, dailyMax int) (*WebQuotaStore, error) {
	q := &WebQuotaStore{path: path, dailyMax: dailyMax, days: map[string]dayCounter{}}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &q.days)
	}
	if q.days == nil {
		q.days = map[string]dayCounter{}
	}
	if _, ok := q.days[today()]; !ok {
		q.days[today()] = dayCounter{}
		if err := q.persistLocked(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (q *WebQuotaStore) persistLocked() error {
	data, err := json.Marshal(q.days)
	if err != nil {
		return err
	}
	return memory.WriteFileAtomic(q.path, data)
}

// Remaining returns today's remaining quota, resetting first if the UTC day
// has rolled over.
func (q *WebQuotaStore) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := q.dailyMax - q.days[today()].Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decrement records one server-tool use, clamping at the daily max.
func (q *WebQuotaStore) Decrement() {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := today()
	c := q.days[d]
	if c.Used < q.dailyMax {
		c.Used++
	}
	q.days[d] = c
	_ = q.persistLocked()
}
