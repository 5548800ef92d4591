// ABOUTME: Bounded per-channel history store ordered by timestamp
// ABOUTME: Keeps the newest records and synthesizes the system record on demand

package history

import (
	"slices"
	"sort"
	"time"

	"github.com/2389/deepbot/internal/message"
)

// SystemRecordID is the id of the synthesized system record returned by Window.
const SystemRecordID = "system"

// Store is a bounded history window. The zero value is not usable; use NewStore.
type Store struct {
	max     int
	records []message.Record
}

// NewStore creates an empty store that keeps at most maxHistory records.
// A bound below one is raised to one.
func NewStore(maxHistory int) *Store {
	if maxHistory < 1 {
		maxHistory = 1
	}
	return &Store{
		max:     maxHistory,
		records: make([]message.Record, 0, maxHistory+1),
	}
}

// MaxHistory returns the bound on stored records.
func (s *Store) MaxHistory() int {
	return s.max
}

// Len returns the number of stored records, excluding the system record.
func (s *Store) Len() int {
	return len(s.records)
}

// Append inserts r at its timestamp position and drops the oldest records
// when over the bound. Records with equal timestamps keep arrival order.
func (s *Store) Append(r message.Record) {
	i := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].Timestamp.After(r.Timestamp)
	})
	s.records = slices.Insert(s.records, i, r)
	s.trim()
}

// Replace discards the current contents and loads records, sorted and
// trimmed to the newest MaxHistory.
func (s *Store) Replace(records []message.Record) {
	next := slices.Clone(records)
	slices.SortStableFunc(next, func(a, b message.Record) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	s.records = next
	s.trim()
}

// Reset leaves only the (synthesized) system record.
func (s *Store) Reset() {
	s.records = s.records[:0]
}

// Records returns a copy of the stored records, oldest first.
func (s *Store) Records() []message.Record {
	return slices.Clone(s.records)
}

// Newest returns the most recent record, if any.
func (s *Store) Newest() (message.Record, bool) {
	if len(s.records) == 0 {
		return message.Record{}, false
	}
	return s.records[len(s.records)-1], true
}

// Window returns the system record built from systemPrompt followed by the
// stored records. This is the context handed to a generation request.
func (s *Store) Window(systemPrompt string) []message.Record {
	out := make([]message.Record, 0, len(s.records)+1)
	out = append(out, message.Record{
		ID:        SystemRecordID,
		Author:    string(message.RoleSystem),
		Content:   systemPrompt,
		Timestamp: time.Time{},
		Role:      message.RoleSystem,
	})
	return append(out, s.records...)
}

func (s *Store) trim() {
	if over := len(s.records) - s.max; over > 0 {
		s.records = slices.Delete(s.records, 0, over)
	}
}
