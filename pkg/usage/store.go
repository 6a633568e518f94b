package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/docrelay/pkg/bus"
	"github.com/sipeed/docrelay/pkg/logger"
)

const retention = 30 * 24 * time.Hour

// Record is one processed task. Only finished tasks are journaled; pending
// tasks live in memory and are lost on restart.
type Record struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	DayKey          string    `json:"day_key"`
	TaskID          string    `json:"task_id"`
	RequesterChatID int64     `json:"requester_chat_id,omitempty"`
	RelayMessageID  int       `json:"relay_message_id"`
	FileName        string    `json:"file_name"`
	Outcome         string    `json:"outcome"`
	Stage           string    `json:"stage"`
	Error           string    `json:"error,omitempty"`
	SizeBytes       int64     `json:"size_bytes"`
	DurationMS      int64     `json:"duration_ms"`
}

type Filter struct {
	DayKey          string
	Outcome         string
	RequesterChatID int64
	Limit           int
}

type Aggregate struct {
	Tasks     int
	Completed int
	Abandoned int
	Bytes     int64
}

// Store is the outcome journal, kept as a JSON array in journal.json under
// the state directory. An empty directory keeps it memory-only.
type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
	now     func() time.Time
}

func NewStore(stateDir string) *Store {
	s := &Store{
		records: make([]Record, 0, 256),
		now:     time.Now,
	}
	if stateDir == "" {
		return s
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		logger.WarnCF("usage", "State dir unavailable, journal is memory-only", map[string]interface{}{
			"dir":   stateDir,
			"error": err.Error(),
		})
		return s
	}
	s.path = filepath.Join(stateDir, "journal.json")
	s.load()
	return s
}

func (s *Store) DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *Store) TodayKey() string {
	return s.DayKey(s.now())
}

// Append adds r, drops records past retention and persists the journal.
func (s *Store) Append(r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}
	if r.DayKey == "" {
		r.DayKey = s.DayKey(r.Timestamp)
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	s.pruneLocked()
	s.mu.Unlock()

	return s.save()
}

// OnResult journals a worker result. Its signature matches the relay
// worker's result handler.
func (s *Store) OnResult(ctx context.Context, res bus.Result) {
	r := Record{
		Timestamp:       res.StartedAt.Add(res.Duration).UTC(),
		TaskID:          res.Task.ID,
		RequesterChatID: res.Task.RequesterChatID,
		RelayMessageID:  res.Task.RelayMessageID,
		FileName:        res.FinalName,
		Outcome:         string(res.Outcome),
		Stage:           string(res.Stage),
		SizeBytes:       res.SizeBytes,
		DurationMS:      res.Duration.Milliseconds(),
	}
	if res.StartedAt.IsZero() {
		r.Timestamp = time.Time{}
	}
	if r.FileName == "" {
		r.FileName = res.Task.DesiredFilename
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	if err := s.Append(r); err != nil {
		logger.WarnCF("usage", "Failed to persist journal", map[string]interface{}{
			"task_id": res.Task.ID,
			"error":   err.Error(),
		})
	}
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		if f.Outcome != "" && r.Outcome != f.Outcome {
			continue
		}
		if f.RequesterChatID != 0 && r.RequesterChatID != f.RequesterChatID {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (s *Store) Today() Aggregate {
	return AggregateRecords(s.Query(Filter{DayKey: s.TodayKey()}))
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		agg.Tasks++
		switch bus.Outcome(r.Outcome) {
		case bus.OutcomeCompleted:
			agg.Completed++
			agg.Bytes += r.SizeBytes
		default:
			agg.Abandoned++
		}
	}
	return agg
}

// StageBreakdown counts abandoned records by the stage that failed.
func StageBreakdown(records []Record) map[string]int {
	out := map[string]int{}
	for _, r := range records {
		if bus.Outcome(r.Outcome) == bus.OutcomeCompleted {
			continue
		}
		stage := r.Stage
		if stage == "" {
			stage = "unknown"
		}
		out[stage]++
	}
	return out
}

func (s *Store) pruneLocked() {
	cutoff := s.now().Add(-retention)
	kept := s.records[:0]
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		logger.WarnCF("usage", "Ignoring unreadable journal", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
		return
	}
	s.records = records
	s.pruneLocked()
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	snapshot := make([]Record, len(s.records))
	copy(snapshot, s.records)
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return os.Rename(tmp, s.path)
}
