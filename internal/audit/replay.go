package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// ReplayFilter holds filtering criteria for a ledger replay.
// Empty fields match everything.
type ReplayFilter struct {
	Type     string
	ActorID  string
	TenantID string
	From     time.Time // zero value = no lower bound
	To       time.Time // zero value = no upper bound
}

// ReplaySummary holds counts and time bounds for the replayed records.
type ReplaySummary struct {
	Total          int            `json:"total"`
	ByType         map[string]int `json:"by_type"`
	ByOutcome      map[string]int `json:"by_outcome"`
	FirstTimestamp string         `json:"first_timestamp"`
	LastTimestamp  string         `json:"last_timestamp"`
}

// ReplayResult holds filtered records and their summary.
type ReplayResult struct {
	Filter  ReplayFilter  `json:"-"`
	Records []Record      `json:"records"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the ledger and returns records matching the filter.
// Malformed lines are skipped; use Verify to detect them.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{
		Filter: filter,
		Summary: ReplaySummary{
			ByType:    map[string]int{},
			ByOutcome: map[string]int{},
		},
	}

	scanner := newScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if !matches(rec, filter) {
			continue
		}
		result.Records = append(result.Records, rec)
		updateSummary(&result.Summary, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return result, nil
}

func matches(rec Record, filter ReplayFilter) bool {
	if filter.Type != "" && rec.Type != filter.Type {
		return false
	}
	if filter.ActorID != "" && rec.Body.ActorID != filter.ActorID {
		return false
	}
	if filter.TenantID != "" && rec.Body.TenantID != filter.TenantID {
		return false
	}
	if filter.From.IsZero() && filter.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, rec.Timestamp)
	if err != nil {
		return false
	}
	if !filter.From.IsZero() && ts.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && ts.After(filter.To) {
		return false
	}
	return true
}

// Outcome extracts the "outcome" field of a record payload, if any.
func Outcome(rec Record) string {
	var p struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Payload, &p); err != nil {
		return ""
	}
	return p.Outcome
}

func updateSummary(s *ReplaySummary, rec Record) {
	s.Total++
	s.ByType[rec.Type]++
	if o := Outcome(rec); o != "" {
		s.ByOutcome[o]++
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = rec.Timestamp
	}
	s.LastTimestamp = rec.Timestamp
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
