// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jurisq/lexharvester/internal/harvest"
)

// RecordStore implements harvest.RecordStore with a mutex-guarded map. It
// enforces the same upsert and transition rules as the Postgres store.
type RecordStore struct {
	mu              sync.RWMutex
	records         map[string]harvest.Record
	order           []string
	classifications map[string]harvest.Classification
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records:         make(map[string]harvest.Record),
		classifications: make(map[string]harvest.Classification),
	}
}

// UpsertRecord inserts the record unless its natural key already exists.
// Existing rows are never overwritten: enrichment results computed for a
// record must survive later crawl passes.
func (s *RecordStore) UpsertRecord(_ context.Context, rec harvest.Record) (int, error) {
	if rec.NaturalKey == "" {
		return 0, fmt.Errorf("record natural key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.NaturalKey]; exists {
		return 0, nil
	}
	applyStatusDefaults(&rec)
	s.records[rec.NaturalKey] = rec
	s.order = append(s.order, rec.NaturalKey)
	return 1, nil
}

// UpsertClassification inserts a decision/theme link, ignoring duplicates.
func (s *RecordStore) UpsertClassification(_ context.Context, c harvest.Classification) (int, error) {
	if c.DecisionKey == "" || c.ThemeKey == "" {
		return 0, fmt.Errorf("classification requires decision and theme keys")
	}
	key := c.DecisionKey + "|" + c.ThemeKey
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.classifications[key]; exists {
		return 0, nil
	}
	s.classifications[key] = c
	return 1, nil
}

// FindByStage returns up to limit records with the given stage status, in
// insertion order.
func (s *RecordStore) FindByStage(
	_ context.Context,
	stage harvest.Stage,
	status harvest.StageStatus,
	limit int,
) ([]harvest.Record, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Record
	for _, key := range s.order {
		rec := s.records[key]
		if rec.StageStatusFor(stage) != status {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AdvanceStage transitions one record's stage status and merges the result
// payload with it, atomically under the store lock.
func (s *RecordStore) AdvanceStage(
	_ context.Context,
	naturalKey string,
	stage harvest.Stage,
	status harvest.StageStatus,
	result harvest.StageResult,
) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[naturalKey]
	if !ok {
		return harvest.ErrNotFound
	}
	if !harvest.CanTransition(rec.StageStatusFor(stage), status) {
		return fmt.Errorf("%w: %s %s -> %s for %s",
			harvest.ErrIllegalTransition, stage, rec.StageStatusFor(stage), status, naturalKey)
	}
	rec.SetStageStatus(stage, status)
	mergeResult(&rec, result)
	s.records[naturalKey] = rec
	return nil
}

// ResetInProgress rewinds in_progress records for a stage back to pending.
func (s *RecordStore) ResetInProgress(_ context.Context, stage harvest.Stage) (int, error) {
	if !stage.Valid() {
		return 0, fmt.Errorf("unknown stage %q", stage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for key, rec := range s.records {
		if rec.StageStatusFor(stage) == harvest.StatusInProgress {
			rec.SetStageStatus(stage, harvest.StatusPending)
			s.records[key] = rec
			reset++
		}
	}
	return reset, nil
}

// CountByStage reports how many records carry the given stage status.
func (s *RecordStore) CountByStage(_ context.Context, stage harvest.Stage, status harvest.StageStatus) (int, error) {
	if !stage.Valid() {
		return 0, fmt.Errorf("unknown stage %q", stage)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.records {
		if rec.StageStatusFor(stage) == status {
			count++
		}
	}
	return count, nil
}

// Get returns a stored record by natural key (test helper).
func (s *RecordStore) Get(naturalKey string) (harvest.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[naturalKey]
	return rec, ok
}

// Classifications returns all stored links (test helper).
func (s *RecordStore) Classifications() []harvest.Classification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Classification, 0, len(s.classifications))
	for _, c := range s.classifications {
		out = append(out, c)
	}
	return out
}

func applyStatusDefaults(rec *harvest.Record) {
	for _, stage := range harvest.Stages() {
		if rec.StageStatusFor(stage) == "" {
			rec.SetStageStatus(stage, harvest.StatusPending)
		}
	}
}

func mergeResult(rec *harvest.Record, result harvest.StageResult) {
	if result.ContentRef != "" {
		rec.ContentRef = result.ContentRef
		rec.Result.ContentRef = result.ContentRef
	}
	if result.ContentHash != "" {
		rec.ContentHash = result.ContentHash
	}
	if result.TranslatedText != "" {
		rec.Result.TranslatedText = result.TranslatedText
	}
	if result.TranslatedTitle != "" {
		rec.Result.TranslatedTitle = result.TranslatedTitle
	}
	if result.Summary != "" {
		rec.Result.Summary = result.Summary
	}
	if len(result.Entities) > 0 {
		rec.Result.Entities = append([]string(nil), result.Entities...)
	}
	if len(result.Embedding) > 0 {
		rec.Result.Embedding = append([]float32(nil), result.Embedding...)
	}
}
