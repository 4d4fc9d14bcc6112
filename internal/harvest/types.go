// Package harvest defines core types shared across subsystems.
package harvest

import "time"

// RecordKind classifies a harvested record.
type RecordKind string

// Record kinds persisted in the record store.
const (
	KindDecision RecordKind = "decision"
	KindDocument RecordKind = "document"
	KindTheme    RecordKind = "theme"
)

// Stage is one step of the enrichment lifecycle. Each record carries an
// independent status per stage.
type Stage string

// Pipeline stages in processing order.
const (
	StageDownload  Stage = "download"
	StageTranslate Stage = "translate"
	StageAnalyze   Stage = "analyze"
	StageEmbed     Stage = "embed"
)

// Stages lists all pipeline stages in order.
func Stages() []Stage {
	return []Stage{StageDownload, StageTranslate, StageAnalyze, StageEmbed}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageDownload, StageTranslate, StageAnalyze, StageEmbed:
		return true
	default:
		return false
	}
}

// StageStatus is the per-stage processing state of a record.
type StageStatus string

// Stage status values persisted in the record store.
const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusSuccess    StageStatus = "success"
	StatusFailed     StageStatus = "failed"
)

// CanTransition reports whether a stage status may advance from current
// to next. Statuses are never regressed automatically: only
// pending/failed -> in_progress and in_progress -> success/failed are legal.
func CanTransition(current, next StageStatus) bool {
	switch next {
	case StatusInProgress:
		return current == StatusPending || current == StatusFailed
	case StatusSuccess, StatusFailed:
		return current == StatusInProgress
	default:
		return false
	}
}

// Record is a natural-key-addressed decision, document or theme. Raw
// document bytes never live here; ContentRef points at the blob store.
type Record struct {
	NaturalKey  string      `json:"natural_key"`
	Kind        RecordKind  `json:"kind"`
	Chamber     string      `json:"chamber,omitempty"`
	Number      string      `json:"number,omitempty"`
	Title       string      `json:"title,omitempty"`
	SourceURL   string      `json:"source_url"`
	ContentRef  string      `json:"content_ref,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
	DecidedAt   *time.Time  `json:"decided_at,omitempty"`
	HarvestedAt time.Time   `json:"harvested_at"`
	Download    StageStatus `json:"download_status"`
	Translate   StageStatus `json:"translate_status"`
	Analyze     StageStatus `json:"analyze_status"`
	Embed       StageStatus `json:"embed_status"`
	Result      StageResult `json:"result"`
}

// StageStatusFor returns the record's status for the given stage.
func (r Record) StageStatusFor(stage Stage) StageStatus {
	switch stage {
	case StageDownload:
		return r.Download
	case StageTranslate:
		return r.Translate
	case StageAnalyze:
		return r.Analyze
	case StageEmbed:
		return r.Embed
	default:
		return ""
	}
}

// SetStageStatus sets the record's status for the given stage.
func (r *Record) SetStageStatus(stage Stage, status StageStatus) {
	switch stage {
	case StageDownload:
		r.Download = status
	case StageTranslate:
		r.Translate = status
	case StageAnalyze:
		r.Analyze = status
	case StageEmbed:
		r.Embed = status
	}
}

// StageResult carries the enrichment payloads. Each stage writes its own
// group of fields; absence is a zero value, never a missing column.
type StageResult struct {
	ContentRef      string    `json:"content_ref,omitempty"`
	ContentHash     string    `json:"content_hash,omitempty"`
	TranslatedText  string    `json:"translated_text,omitempty"`
	TranslatedTitle string    `json:"translated_title,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	Entities        []string  `json:"entities,omitempty"`
	Embedding       []float32 `json:"embedding,omitempty"`
}

// Classification links a decision to a theme within a chamber. The link is
// re-derivable from a crawl, so duplicate upserts are ignored.
type Classification struct {
	DecisionKey string `json:"decision_key"`
	ThemeKey    string `json:"theme_key"`
	Chamber     string `json:"chamber"`
}

// Section is one logical crawl target. It lives for a single job run and
// accumulates counters; it is never persisted beyond run statistics.
type Section struct {
	ID        string `json:"id"`
	Chamber   string `json:"chamber,omitempty"`
	Year      int    `json:"year,omitempty"`
	StartURL  string `json:"start_url"`
	StartPage int    `json:"start_page,omitempty"`
	MaxPages  int    `json:"max_pages,omitempty"`

	Counters SectionCounters `json:"counters"`
}

// SectionCounters tracks what one crawl run observed.
type SectionCounters struct {
	PagesVisited    int `json:"pages_visited"`
	ThemesSeen      int `json:"themes_seen"`
	DecisionsSeen   int `json:"decisions_seen"`
	DocumentsSeen   int `json:"documents_seen"`
	RecordsInserted int `json:"records_inserted"`
}

// PageResult is what a PageExtractor produces from one fetched page.
// HasMore is the structural "next page" signal; emptiness of content is
// judged separately by the paginator's stop heuristic.
type PageResult struct {
	Records         []Record
	Classifications []Classification
	HasMore         bool
}

// StageReport summarizes one enrichment pass.
type StageReport struct {
	Stage     Stage  `json:"stage"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}
