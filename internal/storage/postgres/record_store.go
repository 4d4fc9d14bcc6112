// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jurisq/lexharvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// statusColumns maps each stage to its status column. Stage values never
// reach SQL directly; only these literals do.
var statusColumns = map[harvest.Stage]string{
	harvest.StageDownload:  "download_status",
	harvest.StageTranslate: "translate_status",
	harvest.StageAnalyze:   "analyze_status",
	harvest.StageEmbed:     "embed_status",
}

// RecordStoreConfig controls the Postgres connection pool.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RecordStore implements harvest.RecordStore on Postgres.
type RecordStore struct {
	pool  pgxPool
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool pgxPool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRecord inserts a record row, ignoring natural-key conflicts so a
// later crawl pass never clobbers enrichment results. Returns 1 when a
// row was actually inserted.
func (s *RecordStore) UpsertRecord(ctx context.Context, rec harvest.Record) (int, error) {
	if rec.NaturalKey == "" {
		return 0, fmt.Errorf("record natural key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	natural_key,
	kind,
	chamber,
	number,
	title,
	source_url,
	content_ref,
	content_hash,
	decided_at,
	harvested_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) ON CONFLICT (natural_key) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		rec.NaturalKey,
		rec.Kind,
		rec.Chamber,
		rec.Number,
		rec.Title,
		rec.SourceURL,
		rec.ContentRef,
		rec.ContentHash,
		rec.DecidedAt,
		rec.HarvestedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert record: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpsertClassification inserts a decision/theme link, ignoring duplicates.
// Links are re-derivable from a crawl, so conflicts carry no information.
func (s *RecordStore) UpsertClassification(ctx context.Context, c harvest.Classification) (int, error) {
	if c.DecisionKey == "" || c.ThemeKey == "" {
		return 0, fmt.Errorf("classification requires decision and theme keys")
	}
	query := `
INSERT INTO classifications (decision_key, theme_key, chamber)
VALUES ($1,$2,$3)
ON CONFLICT (decision_key, theme_key) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query, c.DecisionKey, c.ThemeKey, c.Chamber)
	if err != nil {
		return 0, fmt.Errorf("upsert classification: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const recordColumns = `natural_key, kind, chamber, number, title, source_url,
	content_ref, content_hash, decided_at, harvested_at,
	download_status, translate_status, analyze_status, embed_status,
	translated_text, translated_title, summary, entities, embedding`

// FindByStage returns up to limit records whose stage status matches,
// oldest harvested first so re-runs make deterministic progress.
func (s *RecordStore) FindByStage(
	ctx context.Context,
	stage harvest.Stage,
	status harvest.StageStatus,
	limit int,
) ([]harvest.Record, error) {
	column, ok := statusColumns[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if limit <= 0 {
		// LIMIT NULL means no limit.
		limit = -1
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE %s = $1
ORDER BY harvested_at ASC, natural_key ASC
LIMIT NULLIF($2, -1)`, recordColumns, s.table, column)

	rows, err := s.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("find by stage: %w", err)
	}
	defer rows.Close()

	var out []harvest.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// AdvanceStage transitions one record's stage status and writes the
// result payload in the same statement, so status and payload commit
// together. The WHERE clause enforces the legal transitions; a rejected
// transition and a missing key are told apart afterwards.
func (s *RecordStore) AdvanceStage(
	ctx context.Context,
	naturalKey string,
	stage harvest.Stage,
	status harvest.StageStatus,
	result harvest.StageResult,
) error {
	column, ok := statusColumns[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	allowed := allowedPriorStatuses(status)
	if len(allowed) == 0 {
		return fmt.Errorf("%w: cannot set %s to %s", harvest.ErrIllegalTransition, stage, status)
	}

	entitiesJSON, embeddingJSON, err := marshalPayload(result)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
UPDATE %s SET
	%s = $2,
	content_ref = COALESCE(NULLIF($3, ''), content_ref),
	content_hash = COALESCE(NULLIF($4, ''), content_hash),
	translated_text = COALESCE(NULLIF($5, ''), translated_text),
	translated_title = COALESCE(NULLIF($6, ''), translated_title),
	summary = COALESCE(NULLIF($7, ''), summary),
	entities = COALESCE($8, entities),
	embedding = COALESCE($9, embedding)
WHERE natural_key = $1 AND %s = ANY($10)`, s.table, column, column)

	tag, err := s.pool.Exec(ctx, query,
		naturalKey,
		status,
		result.ContentRef,
		result.ContentHash,
		result.TranslatedText,
		result.TranslatedTitle,
		result.Summary,
		entitiesJSON,
		embeddingJSON,
		allowed,
	)
	if err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current harvest.StageStatus
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE natural_key = $1`, column, s.table), naturalKey)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.ErrNotFound
		}
		return fmt.Errorf("inspect stage status: %w", err)
	}
	return fmt.Errorf("%w: %s %s -> %s for %s",
		harvest.ErrIllegalTransition, stage, current, status, naturalKey)
}

// ResetInProgress rewinds in_progress records for a stage back to pending.
// Crash-recovery policy: a record found in_progress at orchestrator
// startup is never assumed complete.
func (s *RecordStore) ResetInProgress(ctx context.Context, stage harvest.Stage) (int, error) {
	column, ok := statusColumns[stage]
	if !ok {
		return 0, fmt.Errorf("unknown stage %q", stage)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`, s.table, column, column)
	tag, err := s.pool.Exec(ctx, query, harvest.StatusPending, harvest.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("reset in_progress: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStage reports how many records carry the given stage status.
func (s *RecordStore) CountByStage(ctx context.Context, stage harvest.Stage, status harvest.StageStatus) (int, error) {
	column, ok := statusColumns[stage]
	if !ok {
		return 0, fmt.Errorf("unknown stage %q", stage)
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = $1`, s.table, column)
	if err := s.pool.QueryRow(ctx, query, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("count by stage: %w", err)
	}
	return count, nil
}

func allowedPriorStatuses(next harvest.StageStatus) []string {
	switch next {
	case harvest.StatusInProgress:
		return []string{string(harvest.StatusPending), string(harvest.StatusFailed)}
	case harvest.StatusSuccess, harvest.StatusFailed:
		return []string{string(harvest.StatusInProgress)}
	default:
		return nil
	}
}

func marshalPayload(result harvest.StageResult) ([]byte, []byte, error) {
	var entitiesJSON, embeddingJSON []byte
	if len(result.Entities) > 0 {
		data, err := json.Marshal(result.Entities)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal entities: %w", err)
		}
		entitiesJSON = data
	}
	if len(result.Embedding) > 0 {
		data, err := json.Marshal(result.Embedding)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal embedding: %w", err)
		}
		embeddingJSON = data
	}
	return entitiesJSON, embeddingJSON, nil
}

func scanRecord(rows pgx.Rows) (harvest.Record, error) {
	var (
		rec           harvest.Record
		decidedAt     *time.Time
		entitiesJSON  []byte
		embeddingJSON []byte
	)
	err := rows.Scan(
		&rec.NaturalKey,
		&rec.Kind,
		&rec.Chamber,
		&rec.Number,
		&rec.Title,
		&rec.SourceURL,
		&rec.ContentRef,
		&rec.ContentHash,
		&decidedAt,
		&rec.HarvestedAt,
		&rec.Download,
		&rec.Translate,
		&rec.Analyze,
		&rec.Embed,
		&rec.Result.TranslatedText,
		&rec.Result.TranslatedTitle,
		&rec.Result.Summary,
		&entitiesJSON,
		&embeddingJSON,
	)
	if err != nil {
		return harvest.Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.DecidedAt = decidedAt
	rec.Result.ContentRef = rec.ContentRef
	if len(entitiesJSON) > 0 {
		if err := json.Unmarshal(entitiesJSON, &rec.Result.Entities); err != nil {
			return harvest.Record{}, fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	if len(embeddingJSON) > 0 {
		if err := json.Unmarshal(embeddingJSON, &rec.Result.Embedding); err != nil {
			return harvest.Record{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return rec, nil
}
