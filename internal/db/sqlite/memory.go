package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/rs/zerolog"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/pkg/models"
)

// MemoryStore implements the C1 Store contract (spec §4.1) on top of Store's
// prepared-statement connection.
type MemoryStore struct {
	s   *Store
	log zerolog.Logger
}

// NewMemoryStore wraps a Store with the memory/entity/vector operations.
func NewMemoryStore(s *Store, log zerolog.Logger) *MemoryStore {
	return &MemoryStore{s: s, log: log.With().Str("component", "store").Logger()}
}

// Checkpoint passes through to the underlying Store's WAL checkpoint, used by
// the retention purge sequence (spec §4.6) to flush deletes to the main
// database file before rebuilding the ANN index.
func (ms *MemoryStore) Checkpoint() error {
	return ms.s.Checkpoint()
}

// SearchFilters narrows VectorSearch and MetadataQuery results.
type SearchFilters struct {
	Type       string
	SessionID  string // substring-match against metadata JSON
	MaxAgeDays int
}

// encodeEmbedding serializes a float32 vector into the BLOB representation
// stored in memory.embedding (little-endian float32 array).
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding.
func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// Insert appends a Record and its entity rows. If the record carries an
// embedding, it is also written into the vec0 ANN index (incrementally).
// Per spec §4.1, entity insert failures are logged and skipped rather than
// failing the whole write.
func (ms *MemoryStore) Insert(ctx context.Context, rec *models.Record, entities []models.Entity) error {
	tx, err := ms.s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Errorf(apperr.DatabaseError, "begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	createdEpoch := rec.CreatedAt.UnixMilli()
	updatedEpoch := rec.UpdatedAt.UnixMilli()

	var embeddingBlob any
	var embeddingSource any
	if len(rec.Embedding) > 0 {
		embeddingBlob = encodeEmbedding(rec.Embedding)
	}
	if rec.EmbeddingSource != "" {
		embeddingSource = rec.EmbeddingSource
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory (id, user_id, type, source_text, metadata, screenshot, extracted_text,
			embedding, embedding_source, created_at, created_at_epoch, updated_at, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, string(rec.Type), rec.SourceText, rec.Metadata, rec.Screenshot, rec.ExtractedText,
		embeddingBlob, embeddingSource,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), createdEpoch,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano), updatedEpoch,
	)
	if err != nil {
		return apperr.Errorf(apperr.DatabaseError, "insert memory row: %w", err)
	}

	for i := range entities {
		e := &entities[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_entities (id, memory_id, entity, type, entity_type, normalized_value, created_at, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.MemoryID, e.Entity, e.Type, e.EntityType, e.NormalizedValue,
			e.CreatedAt.UTC().Format(time.RFC3339Nano), e.CreatedAt.UnixMilli(),
		); err != nil {
			ms.log.Warn().Err(err).Str("memoryId", rec.ID).Msg("entity insert failed, skipping")
			continue
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "commit insert: %w", err)
	}

	if len(rec.Embedding) > 0 {
		if err := ms.upsertVector(ctx, rec.ID, rec.UserID, rec.Embedding); err != nil {
			ms.log.Warn().Err(err).Str("memoryId", rec.ID).Msg("vector index upsert failed, deferring to next rebuild")
		}
	}

	return nil
}

func (ms *MemoryStore) upsertVector(ctx context.Context, id, userID string, vec []float32) error {
	serialized, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("serialize vector: %w", err)
	}
	if _, err := ms.s.db.ExecContext(ctx, `DELETE FROM memory_vec WHERE memory_id = ?`, id); err != nil {
		return err
	}
	_, err = ms.s.db.ExecContext(ctx,
		`INSERT INTO memory_vec (memory_id, embedding, user_id) VALUES (?, ?, ?)`, id, serialized, userID)
	return err
}

// Delete removes a record and its entities atomically (cascade via FK).
// Idempotent: deleting a non-existent id returns nil, not an error.
func (ms *MemoryStore) Delete(ctx context.Context, id, userID string) error {
	tx, err := ms.s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Errorf(apperr.DatabaseError, "begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entities WHERE memory_id = ?`, id); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "delete entities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "delete memory row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "commit delete: %w", err)
	}

	if _, err := ms.s.db.ExecContext(ctx, `DELETE FROM memory_vec WHERE memory_id = ?`, id); err != nil {
		ms.log.Warn().Err(err).Str("memoryId", id).Msg("vector index delete failed, deferring to next rebuild")
	}
	return nil
}

// SearchResult pairs a Record with its similarity score.
type SearchResult struct {
	Record     models.Record
	Similarity float64
}

// VectorSearch returns up to k Records ordered by ascending cosine distance
// (descending similarity). Excludes rows with a null embedding. The ANN
// index is an optimization only: a full scan must produce the same set.
func (ms *MemoryStore) VectorSearch(ctx context.Context, userID string, qVec []float32, k int, filters SearchFilters) ([]SearchResult, error) {
	serialized, err := sqlite_vec.SerializeFloat32(qVec)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "serialize query vector: %w", err)
	}

	// Overshoot the vec0 candidate set since type/session/age filters are
	// applied afterward in the join against `memory`. user_id itself is
	// filtered inside the MATCH query below (via memory_vec's user_id
	// auxiliary column), not against this already-truncated candidate set,
	// so the KNN search only ever ranks the scoped user's own rows.
	candidateK := k * 4
	if candidateK < 50 {
		candidateK = 50
	}

	rows, err := ms.s.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.type, m.source_text, m.metadata, m.screenshot, m.extracted_text,
			m.embedding, m.embedding_source, m.created_at_epoch, m.updated_at_epoch, v.distance
		FROM memory_vec v
		JOIN memory m ON m.id = v.memory_id
		WHERE v.embedding MATCH ? AND k = ? AND v.user_id = ?
		ORDER BY v.distance`,
		serialized, candidateK, userID,
	)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "vector search query: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	now := time.Now()
	for rows.Next() {
		var rec models.Record
		var typ string
		var embBlob []byte
		var embSource sql.NullString
		var createdEpoch, updatedEpoch int64
		var distance float64

		if err := rows.Scan(&rec.ID, &rec.UserID, &typ, &rec.SourceText, &rec.Metadata, &rec.Screenshot,
			&rec.ExtractedText, &embBlob, &embSource, &createdEpoch, &updatedEpoch, &distance); err != nil {
			return nil, apperr.Errorf(apperr.DatabaseError, "scan vector search row: %w", err)
		}

		if filters.Type != "" && typ != filters.Type {
			continue
		}
		if filters.SessionID != "" && !strings.Contains(rec.Metadata, filters.SessionID) {
			continue
		}
		if filters.MaxAgeDays > 0 {
			cutoff := now.AddDate(0, 0, -filters.MaxAgeDays)
			if time.UnixMilli(createdEpoch).Before(cutoff) {
				continue
			}
		}

		rec.Type = models.RecordType(typ)
		rec.Embedding = decodeEmbedding(embBlob)
		rec.EmbeddingSource = embSource.String
		rec.CreatedAt = time.UnixMilli(createdEpoch).UTC()
		rec.UpdatedAt = time.UnixMilli(updatedEpoch).UTC()

		results = append(results, SearchResult{Record: rec, Similarity: 1.0 - distance})
		if len(results) >= k {
			break
		}
	}
	return results, rows.Err()
}

// ListOptions controls MetadataQuery's structured listing.
type ListOptions struct {
	Filters SearchFilters
	SortBy  string // "createdAt" | "updatedAt"
	Order   string // "ASC" | "DESC"
	Limit   int
	Offset  int
}

// MetadataQuery performs a structured list over `memory`, independent of the
// vector index.
func (ms *MemoryStore) MetadataQuery(ctx context.Context, userID string, opts ListOptions) ([]models.Record, error) {
	sortCol := "created_at_epoch"
	if opts.SortBy == "updatedAt" {
		sortCol = "updated_at_epoch"
	}
	order := "DESC"
	if strings.EqualFold(opts.Order, "ASC") {
		order = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, type, source_text, metadata, screenshot, extracted_text,
			embedding, embedding_source, created_at_epoch, updated_at_epoch
		FROM memory
		WHERE user_id = ?`)
	args := []any{userID}

	if opts.Filters.Type != "" {
		query += " AND type = ?"
		args = append(args, opts.Filters.Type)
	}
	if opts.Filters.SessionID != "" {
		query += " AND metadata LIKE ?"
		args = append(args, "%"+opts.Filters.SessionID+"%")
	}
	if opts.Filters.MaxAgeDays > 0 {
		cutoffEpoch := time.Now().AddDate(0, 0, -opts.Filters.MaxAgeDays).UnixMilli()
		query += " AND created_at_epoch >= ?"
		args = append(args, cutoffEpoch)
	}

	query += fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", sortCol, order)
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, opts.Offset)

	rows, err := ms.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "metadata query: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordRow(rows rowScanner) (models.Record, error) {
	var rec models.Record
	var typ string
	var embBlob []byte
	var embSource sql.NullString
	var createdEpoch, updatedEpoch int64

	if err := rows.Scan(&rec.ID, &rec.UserID, &typ, &rec.SourceText, &rec.Metadata, &rec.Screenshot,
		&rec.ExtractedText, &embBlob, &embSource, &createdEpoch, &updatedEpoch); err != nil {
		return rec, apperr.Errorf(apperr.DatabaseError, "scan memory row: %w", err)
	}

	rec.Type = models.RecordType(typ)
	rec.Embedding = decodeEmbedding(embBlob)
	rec.EmbeddingSource = embSource.String
	rec.CreatedAt = time.UnixMilli(createdEpoch).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedEpoch).UTC()
	return rec, nil
}

// GetByID fetches a single Record scoped to userID.
func (ms *MemoryStore) GetByID(ctx context.Context, id, userID string) (*models.Record, error) {
	row := ms.s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, source_text, metadata, screenshot, extracted_text,
			embedding, embedding_source, created_at_epoch, updated_at_epoch
		FROM memory WHERE id = ? AND user_id = ?`, id, userID)

	rec, err := scanRecordRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		var appErr *apperr.Error
		if errors.As(err, &appErr) && errors.Is(appErr.Wrapped, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListEntities returns all entity rows for a memory id.
func (ms *MemoryStore) ListEntities(ctx context.Context, memoryID string) ([]models.Entity, error) {
	rows, err := ms.s.db.QueryContext(ctx, `
		SELECT id, memory_id, entity, type, entity_type, normalized_value, created_at_epoch
		FROM memory_entities WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "list entities: %w", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		var e models.Entity
		var createdEpoch int64
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.Entity, &e.Type, &e.EntityType, &e.NormalizedValue, &createdEpoch); err != nil {
			return nil, apperr.Errorf(apperr.DatabaseError, "scan entity row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdEpoch).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats summarizes the store's current state for health introspection,
// extended (SPEC_FULL §12) with vector-index metadata beyond spec.md's bare
// GetStats contract.
type Stats struct {
	TotalRecords    int64
	RecordsByType   map[string]int64
	VectorizedCount int64
	OldestCreatedAt *time.Time
	NewestCreatedAt *time.Time
}

// GetStats reports aggregate counts over the store.
func (ms *MemoryStore) GetStats(ctx context.Context, userID string) (*Stats, error) {
	stats := &Stats{RecordsByType: make(map[string]int64)}

	row := ms.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory WHERE user_id = ?`, userID)
	if err := row.Scan(&stats.TotalRecords); err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "count records: %w", err)
	}

	rows, err := ms.s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memory WHERE user_id = ? GROUP BY type`, userID)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "count by type: %w", err)
	}
	for rows.Next() {
		var typ string
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			rows.Close()
			return nil, apperr.Errorf(apperr.DatabaseError, "scan type count: %w", err)
		}
		stats.RecordsByType[typ] = count
	}
	rows.Close()

	row = ms.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory WHERE user_id = ? AND embedding IS NOT NULL`, userID)
	if err := row.Scan(&stats.VectorizedCount); err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "count vectorized: %w", err)
	}

	var oldestEpoch, newestEpoch sql.NullInt64
	row = ms.s.db.QueryRowContext(ctx, `SELECT MIN(created_at_epoch), MAX(created_at_epoch) FROM memory WHERE user_id = ?`, userID)
	if err := row.Scan(&oldestEpoch, &newestEpoch); err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "scan age range: %w", err)
	}
	if oldestEpoch.Valid {
		t := time.UnixMilli(oldestEpoch.Int64).UTC()
		stats.OldestCreatedAt = &t
	}
	if newestEpoch.Valid {
		t := time.UnixMilli(newestEpoch.Int64).UTC()
		stats.NewestCreatedAt = &t
	}

	return stats, nil
}

// RebuildIndex drops and repopulates the ANN index from scratch. Skipped
// when no embedded rows exist (spec §4.1).
func (ms *MemoryStore) RebuildIndex(ctx context.Context) error {
	row := ms.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory WHERE embedding IS NOT NULL`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "count embedded rows: %w", err)
	}
	if count == 0 {
		ms.log.Info().Msg("rebuild index skipped, no embedded rows")
		return nil
	}

	if _, err := ms.s.db.ExecContext(ctx, `DELETE FROM memory_vec`); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "clear vector index: %w", err)
	}

	rows, err := ms.s.db.QueryContext(ctx, `SELECT id, user_id, embedding FROM memory WHERE embedding IS NOT NULL`)
	if err != nil {
		return apperr.Errorf(apperr.DatabaseError, "scan embedded rows: %w", err)
	}
	defer rows.Close()

	var rebuilt int
	for rows.Next() {
		var id, userID string
		var blob []byte
		if err := rows.Scan(&id, &userID, &blob); err != nil {
			return apperr.Errorf(apperr.DatabaseError, "scan embedding blob: %w", err)
		}
		vec := decodeEmbedding(blob)
		if len(vec) != models.EmbeddingDim {
			ms.log.Warn().Str("memoryId", id).Int("len", len(vec)).Msg("skipping malformed embedding during rebuild")
			continue
		}
		if err := ms.upsertVector(ctx, id, userID, vec); err != nil {
			ms.log.Warn().Err(err).Str("memoryId", id).Msg("rebuild upsert failed")
			continue
		}
		rebuilt++
	}

	ms.log.Info().Int("rebuilt", rebuilt).Msg("vector index rebuilt")
	return rows.Err()
}

// CompactIndex reclaims space in the underlying database file.
func (ms *MemoryStore) CompactIndex(ctx context.Context) error {
	if _, err := ms.s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "vacuum: %w", err)
	}
	return nil
}

// OldestNewest returns the min/max created_at across all users, used by
// Retention to determine dataset age.
func (ms *MemoryStore) OldestNewest(ctx context.Context) (oldest, newest time.Time, hasRows bool, err error) {
	var oldestEpoch, newestEpoch sql.NullInt64
	row := ms.s.db.QueryRowContext(ctx, `SELECT MIN(created_at_epoch), MAX(created_at_epoch) FROM memory`)
	if scanErr := row.Scan(&oldestEpoch, &newestEpoch); scanErr != nil {
		return time.Time{}, time.Time{}, false, apperr.Errorf(apperr.DatabaseError, "scan oldest/newest: %w", scanErr)
	}
	if !oldestEpoch.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	return time.UnixMilli(oldestEpoch.Int64).UTC(), time.UnixMilli(newestEpoch.Int64).UTC(), true, nil
}

// PurgeOlderThan deletes all records (and their entities) with
// created_at before cutoff, returning the number of records purged.
func (ms *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffEpoch := cutoff.UnixMilli()

	tx, err := ms.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Errorf(apperr.DatabaseError, "begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM memory_entities WHERE memory_id IN (
			SELECT id FROM memory WHERE created_at_epoch < ?
		)`, cutoffEpoch)
	if err != nil {
		return 0, apperr.Errorf(apperr.DatabaseError, "purge entities: %w", err)
	}
	_ = res

	result, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE created_at_epoch < ?`, cutoffEpoch)
	if err != nil {
		return 0, apperr.Errorf(apperr.DatabaseError, "purge memory: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, apperr.Errorf(apperr.DatabaseError, "purge rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Errorf(apperr.DatabaseError, "commit purge: %w", err)
	}

	if _, err := ms.s.db.ExecContext(ctx, `
		DELETE FROM memory_vec WHERE memory_id NOT IN (SELECT id FROM memory)`); err != nil {
		ms.log.Warn().Err(err).Msg("vector index cleanup after purge failed, will be fixed by next rebuild")
	}

	return purged, nil
}
