// Package memoryservice implements the C3 MemoryService (spec §4.3): it
// orchestrates the store/search/update/delete/list/retrieve operations for
// user memories, owning the write path (validate -> embed -> insert record
// + entity rows).
package memoryservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/db/sqlite"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/embedding"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/privacy"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/pkg/models"
)

const maxEntities = 100

// EntityInput is a caller-supplied entity tag (callers pre-tag entities;
// this service never extracts them itself, per spec §1 non-goals).
type EntityInput struct {
	Type  string
	Value string
}

// StorePayload is the write-path request (spec §4.3 step 1-3).
type StorePayload struct {
	Text          string
	UserID        string
	Type          string
	Metadata      string
	Screenshot    string
	ExtractedText string
	Entities      []EntityInput
}

// Timings reports per-phase durations for the store path, milliseconds.
type Timings struct {
	EmbeddingMs int64
	DBInsertMs  int64
	TotalMs     int64
}

// StoreResult is returned from Store.
type StoreResult struct {
	MemoryID            string
	Stored              bool
	Entities            int
	EmbeddingDimensions int
	EmbeddingSource     string
	Timings             Timings
}

// Service is the process-wide C3 handle: one Store reference, one Embedder
// reference, constructed once by the top-level Application (design notes §9).
type Service struct {
	store    *sqlite.MemoryStore
	embedder *embedding.Embedder
	log      zerolog.Logger
}

// New builds a MemoryService around a Store and an Embedder.
func New(store *sqlite.MemoryStore, embedder *embedding.Embedder, log zerolog.Logger) *Service {
	return &Service{store: store, embedder: embedder, log: log.With().Str("component", "memory_service").Logger()}
}

func resolveUserID(userID string) string {
	if userID == "" {
		return models.DefaultUserID
	}
	return userID
}

func newMemoryID() string {
	return fmt.Sprintf("mem_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func normalizeEntities(memoryID string, in []EntityInput) []models.Entity {
	if len(in) > maxEntities {
		in = in[:maxEntities]
	}
	now := time.Now().UTC()
	out := make([]models.Entity, 0, len(in))
	for _, e := range in {
		typ := strings.TrimSpace(e.Type)
		val := strings.TrimSpace(e.Value)
		if typ == "" || val == "" {
			continue
		}
		out = append(out, models.Entity{
			ID:              uuid.NewString(),
			MemoryID:        memoryID,
			Entity:          val,
			Type:            typ,
			EntityType:      typ,
			NormalizedValue: strings.ToLower(val),
			CreatedAt:       now,
		})
	}
	return out
}

// Store implements spec §4.3's write path: validate -> embed -> insert
// record + entity rows.
func (s *Service) Store(ctx context.Context, p StorePayload) (*StoreResult, error) {
	start := time.Now()

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, apperr.New(apperr.InvalidRequest, "text is required")
	}
	if len(text) > models.MaxSourceTextLen {
		return nil, apperr.Errorf(apperr.InvalidRequest, "text exceeds %d characters", models.MaxSourceTextLen)
	}

	if privacy.ContainsSecrets(text) {
		text = privacy.RedactSecrets(text)
	}
	extractedText := p.ExtractedText
	if privacy.ContainsSecrets(extractedText) {
		extractedText = privacy.RedactSecrets(extractedText)
	}

	userID := resolveUserID(p.UserID)
	memoryID := newMemoryID()

	recType := models.RecordType(p.Type)
	if recType == "" {
		recType = models.RecordTypeUserMemory
	}

	entities := normalizeEntities(memoryID, p.Entities)

	embedStart := time.Now()
	vec, source, err := s.embedder.Embed(ctx, text)
	embedMs := time.Since(embedStart).Milliseconds()
	if err != nil {
		return nil, apperr.Errorf(apperr.EmbeddingFailed, "embed store text: %w", err)
	}

	now := time.Now().UTC()
	rec := &models.Record{
		ID:              memoryID,
		UserID:          userID,
		Type:            recType,
		SourceText:      text,
		Metadata:        p.Metadata,
		Screenshot:      p.Screenshot,
		ExtractedText:   extractedText,
		Embedding:       vec,
		EmbeddingSource: source,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	insertStart := time.Now()
	if err := s.store.Insert(ctx, rec, entities); err != nil {
		return nil, err
	}
	insertMs := time.Since(insertStart).Milliseconds()

	return &StoreResult{
		MemoryID:            memoryID,
		Stored:              true,
		Entities:            len(entities),
		EmbeddingDimensions: models.EmbeddingDim,
		EmbeddingSource:     source,
		Timings: Timings{
			EmbeddingMs: embedMs,
			DBInsertMs:  insertMs,
			TotalMs:     time.Since(start).Milliseconds(),
		},
	}, nil
}

// SearchOptions narrows a Search call (spec §4.3 search path).
type SearchOptions struct {
	Type          string
	SessionID     string
	MaxAgeDays    int // 0 means "use default"
	Limit         int
	MinSimilarity float64 // 0 means "use default"
}

// SearchHit pairs a Record (with its entities) and its similarity score.
type SearchHit struct {
	Record     models.Record
	Entities   []models.Entity
	Similarity float64
}

const (
	defaultSearchLimit      = 10
	defaultMaxAgeDays       = 30
	defaultMinSimilarity    = 0.3
	searchOvershootFactor   = 3
)

// Search implements spec §4.3's read path: embed query -> vector search ->
// drop below minSimilarity -> join entities.
func (s *Service) Search(ctx context.Context, query, userID string, opts SearchOptions) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.New(apperr.InvalidRequest, "query is required")
	}
	userID = resolveUserID(userID)

	maxAgeDays := opts.MaxAgeDays
	if maxAgeDays == 0 {
		maxAgeDays = defaultMaxAgeDays
	}
	minSimilarity := opts.MinSimilarity
	if minSimilarity == 0 {
		minSimilarity = defaultMinSimilarity
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	qVec, _, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Errorf(apperr.EmbeddingFailed, "embed query: %w", err)
	}

	filters := sqlite.SearchFilters{
		Type:       opts.Type,
		SessionID:  opts.SessionID,
		MaxAgeDays: maxAgeDays,
	}

	results, err := s.store.VectorSearch(ctx, userID, qVec, limit*searchOvershootFactor, filters)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		entities, err := s.store.ListEntities(ctx, r.Record.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("memoryId", r.Record.ID).Msg("failed to load entities for search hit")
		}
		hits = append(hits, SearchHit{Record: r.Record, Entities: entities, Similarity: r.Similarity})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// Retrieve fetches a single Record and its entities.
func (s *Service) Retrieve(ctx context.Context, id, userID string) (*models.Record, []models.Entity, error) {
	userID = resolveUserID(userID)
	rec, err := s.store.GetByID(ctx, id, userID)
	if err != nil {
		return nil, nil, err
	}
	entities, err := s.store.ListEntities(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("memoryId", id).Msg("failed to load entities for retrieve")
	}
	return rec, entities, nil
}

// UpdatePayload describes the fields a caller may change via Update. A nil
// pointer field means "leave unchanged".
type UpdatePayload struct {
	Text     *string
	Metadata *string
	Entities []EntityInput // when non-nil, fully replaces the entity set
}

// Update implements the delete+re-insert contract from spec §4.3: the
// underlying store lacks in-place UPDATE for vector columns, so Update
// deletes and re-inserts under the same id, preserving createdAt and
// re-embedding only if text changed.
func (s *Service) Update(ctx context.Context, id, userID string, p UpdatePayload) (*models.Record, []models.Entity, error) {
	userID = resolveUserID(userID)

	existing, err := s.store.GetByID(ctx, id, userID)
	if err != nil {
		return nil, nil, err
	}
	existingEntities, err := s.store.ListEntities(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("memoryId", id).Msg("failed to load existing entities before update")
	}

	updated := *existing
	textChanged := false
	if p.Text != nil {
		text := strings.TrimSpace(*p.Text)
		if text == "" {
			return nil, nil, apperr.New(apperr.InvalidRequest, "text cannot be empty")
		}
		if len(text) > models.MaxSourceTextLen {
			return nil, nil, apperr.Errorf(apperr.InvalidRequest, "text exceeds %d characters", models.MaxSourceTextLen)
		}
		if privacy.ContainsSecrets(text) {
			text = privacy.RedactSecrets(text)
		}
		textChanged = text != existing.SourceText
		updated.SourceText = text
	}
	if p.Metadata != nil {
		updated.Metadata = *p.Metadata
	}

	if textChanged {
		vec, source, err := s.embedder.Embed(ctx, updated.SourceText)
		if err != nil {
			return nil, nil, apperr.Errorf(apperr.EmbeddingFailed, "re-embed updated text: %w", err)
		}
		updated.Embedding = vec
		updated.EmbeddingSource = source
	}
	updated.UpdatedAt = time.Now().UTC()
	// CreatedAt is preserved verbatim from existing.

	entities := existingEntities
	if p.Entities != nil {
		entities = normalizeEntities(id, p.Entities)
	}

	if err := s.store.Delete(ctx, id, userID); err != nil {
		return nil, nil, err
	}
	if err := s.store.Insert(ctx, &updated, entities); err != nil {
		return nil, nil, err
	}

	return &updated, entities, nil
}

// Delete removes a record and its entities. Idempotent per spec §8: deleting
// a non-existent id still returns success.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	userID = resolveUserID(userID)
	return s.store.Delete(ctx, id, userID)
}

// ListOptions controls List's structured pagination.
type ListOptions struct {
	Type       string
	SessionID  string
	MaxAgeDays int
	SortBy     string
	Order      string
	Limit      int
	Offset     int
}

// List performs a structured listing, independent of the vector index.
func (s *Service) List(ctx context.Context, userID string, opts ListOptions) ([]models.Record, error) {
	userID = resolveUserID(userID)
	return s.store.MetadataQuery(ctx, userID, sqlite.ListOptions{
		Filters: sqlite.SearchFilters{
			Type:       opts.Type,
			SessionID:  opts.SessionID,
			MaxAgeDays: opts.MaxAgeDays,
		},
		SortBy: opts.SortBy,
		Order:  opts.Order,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// Stats reports aggregate store/embedder health for the debug/health actions
// (SPEC_FULL §12).
type Stats struct {
	Store sqlite.Stats
	Cache embedding.CacheStats
}

// GetStats returns combined store and embedder cache statistics.
func (s *Service) GetStats(ctx context.Context, userID string) (*Stats, error) {
	userID = resolveUserID(userID)
	storeStats, err := s.store.GetStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Stats{Store: *storeStats, Cache: s.embedder.CacheStats()}, nil
}
