// Package embedding implements the C2 Embedder component (spec §4.2): it
// loads a 384-dim sentence-embedding model once, produces L2-normalised
// vectors, caches by normalised text key, and falls back to a deterministic
// vector when the model fails at runtime.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
)

// Source labels where a vector came from, surfaced to callers per SPEC_FULL
// §13 so degraded (fallback) results can be distinguished from model output.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// cacheKeyMaxLen bounds the cache key length (spec §4.2: lower(trim(text))[:200]).
const cacheKeyMaxLen = 200

// cacheEntry is what's stored per cache key.
type cacheEntry struct {
	vec    []float32
	source string
}

// Embedder is the process-singleton embedding service: model load once,
// L2-normalised output, LRU+TTL cache, deterministic fallback on failure.
type Embedder struct {
	model EmbeddingModel
	cache *lru.LRU[string, cacheEntry]
	group singleflight.Group
	log   zerolog.Logger

	mu          sync.RWMutex
	initialized bool
	initErr     error

	hits, misses, total int64
	statsMu              sync.Mutex
}

// Config controls cache sizing (spec §4.2 defaults: capacity 1000, TTL 24h).
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns the spec-observed defaults.
func DefaultConfig() Config {
	return Config{CacheSize: 1000, CacheTTL: 24 * time.Hour}
}

// NewEmbedder builds an Embedder around an EmbeddingModel (usually the
// package's own ONNX-backed Service, but any implementation satisfying the
// narrow Embed/EmbedBatch contract is pluggable, per the design notes).
func NewEmbedder(model EmbeddingModel, cfg Config, log zerolog.Logger) *Embedder {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Embedder{
		model: model,
		cache: lru.NewLRU[string, cacheEntry](cfg.CacheSize, nil, cfg.CacheTTL),
		log:   log.With().Str("component", "embedder").Logger(),
	}
}

// Init marks the embedder ready. It is idempotent and exists primarily so
// callers follow the same Init-before-use lifecycle the model itself uses
// for lazy construction (model load happens in NewService/NewEmbedder).
func (e *Embedder) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return e.initErr
	}
	if e.model == nil {
		e.initErr = apperr.New(apperr.InternalError, "embedder: no model configured")
	}
	e.initialized = true
	return e.initErr
}

func (e *Embedder) ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized && e.initErr == nil
}

func cacheKey(text string) string {
	k := strings.ToLower(strings.TrimSpace(text))
	if len(k) > cacheKeyMaxLen {
		k = k[:cacheKeyMaxLen]
	}
	return k
}

// Embed returns a validated, L2-normalised 384-dim vector for text. Empty
// input is rejected; a model runtime failure degrades to the deterministic
// fallback (logged at WARN) rather than failing the call, per spec §4.2.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, string, error) {
	if !e.ready() {
		return nil, "", apperr.ErrEmbedderNotReady
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", apperr.New(apperr.InvalidRequest, "embed: empty input")
	}

	key := cacheKey(text)

	e.statsMu.Lock()
	e.total++
	e.statsMu.Unlock()

	if entry, ok := e.cache.Get(key); ok {
		e.statsMu.Lock()
		e.hits++
		e.statsMu.Unlock()
		return entry.vec, entry.source, nil
	}

	e.statsMu.Lock()
	e.misses++
	e.statsMu.Unlock()

	// singleflight collapses concurrent identical-text embed calls so the
	// model only runs once per key even under a thundering herd.
	result, err, _ := e.group.Do(key, func() (any, error) {
		vec, source := e.computeOrFallback(text)
		if err := validateVector(vec); err != nil {
			return nil, err
		}
		e.cache.Add(key, cacheEntry{vec: vec, source: source})
		return cacheEntry{vec: vec, source: source}, nil
	})
	if err != nil {
		return nil, "", err
	}
	entry := result.(cacheEntry)
	return entry.vec, entry.source, nil
}

// computeOrFallback runs the real model, falling back to the deterministic
// embedding on any runtime error.
func (e *Embedder) computeOrFallback(text string) ([]float32, string) {
	vec, err := e.model.Embed(text)
	if err != nil {
		e.log.Warn().Err(err).Msg("model embed failed, using deterministic fallback")
		return fallbackEmbed(text), SourceFallback
	}
	normalized := normalizeIfNeeded(vec)
	return normalized, SourceModel
}

// normalizeIfNeeded renormalizes vec to unit length if it isn't already
// (within tolerance), guarding against model backends that don't L2-normalise
// internally.
func normalizeIfNeeded(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if math.Abs(norm-1.0) < 1e-4 || norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// EmbedBatch embeds each text, preserving order. Parallelism is permitted
// internally by the model but results are always returned in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []string, error) {
	vecs := make([][]float32, len(texts))
	sources := make([]string, len(texts))
	for i, t := range texts {
		v, s, err := e.Embed(ctx, t)
		if err != nil {
			return nil, nil, fmt.Errorf("embed batch item %d: %w", i, err)
		}
		vecs[i] = v
		sources[i] = s
	}
	return vecs, sources, nil
}

// validateVector enforces invariant 1: len == 384 and every element finite.
func validateVector(vec []float32) error {
	if len(vec) != EmbeddingDim {
		return apperr.Errorf(apperr.EmbeddingFailed, "embedding has wrong dimension: got %d, want %d", len(vec), EmbeddingDim)
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return apperr.New(apperr.EmbeddingFailed, "embedding contains non-finite component")
		}
	}
	return nil
}

// CacheStats reports cache hit/miss/total counters for health introspection
// (SPEC_FULL §12).
type CacheStats struct {
	Hits          int64
	Misses        int64
	TotalRequests int64
	Size          int
}

// CacheStats returns a snapshot of the embedder's cache counters.
func (e *Embedder) CacheStats() CacheStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return CacheStats{
		Hits:          e.hits,
		Misses:        e.misses,
		TotalRequests: e.total,
		Size:          e.cache.Len(),
	}
}

// Close releases the underlying model's resources.
func (e *Embedder) Close() error {
	if e.model == nil {
		return nil
	}
	return e.model.Close()
}
