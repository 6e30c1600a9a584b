package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModel is a minimal EmbeddingModel for exercising Embedder in isolation
// (the design notes require the Embed/EmbedBatch contract to be pluggable
// behind mocks).
type stubModel struct {
	calls   int64
	failing bool
	vec     []float32
}

func (s *stubModel) Name() string       { return "stub" }
func (s *stubModel) Version() string    { return "stub-v1" }
func (s *stubModel) Dimensions() int    { return EmbeddingDim }
func (s *stubModel) Close() error       { return nil }
func (s *stubModel) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubModel) Embed(text string) ([]float32, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.failing {
		return nil, errors.New("model unavailable")
	}
	if s.vec != nil {
		return s.vec, nil
	}
	out := make([]float32, EmbeddingDim)
	out[0] = 1.0
	return out, nil
}

func newTestEmbedder(model EmbeddingModel) *Embedder {
	e := NewEmbedder(model, Config{CacheSize: 10, CacheTTL: time.Hour}, zerolog.Nop())
	_ = e.Init(context.Background())
	return e
}

func TestEmbedder_NotReadyBeforeInit(t *testing.T) {
	e := NewEmbedder(&stubModel{}, DefaultConfig(), zerolog.Nop())
	_, _, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
}

func TestEmbedder_RejectsEmptyInput(t *testing.T) {
	e := newTestEmbedder(&stubModel{})
	_, _, err := e.Embed(context.Background(), "   ")
	require.Error(t, err)
}

func TestEmbedder_ReturnsNormalizedVector(t *testing.T) {
	e := newTestEmbedder(&stubModel{})
	vec, source, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, SourceModel, source)
	require.Len(t, vec, EmbeddingDim)
}

func TestEmbedder_CacheHitAvoidsRecompute(t *testing.T) {
	model := &stubModel{}
	e := newTestEmbedder(model)

	_, _, err := e.Embed(context.Background(), "Meeting with Dr. Smith")
	require.NoError(t, err)
	_, _, err = e.Embed(context.Background(), "  MEETING WITH DR. SMITH  ")
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&model.calls), "second call should be served from cache")

	stats := e.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.TotalRequests)
}

func TestEmbedder_CacheReturnsSameVectorForIdenticalText(t *testing.T) {
	e := newTestEmbedder(&stubModel{})
	a, _, err := e.Embed(context.Background(), "repeat me")
	require.NoError(t, err)
	b, _, err := e.Embed(context.Background(), "repeat me")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmbedder_FallsBackOnModelFailure(t *testing.T) {
	model := &stubModel{failing: true}
	e := newTestEmbedder(model)

	vec, source, err := e.Embed(context.Background(), "this will fail")
	require.NoError(t, err, "fallback must let the call succeed")
	assert.Equal(t, SourceFallback, source)
	require.Len(t, vec, EmbeddingDim)
}

func TestEmbedder_EmbedBatchPreservesOrder(t *testing.T) {
	e := newTestEmbedder(&stubModel{vec: func() []float32 {
		v := make([]float32, EmbeddingDim)
		v[1] = 1
		return v
	}()})

	vecs, sources, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	require.Len(t, sources, 3)
	for _, v := range vecs {
		require.Len(t, v, EmbeddingDim)
	}
}

func TestEmbedder_RejectsMalformedVector(t *testing.T) {
	model := &stubModel{vec: []float32{1, 2, 3}} // wrong dimension
	e := newTestEmbedder(model)

	_, _, err := e.Embed(context.Background(), "bad vector")
	require.Error(t, err)
}
