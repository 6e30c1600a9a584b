package memoryservice

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/db/sqlite"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/embedding"
)

// failingModel always errors, forcing the Embedder down its deterministic
// fallback path (spec §4.2) so these tests don't depend on the bundled ONNX
// model assets being present.
type failingModel struct{}

func (failingModel) Name() string                             { return "failing" }
func (failingModel) Version() string                          { return "failing-v1" }
func (failingModel) Dimensions() int                          { return embedding.EmbeddingDim }
func (failingModel) Close() error                              { return nil }
func (failingModel) Embed(string) ([]float32, error)          { return nil, errors.New("no model loaded") }
func (failingModel) EmbedBatch([]string) ([][]float32, error) { return nil, errors.New("no model loaded") }

func newTestService(t *testing.T) *Service {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memory_test.db")
	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memStore := sqlite.NewMemoryStore(store, zerolog.Nop())
	embedder := embedding.NewEmbedder(failingModel{}, embedding.DefaultConfig(), zerolog.Nop())
	require.NoError(t, embedder.Init(context.Background()))

	return New(memStore, embedder, zerolog.Nop())
}

// TestStoreRetrieve_RoundTrip is scenario S1 from spec §8.
func TestStoreRetrieve_RoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.Store(ctx, StorePayload{
		Text:     "Meeting with Dr. Smith tomorrow at 3pm",
		UserID:   "u1",
		Entities: []EntityInput{{Type: "person", Value: "Dr. Smith"}},
	})
	require.NoError(t, err)
	require.True(t, result.Stored)
	require.Equal(t, 1, result.Entities)

	rec, entities, err := svc.Retrieve(ctx, result.MemoryID, "u1")
	require.NoError(t, err)
	require.Equal(t, "Meeting with Dr. Smith tomorrow at 3pm", rec.SourceText)
	require.Len(t, entities, 1)
	require.Equal(t, "Dr. Smith", entities[0].Entity)
}

func TestStore_RejectsEmptyText(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Store(context.Background(), StorePayload{Text: "   "})
	require.Error(t, err)
	require.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))
}

func TestStore_CapsEntitiesAtMax(t *testing.T) {
	svc := newTestService(t)
	entities := make([]EntityInput, 150)
	for i := range entities {
		entities[i] = EntityInput{Type: "tag", Value: "v"}
	}
	result, err := svc.Store(context.Background(), StorePayload{Text: "lots of entities", Entities: entities})
	require.NoError(t, err)
	require.LessOrEqual(t, result.Entities, maxEntities)
}

// TestSearch_FindsSharedTopicOverUnrelated approximates S2: a query sharing
// vocabulary with a stored memory should rank above an unrelated control.
func TestSearch_FindsSharedTopicOverUnrelated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	relevant, err := svc.Store(ctx, StorePayload{Text: "I have an appointment with Dr. Johnson next Tuesday", UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, StorePayload{Text: "Coffee on Friday with the marketing team", UserID: "u1"})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "doctor appointment", "u1", SearchOptions{MinSimilarity: -1, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	var relevantSim, otherSim float64
	for _, h := range hits {
		if h.Record.ID == relevant.MemoryID {
			relevantSim = h.Similarity
		} else {
			otherSim = h.Similarity
		}
	}
	require.GreaterOrEqual(t, relevantSim, otherSim)
}

// TestUpdate_ReEmbedsAndPreservesCreatedAt is scenario S5's mechanics.
func TestUpdate_ReEmbedsAndPreservesCreatedAt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.Store(ctx, StorePayload{Text: "Meeting on Tuesday", UserID: "u1"})
	require.NoError(t, err)

	original, _, err := svc.Retrieve(ctx, result.MemoryID, "u1")
	require.NoError(t, err)

	newText := "Meeting on Wednesday"
	updated, _, err := svc.Update(ctx, result.MemoryID, "u1", UpdatePayload{Text: &newText})
	require.NoError(t, err)

	require.Equal(t, newText, updated.SourceText)
	require.Equal(t, original.CreatedAt.Unix(), updated.CreatedAt.Unix())
	require.True(t, !updated.UpdatedAt.Before(original.UpdatedAt))
}

// TestDelete_Idempotent is a §8 quantified invariant: Delete then Delete
// again both succeed, and Retrieve afterward returns NOT_FOUND.
func TestDelete_Idempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.Store(ctx, StorePayload{Text: "ephemeral note", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, result.MemoryID, "u1"))
	require.NoError(t, svc.Delete(ctx, result.MemoryID, "u1"))

	_, _, err = svc.Retrieve(ctx, result.MemoryID, "u1")
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

// TestSearch_IsolatesResultsAcrossUsers guards against VectorSearch running
// its KNN candidate pool globally and only filtering by userId afterward: if
// another user floods the store with rows that embed closer to the query
// than candidateK allows, a post-filter would silently drop the requesting
// user's true match. Store more near-identical matches for "other" than
// VectorSearch's default candidate overshoot, then confirm "u1" still finds
// its own (less perfectly-matching) memory.
func TestSearch_IsolatesResultsAcrossUsers(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const query = "doctor appointment"
	for i := 0; i < 60; i++ {
		_, err := svc.Store(ctx, StorePayload{Text: query, UserID: "other"})
		require.NoError(t, err)
	}

	relevant, err := svc.Store(ctx, StorePayload{Text: "I have an appointment with Dr. Johnson next Tuesday", UserID: "u1"})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, query, "u1", SearchOptions{MinSimilarity: -1, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		require.Equal(t, "u1", h.Record.UserID)
	}

	var found bool
	for _, h := range hits {
		if h.Record.ID == relevant.MemoryID {
			found = true
		}
	}
	require.True(t, found, "u1's own memory must be found despite another user's flood of closer-matching rows")
}

func TestList_ReturnsStoredRecordsForUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, StorePayload{Text: "one", UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, StorePayload{Text: "two", UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, StorePayload{Text: "other user's note", UserID: "u2"})
	require.NoError(t, err)

	records, err := svc.List(ctx, "u1", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 2)
}
