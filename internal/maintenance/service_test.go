package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/config"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/db/sqlite"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/pkg/models"
)

func newTestStore(t *testing.T) *sqlite.MemoryStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "retention_test.db")
	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return sqlite.NewMemoryStore(store, zerolog.Nop())
}

func insertRecordAt(t *testing.T, store *sqlite.MemoryStore, id string, createdAt time.Time) {
	t.Helper()
	err := store.Insert(context.Background(), &models.Record{
		ID:         id,
		UserID:     "u1",
		Type:       models.RecordTypeUserMemory,
		SourceText: "text " + id,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}, nil)
	require.NoError(t, err)
}

// TestRetention_PurgesOldRecordsPastMaxDays exercises the core check() purge
// path: a dataset whose age span exceeds maxDays gets its oldest purgeDays
// worth of history removed, never leaving the remaining span over maxDays.
func TestRetention_PurgesOldRecordsPastMaxDays(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	oldest := now.AddDate(-6, 0, 0) // 6 years ago
	insertRecordAt(t, store, "old1", oldest)
	insertRecordAt(t, store, "recent1", now)

	cfg := config.Default()
	cfg.RetentionMaxDays = 1825 // 5 years
	cfg.RetentionPurgeDays = 365

	svc := NewService(store, cfg, zerolog.Nop())
	svc.check(ctx)

	_, err := store.GetByID(ctx, "old1", "u1")
	require.Error(t, err, "oldest record should have been purged")

	rec, err := store.GetByID(ctx, "recent1", "u1")
	require.NoError(t, err)
	require.Equal(t, "recent1", rec.ID)

	stats := svc.Stats()
	require.Equal(t, int64(1), stats.TotalPurged)
}

// TestRetention_NoopWhenWithinMaxDays ensures a dataset within the retention
// window is left untouched.
func TestRetention_NoopWhenWithinMaxDays(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRecordAt(t, store, "a", now.AddDate(0, 0, -10))
	insertRecordAt(t, store, "b", now)

	cfg := config.Default()
	svc := NewService(store, cfg, zerolog.Nop())
	svc.check(ctx)

	_, err := store.GetByID(ctx, "a", "u1")
	require.NoError(t, err)
	_, err = store.GetByID(ctx, "b", "u1")
	require.NoError(t, err)
}

// TestRetention_StartStop exercises the lifecycle: Start runs an immediate
// check, Stop triggers one final check before the loop exits.
func TestRetention_StartStop(t *testing.T) {
	store := newTestStore(t)
	cfg := config.Default()
	cfg.RetentionCheckIntervalHours = 1
	svc := NewService(store, cfg, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()

	// Give the initial check a moment to run before stopping.
	time.Sleep(10 * time.Millisecond)
	svc.Stop()
	svc.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retention loop did not exit after Stop")
	}
}
