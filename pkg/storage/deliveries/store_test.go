package deliveries

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hookgate/pkg/storage"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "ledger.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTryInsertDeduplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	delivery := storage.Delivery{
		Provider:   "source_host",
		DeliveryID: "d-1",
		EventType:  "pull_request",
		Payload:    json.RawMessage(`{"action":"opened"}`),
	}

	inserted, err := store.TryInsert(ctx, delivery)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.TryInsert(ctx, delivery)
	require.NoError(t, err)
	require.False(t, inserted)

	count, err := store.Count(ctx, "source_host", "d-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	got, err := store.Get(ctx, "source_host", "d-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "pull_request", got.EventType)
	require.False(t, got.Processed)
	require.JSONEq(t, `{"action":"opened"}`, string(got.Payload))
	require.False(t, got.ReceivedAt.IsZero())
}

func TestTryInsertSameIDDifferentProvider(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, provider := range []string{"source_host", "tracker_host"} {
		inserted, err := store.TryInsert(ctx, storage.Delivery{
			Provider:   provider,
			DeliveryID: "shared",
			Payload:    json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		require.True(t, inserted, "provider %s", provider)
	}
}

func TestTryInsertConcurrentDuplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	insertedCount := 0
	errs := make([]error, 0)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := store.TryInsert(ctx, storage.Delivery{
				Provider:   "source_host",
				DeliveryID: "storm",
				EventType:  "push",
				Payload:    json.RawMessage(`{"ref":"main"}`),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if inserted {
				insertedCount++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, insertedCount)
	count, err := store.Count(ctx, "source_host", "storm")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestTryInsertRequiresIdentity(t *testing.T) {
	store := openTestStore(t)
	_, err := store.TryInsert(context.Background(), storage.Delivery{Provider: "source_host"})
	require.Error(t, err)
}

func TestListUnprocessedAndMarkProcessed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"old-1", "old-2", "fresh"} {
		received := base.Add(time.Duration(i) * time.Minute)
		if id == "fresh" {
			received = base.Add(time.Hour)
		}
		_, err := store.TryInsert(ctx, storage.Delivery{
			Provider:   "mail_host",
			DeliveryID: id,
			EventType:  "delivered",
			Payload:    json.RawMessage(`{}`),
			ReceivedAt: received,
		})
		require.NoError(t, err)
	}

	pending, err := store.ListUnprocessed(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "old-1", pending[0].DeliveryID)
	require.Equal(t, "old-2", pending[1].DeliveryID)

	require.NoError(t, store.MarkProcessed(ctx, "mail_host", "old-1"))
	require.NoError(t, store.MarkProcessed(ctx, "mail_host", "old-1"))

	pending, err = store.ListUnprocessed(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "old-2", pending[0].DeliveryID)

	got, err := store.Get(ctx, "mail_host", "old-1")
	require.NoError(t, err)
	require.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	got, err := store.Get(context.Background(), "source_host", "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"})
	require.Error(t, err)
}
