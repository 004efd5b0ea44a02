package orders

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type countingRepo struct {
	Repository
	gets int
}

func (r *countingRepo) Get(ctx context.Context, orderID string) (*Order, error) {
	r.gets++
	return r.Repository.Get(ctx, orderID)
}

func TestCachedStore_ReadThroughAndWriteBack(t *testing.T) {
	mr, client := setupTestRedis(t)
	backing := &countingRepo{Repository: NewMemoryStore()}
	store := NewCachedStore(backing, client, WithCacheTTL(time.Minute))
	ctx := context.Background()
	created := time.Now().UTC()

	require.NoError(t, store.Create(ctx, sampleOrder("o-1", created)))

	first, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("orders:o-1"))

	second, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.gets)
	assert.Equal(t, first.Total, second.Total)
	assert.Equal(t, "ada@example.com", second.CustomerEmailKey)

	at := created.Add(time.Second)
	_, err = store.ApplyStatusChange(ctx, "o-1", StatusChange{
		Status: StatusConfirmed,
		Entry:  StatusHistoryEntry{Status: StatusConfirmed, Timestamp: at},
		At:     at,
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("orders:o-1"))

	third, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, third.Status)
	assert.Len(t, third.StatusHistory, 2)
	assert.Equal(t, 1, backing.gets)

	notes := "ring the bell"
	_, err = store.UpdateDetails(ctx, "o-1", DetailsPatch{Notes: &notes, UpdatedAt: at.Add(time.Second)})
	require.NoError(t, err)
	fourth, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "ring the bell", fourth.Notes)
	assert.Equal(t, StatusConfirmed, fourth.Status)
	assert.Equal(t, 1, backing.gets)
}

// gatedRepo parks Get after it has read from the backing store, so a write
// can commit between the read and the cache fill.
type gatedRepo struct {
	Repository
	loaded  chan struct{}
	release chan struct{}
}

func (r *gatedRepo) Get(ctx context.Context, orderID string) (*Order, error) {
	o, err := r.Repository.Get(ctx, orderID)
	r.loaded <- struct{}{}
	<-r.release
	return o, err
}

func TestCachedStore_SlowFillDoesNotOverwriteNewerWrite(t *testing.T) {
	_, client := setupTestRedis(t)
	backing := NewMemoryStore()
	created := time.Now().UTC()
	require.NoError(t, backing.Create(context.Background(), sampleOrder("o-1", created)))

	gated := &gatedRepo{Repository: backing, loaded: make(chan struct{}, 2), release: make(chan struct{})}
	store := NewCachedStore(gated, client, WithCacheTTL(time.Minute))
	ctx := context.Background()

	readDone := make(chan *Order, 1)
	go func() {
		o, err := store.Get(ctx, "o-1")
		assert.NoError(t, err)
		readDone <- o
	}()
	<-gated.loaded

	at := created.Add(time.Second)
	_, err := store.ApplyStatusChange(ctx, "o-1", StatusChange{
		Status: StatusConfirmed,
		Entry:  StatusHistoryEntry{Status: StatusConfirmed, Timestamp: at},
		At:     at,
	})
	require.NoError(t, err)
	close(gated.release)

	raced := <-readDone
	require.NotNil(t, raced)
	assert.Equal(t, StatusPendingPayment, raced.Status)

	got, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Len(t, got.StatusHistory, 2)
}

func TestCachedStore_StaleWriteKeepsCommittedEntry(t *testing.T) {
	mr, client := setupTestRedis(t)
	backing := NewMemoryStore()
	store := NewCachedStore(backing, client)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("o-1", time.Now())))
	_, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, mr.Exists("orders:o-1"))

	stale := PricingBasis{Items: []map[string]any{{"name": "Pizza"}}}
	_, err = store.UpdateDetails(ctx, "o-1", DetailsPatch{Pricing: &Pricing{Total: 1}, ExpectBasis: &stale, UpdatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrStale)
	got, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 22.5, got.Total)
}

func TestCachedStore_NotFoundIsNotCached(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewCachedStore(NewMemoryStore(), client)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("orders:missing"))
}

func TestCachedStore_DegradesWhenRedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	backing := NewMemoryStore()
	store := NewCachedStore(backing, client)
	require.NoError(t, store.Create(context.Background(), sampleOrder("o-1", time.Now())))

	mr.Close()

	got, err := store.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.ID)

	notes := "leave at door"
	_, err = store.UpdateDetails(context.Background(), "o-1", DetailsPatch{Notes: &notes, UpdatedAt: time.Now()})
	assert.NoError(t, err)
}
