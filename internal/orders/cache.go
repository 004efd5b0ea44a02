package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const defaultCacheTTL = 30 * time.Second

// CachedStoreOption configures a CachedStore.
type CachedStoreOption func(*CachedStore)

// WithCacheTTL sets how long a cached order lives.
func WithCacheTTL(ttl time.Duration) CachedStoreOption {
	return func(c *CachedStore) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheKeyPrefix sets the redis key prefix (default "orders:").
func WithCacheKeyPrefix(prefix string) CachedStoreOption {
	return func(c *CachedStore) {
		c.prefix = prefix
	}
}

// WithCacheLogger sets the logger used for cache failures.
func WithCacheLogger(logger *zap.Logger) CachedStoreOption {
	return func(c *CachedStore) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// CachedStore is a read-through Redis cache in front of another Repository.
//
// Each entry is a hash holding the order JSON and its version (updated_at in
// microseconds). Writes store the order they committed; read-through fills
// go through a script that refuses to replace a newer version, so a slow
// read that loses a race with a write cannot put the older order back.
// Lists always go to the backing store. Redis failures degrade to the
// backing store.
type CachedStore struct {
	next   Repository
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewCachedStore wraps next with a cache backed by client.
func NewCachedStore(next Repository, client redis.Cmdable, opts ...CachedStoreOption) *CachedStore {
	c := &CachedStore{
		next:   next,
		client: client,
		ttl:    defaultCacheTTL,
		prefix: "orders:",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Repository = (*CachedStore)(nil)

// storeIfNewer sets the entry unless the cached version is strictly newer.
// KEYS[1] entry; ARGV[1] version, ARGV[2] order JSON, ARGV[3] ttl in ms.
var storeIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'o', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

func (c *CachedStore) key(orderID string) string {
	return c.prefix + orderID
}

func (c *CachedStore) Create(ctx context.Context, order Order) error {
	if err := c.next.Create(ctx, order); err != nil {
		return err
	}
	c.invalidate(ctx, order.ID)
	return nil
}

func (c *CachedStore) Get(ctx context.Context, orderID string) (*Order, error) {
	raw, err := c.client.HGet(ctx, c.key(orderID), "o").Bytes()
	switch {
	case err == nil:
		var o Order
		if jerr := json.Unmarshal(raw, &o); jerr == nil {
			o.CustomerEmailKey = EmailKey(o.CustomerEmail)
			return &o, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("order_id", orderID))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("order cache read failed", zap.String("order_id", orderID), zap.Error(err))
	}

	o, err := c.next.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, o)
	return o, nil
}

func (c *CachedStore) List(ctx context.Context, filter Filter, page Page) (ListResult, error) {
	return c.next.List(ctx, filter, page)
}

func (c *CachedStore) UpdateDetails(ctx context.Context, orderID string, patch DetailsPatch) (*Order, error) {
	o, err := c.next.UpdateDetails(ctx, orderID, patch)
	c.afterWrite(ctx, orderID, o, err)
	return o, err
}

func (c *CachedStore) ApplyStatusChange(ctx context.Context, orderID string, change StatusChange) (*Order, error) {
	o, err := c.next.ApplyStatusChange(ctx, orderID, change)
	c.afterWrite(ctx, orderID, o, err)
	return o, err
}

// afterWrite caches the committed order. When the write failed or the order
// could not be cached, the entry is dropped instead.
func (c *CachedStore) afterWrite(ctx context.Context, orderID string, o *Order, err error) {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) {
		return
	}
	if err == nil && o != nil && c.store(ctx, o) {
		return
	}
	c.invalidate(ctx, orderID)
}

func (c *CachedStore) store(ctx context.Context, o *Order) bool {
	b, err := json.Marshal(o)
	if err != nil {
		return false
	}
	version := o.UpdatedAt.UnixMicro()
	if err := storeIfNewer.Run(ctx, c.client, []string{c.key(o.ID)}, version, b, c.ttl.Milliseconds()).Err(); err != nil {
		c.logger.Warn("order cache write failed", zap.String("order_id", o.ID), zap.Error(err))
		return false
	}
	return true
}

func (c *CachedStore) invalidate(ctx context.Context, orderID string) {
	if err := c.client.Del(ctx, c.key(orderID)).Err(); err != nil {
		c.logger.Warn("order cache invalidation failed", zap.String("order_id", orderID), zap.Error(err))
	}
}
