package storage

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cached fronts a Store with a TTL cache for user lookups. Signaling resolves
// the user on every connection, and user records change rarely.
//
// Room reads and writes go straight to the underlying store.
type Cached struct {
	Store
	users *ttlcache.Cache[int64, User]
}

var _ Store = (*Cached)(nil)

// NewCached wraps store. Call Close to stop the expiry goroutine.
func NewCached(store Store, ttl time.Duration) *Cached {
	users := ttlcache.New(
		ttlcache.WithTTL[int64, User](ttl),
	)
	go users.Start()
	return &Cached{Store: store, users: users}
}

func (c *Cached) GetUser(ctx context.Context, id int64) (User, error) {
	if item := c.users.Get(id); item != nil {
		return item.Value(), nil
	}
	u, err := c.Store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	c.users.Set(id, u, ttlcache.DefaultTTL)
	return u, nil
}

// Invalidate drops a cached user.
func (c *Cached) Invalidate(id int64) {
	c.users.Delete(id)
}

func (c *Cached) Close() {
	c.users.Stop()
}
