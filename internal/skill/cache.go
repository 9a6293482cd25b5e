package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache is an optional redis-backed cache of rating-bot answers, keyed by
// account id, so rehosts do not re-query the bot for every returning
// player.
type Cache struct {
	log *logrus.Logger
	rdb *redis.Client
	ttl time.Duration
}

type cacheEntry struct {
	PerType map[string]Values `json:"perType"`
	Privacy int               `json:"privacy"`
}

// NewCache wraps an existing redis client. ttl bounds staleness.
func NewCache(log *logrus.Logger, rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{log: log, rdb: rdb, ttl: ttl}
}

func cacheKey(accountID int) string {
	return fmt.Sprintf("autohost:skill:%d", accountID)
}

// Get returns the cached tuples for an account, if present and fresh.
func (c *Cache) Get(accountID int) (map[string]Values, int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := c.rdb.Get(ctx, cacheKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, 0, false
	}
	if err != nil {
		c.log.WithError(err).Debug("skill cache read failed")
		return nil, 0, false
	}
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, 0, false
	}
	return e.PerType, e.Privacy, true
}

// Put stores a rating-bot answer. Failures are logged and ignored; the
// cache is best-effort.
func (c *Cache) Put(accountID int, perType map[string]Values, privacy int) {
	data, err := json.Marshal(cacheEntry{PerType: perType, Privacy: privacy})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.rdb.Set(ctx, cacheKey(accountID), data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("skill cache write failed")
	}
}
