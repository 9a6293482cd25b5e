package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/spring"
)

// DefaultReportQueue is the redis list the external reporting bot consumes.
const DefaultReportQueue = "autohost_gdr"

// ReportQueue pushes finished-game reports onto a redis list. A nil
// *ReportQueue is valid: publishing becomes a no-op.
type ReportQueue struct {
	log   *logrus.Logger
	rdb   *redis.Client
	queue string
}

// ConnectReportQueue builds the queue from REDIS_ADDR/REDIS_DB. An unset
// REDIS_ADDR returns (nil, nil): reporting disabled.
func ConnectReportQueue(ctx context.Context, log *logrus.Logger, queue string) (*ReportQueue, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Info("REDIS_ADDR not set, game data reporting disabled")
		return nil, nil
	}
	db := 0
	if s := os.Getenv("REDIS_DB"); s != "" {
		fmt.Sscanf(s, "%d", &db)
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}
	if queue == "" {
		queue = DefaultReportQueue
	}
	return &ReportQueue{log: log, rdb: rdb, queue: queue}, nil
}

// Client exposes the underlying redis client for shared consumers (skill
// cache).
func (q *ReportQueue) Client() *redis.Client {
	if q == nil {
		return nil
	}
	return q.rdb
}

// Publish serializes the report and RPUSHes it for the reporting bot.
func (q *ReportQueue) Publish(ctx context.Context, report spring.GameDataReport) error {
	if q == nil {
		return nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal game data report: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queue, data).Err(); err != nil {
		return fmt.Errorf("rpush to %q: %w", q.queue, err)
	}
	q.log.WithField("game", report.ID).Info("game data report queued")
	return nil
}

// Close releases the client.
func (q *ReportQueue) Close() error {
	if q == nil {
		return nil
	}
	return q.rdb.Close()
}
