// Package store persists accounts, preferences, bans and game data reports
// in Postgres, and queues reports for the external reporting bot over
// redis. Both backends are optional: with no DSN configured the agent runs
// purely in memory.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/spring"
	"github.com/akoven/autohost/internal/users"
)

// DB wraps the pgx pool. A nil *DB is valid and turns every call into a
// no-op, so callers never branch on persistence being configured.
type DB struct {
	log  *logrus.Logger
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_key TEXT PRIMARY KEY,
	names       JSONB NOT NULL,
	ips         JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS preferences (
	account_key TEXT PRIMARY KEY,
	prefs       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS bans (
	hash       TEXT PRIMARY KEY,
	list       TEXT NOT NULL,
	filter     JSONB NOT NULL,
	action     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS game_reports (
	game_id    UUID PRIMARY KEY,
	report     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Connect opens the pool from DATABASE_URL and ensures the schema. An
// empty DSN returns (nil, nil): persistence disabled.
func Connect(ctx context.Context, log *logrus.Logger) (*DB, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Info("DATABASE_URL not set, persistence disabled")
		return nil, nil
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	log.Info("connected to database")
	return &DB{log: log, pool: pool}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	if d != nil && d.pool != nil {
		d.pool.Close()
	}
}

// SaveAccount upserts one account's name/IP history.
func (d *DB) SaveAccount(ctx context.Context, key string, acct *users.Account) error {
	if d == nil {
		return nil
	}
	names, err := json.Marshal(acct.Names)
	if err != nil {
		return err
	}
	ips, err := json.Marshal(acct.IPs)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO accounts (account_key, names, ips, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_key)
		DO UPDATE SET names = $2, ips = $3, updated_at = now()`,
		key, names, ips)
	return err
}

// LoadAccounts streams every stored account into apply.
func (d *DB) LoadAccounts(ctx context.Context, apply func(key string, names, ips map[string]time.Time)) error {
	if d == nil {
		return nil
	}
	rows, err := d.pool.Query(ctx, `SELECT account_key, names, ips FROM accounts`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var namesB, ipsB []byte
		if err := rows.Scan(&key, &namesB, &ipsB); err != nil {
			return err
		}
		var names, ips map[string]time.Time
		if err := json.Unmarshal(namesB, &names); err != nil {
			d.log.WithField("account", key).WithError(err).Warn("bad stored names, skipping")
			continue
		}
		if err := json.Unmarshal(ipsB, &ips); err != nil {
			d.log.WithField("account", key).WithError(err).Warn("bad stored ips, skipping")
			continue
		}
		apply(key, names, ips)
	}
	return rows.Err()
}

// SavePrefs upserts one account's preference map.
func (d *DB) SavePrefs(ctx context.Context, key string, prefs map[string]string) error {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO preferences (account_key, prefs, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_key)
		DO UPDATE SET prefs = $2, updated_at = now()`,
		key, data)
	return err
}

// LoadPrefs streams every stored preference map into apply.
func (d *DB) LoadPrefs(ctx context.Context, apply func(key string, prefs map[string]string)) error {
	if d == nil {
		return nil
	}
	rows, err := d.pool.Query(ctx, `SELECT account_key, prefs FROM preferences`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return err
		}
		var prefs map[string]string
		if err := json.Unmarshal(data, &prefs); err != nil {
			d.log.WithField("account", key).WithError(err).Warn("bad stored prefs, skipping")
			continue
		}
		apply(key, prefs)
	}
	return rows.Err()
}

// SaveBan upserts one ban entry under its filter hash.
func (d *DB) SaveBan(ctx context.Context, list string, ban *users.Ban) error {
	if d == nil {
		return nil
	}
	filter, err := json.Marshal(ban.Filter)
	if err != nil {
		return err
	}
	action, err := json.Marshal(ban.Action)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO bans (hash, list, filter, action)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO UPDATE SET list = $2, filter = $3, action = $4`,
		ban.Hash(), list, filter, action)
	return err
}

// DeleteBan removes a ban by hash.
func (d *DB) DeleteBan(ctx context.Context, hash string) error {
	if d == nil {
		return nil
	}
	_, err := d.pool.Exec(ctx, `DELETE FROM bans WHERE hash = $1`, hash)
	return err
}

// LoadBans streams every stored ban into apply.
func (d *DB) LoadBans(ctx context.Context, apply func(list string, ban *users.Ban)) error {
	if d == nil {
		return nil
	}
	rows, err := d.pool.Query(ctx, `SELECT list, filter, action FROM bans`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var list string
		var filterB, actionB []byte
		if err := rows.Scan(&list, &filterB, &actionB); err != nil {
			return err
		}
		var ban users.Ban
		if err := json.Unmarshal(filterB, &ban.Filter); err != nil {
			d.log.WithError(err).Warn("bad stored ban filter, skipping")
			continue
		}
		if err := json.Unmarshal(actionB, &ban.Action); err != nil {
			d.log.WithError(err).Warn("bad stored ban action, skipping")
			continue
		}
		apply(list, &ban)
	}
	return rows.Err()
}

// ArchiveReport stores a finished game's data report.
func (d *DB) ArchiveReport(ctx context.Context, report spring.GameDataReport) error {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO game_reports (game_id, report)
		VALUES ($1, $2)
		ON CONFLICT (game_id) DO NOTHING`,
		report.ID, data)
	return err
}
