// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package state

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
)

// RedisOptions configure a Redis store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys. Defaults to "tgrelay".
	Prefix string
}

// Redis is a Store keeping the watermark in a string key and the ledger in a
// list.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects to Redis and checks the connection.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("connecting to Redis at %s: %w", opts.Addr, err), rdb.Close())
	}
	return &Redis{rdb: rdb, prefix: cmp.Or(opts.Prefix, "tgrelay")}, nil
}

func (r *Redis) watermarkKey() string { return r.prefix + ":watermark" }
func (r *Redis) ledgerKey() string    { return r.prefix + ":ledger" }

func (r *Redis) LoadWatermark(ctx context.Context) (source.ID, error) {
	s, err := r.rdb.Get(ctx, r.watermarkKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseWatermark(s)
}

func (r *Redis) SaveWatermark(ctx context.Context, id source.ID) error {
	return r.rdb.Set(ctx, r.watermarkKey(), id.String(), 0).Err()
}

func (r *Redis) LoadLedger(ctx context.Context, limit int) (*Ledger, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	keys, err := r.rdb.LRange(ctx, r.ledgerKey(), start, -1).Result()
	if err != nil {
		return NewLedger(limit), err
	}
	return NewLedger(limit, keys...), nil
}

func (r *Redis) AppendFingerprint(ctx context.Context, key string) error {
	return r.rdb.RPush(ctx, r.ledgerKey(), key).Err()
}

func (r *Redis) CompactLedger(ctx context.Context, l *Ledger) error {
	if l == nil || l.Limit == 0 {
		return nil
	}
	return r.rdb.LTrim(ctx, r.ledgerKey(), -int64(l.Limit), -1).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
