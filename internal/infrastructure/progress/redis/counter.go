// Package redis keeps extraction progress counters in Redis hashes so that
// workers on several hosts can bump them without touching Postgres.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

const (
	keyPrefix      = "ingest:progress:"
	fieldTotal     = "total"
	fieldProcessed = "processed"
	defaultTTL     = 24 * time.Hour
)

type Counter struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

func NewCounter(client goredis.UniversalClient, ttl time.Duration) *Counter {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Counter{client: client, ttl: ttl}
}

// Dial connects and pings before returning the client.
func Dial(ctx context.Context, addr, password string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func progressKey(sessionID string) string {
	return keyPrefix + sessionID
}

func (c *Counter) ResetProgress(ctx context.Context, sessionID string, total int) error {
	key := progressKey(sessionID)
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldTotal, total, fieldProcessed, 0)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "reset progress", err)
	}
	return nil
}

// IncrementProcessed relies on HINCRBY being atomic on the server.
func (c *Counter) IncrementProcessed(ctx context.Context, sessionID string) error {
	if err := c.client.HIncrBy(ctx, progressKey(sessionID), fieldProcessed, 1).Err(); err != nil {
		return domain.WrapError(domain.ErrTemporary, "increment progress", err)
	}
	return nil
}

func (c *Counter) Counts(ctx context.Context, sessionIDs []string) (map[string]domain.ProgressCount, error) {
	out := make(map[string]domain.ProgressCount, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}

	cmds := make([]*goredis.SliceCmd, len(sessionIDs))
	_, err := c.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range sessionIDs {
			cmds[i] = pipe.HMGet(ctx, progressKey(id), fieldTotal, fieldProcessed)
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, domain.WrapError(domain.ErrTemporary, "read progress", err)
	}

	for i, id := range sessionIDs {
		vals, err := cmds[i].Result()
		if err != nil {
			return nil, domain.WrapError(domain.ErrTemporary, "read progress", err)
		}
		count, err := parseCount(vals)
		if err != nil {
			return nil, fmt.Errorf("parse progress for %s: %w", id, err)
		}
		out[id] = count
	}
	return out, nil
}

// parseCount reads an HMGET reply; absent fields count as zero.
func parseCount(vals []any) (domain.ProgressCount, error) {
	var c domain.ProgressCount
	if len(vals) != 2 {
		return c, fmt.Errorf("expected 2 fields, got %d", len(vals))
	}
	var err error
	if c.Total, err = toInt(vals[0]); err != nil {
		return c, fmt.Errorf("total: %w", err)
	}
	if c.Processed, err = toInt(vals[1]); err != nil {
		return c, fmt.Errorf("processed: %w", err)
	}
	return c, nil
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.Atoi(t)
	case int64:
		return int(t), nil
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
