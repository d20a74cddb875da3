package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobsagent/pkg/logx"
)

// redisStore keeps entries in a hash (id -> JSON) and their order in a sorted
// set scored by FailedAt, so several agents can share one instance with
// distinct prefixes.
type redisStore struct {
	client   redis.UniversalClient
	log      logx.Logger
	hashKey  string
	orderKey string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.Path)
	if url == "" {
		return nil, errors.New("storage.path must be a redis:// URL for redis driver")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("storage.path: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, cfg.KeyPrefix, log), nil
}

func newRedisStore(client redis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "jobsagent:"
	}
	return &redisStore{
		client:   client,
		log:      log,
		hashKey:  prefix + "pending",
		orderKey: prefix + "pending:order",
	}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) PutPending(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("storage: entry id is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.hashKey, e.ID, data)
		p.ZAdd(ctx, s.orderKey, redis.Z{Score: float64(e.FailedAt.UnixMilli()), Member: e.ID})
		return nil
	})
	return err
}

func (s *redisStore) DeletePending(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, s.hashKey, id)
		p.ZRem(ctx, s.orderKey, id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.orderKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.hashKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Order entry without data (partial write); skip it.
			s.log.Debug("pending entry missing", logx.String("id", ids[i]))
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.log.Warn("pending entry undecodable", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}
