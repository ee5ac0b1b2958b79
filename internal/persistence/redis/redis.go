// Package redis persists trades into a sorted set scored by timestamp, which
// makes ranged historical queries a single ZRANGEBYSCORE.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/types"
)

// Storage writes each trade as a sorted-set member. Members carry a sequence
// prefix so identical trades landing on the same millisecond are not
// collapsed by the set.
type Storage struct {
	logger   zerolog.Logger
	addr     string
	password string
	db       int
	key      string

	client *goredis.Client
	seq    uint64
}

// New creates a redis storage. Connect must be called before use.
func New(logger zerolog.Logger, addr, password string, db int, key string) *Storage {
	if key == "" {
		key = "aggr:trades"
	}
	return &Storage{
		logger:   logger.With().Str("component", "storage_redis").Logger(),
		addr:     addr,
		password: password,
		db:       db,
		key:      key,
	}
}

// Name implements persistence.Storage.
func (s *Storage) Name() string { return "redis" }

// Format implements persistence.Storage.
func (s *Storage) Format() persistence.Format { return persistence.FormatTrade }

// Connect opens the client pool and pings the server.
func (s *Storage) Connect(ctx context.Context) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     s.addr,
		Password: s.password,
		DB:       s.db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping redis at %s: %w", s.addr, err)
	}

	s.client = client
	s.logger.Info().Str("addr", s.addr).Str("key", s.key).Msg("Redis storage connected")
	return nil
}

// Save pipelines one ZADD per trade with the timestamp as score.
func (s *Storage) Save(ctx context.Context, batch []types.Trade, _ bool) error {
	if len(batch) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, t := range batch {
		data, err := t.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to encode trade: %w", err)
		}
		s.seq++
		member := strconv.FormatUint(s.seq, 10) + "|" + string(data)
		pipe.ZAdd(ctx, s.key, goredis.Z{Score: float64(t.Timestamp), Member: member})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist batch to redis: %w", err)
	}
	return nil
}

// Fetch returns trades with from <= score < to, optionally filtered by
// market. Redis returns members ordered by score so no re-sort is needed.
func (s *Storage) Fetch(ctx context.Context, q persistence.Query) (*persistence.Result, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key, &goredis.ZRangeBy{
		Min: strconv.FormatInt(q.From, 10),
		Max: "(" + strconv.FormatInt(q.To, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query redis range: %w", err)
	}

	var markets map[string]struct{}
	if len(q.Markets) > 0 {
		markets = make(map[string]struct{}, len(q.Markets))
		for _, m := range q.Markets {
			markets[m] = struct{}{}
		}
	}

	var out []types.Trade
	for _, member := range members {
		idx := strings.Index(member, "|")
		if idx < 0 {
			continue
		}
		var t types.Trade
		if err := t.UnmarshalJSON([]byte(member[idx+1:])); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable trade member")
			continue
		}
		if markets != nil {
			if _, ok := markets[t.PairKey()]; !ok {
				continue
			}
		}
		out = append(out, t)
	}

	if len(out) == 0 {
		return nil, nil
	}
	return &persistence.Result{Format: persistence.FormatTrade, Trades: out}, nil
}

// Close releases the client pool.
func (s *Storage) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
