package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"walletwatch/internal/stats"
	logx "walletwatch/pkg/logx"
)

const defaultRedisPrefix = "walletwatch"

// RedisStore keeps one hash per address (<prefix>:result:<address>), the set
// of every stored address (<prefix>:addresses) and the set of addresses whose
// latest result is not an error (<prefix>:checked).
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	owned  bool
}

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// NewRedisStore wraps an existing client. Close does not close rdb.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	s := NewRedisStore(rdb, WithRedisPrefix(cfg.Redis.Prefix))
	s.owned = true
	log.Debug("redis store opened", logx.String("addr", addr), logx.String("prefix", s.prefix))
	return s, nil
}

func (s *RedisStore) resultKey(addr string) string { return s.prefix + ":result:" + addr }
func (s *RedisStore) addressesKey() string         { return s.prefix + ":addresses" }
func (s *RedisStore) checkedKey() string           { return s.prefix + ":checked" }

func (s *RedisStore) PutResult(ctx context.Context, r stats.CheckResult) error {
	if s == nil || s.rdb == nil {
		return ErrDisabled
	}
	rec := toRecord(r)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.resultKey(r.Address),
		"kind", rec.Kind,
		"amount", strconv.FormatFloat(rec.Amount, 'g', -1, 64),
		"reason", rec.Reason,
		"at", rec.At,
	)
	pipe.SAdd(ctx, s.addressesKey(), r.Address)
	if r.Outcome.Kind == stats.KindError {
		pipe.SRem(ctx, s.checkedKey(), r.Address)
	} else {
		pipe.SAdd(ctx, s.checkedKey(), r.Address)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Checked(ctx context.Context) (map[string]struct{}, error) {
	if s == nil || s.rdb == nil {
		return nil, ErrDisabled
	}
	members, err := s.rdb.SMembers(ctx, s.checkedKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

func (s *RedisStore) Results(ctx context.Context) ([]stats.CheckResult, error) {
	if s == nil || s.rdb == nil {
		return nil, ErrDisabled
	}
	addrs, err := s.rdb.SMembers(ctx, s.addressesKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(addrs))
	for i, a := range addrs {
		cmds[i] = pipe.HGetAll(ctx, s.resultKey(a))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]stats.CheckResult, 0, len(addrs))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		r, err := parseRedisHash(addrs[i], h)
		if err != nil {
			return nil, fmt.Errorf("result %s: %w", addrs[i], err)
		}
		out = append(out, r)
	}
	sortResults(out)
	return out, nil
}

func parseRedisHash(addr string, h map[string]string) (stats.CheckResult, error) {
	rec := record{Address: addr, Kind: h["kind"], Reason: h["reason"]}
	if v := h["amount"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return stats.CheckResult{}, fmt.Errorf("amount: %w", err)
		}
		rec.Amount = f
	}
	if v := h["at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return stats.CheckResult{}, fmt.Errorf("at: %w", err)
		}
		rec.At = ms
	}
	return rec.result()
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil || !s.owned {
		return nil
	}
	return s.rdb.Close()
}
