package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"walletwatch/internal/stats"
	logx "walletwatch/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// latest holds the newest result per address. It backs the memory and file
// drivers; callers provide locking.
type latest map[string]stats.CheckResult

func (l latest) put(r stats.CheckResult) {
	if prev, ok := l[r.Address]; ok && r.At.Before(prev.At) {
		return
	}
	l[r.Address] = r
}

func (l latest) checked() map[string]struct{} {
	out := make(map[string]struct{}, len(l))
	for addr, r := range l {
		if r.Outcome.Kind != stats.KindError {
			out[addr] = struct{}{}
		}
	}
	return out
}

func (l latest) results() []stats.CheckResult {
	out := make([]stats.CheckResult, 0, len(l))
	for _, r := range l {
		out = append(out, r)
	}
	sortResults(out)
	return out
}

func sortResults(rs []stats.CheckResult) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Address < rs[j].Address })
}

func checkCtx(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
