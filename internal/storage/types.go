package storage

import (
	"context"
	"errors"
	"time"

	"walletwatch/internal/stats"
)

var ErrDisabled = errors.New("storage disabled")

// Store is the persistence API used by the scan orchestrator and the export
// command.
type Store interface {
	// PutResult records r, replacing any earlier result for the same address.
	PutResult(ctx context.Context, r stats.CheckResult) error
	// Checked returns the addresses whose latest result is Positive or Zero.
	Checked(ctx context.Context) (map[string]struct{}, error)
	// Results returns the latest result per address, ordered by address.
	Results(ctx context.Context) ([]stats.CheckResult, error)
	Close() error
}

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key; default "walletwatch".
	Prefix string
}

// record is the flat row shape shared by the file and redis drivers.
type record struct {
	Address string  `json:"address"`
	Kind    string  `json:"kind"`
	Amount  float64 `json:"amount,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	At      int64   `json:"at"` // unix milli
}

func toRecord(r stats.CheckResult) record {
	return record{
		Address: r.Address,
		Kind:    r.Outcome.Kind.String(),
		Amount:  r.Outcome.Amount,
		Reason:  r.Outcome.Reason,
		At:      r.At.UnixMilli(),
	}
}

func (rec record) result() (stats.CheckResult, error) {
	kind, err := stats.ParseKind(rec.Kind)
	if err != nil {
		return stats.CheckResult{}, err
	}
	return stats.CheckResult{
		Address: rec.Address,
		Outcome: stats.Outcome{Kind: kind, Amount: rec.Amount, Reason: rec.Reason},
		At:      time.UnixMilli(rec.At),
	}, nil
}
