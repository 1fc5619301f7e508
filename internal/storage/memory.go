package storage

import (
	"context"
	"sync"

	"walletwatch/internal/stats"
)

// Memory is a process-local Store, used for dry runs and tests.
type Memory struct {
	mu   sync.Mutex
	rows latest
}

func NewMemory() *Memory { return &Memory{rows: latest{}} }

func (m *Memory) PutResult(ctx context.Context, r stats.CheckResult) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.rows.put(r)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Checked(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows.checked(), nil
}

func (m *Memory) Results(ctx context.Context) ([]stats.CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows.results(), nil
}

func (m *Memory) Close() error { return nil }
