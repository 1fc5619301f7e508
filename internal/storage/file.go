package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"walletwatch/internal/stats"
	logx "walletwatch/pkg/logx"
)

// fileStore appends one JSON line per result to <path> and keeps the latest
// result per address in memory. The file is replayed at open; malformed
// lines (for example a torn final write) are skipped.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	rows latest
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	rows := latest{}
	skipped, err := replayResults(path, rows)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped malformed result lines", logx.String("path", path), logx.Int("lines", skipped))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("addresses", len(rows)))
	return &fileStore{log: log, path: path, f: f, enc: json.NewEncoder(f), rows: rows}, nil
}

func replayResults(path string, into latest) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil || rec.Address == "" {
			skipped++
			continue
		}
		r, err := rec.result()
		if err != nil {
			skipped++
			continue
		}
		into.put(r)
	}
	return skipped, sc.Err()
}

func (s *fileStore) PutResult(ctx context.Context, r stats.CheckResult) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("result file closed")
	}
	if err := s.enc.Encode(toRecord(r)); err != nil {
		return err
	}
	s.rows.put(r)
	return nil
}

func (s *fileStore) Checked(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.checked(), nil
}

func (s *fileStore) Results(ctx context.Context) ([]stats.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.results(), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.enc = nil
	return err
}
