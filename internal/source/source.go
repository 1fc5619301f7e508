// Package source loads candidate addresses.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// FileSource reads one address per line. Blank lines and lines starting
// with '#' are skipped; duplicates keep their first position.
type FileSource struct {
	Path string
}

func (f FileSource) Addresses(ctx context.Context) ([]string, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open address file: %w", err)
	}
	defer fh.Close()
	return Parse(ctx, fh)
}

// Parse reads addresses from r with the FileSource rules.
func Parse(ctx context.Context, r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	seen := map[string]struct{}{}
	var out []string
	for n := 0; sc.Scan(); n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read addresses: %w", err)
	}
	return out, nil
}

// StaticSource serves a fixed list with the same cleanup as FileSource.
type StaticSource []string

func (s StaticSource) Addresses(ctx context.Context) ([]string, error) {
	return Parse(ctx, strings.NewReader(strings.Join(s, "\n")))
}

type lister interface {
	Addresses(ctx context.Context) ([]string, error)
}

// Merge concatenates its sources in order, dropping addresses already seen.
type Merge []lister

func (m Merge) Addresses(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, src := range m {
		addrs, err := src.Addresses(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out, nil
}
