package report

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// HostMetrics is the host resource view attached to each report.
type HostMetrics struct {
	Goroutines int           `json:"goroutines"`
	HeapAlloc  uint64        `json:"heap_alloc"`
	Sys        uint64        `json:"sys"`
	Uptime     time.Duration `json:"uptime"`
	// Load is the 1, 5 and 15 minute load average; HasLoad is false where
	// /proc/loadavg is unavailable.
	Load    [3]float64 `json:"load"`
	HasLoad bool       `json:"has_load"`
}

type MetricsProvider interface {
	HostMetrics(ctx context.Context) (HostMetrics, error)
}

// RuntimeMetrics reads Go runtime counters and the Linux load average.
type RuntimeMetrics struct {
	Started     time.Time
	LoadAvgPath string
}

func NewRuntimeMetrics() *RuntimeMetrics {
	return &RuntimeMetrics{Started: time.Now(), LoadAvgPath: "/proc/loadavg"}
}

func (r *RuntimeMetrics) HostMetrics(ctx context.Context) (HostMetrics, error) {
	if err := ctx.Err(); err != nil {
		return HostMetrics{}, err
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	hm := HostMetrics{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		Sys:        m.Sys,
		Uptime:     time.Since(r.Started),
	}
	if r.LoadAvgPath != "" {
		if b, err := os.ReadFile(r.LoadAvgPath); err == nil {
			if load, err := parseLoadAvg(string(b)); err == nil {
				hm.Load, hm.HasLoad = load, true
			}
		}
	}
	return hm, nil
}

func parseLoadAvg(s string) ([3]float64, error) {
	var out [3]float64
	f := strings.Fields(s)
	if len(f) < 3 {
		return out, fmt.Errorf("loadavg: want 3 fields, got %d", len(f))
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(f[i], 64)
		if err != nil {
			return out, fmt.Errorf("loadavg field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
