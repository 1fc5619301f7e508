package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"walletwatch/internal/dispatch"
	"walletwatch/internal/stats"
)

// Input is everything one report renders.
type Input struct {
	At       time.Time
	Stats    stats.Snapshot
	Queue    *dispatch.Snapshot
	Host     *HostMetrics
	HostErr  error
	ScanBusy bool
}

// Format renders a plain-text report.
func Format(in Input) string {
	var b strings.Builder
	s := in.Stats

	fmt.Fprintf(&b, "📊 Wallet scan report (%s)\n", in.At.UTC().Format("2006-01-02 15:04 MST"))
	pct := 0.0
	if s.Total > 0 {
		pct = float64(s.Checked) / float64(s.Total) * 100
	}
	fmt.Fprintf(&b, "Checked: %s / %s (%.1f%%)", comma(s.Checked), comma(s.Total), pct)
	if in.ScanBusy {
		b.WriteString(" · scan running")
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Positive: %s · Zero: %s · Errors: %s\n", comma(s.Positive), comma(s.Zero), comma(s.Error))

	if q := in.Queue; q != nil {
		fmt.Fprintf(&b, "Queue: %s waiting · sender %s · sent %s · dropped %s",
			comma(uint64(q.Queued)), q.State, comma(q.Messages), comma(q.Dropped))
		if q.RateLimited > 0 {
			fmt.Fprintf(&b, " · rate limited %s", comma(q.RateLimited))
		}
		b.WriteByte('\n')
	}

	switch {
	case in.Host != nil:
		h := in.Host
		b.WriteString("Host:")
		if h.HasLoad {
			fmt.Fprintf(&b, " load %.2f %.2f %.2f ·", h.Load[0], h.Load[1], h.Load[2])
		}
		fmt.Fprintf(&b, " heap %s · sys %s · goroutines %d · up %s",
			humanize.IBytes(h.HeapAlloc), humanize.IBytes(h.Sys), h.Goroutines, h.Uptime.Round(time.Second))
	case in.HostErr != nil:
		fmt.Fprintf(&b, "Host: unavailable (%v)", in.HostErr)
	}
	return strings.TrimRight(b.String(), "\n")
}

func comma(n uint64) string { return humanize.Comma(int64(n)) }
