// Package pool runs balance lookups with bounded concurrency.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"walletwatch/internal/stats"
	logx "walletwatch/pkg/logx"
)

const (
	DefaultWorkers = 20
	DefaultTimeout = 15 * time.Second

	ReasonTimeout  = "timeout"
	ReasonCanceled = "canceled"
)

// Checker is the balance lookup collaborator.
type Checker interface {
	Check(ctx context.Context, address string) (float64, error)
}

type Config struct {
	Workers int
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Pool executes one lookup per address with at most Workers in flight.
//
// Every address yields exactly one CheckResult. Failures, timeouts and
// panics become Error outcomes; they never abort the run.
type Pool struct {
	cfg     Config
	checker Checker
	log     logx.Logger
	now     func() time.Time

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	abandoned   atomic.Int64
}

func New(cfg Config, checker Checker, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{cfg: cfg.withDefaults(), checker: checker, log: log, now: time.Now}
}

func (p *Pool) Workers() int { return p.cfg.Workers }

// InFlight is the number of worker slots currently running a lookup.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// MaxInFlight is the highest InFlight value observed.
func (p *Pool) MaxInFlight() int64 { return p.maxInFlight.Load() }

// Abandoned counts lookups that ignored their deadline and were left running
// after their slot was released.
func (p *Pool) Abandoned() int64 { return p.abandoned.Load() }

// Run starts the lookups and returns an unordered result stream. The channel
// is closed after the last address has produced its result. If ctx ends
// early, the remaining addresses resolve to Error("canceled").
func (p *Pool) Run(ctx context.Context, addresses []string) <-chan stats.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan stats.CheckResult, p.cfg.Workers)
	jobs := make(chan string)

	workers := p.cfg.Workers
	if workers > len(addresses) {
		workers = len(addresses)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range jobs {
				out <- p.checkOne(ctx, addr)
			}
		}()
	}

	go func() {
		defer func() {
			close(jobs)
			wg.Wait()
			close(out)
		}()
		for i, addr := range addresses {
			select {
			case jobs <- addr:
			case <-ctx.Done():
				for _, rest := range addresses[i:] {
					out <- p.result(rest, stats.Error(ReasonCanceled))
				}
				return
			}
		}
	}()
	return out
}

func (p *Pool) result(addr string, o stats.Outcome) stats.CheckResult {
	return stats.CheckResult{Address: addr, Outcome: o, At: p.now()}
}

func (p *Pool) checkOne(parent context.Context, addr string) stats.CheckResult {
	if parent.Err() != nil {
		return p.result(addr, stats.Error(ReasonCanceled))
	}

	n := p.inFlight.Add(1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	defer p.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(parent, p.cfg.Timeout)
	defer cancel()

	type reply struct {
		amount float64
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("lookup panicked", logx.String("address", addr), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- reply{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		amount, err := p.checker.Check(ctx, addr)
		done <- reply{amount: amount, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return p.result(addr, stats.Error(p.reason(ctx, parent, r.err)))
		}
		return p.result(addr, stats.FromAmount(r.amount))
	case <-ctx.Done():
		p.abandoned.Add(1)
		go func() {
			<-done
			p.abandoned.Add(-1)
		}()
		reason := p.reason(ctx, parent, ctx.Err())
		p.log.Debug("lookup abandoned", logx.String("address", addr), logx.String("reason", reason))
		return p.result(addr, stats.Error(reason))
	}
}

func (p *Pool) reason(ctx, parent context.Context, err error) string {
	switch {
	case parent.Err() != nil:
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return ReasonTimeout
	default:
		return err.Error()
	}
}
