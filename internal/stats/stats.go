// Package stats keeps process-lifetime scan counters.
//
// Counters only grow. Record bumps the outcome counter before Checked and
// Snapshot reads Checked before the outcome counters (and Total last), so a
// snapshot taken while producers are running never shows more checked
// addresses than outcomes or than the total.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Kind classifies a finished lookup.
type Kind uint8

const (
	KindZero Kind = iota
	KindPositive
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindPositive:
		return "positive"
	case KindZero:
		return "zero"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	kind, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "positive":
		return KindPositive, nil
	case "zero":
		return KindZero, nil
	case "error":
		return KindError, nil
	default:
		return 0, fmt.Errorf("unknown outcome kind %q", s)
	}
}

// Outcome is the result of one lookup: Positive(Amount), Zero or Error(Reason).
type Outcome struct {
	Kind   Kind    `json:"kind"`
	Amount float64 `json:"amount,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

func Positive(amount float64) Outcome { return Outcome{Kind: KindPositive, Amount: amount} }
func Zero() Outcome                   { return Outcome{Kind: KindZero} }
func Error(reason string) Outcome     { return Outcome{Kind: KindError, Reason: reason} }

// FromAmount maps a confirmed amount to Positive or Zero.
func FromAmount(amount float64) Outcome {
	if amount > 0 {
		return Positive(amount)
	}
	return Zero()
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindPositive:
		return fmt.Sprintf("positive(%g)", o.Amount)
	case KindError:
		return fmt.Sprintf("error(%s)", o.Reason)
	default:
		return o.Kind.String()
	}
}

// CheckResult is produced once per address per scan and never mutated.
type CheckResult struct {
	Address string    `json:"address"`
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Total    uint64 `json:"total"`
	Checked  uint64 `json:"checked"`
	Positive uint64 `json:"positive"`
	Zero     uint64 `json:"zero"`
	Error    uint64 `json:"error"`
}

// Aggregator is safe for concurrent use. The zero value is ready to use.
type Aggregator struct {
	total    atomic.Uint64
	checked  atomic.Uint64
	positive atomic.Uint64
	zero     atomic.Uint64
	errs     atomic.Uint64
}

func New() *Aggregator { return &Aggregator{} }

// AddTotal registers n addresses scheduled for checking.
func (a *Aggregator) AddTotal(n int) {
	if a == nil || n <= 0 {
		return
	}
	a.total.Add(uint64(n))
}

// Record counts one finished lookup.
func (a *Aggregator) Record(o Outcome) {
	if a == nil {
		return
	}
	switch o.Kind {
	case KindPositive:
		a.positive.Add(1)
	case KindZero:
		a.zero.Add(1)
	default:
		a.errs.Add(1)
	}
	a.checked.Add(1)
}

func (a *Aggregator) Snapshot() Snapshot {
	if a == nil {
		return Snapshot{}
	}
	var s Snapshot
	s.Checked = a.checked.Load()
	s.Positive = a.positive.Load()
	s.Zero = a.zero.Load()
	s.Error = a.errs.Load()
	s.Total = a.total.Load()
	return s
}

// Outcomes returns Positive+Zero+Error.
func (s Snapshot) Outcomes() uint64 { return s.Positive + s.Zero + s.Error }

// Pending is the number of scheduled addresses not yet checked.
func (s Snapshot) Pending() uint64 {
	if s.Checked >= s.Total {
		return 0
	}
	return s.Total - s.Checked
}

// Sub returns the per-field difference s - prev, used for per-scan summaries.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		Total:    s.Total - prev.Total,
		Checked:  s.Checked - prev.Checked,
		Positive: s.Positive - prev.Positive,
		Zero:     s.Zero - prev.Zero,
		Error:    s.Error - prev.Error,
	}
}
