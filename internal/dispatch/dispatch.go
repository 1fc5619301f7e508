// Package dispatch is the ordered outbound message queue and its single
// rate-limited sender.
//
// Producers call Enqueue from any goroutine; it never waits on the sender.
// Exactly one sender goroutine drains the queue in FIFO order with at most
// one delivery attempt in flight. A rate-limit signal from the endpoint puts
// the sender into COOLDOWN for exactly the signalled wait and the identical
// payload is attempted again; other failures are retried a bounded number
// of times and then dropped.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"walletwatch/internal/eventbus"
	"walletwatch/internal/retry"
	rtsup "walletwatch/internal/runtime/supervisor"
	"walletwatch/internal/transport"
	logx "walletwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch queue stopped")
)

// Message is one outbound notification. Consecutive messages sharing a
// non-empty Group may be joined into one payload when batching is enabled.
type Message struct {
	Text  string
	Group string
}

type State int32

const (
	StateIdle State = iota
	StateSending
	StateCooldown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSending:
		return "SENDING"
	case StateCooldown:
		return "COOLDOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Config struct {
	// Capacity bounds the queue; 0 means unbounded.
	Capacity int
	// MinGap is the minimum spacing between delivery attempts.
	MinGap time.Duration
	// BatchSize is the most messages taken per drain step; 1 disables batching.
	BatchSize int
	// BatchMaxWait is how long a drain step waits for more messages after
	// the first one.
	BatchMaxWait time.Duration
	// BatchPause is slept after a drain step that emptied a full batch.
	BatchPause time.Duration
	// MaxPayload bounds a joined payload in runes.
	MaxPayload int
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
	// Retry governs transport errors. Rate-limit signals never consume attempts.
	Retry retry.Policy
}

// DefaultConfig paces channel posts: 30 messages per drain step, 300ms
// apart, a 3s pause between full batches.
func DefaultConfig() Config {
	return Config{
		MinGap:      300 * time.Millisecond,
		BatchSize:   30,
		BatchPause:  3 * time.Second,
		MaxPayload:  4000,
		SendTimeout: 30 * time.Second,
		Retry:       retry.Default(),
	}
}

func (c Config) normalized() Config {
	if c.Capacity < 0 {
		c.Capacity = 0
	}
	if c.MinGap < 0 {
		c.MinGap = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.BatchMaxWait < 0 {
		c.BatchMaxWait = 0
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 4000
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	return c
}

// Snapshot is a point-in-time view for the status surface and reports.
type Snapshot struct {
	State         State     `json:"state"`
	Queued        int       `json:"queued"`
	Pending       int64     `json:"pending"`
	// Sent counts successful endpoint calls; Messages counts messages whose
	// every part went out.
	Sent          uint64    `json:"sent"`
	Messages      uint64    `json:"messages"`
	Attempts      uint64    `json:"attempts"`
	Retried       uint64    `json:"retried"`
	RateLimited   uint64    `json:"rate_limited"`
	Dropped       uint64    `json:"dropped"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastSentAt    time.Time `json:"last_sent_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Event is the payload of dispatch.* bus events.
type Event struct {
	Messages int           `json:"messages"`
	Attempt  int           `json:"attempt,omitempty"`
	Wait     time.Duration `json:"wait,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Queue owns the message buffer and the sender goroutine.
type Queue struct {
	log      logx.Logger
	endpoint transport.Endpoint
	bus      eventbus.Bus

	// mu guards the buffer, the intake flag and the config.
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	buf      []Message
	stopping bool
	wake     chan struct{}

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	state         atomic.Int32
	pending       atomic.Int64
	inFlight      atomic.Int32
	sent          atomic.Uint64
	messages      atomic.Uint64
	attempts      atomic.Uint64
	retried       atomic.Uint64
	rateLimited   atomic.Uint64
	dropped       atomic.Uint64
	cooldownUntil atomic.Int64
	lastSentAt    atomic.Int64
	lastErr       atomic.Value // string
}

func New(cfg Config, endpoint transport.Endpoint, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	q := &Queue{
		log:      log,
		endpoint: endpoint,
		bus:      bus,
		wake:     make(chan struct{}, 1),
	}
	q.lastErr.Store("")
	q.applyLocked(cfg)
	return q
}

// Apply swaps pacing, batching and retry settings. It takes effect at the
// next drain step; queued messages are kept.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.applyLocked(cfg)
	q.mu.Unlock()
}

func (q *Queue) applyLocked(cfg Config) {
	cfg = cfg.normalized()
	q.cfg = cfg
	lim := rate.Inf
	if cfg.MinGap > 0 {
		lim = rate.Every(cfg.MinGap)
	}
	if q.limiter == nil {
		q.limiter = rate.NewLimiter(lim, 1)
		return
	}
	q.limiter.SetLimit(lim)
}

func (q *Queue) config() (Config, *rate.Limiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg, q.limiter
}

// Enqueue appends m to the queue. It fails only when the queue is stopped
// or at capacity.
func (q *Queue) Enqueue(m Message) error {
	return q.EnqueueAll(m)
}

// EnqueueText is Enqueue for an ungrouped message.
func (q *Queue) EnqueueText(text string) error {
	return q.EnqueueAll(Message{Text: text})
}

// EnqueueAll appends msgs in order as one step; no other producer's message
// lands between them. Either all are queued or none.
func (q *Queue) EnqueueAll(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrStopped
	}
	if q.cfg.Capacity > 0 && len(q.buf)+len(msgs) > q.cfg.Capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.buf = append(q.buf, msgs...)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len is the number of queued messages not yet taken by the sender.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.buf)
	q.mu.Unlock()
	return n
}

func (q *Queue) State() State { return State(q.state.Load()) }

func (q *Queue) Snapshot() Snapshot {
	s := Snapshot{
		State:       q.State(),
		Queued:      q.Len(),
		Pending:     q.pending.Load(),
		Sent:        q.sent.Load(),
		Messages:    q.messages.Load(),
		Attempts:    q.attempts.Load(),
		Retried:     q.retried.Load(),
		RateLimited: q.rateLimited.Load(),
		Dropped:     q.dropped.Load(),
	}
	if ns := q.cooldownUntil.Load(); ns > 0 {
		s.CooldownUntil = time.Unix(0, ns)
	}
	if ns := q.lastSentAt.Load(); ns > 0 {
		s.LastSentAt = time.Unix(0, ns)
	}
	s.LastError, _ = q.lastErr.Load().(string)
	return s
}

// Start launches the sender. It is idempotent while running.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.sup != nil {
		return
	}
	q.mu.Lock()
	q.stopping = false
	q.mu.Unlock()
	q.state.Store(int32(StateIdle))

	q.sup = rtsup.New(ctx,
		rtsup.WithLogger(q.log),
		rtsup.WithCancelOnError(false),
	)
	q.sup.GoRestart("dispatch.sender", q.senderLoop,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop refuses new messages and lets the sender drain what is queued until
// ctx is done. After that the sender is cancelled; an attempt already in
// flight is allowed to return before Stop does. A Start issued meanwhile
// waits until the old sender has exited.
func (q *Queue) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.runMu.Lock()
	defer q.runMu.Unlock()
	sup := q.sup

	q.mu.Lock()
	q.stopping = true
	left := len(q.buf)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	if sup == nil {
		q.state.Store(int32(StateStopped))
		return nil
	}
	defer func() { q.sup = nil }()

	q.log.Info("dispatch stopping", logx.Int("queued", left))
	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		sup.Cancel()
		// The sender returns promptly once its context is cancelled.
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		q.log.Warn("dispatch stopped before queue drained", logx.Int("queued", q.Len()), logx.Int64("pending", q.pending.Load()))
		q.state.Store(int32(StateStopped))
		return ctx.Err()
	}
	q.state.Store(int32(StateStopped))
	return nil
}

func (q *Queue) publish(typ string, ev Event) {
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
