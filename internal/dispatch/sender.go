package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"walletwatch/internal/eventbus"
	"walletwatch/internal/retry"
	"walletwatch/internal/transport"
	logx "walletwatch/pkg/logx"
)

// payload is what one delivery attempt sends: one message, or several
// consecutive messages of the same group joined by newlines.
type payload struct {
	text  string
	group string
	count int
	runes int
}

// senderLoop is the only goroutine that talks to the endpoint. It returns
// nil once the queue is stopping and empty.
func (q *Queue) senderLoop(ctx context.Context) error {
	defer q.state.Store(int32(StateIdle))
	for {
		batch, cfg, lim := q.nextBatch(ctx)
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		q.pending.Store(int64(len(batch)))

		for _, p := range coalesce(batch, cfg.MaxPayload) {
			if err := q.deliver(ctx, cfg, lim, p); err != nil {
				q.log.Warn("sender interrupted", logx.Int("messages", p.count), logx.Err(err))
				q.pending.Store(0)
				return err
			}
			q.pending.Add(-int64(p.count))
		}

		if cfg.BatchPause > 0 && len(batch) >= cfg.BatchSize && !q.isStopping() {
			if err := retry.Sleep(ctx, cfg.BatchPause); err != nil {
				return err
			}
		}
	}
}

func (q *Queue) isStopping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping
}

// takeLocked removes up to n messages from the head of the queue. Callers hold mu.
func (q *Queue) takeLocked(n int) []Message {
	if n > len(q.buf) {
		n = len(q.buf)
	}
	out := make([]Message, n)
	copy(out, q.buf[:n])
	clear(q.buf[:n])
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	return out
}

// nextBatch blocks until at least one message is queued, then collects up
// to BatchSize messages, waiting at most BatchMaxWait for stragglers. It
// returns nothing when the queue is stopping and empty or ctx is done.
func (q *Queue) nextBatch(ctx context.Context) ([]Message, Config, *rate.Limiter) {
	for {
		q.mu.Lock()
		cfg, lim := q.cfg, q.limiter
		if len(q.buf) > 0 {
			batch := q.takeLocked(cfg.BatchSize)
			stopping := q.stopping
			q.mu.Unlock()
			if len(batch) < cfg.BatchSize && cfg.BatchMaxWait > 0 && !stopping {
				batch = q.fill(ctx, batch, cfg)
			}
			return batch, cfg, lim
		}
		stopping := q.stopping
		q.mu.Unlock()
		if stopping {
			return nil, cfg, lim
		}

		select {
		case <-ctx.Done():
			return nil, cfg, lim
		case <-q.wake:
		}
	}
}

func (q *Queue) fill(ctx context.Context, batch []Message, cfg Config) []Message {
	t := time.NewTimer(cfg.BatchMaxWait)
	defer t.Stop()
	for len(batch) < cfg.BatchSize {
		select {
		case <-ctx.Done():
			return batch
		case <-t.C:
			return batch
		case <-q.wake:
		}
		q.mu.Lock()
		batch = append(batch, q.takeLocked(cfg.BatchSize-len(batch))...)
		stopping := q.stopping
		q.mu.Unlock()
		if stopping {
			return batch
		}
	}
	return batch
}

// coalesce joins consecutive messages of the same non-empty group while the
// joined text stays within maxRunes. Order is preserved.
func coalesce(batch []Message, maxRunes int) []payload {
	out := make([]payload, 0, len(batch))
	for _, m := range batch {
		n := utf8.RuneCountInString(m.Text)
		if last := len(out) - 1; last >= 0 && m.Group != "" && out[last].group == m.Group &&
			out[last].runes+1+n <= maxRunes {
			out[last].text += "\n" + m.Text
			out[last].runes += 1 + n
			out[last].count++
			continue
		}
		out = append(out, payload{text: m.Text, group: m.Group, count: 1, runes: n})
	}
	return out
}

// deliver sends one payload. An endpoint that caps the size of a call gets
// the payload in parts, each with its own SENDING/COOLDOWN cycle, so a retry
// repeats only the part that failed. It returns an error only when ctx ends;
// a part that exhausts its retries is dropped and the remaining parts still
// go out.
func (q *Queue) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, p payload) error {
	if strings.TrimSpace(p.text) == "" {
		return nil
	}
	parts := q.parts(p.text)
	attempts := 0
	var lost error
	for i, part := range parts {
		n, failure, err := q.sendPart(ctx, cfg, lim, p.count, part)
		attempts += n
		if err != nil {
			return err
		}
		if failure != nil {
			lost = failure
			q.log.Error("message dropped after retries", logx.Int("attempts", n), logx.Int("messages", p.count),
				logx.Int("part", i+1), logx.Int("parts", len(parts)), logx.Err(failure))
		}
	}
	if lost != nil {
		q.dropped.Add(uint64(p.count))
		q.publish(eventbus.DispatchDropped, Event{Messages: p.count, Attempt: attempts, Error: lost.Error()})
		return nil
	}
	q.messages.Add(uint64(p.count))
	q.publish(eventbus.DispatchSent, Event{Messages: p.count, Attempt: attempts})
	return nil
}

func (q *Queue) parts(text string) []string {
	if s, ok := q.endpoint.(transport.Splitter); ok {
		if parts := s.Split(text); len(parts) > 0 {
			return parts
		}
	}
	return []string{text}
}

// sendPart runs the SENDING/COOLDOWN cycle for one endpoint call. It returns
// the attempts made and, when the part was given up on, the last transport
// error. err is set only when ctx ends.
func (q *Queue) sendPart(ctx context.Context, cfg Config, lim *rate.Limiter, count int, text string) (attempts int, failure, err error) {
	failures := 0
	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return attempt - 1, nil, err
		}

		q.state.Store(int32(StateSending))
		q.attempts.Add(1)
		serr := q.attempt(ctx, cfg.SendTimeout, text)
		q.state.Store(int32(StateIdle))
		if serr == nil {
			q.sent.Add(1)
			q.lastSentAt.Store(time.Now().UnixNano())
			return attempt, nil, nil
		}
		if ctx.Err() != nil {
			return attempt, nil, ctx.Err()
		}
		q.lastErr.Store(serr.Error())

		if wait, ok := transport.IsRateLimited(serr); ok {
			q.rateLimited.Add(1)
			q.cooldownUntil.Store(time.Now().Add(wait).UnixNano())
			q.state.Store(int32(StateCooldown))
			q.log.Warn("endpoint rate limited, cooling down", logx.Duration("wait", wait), logx.Int("attempt", attempt))
			q.publish(eventbus.DispatchCooldown, Event{Messages: count, Attempt: attempt, Wait: wait, Error: serr.Error()})
			werr := retry.Sleep(ctx, wait)
			q.state.Store(int32(StateIdle))
			if werr != nil {
				return attempt, nil, werr
			}
			continue
		}

		failures++
		wait, ok := cfg.Retry.Delay(failures, serr)
		if !ok {
			return attempt, serr, nil
		}
		q.retried.Add(1)
		q.log.Warn("send failed, retrying", logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(serr))
		q.publish(eventbus.DispatchRetry, Event{Messages: count, Attempt: attempt, Wait: wait, Error: serr.Error()})
		if werr := retry.Sleep(ctx, wait); werr != nil {
			return attempt, nil, werr
		}
	}
}

// attempt performs one endpoint call. inFlight guards the one-at-a-time
// invariant; a second concurrent call is a bug and is refused.
func (q *Queue) attempt(ctx context.Context, timeout time.Duration, text string) (err error) {
	if q.endpoint == nil {
		return retry.NoRetry(errors.New("no endpoint configured"))
	}
	if !q.inFlight.CompareAndSwap(0, 1) {
		return retry.NoRetry(errors.New("concurrent delivery attempt"))
	}
	defer q.inFlight.Store(0)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("endpoint panic: %v", r)
		}
	}()
	return q.endpoint.Send(cctx, text)
}
