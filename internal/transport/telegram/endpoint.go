// Package telegram delivers dispatch payloads to a Telegram chat or channel.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"walletwatch/internal/retry"
	"walletwatch/internal/transport"
	logx "walletwatch/pkg/logx"
)

type Config struct {
	Token string

	// ChatID is a numeric chat id or a public "@channel" username.
	ChatID         string
	ThreadID       int
	ParseMode      string
	DisablePreview bool

	// APIURL overrides the Bot API base URL (local bot API servers, tests).
	APIURL      string
	HTTPTimeout time.Duration
}

// Endpoint implements transport.Endpoint with a send-only telebot client.
// It never polls for updates.
type Endpoint struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	chat tele.Recipient
}

var ErrNoChat = errors.New("telegram chat id is empty")

func New(cfg Config, log logx.Logger) (*Endpoint, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	chat, err := ParseRecipient(cfg.ChatID)
	if err != nil {
		return nil, err
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Endpoint{cfg: cfg, log: log, bot: b, chat: chat}, nil
}

// ErrTooLong is returned by Send for text over TextLimit runes. Callers
// deliver such text through Split.
var ErrTooLong = errors.New("telegram message exceeds text limit")

// Split cuts text into parts that each fit in one Send.
func (e *Endpoint) Split(text string) []string {
	parts := Split(text, TextLimit, e.cfg.ParseMode)
	if len(parts) > 1 {
		e.log.Debug("message split", logx.Int("parts", len(parts)))
	}
	return parts
}

// Send makes exactly one sendMessage call.
func (e *Endpoint) Send(ctx context.Context, text string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if n := utf8.RuneCountInString(text); n > TextLimit {
		return retry.NoRetry(fmt.Errorf("%w: %d runes", ErrTooLong, n))
	}
	opt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(e.cfg.ParseMode),
		DisableWebPagePreview: e.cfg.DisablePreview,
		ThreadID:              e.cfg.ThreadID,
	}
	if _, err := e.bot.Send(e.chat, text, opt); err != nil {
		return MapError(err)
	}
	return nil
}

// MapError converts a telebot flood signal into a transport.RateLimitedError.
// Other errors pass through as transport errors.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RateLimited(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	return err
}

type username string

func (u username) Recipient() string { return string(u) }

// ParseRecipient accepts "-100123", "123" or "@channel".
func ParseRecipient(s string) (tele.Recipient, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoChat
	}
	if strings.HasPrefix(s, "@") {
		if len(s) < 2 {
			return nil, fmt.Errorf("invalid channel username %q", s)
		}
		return username(s), nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", s, err)
	}
	return tele.ChatID(id), nil
}
