package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"walletwatch/internal/dispatch"
	"walletwatch/internal/retry"
	"walletwatch/internal/transport"
	logx "walletwatch/pkg/logx"
)

func TestSplitPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")

	chunks := Split(text, 70, "")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d (%q), want 2", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len([]rune(c)) > 70 {
			t.Fatalf("chunk too long: %d", len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has edge newline: %q", c)
		}
	}
	if strings.Join(chunks, "\n") != text {
		t.Fatal("chunks do not reassemble to the input")
	}
}

func TestSplitShortAndHTML(t *testing.T) {
	t.Parallel()
	if got := Split("hello", 0, ""); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("Split(short) = %q", got)
	}
	text := strings.Repeat("a", 10) + "<b>bold</b>"
	chunks := Split(text, 12, "HTML")
	if chunks[0] != strings.Repeat("a", 10) {
		t.Fatalf("first chunk = %q, want the tag left intact for the next chunk", chunks[0])
	}
}

func TestParseRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"-1001234", "-1001234", false},
		{" @walletfeed ", "@walletfeed", false},
		{"", "", true},
		{"@", "", true},
		{"chan", "", true},
	}
	for _, tt := range tests {
		r, err := ParseRecipient(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseRecipient(%q) err = %v", tt.in, err)
		}
		if err == nil && r.Recipient() != tt.want {
			t.Fatalf("ParseRecipient(%q) = %q, want %q", tt.in, r.Recipient(), tt.want)
		}
	}
}

// fakeBotAPI answers sendMessage. The first flood calls, and call number
// floodCall, get a 429 asking for retryAfter seconds (3 when unset).
type fakeBotAPI struct {
	mu         sync.Mutex
	texts      []string
	calls      int
	flood      int
	floodCall  int
	retryAfter int
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	text := formOrJSONField(r, body, "text")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	w.Header().Set("Content-Type", "application/json")
	if f.flood > 0 || f.calls == f.floodCall {
		if f.flood > 0 {
			f.flood--
		}
		after := f.retryAfter
		if after == 0 {
			after = 3
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprintf(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after %d","parameters":{"retry_after":%d}}`, after, after)
		return
	}
	f.texts = append(f.texts, text)
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100,"type":"channel"}}}`)
}

func formOrJSONField(r *http.Request, body []byte, key string) string {
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		// telebot sends JSON bodies; a tiny scan is enough for the test.
		s := string(body)
		i := strings.Index(s, `"`+key+`":"`)
		if i < 0 {
			return ""
		}
		s = s[i+len(key)+4:]
		if j := strings.Index(s, `"`); j >= 0 {
			return s[:j]
		}
		return s
	}
	v, _ := url.ParseQuery(string(body))
	return v.Get(key)
}

func TestEndpointSendAndFloodMapping(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{flood: 1}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ep, err := New(Config{Token: "123:abc", ChatID: "-100", APIURL: srv.URL, HTTPTimeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = ep.Send(context.Background(), "hello")
	wait, ok := transport.IsRateLimited(err)
	if !ok || wait != 3*time.Second {
		t.Fatalf("Send() = %v, want rate limit of 3s", err)
	}
	if err := ep.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send() retry = %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 1 || api.texts[0] != "hello" {
		t.Fatalf("delivered = %q", api.texts)
	}
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: "1"}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := New(Config{Token: "1:a"}, logx.Nop()); !errors.Is(err, ErrNoChat) {
		t.Fatalf("err = %v, want ErrNoChat", err)
	}
}

func TestMapErrorPassesThrough(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	if got := MapError(boom); got != boom {
		t.Fatalf("MapError() = %v", got)
	}
	if MapError(nil) != nil {
		t.Fatal("MapError(nil) should be nil")
	}
}

func TestSendRejectsOversizedText(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	ep, err := New(Config{Token: "123:abc", ChatID: "-100", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = ep.Send(context.Background(), strings.Repeat("x", TextLimit+1))
	if !errors.Is(err, ErrTooLong) || !retry.IsNoRetry(err) {
		t.Fatalf("Send() = %v, want permanent ErrTooLong", err)
	}
	if parts := ep.Split(strings.Repeat("x", TextLimit+1)); len(parts) != 2 {
		t.Fatalf("Split() = %d parts, want 2", len(parts))
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.calls != 0 {
		t.Fatalf("calls = %d, want none", api.calls)
	}
}

func TestFloodOnSecondPartResendsOnlyThatPart(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{floodCall: 2, retryAfter: 1}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	ep, err := New(Config{Token: "123:abc", ChatID: "-100", APIURL: srv.URL, HTTPTimeout: 5 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	q := dispatch.New(dispatch.Config{BatchSize: 1, Retry: retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond}}, ep, logx.Nop(), nil)
	q.Start(context.Background())
	text := strings.Repeat("A", TextLimit-1) + "\n" + strings.Repeat("B", 1000)
	if err := q.EnqueueText(text); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.calls != 3 || len(api.texts) != 2 {
		t.Fatalf("calls = %d, delivered = %d, want 3 calls and 2 parts", api.calls, len(api.texts))
	}
	if !strings.HasPrefix(api.texts[0], "A") || !strings.HasPrefix(api.texts[1], "B") {
		t.Fatalf("delivered heads = %q %q", api.texts[0][:1], api.texts[1][:1])
	}
	if s := q.Snapshot(); s.Messages != 1 || s.RateLimited != 1 || s.Dropped != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
}
