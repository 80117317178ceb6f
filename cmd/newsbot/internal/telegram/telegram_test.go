// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/newsbot/internal/request"
	"go.astrophena.name/newsbot/internal/testutil"
)

const (
	tgToken      = "123456:test-token"
	sendTelegram = "POST api.telegram.org/{token}/sendMessage"
)

type roundTripFunc func(r *http.Request) (*http.Response, error)

func (s roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return s(r) }

type sentMessage struct {
	ChatID             string `json:"chat_id"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

type testBot struct {
	mux  *http.ServeMux
	sent []sentMessage
}

func newTestBot(t *testing.T, h http.HandlerFunc) *testBot {
	tb := &testBot{mux: http.NewServeMux()}
	if h == nil {
		h = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
		}
	}
	tb.mux.HandleFunc(sendTelegram, func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), tgToken)
		b, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		tb.sent = append(tb.sent, testutil.UnmarshalJSON[sentMessage](t, b))
		h(w, r)
	})
	return tb
}

func (tb *testBot) publisher(c Config) *Publisher {
	c.Token = tgToken
	c.HTTPClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			w := httptest.NewRecorder()
			tb.mux.ServeHTTP(w, r)
			return w.Result(), nil
		}),
	}
	c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(c)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t, nil)
	p := tb.publisher(Config{ChatID: "@channel", DisableLinkPreview: true})

	id, err := p.Publish(context.Background(), Post{
		Body:   "<b>Byudjet</b>\n\nParlament byudjetni tasdiqladi.",
		Source: "Kun.uz",
		Link:   "https://kun.uz/news/1?a=1&b=2",
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, id, int64(42))

	want := sentMessage{
		ChatID:    "@channel",
		ParseMode: "HTML",
		Text: "<b>Byudjet</b>\n\nParlament byudjetni tasdiqladi.\n\n" +
			"<i>Манба: Kun.uz</i>\n" +
			`<a href="https://kun.uz/news/1?a=1&amp;b=2">Батафсил</a>`,
	}
	want.LinkPreviewOptions.IsDisabled = true
	testutil.AssertEqual(t, tb.sent, []sentMessage{want})
}

func TestPublishOverrides(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t, nil)
	p := tb.publisher(Config{ChatID: "@channel", SourceLabel: "Source", MoreLabel: "Read more"})

	if _, err := p.Publish(context.Background(), Post{ChatID: "-100500", Body: "<b>T</b>", Source: "<Feed>"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(tb.sent), 1)
	testutil.AssertEqual(t, tb.sent[0].ChatID, "-100500")
	testutil.AssertEqual(t, tb.sent[0].Text, "<b>T</b>\n\n<i>Source: &lt;Feed&gt;</i>")
	testutil.AssertEqual(t, tb.sent[0].LinkPreviewOptions.IsDisabled, false)
}

func TestSendErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		handler   http.HandlerFunc
		chatID    string
		wantInErr string
		wantCalls int
	}{
		"unauthorized": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			},
			chatID:    "@channel",
			wantInErr: "401",
			wantCalls: 1,
		},
		"rate limited": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
			},
			chatID:    "@channel",
			wantInErr: "retry after 7s",
			wantCalls: 1,
		},
		"not ok": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
			},
			chatID:    "@channel",
			wantInErr: "chat not found",
			wantCalls: 1,
		},
		"empty chat": {
			chatID:    "",
			wantInErr: "chat id is empty",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tb := newTestBot(t, tc.handler)
			p := tb.publisher(Config{})

			_, err := p.Send(context.Background(), tc.chatID, "<b>T</b>", false)
			if !errors.Is(err, ErrChannel) {
				t.Fatalf("want ErrChannel, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantInErr) {
				t.Fatalf("want error to contain %q, got %q", tc.wantInErr, err.Error())
			}
			if strings.Contains(err.Error(), tgToken) {
				t.Fatalf("token leaked into error: %v", err)
			}
			testutil.AssertEqual(t, len(tb.sent), tc.wantCalls)
		})
	}
}

func TestSendTransportErrorScrubsToken(t *testing.T) {
	t.Parallel()

	p := New(Config{
		Token: tgToken,
		HTTPClient: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("dial tcp: connection refused")
		})},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := p.Send(context.Background(), "@channel", "hi", false)
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("want ErrChannel, got %v", err)
	}
	if strings.Contains(err.Error(), tgToken) {
		t.Fatalf("token leaked into error: %v", err)
	}
	if !strings.Contains(err.Error(), "[EXPUNGED]") {
		t.Fatalf("want scrubbed URL in error, got %v", err)
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err      error
		wantOK   bool
		wantWait time.Duration
	}{
		"rate-limited": {
			err:      &request.StatusError{StatusCode: 429, Body: []byte(`{"parameters":{"retry_after":3}}`)},
			wantOK:   true,
			wantWait: 3 * time.Second,
		},
		"bad body": {
			err: &request.StatusError{StatusCode: 429, Body: []byte(`oops`)},
		},
		"other status": {
			err: &request.StatusError{StatusCode: 500, Body: []byte(`{}`)},
		},
		"other error": {
			err: errors.New("network"),
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			wait, ok := retryAfter(tc.err)
			testutil.AssertEqual(t, ok, tc.wantOK)
			testutil.AssertEqual(t, wait, tc.wantWait)
		})
	}
}
