// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package transform

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/newsbot/cmd/newsbot/internal/feed"
	"go.astrophena.name/newsbot/internal/api/openai"
	"go.astrophena.name/newsbot/internal/testutil"

	"github.com/google/generative-ai-go/genai"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

type backendFunc func(context.Context, Request) (string, error)

func (f backendFunc) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var entry = feed.Entry{
	ID:      "kun-1",
	Title:   "Budget <approved>",
	Summary: "The parliament approved the budget & taxes.",
	Link:    "https://kun.uz/news/1",
	Source:  "kun.uz",
}

func TestFallback(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   feed.Entry
		want string
	}{
		"with summary": {
			in:   entry,
			want: "<b>Budget &lt;approved&gt;</b>\n\nThe parliament approved the budget &amp; taxes.",
		},
		"without summary": {
			in:   feed.Entry{Title: "T1"},
			want: "<b>T1</b>\n\nSummary not available.",
		},
		"blank summary": {
			in:   feed.Entry{Title: "T1", Summary: "  \n"},
			want: "<b>T1</b>\n\nSummary not available.",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tr := New(Config{Logger: discard})
			testutil.AssertEqual(t, tr.Transform(context.Background(), tc.in), tc.want)
			testutil.AssertEqual(t, Fallback(tc.in), tc.want)
		})
	}
}

func TestFallbackTruncatesLongSummary(t *testing.T) {
	t.Parallel()

	got := Fallback(feed.Entry{Title: "T", Summary: strings.Repeat("я", 5000)})
	body := strings.TrimPrefix(got, "<b>T</b>\n\n")
	if n := len([]rune(body)); n != maxSummaryRunes {
		t.Fatalf("want summary of %d runes, got %d", maxSummaryRunes, n)
	}
	if !strings.HasSuffix(body, "…") {
		t.Fatalf("want truncated summary to end with an ellipsis")
	}
}

func TestTransformWithBackend(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		reply string
		want  string
	}{
		"well formed": {
			reply: "TITLE: Byudjet tasdiqlandi\nSUMMARY: Parlament byudjetni tasdiqladi.",
			want:  "<b>Byudjet tasdiqlandi</b>\n\nParlament byudjetni tasdiqladi.",
		},
		"preamble and emphasis": {
			reply: "Here you go:\n**TITLE:** Byudjet\n**SUMMARY:** Soliqlar & narxlar.",
			want:  "<b>Byudjet</b>\n\nSoliqlar &amp; narxlar.",
		},
		"empty summary": {
			reply: "TITLE: Byudjet\nSUMMARY:",
			want:  "<b>Byudjet</b>",
		},
		"escapes html": {
			reply: "TITLE: <script>x</script>\nSUMMARY: a < b",
			want:  "<b>&lt;script&gt;x&lt;/script&gt;</b>\n\na &lt; b",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tr := New(Config{
				Backend: backendFunc(func(context.Context, Request) (string, error) { return tc.reply, nil }),
				Logger:  discard,
			})
			testutil.AssertEqual(t, tr.Transform(context.Background(), entry), tc.want)
		})
	}
}

func TestTransformRequest(t *testing.T) {
	t.Parallel()

	var got Request
	tr := New(Config{
		Backend: backendFunc(func(_ context.Context, req Request) (string, error) {
			got = req
			return "TITLE: a\nSUMMARY: b", nil
		}),
		Model:    "gpt-4o-mini",
		Keywords: "iqtisodiyot, texnologiya, siyosat",
		Logger:   discard,
	})
	tr.Transform(context.Background(), entry)

	testutil.AssertEqual(t, got.Model, "gpt-4o-mini")
	testutil.AssertEqual(t, got.Temperature, float32(0.5))
	for _, want := range []string{
		"into Uzbek.",
		"Focus on these topics: iqtisodiyot, texnologiya, siyosat.",
		"2-3 sentences",
		"TITLE: [Uzbek title]\nSUMMARY: [Uzbek summary]",
		"Original Title: Budget <approved>",
		"Original Summary: The parliament approved the budget & taxes.",
	} {
		if !strings.Contains(got.Prompt, want) {
			t.Errorf("prompt doesn't contain %q:\n%s", want, got.Prompt)
		}
	}
}

func TestPromptWithoutKeywords(t *testing.T) {
	t.Parallel()

	tr := New(Config{Language: "Russian", Logger: discard})
	p, err := tr.prompt(entry)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(p, "Focus on") {
		t.Fatalf("prompt mentions focus topics without keywords:\n%s", p)
	}
	if !strings.HasPrefix(p, "Translate the following news article title and summary into Russian.\nThe summary") {
		t.Fatalf("unexpected prompt:\n%s", p)
	}
}

// Not parallel: checks the shared fallback counter.
func TestTransformFallbacks(t *testing.T) {
	cases := map[string]struct {
		backend backendFunc
		reason  string
	}{
		"backend error": {
			backend: func(context.Context, Request) (string, error) {
				return "", errors.New("401 unauthorized")
			},
			reason: "error",
		},
		"timeout": {
			backend: func(ctx context.Context, _ Request) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			reason: "timeout",
		},
		"backend ignoring cancellation": {
			backend: func(context.Context, Request) (string, error) {
				time.Sleep(time.Second)
				return "TITLE: late\nSUMMARY: late", nil
			},
			reason: "timeout",
		},
		"no markers": {
			backend: func(context.Context, Request) (string, error) {
				return "Byudjet tasdiqlandi.", nil
			},
			reason: "malformed",
		},
		"no summary marker": {
			backend: func(context.Context, Request) (string, error) {
				return "TITLE: Byudjet", nil
			},
			reason: "malformed",
		},
		"empty title": {
			backend: func(context.Context, Request) (string, error) {
				return "TITLE:\nSUMMARY: text", nil
			},
			reason: "malformed",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			before := promtestutil.ToFloat64(fallbacks.WithLabelValues(tc.reason))

			tr := New(Config{
				Backend: tc.backend,
				Timeout: 10 * time.Millisecond,
				Logger:  discard,
			})
			got := tr.Transform(context.Background(), entry)

			testutil.AssertEqual(t, got, "<b>Budget &lt;approved&gt;</b>")
			testutil.AssertEqual(t, got, TitleOnly(entry))
			testutil.AssertEqual(t, promtestutil.ToFloat64(fallbacks.WithLabelValues(tc.reason))-before, float64(1))
		})
	}
}

func TestParseReply(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in          string
		wantTitle   string
		wantSummary string
		wantOK      bool
	}{
		"plain":          {in: "TITLE: a\nSUMMARY: b", wantTitle: "a", wantSummary: "b", wantOK: true},
		"multiline":      {in: "TITLE: a\n\nSUMMARY: b\nc", wantTitle: "a", wantSummary: "b\nc", wantOK: true},
		"missing title":  {in: "SUMMARY: b"},
		"missing both":   {in: "hello"},
		"reversed order": {in: "SUMMARY: b\nTITLE: a"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			title, summary, ok := parseReply(tc.in)
			testutil.AssertEqual(t, ok, tc.wantOK)
			if !ok {
				return
			}
			testutil.AssertEqual(t, title, tc.wantTitle)
			testutil.AssertEqual(t, summary, tc.wantSummary)
		})
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestOpenAIBackend(t *testing.T) {
	t.Parallel()

	var gotBody openai.ChatCompletionParams
	o := NewOpenAI(OpenAIConfig{
		APIKey: "sk-test",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, err
			}
			gotBody = testutil.UnmarshalJSON[openai.ChatCompletionParams](t, b)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"choices":[{"message":{"role":"assistant","content":"TITLE: a\nSUMMARY: b"}}]}`)),
			}, nil
		})},
	})

	tr := New(Config{Backend: o, Logger: discard})
	testutil.AssertEqual(t, tr.Transform(context.Background(), entry), "<b>a</b>\n\nb")
	testutil.AssertEqual(t, gotBody.Model, DefaultOpenAIModel)
	testutil.AssertEqual(t, gotBody.Temperature, float32(DefaultTemperature))
	testutil.AssertEqual(t, len(gotBody.Messages), 1)
	testutil.AssertEqual(t, gotBody.Messages[0].Role, "user")
}

func TestGeminiBackend(t *testing.T) {
	t.Parallel()

	var (
		gotKey  string
		gotPath string
	)
	g, err := NewGemini(context.Background(), GeminiConfig{
		APIKey: "gemini-test",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			gotKey = r.Header.Get("x-goog-api-key")
			gotPath = r.URL.Path
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"application/json"}},
				Body:       io.NopCloser(strings.NewReader(`{"candidates":[{"content":{"role":"model","parts":[{"text":"TITLE: a\nSUMMARY: b"}]}}]}`)),
				Request:    r,
			}, nil
		})},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	tr := New(Config{Backend: g, Logger: discard})
	testutil.AssertEqual(t, tr.Transform(context.Background(), entry), "<b>a</b>\n\nb")
	testutil.AssertEqual(t, gotKey, "gemini-test")
	if !strings.HasSuffix(gotPath, "models/"+DefaultGeminiModel+":generateContent") {
		t.Fatalf("unexpected request path %q", gotPath)
	}
}

func TestGeminiText(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in      *genai.GenerateContentResponse
		want    string
		wantErr bool
	}{
		"text parts": {
			in: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{genai.Text("TITLE: a\n"), genai.Text("SUMMARY: b")}},
			}}},
			want: "TITLE: a\nSUMMARY: b",
		},
		"nil":             {in: nil, wantErr: true},
		"no candidates":   {in: &genai.GenerateContentResponse{}, wantErr: true},
		"no content":      {in: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}, wantErr: true},
		"no text in part": {in: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Blob{MIMEType: "image/png"}}}}}}, wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := geminiText(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, got, tc.want)
		})
	}
}
