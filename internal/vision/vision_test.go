package vision

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

func TestCostForTokens(t *testing.T) {
	require.Equal(t, "0.0075", CostForTokens(1000).StringFixed(4))
	require.Equal(t, "0.0113", CostForTokens(1500).StringFixed(4))
	require.True(t, CostForTokens(0).IsZero())
	require.True(t, CostForTokens(-5).IsZero())
}

func TestParseItems(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{"plain json", `[{"item": "Milk", "price": "1.95"}, {"item": "Bread", "price": 3.2}]`, []string{"Milk=1.95", "Bread=3.20"}},
		{"fenced", "```json\n[{\"item\": \"Tea\", \"price\": \"2\"}]\n```", []string{"Tea=2.00"}},
		{"surrounding text", `Here you go: [{"item": "Eggs", "price": "4.50"}] enjoy`, []string{"Eggs=4.50"}},
		{"python literal", `[{'item': 'Apples', 'price': '2.40'}, {'item': "Baker's bun", 'price': 1}]`, []string{"Apples=2.40", "Baker's bun=1.00"}},
		{"comma decimal", `[{"item": "Cheese", "price": "5,15"}]`, []string{"Cheese=5.15"}},
		{"name key", `[{"name": "Juice", "amount": "1.10"}]`, []string{"Juice=1.10"}},
		{"empty list", `[]`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseItems(tt.reply)
			require.NoError(t, err)
			got := make([]string, len(items))
			for i, it := range items {
				got[i] = it.Name + "=" + receipt.FormatMoney(it.Price)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseItems_Errors(t *testing.T) {
	for _, reply := range []string{
		"",
		"I could not read this receipt.",
		`[{"item": "Milk"}]`,
		`[{"item": "Milk", "price": "abc"}]`,
		`[{"item": "", "price": "1"}]`,
		`[{"item": "Refund", "price": "-2.00"}]`,
		`[{"item": "Milk", "price": true}]`,
	} {
		_, err := ParseItems(reply)
		require.Error(t, err, "reply %q", reply)
	}
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("\x89PNG fake"), 0600))
	return p
}

// chatRequest is the subset of the chat-completions body the tests inspect.
type chatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL *struct {
				URL string `json:"url"`
			} `json:"image_url"`
		} `json:"content"`
	} `json:"messages"`
}

func chatServer(t *testing.T, status int, content string, tokens int, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error": {"message": "quota exceeded"}}`)) //nolint:errcheck
			return
		}
		resp := map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
			"usage":   map[string]any{"total_tokens": tokens},
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testClient points the client at srvURL the way a self-hosted
// OpenAI-compatible server would be configured.
func testClient(srvURL string) *OpenAI {
	cfg := config.DefaultConfig()
	cfg.VisionBaseURL = srvURL + "/v1"
	cfg.VisionAPIKey = "test-key"
	cfg.VisionTimeoutSeconds = 5
	return NewOpenAI(cfg, nil)
}

func TestOpenAI_Extract(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, http.StatusOK, `[{"item": "Milk", "price": "1.95"}]`, 2000, &seen)
	img := writeImage(t, "r1.png")

	res, err := testClient(srv.URL).Extract(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "Milk", res.Items[0].Name)
	require.Equal(t, "0.0150", res.Cost.StringFixed(4))
	require.Equal(t, 2000, res.Tokens)
	require.False(t, res.Shared)

	require.Equal(t, "gpt-4o", seen.Model)
	require.Equal(t, 5000, seen.MaxTokens)
	require.Len(t, seen.Messages, 1)
	require.Equal(t, "user", seen.Messages[0].Role)
	parts := seen.Messages[0].Content
	require.Len(t, parts, 2)
	require.Equal(t, Prompt, parts[0].Text)
	require.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))
}

func TestOpenAI_UnparseableReplyStillCosts(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "Sorry, the image is blurry.", 1000, nil)
	img := writeImage(t, "r1.jpg")

	_, err := testClient(srv.URL).Extract(context.Background(), img)
	var pe *ParseError
	require.True(t, stderrors.As(err, &pe), "err = %v", err)
	require.Equal(t, "0.0075", pe.Cost.StringFixed(4))
	require.Equal(t, "Sorry, the image is blurry.", pe.Reply)
}

func TestOpenAI_ServiceError(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, "", 0, nil)
	img := writeImage(t, "r1.jpg")

	_, err := testClient(srv.URL).Extract(context.Background(), img)
	require.Error(t, err)
	var pe *ParseError
	require.False(t, stderrors.As(err, &pe))
	require.Contains(t, err.Error(), "429")
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestOpenAI_MissingKeyOrImage(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := NewOpenAI(cfg, nil).Extract(context.Background(), "x.jpg")
	require.ErrorContains(t, err, "API key")

	_, err = NewOpenAI(&config.Config{VisionAPIKey: "test-key", VisionModel: "gpt-4o"}, nil).Extract(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	require.Error(t, err)
}

// blockingExtractor counts calls and holds each one until release is closed.
type blockingExtractor struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
}

func (b *blockingExtractor) Extract(ctx context.Context, imagePath string) (*Result, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	<-b.release
	if b.err != nil {
		return nil, b.err
	}
	return &Result{
		Items: []receipt.ParsedItem{{Name: "Milk", Price: decimal.RequireFromString("1.95")}},
		Cost:  decimal.RequireFromString("0.0100"),
	}, nil
}

func TestDedup_ConcurrentCallsShareOneRequest(t *testing.T) {
	inner := &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})}
	d := Dedup(inner)

	const callers = 4
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := d.Extract(context.Background(), "/img/a.jpg")
		require.NoError(t, err)
		results[0] = r
	}()
	<-inner.started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := d.Extract(context.Background(), "/img/a.jpg")
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	// Give followers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	require.Equal(t, int32(1), inner.calls.Load())
	require.False(t, results[0].Shared)
	require.Equal(t, "0.0100", results[0].Cost.StringFixed(4))

	charged := decimal.Zero
	for _, r := range results {
		require.Len(t, r.Items, 1)
		charged = charged.Add(r.Cost)
	}
	require.Equal(t, "0.0100", charged.StringFixed(4))
}

func TestDedup_SequentialCallsAreIndependent(t *testing.T) {
	inner := &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})}
	close(inner.release)
	d := Dedup(inner)

	for i := 0; i < 2; i++ {
		r, err := d.Extract(context.Background(), "/img/a.jpg")
		require.NoError(t, err)
		require.False(t, r.Shared)
	}
	require.Equal(t, int32(2), inner.calls.Load())
}

func TestDedup_PropagatesErrors(t *testing.T) {
	inner := &blockingExtractor{
		started: make(chan struct{}),
		release: make(chan struct{}),
		err:     &ParseError{Cost: decimal.RequireFromString("0.0050"), Err: stderrors.New("bad")},
	}
	close(inner.release)

	_, err := Dedup(inner).Extract(context.Background(), "/img/a.jpg")
	var pe *ParseError
	require.True(t, stderrors.As(err, &pe))
	require.Equal(t, "0.0050", pe.Cost.StringFixed(4))
	require.False(t, pe.Shared)
}

func TestDedup_CallerCancellation(t *testing.T) {
	inner := &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})}
	d := Dedup(inner)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := d.Extract(ctx, "/img/a.jpg")
		done <- err
	}()
	<-inner.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	close(inner.release)
}
