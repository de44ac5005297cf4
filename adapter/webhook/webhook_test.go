package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/iox"
)

func init() { baseBackoff = time.Millisecond }

func testEvent() *adapter.BlockEvent {
	return &adapter.BlockEvent{
		EventType:  adapter.EventBlockDispatched,
		SessionID:  "s1",
		Key:        "afar-run-1",
		Location:   "remotely",
		Executor:   "pool",
		Names:      []string{"y"},
		Status:     "submitted",
		StartedAt:  "2026-02-07T12:00:00Z",
		DurationMs: 15,
	}
}

// statusServer answers each request with codes[i], repeating the last code.
func statusServer(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(hits.Add(1)) - 1
		w.WriteHeader(codes[min(n, len(codes)-1)])
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func TestNotify_Body(t *testing.T) {
	var (
		got  adapter.BlockEvent
		auth string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("request = %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer ts.Close()

	n, err := New(Config{URL: ts.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer iox.DiscardClose(n)

	if err := n.Notify(t.Context(), testEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Key != "afar-run-1" || got.Location != "remotely" || got.EventType != adapter.EventBlockDispatched {
		t.Errorf("event = %+v", got)
	}
	if auth != "Bearer t" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestNotify_Retries(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		retries   int
		wantErr   bool
		wantCalls int32
	}{
		{"ok", []int{http.StatusNoContent}, 3, false, 1},
		{"recovers", []int{500, 502, 200}, 3, false, 3},
		{"exhausted", []int{503}, 2, true, 3},
		{"client error", []int{404}, 3, true, 1},
		{"no retries", []int{500}, 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, hits := statusServer(t, tt.codes...)
			n, err := New(Config{URL: ts.URL, Retries: tt.retries})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer iox.DiscardClose(n)

			err = n.Notify(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := hits.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestNotify_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	n, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if err := n.Notify(ctx, testEvent()); err == nil {
		t.Fatal("Notify succeeded after cancellation")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty URL accepted")
	}
	if _, err := New(Config{URL: "http://example.com", Retries: -1}); err == nil {
		t.Error("negative retries accepted")
	}
	n, err := New(Config{URL: "http://example.com"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.config.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v", n.config.Timeout)
	}
}
