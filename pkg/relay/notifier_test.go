package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type proactiveRecorder struct {
	mu       sync.Mutex
	requests []recordedProactive
	status   int
}

type recordedProactive struct {
	token string
	body  map[string]any
}

func (r *proactiveRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode body %q: %v", raw, err)
		}

		r.mu.Lock()
		r.requests = append(r.requests, recordedProactive{token: req.Header.Get(TokenHeader), body: body})
		status := r.status
		r.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (r *proactiveRecorder) snapshot() []recordedProactive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedProactive(nil), r.requests...)
}

func TestNotifierPostsPayload(t *testing.T) {
	rec := &proactiveRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)

	n := NewNotifier(srv.URL+"/internal/proactive", "teams-token", nil)
	t.Cleanup(n.Close)

	if err := n.Deliver(context.Background(), "conv-1", "hello", "req_1"); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if err := n.Deliver(context.Background(), "conv-2", "scheduled", ""); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("received %d requests, want 2", len(got))
	}
	if got[0].token != "teams-token" {
		t.Fatalf("token header = %q", got[0].token)
	}
	if got[0].body["chat_id"] != "conv-1" || got[0].body["content"] != "hello" || got[0].body["request_id"] != "req_1" {
		t.Fatalf("first body = %+v", got[0].body)
	}
	if _, ok := got[1].body["request_id"]; ok {
		t.Fatalf("empty request_id must be omitted, body = %+v", got[1].body)
	}
}

func TestNotifierOmitsTokenWhenUnset(t *testing.T) {
	rec := &proactiveRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)

	n := NewNotifier(srv.URL, "", nil)
	if err := n.Deliver(context.Background(), "c1", "x", ""); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if got := rec.snapshot()[0].token; got != "" {
		t.Fatalf("token header = %q, want empty", got)
	}
}

func TestNotifierReportsErrorStatus(t *testing.T) {
	rec := &proactiveRecorder{status: http.StatusNotFound}
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)

	n := NewNotifier(srv.URL, "", nil)
	err := n.Deliver(context.Background(), "unknown-conv", "x", "req_1")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v, want 404 failure", err)
	}
	if len(rec.snapshot()) != 1 {
		t.Fatal("failed delivery must not be retried")
	}
}

func TestNotifierDisabledIsNoOp(t *testing.T) {
	n := NewNotifier("  ", "token", nil)
	if n.Enabled() {
		t.Fatal("expected notifier without url to be disabled")
	}
	if err := n.Deliver(context.Background(), "c1", "x", ""); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
}

func TestNotifierKeepsEndpointOutOfErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := srv.URL + "/internal/proactive?key=hunter2"
	srv.Close()

	n := NewNotifier(endpoint, "", &http.Client{Timeout: time.Second})
	err := n.Deliver(context.Background(), "c1", "x", "")
	if err == nil {
		t.Fatal("expected error for closed endpoint")
	}
	if strings.Contains(err.Error(), "hunter2") || strings.Contains(err.Error(), "/internal/proactive") {
		t.Fatalf("error leaks endpoint: %v", err)
	}
}

func TestNotifierDefaultTimeout(t *testing.T) {
	n := NewNotifier("http://127.0.0.1:1", "", nil)
	if n.client.Timeout != NotifyTimeout {
		t.Fatalf("timeout = %s, want %s", n.client.Timeout, NotifyTimeout)
	}
}
