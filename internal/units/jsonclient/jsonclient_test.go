package jsonclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunPublishesOnFirstFetch(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"roas":[{"prefix":"192.0.2.0/24","maxLength":24,"asn":64496}]}`))
	}))
	defer srv.Close()

	u, err := New(Config{URI: srv.URL, Refresh: time.Hour}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := u.Gate().NewLink()
	go u.Run(ctx)

	state, err := link.Updated(ctx)
	if err != nil {
		t.Fatalf("Updated: %v", err)
	}
	if state.Payload.Len() != 1 {
		t.Fatalf("expected 1 VRP published, got %d", state.Payload.Len())
	}
}

func TestRunSkipsPublishOn304(t *testing.T) {
	first := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !first {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		first = false
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"roas":[{"prefix":"192.0.2.0/24","maxLength":24,"asn":1}]}`))
	}))
	defer srv.Close()

	u, err := New(Config{URI: srv.URL, Refresh: 30 * time.Millisecond}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	link := u.Gate().NewLink()
	go u.Run(ctx)

	state, err := link.Updated(ctx)
	if err != nil {
		t.Fatalf("Updated: %v", err)
	}
	if state.Payload.Len() != 1 {
		t.Fatalf("expected the one fetched VRP, got %d", state.Payload.Len())
	}

	// A second Updated call should time out: the 304 response must not
	// trigger another publish.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel2()
	if _, err := link.Updated(ctx2); err == nil {
		t.Fatalf("expected no further publish after 304 responses")
	}
}
