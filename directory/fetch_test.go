package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchConsensusFromSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tor/status-vote/current/consensus-microdesc" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("network-status-version 3 microdesc\n"))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	text, err := FetchConsensusFrom(addr)
	if err != nil {
		t.Fatalf("FetchConsensusFrom: %v", err)
	}
	if !strings.Contains(text, "network-status-version") {
		t.Fatalf("unexpected body: %q", text)
	}
}

func TestFetchConsensusFromHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	if _, err := FetchConsensusFrom(addr); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestFetchConsensusFromWrongPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	if _, err := FetchConsensusFrom(addr); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestFetchConsensusContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	addr := strings.TrimPrefix(srv.URL, "http://")
	if _, err := fetchConsensusFrom(ctx, addr, nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFetchConsensusAllAuthoritiesFail(t *testing.T) {
	orig := DirAuthorities
	defer func() { DirAuthorities = orig }()

	// Port 0 addresses never accept connections; the OS refuses immediately.
	DirAuthorities = []string{"127.0.0.1:0", "127.0.0.1:0"}

	if _, err := FetchConsensus(); err == nil {
		t.Fatal("expected error when every authority fails")
	}
}
