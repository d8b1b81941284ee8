package testbackend

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

// Harness is a Server listening on a loopback port for the life of a test.
type Harness struct {
	*Server
	http *httptest.Server
}

// NewTestRepository opens an in-memory repository closed at test cleanup.
func NewTestRepository(t testing.TB) *Repository {
	t.Helper()

	repo, err := NewRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite repository: %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

// StartTest starts a server over an in-memory repository.
func StartTest(t testing.TB, opts Options) *Harness {
	t.Helper()

	srv := New(NewTestRepository(t), opts)
	h := &Harness{Server: srv, http: httptest.NewServer(srv.Handler())}
	t.Cleanup(func() {
		srv.conns.dropAll()
		h.http.Close()
		_ = srv.Shutdown(context.Background())
	})
	return h
}

// APIURL is the REST base URL.
func (h *Harness) APIURL() string {
	return h.http.URL
}

// SocketURL is the push endpoint.
func (h *Harness) SocketURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
}
