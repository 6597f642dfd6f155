// Package testutil provides a fake push-gateway for telemetry tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Push records one request accepted by the fake gateway.
type Push struct {
	Path string
	Body string
}

// Gateway is an in-process push-gateway that records every POST.
type Gateway struct {
	mu     sync.Mutex
	pushes []Push
	status int
	srv    *httptest.Server
}

// NewGateway starts a gateway answering every POST with the given status.
func NewGateway(status int) *Gateway {
	gw := &Gateway{status: status}

	router := chi.NewRouter()
	router.Post("/*", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gw.mu.Lock()
		gw.pushes = append(gw.pushes, Push{Path: r.URL.Path, Body: string(body)})
		gw.mu.Unlock()
		w.WriteHeader(gw.status)
	})

	gw.srv = httptest.NewServer(router)
	return gw
}

// URL returns the gateway base URL.
func (g *Gateway) URL() string { return g.srv.URL }

// Close shuts the gateway down.
func (g *Gateway) Close() { g.srv.Close() }

// Pushes returns the recorded requests.
func (g *Gateway) Pushes() []Push {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Push(nil), g.pushes...)
}
