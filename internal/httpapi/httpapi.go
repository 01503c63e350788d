// Package httpapi implements the external HTTP surface spec.md §6 names as
// a boundary-describing collaborator: POST /add/:function, POST
// /invoke/:function/:event, GET /sse, POST /sse_publish. It is the caller
// of pkg/environment/pkg/fnbytes/pkg/sse, never imported by them.
//
// Grounded on the chi routing pattern shown in
// other_examples/manifests/{DeBrosOfficial-network,caddyserver-caddy}'s
// go.mod (chi as the router dependency) and the teacher's own plain
// HostCallHandler function-value style for wiring behavior through a
// struct of dependencies rather than a framework-specific context type.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/wapchost/runtime/internal/fnbytes"
	"github.com/wapchost/runtime/pkg/codec"
	"github.com/wapchost/runtime/pkg/sse"
)

// ArtifactFetcher retrieves a named function's wasm bytes from the
// external artifact store (spec.md §1: "the function-artifact object
// store" is out of scope, described only through the interface it
// exposes).
type ArtifactFetcher interface {
	Fetch(ctx context.Context, function string) ([]byte, error)
}

// EnvironmentFactory builds a fresh environment.Environment from wasm
// bytes. Declared as a function type, not a direct pkg/environment
// import, so httpapi stays a thin caller: one Environment per request
// (spec.md §3: "the HTTP layer instantiates one per request").
type EnvironmentFactory func(ctx context.Context, wasmBytes []byte) (Invoker, error)

// Invoker is the subset of environment.Environment the HTTP surface
// drives: a single Call plus Close for per-request teardown.
type Invoker interface {
	Call(ctx context.Context, operation string, payload []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Server wires the HTTP surface's dependencies together and exposes a
// chi.Router built by Routes.
type Server struct {
	Cache     *fnbytes.Cache
	Fetcher   ArtifactFetcher
	NewEnv    EnvironmentFactory
	Broker    *sse.Broker
	Log       zerolog.Logger
	CallEvent string // if set, the guest operation name invoked by /invoke; when empty, the URL's :event is used
}

// Routes builds the chi router for the four endpoints spec.md §6 names.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/add/{function}", s.handleAdd)
	r.Post("/invoke/{function}/{event}", s.handleInvoke)
	r.Get("/sse", s.handleSSE)
	r.Post("/sse_publish", s.handleSSEPublish)
	return r
}

// handleAdd implements "POST /add/:function — stores the fetched wasm
// bytes for :function under the bytes cache with TTL 30 min / TTI 5 min;
// 200 on success, 422 on fetch failure."
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	function := chi.URLParam(r, "function")

	b, err := s.Fetcher.Fetch(r.Context(), function)
	if err != nil {
		s.Log.Warn().Str("function", function).Err(err).Msg("artifact fetch failed")
		http.Error(w, "fetch failure", http.StatusUnprocessableEntity)
		return
	}

	s.Cache.Set(function, b)
	w.WriteHeader(http.StatusOK)
}

// invokeRequest is the wire record spec.md §6 describes the host building
// for the guest: "{ method, url, headers:[(k,v)], body:bytes }".
type invokeRequest struct {
	Method  string      `msgpack:"method"`
	URL     string      `msgpack:"url"`
	Headers [][2]string `msgpack:"headers"`
	Body    []byte      `msgpack:"body"`
}

// invokeResponse is the wire record the guest is expected to return:
// "{ status:u16, url, headers:[(k,v)], body:bytes }".
type invokeResponse struct {
	Status  uint16      `msgpack:"status"`
	URL     string      `msgpack:"url"`
	Headers [][2]string `msgpack:"headers"`
	Body    []byte      `msgpack:"body"`
}

// handleInvoke implements "POST /invoke/:function/:event".
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	function := chi.URLParam(r, "function")
	event := chi.URLParam(r, "event")

	wasmBytes, ok := s.Cache.Get(function)
	if !ok {
		http.Error(w, "invalid function", http.StatusUnprocessableEntity)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	req := invokeRequest{
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: headerPairs(r.Header),
		Body:    body,
	}
	payload, err := codec.Marshal(req)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	env, err := s.NewEnv(r.Context(), wasmBytes)
	if err != nil {
		s.Log.Warn().Str("function", function).Err(err).Msg("environment construction failed")
		http.Error(w, "fail function execution", http.StatusUnprocessableEntity)
		return
	}
	defer env.Close(r.Context())

	operation := event
	if s.CallEvent != "" {
		operation = s.CallEvent
	}

	respBytes, err := env.Call(r.Context(), operation, payload)
	if err != nil {
		s.Log.Warn().Str("function", function).Str("event", event).Err(err).Msg("guest call failed")
		http.Error(w, "fail function execution", http.StatusUnprocessableEntity)
		return
	}

	var resp invokeResponse
	if err := codec.Unmarshal(respBytes, &resp); err != nil {
		s.Log.Warn().Str("function", function).Err(err).Msg("guest returned an unparseable response")
		http.Error(w, "fail function execution", http.StatusUnprocessableEntity)
		return
	}

	for _, kv := range resp.Headers {
		w.Header().Add(kv[0], kv[1])
	}
	status := int(resp.Status)
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func headerPairs(h http.Header) [][2]string {
	pairs := make([][2]string, 0, len(h))
	for k, vs := range h {
		for _, v := range vs {
			pairs = append(pairs, [2]string{k, v})
		}
	}
	return pairs
}

// handleSSE implements "GET /sse?topic=…[&topic=…] — opens an SSE stream.
// Bearer optional; when present, decoded for mercure.subscribe. 500 on
// broker failure."
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	claims := s.Broker.ClaimsFromAuthorizationHeader(r.Header.Get("Authorization"))

	sub, err := sse.Subscribe(s.Broker, topics, claims.Mercure.Subscribe)
	if err != nil {
		http.Error(w, "broker failure", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "broker failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if _, err := w.Write(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSSEPublish implements "POST /sse_publish — URL-form body per
// §4.H; returns the message ID (text/plain) or 403."
func (s *Server) handleSSEPublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	id, err := s.Broker.Publish(bearerToken(r.Header.Get("Authorization")), body)
	if err != nil {
		switch {
		case errors.Is(err, sse.ErrUnauthorized), errors.Is(err, sse.ErrForbidden):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(id))
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
