// Package fetch implements the "fetch" host-call binding (spec.md §4.F):
// streaming outbound HTTP requests driven by the guest through four
// operations, init/send/read_body/write_body, each taking and returning
// msgpack records over the host-call payload.
//
// Grounded on the original source's crates/fetch/src/fetch.rs for exact
// field names and edge-case behavior (client_rid accepted and ignored,
// the Range->Accept-Encoding:identity rule, the Host/Content-Length
// header skip-list), reimplemented over net/http since no HTTP client
// library beyond the standard library appears anywhere in the retrieval
// pack.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/wapchost/runtime/pkg/abi"
	"github.com/wapchost/runtime/pkg/codec"
	"github.com/wapchost/runtime/pkg/resource"
)

// BadRequestError reports a malformed fetch/init method or URL.
type BadRequestError struct{ Reason string }

func (e *BadRequestError) Error() string { return fmt.Sprintf("fetch: bad request: %s", e.Reason) }

// NetworkError wraps a transport failure from fetch/send or fetch/read_body.
type NetworkError struct{ Message string }

func (e *NetworkError) Error() string { return fmt.Sprintf("fetch: network error: %s", e.Message) }

// ErrBodyClosed is returned by fetch/write_body when the request body's
// companion reader has already been closed or dropped.
var ErrBodyClosed = fmt.Errorf("fetch: body closed")

// Binding implements hostcall.Binding for the "fetch" binding. Stateless
// beyond its HTTP client: request/response state lives entirely in the
// calling Environment's resource table, reached via the context (spec.md
// §4.E).
type Binding struct {
	client *http.Client
}

// New returns a Binding issuing requests with client, or a default
// *http.Client with no special transport configuration if client is nil
// (matching the original's always-fresh reqwest client per fetch/init,
// since client_rid is read but never honored).
func New(client *http.Client) *Binding {
	if client == nil {
		client = &http.Client{}
	}
	return &Binding{client: client}
}

func (b *Binding) Dispatch(ctx context.Context, namespace, operation string, payload []byte) ([]byte, error) {
	switch operation {
	case "init":
		return b.init(ctx, payload)
	case "send":
		return b.send(ctx, payload)
	case "read_body":
		return b.readBody(ctx, payload)
	case "write_body":
		return b.writeBody(ctx, payload)
	default:
		return nil, fmt.Errorf("fetch: unknown operation %q", operation)
	}
}

// InitRequest is the fetch/init payload (spec.md §4.F).
type InitRequest struct {
	Method     string      `msgpack:"method"`
	URL        string      `msgpack:"url"`
	Headers    [][2]string `msgpack:"headers"`
	HasBody    bool        `msgpack:"has_body"`
	BodyLength *uint64     `msgpack:"body_length"`
	Data       []byte      `msgpack:"data"`
	ClientRID  *uint32     `msgpack:"client_rid"`
}

// InitResponse is the fetch/init result.
type InitResponse struct {
	RequestRID     uint32  `msgpack:"request_rid"`
	RequestBodyRID *uint32 `msgpack:"request_body_rid"`
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodConnect: true, http.MethodOptions: true, http.MethodTrace: true,
}

func (b *Binding) init(ctx context.Context, payload []byte) ([]byte, error) {
	table := abi.ResourceTableFromContext(ctx)
	if table == nil {
		return nil, fmt.Errorf("fetch: no resource table on context")
	}

	var req InitRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}

	method := strings.ToUpper(req.Method)
	if !validMethods[method] {
		return nil, &BadRequestError{Reason: "invalid method " + req.Method}
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &BadRequestError{Reason: "invalid url " + req.URL}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}

	var out InitResponse

	switch {
	case req.HasBody && req.Data == nil:
		body := newRequestBodyHandle()
		httpReq.Body = io.NopCloser(body)
		if req.BodyLength != nil {
			httpReq.ContentLength = int64(*req.BodyLength)
			httpReq.Header.Set("Content-Length", strconv.FormatUint(*req.BodyLength, 10))
		}
		rid := table.Add(body)
		out.RequestBodyRID = &rid
	case req.HasBody && req.Data != nil:
		httpReq.Body = io.NopCloser(bytes.NewReader(req.Data))
		httpReq.ContentLength = int64(len(req.Data))
	case !req.HasBody && (method == http.MethodPost || method == http.MethodPut):
		httpReq.Header.Set("Content-Length", "0")
		httpReq.ContentLength = 0
	}

	hasRange := false
	for _, kv := range req.Headers {
		k, v := kv[0], kv[1]
		switch strings.ToLower(k) {
		case "host", "content-length":
			continue
		}
		httpReq.Header.Add(k, v)
		if strings.EqualFold(k, "range") {
			hasRange = true
		}
	}
	if hasRange {
		httpReq.Header.Set("Accept-Encoding", "identity")
	}

	out.RequestRID = table.Add(&requestHandle{req: httpReq})
	return codec.Marshal(out)
}

// SendResponse is the fetch/send result. The request is a bare msgpack u32
// request_rid, matching connection/close's bare-scalar convention.
type SendResponse struct {
	Status        uint16      `msgpack:"status"`
	StatusText    string      `msgpack:"status_text"`
	Headers       [][2]string `msgpack:"headers"`
	URL           string      `msgpack:"url"`
	ResponseRID   uint32      `msgpack:"response_rid"`
	ContentLength *uint64     `msgpack:"content_length"`
}

func (b *Binding) send(ctx context.Context, payload []byte) ([]byte, error) {
	table := abi.ResourceTableFromContext(ctx)
	if table == nil {
		return nil, fmt.Errorf("fetch: no resource table on context")
	}

	var rid uint32
	if err := codec.Unmarshal(payload, &rid); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}
	rh, err := resource.Take[*requestHandle](table, rid)
	if err != nil {
		return nil, err
	}

	httpResp, err := b.client.Do(rh.req)
	if err != nil {
		return nil, &NetworkError{Message: err.Error()}
	}

	respBody := newResponseBodyHandle(httpResp.Body)
	responseRID := table.Add(respBody)

	headers := make([][2]string, 0, len(httpResp.Header))
	for k, vs := range httpResp.Header {
		for _, v := range vs {
			headers = append(headers, [2]string{k, v})
		}
	}

	var contentLength *uint64
	if httpResp.ContentLength >= 0 {
		cl := uint64(httpResp.ContentLength)
		contentLength = &cl
	}

	out := SendResponse{
		Status:        uint16(httpResp.StatusCode),
		StatusText:    http.StatusText(httpResp.StatusCode),
		Headers:       headers,
		URL:           rh.req.URL.String(),
		ResponseRID:   responseRID,
		ContentLength: contentLength,
	}
	return codec.Marshal(out)
}

// ReadBodyRequest is the fetch/read_body payload.
type ReadBodyRequest struct {
	RID  uint32 `msgpack:"rid"`
	Size uint32 `msgpack:"size"`
}

// ReadBodyResponse is the fetch/read_body result.
type ReadBodyResponse struct {
	Chunk []byte `msgpack:"chunk"`
	Size  uint32 `msgpack:"size"`
	RID   uint32 `msgpack:"rid"`
}

func (b *Binding) readBody(ctx context.Context, payload []byte) ([]byte, error) {
	table := abi.ResourceTableFromContext(ctx)
	if table == nil {
		return nil, fmt.Errorf("fetch: no resource table on context")
	}

	var req ReadBodyRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}

	h, err := resource.Take[*responseBodyHandle](table, req.RID)
	if err != nil {
		return nil, err
	}

	chunk, err := h.readChunk(ctx)
	if err != nil {
		return nil, &NetworkError{Message: err.Error()}
	}

	newRID := table.Add(h)
	out := ReadBodyResponse{Chunk: chunk, Size: uint32(len(chunk)), RID: newRID}
	return codec.Marshal(out)
}

// WriteBodyRequest is the fetch/write_body payload.
type WriteBodyRequest struct {
	RID   uint32 `msgpack:"rid"`
	Chunk []byte `msgpack:"chunk"`
	Size  uint32 `msgpack:"size"`
}

// WriteBodyResponse is the fetch/write_body result.
type WriteBodyResponse struct {
	Size uint32 `msgpack:"size"`
	RID  uint32 `msgpack:"rid"`
}

func (b *Binding) writeBody(ctx context.Context, payload []byte) ([]byte, error) {
	table := abi.ResourceTableFromContext(ctx)
	if table == nil {
		return nil, fmt.Errorf("fetch: no resource table on context")
	}

	var req WriteBodyRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}

	h, err := resource.Take[*requestBodyHandle](table, req.RID)
	if err != nil {
		return nil, err
	}

	if err := h.write(ctx, req.Chunk); err != nil {
		return nil, err
	}

	newRID := table.Add(h)
	out := WriteBodyResponse{Size: uint32(len(req.Chunk)), RID: newRID}
	return codec.Marshal(out)
}

// requestHandle wraps the constructed, not-yet-sent *http.Request (spec.md
// §3 "Fetch request handle": "the pending, not-yet-awaited request
// future"). Consumed exactly once by fetch/send via resource.Take.
type requestHandle struct {
	req *http.Request
}

func (h *requestHandle) Name() string { return "fetchRequest" }
func (h *requestHandle) Close() error { return nil }

// requestBodyHandle is the capacity-1 channel fed by fetch/write_body and
// drained by net/http's transport as it streams the request body (spec.md
// §3 "Fetch request-body channel").
type requestBodyHandle struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once

	leftover []byte
}

func newRequestBodyHandle() *requestBodyHandle {
	return &requestBodyHandle{ch: make(chan []byte, 1), closed: make(chan struct{})}
}

func (h *requestBodyHandle) Name() string { return "fetchRequestBody" }

func (h *requestBodyHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

// write is called from fetch/write_body; blocks (bounded backpressure)
// until the Read side drains the previous chunk, the handle is closed, or
// ctx is done.
func (h *requestBodyHandle) write(ctx context.Context, chunk []byte) error {
	select {
	case h.ch <- chunk:
		return nil
	case <-h.closed:
		return ErrBodyClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read implements io.Reader so requestBodyHandle can be used directly as
// an http.Request body.
func (h *requestBodyHandle) Read(p []byte) (int, error) {
	if len(h.leftover) > 0 {
		n := copy(p, h.leftover)
		h.leftover = h.leftover[n:]
		return n, nil
	}
	select {
	case chunk, ok := <-h.ch:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, chunk)
		if n < len(chunk) {
			h.leftover = chunk[n:]
		}
		return n, nil
	case <-h.closed:
		return 0, io.EOF
	}
}

// responseBodyHandle is the capacity-1 channel a background pump fills by
// reading the http.Response body chunk-by-chunk (spec.md §3 "Fetch
// response-body channel").
type responseBodyHandle struct {
	body io.ReadCloser
	ch   chan []byte
	err  struct {
		mu  sync.Mutex
		val error
	}
}

func newResponseBodyHandle(body io.ReadCloser) *responseBodyHandle {
	h := &responseBodyHandle{body: body, ch: make(chan []byte, 1)}
	go h.pump()
	return h
}

func (h *responseBodyHandle) pump() {
	defer close(h.ch)
	buf := make([]byte, 32*1024)
	for {
		n, err := h.body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.ch <- chunk
		}
		if err != nil {
			if err != io.EOF {
				h.err.mu.Lock()
				h.err.val = err
				h.err.mu.Unlock()
			}
			return
		}
	}
}

func (h *responseBodyHandle) Name() string { return "fetchResponseBody" }
func (h *responseBodyHandle) Close() error { return h.body.Close() }

// readChunk awaits the next chunk; a drained, closed channel is EOF,
// surfaced as a nil chunk rather than an error (spec.md §4.F read_body:
// "A closed channel is EOF (chunk length 0)").
func (h *responseBodyHandle) readChunk(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-h.ch:
		if !ok {
			h.err.mu.Lock()
			err := h.err.val
			h.err.mu.Unlock()
			return nil, err
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
