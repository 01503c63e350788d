package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// httpArtifactFetcher satisfies httpapi.ArtifactFetcher by fetching a
// function's wasm bytes from a configured base URL (SPEC_FULL.md HTTP
// surface section: "a pluggable artifact fetcher interface... satisfied
// in this repo by an http.Client-based fetcher hitting a configured base
// URL — the object store itself is out of scope per spec.md §1").
type httpArtifactFetcher struct {
	baseURL string
	client  *http.Client
}

func newArtifactFetcher(baseURL string) *httpArtifactFetcher {
	return &httpArtifactFetcher{baseURL: baseURL, client: http.DefaultClient}
}

func (f *httpArtifactFetcher) Fetch(ctx context.Context, function string) ([]byte, error) {
	target, err := url.JoinPath(f.baseURL, url.PathEscape(function))
	if err != nil {
		return nil, fmt.Errorf("artifact: build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact: fetch %s: %w", function, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact: fetch %s: unexpected status %d", function, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
