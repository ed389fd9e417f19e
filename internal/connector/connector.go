// Package connector polls external sources for opportunity signals.
// Connectors normalise posts into types.Signal and remember validator
// headers so unchanged feeds cost a single 304 round trip.
package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"pulz/internal/logging"
	"pulz/internal/types"
)

// UserAgent identifies the engine to upstream services. Reddit in
// particular rate-limits default client UAs aggressively.
const UserAgent = "PulZOpportunityEngine/1.0 (+https://pulz.local)"

// excerptLimit caps the stored body excerpt.
const excerptLimit = 400

// Connector fetches new signals from one source.
type Connector interface {
	// Name returns the signal source label, e.g. "reddit:r/forhire".
	Name() string
	// FetchSignals polls the source once. A not-modified response
	// returns an empty slice and no error.
	FetchSignals(ctx context.Context) ([]types.Signal, error)
}

// validators caches ETag / Last-Modified between polls of one URL.
type validators struct {
	mu           sync.Mutex
	etag         string
	lastModified string
}

// conditionalGet performs a GET with stored validators. Returns
// (nil, true, nil) on 304. On 200 it records the new validators.
func (v *validators) conditionalGet(ctx context.Context, client *http.Client, url string) (body []byte, notModified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	v.mu.Lock()
	if v.etag != "" {
		req.Header.Set("If-None-Match", v.etag)
	}
	if v.lastModified != "" {
		req.Header.Set("If-Modified-Since", v.lastModified)
	}
	v.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		logging.Get(logging.CategoryConnector).Debug("Not modified: %s", url)
		return nil, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	v.mu.Lock()
	if et := resp.Header.Get("ETag"); et != "" {
		v.etag = et
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		v.lastModified = lm
	}
	v.mu.Unlock()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read response: %w", err)
	}
	return body, false, nil
}

// excerpt truncates body text to the stored excerpt size. The cut is on
// runes so a multi-byte sequence is never split.
func excerpt(s string) string {
	runes := []rune(s)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit])
	}
	return s
}
