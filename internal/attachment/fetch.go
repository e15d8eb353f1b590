package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxInlineSize is the size at which content is no longer inlined as a
// data: URL.
const MaxInlineSize = 1 << 22

// ErrTooLarge is returned by Fetch for content of MaxInlineSize or more.
var ErrTooLarge = errors.New("content too large to inline")

// Fetcher retrieves attachment content by URL. URLs served by this emulator
// are resolved from the Store without a network round trip.
type Fetcher struct {
	store      *Store
	serviceURL string
	client     *http.Client
}

// NewFetcher creates a Fetcher. A nil client gets a 30 second timeout.
func NewFetcher(s *Store, serviceURL string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{store: s, serviceURL: strings.TrimRight(serviceURL, "/"), client: client}
}

// Fetch returns the content type and bytes behind rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, []byte, error) {
	if id, view, ok := f.local(rawURL); ok {
		contentType, data, err := f.store.View(id, view)
		if err != nil {
			return "", nil, err
		}
		if len(data) >= MaxInlineSize {
			return "", nil, ErrTooLarge
		}
		return contentType, data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxInlineSize))
	if err != nil {
		return "", nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if len(data) >= MaxInlineSize {
		return "", nil, ErrTooLarge
	}
	return resp.Header.Get("Content-Type"), data, nil
}

// local parses {serviceURL}/v3/attachments/{id}/views/{view}.
func (f *Fetcher) local(rawURL string) (id, view string, ok bool) {
	if f.serviceURL == "" {
		return "", "", false
	}
	rest, ok := strings.CutPrefix(rawURL, f.serviceURL+"/v3/attachments/")
	if !ok {
		return "", "", false
	}
	id, view, ok = strings.Cut(rest, "/views/")
	if !ok || id == "" || view == "" || strings.Contains(view, "/") {
		return "", "", false
	}
	return id, view, true
}
