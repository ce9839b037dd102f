// Package search is the thin HTTP client for the analytics index. It backs
// the event shipper, the telemetry index cleanup, and ad-hoc event search;
// the runtime degrades to journal-only telemetry when the index is down.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/observability"
)

// Client talks to an Elasticsearch-compatible document index.
type Client struct {
	base   string
	http   *http.Client
	logger *observability.Logger
}

// New creates a client from configuration. A disabled or unconfigured search
// section returns nil; callers treat a nil client as "no index".
func New(cfg config.SearchConfig, logger *observability.Logger) *Client {
	if !cfg.Enabled || cfg.URL == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.URL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Connected probes the index root. Used at startup to decide whether the
// shipper gets built at all.
func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	req, err := http.NewRequest(http.MethodGet, c.base+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 300
}

// IndexDocument writes one document under an explicit id. Implements the
// shipper's IndexBackend.
func (c *Client) IndexDocument(ctx context.Context, index, id string, body any) error {
	path := fmt.Sprintf("/%s/_doc/%s", url.PathEscape(index), url.PathEscape(id))
	return c.send(ctx, http.MethodPut, path, body, nil)
}

// Search runs a query body against one index and returns the decoded
// response.
func (c *Client) Search(ctx context.Context, index string, query any) (map[string]any, error) {
	var out map[string]any
	path := fmt.Sprintf("/%s/_search", url.PathEscape(index))
	if err := c.send(ctx, http.MethodPost, path, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteByQuery removes every document matching the query. Implements the
// lifecycle manager's IndexCleaner.
func (c *Client) DeleteByQuery(ctx context.Context, index string, body any) error {
	path := fmt.Sprintf("/%s/_delete_by_query", url.PathEscape(index))
	return c.send(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	if c == nil {
		return fmt.Errorf("search client not configured")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("index request %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
