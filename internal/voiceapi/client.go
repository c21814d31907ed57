// Package voiceapi pulls call records from the voice platform's REST API.
package voiceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/types"
)

// Client talks to the voice platform.
type Client struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	maxRetryTime time.Duration
	log          *logger.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithMaxRetryTime bounds the total time spent retrying one request.
func WithMaxRetryTime(d time.Duration) Option { return func(c *Client) { c.maxRetryTime = d } }

// New returns a client for baseURL authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("voice api base url not configured")
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		http:         &http.Client{Timeout: 30 * time.Second},
		maxRetryTime: 45 * time.Second,
		log:          logger.New().With("component", "voiceapi"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ListOptions filters ListCalls.
type ListOptions struct {
	Limit         int
	CreatedAfter  time.Time
	CreatedBefore time.Time
	AssistantID   string
}

// ListCalls fetches call records, newest first as the platform returns them.
func (c *Client) ListCalls(ctx context.Context, opts ListOptions) ([]types.RawCallRecord, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if !opts.CreatedAfter.IsZero() {
		q.Set("createdAtGt", opts.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if !opts.CreatedBefore.IsZero() {
		q.Set("createdAtLt", opts.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}
	if opts.AssistantID != "" {
		q.Set("assistantId", opts.AssistantID)
	}
	endpoint := c.baseURL + "/call"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var out []types.RawCallRecord
	if err := c.doJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	c.log.WithField("count", len(out)).Info("fetched calls")
	return out, nil
}

// GetCall fetches a single call record by id.
func (c *Client) GetCall(ctx context.Context, id string) (types.RawCallRecord, error) {
	var out types.RawCallRecord
	if err := c.doJSON(ctx, c.baseURL+"/call/"+url.PathEscape(id), &out); err != nil {
		return nil, fmt.Errorf("get call %s: %w", id, err)
	}
	return out, nil
}

// doJSON GETs endpoint and decodes the body into target. 5xx, 429 and
// transport errors are retried with exponential backoff; other 4xx are
// permanent.
func (c *Client) doJSON(ctx context.Context, endpoint string, target any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxRetryTime

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.WithError(err).Warn("voice api request failed")
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("voice api status %d: %s", resp.StatusCode, truncate(body))
		case resp.StatusCode >= 400:
			// Permanent: don't retry on client errors
			return backoff.Permanent(fmt.Errorf("voice api status %d: %s", resp.StatusCode, truncate(body)))
		}

		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(target); err != nil {
			return backoff.Permanent(fmt.Errorf("decode voice api response: %w", err))
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
