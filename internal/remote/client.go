// Package remote talks to the calsync server over HTTP/JSON. It provides the
// ledger client for each entity kind and the entity lookup used before any
// calendar write.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calsync/internal/ledger"
	"calsync/internal/model"
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	// Timeout applies per request when HTTPClient is nil.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote: invalid base URL %q", opts.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", u.Scheme)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, token: opts.Token, http: hc}, nil
}

// Ledger returns the ledger client for one entity kind.
func (c *Client) Ledger(kind model.EntityKind) ledger.Client {
	return &kindLedger{c: c, kind: kind}
}

// GetEntity fetches GET /v1/entities/{kind}/{id}. A 404 maps to
// model.ErrEntityNotFound.
func (c *Client) GetEntity(ctx context.Context, ref model.Ref) (model.Entity, error) {
	var e model.Entity
	err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(string(ref.Kind))+"/"+url.PathEscape(ref.ID), nil, nil, &e)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return model.Entity{}, fmt.Errorf("%w: %s", model.ErrEntityNotFound, ref)
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("get entity %s: %w", ref, err)
	}
	if e.Kind == "" {
		e.Kind = ref.Kind
	}
	if e.ID == "" {
		e.ID = ref.ID
	}
	return e, nil
}

type recordsResponse struct {
	Records []ledger.Record `json:"records"`
}

type kindLedger struct {
	c    *Client
	kind model.EntityKind
}

func (l *kindLedger) path(suffix string) string {
	return "/v1/sync/" + url.PathEscape(string(l.kind)) + "/records" + suffix
}

func (l *kindLedger) GetMySyncedRecords(ctx context.Context) ([]ledger.Record, error) {
	var out recordsResponse
	if err := l.c.do(ctx, http.MethodGet, l.path(""), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("get synced records (%s): %w", l.kind, err)
	}
	return out.Records, nil
}

func (l *kindLedger) GetSyncedForParent(ctx context.Context, parentID string) ([]ledger.Record, error) {
	var out recordsResponse
	q := url.Values{"parent_id": {parentID}}
	if err := l.c.do(ctx, http.MethodGet, l.path(""), q, nil, &out); err != nil {
		return nil, fmt.Errorf("get synced records for %s (%s): %w", parentID, l.kind, err)
	}
	return out.Records, nil
}

func (l *kindLedger) RecordSync(ctx context.Context, in ledger.RecordSyncInput) error {
	if err := l.c.do(ctx, http.MethodPost, l.path(""), nil, in, nil); err != nil {
		return fmt.Errorf("record sync %s/%s: %w", l.kind, in.EntityID, err)
	}
	return nil
}

// RemoveSync treats 404 as success.
func (l *kindLedger) RemoveSync(ctx context.Context, entityID string) error {
	err := l.c.do(ctx, http.MethodDelete, l.path("/"+url.PathEscape(entityID)), nil, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove sync %s/%s: %w", l.kind, entityID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
