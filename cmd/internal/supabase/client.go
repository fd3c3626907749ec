// Package supabase implements the messaging backend over Supabase's PostgREST API.
package supabase

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

	"github.com/google/uuid"

	"happyinline/cmd/internal/messaging"
)

// ErrStatus is wrapped by every non-2xx PostgREST response.
var ErrStatus = errors.New("supabase: unexpected status")

// StatusError carries the HTTP status and body of a failed request.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("supabase: status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client talks to one Supabase project's REST endpoint.
type Client struct {
	base   *url.URL
	key    string
	schema string
	http   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithSchema selects the Postgres schema exposed through PostgREST (default "public").
func WithSchema(schema string) Option {
	return func(c *Client) {
		if schema = strings.TrimSpace(schema); schema != "" {
			c.schema = schema
		}
	}
}

// NewClient constructs a Client for projectURL (https://<ref>.supabase.co) authenticated with key.
func NewClient(projectURL, key string, hc *http.Client, opts ...Option) (*Client, error) {
	projectURL = strings.TrimRight(strings.TrimSpace(projectURL), "/")
	if projectURL == "" {
		return nil, errors.New("supabase: missing project url")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("supabase: missing api key")
	}
	u, err := url.Parse(projectURL + "/rest/v1/")
	if err != nil {
		return nil, fmt.Errorf("supabase: parse project url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}

	c := &Client{base: u, key: key, schema: "public", http: hc}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type request struct {
	method string
	table  string
	query  url.Values
	body   any
	prefer []string
}

// do executes r and decodes a JSON response into out (if non-nil). It returns the response headers.
func (c *Client) do(ctx context.Context, r request, out any) (http.Header, error) {
	u := c.base.JoinPath(r.table)
	u.RawQuery = r.query.Encode()

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("supabase: encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("supabase: build request: %w", err)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "application/json")
	if r.method == http.MethodGet || r.method == http.MethodHead {
		req.Header.Set("Accept-Profile", c.schema)
	} else {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Profile", c.schema)
	}
	if len(r.prefer) > 0 {
		req.Header.Set("Prefer", strings.Join(r.prefer, ","))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase: %s %s: %w", r.method, r.table, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("supabase: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.Header, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.Header, fmt.Errorf("supabase: decode %s: %w", r.table, err)
		}
	}
	return resp.Header, nil
}

// exactCount parses the total from a PostgREST Content-Range header ("0-9/42" or "*/42").
func exactCount(h http.Header) (int64, error) {
	cr := h.Get("Content-Range")
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return 0, fmt.Errorf("supabase: missing count in content-range %q", cr)
	}
	n, err := strconv.ParseInt(cr[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("supabase: parse content-range %q: %w", cr, err)
	}
	return n, nil
}

func validID(op, field, id string) error {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: field + " must be a uuid"}
	}
	return nil
}

func notFound(op, msg string) error {
	return messaging.OpError{Op: op, Kind: messaging.ErrNotFound, Msg: msg}
}
