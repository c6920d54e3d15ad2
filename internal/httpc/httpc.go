// Package httpc is a resty based client for a remote changerun server.
package httpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// Httpc builds resty clients with shared TLS and timeout settings.
type Httpc struct {
	TlsConfig *tls.Config
	Timeout   time.Duration
}

// New returns a resty.Client configured according to the receiver's TLS settings.
// Defaults: MinVersion TLS1.3 when MinVersion is zero.
func (h *Httpc) New() *resty.Client {
	c := resty.New()
	if h.Timeout > 0 {
		c.SetTimeout(h.Timeout)
	}
	cfg := h.TlsConfig
	if cfg == nil {
		return c
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS13
	}
	c.SetTLSClientConfig(cfg)
	return c
}

// Client calls the REST API of a changerun server.
type Client struct {
	r *resty.Client
}

// NewClient returns a Client for baseURL, e.g. http://localhost:8080.
func NewClient(baseURL string, h *Httpc) *Client {
	if h == nil {
		h = &Httpc{}
	}
	r := h.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	return &Client{r: r}
}

// Result is a decoded JSON response body.
type Result struct {
	Status int
	Body   gjson.Result
}

// Success reports the "success" field of the body.
func (r *Result) Success() bool { return r.Body.Get("success").Bool() }

// Message returns the "message" (or "error") field of the body.
func (r *Result) Message() string {
	if m := r.Body.Get("message"); m.Exists() {
		return m.String()
	}
	return r.Body.Get("error").String()
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*Result, error) {
	req := c.r.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	res := &Result{Status: resp.StatusCode(), Body: gjson.ParseBytes(resp.Body())}
	if resp.StatusCode() >= http.StatusBadRequest {
		msg := res.Message()
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return res, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), msg)
	}
	return res, nil
}

// RunMigration applies changelogPath on the server for projectKey.
func (c *Client) RunMigration(ctx context.Context, projectKey, changelogPath, tag string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/api/changelogs/execute-changelog/"+url.PathEscape(projectKey),
		map[string]string{"changelogPath": changelogPath, "tag": tag})
}

// SetTag sets tag on changesetID, or clears it when remove is set.
func (c *Client) SetTag(ctx context.Context, projectKey, changesetID, tag string, remove bool) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/api/changelogs/apply-tag/"+url.PathEscape(projectKey),
		map[string]any{"changelogId": changesetID, "tag": tag, "removeTag": remove})
}

// ListChangelog returns the ledger rows of projectKey.
func (c *Client) ListChangelog(ctx context.Context, projectKey string) (*Result, error) {
	return c.do(ctx, http.MethodGet, "/api/changelogs/"+url.PathEscape(projectKey), nil)
}

// ExecuteQuery runs sql on the server, optionally capturing it as a changeset.
func (c *Client) ExecuteQuery(ctx context.Context, projectKey, sql string, capture bool, tag *string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/api/query/execute/"+url.PathEscape(projectKey),
		map[string]any{"query": sql, "generateChangeset": capture, "tag": tag})
}

// SaveChangeset stores sql as a changeset on the server without executing it.
func (c *Client) SaveChangeset(ctx context.Context, projectKey, sql, author, description string, tag *string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/api/query/save-changeset/"+url.PathEscape(projectKey),
		map[string]any{"query": sql, "author": author, "description": description, "tag": tag})
}

// Health calls /healthz.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, http.MethodGet, "/healthz", nil)
}
