package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/hub_downloader/internal/logctx"
	"github.com/italolelis/hub_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	DefaultEndpoint       = "https://huggingface.co"
	DefaultMirrorEndpoint = "https://hf-mirror.com"
	DefaultRevision       = "main"

	defaultListTimeout = 30 * time.Second
	maxErrorBody       = 4 << 10
)

// Client talks to a Hugging Face compatible hub. It implements transfer.RepositoryCatalog
// and transfer.FileSource for one endpoint.
type Client struct {
	endpoint    string
	revision    string
	listTimeout time.Duration
	http        *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Token and tracing transports are not added.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithRevision sets the revision used when a repository does not name one.
func WithRevision(rev string) Option {
	return func(c *Client) {
		if rev != "" {
			c.revision = rev
		}
	}
}

// WithListTimeout bounds a file listing request. Non-positive values keep the default.
func WithListTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.listTimeout = d
		}
	}
}

// NewClient creates a client for endpoint. A non-empty token is sent as a bearer token.
func NewClient(endpoint, token string, opts ...Option) *Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = defaultListTimeout
	// Model weights are already compressed; ranges must address raw bytes.
	base.DisableCompression = true

	var rt http.RoundTripper = otelhttp.NewTransport(base)
	if token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   rt,
		}
	}

	c := &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		revision:    DefaultRevision,
		listTimeout: defaultListTimeout,
		http:        &http.Client{Transport: rt},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  *struct {
		OID  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs,omitempty"`
}

// ListFiles returns every file of the repository at its revision.
func (c *Client) ListFiles(ctx context.Context, repo transfer.Repository) ([]transfer.RemoteFile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true", c.endpoint, escapePath(repo.ID), url.PathEscape(c.rev(repo)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &transfer.ValidationError{Field: "repo_id", Reason: "cannot build request", Err: err}
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, "list_files", c.listTimeout, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "list_files", repo, "")
	}

	var tree []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, &transfer.NetworkError{Operation: "list_files", StatusCode: resp.StatusCode, Message: "invalid listing", Err: err}
	}

	files := make([]transfer.RemoteFile, 0, len(tree))
	for _, e := range tree {
		if e.Type != "file" {
			continue
		}

		f := transfer.RemoteFile{Path: e.Path, Size: e.Size}
		if e.LFS != nil {
			// Only LFS objects carry a sha256; plain git blobs use a sha1 oid.
			f.Checksum = e.LFS.OID
			f.Size = e.LFS.Size
		}

		files = append(files, f)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "listed repository", "repo_id", repo.ID, "files", len(files))

	return files, nil
}

// Open streams a file starting at offset. Servers that ignore the Range header are handled by
// discarding the leading bytes.
func (c *Client) Open(ctx context.Context, repo transfer.Repository, path string, offset int64) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/%s/resolve/%s/%s", c.endpoint, escapePath(repo.ID), url.PathEscape(c.rev(repo)), escapePath(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &transfer.ValidationError{Field: "file path", Reason: "cannot build request", Err: err}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, "open_file", defaultListTimeout, err)
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()

				return nil, &transfer.NetworkError{Operation: "open_file", StatusCode: resp.StatusCode, Message: "failed to skip to offset", Err: err}
			}
		}

		return resp.Body, nil
	default:
		defer resp.Body.Close()

		return nil, statusError(resp, "open_file", repo, path)
	}
}

func (c *Client) rev(repo transfer.Repository) string {
	if repo.Revision != "" {
		return repo.Revision
	}

	return c.revision
}

// escapePath escapes each segment of a slash separated path, such as an "org/name" id.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}

	return strings.Join(parts, "/")
}

func statusError(resp *http.Response, op string, repo transfer.Repository, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := hubMessage(resp, body)
	code := resp.Header.Get("X-Error-Code")

	switch {
	case code == "GatedRepo":
		return &transfer.GatedAccessError{Repo: repo.ID, Err: errors.New(message)}
	case resp.StatusCode == http.StatusUnauthorized:
		return &transfer.AuthError{Operation: op, Err: errors.New(message)}
	case resp.StatusCode == http.StatusForbidden:
		return &transfer.GatedAccessError{Repo: repo.ID, Err: errors.New(message)}
	case resp.StatusCode == http.StatusNotFound:
		return &transfer.NotFoundError{Repo: repo.ID, Path: path, Err: errors.New(message)}
	default:
		return &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: message}
	}
}

// hubMessage extracts {"error": "..."} bodies, falling back to the status text.
func hubMessage(resp *http.Response, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}

	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}

	if msg := resp.Header.Get("X-Error-Message"); msg != "" {
		return msg
	}

	return http.StatusText(resp.StatusCode)
}

func transportError(ctx context.Context, op string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &transfer.TimeoutError{Operation: op, After: timeout.String(), Err: err}
	}

	return &transfer.NetworkError{Operation: op, Message: err.Error(), Err: err}
}
