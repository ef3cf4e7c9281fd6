// Package broker talks to the remote task broker: it fetches tasks, uploads
// produced files one by one and optionally reports the cycle result.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	logx "fogworker/pkg/logx"

	"golang.org/x/time/rate"
)

const userAgent = "fogworker/1.0"

// Options configures the shared transport. Zero values pick the defaults below.
type Options struct {
	ConnectTimeout time.Duration // default 5s
	ReadTimeout    time.Duration // default 30s; bounds the header wait and each body read
	RetryMax       int           // extra attempts on transport errors only
	RetryBackoff   time.Duration // default 5s
	RatePerSec     int           // 0 = unlimited

	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

// Client is safe for concurrent use. All copies created by WithBaseURL share
// one connection pool and one rate limiter.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a client for baseURL. baseURL may be empty; requests then fail
// until a client with a real URL is derived via WithBaseURL.
func New(baseURL string, opts Options, log logx.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	opts.RetryMax = max(opts.RetryMax, 0)

	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ReadTimeout,
			MaxIdleConns:          8,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}

	log = log.With(logx.String("comp", "broker"))
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Transport: &retryTransport{
				base:        base,
				max:         opts.RetryMax,
				backoff:     opts.RetryBackoff,
				readTimeout: opts.ReadTimeout,
				log:         log,
			},
		},
		limiter: lim,
		log:     log,
	}
}

// WithBaseURL returns a client for another broker that shares this client's pool.
func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	cp.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &cp
}

func (c *Client) BaseURL() string { return c.baseURL }

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) endpoint(path string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("broker url is not configured")
	}
	return c.baseURL + path, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, contentType string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

// FetchTask asks the broker for the next task.
//
// Errors cover transport failures, non-200 statuses, undecodable bodies and
// (wrapping ErrInvalidTask) bodies without a task id or workflow.
func (c *Client) FetchTask(ctx context.Context) (*Task, error) {
	u, err := c.endpoint("/get")
	if err != nil {
		return nil, err
	}
	c.log.Debug("fetching task", logx.String("url", u))

	resp, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, fmt.Errorf("fetch task: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch task: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch task: status %d: %s", resp.StatusCode, snippet(body))
	}

	var raw rawTask
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fetch task: invalid JSON response: %w: %s", err, snippet(body))
	}
	id := scalarString(raw.TaskID)
	if id == "" {
		return nil, fmt.Errorf("%w: missing task_id: %s", ErrInvalidTask, snippet(body))
	}
	if emptyJSON(raw.Workflow) {
		return nil, fmt.Errorf("%w: missing workflow (task_id=%s)", ErrInvalidTask, id)
	}
	created := scalarString(raw.CreateAt)
	if created == "" {
		created = scalarString(raw.CreatedAt)
	}
	return &Task{ID: id, Workflow: raw.Workflow, CreatedAt: created}, nil
}

// UploadFiles posts every file of outs, one request per file. A failed file
// never stops the others. Files accepted by the broker are removed locally.
func (c *Client) UploadFiles(ctx context.Context, meta Meta, outs Outputs) UploadReport {
	report := make(UploadReport)
	nodes := outs.Nodes()
	for _, node := range nodes {
		files := outs.Files(node)
		entries := make([]UploadEntry, len(files))
		for i, f := range files {
			entries[i] = UploadEntry{File: f}
		}
		report[node] = entries
	}

	base, err := c.endpoint("/upload")
	if err != nil {
		for _, entries := range report {
			for i := range entries {
				entries[i].Error = err.Error()
			}
		}
		return report
	}
	prefix := base + "?" + meta.encode()

	for _, node := range nodes {
		entries := report[node]
		for i := range entries {
			u := prefix + "&node=" + url.QueryEscape(node) + "&index=" + strconv.Itoa(i)
			if err := c.uploadOne(ctx, u, entries[i].File); err != nil {
				entries[i].Error = err.Error()
				c.log.Warn("upload failed",
					logx.String("task_id", meta.TaskID),
					logx.String("node", node),
					logx.Int("index", i),
					logx.Err(err),
				)
				continue
			}
			entries[i].Success = true
			if err := os.Remove(entries[i].File); err != nil {
				c.log.Error("delete uploaded file failed", logx.String("file", entries[i].File), logx.Err(err))
			}
		}
	}
	return report
}

func (c *Client) uploadOne(ctx context.Context, rawURL, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	c.log.Debug("uploading file", logx.String("url", rawURL), logx.Int("bytes", len(data)))
	resp, err := c.do(ctx, http.MethodPost, rawURL, data, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("upload %s: %w", file, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload %s: status %d", file, resp.StatusCode)
	}
	var ack any
	if err := json.Unmarshal(body, &ack); err != nil {
		return fmt.Errorf("upload %s: invalid acknowledgement: %w", file, err)
	}
	return nil
}

// ReportResult posts a completion record to /result.
func (c *Client) ReportResult(ctx context.Context, r Result) error {
	if strings.TrimSpace(r.TaskID) == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidResult)
	}
	if r.Status != StatusCompleted && r.Status != StatusFailed {
		return fmt.Errorf("%w: status %q", ErrInvalidResult, r.Status)
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	u, err := c.endpoint("/result")
	if err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, u, body, "application/json")
	if err != nil {
		return fmt.Errorf("report result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("report result: status %d: %s", resp.StatusCode, snippet(b))
	}
	return nil
}

// ImagesIndex lists every produced file as "/{node}/{index}," in upload order.
func ImagesIndex(outs Outputs) string {
	var b strings.Builder
	for _, node := range outs.Nodes() {
		for i := range outs.Files(node) {
			b.WriteString("/" + node + "/" + strconv.Itoa(i) + ",")
		}
	}
	return b.String()
}

// encode renders meta as a query string in a fixed key order.
func (m Meta) encode() string {
	pairs := [][2]string{
		{"task_id", m.TaskID},
		{"create_at", m.CreateAt},
		{"start_at", strconv.FormatInt(m.StartAt, 10)},
		{"end_at", strconv.FormatInt(m.EndAt, 10)},
		{"images_idx", m.ImagesIdx},
	}
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
