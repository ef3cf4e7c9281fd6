// Package engine drives the local generation engine over its HTTP API and
// websocket event channel.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	logx "fogworker/pkg/logx"

	"github.com/google/uuid"
)

type Options struct {
	Listen       string
	Port         int
	ReportedAddr string
	TLSKeyFile   string
	TLSCertFile  string

	// OutputDir is where the engine writes produced files.
	OutputDir string
	// ClientID names this worker on the event channel; default "fogworker-<uuid>".
	ClientID string
	// RequestTimeout bounds each HTTP call and the websocket handshake. Default 10s.
	RequestTimeout time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

type Client struct {
	addr      Address
	outputDir string
	clientID  string
	timeout   time.Duration
	http      *http.Client
	log       logx.Logger
}

// New resolves the engine address once; later calls always use it.
func New(opts Options, log logx.Logger) (*Client, error) {
	addr, err := ResolveAddress(opts)
	if err != nil {
		return nil, err
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	id := strings.TrimSpace(opts.ClientID)
	if id == "" {
		id = "fogworker-" + uuid.NewString()
	}
	outDir := strings.TrimSpace(opts.OutputDir)
	if outDir == "" {
		outDir = "./output"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.RequestTimeout}
	}
	c := &Client{
		addr:      addr,
		outputDir: outDir,
		clientID:  id,
		timeout:   opts.RequestTimeout,
		http:      hc,
		log:       log.With(logx.String("comp", "engine")),
	}
	c.log.Debug("engine address resolved", logx.String("addr", addr.String()), logx.String("client_id", id))
	return c, nil
}

func (c *Client) Address() Address  { return c.addr }
func (c *Client) ClientID() string  { return c.clientID }
func (c *Client) OutputDir() string { return c.outputDir }

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr.HTTPBase()+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// QueueStatus reports how many prompts the engine still has queued or running.
func (c *Client) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var body struct {
		ExecInfo *struct {
			QueueRemaining *int `json:"queue_remaining"`
		} `json:"exec_info"`
	}
	if err := c.getJSON(ctx, "/prompt", &body); err != nil {
		return QueueStatus{}, fmt.Errorf("queue status: %w", err)
	}
	if body.ExecInfo == nil || body.ExecInfo.QueueRemaining == nil {
		return QueueStatus{}, fmt.Errorf("queue status: missing exec_info.queue_remaining")
	}
	return QueueStatus{Remaining: *body.ExecInfo.QueueRemaining}, nil
}

// Validate checks that workflow is a node map whose class types the engine provides.
// Shape errors and unknown class types wrap ErrInvalidWorkflow; a catalog that
// cannot be fetched wraps ErrValidationUnavailable.
func (c *Client) Validate(ctx context.Context, workflow json.RawMessage) error {
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(workflow, &nodes); err != nil || nodes == nil {
		return fmt.Errorf("%w: not an object of nodes", ErrInvalidWorkflow)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidWorkflow)
	}

	var catalog map[string]json.RawMessage
	if err := c.getJSON(ctx, "/object_info", &catalog); err != nil {
		return fmt.Errorf("%w: fetch node catalog: %v", ErrValidationUnavailable, err)
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var n struct {
			ClassType string `json:"class_type"`
		}
		if err := json.Unmarshal(nodes[id], &n); err != nil {
			return fmt.Errorf("%w: node %s: %v", ErrInvalidWorkflow, id, err)
		}
		if n.ClassType == "" {
			return fmt.Errorf("%w: node %s has no class_type", ErrInvalidWorkflow, id)
		}
		if _, ok := catalog[n.ClassType]; !ok {
			return fmt.Errorf("%w: node %s uses unknown class_type %q", ErrInvalidWorkflow, id, n.ClassType)
		}
	}
	return nil
}

// Submit queues workflow for execution.
func (c *Client) Submit(ctx context.Context, workflow json.RawMessage) (Handle, error) {
	payload, err := json.Marshal(struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}{workflow, c.clientID})
	if err != nil {
		return Handle{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr.HTTPBase()+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return Handle{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		return Handle{}, fmt.Errorf("submit: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		PromptID   string          `json:"prompt_id"`
		Number     int             `json:"number"`
		NodeErrors json.RawMessage `json:"node_errors"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Handle{}, fmt.Errorf("submit: decode: %w", err)
	}
	if out.PromptID == "" {
		return Handle{}, fmt.Errorf("submit: %w", ErrNoPromptID)
	}
	return Handle{PromptID: out.PromptID, Number: out.Number, NodeErrors: out.NodeErrors}, nil
}
