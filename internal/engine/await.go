package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	logx "fogworker/pkg/logx"
)

// Await reads events from src until promptID finishes or timeout elapses,
// collecting every image reported for that prompt.
//
// Events for other prompts and unknown types are skipped. If src supports
// SetDeadline, the overall deadline is also applied to each read.
func (c *Client) Await(ctx context.Context, src Source, promptID string, timeout time.Duration) (*OutputSet, error) {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := src.(interface{ SetDeadline(time.Time) error }); ok {
		_ = d.SetDeadline(deadline)
	}

	out := NewOutputSet()
	for {
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("prompt %s: %w after %s", promptID, ErrAwaitTimeout, timeout)
		}
		ev, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isTimeout(err) {
				return nil, fmt.Errorf("prompt %s: %w after %s", promptID, ErrAwaitTimeout, timeout)
			}
			return nil, fmt.Errorf("prompt %s: event channel: %w", promptID, err)
		}

		switch ev.Type {
		case EventExecuting:
			var d executingData
			if json.Unmarshal(ev.Data, &d) != nil || d.PromptID != promptID {
				continue
			}
			if isNull(d.Node) {
				return out, nil
			}
		case EventExecuted:
			var d executedData
			if json.Unmarshal(ev.Data, &d) != nil || d.PromptID != promptID {
				continue
			}
			if d.Output == nil || d.Output.Images == nil {
				continue
			}
			for _, img := range d.Output.Images {
				out.Add(d.Node, c.viewURL(img), filepath.Join(c.outputDir, img.Subfolder, img.Filename))
			}
			c.log.Debug("node produced images",
				logx.String("prompt_id", promptID),
				logx.String("node", d.Node),
				logx.Int("images", len(d.Output.Images)),
			)
		}
	}
}

// AwaitCompletion opens a fresh event channel and waits on it.
// Prefer Subscribe before Submit plus Await, which cannot miss fast completions.
func (c *Client) AwaitCompletion(ctx context.Context, promptID string, timeout time.Duration) (*OutputSet, error) {
	src, err := c.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return c.Await(ctx, src, promptID, timeout)
}

// viewURL keeps the engine's parameter order: filename, subfolder, type.
func (c *Client) viewURL(img imageRef) string {
	return c.addr.HTTPBase() + "/view?filename=" + url.QueryEscape(img.Filename) +
		"&subfolder=" + url.QueryEscape(img.Subfolder) +
		"&type=" + url.QueryEscape(img.Type)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
