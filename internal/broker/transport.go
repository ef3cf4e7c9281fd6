package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	logx "fogworker/pkg/logx"
)

// ErrReadTimeout is returned while reading a response body that stalled for
// longer than the read timeout.
var ErrReadTimeout = errors.New("broker response read timed out")

// retryTransport re-sends a request when the round trip itself fails
// (dial error, reset, timeout). Any HTTP response, whatever its status,
// is returned as is.
//
// Each attempt runs under its own context. Once headers arrive the body is
// read under readTimeout: a gap between bytes longer than that cancels the
// attempt.
type retryTransport struct {
	base        http.RoundTripper
	max         int
	backoff     time.Duration
	readTimeout time.Duration
	log         logx.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= t.max; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(req.Context(), t.backoff); err != nil {
				return nil, lastErr
			}
			if req.Body != nil {
				if req.GetBody == nil {
					return nil, lastErr
				}
				body, err := req.GetBody()
				if err != nil {
					return nil, lastErr
				}
				req = req.Clone(req.Context())
				req.Body = body
			}
			t.log.Debug("retrying broker request",
				logx.String("method", req.Method),
				logx.String("path", req.URL.Path),
				logx.Int("attempt", attempt),
				logx.Err(lastErr),
			)
		}
		resp, err := t.attempt(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || req.Context().Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (t *retryTransport) attempt(req *http.Request) (*http.Response, error) {
	if t.readTimeout <= 0 {
		return t.base.RoundTrip(req)
	}
	ctx, cancel := context.WithCancel(req.Context())
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = newDeadlineBody(resp.Body, t.readTimeout, cancel)
	return resp, nil
}

// deadlineBody cancels its attempt when a single Read blocks for longer than
// timeout. Close always releases the attempt context.
type deadlineBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	fired   atomic.Bool
	once    sync.Once
}

func newDeadlineBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *deadlineBody {
	return &deadlineBody{rc: rc, timeout: timeout, cancel: cancel}
}

func (b *deadlineBody) Read(p []byte) (int, error) {
	if b.fired.Load() {
		return 0, b.timeoutErr()
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.timeout, func() {
			b.fired.Store(true)
			b.cancel()
		})
	} else {
		b.timer.Reset(b.timeout)
	}
	n, err := b.rc.Read(p)
	b.timer.Stop()
	if err != nil && err != io.EOF && b.fired.Load() {
		return n, b.timeoutErr()
	}
	return n, err
}

func (b *deadlineBody) timeoutErr() error {
	return fmt.Errorf("%w after %s", ErrReadTimeout, b.timeout)
}

func (b *deadlineBody) Close() error {
	err := b.rc.Close()
	b.once.Do(func() {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.cancel()
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
