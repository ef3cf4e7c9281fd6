package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	logx "fogworker/pkg/logx"

	"github.com/gorilla/websocket"
)

// Source yields engine events one at a time.
type Source interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// EventStream is a Source over the engine's websocket channel.
type EventStream struct {
	conn *websocket.Conn
	log  logx.Logger

	closeOnce sync.Once
	closeErr  error
}

// Subscribe opens the event channel for this client id. Events for prompts
// submitted after Subscribe returns are guaranteed to be delivered.
func (c *Client) Subscribe(ctx context.Context) (Source, error) {
	u := c.addr.WSBase() + "/ws?clientId=" + url.QueryEscape(c.clientID)
	d := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, resp, err := d.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open event channel: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("open event channel: %w", err)
	}
	conn.SetReadLimit(16 << 20)
	return &EventStream{conn: conn, log: c.log}, nil
}

// SetDeadline bounds every subsequent Next call.
func (s *EventStream) SetDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Next blocks until the next text message arrives. Binary frames (previews)
// and messages that are not JSON are skipped. Cancelling ctx unblocks it.
func (s *EventStream) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Debug("skipping malformed event", logx.Err(err))
			continue
		}
		return ev, nil
	}
}

func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
