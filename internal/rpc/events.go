package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kas-network/kas-pool/internal/util"
)

const (
	// reconnectDelay is how long to wait before redialing a dropped stream
	reconnectDelay = 5 * time.Second

	// readTimeout bounds how long a notification read may block; the node
	// pings more often than this on an idle stream
	readTimeout = 2 * time.Minute
)

// EventStream subscribes to the node's new-block-template notifications
// over a websocket. The stream transparently redials and resubscribes on
// disconnect.
type EventStream struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewEventStream creates a template notification stream for the given
// websocket URL (ws:// or wss://)
func NewEventStream(url string) *EventStream {
	return &EventStream{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

type notifyCommand struct {
	Method string `json:"method"`
	ID     uint64 `json:"id"`
}

type notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Subscribe dials the node, registers for new-block-template events, and
// returns a channel that receives a signal per notification. The first
// dial failure is returned synchronously so startup can fail fast;
// later disconnects are retried internally.
func (s *EventStream) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan struct{}, 1)
	go s.readLoop(ctx, conn, events)
	return events, nil
}

func (s *EventStream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}

	cmd := notifyCommand{Method: "notifyNewBlockTemplate", ID: 1}
	if err := conn.WriteJSON(cmd); err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	util.Infof("subscribed to new-block-template events at %s", s.url)
	return conn, nil
}

// readLoop pumps notifications into events until the context ends,
// redialing on failure
func (s *EventStream) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- struct{}) {
	defer close(events)

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}

			next, dialErr := s.dial(ctx)
			if dialErr != nil {
				util.Warnf("template stream redial failed: %v", dialErr)
				continue
			}
			conn = next

			// A template may have appeared while we were away
			select {
			case events <- struct{}{}:
			default:
			}
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			conn = nil

			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			util.Warnf("template stream disconnected: %v; reconnecting in %s", err, reconnectDelay)
			continue
		}

		var note notification
		if err := json.Unmarshal(data, &note); err != nil {
			util.Debugf("dropping unparseable node notification: %v", err)
			continue
		}
		if note.Method != "newBlockTemplateNotification" {
			continue
		}

		// Coalesce: one pending signal is enough, the consumer refetches
		select {
		case events <- struct{}{}:
		default:
		}
	}
}

// Close shuts the stream down
func (s *EventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
