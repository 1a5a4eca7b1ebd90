package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// WSFrame is the wire frame spoken between WebsocketChannel and the relay
// server. One frame type covers both directions; Op discriminates.
type WSFrame struct {
	Op      string            `json:"op"`
	Channel string            `json:"channel,omitempty"`
	Key     string            `json:"key,omitempty"`
	Event   string            `json:"event,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
	Kind    string            `json:"kind,omitempty"`
	State   map[string][]byte `json:"state,omitempty"`
	Message string            `json:"message,omitempty"`
}

const (
	WSOpSubscribe  = "subscribe"
	WSOpSubscribed = "subscribed"
	WSOpSend       = "send"
	WSOpBroadcast  = "broadcast"
	WSOpTrack      = "track"
	WSOpUntrack    = "untrack"
	WSOpPresence   = "presence"
	WSOpError      = "error"
)

const (
	WSPresenceSync  = "sync"
	WSPresenceJoin  = "join"
	WSPresenceLeave = "leave"
)

// WebsocketChannel implements Channel against a sync-relay server. The relay
// owns the presence roster; the client keeps a local copy refreshed by the
// state carried on every presence frame.
type WebsocketChannel struct {
	relayURL string
	name     string
	key      string

	mu         sync.Mutex
	conn       *websocket.Conn
	handlers   Handlers
	subscribed bool
	closed     bool
	roster     map[string][]byte
	done       chan struct{}
}

func NewWebsocketChannel(relayURL, name, key string) (*WebsocketChannel, error) {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || strings.TrimSpace(name) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	return &WebsocketChannel{
		relayURL: relayURL,
		name:     name,
		key:      key,
		roster:   map[string][]byte{},
	}, nil
}

func (c *WebsocketChannel) Subscribe(ctx context.Context, handlers Handlers) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.handlers = handlers
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.relayURL, nil)
	if err != nil {
		return &SubscribeError{Channel: c.name, Err: err}
	}
	if err := writeFrame(ctx, conn, WSFrame{Op: WSOpSubscribe, Channel: c.name, Key: c.key}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return &SubscribeError{Channel: c.name, Err: err}
	}
	frame, err := readFrame(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return &SubscribeError{Channel: c.name, Err: err}
	}
	if frame.Op != WSOpSubscribed {
		_ = conn.Close(websocket.StatusPolicyViolation, "subscribe rejected")
		return &SubscribeError{Channel: c.name, Err: ErrChannelClosed}
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.subscribed = true
	c.done = done
	if frame.State != nil {
		c.roster = frame.State
	}
	c.mu.Unlock()

	go c.readLoop(conn, done)

	if handlers.OnPresenceSync != nil {
		handlers.OnPresenceSync()
	}
	return nil
}

func (c *WebsocketChannel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		frame, err := readFrame(context.Background(), conn)
		if err != nil {
			return
		}
		c.mu.Lock()
		handlers := c.handlers
		closed := c.closed
		if frame.Op == WSOpPresence && frame.State != nil {
			c.roster = frame.State
		}
		c.mu.Unlock()
		if closed {
			return
		}
		switch frame.Op {
		case WSOpBroadcast:
			if handlers.OnBroadcast != nil {
				handlers.OnBroadcast(frame.Event, frame.Payload)
			}
		case WSOpPresence:
			switch frame.Kind {
			case WSPresenceJoin:
				if handlers.OnPresenceJoin != nil {
					handlers.OnPresenceJoin(frame.Key, frame.Payload)
				}
			case WSPresenceLeave:
				if handlers.OnPresenceLeave != nil {
					handlers.OnPresenceLeave(frame.Key, frame.Payload)
				}
			}
			if handlers.OnPresenceSync != nil {
				handlers.OnPresenceSync()
			}
		}
	}
}

func (c *WebsocketChannel) Send(ctx context.Context, event string, payload []byte) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	return writeFrame(ctx, conn, WSFrame{Op: WSOpSend, Event: event, Payload: payload})
}

func (c *WebsocketChannel) Track(ctx context.Context, presence []byte) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	return writeFrame(ctx, conn, WSFrame{Op: WSOpTrack, Payload: presence})
}

func (c *WebsocketChannel) Untrack(ctx context.Context) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	return writeFrame(ctx, conn, WSFrame{Op: WSOpUntrack})
}

func (c *WebsocketChannel) PresenceState() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.roster))
	for key, payload := range c.roster {
		out[key] = append([]byte(nil), payload...)
	}
	return out
}

func (c *WebsocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscribed = false
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if done != nil {
			<-done
		}
	}
	return nil
}

func (c *WebsocketChannel) activeConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	if !c.subscribed || c.conn == nil {
		return nil, ErrNotSubscribed
	}
	return c.conn, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame WSFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, raw)
}

func readFrame(ctx context.Context, conn *websocket.Conn) (WSFrame, error) {
	var frame WSFrame
	_, raw, err := conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, err
	}
	return frame, nil
}
