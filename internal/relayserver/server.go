// Package relayserver implements the websocket relay that backs
// transport.WebsocketChannel: channel-scoped broadcast fanout plus a
// presence roster per channel. Delivery is at-least-once and unordered
// across peers; clients are expected to tolerate both.
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/lessonloop/realtime/internal/transport"
)

var ErrServerClosed = errors.New("relay server closed")

// Logger is the minimal logging surface the server needs. A nil Logger
// silences the server.
type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultWriteTimeout = 10 * time.Second
	maxFrameBytes       = 8 << 20
)

// Options configures a Server. The zero value is usable.
type Options struct {
	Logger Logger
	// WriteTimeout bounds each outbound frame write. Defaults to 10s.
	WriteTimeout time.Duration
}

// Server fans frames out between the members of named channels. It
// implements http.Handler; mount it wherever the relay should listen.
type Server struct {
	logger       Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	channels map[string]*channelState
}

type channelState struct {
	members  map[string]*client
	presence map[string][]byte
}

type client struct {
	id      string
	key     string
	channel string
	conn    *websocket.Conn

	writeMu sync.Mutex
}

func New(opts Options) *Server {
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Server{
		logger:       opts.Logger,
		writeTimeout: timeout,
		channels:     make(map[string]*channelState),
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("relay: accept from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	s.serveConn(r.Context(), conn)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	c, err := s.subscribeConn(ctx, conn)
	if err != nil {
		s.logf("relay: subscribe handshake: %v", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "subscribe required")
		return
	}
	defer s.dropClient(c)

	for {
		frame, err := readFrame(ctx, conn)
		if err != nil {
			return
		}
		switch frame.Op {
		case transport.WSOpSend:
			s.broadcast(c, frame.Event, frame.Payload)
		case transport.WSOpTrack:
			s.track(c, frame.Payload)
		case transport.WSOpUntrack:
			s.untrack(c)
		default:
			s.writeFrame(c, transport.WSFrame{
				Op:      transport.WSOpError,
				Message: fmt.Sprintf("unknown op %q", frame.Op),
			})
		}
	}
}

// subscribeConn performs the handshake: the first frame must be a subscribe
// naming the channel and the member key. The reply carries the channel's
// current presence roster so the joiner starts with a complete view.
func (s *Server) subscribeConn(ctx context.Context, conn *websocket.Conn) (*client, error) {
	frame, err := readFrame(ctx, conn)
	if err != nil {
		return nil, err
	}
	if frame.Op != transport.WSOpSubscribe || frame.Channel == "" || frame.Key == "" {
		return nil, fmt.Errorf("expected subscribe frame, got op %q", frame.Op)
	}

	c := &client{
		id:      uuid.NewString(),
		key:     frame.Key,
		channel: frame.Channel,
		conn:    conn,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	ch := s.channels[frame.Channel]
	if ch == nil {
		ch = &channelState{
			members:  make(map[string]*client),
			presence: make(map[string][]byte),
		}
		s.channels[frame.Channel] = ch
	}
	ch.members[c.id] = c
	roster := snapshotPresence(ch)
	s.mu.Unlock()

	s.writeFrame(c, transport.WSFrame{Op: transport.WSOpSubscribed, State: roster})
	return c, nil
}

// broadcast fans a frame out to every channel member, sender included. The
// clients' self-filter relies on the echo being present, mirroring pub/sub
// backends that do not suppress it.
func (s *Server) broadcast(from *client, event string, payload []byte) {
	targets := s.channelMembers(from.channel)
	frame := transport.WSFrame{
		Op:      transport.WSOpBroadcast,
		Event:   event,
		Payload: payload,
	}
	for _, c := range targets {
		s.writeFrame(c, frame)
	}
}

func (s *Server) track(from *client, payload []byte) {
	s.mu.Lock()
	ch := s.channels[from.channel]
	if ch == nil {
		s.mu.Unlock()
		return
	}
	ch.presence[from.key] = append([]byte(nil), payload...)
	targets := membersLocked(ch)
	roster := snapshotPresence(ch)
	s.mu.Unlock()

	s.fanOutPresence(targets, transport.WSFrame{
		Op:      transport.WSOpPresence,
		Kind:    transport.WSPresenceJoin,
		Key:     from.key,
		Payload: payload,
		State:   roster,
	})
}

func (s *Server) untrack(from *client) {
	s.mu.Lock()
	ch := s.channels[from.channel]
	if ch == nil {
		s.mu.Unlock()
		return
	}
	payload, tracked := ch.presence[from.key]
	if !tracked {
		s.mu.Unlock()
		return
	}
	delete(ch.presence, from.key)
	targets := membersLocked(ch)
	roster := snapshotPresence(ch)
	s.mu.Unlock()

	s.fanOutPresence(targets, transport.WSFrame{
		Op:      transport.WSOpPresence,
		Kind:    transport.WSPresenceLeave,
		Key:     from.key,
		Payload: payload,
		State:   roster,
	})
}

// dropClient removes a departed connection and, if it still had tracked
// presence, announces the leave on its behalf.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	ch := s.channels[c.channel]
	if ch == nil {
		s.mu.Unlock()
		return
	}
	delete(ch.members, c.id)
	payload, tracked := ch.presence[c.key]
	if tracked {
		delete(ch.presence, c.key)
	}
	if len(ch.members) == 0 {
		delete(s.channels, c.channel)
		s.mu.Unlock()
		return
	}
	targets := membersLocked(ch)
	roster := snapshotPresence(ch)
	s.mu.Unlock()

	if tracked {
		s.fanOutPresence(targets, transport.WSFrame{
			Op:      transport.WSOpPresence,
			Kind:    transport.WSPresenceLeave,
			Key:     c.key,
			Payload: payload,
			State:   roster,
		})
	}
}

// Close disconnects every member and rejects future subscriptions.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*client
	for _, ch := range s.channels {
		all = append(all, membersLocked(ch)...)
	}
	s.channels = make(map[string]*channelState)
	s.mu.Unlock()

	for _, c := range all {
		_ = c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	return nil
}

func (s *Server) channelMembers(name string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[name]
	if ch == nil {
		return nil
	}
	return membersLocked(ch)
}

func (s *Server) fanOutPresence(targets []*client, frame transport.WSFrame) {
	for _, c := range targets {
		s.writeFrame(c, frame)
	}
}

func (s *Server) writeFrame(c *client, frame transport.WSFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		s.logf("relay: marshal frame for %s: %v", c.key, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, raw)
	c.writeMu.Unlock()
	if err != nil {
		s.logf("relay: write to %s on %s: %v", c.key, c.channel, err)
	}
}

func membersLocked(ch *channelState) []*client {
	out := make([]*client, 0, len(ch.members))
	for _, c := range ch.members {
		out = append(out, c)
	}
	return out
}

func snapshotPresence(ch *channelState) map[string][]byte {
	out := make(map[string][]byte, len(ch.presence))
	for key, payload := range ch.presence {
		out[key] = append([]byte(nil), payload...)
	}
	return out
}

func readFrame(ctx context.Context, conn *websocket.Conn) (transport.WSFrame, error) {
	var frame transport.WSFrame
	_, raw, err := conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, err
	}
	return frame, nil
}
