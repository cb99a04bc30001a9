// Package push is the client side of the live push channel: one WebSocket
// connection per subscribed group, kept alive with pings and re-dialed with
// exponential backoff when it drops.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/groupsync/pkg/auth"
	"github.com/mahaj/groupsync/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10

	sendBuffer = 64

	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
)

var ErrClosed = errors.New("push subscription closed")

// Dialer opens subscriptions against one push endpoint.
type Dialer struct {
	// URL of the WebSocket endpoint, e.g. ws://localhost:5001/ws.
	URL    string
	Tokens auth.TokenSource
	Log    *zap.Logger
	// WS overrides websocket.DefaultDialer.
	WS *websocket.Dialer

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Subscribe attaches to groupID's event stream. The connection is made in the
// background; Ready is closed once the first dial succeeds. Subscribe only
// fails on invalid input.
func (d *Dialer) Subscribe(groupID string, h Handlers) (*Subscription, error) {
	if groupID == "" {
		return nil, errors.New("subscribe: empty group id")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("push url %q: scheme must be ws or wss", d.URL)
	}
	q := u.Query()
	q.Set("group", groupID)
	u.RawQuery = q.Encode()

	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		d:       d,
		groupID: groupID,
		target:  u.String(),
		h:       h,
		log:     log.With(zap.String("group", groupID)),
		cancel:  cancel,
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		send:    make(chan []byte, sendBuffer),
	}
	go s.run(ctx)
	return s, nil
}

// Subscription is a live attachment to one group's events.
type Subscription struct {
	d       *Dialer
	groupID string
	target  string
	h       Handlers
	log     *zap.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once

	// Buffered channel of outbound frames.
	send chan []byte
	// retry holds a frame whose write failed; the next connection sends it
	// first. Only the current writePump touches it.
	retry []byte
}

func (s *Subscription) GroupID() string { return s.groupID }

// Ready is closed after the first successful connection.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Emit queues an event for the other members of the group. Frames queued
// while disconnected are sent after the next reconnect.
func (s *Subscription) Emit(ctx context.Context, typ model.EventType, payload any) error {
	frame, err := Encode(s.groupID, typ, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the subscription and waits for its goroutines. Once Close
// returns no handler of this subscription runs again. It must not be called
// from inside a handler.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.notify(StateClosed)

	minWait, maxWait := s.d.ReconnectMin, s.d.ReconnectMax
	if minWait <= 0 {
		minWait = DefaultReconnectMin
	}
	if maxWait < minWait {
		maxWait = max(DefaultReconnectMax, minWait)
	}
	backoff := minWait
	state := StateConnecting

	for {
		s.notify(state)
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("push_dial_failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxWait)
			state = StateReconnecting
			continue
		}

		backoff = minWait
		s.readyOnce.Do(func() { close(s.ready) })
		s.notify(StateConnected)
		s.log.Info("push_connected")

		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.log.Info("push_disconnected")
		state = StateReconnecting
	}
}

func (s *Subscription) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if err := auth.SetBearer(ctx, header, s.d.Tokens); err != nil {
		return nil, err
	}
	dialer := s.d.WS
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, s.target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", s.target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", s.target, err)
	}
	return conn, nil
}

// serve runs one connection until it breaks or ctx is cancelled.
func (s *Subscription) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, connCtx, conn)
	}()
	s.readPump(connCtx, conn)
	cancel()
	<-writerDone
}

// readPump decodes frames and hands them to the handlers.
func (s *Subscription) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("push_read_failed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("push_frame_malformed", zap.Error(err))
			continue
		}
		if env.GroupID != "" && env.GroupID != s.groupID {
			s.log.Debug("push_frame_other_group", zap.String("frame_group", env.GroupID))
			continue
		}
		if err := s.h.dispatch(env); err != nil {
			s.log.Warn("push_frame_dropped", zap.Error(err))
		}
	}
}

// writePump is the only writer on conn. It closes conn when it returns, which
// also unblocks readPump. connCtx ends with the connection; ctx ends only on
// Close, and only then is the queue flushed. A lost connection leaves queued
// frames for the next one.
func (s *Subscription) writePump(ctx, connCtx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	if s.retry != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, s.retry); err != nil {
			s.log.Warn("push_write_failed", zap.Error(err))
			return
		}
		s.retry = nil
	}
	for {
		select {
		case <-connCtx.Done():
			if ctx.Err() == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
		drain:
			for {
				select {
				case frame := <-s.send:
					if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					break drain
				}
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.send:
			if connCtx.Err() != nil && ctx.Err() == nil {
				s.retry = frame
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Warn("push_write_failed", zap.Error(err))
				s.retry = frame
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Subscription) notify(st State) {
	if s.h.OnState != nil {
		s.h.OnState(st)
	}
}
