// ABOUTME: WebSocket framing for hub/agent traffic using gorilla/websocket.
// ABOUTME: One JSON frame per text message; used by both the hub listener and the agent dialer.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/tether/internal/protocol"
)

// Defaults for connections created without explicit options.
const (
	DefaultWriteTimeout  = 10 * time.Second
	DefaultMaxFrameBytes = 4 << 20
)

// ErrClosed is returned by operations on a closed stream.
var ErrClosed = errors.New("stream closed")

// Options tunes a WebSocket stream.
type Options struct {
	WriteTimeout  time.Duration
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return o
}

// WebSocket is a frame stream over one websocket connection.
// Send may be called from many goroutines; Recv from one.
type WebSocket struct {
	conn *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an established websocket connection.
func New(conn *websocket.Conn, opts Options) *WebSocket {
	opts = opts.withDefaults()
	conn.SetReadLimit(opts.MaxFrameBytes)
	return &WebSocket{
		conn:   conn,
		opts:   opts,
		closed: make(chan struct{}),
	}
}

// Accept upgrades an HTTP request to a frame stream.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*WebSocket, error) {
	upgrader := websocket.Upgrader{
		// Agents are not browsers; there is no origin to check.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading connection: %w", err)
	}
	return New(conn, opts), nil
}

// Dial connects to a hub websocket endpoint.
func Dial(ctx context.Context, url string, opts Options) (*WebSocket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return New(conn, opts), nil
}

// Send writes one frame with a write deadline.
func (s *WebSocket) Send(f *protocol.Frame) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

// Recv blocks for the next frame. Undecodable messages return an error
// wrapping protocol.ErrMalformedFrame and leave the stream usable.
func (s *WebSocket) Recv() (*protocol.Frame, error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		select {
		case <-s.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected message type %d", protocol.ErrMalformedFrame, msgType)
	}
	return protocol.Decode(data)
}

// Close sends a close message and closes the connection. Safe to call more
// than once.
func (s *WebSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		// WriteControl may run concurrently with a blocked Send.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		err = s.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (s *WebSocket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// IsNormalClose reports whether err is an orderly shutdown rather than a
// transport fault.
func IsNormalClose(err error) bool {
	if errors.Is(err, ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
