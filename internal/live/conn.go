package live

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed is returned by Send and Read once the socket is gone
	ErrConnClosed = errors.New("live connection closed")

	// ErrQueueFull is returned by Send when the writer cannot keep up
	ErrQueueFull = errors.New("live outbound queue full")
)

// Conn is an open session socket
type Conn interface {
	// Send enqueues one message without blocking
	Send(payload []byte) error
	// Read blocks for the next inbound frame. Text and binary frames are both returned.
	Read() ([]byte, error)
	// Close releases the socket. It is safe to call more than once.
	Close() error
}

// Dialer opens session sockets authenticated with an API key
type Dialer interface {
	Dial(ctx context.Context, apiKey string) (Conn, error)
}

// WebsocketDialer dials the endpoint with gorilla/websocket
type WebsocketDialer struct {
	Endpoint  string
	QueueSize int
	Dialer    *websocket.Dialer
}

// NewWebsocketDialer creates a dialer for endpoint with an outbound queue of queueSize messages
func NewWebsocketDialer(endpoint string, queueSize int) *WebsocketDialer {
	return &WebsocketDialer{
		Endpoint:  endpoint,
		QueueSize: queueSize,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   16384,
			WriteBufferSize:  16384,
		},
	}
}

// Dial implements Dialer
func (d *WebsocketDialer) Dial(ctx context.Context, apiKey string) (Conn, error) {
	wsURL, err := buildURL(d.Endpoint, apiKey)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to speech endpoint: %w", err)
	}

	queueSize := d.QueueSize
	if queueSize <= 0 {
		queueSize = 32
	}
	c := &wsConn{
		conn: ws,
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c, nil
}

func buildURL(endpoint, apiKey string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	} else if strings.HasPrefix(endpoint, "http://") {
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid speech endpoint URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid speech endpoint scheme %q", u.Scheme)
	}
	if apiKey != "" {
		query := u.Query()
		query.Set("key", apiKey)
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrConnClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrConnClosed
			}
			if werr := c.writeErr(); werr != nil {
				return nil, werr
			}
			return nil, fmt.Errorf("failed to read from speech endpoint: %w", err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

func (c *wsConn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.setErr(fmt.Errorf("failed to write to speech endpoint: %w", err))
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *wsConn) writeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}
