package realtime

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

type (
	// Conn is the minimal socket surface the client state machine needs.
	// Production connections are websockets; tests inject fakes.
	Conn interface {
		// ReadMessage blocks until the next inbound frame or an error.
		ReadMessage() ([]byte, error)
		// WriteMessage sends one outbound frame.
		WriteMessage(data []byte) error
		// Close terminates the connection. Safe to call more than once.
		Close() error
	}

	// DialFunc opens a new Conn. The client calls it once per connection
	// attempt; every attempt gets a fresh Conn.
	DialFunc func() (Conn, error)
)

// wsConn wraps a websocket connection with write deadlines and serialized
// writes (the keepalive goroutine and the state machine both transmit).
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(ErrConnectionClosed, err.Error())
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(ErrConnectionClosed, err.Error())
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
	return nil
}

// newWebsocketDialer builds the production DialFunc for cfg's endpoint.
func newWebsocketDialer(cfg Config, logger Logger) DialFunc {
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	logger = logger.WithField("net", "ws_connection")

	return func() (Conn, error) {
		conn, resp, err := dialer.Dial(cfg.URL, cfg.Header)
		if err := handleDialError(resp, err); err != nil {
			logger.Errorf("connection err to %s: %s", cfg.URL, err)
			return nil, err
		}

		logger.Debugf("success opening connection to %s", cfg.URL)

		return &wsConn{conn: conn, writeTimeout: cfg.WriteTimeout}, nil
	}
}

func handleDialError(resp *http.Response, err error) error {
	// HTTP-level rejections first; some deployments rate-limit the upgrade.
	if resp != nil {
		var msg string
		if resp.Body != nil {
			if bts, rerr := io.ReadAll(resp.Body); rerr == nil {
				msg = string(bts)
			}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return errors.Wrap(ErrRateLimit, msg)
		}
	}

	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	return nil
}
