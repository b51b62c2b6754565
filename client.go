package realtime

import (
	"net/http"
	"sync"
	"time"
)

const (
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// Config carries the client's endpoint and timing knobs. Zero durations
// fall back to the defaults above.
type Config struct {
	// URL is the websocket endpoint, e.g. "wss://host/ws". Mandatory.
	URL string
	// Header is sent with the upgrade request on every (re)connect.
	Header http.Header

	// HeartbeatTimeout is how long the client tolerates silence from the
	// server before it declares the connection dead and reconnects.
	HeartbeatTimeout time.Duration
	// KeepAliveInterval is how often the client sends a ping command.
	KeepAliveInterval time.Duration

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Validate fails fast on configuration that can never work.
func (c Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

type ClientOption func(*Client)

func WithClientLogger(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.WithField("component", "realtime_client")
	}
}

// WithDialFunc overrides how the client opens sockets. Tests inject fakes
// through this.
func WithDialFunc(dial DialFunc) ClientOption {
	return func(c *Client) {
		c.dial = dial
	}
}

// Client keeps one shared, auto-reconnecting, multiplexed subscribe socket
// alive. Many independent call sites may request the connection: the
// socket opens on the first Connect and closes when the last requester
// calls Disconnect.
//
// All shared state lives behind one mutex; socket callbacks and timers
// serialize through it. State and message listeners are invoked
// synchronously, so they must not call back into the Client from the same
// goroutine.
type Client struct {
	cfg    Config
	logger Logger
	dial   DialFunc
	delays delayPolicy

	mu          sync.Mutex
	state       ConnectionState
	refs        int
	intentional bool
	// gen identifies the current connection attempt. Timer and socket
	// callbacks carry the gen they were armed under; a mismatch means a
	// superseded connection and the callback is a no-op.
	gen            int
	conn           Conn
	channels       map[string]struct{}
	reconnectTimer *time.Timer
	heartbeatTimer *time.Timer
	keepAliveStop  chan struct{}

	msgListeners   *listenerList[Message]
	stateListeners *listenerList[ConnectionState]
}

// NewClient builds a client for cfg. It does not connect; construct once
// at application start and inject into consumers.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:            cfg,
		logger:         NewNopLogger(),
		state:          StateDisconnected,
		channels:       make(map[string]struct{}),
		msgListeners:   newListenerList[Message](),
		stateListeners: newListenerList[ConnectionState](),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.dial == nil {
		c.dial = newWebsocketDialer(cfg, c.logger)
	}
	c.delays = newExponentialDelayPolicy(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffMultiplier)

	return c, nil
}

// Connect registers one more requester. The first requester triggers the
// actual dial; later calls share the existing socket.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs++
	if c.refs > 1 {
		return
	}

	c.intentional = false
	c.gen++
	c.setStateLocked(StateConnecting)
	go c.open(c.gen)
}

// Disconnect releases one requester. When the last requester releases, any
// pending reconnect is suppressed, all timers are cancelled, the socket is
// closed and the state moves to disconnected. Extra calls are no-ops; the
// reference count never goes negative.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}

	c.intentional = true
	c.gen++
	c.stopTimersLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setStateLocked(StateDisconnected)
}

// Subscribe adds channel to the desired set. Idempotent. While connected
// the subscribe command is transmitted immediately; otherwise the desired
// set alone is updated and replayed on the next successful connect.
func (c *Client) Subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.channels[channel]; ok {
		return
	}
	c.channels[channel] = struct{}{}

	if c.state == StateConnected {
		c.transmitLocked(SubscribeCommand(channel))
	}
}

// Unsubscribe removes channel from the desired set. Idempotent.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.channels[channel]; !ok {
		return
	}
	delete(c.channels, channel)

	if c.state == StateConnected {
		c.transmitLocked(UnsubscribeCommand(channel))
	}
}

// OnMessage registers a listener for every valid inbound frame. Listeners
// run in registration order, once per frame. The returned function
// unregisters.
func (c *Client) OnMessage(fn func(Message)) func() {
	return c.msgListeners.add(fn)
}

// OnStateChange registers a state listener. The current state is delivered
// immediately, then every transition in order until unregistered.
func (c *Client) OnStateChange(fn func(ConnectionState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	remove := c.stateListeners.add(fn)
	safeInvoke(c.logger, fn, c.state)
	return remove
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setStateLocked(next ConnectionState) {
	if c.state == next {
		return
	}
	c.logger.Debugf("state %s -> %s", c.state, next)
	c.state = next
	c.stateListeners.dispatch(c.logger, next)
}

func (c *Client) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.keepAliveStop != nil {
		close(c.keepAliveStop)
		c.keepAliveStop = nil
	}
}

func (c *Client) transmitLocked(cmd Command) {
	if c.conn == nil {
		return
	}
	data, err := EncodeCommand(cmd)
	if err != nil {
		c.logger.Errorf("cannot encode command: %s", err)
		return
	}
	if err := c.conn.WriteMessage(data); err != nil {
		// The read loop will observe the broken socket and reconnect.
		c.logger.Errorf("write failed: %s", err)
	}
}

// open dials and, on success, wires the connection up. Runs outside the
// lock while dialing so Disconnect stays responsive mid-connect.
func (c *Client) open(gen int) {
	conn, err := c.dial()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.intentional {
		// Superseded while dialing. Nothing owns this socket anymore.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		c.logger.Errorf("dial failed: %s", err)
		c.scheduleReconnectLocked()
		return
	}

	c.conn = conn
	c.delays.Reset()
	c.setStateLocked(StateConnected)

	// The desired-channel set is authoritative: replay it wholesale on
	// every successful connect so no subscription drops across reconnects.
	for channel := range c.channels {
		c.transmitLocked(SubscribeCommand(channel))
	}

	c.armHeartbeatTimerLocked(gen)

	stop := make(chan struct{})
	c.keepAliveStop = stop
	go c.keepAlive(conn, stop)
	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.onConnClosed(gen, err)
			return
		}

		msg, derr := DecodeMessage(data)
		if derr != nil {
			// Malformed and forward-incompatible frames are a no-op.
			c.logger.Debugf("dropping inbound frame: %s", derr)
			continue
		}

		if msg.MessageKind() == KindHeartbeat {
			c.mu.Lock()
			if gen == c.gen {
				c.armHeartbeatTimerLocked(gen)
			}
			c.mu.Unlock()
		}

		c.msgListeners.dispatch(c.logger, msg)
	}
}

// armHeartbeatTimerLocked (re)starts the liveness timer. When it fires the
// socket is force-closed: a connection that stopped receiving heartbeats
// is dead even if the transport has not noticed yet.
func (c *Client) armHeartbeatTimerLocked(gen int) {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	c.heartbeatTimer = time.AfterFunc(c.cfg.HeartbeatTimeout, func() {
		c.mu.Lock()
		if gen != c.gen || c.conn == nil {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.mu.Unlock()

		c.logger.Warnf("no heartbeat within %s, forcing reconnect", c.cfg.HeartbeatTimeout)
		_ = conn.Close()
	})
}

func (c *Client) keepAlive(conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	frame, err := EncodeCommand(PingCommand())
	if err != nil {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(frame); err != nil {
				return
			}
		}
	}
}

func (c *Client) onConnClosed(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	c.stopTimersLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	if c.intentional {
		return
	}

	c.logger.Infof("connection lost: %s", err)
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	c.setStateLocked(StateReconnecting)

	delay := c.delays.Next()
	gen := c.gen
	c.logger.Infof("reconnecting in %s", delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if gen != c.gen || c.intentional {
			return
		}

		c.reconnectTimer = nil
		c.gen++
		c.setStateLocked(StateConnecting)
		go c.open(c.gen)
	})
}
