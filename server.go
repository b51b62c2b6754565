package realtime

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendBuffer        = 64
	DefaultReadLimit         = 1 << 20

	serverWriteTimeout = 10 * time.Second
)

type ServerOption func(*Server)

// WithHeartbeatInterval sets how often the heartbeat frame is broadcast to
// all connections.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.heartbeatInterval = d
	}
}

// WithSendBuffer sets the per-connection outbound buffer. A connection
// whose buffer is full drops frames instead of blocking the fan-out.
func WithSendBuffer(n int) ServerOption {
	return func(s *Server) {
		s.sendBuffer = n
	}
}

func WithReadLimit(n int64) ServerOption {
	return func(s *Server) {
		s.readLimit = n
	}
}

func WithServerLogger(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.WithField("component", "realtime_server")
	}
}

// WithMetricsRegistry sets the Prometheus registry for the broadcast
// metrics. Default: prometheus.DefaultRegisterer.
func WithMetricsRegistry(reg prometheus.Registerer) ServerOption {
	return func(s *Server) {
		s.registry = reg
	}
}

// serverConn is the broadcast layer's view of one connection: an id, room
// memberships held by the room manager, and a bounded outbound buffer
// drained by the write pump.
type serverConn struct {
	id     string
	logger Logger
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newServerConn(id string, logger Logger, buffer int) *serverConn {
	return &serverConn{
		id:     id,
		logger: logger.WithField("conn", id),
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump without ever blocking the
// caller. Returns false when the connection is gone or its buffer is full.
func (c *serverConn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Server is the broadcast layer. It accepts websocket connections, maps
// each onto zero or more rooms driven by subscribe/unsubscribe frames, and
// fans published messages out to exactly the members of the named room. A
// recurring heartbeat goes to every connection regardless of membership.
type Server struct {
	logger            Logger
	heartbeatInterval time.Duration
	sendBuffer        int
	readLimit         int64
	registry          prometheus.Registerer

	upgrader websocket.FastHTTPUpgrader
	metrics  *serverMetrics
	rooms    *roomManager

	mu    sync.RWMutex
	conns map[string]*serverConn

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer builds a broadcast layer and starts its heartbeat loop.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:            NewNopLogger(),
		heartbeatInterval: DefaultHeartbeatInterval,
		sendBuffer:        DefaultSendBuffer,
		readLimit:         DefaultReadLimit,
		conns:             make(map[string]*serverConn),
		done:              make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.metrics = newServerMetrics(s.registry)
	s.rooms = newRoomManager(s.metrics)
	s.upgrader = websocket.FastHTTPUpgrader{
		CheckOrigin: func(_ *fasthttp.RequestCtx) bool { return true },
	}

	go s.heartbeatLoop()

	return s
}

// Handler returns the fasthttp handler performing the websocket upgrade.
// Mount it on the single well-known transport path, e.g. "/ws".
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		err := s.upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
			s.serve(ws)
		})
		if err != nil {
			s.logger.Errorf("websocket upgrade failed: %s", err)
		}
	}
}

// Publish fans msg out to every connection currently joined to the
// channel's room; connections not joined never receive it. Fire and
// forget: no acknowledgment, no retry, nothing is kept when the room is
// empty.
func (s *Server) Publish(channel string, msg Message) {
	frame, err := EncodeMessage(msg)
	if err != nil {
		s.logger.Errorf("cannot encode %q frame for %s: %s", msg.MessageKind(), channel, err)
		return
	}

	s.metrics.published.Inc()
	delivered, dropped := s.rooms.broadcast(channel, frame)
	s.metrics.delivered.Add(float64(delivered))
	if dropped > 0 {
		s.metrics.dropped.Add(float64(dropped))
		s.logger.Warnf("dropped %d frames on %s: slow consumers", dropped, channel)
	}
}

// Close stops the heartbeat loop and terminates every connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		conns := make([]*serverConn, 0, len(s.conns))
		for _, conn := range s.conns {
			conns = append(conns, conn)
		}
		s.conns = make(map[string]*serverConn)
		s.mu.Unlock()

		for _, conn := range conns {
			conn.close()
		}
	})
}

func (s *Server) serve(ws *websocket.Conn) {
	conn := newServerConn(uuid.NewString(), s.logger, s.sendBuffer)
	if err := s.register(conn); err != nil {
		_ = ws.Close()
		return
	}

	conn.logger.Debugf("connection opened")
	defer func() {
		s.unregister(conn)
		_ = ws.Close()
		conn.logger.Debugf("connection closed")
	}()

	go s.writePump(ws, conn)
	s.readPump(ws, conn)
}

func (s *Server) register(conn *serverConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrServerClosed
	default:
	}

	s.conns[conn.id] = conn
	s.metrics.connections.Inc()
	return nil
}

func (s *Server) unregister(conn *serverConn) {
	s.mu.Lock()
	_, ok := s.conns[conn.id]
	delete(s.conns, conn.id)
	s.mu.Unlock()

	s.rooms.leaveAll(conn.id)
	conn.close()
	if ok {
		s.metrics.connections.Dec()
	}
}

func (s *Server) readPump(ws *websocket.Conn, conn *serverConn) {
	ws.SetReadLimit(s.readLimit)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			conn.close()
			return
		}

		cmd, derr := DecodeCommand(data)
		if derr != nil {
			s.metrics.invalidFrames.Inc()
			conn.logger.Debugf("dropping command: %s", derr)
			continue
		}

		s.handleCommand(conn, cmd)
	}
}

func (s *Server) handleCommand(conn *serverConn, cmd Command) {
	switch cmd.Action {
	case actionSubscribe:
		s.rooms.join(cmd.Channel, conn)
	case actionUnsubscribe:
		s.rooms.leave(cmd.Channel, conn.id)
	case actionJoinEvent:
		// Legacy frame shape; joins the per-event room directly.
		s.rooms.join(EventChannel(cmd.EventID), conn)
	case actionPing:
		// Receipt alone is the keepalive; nothing to send back.
	}
}

func (s *Server) writePump(ws *websocket.Conn, conn *serverConn) {
	for {
		select {
		case <-conn.done:
			deadline := time.Now().Add(time.Second)
			_ = ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline,
			)
			return
		case frame := <-conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(serverWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.broadcastHeartbeat(now)
		}
	}
}

// broadcastHeartbeat sends the liveness frame to all connections,
// independent of room membership.
func (s *Server) broadcastHeartbeat(now time.Time) {
	frame, err := EncodeMessage(NewHeartbeat(now))
	if err != nil {
		return
	}

	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		if !conn.enqueue(frame) {
			s.metrics.dropped.Inc()
		}
	}
}
