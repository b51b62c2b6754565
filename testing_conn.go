package realtime

import (
	"sync"
)

// fakeConn is an in-memory Conn scripted by tests: deliver feeds inbound
// frames, writes are captured for inspection.
type fakeConn struct {
	in chan []byte

	mu      sync.Mutex
	written [][]byte

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 32),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	case data := <-c.in:
		return data, nil
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// deliver feeds one inbound frame to the connection's reader.
func (c *fakeConn) deliver(frame []byte) {
	select {
	case <-c.done:
	case c.in <- frame:
	}
}

// commands decodes every frame written so far.
func (c *fakeConn) commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmds := make([]Command, 0, len(c.written))
	for _, data := range c.written {
		cmd, err := DecodeCommand(data)
		if err != nil {
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// fakeDialer scripts successive dial outcomes for a Client under test. The
// first `failures` dials error out, every later dial hands out a fresh
// fakeConn.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (d *fakeDialer) dial() (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, ErrCannotConnect
	}

	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}
