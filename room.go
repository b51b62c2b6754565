package realtime

import (
	"sync"
)

// room is the set of connections currently joined to one channel.
type room struct {
	name    string
	members map[string]*serverConn

	// fanMu serializes fan-out so every member sees publishes to this
	// channel in the order Publish was called.
	fanMu sync.Mutex
}

func newRoom(name string) *room {
	return &room{name: name, members: make(map[string]*serverConn)}
}

// roomManager owns the channel-to-room mapping. Rooms are created lazily
// on first join and removed when their last member leaves.
type roomManager struct {
	metrics *serverMetrics

	mu    sync.RWMutex
	rooms map[string]*room
}

func newRoomManager(metrics *serverMetrics) *roomManager {
	return &roomManager{
		metrics: metrics,
		rooms:   make(map[string]*room),
	}
}

// join adds conn to the channel's room. Idempotent.
func (m *roomManager) join(channel string, conn *serverConn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[channel]
	if !ok {
		r = newRoom(channel)
		m.rooms[channel] = r
		m.metrics.rooms.Inc()
	}
	r.members[conn.id] = conn
}

// leave removes the connection from the channel's room. Leaving a room it
// never joined is a no-op.
func (m *roomManager) leave(channel, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[channel]
	if !ok {
		return
	}
	delete(r.members, connID)
	if len(r.members) == 0 {
		delete(m.rooms, channel)
		m.metrics.rooms.Dec()
	}
}

// leaveAll removes the connection from every room it had joined.
func (m *roomManager) leaveAll(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for channel, r := range m.rooms {
		if _, ok := r.members[connID]; !ok {
			continue
		}
		delete(r.members, connID)
		if len(r.members) == 0 {
			delete(m.rooms, channel)
			m.metrics.rooms.Dec()
		}
	}
}

func (m *roomManager) contains(channel, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[channel]
	if !ok {
		return false
	}
	_, ok = r.members[connID]
	return ok
}

func (m *roomManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// broadcast enqueues frame to every current member of the channel's room.
// Best effort: members whose write buffer is full are skipped rather than
// allowed to block the fan-out of other members.
func (m *roomManager) broadcast(channel string, frame []byte) (delivered, dropped int) {
	m.mu.RLock()
	r, ok := m.rooms[channel]
	m.mu.RUnlock()
	if !ok {
		return 0, 0
	}

	r.fanMu.Lock()
	defer r.fanMu.Unlock()

	m.mu.RLock()
	members := make([]*serverConn, 0, len(r.members))
	for _, conn := range r.members {
		members = append(members, conn)
	}
	m.mu.RUnlock()

	for _, conn := range members {
		if conn.enqueue(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
