package realtime

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClientConfig() Config {
	return Config{
		URL:               "ws://localhost/ws",
		HeartbeatTimeout:  200 * time.Millisecond,
		KeepAliveInterval: 25 * time.Millisecond,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        40 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeDialer) {
	t.Helper()

	dialer := newFakeDialer()
	client, err := NewClient(cfg,
		WithDialFunc(dialer.dial),
		WithClientLogger(NewWriterLogger(io.Discard)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		for client.State() != StateDisconnected {
			client.Disconnect()
		}
	})

	return client, dialer
}

func waitState(t *testing.T, c *Client, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == want
	}, 2*time.Second, time.Millisecond, "want state %s, got %s", want, c.State())
}

func channelsOf(cmds []Command, action string) []string {
	var channels []string
	for _, cmd := range cmds {
		if cmd.Action == action {
			channels = append(channels, cmd.Channel)
		}
	}
	return channels
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrMissingURL)
}

func TestClientRefCountedLifecycle(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	client.Connect()
	waitState(t, client, StateConnected)
	require.Equal(t, 1, dialer.dialCount())

	// Second requester shares the socket.
	client.Connect()
	require.Equal(t, 1, dialer.dialCount())

	// One of two requesters releasing keeps the socket open.
	client.Disconnect()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateConnected, client.State())
	assert.False(t, dialer.conn(0).closed())

	// Last requester closes it.
	client.Disconnect()
	assert.Equal(t, StateDisconnected, client.State())
	require.Eventually(t, dialer.conn(0).closed, time.Second, time.Millisecond)
}

func TestClientDisconnectNeverGoesNegative(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	// Releasing a never-requested connection is a no-op.
	client.Disconnect()
	client.Disconnect()
	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, 0, dialer.dialCount())

	// A single Connect afterwards still opens the socket: the earlier
	// surplus releases did not drive the count negative.
	client.Connect()
	waitState(t, client, StateConnected)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClientStateListenerObservesEveryTransition(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	var mu sync.Mutex
	var states []ConnectionState
	snapshot := func() []ConnectionState {
		mu.Lock()
		defer mu.Unlock()
		return append([]ConnectionState(nil), states...)
	}

	remove := client.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	// Registration delivers the current state immediately.
	require.Equal(t, []ConnectionState{StateDisconnected}, snapshot())

	client.Connect()
	waitState(t, client, StateConnected)
	require.Equal(t,
		[]ConnectionState{StateDisconnected, StateConnecting, StateConnected},
		snapshot(),
	)

	// A dropped socket produces reconnecting -> connecting -> connected,
	// none skipped or coalesced.
	_ = dialer.conn(0).Close()
	require.Eventually(t, func() bool {
		return len(snapshot()) >= 6 && client.State() == StateConnected
	}, 2*time.Second, time.Millisecond)
	require.Equal(t,
		[]ConnectionState{
			StateDisconnected, StateConnecting, StateConnected,
			StateReconnecting, StateConnecting, StateConnected,
		},
		snapshot(),
	)

	// After removal no further transitions are observed.
	remove()
	before := len(snapshot())
	client.Disconnect()
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, snapshot(), before)
}

func TestClientReplaysSubscriptionsOnReconnect(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	client.Connect()
	waitState(t, client, StateConnected)

	client.Subscribe(ChannelEventsList)
	client.Subscribe(EventChannel("evt-1"))
	require.Eventually(t, func() bool {
		return len(channelsOf(dialer.conn(0).commands(), actionSubscribe)) == 2
	}, time.Second, time.Millisecond)

	// Keep the client offline for a few backoff rounds so the desired set
	// can change while no socket exists.
	dialer.failNext(3)
	_ = dialer.conn(0).Close()
	require.Eventually(t, func() bool {
		return client.State() != StateConnected
	}, time.Second, time.Millisecond)

	client.Unsubscribe(EventChannel("evt-1"))

	waitState(t, client, StateConnected)
	require.Equal(t, 2, dialer.connCount())

	replayed := channelsOf(dialer.conn(1).commands(), actionSubscribe)
	assert.Equal(t, []string{ChannelEventsList}, replayed,
		"only the current desired set is replayed, exactly once per channel")
	assert.Empty(t, channelsOf(dialer.conn(1).commands(), actionUnsubscribe))
}

func TestClientSubscribeBeforeConnect(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	// While disconnected only local desired state changes; nothing is
	// transmitted on a closed socket.
	client.Subscribe(ChannelEventsList)
	require.Equal(t, 0, dialer.dialCount())

	client.Connect()
	waitState(t, client, StateConnected)
	require.Eventually(t, func() bool {
		subs := channelsOf(dialer.conn(0).commands(), actionSubscribe)
		return len(subs) == 1 && subs[0] == ChannelEventsList
	}, time.Second, time.Millisecond)
}

func TestClientSubscribeIsIdempotent(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	client.Connect()
	waitState(t, client, StateConnected)

	client.Subscribe(ChannelEventsList)
	client.Subscribe(ChannelEventsList)
	client.Unsubscribe("never-joined")

	time.Sleep(30 * time.Millisecond)
	cmds := dialer.conn(0).commands()
	assert.Len(t, channelsOf(cmds, actionSubscribe), 1)
	assert.Empty(t, channelsOf(cmds, actionUnsubscribe))
}

func TestClientHeartbeatKeepsConnectionAlive(t *testing.T) {
	cfg := testClientConfig()
	cfg.HeartbeatTimeout = 120 * time.Millisecond
	client, dialer := newTestClient(t, cfg)

	client.Connect()
	waitState(t, client, StateConnected)

	// Regular heartbeats reset the liveness timer well past its window.
	for i := 0; i < 8; i++ {
		frame, err := EncodeMessage(NewHeartbeat(time.Now()))
		require.NoError(t, err)
		dialer.conn(0).deliver(frame)
		time.Sleep(30 * time.Millisecond)
	}

	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClientHeartbeatTimeoutForcesReconnect(t *testing.T) {
	cfg := testClientConfig()
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	client, dialer := newTestClient(t, cfg)

	var mu sync.Mutex
	sawReconnecting := false
	client.OnStateChange(func(s ConnectionState) {
		if s == StateReconnecting {
			mu.Lock()
			sawReconnecting = true
			mu.Unlock()
		}
	})

	client.Connect()
	waitState(t, client, StateConnected)

	// No heartbeats arrive and the transport reports no error; the client
	// must still notice and reconnect on its own.
	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 2
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, dialer.conn(0).closed, time.Second, time.Millisecond)

	waitState(t, client, StateConnected)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawReconnecting)
}

func TestClientDispatchesValidFramesInOrder(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	var mu sync.Mutex
	var order []string
	removeFirst := client.OnMessage(func(Message) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	client.OnMessage(func(Message) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	client.Connect()
	waitState(t, client, StateConnected)

	frame, err := EncodeMessage(NewEventUpdated(ChannelEventsList, "evt-1", map[string]any{"title": "t"}))
	require.NoError(t, err)
	dialer.conn(0).deliver(frame)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()

	removeFirst()
	dialer.conn(0).deliver(frame)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, "second", order[2])
	mu.Unlock()
}

func TestClientDropsMalformedInbound(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	var mu sync.Mutex
	var received []Message
	client.OnMessage(func(m Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})

	client.Connect()
	waitState(t, client, StateConnected)

	// A bad frame must not crash the client nor reach any listener.
	dialer.conn(0).deliver([]byte(`{`))
	dialer.conn(0).deliver([]byte(`{"kind":"mystery"}`))

	frame, err := EncodeMessage(NewEventCreated(ChannelEventsList, "evt-7"))
	require.NoError(t, err)
	dialer.conn(0).deliver(frame)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, NewEventCreated(ChannelEventsList, "evt-7"), received[0])
	mu.Unlock()
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClientKeepAliveSendsPings(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	client.Connect()
	waitState(t, client, StateConnected)

	require.Eventually(t, func() bool {
		for _, cmd := range dialer.conn(0).commands() {
			if cmd.Action == actionPing {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestClientDisconnectCancelsPendingReconnect(t *testing.T) {
	client, dialer := newTestClient(t, testClientConfig())

	dialer.failNext(1000)
	client.Connect()

	// Let the client enter the backoff loop.
	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 2
	}, 2*time.Second, time.Millisecond)

	client.Disconnect()
	assert.Equal(t, StateDisconnected, client.State())

	// A dial already in flight when Disconnect ran may still land; give it
	// a moment to settle before asserting quiescence.
	time.Sleep(50 * time.Millisecond)
	dials := dialer.dialCount()
	// Longer than the backoff cap: an orphaned timer would have fired.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount())
	assert.Equal(t, StateDisconnected, client.State())
}
