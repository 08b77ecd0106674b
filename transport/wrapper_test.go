package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is a minimal mqttSession used to exercise the refcount
// and QoS-merge logic without a real broker.
type fakeSession struct {
	mu          sync.Mutex
	subscribes  []paho.Subscribe
	unsubs      []paho.Unsubscribe
	publishes   []paho.Publish
}

func (f *fakeSession) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, *p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeSession) Subscribe(_ context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, *s)
	return &paho.Suback{}, nil
}

func (f *fakeSession) Unsubscribe(_ context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, *u)
	return &paho.Unsuback{}, nil
}

func (f *fakeSession) Disconnect(_ context.Context) error {
	return nil
}

func newTestWrapper(session mqttSession) *Wrapper {
	w := NewWrapper(Config{}, nil)
	w.session = session
	w.state = StateConnected

	return w
}

func TestSubscribeIdempotentRefcount(t *testing.T) {
	fake := &fakeSession{}
	w := newTestWrapper(fake)
	ctx := context.Background()

	require.NoError(t, w.Subscribe(ctx, "t/a", 0))
	require.NoError(t, w.Subscribe(ctx, "t/a", 0))
	require.NoError(t, w.Subscribe(ctx, "t/a", 0))

	require.NoError(t, w.Unsubscribe(ctx, "t/a"))
	require.NoError(t, w.Unsubscribe(ctx, "t/a"))
	require.NoError(t, w.Unsubscribe(ctx, "t/a"))

	assert.Len(t, fake.subscribes, 1, "exactly one wire SUBSCRIBE for three subscribe calls")
	assert.Len(t, fake.unsubs, 1, "exactly one wire UNSUBSCRIBE once refcount reaches zero")
}

func TestSubscribeResubscribesOnlyWhenQoSRises(t *testing.T) {
	fake := &fakeSession{}
	w := newTestWrapper(fake)
	ctx := context.Background()

	require.NoError(t, w.Subscribe(ctx, "t/b", 0))
	require.NoError(t, w.Subscribe(ctx, "t/b", 1)) // raises effective QoS 0 -> 1
	require.NoError(t, w.Unsubscribe(ctx, "t/b"))  // one contributor left, still qos 1

	require.Len(t, fake.subscribes, 2)
	assert.Equal(t, byte(0), fake.subscribes[0].Subscriptions[0].QoS)
	assert.Equal(t, byte(1), fake.subscribes[1].Subscriptions[0].QoS)
	assert.Empty(t, fake.unsubs, "removing one of two contributors must not unsubscribe")
}

func TestUnsubscribeUnknownTopicIsNoop(t *testing.T) {
	fake := &fakeSession{}
	w := newTestWrapper(fake)

	require.NoError(t, w.Unsubscribe(context.Background(), "never/subscribed"))
	assert.Empty(t, fake.unsubs)
}

// fakeDial stands in for the autopaho dialer: it fires the
// connection-up hook with a fake session the way autopaho does once
// the handshake completes, so Connect's session-recording and
// subscription-replay ordering is exercised without a broker.
func fakeDial(session mqttSession) func(context.Context, autopaho.ClientConfig, func(mqttSession)) (mqttSession, error) {
	return func(_ context.Context, _ autopaho.ClientConfig, onUp func(mqttSession)) (mqttSession, error) {
		onUp(session)
		return session, nil
	}
}

// Topics subscribed before any session exists must be replayed as wire
// SUBSCRIBEs on the very first connect, not only on reconnects: the
// engine records all its control-topic subscriptions at start, long
// before discovery triggers the first Connect.
func TestConnectWireSubscribesTopicsRecordedBeforeConnect(t *testing.T) {
	fake := &fakeSession{}
	w := NewWrapper(Config{}, nil)
	w.dial = fakeDial(fake)
	ctx := context.Background()

	require.NoError(t, w.Subscribe(ctx, "ctl/handler/add", 0))
	require.NoError(t, w.Subscribe(ctx, "ctl/ack/self", 1))
	assert.Empty(t, fake.subscribes, "no wire traffic before a session exists")

	require.NoError(t, w.Connect(ctx, "mqtt://127.0.0.1:1883"))

	require.Len(t, fake.subscribes, 1, "one replay SUBSCRIBE carrying every recorded topic")

	got := map[string]byte{}

	for _, s := range fake.subscribes[0].Subscriptions {
		got[s.Topic] = s.QoS
	}

	assert.Equal(t, map[string]byte{"ctl/handler/add": 0, "ctl/ack/self": 1}, got)
	assert.Equal(t, StateConnected, w.State())
}

// A subscription made after Connect goes straight to the wire against
// the session the connection-up callback recorded.
func TestConnectRecordsSessionForLaterSubscribes(t *testing.T) {
	fake := &fakeSession{}
	w := NewWrapper(Config{}, nil)
	w.dial = fakeDial(fake)
	ctx := context.Background()

	require.NoError(t, w.Connect(ctx, "mqtt://127.0.0.1:1883"))
	require.NoError(t, w.Subscribe(ctx, "t/a", 1))

	require.Len(t, fake.subscribes, 1)
	assert.Equal(t, "t/a", fake.subscribes[0].Subscriptions[0].Topic)
}

func TestPublishAsyncQueueFull(t *testing.T) {
	fake := &fakeSession{}
	w := NewWrapper(Config{QueueDepth: 1}, nil)
	w.session = fake

	require.NoError(t, w.PublishAsync(OutboundMessage{Topic: "a"}))
	// Second enqueue with no sender goroutine draining must report QueueFull.
	err := w.PublishAsync(OutboundMessage{Topic: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
}
