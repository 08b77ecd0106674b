package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// mqttSession is the slice of *autopaho.ConnectionManager the Wrapper
// depends on, extracted as an interface so tests can inject a fake
// broker session without a real MQTT connection.
type mqttSession interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error)
	Disconnect(ctx context.Context) error
}

type topicRef struct {
	qos   byte
	count int
}

// Config configures a Wrapper.
type Config struct {
	ClientID  string
	KeepAlive time.Duration
	Username  string
	Password  string

	// QueueDepth bounds the outbound publish queue. Zero or negative
	// falls back to a generous default bound.
	QueueDepth int

	// WillTopic/WillPayload/WillQoS arm the MQTT v5
	// last-will-and-testament the broker publishes if the session dies
	// without a clean DISCONNECT. WillUserProperties ride along as v5
	// user properties on that will publish, so receivers can attribute
	// it like any other message from us.
	WillTopic          string
	WillPayload        []byte
	WillQoS            byte
	WillUserProperties map[string]string

	Logger *slog.Logger
}

// Wrapper owns exactly one MQTT v5 session: it accepts publish
// requests (fire-and-forget and broker-acknowledged), refcounts
// subscriptions per topic, and fans every received publish to the
// single registered inbound callback on its network goroutine.
// Subscriptions survive reconnects; the refcount table is replayed to
// the broker each time the session comes back up.
type Wrapper struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	session mqttSession
	state   State
	subs    map[string]*topicRef

	onMessage func(InboundMessage)

	// dial establishes the underlying MQTT session and arranges for
	// onUp to fire on every connection-up event. Production uses
	// autopaho; tests swap in a fake broker session.
	dial func(ctx context.Context, cfg autopaho.ClientConfig, onUp func(mqttSession)) (mqttSession, error)

	queue    chan OutboundMessage
	queuedWg sync.WaitGroup
	closed   bool
}

// NewWrapper constructs a Wrapper that is not yet connected. onMessage
// is invoked on the wrapper's network goroutine for every received
// publish and must stay cheap; hand off real work to the engine or the
// deliverer.
func NewWrapper(cfg Config, onMessage func(InboundMessage)) *Wrapper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queueSize := cfg.QueueDepth
	if queueSize <= 0 {
		queueSize = 1024
	}

	w := &Wrapper{
		cfg:       cfg,
		logger:    logger,
		subs:      make(map[string]*topicRef),
		onMessage: onMessage,
		dial:      dialAutopaho,
		queue:     make(chan OutboundMessage, queueSize),
	}

	return w
}

func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

func (w *Wrapper) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Connect (re)establishes a session at endpointURL. It blocks until the
// initial handshake completes or the context is done, returning a
// transport error on failure; the caller (Broker Discovery) retries on
// the next endpoint-added event. Connect after a graceful Disconnect
// reopens the outbound queue, so failover between endpoints reuses the
// same Wrapper.
func (w *Wrapper) Connect(ctx context.Context, endpointURL string) error {
	w.setState(StateConnecting)

	u, err := url.Parse(endpointURL)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("transport: invalid broker url: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     uint16(w.cfg.KeepAlive.Seconds()),
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		OnConnectError: func(err error) {
			w.logger.Warn("mqtt connect error", "err", err)
			w.setState(StateReconnecting)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: w.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					w.handlePublish(pr.Packet)
					return true, nil
				},
			},
			OnServerDisconnect: func(_ *paho.Disconnect) {
				w.setState(StateReconnecting)
			},
		},
	}

	if w.cfg.Username != "" {
		cfg.ConnectUsername = w.cfg.Username
		cfg.ConnectPassword = []byte(w.cfg.Password)
	}

	if w.cfg.WillTopic != "" {
		cfg.WillMessage = &paho.WillMessage{
			Topic:   w.cfg.WillTopic,
			Payload: w.cfg.WillPayload,
			QoS:     w.cfg.WillQoS,
		}

		if len(w.cfg.WillUserProperties) > 0 {
			props := &paho.WillProperties{}

			for k, v := range w.cfg.WillUserProperties {
				props.User.Add(k, v)
			}

			cfg.WillProperties = props
		}
	}

	if _, err := w.dial(ctx, cfg, w.handleConnectionUp); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("transport: connect: %w", err)
	}

	w.mu.Lock()

	if w.closed {
		w.closed = false
		w.queue = make(chan OutboundMessage, cap(w.queue))
	}

	w.mu.Unlock()

	w.queuedWg.Add(1)
	go w.runSender()

	return nil
}

// dialAutopaho is the production dialer: it installs onUp as the
// connection-up callback, builds the autopaho connection manager, and
// blocks until the first connection is established.
func dialAutopaho(ctx context.Context, cfg autopaho.ClientConfig, onUp func(mqttSession)) (mqttSession, error) {
	cfg.OnConnectionUp = func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
		onUp(cm)
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, err
	}

	return cm, nil
}

// handleConnectionUp records the live session and replays every
// tracked subscription as wire SUBSCRIBEs. It runs from the
// connection-up callback on every (re)connect, the first included, so
// topics subscribed before a session existed still reach the broker
// the moment one does. The session must be recorded here, not after
// Connect returns: the callback fires as soon as the connection is up,
// and replaying against a not-yet-assigned session would silently
// no-op.
func (w *Wrapper) handleConnectionUp(session mqttSession) {
	w.mu.Lock()
	w.session = session
	w.state = StateConnected
	w.mu.Unlock()

	w.restoreSubscriptions(context.Background())
}

// handlePublish decodes a raw paho.Publish into an InboundMessage and
// forwards it to the registered callback.
func (w *Wrapper) handlePublish(pb *paho.Publish) {
	if w.onMessage == nil {
		return
	}

	msg := InboundMessage{
		Topic:   pb.Topic,
		Payload: pb.Payload,
		QoS:     pb.QoS,
	}

	if pb.Properties != nil {
		msg.UserProperties = make(map[string]string, len(pb.Properties.User))

		for _, prop := range pb.Properties.User {
			msg.UserProperties[prop.Key] = prop.Value
		}

		msg.ResponseTopic = pb.Properties.ResponseTopic
		msg.CorrelationData = pb.Properties.CorrelationData
	}

	w.onMessage(msg)
}

// Subscribe increments the refcount for topic, merging qos as the max
// seen across all contributors, and issues a wire SUBSCRIBE only when
// the topic is new or the merged QoS rose.
func (w *Wrapper) Subscribe(ctx context.Context, topic string, qos byte) error {
	w.mu.Lock()

	ref, exists := w.subs[topic]
	if !exists {
		ref = &topicRef{}
		w.subs[topic] = ref
	}

	prevQoS := ref.qos
	ref.count++

	if qos > ref.qos {
		ref.qos = qos
	}

	needsWire := !exists || ref.qos != prevQoS
	effectiveQoS := ref.qos
	session := w.session

	w.mu.Unlock()

	if !needsWire || session == nil {
		return nil
	}

	_, err := session.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: effectiveQoS, NoLocal: true},
		},
	})

	if err != nil {
		return fmt.Errorf("transport: subscribe %q: %w", topic, err)
	}

	return nil
}

// Unsubscribe decrements the refcount for topic; at zero it issues a
// wire UNSUBSCRIBE and forgets the topic. Calling it for a topic with
// no remaining refcount is a benign no-op.
func (w *Wrapper) Unsubscribe(ctx context.Context, topic string) error {
	w.mu.Lock()

	ref, exists := w.subs[topic]
	if !exists {
		w.mu.Unlock()
		return nil
	}

	ref.count--
	empty := ref.count <= 0

	if empty {
		delete(w.subs, topic)
	}

	session := w.session
	w.mu.Unlock()

	if !empty || session == nil {
		return nil
	}

	_, err := session.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	if err != nil {
		return fmt.Errorf("transport: unsubscribe %q: %w", topic, err)
	}

	return nil
}

// restoreSubscriptions re-issues every tracked subscription after a
// reconnect, so subscriptions survive transient disconnects without
// the engine ever noticing.
func (w *Wrapper) restoreSubscriptions(ctx context.Context) {
	w.mu.Lock()
	session := w.session
	subs := make([]paho.SubscribeOptions, 0, len(w.subs))

	for topic, ref := range w.subs {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: ref.qos, NoLocal: true})
	}

	w.mu.Unlock()

	if session == nil || len(subs) == 0 {
		return
	}

	if _, err := session.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		w.logger.Warn("failed to restore subscriptions after reconnect", "err", err)
	}
}

// PublishAsync enqueues msg and returns immediately. The sender
// goroutine publishes in arrival order, honouring broker-level PUBACK
// at QoS >= 1 before moving on.
func (w *Wrapper) PublishAsync(msg OutboundMessage) error {
	w.mu.Lock()
	closed := w.closed
	queue := w.queue
	w.mu.Unlock()

	if closed {
		return ErrNotConnected
	}

	select {
	case queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// PublishSync publishes msg and blocks until the broker acknowledges it
// or timeout elapses. This is broker-level acknowledgement, not the
// application-level ack/<uuid> control message.
func (w *Wrapper) PublishSync(ctx context.Context, msg OutboundMessage, timeout time.Duration) error {
	w.mu.Lock()
	session := w.session
	w.mu.Unlock()

	if session == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := session.Publish(ctx, toPahoPublish(msg))

	if err != nil {
		if ctx.Err() != nil {
			return ErrTimeout
		}

		return fmt.Errorf("transport: publish: %w", err)
	}

	return nil
}

func (w *Wrapper) runSender() {
	defer w.queuedWg.Done()

	for msg := range w.queue {
		w.mu.Lock()
		session := w.session
		w.mu.Unlock()

		if session == nil {
			continue
		}

		if _, err := session.Publish(context.Background(), toPahoPublish(msg)); err != nil {
			w.logger.Warn("async publish failed", "topic", msg.Topic, "err", err)
		}
	}
}

func toPahoPublish(msg OutboundMessage) *paho.Publish {
	pub := &paho.Publish{
		Topic:   msg.Topic,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
		Payload: msg.Payload,
		Properties: &paho.PublishProperties{
			ResponseTopic:   msg.ResponseTopic,
			CorrelationData: msg.CorrelationData,
		},
	}

	for k, v := range msg.UserProperties {
		pub.Properties.User.Add(k, v)
	}

	return pub
}

// Disconnect gracefully closes the session, draining the outbound
// queue first so messages enqueued before shutdown (session/end
// included) still reach the broker.
func (w *Wrapper) Disconnect(ctx context.Context) error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return nil
	}

	w.closed = true
	session := w.session
	w.mu.Unlock()

	close(w.queue)
	w.queuedWg.Wait()

	w.mu.Lock()
	w.session = nil
	w.state = StateDisconnected
	w.mu.Unlock()

	if session == nil {
		return nil
	}

	return session.Disconnect(ctx)
}
