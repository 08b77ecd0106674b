// Package earpm implements the Event Admin Remote Provider over MQTT: a
// distributed publish/subscribe bridge that transports local event-admin
// events between cooperating processes over an MQTT v5 broker.
//
// The package root holds the Remote Provider Engine, the protocol core
// tying together the MQTT Client Wrapper (earpm/transport), the Event
// Deliverer (earpm/deliverer), Broker Discovery (earpm/discovery) and
// the control-message codec (earpm/codec).
package earpm

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/eventadmin/earpm/codec"
	"github.com/eventadmin/earpm/contract"
	"github.com/eventadmin/earpm/deliverer"
	"github.com/eventadmin/earpm/transport"
	"github.com/google/uuid"
)

// Event properties an event may carry to influence how it travels.
const (
	// PropertyQoS overrides the configured default QoS for one event.
	// Must parse to 0, 1, or 2.
	PropertyQoS = "celix.event.remote.qos"
	// PropertyExpiryInterval overrides the default sync-send deadline,
	// in seconds.
	PropertyExpiryInterval = "celix.event.remote.expiryInterval"
	// PropertyRetain marks the event's MQTT publish as retained when
	// set to "true". Defaults to non-retained.
	PropertyRetain = "celix.event.remote.retain"
)

// wrapper is the slice of transport.Wrapper the Provider depends on,
// extracted as an interface for the same reason transport.mqttSession
// is: unit tests substitute a fake without a real broker.
type wrapper interface {
	Subscribe(ctx context.Context, topic string, qos byte) error
	Unsubscribe(ctx context.Context, topic string) error
	PublishAsync(msg transport.OutboundMessage) error
	PublishSync(ctx context.Context, msg transport.OutboundMessage, timeout time.Duration) error
}

// Provider is the Remote Provider Engine. It exclusively owns the
// local-handler, subscription, and remote-framework maps behind one
// coarse lock; the MQTT session belongs to the wrapper and the delivery
// queue to the deliverer, each reached only through their submit APIs.
type Provider struct {
	cfg    Config
	self   uuid.UUID
	logger *slog.Logger

	wrapper    wrapper
	deliverer  *deliverer.Deliverer
	eventAdmin contract.EventAdmin

	mu        sync.Mutex
	handlers  map[uint64]LocalHandlerEntry
	subs      map[string]*Subscription
	framework map[uuid.UUID]*RemoteFrameworkEntry

	pending *pendingSyncStore

	stopOnce sync.Once
	stopc    chan struct{}
	wg       sync.WaitGroup
}

// NewProvider constructs a Provider bound to w (its MQTT Client
// Wrapper) and d (its Event Deliverer). self is this framework's UUID,
// advertised as SENDER_UUID on every outbound control and data message.
func NewProvider(cfg Config, self uuid.UUID, w wrapper, d *deliverer.Deliverer) (*Provider, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		cfg:       cfg,
		self:      self,
		logger:    cfg.Logger,
		wrapper:   w,
		deliverer: d,
		handlers:  make(map[uint64]LocalHandlerEntry),
		subs:      make(map[string]*Subscription),
		framework: make(map[uuid.UUID]*RemoteFrameworkEntry),
		pending:   newPendingSyncStore(cfg.HandlerQueryInterval),
		stopc:     make(chan struct{}),
	}

	return p, nil
}

// SetEventAdmin wires the host's local delivery sink. Until called,
// inbound data events are dropped with a logged warning.
func (p *Provider) SetEventAdmin(admin contract.EventAdmin) {
	p.mu.Lock()
	p.eventAdmin = admin
	p.mu.Unlock()
}

// DeliverLocal implements deliverer.EventAdmin by forwarding to the
// host's injected sink, if any.
func (p *Provider) DeliverLocal(ctx context.Context, handlerID uint64, topic string, props map[string]string) {
	p.mu.Lock()
	admin := p.eventAdmin
	p.mu.Unlock()

	if admin == nil {
		p.logger.Warn("dropping inbound event, no event admin set", "topic", topic, "handler", handlerID)
		return
	}

	admin.DeliverLocal(ctx, handlerID, topic, props)
}

// Start subscribes to the control topics, publishes an initial
// handler/query so existing peers reconcile us immediately, and
// launches the periodic housekeeping goroutine. The wrapper records
// subscriptions before the session is up and replays them on connect,
// so Start does not depend on broker availability.
func (p *Provider) Start() {
	p.subscribeControlTopics(context.Background())
	p.publishHandlerQuery()

	p.wg.Add(1)
	go p.housekeeping()
}

func (p *Provider) subscribeControlTopics(ctx context.Context) {
	subs := []struct {
		name string
		qos  QoS
	}{
		{"handler/add", QoSAtMostOnce},
		{"handler/remove", QoSAtLeastOnce},
		{"handler/update", QoSAtMostOnce},
		{"handler/query", QoSAtLeastOnce},
		{"session/end", QoSAtLeastOnce},
		{"ack/" + p.self.String(), QoSAtLeastOnce},
	}

	for _, s := range subs {
		if err := p.wrapper.Subscribe(ctx, p.cfg.ControlTopicPrefix+s.name, byte(s.qos)); err != nil {
			p.logger.Warn("control topic subscribe failed", "topic", s.name, "err", err)
		}
	}
}

// Stop cancels every pending sync wait, stops the housekeeping
// goroutine, and publishes session/end so peers purge our state without
// waiting on the last-will.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopc)
	})

	p.wg.Wait()
	p.pending.resolveAll(syncOutcomeShutdown)
	p.publishSessionEnd()
}

func (p *Provider) publishSessionEnd() {
	if err := p.wrapper.PublishAsync(transport.OutboundMessage{
		Topic: p.cfg.ControlTopicPrefix + "session/end",
		QoS:   byte(QoSAtLeastOnce),
		UserProperties: map[string]string{
			codec.UserPropertyMsgVersion: p.cfg.MsgVersion,
			codec.UserPropertySenderUUID: p.self.String(),
		},
	}); err != nil {
		p.logger.Warn("failed to publish session/end on shutdown", "err", err)
	}
}

func (p *Provider) housekeeping() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HandlerQueryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopc:
			return
		case <-ticker.C:
			p.publishHandlerQuery()
		}
	}
}

func (p *Provider) publishHandlerQuery() {
	if err := p.wrapper.PublishAsync(transport.OutboundMessage{
		Topic: p.cfg.ControlTopicPrefix + "handler/query",
		QoS:   byte(QoSAtLeastOnce),
		UserProperties: map[string]string{
			codec.UserPropertyMsgVersion: p.cfg.MsgVersion,
			codec.UserPropertySenderUUID: p.self.String(),
		},
	}); err != nil {
		p.logger.Warn("failed to publish periodic handler/query", "err", err)
	}
}

// AddEventHandler registers a local handler, subscribes the wrapper to
// each of its topic patterns, and announces the registration to peers
// on handler/add. The wrapper refcounts per-pattern, so one subscribe
// call per contributing handler keeps its counts balanced with the
// unsubscribes RemoveEventHandler issues; the wire SUBSCRIBE is only
// re-issued when a pattern is new or its merged QoS rises.
func (p *Provider) AddEventHandler(ctx context.Context, id uint64, topics []string, filter Filter, qos QoS) error {
	if len(topics) == 0 {
		return newError(KindInvalidArgument, "add_event_handler", errInvalid("topics"))
	}

	if !qos.valid() {
		return newError(KindInvalidArgument, "add_event_handler", errInvalid("qos"))
	}

	entry := LocalHandlerEntry{ID: id, Topics: topics, Filter: filter, QoS: qos}

	p.mu.Lock()
	p.handlers[id] = entry

	for _, pattern := range topics {
		sub, ok := p.subs[pattern]

		if !ok {
			sub = newSubscription(pattern)
			p.subs[pattern] = sub
		}

		sub.add(id, qos)
	}

	p.mu.Unlock()

	for _, pattern := range topics {
		if err := p.wrapper.Subscribe(ctx, pattern, byte(qos)); err != nil {
			p.logger.Warn("subscribe failed", "pattern", pattern, "err", err)
		}
	}

	p.announceHandlerAdd(entry)

	return nil
}

// RemoveEventHandler drops a local handler, releases its pattern
// subscriptions on the wrapper, and announces the removal on
// handler/remove. Removing a non-existent id is a benign no-op.
func (p *Provider) RemoveEventHandler(ctx context.Context, id uint64) error {
	p.mu.Lock()

	entry, ok := p.handlers[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}

	delete(p.handlers, id)

	for _, pattern := range entry.Topics {
		sub, ok := p.subs[pattern]
		if !ok {
			continue
		}

		if isEmpty, _ := sub.remove(id); isEmpty {
			delete(p.subs, pattern)
		}
	}

	p.mu.Unlock()

	for _, pattern := range entry.Topics {
		if err := p.wrapper.Unsubscribe(ctx, pattern); err != nil {
			p.logger.Warn("unsubscribe failed", "pattern", pattern, "err", err)
		}
	}

	p.announceHandlerRemove(id)

	return nil
}

func (p *Provider) announceHandlerAdd(entry LocalHandlerEntry) {
	payload, err := codec.EncodeHandlerAdd(codec.HandlerAdd{
		Handler: codec.HandlerDescriptor{
			HandlerID: entry.ID,
			Topics:    entry.Topics,
			Filter:    string(entry.Filter),
		},
	})

	if err != nil {
		p.logger.Error("failed to encode handler/add", "handler", entry.ID, "err", err)
		return
	}

	p.publishControl("handler/add", byte(QoSAtMostOnce), payload)
}

func (p *Provider) announceHandlerRemove(id uint64) {
	payload, err := codec.EncodeHandlerRemove(codec.HandlerRemove{HandlerID: id})

	if err != nil {
		p.logger.Error("failed to encode handler/remove", "handler", id, "err", err)
		return
	}

	p.publishControl("handler/remove", byte(QoSAtLeastOnce), payload)
}

func (p *Provider) publishControl(name string, qos byte, payload []byte) {
	if err := p.wrapper.PublishAsync(transport.OutboundMessage{
		Topic:   p.cfg.ControlTopicPrefix + name,
		QoS:     qos,
		Payload: payload,
		UserProperties: map[string]string{
			codec.UserPropertyMsgVersion: p.cfg.MsgVersion,
			codec.UserPropertySenderUUID: p.self.String(),
		},
	}); err != nil {
		p.logger.Warn("failed to publish control message", "topic", name, "err", err)
	}
}

// RemoteFrameworkCount reports how many peer frameworks are currently
// known (have at least one live handler and have not yet sent
// session/end). Exposed for host diagnostics and tests.
func (p *Provider) RemoteFrameworkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.framework)
}

// matchingPeers returns the set of peer UUIDs with at least one handler
// matching topic/props, plus the subset of those currently past the
// continuous-no-ack threshold. Demoted peers still receive publishes;
// they are just not awaited.
func (p *Provider) matchingPeers(topic string, props map[string]string) (all, demoted map[uuid.UUID]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all = make(map[uuid.UUID]struct{})
	demoted = make(map[uuid.UUID]struct{})

	for id, entry := range p.framework {
		if !entry.hasMatch(topic, props) {
			continue
		}

		all[id] = struct{}{}

		if entry.demoted(p.cfg.NoAckThreshold) {
			demoted[id] = struct{}{}
		}
	}

	return all, demoted
}

// recordMissedAcks increments the continuous-no-ack counter for every
// peer that never acknowledged a resolved sync event, logging once if
// that pushes a peer past the demotion threshold.
func (p *Provider) recordMissedAcks(topic string, peers []uuid.UUID) {
	if len(peers) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range peers {
		entry, ok := p.framework[id]
		if !ok {
			continue
		}

		if entry.recordNoAck(p.cfg.NoAckThreshold) {
			p.logger.Warn("demoting peer to fire-and-forget after repeated no-ack", "peer", id, "topic", topic)
		}
	}
}

// recordAck resets the continuous-no-ack counter for peer: it just
// proved it is still responsive by acknowledging a sync event.
func (p *Provider) recordAck(peer uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.framework[peer]; ok {
		entry.resetNoAck()
	}
}

// PostEvent publishes an event asynchronously: it enqueues a single
// publish at the event's QoS and returns without waiting for delivery.
func (p *Provider) PostEvent(ctx context.Context, topic string, props map[string]string) error {
	if topic == "" {
		return newError(KindInvalidArgument, "post_event", errInvalid("topic"))
	}

	qos, err := p.eventQoS(props)
	if err != nil {
		return newError(KindInvalidArgument, "post_event", err)
	}

	all, _ := p.matchingPeers(topic, props)

	if len(all) == 0 {
		p.logger.Info("postEvent: no remote subscribers", "topic", topic)
		return nil
	}

	payload, userProps := p.encodeDataEvent(props)

	if err := p.wrapper.PublishAsync(transport.OutboundMessage{
		Topic:          topic,
		QoS:            byte(qos),
		Retain:         eventRetain(props),
		Payload:        payload,
		UserProperties: userProps,
	}); err != nil {
		return newError(publishErrorKind(err), "post_event", err)
	}

	return nil
}

// SendEvent publishes an event and blocks until every matching peer
// ACKs, the deadline passes, or the matching set empties because peers
// dropped their handlers. Peers already demoted for repeated no-ack
// still receive the publish but are not awaited.
func (p *Provider) SendEvent(ctx context.Context, topic string, props map[string]string, expiry time.Duration) error {
	if topic == "" {
		return newError(KindInvalidArgument, "send_event", errInvalid("topic"))
	}

	qos, err := p.eventQoS(props)
	if err != nil {
		return newError(KindInvalidArgument, "send_event", err)
	}

	if expiry <= 0 {
		expiry = p.eventExpiry(props)
	}

	all, demoted := p.matchingPeers(topic, props)

	if len(all) == 0 {
		p.logger.Info("sendEvent: no remote subscribers", "topic", topic)
		return nil
	}

	awaited := make(map[uuid.UUID]struct{}, len(all))

	for id := range all {
		if _, skip := demoted[id]; !skip {
			awaited[id] = struct{}{}
		}
	}

	payload, userProps := p.encodeDataEvent(props)

	if len(awaited) == 0 {
		// Every matching peer is demoted: deliver fire-and-forget.
		if err := p.wrapper.PublishAsync(transport.OutboundMessage{
			Topic:          topic,
			QoS:            byte(qos),
			Retain:         eventRetain(props),
			Payload:        payload,
			UserProperties: userProps,
		}); err != nil {
			return newError(publishErrorKind(err), "send_event", err)
		}

		return nil
	}

	correlationID := p.nextCorrelationID()
	pse := newPendingSyncEvent(correlationID, topic, props, awaited)
	p.pending.add(pse, expiry)

	correlationData := make([]byte, 8)
	binary.BigEndian.PutUint64(correlationData, correlationID)

	err = p.wrapper.PublishAsync(transport.OutboundMessage{
		Topic:           topic,
		QoS:             byte(maxQoS(qos, QoSAtLeastOnce)),
		Retain:          eventRetain(props),
		Payload:         payload,
		UserProperties:  userProps,
		ResponseTopic:   p.cfg.ControlTopicPrefix + "ack/" + p.self.String(),
		CorrelationData: correlationData,
	})

	if err != nil {
		p.pending.remove(correlationID)
		return newError(publishErrorKind(err), "send_event", err)
	}

	timer := time.NewTimer(expiry)
	defer timer.Stop()

	select {
	case outcome := <-pse.done:
		p.pending.remove(correlationID)

		if outcome == syncOutcomeTimeout {
			p.recordMissedAcks(topic, pse.remainingPeers())
		}

		return p.outcomeToError(outcome)
	case <-timer.C:
		missed := pse.remainingPeers()
		pse.resolve(syncOutcomeTimeout)
		p.pending.remove(correlationID)
		p.recordMissedAcks(topic, missed)

		return newError(KindTimeout, "send_event", nil)
	case <-ctx.Done():
		pse.resolve(syncOutcomeShutdown)
		p.pending.remove(correlationID)
		return ctx.Err()
	case <-p.stopc:
		pse.resolve(syncOutcomeShutdown)
		p.pending.remove(correlationID)
		return ErrShutdown
	}
}

// PublishAck publishes the ack/<senderUuid> reply for a sync-origin
// DelivererJob once every local handler has returned. The correlation
// id rides in the MQTT v5 correlation data, exactly as it arrived; the
// payload stays empty. Wired as the deliverer.AckFunc at construction.
func (p *Provider) PublishAck(ctx context.Context, req deliverer.AckRequest) error {
	return p.wrapper.PublishAsync(transport.OutboundMessage{
		Topic:           req.ResponseTopic,
		QoS:             byte(QoSAtLeastOnce),
		CorrelationData: req.CorrelationData,
		UserProperties: map[string]string{
			codec.UserPropertyMsgVersion: p.cfg.MsgVersion,
			codec.UserPropertySenderUUID: p.self.String(),
		},
	})
}

func (p *Provider) outcomeToError(outcome syncOutcome) error {
	switch outcome {
	case syncOutcomeOK:
		return nil
	case syncOutcomeTimeout:
		return newError(KindTimeout, "send_event", nil)
	default:
		return ErrShutdown
	}
}

// eventQoS resolves the QoS one event travels at: the event's own
// PropertyQoS when present, the configured default otherwise.
func (p *Provider) eventQoS(props map[string]string) (QoS, error) {
	raw, ok := props[PropertyQoS]

	if !ok {
		return p.cfg.DefaultQoS, nil
	}

	n, err := strconv.Atoi(raw)

	if err != nil || n < 0 || n > int(QoSExactlyOnce) {
		return 0, errInvalid(PropertyQoS)
	}

	return QoS(n), nil
}

// eventExpiry resolves the sync-send deadline for one event: the
// event's own PropertyExpiryInterval (seconds) when it parses to a
// positive number, the configured default otherwise.
func (p *Provider) eventExpiry(props map[string]string) time.Duration {
	raw, ok := props[PropertyExpiryInterval]

	if !ok {
		return p.cfg.SyncEventExpiry
	}

	secs, err := strconv.Atoi(raw)

	if err != nil || secs <= 0 {
		return p.cfg.SyncEventExpiry
	}

	return time.Duration(secs) * time.Second
}

func eventRetain(props map[string]string) bool {
	return props[PropertyRetain] == "true"
}

// publishErrorKind distinguishes a refused enqueue from a genuine
// transport failure when classifying a publish error for the caller.
func publishErrorKind(err error) ErrorKind {
	if errors.Is(err, transport.ErrQueueFull) {
		return KindQueueFull
	}

	return KindTransport
}

func maxQoS(a, b QoS) QoS {
	if a > b {
		return a
	}

	return b
}

// encodeDataEvent serialises props the same way the codec does for
// control messages (encoding/json), so data and control payloads share
// one wire convention.
func (p *Provider) encodeDataEvent(props map[string]string) ([]byte, map[string]string) {
	payload, err := json.Marshal(props)

	if err != nil {
		// props is map[string]string; Marshal only fails on cyclic or
		// unsupported types, neither possible here.
		payload = []byte("{}")
	}

	return payload, map[string]string{
		codec.UserPropertyMsgVersion: p.cfg.MsgVersion,
		codec.UserPropertySenderUUID: p.self.String(),
	}
}

// nextCorrelationID draws a fresh 64-bit correlation id from
// crypto/rand rather than math/rand: correlation ids double as a light
// anti-collision token across concurrently in-flight sync sends, so a
// predictable PRNG sequence is the wrong tool even though nothing here
// is security-sensitive.
func (p *Provider) nextCorrelationID() uint64 {
	var buf [8]byte

	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read on the standard reader does not fail in
		// practice; fall back to a self-derived value rather than
		// panicking mid send.
		return binary.BigEndian.Uint64(p.self[:8]) ^ uint64(time.Now().UnixNano())
	}

	return binary.BigEndian.Uint64(buf[:])
}
