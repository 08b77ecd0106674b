// Package bundle is the lifecycle glue: it wires the MQTT client
// wrapper, event deliverer, broker discovery, and remote provider
// engine together in construction order and exposes the host-facing
// API as one Activator. The Activator probes the host for optional
// BeforeStart/AfterStart/BeforeShutdown/AfterShutdown hooks via type
// assertion rather than requiring every host to implement every hook.
package bundle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eventadmin/earpm"
	"github.com/eventadmin/earpm/codec"
	"github.com/eventadmin/earpm/contract"
	"github.com/eventadmin/earpm/deliverer"
	"github.com/eventadmin/earpm/discovery"
	"github.com/eventadmin/earpm/transport"
	"github.com/google/uuid"
)

var (
	ErrAlreadyStarted = errors.New("bundle: already started")
	ErrNotStarted     = errors.New("bundle: not started")
)

// ShutdownTimeout is the context deadline Stop passes to the wrapper's
// Disconnect. It bounds the final session disconnect; the drain of the
// outbound queue that Disconnect performs first does not observe it.
const ShutdownTimeout = 5 * time.Second

// Options configures an Activator.
type Options struct {
	Config earpm.Config

	// Self is this framework's UUID, advertised as SENDER_UUID on
	// every outbound message. A nil value causes Start to generate a
	// random one.
	Self uuid.UUID

	// EventAdmin is the host's local delivery sink, equivalent to
	// calling SetEventAdmin immediately after construction. May also
	// be set later via Activator.SetEventAdmin.
	EventAdmin contract.EventAdmin

	// Hooks, if non-nil, is probed for the contract.BeforeStart/
	// AfterStart/BeforeShutdown/AfterShutdown optional interfaces.
	Hooks any

	Logger *slog.Logger
}

// Activator owns the whole EARPM subsystem's lifecycle. It implements
// contract.Lifecycle.
type Activator struct {
	ops    Options
	logger *slog.Logger

	mu      sync.Mutex
	started bool

	wrapper   *transport.Wrapper
	deliverer *deliverer.Deliverer
	discovery *discovery.Discovery
	provider  *earpm.Provider
}

// New constructs an Activator that is not yet started.
func New(ops Options) *Activator {
	return &Activator{ops: ops}
}

type delivererAdmin struct{ a *Activator }

func (d delivererAdmin) DeliverLocal(ctx context.Context, handlerID uint64, topic string, props map[string]string) {
	d.a.provider.DeliverLocal(ctx, handlerID, topic, props)
}

func (a *Activator) publishAck(ctx context.Context, req deliverer.AckRequest) error {
	return a.provider.PublishAck(ctx, req)
}

func (a *Activator) handleInbound(msg transport.InboundMessage) {
	a.provider.HandleInbound(msg.Topic, msg.Payload, msg.UserProperties, msg.ResponseTopic, msg.CorrelationData)
}

// Start brings up the wrapper, deliverer, provider, and discovery in
// that order and launches the provider's periodic housekeeping.
func (a *Activator) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}

	a.logger = a.ops.Logger
	if a.logger == nil {
		a.logger = slog.Default()
	}

	self := a.ops.Self
	if self == uuid.Nil {
		var err error

		self, err = uuid.NewRandom()
		if err != nil {
			return err
		}
	}

	if h, ok := a.ops.Hooks.(contract.BeforeStart); ok {
		h.BeforeStart()
	}

	cfg := a.ops.Config
	cfg.Logger = a.logger

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = self.String()
	}

	// The last-will carries the same user properties as a live
	// session/end publish, so peers process the broker-delivered will
	// exactly like a clean shutdown announcement.
	a.wrapper = transport.NewWrapper(transport.Config{
		ClientID:    clientID,
		KeepAlive:   cfg.KeepAlive,
		WillTopic:   cfg.ControlTopicPrefix + "session/end",
		WillPayload: []byte{},
		WillQoS:     byte(earpm.QoSAtLeastOnce),
		WillUserProperties: map[string]string{
			codec.UserPropertyMsgVersion: cfg.MsgVersion,
			codec.UserPropertySenderUUID: self.String(),
		},
		Logger: a.logger,
	}, a.handleInbound)

	a.deliverer = deliverer.New(cfg.DelivererWorkers, cfg.DelivererQueueDepth, delivererAdmin{a}, a.publishAck, a.logger)

	provider, err := earpm.NewProvider(cfg, self, a.wrapper, a.deliverer)
	if err != nil {
		return err
	}

	a.provider = provider

	if a.ops.EventAdmin != nil {
		a.provider.SetEventAdmin(a.ops.EventAdmin)
	}

	a.discovery = discovery.New(a.wrapper, a.logger)
	a.provider.Start()

	a.started = true

	if h, ok := a.ops.Hooks.(contract.AfterStart); ok {
		h.AfterStart()
	}

	return nil
}

// Stop cancels every pending sync wait, publishes session/end, drains
// the outbound queue, and disconnects.
func (a *Activator) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return ErrNotStarted
	}

	if h, ok := a.ops.Hooks.(contract.BeforeShutdown); ok {
		h.BeforeShutdown()
	}

	a.provider.Stop()
	a.deliverer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := a.wrapper.Disconnect(ctx); err != nil {
		a.logger.Warn("error disconnecting during shutdown", "err", err)
	}

	a.started = false

	if h, ok := a.ops.Hooks.(contract.AfterShutdown); ok {
		h.AfterShutdown()
	}

	return nil
}

// The following forward the host-facing API to the wired components.
// They are safe to call concurrently once Start has returned.

func (a *Activator) PostEvent(ctx context.Context, topic string, props map[string]string) error {
	return a.provider.PostEvent(ctx, topic, props)
}

func (a *Activator) SendEvent(ctx context.Context, topic string, props map[string]string, expiry time.Duration) error {
	return a.provider.SendEvent(ctx, topic, props, expiry)
}

func (a *Activator) AddEventHandler(ctx context.Context, id uint64, topics []string, filter earpm.Filter, qos earpm.QoS) error {
	return a.provider.AddEventHandler(ctx, id, topics, filter, qos)
}

func (a *Activator) RemoveEventHandler(ctx context.Context, id uint64) error {
	return a.provider.RemoveEventHandler(ctx, id)
}

func (a *Activator) SetEventAdmin(admin contract.EventAdmin) {
	a.provider.SetEventAdmin(admin)
}

// RemoteFrameworkCount reports how many peer frameworks EARPM currently
// tracks, forwarding to the Remote Provider Engine.
func (a *Activator) RemoteFrameworkCount() int {
	return a.provider.RemoteFrameworkCount()
}

func (a *Activator) BrokerEndpointAdded(ctx context.Context, ep contract.Endpoint) {
	a.discovery.EndpointAdded(ctx, ep)
}

func (a *Activator) BrokerEndpointRemoved(ctx context.Context, endpointID string) {
	a.discovery.EndpointRemoved(ctx, endpointID)
}
