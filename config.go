package earpm

import (
	"log/slog"
	"time"
)

// QoS mirrors the three MQTT quality of service levels. Named here
// (rather than a bare byte) so handler registrations and config reads
// document intent instead of passing a magic 1.
type QoS byte

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSExactlyOnce QoS = 2
)

func (q QoS) valid() bool {
	return q <= QoSExactlyOnce
}

const (
	DefaultQoS                  = QoSAtLeastOnce
	DefaultKeepAlive            = 30 * time.Second
	DefaultNoAckThreshold       = 3
	DefaultSyncEventExpiry      = 5 * time.Second
	DefaultDelivererWorkers     = 4
	DefaultDelivererQueueDepth  = 64
	DefaultHandlerQueryInterval = 30 * time.Second
	DefaultControlTopicPrefix   = "celix/earpm/"
	DefaultMsgVersion           = "1.0.0"
	DefaultDelivererEnqueueWait = 2 * time.Second
)

// Config holds every construction-time option: a flat struct with a
// DefaultConfig value, overridden field by field, validated once at
// construction.
type Config struct {
	// Logger receives every log line the subsystem emits. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// ClientID is the MQTT client identifier. When empty,
	// bundle.Activator uses the framework UUID.
	ClientID string

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration

	// DefaultQoS is used when an event does not request one.
	DefaultQoS QoS

	// NoAckThreshold is the consecutive-no-ACK count before a peer is
	// demoted to fire-and-forget.
	NoAckThreshold int

	// SyncEventExpiry is the default deadline for sendEvent calls that
	// do not specify one.
	SyncEventExpiry time.Duration

	// DelivererWorkers sizes the local delivery worker pool.
	DelivererWorkers int

	// DelivererQueueDepth is the deliverer's high-water mark.
	DelivererQueueDepth int

	// HandlerQueryInterval is the period of the reconciliation
	// handler/query broadcast.
	HandlerQueryInterval time.Duration

	// ControlTopicPrefix namespaces every control topic (handler/add,
	// handler/remove, ...). Must end in "/".
	ControlTopicPrefix string

	// MsgVersion is the semantic version advertised as MSG_VERSION on
	// every outbound control message.
	MsgVersion string

	// DelivererEnqueueWait bounds how long the inbound dispatch path
	// blocks trying to enqueue a DelivererJob before logging a drop.
	DelivererEnqueueWait time.Duration
}

// DefaultConfig returns a Config with every field set to its documented
// default. Callers typically take this value and override only the
// fields they care about.
func DefaultConfig() Config {
	return Config{
		Logger:               slog.Default(),
		KeepAlive:            DefaultKeepAlive,
		DefaultQoS:           DefaultQoS,
		NoAckThreshold:       DefaultNoAckThreshold,
		SyncEventExpiry:      DefaultSyncEventExpiry,
		DelivererWorkers:     DefaultDelivererWorkers,
		DelivererQueueDepth:  DefaultDelivererQueueDepth,
		HandlerQueryInterval: DefaultHandlerQueryInterval,
		ControlTopicPrefix:   DefaultControlTopicPrefix,
		MsgVersion:           DefaultMsgVersion,
		DelivererEnqueueWait: DefaultDelivererEnqueueWait,
	}
}

// withDefaults fills any zero-valued field with its documented
// default. Config is passed and returned by value throughout, so the
// caller's copy is never mutated.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}

	if c.DefaultQoS == 0 {
		c.DefaultQoS = DefaultQoS
	}

	if c.NoAckThreshold == 0 {
		c.NoAckThreshold = DefaultNoAckThreshold
	}

	if c.SyncEventExpiry == 0 {
		c.SyncEventExpiry = DefaultSyncEventExpiry
	}

	if c.DelivererWorkers == 0 {
		c.DelivererWorkers = DefaultDelivererWorkers
	}

	if c.DelivererQueueDepth == 0 {
		c.DelivererQueueDepth = DefaultDelivererQueueDepth
	}

	if c.HandlerQueryInterval == 0 {
		c.HandlerQueryInterval = DefaultHandlerQueryInterval
	}

	if c.ControlTopicPrefix == "" {
		c.ControlTopicPrefix = DefaultControlTopicPrefix
	}

	if c.MsgVersion == "" {
		c.MsgVersion = DefaultMsgVersion
	}

	if c.DelivererEnqueueWait == 0 {
		c.DelivererEnqueueWait = DefaultDelivererEnqueueWait
	}

	return c
}

// validate rejects options out of domain; any failure aborts
// construction with an invalid-config error.
func (c Config) validate() error {
	if !c.DefaultQoS.valid() {
		return newError(KindInvalidConfig, "validate", errInvalid("default_qos"))
	}

	if c.NoAckThreshold <= 0 {
		return newError(KindInvalidConfig, "validate", errInvalid("no_ack_threshold"))
	}

	if c.SyncEventExpiry <= 0 {
		return newError(KindInvalidConfig, "validate", errInvalid("sync_event_expiry_default"))
	}

	if c.DelivererWorkers <= 0 {
		return newError(KindInvalidConfig, "validate", errInvalid("deliverer_workers"))
	}

	if c.DelivererQueueDepth <= 0 {
		return newError(KindInvalidConfig, "validate", errInvalid("deliverer_queue_depth"))
	}

	if c.HandlerQueryInterval <= 0 {
		return newError(KindInvalidConfig, "validate", errInvalid("handler_query_interval"))
	}

	if c.ControlTopicPrefix == "" || c.ControlTopicPrefix[len(c.ControlTopicPrefix)-1] != '/' {
		return newError(KindInvalidConfig, "validate", errInvalid("control_topic_prefix"))
	}

	if c.MsgVersion == "" {
		return newError(KindInvalidConfig, "validate", errInvalid("msg_version"))
	}

	if c.DelivererEnqueueWait <= 0 {
		return newError(KindInvalidConfig, "validate", errInvalid("deliverer_enqueue_wait"))
	}

	return nil
}

type invalidOption string

func (i invalidOption) Error() string {
	return "option out of domain: " + string(i)
}

func errInvalid(option string) error {
	return invalidOption(option)
}
