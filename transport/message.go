// Package transport implements the MQTT client wrapper: a single
// long-lived MQTT v5 session, refcounted subscriptions, a bounded
// publish queue, and transparent reconnection, built on
// eclipse/paho.golang's autopaho connection manager.
package transport

// OutboundMessage is fed to the Wrapper by the Remote Provider Engine.
// It carries everything a paho.Publish needs plus the MQTT v5 extras
// the remote-event protocol relies on: user properties for
// MSG_VERSION/SENDER_UUID, and an optional response-topic/correlation
// pair for synchronous sends.
type OutboundMessage struct {
	Topic           string
	QoS             byte
	Retain          bool
	Payload         []byte
	UserProperties  map[string]string
	ResponseTopic   string
	CorrelationData []byte
}

// InboundMessage is what the Wrapper hands to its registered callback
// for every received publish.
type InboundMessage struct {
	Topic           string
	Payload         []byte
	UserProperties  map[string]string
	ResponseTopic   string
	CorrelationData []byte
	QoS             byte
}
