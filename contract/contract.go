// Package contract defines the small set of interfaces the remote
// provider consumes from its embedding host: a handful of narrow
// interfaces with no framework-specific types leaking through.
package contract

import (
	"context"
	"strconv"
)

// EventAdmin is the host's local delivery target. The provider calls
// DeliverLocal once per matching local handler id, in ascending id
// order, for every inbound event. The host is responsible for mapping
// a handler id back to whatever service or callback it represents.
//
// While no EventAdmin has been injected via Provider.SetEventAdmin,
// inbound data events are dropped with a logged warning.
type EventAdmin interface {
	DeliverLocal(ctx context.Context, handlerID uint64, topic string, props map[string]string)
}

// Lifecycle is implemented by anything the bundle glue can start and
// stop in a well-defined order.
type Lifecycle interface {
	Start() error
	Stop() error
}

// The following are optional hooks a host may additionally satisfy.
// earpm/bundle.Activator probes for them with a type assertion, so
// hosts implement only the hooks they care about.
type (
	BeforeStart    interface{ BeforeStart() }
	AfterStart     interface{ AfterStart() }
	BeforeShutdown interface{ BeforeShutdown() }
	AfterShutdown  interface{ AfterShutdown() }
)

// Endpoint describes one broker location as surfaced by the host's
// discovery facility. ID doubles as the ranking key (lexicographic)
// when more than one endpoint is known at once.
type Endpoint struct {
	ID      string
	Address string
	Port    int
	// Metadata carries any additional discovery properties the host
	// attaches to the endpoint (e.g. "tls", "priority").
	Metadata map[string]string
}

// URL renders the endpoint as an MQTT broker URL understood by
// earpm/transport. It assumes a plain TCP MQTT listener unless
// Metadata["tls"] == "true", in which case it uses the mqtts scheme.
func (e Endpoint) URL() string {
	scheme := "mqtt"

	if e.Metadata != nil && e.Metadata["tls"] == "true" {
		scheme = "mqtts"
	}

	port := e.Port
	if port <= 0 {
		port = 1883
	}

	return scheme + "://" + e.Address + ":" + strconv.Itoa(port)
}
