// Package discovery implements broker discovery: it consumes endpoint
// descriptions from the host's discovery facility, ranks them by
// endpoint id, and drives a Connector (the MQTT client wrapper, in
// production) to the top-ranked endpoint, failing over to the next
// ranked one on connect failure.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/eventadmin/earpm/contract"
)

// Connector is the subset of transport.Wrapper Discovery drives.
type Connector interface {
	Connect(ctx context.Context, endpointURL string) error
	Disconnect(ctx context.Context) error
}

// Discovery tracks known endpoints and keeps Connector pointed at the
// top-ranked one, exclusively owning that decision.
type Discovery struct {
	connector Connector
	logger    *slog.Logger

	mu        sync.Mutex
	endpoints map[string]contract.Endpoint
	current   string // id of the endpoint we are connected/connecting to
	excluded  map[string]bool
}

// New constructs a Discovery that drives connector.
func New(connector Connector, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}

	return &Discovery{
		connector: connector,
		logger:    logger,
		endpoints: make(map[string]contract.Endpoint),
		excluded:  make(map[string]bool),
	}
}

// EndpointAdded registers endpoint and, if it now ranks ahead of
// whatever we are connected to, switches to it.
func (d *Discovery) EndpointAdded(ctx context.Context, ep contract.Endpoint) {
	d.mu.Lock()
	d.endpoints[ep.ID] = ep
	delete(d.excluded, ep.ID)
	d.mu.Unlock()

	d.reconcile(ctx)
}

// EndpointRemoved forgets endpoint and, if it was the one we were
// using, gracefully disconnects and fails over to the next ranked one.
func (d *Discovery) EndpointRemoved(ctx context.Context, id string) {
	d.mu.Lock()
	delete(d.endpoints, id)
	wasCurrent := d.current == id

	if wasCurrent {
		d.current = ""
	}

	d.mu.Unlock()

	if wasCurrent {
		if err := d.connector.Disconnect(ctx); err != nil {
			d.logger.Warn("disconnect on endpoint removal failed", "endpoint", id, "err", err)
		}
	}

	d.reconcile(ctx)
}

// ConnectFailed is reported by the owner of Connect attempts when a
// connect to endpointID fails, so Discovery can exclude it and fail
// over to the next ranked endpoint.
func (d *Discovery) ConnectFailed(ctx context.Context, endpointID string) {
	d.mu.Lock()
	d.excluded[endpointID] = true

	if d.current == endpointID {
		d.current = ""
	}

	d.mu.Unlock()

	d.reconcile(ctx)
}

// reconcile connects to the top-ranked non-excluded endpoint if we are
// not already connected/connecting to it.
func (d *Discovery) reconcile(ctx context.Context) {
	d.mu.Lock()
	best := d.rankedLocked()
	d.mu.Unlock()

	if best == nil {
		return
	}

	d.mu.Lock()
	alreadyCurrent := d.current == best.ID
	if !alreadyCurrent {
		d.current = best.ID
	}
	d.mu.Unlock()

	if alreadyCurrent {
		return
	}

	if err := d.connector.Connect(ctx, best.URL()); err != nil {
		d.logger.Warn("connect failed, will fail over", "endpoint", best.ID, "err", err)
		d.ConnectFailed(ctx, best.ID)
	}
}

// rankedLocked returns the top-ranked non-excluded endpoint, ranking
// by lexicographic endpoint id. Caller must hold d.mu.
func (d *Discovery) rankedLocked() *contract.Endpoint {
	ids := make([]string, 0, len(d.endpoints))

	for id := range d.endpoints {
		if d.excluded[id] {
			continue
		}

		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil
	}

	sort.Strings(ids)
	ep := d.endpoints[ids[0]]

	return &ep
}
