package discovery

import (
	"context"
	"sync"
	"testing"

	"github.com/eventadmin/earpm/contract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	mu          sync.Mutex
	connects    []string
	disconnects int
	failURLs    map[string]bool
}

func (f *fakeConnector) Connect(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects = append(f.connects, url)

	if f.failURLs[url] {
		return assertErr
	}

	return nil
}

func (f *fakeConnector) Disconnect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

var assertErr = &connectError{}

type connectError struct{}

func (*connectError) Error() string { return "connect failed" }

func TestDiscoveryConnectsToLexicographicallyFirstEndpoint(t *testing.T) {
	fc := &fakeConnector{}
	d := New(fc, nil)
	ctx := context.Background()

	d.EndpointAdded(ctx, contract.Endpoint{ID: "b-broker", Address: "host-b", Port: 1883})
	d.EndpointAdded(ctx, contract.Endpoint{ID: "a-broker", Address: "host-a", Port: 1883})

	require.Len(t, fc.connects, 2, "adding a higher-ranked endpoint reconnects")
	assert.Equal(t, "mqtt://host-a:1883", fc.connects[len(fc.connects)-1])
}

func TestDiscoveryFailsOverOnConnectError(t *testing.T) {
	fc := &fakeConnector{failURLs: map[string]bool{"mqtt://host-a:1883": true}}
	d := New(fc, nil)
	ctx := context.Background()

	d.EndpointAdded(ctx, contract.Endpoint{ID: "a-broker", Address: "host-a", Port: 1883})
	d.EndpointAdded(ctx, contract.Endpoint{ID: "b-broker", Address: "host-b", Port: 1883})

	assert.Contains(t, fc.connects, "mqtt://host-b:1883", "failover to the next ranked endpoint")
}

func TestDiscoveryDisconnectsAndFailsOverOnRemoval(t *testing.T) {
	fc := &fakeConnector{}
	d := New(fc, nil)
	ctx := context.Background()

	d.EndpointAdded(ctx, contract.Endpoint{ID: "a-broker", Address: "host-a", Port: 1883})
	d.EndpointAdded(ctx, contract.Endpoint{ID: "b-broker", Address: "host-b", Port: 1883})

	d.EndpointRemoved(ctx, "a-broker")

	assert.Equal(t, 1, fc.disconnects)
	assert.Contains(t, fc.connects, "mqtt://host-b:1883")
}
