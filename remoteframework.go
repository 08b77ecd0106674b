package earpm

import (
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

// remoteHandlerDescriptor is the wire-level shape of one peer handler,
// as carried by handler/add and handler/update.
type remoteHandlerDescriptor struct {
	ID     uint64
	Topics []string
	Filter Filter
}

func (d remoteHandlerDescriptor) matches(topic string, props map[string]string) bool {
	for _, pattern := range d.Topics {
		if matchPattern(pattern, topic) {
			return d.Filter.Matches(props)
		}
	}

	return false
}

// RemoteFrameworkEntry is one per peer framework UUID observed. It is
// created on the first handler/add or handler/update for that UUID and
// destroyed on session/end or when its handler set becomes empty.
//
// The noAck counter lives in a go-cache instance rather than a bare
// int: every handler update from the peer clears it via Delete. All
// reads and writes happen under the Provider's lock.
type RemoteFrameworkEntry struct {
	UUID     uuid.UUID
	handlers map[uint64]remoteHandlerDescriptor
	noAck    *cache.Cache
}

const noAckCounterKey = "count"

func newRemoteFrameworkEntry(id uuid.UUID) *RemoteFrameworkEntry {
	return &RemoteFrameworkEntry{
		UUID:     id,
		handlers: make(map[uint64]remoteHandlerDescriptor),
		noAck:    cache.New(cache.NoExpiration, time.Hour),
	}
}

func (e *RemoteFrameworkEntry) addHandler(d remoteHandlerDescriptor) {
	e.handlers[d.ID] = d
}

func (e *RemoteFrameworkEntry) removeHandler(id uint64) {
	delete(e.handlers, id)
}

func (e *RemoteFrameworkEntry) replaceHandlers(descriptors []remoteHandlerDescriptor) {
	e.handlers = make(map[uint64]remoteHandlerDescriptor, len(descriptors))

	for _, d := range descriptors {
		e.handlers[d.ID] = d
	}
}

func (e *RemoteFrameworkEntry) empty() bool {
	return len(e.handlers) == 0
}

// hasMatch reports whether any handler of this peer matches topic/props.
func (e *RemoteFrameworkEntry) hasMatch(topic string, props map[string]string) bool {
	for _, d := range e.handlers {
		if d.matches(topic, props) {
			return true
		}
	}

	return false
}

// recordNoAck increments the continuous-no-ack counter and reports
// whether it has now crossed threshold.
func (e *RemoteFrameworkEntry) recordNoAck(threshold int) (demoted bool) {
	count := 1

	if v, ok := e.noAck.Get(noAckCounterKey); ok {
		count = v.(int) + 1
	}

	e.noAck.Set(noAckCounterKey, count, cache.NoExpiration)

	return count > threshold
}

// resetNoAck clears the counter. Called whenever the peer sends any
// handler-info update (add/remove/update) or successfully ACKs.
func (e *RemoteFrameworkEntry) resetNoAck() {
	e.noAck.Delete(noAckCounterKey)
}

// demoted reports whether the peer is currently past the no-ack
// threshold (without mutating the counter).
func (e *RemoteFrameworkEntry) demoted(threshold int) bool {
	v, ok := e.noAck.Get(noAckCounterKey)

	if !ok {
		return false
	}

	return v.(int) > threshold
}
