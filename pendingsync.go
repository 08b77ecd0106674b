package earpm

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

type syncOutcome int

const (
	syncOutcomeOK syncOutcome = iota
	syncOutcomeTimeout
	syncOutcomeShutdown
)

// pendingSyncEvent tracks one in-flight SendEvent call: the peers
// still owing an ACK and a single-consumer completion channel the
// waiter blocks on. Exactly one of "all peers cleared", "deadline
// reached", or "shutdown" resolves it.
type pendingSyncEvent struct {
	correlationID uint64
	topic         string
	props         map[string]string

	mu       sync.Mutex
	peers    map[uuid.UUID]struct{}
	resolved bool
	done     chan syncOutcome
}

func newPendingSyncEvent(correlationID uint64, topic string, props map[string]string, peers map[uuid.UUID]struct{}) *pendingSyncEvent {
	return &pendingSyncEvent{
		correlationID: correlationID,
		topic:         topic,
		props:         props,
		peers:         peers,
		done:          make(chan syncOutcome, 1),
	}
}

// clearPeer removes peer from the outstanding set, whether because it
// ACKed or because it stopped matching (handler removal/session end).
// It reports whether the set is now empty, in which case the caller
// should resolve the wait as OK.
func (p *pendingSyncEvent) clearPeer(peer uuid.UUID) (cleared bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.peers, peer)

	return len(p.peers) == 0
}

// remainingPeers returns a copy of the peers still owing an ACK.
// Used at timeout to drive the continuous-no-ack counters.
func (p *pendingSyncEvent) remainingPeers() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := make([]uuid.UUID, 0, len(p.peers))

	for peer := range p.peers {
		remaining = append(remaining, peer)
	}

	return remaining
}

func (p *pendingSyncEvent) resolve(outcome syncOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return
	}

	p.resolved = true
	p.done <- outcome
}

// pendingSyncStore tracks every in-flight pendingSyncEvent by
// correlation id. Backed by go-cache with per-item TTL = deadline, so
// orphaned pending events are swept and resolved as Timeout by the
// janitor even if nothing is actively waiting on them. The blocking
// wait in Provider.SendEvent additionally races a local timer for
// millisecond-accurate timeout delivery, since the janitor only
// sweeps on its own cadence.
type pendingSyncStore struct {
	byCorrelation *cache.Cache
}

func newPendingSyncStore(janitorInterval time.Duration) *pendingSyncStore {
	store := cache.New(cache.NoExpiration, janitorInterval)

	store.OnEvicted(func(_ string, value any) {
		value.(*pendingSyncEvent).resolve(syncOutcomeTimeout)
	})

	return &pendingSyncStore{byCorrelation: store}
}

func correlationKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func (s *pendingSyncStore) add(pse *pendingSyncEvent, ttl time.Duration) {
	s.byCorrelation.Set(correlationKey(pse.correlationID), pse, ttl)
}

func (s *pendingSyncStore) get(correlationID uint64) (*pendingSyncEvent, bool) {
	v, ok := s.byCorrelation.Get(correlationKey(correlationID))

	if !ok {
		return nil, false
	}

	return v.(*pendingSyncEvent), true
}

func (s *pendingSyncStore) remove(correlationID uint64) {
	s.byCorrelation.Delete(correlationKey(correlationID))
}

// forEach applies fn to every currently pending sync event. Used to
// clear peers that just went away (session/end, handler removal).
func (s *pendingSyncStore) forEach(fn func(*pendingSyncEvent)) {
	for _, item := range s.byCorrelation.Items() {
		fn(item.Object.(*pendingSyncEvent))
	}
}

// resolveAll resolves every pending event with outcome, used on
// shutdown.
func (s *pendingSyncStore) resolveAll(outcome syncOutcome) {
	s.forEach(func(pse *pendingSyncEvent) {
		pse.resolve(outcome)
	})
}
