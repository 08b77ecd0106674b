package earpm

// Subscription is the derived aggregate keyed by topic pattern: it
// tracks which local handler ids contributed to a pattern and the
// effective QoS (max of contributors) the MQTT wrapper should use for
// it. A pattern's first contributor drives the wire SUBSCRIBE and the
// removal of its last contributor drives the wire UNSUBSCRIBE.
type Subscription struct {
	Pattern      string
	contributors map[uint64]QoS
}

func newSubscription(pattern string) *Subscription {
	return &Subscription{
		Pattern:      pattern,
		contributors: make(map[uint64]QoS),
	}
}

// effectiveQoS returns the maximum QoS across all contributors, or 0 if
// there are none (caller must check empty() first).
func (s *Subscription) effectiveQoS() QoS {
	best := QoS(0)

	for _, qos := range s.contributors {
		if qos > best {
			best = qos
		}
	}

	return best
}

func (s *Subscription) empty() bool {
	return len(s.contributors) == 0
}

// add records handlerID as a contributor at qos. It returns whether
// the pattern is brand new (no prior contributors) and whether the
// effective QoS changed as a result; together these tell the caller
// exactly when a wire (re-)SUBSCRIBE is required.
func (s *Subscription) add(handlerID uint64, qos QoS) (isNew, qosChanged bool) {
	before := s.effectiveQoS()
	isNew = s.empty()

	s.contributors[handlerID] = qos

	after := s.effectiveQoS()

	return isNew, after != before
}

// remove drops handlerID as a contributor. It returns whether the
// pattern has no contributors left (the caller should discard the
// Subscription) and whether the effective QoS changed. A QoS decrease
// never triggers a re-subscribe; the broker subscription simply stays
// at the higher level until the pattern is released.
func (s *Subscription) remove(handlerID uint64) (isEmpty, qosChanged bool) {
	before := s.effectiveQoS()

	delete(s.contributors, handlerID)

	after := s.effectiveQoS()

	return s.empty(), after != before
}
