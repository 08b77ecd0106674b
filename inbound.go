package earpm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"

	"github.com/eventadmin/earpm/codec"
	"github.com/eventadmin/earpm/deliverer"
	"github.com/google/uuid"
)

// HandleInbound is the single callback the MQTT Client Wrapper invokes
// for every received publish. It runs on the wrapper's network
// goroutine, so it only updates engine state and enqueues work; the
// heavy lifting (local delivery) happens on the deliverer's workers.
func (p *Provider) HandleInbound(topic string, payload []byte, userProps map[string]string, responseTopic string, correlationData []byte) {
	header, err := codec.ParseControlHeader(userProps)

	if err != nil {
		p.logger.Warn("dropping message with missing control header", "topic", topic, "err", err)
		return
	}

	if !codec.CompatibleMajor(header.MsgVersion, p.cfg.MsgVersion) {
		p.logger.Warn("dropping message with incompatible MSG_VERSION", "topic", topic, "version", header.MsgVersion)
		return
	}

	// Subscriptions are no-local, but a broker that ignores that flag
	// must not make us track ourselves as a peer.
	if header.SenderUUID == p.self {
		return
	}

	if name, ok := strings.CutPrefix(topic, p.cfg.ControlTopicPrefix); ok {
		p.handleControl(name, header, payload, correlationData)
		return
	}

	p.handleData(topic, payload, header, responseTopic, correlationData)
}

func (p *Provider) handleControl(name string, header codec.ControlHeader, payload []byte, correlationData []byte) {
	switch {
	case name == "handler/add":
		p.handleHandlerAdd(header, payload)
	case name == "handler/remove":
		p.handleHandlerRemove(header, payload)
	case name == "handler/update":
		p.handleHandlerUpdate(header, payload)
	case name == "handler/query":
		p.handleHandlerQuery()
	case name == "session/end":
		p.handleSessionEnd(header)
	case strings.HasPrefix(name, "ack/"):
		p.handleAck(header, strings.TrimPrefix(name, "ack/"), correlationData)
	default:
		p.logger.Warn("dropping unknown control message", "name", name)
	}
}

func (p *Provider) handleHandlerAdd(header codec.ControlHeader, payload []byte) {
	msg, err := codec.DecodeHandlerAdd(payload)

	if err != nil {
		p.logger.Warn("malformed handler/add", "sender", header.SenderUUID, "err", err)
		return
	}

	firstSight := p.upsertRemoteHandler(header.SenderUUID, remoteHandlerDescriptor{
		ID:     msg.Handler.HandlerID,
		Topics: msg.Handler.Topics,
		Filter: Filter(msg.Handler.Filter),
	})

	if firstSight {
		p.announceHandlerUpdate()
	}
}

// upsertRemoteHandler records d under the peer's RemoteFrameworkEntry,
// creating the entry on the first sighting of that UUID.
func (p *Provider) upsertRemoteHandler(sender uuid.UUID, d remoteHandlerDescriptor) (firstSight bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.framework[sender]

	if !ok {
		entry = newRemoteFrameworkEntry(sender)
		p.framework[sender] = entry
		firstSight = true
	}

	entry.addHandler(d)
	entry.resetNoAck()

	return firstSight
}

func (p *Provider) handleHandlerRemove(header codec.ControlHeader, payload []byte) {
	msg, err := codec.DecodeHandlerRemove(payload)

	if err != nil {
		p.logger.Warn("malformed handler/remove", "sender", header.SenderUUID, "err", err)
		return
	}

	p.mu.Lock()
	entry, ok := p.framework[header.SenderUUID]

	if ok {
		entry.removeHandler(msg.HandlerID)
		entry.resetNoAck()

		if entry.empty() {
			delete(p.framework, header.SenderUUID)
		}
	}

	p.mu.Unlock()

	p.reevaluatePendingForPeer(header.SenderUUID)
}

func (p *Provider) handleHandlerUpdate(header codec.ControlHeader, payload []byte) {
	msg, err := codec.DecodeHandlerUpdate(payload)

	if err != nil {
		p.logger.Warn("malformed handler/update", "sender", header.SenderUUID, "err", err)
		return
	}

	descriptors := make([]remoteHandlerDescriptor, 0, len(msg.Handlers))

	for _, d := range msg.Handlers {
		descriptors = append(descriptors, remoteHandlerDescriptor{
			ID:     d.HandlerID,
			Topics: d.Topics,
			Filter: Filter(d.Filter),
		})
	}

	p.mu.Lock()

	entry, ok := p.framework[header.SenderUUID]
	firstSight := !ok

	if !ok {
		entry = newRemoteFrameworkEntry(header.SenderUUID)
		p.framework[header.SenderUUID] = entry
	}

	entry.replaceHandlers(descriptors)
	entry.resetNoAck()

	if entry.empty() {
		delete(p.framework, header.SenderUUID)
	}

	p.mu.Unlock()

	p.reevaluatePendingForPeer(header.SenderUUID)

	if firstSight {
		p.announceHandlerUpdate()
	}
}

// reevaluatePendingForPeer re-checks every pending sync wait after a
// peer announced handler removals or a replacement handler set: a peer
// that no longer has any handler matching a pending event stops owing
// its ACK, and waits whose peer set empties as a result resolve
// successfully.
func (p *Provider) reevaluatePendingForPeer(sender uuid.UUID) {
	p.pending.forEach(func(pse *pendingSyncEvent) {
		p.mu.Lock()
		entry, ok := p.framework[sender]
		matches := ok && entry.hasMatch(pse.topic, pse.props)
		p.mu.Unlock()

		if matches {
			return
		}

		if pse.clearPeer(sender) {
			pse.resolve(syncOutcomeOK)
		}
	})
}

// handleHandlerQuery replies with our own handler/update so the
// querying peer reconciles its view of us.
func (p *Provider) handleHandlerQuery() {
	p.announceHandlerUpdate()
}

func (p *Provider) announceHandlerUpdate() {
	p.mu.Lock()
	descriptors := make([]codec.HandlerDescriptor, 0, len(p.handlers))

	for _, h := range p.handlers {
		descriptors = append(descriptors, codec.HandlerDescriptor{
			HandlerID: h.ID,
			Topics:    h.Topics,
			Filter:    string(h.Filter),
		})
	}

	p.mu.Unlock()

	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].HandlerID < descriptors[j].HandlerID })

	payload, err := codec.EncodeHandlerUpdate(codec.HandlerUpdate{Handlers: descriptors})

	if err != nil {
		p.logger.Error("failed to encode handler/update", "err", err)
		return
	}

	p.publishControl("handler/update", byte(QoSAtMostOnce), payload)
}

// handleSessionEnd purges the sender's RemoteFrameworkEntry and clears
// it from every pending sync wait: a dead peer can no longer owe an ACK,
// so waits whose peer set empties as a result resolve successfully.
func (p *Provider) handleSessionEnd(header codec.ControlHeader) {
	p.mu.Lock()
	delete(p.framework, header.SenderUUID)
	p.mu.Unlock()

	p.pending.forEach(func(pse *pendingSyncEvent) {
		if pse.clearPeer(header.SenderUUID) {
			pse.resolve(syncOutcomeOK)
		}
	})
}

// handleAck resolves the pending sync event the ack satisfies. The
// correlation id travels in the MQTT v5 correlation data, mirroring how
// the original sync publish carried it out. An ack addressed to a
// different framework, or one whose correlation id or sender does not
// match any pending event, is dropped silently: a late ack after a
// timeout is an expected race, not a protocol violation.
func (p *Provider) handleAck(header codec.ControlHeader, addressee string, correlationData []byte) {
	if addressee != p.self.String() {
		return
	}

	if len(correlationData) < 8 {
		return
	}

	correlationID := binary.BigEndian.Uint64(correlationData[:8])

	pse, ok := p.pending.get(correlationID)

	if !ok {
		return
	}

	p.recordAck(header.SenderUUID)

	if pse.clearPeer(header.SenderUUID) {
		pse.resolve(syncOutcomeOK)
	}
}

// handleData matches topic/props against local handlers and pushes a
// DelivererJob. A non-empty response topic means the sender is blocked
// in a sync send; the job carries the ack details so the deliverer can
// reply once every local handler has returned.
func (p *Provider) handleData(topic string, payload []byte, header codec.ControlHeader, responseTopic string, correlationData []byte) {
	var props map[string]string

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &props); err != nil {
			p.logger.Warn("malformed data payload", "topic", topic, "err", err)
			return
		}
	}

	p.mu.Lock()
	var ids []uint64

	for id, h := range p.handlers {
		if h.matches(topic, props) {
			ids = append(ids, id)
		}
	}

	p.mu.Unlock()

	if len(ids) == 0 && responseTopic == "" {
		return
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	job := deliverer.Job{Topic: topic, Props: props, HandlerIDs: ids}

	if responseTopic != "" {
		job.Ack = &deliverer.AckRequest{ResponseTopic: responseTopic, CorrelationData: correlationData}
	}

	if err := p.deliverer.Submit(context.Background(), job, p.cfg.DelivererEnqueueWait); err != nil {
		p.logger.Warn("dropping delivery, deliverer queue full", "topic", topic, "err", err)
	}
}
