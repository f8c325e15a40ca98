package core

import (
	"context"
	"sync"

	"github.com/jabolina/groupcast/pkg/mcast/metrics"
	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// HandlerFunc processes one decoded, validated packet.
type HandlerFunc func(packet types.JsonPacket)

// Coordinator owns the vector clock, the message-type dispatch table, the
// send-history ring, and the active-mode flag. It pulls received packets
// from the transport, decodes, validates, dispatches to a handler, and
// hands outbound packets straight to the transport.
type Coordinator struct {
	mutex sync.Mutex

	vector     types.Vector
	mode       Mode
	isLeader   bool
	identifier string

	configuration *types.Configuration
	transport     Transport
	log           types.Logger
	recorder      metrics.Recorder

	history *SendHistory
	ports   *PortsIdentifier // nil until this peer first becomes leader; kept after demotion

	dispatch map[types.MessageType]HandlerFunc

	deliver chan types.DataHolder

	invoker Invoker
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCoordinator creates a coordinator in discovering mode with a fresh
// vector clock.
func NewCoordinator(configuration *types.Configuration, transport Transport, invoker Invoker, recorder metrics.Recorder) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		vector:        types.NewVector(configuration.MulticastAddress),
		mode:          ModeDiscovering,
		isLeader:      configuration.Leader,
		identifier:    configuration.Identifier,
		configuration: configuration,
		transport:     transport,
		log:           configuration.Logger,
		recorder:      recorder,
		history:       NewSendHistory(),
		dispatch:      make(map[types.MessageType]HandlerFunc),
		deliver:       make(chan types.DataHolder, 64),
		invoker:       invoker,
		ctx:           ctx,
		cancel:        cancel,
	}
	if c.isLeader {
		c.vector.ProcessID = configuration.StartingPort - 1
		c.vector.Index = map[int]int64{c.vector.ProcessID: 0}
		c.ports = NewPortsIdentifier(configuration.StartingPort)
		c.mode = ModeOperational
	}
	return c
}

// RegisterHandler wires a handler function for every message type it
// claims in the dispatch table.
func (c *Coordinator) RegisterHandler(fn HandlerFunc, types_ ...types.MessageType) {
	for _, t := range types_ {
		c.dispatch[t] = fn
	}
}

// Start begins draining the transport's receive channel. Call once, after
// every handler has registered its message types.
func (c *Coordinator) Start() {
	c.invoker.Spawn(c.poll)
}

// Stop halts the dispatch loop. It does not close the transport; the
// owning Peer does that.
func (c *Coordinator) Stop() {
	c.cancel()
	close(c.deliver)
}

func (c *Coordinator) poll() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case received, ok := <-c.transport.Listen():
			if !ok {
				return
			}
			c.process(received)
		}
	}
}

// process decodes, validates and dispatches a single received datagram.
func (c *Coordinator) process(received types.ReceivedPacket) {
	vector, msgType, payload, err := unpack(received.Data)
	if err != nil {
		c.log.Warnf("dropping malformed packet from %v: %v", received.Sender, err)
		c.recorder.Dropped("malformed")
		return
	}

	packet := types.JsonPacket{
		ReceivedPacket: received,
		Vector:         vector,
		Type:           msgType,
		Payload:        payload,
	}

	if !c.validate(packet) {
		return
	}

	c.recorder.Received(string(msgType))

	handler, ok := c.dispatch[msgType]
	if !ok {
		c.log.Warnf("no handler registered for message type %s", msgType)
		return
	}
	handler(packet)
}

// validate rejects foreign-group traffic, a peer's own echo, and
// DISCOVERY packets seen by a non-leader. Own-echo filtering keys on
// (group_id, identifier) while discovering (both sides may still carry
// process_id -1), and on (group_id, process_id) once operational. The
// identifier comparison applies to DISCOVERY packets only, the one type a
// discovering peer sends: a DISCOVERY_RESPONSE carries the addressee's
// identifier too and must reach it.
func (c *Coordinator) validate(packet types.JsonPacket) bool {
	c.mutex.Lock()
	mode := c.mode
	ownGroup := c.vector.GroupID
	ownProcessID := c.vector.ProcessID
	ownIdentifier := c.identifier
	isLeader := c.isLeader
	c.mutex.Unlock()

	if packet.Vector.GroupID != ownGroup {
		c.log.Warnf("dropping packet from foreign group %s", packet.Vector.GroupID)
		c.recorder.Dropped("foreign-group")
		return false
	}

	if mode == ModeDiscovering {
		// Pre-discovery every peer's vector still carries the -1 sentinel
		// process id, so process-id comparison can't tell "my own echo"
		// apart from "another discovering peer's broadcast". Use the
		// durable identifier instead.
		if packet.Type == types.Discovery && payloadIdentifier(packet.Payload) == ownIdentifier {
			return false
		}
	} else if packet.Vector.ProcessID == ownProcessID {
		return false
	}

	if packet.Type == types.Discovery && !isLeader {
		return false
	}

	if isLeader && containsSentinel(packet.Vector) {
		c.log.Warnf("received vector with unassigned sentinel from %v, continuing", packet.Sender)
	}

	return true
}

func containsSentinel(v types.Vector) bool {
	_, ok := v.Index[types.UnassignedProcess]
	return ok
}

func payloadIdentifier(payload interface{}) string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := m["identifier"].(string)
	return id
}

// Send packs the current vector with type/payload and hands it to the
// transport, appending every originated packet to SendHistory for gap
// recovery. If target is nil, the packet is multicast to the group. If
// increment is true, the local send counter is pre-incremented before the
// vector is captured.
func (c *Coordinator) Send(t types.MessageType, payload interface{}, target *int, increment bool) error {
	c.mutex.Lock()
	if increment {
		c.vector.Index[c.vector.ProcessID]++
	}
	vector := c.vector.Clone()
	c.mutex.Unlock()

	data, err := pack(vector, t, payload)
	if err != nil {
		c.log.Errorf("failed packing %s: %v", t, err)
		return err
	}

	targetPort := c.configuration.MulticastPort
	if target != nil {
		targetPort = *target
	}

	c.history.Append(types.UnpackedPacket{Vector: vector, Type: t, Payload: payload})
	c.recorder.Sent(string(t))

	if err := c.transport.Send(targetPort, data); err != nil {
		c.log.Errorf("failed sending %s to %d: %v", t, targetPort, err)
		return err
	}
	return nil
}

// Deliver publishes a causally-ordered application payload to the
// application's deliver channel.
func (c *Coordinator) Deliver(holder types.DataHolder) {
	select {
	case c.deliver <- holder:
	case <-c.ctx.Done():
	}
}

// DeliverChannel is the stream of delivered payloads in causal order.
func (c *Coordinator) DeliverChannel() <-chan types.DataHolder {
	return c.deliver
}

// Vector returns a snapshot of the current vector clock.
func (c *Coordinator) Vector() types.Vector {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.vector.Clone()
}

// MutateVector runs fn with exclusive access to the live vector. Handlers
// use this instead of reaching into Coordinator's fields directly, keeping
// every mutation serialized on the coordinator's dispatch loop.
func (c *Coordinator) MutateVector(fn func(v *types.Vector)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	fn(&c.vector)
}

// ProcessID returns the peer's assigned unicast port, or
// types.UnassignedProcess before discovery completes.
func (c *Coordinator) ProcessID() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.vector.ProcessID
}

// IsLeader reports whether this peer currently believes it is the leader.
func (c *Coordinator) IsLeader() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.isLeader
}

// SetLeader updates the leader flag.
func (c *Coordinator) SetLeader(leader bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.isLeader = leader
	if leader && c.ports == nil {
		c.ports = NewPortsIdentifier(c.configuration.StartingPort)
	}
}

// Ports returns the leader-side identifier-to-port map, or nil if this
// peer has never been the leader. A peer that loses leadership keeps its
// map.
func (c *Coordinator) Ports() *PortsIdentifier {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ports
}

// Mode returns the coordinator's current active mode.
func (c *Coordinator) Mode() Mode {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.mode
}

// CompleteDiscovery transitions a discovering peer to operational: it
// adopts the assigned process id, drops the -1 sentinel key, and flips
// the mode so the dispatch table's default application path takes over.
func (c *Coordinator) CompleteDiscovery(processID int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.mode == ModeOperational {
		return
	}
	c.vector.ProcessID = processID
	delete(c.vector.Index, types.UnassignedProcess)
	if _, ok := c.vector.Index[processID]; !ok {
		c.vector.Index[processID] = 0
	}
	c.mode = ModeOperational
}

// Identifier returns this peer's durable discovery identifier.
func (c *Coordinator) Identifier() string {
	return c.identifier
}

// History exposes the send-history ring for the causal-order retransmit
// protocol.
func (c *Coordinator) History() *SendHistory {
	return c.history
}

// Logger exposes the configured logger to handlers.
func (c *Coordinator) Logger() types.Logger {
	return c.log
}
