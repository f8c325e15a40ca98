package core

import (
	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// discoveryPayload is the DISCOVERY request body: just the requester's
// durable identifier, so the leader can hand out the same port again if
// this peer has asked before (e.g. after a socket restart).
type discoveryPayload struct {
	Identifier string `json:"identifier"`
}

// discoveryResponsePayload carries the assigned port and a snapshot of the
// leader's vector so the new peer can seed its own clock without missing
// any already-observed counters.
type discoveryResponsePayload struct {
	Identifier        string      `json:"identifier"`
	AssignedProcessID int         `json:"assigned_process_id"`
	Vector            types.Vector `json:"vector"`
}

// DiscoveryHandler implements group join: a joining peer multicasts
// DISCOVERY until it receives a response addressed to its identifier; the
// leader answers every DISCOVERY with a freshly (or previously) assigned
// unicast port. Grounded on destinator/handlers/base_handler.py's
// discovery/discovery_response methods and destinator/discovery.py.
type DiscoveryHandler struct {
	coordinator *Coordinator
	identifier  string

	joined chan struct{}
}

// NewDiscoveryHandler creates the handler and registers it for DISCOVERY
// and DISCOVERY_RESPONSE.
func NewDiscoveryHandler(coordinator *Coordinator) *DiscoveryHandler {
	h := &DiscoveryHandler{
		coordinator: coordinator,
		identifier:  coordinator.Identifier(),
		joined:      make(chan struct{}),
	}
	coordinator.RegisterHandler(h.handleDiscovery, types.Discovery)
	coordinator.RegisterHandler(h.handleDiscoveryResponse, types.DiscoveryResponse)
	if coordinator.IsLeader() {
		close(h.joined)
	}
	return h
}

// Joined is closed once this peer has a process id assigned, either
// because it bootstrapped as leader or because discovery completed.
func (h *DiscoveryHandler) Joined() <-chan struct{} {
	return h.joined
}

// Announce multicasts a single DISCOVERY request. Callers retry this on a
// short interval (see Peer's scheduler wiring) until Joined() closes.
func (h *DiscoveryHandler) Announce() {
	if h.coordinator.IsLeader() {
		return
	}
	_ = h.coordinator.Send(types.Discovery, discoveryPayload{Identifier: h.identifier}, nil, false)
}

// handleDiscovery runs on the leader only (validate() already enforces
// this); it assigns a port - reusing one already assigned to this
// identifier - and answers with DISCOVERY_RESPONSE.
func (h *DiscoveryHandler) handleDiscovery(packet types.JsonPacket) {
	req, ok := decodePayload[discoveryPayload](packet.Payload)
	if !ok {
		return
	}

	ports := h.coordinator.Ports()
	if ports == nil {
		return
	}

	port, isNew := ports.Assign(req.Identifier)

	var snapshot types.Vector
	h.coordinator.MutateVector(func(v *types.Vector) {
		if isNew {
			// The leader seeds the newcomer's counter at zero, not its
			// own current counter: a fresh peer has observed nothing yet.
			v.Index[port] = 0
		}
		snapshot = v.Clone()
	})

	_ = h.coordinator.Send(types.DiscoveryResponse, discoveryResponsePayload{
		Identifier:        req.Identifier,
		AssignedProcessID: port,
		Vector:            snapshot,
	}, nil, false)
}

// handleDiscoveryResponse runs on every still-discovering peer, not only the
// one the response is addressed to: each of them max-merges the leader's
// vector so their clocks agree on every counter observed so far, even
// before they have their own process id assigned. Only the addressee goes
// on to complete discovery.
func (h *DiscoveryHandler) handleDiscoveryResponse(packet types.JsonPacket) {
	if h.coordinator.Mode() == ModeOperational {
		return
	}

	resp, ok := decodePayload[discoveryResponsePayload](packet.Payload)
	if !ok {
		return
	}

	h.coordinator.MutateVector(func(v *types.Vector) {
		// Merge policy is max(existing, incoming) per key, never a blind
		// overwrite: our own counter (once seeded at zero by
		// CompleteDiscovery) must never regress, and any peer already
		// discovered before this response arrived keeps the larger of the
		// two observations.
		for process, count := range resp.Vector.Index {
			if count > v.Get(process) {
				v.Index[process] = count
			}
		}
	})

	if resp.Identifier != h.identifier {
		return
	}

	h.coordinator.CompleteDiscovery(resp.AssignedProcessID)

	select {
	case <-h.joined:
	default:
		close(h.joined)
	}
}
