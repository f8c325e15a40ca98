package core

import (
	"sync"

	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// HoldBack is the unordered set of received packets whose vectors are not
// yet causally deliverable.
type HoldBack struct {
	mutex   sync.Mutex
	packets []types.JsonPacket
}

// NewHoldBack creates an empty hold-back queue.
func NewHoldBack() *HoldBack {
	return &HoldBack{}
}

// Append adds a packet to the queue.
func (h *HoldBack) Append(packet types.JsonPacket) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.packets = append(h.packets, packet)
}

// Snapshot returns a copy of the currently held packets, in discovery
// order.
func (h *HoldBack) Snapshot() []types.JsonPacket {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	out := make([]types.JsonPacket, len(h.packets))
	copy(out, h.packets)
	return out
}

// Remove drops the packet whose identity matches remove (compared by
// originating process id and that process's sequence number, since
// packets carry no independent identifier).
func (h *HoldBack) Remove(remove types.JsonPacket) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for i, p := range h.packets {
		if samePacket(p, remove) {
			h.packets = append(h.packets[:i], h.packets[i+1:]...)
			return
		}
	}
}

func samePacket(a, b types.JsonPacket) bool {
	if a.Vector.ProcessID != b.Vector.ProcessID {
		return false
	}
	return a.Vector.Index[a.Vector.ProcessID] == b.Vector.Index[b.Vector.ProcessID]
}

// Len reports how many packets are currently held back.
func (h *HoldBack) Len() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.packets)
}
