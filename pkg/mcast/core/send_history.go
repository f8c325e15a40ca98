package core

import (
	"sync"

	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// sendHistoryLimit is the bound at which SendHistory halves itself,
// dropping the oldest half: a ring buffer rather than an unbounded list.
const sendHistoryLimit = 10000

// SendHistory is the ordered sequence of packets this peer has originated,
// used to answer VT_REQUEST retransmission lookups.
type SendHistory struct {
	mutex   sync.Mutex
	entries []types.UnpackedPacket
}

// NewSendHistory creates an empty history.
func NewSendHistory() *SendHistory {
	return &SendHistory{}
}

// Append records a newly-originated packet, evicting the oldest half of
// the buffer once the bound is exceeded.
func (h *SendHistory) Append(packet types.UnpackedPacket) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.entries = append(h.entries, packet)
	if len(h.entries) > sendHistoryLimit {
		half := len(h.entries) / 2
		remaining := make([]types.UnpackedPacket, len(h.entries)-half)
		copy(remaining, h.entries[half:])
		h.entries = remaining
	}
}

// FindByOriginatorSequence returns the packet originated by processID whose
// vector index for processID equals sequence, if one is still retained.
func (h *SendHistory) FindByOriginatorSequence(processID int, sequence int64) (types.UnpackedPacket, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		entry := h.entries[i]
		if entry.Vector.ProcessID == processID && entry.Vector.Index[processID] == sequence {
			return entry, true
		}
	}
	return types.UnpackedPacket{}, false
}
