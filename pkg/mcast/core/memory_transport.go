package core

import (
	"sync"

	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// MemoryNetwork is a shared in-process registry of MemoryTransport
// instances keyed by port, used in tests to exercise the coordinator and
// handlers deterministically without real sockets. Grounded on
// test/testing.go's TestInvoker substitution pattern: swap the production
// collaborator for an in-memory fake that still satisfies the same
// interface.
type MemoryNetwork struct {
	groupPort int

	mutex sync.Mutex
	all   []*MemoryTransport
	peers map[int]*MemoryTransport
}

// NewMemoryNetwork creates a registry for peers sharing groupPort as their
// multicast port.
func NewMemoryNetwork(groupPort int) *MemoryNetwork {
	return &MemoryNetwork{groupPort: groupPort, peers: make(map[int]*MemoryTransport)}
}

// NewTransport creates a MemoryTransport bound to the network. It joins
// multicast fan-out immediately (so it can receive DISCOVERY_RESPONSE
// before a unicast port is assigned); BindUnicast later makes it directly
// addressable by port.
func (n *MemoryNetwork) NewTransport() *MemoryTransport {
	t := &MemoryTransport{
		network:  n,
		producer: make(chan types.ReceivedPacket, 256),
		port:     types.UnassignedProcess,
	}
	n.mutex.Lock()
	n.all = append(n.all, t)
	n.mutex.Unlock()
	return t
}

// MemoryTransport is an in-process Transport: Send delivers directly into
// the target's channel instead of touching a socket.
type MemoryTransport struct {
	network *MemoryNetwork
	port    int

	mutex  sync.Mutex
	closed bool

	producer chan types.ReceivedPacket
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) BindUnicast(port int) error {
	t.network.mutex.Lock()
	defer t.network.mutex.Unlock()
	t.port = port
	t.network.peers[port] = t
	return nil
}

func (t *MemoryTransport) Send(targetPort int, data []byte) error {
	t.network.mutex.Lock()
	defer t.network.mutex.Unlock()

	deliver := func(target *MemoryTransport) {
		target.mutex.Lock()
		closed := target.closed
		target.mutex.Unlock()
		if closed {
			return
		}
		select {
		case target.producer <- types.ReceivedPacket{Data: data, Sender: types.PeerAddress{Address: "memory", Port: t.port}}:
		default:
		}
	}

	if targetPort == t.network.groupPort {
		// Multicast loopback delivers to the sender too, matching real
		// IP_ADD_MEMBERSHIP sockets; the coordinator's own-echo filter
		// drops it before dispatch.
		for _, target := range t.network.all {
			deliver(target)
		}
		return nil
	}

	if target, ok := t.network.peers[targetPort]; ok {
		deliver(target)
	}
	return nil
}

func (t *MemoryTransport) Listen() <-chan types.ReceivedPacket {
	return t.producer
}

func (t *MemoryTransport) Close() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.producer)
}
