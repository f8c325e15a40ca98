package core

import "sync"

// PortsIdentifier is the leader-only mapping from a peer's durable
// identifier string to the unicast port it was assigned. Re-presenting an
// identifier (e.g. after a socket blip) always yields the same port, and
// the mapping is injective: distinct identifiers never share a port.
type PortsIdentifier struct {
	mutex       sync.Mutex
	portsByID   map[string]int
	nextPort    int
}

// NewPortsIdentifier creates an empty map that will start handing out
// ports at startingPort.
func NewPortsIdentifier(startingPort int) *PortsIdentifier {
	return &PortsIdentifier{
		portsByID: make(map[string]int),
		nextPort:  startingPort,
	}
}

// Assign returns the port bound to identifier, allocating a fresh one (the
// next available port) if this is the first time identifier has been
// seen.
func (p *PortsIdentifier) Assign(identifier string) (port int, isNew bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if port, ok := p.portsByID[identifier]; ok {
		return port, false
	}

	port = p.nextPort
	p.nextPort++
	p.portsByID[identifier] = port
	return port, true
}

// Observe records that port is already in use (e.g. the leader's own
// port, or a port learned from a DISCOVERY_RESPONSE broadcast by another
// leader instance), bumping the next-assigned port past it so assignments
// never collide.
func (p *PortsIdentifier) Observe(port int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if port >= p.nextPort {
		p.nextPort = port + 1
	}
}
