package core

import (
	"fmt"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/metrics"
	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// discoveryAnnounceInterval is how often a joining peer re-broadcasts
// DISCOVERY while waiting for a response.
const discoveryAnnounceInterval = 2 * time.Second

// discoveryJobID identifies the periodic re-announce job on the peer's
// scheduler.
const discoveryJobID = "discovery:announce"

// Peer assembles a transport, a coordinator, every protocol handler and a
// scheduler into the single object the application boundary talks to.
type Peer struct {
	configuration *types.Configuration

	transport   Transport
	coordinator *Coordinator
	scheduler   *Scheduler
	invoker     Invoker

	discovery *DiscoveryHandler
	vector    *VectorTimestampHandler
	bully     *BullyHandler
	phaseKing *PhaseKingHandler
}

// NewPeer builds a peer backed by real UDP multicast sockets.
func NewPeer(configuration *types.Configuration, recorder metrics.Recorder) (*Peer, error) {
	if configuration.Logger == nil {
		return nil, fmt.Errorf("groupcast: configuration.Logger must not be nil")
	}
	if configuration.Identifier == "" {
		return nil, fmt.Errorf("groupcast: configuration.Identifier must not be empty")
	}

	invoker := NewInvoker()
	transport, err := NewUDPTransport(configuration.MulticastAddress, configuration.MulticastPort, configuration.Logger, invoker)
	if err != nil {
		return nil, err
	}

	return newPeer(configuration, transport, invoker, recorder)
}

// NewMemoryPeer builds a peer backed by an in-memory Transport, for tests
// that want to exercise the full protocol stack deterministically without
// real sockets.
func NewMemoryPeer(configuration *types.Configuration, network *MemoryNetwork, recorder metrics.Recorder) (*Peer, error) {
	invoker := NewInvoker()
	transport := network.NewTransport()
	return newPeer(configuration, transport, invoker, recorder)
}

func newPeer(configuration *types.Configuration, transport Transport, invoker Invoker, recorder metrics.Recorder) (*Peer, error) {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	coordinator := NewCoordinator(configuration, transport, invoker, recorder)
	scheduler := NewScheduler(invoker)

	p := &Peer{
		configuration: configuration,
		transport:     transport,
		coordinator:   coordinator,
		scheduler:     scheduler,
		invoker:       invoker,
		discovery:     NewDiscoveryHandler(coordinator),
		vector:        NewVectorTimestampHandler(coordinator),
		bully:         NewBullyHandler(coordinator, scheduler),
		phaseKing:     NewPhaseKingHandler(coordinator, scheduler),
	}

	if configuration.Leader {
		if err := transport.BindUnicast(configuration.StartingPort - 1); err != nil {
			return nil, err
		}
	}

	coordinator.Start()

	if configuration.Leader {
		p.bully.Start()
		p.phaseKing.Start()
	} else {
		p.invoker.Spawn(p.awaitDiscovery)
	}

	return p, nil
}

// awaitDiscovery re-announces DISCOVERY on a scheduled job until the leader
// responds, then cancels that job, binds the assigned unicast port and
// starts the election liveness probe. It returns early if the peer is
// stopped before discovery completes.
func (p *Peer) awaitDiscovery() {
	job := p.scheduler.AddJob(discoveryJobID, discoveryAnnounceInterval, p.discovery.Announce)
	job.Resume(discoveryAnnounceInterval)
	p.discovery.Announce()

	select {
	case <-p.discovery.Joined():
	case <-p.coordinator.ctx.Done():
		job.Pause()
		return
	}
	job.Pause()

	port := p.coordinator.ProcessID()
	if err := p.transport.BindUnicast(port); err != nil {
		p.coordinator.Logger().Errorf("failed binding assigned port %d: %v", port, err)
		return
	}
	p.bully.Start()
	p.phaseKing.Start()
}

// Send originates an application message, incrementing this peer's vector
// clock entry.
func (p *Peer) Send(t types.MessageType, payload interface{}) error {
	return p.coordinator.Send(t, payload, nil, true)
}

// OnPhaseKingDecision registers a callback invoked when a Phase-King run
// this peer is participating in reaches agreement.
func (p *Peer) OnPhaseKingDecision(fn func(value int)) {
	p.phaseKing.OnDecision(fn)
}

// DeliverChannel streams causally-ordered application payloads.
func (p *Peer) DeliverChannel() <-chan types.DataHolder {
	return p.coordinator.DeliverChannel()
}

// SetLeader forces this peer's leader flag. Used by tests to simulate a
// bully takeover without waiting out the election timeouts.
func (p *Peer) SetLeader(leader bool) {
	p.coordinator.SetLeader(leader)
}

// IsLeader reports whether this peer currently believes it is the leader.
func (p *Peer) IsLeader() bool {
	return p.coordinator.IsLeader()
}

// ProcessID returns this peer's assigned process id (unicast port), or
// types.UnassignedProcess before discovery completes.
func (p *Peer) ProcessID() int {
	return p.coordinator.ProcessID()
}

// Vector returns a snapshot of this peer's vector clock.
func (p *Peer) Vector() types.Vector {
	return p.coordinator.Vector()
}

// Stop halts the scheduler, the coordinator's dispatch loop and the
// transport, then waits for every spawned goroutine to return.
func (p *Peer) Stop() {
	p.scheduler.Stop()
	p.coordinator.Stop()
	p.transport.Close()
	p.invoker.Stop()
}
