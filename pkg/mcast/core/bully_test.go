package core

import (
	"testing"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/metrics"
	"github.com/jabolina/groupcast/pkg/mcast/types"
	"go.uber.org/goleak"
)

type bullyRig struct {
	coordinator *Coordinator
	scheduler   *Scheduler
	bully       *BullyHandler
}

func newBullyRig(t *testing.T, network *MemoryNetwork, ownPort int, knownPorts ...int) *bullyRig {
	t.Helper()
	config := newTestConfiguration("peer", false)
	transport := network.NewTransport()
	if err := transport.BindUnicast(ownPort); err != nil {
		t.Fatalf("BindUnicast(%d): %v", ownPort, err)
	}

	invoker := NewInvoker()
	coordinator := NewCoordinator(config, transport, invoker, metrics.NoopRecorder{})
	coordinator.CompleteDiscovery(ownPort)
	coordinator.MutateVector(func(v *types.Vector) {
		for _, port := range knownPorts {
			if _, ok := v.Index[port]; !ok {
				v.Index[port] = 0
			}
		}
	})

	scheduler := NewScheduler(invoker)
	bully := NewBullyHandler(coordinator, scheduler)
	coordinator.Start()

	t.Cleanup(func() {
		scheduler.Stop()
		coordinator.Stop()
	})

	return &bullyRig{coordinator: coordinator, scheduler: scheduler, bully: bully}
}

func waitForLeader(t *testing.T, b *BullyHandler, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if b.LeaderProcessID() == want {
			return
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("leader never converged to %d, last seen %d", want, b.LeaderProcessID())
		}
	}
}

func TestBullyHigherRankedPeerWinsElection(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	network := NewMemoryNetwork(6000)
	low := newBullyRig(t, network, 6001, 6002)
	high := newBullyRig(t, network, 6002, 6001)

	low.bully.StartElection()

	waitForLeader(t, low.bully, 6002, time.Second)
	waitForLeader(t, high.bully, 6002, time.Second)

	if !high.coordinator.IsLeader() {
		t.Error("higher-ranked peer did not set itself as leader")
	}
	if low.coordinator.IsLeader() {
		t.Error("lower-ranked peer incorrectly believes it is the leader")
	}
}

func TestBullyLoneCandidateDeclaresItselfWinner(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	network := NewMemoryNetwork(6000)
	solo := newBullyRig(t, network, 6001)

	solo.bully.StartElection()

	waitForLeader(t, solo.bully, 6001, time.Second)
	if !solo.coordinator.IsLeader() {
		t.Error("sole candidate with no higher-ranked peers did not declare itself leader")
	}
}
