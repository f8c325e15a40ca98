package core

import (
	"testing"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/definition"
	"github.com/jabolina/groupcast/pkg/mcast/metrics"
	"github.com/jabolina/groupcast/pkg/mcast/types"
	"go.uber.org/goleak"
)

func newTestConfiguration(name string, leader bool) *types.Configuration {
	c := types.DefaultConfiguration(name)
	c.Identifier = name
	c.Leader = leader
	c.Logger = definition.NewDefaultLogger()
	c.Logger.ToggleDebug(false)
	return c
}

func waitForProcessID(t *testing.T, p *Peer, timeout time.Duration) int {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if id := p.ProcessID(); id != types.UnassignedProcess {
			return id
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for discovery to assign a process id")
		}
	}
}

func TestDiscoveryAssignsDistinctPorts(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := NewMemoryNetwork(6000)
	leader, err := NewMemoryPeer(newTestConfiguration("leader", true), network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating leader: %v", err)
	}
	defer leader.Stop()

	follower1, err := NewMemoryPeer(newTestConfiguration("follower-1", false), network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating follower-1: %v", err)
	}
	defer follower1.Stop()

	follower2, err := NewMemoryPeer(newTestConfiguration("follower-2", false), network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating follower-2: %v", err)
	}
	defer follower2.Stop()

	id1 := waitForProcessID(t, follower1, time.Second)
	id2 := waitForProcessID(t, follower2, time.Second)

	if id1 == id2 {
		t.Fatalf("both followers got the same process id %d", id1)
	}
	if !leader.IsLeader() {
		t.Fatal("leader peer does not believe it is the leader")
	}
	if follower1.IsLeader() || follower2.IsLeader() {
		t.Fatal("a follower believes it is the leader")
	}
}

func TestDiscoveryReassignsSamePortToSameIdentifier(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := NewMemoryNetwork(6000)
	leader, err := NewMemoryPeer(newTestConfiguration("leader", true), network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating leader: %v", err)
	}
	defer leader.Stop()

	config := newTestConfiguration("rejoiner", false)
	first, err := NewMemoryPeer(config, network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating first peer: %v", err)
	}
	firstPort := waitForProcessID(t, first, time.Second)
	first.Stop()

	second, err := NewMemoryPeer(config, network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating second peer: %v", err)
	}
	defer second.Stop()
	secondPort := waitForProcessID(t, second, time.Second)

	if firstPort != secondPort {
		t.Errorf("same identifier got different ports across rejoin: %d != %d", firstPort, secondPort)
	}
}
