package core

import (
	"testing"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/metrics"
	"github.com/jabolina/groupcast/pkg/mcast/types"
	"go.uber.org/goleak"
)

// TestPeerEndToEndDiscoveryAndCausalBroadcast exercises the full stack a
// device sits on top of: join via discovery, originate an application
// message, and have every other peer deliver it in causal order.
func TestPeerEndToEndDiscoveryAndCausalBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := NewMemoryNetwork(6000)
	leader, err := NewMemoryPeer(newTestConfiguration("leader", true), network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating leader: %v", err)
	}
	defer leader.Stop()

	sensor, err := NewMemoryPeer(newTestConfiguration("sensor", false), network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating sensor: %v", err)
	}
	defer sensor.Stop()

	observer, err := NewMemoryPeer(newTestConfiguration("observer", false), network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating observer: %v", err)
	}
	defer observer.Stop()

	waitForProcessID(t, sensor, time.Second)
	waitForProcessID(t, observer, time.Second)

	if err := sensor.Send(types.Temperature, map[string]interface{}{"celsius": 23.5}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case holder := <-observer.DeliverChannel():
		if holder.Type != types.Temperature {
			t.Errorf("delivered type %s, want %s", holder.Type, types.Temperature)
		}
	case <-time.After(time.Second):
		t.Fatal("observer never delivered the sensor's reading")
	}

	select {
	case holder := <-leader.DeliverChannel():
		if holder.Type != types.Temperature {
			t.Errorf("delivered type %s, want %s", holder.Type, types.Temperature)
		}
	case <-time.After(time.Second):
		t.Fatal("leader never delivered the sensor's reading")
	}
}

// TestPeerSetLeaderForcesBootstrapWithoutElection exercises the §6
// application-boundary escape hatch used by bootstrap tests: forcing
// leadership bypasses the election round trip entirely.
func TestPeerSetLeaderForcesBootstrapWithoutElection(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := NewMemoryNetwork(6000)
	solo, err := NewMemoryPeer(newTestConfiguration("solo", false), network, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("failed creating peer: %v", err)
	}
	defer solo.Stop()

	if solo.IsLeader() {
		t.Fatal("freshly created non-leader peer believes it is the leader")
	}

	solo.SetLeader(true)
	if !solo.IsLeader() {
		t.Fatal("SetLeader(true) did not take effect")
	}
}
