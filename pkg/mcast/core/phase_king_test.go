package core

import (
	"testing"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/metrics"
	"go.uber.org/goleak"
)

type phaseKingRig struct {
	coordinator *Coordinator
	scheduler   *Scheduler
	phaseKing   *PhaseKingHandler
	decisions   chan int
}

func newPhaseKingRig(t *testing.T, network *MemoryNetwork, ownPort int, leader bool) *phaseKingRig {
	t.Helper()
	config := newTestConfiguration("peer", leader)
	transport := network.NewTransport()
	if err := transport.BindUnicast(ownPort); err != nil {
		t.Fatalf("BindUnicast(%d): %v", ownPort, err)
	}

	invoker := NewInvoker()
	coordinator := NewCoordinator(config, transport, invoker, metrics.NoopRecorder{})
	coordinator.CompleteDiscovery(ownPort)
	if leader {
		coordinator.SetLeader(true)
	}

	scheduler := NewScheduler(invoker)
	phaseKing := NewPhaseKingHandler(coordinator, scheduler)
	decisions := make(chan int, 4)
	phaseKing.OnDecision(func(value int) { decisions <- value })
	coordinator.Start()

	t.Cleanup(func() {
		scheduler.Stop()
		coordinator.Stop()
	})

	return &phaseKingRig{coordinator: coordinator, scheduler: scheduler, phaseKing: phaseKing, decisions: decisions}
}

func waitDecision(t *testing.T, rig *phaseKingRig, timeout time.Duration) int {
	t.Helper()
	select {
	case v := <-rig.decisions:
		return v
	case <-time.After(timeout):
		t.Fatal("phase-king run never decided")
		return 0
	}
}

// TestPhaseKingToleratesByzantineLeaderAndDecidesHonestMajority runs a full
// 5-participant agreement round with a byzantine leader (always proposing
// ByzantineValue) and 4 honest followers, asserting that the leader and
// every follower decide HonestValue.
func TestPhaseKingToleratesByzantineLeaderAndDecidesHonestMajority(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	phaseKingStartTimeout = 30 * time.Millisecond
	defer func() { phaseKingStartTimeout = 30 * time.Second }()

	network := NewMemoryNetwork(6000)
	leader := newPhaseKingRig(t, network, 6000, true)
	followers := []*phaseKingRig{
		newPhaseKingRig(t, network, 6001, false),
		newPhaseKingRig(t, network, 6002, false),
		newPhaseKingRig(t, network, 6003, false),
		newPhaseKingRig(t, network, 6004, false),
	}

	leader.phaseKing.initNewRound()

	decided := waitDecision(t, leader, 2*time.Second)
	if decided != HonestValue {
		t.Errorf("leader decided %d, want %d (honest majority over one byzantine)", decided, HonestValue)
	}

	for i, f := range followers {
		got := waitDecision(t, f, 2*time.Second)
		if got != HonestValue {
			t.Errorf("follower %d decided %d, want %d", i, got, HonestValue)
		}
	}
}

func TestPhaseKingAbandonsRunBelowParticipantFloor(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	phaseKingStartTimeout = 20 * time.Millisecond
	defer func() { phaseKingStartTimeout = 30 * time.Second }()

	network := NewMemoryNetwork(6000)
	leader := newPhaseKingRig(t, network, 6000, true)
	newPhaseKingRig(t, network, 6001, false)

	leader.phaseKing.initNewRound()

	select {
	case v := <-leader.decisions:
		t.Fatalf("expected no decision below the participant floor, got %d", v)
	case <-time.After(200 * time.Millisecond):
	}

	leader.phaseKing.mutex.Lock()
	count := len(leader.phaseKing.participants)
	leader.phaseKing.mutex.Unlock()
	if count >= minPhaseKingParticipants {
		t.Errorf("test setup invalid: %d participants already meets the floor", count)
	}
}
