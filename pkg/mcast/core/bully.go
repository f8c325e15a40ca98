package core

import (
	"sync"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// Job identifiers and timeouts are grounded on
// destinator/handlers/bully.py's BULLY_CALL_JOB_ID/BULLY_RESPONSE_JOB_ID/
// BULLY_COORDINATOR_JOB_ID and their scheduled intervals.
const (
	bullyCallJobID         = "bully:call"
	bullyResponseJobID     = "bully:response"
	bullyCoordinatorJobID  = "bully:coordinator"

	bullyCallInterval       = 40 * time.Second
	bullyResponseTimeout    = 10 * time.Second
	bullyCoordinatorTimeout = 30 * time.Second
)

type electionPayload struct {
	Candidate int `json:"candidate"`
}

type votePayload struct {
	Voter int `json:"voter"`
}

type coordinatorPayload struct {
	Leader int `json:"leader"`
}

// BullyHandler implements leader election: the highest process id among
// the known peers wins. Grounded on destinator/handlers/bully.py's
// call_for_election/handle_election/handle_vote/handle_coordinate.
type BullyHandler struct {
	coordinator *Coordinator
	scheduler   *Scheduler

	mutex          sync.Mutex
	electing       bool
	leaderProcessID int
}

// NewBullyHandler creates the handler, registers its message types, and
// arms the periodic liveness-probe job (paused until Start is called).
func NewBullyHandler(coordinator *Coordinator, scheduler *Scheduler) *BullyHandler {
	h := &BullyHandler{
		coordinator:     coordinator,
		scheduler:       scheduler,
		leaderProcessID: types.UnassignedProcess,
	}
	if coordinator.IsLeader() {
		h.leaderProcessID = coordinator.ProcessID()
	}
	coordinator.RegisterHandler(h.handleElection, types.Election)
	coordinator.RegisterHandler(h.handleVote, types.Vote)
	coordinator.RegisterHandler(h.handleCoordinator, types.Coordinator)
	scheduler.AddJob(bullyCallJobID, bullyCallInterval, h.probeLeader)
	return h
}

// Start begins the periodic leader liveness probe. Call once discovery has
// completed and this peer knows its own process id.
func (h *BullyHandler) Start() {
	if job := h.scheduler.GetJob(bullyCallJobID); job != nil {
		job.Resume(bullyCallInterval)
	}
}

// LeaderProcessID returns the process id this peer currently believes is
// the leader, or types.UnassignedProcess if no leader has been observed
// yet.
func (h *BullyHandler) LeaderProcessID() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.leaderProcessID
}

// probeLeader runs on every tick of the periodic job: the current leader
// does nothing, everyone else starts (or restarts) an election. The
// original source ties this to a missed-heartbeat detector; this module
// has no separate heartbeat channel, so periodic re-election is the
// liveness check (a peer that is still reachable simply re-wins every
// time, which is a harmless no-op beyond re-announcing COORDINATOR).
func (h *BullyHandler) probeLeader() {
	if h.coordinator.IsLeader() {
		return
	}
	h.StartElection()
}

// StartElection sends ELECTION to every known peer ranked above this one
// and arms the response timeout. If no peer outranks this one, it wins
// immediately.
func (h *BullyHandler) StartElection() {
	h.mutex.Lock()
	if h.electing {
		h.mutex.Unlock()
		return
	}
	h.electing = true
	h.mutex.Unlock()

	own := h.coordinator.ProcessID()
	higher := h.higherRankedPeers(own)

	if len(higher) == 0 {
		h.declareWinner()
		return
	}

	for _, peer := range higher {
		target := peer
		_ = h.coordinator.Send(types.Election, electionPayload{Candidate: own}, &target, false)
	}

	h.scheduler.AddJob(bullyResponseJobID, bullyResponseTimeout, h.onResponseTimeout).Resume(bullyResponseTimeout)
}

func (h *BullyHandler) higherRankedPeers(own int) []int {
	var peers []int
	for process := range h.coordinator.Vector().Index {
		if process != types.UnassignedProcess && process > own {
			peers = append(peers, process)
		}
	}
	return peers
}

// onResponseTimeout fires when no higher-ranked peer answered an ELECTION
// within bullyResponseTimeout: this peer declares itself the winner.
func (h *BullyHandler) onResponseTimeout() {
	h.declareWinner()
}

// handleElection answers a lower-ranked peer's ELECTION with a VOTE, then
// starts its own election, since receiving a CALL means this peer
// outranks the caller and must assert its own candidacy.
func (h *BullyHandler) handleElection(packet types.JsonPacket) {
	req, ok := decodePayload[electionPayload](packet.Payload)
	if !ok {
		return
	}
	target := req.Candidate
	_ = h.coordinator.Send(types.Vote, votePayload{Voter: h.coordinator.ProcessID()}, &target, false)

	h.mutex.Lock()
	h.electing = false
	h.mutex.Unlock()
	h.StartElection()
}

// handleVote pauses the response-timeout job (a higher peer is alive) and
// arms the coordinator-wait job: if no COORDINATOR announcement follows,
// the election is retried.
func (h *BullyHandler) handleVote(_ types.JsonPacket) {
	if job := h.scheduler.GetJob(bullyResponseJobID); job != nil {
		job.Pause()
	}
	h.scheduler.AddJob(bullyCoordinatorJobID, bullyCoordinatorTimeout, h.onCoordinatorTimeout).Resume(bullyCoordinatorTimeout)
}

// onCoordinatorTimeout fires when a higher peer voted but never announced
// itself as coordinator; this peer retries the election.
func (h *BullyHandler) onCoordinatorTimeout() {
	h.mutex.Lock()
	h.electing = false
	h.mutex.Unlock()
	h.StartElection()
}

// declareWinner makes this peer the leader and announces it to the group.
func (h *BullyHandler) declareWinner() {
	own := h.coordinator.ProcessID()

	h.mutex.Lock()
	h.leaderProcessID = own
	h.electing = false
	h.mutex.Unlock()

	h.coordinator.SetLeader(true)
	_ = h.coordinator.Send(types.Coordinator, coordinatorPayload{Leader: own}, nil, false)
}

// handleCoordinator accepts the announced leader, unless its id ranks below
// our own: a lower-ranked announcement means the announcer missed a
// higher-ranked candidate, so this peer re-calls the election instead of
// deferring to it.
func (h *BullyHandler) handleCoordinator(packet types.JsonPacket) {
	res, ok := decodePayload[coordinatorPayload](packet.Payload)
	if !ok {
		return
	}

	own := h.coordinator.ProcessID()

	h.mutex.Lock()
	h.leaderProcessID = res.Leader
	h.electing = false
	h.mutex.Unlock()

	if job := h.scheduler.GetJob(bullyResponseJobID); job != nil {
		job.Pause()
	}
	if job := h.scheduler.GetJob(bullyCoordinatorJobID); job != nil {
		job.Pause()
	}

	h.coordinator.SetLeader(res.Leader == own)

	if res.Leader < own {
		h.StartElection()
		return
	}

	if job := h.scheduler.GetJob(bullyCallJobID); job != nil {
		job.Resume(bullyCallInterval)
	}
}
