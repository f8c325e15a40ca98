package core

import (
	"sort"
	"sync"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// Job ids, timeouts, the participant floor and the sentinel proposal
// values are grounded on destinator/handlers/phase_king.py:
// PHASE_KING_INIT_JOB_ID/PHASE_KING_START_JOB_ID, INIT_SCHEDULE/
// START_TIMEOUT (both 30s), the 5-participant floor for f=1, and
// VALUE_BYZANTINE/VALUE_CORRECT.
const (
	phaseKingInitJobID    = "phase-king:init"
	phaseKingInitInterval = 30 * time.Second

	phaseKingStartJobID = "phase-king:start"

	minPhaseKingParticipants = 5 // 4f + 1 for f = 1
	faultTolerance           = 1

	// ByzantineValue and HonestValue are the sentinel proposal values from
	// the original source: the leader always proposes ByzantineValue,
	// regardless of what it actually observed, to exercise the tolerance
	// of one faulty participant.
	ByzantineValue = 66
	HonestValue    = 42
)

// phaseKingStartTimeout is how long the participant-discovery window stays
// open after PHASE_KING_INIT before the first round begins. A var, not a
// const, so tests can shrink it instead of waiting out a real 30s window.
var phaseKingStartTimeout = 30 * time.Second

type phaseKingFoundPayload struct {
	Value int `json:"value"`
}

type phaseKingSendPayload struct {
	Round int `json:"round"`
	Value int `json:"value"`
}

type phaseKingDecisionPayload struct {
	Round int `json:"round"`
	Value int `json:"value"`
}

// PhaseKingHandler implements Phase-King Byzantine agreement for f=1,
// requiring n>=5 participants (4f+1). The leader periodically starts a new
// run (INIT); every peer closes the participant-discovery window with a
// one-shot START timer, after which the lowest-ranked participant begins
// round-robin king rounds. Grounded on destinator/handlers/phase_king.py's
// init_new_round/handle_init/handle_found/start_first_round/
// execute_decision/handle_send/handle_decision.
type PhaseKingHandler struct {
	coordinator *Coordinator
	scheduler   *Scheduler

	mutex        sync.Mutex
	participants []int
	received     []int
	majorities   []int

	onDecision func(value int)
}

// NewPhaseKingHandler creates the handler, registers its message types, and
// arms both periodic jobs paused.
func NewPhaseKingHandler(coordinator *Coordinator, scheduler *Scheduler) *PhaseKingHandler {
	h := &PhaseKingHandler{
		coordinator: coordinator,
		scheduler:   scheduler,
	}
	coordinator.RegisterHandler(h.handleInit, types.PhaseKingInit)
	coordinator.RegisterHandler(h.handleFound, types.PhaseKingFound)
	coordinator.RegisterHandler(h.handleSend, types.PhaseKingSend)
	coordinator.RegisterHandler(h.handleDecision, types.PhaseKingDecision)
	scheduler.AddJob(phaseKingInitJobID, phaseKingInitInterval, h.initNewRound)
	scheduler.AddJob(phaseKingStartJobID, phaseKingStartTimeout, h.startFirstRound)
	return h
}

// Start resumes the leader-side INIT job. A no-op for non-leader peers:
// they only ever react to PHASE_KING_INIT, never originate it.
func (h *PhaseKingHandler) Start() {
	if !h.coordinator.IsLeader() {
		return
	}
	if job := h.scheduler.GetJob(phaseKingInitJobID); job != nil {
		job.Resume(phaseKingInitInterval)
	}
}

// OnDecision registers a callback invoked once a run reaches agreement.
func (h *PhaseKingHandler) OnDecision(fn func(value int)) {
	h.onDecision = fn
}

// ownValue is the sentinel this peer proposes: the leader always proposes
// ByzantineValue, matching the original source's "leader is always the
// traitor" test harness.
func (h *PhaseKingHandler) ownValue() int {
	if h.coordinator.IsLeader() {
		return ByzantineValue
	}
	return HonestValue
}

func (h *PhaseKingHandler) resetRunLocked() {
	own := h.coordinator.ProcessID()
	value := h.ownValue()
	h.participants = []int{own}
	h.received = []int{value}
	h.majorities = []int{value}
}

// initNewRound is the leader-side INIT tick: reset state, announce the run,
// and arm the participant-discovery window.
func (h *PhaseKingHandler) initNewRound() {
	if !h.coordinator.IsLeader() {
		return
	}

	if job := h.scheduler.GetJob(phaseKingInitJobID); job != nil {
		job.Pause()
	}

	h.mutex.Lock()
	h.resetRunLocked()
	h.mutex.Unlock()

	_ = h.coordinator.Send(types.PhaseKingInit, struct{}{}, nil, false)

	if job := h.scheduler.GetJob(phaseKingStartJobID); job != nil {
		job.Resume(phaseKingStartTimeout)
	}
}

// handleInit is a non-leader's reaction to PHASE_KING_INIT: reset local
// state, record the leader as a participant, answer with this peer's own
// value, and arm the same discovery window. A peer still discovering its
// own process id ignores the INIT.
func (h *PhaseKingHandler) handleInit(packet types.JsonPacket) {
	if h.coordinator.Mode() != ModeOperational {
		return
	}

	h.mutex.Lock()
	h.resetRunLocked()
	h.participants = appendSorted(h.participants, packet.Vector.ProcessID)
	h.mutex.Unlock()

	_ = h.coordinator.Send(types.PhaseKingFound, phaseKingFoundPayload{Value: h.ownValue()}, nil, false)

	if job := h.scheduler.GetJob(phaseKingStartJobID); job != nil {
		job.Resume(phaseKingStartTimeout)
	}
}

// handleFound records a discovered participant's id and proposed value.
func (h *PhaseKingHandler) handleFound(packet types.JsonPacket) {
	found, ok := decodePayload[phaseKingFoundPayload](packet.Payload)
	if !ok {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.participants = appendSorted(h.participants, packet.Vector.ProcessID)
	h.received = append(h.received, found.Value)
}

// startFirstRound fires when the discovery window (START) closes. If fewer
// than minPhaseKingParticipants joined, the run is abandoned and the leader
// reschedules INIT; otherwise the lowest-ranked participant (round 0's
// king) computes and announces the first decision.
func (h *PhaseKingHandler) startFirstRound() {
	if job := h.scheduler.GetJob(phaseKingStartJobID); job != nil {
		job.Pause()
	}

	h.mutex.Lock()
	participants := append([]int(nil), h.participants...)
	received := append([]int(nil), h.received...)
	h.mutex.Unlock()

	if len(participants) < minPhaseKingParticipants {
		h.coordinator.Logger().Infof("phase-king: only %d participants joined, abandoning run", len(participants))
		h.Start()
		return
	}

	if h.coordinator.ProcessID() == participants[0] {
		h.executeDecision(received, 0)
	}
}

// executeDecision computes the majority of received for the given round,
// multicasts the decision, and if this peer is also that round's king
// (participants[round]), applies its own decision immediately.
func (h *PhaseKingHandler) executeDecision(received []int, round int) {
	majority := majorityOf(received)
	_ = h.coordinator.Send(types.PhaseKingDecision, phaseKingDecisionPayload{Round: round, Value: majority}, nil, false)

	h.mutex.Lock()
	isKing := round < len(h.participants) && h.coordinator.ProcessID() == h.participants[round]
	h.mutex.Unlock()

	if isKing {
		h.handleDecisionMsg(round, majority)
	}
}

// handleSend records a peer's round value; once this peer (this round's
// king) has heard from every known participant, it executes the decision.
func (h *PhaseKingHandler) handleSend(packet types.JsonPacket) {
	msg, ok := decodePayload[phaseKingSendPayload](packet.Payload)
	if !ok {
		return
	}

	h.mutex.Lock()
	h.received = append(h.received, msg.Value)
	if msg.Round == 0 {
		h.participants = appendSorted(h.participants, packet.Vector.ProcessID)
	}
	received := append([]int(nil), h.received...)
	participants := h.participants
	own := h.coordinator.ProcessID()
	h.mutex.Unlock()

	if msg.Round < len(participants) && own == participants[msg.Round] && len(received) == len(participants) {
		h.executeDecision(received, msg.Round)
	}
}

// handleDecision accepts a PHASE_KING_DECISION broadcast by this round's
// king, resetting received on round 0 per the original source's reset
// rule, then folds the majority into this peer's own state.
func (h *PhaseKingHandler) handleDecision(packet types.JsonPacket) {
	msg, ok := decodePayload[phaseKingDecisionPayload](packet.Payload)
	if !ok {
		return
	}

	if msg.Round == 0 {
		h.mutex.Lock()
		h.received = []int{h.ownValue()}
		h.mutex.Unlock()
	}

	h.handleDecisionMsg(msg.Round, msg.Value)
}

// handleDecisionMsg appends majority to this run's majorities tally, and
// either terminates the run (more than |participants|/4+1 rounds agreed)
// or unicasts this peer's own value to next round's king.
func (h *PhaseKingHandler) handleDecisionMsg(round int, majority int) {
	h.mutex.Lock()
	h.majorities = append(h.majorities, majority)
	majorities := append([]int(nil), h.majorities...)
	participants := h.participants
	h.mutex.Unlock()

	if len(majorities) > len(participants)/4+1 {
		decided := majorityOf(majorities)
		h.coordinator.Logger().Infof("phase-king: decided value %d after %d rounds", decided, len(majorities)-1)
		if h.onDecision != nil {
			h.onDecision(decided)
		}
		h.Start()
		return
	}

	nextRound := round + 1
	if nextRound >= len(participants) {
		return
	}

	h.mutex.Lock()
	ownValue := h.ownValue()
	decider := participants[nextRound]
	h.mutex.Unlock()

	target := decider
	_ = h.coordinator.Send(types.PhaseKingSend, phaseKingSendPayload{Round: nextRound, Value: ownValue}, &target, false)
}

// majorityOf returns the most-frequent item in items, ties broken toward
// whichever value was encountered first.
func majorityOf(items []int) int {
	tally := make(map[int]int, len(items))
	order := make([]int, 0, len(items))
	for _, v := range items {
		if _, seen := tally[v]; !seen {
			order = append(order, v)
		}
		tally[v]++
	}

	best := items[0]
	bestCount := 0
	for _, v := range order {
		if tally[v] > bestCount {
			best, bestCount = v, tally[v]
		}
	}
	return best
}

func appendSorted(values []int, v int) []int {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	values = append(values, v)
	sort.Ints(values)
	return values
}
