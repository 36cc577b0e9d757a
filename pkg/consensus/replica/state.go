// Package replica implements the Consensus Replica: the PBFT
// three-phase state machine, view-change/new-view recovery, leader
// proposal scheduling, and finalization. Concurrency follows a coarse
// per-table locking discipline released before broadcast/I/O, with
// storage-backed recoverable state and audit-logged safety events, built
// around an explicit three-phase, per-round message-table design.
package replica

import (
	"sync"
	"time"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

// round is the per-(height,hash) bookkeeping: three message
// tables, each storing at most one message per validator.
type round struct {
	prePrepare map[ctypes.Address]*ctypes.ConsensusMessage
	prepare    map[ctypes.Address]*ctypes.ConsensusMessage
	commit     map[ctypes.Address]*ctypes.ConsensusMessage

	committedBroadcast bool // this replica has already broadcast COMMIT for this key in this view
}

func newRound() *round {
	return &round{
		prePrepare: make(map[ctypes.Address]*ctypes.ConsensusMessage),
		prepare:    make(map[ctypes.Address]*ctypes.ConsensusMessage),
		commit:     make(map[ctypes.Address]*ctypes.ConsensusMessage),
	}
}

// viewChangeRound is the per-newView bookkeeping: at most one VIEW_CHANGE
// per validator.
type viewChangeRound struct {
	messages map[ctypes.Address]*ctypes.ConsensusMessage
}

func newViewChangeRound() *viewChangeRound {
	return &viewChangeRound{messages: make(map[ctypes.Address]*ctypes.ConsensusMessage)}
}

// state holds every piece of mutable replica state, guarded by a single
// coarse mutex: tables are locked only across mutation and the quorum
// check; broadcast and I/O happen after release.
type state struct {
	mu sync.Mutex

	currentView       uint64
	isPrimary         bool
	isViewChanging    bool
	viewChangeTarget  uint64 // the newView this replica most recently broadcast VIEW_CHANGE for; bumped on escalation
	lastExecutedBlock uint64

	processingBlocks map[string]struct{}
	rounds           map[string]*round          // height:hash -> round
	viewChanges      map[uint64]*viewChangeRound // newView -> round

	lastLeaderMessage time.Time // for heartbeat-silence detection
}

func newState() *state {
	return &state{
		processingBlocks: make(map[string]struct{}),
		rounds:           make(map[string]*round),
		viewChanges:      make(map[uint64]*viewChangeRound),
	}
}

func (s *state) getRound(key string) *round {
	r, ok := s.rounds[key]
	if !ok {
		r = newRound()
		s.rounds[key] = r
	}
	return r
}

func (s *state) getViewChangeRound(newView uint64) *viewChangeRound {
	r, ok := s.viewChanges[newView]
	if !ok {
		r = newViewChangeRound()
		s.viewChanges[newView] = r
	}
	return r
}

func (s *state) dropRound(key string) {
	delete(s.rounds, key)
	delete(s.processingBlocks, key)
}
