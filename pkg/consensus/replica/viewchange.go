package replica

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/pkg/block"
	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

// roundTickLoop drives the leader's 5s proposal cadence and the
// background retry of parent-gap-buffered candidates.
func (r *Replica) roundTickLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.RoundTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-t.C:
			r.RetryUnknownParents(ctx)
			if _, isPrimary := r.currentViewSnapshot(); isPrimary {
				if err := r.proposeRound(ctx); err != nil {
					r.log.WarnContext(ctx, "leader proposal failed", zap.Error(err))
				}
			}
		}
	}
}

// proposeRound assembles a candidate block from the mempool, forges it,
// and drives it through the local PRE_PREPARE path exactly like an
// externally-received proposal would be.
func (r *Replica) proposeRound(ctx context.Context) error {
	view, _ := r.currentViewSnapshot()

	height, err := r.store.GetChainHeight(ctx)
	if err != nil {
		return err
	}
	var parent *ctypes.Block
	if height > 0 || r.hasGenesis(ctx) {
		parent, err = r.store.GetBlockByHeight(ctx, height)
		if err != nil {
			return err
		}
	}

	txs := r.mempool.Pick(r.cfg.MaxBlockTx)
	candidate := block.NewCandidate(parent, time.Now(), txs, uint64(time.Now().UnixNano()))

	if parent == nil {
		// Genesis is attributed to the fixed system identity, not the
		// proposing leader: no real key signs for it.
		block.ForgeGenesis(candidate)
	} else {
		signer := localSigner{crypto: r.crypto}
		if err := block.Forge(ctx, candidate, signer); err != nil {
			return err
		}
	}

	pp := &ctypes.ConsensusMessage{
		Type:        ctypes.MsgPrePrepare,
		BlockHeight: candidate.Index,
		BlockHash:   candidate.Hash,
		Validator:   r.localAddr,
		View:        view,
		Timestamp:   time.Now(),
		Block:       candidate,
	}
	if err := r.codec.Sign(ctx, pp); err != nil {
		return err
	}
	if err := r.bcast.Broadcast(ctx, pp); err != nil {
		r.log.WarnContext(ctx, "broadcast PRE_PREPARE failed", zap.Error(err))
	}
	if _, err := r.stream.Enqueue(ctx, pp); err != nil {
		r.log.WarnContext(ctx, "enqueue PRE_PREPARE failed", zap.Error(err))
	}
	return r.handlePrePrepare(ctx, pp, true)
}

func (r *Replica) hasGenesis(ctx context.Context) bool {
	_, err := r.store.GetBlockByHeight(ctx, 0)
	return err == nil
}

type localSigner struct {
	crypto interface {
		Sign(ctx context.Context, data []byte) ([]byte, error)
		LocalAddress() ctypes.Address
	}
}

func (s localSigner) Sign(ctx context.Context, data []byte) ([]byte, error) { return s.crypto.Sign(ctx, data) }
func (s localSigner) LocalAddress() ctypes.Address                          { return s.crypto.LocalAddress() }

// resetViewChangeTimer restarts the view-change timeout clock;
// it is kicked any time a legitimate message from the current leader
// arrives.
func (r *Replica) resetViewChangeTimer(ctx context.Context) {
	r.st.mu.Lock()
	r.st.lastLeaderMessage = time.Now()
	if r.vcTimer != nil {
		r.vcTimer.Stop()
	}
	r.vcTimer = time.AfterFunc(r.cfg.ViewChangeTimeout, func() {
		r.onViewChangeTimeout(ctx)
	})
	r.st.mu.Unlock()
}

// onViewChangeTimeout fires when the leader has gone silent past
// ViewChangeTimeout, so this replica broadcasts VIEW_CHANGE
// for newView = currentView+1, then arms the secondary escalation timer.
func (r *Replica) onViewChangeTimeout(ctx context.Context) {
	r.st.mu.Lock()
	if r.st.isViewChanging {
		r.st.mu.Unlock()
		return
	}
	r.st.isViewChanging = true
	newView := r.st.currentView + 1
	r.st.viewChangeTarget = newView
	r.st.mu.Unlock()

	r.broadcastViewChange(ctx, newView)
	r.armEscalateTimer(ctx, newView)
}

// broadcastViewChange signs, broadcasts, enqueues, and locally applies a
// VIEW_CHANGE message targeting newView.
func (r *Replica) broadcastViewChange(ctx context.Context, newView uint64) {
	r.st.mu.Lock()
	lastPrepared := r.st.lastExecutedBlock
	r.st.mu.Unlock()

	vc := &ctypes.ConsensusMessage{
		Type:               ctypes.MsgViewChange,
		Validator:          r.localAddr,
		View:               r.currentView(),
		NewView:            newView,
		LastPreparedSeqNum: lastPrepared,
		Timestamp:          time.Now(),
	}
	if err := r.codec.Sign(ctx, vc); err != nil {
		r.log.ErrorContext(ctx, "sign VIEW_CHANGE failed", zap.Error(err))
		return
	}
	if err := r.bcast.Broadcast(ctx, vc); err != nil {
		r.log.WarnContext(ctx, "broadcast VIEW_CHANGE failed", zap.Error(err))
	}
	if _, err := r.stream.Enqueue(ctx, vc); err != nil {
		r.log.WarnContext(ctx, "enqueue VIEW_CHANGE failed", zap.Error(err))
	}
	_ = r.handleViewChange(ctx, vc)
	r.audit.Warn("view_change_initiated", map[string]interface{}{"new_view": newView})
}

// armEscalateTimer schedules the secondary escalation check for
// targetView: if the quorum for targetView is never reached before the
// timeout fires, this replica bumps to targetView+1 and retries, rather
// than waiting forever in isViewChanging with no path forward.
func (r *Replica) armEscalateTimer(ctx context.Context, targetView uint64) {
	r.st.mu.Lock()
	if r.vcEscalateTimer != nil {
		r.vcEscalateTimer.Stop()
	}
	r.vcEscalateTimer = time.AfterFunc(r.cfg.ViewChangeTimeout, func() {
		r.escalateViewChange(ctx, targetView)
	})
	r.st.mu.Unlock()
}

// escalateViewChange fires when targetView's VIEW_CHANGE quorum was never
// reached in time. It is a no-op if the view change already resolved (via
// NEW_VIEW) or a different escalation already moved the target past
// targetView, so a stale timer can never double-escalate.
func (r *Replica) escalateViewChange(ctx context.Context, targetView uint64) {
	r.st.mu.Lock()
	if !r.st.isViewChanging || r.st.viewChangeTarget != targetView {
		r.st.mu.Unlock()
		return
	}
	nextView := targetView + 1
	r.st.viewChangeTarget = nextView
	r.st.mu.Unlock()

	r.log.WarnContext(ctx, "view-change quorum not reached, escalating", zap.Uint64("stale_target", targetView), zap.Uint64("next_target", nextView))
	r.audit.Warn("view_change_escalated", map[string]interface{}{"stale_target": targetView, "next_target": nextView})

	r.broadcastViewChange(ctx, nextView)
	r.armEscalateTimer(ctx, nextView)
}

func (r *Replica) currentView() uint64 {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.currentView
}

// handleViewChange collects VIEW_CHANGE
// messages for newView; once quorum is reached and this replica is the
// leader of newView, broadcast NEW_VIEW.
func (r *Replica) handleViewChange(ctx context.Context, m *ctypes.ConsensusMessage) error {
	quorum := r.registry.Quorum()

	r.st.mu.Lock()
	vcr := r.st.getViewChangeRound(m.NewView)
	if _, dup := vcr.messages[m.Validator]; dup {
		r.st.mu.Unlock()
		return nil
	}
	vcr.messages[m.Validator] = m
	crossedQuorum := len(vcr.messages) >= quorum
	r.st.mu.Unlock()

	if !crossedQuorum {
		return nil
	}

	leader, err := r.registry.LeaderOf(m.NewView)
	if err != nil || leader != r.localAddr {
		return nil // not our job to issue NEW_VIEW for this view
	}
	return r.sendNewView(ctx, m.NewView)
}

// sendNewView bundles the quorum's VIEW_CHANGE
// proofs and re-proposes every pending block still buffered locally.
func (r *Replica) sendNewView(ctx context.Context, newView uint64) error {
	r.st.mu.Lock()
	vcr := r.st.getViewChangeRound(newView)
	proofs := make([]ctypes.ConsensusMessage, 0, len(vcr.messages))
	for _, vm := range vcr.messages {
		proofs = append(proofs, *vm)
	}
	r.st.mu.Unlock()

	pending, err := r.store.GetPendingBlocks(ctx, 0)
	if err != nil {
		r.log.WarnContext(ctx, "NEW_VIEW: failed to load pending blocks", zap.Error(err))
	}
	prePrepares := make([]ctypes.ConsensusMessage, 0, len(pending))
	for _, b := range pending {
		prePrepares = append(prePrepares, ctypes.ConsensusMessage{
			Type:        ctypes.MsgPrePrepare,
			BlockHeight: b.Index,
			BlockHash:   b.Hash,
			Validator:   r.localAddr,
			View:        newView,
			Timestamp:   time.Now(),
			Block:       b,
		})
	}

	nv := &ctypes.ConsensusMessage{
		Type:               ctypes.MsgNewView,
		Validator:          r.localAddr,
		View:               newView,
		NewView:            newView,
		Timestamp:          time.Now(),
		ViewChangeMessages: proofs,
		PrePrepareMessages: prePrepares,
	}
	if err := r.codec.Sign(ctx, nv); err != nil {
		return err
	}
	if err := r.bcast.Broadcast(ctx, nv); err != nil {
		r.log.WarnContext(ctx, "broadcast NEW_VIEW failed", zap.Error(err))
	}
	if _, err := r.stream.Enqueue(ctx, nv); err != nil {
		r.log.WarnContext(ctx, "enqueue NEW_VIEW failed", zap.Error(err))
	}
	return r.handleNewView(ctx, nv)
}

// handleNewView adopts newView, clears the
// view-changing flag, recomputes primary status, and re-runs PRE-PREPARE
// handling for every bundled block.
func (r *Replica) handleNewView(ctx context.Context, m *ctypes.ConsensusMessage) error {
	r.st.mu.Lock()
	if m.NewView < r.st.currentView {
		r.st.mu.Unlock()
		return nil // stale NEW_VIEW
	}
	r.st.currentView = m.NewView
	r.st.isViewChanging = false
	if r.vcEscalateTimer != nil {
		r.vcEscalateTimer.Stop()
	}
	r.counters.ViewChanges++
	r.st.mu.Unlock()

	r.recomputePrimary()
	r.resetViewChangeTimer(ctx)

	for i := range m.PrePrepareMessages {
		pp := m.PrePrepareMessages[i]
		if err := r.handlePrePrepare(ctx, &pp, true); err != nil {
			r.log.WarnContext(ctx, "NEW_VIEW re-propose failed", zap.Error(err))
		}
	}
	r.audit.Info("new_view_adopted", map[string]interface{}{"view": m.NewView})
	return nil
}

// checkEquivocation writes an equivocation_detected security record when
// existing and incoming, two PREPARE/COMMIT votes from one validator, name
// different block hashes. Its callers pass the vote already stored under
// the same height:hash round key, so the two votes always share a block
// hash and no record is written; a vote for a different hash at the same
// height is kept in a separate round and is not compared here.
func (r *Replica) checkEquivocation(ctx context.Context, existing, incoming *ctypes.ConsensusMessage) {
	if existing.BlockHash == incoming.BlockHash {
		return
	}
	r.audit.Security("equivocation_detected", map[string]interface{}{
		"validator": incoming.Validator.String(),
		"height":    incoming.BlockHeight,
		"view":      incoming.View,
		"hash_a":    existing.BlockHash.String(),
		"hash_b":    incoming.BlockHash.String(),
	})
}
