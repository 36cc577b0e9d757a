package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/pkg/block"
	"github.com/teamTripCode/tc-validator-node/pkg/consensus/messages"
	"github.com/teamTripCode/tc-validator-node/pkg/consensus/registry"
	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/gateway"
	"github.com/teamTripCode/tc-validator-node/pkg/mempool"
	"github.com/teamTripCode/tc-validator-node/pkg/storage/blockstore"
	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

// Error kinds, as sentinels so callers/tests can classify without
// string matching.
var (
	ErrProtocolViolation = errors.New("replica: protocol violation")
	ErrInvariantBreach   = errors.New("replica: invariant breach")
	ErrInputRejected     = errors.New("replica: input rejected")
)

// StreamEnqueuer is the narrow capability ProcessQueued's caller needs to
// have already provided the message through — the Replica does not
// re-enqueue; this interface exists only for the proposal/
// view-change paths that must enqueue locally after broadcasting.
type StreamEnqueuer interface {
	Enqueue(ctx context.Context, m *ctypes.ConsensusMessage) (string, error)
}

// AuditRecorder is the narrow slice of utils.AuditLogger the replica
// relies on, so either *utils.AuditLogger or its
// *utils.AuditLoggerAdapter wrapper can be supplied.
type AuditRecorder interface {
	Info(event string, fields map[string]interface{}) error
	Warn(event string, fields map[string]interface{}) error
	Error(event string, fields map[string]interface{}) error
	Security(event string, fields map[string]interface{}) error
}

// Config holds the replica's timing constants.
type Config struct {
	ViewChangeTimeout time.Duration // default 10s
	HeartbeatInterval time.Duration // default 30s
	RoundTick         time.Duration // default 5s
	MaxBlockTx        int           // MAX_BLOCK_TX
	BlockReward       uint64
}

// DefaultConfig returns the standard PBFT timing constants.
func DefaultConfig() Config {
	return Config{
		ViewChangeTimeout: 10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RoundTick:         5 * time.Second,
		MaxBlockTx:        500,
		BlockReward:       50,
	}
}

// Counters are the replica's failure-semantics telemetry.
type Counters struct {
	Dropped     uint64
	Buffered    uint64
	Finalized   uint64
	ViewChanges uint64
}

// Replica is the Consensus Replica.
type Replica struct {
	cfg       Config
	localAddr ctypes.Address

	registry *registry.Registry
	codec    *messages.Codec
	mempool  *mempool.Mempool
	auth     *block.Authenticator
	store    blockstore.Store
	bcast    gateway.Broadcaster
	stream   StreamEnqueuer
	crypto   messages.CryptoService
	log      *utils.Logger
	audit    AuditRecorder

	st *state

	pendingUnknownParent map[string]*ctypes.ConsensusMessage // buffered PRE_PREPAREs awaiting their parent
	counters             Counters

	vcTimer          *time.Timer
	vcEscalateTimer  *time.Timer
	stopCh           chan struct{}
}

// New constructs a Replica. All dependencies are interfaces or concrete
// collaborator types constructed by cmd/validator's wiring.
func New(
	cfg Config,
	reg *registry.Registry,
	codec *messages.Codec,
	mp *mempool.Mempool,
	auth *block.Authenticator,
	store blockstore.Store,
	bcast gateway.Broadcaster,
	stream StreamEnqueuer,
	crypto messages.CryptoService,
	log *utils.Logger,
	audit AuditRecorder,
) *Replica {
	r := &Replica{
		cfg:                  cfg,
		localAddr:            crypto.LocalAddress(),
		registry:             reg,
		codec:                codec,
		mempool:              mp,
		auth:                 auth,
		store:                store,
		bcast:                bcast,
		stream:               stream,
		crypto:               crypto,
		log:                  log,
		audit:                audit,
		st:                   newState(),
		pendingUnknownParent: make(map[string]*ctypes.ConsensusMessage),
		stopCh:               make(chan struct{}),
	}
	return r
}

// Start loads lastExecutedBlock from the block store, recomputes isPrimary,
// and launches the round-tick and view-change timers.
func (r *Replica) Start(ctx context.Context) error {
	height, err := r.store.GetChainHeight(ctx)
	if err == nil {
		r.st.mu.Lock()
		r.st.lastExecutedBlock = height
		r.st.mu.Unlock()
	}
	r.recomputePrimary()
	r.resetViewChangeTimer(ctx)

	go r.roundTickLoop(ctx)
	return nil
}

// Stop halts the replica's background timers.
func (r *Replica) Stop() {
	close(r.stopCh)
	r.st.mu.Lock()
	if r.vcTimer != nil {
		r.vcTimer.Stop()
	}
	if r.vcEscalateTimer != nil {
		r.vcEscalateTimer.Stop()
	}
	r.st.mu.Unlock()
}

func (r *Replica) recomputePrimary() {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	leader, err := r.registry.LeaderOf(r.st.currentView)
	r.st.isPrimary = err == nil && leader == r.localAddr
}

// currentViewSnapshot reads currentView/isPrimary atomically; callers must
// not cache the result across suspension points.
func (r *Replica) currentViewSnapshot() (uint64, bool) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.currentView, r.st.isPrimary
}

// ProcessMessage is the network-ingress entrypoint: verifies,
// dedupes, and dispatches an incoming ConsensusMessage. It broadcasts
// and enqueues as needed (the pre-queue path); ProcessQueued is the
// post-queue path that performs only local table updates.
func (r *Replica) ProcessMessage(ctx context.Context, m *ctypes.ConsensusMessage) error {
	if err := r.admit(ctx, m); err != nil {
		r.bumpDropped()
		return err
	}
	return r.dispatch(ctx, m, true)
}

// ProcessQueued is the post-queue entrypoint used by the Message Stream
// consumer. It must not re-enqueue m and must not re-broadcast
// anything the originating path already broadcast; it performs only the
// local table update and any quorum-crossing side effects.
func (r *Replica) ProcessQueued(ctx context.Context, m *ctypes.ConsensusMessage) error {
	if err := r.admit(ctx, m); err != nil {
		r.bumpDropped()
		return err
	}
	return r.dispatch(ctx, m, false)
}

// admit runs the deduplication and admission pipeline up
// through signature/view/leader checks. Duplicate-suppression is
// performed per message type inside dispatch, where the relevant table is
// already locked.
func (r *Replica) admit(ctx context.Context, m *ctypes.ConsensusMessage) error {
	vs, err := r.registry.Snapshot(m.View)
	if err != nil {
		r.auditProtocolViolation(m, "unknown view", err)
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	info, ok := vs.Get(m.Validator)
	if !ok {
		r.auditProtocolViolation(m, "unknown validator", nil)
		return fmt.Errorf("%w: unknown validator", ErrProtocolViolation)
	}
	_ = info

	if err := r.codec.Verify(ctx, m); err != nil {
		r.auditProtocolViolation(m, "signature verification failed", err)
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if err := r.codec.CheckSkew(m, time.Now()); err != nil {
		r.audit.Security(string(utils.AuditInputRejected), map[string]interface{}{
			"reason":    "clock_skew",
			"validator": m.Validator.String(),
			"height":    m.BlockHeight,
			"view":      m.View,
		})
		return fmt.Errorf("%w: %v", ErrInputRejected, err)
	}

	view, _ := r.currentViewSnapshot()
	if m.View < view && m.Type != ctypes.MsgViewChange && m.Type != ctypes.MsgNewView {
		r.auditProtocolViolation(m, "stale view", nil)
		return fmt.Errorf("%w: stale view", ErrProtocolViolation)
	}

	if m.Type == ctypes.MsgPrePrepare {
		leader, err := r.registry.LeaderOf(view)
		if err != nil || m.Validator != leader {
			r.auditProtocolViolation(m, "PRE_PREPARE from non-leader", nil)
			return fmt.Errorf("%w: PRE_PREPARE from non-leader", ErrProtocolViolation)
		}
	}

	if leader, err := r.registry.LeaderOf(view); err == nil && m.Validator == leader {
		r.resetViewChangeTimer(ctx)
	}

	return nil
}

// auditProtocolViolation records a rejected-at-admission message against
// the AuditProtocolViolation taxonomy. cause may be nil when the reason
// string is already self-explanatory.
func (r *Replica) auditProtocolViolation(m *ctypes.ConsensusMessage, reason string, cause error) {
	fields := map[string]interface{}{
		"reason":    reason,
		"validator": m.Validator.String(),
		"type":      m.Type.String(),
		"height":    m.BlockHeight,
		"view":      m.View,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	r.audit.Warn(string(utils.AuditProtocolViolation), fields)
}

func (r *Replica) dispatch(ctx context.Context, m *ctypes.ConsensusMessage, originating bool) error {
	switch m.Type {
	case ctypes.MsgPrePrepare:
		return r.handlePrePrepare(ctx, m, originating)
	case ctypes.MsgPrepare:
		return r.handlePrepare(ctx, m)
	case ctypes.MsgCommit:
		return r.handleCommit(ctx, m)
	case ctypes.MsgViewChange:
		return r.handleViewChange(ctx, m)
	case ctypes.MsgNewView:
		return r.handleNewView(ctx, m)
	default:
		return fmt.Errorf("%w: unknown message type", ErrProtocolViolation)
	}
}

// handlePrePrepare processes an incoming PRE-PREPARE.
func (r *Replica) handlePrePrepare(ctx context.Context, m *ctypes.ConsensusMessage, originating bool) error {
	key := m.Key()

	r.st.mu.Lock()
	if _, already := r.st.processingBlocks[key]; already {
		r.st.mu.Unlock()
		return nil // already processing this key; silently ignored
	}
	rd := r.st.getRound(key)
	if _, dup := rd.prePrepare[m.Validator]; dup {
		r.st.mu.Unlock()
		return nil // first-writer-wins duplicate suppression
	}
	rd.prePrepare[m.Validator] = m
	r.st.processingBlocks[key] = struct{}{}
	r.st.mu.Unlock()

	if m.Block == nil {
		r.st.mu.Lock()
		r.st.dropRound(key)
		r.st.mu.Unlock()
		return fmt.Errorf("%w: PRE_PREPARE missing block body", ErrProtocolViolation)
	}

	parent, parentErr := r.parentOf(ctx, m.Block)
	if parentErr != nil && errors.Is(parentErr, block.ErrUnknownParent) {
		r.bufferUnknownParent(key, m)
		return nil // not fatal; buffered, retried on parent-gap recovery
	}

	vs, err := r.registry.Snapshot(m.View)
	if err != nil {
		r.st.mu.Lock()
		r.st.dropRound(key)
		r.st.mu.Unlock()
		return err
	}
	if err := r.auth.Verify(m.Block, parent, vs); err != nil {
		r.st.mu.Lock()
		r.st.dropRound(key)
		r.st.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if err := r.store.SavePendingBlock(ctx, m.Block); err != nil {
		r.log.WarnContext(ctx, "failed to persist pending block", zap.Error(err))
	}

	if !originating {
		return nil // queue re-entry: table update only, no re-broadcast
	}
	return r.sendPrepare(ctx, m.BlockHeight, m.BlockHash, m.View)
}

func (r *Replica) sendPrepare(ctx context.Context, height uint64, hash ctypes.BlockHash, view uint64) error {
	prep := &ctypes.ConsensusMessage{
		Type:        ctypes.MsgPrepare,
		BlockHeight: height,
		BlockHash:   hash,
		Validator:   r.localAddr,
		View:        view,
		Timestamp:   time.Now(),
	}
	if err := r.codec.Sign(ctx, prep); err != nil {
		return err
	}
	if err := r.bcast.Broadcast(ctx, prep); err != nil {
		r.log.WarnContext(ctx, "broadcast PREPARE failed", zap.Error(err))
	}
	if _, err := r.stream.Enqueue(ctx, prep); err != nil {
		r.log.WarnContext(ctx, "enqueue PREPARE failed", zap.Error(err))
	}
	return nil
}

// handlePrepare processes an incoming PREPARE (every replica runs this).
func (r *Replica) handlePrepare(ctx context.Context, m *ctypes.ConsensusMessage) error {
	key := m.Key()
	quorum := r.registry.Quorum()

	r.st.mu.Lock()
	rd := r.st.getRound(key)
	if existing, dup := rd.prepare[m.Validator]; dup {
		r.st.mu.Unlock()
		r.checkEquivocation(ctx, existing, m)
		return nil
	}
	rd.prepare[m.Validator] = m
	crossedQuorum := len(rd.prepare) >= quorum && !rd.committedBroadcast
	if crossedQuorum {
		rd.committedBroadcast = true
	}
	r.st.mu.Unlock()

	if !crossedQuorum {
		return nil
	}
	return r.sendCommit(ctx, m.BlockHeight, m.BlockHash, m.View)
}

func (r *Replica) sendCommit(ctx context.Context, height uint64, hash ctypes.BlockHash, view uint64) error {
	c := &ctypes.ConsensusMessage{
		Type:        ctypes.MsgCommit,
		BlockHeight: height,
		BlockHash:   hash,
		Validator:   r.localAddr,
		View:        view,
		Timestamp:   time.Now(),
	}
	if err := r.codec.Sign(ctx, c); err != nil {
		return err
	}
	if err := r.bcast.Broadcast(ctx, c); err != nil {
		r.log.WarnContext(ctx, "broadcast COMMIT failed", zap.Error(err))
	}
	if _, err := r.stream.Enqueue(ctx, c); err != nil {
		r.log.WarnContext(ctx, "enqueue COMMIT failed", zap.Error(err))
	}
	return nil
}

// handleCommit processes an incoming COMMIT (every replica runs this).
func (r *Replica) handleCommit(ctx context.Context, m *ctypes.ConsensusMessage) error {
	key := m.Key()
	quorum := r.registry.Quorum()

	r.st.mu.Lock()
	rd := r.st.getRound(key)
	if existing, dup := rd.commit[m.Validator]; dup {
		r.st.mu.Unlock()
		r.checkEquivocation(ctx, existing, m)
		return nil
	}
	rd.commit[m.Validator] = m
	readyToFinalize := len(rd.commit) >= quorum && len(rd.prepare) >= quorum
	r.st.mu.Unlock()

	if !readyToFinalize {
		return nil
	}
	return r.finalize(ctx, m.BlockHeight, m.BlockHash)
}

// finalize commits a block once its COMMIT quorum is reached. It is idempotent: a
// second call for an already-finalized key is a no-op.
func (r *Replica) finalize(ctx context.Context, height uint64, hash ctypes.BlockHash) error {
	key := ctypes.RoundKey(height, hash)

	r.st.mu.Lock()
	if _, stillOpen := r.st.processingBlocks[key]; !stillOpen {
		r.st.mu.Unlock()
		return nil // already finalized (or never opened) — idempotent no-op
	}
	viewChanging := r.st.isViewChanging
	r.st.mu.Unlock()

	b, err := r.store.GetBlockByHash(ctx, hash)
	if err != nil {
		r.log.ErrorContext(ctx, "finalize: block absent from store", zap.Uint64("height", height), zap.String("hash", hash.String()))
		r.audit.Error(string(utils.AuditInvariantBreach), map[string]interface{}{
			"reason": "block absent at finalize",
			"height": height,
			"hash":   hash.String(),
		})
		return fmt.Errorf("%w: block %s absent at finalize", ErrInvariantBreach, hash.String())
	}

	if err := r.store.SaveBlock(ctx, b); err != nil {
		r.log.ErrorContext(ctx, "finalize: store write failed, aborting round", zap.Error(err))
		r.audit.Error(string(utils.AuditInvariantBreach), map[string]interface{}{
			"reason": "store write failed",
			"height": height,
			"hash":   hash.String(),
			"error":  err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrInvariantBreach, err)
	}

	if !viewChanging {
		r.distributeBlockReward(ctx, b)
	}

	r.st.mu.Lock()
	if height > r.st.lastExecutedBlock {
		r.st.lastExecutedBlock = height
	}
	r.st.dropRound(key)
	r.counters.Finalized++
	r.st.mu.Unlock()

	hashes := make([]ctypes.TxHash, len(b.Body))
	for i, tx := range b.Body {
		hashes[i] = tx.Hash
	}
	r.mempool.Remove(hashes...)

	r.audit.Info("block_finalized", map[string]interface{}{"height": height, "hash": hash.String()})
	return nil
}

func (r *Replica) distributeBlockReward(ctx context.Context, b *ctypes.Block) {
	// Account-balance execution is an opaque state transition out of
	// scope; finalization only records the entitlement via audit.
	r.audit.Info("block_reward", map[string]interface{}{
		"validator": b.Validator.String(),
		"amount":    r.cfg.BlockReward,
		"height":    b.Index,
	})
}

func (r *Replica) parentOf(ctx context.Context, b *ctypes.Block) (*ctypes.Block, error) {
	if b.Index == 0 {
		return nil, nil
	}
	parent, err := r.store.GetBlockByHeight(ctx, b.Index-1)
	if err != nil {
		if errors.Is(err, blockstore.ErrBlockNotFound) {
			return nil, block.ErrUnknownParent
		}
		return nil, err
	}
	return parent, nil
}

func (r *Replica) bufferUnknownParent(key string, m *ctypes.ConsensusMessage) {
	r.st.mu.Lock()
	r.pendingUnknownParent[key] = m
	r.counters.Buffered++
	r.st.mu.Unlock()
}

// RetryUnknownParents re-attempts PRE-PREPARE handling for every buffered
// block whose parent gap may now be resolved. Intended to be called
// periodically or after a new finalize.
func (r *Replica) RetryUnknownParents(ctx context.Context) {
	r.st.mu.Lock()
	buffered := make(map[string]*ctypes.ConsensusMessage, len(r.pendingUnknownParent))
	for k, v := range r.pendingUnknownParent {
		buffered[k] = v
	}
	r.st.mu.Unlock()

	for key, m := range buffered {
		if _, err := r.parentOf(ctx, m.Block); err == nil {
			r.st.mu.Lock()
			delete(r.pendingUnknownParent, key)
			r.st.dropRound(key)
			r.st.mu.Unlock()
			// Replay the original PRE_PREPARE, unchanged, so it is re-validated
			// and re-broadcast at the view it actually carried.
			_ = r.handlePrePrepare(ctx, m, true)
		}
	}
}

func (r *Replica) bumpDropped() {
	r.st.mu.Lock()
	r.counters.Dropped++
	r.st.mu.Unlock()
}

// Counters returns a snapshot of the failure-semantics telemetry.
func (r *Replica) Counters() Counters {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.counters
}
