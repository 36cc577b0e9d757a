package replica

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teamTripCode/tc-validator-node/pkg/block"
	"github.com/teamTripCode/tc-validator-node/pkg/consensus/messages"
	"github.com/teamTripCode/tc-validator-node/pkg/consensus/registry"
	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/crypto"
	"github.com/teamTripCode/tc-validator-node/pkg/mempool"
	"github.com/teamTripCode/tc-validator-node/pkg/storage/blockstore"
	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

type fakeSource struct {
	validators []ctypes.ValidatorInfo
}

func (f *fakeSource) LoadValidators(ctx context.Context) ([]ctypes.ValidatorInfo, error) {
	return f.validators, nil
}

// fakeStore is an in-memory blockstore.Store for round-trip tests.
type fakeStore struct {
	mu      sync.Mutex
	byHash  map[ctypes.BlockHash]*ctypes.Block
	byH     map[uint64]*ctypes.Block
	pending map[ctypes.BlockHash]*ctypes.Block
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byHash:  make(map[ctypes.BlockHash]*ctypes.Block),
		byH:     make(map[uint64]*ctypes.Block),
		pending: make(map[ctypes.BlockHash]*ctypes.Block),
	}
}

func (s *fakeStore) SaveBlock(ctx context.Context, b *ctypes.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[b.Hash] = b
	s.byH[b.Index] = b
	delete(s.pending, b.Hash)
	return nil
}

func (s *fakeStore) SavePendingBlock(ctx context.Context, b *ctypes.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[b.Hash] = b
	return nil
}

func (s *fakeStore) GetPendingBlocks(ctx context.Context, fromHeight uint64) ([]*ctypes.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ctypes.Block
	for _, b := range s.pending {
		if b.Index >= fromHeight {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeStore) GetRecentBlocks(ctx context.Context, n int) ([]*ctypes.Block, error) {
	return nil, nil
}

func (s *fakeStore) GetBlockByHash(ctx context.Context, hash ctypes.BlockHash) (*ctypes.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byHash[hash]; ok {
		return b, nil
	}
	if b, ok := s.pending[hash]; ok {
		return b, nil
	}
	return nil, blockstore.ErrBlockNotFound
}

func (s *fakeStore) GetBlockByHeight(ctx context.Context, height uint64) (*ctypes.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byH[height]; ok {
		return b, nil
	}
	return nil, blockstore.ErrBlockNotFound
}

func (s *fakeStore) GetChainHeight(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for h := range s.byH {
		if h > max {
			max = h
		}
	}
	return max, nil
}

// recordingTransport doubles as gateway.Broadcaster and StreamEnqueuer,
// recording every outbound message so tests can assert on the broadcast
// and enqueue traffic a round produces.
type recordingTransport struct {
	mu        sync.Mutex
	peers     []ctypes.Address
	broadcast []*ctypes.ConsensusMessage
	enqueued  []*ctypes.ConsensusMessage
}

func (t *recordingTransport) Broadcast(ctx context.Context, m *ctypes.ConsensusMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcast = append(t.broadcast, m)
	return nil
}

func (t *recordingTransport) ActiveValidators(ctx context.Context) ([]ctypes.Address, error) {
	return t.peers, nil
}

func (t *recordingTransport) Enqueue(ctx context.Context, m *ctypes.ConsensusMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enqueued = append(t.enqueued, m)
	return "0-1", nil
}

// noopAudit discards every audit event; used where a test only cares about
// the replica's table-update and broadcast behavior.
type noopAudit struct{}

func (noopAudit) Info(string, map[string]interface{}) error     { return nil }
func (noopAudit) Warn(string, map[string]interface{}) error     { return nil }
func (noopAudit) Error(string, map[string]interface{}) error    { return nil }
func (noopAudit) Security(string, map[string]interface{}) error { return nil }

func testLogger(t *testing.T) *utils.Logger {
	cfg := utils.DefaultLogConfig()
	log, err := utils.NewLogger(cfg)
	require.NoError(t, err)
	return log
}

type harness struct {
	signer *crypto.Service
	reg    *registry.Registry
	codec  *messages.Codec
	mp     *mempool.Mempool
	auth   *block.Authenticator
	store  *fakeStore
	tr     *recordingTransport
	repl   *Replica
}

// newSingleValidatorHarness wires a single-validator replica (quorum 1):
// sufficient to drive PRE_PREPARE/PREPARE/COMMIT through finalize without
// simulating peers, since this validator is its own quorum.
func newSingleValidatorHarness(t *testing.T) *harness {
	signer, err := crypto.GenerateEphemeral()
	require.NoError(t, err)

	src := &fakeSource{validators: []ctypes.ValidatorInfo{
		{Address: signer.LocalAddress(), PublicKey: signer.LocalPublicKey(), Status: ctypes.StatusActive},
	}}
	reg := registry.New(registry.DefaultConfig(), src, nil, nil)
	require.NoError(t, reg.Refresh(context.Background(), 0))

	codec, err := messages.New(messages.DefaultConfig(), signer)
	require.NoError(t, err)

	mp := mempool.New(mempool.DefaultConfig(), nil, nil)
	auth := block.New(signer)
	store := newFakeStore()
	tr := &recordingTransport{}

	repl := New(DefaultConfig(), reg, codec, mp, auth, store, tr, tr, signer, testLogger(t), noopAudit{})

	return &harness{signer: signer, reg: reg, codec: codec, mp: mp, auth: auth, store: store, tr: tr, repl: repl}
}

func (h *harness) prePrepare(t *testing.T, b *ctypes.Block) *ctypes.ConsensusMessage {
	m := &ctypes.ConsensusMessage{
		Type:        ctypes.MsgPrePrepare,
		BlockHeight: b.Index,
		BlockHash:   b.Hash,
		Validator:   h.signer.LocalAddress(),
		View:        0,
		Block:       b,
		Timestamp:   time.Now(),
	}
	require.NoError(t, h.codec.Sign(context.Background(), m))
	return m
}

func TestReplicaFinalizesGenesisThroughFullRound(t *testing.T) {
	h := newSingleValidatorHarness(t)
	ctx := context.Background()

	genesis := block.NewCandidate(nil, time.Now(), nil, 0)
	block.ForgeGenesis(genesis)
	require.Equal(t, ctypes.GenesisValidator, genesis.Validator)

	pp := h.prePrepare(t, genesis)
	require.NoError(t, h.repl.ProcessMessage(ctx, pp))

	// sendPrepare broadcast the replica's own PREPARE; feed it back in as
	// the network delivering our own message, same as a real gateway would.
	require.Len(t, h.tr.broadcast, 1)
	prepare := h.tr.broadcast[0]
	require.Equal(t, ctypes.MsgPrepare, prepare.Type)
	require.NoError(t, h.repl.ProcessMessage(ctx, prepare))

	require.Len(t, h.tr.broadcast, 2)
	commit := h.tr.broadcast[1]
	require.Equal(t, ctypes.MsgCommit, commit.Type)
	require.NoError(t, h.repl.ProcessMessage(ctx, commit))

	require.Equal(t, uint64(1), h.repl.Counters().Finalized)
	stored, err := h.store.GetBlockByHash(ctx, genesis.Hash)
	require.NoError(t, err)
	require.Equal(t, genesis.Hash, stored.Hash)
}

func TestReplicaFinalizeIsIdempotentOnRedeliveredCommit(t *testing.T) {
	h := newSingleValidatorHarness(t)
	ctx := context.Background()

	genesis := block.NewCandidate(nil, time.Now(), nil, 0)
	block.ForgeGenesis(genesis)
	require.Equal(t, ctypes.GenesisValidator, genesis.Validator)

	require.NoError(t, h.repl.ProcessMessage(ctx, h.prePrepare(t, genesis)))
	prepare := h.tr.broadcast[0]
	require.NoError(t, h.repl.ProcessMessage(ctx, prepare))
	commit := h.tr.broadcast[1]
	require.NoError(t, h.repl.ProcessMessage(ctx, commit))
	require.Equal(t, uint64(1), h.repl.Counters().Finalized)

	// A redelivered COMMIT (at-least-once stream redelivery) must not
	// double-finalize.
	require.NoError(t, h.repl.ProcessQueued(ctx, commit))
	require.Equal(t, uint64(1), h.repl.Counters().Finalized)
}

func TestReplicaDuplicatePrePrepareFromSameLeaderIsIgnored(t *testing.T) {
	h := newSingleValidatorHarness(t)
	ctx := context.Background()

	genesis := block.NewCandidate(nil, time.Now(), nil, 0)
	block.ForgeGenesis(genesis)
	require.Equal(t, ctypes.GenesisValidator, genesis.Validator)
	pp := h.prePrepare(t, genesis)

	require.NoError(t, h.repl.ProcessMessage(ctx, pp))
	require.Len(t, h.tr.broadcast, 1, "first PRE_PREPARE produces one PREPARE broadcast")

	require.NoError(t, h.repl.ProcessMessage(ctx, pp))
	require.Len(t, h.tr.broadcast, 1, "a replayed PRE_PREPARE for the same key must not re-broadcast")
}

func TestReplicaRejectsMessageWithBadSignature(t *testing.T) {
	h := newSingleValidatorHarness(t)
	ctx := context.Background()

	genesis := block.NewCandidate(nil, time.Now(), nil, 0)
	require.NoError(t, block.Forge(ctx, genesis, h.signer))
	pp := h.prePrepare(t, genesis)
	pp.Signature[0] ^= 0xFF

	err := h.repl.ProcessMessage(ctx, pp)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Equal(t, uint64(1), h.repl.Counters().Dropped)
}

func TestReplicaRejectsPrePrepareFromNonLeader(t *testing.T) {
	local, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	other, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	local.RegisterPublicKey(other.LocalPublicKey())

	src := &fakeSource{validators: []ctypes.ValidatorInfo{
		{Address: local.LocalAddress(), PublicKey: local.LocalPublicKey(), Status: ctypes.StatusActive},
		{Address: other.LocalAddress(), PublicKey: other.LocalPublicKey(), Status: ctypes.StatusActive},
	}}
	reg := registry.New(registry.DefaultConfig(), src, nil, nil)
	ctx := context.Background()
	require.NoError(t, reg.Refresh(ctx, 0))

	leader, err := reg.LeaderOf(0)
	require.NoError(t, err)
	// The impostor is whichever of the two validators is NOT view 0's leader.
	impostor := local
	if leader == local.LocalAddress() {
		impostor = other
	}

	codec, err := messages.New(messages.DefaultConfig(), local)
	require.NoError(t, err)
	mp := mempool.New(mempool.DefaultConfig(), nil, nil)
	auth := block.New(local)
	store := newFakeStore()
	tr := &recordingTransport{}
	repl := New(DefaultConfig(), reg, codec, mp, auth, store, tr, tr, local, testLogger(t), noopAudit{})

	genesis := block.NewCandidate(nil, time.Now(), nil, 0)
	require.NoError(t, block.Forge(ctx, genesis, impostor))

	m := &ctypes.ConsensusMessage{
		Type:        ctypes.MsgPrePrepare,
		BlockHeight: genesis.Index,
		BlockHash:   genesis.Hash,
		Validator:   impostor.LocalAddress(),
		View:        0,
		Block:       genesis,
		Timestamp:   time.Now(),
	}
	impostorCodec, err := messages.New(messages.DefaultConfig(), impostor)
	require.NoError(t, err)
	require.NoError(t, impostorCodec.Sign(ctx, m))

	err = repl.ProcessMessage(ctx, m)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReplicaBuffersBlockWithUnknownParent(t *testing.T) {
	h := newSingleValidatorHarness(t)
	ctx := context.Background()

	genesis := block.NewCandidate(nil, time.Now(), nil, 0)
	require.NoError(t, block.Forge(ctx, genesis, h.signer))
	child := block.NewCandidate(genesis, time.Now(), nil, 1)
	require.NoError(t, block.Forge(ctx, child, h.signer))

	pp := h.prePrepare(t, child)
	require.NoError(t, h.repl.ProcessMessage(ctx, pp))
	require.Equal(t, uint64(1), h.repl.Counters().Buffered)
	require.Empty(t, h.tr.broadcast, "a block with an unresolved parent must not produce a PREPARE")

	require.NoError(t, h.store.SaveBlock(ctx, genesis))
	h.repl.RetryUnknownParents(ctx)
	require.Len(t, h.tr.broadcast, 1, "retrying after the parent resolves should admit the block")
}
