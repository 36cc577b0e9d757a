// Package registry implements the Validator Registry:
// the authoritative, periodically refreshed snapshot of the active
// validator set, leader schedule, and quorum arithmetic.
package registry

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

var (
	// ErrViewBeyondHorizon is returned by Snapshot when a caller asks for a
	// view further ahead than the registry is configured to tolerate while
	// it has not yet recorded view-scoped history.
	ErrViewBeyondHorizon = errors.New("registry: requested view beyond snapshot horizon")
	// ErrInsufficientValidators is returned by ValidateQuorumMath when the
	// active set is too small for the Byzantine-tolerance math to mean
	// anything.
	ErrInsufficientValidators = errors.New("registry: fewer than 4 active validators")
)

// ValidatorSource loads the current validator set from whatever external
// collaborator owns it: the durable KV's "validators" hash and/or the
// recently finalized chain.
type ValidatorSource interface {
	LoadValidators(ctx context.Context) ([]ctypes.ValidatorInfo, error)
}

// ValidatorSet is an ordered-by-address snapshot of the active validator
// set tagged with the view it is valid for.
type ValidatorSet struct {
	View       uint64
	Validators []ctypes.ValidatorInfo
	index      map[ctypes.Address]int
}

func newValidatorSet(view uint64, all []ctypes.ValidatorInfo) *ValidatorSet {
	active := make([]ctypes.ValidatorInfo, 0, len(all))
	for _, v := range all {
		if v.Status == ctypes.StatusActive {
			active = append(active, v)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return bytes.Compare(active[i].Address[:], active[j].Address[:]) < 0
	})
	idx := make(map[ctypes.Address]int, len(active))
	for i, v := range active {
		idx[v.Address] = i
	}
	return &ValidatorSet{View: view, Validators: active, index: idx}
}

// LeaderOf returns activeValidators[view mod N].
func (s *ValidatorSet) LeaderOf(view uint64) (ctypes.Address, bool) {
	n := len(s.Validators)
	if n == 0 {
		return ctypes.Address{}, false
	}
	return s.Validators[view%uint64(n)].Address, true
}

// Quorum returns floor(2N/3)+1.
func (s *ValidatorSet) Quorum() int {
	n := len(s.Validators)
	return (2*n)/3 + 1
}

// ByzantineTolerance returns f = (N-1)/3.
func (s *ValidatorSet) ByzantineTolerance() int {
	n := len(s.Validators)
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// IsActive reports whether addr is in this snapshot's active set.
func (s *ValidatorSet) IsActive(addr ctypes.Address) bool {
	_, ok := s.index[addr]
	return ok
}

// Get returns the ValidatorInfo for addr, if active in this snapshot.
func (s *ValidatorSet) Get(addr ctypes.Address) (ctypes.ValidatorInfo, bool) {
	i, ok := s.index[addr]
	if !ok {
		return ctypes.ValidatorInfo{}, false
	}
	return s.Validators[i], true
}

// Count returns the number of active validators.
func (s *ValidatorSet) Count() int { return len(s.Validators) }

// Config configures the refresh cadence and snapshot horizon.
type Config struct {
	RefreshInterval time.Duration // default 30s
	SnapshotHorizon uint64        // max view lookahead tolerated on a single latest snapshot
	LocalAddress    ctypes.Address

	ResolveCacheSize int           // max entries in the resolved-address cache, default 512
	ResolveCacheTTL  time.Duration // default 30s, matches RefreshInterval
}

// DefaultConfig returns conservative refresh/horizon defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:  30 * time.Second,
		SnapshotHorizon:  1000,
		ResolveCacheSize: 512,
		ResolveCacheTTL:  30 * time.Second,
	}
}

// Registry is the Validator Registry component.
type Registry struct {
	cfg    Config
	source ValidatorSource
	log    *utils.Logger
	audit  AuditRecorder

	mu      sync.RWMutex
	latest  *ValidatorSet
	byView  map[uint64]*ValidatorSet // recorded view-scoped history, if any

	// resolveCache bounds repeated ResolveAddress lookups (e.g. from audit
	// log enrichment or metrics) to ResolveCacheSize entries, each expiring
	// after ResolveCacheTTL so a validator's stake/reputation/status
	// changes surface without waiting indefinitely for eviction.
	resolveCache *expirable.LRU[ctypes.Address, ctypes.ValidatorInfo]

	stopCh chan struct{}
}

// AuditRecorder is the narrow slice of utils.AuditLogger the registry
// relies on, so either *utils.AuditLogger or its
// *utils.AuditLoggerAdapter wrapper can be supplied.
type AuditRecorder interface {
	Info(event string, fields map[string]interface{}) error
	Warn(event string, fields map[string]interface{}) error
	Error(event string, fields map[string]interface{}) error
	Security(event string, fields map[string]interface{}) error
}

// New constructs a Registry. The registry starts empty; call Refresh or
// Start before relying on Snapshot/LeaderOf/Quorum.
func New(cfg Config, source ValidatorSource, log *utils.Logger, audit AuditRecorder) *Registry {
	size := cfg.ResolveCacheSize
	if size <= 0 {
		size = 512
	}
	ttl := cfg.ResolveCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		cfg:          cfg,
		source:       source,
		log:          log,
		audit:        audit,
		byView:       make(map[uint64]*ValidatorSet),
		resolveCache: expirable.NewLRU[ctypes.Address, ctypes.ValidatorInfo](size, nil, ttl),
		stopCh:       make(chan struct{}),
	}
}

// Start performs an initial synchronous refresh and then refreshes on
// cfg.RefreshInterval until the context is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Refresh(ctx, 0); err != nil {
		return err
	}
	go r.refreshLoop(ctx)
	return nil
}

func (r *Registry) refreshLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-t.C:
			if err := r.Refresh(ctx, 0); err != nil {
				r.log.WarnContext(ctx, "registry refresh failed", zap.Error(err))
			}
		}
	}
}

// Stop halts the background refresh loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Refresh loads the validator set from the source and installs it as the
// latest snapshot, optionally tagging it with a specific view.
func (r *Registry) Refresh(ctx context.Context, view uint64) error {
	all, err := r.source.LoadValidators(ctx)
	if err != nil {
		return err
	}
	vs := newValidatorSet(view, all)
	r.mu.Lock()
	if r.latest == nil || view >= r.latest.View {
		r.latest = vs
	}
	r.byView[view] = vs
	r.resolveCache.Purge() // stake/reputation/status may have changed underneath cached entries
	r.mu.Unlock()
	if r.audit != nil {
		r.audit.Info("registry_refresh", map[string]interface{}{"active_count": vs.Count(), "view": view})
	}
	return nil
}

// ValidateQuorumMath rejects a registry configuration that cannot give the
// Byzantine-tolerance guarantee any meaning.
func (r *Registry) ValidateQuorumMath() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil || r.latest.Count() < 4 {
		return ErrInsufficientValidators
	}
	return nil
}

// Snapshot returns the ValidatorSet to use for messages tagged with view
//. If no view-scoped history has been recorded for view, the latest
// snapshot is returned provided view does not exceed the configured
// horizon past the latest snapshot's own view.
func (r *Registry) Snapshot(view uint64) (*ValidatorSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if vs, ok := r.byView[view]; ok {
		return vs, nil
	}
	if r.latest == nil {
		return nil, errors.New("registry: no snapshot loaded")
	}
	if view > r.latest.View+r.cfg.SnapshotHorizon {
		return nil, ErrViewBeyondHorizon
	}
	return r.latest, nil
}

// LeaderOf resolves the leader address for view using the applicable
// snapshot.
func (r *Registry) LeaderOf(view uint64) (ctypes.Address, error) {
	vs, err := r.Snapshot(view)
	if err != nil {
		return ctypes.Address{}, err
	}
	leader, ok := vs.LeaderOf(view)
	if !ok {
		return ctypes.Address{}, errors.New("registry: empty active set")
	}
	return leader, nil
}

// Quorum returns the quorum size of the latest snapshot.
func (r *Registry) Quorum() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return 0
	}
	return r.latest.Quorum()
}

// IsActive reports whether addr is active in the latest snapshot.
func (r *Registry) IsActive(addr ctypes.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return false
	}
	return r.latest.IsActive(addr)
}

// SelfStatus returns ACTIVE if the configured local address is in the
// latest active set, STANDBY otherwise.
func (r *Registry) SelfStatus() ctypes.ValidatorStatus {
	if r.IsActive(r.cfg.LocalAddress) {
		return ctypes.StatusActive
	}
	return ctypes.StatusStandby
}

// ResolveAddress returns the ValidatorInfo for addr from the latest
// snapshot, serving repeated lookups out of the bounded TTL cache rather
// than re-walking the snapshot's index every time (used by callers that
// enrich logs/audit records or answer external queries about a
// validator outside the hot per-message admission path).
func (r *Registry) ResolveAddress(addr ctypes.Address) (ctypes.ValidatorInfo, bool) {
	if info, ok := r.resolveCache.Get(addr); ok {
		return info, true
	}
	r.mu.RLock()
	latest := r.latest
	r.mu.RUnlock()
	if latest == nil {
		return ctypes.ValidatorInfo{}, false
	}
	info, ok := latest.Get(addr)
	if !ok {
		return ctypes.ValidatorInfo{}, false
	}
	r.resolveCache.Add(addr, info)
	return info, true
}

// Latest returns the most recently installed snapshot, or nil.
func (r *Registry) Latest() *ValidatorSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}
