// Package mempool implements the bounded, fee-prioritized pending
// transaction pool: fee/size priority ordering via big.Int
// cross-multiplication, a 10%-ceiling shedding rule applied under
// capacity pressure, and time-based Sweep for stale entries.
package mempool

import (
	"encoding/hex"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

var (
	ErrDuplicate        = errors.New("mempool: duplicate transaction")
	ErrMalformed        = errors.New("mempool: malformed transaction")
	ErrInsufficientFunds = errors.New("mempool: signer balance below amount+fee")
	ErrMempoolFull      = errors.New("mempool: at capacity after shedding")
)

// BalanceChecker is the narrow account-state query the mempool uses to
// reject transactions a sender cannot cover. Account-balance execution
// is out of scope; when no
// checker is configured the balance check is skipped rather than guessed.
type BalanceChecker interface {
	BalanceOf(addr ctypes.Address) (uint64, error)
}

// Config holds the mempool's capacity and timing constants.
type Config struct {
	MaxSize      int           // MAX_MEMPOOL_SIZE, default 5000
	MaxTxAge     time.Duration // MAX_TX_AGE, default 72h
	SweepEvery   time.Duration // scheduled sweep cadence, default 60s
	GasPrice     uint64        // GAS_PRICE, default 10
	SheddingFrac float64       // fraction dropped on shedding, default 0.10
}

// DefaultConfig returns conservative capacity and sweep-interval defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:      5000,
		MaxTxAge:     72 * time.Hour,
		SweepEvery:   60 * time.Second,
		GasPrice:     10,
		SheddingFrac: 0.10,
	}
}

type entry struct {
	tx            ctypes.Transaction
	admissionTime time.Time
}

// feeOverSizeLess compares a/b by fee/size using cross-multiplication to avoid
// floating point: a.fee/a.size R b.fee/b.size  <=>  a.fee*b.size R b.fee*a.size.
func feeOverSizeLess(a, b *entry) bool {
	if a.tx.Size == 0 || b.tx.Size == 0 {
		// degenerate size is treated as maximally low priority
		return a.tx.Size == 0 && b.tx.Size != 0
	}
	lhs := new(big.Int).Mul(big.NewInt(int64(a.tx.Fee)), big.NewInt(int64(b.tx.Size)))
	rhs := new(big.Int).Mul(big.NewInt(int64(b.tx.Fee)), big.NewInt(int64(a.tx.Size)))
	c := lhs.Cmp(rhs)
	if c != 0 {
		return c < 0
	}
	return hex.EncodeToString(a.tx.Hash[:]) < hex.EncodeToString(b.tx.Hash[:])
}

// Mempool is the fee-prioritized, bounded transaction admission controller.
type Mempool struct {
	mu      sync.RWMutex
	log     *utils.Logger
	cfg     Config
	balance BalanceChecker

	entries map[ctypes.TxHash]*entry
}

// New constructs a Mempool. balance may be nil.
func New(cfg Config, balance BalanceChecker, log *utils.Logger) *Mempool {
	return &Mempool{
		log:     log,
		cfg:     cfg,
		balance: balance,
		entries: make(map[ctypes.TxHash]*entry),
	}
}

func validateStructure(tx ctypes.Transaction) bool {
	if tx.Hash == (ctypes.TxHash{}) {
		return false
	}
	if tx.From == (ctypes.Address{}) || tx.To == (ctypes.Address{}) {
		return false
	}
	return true
}

// Add admits tx, shedding the lowest-fee/size 10% first if the pool is at
// capacity, then retrying admission exactly once.
func (m *Mempool) Add(tx ctypes.Transaction, now time.Time) error {
	if !validateStructure(tx) {
		return ErrMalformed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[tx.Hash]; exists {
		return ErrDuplicate
	}

	if m.balance != nil {
		bal, err := m.balance.BalanceOf(tx.From)
		if err == nil && bal < tx.Amount+tx.Fee {
			return ErrInsufficientFunds
		}
	}

	if len(m.entries) >= m.cfg.MaxSize {
		m.shedLocked()
	}
	if len(m.entries) >= m.cfg.MaxSize {
		return ErrMempoolFull
	}

	m.entries[tx.Hash] = &entry{tx: tx, admissionTime: now}
	return nil
}

// shedLocked drops the lowest fee/size ceil(10%) of entries. Caller must
// hold m.mu.
func (m *Mempool) shedLocked() {
	n := len(m.entries)
	if n == 0 {
		return
	}
	drop := int(m.cfg.SheddingFrac * float64(n))
	if float64(drop) < m.cfg.SheddingFrac*float64(n) {
		drop++ // ceiling
	}
	if drop <= 0 {
		return
	}
	list := make([]*entry, 0, n)
	for _, e := range m.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return feeOverSizeLess(list[i], list[j]) })
	for i := 0; i < drop && i < len(list); i++ {
		delete(m.entries, list[i].tx.Hash)
	}
}

// Pick returns the maxN highest fee/size entries, ties broken by hash
// ascending.
func (m *Mempool) Pick(maxN int) []ctypes.Transaction {
	m.mu.RLock()
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.RUnlock()

	// fee/size descending; equal ratios keep hash ascending
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.tx.Size != 0 && b.tx.Size != 0 {
			lhs := new(big.Int).Mul(big.NewInt(int64(a.tx.Fee)), big.NewInt(int64(b.tx.Size)))
			rhs := new(big.Int).Mul(big.NewInt(int64(b.tx.Fee)), big.NewInt(int64(a.tx.Size)))
			if c := lhs.Cmp(rhs); c != 0 {
				return c > 0
			}
		} else if (a.tx.Size == 0) != (b.tx.Size == 0) {
			return b.tx.Size == 0
		}
		return hex.EncodeToString(a.tx.Hash[:]) < hex.EncodeToString(b.tx.Hash[:])
	})
	if maxN > 0 && maxN < len(list) {
		list = list[:maxN]
	}
	out := make([]ctypes.Transaction, len(list))
	for i, e := range list {
		out[i] = e.tx
	}
	return out
}

// Remove drops the given transaction hashes, typically on finalization
//.
func (m *Mempool) Remove(hashes ...ctypes.TxHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		delete(m.entries, h)
	}
}

// Sweep removes entries older than MaxTxAge. Idempotent; intended to run
// on a 60s ticker.
func (m *Mempool) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for h, e := range m.entries {
		if now.Sub(e.admissionTime) > m.cfg.MaxTxAge {
			delete(m.entries, h)
			removed++
		}
	}
	return removed
}

// Size returns the current entry count.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Has reports whether hash is currently admitted.
func (m *Mempool) Has(hash ctypes.TxHash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[hash]
	return ok
}
