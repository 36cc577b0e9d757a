package mempool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

func tx(hash byte, fee, size uint64) ctypes.Transaction {
	return ctypes.Transaction{
		Hash: ctypes.TxHash{hash},
		From: ctypes.Address{1},
		To:   ctypes.Address{2},
		Fee:  fee,
		Size: int(size),
	}
}

func TestAddRejectsMalformedTransaction(t *testing.T) {
	mp := New(DefaultConfig(), nil, nil)
	err := mp.Add(ctypes.Transaction{}, time.Now())
	require.ErrorIs(t, err, ErrMalformed)
}

func TestAddRejectsDuplicate(t *testing.T) {
	mp := New(DefaultConfig(), nil, nil)
	now := time.Now()
	require.NoError(t, mp.Add(tx(1, 10, 100), now))
	err := mp.Add(tx(1, 10, 100), now)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestPickOrdersByFeeOverSizeDescending(t *testing.T) {
	mp := New(DefaultConfig(), nil, nil)
	now := time.Now()
	require.NoError(t, mp.Add(tx(1, 10, 100), now)) // 0.1
	require.NoError(t, mp.Add(tx(2, 50, 100), now)) // 0.5
	require.NoError(t, mp.Add(tx(3, 1, 100), now))  // 0.01

	picked := mp.Pick(0)
	require.Len(t, picked, 3)
	require.Equal(t, ctypes.TxHash{2}, picked[0].Hash)
	require.Equal(t, ctypes.TxHash{1}, picked[1].Hash)
	require.Equal(t, ctypes.TxHash{3}, picked[2].Hash)
}

func TestPickRespectsMaxN(t *testing.T) {
	mp := New(DefaultConfig(), nil, nil)
	now := time.Now()
	for i := byte(1); i <= 5; i++ {
		require.NoError(t, mp.Add(tx(i, uint64(i), 100), now))
	}
	require.Len(t, mp.Pick(2), 2)
}

func TestShedDropsLowestPriorityTenPercentAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 10
	mp := New(cfg, nil, nil)
	now := time.Now()
	for i := byte(1); i <= 10; i++ {
		require.NoError(t, mp.Add(tx(i, uint64(i), 100), now))
	}
	require.Equal(t, 10, mp.Size())

	// Admitting one more over capacity must shed ceil(10%)=1 lowest-fee entry
	// before it can be admitted.
	require.NoError(t, mp.Add(tx(11, 100, 100), now))
	require.Equal(t, 10, mp.Size())
	require.False(t, mp.Has(ctypes.TxHash{1}), "lowest fee/size entry should have been shed")
	require.True(t, mp.Has(ctypes.TxHash{11}))
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTxAge = time.Hour
	mp := New(cfg, nil, nil)

	old := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()
	require.NoError(t, mp.Add(tx(1, 10, 100), old))
	require.NoError(t, mp.Add(tx(2, 10, 100), fresh))

	removed := mp.Sweep(time.Now())
	require.Equal(t, 1, removed)
	require.False(t, mp.Has(ctypes.TxHash{1}))
	require.True(t, mp.Has(ctypes.TxHash{2}))
}

func TestRemoveDropsGivenHashes(t *testing.T) {
	mp := New(DefaultConfig(), nil, nil)
	now := time.Now()
	require.NoError(t, mp.Add(tx(1, 10, 100), now))
	mp.Remove(ctypes.TxHash{1})
	require.False(t, mp.Has(ctypes.TxHash{1}))
}

type rejectingBalanceChecker struct{}

func (rejectingBalanceChecker) BalanceOf(addr ctypes.Address) (uint64, error) {
	return 0, nil
}

func TestAddRejectsInsufficientFunds(t *testing.T) {
	mp := New(DefaultConfig(), rejectingBalanceChecker{}, nil)
	txn := tx(1, 10, 100)
	txn.Amount = 1000
	err := mp.Add(txn, time.Now())
	require.ErrorIs(t, err, ErrInsufficientFunds)
}
