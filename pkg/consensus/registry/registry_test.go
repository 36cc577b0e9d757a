package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

type fakeSource struct {
	validators []ctypes.ValidatorInfo
}

func (f *fakeSource) LoadValidators(ctx context.Context) ([]ctypes.ValidatorInfo, error) {
	return f.validators, nil
}

func activeValidator(n byte) ctypes.ValidatorInfo {
	return ctypes.ValidatorInfo{Address: ctypes.Address{n}, Status: ctypes.StatusActive}
}

func TestLeaderOfRotatesByViewModN(t *testing.T) {
	src := &fakeSource{validators: []ctypes.ValidatorInfo{
		activeValidator(3), activeValidator(1), activeValidator(2), activeValidator(4),
	}}
	reg := New(DefaultConfig(), src, nil, nil)
	require.NoError(t, reg.Refresh(context.Background(), 0))

	// Sorted ascending by address: 1, 2, 3, 4.
	leader0, err := reg.LeaderOf(0)
	require.NoError(t, err)
	require.Equal(t, ctypes.Address{1}, leader0)

	leader1, err := reg.LeaderOf(1)
	require.NoError(t, err)
	require.Equal(t, ctypes.Address{2}, leader1)

	leader4, err := reg.LeaderOf(4)
	require.NoError(t, err)
	require.Equal(t, ctypes.Address{1}, leader4, "view 4 mod 4 validators wraps back to the first")
}

func TestQuorumIsFloorTwoThirdsPlusOne(t *testing.T) {
	src := &fakeSource{validators: []ctypes.ValidatorInfo{
		activeValidator(1), activeValidator(2), activeValidator(3), activeValidator(4),
	}}
	reg := New(DefaultConfig(), src, nil, nil)
	require.NoError(t, reg.Refresh(context.Background(), 0))

	vs, err := reg.Snapshot(0)
	require.NoError(t, err)
	require.Equal(t, 3, vs.Quorum()) // floor(8/3)+1 = 3
}

func TestValidateQuorumMathRejectsTooFewValidators(t *testing.T) {
	src := &fakeSource{validators: []ctypes.ValidatorInfo{
		activeValidator(1), activeValidator(2), activeValidator(3),
	}}
	reg := New(DefaultConfig(), src, nil, nil)
	require.NoError(t, reg.Refresh(context.Background(), 0))

	err := reg.ValidateQuorumMath()
	require.ErrorIs(t, err, ErrInsufficientValidators)
}

func TestInactiveValidatorsExcludedFromSnapshot(t *testing.T) {
	src := &fakeSource{validators: []ctypes.ValidatorInfo{
		activeValidator(1),
		{Address: ctypes.Address{2}, Status: ctypes.StatusStandby},
	}}
	reg := New(DefaultConfig(), src, nil, nil)
	require.NoError(t, reg.Refresh(context.Background(), 0))

	vs, err := reg.Snapshot(0)
	require.NoError(t, err)
	require.Equal(t, 1, vs.Count())
	require.True(t, vs.IsActive(ctypes.Address{1}))
	require.False(t, vs.IsActive(ctypes.Address{2}))
}

func TestSnapshotBeyondHorizonIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotHorizon = 10
	src := &fakeSource{validators: []ctypes.ValidatorInfo{activeValidator(1)}}
	reg := New(cfg, src, nil, nil)
	require.NoError(t, reg.Refresh(context.Background(), 0))

	_, err := reg.Snapshot(100)
	require.ErrorIs(t, err, ErrViewBeyondHorizon)
}
