package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

func TestLoopbackBroadcastIsANoOp(t *testing.T) {
	var l Loopback
	err := l.Broadcast(context.Background(), &ctypes.ConsensusMessage{})
	require.NoError(t, err)
}

func TestLoopbackActiveValidatorsReportsNone(t *testing.T) {
	var l Loopback
	peers, err := l.ActiveValidators(context.Background())
	require.NoError(t, err)
	require.Empty(t, peers)
}
