// Package gateway defines the narrow, bidirectional network boundary
// between consensus and transport: the Replica depends only on
// Broadcaster, supplied at construction; a concrete transport (HTTP,
// WebSocket, libp2p) depends on Inbound to hand messages to the replica.
// Neither side imports the other.
package gateway

import (
	"context"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

// Broadcaster is the outbound capability the Replica is constructed with.
type Broadcaster interface {
	Broadcast(ctx context.Context, m *ctypes.ConsensusMessage) error
	ActiveValidators(ctx context.Context) ([]ctypes.Address, error)
}

// Inbound is the capability a concrete transport drives to deliver
// messages and block proposals into the node.
type Inbound interface {
	DeliverConsensusMessage(ctx context.Context, m *ctypes.ConsensusMessage) error
	DeliverBlockProposal(ctx context.Context, b *ctypes.Block) error
}

// Loopback is a trivial same-process Broadcaster for single-node
// development and tests: it has no peers, so Broadcast is a no-op and
// ActiveValidators returns none beyond what the caller already knows.
type Loopback struct{}

func (Loopback) Broadcast(context.Context, *ctypes.ConsensusMessage) error { return nil }
func (Loopback) ActiveValidators(context.Context) ([]ctypes.Address, error) {
	return nil, nil
}
