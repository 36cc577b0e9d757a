package messages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/crypto"
)

func newCodec(t *testing.T, svc *crypto.Service) *Codec {
	c, err := New(DefaultConfig(), svc)
	require.NoError(t, err)
	return c
}

func sampleMessage(validator ctypes.Address) *ctypes.ConsensusMessage {
	return &ctypes.ConsensusMessage{
		Type:        ctypes.MsgPrepare,
		BlockHeight: 7,
		BlockHash:   ctypes.BlockHash{1, 2, 3},
		Validator:   validator,
		View:        1,
		Timestamp:   time.Now(),
	}
}

func TestSignThenVerifySucceeds(t *testing.T) {
	svc, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	codec := newCodec(t, svc)

	m := sampleMessage(svc.LocalAddress())
	require.NoError(t, codec.Sign(context.Background(), m))
	require.NoError(t, codec.Verify(context.Background(), m))
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	svc, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	codec := newCodec(t, svc)

	m := sampleMessage(svc.LocalAddress())
	require.NoError(t, codec.Sign(context.Background(), m))

	m.BlockHeight = 999
	err = codec.Verify(context.Background(), m)
	require.Error(t, err)
}

func TestVerifyRejectsUnknownValidator(t *testing.T) {
	svc, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	codec := newCodec(t, svc)

	stranger, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	m := sampleMessage(stranger.LocalAddress())
	sb, err := codec.signBytes(m)
	require.NoError(t, err)
	sig, err := stranger.Sign(context.Background(), sb)
	require.NoError(t, err)
	m.Signature = sig

	err = codec.Verify(context.Background(), m)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	svc, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	codec := newCodec(t, svc)

	m := sampleMessage(svc.LocalAddress())
	require.NoError(t, codec.Sign(context.Background(), m))

	data, err := codec.Encode(m)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, m.BlockHeight, decoded.BlockHeight)
	require.Equal(t, m.BlockHash, decoded.BlockHash)
	require.Equal(t, m.Validator, decoded.Validator)
}

func TestCheckSkewRejectsStaleAndFutureTimestamps(t *testing.T) {
	svc, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	codec := newCodec(t, svc)

	now := time.Now()
	stale := sampleMessage(svc.LocalAddress())
	stale.Timestamp = now.Add(-time.Hour)
	require.Error(t, codec.CheckSkew(stale, now))

	future := sampleMessage(svc.LocalAddress())
	future.Timestamp = now.Add(time.Hour)
	require.Error(t, codec.CheckSkew(future, now))

	fresh := sampleMessage(svc.LocalAddress())
	fresh.Timestamp = now
	require.NoError(t, codec.CheckSkew(fresh, now))
}

func TestVerifySucceedsAgainOnRedeliveredMessage(t *testing.T) {
	svc, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	codec := newCodec(t, svc)

	m := sampleMessage(svc.LocalAddress())
	require.NoError(t, codec.Sign(context.Background(), m))
	require.NoError(t, codec.Verify(context.Background(), m))

	// A redelivered message with an identical signature must still verify
	// cleanly the second time (at-least-once redelivery idempotence).
	require.NoError(t, codec.Verify(context.Background(), m))
}
