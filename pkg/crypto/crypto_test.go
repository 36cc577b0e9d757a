package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	svc, err := GenerateEphemeral()
	require.NoError(t, err)

	msg := []byte("pre-prepare-height-42")
	sig, err := svc.Sign(context.Background(), msg)
	require.NoError(t, err)

	err = svc.Verify(context.Background(), msg, sig, svc.LocalPublicKey())
	require.NoError(t, err)
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	svc, err := GenerateEphemeral()
	require.NoError(t, err)

	sig, err := svc.Sign(context.Background(), []byte("original"))
	require.NoError(t, err)

	err = svc.Verify(context.Background(), []byte("tampered"), sig, svc.LocalPublicKey())
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRegisterAndResolvePublicKey(t *testing.T) {
	local, err := GenerateEphemeral()
	require.NoError(t, err)
	peer, err := GenerateEphemeral()
	require.NoError(t, err)

	addr := local.RegisterPublicKey(peer.LocalPublicKey())
	require.Equal(t, peer.LocalAddress(), addr)

	pk, err := local.PublicKeyOf(addr)
	require.NoError(t, err)
	require.Equal(t, peer.LocalPublicKey(), pk)
}

func TestPublicKeyOfUnknownValidator(t *testing.T) {
	svc, err := GenerateEphemeral()
	require.NoError(t, err)

	_, err = svc.PublicKeyOf(Address([]byte("not-registered")))
	require.ErrorIs(t, err, ErrUnknownValidator)
}

func TestNewFromSeedRejectsWrongLength(t *testing.T) {
	_, err := NewFromSeed([]byte("too-short"))
	require.Error(t, err)
}

func TestAddressIsDeterministic(t *testing.T) {
	svc, err := GenerateEphemeral()
	require.NoError(t, err)

	require.Equal(t, Address(svc.LocalPublicKey()), svc.LocalAddress())
}
