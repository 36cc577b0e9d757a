// Package crypto implements the node's signature primitive: Sign/Verify
// over raw bytes with a key registry, plus the SHA-256/Address helpers the
// rest of the node treats as opaque.
package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

var (
	ErrUnknownValidator = errors.New("crypto: no public key registered for validator")
	ErrInvalidSignature = errors.New("crypto: signature verification failed")
)

// SHA256 hashes data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Address derives hex(SHA-256(pubKey)) as the validator address.
func Address(pubKey []byte) ctypes.Address {
	return ctypes.AddressFromPublicKey(pubKey)
}

// AddressHex renders addr as 32-byte hex.
func AddressHex(addr ctypes.Address) string {
	return hex.EncodeToString(addr[:])
}

// Service is the local Ed25519-backed Sign/Verify primitive with an
// in-memory public-key registry keyed by address. Peer keys enter it only
// through RegisterPublicKey; nothing loads them from the Validator Registry.
type Service struct {
	mu         sync.RWMutex
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	localAddr  ctypes.Address
	registry   map[ctypes.Address][]byte
}

// NewFromSeed constructs a Service from a 32-byte Ed25519 seed (e.g. loaded
// from the process's signing-key secret at startup).
func NewFromSeed(seed []byte) (*Service, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	s := &Service{
		priv:      priv,
		pub:       pub,
		localAddr: Address(pub),
		registry:  make(map[ctypes.Address][]byte),
	}
	s.registry[s.localAddr] = pub
	return s, nil
}

// GenerateEphemeral creates a fresh key pair, for development/test use
// where no signing key has been provisioned.
func GenerateEphemeral() (*Service, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewFromSeed(priv.Seed())
}

// LocalAddress returns this process's own validator address.
func (s *Service) LocalAddress() ctypes.Address {
	return s.localAddr
}

// LocalPublicKey returns this process's own public key bytes.
func (s *Service) LocalPublicKey() []byte {
	return append([]byte{}, s.pub...)
}

// RegisterPublicKey adds or updates a peer's public key under its derived
// address, typically sourced from a fresh Validator Registry snapshot.
func (s *Service) RegisterPublicKey(pubKey []byte) ctypes.Address {
	addr := Address(pubKey)
	s.mu.Lock()
	s.registry[addr] = append([]byte{}, pubKey...)
	s.mu.Unlock()
	return addr
}

// PublicKeyOf resolves the registered public key for addr.
func (s *Service) PublicKeyOf(addr ctypes.Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.registry[addr]
	if !ok {
		return nil, ErrUnknownValidator
	}
	return pk, nil
}

// Sign signs data with the local private key. ctx is accepted for
// cancellable-suspension-point symmetry with the rest of the node;
// Ed25519 signing is CPU-bound and never actually blocks on it.
func (s *Service) Sign(_ context.Context, data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// Verify checks signature over data against publicKey.
func (s *Service) Verify(_ context.Context, data, signature, publicKey []byte) error {
	if !ed25519.Verify(ed25519.PublicKey(publicKey), data, signature) {
		return ErrInvalidSignature
	}
	return nil
}
