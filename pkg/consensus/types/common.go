// Package types defines the shared data model of the validator node: the
// address/validator vocabulary, transactions, blocks, and the consensus
// message wire model. No package outside consensus/messages and
// consensus/replica should need to redeclare these shapes.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Address identifies a validator or account by hex(SHA-256(publicKey)).
type Address [32]byte

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// AddressFromPublicKey derives the canonical address of a public key.
func AddressFromPublicKey(pubKey []byte) Address {
	return Address(sha256.Sum256(pubKey))
}

// BlockHash is a content hash of a Block header.
type BlockHash [32]byte

func (h BlockHash) String() string { return hex.EncodeToString(h[:]) }

// TxHash is the content-addressed identity of a Transaction.
type TxHash [32]byte

func (h TxHash) String() string { return hex.EncodeToString(h[:]) }

// ValidatorStatus is the lifecycle status of a registry entry.
type ValidatorStatus uint8

const (
	StatusActive ValidatorStatus = iota
	StatusStandby
	StatusPenalized
)

func (s ValidatorStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusStandby:
		return "STANDBY"
	case StatusPenalized:
		return "PENALIZED"
	default:
		return "UNKNOWN"
	}
}

// ValidatorInfo is the authoritative metadata for one validator.
type ValidatorInfo struct {
	Address    Address         `json:"address" cbor:"1,keyasint"`
	PublicKey  []byte          `json:"publicKey" cbor:"2,keyasint"`
	Stake      uint64          `json:"stake" cbor:"3,keyasint"`
	Reputation int64           `json:"reputation" cbor:"4,keyasint"`
	LastActive time.Time       `json:"lastActive" cbor:"5,keyasint"`
	Status     ValidatorStatus `json:"status" cbor:"6,keyasint"`
}

// BlockType distinguishes ordinary blocks from critical-process blocks.
type BlockType uint8

const (
	BlockTypeTransaction BlockType = iota
	BlockTypeCriticalProcess
)

func (t BlockType) String() string {
	if t == BlockTypeCriticalProcess {
		return "CRITICAL_PROCESS"
	}
	return "TRANSACTION"
}

// Transaction is the content-addressed unit the mempool admits and the
// block body carries.
type Transaction struct {
	Hash     TxHash  `json:"hash" cbor:"1,keyasint"`
	From     Address `json:"from" cbor:"2,keyasint"`
	To       Address `json:"to" cbor:"3,keyasint"`
	Amount   uint64  `json:"amount" cbor:"4,keyasint"`
	GasLimit uint64  `json:"gasLimit" cbor:"5,keyasint"`
	Size     int     `json:"size" cbor:"6,keyasint"`
	Fee      uint64  `json:"fee" cbor:"7,keyasint"`
}

// GenesisParentHash is the literal parent hash value required of height 0.
var GenesisParentHash = BlockHash{}

// genesisValidatorLiteral is the literal validator identity required of
// height 0, before it is laid out into the fixed-width Address encoding.
const genesisValidatorLiteral = "system"

// GenesisValidator is the Address every replica must see on the genesis
// block: the ASCII bytes of "system", zero-padded to 32 bytes. No real
// key ever signs for it; genesis authenticity rests on every honest
// replica deriving the same deterministic content independently.
var GenesisValidator = func() Address {
	var a Address
	copy(a[:], genesisValidatorLiteral)
	return a
}()

// Block is the canonical block record. Hash is computed with Signature
// blanked; Signature is then computed over that Hash and the Hash is
// never recomputed afterward.
type Block struct {
	Index      uint64        `json:"index" cbor:"1,keyasint"`
	Timestamp  time.Time     `json:"timestamp" cbor:"2,keyasint"`
	ParentHash BlockHash     `json:"parentHash" cbor:"3,keyasint"`
	Hash       BlockHash     `json:"hash" cbor:"4,keyasint"`
	Nonce      uint64        `json:"nonce" cbor:"5,keyasint"`
	Validator  Address       `json:"validator" cbor:"6,keyasint"`
	Signature  []byte        `json:"signature" cbor:"7,keyasint"`
	Type       BlockType     `json:"type" cbor:"8,keyasint"`
	Body       []Transaction `json:"body" cbor:"9,keyasint"`
}

// MessageType discriminates the ConsensusMessage variants.
type MessageType uint8

const (
	MsgPrePrepare MessageType = iota + 1
	MsgPrepare
	MsgCommit
	MsgViewChange
	MsgNewView
)

func (t MessageType) String() string {
	switch t {
	case MsgPrePrepare:
		return "PRE_PREPARE"
	case MsgPrepare:
		return "PREPARE"
	case MsgCommit:
		return "COMMIT"
	case MsgViewChange:
		return "VIEW_CHANGE"
	case MsgNewView:
		return "NEW_VIEW"
	default:
		return "UNKNOWN"
	}
}

// ConsensusMessage is the discriminated wire record. VIEW_CHANGE and
// NEW_VIEW populate the trailing fields; PRE_PREPARE carries its candidate
// in Block, and PREPARE/COMMIT leave the trailing fields zero.
type ConsensusMessage struct {
	Type        MessageType `cbor:"1,keyasint"`
	BlockHeight uint64      `cbor:"2,keyasint"`
	BlockHash   BlockHash   `cbor:"3,keyasint"`
	Validator   Address     `cbor:"4,keyasint"`
	View        uint64      `cbor:"5,keyasint"`
	Timestamp   time.Time   `cbor:"6,keyasint"`
	Signature   []byte      `cbor:"7,keyasint"`

	// VIEW_CHANGE
	NewView            uint64       `cbor:"8,keyasint,omitempty"`
	LastPreparedSeqNum uint64       `cbor:"9,keyasint,omitempty"`
	ViewChangeProof    [][]byte     `cbor:"10,keyasint,omitempty"`

	// NEW_VIEW
	ViewChangeMessages []ConsensusMessage `cbor:"11,keyasint,omitempty"`
	PrePrepareMessages []ConsensusMessage `cbor:"12,keyasint,omitempty"`
	Block              *Block             `cbor:"13,keyasint,omitempty"`
}

// Key returns the "height:hash" string used to key the prePrepare/prepare/
// commit tables.
func (m *ConsensusMessage) Key() string {
	return roundKey(m.BlockHeight, m.BlockHash)
}

func roundKey(height uint64, hash BlockHash) string {
	b := make([]byte, 8+32)
	for i := 0; i < 8; i++ {
		b[i] = byte(height >> (56 - 8*i))
	}
	copy(b[8:], hash[:])
	return string(b)
}

// RoundKey is the exported form of the height:hash composite key.
func RoundKey(height uint64, hash BlockHash) string { return roundKey(height, hash) }
