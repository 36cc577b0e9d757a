package blockstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

var (
	ErrBlockNotFound       = errors.New("blockstore: block not found")
	ErrIntegrityViolation  = errors.New("blockstore: stored block hash/height mismatch on conflicting write")
)

// Store is the block store contract.
type Store interface {
	GetBlockByHash(ctx context.Context, hash ctypes.BlockHash) (*ctypes.Block, error)
	GetBlockByHeight(ctx context.Context, height uint64) (*ctypes.Block, error)
	GetChainHeight(ctx context.Context) (uint64, error)
	SaveBlock(ctx context.Context, b *ctypes.Block) error
	SavePendingBlock(ctx context.Context, b *ctypes.Block) error
	GetPendingBlocks(ctx context.Context, fromHeight uint64) ([]*ctypes.Block, error)
	GetRecentBlocks(ctx context.Context, n int) ([]*ctypes.Block, error)
}

// PostgresStore is a lib/pq-backed Store. Blocks are persisted idempotently
// on (height, hash): a conflicting insert at the same height verifies the
// existing row's hash matches before treating it as a no-op. Writes are
// gated by a circuit breaker so a database outage fails finalize fast
// instead of piling up blocked consensus rounds behind a hung driver.
type PostgresStore struct {
	db *sql.DB
	cb *utils.CircuitBreaker
}

// NewPostgresStore wraps an already-connected *sql.DB (see NewConnection).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, cb: utils.NewCircuitBreaker(5, 30*time.Second)}
}

// Schema is the minimal DDL this store expects; cmd/validator executes it
// at startup, and it is kept here as the authoritative contract.
const Schema = `
CREATE TABLE IF NOT EXISTS blocks (
	height      BIGINT NOT NULL,
	hash        BYTEA NOT NULL,
	parent_hash BYTEA NOT NULL,
	data        JSONB NOT NULL,
	pending     BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (height, hash)
);
CREATE UNIQUE INDEX IF NOT EXISTS blocks_height_finalized_idx
	ON blocks (height) WHERE pending = false;
`

type blockRow struct {
	Index      uint64               `json:"index"`
	Timestamp  string               `json:"timestamp"`
	ParentHash string               `json:"parentHash"`
	Hash       string               `json:"hash"`
	Nonce      uint64               `json:"nonce"`
	Validator  string               `json:"validator"`
	Signature  string               `json:"signature"`
	Type       uint8                `json:"type"`
	Body       []ctypes.Transaction `json:"body"`
}

func (p *PostgresStore) SaveBlock(ctx context.Context, b *ctypes.Block) error {
	return p.cb.Execute(func() error { return p.saveBlock(ctx, b) })
}

func (p *PostgresStore) saveBlock(ctx context.Context, b *ctypes.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("blockstore: marshal block: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("blockstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existingHash []byte
	err = tx.QueryRowContext(ctx,
		`SELECT hash FROM blocks WHERE height = $1 AND pending = false`, b.Index,
	).Scan(&existingHash)
	if err == nil {
		if !bytesEqual(existingHash, b.Hash[:]) {
			return fmt.Errorf("%w: height %d already finalized with a different hash", ErrIntegrityViolation, b.Index)
		}
		return tx.Commit() // idempotent no-op
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("blockstore: query existing: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks (height, hash, parent_hash, data, pending)
		 VALUES ($1, $2, $3, $4, false)
		 ON CONFLICT (height, hash) DO NOTHING`,
		b.Index, b.Hash[:], b.ParentHash[:], data,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: duplicate key on insert", ErrIntegrityViolation)
		}
		return fmt.Errorf("blockstore: insert: %w", err)
	}
	_, _ = tx.ExecContext(ctx, `DELETE FROM blocks WHERE hash = $1 AND pending = true`, b.Hash[:])

	return tx.Commit()
}

// SavePendingBlock persists a candidate block that has passed PRE-PREPARE
// validation but is not yet finalized, so it can be recovered via
// GetPendingBlocks for post-VIEW_CHANGE rebroadcast.
func (p *PostgresStore) SavePendingBlock(ctx context.Context, b *ctypes.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("blockstore: marshal pending block: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO blocks (height, hash, parent_hash, data, pending)
		 VALUES ($1, $2, $3, $4, true)
		 ON CONFLICT (height, hash) DO NOTHING`,
		b.Index, b.Hash[:], b.ParentHash[:], data,
	)
	return err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *PostgresStore) scanBlock(row *sql.Row) (*ctypes.Block, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	var b ctypes.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("blockstore: unmarshal block: %w", err)
	}
	return &b, nil
}

func (p *PostgresStore) GetBlockByHash(ctx context.Context, hash ctypes.BlockHash) (*ctypes.Block, error) {
	row := p.db.QueryRowContext(ctx, `SELECT data FROM blocks WHERE hash = $1 LIMIT 1`, hash[:])
	return p.scanBlock(row)
}

func (p *PostgresStore) GetBlockByHeight(ctx context.Context, height uint64) (*ctypes.Block, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT data FROM blocks WHERE height = $1 AND pending = false LIMIT 1`, height)
	return p.scanBlock(row)
}

func (p *PostgresStore) GetChainHeight(ctx context.Context) (uint64, error) {
	var height sql.NullInt64
	err := p.db.QueryRowContext(ctx,
		`SELECT MAX(height) FROM blocks WHERE pending = false`).Scan(&height)
	if err != nil {
		return 0, err
	}
	if !height.Valid {
		return 0, nil
	}
	return uint64(height.Int64), nil
}

func (p *PostgresStore) GetPendingBlocks(ctx context.Context, fromHeight uint64) ([]*ctypes.Block, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT data FROM blocks WHERE pending = true AND height >= $1 ORDER BY height ASC`, fromHeight)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBlocks(rows)
}

func (p *PostgresStore) GetRecentBlocks(ctx context.Context, n int) ([]*ctypes.Block, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT data FROM blocks WHERE pending = false ORDER BY height DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBlocks(rows)
}

func scanBlocks(rows *sql.Rows) ([]*ctypes.Block, error) {
	var out []*ctypes.Block
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b ctypes.Block
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
