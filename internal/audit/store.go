// Package audit persists the append-only trail of confirmed liquidations.
// Records are written once, after on-chain confirmation, and never updated.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/shizukutanaka/seisan/internal/chain"
)

// Record is one confirmed liquidation.
type Record struct {
	ID               uuid.UUID
	Ref              chain.PositionRef
	Liquidator       common.Address
	TxHash           common.Hash
	Block            uint64
	CollateralSeized decimal.Decimal
	DebtRepaid       decimal.Decimal
	LiquidationBonus decimal.Decimal
	Profit           decimal.Decimal
	Timestamp        time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS liquidation_records (
	id                TEXT PRIMARY KEY,
	pool_id           INTEGER NOT NULL,
	collateral_asset  TEXT NOT NULL,
	debt_asset        TEXT NOT NULL,
	user              TEXT NOT NULL,
	liquidator        TEXT NOT NULL,
	tx_hash           TEXT NOT NULL,
	block             INTEGER NOT NULL,
	collateral_seized TEXT NOT NULL,
	debt_repaid       TEXT NOT NULL,
	liquidation_bonus TEXT NOT NULL,
	profit            TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_liquidation_records_position
	ON liquidation_records (pool_id, collateral_asset, debt_asset, user);
`

// Store writes and reads liquidation records.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the records database. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append inserts a record. There is no update path.
func (s *Store) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO liquidation_records (
			id, pool_id, collateral_asset, debt_asset, user, liquidator,
			tx_hash, block, collateral_seized, debt_repaid, liquidation_bonus,
			profit, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.Ref.PoolID,
		rec.Ref.CollateralAsset.Hex(),
		rec.Ref.DebtAsset.Hex(),
		rec.Ref.User.Hex(),
		rec.Liquidator.Hex(),
		rec.TxHash.Hex(),
		rec.Block,
		rec.CollateralSeized.String(),
		rec.DebtRepaid.String(),
		rec.LiquidationBonus.String(),
		rec.Profit.String(),
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append liquidation record %s: %w", rec.ID, err)
	}
	return nil
}

// ByPosition returns all records for a position, oldest first.
func (s *Store) ByPosition(ctx context.Context, ref chain.PositionRef) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, liquidator, tx_hash, block, collateral_seized, debt_repaid,
		       liquidation_bonus, profit, created_at
		FROM liquidation_records
		WHERE pool_id = ? AND collateral_asset = ? AND debt_asset = ? AND user = ?
		ORDER BY created_at ASC`,
		ref.PoolID, ref.CollateralAsset.Hex(), ref.DebtAsset.Hex(), ref.User.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("query liquidation records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                              = Record{Ref: ref}
			id, liquidator, txHash          string
			seized, repaid, bonus, profit   string
		)
		if err := rows.Scan(&id, &liquidator, &txHash, &rec.Block,
			&seized, &repaid, &bonus, &profit, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan liquidation record: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse record id %q: %w", id, err)
		}
		rec.Liquidator = common.HexToAddress(liquidator)
		rec.TxHash = common.HexToHash(txHash)
		if rec.CollateralSeized, err = decimal.NewFromString(seized); err != nil {
			return nil, fmt.Errorf("parse collateral seized: %w", err)
		}
		if rec.DebtRepaid, err = decimal.NewFromString(repaid); err != nil {
			return nil, fmt.Errorf("parse debt repaid: %w", err)
		}
		if rec.LiquidationBonus, err = decimal.NewFromString(bonus); err != nil {
			return nil, fmt.Errorf("parse liquidation bonus: %w", err)
		}
		if rec.Profit, err = decimal.NewFromString(profit); err != nil {
			return nil, fmt.Errorf("parse profit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the total number of records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM liquidation_records`).Scan(&n)
	return n, err
}

// ByUser returns every record across pools for one borrower, oldest first.
func (s *Store) ByUser(ctx context.Context, user common.Address) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pool_id, collateral_asset, debt_asset, liquidator, tx_hash,
		       block, collateral_seized, debt_repaid, liquidation_bonus,
		       profit, created_at
		FROM liquidation_records
		WHERE user = ?
		ORDER BY created_at ASC`,
		user.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("query liquidation records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                            = Record{Ref: chain.PositionRef{User: user}}
			id, collateralAsset, debtAsset string
			liquidator, txHash             string
			seized, repaid, bonus, profit  string
		)
		if err := rows.Scan(&id, &rec.Ref.PoolID, &collateralAsset, &debtAsset,
			&liquidator, &txHash, &rec.Block,
			&seized, &repaid, &bonus, &profit, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan liquidation record: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse record id %q: %w", id, err)
		}
		rec.Ref.CollateralAsset = common.HexToAddress(collateralAsset)
		rec.Ref.DebtAsset = common.HexToAddress(debtAsset)
		rec.Liquidator = common.HexToAddress(liquidator)
		rec.TxHash = common.HexToHash(txHash)
		if rec.CollateralSeized, err = decimal.NewFromString(seized); err != nil {
			return nil, fmt.Errorf("parse collateral seized: %w", err)
		}
		if rec.DebtRepaid, err = decimal.NewFromString(repaid); err != nil {
			return nil, fmt.Errorf("parse debt repaid: %w", err)
		}
		if rec.LiquidationBonus, err = decimal.NewFromString(bonus); err != nil {
			return nil, fmt.Errorf("parse liquidation bonus: %w", err)
		}
		if rec.Profit, err = decimal.NewFromString(profit); err != nil {
			return nil, fmt.Errorf("parse profit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
