package pools

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/pkg/types"
)

const poolsSchema = `
CREATE TABLE IF NOT EXISTS pools (
	address  TEXT PRIMARY KEY,
	token0   TEXT NOT NULL,
	token1   TEXT NOT NULL,
	fee_bps  INTEGER NOT NULL DEFAULT 30
)`

// SQLiteDirectory serves pool metadata from a sqlite cache file. Reads go
// to an in-memory snapshot that Reload swaps atomically.
type SQLiteDirectory struct {
	db   *sql.DB
	snap atomic.Pointer[StaticDirectory]
}

// OpenSQLiteDirectory opens (creating if needed) the cache at path and
// loads it.
func OpenSQLiteDirectory(ctx context.Context, path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open pool cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, poolsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pools table: %w", err)
	}

	d := &SQLiteDirectory{db: db}
	d.snap.Store(NewStaticDirectory())
	if err := d.Reload(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Reload re-reads every row into a fresh snapshot.
func (d *SQLiteDirectory) Reload(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, `SELECT address, token0, token1, fee_bps FROM pools`)
	if err != nil {
		return fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	var metas []types.PoolMeta
	for rows.Next() {
		var addr, t0, t1 string
		var fee uint32
		if err := rows.Scan(&addr, &t0, &t1, &fee); err != nil {
			return fmt.Errorf("scan pool row: %w", err)
		}
		if !common.IsHexAddress(addr) || !common.IsHexAddress(t0) || !common.IsHexAddress(t1) {
			log.Warn().Str("pool", addr).Msg("Skipping malformed pool row")
			continue
		}
		metas = append(metas, types.PoolMeta{
			Address: common.HexToAddress(addr),
			Token0:  common.HexToAddress(t0),
			Token1:  common.HexToAddress(t1),
			FeeBps:  fee,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pools: %w", err)
	}

	d.snap.Store(NewStaticDirectory(metas...))
	log.Debug().Int("pools", len(metas)).Msg("Pool directory loaded")
	return nil
}

// Run reloads on every tick until ctx is done.
func (d *SQLiteDirectory) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Reload(ctx); err != nil {
				log.Warn().Err(err).Msg("Pool directory reload failed")
			}
		}
	}
}

// Add persists a discovered pool and makes it visible immediately.
func (d *SQLiteDirectory) Add(ctx context.Context, meta types.PoolMeta) error {
	fee := meta.FeeBps
	if fee == 0 {
		fee = types.DefaultFeeBps
		meta.FeeBps = fee
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO pools (address, token0, token1, fee_bps) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET token0 = excluded.token0, token1 = excluded.token1, fee_bps = excluded.fee_bps`,
		meta.Address.Hex(), meta.Token0.Hex(), meta.Token1.Hex(), fee)
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", meta.Address.Hex(), err)
	}
	return d.snap.Load().Add(ctx, meta)
}

func (d *SQLiteDirectory) Lookup(addr common.Address) (types.PoolMeta, bool) {
	return d.snap.Load().Lookup(addr)
}

func (d *SQLiteDirectory) FindPair(a, b common.Address) (types.PoolMeta, bool) {
	return d.snap.Load().FindPair(a, b)
}

func (d *SQLiteDirectory) All() []types.PoolMeta {
	return d.snap.Load().All()
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}
