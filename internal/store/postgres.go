package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mev-protocol/sandwich/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS bundle_outcomes (
	id              BIGSERIAL PRIMARY KEY,
	bundle_id       TEXT        NOT NULL,
	attempt         INTEGER     NOT NULL,
	state           SMALLINT    NOT NULL,
	victim          BYTEA       NOT NULL,
	pool            BYTEA       NOT NULL,
	target_block    BIGINT      NOT NULL,
	observed_block  BIGINT      NOT NULL,
	relay_hash      TEXT        NOT NULL DEFAULT '',
	expected_profit NUMERIC(78, 0),
	realized_profit NUMERIC(78, 0),
	loss            NUMERIC(78, 0),
	gas_used        BIGINT      NOT NULL DEFAULT 0,
	reason          TEXT        NOT NULL DEFAULT '',
	recorded_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bundle_outcomes_bundle_id ON bundle_outcomes (bundle_id, id);
`

// PostgresStore implements Journal on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Journal = (*PostgresStore)(nil)

// NewPostgres connects to dsn and makes sure the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Record(ctx context.Context, o *Outcome) error {
	query := `
		INSERT INTO bundle_outcomes (
			bundle_id, attempt, state, victim, pool, target_block, observed_block, relay_hash,
			expected_profit, realized_profit, loss, gas_used, reason, recorded_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9::text::numeric, $10::text::numeric, $11::text::numeric, $12, $13, $14
		)
	`
	_, err := s.pool.Exec(ctx, query,
		o.BundleID, o.Attempt, int16(o.State), o.Victim.Bytes(), o.Pool.Bytes(),
		int64(o.TargetBlock), int64(o.Block), o.RelayHash,
		numeric(o.ExpectedProfit), numeric(o.RealizedProfit), numeric(o.Loss),
		int64(o.GasUsed), o.Reason, o.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outcome %s: %w", o.BundleID, err)
	}
	return nil
}

const selectOutcome = `
	SELECT
		bundle_id, attempt, state, victim, pool, target_block, observed_block, relay_hash,
		expected_profit::text, realized_profit::text, loss::text, gas_used, reason, recorded_at
	FROM bundle_outcomes
`

func (s *PostgresStore) ByBundle(ctx context.Context, bundleID string) ([]*Outcome, error) {
	out, err := s.query(ctx, selectOutcome+` WHERE bundle_id = $1 ORDER BY id ASC`, bundleID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.query(ctx, selectOutcome+` ORDER BY id DESC LIMIT $1`, limit)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Outcome, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

func scanOutcome(row pgx.Row) (*Outcome, error) {
	var (
		o                        Outcome
		state                    int16
		victim, pool             []byte
		target, block, gasUsed   int64
		expected, realized, loss *string
	)
	err := row.Scan(
		&o.BundleID, &o.Attempt, &state, &victim, &pool, &target, &block, &o.RelayHash,
		&expected, &realized, &loss, &gasUsed, &o.Reason, &o.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan outcome: %w", err)
	}
	o.State = types.BundleState(state)
	o.Victim = common.BytesToHash(victim)
	o.Pool = common.BytesToAddress(pool)
	o.TargetBlock, o.Block, o.GasUsed = uint64(target), uint64(block), uint64(gasUsed)
	if o.ExpectedProfit, err = parseNumeric(expected); err != nil {
		return nil, err
	}
	if o.RealizedProfit, err = parseNumeric(realized); err != nil {
		return nil, err
	}
	if o.Loss, err = parseNumeric(loss); err != nil {
		return nil, err
	}
	return &o, nil
}

// numeric passes wei amounts as decimal text; nil maps to NULL.
func numeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", *s)
	}
	return v, nil
}
