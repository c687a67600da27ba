package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manacore/market-engine/internal/mathutil"
	"github.com/manacore/market-engine/internal/model"
)

// PostgresStore persists to Postgres via pgx. Outcome maps, fills, and
// collected fees live in JSONB columns; the version column on markets
// backs the optimistic commit protocol.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	balance        DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_deposits DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	version        BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS markets (
	id                     TEXT PRIMARY KEY,
	creator_id             TEXT NOT NULL REFERENCES users(id),
	question               TEXT NOT NULL,
	outcome_type           TEXT NOT NULL,
	mechanism              TEXT NOT NULL,
	pool                   JSONB NOT NULL,
	p                      DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_shares           JSONB,
	total_bets             JSONB,
	total_liquidity        DOUBLE PRECISION NOT NULL DEFAULT 0,
	volume                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	collected_fees         JSONB NOT NULL,
	close_time             TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL,
	is_resolved            BOOLEAN NOT NULL DEFAULT FALSE,
	resolution             TEXT NOT NULL DEFAULT '',
	resolution_probability DOUBLE PRECISION,
	resolutions            JSONB,
	resolution_time        TIMESTAMPTZ,
	version                BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS answers (
	id         TEXT PRIMARY KEY,
	market_id  TEXT NOT NULL REFERENCES markets(id),
	user_id    TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS bets (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	market_id     TEXT NOT NULL REFERENCES markets(id),
	amount        DOUBLE PRECISION NOT NULL,
	outcome       TEXT NOT NULL,
	shares        DOUBLE PRECISION NOT NULL,
	prob_before   DOUBLE PRECISION NOT NULL,
	prob_after    DOUBLE PRECISION NOT NULL,
	fees          JSONB NOT NULL,
	limit_prob    DOUBLE PRECISION,
	order_amount  DOUBLE PRECISION NOT NULL DEFAULT 0,
	fills         JSONB,
	is_filled     BOOLEAN NOT NULL DEFAULT FALSE,
	is_cancelled  BOOLEAN NOT NULL DEFAULT FALSE,
	is_redemption BOOLEAN NOT NULL DEFAULT FALSE,
	is_sold       BOOLEAN NOT NULL DEFAULT FALSE,
	sale_of       TEXT NOT NULL DEFAULT '',
	loan_amount   DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bets_market_idx ON bets (market_id, created_at);
CREATE INDEX IF NOT EXISTS bets_user_idx ON bets (user_id, created_at);
CREATE TABLE IF NOT EXISTS liquidity (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	market_id  TEXT NOT NULL REFERENCES markets(id),
	amount     DOUBLE PRECISION NOT NULL,
	pool       JSONB NOT NULL,
	p          DOUBLE PRECISION NOT NULL,
	liquidity  DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS txns (
	id         TEXT PRIMARY KEY,
	from_id    TEXT NOT NULL,
	from_type  TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	to_type    TEXT NOT NULL,
	amount     DOUBLE PRECISION NOT NULL,
	token      TEXT NOT NULL,
	category   TEXT NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS txns_from_idx ON txns (from_id, created_at);
CREATE INDEX IF NOT EXISTS txns_to_idx ON txns (to_id, created_at);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, balance, total_deposits, created_at, version)
		 VALUES ($1, $2, $3, $4, $5, 0)`,
		u.ID, u.Name, u.Balance, u.TotalDeposits, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, balance, total_deposits, created_at, version
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Balance, &u.TotalDeposits, &u.CreatedAt, &u.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

const marketColumns = `id, creator_id, question, outcome_type, mechanism, pool, p,
	total_shares, total_bets, total_liquidity, volume, collected_fees,
	close_time, created_at, is_resolved, resolution, resolution_probability,
	resolutions, resolution_time, version`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var (
		m                                 model.Market
		pool, shares, bets, feesJSON, res []byte
	)
	err := row.Scan(&m.ID, &m.CreatorID, &m.Question, &m.Outcome, &m.Mechanism,
		&pool, &m.P, &shares, &bets, &m.TotalLiquidity, &m.Volume, &feesJSON,
		&m.CloseTime, &m.CreatedAt, &m.IsResolved, &m.Resolution,
		&m.ResolutionProbability, &res, &m.ResolutionTime, &m.Version)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{pool, &m.Pool}, {shares, &m.TotalShares}, {bets, &m.TotalBets},
		{feesJSON, &m.CollectedFees}, {res, &m.Resolutions},
	} {
		if pair.raw == nil {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("decode market column: %w", err)
		}
	}
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertMarket(ctx, tx, m); err != nil {
		return err
	}
	for _, a := range m.Answers {
		if err := insertAnswer(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertMarket(ctx context.Context, tx pgx.Tx, m *model.Market) error {
	pool, _ := json.Marshal(m.Pool)
	shares, _ := json.Marshal(m.TotalShares)
	bets, _ := json.Marshal(m.TotalBets)
	feesJSON, _ := json.Marshal(m.CollectedFees)
	res, _ := json.Marshal(m.Resolutions)

	_, err := tx.Exec(ctx,
		`INSERT INTO markets (`+marketColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		m.ID, m.CreatorID, m.Question, m.Outcome, m.Mechanism, pool, m.P,
		shares, bets, m.TotalLiquidity, m.Volume, feesJSON,
		m.CloseTime, m.CreatedAt, m.IsResolved, m.Resolution,
		m.ResolutionProbability, res, m.ResolutionTime, m.Version)
	if err != nil {
		return fmt.Errorf("insert market: %w", err)
	}
	return nil
}

func insertAnswer(ctx context.Context, tx pgx.Tx, a model.Answer) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO answers (id, market_id, user_id, text, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.MarketID, a.UserID, a.Text, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query market: %w", err)
	}
	if err := s.loadAnswers(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) loadAnswers(ctx context.Context, m *model.Market) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, text, created_at
		 FROM answers WHERE market_id = $1 ORDER BY created_at`, m.ID)
	if err != nil {
		return fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.MarketID, &a.UserID, &a.Text, &a.CreatedAt); err != nil {
			return fmt.Errorf("scan answer: %w", err)
		}
		m.Answers = append(m.Answers, a)
	}
	return rows.Err()
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]*model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query markets: %w", err)
	}
	defer rows.Close()

	var out []*model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const betColumns = `id, user_id, market_id, amount, outcome, shares,
	prob_before, prob_after, fees, limit_prob, order_amount, fills,
	is_filled, is_cancelled, is_redemption, is_sold, sale_of, loan_amount,
	created_at`

func scanBet(row pgx.Row) (*model.Bet, error) {
	var (
		b               model.Bet
		feesJSON, fills []byte
	)
	err := row.Scan(&b.ID, &b.UserID, &b.MarketID, &b.Amount, &b.Outcome,
		&b.Shares, &b.ProbBefore, &b.ProbAfter, &feesJSON, &b.LimitProb,
		&b.OrderAmount, &fills, &b.IsFilled, &b.IsCancelled, &b.IsRedemption,
		&b.IsSold, &b.SaleOf, &b.LoanAmount, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	if feesJSON != nil {
		if err := json.Unmarshal(feesJSON, &b.Fees); err != nil {
			return nil, fmt.Errorf("decode bet fees: %w", err)
		}
	}
	if fills != nil {
		if err := json.Unmarshal(fills, &b.Fills); err != nil {
			return nil, fmt.Errorf("decode bet fills: %w", err)
		}
	}
	return &b, nil
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bet %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query bet: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) listBets(ctx context.Context, where string, arg any) ([]*model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("query bets: %w", err)
	}
	defer rows.Close()

	var out []*model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListBets(ctx context.Context, marketID string) ([]*model.Bet, error) {
	return s.listBets(ctx, `market_id = $1`, marketID)
}

func (s *PostgresStore) ListUserBets(ctx context.Context, userID string) ([]*model.Bet, error) {
	return s.listBets(ctx, `user_id = $1`, userID)
}

func (s *PostgresStore) ListLiquidity(ctx context.Context, marketID string) ([]model.LiquidityProvision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, amount, pool, p, liquidity, created_at
		 FROM liquidity WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("query liquidity: %w", err)
	}
	defer rows.Close()

	var out []model.LiquidityProvision
	for rows.Next() {
		var (
			l    model.LiquidityProvision
			pool []byte
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.MarketID, &l.Amount, &pool, &l.P, &l.Liquidity, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan liquidity: %w", err)
		}
		if err := json.Unmarshal(pool, &l.Pool); err != nil {
			return nil, fmt.Errorf("decode liquidity pool: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTxns(ctx context.Context, userID string) ([]*model.Txn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, from_id, from_type, to_id, to_type, amount, token, category, data, created_at
		 FROM txns WHERE from_id = $1 OR to_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query txns: %w", err)
	}
	defer rows.Close()

	var out []*model.Txn
	for rows.Next() {
		var (
			t    model.Txn
			data []byte
		)
		if err := rows.Scan(&t.ID, &t.FromID, &t.FromType, &t.ToID, &t.ToType,
			&t.Amount, &t.Token, &t.Category, &data, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan txn: %w", err)
		}
		if data != nil {
			if err := json.Unmarshal(data, &t.Data); err != nil {
				return nil, fmt.Errorf("decode txn data: %w", err)
			}
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Snapshot(ctx context.Context, marketID string) (*Snapshot, error) {
	m, err := s.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	unfilled, err := s.listBets(ctx,
		`market_id = $1 AND limit_prob IS NOT NULL AND NOT is_filled AND NOT is_cancelled`,
		marketID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Market:          m,
		UnfilledBets:    unfilled,
		BalanceByUserID: make(map[string]float64, len(unfilled)),
	}
	for _, b := range unfilled {
		if _, ok := snap.BalanceByUserID[b.UserID]; ok {
			continue
		}
		u, err := s.GetUser(ctx, b.UserID)
		if err != nil {
			return nil, err
		}
		snap.BalanceByUserID[b.UserID] = u.Balance
	}

	snap.Liquidity, err = s.ListLiquidity(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *PostgresStore) Commit(ctx context.Context, w *Writes) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	switch {
	case w.MarketID == "":
		// Pure ledger write, no market gate.
	case w.Market != nil:
		if err := updateMarket(ctx, tx, w.Market, w.ExpectedVersion); err != nil {
			return err
		}
	default:
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET version = version + 1 WHERE id = $1 AND version = $2`,
			w.MarketID, w.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("bump market version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("market %s: %w", w.MarketID, model.ErrVersionConflict)
		}
	}

	for _, b := range w.InsertBets {
		if err := insertBet(ctx, tx, b); err != nil {
			return err
		}
	}
	for _, b := range w.UpdateBets {
		if err := updateBet(ctx, tx, b); err != nil {
			return err
		}
	}
	for _, l := range w.InsertLiquidity {
		pool, _ := json.Marshal(l.Pool)
		if _, err := tx.Exec(ctx,
			`INSERT INTO liquidity (id, user_id, market_id, amount, pool, p, liquidity, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			l.ID, l.UserID, l.MarketID, l.Amount, pool, l.P, l.Liquidity, l.CreatedAt); err != nil {
			return fmt.Errorf("insert liquidity: %w", err)
		}
	}
	for _, a := range w.InsertAnswers {
		if err := insertAnswer(ctx, tx, a); err != nil {
			return err
		}
	}
	for userID, delta := range w.UserDeltas {
		floor, floored := w.BalanceFloors[userID]
		if !floored {
			tag, err := tx.Exec(ctx,
				`UPDATE users SET balance = balance + $2, version = version + 1 WHERE id = $1`,
				userID, delta)
			if err != nil {
				return fmt.Errorf("update balance: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
			}
			continue
		}

		// The floor is part of the same guarded update so the funds check
		// and the debit are one atomic step.
		tag, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2, version = version + 1
			 WHERE id = $1 AND balance + $2 >= $3`,
			userID, delta, floor-mathutil.Epsilon)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if scanErr := tx.QueryRow(ctx,
				`SELECT TRUE FROM users WHERE id = $1`, userID).Scan(&exists); scanErr != nil {
				return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
			}
			return fmt.Errorf("user %s: balance breaches floor %v: %w",
				userID, floor, model.ErrInsufficientBalance)
		}
	}
	for userID, delta := range w.DepositDeltas {
		if _, err := tx.Exec(ctx,
			`UPDATE users SET total_deposits = total_deposits + $2 WHERE id = $1`,
			userID, delta); err != nil {
			return fmt.Errorf("update deposits: %w", err)
		}
	}
	for _, t := range w.InsertTxns {
		data, _ := json.Marshal(t.Data)
		if _, err := tx.Exec(ctx,
			`INSERT INTO txns (id, from_id, from_type, to_id, to_type, amount, token, category, data, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			t.ID, t.FromID, t.FromType, t.ToID, t.ToType, t.Amount, t.Token, t.Category, data, t.CreatedAt); err != nil {
			return fmt.Errorf("insert txn: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func updateMarket(ctx context.Context, tx pgx.Tx, m *model.Market, expectedVersion int64) error {
	pool, _ := json.Marshal(m.Pool)
	shares, _ := json.Marshal(m.TotalShares)
	bets, _ := json.Marshal(m.TotalBets)
	feesJSON, _ := json.Marshal(m.CollectedFees)
	res, _ := json.Marshal(m.Resolutions)

	tag, err := tx.Exec(ctx,
		`UPDATE markets SET
			pool = $2, p = $3, total_shares = $4, total_bets = $5,
			total_liquidity = $6, volume = $7, collected_fees = $8,
			close_time = $9, is_resolved = $10, resolution = $11,
			resolution_probability = $12, resolutions = $13,
			resolution_time = $14, version = version + 1
		 WHERE id = $1 AND version = $15`,
		m.ID, pool, m.P, shares, bets, m.TotalLiquidity, m.Volume, feesJSON,
		m.CloseTime, m.IsResolved, m.Resolution, m.ResolutionProbability,
		res, m.ResolutionTime, expectedVersion)
	if err != nil {
		return fmt.Errorf("update market: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, model.ErrVersionConflict)
	}
	return nil
}

func insertBet(ctx context.Context, tx pgx.Tx, b *model.Bet) error {
	feesJSON, _ := json.Marshal(b.Fees)
	fills, _ := json.Marshal(b.Fills)
	_, err := tx.Exec(ctx,
		`INSERT INTO bets (`+betColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		b.ID, b.UserID, b.MarketID, b.Amount, b.Outcome, b.Shares,
		b.ProbBefore, b.ProbAfter, feesJSON, b.LimitProb, b.OrderAmount,
		fills, b.IsFilled, b.IsCancelled, b.IsRedemption, b.IsSold, b.SaleOf,
		b.LoanAmount, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bet: %w", err)
	}
	return nil
}

func updateBet(ctx context.Context, tx pgx.Tx, b *model.Bet) error {
	fills, _ := json.Marshal(b.Fills)
	tag, err := tx.Exec(ctx,
		`UPDATE bets SET amount = $2, shares = $3, fills = $4,
			is_filled = $5, is_cancelled = $6, is_sold = $7, loan_amount = $8
		 WHERE id = $1`,
		b.ID, b.Amount, b.Shares, fills, b.IsFilled, b.IsCancelled, b.IsSold,
		b.LoanAmount)
	if err != nil {
		return fmt.Errorf("update bet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bet %s: %w", b.ID, model.ErrNotFound)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
