package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Nested collections (portfolio, IPO applications, jobbers) live in JSONB
// columns next to the row that owns them.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Atomic runs fn inside a READ COMMITTED transaction. Rows read through
// the Tx are locked FOR UPDATE until commit.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{pgReader: pgReader{q: tx, forUpdate: true}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err, "commit")
	}
	return nil
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgReader struct {
	q         querier
	forUpdate bool
}

func (r pgReader) lock(sql string) string {
	if r.forUpdate {
		return sql + " FOR UPDATE"
	}
	return sql
}

// --- Accounts ---

const accountColumns = `SELECT id, username, balance::TEXT, role, broker_house,
        portfolio::TEXT, ipo_applications::TEXT, version, created_at
 FROM accounts`

func (r pgReader) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(r.q.QueryRow(ctx, r.lock(accountColumns+` WHERE id = $1`), id))
	if err != nil {
		return nil, mapPgError(err, "account "+id)
	}
	return a, nil
}

func (r pgReader) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	a, err := scanAccount(r.q.QueryRow(ctx, r.lock(accountColumns+` WHERE username = $1`), username))
	if err != nil {
		return nil, mapPgError(err, fmt.Sprintf("account %q", username))
	}
	return a, nil
}

func (r pgReader) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return r.queryAccounts(ctx, accountColumns+` ORDER BY created_at, id`)
}

func (r pgReader) ListApplicants(ctx context.Context, stockID string) ([]model.Account, error) {
	filter, err := json.Marshal([]map[string]string{{"stock_id": stockID}})
	if err != nil {
		return nil, err
	}
	return r.queryAccounts(ctx,
		accountColumns+` WHERE ipo_applications @> $1::JSONB ORDER BY created_at, id`, string(filter))
}

func (r pgReader) queryAccounts(ctx context.Context, sql string, args ...any) ([]model.Account, error) {
	rows, err := r.q.Query(ctx, r.lock(sql), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var balance, portfolio, apps, role string
	if err := row.Scan(&a.ID, &a.Username, &balance, &role, &a.BrokerHouse,
		&portfolio, &apps, &a.Version, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Role = model.Role(role)
	a.Balance, _ = decimal.NewFromString(balance)
	if err := json.Unmarshal([]byte(portfolio), &a.Portfolio); err != nil {
		return nil, fmt.Errorf("decode portfolio: %w", err)
	}
	if err := json.Unmarshal([]byte(apps), &a.IpoApplications); err != nil {
		return nil, fmt.Errorf("decode ipo applications: %w", err)
	}
	return &a, nil
}

// --- Stocks ---

const stockColumns = `SELECT id, name, current_price::TEXT, previous_close::TEXT,
        available_units, total_units, status, ipo::TEXT, version, created_at
 FROM stocks`

func (r pgReader) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	st, err := scanStock(r.q.QueryRow(ctx, r.lock(stockColumns+` WHERE id = $1`), id))
	if err != nil {
		return nil, mapPgError(err, "stock "+id)
	}
	return st, nil
}

func (r pgReader) GetStockByName(ctx context.Context, name string) (*model.Stock, error) {
	st, err := scanStock(r.q.QueryRow(ctx, r.lock(stockColumns+` WHERE name = $1`), name))
	if err != nil {
		return nil, mapPgError(err, fmt.Sprintf("stock %q", name))
	}
	return st, nil
}

func (r pgReader) ListStocks(ctx context.Context) ([]model.Stock, error) {
	rows, err := r.q.Query(ctx, r.lock(stockColumns+` ORDER BY created_at, id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, *st)
	}
	return stocks, rows.Err()
}

func scanStock(row pgx.Row) (*model.Stock, error) {
	var st model.Stock
	var current, previous, ipo *string
	var status string
	if err := row.Scan(&st.ID, &st.Name, &current, &previous,
		&st.AvailableUnits, &st.TotalUnits, &status, &ipo, &st.Version, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.Status = model.StockStatus(status)
	st.CurrentPrice = nullDecimal(current)
	st.PreviousClose = nullDecimal(previous)
	if ipo != nil {
		st.IPO = &model.IpoDetails{}
		if err := json.Unmarshal([]byte(*ipo), st.IPO); err != nil {
			return nil, fmt.Errorf("decode ipo details: %w", err)
		}
	}
	return &st, nil
}

// --- Broker houses ---

const houseColumns = `SELECT name, brokerage::TEXT, jobbers::TEXT, fees_collected::TEXT FROM broker_houses`

func (r pgReader) GetBrokerHouse(ctx context.Context, name string) (*model.BrokerHouse, error) {
	b, err := scanHouse(r.q.QueryRow(ctx, r.lock(houseColumns+` WHERE name = $1`), name))
	if err != nil {
		return nil, mapPgError(err, fmt.Sprintf("broker house %q", name))
	}
	return b, nil
}

func (r pgReader) ListBrokerHouses(ctx context.Context) ([]model.BrokerHouse, error) {
	rows, err := r.q.Query(ctx, houseColumns+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var houses []model.BrokerHouse
	for rows.Next() {
		b, err := scanHouse(rows)
		if err != nil {
			return nil, err
		}
		houses = append(houses, *b)
	}
	return houses, rows.Err()
}

func scanHouse(row pgx.Row) (*model.BrokerHouse, error) {
	var b model.BrokerHouse
	var brokerage, jobbers, fees string
	if err := row.Scan(&b.Name, &brokerage, &jobbers, &fees); err != nil {
		return nil, err
	}
	b.Brokerage, _ = decimal.NewFromString(brokerage)
	b.FeesCollected, _ = decimal.NewFromString(fees)
	if err := json.Unmarshal([]byte(jobbers), &b.Jobbers); err != nil {
		return nil, fmt.Errorf("decode jobbers: %w", err)
	}
	return &b, nil
}

// --- Trade log ---

func (r pgReader) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanDoc[model.Transaction](r.q.QueryRow(ctx,
		r.lock(`SELECT doc::TEXT FROM transactions WHERE id = $1`), id))
	if err != nil {
		return nil, mapPgError(err, "transaction "+id)
	}
	return t, nil
}

func (r pgReader) GetTransactionByRequest(ctx context.Context, requestID string) (*model.Transaction, error) {
	t, err := scanDoc[model.Transaction](r.q.QueryRow(ctx,
		`SELECT doc::TEXT FROM transactions WHERE request_id = $1`, requestID))
	if err != nil {
		return nil, mapPgError(err, fmt.Sprintf("transaction for request %q", requestID))
	}
	return t, nil
}

func (r pgReader) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT doc::TEXT FROM transactions
		 WHERE ($1 = '' OR id = $1)
		   AND ($2 = '' OR banker_id = $2)
		   AND ($3 = '' OR buyer_id = $3)
		   AND ($4 = '' OR seller_id = $4)
		   AND ($5 = '' OR stock_id = $5)
		 ORDER BY seq`,
		f.ID, f.BankerID, f.BuyerID, f.SellerID, f.StockID)
	if err != nil {
		return nil, err
	}
	return collectDocs[model.Transaction](rows)
}

func (r pgReader) ListIpoTransactions(ctx context.Context, stockID string) ([]model.IpoTransaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT doc::TEXT FROM ipo_transactions WHERE stock_id = $1 ORDER BY seq`, stockID)
	if err != nil {
		return nil, err
	}
	return collectDocs[model.IpoTransaction](rows)
}

func scanDoc[T any](row pgx.Row) (*T, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &v, nil
}

func collectDocs[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scanDoc[T](rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	return result, rows.Err()
}

// --- Settings ---

func (r pgReader) ManipulatorFactor(ctx context.Context) (decimal.Decimal, bool, error) {
	var factor string
	err := r.q.QueryRow(ctx, `SELECT manipulator_factor::TEXT FROM settings WHERE id = 1`).Scan(&factor)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	f, err := decimal.NewFromString(factor)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("decode manipulator factor: %w", err)
	}
	return f, true, nil
}

// pgTx is the Writer side of a PostgreSQL transaction.
type pgTx struct {
	pgReader
}

func (tx *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	portfolio, apps, err := encodeAccount(a)
	if err != nil {
		return err
	}
	a.Version = 1
	_, err = tx.q.Exec(ctx,
		`INSERT INTO accounts (id, username, balance, role, broker_house, portfolio, ipo_applications, version, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6::JSONB, $7::JSONB, $8, $9)`,
		a.ID, a.Username, a.Balance.String(), string(a.Role), a.BrokerHouse,
		portfolio, apps, a.Version, a.CreatedAt,
	)
	return mapPgError(err, fmt.Sprintf("account %q", a.Username))
}

func (tx *pgTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	portfolio, apps, err := encodeAccount(a)
	if err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx,
		`UPDATE accounts
		 SET balance = $2::NUMERIC, broker_house = $3, portfolio = $4::JSONB,
		     ipo_applications = $5::JSONB, version = version + 1
		 WHERE id = $1 AND version = $6`,
		a.ID, a.Balance.String(), a.BrokerHouse, portfolio, apps, a.Version,
	)
	if err != nil {
		return mapPgError(err, "account "+a.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", model.ErrConflict, a.ID)
	}
	a.Version++
	return nil
}

func encodeAccount(a *model.Account) (portfolio, apps string, err error) {
	p, err := json.Marshal(nonNil(a.Portfolio))
	if err != nil {
		return "", "", err
	}
	ap, err := json.Marshal(nonNil(a.IpoApplications))
	if err != nil {
		return "", "", err
	}
	return string(p), string(ap), nil
}

func (tx *pgTx) CreateStock(ctx context.Context, st *model.Stock) error {
	ipo, err := encodeIPO(st.IPO)
	if err != nil {
		return err
	}
	st.Version = 1
	_, err = tx.q.Exec(ctx,
		`INSERT INTO stocks (id, name, current_price, previous_close, available_units, total_units, status, ipo, version, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8::JSONB, $9, $10)`,
		st.ID, st.Name, nullString(st.CurrentPrice), nullString(st.PreviousClose),
		st.AvailableUnits, st.TotalUnits, string(st.Status), ipo, st.Version, st.CreatedAt,
	)
	return mapPgError(err, fmt.Sprintf("stock %q", st.Name))
}

func (tx *pgTx) UpdateStock(ctx context.Context, st *model.Stock) error {
	ipo, err := encodeIPO(st.IPO)
	if err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx,
		`UPDATE stocks
		 SET current_price = $2::NUMERIC, previous_close = $3::NUMERIC, available_units = $4,
		     status = $5, ipo = $6::JSONB, version = version + 1
		 WHERE id = $1 AND version = $7`,
		st.ID, nullString(st.CurrentPrice), nullString(st.PreviousClose),
		st.AvailableUnits, string(st.Status), ipo, st.Version,
	)
	if err != nil {
		return mapPgError(err, "stock "+st.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stock %s", model.ErrConflict, st.ID)
	}
	st.Version++
	return nil
}

func encodeIPO(ipo *model.IpoDetails) (*string, error) {
	if ipo == nil {
		return nil, nil
	}
	data, err := json.Marshal(ipo)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func (tx *pgTx) CreateBrokerHouse(ctx context.Context, b *model.BrokerHouse) error {
	jobbers, err := json.Marshal(nonNil(b.Jobbers))
	if err != nil {
		return err
	}
	_, err = tx.q.Exec(ctx,
		`INSERT INTO broker_houses (name, brokerage, jobbers, fees_collected)
		 VALUES ($1, $2::NUMERIC, $3::JSONB, $4::NUMERIC)`,
		b.Name, b.Brokerage.String(), string(jobbers), b.FeesCollected.String(),
	)
	return mapPgError(err, fmt.Sprintf("broker house %q", b.Name))
}

func (tx *pgTx) UpdateBrokerHouse(ctx context.Context, b *model.BrokerHouse) error {
	jobbers, err := json.Marshal(nonNil(b.Jobbers))
	if err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx,
		`UPDATE broker_houses SET brokerage = $2::NUMERIC, jobbers = $3::JSONB, fees_collected = $4::NUMERIC
		 WHERE name = $1`,
		b.Name, b.Brokerage.String(), string(jobbers), b.FeesCollected.String(),
	)
	if err != nil {
		return mapPgError(err, fmt.Sprintf("broker house %q", b.Name))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: broker house %q", model.ErrNotFound, b.Name)
	}
	return nil
}

func (tx *pgTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var requestID *string
	if t.RequestID != "" {
		requestID = &t.RequestID
	}
	_, err = tx.q.Exec(ctx,
		`INSERT INTO transactions (id, request_id, kind, seller_id, buyer_id, stock_id, banker_id, doc, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9)`,
		t.ID, requestID, string(t.Kind), t.SellerID, t.BuyerID, t.StockID, t.BankerID,
		string(doc), t.CreatedAt,
	)
	return mapPgError(err, "transaction "+t.ID)
}

func (tx *pgTx) DeleteTransaction(ctx context.Context, id string) error {
	tag, err := tx.q.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	return nil
}

func (tx *pgTx) InsertIpoTransaction(ctx context.Context, t *model.IpoTransaction) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = tx.q.Exec(ctx,
		`INSERT INTO ipo_transactions (id, stock_id, account_id, doc, created_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5)`,
		t.ID, t.StockID, t.AccountID, string(doc), t.CreatedAt,
	)
	return mapPgError(err, "ipo transaction "+t.ID)
}

func (tx *pgTx) SetManipulatorFactor(ctx context.Context, factor decimal.Decimal) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO settings (id, manipulator_factor) VALUES (1, $1::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET manipulator_factor = EXCLUDED.manipulator_factor`,
		factor.String(),
	)
	return err
}

// --- helpers ---

// mapPgError translates driver errors into model sentinels.
func mapPgError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", model.ErrAlreadyExists, what)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", model.ErrConflict, what)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(v)
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
