package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache once the
// unit of work commits; reads check Redis first then fall back to the
// primary. Reads inside Atomic always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Atomic (write to primary, invalidate cache after commit) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}
	if keys := rec.keys(); len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// recordingTx notes which cached entities a unit of work touched.
type recordingTx struct {
	Tx
	accounts []string
	stocks   []string
	factor   bool
}

func (r *recordingTx) CreateAccount(ctx context.Context, a *model.Account) error {
	r.accounts = append(r.accounts, a.ID)
	return r.Tx.CreateAccount(ctx, a)
}

func (r *recordingTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	r.accounts = append(r.accounts, a.ID)
	return r.Tx.UpdateAccount(ctx, a)
}

func (r *recordingTx) CreateStock(ctx context.Context, st *model.Stock) error {
	r.stocks = append(r.stocks, st.ID)
	return r.Tx.CreateStock(ctx, st)
}

func (r *recordingTx) UpdateStock(ctx context.Context, st *model.Stock) error {
	r.stocks = append(r.stocks, st.ID)
	return r.Tx.UpdateStock(ctx, st)
}

func (r *recordingTx) SetManipulatorFactor(ctx context.Context, factor decimal.Decimal) error {
	r.factor = true
	return r.Tx.SetManipulatorFactor(ctx, factor)
}

func (r *recordingTx) keys() []string {
	keys := make([]string, 0, len(r.accounts)+len(r.stocks)+1)
	for _, id := range r.accounts {
		keys = append(keys, accountKey(id))
	}
	for _, id := range r.stocks {
		keys = append(keys, stockKey(id))
	}
	if r.factor {
		keys = append(keys, factorKey)
	}
	return keys
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	var st model.Stock
	if s.getJSON(ctx, stockKey(id), &st) {
		return &st, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetStock(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, stockKey(id), got)
	return got, nil
}

func (s *CachedStore) GetStockByName(ctx context.Context, name string) (*model.Stock, error) {
	// Names are immutable, so the name→ID mapping never goes stale.
	id, err := s.rdb.Get(ctx, stockNameKey(name)).Result()
	if err == nil {
		return s.GetStock(ctx, id)
	}

	st, err := s.primary.GetStockByName(ctx, name)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, stockKey(st.ID), st)
	s.rdb.Set(ctx, stockNameKey(name), st.ID, s.ttl)
	return st, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.getJSON(ctx, accountKey(id), &a) {
		return &a, nil
	}

	got, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, accountKey(id), got)
	return got, nil
}

func (s *CachedStore) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	id, err := s.rdb.Get(ctx, usernameKey(username)).Result()
	if err == nil {
		return s.GetAccount(ctx, id)
	}

	a, err := s.primary.GetAccountByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, accountKey(a.ID), a)
	s.rdb.Set(ctx, usernameKey(username), a.ID, s.ttl)
	return a, nil
}

func (s *CachedStore) ManipulatorFactor(ctx context.Context) (decimal.Decimal, bool, error) {
	raw, err := s.rdb.Get(ctx, factorKey).Result()
	if err == nil {
		if f, err := decimal.NewFromString(raw); err == nil {
			return f, true, nil
		}
	}

	f, ok, err := s.primary.ManipulatorFactor(ctx)
	if err != nil || !ok {
		return f, ok, err
	}
	s.rdb.Set(ctx, factorKey, f.String(), s.ttl)
	return f, true, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListApplicants(ctx context.Context, stockID string) ([]model.Account, error) {
	return s.primary.ListApplicants(ctx, stockID)
}

func (s *CachedStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.primary.ListStocks(ctx)
}

func (s *CachedStore) GetBrokerHouse(ctx context.Context, name string) (*model.BrokerHouse, error) {
	return s.primary.GetBrokerHouse(ctx, name)
}

func (s *CachedStore) ListBrokerHouses(ctx context.Context) ([]model.BrokerHouse, error) {
	return s.primary.ListBrokerHouses(ctx)
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) GetTransactionByRequest(ctx context.Context, requestID string) (*model.Transaction, error) {
	return s.primary.GetTransactionByRequest(ctx, requestID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, f)
}

func (s *CachedStore) ListIpoTransactions(ctx context.Context, stockID string) ([]model.IpoTransaction, error) {
	return s.primary.ListIpoTransactions(ctx, stockID)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const factorKey = "settings:manipulator_factor"

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
func usernameKey(name string) string { return fmt.Sprintf("username:%s", name) }
func stockKey(id string) string { return fmt.Sprintf("stock:%s", id) }
func stockNameKey(name string) string { return fmt.Sprintf("stock-name:%s", name) }
