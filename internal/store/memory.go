package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic stages writes on copies and applies them under the write lock
// after re-checking the versions they were based on.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	stocks   map[string]*model.Stock
	houses   map[string]*model.BrokerHouse
	txns     map[string]*model.Transaction
	txnOrder []string
	ipoTxns  []model.IpoTransaction
	factor   *decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		stocks:   make(map[string]*model.Stock),
		houses:   make(map[string]*model.BrokerHouse),
		txns:     make(map[string]*model.Transaction),
	}
}

// --- Reader ---

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetAccountByUsername(_ context.Context, username string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.Username == username {
			return a.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: account %q", model.ErrNotFound, username)
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a.Clone())
	}
	sortAccounts(accounts)
	return accounts, nil
}

func (s *MemoryStore) ListApplicants(ctx context.Context, stockID string) ([]model.Account, error) {
	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return filterApplicants(accounts, stockID), nil
}

func (s *MemoryStore) GetStock(_ context.Context, id string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: stock %s", model.ErrNotFound, id)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) GetStockByName(_ context.Context, name string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.stocks {
		if st.Name == name {
			return st.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: stock %q", model.ErrNotFound, name)
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make([]model.Stock, 0, len(s.stocks))
	for _, st := range s.stocks {
		stocks = append(stocks, *st.Clone())
	}
	sortStocks(stocks)
	return stocks, nil
}

func (s *MemoryStore) GetBrokerHouse(_ context.Context, name string) (*model.BrokerHouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.houses[name]
	if !ok {
		return nil, fmt.Errorf("%w: broker house %q", model.ErrNotFound, name)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) ListBrokerHouses(_ context.Context) ([]model.BrokerHouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	houses := make([]model.BrokerHouse, 0, len(s.houses))
	for _, b := range s.houses {
		houses = append(houses, *b.Clone())
	}
	sort.Slice(houses, func(i, j int) bool { return houses[i].Name < houses[j].Name })
	return houses, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTransactionByRequest(_ context.Context, requestID string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if requestID != "" {
		for _, t := range s.txns {
			if t.RequestID == requestID {
				cp := *t
				return &cp, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: transaction for request %q", model.ErrNotFound, requestID)
}

func (s *MemoryStore) ListTransactions(_ context.Context, f TransactionFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, id := range s.txnOrder {
		if t := s.txns[id]; f.Match(t) {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListIpoTransactions(_ context.Context, stockID string) ([]model.IpoTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.IpoTransaction
	for _, t := range s.ipoTxns {
		if t.StockID == stockID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ManipulatorFactor(_ context.Context) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.factor == nil {
		return decimal.Zero, false, nil
	}
	return *s.factor, true, nil
}

// --- Atomic ---

// Atomic runs fn against a staging transaction and commits its writes in
// one step.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memTx stages writes against a MemoryStore. base records the committed
// version each updated row was read at.
type memTx struct {
	s *MemoryStore

	accounts    map[string]*model.Account
	newAccounts map[string]bool
	stocks      map[string]*model.Stock
	newStocks   map[string]bool
	houses      map[string]*model.BrokerHouse
	newHouses   map[string]bool
	txnInserts  []*model.Transaction
	txnDeletes  map[string]bool
	ipoInserts  []model.IpoTransaction
	factor      *decimal.Decimal

	accountBase map[string]int64
	stockBase   map[string]int64
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:           s,
		accounts:    make(map[string]*model.Account),
		newAccounts: make(map[string]bool),
		stocks:      make(map[string]*model.Stock),
		newStocks:   make(map[string]bool),
		houses:      make(map[string]*model.BrokerHouse),
		newHouses:   make(map[string]bool),
		txnDeletes:  make(map[string]bool),
		accountBase: make(map[string]int64),
		stockBase:   make(map[string]int64),
	}
}

func (tx *memTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if a, ok := tx.accounts[id]; ok {
		return a.Clone(), nil
	}
	return tx.s.GetAccount(ctx, id)
}

func (tx *memTx) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	for _, a := range tx.accounts {
		if a.Username == username {
			return a.Clone(), nil
		}
	}
	return tx.s.GetAccountByUsername(ctx, username)
}

func (tx *memTx) ListAccounts(ctx context.Context) ([]model.Account, error) {
	committed, err := tx.s.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(committed))
	for i := range committed {
		seen[committed[i].ID] = true
		if a, ok := tx.accounts[committed[i].ID]; ok {
			committed[i] = *a.Clone()
		}
	}
	for id, a := range tx.accounts {
		if !seen[id] {
			committed = append(committed, *a.Clone())
		}
	}
	sortAccounts(committed)
	return committed, nil
}

func (tx *memTx) ListApplicants(ctx context.Context, stockID string) ([]model.Account, error) {
	accounts, err := tx.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return filterApplicants(accounts, stockID), nil
}

func (tx *memTx) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	if st, ok := tx.stocks[id]; ok {
		return st.Clone(), nil
	}
	return tx.s.GetStock(ctx, id)
}

func (tx *memTx) GetStockByName(ctx context.Context, name string) (*model.Stock, error) {
	for _, st := range tx.stocks {
		if st.Name == name {
			return st.Clone(), nil
		}
	}
	return tx.s.GetStockByName(ctx, name)
}

func (tx *memTx) ListStocks(ctx context.Context) ([]model.Stock, error) {
	committed, err := tx.s.ListStocks(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(committed))
	for i := range committed {
		seen[committed[i].ID] = true
		if st, ok := tx.stocks[committed[i].ID]; ok {
			committed[i] = *st.Clone()
		}
	}
	for id, st := range tx.stocks {
		if !seen[id] {
			committed = append(committed, *st.Clone())
		}
	}
	sortStocks(committed)
	return committed, nil
}

func (tx *memTx) GetBrokerHouse(ctx context.Context, name string) (*model.BrokerHouse, error) {
	if b, ok := tx.houses[name]; ok {
		return b.Clone(), nil
	}
	return tx.s.GetBrokerHouse(ctx, name)
}

func (tx *memTx) ListBrokerHouses(ctx context.Context) ([]model.BrokerHouse, error) {
	committed, err := tx.s.ListBrokerHouses(ctx)
	if err != nil {
		return nil, err
	}
	for i := range committed {
		if b, ok := tx.houses[committed[i].Name]; ok {
			committed[i] = *b.Clone()
		}
	}
	for name := range tx.newHouses {
		committed = append(committed, *tx.houses[name].Clone())
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].Name < committed[j].Name })
	return committed, nil
}

func (tx *memTx) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if tx.txnDeletes[id] {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	for _, t := range tx.txnInserts {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return tx.s.GetTransaction(ctx, id)
}

func (tx *memTx) GetTransactionByRequest(ctx context.Context, requestID string) (*model.Transaction, error) {
	for _, t := range tx.txnInserts {
		if requestID != "" && t.RequestID == requestID {
			cp := *t
			return &cp, nil
		}
	}
	return tx.s.GetTransactionByRequest(ctx, requestID)
}

func (tx *memTx) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	committed, err := tx.s.ListTransactions(ctx, f)
	if err != nil {
		return nil, err
	}
	result := committed[:0]
	for _, t := range committed {
		if !tx.txnDeletes[t.ID] {
			result = append(result, t)
		}
	}
	for _, t := range tx.txnInserts {
		if f.Match(t) {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (tx *memTx) ListIpoTransactions(ctx context.Context, stockID string) ([]model.IpoTransaction, error) {
	committed, err := tx.s.ListIpoTransactions(ctx, stockID)
	if err != nil {
		return nil, err
	}
	for _, t := range tx.ipoInserts {
		if t.StockID == stockID {
			committed = append(committed, t)
		}
	}
	return committed, nil
}

func (tx *memTx) ManipulatorFactor(ctx context.Context) (decimal.Decimal, bool, error) {
	if tx.factor != nil {
		return *tx.factor, true, nil
	}
	return tx.s.ManipulatorFactor(ctx)
}

func (tx *memTx) CreateAccount(ctx context.Context, a *model.Account) error {
	if _, err := tx.GetAccountByUsername(ctx, a.Username); err == nil {
		return fmt.Errorf("%w: username %q", model.ErrAlreadyExists, a.Username)
	}
	a.Version = 1
	tx.accounts[a.ID] = a.Clone()
	tx.newAccounts[a.ID] = true
	return nil
}

func (tx *memTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	current, err := tx.GetAccount(ctx, a.ID)
	if err != nil {
		return err
	}
	if current.Version != a.Version {
		return fmt.Errorf("%w: account %s", model.ErrConflict, a.ID)
	}
	if _, staged := tx.accounts[a.ID]; !staged {
		tx.accountBase[a.ID] = current.Version
	}
	a.Version++
	tx.accounts[a.ID] = a.Clone()
	return nil
}

func (tx *memTx) CreateStock(ctx context.Context, st *model.Stock) error {
	if _, err := tx.GetStockByName(ctx, st.Name); err == nil {
		return fmt.Errorf("%w: stock %q", model.ErrAlreadyExists, st.Name)
	}
	st.Version = 1
	tx.stocks[st.ID] = st.Clone()
	tx.newStocks[st.ID] = true
	return nil
}

func (tx *memTx) UpdateStock(ctx context.Context, st *model.Stock) error {
	current, err := tx.GetStock(ctx, st.ID)
	if err != nil {
		return err
	}
	if current.Version != st.Version {
		return fmt.Errorf("%w: stock %s", model.ErrConflict, st.ID)
	}
	if _, staged := tx.stocks[st.ID]; !staged {
		tx.stockBase[st.ID] = current.Version
	}
	st.Version++
	tx.stocks[st.ID] = st.Clone()
	return nil
}

func (tx *memTx) CreateBrokerHouse(ctx context.Context, b *model.BrokerHouse) error {
	if _, err := tx.GetBrokerHouse(ctx, b.Name); err == nil {
		return fmt.Errorf("%w: broker house %q", model.ErrAlreadyExists, b.Name)
	}
	tx.houses[b.Name] = b.Clone()
	tx.newHouses[b.Name] = true
	return nil
}

func (tx *memTx) UpdateBrokerHouse(ctx context.Context, b *model.BrokerHouse) error {
	if _, err := tx.GetBrokerHouse(ctx, b.Name); err != nil {
		return err
	}
	tx.houses[b.Name] = b.Clone()
	return nil
}

func (tx *memTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	if t.RequestID != "" {
		if _, err := tx.GetTransactionByRequest(ctx, t.RequestID); err == nil {
			return fmt.Errorf("%w: request %q", model.ErrAlreadyExists, t.RequestID)
		}
	}
	cp := *t
	tx.txnInserts = append(tx.txnInserts, &cp)
	return nil
}

func (tx *memTx) DeleteTransaction(ctx context.Context, id string) error {
	if _, err := tx.GetTransaction(ctx, id); err != nil {
		return err
	}
	tx.txnDeletes[id] = true
	return nil
}

func (tx *memTx) InsertIpoTransaction(_ context.Context, t *model.IpoTransaction) error {
	tx.ipoInserts = append(tx.ipoInserts, *t)
	return nil
}

func (tx *memTx) SetManipulatorFactor(_ context.Context, factor decimal.Decimal) error {
	tx.factor = &factor
	return nil
}

// commit re-validates staged writes against the committed state and
// applies them all, or none.
func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, v := range tx.accountBase {
		if a, ok := s.accounts[id]; !ok || a.Version != v {
			return fmt.Errorf("%w: account %s", model.ErrConflict, id)
		}
	}
	for id, v := range tx.stockBase {
		if st, ok := s.stocks[id]; !ok || st.Version != v {
			return fmt.Errorf("%w: stock %s", model.ErrConflict, id)
		}
	}
	for id := range tx.newAccounts {
		for _, a := range s.accounts {
			if a.Username == tx.accounts[id].Username {
				return fmt.Errorf("%w: username %q", model.ErrAlreadyExists, a.Username)
			}
		}
	}
	for id := range tx.newStocks {
		for _, st := range s.stocks {
			if st.Name == tx.stocks[id].Name {
				return fmt.Errorf("%w: stock %q", model.ErrAlreadyExists, st.Name)
			}
		}
	}
	for name := range tx.newHouses {
		if _, ok := s.houses[name]; ok {
			return fmt.Errorf("%w: broker house %q", model.ErrAlreadyExists, name)
		}
	}
	for _, t := range tx.txnInserts {
		if t.RequestID == "" {
			continue
		}
		for _, existing := range s.txns {
			if existing.RequestID == t.RequestID {
				return fmt.Errorf("%w: request %q", model.ErrAlreadyExists, t.RequestID)
			}
		}
	}

	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for id, st := range tx.stocks {
		s.stocks[id] = st
	}
	for name, b := range tx.houses {
		s.houses[name] = b
	}
	for id := range tx.txnDeletes {
		delete(s.txns, id)
	}
	if len(tx.txnDeletes) > 0 {
		order := s.txnOrder[:0]
		for _, id := range s.txnOrder {
			if !tx.txnDeletes[id] {
				order = append(order, id)
			}
		}
		s.txnOrder = order
	}
	for _, t := range tx.txnInserts {
		s.txns[t.ID] = t
		s.txnOrder = append(s.txnOrder, t.ID)
	}
	s.ipoTxns = append(s.ipoTxns, tx.ipoInserts...)
	if tx.factor != nil {
		f := *tx.factor
		s.factor = &f
	}
	return nil
}

// --- helpers ---

func filterApplicants(accounts []model.Account, stockID string) []model.Account {
	var result []model.Account
	for _, a := range accounts {
		for _, app := range a.IpoApplications {
			if app.StockID == stockID {
				result = append(result, a)
				break
			}
		}
	}
	return result
}

func sortAccounts(accounts []model.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
}

func sortStocks(stocks []model.Stock) {
	sort.Slice(stocks, func(i, j int) bool {
		if !stocks[i].CreatedAt.Equal(stocks[j].CreatedAt) {
			return stocks[i].CreatedAt.Before(stocks[j].CreatedAt)
		}
		return stocks[i].ID < stocks[j].ID
	})
}
