// Package store defines the persistence interface for the exchange ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every multi-entity mutation runs through Store.Atomic: the callback's
// writes are committed together or not at all. Update methods carry an
// optimistic version check and fail with model.ErrConflict when the row
// changed since it was read.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/model"
)

// TransactionFilter narrows ListTransactions. Empty fields match anything.
type TransactionFilter struct {
	ID       string
	BankerID string
	BuyerID  string
	SellerID string
	StockID  string
}

// Match reports whether t satisfies the filter.
func (f TransactionFilter) Match(t *model.Transaction) bool {
	return (f.ID == "" || t.ID == f.ID) &&
		(f.BankerID == "" || t.BankerID == f.BankerID) &&
		(f.BuyerID == "" || t.BuyerID == f.BuyerID) &&
		(f.SellerID == "" || t.SellerID == f.SellerID) &&
		(f.StockID == "" || t.StockID == f.StockID)
}

// Reader is the query side of the ledger. Lookups that miss return an
// error wrapping model.ErrNotFound.
type Reader interface {
	// --- Accounts ---

	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// ListApplicants returns every account holding an IPO application
	// (any status) for stockID.
	ListApplicants(ctx context.Context, stockID string) ([]model.Account, error)

	// --- Stocks ---

	GetStock(ctx context.Context, id string) (*model.Stock, error)
	GetStockByName(ctx context.Context, name string) (*model.Stock, error)
	ListStocks(ctx context.Context) ([]model.Stock, error)

	// --- Broker houses ---

	GetBrokerHouse(ctx context.Context, name string) (*model.BrokerHouse, error)
	ListBrokerHouses(ctx context.Context) ([]model.BrokerHouse, error)

	// --- Trade log ---

	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByRequest(ctx context.Context, requestID string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error)
	ListIpoTransactions(ctx context.Context, stockID string) ([]model.IpoTransaction, error)

	// --- Settings ---

	// ManipulatorFactor returns the configured factor; ok is false when
	// no value has been set.
	ManipulatorFactor(ctx context.Context) (factor decimal.Decimal, ok bool, err error)
}

// Writer is the mutation side, available only inside Atomic.
type Writer interface {
	// CreateAccount fails with model.ErrAlreadyExists on a taken username.
	CreateAccount(ctx context.Context, a *model.Account) error
	// UpdateAccount persists a and increments a.Version.
	UpdateAccount(ctx context.Context, a *model.Account) error

	CreateStock(ctx context.Context, s *model.Stock) error
	UpdateStock(ctx context.Context, s *model.Stock) error

	CreateBrokerHouse(ctx context.Context, b *model.BrokerHouse) error
	UpdateBrokerHouse(ctx context.Context, b *model.BrokerHouse) error

	// InsertTransaction fails with model.ErrAlreadyExists on a reused
	// request ID.
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
	InsertIpoTransaction(ctx context.Context, t *model.IpoTransaction) error

	SetManipulatorFactor(ctx context.Context, factor decimal.Decimal) error
}

// Tx is a unit of work. Reads through a Tx observe its own staged writes
// and, for PostgreSQL, lock the rows they return.
type Tx interface {
	Reader
	Writer
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// Atomic runs fn in a unit of work. If fn returns an error nothing it
	// wrote becomes visible.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}
