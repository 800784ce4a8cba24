// Package exchange is the trading and price-formation engine: peer and
// market trades, reversals, direct allotments, administrator price
// overrides and the IPO lifecycle.
//
// Every mutating operation resolves its references, checks the caller's
// role, locks the entities it touches, validates everything up front and
// then applies all writes in one store.Atomic unit. A rejected operation
// leaves no trace in the ledger.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/metrics"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/pricing"
	"github.com/atmx/stock-exchange/internal/store"
)

// ReversalMode selects how RevertTrade handles a stock that has been
// repriced since the trade being reverted.
type ReversalMode string

const (
	// ReversalStrict rejects reverting any trade but the last one to move
	// the stock's price.
	ReversalStrict ReversalMode = "strict"
	// ReversalCompensate applies a corrective move computed with the
	// impact formula and the reverted trade's units.
	ReversalCompensate ReversalMode = "compensate"
)

// Valid reports whether m is a known mode.
func (m ReversalMode) Valid() bool {
	return m == ReversalStrict || m == ReversalCompensate
}

// DefaultBalance is credited to every new account unless overridden.
var DefaultBalance = decimal.NewFromInt(1_000_000)

// Caller is the authenticated identity behind a request.
type Caller struct {
	AccountID string
	Role      model.Role
}

// Event is published after a ledger change commits.
type Event struct {
	Type          string `json:"type"`
	StockID       string `json:"stock_id,omitempty"`
	StockName     string `json:"stock_name,omitempty"`
	Status        string `json:"status,omitempty"`
	Price         string `json:"price,omitempty"`
	PreviousClose string `json:"previous_close,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Units         int64  `json:"units,omitempty"`
}

// Event types.
const (
	EventTradeExecuted = "trade_executed"
	EventTradeReverted = "trade_reverted"
	EventPriceAdjusted = "price_adjusted"
	EventIPOStarted    = "ipo_started"
	EventIPOEnded      = "ipo_subscription_ended"
	EventStockListed   = "stock_listed"
)

// Publisher receives committed ledger events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Options configures a Service. Zero values select the defaults.
type Options struct {
	DefaultBalance decimal.Decimal
	ReversalMode   ReversalMode
	Logger         *slog.Logger
	Publisher      Publisher
	Now            func() time.Time
}

// Service executes ledger operations against a store.
type Service struct {
	store    store.Store
	locks    *lockManager
	balance  decimal.Decimal
	reversal ReversalMode
	log      *slog.Logger
	pub      Publisher
	now      func() time.Time
}

// NewService creates an exchange service.
func NewService(st store.Store, opts Options) *Service {
	s := &Service{
		store:    st,
		locks:    newLockManager(),
		balance:  opts.DefaultBalance,
		reversal: opts.ReversalMode,
		log:      opts.Logger,
		pub:      opts.Publisher,
		now:      opts.Now,
	}
	if s.balance.IsZero() {
		s.balance = DefaultBalance
	}
	if !s.reversal.Valid() {
		s.reversal = ReversalStrict
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// atomic locks keys and runs fn in one unit of work, recording latency
// and rejections under op.
func (s *Service) atomic(ctx context.Context, op string, keys []string, fn func(tx store.Tx) error) error {
	start := time.Now()
	unlock := s.locks.lock(keys...)
	err := s.store.Atomic(ctx, fn)
	unlock()
	s.observe(op, start, err)
	return err
}

// atomicAll is atomic with every other operation excluded.
func (s *Service) atomicAll(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	start := time.Now()
	unlock := s.locks.lockAll()
	err := s.store.Atomic(ctx, fn)
	unlock()
	s.observe(op, start, err)
	return err
}

func (s *Service) observe(op string, start time.Time, err error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Rejections.WithLabelValues(op, ErrorKind(err)).Inc()
	}
}

// reject records a failure detected before any unit of work started.
func (s *Service) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op, ErrorKind(err)).Inc()
	return err
}

func (s *Service) publish(e Event) {
	if s.pub != nil {
		s.pub.Publish(e)
	}
}

// ErrorKind returns a stable label for err's model sentinel.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, model.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientHolding):
		return "insufficient_holding"
	case errors.Is(err, model.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, model.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// impactModel builds the pricing model from the configured manipulator
// factor, falling back to pricing.DefaultFactor.
func (s *Service) impactModel(ctx context.Context, r store.Reader) (*pricing.ImpactModel, error) {
	factor, ok, err := r.ManipulatorFactor(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		factor = pricing.DefaultFactor
	}
	return pricing.NewImpactModel(factor)
}

// resolveAccount maps an ID or username to an account ID.
func (s *Service) resolveAccount(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: account reference is required", model.ErrInvalidInput)
	}
	if a, err := s.store.GetAccount(ctx, ref); err == nil {
		return a.ID, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return "", err
	}
	a, err := s.store.GetAccountByUsername(ctx, ref)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// resolveStock maps an ID or display name to a stock ID.
func (s *Service) resolveStock(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: stock reference is required", model.ErrInvalidInput)
	}
	if st, err := s.store.GetStock(ctx, ref); err == nil {
		return st.ID, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return "", err
	}
	st, err := s.store.GetStockByName(ctx, ref)
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

func newID() string {
	return uuid.New().String()
}

// currentPrice returns a listed stock's price or ErrInvalidState.
func currentPrice(st *model.Stock) (decimal.Decimal, error) {
	if st.Status != model.StatusListed || !st.CurrentPrice.Valid {
		return decimal.Zero, fmt.Errorf("%w: stock %q is %s, not listed", model.ErrInvalidState, st.Name, st.Status)
	}
	return st.CurrentPrice.Decimal, nil
}

func quote(st *model.Stock) pricing.Quote {
	q := pricing.Quote{
		Current:   st.CurrentPrice.Decimal,
		Available: st.AvailableUnits,
	}
	if st.PreviousClose.Valid {
		q.PreviousClose = st.PreviousClose.Decimal
	} else {
		q.PreviousClose = q.Current
	}
	return q
}

func priceEvent(typ string, st *model.Stock) Event {
	e := Event{
		Type:      typ,
		StockID:   st.ID,
		StockName: st.Name,
		Status:    string(st.Status),
	}
	if st.CurrentPrice.Valid {
		e.Price = st.CurrentPrice.Decimal.StringFixed(pricing.PriceScale)
	}
	if st.PreviousClose.Valid {
		e.PreviousClose = st.PreviousClose.Decimal.StringFixed(pricing.PriceScale)
	}
	return e
}
