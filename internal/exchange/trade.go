package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/access"
	"github.com/atmx/stock-exchange/internal/metrics"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/portfolio"
	"github.com/atmx/stock-exchange/internal/pricing"
	"github.com/atmx/stock-exchange/internal/store"
)

// TradeRequest is a bilateral trade between two trader accounts.
// Seller, Buyer and Stock accept an ID or a name.
type TradeRequest struct {
	Seller      string          `json:"seller"`
	Buyer       string          `json:"buyer"`
	Stock       string          `json:"stock"`
	Units       int64           `json:"units"`
	Price       decimal.Decimal `json:"price"`
	BrokerHouse string          `json:"broker_house,omitempty"`
	RequestID   string          `json:"request_id,omitempty"` // idempotency key
}

// MarketAction is the side an account takes against the market.
type MarketAction string

const (
	Buy  MarketAction = "buy"
	Sell MarketAction = "sell"
)

// MarketTradeRequest is a trade against the market counterparty at the
// stock's current price.
type MarketTradeRequest struct {
	Account   string       `json:"account"`
	Stock     string       `json:"stock"`
	Units     int64        `json:"units"`
	Action    MarketAction `json:"action"`
	RequestID string       `json:"request_id,omitempty"`
}

// MarketTradeResult reports the account and stock after a market trade.
type MarketTradeResult struct {
	Transaction *model.Transaction `json:"transaction"`
	Balance     decimal.Decimal    `json:"balance"`
	Holding     int64              `json:"holding"`
	Stock       *model.Stock       `json:"stock"`
}

// RevertResult reports a reverted trade.
type RevertResult struct {
	TransactionID string       `json:"transaction_id"`
	Compensated   bool         `json:"compensated"`
	Stock         *model.Stock `json:"stock"`
}

// ExecuteTrade moves units of a stock from seller to buyer at price.
// Both parties pay the broker house's brokerage on the trade value. The
// stock is repriced with the impact formula. Resubmitting a RequestID
// returns the original transaction.
func (s *Service) ExecuteTrade(ctx context.Context, caller Caller, req TradeRequest) (*model.Transaction, error) {
	const op = "peer_trade"
	if err := access.Check(caller.Role, access.SubmitTrade); err != nil {
		return nil, s.reject(op, err)
	}
	if req.Units <= 0 {
		return nil, s.reject(op, fmt.Errorf("%w: units must be positive", model.ErrInvalidInput))
	}
	if !req.Price.IsPositive() {
		return nil, s.reject(op, fmt.Errorf("%w: price must be positive", model.ErrInvalidInput))
	}
	if prev, ok := s.replay(ctx, req.RequestID); ok {
		return peerResult(prev)
	}

	sellerID, err := s.resolveAccount(ctx, req.Seller)
	if err != nil {
		return nil, s.reject(op, fmt.Errorf("seller: %w", err))
	}
	buyerID, err := s.resolveAccount(ctx, req.Buyer)
	if err != nil {
		return nil, s.reject(op, fmt.Errorf("buyer: %w", err))
	}
	if sellerID == buyerID {
		return nil, s.reject(op, fmt.Errorf("%w: seller and buyer must differ", model.ErrInvalidInput))
	}
	stockID, err := s.resolveStock(ctx, req.Stock)
	if err != nil {
		return nil, s.reject(op, err)
	}
	house, err := s.tradeHouse(ctx, caller, req.BrokerHouse)
	if err != nil {
		return nil, s.reject(op, err)
	}

	var txn *model.Transaction
	var stock *model.Stock
	keys := []string{accountLock(sellerID), accountLock(buyerID), stockLock(stockID), houseLock(house), requestLock(req.RequestID)}
	err = s.atomic(ctx, op, keys, func(tx store.Tx) error {
		if req.RequestID != "" {
			if prev, err := tx.GetTransactionByRequest(ctx, req.RequestID); err == nil {
				txn, err = peerResult(prev)
				return err
			}
		}

		seller, err := tx.GetAccount(ctx, sellerID)
		if err != nil {
			return err
		}
		buyer, err := tx.GetAccount(ctx, buyerID)
		if err != nil {
			return err
		}
		if err := access.Check(seller.Role, access.HoldTrade); err != nil {
			return fmt.Errorf("seller: %w", err)
		}
		if err := access.Check(buyer.Role, access.HoldTrade); err != nil {
			return fmt.Errorf("buyer: %w", err)
		}
		st, err := tx.GetStock(ctx, stockID)
		if err != nil {
			return err
		}
		if _, err := currentPrice(st); err != nil {
			return err
		}
		if st.AvailableUnits == 0 {
			return fmt.Errorf("%w: stock %q has no float to price against", model.ErrInvalidState, st.Name)
		}

		rate := decimal.Zero
		var brokers *model.BrokerHouse
		if house != "" {
			if brokers, err = tx.GetBrokerHouse(ctx, house); err != nil {
				return err
			}
			rate = brokers.Brokerage
		}
		total := req.Price.Mul(decimal.NewFromInt(req.Units))
		fee := total.Mul(rate).Div(hundred).Round(pricing.PriceScale)

		// Validate everything before the first write.
		if held := portfolio.Quantity(seller, st.ID); held < req.Units {
			return fmt.Errorf("%w: seller holds %d of %d units", model.ErrInsufficientHolding, held, req.Units)
		}
		if buyer.Balance.LessThan(total.Add(fee)) {
			return fmt.Errorf("%w: buyer needs %s, has %s", model.ErrInsufficientFunds, total.Add(fee), buyer.Balance)
		}
		if seller.Balance.Add(total).LessThan(fee) {
			return fmt.Errorf("%w: seller cannot cover brokerage of %s", model.ErrInsufficientFunds, fee)
		}
		impact, err := s.impactModel(ctx, tx)
		if err != nil {
			return err
		}
		move, err := impact.Reprice(quote(st), req.Units, req.Price)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrInvalidState, err)
		}

		t := &model.Transaction{
			ID:                  newID(),
			RequestID:           req.RequestID,
			Kind:                model.TradePeer,
			SellerID:            seller.ID,
			BuyerID:             buyer.ID,
			StockID:             st.ID,
			Units:               req.Units,
			Price:               req.Price,
			TotalPrice:          total,
			Fee:                 fee,
			BrokerHouse:         house,
			BrokerageRate:       rate,
			BankerID:            caller.AccountID,
			PriceBefore:         st.CurrentPrice.Decimal,
			PreviousCloseBefore: st.PreviousClose,
			PriceAfter:          move.Current,
			AvailableBefore:     st.AvailableUnits,
			SellerBefore:        portfolio.Snapshot(seller, st.ID),
			BuyerBefore:         portfolio.Snapshot(buyer, st.ID),
			CreatedAt:           s.now(),
		}

		if err := portfolio.Dispose(seller, st.ID, req.Units); err != nil {
			return err
		}
		if err := portfolio.Acquire(buyer, st.ID, req.Units, req.Price); err != nil {
			return err
		}
		buyer.Balance = buyer.Balance.Sub(total).Sub(fee)
		seller.Balance = seller.Balance.Add(total).Sub(fee)
		st.PreviousClose = decimal.NewNullDecimal(move.PreviousClose)
		st.CurrentPrice = decimal.NewNullDecimal(move.Current)

		if err := tx.UpdateAccount(ctx, seller); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, buyer); err != nil {
			return err
		}
		if err := tx.UpdateStock(ctx, st); err != nil {
			return err
		}
		if brokers != nil && fee.IsPositive() {
			brokers.FeesCollected = brokers.FeesCollected.Add(fee.Mul(decimal.NewFromInt(2)))
			if err := tx.UpdateBrokerHouse(ctx, brokers); err != nil {
				return err
			}
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		txn, stock = t, st
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stock == nil {
		// Replayed inside the unit of work.
		return txn, nil
	}

	s.recordTrade(txn, stock)
	if txn.Fee.IsPositive() {
		fees, _ := txn.Fee.Mul(decimal.NewFromInt(2)).Float64()
		metrics.FeesCollected.WithLabelValues(txn.BrokerHouse).Add(fees)
	}
	return txn, nil
}

// ExecuteMarketTrade buys from or sells to the market at the stock's
// current price. Buying draws down the float; selling returns units to it.
// No brokerage is charged.
func (s *Service) ExecuteMarketTrade(ctx context.Context, caller Caller, req MarketTradeRequest) (*MarketTradeResult, error) {
	const op = "market_trade"
	if err := access.Check(caller.Role, access.SubmitTrade); err != nil {
		return nil, s.reject(op, err)
	}
	if req.Units <= 0 {
		return nil, s.reject(op, fmt.Errorf("%w: units must be positive", model.ErrInvalidInput))
	}
	if req.Action != Buy && req.Action != Sell {
		return nil, s.reject(op, fmt.Errorf("%w: action must be buy or sell, got %q", model.ErrInvalidInput, req.Action))
	}
	if prev, ok := s.replay(ctx, req.RequestID); ok {
		return s.marketResult(ctx, prev)
	}

	accountID, err := s.resolveAccount(ctx, req.Account)
	if err != nil {
		return nil, s.reject(op, err)
	}
	stockID, err := s.resolveStock(ctx, req.Stock)
	if err != nil {
		return nil, s.reject(op, err)
	}

	var result *MarketTradeResult
	var replayed *model.Transaction
	keys := []string{accountLock(accountID), stockLock(stockID), requestLock(req.RequestID)}
	err = s.atomic(ctx, op, keys, func(tx store.Tx) error {
		if req.RequestID != "" {
			if prev, err := tx.GetTransactionByRequest(ctx, req.RequestID); err == nil {
				replayed = prev
				return nil
			}
		}

		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := access.Check(a.Role, access.HoldTrade); err != nil {
			return err
		}
		st, err := tx.GetStock(ctx, stockID)
		if err != nil {
			return err
		}
		price, err := currentPrice(st)
		if err != nil {
			return err
		}
		if st.AvailableUnits == 0 {
			return fmt.Errorf("%w: stock %q has no float to price against", model.ErrInvalidState, st.Name)
		}
		total := price.Mul(decimal.NewFromInt(req.Units))

		snap := portfolio.Snapshot(a, st.ID)
		impact, err := s.impactModel(ctx, tx)
		if err != nil {
			return err
		}
		move, err := impact.RepriceMomentum(quote(st), req.Units)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrInvalidState, err)
		}

		t := &model.Transaction{
			ID:                  newID(),
			RequestID:           req.RequestID,
			Kind:                model.TradeMarket,
			StockID:             st.ID,
			Units:               req.Units,
			Price:               price,
			TotalPrice:          total,
			Fee:                 decimal.Zero,
			BrokerageRate:       decimal.Zero,
			BankerID:            caller.AccountID,
			PriceBefore:         price,
			PreviousCloseBefore: st.PreviousClose,
			PriceAfter:          move.Current,
			AvailableBefore:     st.AvailableUnits,
			CreatedAt:           s.now(),
		}

		switch req.Action {
		case Buy:
			if req.Units > st.AvailableUnits {
				return fmt.Errorf("%w: only %d units of %q available", model.ErrInvalidState, st.AvailableUnits, st.Name)
			}
			if a.Balance.LessThan(total) {
				return fmt.Errorf("%w: needs %s, has %s", model.ErrInsufficientFunds, total, a.Balance)
			}
			if err := portfolio.Acquire(a, st.ID, req.Units, price); err != nil {
				return err
			}
			a.Balance = a.Balance.Sub(total)
			st.AvailableUnits -= req.Units
			t.BuyerID, t.BuyerBefore = a.ID, snap
		case Sell:
			if err := portfolio.Dispose(a, st.ID, req.Units); err != nil {
				return err
			}
			a.Balance = a.Balance.Add(total)
			st.AvailableUnits += req.Units
			t.SellerID, t.SellerBefore = a.ID, snap
		}
		st.PreviousClose = decimal.NewNullDecimal(move.PreviousClose)
		st.CurrentPrice = decimal.NewNullDecimal(move.Current)

		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.UpdateStock(ctx, st); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		result = &MarketTradeResult{
			Transaction: t,
			Balance:     a.Balance,
			Holding:     portfolio.Quantity(a, st.ID),
			Stock:       st,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return s.marketResult(ctx, replayed)
	}

	s.recordTrade(result.Transaction, result.Stock)
	return result, nil
}

// RevertTrade undoes a trade: balances (brokerage included), positions and
// float go back to their pre-trade values and the transaction is deleted.
// The stock's price is restored when no later trade moved it; otherwise
// strict mode rejects the reversal and compensate mode applies a
// corrective impact move.
func (s *Service) RevertTrade(ctx context.Context, caller Caller, transactionID string) (*RevertResult, error) {
	const op = "revert_trade"
	if err := access.Check(caller.Role, access.RevertTrade); err != nil {
		return nil, s.reject(op, err)
	}
	orig, err := s.store.GetTransaction(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return nil, s.reject(op, err)
	}

	var result *RevertResult
	keys := []string{accountLock(orig.SellerID), accountLock(orig.BuyerID), stockLock(orig.StockID), houseLock(orig.BrokerHouse)}
	err = s.atomic(ctx, op, keys, func(tx store.Tx) error {
		t, err := tx.GetTransaction(ctx, orig.ID)
		if err != nil {
			return err
		}
		st, err := tx.GetStock(ctx, t.StockID)
		if err != nil {
			return err
		}

		untouched := st.CurrentPrice.Valid && st.PreviousClose.Valid &&
			st.CurrentPrice.Decimal.Equal(t.PriceAfter) &&
			st.PreviousClose.Decimal.Equal(t.PriceBefore)
		if !untouched && s.reversal == ReversalStrict {
			return fmt.Errorf("%w: stock %q has been repriced since transaction %s", model.ErrInvalidState, st.Name, t.ID)
		}

		var seller, buyer *model.Account
		if t.SellerID != "" {
			if seller, err = tx.GetAccount(ctx, t.SellerID); err != nil {
				return err
			}
			// The seller received total - fee and gives it back.
			seller.Balance = seller.Balance.Sub(t.TotalPrice).Add(t.Fee)
			if seller.Balance.IsNegative() {
				return fmt.Errorf("%w: seller %q cannot return the proceeds", model.ErrInsufficientFunds, seller.Username)
			}
			giveBack(seller, t.StockID, t.Units, t.SellerBefore)
		}
		if t.BuyerID != "" {
			if buyer, err = tx.GetAccount(ctx, t.BuyerID); err != nil {
				return err
			}
			if err := takeBack(buyer, t.StockID, t.Units, t.BuyerBefore); err != nil {
				return fmt.Errorf("buyer %q: %w", buyer.Username, err)
			}
			buyer.Balance = buyer.Balance.Add(t.TotalPrice).Add(t.Fee)
		}

		if t.Kind == model.TradeMarket {
			if t.BuyerID != "" {
				st.AvailableUnits += t.Units
			} else {
				st.AvailableUnits -= t.Units
			}
			if st.AvailableUnits < 0 || st.AvailableUnits > st.TotalUnits {
				return fmt.Errorf("%w: float of %q cannot absorb the reversal", model.ErrInvalidState, st.Name)
			}
		}

		if untouched {
			st.CurrentPrice = decimal.NewNullDecimal(t.PriceBefore)
			st.PreviousClose = t.PreviousCloseBefore
		} else {
			impact, err := s.impactModel(ctx, tx)
			if err != nil {
				return err
			}
			move, err := impact.Reprice(quote(st), t.Units, t.PriceBefore)
			if err != nil {
				return fmt.Errorf("%w: %w", model.ErrInvalidState, err)
			}
			st.PreviousClose = decimal.NewNullDecimal(move.PreviousClose)
			st.CurrentPrice = decimal.NewNullDecimal(move.Current)
		}

		for _, a := range []*model.Account{seller, buyer} {
			if a == nil {
				continue
			}
			if err := tx.UpdateAccount(ctx, a); err != nil {
				return err
			}
		}
		if err := tx.UpdateStock(ctx, st); err != nil {
			return err
		}
		if t.BrokerHouse != "" && t.Fee.IsPositive() {
			b, err := tx.GetBrokerHouse(ctx, t.BrokerHouse)
			if err != nil {
				return err
			}
			b.FeesCollected = b.FeesCollected.Sub(t.Fee.Mul(decimal.NewFromInt(2)))
			if err := tx.UpdateBrokerHouse(ctx, b); err != nil {
				return err
			}
		}
		if err := tx.DeleteTransaction(ctx, t.ID); err != nil {
			return err
		}
		result = &RevertResult{TransactionID: t.ID, Compensated: !untouched, Stock: st}
		return nil
	})
	if err != nil {
		return nil, err
	}

	mode := "exact"
	if result.Compensated {
		mode = "compensated"
	}
	metrics.Reversals.WithLabelValues(mode).Inc()
	s.log.Info("trade reverted",
		"trade_id", result.TransactionID,
		"stock", result.Stock.ID,
		"mode", mode,
		"price", result.Stock.CurrentPrice.Decimal.String(),
	)
	e := priceEvent(EventTradeReverted, result.Stock)
	e.TransactionID = result.TransactionID
	s.publish(e)
	return result, nil
}

// giveBack returns units to a party that sold them. The pre-trade
// position is restored exactly when nothing else touched it since.
func giveBack(a *model.Account, stockID string, units int64, before model.PositionSnapshot) {
	cur, held := portfolio.Holding(a, stockID)
	if before.Held && cur.Quantity+units == before.Quantity {
		portfolio.Restore(a, stockID, before)
		return
	}
	avg := before.AverageBuyPrice
	if held {
		avg = cur.AverageBuyPrice
	}
	portfolio.Restore(a, stockID, model.PositionSnapshot{
		Held:            true,
		Quantity:        cur.Quantity + units,
		AverageBuyPrice: avg,
	})
}

// takeBack removes units from a party that bought them.
func takeBack(a *model.Account, stockID string, units int64, before model.PositionSnapshot) error {
	held := portfolio.Quantity(a, stockID)
	if held < units {
		return fmt.Errorf("%w: holds %d of the %d units to return", model.ErrInsufficientHolding, held, units)
	}
	if held == before.Quantity+units {
		portfolio.Restore(a, stockID, before)
		return nil
	}
	return portfolio.Dispose(a, stockID, units)
}

// Allotment sells units of a listed stock from its float to an account
// at a set price.
type Allotment struct {
	Account  string          `json:"account"`
	Stock    string          `json:"stock"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// AllotmentResult is the outcome of one allotment.
type AllotmentResult struct {
	Allotment
	Status  string `json:"status"` // "allotted" or "failed"
	Error   string `json:"error,omitempty"`
	Holding int64  `json:"holding,omitempty"`
}

// AllotShares processes each allotment as its own unit of work and
// reports every outcome. A failed item does not affect the others.
func (s *Service) AllotShares(ctx context.Context, caller Caller, items []Allotment) ([]AllotmentResult, error) {
	const op = "allot_shares"
	if err := access.Check(caller.Role, access.AllotShares); err != nil {
		return nil, s.reject(op, err)
	}
	if len(items) == 0 {
		return nil, s.reject(op, fmt.Errorf("%w: no allotments given", model.ErrInvalidInput))
	}

	results := make([]AllotmentResult, 0, len(items))
	for _, item := range items {
		res := AllotmentResult{Allotment: item, Status: "allotted"}
		holding, err := s.allot(ctx, op, item)
		if err != nil {
			res.Status = "failed"
			res.Error = err.Error()
		} else {
			res.Holding = holding
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) allot(ctx context.Context, op string, item Allotment) (int64, error) {
	if item.Quantity <= 0 {
		return 0, s.reject(op, fmt.Errorf("%w: quantity must be positive", model.ErrInvalidInput))
	}
	if !item.Price.IsPositive() {
		return 0, s.reject(op, fmt.Errorf("%w: price must be positive", model.ErrInvalidInput))
	}
	accountID, err := s.resolveAccount(ctx, item.Account)
	if err != nil {
		return 0, s.reject(op, err)
	}
	stockID, err := s.resolveStock(ctx, item.Stock)
	if err != nil {
		return 0, s.reject(op, err)
	}

	var holding int64
	err = s.atomic(ctx, op, []string{accountLock(accountID), stockLock(stockID)}, func(tx store.Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		st, err := tx.GetStock(ctx, stockID)
		if err != nil {
			return err
		}
		if _, err := currentPrice(st); err != nil {
			return err
		}
		if item.Quantity > st.AvailableUnits {
			return fmt.Errorf("%w: only %d units of %q available", model.ErrInvalidState, st.AvailableUnits, st.Name)
		}
		total := item.Price.Mul(decimal.NewFromInt(item.Quantity))
		if a.Balance.LessThan(total) {
			return fmt.Errorf("%w: %q needs %s, has %s", model.ErrInsufficientFunds, a.Username, total, a.Balance)
		}

		if err := portfolio.Acquire(a, st.ID, item.Quantity, item.Price); err != nil {
			return err
		}
		a.Balance = a.Balance.Sub(total)
		st.AvailableUnits -= item.Quantity
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		holding = portfolio.Quantity(a, st.ID)
		return tx.UpdateStock(ctx, st)
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("shares allotted", "account", accountID, "stock", stockID, "quantity", item.Quantity, "price", item.Price.String())
	return holding, nil
}

// GetTransaction returns a trade record by ID.
func (s *Service) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.store.GetTransaction(ctx, strings.TrimSpace(id))
}

// ListTransactions searches the trade log. Bankers and administrators only.
func (s *Service) ListTransactions(ctx context.Context, caller Caller, f store.TransactionFilter) ([]model.Transaction, error) {
	if err := access.Check(caller.Role, access.ViewLedger); err != nil {
		return nil, err
	}
	txns, err := s.store.ListTransactions(ctx, f)
	if err != nil {
		return nil, err
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	return txns, nil
}

// replay returns the committed transaction for requestID, if any.
func (s *Service) replay(ctx context.Context, requestID string) (*model.Transaction, bool) {
	if requestID == "" {
		return nil, false
	}
	t, err := s.store.GetTransactionByRequest(ctx, requestID)
	if err != nil {
		return nil, false
	}
	return t, true
}

// peerResult returns t as the replay of a peer trade request.
func peerResult(t *model.Transaction) (*model.Transaction, error) {
	if t.Kind != model.TradePeer {
		return nil, fmt.Errorf("%w: request %q was a %s trade", model.ErrConflict, t.RequestID, t.Kind)
	}
	return t, nil
}

func (s *Service) marketResult(ctx context.Context, t *model.Transaction) (*MarketTradeResult, error) {
	if t.Kind != model.TradeMarket {
		return nil, fmt.Errorf("%w: request %q was a %s trade", model.ErrConflict, t.RequestID, t.Kind)
	}
	accountID := t.BuyerID
	if accountID == "" {
		accountID = t.SellerID
	}
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	st, err := s.store.GetStock(ctx, t.StockID)
	if err != nil {
		return nil, err
	}
	res := &MarketTradeResult{Transaction: t, Stock: st}
	if a != nil {
		res.Balance = a.Balance
		res.Holding = portfolio.Quantity(a, st.ID)
	}
	return res, nil
}

func (s *Service) recordTrade(t *model.Transaction, st *model.Stock) {
	metrics.TradesTotal.WithLabelValues(string(t.Kind)).Inc()
	metrics.TradeVolume.WithLabelValues(st.Name).Add(float64(t.Units))

	s.log.Info("trade executed",
		"trade_id", t.ID,
		"kind", t.Kind,
		"seller", t.SellerID,
		"buyer", t.BuyerID,
		"stock", st.ID,
		"units", t.Units,
		"price", t.Price.String(),
		"fee", t.Fee.String(),
		"price_before", t.PriceBefore.String(),
		"price_after", t.PriceAfter.String(),
	)

	e := priceEvent(EventTradeExecuted, st)
	e.TransactionID = t.ID
	e.Units = t.Units
	s.publish(e)
}

// tradeHouse picks the broker house for a trade: the requested one, or
// the submitting jobber's own house.
func (s *Service) tradeHouse(ctx context.Context, caller Caller, requested string) (string, error) {
	if name := strings.TrimSpace(requested); name != "" {
		if _, err := s.store.GetBrokerHouse(ctx, name); err != nil {
			return "", err
		}
		return name, nil
	}
	if caller.Role != model.RoleJobber || caller.AccountID == "" {
		return "", nil
	}
	a, err := s.store.GetAccount(ctx, caller.AccountID)
	if err != nil {
		return "", err
	}
	return a.BrokerHouse, nil
}
