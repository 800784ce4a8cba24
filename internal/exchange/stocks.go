package exchange

import (
	"context"
	"fmt"

	"github.com/atmx/stock-exchange/internal/access"
	"github.com/atmx/stock-exchange/internal/listing"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/pricing"
	"github.com/atmx/stock-exchange/internal/store"
)

// CreateStock issues a new stock. Administrators only.
func (s *Service) CreateStock(ctx context.Context, caller Caller, is listing.Issue) (*model.Stock, error) {
	if err := access.Check(caller.Role, access.CreateStock); err != nil {
		return nil, s.reject("create_stock", err)
	}
	st, err := listing.NewStock(is, newID(), s.now())
	if err != nil {
		return nil, s.reject("create_stock", err)
	}

	err = s.atomic(ctx, "create_stock", []string{"stock-name:" + st.Name}, func(tx store.Tx) error {
		return tx.CreateStock(ctx, st)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("stock created",
		"id", st.ID,
		"name", st.Name,
		"status", st.Status,
		"total_units", st.TotalUnits,
	)
	return st, nil
}

// GetStock returns the stock by ID or display name.
func (s *Service) GetStock(ctx context.Context, ref string) (*model.Stock, error) {
	id, err := s.resolveStock(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.store.GetStock(ctx, id)
}

// ListStocks returns all stocks, or only those in status when it is set.
func (s *Service) ListStocks(ctx context.Context, status model.StockStatus) ([]model.Stock, error) {
	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return stocks, nil
	}
	filtered := []model.Stock{}
	for _, st := range stocks {
		if st.Status == status {
			filtered = append(filtered, st)
		}
	}
	return filtered, nil
}

// AdjustStockPrice overrides a listed stock's reference price, bypassing
// the impact formula. The old price becomes the previous close.
func (s *Service) AdjustStockPrice(ctx context.Context, caller Caller, stockRef string, adj pricing.Adjustment) (*model.Stock, error) {
	const op = "adjust_price"
	if err := access.Check(caller.Role, access.AdjustPrice); err != nil {
		return nil, s.reject(op, err)
	}
	if err := adj.Validate(); err != nil {
		return nil, s.reject(op, fmt.Errorf("%w: %w", model.ErrInvalidInput, err))
	}
	stockID, err := s.resolveStock(ctx, stockRef)
	if err != nil {
		return nil, s.reject(op, err)
	}

	var result *model.Stock
	err = s.atomic(ctx, op, []string{stockLock(stockID)}, func(tx store.Tx) error {
		st, err := tx.GetStock(ctx, stockID)
		if err != nil {
			return err
		}
		if err := adjust(st, adj); err != nil {
			return err
		}
		if err := tx.UpdateStock(ctx, st); err != nil {
			return err
		}
		result = st
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("stock price adjusted",
		"stock", result.ID,
		"type", adj.Kind,
		"action", adj.Direction,
		"value", adj.Amount.String(),
		"price", result.CurrentPrice.Decimal.String(),
	)
	s.publish(priceEvent(EventPriceAdjusted, result))
	return result, nil
}

// AdjustMarket applies a percentage move to every listed stock in one
// unit of work.
func (s *Service) AdjustMarket(ctx context.Context, caller Caller, adj pricing.Adjustment) ([]model.Stock, error) {
	const op = "adjust_market"
	if err := access.Check(caller.Role, access.AdjustPrice); err != nil {
		return nil, s.reject(op, err)
	}
	if adj.Kind == "" {
		adj.Kind = pricing.ByPercentage
	}
	if adj.Kind != pricing.ByPercentage {
		return nil, s.reject(op, fmt.Errorf("%w: market moves are percentage only", model.ErrInvalidInput))
	}
	if err := adj.Validate(); err != nil {
		return nil, s.reject(op, fmt.Errorf("%w: %w", model.ErrInvalidInput, err))
	}

	var moved []model.Stock
	err := s.atomicAll(ctx, op, func(tx store.Tx) error {
		moved = nil
		stocks, err := tx.ListStocks(ctx)
		if err != nil {
			return err
		}
		for i := range stocks {
			st := &stocks[i]
			if st.Status != model.StatusListed {
				continue
			}
			if err := adjust(st, adj); err != nil {
				return err
			}
			if err := tx.UpdateStock(ctx, st); err != nil {
				return err
			}
			moved = append(moved, *st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("market adjusted", "action", adj.Direction, "percentage", adj.Amount.String(), "stocks", len(moved))
	for i := range moved {
		s.publish(priceEvent(EventPriceAdjusted, &moved[i]))
	}
	return moved, nil
}

func adjust(st *model.Stock, adj pricing.Adjustment) error {
	price, err := currentPrice(st)
	if err != nil {
		return err
	}
	next, err := pricing.Adjust(price, adj)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidInput, err)
	}
	st.PreviousClose = st.CurrentPrice
	st.CurrentPrice.Decimal = next
	return nil
}
