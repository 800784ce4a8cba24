// Package portfolio implements position bookkeeping on an account:
// acquisitions merge into a quantity-weighted average cost basis,
// disposals decrement quantity and never touch the average.
package portfolio

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/model"
)

// PriceScale is the number of decimal places kept on average buy prices.
const PriceScale int32 = 2

var (
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = fmt.Errorf("%w: portfolio: quantity must be positive", model.ErrInvalidInput)

	// ErrInsufficientHolding is returned when disposing more than is held.
	ErrInsufficientHolding = fmt.Errorf("%w: portfolio: not enough shares held", model.ErrInsufficientHolding)
)

// Holding returns the account's position in stockID, if any.
func Holding(acct *model.Account, stockID string) (model.Position, bool) {
	i := indexOf(acct, stockID)
	if i < 0 {
		return model.Position{}, false
	}
	return acct.Portfolio[i], true
}

// Quantity returns the number of shares of stockID held, or 0.
func Quantity(acct *model.Account, stockID string) int64 {
	p, _ := Holding(acct, stockID)
	return p.Quantity
}

// Acquire adds quantity shares bought at unitPrice.
//
//	avg' = round2((q·avg + n·p) / (q + n))
func Acquire(acct *model.Account, stockID string, quantity int64, unitPrice decimal.Decimal) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	i := indexOf(acct, stockID)
	if i < 0 {
		acct.Portfolio = append(acct.Portfolio, model.Position{
			StockID:         stockID,
			Quantity:        quantity,
			AverageBuyPrice: unitPrice,
		})
		return nil
	}

	p := &acct.Portfolio[i]
	newQty := p.Quantity + quantity
	cost := p.AverageBuyPrice.Mul(decimal.NewFromInt(p.Quantity)).
		Add(unitPrice.Mul(decimal.NewFromInt(quantity)))
	p.AverageBuyPrice = cost.Div(decimal.NewFromInt(newQty)).Round(PriceScale)
	p.Quantity = newQty
	return nil
}

// Dispose removes quantity shares. The position is dropped when it reaches
// exactly zero.
func Dispose(acct *model.Account, stockID string, quantity int64) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	i := indexOf(acct, stockID)
	if i < 0 || acct.Portfolio[i].Quantity < quantity {
		return ErrInsufficientHolding
	}

	acct.Portfolio[i].Quantity -= quantity
	if acct.Portfolio[i].Quantity == 0 {
		acct.Portfolio = append(acct.Portfolio[:i], acct.Portfolio[i+1:]...)
	}
	return nil
}

// Snapshot captures the account's holding in stockID for later Restore.
func Snapshot(acct *model.Account, stockID string) model.PositionSnapshot {
	p, ok := Holding(acct, stockID)
	if !ok {
		return model.PositionSnapshot{}
	}
	return model.PositionSnapshot{
		Held:            true,
		Quantity:        p.Quantity,
		AverageBuyPrice: p.AverageBuyPrice,
	}
}

// Restore resets the account's holding in stockID to snap. A snapshot with
// Held=false removes the position.
func Restore(acct *model.Account, stockID string, snap model.PositionSnapshot) {
	i := indexOf(acct, stockID)
	switch {
	case !snap.Held || snap.Quantity == 0:
		if i >= 0 {
			acct.Portfolio = append(acct.Portfolio[:i], acct.Portfolio[i+1:]...)
		}
	case i < 0:
		acct.Portfolio = append(acct.Portfolio, model.Position{
			StockID:         stockID,
			Quantity:        snap.Quantity,
			AverageBuyPrice: snap.AverageBuyPrice,
		})
	default:
		acct.Portfolio[i].Quantity = snap.Quantity
		acct.Portfolio[i].AverageBuyPrice = snap.AverageBuyPrice
	}
}

func indexOf(acct *model.Account, stockID string) int {
	for i := range acct.Portfolio {
		if acct.Portfolio[i].StockID == stockID {
			return i
		}
	}
	return -1
}
