// Package pricing implements the reference-price formation rules of the
// exchange: the demand-impact repricing applied after every trade, the
// demand-weighted IPO listing price, and administrator price overrides.
//
// The impact model amplifies moves on low-float stocks:
//
//	priceDelta   = tradePrice - currentPrice
//	impactFactor = (units / availableUnits) * (priceDelta + Bias) * factor
//	newPrice     = currentPrice + round2(impactFactor)
//
// The factor is the administrator-tunable "manipulator" scalar. It is
// passed in by the caller; this package keeps no state.
//
// All monetary values use shopspring/decimal, never float64.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidFactor is returned when the manipulator factor is not positive.
	ErrInvalidFactor = errors.New("pricing: manipulator factor must be positive")

	// ErrNoFloat is returned when repricing against a stock with zero
	// available units.
	ErrNoFloat = errors.New("pricing: stock has no available units")

	// ErrInvalidUnits is returned for non-positive trade or supply sizes.
	ErrInvalidUnits = errors.New("pricing: units must be positive")

	// ErrInvalidAdjustment is returned for an unknown adjustment kind or
	// direction, or a negative amount.
	ErrInvalidAdjustment = errors.New("pricing: invalid adjustment")

	// DefaultFactor is used when no manipulator value has been configured.
	DefaultFactor = decimal.RequireFromString("20.6")

	// Bias is the constant added to the price delta so that a trade at
	// the reference price still nudges it upward.
	Bias = decimal.RequireFromString("2.4")

	// LaunchBase and LaunchMultiplier shape the IPO listing price:
	// launch = issue * (LaunchBase + LaunchMultiplier * demand/total).
	LaunchBase       = decimal.RequireFromString("0.9")
	LaunchMultiplier = decimal.RequireFromString("0.8")

	// PriceScale is the number of decimal places for prices.
	PriceScale int32 = 2
)

// Quote is the pre-trade pricing state of a stock.
type Quote struct {
	Current       decimal.Decimal
	PreviousClose decimal.Decimal
	Available     int64
}

// Move is the outcome of a repricing. PreviousClose is always the
// pre-trade current price.
type Move struct {
	PreviousClose decimal.Decimal
	Current       decimal.Decimal
	Impact        decimal.Decimal
}

// ImpactModel applies the demand-impact formula for a fixed factor.
type ImpactModel struct {
	factor decimal.Decimal
}

// NewImpactModel creates a model for the given manipulator factor.
func NewImpactModel(factor decimal.Decimal) (*ImpactModel, error) {
	if factor.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidFactor
	}
	return &ImpactModel{factor: factor}, nil
}

// Factor returns the manipulator factor.
func (m *ImpactModel) Factor() decimal.Decimal {
	return m.factor
}

// Impact returns round2((units / available) * (delta + Bias) * factor).
func (m *ImpactModel) Impact(delta decimal.Decimal, units, available int64) (decimal.Decimal, error) {
	if units <= 0 {
		return decimal.Zero, ErrInvalidUnits
	}
	if available <= 0 {
		return decimal.Zero, ErrNoFloat
	}
	// Multiply before dividing to keep the division exact where possible.
	raw := decimal.NewFromInt(units).
		Mul(delta.Add(Bias)).
		Mul(m.factor).
		Div(decimal.NewFromInt(available))
	return raw.Round(PriceScale), nil
}

// Reprice computes the new reference price after units traded at
// tradePrice against q.
func (m *ImpactModel) Reprice(q Quote, units int64, tradePrice decimal.Decimal) (Move, error) {
	return m.move(q, tradePrice.Sub(q.Current), units)
}

// RepriceMomentum computes the new reference price for a trade executed
// at the current price against the market counterparty. The delta is the
// stock's last move (current - previous close) rather than the trade's
// premium, which would always be zero.
func (m *ImpactModel) RepriceMomentum(q Quote, units int64) (Move, error) {
	return m.move(q, q.Current.Sub(q.PreviousClose), units)
}

func (m *ImpactModel) move(q Quote, delta decimal.Decimal, units int64) (Move, error) {
	impact, err := m.Impact(delta, units, q.Available)
	if err != nil {
		return Move{}, err
	}
	return Move{
		PreviousClose: q.Current,
		Current:       floor(q.Current.Add(impact)),
		Impact:        impact,
	}, nil
}

// LaunchPrice computes the listing price at the close of an IPO:
//
//	launch = issue * (0.9 + 0.8 * demandVolume/totalUnits)
func LaunchPrice(issuePrice decimal.Decimal, totalUnits, demandVolume int64) (decimal.Decimal, error) {
	if totalUnits <= 0 {
		return decimal.Zero, ErrInvalidUnits
	}
	ratio := decimal.NewFromInt(demandVolume).Div(decimal.NewFromInt(totalUnits))
	return issuePrice.Mul(LaunchBase.Add(LaunchMultiplier.Mul(ratio))).Round(PriceScale), nil
}

// AdjustmentKind selects how an adjustment amount is interpreted.
type AdjustmentKind string

const (
	ByValue      AdjustmentKind = "value"
	ByPercentage AdjustmentKind = "percentage"
)

// Direction is the sign of an adjustment.
type Direction string

const (
	Increase Direction = "increase"
	Decrease Direction = "decrease"
)

// Adjustment is an administrator override of a reference price.
type Adjustment struct {
	Kind      AdjustmentKind  `json:"type"`
	Direction Direction       `json:"action"`
	Amount    decimal.Decimal `json:"value"`
}

// Validate checks the adjustment's kind, direction and amount.
func (a Adjustment) Validate() error {
	if a.Kind != ByValue && a.Kind != ByPercentage {
		return ErrInvalidAdjustment
	}
	if a.Direction != Increase && a.Direction != Decrease {
		return ErrInvalidAdjustment
	}
	if a.Amount.IsNegative() {
		return ErrInvalidAdjustment
	}
	return nil
}

// Adjust applies a to price. The result is floored at zero.
func Adjust(price decimal.Decimal, a Adjustment) (decimal.Decimal, error) {
	if err := a.Validate(); err != nil {
		return decimal.Zero, err
	}
	change := a.Amount
	if a.Kind == ByPercentage {
		change = price.Mul(a.Amount).Div(decimal.NewFromInt(100))
	}
	if a.Direction == Decrease {
		change = change.Neg()
	}
	return floor(price.Add(change).Round(PriceScale)), nil
}

func floor(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	return p
}
