// Package listing validates new stock issues and builds the initial
// ledger record for them.
package listing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/model"
)

// nameRegex matches display names such as "Tata Motors" or "AT&T".
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 .&'-]{0,63}$`)

var (
	ErrInvalidName   = errors.New("listing: invalid stock name")
	ErrInvalidStatus = errors.New("listing: stock must be issued as UPCOMING or LISTED")
	ErrInvalidUnits  = errors.New("listing: total units must be positive")
	ErrInvalidPrice  = errors.New("listing: price must be positive")
	ErrInvalidLot    = errors.New("listing: lot size must be between 1 and total units")
)

// Issue describes a stock to be created. UPCOMING issues carry IPO terms;
// LISTED issues carry an opening price.
type Issue struct {
	Name       string            `json:"name"`
	TotalUnits int64             `json:"total_units"`
	Status     model.StockStatus `json:"status"`
	Price      decimal.Decimal   `json:"price"`        // LISTED only
	IssuePrice decimal.Decimal   `json:"issue_price"`  // UPCOMING only
	MinLotSize int64             `json:"min_lot_size"` // UPCOMING only
}

// NormalizeName trims and validates a stock display name.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !nameRegex.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// Validate checks the issue and returns it with a normalized name.
func (is Issue) Validate() (Issue, error) {
	name, err := NormalizeName(is.Name)
	if err != nil {
		return is, err
	}
	is.Name = name
	if is.Status == "" {
		is.Status = model.StatusListed
	}
	if is.TotalUnits <= 0 {
		return is, ErrInvalidUnits
	}

	switch is.Status {
	case model.StatusListed:
		if !is.Price.IsPositive() {
			return is, fmt.Errorf("%w: opening price %s", ErrInvalidPrice, is.Price)
		}
	case model.StatusUpcoming:
		if !is.IssuePrice.IsPositive() {
			return is, fmt.Errorf("%w: issue price %s", ErrInvalidPrice, is.IssuePrice)
		}
		if is.MinLotSize < 1 || is.MinLotSize > is.TotalUnits {
			return is, ErrInvalidLot
		}
	default:
		return is, fmt.Errorf("%w: got %q", ErrInvalidStatus, is.Status)
	}
	return is, nil
}

// NewStock validates the issue and builds the stock record. The whole
// issue starts as float.
func NewStock(is Issue, id string, now time.Time) (*model.Stock, error) {
	is, err := is.Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidInput, err)
	}

	s := &model.Stock{
		ID:             id,
		Name:           is.Name,
		AvailableUnits: is.TotalUnits,
		TotalUnits:     is.TotalUnits,
		Status:         is.Status,
		CreatedAt:      now,
	}
	if is.Status == model.StatusListed {
		s.CurrentPrice = decimal.NewNullDecimal(is.Price)
		s.PreviousClose = decimal.NewNullDecimal(is.Price)
	} else {
		s.IPO = &model.IpoDetails{
			IssuePrice: is.IssuePrice,
			MinLotSize: is.MinLotSize,
		}
	}
	return s, nil
}
