package exchange

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/access"
	"github.com/atmx/stock-exchange/internal/metrics"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/portfolio"
	"github.com/atmx/stock-exchange/internal/pricing"
	"github.com/atmx/stock-exchange/internal/store"
)

// IPORequest names an account and a number of lots in an IPO.
type IPORequest struct {
	Account string `json:"account"`
	Stock   string `json:"stock"`
	Lots    int64  `json:"lots"`
}

// Applicant is one IPO application together with its account.
type Applicant struct {
	AccountID   string               `json:"account_id"`
	Username    string               `json:"username"`
	Application model.IpoApplication `json:"application"`
}

// StartIPO opens the subscription window of an UPCOMING stock.
func (s *Service) StartIPO(ctx context.Context, caller Caller, stockRef string) (*model.Stock, error) {
	return s.transition(ctx, caller, "start_ipo", stockRef, func(st *model.Stock, now time.Time) error {
		if st.Status != model.StatusUpcoming || st.IPO == nil {
			return fmt.Errorf("%w: only upcoming stocks can start an IPO, %q is %s", model.ErrInvalidState, st.Name, st.Status)
		}
		st.Status = model.StatusIPO
		st.IPO.SubscriptionStart = &now
		return nil
	}, EventIPOStarted)
}

// EndIPOSubscription closes the subscription window. Allotment can
// continue until CloseIPOAllotment.
func (s *Service) EndIPOSubscription(ctx context.Context, caller Caller, stockRef string) (*model.Stock, error) {
	return s.transition(ctx, caller, "end_ipo", stockRef, func(st *model.Stock, now time.Time) error {
		if st.Status != model.StatusIPO || st.IPO == nil || st.IPO.SubscriptionStart == nil {
			return fmt.Errorf("%w: %q has no open IPO", model.ErrInvalidState, st.Name)
		}
		if st.IPO.SubscriptionEnd != nil {
			return fmt.Errorf("%w: subscription for %q already ended", model.ErrInvalidState, st.Name)
		}
		st.IPO.SubscriptionEnd = &now
		return nil
	}, EventIPOEnded)
}

func (s *Service) transition(ctx context.Context, caller Caller, op, stockRef string, apply func(*model.Stock, time.Time) error, event string) (*model.Stock, error) {
	if err := access.Check(caller.Role, access.ManageIPO); err != nil {
		return nil, s.reject(op, err)
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
		if err := apply(st, s.now()); err != nil {
			return err
		}
		result = st
		return tx.UpdateStock(ctx, st)
	})
	if err != nil {
		return nil, err
	}

	metrics.IPOEvents.WithLabelValues(op).Inc()
	s.log.Info("ipo transition", "op", op, "stock", result.ID, "status", result.Status)
	s.publish(priceEvent(event, result))
	return result, nil
}

// ApplyIPO submits an application on behalf of an account while the
// subscription window is open. The full cost is escrowed immediately.
func (s *Service) ApplyIPO(ctx context.Context, caller Caller, req IPORequest) (*model.IpoApplication, error) {
	const op = "apply_ipo"
	if err := access.Check(caller.Role, access.ApplyIPO); err != nil {
		return nil, s.reject(op, err)
	}
	if req.Lots <= 0 {
		return nil, s.reject(op, fmt.Errorf("%w: lots must be positive", model.ErrInvalidInput))
	}
	accountID, err := s.resolveAccount(ctx, req.Account)
	if err != nil {
		return nil, s.reject(op, err)
	}
	stockID, err := s.resolveStock(ctx, req.Stock)
	if err != nil {
		return nil, s.reject(op, err)
	}

	var app *model.IpoApplication
	err = s.atomic(ctx, op, []string{accountLock(accountID), stockLock(stockID)}, func(tx store.Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		st, err := tx.GetStock(ctx, stockID)
		if err != nil {
			return err
		}
		if st.Status != model.StatusIPO || st.IPO == nil || st.IPO.SubscriptionStart == nil || st.IPO.SubscriptionEnd != nil {
			return fmt.Errorf("%w: %q is not open for subscription", model.ErrInvalidState, st.Name)
		}

		units, err := lotUnits(req.Lots, st.IPO.MinLotSize)
		if err != nil {
			return err
		}
		escrow := st.IPO.IssuePrice.Mul(decimal.NewFromInt(units))
		if a.Balance.LessThan(escrow) {
			return fmt.Errorf("%w: application needs %s, has %s", model.ErrInsufficientFunds, escrow, a.Balance)
		}

		app = &model.IpoApplication{
			ID:                    newID(),
			StockID:               st.ID,
			Lots:                  req.Lots,
			ApplicationPrice:      st.IPO.IssuePrice,
			TotalApplicationPrice: escrow,
			Status:                model.ApplicationPending,
			AppliedAt:             s.now(),
		}
		a.Balance = a.Balance.Sub(escrow)
		a.IpoApplications = append(a.IpoApplications, *app)
		return tx.UpdateAccount(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	metrics.IPOEvents.WithLabelValues(op).Inc()
	s.log.Info("ipo application submitted",
		"application", app.ID,
		"account", accountID,
		"stock", stockID,
		"lots", app.Lots,
		"escrow", app.TotalApplicationPrice.String(),
	)
	return app, nil
}

// AllotIPO allots lots from the account's first pending application for
// the stock at the issue price. Escrow for lots not allotted is refunded.
func (s *Service) AllotIPO(ctx context.Context, caller Caller, req IPORequest) (*model.IpoTransaction, error) {
	const op = "allot_ipo"
	if err := access.Check(caller.Role, access.AllotIPO); err != nil {
		return nil, s.reject(op, err)
	}
	if req.Lots <= 0 {
		return nil, s.reject(op, fmt.Errorf("%w: lots must be positive", model.ErrInvalidInput))
	}
	accountID, err := s.resolveAccount(ctx, req.Account)
	if err != nil {
		return nil, s.reject(op, err)
	}
	stockID, err := s.resolveStock(ctx, req.Stock)
	if err != nil {
		return nil, s.reject(op, err)
	}

	var record *model.IpoTransaction
	err = s.atomic(ctx, op, []string{accountLock(accountID), stockLock(stockID)}, func(tx store.Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		st, err := tx.GetStock(ctx, stockID)
		if err != nil {
			return err
		}
		if st.Status != model.StatusIPO || st.IPO == nil {
			return fmt.Errorf("%w: %q is not in IPO", model.ErrInvalidState, st.Name)
		}

		i := pendingApplication(a, st.ID)
		if i < 0 {
			return fmt.Errorf("%w: no pending application by %q for %q", model.ErrNotFound, a.Username, st.Name)
		}
		app := &a.IpoApplications[i]
		if req.Lots > app.Lots {
			return fmt.Errorf("%w: %d lots requested, application has %d", model.ErrInvalidInput, req.Lots, app.Lots)
		}
		units, err := lotUnits(req.Lots, st.IPO.MinLotSize)
		if err != nil {
			return err
		}
		if units > st.TotalUnits-st.IPO.AllottedUnits {
			return fmt.Errorf("%w: allotting %d units of %q exceeds the issue", model.ErrInvalidState, units, st.Name)
		}

		cost := app.ApplicationPrice.Mul(decimal.NewFromInt(units))
		refund := app.TotalApplicationPrice.Sub(cost)
		if err := portfolio.Acquire(a, st.ID, units, app.ApplicationPrice); err != nil {
			return err
		}
		a.Balance = a.Balance.Add(refund)
		app.Status = model.ApplicationAllotted
		app.AllottedUnits = units
		app.TotalApplicationPrice = decimal.Zero
		st.IPO.AllottedUnits += units

		record = &model.IpoTransaction{
			ID:            newID(),
			AccountID:     a.ID,
			StockID:       st.ID,
			AdminID:       caller.AccountID,
			Lots:          req.Lots,
			AllottedUnits: units,
			PricePerUnit:  app.ApplicationPrice,
			TotalPrice:    cost,
			Status:        model.ApplicationAllotted,
			CreatedAt:     s.now(),
		}
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.UpdateStock(ctx, st); err != nil {
			return err
		}
		return tx.InsertIpoTransaction(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	metrics.IPOEvents.WithLabelValues(op).Inc()
	s.log.Info("ipo allotted",
		"account", record.AccountID,
		"stock", record.StockID,
		"lots", record.Lots,
		"units", record.AllottedUnits,
	)
	return record, nil
}

// CloseIPOAllotment lists the stock at the demand-weighted launch price,
// rejects and refunds every application still pending, and releases the
// unallotted units as float. It succeeds once per stock.
func (s *Service) CloseIPOAllotment(ctx context.Context, caller Caller, stockRef string) (*model.Stock, error) {
	const op = "close_ipo"
	if err := access.Check(caller.Role, access.ManageIPO); err != nil {
		return nil, s.reject(op, err)
	}
	stockID, err := s.resolveStock(ctx, stockRef)
	if err != nil {
		return nil, s.reject(op, err)
	}

	var result *model.Stock
	var rejected int
	err = s.atomicAll(ctx, op, func(tx store.Tx) error {
		rejected = 0
		st, err := tx.GetStock(ctx, stockID)
		if err != nil {
			return err
		}
		if st.Status != model.StatusIPO || st.IPO == nil {
			return fmt.Errorf("%w: %q is not in IPO", model.ErrInvalidState, st.Name)
		}
		if st.IPO.SubscriptionStart == nil || st.IPO.SubscriptionEnd == nil {
			return fmt.Errorf("%w: subscription window of %q was never closed", model.ErrInvalidState, st.Name)
		}

		applicants, err := tx.ListApplicants(ctx, st.ID)
		if err != nil {
			return err
		}
		var demand int64
		for i := range applicants {
			a := &applicants[i]
			changed := false
			for j := range a.IpoApplications {
				app := &a.IpoApplications[j]
				if app.StockID != st.ID {
					continue
				}
				demand = addDemand(demand, app.Lots, st.IPO.MinLotSize)
				if app.Status == model.ApplicationPending {
					a.Balance = a.Balance.Add(app.TotalApplicationPrice)
					app.TotalApplicationPrice = decimal.Zero
					app.Status = model.ApplicationRejected
					changed = true
					rejected++
				}
			}
			if changed {
				if err := tx.UpdateAccount(ctx, a); err != nil {
					return err
				}
			}
		}

		launch, err := pricing.LaunchPrice(st.IPO.IssuePrice, st.TotalUnits, demand)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrInvalidState, err)
		}
		now := s.now()
		st.Status = model.StatusListed
		st.CurrentPrice = decimal.NewNullDecimal(launch)
		st.PreviousClose = decimal.NewNullDecimal(st.IPO.IssuePrice)
		st.IPO.ListingDate = &now
		st.AvailableUnits = st.TotalUnits - st.IPO.AllottedUnits
		result = st
		return tx.UpdateStock(ctx, st)
	})
	if err != nil {
		return nil, err
	}

	metrics.IPOEvents.WithLabelValues(op).Inc()
	s.log.Info("ipo closed",
		"stock", result.ID,
		"launch_price", result.CurrentPrice.Decimal.String(),
		"allotted_units", result.IPO.AllottedUnits,
		"float", result.AvailableUnits,
		"rejected", rejected,
	)
	s.publish(priceEvent(EventStockListed, result))
	return result, nil
}

// lotUnits converts lots to units, rejecting counts whose unit total does
// not fit in an int64.
func lotUnits(lots, lotSize int64) (int64, error) {
	if lotSize <= 0 {
		return 0, fmt.Errorf("%w: lot size must be positive", model.ErrInvalidState)
	}
	if lots <= 0 || lots > math.MaxInt64/lotSize {
		return 0, fmt.Errorf("%w: %d lots of %d units is out of range", model.ErrInvalidInput, lots, lotSize)
	}
	return lots * lotSize, nil
}

// addDemand adds an application's units to demand, saturating at MaxInt64.
func addDemand(demand, lots, lotSize int64) int64 {
	units, err := lotUnits(lots, lotSize)
	if err != nil || units > math.MaxInt64-demand {
		return math.MaxInt64
	}
	return demand + units
}

// ListApplications returns every application for a stock, in any status.
// Bankers and administrators only.
func (s *Service) ListApplications(ctx context.Context, caller Caller, stockRef string) ([]Applicant, error) {
	if err := access.Check(caller.Role, access.ViewLedger); err != nil {
		return nil, err
	}
	stockID, err := s.resolveStock(ctx, stockRef)
	if err != nil {
		return nil, err
	}
	accounts, err := s.store.ListApplicants(ctx, stockID)
	if err != nil {
		return nil, err
	}
	applicants := []Applicant{}
	for _, a := range accounts {
		for _, app := range a.IpoApplications {
			if app.StockID == stockID {
				applicants = append(applicants, Applicant{AccountID: a.ID, Username: a.Username, Application: app})
			}
		}
	}
	return applicants, nil
}

// ListIpoTransactions returns the allotment audit trail for a stock.
// Bankers and administrators only.
func (s *Service) ListIpoTransactions(ctx context.Context, caller Caller, stockRef string) ([]model.IpoTransaction, error) {
	if err := access.Check(caller.Role, access.ViewLedger); err != nil {
		return nil, err
	}
	stockID, err := s.resolveStock(ctx, stockRef)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListIpoTransactions(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []model.IpoTransaction{}
	}
	return records, nil
}

func pendingApplication(a *model.Account, stockID string) int {
	for i, app := range a.IpoApplications {
		if app.StockID == stockID && app.Status == model.ApplicationPending {
			return i
		}
	}
	return -1
}
