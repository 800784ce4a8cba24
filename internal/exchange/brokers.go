package exchange

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/access"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/pricing"
	"github.com/atmx/stock-exchange/internal/store"
)

var hundred = decimal.NewFromInt(100)

// CreateBrokerHouse registers a broker house with a brokerage rate given
// as a percentage of trade value.
func (s *Service) CreateBrokerHouse(ctx context.Context, caller Caller, name string, brokerage decimal.Decimal) (*model.BrokerHouse, error) {
	const op = "create_broker_house"
	if err := access.Check(caller.Role, access.ManageHouse); err != nil {
		return nil, s.reject(op, err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, s.reject(op, fmt.Errorf("%w: broker house name is required", model.ErrInvalidInput))
	}
	if err := validBrokerage(brokerage); err != nil {
		return nil, s.reject(op, err)
	}

	b := &model.BrokerHouse{
		Name:          name,
		Brokerage:     brokerage,
		Jobbers:       []string{},
		FeesCollected: decimal.Zero,
	}
	err := s.atomic(ctx, op, []string{houseLock(name)}, func(tx store.Tx) error {
		return tx.CreateBrokerHouse(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("broker house created", "name", name, "brokerage", brokerage.String())
	return b, nil
}

// UpdateBrokerage changes a broker house's rate for future trades.
func (s *Service) UpdateBrokerage(ctx context.Context, caller Caller, name string, brokerage decimal.Decimal) (*model.BrokerHouse, error) {
	const op = "update_brokerage"
	if err := access.Check(caller.Role, access.ManageHouse); err != nil {
		return nil, s.reject(op, err)
	}
	if err := validBrokerage(brokerage); err != nil {
		return nil, s.reject(op, err)
	}
	name = strings.TrimSpace(name)

	var result *model.BrokerHouse
	err := s.atomic(ctx, op, []string{houseLock(name)}, func(tx store.Tx) error {
		b, err := tx.GetBrokerHouse(ctx, name)
		if err != nil {
			return err
		}
		b.Brokerage = brokerage
		result = b
		return tx.UpdateBrokerHouse(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("brokerage updated", "name", name, "brokerage", brokerage.String())
	return result, nil
}

// AssignJobber attaches a jobber account to a broker house, detaching it
// from any previous house.
func (s *Service) AssignJobber(ctx context.Context, caller Caller, house, accountRef string) (*model.BrokerHouse, error) {
	const op = "assign_jobber"
	if err := access.Check(caller.Role, access.ManageHouse); err != nil {
		return nil, s.reject(op, err)
	}
	house = strings.TrimSpace(house)
	accountID, err := s.resolveAccount(ctx, accountRef)
	if err != nil {
		return nil, s.reject(op, err)
	}
	current, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, s.reject(op, err)
	}

	var result *model.BrokerHouse
	keys := []string{houseLock(house), houseLock(current.BrokerHouse), accountLock(accountID)}
	err = s.atomic(ctx, op, keys, func(tx store.Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if a.Role != model.RoleJobber {
			return fmt.Errorf("%w: account %q is a %s, not a jobber", model.ErrInvalidInput, a.Username, a.Role)
		}
		if a.BrokerHouse != current.BrokerHouse {
			return fmt.Errorf("%w: account %s changed house concurrently", model.ErrConflict, a.ID)
		}
		b, err := tx.GetBrokerHouse(ctx, house)
		if err != nil {
			return err
		}

		if a.BrokerHouse != "" && a.BrokerHouse != b.Name {
			prev, err := tx.GetBrokerHouse(ctx, a.BrokerHouse)
			if err != nil {
				return err
			}
			prev.Jobbers = slices.DeleteFunc(prev.Jobbers, func(id string) bool { return id == a.ID })
			if err := tx.UpdateBrokerHouse(ctx, prev); err != nil {
				return err
			}
		}
		if !slices.Contains(b.Jobbers, a.ID) {
			b.Jobbers = append(b.Jobbers, a.ID)
		}
		a.BrokerHouse = b.Name
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		result = b
		return tx.UpdateBrokerHouse(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("jobber assigned", "house", house, "account", accountID)
	return result, nil
}

// GetBrokerHouse returns a broker house by name.
func (s *Service) GetBrokerHouse(ctx context.Context, name string) (*model.BrokerHouse, error) {
	return s.store.GetBrokerHouse(ctx, strings.TrimSpace(name))
}

// ListBrokerHouses returns every broker house.
func (s *Service) ListBrokerHouses(ctx context.Context) ([]model.BrokerHouse, error) {
	return s.store.ListBrokerHouses(ctx)
}

// SetManipulatorFactor changes the impact factor applied to future trades.
func (s *Service) SetManipulatorFactor(ctx context.Context, caller Caller, factor decimal.Decimal) error {
	const op = "set_manipulator"
	if err := access.Check(caller.Role, access.SetFactor); err != nil {
		return s.reject(op, err)
	}
	if _, err := pricing.NewImpactModel(factor); err != nil {
		return s.reject(op, fmt.Errorf("%w: %w", model.ErrInvalidInput, err))
	}
	err := s.atomic(ctx, op, []string{"settings"}, func(tx store.Tx) error {
		return tx.SetManipulatorFactor(ctx, factor)
	})
	if err != nil {
		return err
	}
	s.log.Info("manipulator factor set", "factor", factor.String())
	return nil
}

// ManipulatorFactor returns the configured factor, or the default when
// none has been set.
func (s *Service) ManipulatorFactor(ctx context.Context) (decimal.Decimal, error) {
	m, err := s.impactModel(ctx, s.store)
	if err != nil {
		return decimal.Zero, err
	}
	return m.Factor(), nil
}

func validBrokerage(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return fmt.Errorf("%w: brokerage must be between 0 and 100 percent, got %s", model.ErrInvalidInput, rate)
	}
	return nil
}
