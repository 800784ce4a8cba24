package exchange

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/access"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/store"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// CreateAccountRequest is the input for account registration.
type CreateAccountRequest struct {
	Username string     `json:"username"`
	Role     model.Role `json:"role,omitempty"`
}

// CreateAccount registers an account with the default balance. Anyone may
// register a trader; other roles need an administrator caller.
func (s *Service) CreateAccount(ctx context.Context, caller *Caller, req CreateAccountRequest) (*model.Account, error) {
	if req.Role == "" {
		req.Role = model.RoleTrader
	}
	if !req.Role.Valid() {
		return nil, s.reject("create_account", fmt.Errorf("%w: unknown role %q", model.ErrInvalidInput, req.Role))
	}
	if req.Role != model.RoleTrader {
		if caller == nil {
			return nil, s.reject("create_account", fmt.Errorf("%w: only administrators may create %s accounts", model.ErrUnauthorized, req.Role))
		}
		if err := access.Check(caller.Role, access.ManageAccounts); err != nil {
			return nil, s.reject("create_account", err)
		}
	}
	return s.createAccount(ctx, req.Username, req.Role)
}

// EnsureAccount returns the account named username, creating it with role
// if absent. Used at startup to provision the first administrator.
func (s *Service) EnsureAccount(ctx context.Context, username string, role model.Role) (*model.Account, error) {
	if a, err := s.store.GetAccountByUsername(ctx, strings.TrimSpace(username)); err == nil {
		return a, nil
	}
	return s.createAccount(ctx, username, role)
}

func (s *Service) createAccount(ctx context.Context, username string, role model.Role) (*model.Account, error) {
	username = strings.TrimSpace(username)
	if !usernameRegex.MatchString(username) {
		return nil, s.reject("create_account", fmt.Errorf("%w: username must match %s", model.ErrInvalidInput, usernameRegex))
	}

	a := &model.Account{
		ID:              newID(),
		Username:        username,
		Balance:         s.balance,
		Role:            role,
		Portfolio:       []model.Position{},
		IpoApplications: []model.IpoApplication{},
		CreatedAt:       s.now(),
	}
	err := s.atomic(ctx, "create_account", []string{"username:" + username}, func(tx store.Tx) error {
		return tx.CreateAccount(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("account created", "id", a.ID, "username", a.Username, "role", a.Role)
	return a, nil
}

// GetAccount returns the account by ID or username.
func (s *Service) GetAccount(ctx context.Context, ref string) (*model.Account, error) {
	id, err := s.resolveAccount(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, id)
}

// ListAccounts returns every account. Bankers and administrators only.
func (s *Service) ListAccounts(ctx context.Context, caller Caller) ([]model.Account, error) {
	if err := access.Check(caller.Role, access.ViewLedger); err != nil {
		return nil, err
	}
	return s.store.ListAccounts(ctx)
}

// LeaderboardEntry ranks a trader by net worth.
type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	AccountID     string          `json:"account_id"`
	Username      string          `json:"username"`
	Balance       decimal.Decimal `json:"balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	NetWorth      decimal.Decimal `json:"net_worth"`
}

// Leaderboard ranks traders by cash plus holdings marked at the current
// reference price. Escrowed IPO funds are not counted.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(stocks))
	for _, st := range stocks {
		if st.CurrentPrice.Valid {
			prices[st.ID] = st.CurrentPrice.Decimal
		}
	}

	var board []LeaderboardEntry
	for _, a := range accounts {
		if a.Role != model.RoleTrader {
			continue
		}
		holdings := decimal.Zero
		for _, p := range a.Portfolio {
			holdings = holdings.Add(prices[p.StockID].Mul(decimal.NewFromInt(p.Quantity)))
		}
		board = append(board, LeaderboardEntry{
			AccountID:     a.ID,
			Username:      a.Username,
			Balance:       a.Balance,
			HoldingsValue: holdings.Round(2),
			NetWorth:      a.Balance.Add(holdings).Round(2),
		})
	}

	sort.SliceStable(board, func(i, j int) bool {
		return board[i].NetWorth.GreaterThan(board[j].NetWorth)
	})
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}
	for i := range board {
		board[i].Rank = i + 1
	}
	return board, nil
}
