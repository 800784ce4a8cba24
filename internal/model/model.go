// Package model defines the core ledger types shared across the exchange.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleTrader Role = "trader"
	RoleJobber Role = "jobber"
	RoleBanker Role = "banker"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleTrader, RoleJobber, RoleBanker, RoleAdmin:
		return true
	}
	return false
}

// StockStatus is the lifecycle state of a stock.
type StockStatus string

const (
	StatusUpcoming StockStatus = "UPCOMING"
	StatusIPO      StockStatus = "IPO"
	StatusListed   StockStatus = "LISTED"
)

// ApplicationStatus is the state of one IPO application.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "PENDING"
	ApplicationAllotted ApplicationStatus = "ALLOTTED"
	ApplicationRejected ApplicationStatus = "REJECTED"
)

// TradeKind distinguishes bilateral trades from trades against the market.
type TradeKind string

const (
	TradePeer   TradeKind = "peer"
	TradeMarket TradeKind = "market"
)

// Position is one holding embedded in an account. The entry is removed
// from the portfolio when Quantity reaches zero.
type Position struct {
	StockID         string          `json:"stock_id"`
	Quantity        int64           `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
}

// IpoApplication is a subscription request embedded in the applicant's
// account. TotalApplicationPrice is the escrowed amount still held.
type IpoApplication struct {
	ID                    string            `json:"id"`
	StockID               string            `json:"stock_id"`
	Lots                  int64             `json:"lots"`
	ApplicationPrice      decimal.Decimal   `json:"application_price"`
	TotalApplicationPrice decimal.Decimal   `json:"total_application_price"`
	Status                ApplicationStatus `json:"status"`
	AllottedUnits         int64             `json:"allotted_units"`
	AppliedAt             time.Time         `json:"applied_at"`
}

// Account is a participant on the exchange.
type Account struct {
	ID              string           `json:"id"`
	Username        string           `json:"username"`
	Balance         decimal.Decimal  `json:"balance"`
	Role            Role             `json:"role"`
	BrokerHouse     string           `json:"broker_house,omitempty"` // jobbers only
	Portfolio       []Position       `json:"portfolio"`
	IpoApplications []IpoApplication `json:"ipo_applications"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored slices.
func (a *Account) Clone() *Account {
	c := *a
	c.Portfolio = append([]Position(nil), a.Portfolio...)
	c.IpoApplications = append([]IpoApplication(nil), a.IpoApplications...)
	return &c
}

// IpoDetails holds the subscription terms of a stock going public.
type IpoDetails struct {
	IssuePrice        decimal.Decimal `json:"issue_price"`
	MinLotSize        int64           `json:"min_lot_size"`
	SubscriptionStart *time.Time      `json:"subscription_start,omitempty"`
	SubscriptionEnd   *time.Time      `json:"subscription_end,omitempty"`
	ListingDate       *time.Time      `json:"listing_date,omitempty"`
	AllottedUnits     int64           `json:"allotted_units"`
}

// Stock is an issued security. CurrentPrice and PreviousClose are invalid
// only until the stock is listed.
type Stock struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	CurrentPrice   decimal.NullDecimal `json:"current_price"`
	PreviousClose  decimal.NullDecimal `json:"previous_close"`
	AvailableUnits int64               `json:"available_units"`
	TotalUnits     int64               `json:"total_units"`
	Status         StockStatus         `json:"status"`
	IPO            *IpoDetails         `json:"ipo,omitempty"`
	Version        int64               `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Clone returns a deep copy of the stock.
func (s *Stock) Clone() *Stock {
	c := *s
	if s.IPO != nil {
		ipo := *s.IPO
		c.IPO = &ipo
	}
	return &c
}

// PositionSnapshot records a party's holding before a trade so the trade
// can be reverted. Held is false when the party had no position.
type PositionSnapshot struct {
	Held            bool            `json:"held"`
	Quantity        int64           `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
}

// Transaction is an immutable record of an executed trade. SellerID or
// BuyerID is empty when the counterparty is the market.
type Transaction struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id,omitempty"`
	Kind          TradeKind       `json:"kind"`
	SellerID      string          `json:"seller_id,omitempty"`
	BuyerID       string          `json:"buyer_id,omitempty"`
	StockID       string          `json:"stock_id"`
	Units         int64           `json:"units"`
	Price         decimal.Decimal `json:"price"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	Fee           decimal.Decimal `json:"fee"`
	BrokerHouse   string          `json:"broker_house,omitempty"`
	BrokerageRate decimal.Decimal `json:"brokerage_rate"`
	BankerID      string          `json:"banker_id"`

	// Reversal snapshot.
	PriceBefore         decimal.Decimal     `json:"price_before"`
	PreviousCloseBefore decimal.NullDecimal `json:"previous_close_before"`
	PriceAfter          decimal.Decimal     `json:"price_after"`
	AvailableBefore     int64               `json:"available_before"`
	SellerBefore        PositionSnapshot    `json:"seller_before"`
	BuyerBefore         PositionSnapshot    `json:"buyer_before"`

	CreatedAt time.Time `json:"created_at"`
}

// IpoTransaction is the audit record of one IPO allotment.
type IpoTransaction struct {
	ID            string            `json:"id"`
	AccountID     string            `json:"account_id"`
	StockID       string            `json:"stock_id"`
	AdminID       string            `json:"admin_id"`
	Lots          int64             `json:"lots"`
	AllottedUnits int64             `json:"allotted_units"`
	PricePerUnit  decimal.Decimal   `json:"price_per_unit"`
	TotalPrice    decimal.Decimal   `json:"total_price"`
	Status        ApplicationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

// BrokerHouse groups jobbers and sets the brokerage rate (percent of
// trade value) charged to both sides of a peer trade.
type BrokerHouse struct {
	Name          string          `json:"name"`
	Brokerage     decimal.Decimal `json:"brokerage"`
	Jobbers       []string        `json:"jobbers"`
	FeesCollected decimal.Decimal `json:"fees_collected"`
}

// Clone returns a deep copy of the broker house.
func (b *BrokerHouse) Clone() *BrokerHouse {
	c := *b
	c.Jobbers = append([]string(nil), b.Jobbers...)
	return &c
}
