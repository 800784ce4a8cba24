// Package access holds the authorization table of the exchange: which
// account roles may perform which operations.
package access

import (
	"fmt"

	"github.com/atmx/stock-exchange/internal/model"
)

// Operation names an action subject to a role check.
type Operation string

const (
	// HoldTrade is required of both parties of a peer trade and of the
	// account trading against the market.
	HoldTrade   Operation = "hold_trade"
	SubmitTrade Operation = "submit_trade"
	RevertTrade Operation = "revert_trade"
	AllotShares Operation = "allot_shares"
	ApplyIPO    Operation = "apply_ipo"
	AllotIPO    Operation = "allot_ipo"
	ManageIPO   Operation = "manage_ipo"
	AdjustPrice Operation = "adjust_price"
	CreateStock Operation = "create_stock"
	ManageHouse Operation = "manage_broker_house"
	SetFactor   Operation = "set_manipulator"
	ViewLedger  Operation = "view_accounts"

	ManageAccounts Operation = "manage_accounts"
)

var (
	staff   = roles(model.RoleBanker, model.RoleAdmin)
	admin   = roles(model.RoleAdmin)
	anyRole = roles(model.RoleTrader, model.RoleJobber, model.RoleBanker, model.RoleAdmin)
)

// table maps each operation to the roles allowed to perform it.
var table = map[Operation]map[model.Role]bool{
	HoldTrade:   roles(model.RoleTrader),
	SubmitTrade: anyRole,
	RevertTrade: admin,
	AllotShares: staff,
	ApplyIPO:    staff,
	AllotIPO:    admin,
	ManageIPO:   admin,
	AdjustPrice: admin,
	CreateStock: admin,
	ManageHouse: admin,
	SetFactor:   admin,
	ViewLedger:  staff,

	ManageAccounts: admin,
}

// Allows reports whether role may perform op. Unknown operations are
// denied.
func Allows(role model.Role, op Operation) bool {
	return table[op][role]
}

// Check returns an error wrapping model.ErrUnauthorized when role may not
// perform op.
func Check(role model.Role, op Operation) error {
	if Allows(role, op) {
		return nil
	}
	return fmt.Errorf("%w: role %q may not %s", model.ErrUnauthorized, role, op)
}

func roles(rs ...model.Role) map[model.Role]bool {
	m := make(map[model.Role]bool, len(rs))
	for _, r := range rs {
		m[r] = true
	}
	return m
}
