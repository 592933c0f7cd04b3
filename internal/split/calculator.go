// Package split computes how a gross payment is divided between the
// platform, the vendor and an optional referring affiliate.
package split

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"settlement-service/internal/models"
)

var ErrInvalidAmount = errors.New("invalid gross amount")

// Share is one role's cut, as a fraction of the gross (0.05 == 5%).
type Share struct {
	Role     models.Role
	Fraction decimal.Decimal
}

// Policy holds the share tables used with and without an affiliate. The
// company entry of each table is informational: the company always receives
// whatever the other roles do not.
type Policy struct {
	Name     string
	Direct   []Share
	Referred []Share
}

func pct(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

var ProductSale = Policy{
	Name: "product_sale",
	Direct: []Share{
		{Role: models.RoleCompany, Fraction: pct("0.05")},
		{Role: models.RoleVendor, Fraction: pct("0.95")},
	},
	Referred: []Share{
		{Role: models.RoleCompany, Fraction: pct("0.05")},
		{Role: models.RoleVendor, Fraction: pct("0.90")},
		{Role: models.RoleAffiliate, Fraction: pct("0.05")},
	},
}

var RegistrationFee = Policy{
	Name: "registration_fee",
	Direct: []Share{
		{Role: models.RoleCompany, Fraction: pct("1")},
	},
	Referred: []Share{
		{Role: models.RoleCompany, Fraction: pct("0.50")},
		{Role: models.RoleAffiliate, Fraction: pct("0.50")},
	},
}

// PolicyFor returns the policy applied to a transaction kind.
func PolicyFor(kind models.TransactionKind) (Policy, error) {
	switch kind {
	case models.KindProductSale:
		return ProductSale, nil
	case models.KindRegistrationFee:
		return RegistrationFee, nil
	}
	return Policy{}, fmt.Errorf("no split policy for kind %q", kind)
}

func (p Policy) table(hasAffiliate bool) []Share {
	if hasAffiliate {
		return p.Referred
	}
	return p.Direct
}

// Fraction returns the configured fraction for role, or zero.
func (p Policy) Fraction(role models.Role, hasAffiliate bool) decimal.Decimal {
	for _, s := range p.table(hasAffiliate) {
		if s.Role == role {
			return s.Fraction
		}
	}
	return decimal.Zero
}

// Allocation is one role's computed amount.
type Allocation struct {
	Role   models.Role
	Amount decimal.Decimal
}

type Result struct {
	Gross       decimal.Decimal
	Allocations []Allocation
}

// Amount returns the allocation for role, zero when the role takes no part.
func (r Result) Amount(role models.Role) decimal.Decimal {
	for _, a := range r.Allocations {
		if a.Role == role {
			return a.Amount
		}
	}
	return decimal.Zero
}

func (r Result) Has(role models.Role) bool {
	for _, a := range r.Allocations {
		if a.Role == role {
			return true
		}
	}
	return false
}

type Calculator struct {
	places int32
}

// NewCalculator rounds every non-company share to places decimal digits.
func NewCalculator(places int32) *Calculator {
	return &Calculator{places: places}
}

func (c *Calculator) Places() int32 {
	return c.places
}

// Compute divides gross according to policy. Vendor and affiliate shares are
// rounded half-up to the minor unit; the company share is the remainder, so
// the allocations always sum to gross exactly.
func (c *Calculator) Compute(policy Policy, gross decimal.Decimal, hasAffiliate bool) (Result, error) {
	if !gross.IsPositive() {
		return Result{}, fmt.Errorf("%w: %s must be greater than zero", ErrInvalidAmount, gross)
	}
	if !gross.Equal(gross.Round(c.places)) {
		return Result{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, gross, c.places)
	}

	table := policy.table(hasAffiliate)
	res := Result{Gross: gross, Allocations: make([]Allocation, 0, len(table))}
	company := gross
	vendorIdx := -1
	for _, share := range table {
		if share.Role == models.RoleCompany {
			continue
		}
		amount := gross.Mul(share.Fraction).Round(c.places)
		company = company.Sub(amount)
		if share.Role == models.RoleVendor {
			vendorIdx = len(res.Allocations)
		}
		res.Allocations = append(res.Allocations, Allocation{Role: share.Role, Amount: amount})
	}

	if company.IsNegative() && vendorIdx >= 0 {
		res.Allocations[vendorIdx].Amount = res.Allocations[vendorIdx].Amount.Add(company)
		company = decimal.Zero
	}

	res.Allocations = append([]Allocation{{Role: models.RoleCompany, Amount: company}}, res.Allocations...)
	return res, nil
}
