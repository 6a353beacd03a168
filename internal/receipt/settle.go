package receipt

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NoPayerDirection is the transfer direction when no payer was chosen.
const NoPayerDirection = "no payer specified"

// Totals are the summed prices per assignee bucket.
type Totals struct {
	A      decimal.Decimal
	B      decimal.Decimal
	Shared decimal.Decimal
}

// Add puts price into the bucket for assignee.
func (t *Totals) Add(a Assignee, price decimal.Decimal) {
	switch a {
	case AssigneeA:
		t.A = t.A.Add(price)
	case AssigneeB:
		t.B = t.B.Add(price)
	case AssigneeShared:
		t.Shared = t.Shared.Add(price)
	}
}

// Settle computes the settlement for the given totals.
//
// The non-payer owes their own items plus half of the shared items:
//
//	payer a: transfer = B + half(shared), direction "B → A"
//	payer b: transfer = A + half(shared), direction "A → B"
//	none:    transfer = 0, direction "no payer specified"
func Settle(t Totals, payer Person, names Names) Aggregation {
	agg := Aggregation{
		TotalA:         RoundPrice(t.A),
		TotalB:         RoundPrice(t.B),
		TotalShared:    RoundPrice(t.Shared),
		TransferAmount: decimal.Zero,
	}
	agg.GrandTotal = agg.TotalA.Add(agg.TotalB).Add(agg.TotalShared)

	half := Half(agg.TotalShared)
	switch payer {
	case PersonA:
		agg.TransferAmount = agg.TotalB.Add(half)
		agg.TransferDirection = fmt.Sprintf("%s → %s", names.B, names.A)
	case PersonB:
		agg.TransferAmount = agg.TotalA.Add(half)
		agg.TransferDirection = fmt.Sprintf("%s → %s", names.A, names.B)
	default:
		agg.TransferDirection = NoPayerDirection
	}
	return agg
}
