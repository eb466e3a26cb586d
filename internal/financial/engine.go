// Package financial computes the KPI snapshot frozen on a deal when it is decided.
// It is pure: no I/O, no clock.
package financial

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kislikjeka/gatekeeper/internal/deal"
)

var (
	one    = decimal.NewFromInt(1)
	twelve = decimal.NewFromInt(12)
)

// Engine computes deal KPIs
type Engine struct{}

// NewEngine creates a new financial engine
func NewEngine() *Engine {
	return &Engine{}
}

// Compute derives the KPI snapshot from the header and its detail lines.
//
//	total_revenue = NRC + MRC * term
//	total_expense = commissions + installation + monthly_cost * term
//	gross_margin  = total_revenue - total_expense
//
// NPV discounts monthly cash flows at cost_of_capital/12. Fixed cost lines
// fall on their period_start month (0 is upfront).
func (e *Engine) Compute(tx *deal.Transaction) (deal.KPISnapshot, error) {
	if tx.ContractTermMonths <= 0 {
		return deal.KPISnapshot{}, fmt.Errorf("compute kpi for %s: %w", tx.ID, deal.ErrInvalidTerm)
	}
	term := decimal.NewFromInt(int64(tx.ContractTermMonths))

	revenue := tx.NRC.Base.Add(tx.MRC.Base.Mul(term))
	commissions := revenue.Mul(tx.CommissionRate)

	installation := decimal.Zero
	fixedByMonth := make(map[int]decimal.Decimal)
	for _, fc := range tx.FixedCosts {
		total := fc.Total()
		installation = installation.Add(total)
		fixedByMonth[fc.PeriodStart] = fixedByMonth[fc.PeriodStart].Add(total)
	}

	monthlyCost := decimal.Zero
	for _, rs := range tx.RecurringServices {
		monthlyCost = monthlyCost.Add(rs.MonthlyCost())
	}

	expense := commissions.Add(installation).Add(monthlyCost.Mul(term))
	margin := revenue.Sub(expense)

	kpi := deal.KPISnapshot{
		TotalRevenue:         revenue.Round(2),
		TotalExpense:         expense.Round(2),
		GrossMargin:          margin.Round(2),
		Commissions:          commissions.Round(2),
		InstallationCost:     installation.Round(2),
		MonthlyRecurringCost: monthlyCost.Round(2),
		PaybackMonths:        -1,
	}
	if !revenue.IsZero() {
		kpi.GrossMarginRatio = margin.Div(revenue).Round(4)
		kpi.InstallationCostRatio = installation.Div(revenue).Round(4)
	}

	flows := cashFlows(tx, commissions, monthlyCost, fixedByMonth)
	kpi.NPV = npv(flows, tx.CostOfCapitalAnnual.Div(twelve)).Round(2)
	kpi.PaybackMonths = payback(flows)

	return kpi, nil
}

func cashFlows(tx *deal.Transaction, commissions, monthlyCost decimal.Decimal, fixedByMonth map[int]decimal.Decimal) []decimal.Decimal {
	flows := make([]decimal.Decimal, tx.ContractTermMonths+1)
	flows[0] = tx.NRC.Base.Sub(commissions)
	monthly := tx.MRC.Base.Sub(monthlyCost)
	for m := 1; m <= tx.ContractTermMonths; m++ {
		flows[m] = monthly
	}
	for m, amount := range fixedByMonth {
		if m > tx.ContractTermMonths {
			m = tx.ContractTermMonths
		}
		flows[m] = flows[m].Sub(amount)
	}
	return flows
}

func npv(flows []decimal.Decimal, monthlyRate decimal.Decimal) decimal.Decimal {
	factor := one.Add(monthlyRate)
	if factor.Sign() <= 0 {
		factor = one
	}
	total := decimal.Zero
	discount := one
	for _, f := range flows {
		total = total.Add(f.Div(discount))
		discount = discount.Mul(factor)
	}
	return total
}

// payback returns the first month the cumulative cash flow is non-negative
// after having been negative, 0 if it never goes negative, -1 if it never recovers
func payback(flows []decimal.Decimal) int {
	cumulative := decimal.Zero
	wentNegative := false
	for m, f := range flows {
		cumulative = cumulative.Add(f)
		if cumulative.IsNegative() {
			wentNegative = true
			continue
		}
		if wentNegative {
			return m
		}
	}
	if wentNegative {
		return -1
	}
	return 0
}
