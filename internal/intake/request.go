package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/pkg/money"
)

// AmountInput is a raw amount as read from the deal sheet
type AmountInput struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
}

// FixedCostInput is one parsed one-off cost line
type FixedCostInput struct {
	Category       string          `json:"category,omitempty"`
	ServiceType    string          `json:"service_type,omitempty"`
	Ticket         string          `json:"ticket,omitempty"`
	Location       string          `json:"location,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       AmountInput     `json:"unit_cost"`
	PeriodStart    int             `json:"period_start"`
	DurationMonths int             `json:"duration_months"`
}

// RecurringServiceInput is one parsed monthly service line
type RecurringServiceInput struct {
	ServiceType string          `json:"service_type,omitempty"`
	Note        string          `json:"note,omitempty"`
	Location    string          `json:"location,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       AmountInput     `json:"price"`
	UnitCost1   AmountInput     `json:"unit_cost_1"`
	UnitCost2   AmountInput     `json:"unit_cost_2"`
	Provider    string          `json:"provider,omitempty"`
}

// IngestRequest is what the spreadsheet parser hands over for one deal file.
// TransactionID is set only when a PENDING deal is re-ingested.
type IngestRequest struct {
	TransactionID       string                  `json:"transaction_id,omitempty"`
	BusinessUnit        string                  `json:"business_unit"`
	ClientName          string                  `json:"client_name"`
	CompanyID           string                  `json:"company_id,omitempty"`
	OrderID             string                  `json:"order_id,omitempty"`
	Salesman            string                  `json:"salesman,omitempty"`
	ExchangeRate        decimal.Decimal         `json:"exchange_rate"`
	MRC                 AmountInput             `json:"mrc"`
	NRC                 AmountInput             `json:"nrc"`
	ContractTermMonths  int                     `json:"contract_term_months"`
	CostOfCapitalAnnual decimal.Decimal         `json:"cost_of_capital_annual"`
	CommissionRate      decimal.Decimal         `json:"commission_rate"`
	FileName            string                  `json:"file_name"`
	FileFingerprint     string                  `json:"file_fingerprint,omitempty"`
	FixedCosts          []FixedCostInput        `json:"fixed_costs"`
	RecurringServices   []RecurringServiceInput `json:"recurring_services"`

	// KPI is the snapshot computed by the sheet itself; recomputed when absent
	KPI *deal.KPISnapshot `json:"kpi,omitempty"`
}

// converter turns sheet amounts into base-currency amounts, keeping the first error
type converter struct {
	rate decimal.Decimal
	err  error
}

func (c *converter) amount(field string, in AmountInput) money.Amount {
	if c.err != nil {
		return money.Amount{}
	}
	cur, err := money.ParseCurrency(in.Currency)
	if err != nil {
		c.err = fmt.Errorf("%s: %w", field, err)
		return money.Amount{}
	}
	a, err := money.Convert(in.Amount, cur, c.rate)
	if err != nil {
		c.err = fmt.Errorf("%s: %w", field, err)
	}
	return a
}

// build turns the request into a PENDING transaction with numbered lines
func (r *IngestRequest) build(id string, createdBy string, now time.Time) (*deal.Transaction, error) {
	bu, err := deal.ParseBusinessUnit(r.BusinessUnit)
	if err != nil {
		return nil, err
	}

	c := &converter{rate: r.ExchangeRate}
	t := &deal.Transaction{
		ID:                  id,
		BusinessUnit:        bu,
		ClientName:          strings.TrimSpace(r.ClientName),
		CompanyID:           strings.TrimSpace(r.CompanyID),
		OrderID:             strings.TrimSpace(r.OrderID),
		Salesman:            strings.TrimSpace(r.Salesman),
		ExchangeRate:        r.ExchangeRate,
		MRC:                 c.amount("mrc", r.MRC),
		NRC:                 c.amount("nrc", r.NRC),
		ContractTermMonths:  r.ContractTermMonths,
		CostOfCapitalAnnual: r.CostOfCapitalAnnual,
		CommissionRate:      r.CommissionRate,
		Status:              deal.StatusPending,
		FileName:            r.FileName,
		FileFingerprint:     r.FileFingerprint,
		CreatedBy:           createdBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	for i, f := range r.FixedCosts {
		t.FixedCosts = append(t.FixedCosts, deal.FixedCost{
			Category:       f.Category,
			ServiceType:    f.ServiceType,
			Ticket:         f.Ticket,
			Location:       f.Location,
			Quantity:       f.Quantity,
			UnitCost:       c.amount(fmt.Sprintf("fixed cost line %d unit cost", i+1), f.UnitCost),
			PeriodStart:    f.PeriodStart,
			DurationMonths: f.DurationMonths,
		})
	}
	for i, s := range r.RecurringServices {
		line := fmt.Sprintf("recurring line %d", i+1)
		t.RecurringServices = append(t.RecurringServices, deal.RecurringService{
			ServiceType: s.ServiceType,
			Note:        s.Note,
			Location:    s.Location,
			Quantity:    s.Quantity,
			Price:       c.amount(line+" price", s.Price),
			UnitCost1:   c.amount(line+" unit cost 1", s.UnitCost1),
			UnitCost2:   c.amount(line+" unit cost 2", s.UnitCost2),
			Provider:    s.Provider,
		})
	}
	if c.err != nil {
		return nil, c.err
	}

	t.NumberLines()
	return t, nil
}
