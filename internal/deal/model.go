package deal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kislikjeka/gatekeeper/pkg/money"
)

// Status is the approval status of a deal
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Valid checks if the status is known
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status accepts no further transition
func (s Status) Terminal() bool {
	return s != StatusPending
}

// CanTransitionTo allows only PENDING -> {APPROVED, REJECTED, CANCELLED}
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.Valid() && next != StatusPending
}

// BusinessUnit is the commercial unit owning a deal; archives are grouped by it
type BusinessUnit string

const (
	BUGigalan     BusinessUnit = "GIGALAN"
	BUEstado      BusinessUnit = "ESTADO"
	BUCorporativo BusinessUnit = "CORPORATIVO"
	BUMayorista   BusinessUnit = "MAYORISTA"
)

// ParseBusinessUnit normalizes a business unit code
func ParseBusinessUnit(s string) (BusinessUnit, error) {
	switch bu := BusinessUnit(strings.ToUpper(strings.TrimSpace(s))); bu {
	case BUGigalan, BUEstado, BUCorporativo, BUMayorista:
		return bu, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBusinessUnit, s)
}

// Role is the acting user's role
type Role string

const (
	RoleSales       Role = "SALES"
	RoleFinance     Role = "FINANCE"
	RoleAdmin       Role = "ADMIN"
	RoleDeactivated Role = "DEACTIVATED"
)

// CanDecide reports whether the role may approve or reject deals
func (r Role) CanDecide() bool {
	return r == RoleFinance || r == RoleAdmin
}

// KPISnapshot holds the financial figures frozen when a deal is decided.
// All amounts are in the base currency.
type KPISnapshot struct {
	TotalRevenue          decimal.Decimal `json:"total_revenue"`
	TotalExpense          decimal.Decimal `json:"total_expense"`
	GrossMargin           decimal.Decimal `json:"gross_margin"`
	GrossMarginRatio      decimal.Decimal `json:"gross_margin_ratio"`
	NPV                   decimal.Decimal `json:"npv"`
	Commissions           decimal.Decimal `json:"commissions"`
	InstallationCost      decimal.Decimal `json:"installation_cost"`
	MonthlyRecurringCost  decimal.Decimal `json:"monthly_recurring_cost"`
	InstallationCostRatio decimal.Decimal `json:"installation_cost_ratio"`
	// PaybackMonths is -1 when the deal never pays back within its term
	PaybackMonths int `json:"payback_months"`
}

// IsZero reports whether no figure has been computed
func (k KPISnapshot) IsZero() bool {
	return k.TotalRevenue.IsZero() && k.TotalExpense.IsZero() && k.PaybackMonths == 0
}

// Transaction is the deal header. Exactly one exists per deal.
type Transaction struct {
	ID           string       `json:"id"`
	BusinessUnit BusinessUnit `json:"business_unit"`
	ClientName   string       `json:"client_name"`
	CompanyID    string       `json:"company_id,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
	Salesman     string       `json:"salesman,omitempty"`

	ExchangeRate        decimal.Decimal `json:"exchange_rate"`
	MRC                 money.Amount    `json:"mrc"`
	NRC                 money.Amount    `json:"nrc"`
	ContractTermMonths  int             `json:"contract_term_months"`
	CostOfCapitalAnnual decimal.Decimal `json:"cost_of_capital_annual"`
	CommissionRate      decimal.Decimal `json:"commission_rate"`

	Status          Status      `json:"approval_status"`
	FileName        string      `json:"file_name"`
	FileFingerprint string      `json:"file_fingerprint"`
	ArchivedPath    string      `json:"archived_path,omitempty"`
	KPI             KPISnapshot `json:"kpi"`
	RejectionNote   string      `json:"rejection_note,omitempty"`

	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// Details are loaded together with the header; never serialized with it
	FixedCosts        []FixedCost        `json:"-"`
	RecurringServices []RecurringService `json:"-"`
}

// Revision identifies one stored version of a PENDING header. A re-ingest
// replaces both the fingerprint and the update time.
type Revision struct {
	Fingerprint string
	UpdatedAt   time.Time
}

// Revision returns the version of the header as it was loaded
func (t *Transaction) Revision() Revision {
	return Revision{Fingerprint: t.FileFingerprint, UpdatedAt: t.UpdatedAt}
}

// HeaderOnly returns a copy without detail lines
func (t *Transaction) HeaderOnly() *Transaction {
	c := *t
	c.FixedCosts = nil
	c.RecurringServices = nil
	return &c
}

// Validate checks the header fields
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return ErrMissingID
	}
	if _, err := ParseBusinessUnit(string(t.BusinessUnit)); err != nil {
		return err
	}
	if strings.TrimSpace(t.ClientName) == "" {
		return ErrMissingClient
	}
	if !t.Status.Valid() {
		return ErrInvalidStatus
	}
	if t.ContractTermMonths <= 0 {
		return ErrInvalidTerm
	}
	if t.ExchangeRate.IsNegative() {
		return ErrNegativeAmount
	}
	if t.MRC.Original.IsNegative() || t.NRC.Original.IsNegative() {
		return ErrNegativeAmount
	}
	if t.CommissionRate.IsNegative() || t.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return ErrInvalidCommissionRate
	}
	if t.FileName == "" {
		return ErrMissingFile
	}
	if t.FileFingerprint == "" {
		return ErrMissingFingerprint
	}
	for i := range t.FixedCosts {
		if err := t.FixedCosts[i].Validate(); err != nil {
			return fmt.Errorf("fixed cost line %d: %w", t.FixedCosts[i].Line, err)
		}
	}
	for i := range t.RecurringServices {
		if err := t.RecurringServices[i].Validate(); err != nil {
			return fmt.Errorf("recurring service line %d: %w", t.RecurringServices[i].Line, err)
		}
	}
	return nil
}

// FixedCost is a one-off cost line of a deal
type FixedCost struct {
	TransactionID  string          `json:"transaction_id"`
	Line           int             `json:"line"`
	Category       string          `json:"category,omitempty"`
	ServiceType    string          `json:"service_type,omitempty"`
	Ticket         string          `json:"ticket,omitempty"`
	Location       string          `json:"location,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       money.Amount    `json:"unit_cost"`
	PeriodStart    int             `json:"period_start"`
	DurationMonths int             `json:"duration_months"`
}

// Total is quantity times the base-currency unit cost
func (f FixedCost) Total() decimal.Decimal {
	return f.Quantity.Mul(f.UnitCost.Base)
}

// Validate checks the line
func (f FixedCost) Validate() error {
	if f.Quantity.IsNegative() || f.UnitCost.Original.IsNegative() {
		return ErrNegativeAmount
	}
	if f.PeriodStart < 0 || f.DurationMonths < 0 {
		return ErrInvalidTerm
	}
	return nil
}

// RecurringService is a monthly service line of a deal
type RecurringService struct {
	TransactionID string          `json:"transaction_id"`
	Line          int             `json:"line"`
	ServiceType   string          `json:"service_type,omitempty"`
	Note          string          `json:"note,omitempty"`
	Location      string          `json:"location,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         money.Amount    `json:"price"`
	UnitCost1     money.Amount    `json:"unit_cost_1"`
	UnitCost2     money.Amount    `json:"unit_cost_2"`
	Provider      string          `json:"provider,omitempty"`
}

// MonthlyRevenue is quantity times the base-currency price
func (r RecurringService) MonthlyRevenue() decimal.Decimal {
	return r.Quantity.Mul(r.Price.Base)
}

// MonthlyCost is quantity times both base-currency unit costs
func (r RecurringService) MonthlyCost() decimal.Decimal {
	return r.Quantity.Mul(r.UnitCost1.Base.Add(r.UnitCost2.Base))
}

// Validate checks the line
func (r RecurringService) Validate() error {
	if r.Quantity.IsNegative() || r.Price.Original.IsNegative() ||
		r.UnitCost1.Original.IsNegative() || r.UnitCost2.Original.IsNegative() {
		return ErrNegativeAmount
	}
	return nil
}

// NumberLines assigns 1-based line numbers and the parent id to every detail line
func (t *Transaction) NumberLines() {
	for i := range t.FixedCosts {
		t.FixedCosts[i].TransactionID = t.ID
		t.FixedCosts[i].Line = i + 1
	}
	for i := range t.RecurringServices {
		t.RecurringServices[i].TransactionID = t.ID
		t.RecurringServices[i].Line = i + 1
	}
}
