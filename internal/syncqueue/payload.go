package syncqueue

import (
	"encoding/json"
	"fmt"

	"github.com/kislikjeka/gatekeeper/internal/audit"
	"github.com/kislikjeka/gatekeeper/internal/deal"
)

// Payload is the closed set of row shapes that cross the sync boundary.
// Each variant names its table and the operations it may be sent with.
type Payload interface {
	Table() Table
	EntityID() string
	Validate() error

	allows(Operation) bool
	priority() int
}

// HeaderPayload carries a deal header.
//
// Sent as upsert at ingestion. Sent as update when a decision is taken, in
// which case ExpectedStatus is the status the remote row must still have
// (or already have moved to Header.Status) for the write to apply.
type HeaderPayload struct {
	Header         *deal.Transaction `json:"header"`
	ExpectedStatus deal.Status       `json:"expected_status,omitempty"`
}

func (p *HeaderPayload) Table() Table { return TableTransactions }

func (p *HeaderPayload) EntityID() string {
	if p.Header == nil {
		return ""
	}
	return p.Header.ID
}

func (p *HeaderPayload) Validate() error {
	if p.Header == nil || p.Header.ID == "" {
		return fmt.Errorf("%w: header payload without id", ErrInvalidPayload)
	}
	if !p.Header.Status.Valid() {
		return fmt.Errorf("%w: header status %q", ErrInvalidPayload, p.Header.Status)
	}
	if p.ExpectedStatus != "" && !p.ExpectedStatus.CanTransitionTo(p.Header.Status) {
		return fmt.Errorf("%w: %s -> %s", deal.ErrInvalidTransition, p.ExpectedStatus, p.Header.Status)
	}
	return nil
}

func (p *HeaderPayload) allows(op Operation) bool {
	if op == OpUpdate {
		return p.ExpectedStatus != ""
	}
	return op == OpUpsert
}

func (p *HeaderPayload) priority() int { return PriorityHeader }

// FixedCostsPayload carries the complete one-off cost line set of a deal.
// Replace semantics: the remote set is swapped for this one atomically.
type FixedCostsPayload struct {
	TransactionID string           `json:"transaction_id"`
	Lines         []deal.FixedCost `json:"lines"`
}

func (p *FixedCostsPayload) Table() Table     { return TableFixedCosts }
func (p *FixedCostsPayload) EntityID() string { return p.TransactionID }

func (p *FixedCostsPayload) Validate() error {
	if p.TransactionID == "" {
		return fmt.Errorf("%w: fixed costs without transaction id", ErrInvalidPayload)
	}
	for _, l := range p.Lines {
		if l.TransactionID != p.TransactionID {
			return fmt.Errorf("%w: fixed cost line %d belongs to %q", ErrInvalidPayload, l.Line, l.TransactionID)
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: fixed cost line %d: %v", ErrInvalidPayload, l.Line, err)
		}
	}
	return nil
}

func (p *FixedCostsPayload) allows(op Operation) bool { return op == OpReplace }
func (p *FixedCostsPayload) priority() int            { return PriorityDetail }

// RecurringServicesPayload carries the complete recurring line set of a deal
type RecurringServicesPayload struct {
	TransactionID string                  `json:"transaction_id"`
	Lines         []deal.RecurringService `json:"lines"`
}

func (p *RecurringServicesPayload) Table() Table     { return TableRecurringServices }
func (p *RecurringServicesPayload) EntityID() string { return p.TransactionID }

func (p *RecurringServicesPayload) Validate() error {
	if p.TransactionID == "" {
		return fmt.Errorf("%w: recurring services without transaction id", ErrInvalidPayload)
	}
	for _, l := range p.Lines {
		if l.TransactionID != p.TransactionID {
			return fmt.Errorf("%w: recurring line %d belongs to %q", ErrInvalidPayload, l.Line, l.TransactionID)
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: recurring line %d: %v", ErrInvalidPayload, l.Line, err)
		}
	}
	return nil
}

func (p *RecurringServicesPayload) allows(op Operation) bool { return op == OpReplace }
func (p *RecurringServicesPayload) priority() int            { return PriorityDetail }

// AuditPayload carries one audit entry. Insert only; replays are ignored remotely.
type AuditPayload struct {
	Entry *audit.Entry `json:"entry"`
}

func (p *AuditPayload) Table() Table { return TableAuditLog }

func (p *AuditPayload) EntityID() string {
	if p.Entry == nil {
		return ""
	}
	return p.Entry.ID.String()
}

func (p *AuditPayload) Validate() error {
	if p.Entry == nil || p.Entry.Action == "" || p.Entry.EntityID == "" {
		return fmt.Errorf("%w: incomplete audit entry", ErrInvalidPayload)
	}
	return nil
}

func (p *AuditPayload) allows(op Operation) bool { return op == OpInsert }
func (p *AuditPayload) priority() int            { return PriorityAudit }

type envelope struct {
	Table Table           `json:"table"`
	Data  json.RawMessage `json:"data"`
}

// EncodePayload serializes a payload into its tagged envelope
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Table(), err)
	}
	return json.Marshal(envelope{Table: p.Table(), Data: data})
}

// DecodePayload restores the payload variant named by the envelope tag
func DecodePayload(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var p Payload
	switch env.Table {
	case TableTransactions:
		p = &HeaderPayload{}
	case TableFixedCosts:
		p = &FixedCostsPayload{}
	case TableRecurringServices:
		p = &RecurringServicesPayload{}
	case TableAuditLog:
		p = &AuditPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, env.Table)
	}

	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
