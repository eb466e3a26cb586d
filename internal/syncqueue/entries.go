package syncqueue

import (
	"time"

	"github.com/kislikjeka/gatekeeper/internal/audit"
	"github.com/kislikjeka/gatekeeper/internal/deal"
)

// IngestEntries builds the entries of an ingestion: the header upsert, then
// both detail sets and the audit row, each waiting for the header
func IngestEntries(t *deal.Transaction, e *audit.Entry, now time.Time) ([]*Entry, error) {
	headerKey := HeaderKey(t.ID)

	hdr, err := NewEntry(OpUpsert, &HeaderPayload{Header: t.HeaderOnly()}, "", now)
	if err != nil {
		return nil, err
	}
	fixed, err := NewEntry(OpReplace, &FixedCostsPayload{TransactionID: t.ID, Lines: t.FixedCosts}, headerKey, now)
	if err != nil {
		return nil, err
	}
	recurring, err := NewEntry(OpReplace, &RecurringServicesPayload{TransactionID: t.ID, Lines: t.RecurringServices}, headerKey, now)
	if err != nil {
		return nil, err
	}
	auditEntry, err := NewEntry(OpInsert, &AuditPayload{Entry: e}, headerKey, now)
	if err != nil {
		return nil, err
	}
	return []*Entry{hdr, fixed, recurring, auditEntry}, nil
}

// DecisionEntries builds the entries of a status change: the header update
// conditional on the expected prior status, and the audit row waiting for it
func DecisionEntries(t *deal.Transaction, expected deal.Status, e *audit.Entry, now time.Time) ([]*Entry, error) {
	hdr, err := NewEntry(OpUpdate, &HeaderPayload{Header: t.HeaderOnly(), ExpectedStatus: expected}, "", now)
	if err != nil {
		return nil, err
	}
	auditEntry, err := NewEntry(OpInsert, &AuditPayload{Entry: e}, HeaderKey(t.ID), now)
	if err != nil {
		return nil, err
	}
	return []*Entry{hdr, auditEntry}, nil
}
