package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/kislikjeka/gatekeeper/internal/audit"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
	"github.com/kislikjeka/gatekeeper/pkg/money"
)

var _ syncqueue.Remote = (*Remote)(nil)

const transactionColumns = `
	id, business_unit, client_name, company_id, order_id, salesman,
	exchange_rate, mrc_original, mrc_currency, mrc_base, nrc_original, nrc_currency, nrc_base,
	contract_term_months, cost_of_capital_annual, commission_rate,
	approval_status, file_name, file_fingerprint, archived_path, kpi, rejection_note,
	created_by, created_at, updated_at, approved_at`

// Remote applies queued mutations to the PostgreSQL store of record. Every
// write is idempotent so an entry may be replayed after a lost reply.
type Remote struct {
	db     *DB
	logger *logger.Logger
}

// NewRemote creates a new remote store
func NewRemote(db *DB, log *logger.Logger) *Remote {
	return &Remote{db: db, logger: log.WithField("component", "remote")}
}

// Apply performs the entry's mutation
func (r *Remote) Apply(ctx context.Context, e *syncqueue.Entry) error {
	if e.Payload == nil {
		return fmt.Errorf("%w: entry %d has no readable payload", syncqueue.ErrInvalidPayload, e.ID)
	}

	var err error
	switch p := e.Payload.(type) {
	case *syncqueue.HeaderPayload:
		allowed := []string{string(deal.StatusPending)}
		if e.Operation == syncqueue.OpUpdate {
			allowed = []string{string(p.ExpectedStatus), string(p.Header.Status)}
		}
		err = r.writeHeader(ctx, p.Header, allowed)
	case *syncqueue.FixedCostsPayload:
		err = r.replaceDetails(ctx, p.TransactionID, func(b *pgx.Batch) error {
			return queueFixedCosts(b, p.TransactionID, p.Lines)
		})
	case *syncqueue.RecurringServicesPayload:
		err = r.replaceDetails(ctx, p.TransactionID, func(b *pgx.Batch) error {
			return queueRecurringServices(b, p.TransactionID, p.Lines)
		})
	case *syncqueue.AuditPayload:
		err = r.insertAudit(ctx, p.Entry)
	default:
		err = fmt.Errorf("%w: %s", syncqueue.ErrUnknownTable, e.Table)
	}
	if err != nil {
		r.logger.WithContext(ctx).Debug("remote apply failed",
			"entry_id", e.ID, "entity_key", e.EntityKey, "error", err.Error())
	}
	return classify(err)
}

// writeHeader inserts the header or rewrites it when the remote status is
// one of allowed. A row in any other status has diverged and wins.
func (r *Remote) writeHeader(ctx context.Context, t *deal.Transaction, allowed []string) error {
	kpi, err := json.Marshal(t.KPI)
	if err != nil {
		return fmt.Errorf("%w: kpi: %v", syncqueue.ErrInvalidPayload, err)
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (id) DO UPDATE SET
			business_unit = EXCLUDED.business_unit,
			client_name = EXCLUDED.client_name,
			company_id = EXCLUDED.company_id,
			order_id = EXCLUDED.order_id,
			salesman = EXCLUDED.salesman,
			exchange_rate = EXCLUDED.exchange_rate,
			mrc_original = EXCLUDED.mrc_original,
			mrc_currency = EXCLUDED.mrc_currency,
			mrc_base = EXCLUDED.mrc_base,
			nrc_original = EXCLUDED.nrc_original,
			nrc_currency = EXCLUDED.nrc_currency,
			nrc_base = EXCLUDED.nrc_base,
			contract_term_months = EXCLUDED.contract_term_months,
			cost_of_capital_annual = EXCLUDED.cost_of_capital_annual,
			commission_rate = EXCLUDED.commission_rate,
			approval_status = EXCLUDED.approval_status,
			file_name = EXCLUDED.file_name,
			file_fingerprint = EXCLUDED.file_fingerprint,
			archived_path = EXCLUDED.archived_path,
			kpi = EXCLUDED.kpi,
			rejection_note = EXCLUDED.rejection_note,
			updated_at = EXCLUDED.updated_at,
			approved_at = EXCLUDED.approved_at
		WHERE transactions.approval_status = ANY($27)
	`

	tag, err := r.db.Exec(ctx, query,
		t.ID, string(t.BusinessUnit), t.ClientName, t.CompanyID, t.OrderID, t.Salesman,
		t.ExchangeRate.String(),
		t.MRC.Original.String(), string(t.MRC.Currency), t.MRC.Base.String(),
		t.NRC.Original.String(), string(t.NRC.Currency), t.NRC.Base.String(),
		t.ContractTermMonths, t.CostOfCapitalAnnual.String(), t.CommissionRate.String(),
		string(t.Status), t.FileName, t.FileFingerprint, t.ArchivedPath, kpi, t.RejectionNote,
		t.CreatedBy, t.CreatedAt, t.UpdatedAt, t.ApprovedAt,
		allowed,
	)
	if err != nil {
		return fmt.Errorf("failed to write transaction %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s is not in %v remotely", syncqueue.ErrConflict, t.ID, allowed)
	}
	return nil
}

// replaceDetails swaps one detail set in a single remote transaction. The
// header row is locked so a concurrent decision cannot interleave.
func (r *Remote) replaceDetails(ctx context.Context, transactionID string, queue func(*pgx.Batch) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT approval_status FROM transactions WHERE id = $1 FOR UPDATE`, transactionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("header %s not replicated yet", transactionID)
		}
		return fmt.Errorf("failed to lock transaction %s: %w", transactionID, err)
	}
	if deal.Status(status) != deal.StatusPending {
		return fmt.Errorf("%w: details of %s are frozen remotely (%s)", syncqueue.ErrConflict, transactionID, status)
	}

	b := &pgx.Batch{}
	if err := queue(b); err != nil {
		return err
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to replace details of %s: %w", transactionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func queueFixedCosts(b *pgx.Batch, transactionID string, lines []deal.FixedCost) error {
	b.Queue(`DELETE FROM fixed_costs WHERE transaction_id = $1`, transactionID)
	for _, f := range lines {
		if f.TransactionID != "" && f.TransactionID != transactionID {
			return fmt.Errorf("%w: fixed cost line %d belongs to %s", syncqueue.ErrInvalidPayload, f.Line, f.TransactionID)
		}
		b.Queue(`
			INSERT INTO fixed_costs (transaction_id, line_no, category, service_type, ticket, location, quantity,
				unit_cost_original, unit_cost_currency, unit_cost_base, period_start, duration_months)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			transactionID, f.Line, f.Category, f.ServiceType, f.Ticket, f.Location, f.Quantity.String(),
			f.UnitCost.Original.String(), string(f.UnitCost.Currency), f.UnitCost.Base.String(),
			f.PeriodStart, f.DurationMonths)
	}
	return nil
}

func queueRecurringServices(b *pgx.Batch, transactionID string, lines []deal.RecurringService) error {
	b.Queue(`DELETE FROM recurring_services WHERE transaction_id = $1`, transactionID)
	for _, s := range lines {
		if s.TransactionID != "" && s.TransactionID != transactionID {
			return fmt.Errorf("%w: recurring line %d belongs to %s", syncqueue.ErrInvalidPayload, s.Line, s.TransactionID)
		}
		b.Queue(`
			INSERT INTO recurring_services (transaction_id, line_no, service_type, note, location, quantity,
				price_original, price_currency, price_base,
				unit_cost_1_original, unit_cost_1_currency, unit_cost_1_base,
				unit_cost_2_original, unit_cost_2_currency, unit_cost_2_base, provider)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			transactionID, s.Line, s.ServiceType, s.Note, s.Location, s.Quantity.String(),
			s.Price.Original.String(), string(s.Price.Currency), s.Price.Base.String(),
			s.UnitCost1.Original.String(), string(s.UnitCost1.Currency), s.UnitCost1.Base.String(),
			s.UnitCost2.Original.String(), string(s.UnitCost2.Currency), s.UnitCost2.Base.String(),
			s.Provider)
	}
	return nil
}

// insertAudit appends an audit row; a replayed entry is ignored
func (r *Remote) insertAudit(ctx context.Context, e *audit.Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("%w: audit details: %v", syncqueue.ErrInvalidPayload, err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_log (id, action, entity_type, entity_id, user_id, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Action), e.EntityType, e.EntityID, e.UserID, details, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// FetchHeader reads the remote header of a deal
func (r *Remote) FetchHeader(ctx context.Context, transactionID string) (*deal.Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", deal.ErrNotFound, transactionID)
		}
		return nil, classify(fmt.Errorf("failed to fetch transaction: %w", err))
	}
	return t, nil
}

// ListAudit returns the remote audit trail of one entity, oldest first
func (r *Remote) ListAudit(ctx context.Context, entityType, entityID string) ([]*audit.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, action, entity_type, entity_id, user_id, details, timestamp
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2
		ORDER BY timestamp, id`, entityType, entityID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query audit log: %w", err))
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var e audit.Entry
		var details []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.UserID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountDetails returns how many fixed cost and recurring lines a deal has remotely
func (r *Remote) CountDetails(ctx context.Context, transactionID string) (fixed, recurring int, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM fixed_costs WHERE transaction_id = $1),
			(SELECT count(*) FROM recurring_services WHERE transaction_id = $1)`,
		transactionID).Scan(&fixed, &recurring)
	if err != nil {
		return 0, 0, classify(fmt.Errorf("failed to count details: %w", err))
	}
	return fixed, recurring, nil
}

func scanTransaction(row pgx.Row) (*deal.Transaction, error) {
	var (
		t                                     deal.Transaction
		exchangeRate, costOfCapital, commRate string
		mrcOrig, mrcCur, mrcBase              string
		nrcOrig, nrcCur, nrcBase              string
		kpi                                   []byte
		approvedAt                            *time.Time
	)

	err := row.Scan(
		&t.ID, &t.BusinessUnit, &t.ClientName, &t.CompanyID, &t.OrderID, &t.Salesman,
		&exchangeRate, &mrcOrig, &mrcCur, &mrcBase, &nrcOrig, &nrcCur, &nrcBase,
		&t.ContractTermMonths, &costOfCapital, &commRate,
		&t.Status, &t.FileName, &t.FileFingerprint, &t.ArchivedPath, &kpi, &t.RejectionNote,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &approvedAt,
	)
	if err != nil {
		return nil, err
	}

	var d decoder
	t.ExchangeRate = d.decimal(exchangeRate)
	t.CostOfCapitalAnnual = d.decimal(costOfCapital)
	t.CommissionRate = d.decimal(commRate)
	t.MRC = d.amount(mrcOrig, mrcCur, mrcBase)
	t.NRC = d.amount(nrcOrig, nrcCur, nrcBase)
	if d.err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, d.err)
	}
	if len(kpi) > 0 {
		if err := json.Unmarshal(kpi, &t.KPI); err != nil {
			return nil, fmt.Errorf("transaction %s: invalid kpi: %w", t.ID, err)
		}
	}

	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if approvedAt != nil {
		at := approvedAt.UTC()
		t.ApprovedAt = &at
	}
	return &t, nil
}

// decoder parses NUMERIC columns read as text, keeping the first error
type decoder struct {
	err error
}

func (d *decoder) decimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return v
}

func (d *decoder) amount(original, currency, base string) money.Amount {
	return money.Amount{
		Original: d.decimal(original),
		Currency: money.Currency(currency),
		Base:     d.decimal(base),
	}
}
