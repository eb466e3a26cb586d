package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/pkg/money"
)

const transactionColumns = `
	id, business_unit, client_name, company_id, order_id, salesman,
	exchange_rate, mrc_original, mrc_currency, mrc_base, nrc_original, nrc_currency, nrc_base,
	contract_term_months, cost_of_capital_annual, commission_rate,
	approval_status, file_name, file_fingerprint, archived_path, kpi, rejection_note,
	created_by, created_at, updated_at, approved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// UpsertTransaction inserts a header or rewrites it while it is still PENDING.
// A decided header is never touched; deal.ErrStatusChanged is returned instead.
func (s *Store) UpsertTransaction(ctx context.Context, t *deal.Transaction) error {
	args, err := transactionArgs(t)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			business_unit = excluded.business_unit,
			client_name = excluded.client_name,
			company_id = excluded.company_id,
			order_id = excluded.order_id,
			salesman = excluded.salesman,
			exchange_rate = excluded.exchange_rate,
			mrc_original = excluded.mrc_original,
			mrc_currency = excluded.mrc_currency,
			mrc_base = excluded.mrc_base,
			nrc_original = excluded.nrc_original,
			nrc_currency = excluded.nrc_currency,
			nrc_base = excluded.nrc_base,
			contract_term_months = excluded.contract_term_months,
			cost_of_capital_annual = excluded.cost_of_capital_annual,
			commission_rate = excluded.commission_rate,
			file_name = excluded.file_name,
			file_fingerprint = excluded.file_fingerprint,
			kpi = excluded.kpi,
			updated_at = excluded.updated_at
		WHERE transactions.approval_status = 'PENDING'
	`

	var affected int64
	err = s.WithWriteTx(ctx, func(ctx context.Context) error {
		res, err := s.getQueryer(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to upsert transaction: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s is no longer pending", deal.ErrStatusChanged, t.ID)
	}
	return nil
}

// ReplaceDetails swaps the full detail line set of a deal
func (s *Store) ReplaceDetails(ctx context.Context, transactionID string, fixed []deal.FixedCost, recurring []deal.RecurringService) error {
	return s.WithWriteTx(ctx, func(ctx context.Context) error {
		q := s.getQueryer(ctx)

		if _, err := q.ExecContext(ctx, `DELETE FROM fixed_costs WHERE transaction_id = ?`, transactionID); err != nil {
			return fmt.Errorf("failed to clear fixed costs: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM recurring_services WHERE transaction_id = ?`, transactionID); err != nil {
			return fmt.Errorf("failed to clear recurring services: %w", err)
		}

		for _, f := range fixed {
			_, err := q.ExecContext(ctx, `
				INSERT INTO fixed_costs (
					transaction_id, line_no, category, service_type, ticket, location, quantity,
					unit_cost_original, unit_cost_currency, unit_cost_base, period_start, duration_months
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				transactionID, f.Line, f.Category, f.ServiceType, f.Ticket, f.Location, f.Quantity.String(),
				f.UnitCost.Original.String(), string(f.UnitCost.Currency), f.UnitCost.Base.String(),
				f.PeriodStart, f.DurationMonths,
			)
			if err != nil {
				return fmt.Errorf("failed to insert fixed cost line %d: %w", f.Line, err)
			}
		}

		for _, r := range recurring {
			_, err := q.ExecContext(ctx, `
				INSERT INTO recurring_services (
					transaction_id, line_no, service_type, note, location, quantity,
					price_original, price_currency, price_base,
					unit_cost_1_original, unit_cost_1_currency, unit_cost_1_base,
					unit_cost_2_original, unit_cost_2_currency, unit_cost_2_base, provider
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				transactionID, r.Line, r.ServiceType, r.Note, r.Location, r.Quantity.String(),
				r.Price.Original.String(), string(r.Price.Currency), r.Price.Base.String(),
				r.UnitCost1.Original.String(), string(r.UnitCost1.Currency), r.UnitCost1.Base.String(),
				r.UnitCost2.Original.String(), string(r.UnitCost2.Currency), r.UnitCost2.Base.String(),
				r.Provider,
			)
			if err != nil {
				return fmt.Errorf("failed to insert recurring service line %d: %w", r.Line, err)
			}
		}
		return nil
	})
}

// GetTransaction returns the header without detail lines
func (s *Store) GetTransaction(ctx context.Context, id string) (*deal.Transaction, error) {
	row := s.getQueryer(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", deal.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// GetTransactionWithDetails reads the header and its lines from one snapshot
func (s *Store) GetTransactionWithDetails(ctx context.Context, id string) (*deal.Transaction, error) {
	var t *deal.Transaction
	err := s.WithReadTx(ctx, func(ctx context.Context) error {
		var err error
		if t, err = s.GetTransaction(ctx, id); err != nil {
			return err
		}
		if t.FixedCosts, err = s.listFixedCosts(ctx, id); err != nil {
			return err
		}
		t.RecurringServices, err = s.listRecurringServices(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTransactions lists headers, newest first. An empty status lists all.
func (s *Store) ListTransactions(ctx context.Context, status deal.Status, limit int) ([]*deal.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	args := []any{}
	if status != "" {
		query += ` WHERE approval_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.getQueryer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*deal.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CommitDecision writes the terminal state of a deal. It only applies to the
// PENDING header revision the decision was taken on: deal.ErrStatusChanged is
// returned when the header was decided meanwhile, deal.ErrStale when it was
// re-ingested. In both cases nothing changes.
func (s *Store) CommitDecision(ctx context.Context, t *deal.Transaction, loaded deal.Revision) error {
	if !deal.StatusPending.CanTransitionTo(t.Status) {
		return fmt.Errorf("%w: PENDING -> %s", deal.ErrInvalidTransition, t.Status)
	}

	kpi, err := json.Marshal(t.KPI)
	if err != nil {
		return fmt.Errorf("failed to marshal kpi: %w", err)
	}

	return s.WithWriteTx(ctx, func(ctx context.Context) error {
		q := s.getQueryer(ctx)
		res, err := q.ExecContext(ctx, `
			UPDATE transactions SET
				approval_status = ?,
				file_fingerprint = ?,
				archived_path = ?,
				kpi = ?,
				rejection_note = ?,
				approved_at = ?,
				updated_at = ?
			WHERE id = ? AND approval_status = 'PENDING'
			  AND file_fingerprint = ? AND updated_at = ?`,
			string(t.Status), t.FileFingerprint, t.ArchivedPath, string(kpi),
			t.RejectionNote, nullableTime(t.ApprovedAt), formatTime(t.UpdatedAt), t.ID,
			loaded.Fingerprint, formatTime(loaded.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to commit decision: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}

		var status string
		err = q.QueryRowContext(ctx, `SELECT approval_status FROM transactions WHERE id = ?`, t.ID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %s", deal.ErrNotFound, t.ID)
		case err != nil:
			return fmt.Errorf("failed to read transaction status: %w", err)
		case deal.Status(status) != deal.StatusPending:
			return fmt.Errorf("%w: %s", deal.ErrStatusChanged, t.ID)
		default:
			return fmt.Errorf("%w: %s was re-ingested", deal.ErrStale, t.ID)
		}
	})
}

// OverwriteTransaction replaces the local header with the given one regardless
// of its local status. Used when the remote value wins a conflict.
func (s *Store) OverwriteTransaction(ctx context.Context, t *deal.Transaction) error {
	args, err := transactionArgs(t)
	if err != nil {
		return err
	}

	sets := make([]string, 0, 25)
	for _, col := range strings.Split(transactionColumns, ",") {
		col = strings.TrimSpace(col)
		if col == "id" || col == "created_at" {
			continue
		}
		sets = append(sets, col+" = excluded."+col)
	}

	return s.WithWriteTx(ctx, func(ctx context.Context) error {
		_, err := s.getQueryer(ctx).ExecContext(ctx, `
			INSERT INTO transactions (`+transactionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET `+strings.Join(sets, ", "), args...)
		if err != nil {
			return fmt.Errorf("failed to overwrite transaction: %w", err)
		}
		return nil
	})
}

func transactionArgs(t *deal.Transaction) ([]any, error) {
	kpi, err := json.Marshal(t.KPI)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal kpi: %w", err)
	}
	return []any{
		t.ID, string(t.BusinessUnit), t.ClientName, t.CompanyID, t.OrderID, t.Salesman,
		t.ExchangeRate.String(),
		t.MRC.Original.String(), string(t.MRC.Currency), t.MRC.Base.String(),
		t.NRC.Original.String(), string(t.NRC.Currency), t.NRC.Base.String(),
		t.ContractTermMonths, t.CostOfCapitalAnnual.String(), t.CommissionRate.String(),
		string(t.Status), t.FileName, t.FileFingerprint, t.ArchivedPath, string(kpi), t.RejectionNote,
		t.CreatedBy, formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullableTime(t.ApprovedAt),
	}, nil
}

func scanTransaction(row rowScanner) (*deal.Transaction, error) {
	var (
		t                                     deal.Transaction
		exchangeRate, costOfCapital, commRate string
		mrcOrig, mrcCur, mrcBase              string
		nrcOrig, nrcCur, nrcBase              string
		kpiJSON, createdAt, updatedAt         string
		approvedAt                            sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.BusinessUnit, &t.ClientName, &t.CompanyID, &t.OrderID, &t.Salesman,
		&exchangeRate, &mrcOrig, &mrcCur, &mrcBase, &nrcOrig, &nrcCur, &nrcBase,
		&t.ContractTermMonths, &costOfCapital, &commRate,
		&t.Status, &t.FileName, &t.FileFingerprint, &t.ArchivedPath, &kpiJSON, &t.RejectionNote,
		&t.CreatedBy, &createdAt, &updatedAt, &approvedAt,
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
	t.CreatedAt = d.time(createdAt)
	t.UpdatedAt = d.time(updatedAt)
	if approvedAt.Valid {
		at := d.time(approvedAt.String)
		t.ApprovedAt = &at
	}
	if d.err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, d.err)
	}

	if err := json.Unmarshal([]byte(kpiJSON), &t.KPI); err != nil {
		return nil, fmt.Errorf("transaction %s: invalid kpi: %w", t.ID, err)
	}
	return &t, nil
}

func (s *Store) listFixedCosts(ctx context.Context, transactionID string) ([]deal.FixedCost, error) {
	rows, err := s.getQueryer(ctx).QueryContext(ctx, `
		SELECT line_no, category, service_type, ticket, location, quantity,
			unit_cost_original, unit_cost_currency, unit_cost_base, period_start, duration_months
		FROM fixed_costs WHERE transaction_id = ? ORDER BY line_no`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fixed costs: %w", err)
	}
	defer rows.Close()

	var out []deal.FixedCost
	for rows.Next() {
		f := deal.FixedCost{TransactionID: transactionID}
		var qty, orig, cur, base string
		if err := rows.Scan(&f.Line, &f.Category, &f.ServiceType, &f.Ticket, &f.Location, &qty,
			&orig, &cur, &base, &f.PeriodStart, &f.DurationMonths); err != nil {
			return nil, fmt.Errorf("failed to scan fixed cost: %w", err)
		}
		var d decoder
		f.Quantity = d.decimal(qty)
		f.UnitCost = d.amount(orig, cur, base)
		if d.err != nil {
			return nil, fmt.Errorf("fixed cost line %d: %w", f.Line, d.err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) listRecurringServices(ctx context.Context, transactionID string) ([]deal.RecurringService, error) {
	rows, err := s.getQueryer(ctx).QueryContext(ctx, `
		SELECT line_no, service_type, note, location, quantity,
			price_original, price_currency, price_base,
			unit_cost_1_original, unit_cost_1_currency, unit_cost_1_base,
			unit_cost_2_original, unit_cost_2_currency, unit_cost_2_base, provider
		FROM recurring_services WHERE transaction_id = ? ORDER BY line_no`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring services: %w", err)
	}
	defer rows.Close()

	var out []deal.RecurringService
	for rows.Next() {
		r := deal.RecurringService{TransactionID: transactionID}
		var qty, pOrig, pCur, pBase, c1Orig, c1Cur, c1Base, c2Orig, c2Cur, c2Base string
		if err := rows.Scan(&r.Line, &r.ServiceType, &r.Note, &r.Location, &qty,
			&pOrig, &pCur, &pBase, &c1Orig, &c1Cur, &c1Base, &c2Orig, &c2Cur, &c2Base,
			&r.Provider); err != nil {
			return nil, fmt.Errorf("failed to scan recurring service: %w", err)
		}
		var d decoder
		r.Quantity = d.decimal(qty)
		r.Price = d.amount(pOrig, pCur, pBase)
		r.UnitCost1 = d.amount(c1Orig, c1Cur, c1Base)
		r.UnitCost2 = d.amount(c2Orig, c2Cur, c2Base)
		if d.err != nil {
			return nil, fmt.Errorf("recurring line %d: %w", r.Line, d.err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// decoder parses stored text columns, keeping the first error
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

func (d *decoder) time(s string) time.Time {
	t, err := parseTime(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
