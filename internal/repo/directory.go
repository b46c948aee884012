package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"operaflow/internal/domain"
)

// UpsertResource replaces a directory entry and its competencies.
func (r Repo) UpsertResource(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO resources(id,name,primary_role,weekly_capacity_hours) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, primary_role=excluded.primary_role, weekly_capacity_hours=excluded.weekly_capacity_hours`,
		res.ID, res.Name, res.PrimaryRole, res.WeeklyCapacityHours); err != nil {
		return fmt.Errorf("upsert resource %s: %w", res.ID, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM resource_competencies WHERE resource_id=?`, res.ID); err != nil {
		return err
	}
	for _, c := range res.Competencies {
		if c == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO resource_competencies(resource_id,competence) VALUES (?,?)`, res.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetResource(ctx context.Context, tx *sql.Tx, id string) (domain.Resource, error) {
	var res domain.Resource
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,primary_role,weekly_capacity_hours FROM resources WHERE id=?`, id).
		Scan(&res.ID, &res.Name, &res.PrimaryRole, &res.WeeklyCapacityHours)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	comps, err := r.competencies(ctx, tx, id)
	if err != nil {
		return res, err
	}
	res.Competencies = comps
	return res, nil
}

func (r Repo) competencies(ctx context.Context, tx *sql.Tx, resourceID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT competence FROM resource_competencies WHERE resource_id=? ORDER BY competence`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListResources returns the whole directory keyed by id.
func (r Repo) ListResources(ctx context.Context, tx *sql.Tx) (map[string]domain.Resource, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,name,primary_role,weekly_capacity_hours FROM resources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := map[string]domain.Resource{}
	for rows.Next() {
		var res domain.Resource
		if err := rows.Scan(&res.ID, &res.Name, &res.PrimaryRole, &res.WeeklyCapacityHours); err != nil {
			rows.Close()
			return nil, err
		}
		res.Competencies = []string{}
		out[res.ID] = res
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	compRows, err := r.q(tx).QueryContext(ctx, `SELECT resource_id,competence FROM resource_competencies ORDER BY resource_id, competence`)
	if err != nil {
		return nil, err
	}
	defer compRows.Close()
	for compRows.Next() {
		var id, c string
		if err := compRows.Scan(&id, &c); err != nil {
			return nil, err
		}
		if res, ok := out[id]; ok {
			res.Competencies = append(res.Competencies, c)
			out[id] = res
		}
	}
	return out, compRows.Err()
}

func (r Repo) UpsertAbsence(ctx context.Context, tx *sql.Tx, a domain.Absence) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO absences(id,resource_id,start_date,end_date,reason) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET resource_id=excluded.resource_id, start_date=excluded.start_date, end_date=excluded.end_date, reason=excluded.reason`,
		a.ID, a.ResourceID, a.Start, a.End, nullable(a.Reason))
	return err
}

// ListAbsences returns absences ending on or after from, grouped by resource.
func (r Repo) ListAbsences(ctx context.Context, tx *sql.Tx, from string) (map[string][]domain.Absence, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,resource_id,start_date,end_date,COALESCE(reason,'') FROM absences WHERE end_date>=? ORDER BY resource_id, start_date, id`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]domain.Absence{}
	for rows.Next() {
		var a domain.Absence
		if err := rows.Scan(&a.ID, &a.ResourceID, &a.Start, &a.End, &a.Reason); err != nil {
			return nil, err
		}
		out[a.ResourceID] = append(out[a.ResourceID], a)
	}
	return out, rows.Err()
}

// UpsertContract stores contract data and replaces its financial lots.
func (r Repo) UpsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	q := r.q(tx)
	if c.Status == "" {
		c.Status = domain.ContractDraft
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO contracts(id,code,name,pricing_type,status,site_id,competence,capacity_hours,sold_hours) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET code=excluded.code, name=excluded.name, pricing_type=excluded.pricing_type, site_id=excluded.site_id,
competence=excluded.competence, capacity_hours=excluded.capacity_hours, sold_hours=excluded.sold_hours`,
		c.ID, c.Code, c.Name, c.PricingType, c.Status, nullable(c.SiteID), nullable(c.Competence), c.CapacityHours, c.SoldHours); err != nil {
		return fmt.Errorf("upsert contract %s: %w", c.ID, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM financial_lots WHERE contract_id=?`, c.ID); err != nil {
		return err
	}
	for i, lot := range c.Lots {
		if _, err := q.ExecContext(ctx, `INSERT INTO financial_lots(id,contract_id,label,amount,due_date,position) VALUES (?,?,?,?,?,?)`,
			lot.ID, c.ID, lot.Label, lot.Amount.String(), nullableStringPtr(lot.DueDate), i); err != nil {
			return fmt.Errorf("insert lot %s: %w", lot.ID, err)
		}
	}
	return nil
}

func (r Repo) GetContract(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	var c domain.Contract
	var umbrella sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,code,name,pricing_type,status,COALESCE(site_id,''),COALESCE(competence,''),capacity_hours,sold_hours,umbrella_task_id
FROM contracts WHERE id=?`, id).
		Scan(&c.ID, &c.Code, &c.Name, &c.PricingType, &c.Status, &c.SiteID, &c.Competence, &c.CapacityHours, &c.SoldHours, &umbrella)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.UmbrellaTaskID = stringPtr(umbrella)
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,contract_id,label,amount,due_date,position FROM financial_lots WHERE contract_id=? ORDER BY position, id`, id)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	c.Lots = []domain.FinancialLot{}
	for rows.Next() {
		var lot domain.FinancialLot
		var amount string
		var due sql.NullString
		if err := rows.Scan(&lot.ID, &lot.ContractID, &lot.Label, &amount, &due, &lot.Position); err != nil {
			return c, err
		}
		if lot.Amount, err = decimal.NewFromString(amount); err != nil {
			return c, fmt.Errorf("lot %s amount: %w", lot.ID, err)
		}
		lot.DueDate = stringPtr(due)
		c.Lots = append(c.Lots, lot)
	}
	return c, rows.Err()
}

// MarkContractDeclared moves a contract to validated if it is not already,
// linking its umbrella task. It reports false when the contract was validated.
func (r Repo) MarkContractDeclared(ctx context.Context, tx *sql.Tx, id, umbrellaTaskID string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE contracts SET status=?, umbrella_task_id=? WHERE id=? AND status<>?`,
		domain.ContractValidated, umbrellaTaskID, id, domain.ContractValidated)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseUmbrellas returns contracts whose umbrella task is among taskIDs
// to draft and unlinks the umbrella. It returns the released contract ids.
func (r Repo) ReleaseUmbrellas(ctx context.Context, tx *sql.Tx, taskIDs []string) ([]string, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	q := r.q(tx)
	in := placeholders(len(taskIDs))
	rows, err := q.QueryContext(ctx, `SELECT id FROM contracts WHERE umbrella_task_id IN (`+in+`) ORDER BY id`, anyArgs(taskIDs)...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{domain.ContractDraft}, anyArgs(ids)...)
	if _, err := q.ExecContext(ctx, `UPDATE contracts SET status=?, umbrella_task_id=NULL WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r Repo) InsertRealization(ctx context.Context, tx *sql.Tx, rz domain.Realization) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO realizations(id,task_id,hours,amount,recorded_at) VALUES (?,?,?,?,?)`,
		rz.ID, rz.TaskID, rz.Hours, rz.Amount.String(), rz.RecordedAt)
	return err
}

// SumRealizations totals hours and amount recorded against the given tasks.
// Amounts are summed in decimal, not in SQL.
func (r Repo) SumRealizations(ctx context.Context, tx *sql.Tx, taskIDs []string) (float64, decimal.Decimal, error) {
	total := decimal.Zero
	if len(taskIDs) == 0 {
		return 0, total, nil
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT hours,amount FROM realizations WHERE task_id IN (`+placeholders(len(taskIDs))+`)`, anyArgs(taskIDs)...)
	if err != nil {
		return 0, total, err
	}
	defer rows.Close()
	var hours float64
	for rows.Next() {
		var h float64
		var amount string
		if err := rows.Scan(&h, &amount); err != nil {
			return 0, total, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return 0, total, fmt.Errorf("realization amount: %w", err)
		}
		hours += h
		total = total.Add(d)
	}
	return hours, total, rows.Err()
}
