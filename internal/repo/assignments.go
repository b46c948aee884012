package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"operaflow/internal/domain"
)

const assignmentColumns = `id,task_id,resource_id,role,start_date,end_date,hours,provenance,provisional_id,created_at`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var provisional sql.NullString
	err := row.Scan(&a.ID, &a.TaskID, &a.ResourceID, &a.Role, &a.Start, &a.End, &a.Hours, &a.Provenance, &provisional, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	a.ProvisionalID = stringPtr(provisional)
	return a, err
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.ResourceID, a.Role, a.Start, a.End, a.Hours, a.Provenance, nullableStringPtr(a.ProvisionalID), a.CreatedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

func (r Repo) DeleteAssignment(ctx context.Context, tx *sql.Tx, id string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `DELETE FROM assignments WHERE id=?`, id))
}

// AssignmentFilters narrows ListAssignments. EndingFrom keeps assignments whose
// end date is on or after the given date; Overlap* selects a date window.
type AssignmentFilters struct {
	TaskID       string
	ResourceID   string
	Provenance   string
	EndingFrom   string
	OverlapStart string
	OverlapEnd   string
	ExcludeID    string
}

func (r Repo) ListAssignments(ctx context.Context, tx *sql.Tx, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.Provenance != "" {
		clauses = append(clauses, "provenance=?")
		args = append(args, f.Provenance)
	}
	if f.EndingFrom != "" {
		clauses = append(clauses, "end_date>=?")
		args = append(args, f.EndingFrom)
	}
	if f.OverlapStart != "" && f.OverlapEnd != "" {
		clauses = append(clauses, "start_date<=? AND end_date>=?")
		args = append(args, f.OverlapEnd, f.OverlapStart)
	}
	if f.ExcludeID != "" {
		clauses = append(clauses, "id<>?")
		args = append(args, f.ExcludeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments `+where+` ORDER BY resource_id, start_date, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const provisionalColumns = `id,task_id,resource_id,acting_role,primary_role,start_date,end_date,hours,penalty_score,status,expires_at,requester_id,
approver_id,rule_id,decided_at,created_at`

func scanProvisional(row rowScanner) (domain.ProvisionalAssignment, error) {
	var p domain.ProvisionalAssignment
	var approver, rule, decided sql.NullString
	err := row.Scan(&p.ID, &p.TaskID, &p.ResourceID, &p.ActingRole, &p.PrimaryRole, &p.Start, &p.End, &p.Hours, &p.PenaltyScore,
		&p.Status, &p.ExpiresAt, &p.RequesterID, &approver, &rule, &decided, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.ApproverID = stringPtr(approver)
	p.RuleID = stringPtr(rule)
	p.DecidedAt = stringPtr(decided)
	return p, err
}

func (r Repo) InsertProvisional(ctx context.Context, tx *sql.Tx, p domain.ProvisionalAssignment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO provisional_assignments(`+provisionalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, p.ResourceID, p.ActingRole, p.PrimaryRole, p.Start, p.End, p.Hours, p.PenaltyScore, p.Status, p.ExpiresAt,
		p.RequesterID, nullableStringPtr(p.ApproverID), nullableStringPtr(p.RuleID), nullableStringPtr(p.DecidedAt), p.CreatedAt)
	return err
}

func (r Repo) GetProvisional(ctx context.Context, tx *sql.Tx, id string) (domain.ProvisionalAssignment, error) {
	return scanProvisional(r.q(tx).QueryRowContext(ctx, `SELECT `+provisionalColumns+` FROM provisional_assignments WHERE id=?`, id))
}

// TransitionProvisional moves a pending record to status. It reports false
// when the record was no longer pending, leaving it untouched.
func (r Repo) TransitionProvisional(ctx context.Context, tx *sql.Tx, id, status string, approverID *string, decidedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE provisional_assignments SET status=?,approver_id=?,decided_at=? WHERE id=? AND status=?`,
		status, nullableStringPtr(approverID), decidedAt, id, domain.ProvisionalPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ExpirePending marks every pending record with expires_at <= now as expired
// and returns the affected ids.
func (r Repo) ExpirePending(ctx context.Context, tx *sql.Tx, now string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM provisional_assignments WHERE status=? AND expires_at<=? ORDER BY expires_at, id`,
		domain.ProvisionalPending, now)
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
	var expired []string
	for _, id := range ids {
		ok, err := r.TransitionProvisional(ctx, tx, id, domain.ProvisionalExpired, nil, now)
		if err != nil {
			return nil, err
		}
		if ok {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// ProvisionalFilters narrows ListProvisional.
type ProvisionalFilters struct {
	Status     string
	TaskID     string
	ResourceID string
}

func (r Repo) ListProvisional(ctx context.Context, tx *sql.Tx, f ProvisionalFilters) ([]domain.ProvisionalAssignment, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	// Highest penalty first.
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+provisionalColumns+` FROM provisional_assignments `+where+` ORDER BY penalty_score DESC, created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProvisionalAssignment
	for rows.Next() {
		p, err := scanProvisional(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.SubstitutionRule) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO substitution_rules(id,description,max_days,source_role,target_role,cost,created_at) VALUES (?,?,?,?,?,?,?)`,
		rule.ID, rule.Description, rule.MaxDays, nullable(rule.SourceRole), nullable(rule.TargetRole), rule.Cost, rule.CreatedAt)
	return err
}

const ruleColumns = `id,description,max_days,COALESCE(source_role,''),COALESCE(target_role,''),cost,created_at`

func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, id string) (domain.SubstitutionRule, error) {
	var rule domain.SubstitutionRule
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM substitution_rules WHERE id=?`, id).
		Scan(&rule.ID, &rule.Description, &rule.MaxDays, &rule.SourceRole, &rule.TargetRole, &rule.Cost, &rule.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rule, ErrNotFound
	}
	return rule, err
}

func (r Repo) ListRules(ctx context.Context) ([]domain.SubstitutionRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM substitution_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubstitutionRule
	for rows.Next() {
		var rule domain.SubstitutionRule
		if err := rows.Scan(&rule.ID, &rule.Description, &rule.MaxDays, &rule.SourceRole, &rule.TargetRole, &rule.Cost, &rule.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}
