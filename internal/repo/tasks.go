package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"operaflow/internal/domain"
)

const taskColumns = `id,parent_id,level,order_index,title,COALESCE(description,''),task_type,COALESCE(site_id,''),COALESCE(required_competence,''),
COALESCE(planned_start,''),COALESCE(planned_end,''),COALESCE(actual_start,''),COALESCE(actual_end,''),planned_hours,actual_hours,progress,status,
assigned_resources_json,is_milestone,is_umbrella,contract_id,version,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var parentID, contractID sql.NullString
	var assigned string
	var milestone, umbrella int
	err := row.Scan(&t.ID, &parentID, &t.Level, &t.OrderIndex, &t.Title, &t.Description, &t.TaskType, &t.SiteID, &t.RequiredCompetence,
		&t.PlannedStart, &t.PlannedEnd, &t.ActualStart, &t.ActualEnd, &t.PlannedHours, &t.ActualHours, &t.Progress, &t.Status,
		&assigned, &milestone, &umbrella, &contractID, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ParentID = stringPtr(parentID)
	t.ContractID = stringPtr(contractID)
	t.IsMilestone = milestone == 1
	t.IsUmbrella = umbrella == 1
	t.AssignedResourceIDs = []string{}
	if assigned != "" {
		if err := json.Unmarshal([]byte(assigned), &t.AssignedResourceIDs); err != nil {
			return t, fmt.Errorf("decode assigned resources of %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	assigned, err := json.Marshal(nonNil(t.AssignedResourceIDs))
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,parent_id,level,order_index,title,description,task_type,site_id,required_competence,
planned_start,planned_end,actual_start,actual_end,planned_hours,actual_hours,progress,status,assigned_resources_json,is_milestone,is_umbrella,
contract_id,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullableStringPtr(t.ParentID), t.Level, t.OrderIndex, t.Title, nullable(t.Description), t.TaskType, nullable(t.SiteID),
		nullable(t.RequiredCompetence), nullable(t.PlannedStart), nullable(t.PlannedEnd), nullable(t.ActualStart), nullable(t.ActualEnd),
		t.PlannedHours, t.ActualHours, t.Progress, t.Status, string(assigned), boolInt(t.IsMilestone), boolInt(t.IsUmbrella),
		nullableStringPtr(t.ContractID), t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTask writes the mutable attributes of t when the stored version still
// equals t.Version, and bumps the version. A stale version yields ErrStaleVersion.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET title=?,description=?,task_type=?,site_id=?,required_competence=?,planned_start=?,planned_end=?,
actual_start=?,actual_end=?,planned_hours=?,actual_hours=?,progress=?,status=?,is_milestone=?,updated_at=?,version=version+1
WHERE id=? AND version=?`,
		t.Title, nullable(t.Description), t.TaskType, nullable(t.SiteID), nullable(t.RequiredCompetence), nullable(t.PlannedStart),
		nullable(t.PlannedEnd), nullable(t.ActualStart), nullable(t.ActualEnd), t.PlannedHours, t.ActualHours, t.Progress, t.Status,
		boolInt(t.IsMilestone), t.UpdatedAt, t.ID, t.Version)
	return r.versioned(ctx, tx, t.ID, res, err)
}

// ErrStaleVersion reports an optimistic version mismatch.
var ErrStaleVersion = errors.New("stale version")

func (r Repo) versioned(ctx context.Context, tx *sql.Tx, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	if _, err := r.GetTask(ctx, tx, id); err != nil {
		return err
	}
	return ErrStaleVersion
}

// MoveTaskRow sets the parent edge of a task under an optimistic version check.
// Sibling positions are fixed separately with ReorderSiblings.
func (r Repo) MoveTaskRow(ctx context.Context, tx *sql.Tx, id string, parentID *string, level, version int, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET parent_id=?,level=?,order_index=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
		nullableStringPtr(parentID), level, -1_000_000, updatedAt, id, version)
	return r.versioned(ctx, tx, id, res, err)
}

// SetLevel rewrites the cached depth of a task.
func (r Repo) SetLevel(ctx context.Context, tx *sql.Tx, id string, level int) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE tasks SET level=? WHERE id=?`, level, id))
}

// ReorderSiblings assigns order_index 0..n-1 following ids. Positions are first
// parked on negative values so the unique sibling index never sees a duplicate.
func (r Repo) ReorderSiblings(ctx context.Context, tx *sql.Tx, ids []string) error {
	q := r.q(tx)
	for i, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE tasks SET order_index=? WHERE id=?`, -2_000_000-i, id); err != nil {
			return fmt.Errorf("park order of %s: %w", id, err)
		}
	}
	for i, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE tasks SET order_index=? WHERE id=?`, i, id); err != nil {
			return fmt.Errorf("set order of %s: %w", id, err)
		}
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListChildren returns the direct children of parentID ordered by position;
// a nil parent lists the roots.
func (r Repo) ListChildren(ctx context.Context, tx *sql.Tx, parentID *string) ([]domain.Task, error) {
	if parentID == nil {
		return r.queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id IS NULL ORDER BY order_index, id`)
	}
	return r.queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id=? ORDER BY order_index, id`, *parentID)
}

// ChildIDs returns the ids of the direct children of parentID by position.
func (r Repo) ChildIDs(ctx context.Context, tx *sql.Tx, parentID *string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if parentID == nil {
		rows, err = r.q(tx).QueryContext(ctx, `SELECT id FROM tasks WHERE parent_id IS NULL ORDER BY order_index, id`)
	} else {
		rows, err = r.q(tx).QueryContext(ctx, `SELECT id FROM tasks WHERE parent_id=? ORDER BY order_index, id`, *parentID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextOrderIndex returns the position after the last child of parentID.
func (r Repo) NextOrderIndex(ctx context.Context, tx *sql.Tx, parentID *string) (int, error) {
	var max sql.NullInt64
	var err error
	if parentID == nil {
		err = r.q(tx).QueryRowContext(ctx, `SELECT MAX(order_index) FROM tasks WHERE parent_id IS NULL`).Scan(&max)
	} else {
		err = r.q(tx).QueryRowContext(ctx, `SELECT MAX(order_index) FROM tasks WHERE parent_id=?`, *parentID).Scan(&max)
	}
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// SubtreeIDs returns id and all of its descendants, parents before children.
func (r Repo) SubtreeIDs(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `WITH RECURSIVE sub(id, depth) AS (
  SELECT id, 0 FROM tasks WHERE id=?
  UNION ALL
  SELECT t.id, sub.depth+1 FROM tasks t JOIN sub ON t.parent_id = sub.id
)
SELECT id FROM sub ORDER BY depth, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

// DeleteTasks removes the given tasks together with their assignments,
// provisional assignments, realizations and conflicts. ids must be ordered
// parents first; rows are deleted deepest first. Contracts pointing at one of
// the tasks as umbrella must be released with ReleaseUmbrellas beforehand.
func (r Repo) DeleteTasks(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := r.q(tx)
	in := placeholders(len(ids))
	args := anyArgs(ids)
	for _, stmt := range []string{
		`DELETE FROM assignments WHERE task_id IN (` + in + `)`,
		`DELETE FROM provisional_assignments WHERE task_id IN (` + in + `)`,
		`DELETE FROM realizations WHERE task_id IN (` + in + `)`,
		`DELETE FROM resource_conflicts WHERE task_id IN (` + in + `)`,
	} {
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if err := expectOne(q.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, ids[i])); err != nil {
			return fmt.Errorf("delete task %s: %w", ids[i], err)
		}
	}
	return nil
}

// SetAssignedResources refreshes the denormalized resource cache of a task
// from its confirmed assignments.
func (r Repo) SetAssignedResources(ctx context.Context, tx *sql.Tx, taskID string) error {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT DISTINCT resource_id FROM assignments WHERE task_id=? ORDER BY resource_id`, taskID)
	if err != nil {
		return err
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE tasks SET assigned_resources_json=? WHERE id=?`, string(data), taskID))
}

// AddActualHours accumulates realized effort on a task.
func (r Repo) AddActualHours(ctx context.Context, tx *sql.Tx, taskID string, hours float64, updatedAt string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE tasks SET actual_hours=actual_hours+?,updated_at=? WHERE id=?`, hours, updatedAt, taskID))
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	Status     string
	ContractID string
	ResourceID string
	Milestone  *bool
}

func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ContractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, f.ContractID)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "id IN (SELECT task_id FROM assignments WHERE resource_id=?)")
		args = append(args, f.ResourceID)
	}
	if f.Milestone != nil {
		clauses = append(clauses, "is_milestone=?")
		args = append(args, boolInt(*f.Milestone))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	return r.queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY level, order_index, id`, args...)
}

func (r Repo) queryTasks(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
