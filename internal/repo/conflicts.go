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

const conflictColumns = `id,resource_id,task_id,type,severity,details_json,resolved,resolved_at,detected_at`

func scanConflict(row rowScanner) (domain.ResourceConflict, error) {
	var c domain.ResourceConflict
	var details string
	var resolved int
	var resolvedAt sql.NullString
	err := row.Scan(&c.ID, &c.ResourceID, &c.TaskID, &c.Type, &c.Severity, &details, &resolved, &resolvedAt, &c.DetectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Resolved = resolved == 1
	c.ResolvedAt = stringPtr(resolvedAt)
	if details != "" {
		if err := json.Unmarshal([]byte(details), &c.Details); err != nil {
			return c, fmt.Errorf("decode conflict details %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func (r Repo) GetConflict(ctx context.Context, tx *sql.Tx, id string) (domain.ResourceConflict, error) {
	return scanConflict(r.q(tx).QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM resource_conflicts WHERE id=?`, id))
}

func (r Repo) InsertConflict(ctx context.Context, tx *sql.Tx, c domain.ResourceConflict) error {
	details, err := json.Marshal(c.Details)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO resource_conflicts(`+conflictColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ResourceID, c.TaskID, c.Type, c.Severity, string(details), boolInt(c.Resolved), nullableStringPtr(c.ResolvedAt), c.DetectedAt)
	return err
}

// UpdateConflictFindings rewrites severity and details, keeping the resolved flag.
func (r Repo) UpdateConflictFindings(ctx context.Context, tx *sql.Tx, id, severity string, details map[string]any) error {
	data, err := json.Marshal(details)
	if err != nil {
		return err
	}
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE resource_conflicts SET severity=?,details_json=? WHERE id=?`, severity, string(data), id))
}

func (r Repo) DeleteConflict(ctx context.Context, tx *sql.Tx, id string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `DELETE FROM resource_conflicts WHERE id=?`, id))
}

// SetConflictResolved toggles the resolved flag; resolvedAt is cleared on reopen.
func (r Repo) SetConflictResolved(ctx context.Context, tx *sql.Tx, id string, resolved bool, resolvedAt string) error {
	var at any
	if resolved {
		at = resolvedAt
	}
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE resource_conflicts SET resolved=?,resolved_at=? WHERE id=?`, boolInt(resolved), at, id))
}

// ConflictFilters narrows ListConflicts.
type ConflictFilters struct {
	Severity   string
	Type       string
	ResourceID string
	TaskID     string
	Resolved   *bool
}

func (r Repo) ListConflicts(ctx context.Context, tx *sql.Tx, f ConflictFilters) ([]domain.ResourceConflict, error) {
	var clauses []string
	var args []any
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Resolved != nil {
		clauses = append(clauses, "resolved=?")
		args = append(args, boolInt(*f.Resolved))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+conflictColumns+` FROM resource_conflicts `+where+`
ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, resource_id, task_id, type`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResourceConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
