package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"operaflow/internal/domain"
	"operaflow/internal/events"
	"operaflow/internal/repo"
)

// ProvisionalRequest asks for a resource to act in a role on a task.
type ProvisionalRequest struct {
	TaskID      string
	ResourceID  string
	ActingRole  string
	Start       string
	End         string
	Hours       float64
	RuleID      string
	RequesterID string
	// ExpiresAt overrides the configured TTL (RFC3339).
	ExpiresAt string
}

// RequestProvisionalAssignment validates a substitution request against its
// rule, prices it and stores it as pending. Overlapping confirmed assignments
// of the resource are reported on the result but do not block the request.
func (e Engine) RequestProvisionalAssignment(ctx context.Context, req ProvisionalRequest) (domain.ProvisionalAssignment, error) {
	if req.TaskID == "" || req.ResourceID == "" {
		return domain.ProvisionalAssignment{}, invalidf("task_id and resource_id are required")
	}
	if strings.TrimSpace(req.ActingRole) == "" {
		return domain.ProvisionalAssignment{}, invalidf("acting role is required")
	}
	if req.Hours < 0 {
		return domain.ProvisionalAssignment{}, invalidf("hours must be >= 0")
	}
	start, end, err := parseRange(req.Start, req.End)
	if err != nil {
		return domain.ProvisionalAssignment{}, err
	}
	now := e.now()
	expires := now.Add(e.Config.Provisional.TTL)
	if req.ExpiresAt != "" {
		if expires, err = time.Parse(time.RFC3339, req.ExpiresAt); err != nil {
			return domain.ProvisionalAssignment{}, invalidf("expires_at: %v", err)
		}
		if !expires.After(now) {
			return domain.ProvisionalAssignment{}, invalidf("expires_at must be in the future")
		}
	}

	cs, err := e.begin(ctx)
	if err != nil {
		return domain.ProvisionalAssignment{}, err
	}
	defer cs.rollback()

	task, err := e.Repo.GetTask(ctx, cs.tx, req.TaskID)
	if err != nil {
		return domain.ProvisionalAssignment{}, notFound(err, "task", req.TaskID)
	}
	resource, err := e.Repo.GetResource(ctx, cs.tx, req.ResourceID)
	if err != nil {
		return domain.ProvisionalAssignment{}, notFound(err, "resource", req.ResourceID)
	}
	days := domain.SpanDays(start, end)
	var rule *domain.SubstitutionRule
	if req.RuleID != "" {
		r, err := e.Repo.GetRule(ctx, cs.tx, req.RuleID)
		if err != nil {
			return domain.ProvisionalAssignment{}, notFound(err, "substitution rule", req.RuleID)
		}
		if err := checkRule(r, resource.PrimaryRole, req.ActingRole, days); err != nil {
			return domain.ProvisionalAssignment{}, err
		}
		rule = &r
	}
	hours := req.Hours
	if hours == 0 {
		hours = task.PlannedHours
	}
	overlapping, err := e.Repo.ListAssignments(ctx, cs.tx, repo.AssignmentFilters{
		ResourceID:   resource.ID,
		OverlapStart: req.Start,
		OverlapEnd:   req.End,
	})
	if err != nil {
		return domain.ProvisionalAssignment{}, err
	}
	var overlaps []string
	for _, a := range overlapping {
		overlaps = append(overlaps, a.ID)
	}
	distance := RoleDistance(e.Config.Penalty, req.ActingRole, resource.PrimaryRole)
	p := domain.ProvisionalAssignment{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		ResourceID:   resource.ID,
		ActingRole:   req.ActingRole,
		PrimaryRole:  resource.PrimaryRole,
		Start:        req.Start,
		End:          req.End,
		Hours:        hours,
		PenaltyScore: PenaltyScore(e.Config.Penalty, rule, distance, days),
		Status:       domain.ProvisionalPending,
		ExpiresAt:    expires.UTC().Format(time.RFC3339),
		RequesterID:  req.RequesterID,
		RuleID:       optionalString(req.RuleID),
		CreatedAt:    now.Format(time.RFC3339),
		OverlapsWith: overlaps,
	}
	if p.RequesterID == "" {
		p.RequesterID = "system"
	}
	if err := e.Repo.InsertProvisional(ctx, cs.tx, p); err != nil {
		return domain.ProvisionalAssignment{}, fmt.Errorf("insert provisional assignment: %w", err)
	}
	if err := cs.append(ctx, "provisional.requested", "provisional", p.ID, p.RequesterID, events.EventPayload{
		"task_id":       p.TaskID,
		"resource_id":   p.ResourceID,
		"penalty_score": p.PenaltyScore,
		"overlaps":      overlaps,
	}); err != nil {
		return domain.ProvisionalAssignment{}, err
	}
	if err := cs.commit(); err != nil {
		return domain.ProvisionalAssignment{}, err
	}
	if len(overlaps) > 0 {
		e.logger().WithFields(logrus.Fields{
			"provisional": p.ID,
			"resource":    p.ResourceID,
			"overlaps":    overlaps,
		}).Warn("provisional assignment overlaps confirmed assignments")
	}
	return p, nil
}

func checkRule(r domain.SubstitutionRule, primaryRole, actingRole string, days int) error {
	if days > r.MaxDays {
		return fmt.Errorf("%w: %d days exceeds max %d of rule %s", ErrRuleViolation, days, r.MaxDays, r.ID)
	}
	if r.SourceRole != "" && r.SourceRole != primaryRole {
		return fmt.Errorf("%w: rule %s applies to %s, resource is %s", ErrRuleViolation, r.ID, r.SourceRole, primaryRole)
	}
	if r.TargetRole != "" && r.TargetRole != actingRole {
		return fmt.Errorf("%w: rule %s allows acting as %s, not %s", ErrRuleViolation, r.ID, r.TargetRole, actingRole)
	}
	return nil
}

// Decision is the outcome of Decide. Assignment is set on approval.
type Decision struct {
	Provisional domain.ProvisionalAssignment `json:"provisional"`
	Assignment  *domain.Assignment           `json:"assignment,omitempty"`
}

// Decide approves or rejects a pending provisional assignment. Exactly one
// decision or expiry wins per record; later calls fail with ErrNotPending.
func (e Engine) Decide(ctx context.Context, id string, approve bool, approverID string) (Decision, error) {
	unlock := e.Locks.Lock(provisionalLockKey(id))
	defer unlock()

	cs, err := e.begin(ctx)
	if err != nil {
		return Decision{}, err
	}
	defer cs.rollback()

	p, err := e.Repo.GetProvisional(ctx, cs.tx, id)
	if err != nil {
		return Decision{}, notFound(err, "provisional assignment", id)
	}
	if p.Status != domain.ProvisionalPending {
		return Decision{}, fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}
	now := e.stamp()
	if p.ExpiresAt <= now {
		if _, err := e.Repo.TransitionProvisional(ctx, cs.tx, id, domain.ProvisionalExpired, nil, now); err != nil {
			return Decision{}, err
		}
		if err := cs.append(ctx, "provisional.expired", "provisional", id, approverID, events.EventPayload{"expires_at": p.ExpiresAt}); err != nil {
			return Decision{}, err
		}
		if err := cs.commit(); err != nil {
			return Decision{}, err
		}
		getMetrics().expired.Inc()
		return Decision{}, fmt.Errorf("%w: %s expired at %s", ErrNotPending, id, p.ExpiresAt)
	}

	status := domain.ProvisionalRejected
	if approve {
		status = domain.ProvisionalApproved
	}
	approver := optionalString(approverID)
	ok, err := e.Repo.TransitionProvisional(ctx, cs.tx, id, status, approver, now)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s was decided concurrently", ErrNotPending, id)
	}
	p.Status = status
	p.ApproverID = approver
	p.DecidedAt = &now
	out := Decision{Provisional: p}

	payload := events.EventPayload{"status": status}
	if approve {
		a := domain.Assignment{
			ID:            uuid.NewString(),
			TaskID:        p.TaskID,
			ResourceID:    p.ResourceID,
			Role:          p.ActingRole,
			Start:         p.Start,
			End:           p.End,
			Hours:         p.Hours,
			Provenance:    domain.ProvenanceAutomatic,
			ProvisionalID: &p.ID,
			CreatedAt:     now,
		}
		if err := e.Repo.InsertAssignment(ctx, cs.tx, a); err != nil {
			return Decision{}, fmt.Errorf("insert assignment: %w", err)
		}
		if err := e.Repo.SetAssignedResources(ctx, cs.tx, a.TaskID); err != nil {
			return Decision{}, err
		}
		out.Assignment = &a
		payload["assignment_id"] = a.ID
	}
	if err := cs.append(ctx, "provisional."+status, "provisional", id, approverID, payload); err != nil {
		return Decision{}, err
	}
	if err := cs.commit(); err != nil {
		return Decision{}, err
	}
	getMetrics().decisions.WithLabelValues(status).Inc()
	return out, nil
}

// ExpireOverdue moves every pending record with expires_at <= now to expired
// and returns their ids. Already expired or decided records are left alone.
func (e Engine) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	cs, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cs.rollback()

	ids, err := e.Repo.ExpirePending(ctx, cs.tx, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("expire provisional assignments: %w", err)
	}
	for _, id := range ids {
		if err := cs.append(ctx, "provisional.expired", "provisional", id, "system", nil); err != nil {
			return nil, err
		}
	}
	if err := cs.commit(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		getMetrics().expired.Add(float64(len(ids)))
		e.logger().WithField("count", len(ids)).Info("expired overdue provisional assignments")
	}
	return ids, nil
}

// AssignOptions create a confirmed assignment directly.
type AssignOptions struct {
	TaskID     string
	ResourceID string
	Role       string
	Start      string
	End        string
	Hours      float64
	ActorID    string
}

// AssignResource binds a resource to a task without the provisional workflow.
func (e Engine) AssignResource(ctx context.Context, opts AssignOptions) (domain.Assignment, error) {
	if opts.TaskID == "" || opts.ResourceID == "" {
		return domain.Assignment{}, invalidf("task_id and resource_id are required")
	}
	if opts.Hours < 0 {
		return domain.Assignment{}, invalidf("hours must be >= 0")
	}
	if _, _, err := parseRange(opts.Start, opts.End); err != nil {
		return domain.Assignment{}, err
	}
	cs, err := e.begin(ctx)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer cs.rollback()

	task, err := e.Repo.GetTask(ctx, cs.tx, opts.TaskID)
	if err != nil {
		return domain.Assignment{}, notFound(err, "task", opts.TaskID)
	}
	role := opts.Role
	if role == "" {
		res, err := e.Repo.GetResource(ctx, cs.tx, opts.ResourceID)
		switch {
		case err == nil:
			role = res.PrimaryRole
		case errors.Is(err, repo.ErrNotFound):
			return domain.Assignment{}, invalidf("role is required for resource %s outside the directory", opts.ResourceID)
		default:
			return domain.Assignment{}, err
		}
	}
	hours := opts.Hours
	if hours == 0 {
		hours = task.PlannedHours
	}
	a := domain.Assignment{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		ResourceID: opts.ResourceID,
		Role:       role,
		Start:      opts.Start,
		End:        opts.End,
		Hours:      hours,
		Provenance: domain.ProvenanceManual,
		CreatedAt:  e.stamp(),
	}
	if err := e.Repo.InsertAssignment(ctx, cs.tx, a); err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := e.Repo.SetAssignedResources(ctx, cs.tx, task.ID); err != nil {
		return domain.Assignment{}, err
	}
	if err := cs.append(ctx, "assignment.created", "assignment", a.ID, opts.ActorID, events.EventPayload{
		"task_id":     a.TaskID,
		"resource_id": a.ResourceID,
		"hours":       a.Hours,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := cs.commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// RemoveAssignment deletes a confirmed assignment.
func (e Engine) RemoveAssignment(ctx context.Context, id, actorID string) error {
	cs, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer cs.rollback()
	a, err := e.Repo.GetAssignment(ctx, cs.tx, id)
	if err != nil {
		return notFound(err, "assignment", id)
	}
	if err := e.Repo.DeleteAssignment(ctx, cs.tx, id); err != nil {
		return err
	}
	if err := e.Repo.SetAssignedResources(ctx, cs.tx, a.TaskID); err != nil {
		return err
	}
	if err := cs.append(ctx, "assignment.removed", "assignment", id, actorID, events.EventPayload{"task_id": a.TaskID}); err != nil {
		return err
	}
	return cs.commit()
}

// CreateSubstitutionRule stores a rule bounding substitutions.
func (e Engine) CreateSubstitutionRule(ctx context.Context, rule domain.SubstitutionRule, actorID string) (domain.SubstitutionRule, error) {
	if strings.TrimSpace(rule.Description) == "" {
		return rule, invalidf("description is required")
	}
	if rule.MaxDays <= 0 {
		return rule, invalidf("max_days must be > 0")
	}
	if rule.Cost < 0 {
		return rule, invalidf("cost must be >= 0")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt = e.stamp()
	cs, err := e.begin(ctx)
	if err != nil {
		return rule, err
	}
	defer cs.rollback()
	if err := e.Repo.InsertRule(ctx, cs.tx, rule); err != nil {
		return rule, fmt.Errorf("insert rule: %w", err)
	}
	if err := cs.append(ctx, "rule.created", "rule", rule.ID, actorID, events.EventPayload{"max_days": rule.MaxDays}); err != nil {
		return rule, err
	}
	return rule, cs.commit()
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, invalidf("start and end are required")
	}
	s, err := domain.ParseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, invalidf("%v", err)
	}
	en, err := domain.ParseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, invalidf("%v", err)
	}
	if en.Before(s) {
		return time.Time{}, time.Time{}, invalidf("end %s is before start %s", end, start)
	}
	return s, en, nil
}
