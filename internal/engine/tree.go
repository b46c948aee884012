package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"operaflow/internal/domain"
	"operaflow/internal/events"
	"operaflow/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                 string
	ParentID           string
	Title              string
	Description        string
	TaskType           string
	SiteID             string
	RequiredCompetence string
	PlannedStart       string
	PlannedEnd         string
	PlannedHours       float64
	IsMilestone        bool
	IsUmbrella         bool
	ContractID         string
	ActorID            string
}

// CreateTask inserts a root task, or a child appended after its last sibling.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	unlock := e.Locks.Lock(treeLockKey)
	defer unlock()

	cs, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer cs.rollback()

	t, err := e.insertTask(ctx, cs, opts)
	if err != nil {
		return domain.Task{}, err
	}
	if err := cs.commit(); err != nil {
		return domain.Task{}, err
	}
	getMetrics().treeMutations.WithLabelValues("create").Inc()
	return t, nil
}

func (e Engine) insertTask(ctx context.Context, cs *changeSet, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, invalidf("title is required")
	}
	if opts.PlannedHours < 0 {
		return domain.Task{}, invalidf("planned hours must be >= 0")
	}
	if err := validateRange(opts.PlannedStart, opts.PlannedEnd); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	var parentID *string
	level := 0
	if opts.ParentID != "" {
		if opts.ParentID == id {
			return domain.Task{}, fmt.Errorf("%w: task %s cannot be its own parent", ErrCycleDetected, id)
		}
		parent, err := e.Repo.GetTask(ctx, cs.tx, opts.ParentID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, fmt.Errorf("%w: parent %s does not exist", ErrInvalidParent, opts.ParentID)
			}
			return domain.Task{}, err
		}
		parentID = &parent.ID
		level = parent.Level + 1
	}
	order, err := e.Repo.NextOrderIndex(ctx, cs.tx, parentID)
	if err != nil {
		return domain.Task{}, err
	}
	taskType := opts.TaskType
	if taskType == "" {
		taskType = "work"
	}
	now := e.stamp()
	t := domain.Task{
		ID:                  id,
		ParentID:            parentID,
		Level:               level,
		OrderIndex:          order,
		Title:               title,
		Description:         opts.Description,
		TaskType:            taskType,
		SiteID:              opts.SiteID,
		RequiredCompetence:  opts.RequiredCompetence,
		PlannedStart:        opts.PlannedStart,
		PlannedEnd:          opts.PlannedEnd,
		PlannedHours:        opts.PlannedHours,
		Status:              domain.TaskNotStarted,
		AssignedResourceIDs: []string{},
		IsMilestone:         opts.IsMilestone,
		IsUmbrella:          opts.IsUmbrella,
		ContractID:          optionalString(opts.ContractID),
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.Repo.InsertTask(ctx, cs.tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := cs.append(ctx, "task.created", "task", t.ID, opts.ActorID, events.EventPayload{
		"parent_id": opts.ParentID,
		"level":     t.Level,
		"order":     t.OrderIndex,
		"title":     t.Title,
	}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskMoveOptions re-parents and/or reorders a task. An empty NewParentID
// moves the task to the roots. NewIndex is clamped to the sibling range.
type TaskMoveOptions struct {
	ID          string
	NewParentID string
	NewIndex    int
	ActorID     string
}

// MoveTask re-parents or reorders a task and recomputes the levels of its subtree.
func (e Engine) MoveTask(ctx context.Context, opts TaskMoveOptions) (domain.Task, error) {
	unlock := e.Locks.Lock(treeLockKey)
	defer unlock()

	cs, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer cs.rollback()

	t, err := e.Repo.GetTask(ctx, cs.tx, opts.ID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", opts.ID)
	}
	var newParent *string
	newLevel := 0
	if opts.NewParentID != "" {
		parent, err := e.Repo.GetTask(ctx, cs.tx, opts.NewParentID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, fmt.Errorf("%w: parent %s does not exist", ErrInvalidParent, opts.NewParentID)
			}
			return domain.Task{}, err
		}
		if err := e.ensureNoCycle(ctx, cs.tx, parent.ID, t.ID); err != nil {
			return domain.Task{}, err
		}
		newParent = &parent.ID
		newLevel = parent.Level + 1
	}

	oldSiblings, err := e.Repo.ChildIDs(ctx, cs.tx, t.ParentID)
	if err != nil {
		return domain.Task{}, err
	}
	oldSiblings = without(oldSiblings, t.ID)
	sameParent := ptrEqual(t.ParentID, newParent)
	newSiblings := oldSiblings
	if !sameParent {
		if newSiblings, err = e.Repo.ChildIDs(ctx, cs.tx, newParent); err != nil {
			return domain.Task{}, err
		}
	}
	index := clamp(opts.NewIndex, 0, len(newSiblings))
	ordered := make([]string, 0, len(newSiblings)+1)
	ordered = append(ordered, newSiblings[:index]...)
	ordered = append(ordered, t.ID)
	ordered = append(ordered, newSiblings[index:]...)

	if err := e.Repo.MoveTaskRow(ctx, cs.tx, t.ID, newParent, newLevel, t.Version, e.stamp()); err != nil {
		return domain.Task{}, stale(err)
	}
	if !sameParent {
		if err := e.Repo.ReorderSiblings(ctx, cs.tx, oldSiblings); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.ReorderSiblings(ctx, cs.tx, ordered); err != nil {
		return domain.Task{}, err
	}
	if newLevel != t.Level {
		if err := e.relevelChildren(ctx, cs.tx, t.ID, newLevel); err != nil {
			return domain.Task{}, err
		}
	}
	if err := cs.append(ctx, "task.moved", "task", t.ID, opts.ActorID, events.EventPayload{
		"from_parent": derefOr(t.ParentID, ""),
		"to_parent":   opts.NewParentID,
		"index":       index,
		"level":       newLevel,
	}); err != nil {
		return domain.Task{}, err
	}
	moved, err := e.Repo.GetTask(ctx, cs.tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := cs.commit(); err != nil {
		return domain.Task{}, err
	}
	getMetrics().treeMutations.WithLabelValues("move").Inc()
	return moved, nil
}

// relevelChildren rewrites the level of every descendant of id.
func (e Engine) relevelChildren(ctx context.Context, tx *sql.Tx, id string, level int) error {
	children, err := e.Repo.ChildIDs(ctx, tx, &id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.Repo.SetLevel(ctx, tx, child, level+1); err != nil {
			return err
		}
		if err := e.relevelChildren(ctx, tx, child, level+1); err != nil {
			return err
		}
	}
	return nil
}

// ensureNoCycle walks the ancestors of parentID and fails if childID is among them.
func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	seen := map[string]bool{}
	cur := parentID
	for cur != "" {
		if cur == childID {
			return fmt.Errorf("%w: %s is a descendant of %s", ErrCycleDetected, parentID, childID)
		}
		if seen[cur] {
			return fmt.Errorf("%w: existing loop through %s", ErrCycleDetected, cur)
		}
		seen[cur] = true
		t, err := e.Repo.GetTask(ctx, tx, cur)
		if err != nil {
			return notFound(err, "task", cur)
		}
		cur = derefOr(t.ParentID, "")
	}
	return nil
}

// DeleteTask removes a childless task, or its whole subtree when cascade is
// set, along with dependent assignments and conflicts. A contract whose
// umbrella is removed goes back to draft and can be declared again.
// It returns the ids removed.
func (e Engine) DeleteTask(ctx context.Context, id string, cascade bool, actorID string) ([]string, error) {
	unlock := e.Locks.Lock(treeLockKey)
	defer unlock()

	cs, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cs.rollback()

	t, err := e.Repo.GetTask(ctx, cs.tx, id)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	ids, err := e.Repo.SubtreeIDs(ctx, cs.tx, id)
	if err != nil {
		return nil, err
	}
	if len(ids) > 1 && !cascade {
		return nil, fmt.Errorf("%w: %s has %d descendants", ErrHasChildren, id, len(ids)-1)
	}
	released, err := e.Repo.ReleaseUmbrellas(ctx, cs.tx, ids)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.DeleteTasks(ctx, cs.tx, ids); err != nil {
		return nil, err
	}
	for _, contractID := range released {
		if err := cs.append(ctx, "contract.released", "contract", contractID, actorID, events.EventPayload{
			"deleted_task_id": id,
		}); err != nil {
			return nil, err
		}
	}
	siblings, err := e.Repo.ChildIDs(ctx, cs.tx, t.ParentID)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.ReorderSiblings(ctx, cs.tx, siblings); err != nil {
		return nil, err
	}
	if err := cs.append(ctx, "task.deleted", "task", id, actorID, events.EventPayload{
		"cascade": cascade,
		"removed": ids,
	}); err != nil {
		return nil, err
	}
	if err := cs.commit(); err != nil {
		return nil, err
	}
	getMetrics().treeMutations.WithLabelValues("delete").Inc()
	return ids, nil
}

// TaskUpdateOptions carries the attributes to change; nil fields are kept.
// ExpectedVersion, when non-zero, must match the stored version.
type TaskUpdateOptions struct {
	ID                 string
	Title              *string
	Description        *string
	Status             *string
	RequiredCompetence *string
	PlannedStart       *string
	PlannedEnd         *string
	ActualStart        *string
	ActualEnd          *string
	PlannedHours       *float64
	ActualHours        *float64
	Progress           *int
	IsMilestone        *bool
	ExpectedVersion    int
	Force              bool
	ActorID            string
}

// UpdateTask changes status, dates, effort and progress of a task.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	cs, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer cs.rollback()

	t, err := e.Repo.GetTask(ctx, cs.tx, opts.ID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", opts.ID)
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != t.Version {
		return domain.Task{}, fmt.Errorf("%w: task %s is at version %d", ErrConcurrentUpdate, t.ID, t.Version)
	}
	oldStatus := t.Status
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return domain.Task{}, invalidf("title cannot be empty")
		}
		t.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.RequiredCompetence != nil {
		t.RequiredCompetence = *opts.RequiredCompetence
	}
	if opts.IsMilestone != nil {
		t.IsMilestone = *opts.IsMilestone
	}
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&t.PlannedStart, opts.PlannedStart)
	assign(&t.PlannedEnd, opts.PlannedEnd)
	assign(&t.ActualStart, opts.ActualStart)
	assign(&t.ActualEnd, opts.ActualEnd)
	if err := validateRange(t.PlannedStart, t.PlannedEnd); err != nil {
		return domain.Task{}, err
	}
	if err := validateRange(t.ActualStart, t.ActualEnd); err != nil {
		return domain.Task{}, err
	}
	if opts.PlannedHours != nil {
		if *opts.PlannedHours < 0 {
			return domain.Task{}, invalidf("planned hours must be >= 0")
		}
		t.PlannedHours = *opts.PlannedHours
	}
	if opts.ActualHours != nil {
		if *opts.ActualHours < 0 {
			return domain.Task{}, invalidf("actual hours must be >= 0")
		}
		t.ActualHours = *opts.ActualHours
	}
	if opts.Progress != nil {
		if *opts.Progress < 0 || *opts.Progress > 100 {
			return domain.Task{}, invalidf("progress must be between 0 and 100")
		}
		t.Progress = *opts.Progress
	}
	if opts.Status != nil && *opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, *opts.Status, opts.Force); err != nil {
			return domain.Task{}, err
		}
		t.Status = *opts.Status
		today := e.now().Format(domain.DateLayout)
		switch t.Status {
		case domain.TaskInProgress:
			if t.ActualStart == "" {
				t.ActualStart = today
			}
		case domain.TaskDone:
			t.Progress = 100
			if t.ActualEnd == "" {
				t.ActualEnd = today
			}
		}
	}
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, cs.tx, t); err != nil {
		return domain.Task{}, stale(err)
	}
	payload := events.EventPayload{"progress": t.Progress}
	if oldStatus != t.Status {
		payload["from"] = oldStatus
		payload["to"] = t.Status
	}
	if err := cs.append(ctx, "task.updated", "task", t.ID, opts.ActorID, payload); err != nil {
		return domain.Task{}, err
	}
	t.Version++
	if err := cs.commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

var taskTransitions = map[string][]string{
	domain.TaskNotStarted: {domain.TaskInProgress, domain.TaskBlocked, domain.TaskSuspended, domain.TaskPostponed},
	domain.TaskInProgress: {domain.TaskDone, domain.TaskBlocked, domain.TaskSuspended, domain.TaskExtended},
	domain.TaskBlocked:    {domain.TaskInProgress, domain.TaskSuspended, domain.TaskPostponed},
	domain.TaskSuspended:  {domain.TaskInProgress, domain.TaskPostponed},
	domain.TaskPostponed:  {domain.TaskNotStarted, domain.TaskInProgress},
	domain.TaskExtended:   {domain.TaskInProgress, domain.TaskDone, domain.TaskBlocked},
	domain.TaskDone:       {},
}

func ensureTaskTransition(oldStatus, newStatus string, force bool) error {
	if _, ok := taskTransitions[newStatus]; !ok {
		return invalidf("unknown status %q", newStatus)
	}
	if force {
		return nil
	}
	for _, next := range taskTransitions[oldStatus] {
		if next == newStatus {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// Walk yields the tree under rootID (every root when empty) depth first,
// siblings by order_index. Children are read only when the walk reaches them,
// and each range over the sequence starts a fresh walk.
func (e Engine) Walk(ctx context.Context, rootID string) iter.Seq2[domain.Task, error] {
	return func(yield func(domain.Task, error) bool) {
		var stack [][]domain.Task
		if rootID == "" {
			roots, err := e.Repo.ListChildren(ctx, nil, nil)
			if err != nil {
				yield(domain.Task{}, err)
				return
			}
			stack = append(stack, roots)
		} else {
			root, err := e.Repo.GetTask(ctx, nil, rootID)
			if err != nil {
				yield(domain.Task{}, notFound(err, "task", rootID))
				return
			}
			stack = append(stack, []domain.Task{root})
		}
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				yield(domain.Task{}, err)
				return
			}
			top := stack[len(stack)-1]
			if len(top) == 0 {
				stack = stack[:len(stack)-1]
				continue
			}
			t := top[0]
			stack[len(stack)-1] = top[1:]
			if !yield(t, nil) {
				return
			}
			children, err := e.Repo.ListChildren(ctx, nil, &t.ID)
			if err != nil {
				yield(domain.Task{}, err)
				return
			}
			if len(children) > 0 {
				stack = append(stack, children)
			}
		}
	}
}

// Tree collects Walk into a slice.
func (e Engine) Tree(ctx context.Context, rootID string) ([]domain.Task, error) {
	var out []domain.Task
	for t, err := range e.Walk(ctx, rootID) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CheckTree verifies level, parent and ordering invariants over the whole
// store and returns one message per violation.
func (e Engine) CheckTree(ctx context.Context) ([]string, error) {
	tasks, err := e.Repo.ListTasks(ctx, nil, repo.TaskFilters{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	var problems []string
	positions := map[string]map[int]string{}
	for _, t := range tasks {
		parentKey := derefOr(t.ParentID, "")
		if positions[parentKey] == nil {
			positions[parentKey] = map[int]string{}
		}
		if other, dup := positions[parentKey][t.OrderIndex]; dup {
			problems = append(problems, fmt.Sprintf("tasks %s and %s share order %d", other, t.ID, t.OrderIndex))
		}
		positions[parentKey][t.OrderIndex] = t.ID

		if t.ParentID == nil {
			if t.Level != 0 {
				problems = append(problems, fmt.Sprintf("root %s has level %d", t.ID, t.Level))
			}
			continue
		}
		parent, ok := byID[*t.ParentID]
		if !ok {
			problems = append(problems, fmt.Sprintf("task %s references missing parent %s", t.ID, *t.ParentID))
			continue
		}
		if t.Level != parent.Level+1 {
			problems = append(problems, fmt.Sprintf("task %s has level %d, parent %s has %d", t.ID, t.Level, parent.ID, parent.Level))
		}
		seen := map[string]bool{t.ID: true}
		for cur := t.ParentID; cur != nil; {
			if seen[*cur] {
				problems = append(problems, fmt.Sprintf("task %s is its own ancestor", t.ID))
				break
			}
			seen[*cur] = true
			next, ok := byID[*cur]
			if !ok {
				break
			}
			cur = next.ParentID
		}
	}
	if len(problems) > 0 {
		e.logger().WithField("violations", len(problems)).Warn("task tree invariants violated")
	} else {
		e.logger().WithFields(logrus.Fields{"tasks": len(tasks)}).Debug("task tree checked")
	}
	return problems, nil
}

func validateRange(start, end string) error {
	if start == "" || end == "" {
		for _, d := range []string{start, end} {
			if d != "" {
				if _, err := domain.ParseDate(d); err != nil {
					return invalidf("%v", err)
				}
			}
		}
		return nil
	}
	s, err := domain.ParseDate(start)
	if err != nil {
		return invalidf("%v", err)
	}
	en, err := domain.ParseDate(end)
	if err != nil {
		return invalidf("%v", err)
	}
	if en.Before(s) {
		return invalidf("end %s is before start %s", end, start)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
