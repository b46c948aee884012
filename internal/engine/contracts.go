package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"operaflow/internal/domain"
	"operaflow/internal/events"
)

// Declaration is the task structure derived from a contract.
type Declaration struct {
	Contract   domain.Contract `json:"contract"`
	Umbrella   domain.Task     `json:"umbrella"`
	Milestones []domain.Task   `json:"milestones"`
}

// DeclareIntoPlanning derives an umbrella task and one milestone per financial
// lot from a unit-priced contract, then marks the contract validated. Either
// everything is written or nothing is.
func (e Engine) DeclareIntoPlanning(ctx context.Context, contractID, start, end, actorID string) (Declaration, error) {
	d, err := e.declare(ctx, contractID, start, end, actorID)
	result := "ok"
	switch {
	case errors.Is(err, ErrAlreadyDeclared):
		result = "already_declared"
	case err != nil:
		result = "error"
	}
	getMetrics().declarations.WithLabelValues(result).Inc()
	return d, err
}

func (e Engine) declare(ctx context.Context, contractID, start, end, actorID string) (Declaration, error) {
	if _, _, err := parseRange(start, end); err != nil {
		return Declaration{}, err
	}
	unlock := e.Locks.Lock(contractLockKey(contractID), treeLockKey)
	defer unlock()

	cs, err := e.begin(ctx)
	if err != nil {
		return Declaration{}, err
	}
	defer cs.rollback()

	c, err := e.Repo.GetContract(ctx, cs.tx, contractID)
	if err != nil {
		return Declaration{}, notFound(err, "contract", contractID)
	}
	if c.Status == domain.ContractValidated {
		return Declaration{}, fmt.Errorf("%w: %s", ErrAlreadyDeclared, c.ID)
	}
	if c.PricingType != domain.PricingUnitPrice {
		return Declaration{}, fmt.Errorf("%w: %s is %s", ErrNotUnitPriced, c.ID, c.PricingType)
	}
	if len(c.Lots) == 0 {
		return Declaration{}, fmt.Errorf("%w: %s", ErrNoFinancialLots, c.ID)
	}

	title := strings.TrimSpace(c.Code + " " + c.Name)
	if title == "" {
		title = c.ID
	}
	umbrella, err := e.insertTask(ctx, cs, TaskCreateOptions{
		Title:              title,
		TaskType:           "umbrella",
		SiteID:             c.SiteID,
		RequiredCompetence: c.Competence,
		PlannedStart:       start,
		PlannedEnd:         end,
		PlannedHours:       c.CapacityHours,
		IsUmbrella:         true,
		ContractID:         c.ID,
		ActorID:            actorID,
	})
	if err != nil {
		return Declaration{}, fmt.Errorf("create umbrella task: %w", err)
	}
	out := Declaration{Umbrella: umbrella, Milestones: make([]domain.Task, 0, len(c.Lots))}
	for i, lot := range c.Lots {
		label := strings.TrimSpace(lot.Label)
		if label == "" {
			label = fmt.Sprintf("Lot %d", i+1)
		}
		due := end
		if lot.DueDate != nil && *lot.DueDate != "" {
			due = *lot.DueDate
		}
		m, err := e.insertTask(ctx, cs, TaskCreateOptions{
			ParentID:           umbrella.ID,
			Title:              label,
			Description:        fmt.Sprintf("Financial lot %s (%s)", lot.ID, lot.Amount.StringFixed(2)),
			TaskType:           "milestone",
			SiteID:             c.SiteID,
			RequiredCompetence: c.Competence,
			PlannedStart:       due,
			PlannedEnd:         due,
			IsMilestone:        true,
			ContractID:         c.ID,
			ActorID:            actorID,
		})
		if err != nil {
			return Declaration{}, fmt.Errorf("create milestone for lot %s: %w", lot.ID, err)
		}
		out.Milestones = append(out.Milestones, m)
	}

	ok, err := e.Repo.MarkContractDeclared(ctx, cs.tx, c.ID, umbrella.ID)
	if err != nil {
		return Declaration{}, fmt.Errorf("validate contract: %w", err)
	}
	if !ok {
		return Declaration{}, fmt.Errorf("%w: %s", ErrAlreadyDeclared, c.ID)
	}
	c.Status = domain.ContractValidated
	c.UmbrellaTaskID = &umbrella.ID
	out.Contract = c
	if err := cs.append(ctx, "contract.declared", "contract", c.ID, actorID, events.EventPayload{
		"umbrella_task_id": umbrella.ID,
		"milestones":       len(out.Milestones),
		"start":            start,
		"end":              end,
	}); err != nil {
		return Declaration{}, err
	}
	if err := cs.commit(); err != nil {
		return Declaration{}, err
	}
	e.logger().WithFields(logrus.Fields{
		"contract":   c.ID,
		"umbrella":   umbrella.ID,
		"milestones": len(out.Milestones),
	}).Info("contract declared into planning")
	return out, nil
}

// RealizationOptions record execution against a task.
type RealizationOptions struct {
	TaskID  string
	Hours   float64
	Amount  decimal.Decimal
	ActorID string
}

// RecordRealization stores realized hours and amount and adds the hours to
// the actual effort of the task and each of its ancestors.
func (e Engine) RecordRealization(ctx context.Context, opts RealizationOptions) (domain.Realization, error) {
	if opts.Hours < 0 {
		return domain.Realization{}, invalidf("hours must be >= 0")
	}
	if opts.Amount.IsNegative() {
		return domain.Realization{}, invalidf("amount must be >= 0")
	}
	cs, err := e.begin(ctx)
	if err != nil {
		return domain.Realization{}, err
	}
	defer cs.rollback()
	task, err := e.Repo.GetTask(ctx, cs.tx, opts.TaskID)
	if err != nil {
		return domain.Realization{}, notFound(err, "task", opts.TaskID)
	}
	now := e.stamp()
	rz := domain.Realization{
		ID:         uuid.NewString(),
		TaskID:     opts.TaskID,
		Hours:      opts.Hours,
		Amount:     opts.Amount,
		RecordedAt: now,
	}
	if err := e.Repo.InsertRealization(ctx, cs.tx, rz); err != nil {
		return domain.Realization{}, fmt.Errorf("insert realization: %w", err)
	}
	if err := e.rollUpActualHours(ctx, cs.tx, task, rz.Hours, now); err != nil {
		return domain.Realization{}, err
	}
	if err := cs.append(ctx, "realization.recorded", "task", rz.TaskID, opts.ActorID, events.EventPayload{
		"hours":  rz.Hours,
		"amount": rz.Amount.String(),
	}); err != nil {
		return domain.Realization{}, err
	}
	return rz, cs.commit()
}

func (e Engine) rollUpActualHours(ctx context.Context, tx *sql.Tx, task domain.Task, hours float64, now string) error {
	seen := map[string]bool{}
	for {
		if seen[task.ID] {
			return fmt.Errorf("%w: existing loop through %s", ErrCycleDetected, task.ID)
		}
		seen[task.ID] = true
		if err := e.Repo.AddActualHours(ctx, tx, task.ID, hours, now); err != nil {
			return err
		}
		if task.ParentID == nil {
			return nil
		}
		parent, err := e.Repo.GetTask(ctx, tx, *task.ParentID)
		if err != nil {
			return notFound(err, "task", *task.ParentID)
		}
		task = parent
	}
}

// UmbrellaSummary aggregates realizations under a declared contract's umbrella
// task. Rates are percentages and are 0 when their denominator is 0.
func (e Engine) UmbrellaSummary(ctx context.Context, contractID string) (domain.UmbrellaSummary, error) {
	c, err := e.Repo.GetContract(ctx, nil, contractID)
	if err != nil {
		return domain.UmbrellaSummary{}, notFound(err, "contract", contractID)
	}
	if c.UmbrellaTaskID == nil {
		return domain.UmbrellaSummary{}, NotFoundError{Kind: "umbrella task of contract", ID: contractID}
	}
	ids, err := e.Repo.SubtreeIDs(ctx, nil, *c.UmbrellaTaskID)
	if err != nil {
		return domain.UmbrellaSummary{}, notFound(err, "task", *c.UmbrellaTaskID)
	}
	hours, amount, err := e.Repo.SumRealizations(ctx, nil, ids)
	if err != nil {
		return domain.UmbrellaSummary{}, err
	}
	return domain.UmbrellaSummary{
		ContractID:     c.ID,
		UmbrellaTaskID: *c.UmbrellaTaskID,
		CapacityHours:  c.CapacityHours,
		SoldHours:      c.SoldHours,
		RealizedHours:  hours,
		RealizedAmount: amount,
		FillRate:       rate(hours, c.CapacityHours),
		CompletionRate: rate(hours, c.SoldHours),
	}, nil
}

func rate(value, denominator float64) float64 {
	if denominator <= 0 {
		return 0
	}
	r := value / denominator * 100
	if r < 0 {
		return 0
	}
	return round2(r)
}
