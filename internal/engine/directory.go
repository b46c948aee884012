package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"operaflow/internal/domain"
	"operaflow/internal/events"
	"operaflow/internal/repo"
)

// Directory is the collaborator data fed into planning: who can work, when
// they are away and which contracts exist.
type Directory struct {
	Resources []domain.Resource `yaml:"resources"`
	Absences  []domain.Absence  `yaml:"absences"`
	Contracts []domain.Contract `yaml:"contracts"`
}

// ParseDirectory decodes a directory YAML document, rejecting unknown fields.
func ParseDirectory(data []byte) (Directory, error) {
	var d Directory
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return d, fmt.Errorf("%w: parse directory: %v", ErrInvalidInput, err)
	}
	return d, nil
}

// ImportReport counts the records written by ImportDirectory.
type ImportReport struct {
	Resources int `json:"resources"`
	Absences  int `json:"absences"`
	Contracts int `json:"contracts"`
}

// ImportDirectory upserts every record of d in one transaction.
func (e Engine) ImportDirectory(ctx context.Context, d Directory, actorID string) (ImportReport, error) {
	var rep ImportReport
	cs, err := e.begin(ctx)
	if err != nil {
		return rep, err
	}
	defer cs.rollback()
	for _, r := range d.Resources {
		if _, err := e.upsertResource(ctx, cs, r, actorID); err != nil {
			return rep, err
		}
		rep.Resources++
	}
	for _, a := range d.Absences {
		if _, err := e.recordAbsence(ctx, cs, a, actorID); err != nil {
			return rep, err
		}
		rep.Absences++
	}
	for _, c := range d.Contracts {
		if _, err := e.upsertContract(ctx, cs, c, actorID); err != nil {
			return rep, err
		}
		rep.Contracts++
	}
	return rep, cs.commit()
}

// UpsertResource stores a resource with its competencies.
func (e Engine) UpsertResource(ctx context.Context, r domain.Resource, actorID string) (domain.Resource, error) {
	cs, err := e.begin(ctx)
	if err != nil {
		return r, err
	}
	defer cs.rollback()
	if r, err = e.upsertResource(ctx, cs, r, actorID); err != nil {
		return r, err
	}
	return r, cs.commit()
}

func (e Engine) upsertResource(ctx context.Context, cs *changeSet, r domain.Resource, actorID string) (domain.Resource, error) {
	if strings.TrimSpace(r.ID) == "" {
		return r, invalidf("resource id is required")
	}
	if strings.TrimSpace(r.PrimaryRole) == "" {
		return r, invalidf("resource %s: primary role is required", r.ID)
	}
	if r.WeeklyCapacityHours < 0 {
		return r, invalidf("resource %s: weekly capacity must be >= 0", r.ID)
	}
	if r.Competencies == nil {
		r.Competencies = []string{}
	}
	if err := e.Repo.UpsertResource(ctx, cs.tx, r); err != nil {
		return r, err
	}
	return r, cs.append(ctx, "resource.upserted", "resource", r.ID, actorID, events.EventPayload{
		"primary_role": r.PrimaryRole,
		"capacity":     r.WeeklyCapacityHours,
	})
}

// RecordAbsence stores an absence of a known resource.
func (e Engine) RecordAbsence(ctx context.Context, a domain.Absence, actorID string) (domain.Absence, error) {
	cs, err := e.begin(ctx)
	if err != nil {
		return a, err
	}
	defer cs.rollback()
	if a, err = e.recordAbsence(ctx, cs, a, actorID); err != nil {
		return a, err
	}
	return a, cs.commit()
}

func (e Engine) recordAbsence(ctx context.Context, cs *changeSet, a domain.Absence, actorID string) (domain.Absence, error) {
	if _, _, err := parseRange(a.Start, a.End); err != nil {
		return a, err
	}
	if _, err := e.Repo.GetResource(ctx, cs.tx, a.ResourceID); err != nil {
		return a, notFound(err, "resource", a.ResourceID)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := e.Repo.UpsertAbsence(ctx, cs.tx, a); err != nil {
		return a, fmt.Errorf("upsert absence: %w", err)
	}
	return a, cs.append(ctx, "absence.recorded", "resource", a.ResourceID, actorID, events.EventPayload{
		"absence_id": a.ID,
		"start":      a.Start,
		"end":        a.End,
	})
}

// UpsertContract stores contract data. A new contract starts as draft; the
// lots of a validated contract can no longer change.
func (e Engine) UpsertContract(ctx context.Context, c domain.Contract, actorID string) (domain.Contract, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	unlock := e.Locks.Lock(contractLockKey(c.ID))
	defer unlock()
	cs, err := e.begin(ctx)
	if err != nil {
		return c, err
	}
	defer cs.rollback()
	if c, err = e.upsertContract(ctx, cs, c, actorID); err != nil {
		return c, err
	}
	return c, cs.commit()
}

func (e Engine) upsertContract(ctx context.Context, cs *changeSet, c domain.Contract, actorID string) (domain.Contract, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if strings.TrimSpace(c.Code) == "" {
		return c, invalidf("contract %s: code is required", c.ID)
	}
	switch c.PricingType {
	case domain.PricingUnitPrice, domain.PricingFixed:
	case "":
		c.PricingType = domain.PricingUnitPrice
	default:
		return c, invalidf("contract %s: unknown pricing type %q", c.ID, c.PricingType)
	}
	if c.CapacityHours < 0 || c.SoldHours < 0 {
		return c, invalidf("contract %s: hours must be >= 0", c.ID)
	}
	if c.Lots == nil {
		c.Lots = []domain.FinancialLot{}
	}
	for i := range c.Lots {
		lot := &c.Lots[i]
		if lot.ID == "" {
			lot.ID = uuid.NewSHA1(conflictNamespace, []byte(fmt.Sprintf("%s/lot/%d", c.ID, i))).String()
		}
		if lot.Amount.IsNegative() {
			return c, invalidf("lot %s: amount must be >= 0", lot.ID)
		}
		if lot.DueDate != nil && *lot.DueDate != "" {
			if _, err := domain.ParseDate(*lot.DueDate); err != nil {
				return c, invalidf("lot %s: %v", lot.ID, err)
			}
		}
		lot.ContractID = c.ID
		lot.Position = i
	}

	prev, err := e.Repo.GetContract(ctx, cs.tx, c.ID)
	switch {
	case err == nil:
		if prev.Status == domain.ContractValidated && !sameLots(prev.Lots, c.Lots) {
			return c, fmt.Errorf("%w: lots of %s can no longer change", ErrAlreadyDeclared, c.ID)
		}
		c.Status = prev.Status
		c.UmbrellaTaskID = prev.UmbrellaTaskID
	case errors.Is(err, repo.ErrNotFound):
		c.Status = domain.ContractDraft
	default:
		return c, err
	}
	if err := e.Repo.UpsertContract(ctx, cs.tx, c); err != nil {
		return c, err
	}
	return c, cs.append(ctx, "contract.upserted", "contract", c.ID, actorID, events.EventPayload{
		"pricing_type": c.PricingType,
		"lots":         len(c.Lots),
	})
}

func sameLots(a, b []domain.FinancialLot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !a[i].Amount.Equal(b[i].Amount) {
			return false
		}
	}
	return true
}
