package server

import (
	"encoding/json"

	"operaflow/internal/domain"
	"operaflow/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ID                 *string `json:"id,omitempty"`
	ParentID           *string `json:"parent_id,omitempty"`
	Title              string  `json:"title"`
	Description        *string `json:"description,omitempty"`
	TaskType           *string `json:"task_type,omitempty"`
	SiteID             *string `json:"site_id,omitempty"`
	RequiredCompetence *string `json:"required_competence,omitempty"`
	PlannedStart       *string `json:"planned_start,omitempty" format:"date"`
	PlannedEnd         *string `json:"planned_end,omitempty" format:"date"`
	PlannedHours       float64 `json:"planned_hours,omitempty" minimum:"0"`
	IsMilestone        bool    `json:"is_milestone,omitempty"`
}

type UpdateTaskRequest struct {
	Title              *string  `json:"title,omitempty"`
	Description        *string  `json:"description,omitempty"`
	RequiredCompetence *string  `json:"required_competence,omitempty"`
	PlannedStart       *string  `json:"planned_start,omitempty"`
	PlannedEnd         *string  `json:"planned_end,omitempty"`
	PlannedHours       *float64 `json:"planned_hours,omitempty"`
	Progress           *int     `json:"progress,omitempty" minimum:"0" maximum:"100"`
	Status             *string  `json:"status,omitempty" enum:"not_started,in_progress,done,blocked,suspended,postponed,extended"`
	IsMilestone        *bool    `json:"is_milestone,omitempty"`
	ExpectedVersion    *int     `json:"expected_version,omitempty"`
	Force              bool     `json:"force,omitempty"`
}

type MoveTaskRequest struct {
	ParentID *string `json:"parent_id,omitempty"`
	Index    int     `json:"index" minimum:"0"`
}

type CreateAssignmentRequest struct {
	TaskID     string  `json:"task_id"`
	ResourceID string  `json:"resource_id"`
	Role       string  `json:"role,omitempty"`
	Start      string  `json:"start" format:"date"`
	End        string  `json:"end" format:"date"`
	Hours      float64 `json:"hours,omitempty" minimum:"0"`
}

type RequestProvisionalRequest struct {
	TaskID     string  `json:"task_id"`
	ResourceID string  `json:"resource_id"`
	ActingRole string  `json:"acting_role"`
	Start      string  `json:"start" format:"date"`
	End        string  `json:"end" format:"date"`
	Hours      float64 `json:"hours,omitempty" minimum:"0"`
	RuleID     *string `json:"rule_id,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty" format:"date-time"`
}

type DecideRequest struct {
	Approve bool `json:"approve"`
}

type ExpireRequest struct {
	Now *string `json:"now,omitempty" format:"date-time"`
}

type CreateRuleRequest struct {
	ID          *string `json:"id,omitempty"`
	Description string  `json:"description"`
	MaxDays     int     `json:"max_days" minimum:"1"`
	SourceRole  *string `json:"source_role,omitempty"`
	TargetRole  *string `json:"target_role,omitempty"`
	Cost        float64 `json:"cost,omitempty" minimum:"0"`
}

type DetectRequest struct {
	AsOf *string `json:"as_of,omitempty" format:"date"`
}

type DeclareRequest struct {
	Start string `json:"start" format:"date"`
	End   string `json:"end" format:"date"`
}

type RealizationRequest struct {
	Hours  float64 `json:"hours" minimum:"0"`
	Amount string  `json:"amount,omitempty" example:"1250.00"`
}

type UpsertResourceRequest struct {
	Name                string   `json:"name"`
	PrimaryRole         string   `json:"primary_role"`
	WeeklyCapacityHours float64  `json:"weekly_capacity_hours" minimum:"0"`
	Competencies        []string `json:"competencies,omitempty"`
}

type AbsenceRequest struct {
	ID     *string `json:"id,omitempty"`
	Start  string  `json:"start" format:"date"`
	End    string  `json:"end" format:"date"`
	Reason string  `json:"reason,omitempty"`
}

type LotRequest struct {
	ID      *string `json:"id,omitempty"`
	Label   string  `json:"label"`
	Amount  string  `json:"amount" example:"12000.00"`
	DueDate *string `json:"due_date,omitempty" format:"date"`
}

type UpsertContractRequest struct {
	Code          string       `json:"code"`
	Name          string       `json:"name"`
	PricingType   string       `json:"pricing_type,omitempty" enum:"bpu,fixed"`
	SiteID        string       `json:"site_id,omitempty"`
	Competence    string       `json:"competence,omitempty"`
	CapacityHours float64      `json:"capacity_hours" minimum:"0"`
	SoldHours     float64      `json:"sold_hours" minimum:"0"`
	Lots          []LotRequest `json:"lots,omitempty"`
}

type DirectoryImportRequest struct {
	YAML string `json:"yaml" doc:"Directory document with resources, absences and contracts"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string            `json:"actor_id"`
	Roles   []string          `json:"roles"`
	Access  map[string]string `json:"access"`
}

type LotResponse struct {
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	Amount  string  `json:"amount"`
	DueDate *string `json:"due_date,omitempty" format:"date"`
}

type ContractResponse struct {
	ID             string        `json:"id"`
	Code           string        `json:"code"`
	Name           string        `json:"name"`
	PricingType    string        `json:"pricing_type"`
	Status         string        `json:"status"`
	SiteID         string        `json:"site_id,omitempty"`
	Competence     string        `json:"competence,omitempty"`
	CapacityHours  float64       `json:"capacity_hours"`
	SoldHours      float64       `json:"sold_hours"`
	UmbrellaTaskID *string       `json:"umbrella_task_id,omitempty"`
	Lots           []LotResponse `json:"lots"`
}

type DeclarationResponse struct {
	Contract   ContractResponse `json:"contract"`
	Umbrella   domain.Task      `json:"umbrella"`
	Milestones []domain.Task    `json:"milestones"`
}

type SummaryResponse struct {
	ContractID     string  `json:"contract_id"`
	UmbrellaTaskID string  `json:"umbrella_task_id"`
	CapacityHours  float64 `json:"capacity_hours"`
	SoldHours      float64 `json:"sold_hours"`
	RealizedHours  float64 `json:"realized_hours"`
	RealizedAmount string  `json:"realized_amount"`
	FillRate       float64 `json:"fill_rate" doc:"Realized over capacity hours, percent"`
	CompletionRate float64 `json:"completion_rate" doc:"Realized over sold hours, percent"`
}

type RealizationResponse struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	Hours      float64 `json:"hours"`
	Amount     string  `json:"amount"`
	RecordedAt string  `json:"recorded_at"`
}

type DeletedResponse struct {
	Deleted []string `json:"deleted"`
}

type ExpiredResponse struct {
	Expired []string `json:"expired"`
}

type TreeCheckResponse struct {
	OK       bool     `json:"ok"`
	Problems []string `json:"problems"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type taskList struct {
	Items []domain.Task `json:"items"`
}

type assignmentList struct {
	Items []domain.Assignment `json:"items"`
}

type provisionalList struct {
	Items []domain.ProvisionalAssignment `json:"items"`
}

type ruleList struct {
	Items []domain.SubstitutionRule `json:"items"`
}

type conflictList struct {
	Items []domain.ResourceConflict `json:"items"`
}

func contractResponse(c domain.Contract) ContractResponse {
	out := ContractResponse{
		ID:             c.ID,
		Code:           c.Code,
		Name:           c.Name,
		PricingType:    c.PricingType,
		Status:         c.Status,
		SiteID:         c.SiteID,
		Competence:     c.Competence,
		CapacityHours:  c.CapacityHours,
		SoldHours:      c.SoldHours,
		UmbrellaTaskID: c.UmbrellaTaskID,
		Lots:           []LotResponse{},
	}
	for _, lot := range c.Lots {
		out.Lots = append(out.Lots, LotResponse{
			ID:      lot.ID,
			Label:   lot.Label,
			Amount:  lot.Amount.StringFixed(2),
			DueDate: lot.DueDate,
		})
	}
	return out
}

func declarationResponse(d engine.Declaration) DeclarationResponse {
	return DeclarationResponse{
		Contract:   contractResponse(d.Contract),
		Umbrella:   d.Umbrella,
		Milestones: nonNilSlice(d.Milestones),
	}
}

func summaryResponse(s domain.UmbrellaSummary) SummaryResponse {
	return SummaryResponse{
		ContractID:     s.ContractID,
		UmbrellaTaskID: s.UmbrellaTaskID,
		CapacityHours:  s.CapacityHours,
		SoldHours:      s.SoldHours,
		RealizedHours:  s.RealizedHours,
		RealizedAmount: s.RealizedAmount.StringFixed(2),
		FillRate:       s.FillRate,
		CompletionRate: s.CompletionRate,
	}
}

func realizationResponse(r domain.Realization) RealizationResponse {
	return RealizationResponse{
		ID:         r.ID,
		TaskID:     r.TaskID,
		Hours:      r.Hours,
		Amount:     r.Amount.StringFixed(2),
		RecordedAt: r.RecordedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
