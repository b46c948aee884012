package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the storage and wire format for plan dates.
const DateLayout = "2006-01-02"

const (
	TaskNotStarted = "not_started"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskBlocked    = "blocked"
	TaskSuspended  = "suspended"
	TaskPostponed  = "postponed"
	TaskExtended   = "extended"
)

const (
	ProvenanceManual    = "manual"
	ProvenanceAutomatic = "automatic"
)

const (
	ProvisionalPending  = "pending"
	ProvisionalApproved = "approved"
	ProvisionalRejected = "rejected"
	ProvisionalExpired  = "expired"
)

const (
	ConflictOverallocation     = "overallocation"
	ConflictAbsence            = "absence"
	ConflictCompetenceMismatch = "competence_mismatch"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

const (
	PricingUnitPrice = "bpu"
	PricingFixed     = "fixed"

	ContractDraft     = "draft"
	ContractValidated = "validated"
	ContractClosed    = "closed"
)

type Task struct {
	ID                  string   `json:"id"`
	ParentID            *string  `json:"parent_id,omitempty"`
	Level               int      `json:"level"`
	OrderIndex          int      `json:"order_index"`
	Title               string   `json:"title"`
	Description         string   `json:"description,omitempty"`
	TaskType            string   `json:"task_type"`
	SiteID              string   `json:"site_id,omitempty"`
	RequiredCompetence  string   `json:"required_competence,omitempty"`
	PlannedStart        string   `json:"planned_start,omitempty" format:"date"`
	PlannedEnd          string   `json:"planned_end,omitempty" format:"date"`
	ActualStart         string   `json:"actual_start,omitempty" format:"date"`
	ActualEnd           string   `json:"actual_end,omitempty" format:"date"`
	PlannedHours        float64  `json:"planned_hours"`
	ActualHours         float64  `json:"actual_hours"`
	Progress            int      `json:"progress"`
	Status              string   `json:"status" enum:"not_started,in_progress,done,blocked,suspended,postponed,extended"`
	AssignedResourceIDs []string `json:"assigned_resource_ids"`
	IsMilestone         bool     `json:"is_milestone"`
	IsUmbrella          bool     `json:"is_umbrella"`
	ContractID          *string  `json:"contract_id,omitempty"`
	Version             int      `json:"version"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	ResourceID    string  `json:"resource_id"`
	Role          string  `json:"role"`
	Start         string  `json:"start" format:"date"`
	End           string  `json:"end" format:"date"`
	Hours         float64 `json:"hours"`
	Provenance    string  `json:"provenance" enum:"manual,automatic"`
	ProvisionalID *string `json:"provisional_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type ProvisionalAssignment struct {
	ID           string   `json:"id"`
	TaskID       string   `json:"task_id"`
	ResourceID   string   `json:"resource_id"`
	ActingRole   string   `json:"acting_role"`
	PrimaryRole  string   `json:"primary_role"`
	Start        string   `json:"start" format:"date"`
	End          string   `json:"end" format:"date"`
	Hours        float64  `json:"hours"`
	PenaltyScore float64  `json:"penalty_score"`
	Status       string   `json:"status" enum:"pending,approved,rejected,expired"`
	ExpiresAt    string   `json:"expires_at" format:"date-time"`
	RequesterID  string   `json:"requester_id"`
	ApproverID   *string  `json:"approver_id,omitempty"`
	RuleID       *string  `json:"rule_id,omitempty"`
	DecidedAt    *string  `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	OverlapsWith []string `json:"overlaps_with,omitempty"`
}

type SubstitutionRule struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	MaxDays     int     `json:"max_days"`
	SourceRole  string  `json:"source_role,omitempty"`
	TargetRole  string  `json:"target_role,omitempty"`
	Cost        float64 `json:"cost"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type ResourceConflict struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resource_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Type       string         `json:"type" enum:"overallocation,absence,competence_mismatch"`
	Severity   string         `json:"severity" enum:"critical,high,medium,low"`
	Details    map[string]any `json:"details,omitempty"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *string        `json:"resolved_at,omitempty" format:"date-time"`
	DetectedAt string         `json:"detected_at" format:"date-time"`
}

// Key is the natural identity of a conflict.
func (c ResourceConflict) Key() string {
	return fmt.Sprintf("%s|%s|%s", c.ResourceID, c.TaskID, c.Type)
}

type Resource struct {
	ID                  string   `json:"id" yaml:"id"`
	Name                string   `json:"name" yaml:"name"`
	PrimaryRole         string   `json:"primary_role" yaml:"primary_role"`
	WeeklyCapacityHours float64  `json:"weekly_capacity_hours" yaml:"weekly_capacity_hours"`
	Competencies        []string `json:"competencies" yaml:"competencies"`
}

type Absence struct {
	ID         string `json:"id" yaml:"id"`
	ResourceID string `json:"resource_id" yaml:"resource_id"`
	Start      string `json:"start" yaml:"start" format:"date"`
	End        string `json:"end" yaml:"end" format:"date"`
	Reason     string `json:"reason,omitempty" yaml:"reason"`
}

type Contract struct {
	ID             string         `json:"id" yaml:"id"`
	Code           string         `json:"code" yaml:"code"`
	Name           string         `json:"name" yaml:"name"`
	PricingType    string         `json:"pricing_type" yaml:"pricing_type"`
	Status         string         `json:"status" yaml:"status"`
	SiteID         string         `json:"site_id,omitempty" yaml:"site_id"`
	Competence     string         `json:"competence,omitempty" yaml:"competence"`
	CapacityHours  float64        `json:"capacity_hours" yaml:"capacity_hours"`
	SoldHours      float64        `json:"sold_hours" yaml:"sold_hours"`
	UmbrellaTaskID *string        `json:"umbrella_task_id,omitempty" yaml:"-"`
	Lots           []FinancialLot `json:"lots" yaml:"lots"`
}

type FinancialLot struct {
	ID         string          `json:"id" yaml:"id"`
	ContractID string          `json:"contract_id" yaml:"-"`
	Label      string          `json:"label" yaml:"label"`
	Amount     decimal.Decimal `json:"amount" yaml:"amount"`
	DueDate    *string         `json:"due_date,omitempty" yaml:"due_date" format:"date"`
	Position   int             `json:"position" yaml:"-"`
}

type Realization struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Hours      float64         `json:"hours"`
	Amount     decimal.Decimal `json:"amount"`
	RecordedAt string          `json:"recorded_at" format:"date-time"`
}

type UmbrellaSummary struct {
	ContractID     string          `json:"contract_id"`
	UmbrellaTaskID string          `json:"umbrella_task_id"`
	CapacityHours  float64         `json:"capacity_hours"`
	SoldHours      float64         `json:"sold_hours"`
	RealizedHours  float64         `json:"realized_hours"`
	RealizedAmount decimal.Decimal `json:"realized_amount"`
	FillRate       float64         `json:"fill_rate"`
	CompletionRate float64         `json:"completion_rate"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// ParseDate parses a plan date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// SpanDays returns the inclusive number of days between two plan dates.
func SpanDays(start, end time.Time) int {
	return int(end.Sub(start).Hours()/24) + 1
}

// Overlaps reports whether two inclusive date ranges intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}
