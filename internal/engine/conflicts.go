package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"operaflow/internal/domain"
	"operaflow/internal/events"
	"operaflow/internal/repo"
)

// conflictNamespace seeds deterministic conflict ids derived from the natural key.
var conflictNamespace = uuid.MustParse("6f1d3c1e-8f5b-4e0a-9a51-0c7c2b7f4d11")

// DetectionReport summarizes one detection pass.
type DetectionReport struct {
	AsOf      string                    `json:"as_of" format:"date"`
	Conflicts []domain.ResourceConflict `json:"conflicts"`
	Created   int                       `json:"created"`
	Updated   int                       `json:"updated"`
	Cleared   int                       `json:"cleared"`
}

type finding struct {
	resourceID string
	taskID     string
	kind       string
	severity   string
	details    map[string]any
}

func (f finding) key() string {
	return domain.ResourceConflict{ResourceID: f.resourceID, TaskID: f.taskID, Type: f.kind}.Key()
}

// DetectConflicts recomputes the conflict set from assignments ending on or
// after asOf. Conditions that still hold keep their id and resolved flag;
// conditions that no longer hold are removed. Missing directory data never
// produces a conflict.
func (e Engine) DetectConflicts(ctx context.Context, asOf time.Time) (DetectionReport, error) {
	started := time.Now()
	report, err := e.detectConflicts(ctx, asOf)
	m := getMetrics()
	m.detectLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		m.detectionRuns.WithLabelValues("error").Inc()
		return DetectionReport{}, err
	}
	m.detectionRuns.WithLabelValues("ok").Inc()
	m.conflicts.Reset()
	for _, c := range report.Conflicts {
		m.conflicts.WithLabelValues(c.Type, c.Severity).Inc()
	}
	e.logger().WithFields(logrus.Fields{
		"as_of":   report.AsOf,
		"total":   len(report.Conflicts),
		"created": report.Created,
		"updated": report.Updated,
		"cleared": report.Cleared,
	}).Debug("conflict detection finished")
	return report, nil
}

func (e Engine) detectConflicts(ctx context.Context, asOf time.Time) (DetectionReport, error) {
	day := asOf.UTC().Format(domain.DateLayout)
	report := DetectionReport{AsOf: day}

	cs, err := e.begin(ctx)
	if err != nil {
		return report, err
	}
	defer cs.rollback()

	resources, err := e.Repo.ListResources(ctx, cs.tx)
	if err != nil {
		return report, fmt.Errorf("load resources: %w", err)
	}
	absences, err := e.Repo.ListAbsences(ctx, cs.tx, day)
	if err != nil {
		return report, fmt.Errorf("load absences: %w", err)
	}
	assignments, err := e.Repo.ListAssignments(ctx, cs.tx, repo.AssignmentFilters{EndingFrom: day})
	if err != nil {
		return report, fmt.Errorf("load assignments: %w", err)
	}
	tasks, err := e.Repo.ListTasks(ctx, cs.tx, repo.TaskFilters{})
	if err != nil {
		return report, fmt.Errorf("load tasks: %w", err)
	}
	taskByID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		taskByID[t.ID] = t
	}

	findings, err := e.evaluate(asOf, resources, absences, assignments, taskByID)
	if err != nil {
		return report, err
	}

	existing, err := e.Repo.ListConflicts(ctx, cs.tx, repo.ConflictFilters{})
	if err != nil {
		return report, err
	}
	current := make(map[string]domain.ResourceConflict, len(existing))
	for _, c := range existing {
		current[c.Key()] = c
	}
	now := e.stamp()
	for _, f := range findings {
		k := f.key()
		prev, ok := current[k]
		delete(current, k)
		if !ok {
			c := domain.ResourceConflict{
				ID:         uuid.NewSHA1(conflictNamespace, []byte(k)).String(),
				ResourceID: f.resourceID,
				TaskID:     f.taskID,
				Type:       f.kind,
				Severity:   f.severity,
				Details:    f.details,
				DetectedAt: now,
			}
			if err := e.Repo.InsertConflict(ctx, cs.tx, c); err != nil {
				return report, fmt.Errorf("insert conflict %s: %w", k, err)
			}
			if err := cs.append(ctx, "conflict.detected", "conflict", c.ID, "system", events.EventPayload{
				"resource_id": c.ResourceID,
				"task_id":     c.TaskID,
				"type":        c.Type,
				"severity":    c.Severity,
			}); err != nil {
				return report, err
			}
			report.Created++
			continue
		}
		same, err := sameFindings(prev, f)
		if err != nil {
			return report, err
		}
		if same {
			continue
		}
		if err := e.Repo.UpdateConflictFindings(ctx, cs.tx, prev.ID, f.severity, f.details); err != nil {
			return report, fmt.Errorf("update conflict %s: %w", k, err)
		}
		if err := cs.append(ctx, "conflict.updated", "conflict", prev.ID, "system", events.EventPayload{
			"severity":          f.severity,
			"previous_severity": prev.Severity,
		}); err != nil {
			return report, err
		}
		report.Updated++
	}
	stale := make([]string, 0, len(current))
	for k := range current {
		stale = append(stale, k)
	}
	sort.Strings(stale)
	for _, k := range stale {
		c := current[k]
		if err := e.Repo.DeleteConflict(ctx, cs.tx, c.ID); err != nil {
			return report, err
		}
		if err := cs.append(ctx, "conflict.cleared", "conflict", c.ID, "system", events.EventPayload{
			"resource_id": c.ResourceID,
			"task_id":     c.TaskID,
			"type":        c.Type,
		}); err != nil {
			return report, err
		}
		report.Cleared++
	}

	if report.Conflicts, err = e.Repo.ListConflicts(ctx, cs.tx, repo.ConflictFilters{}); err != nil {
		return report, err
	}
	if report.Conflicts == nil {
		report.Conflicts = []domain.ResourceConflict{}
	}
	return report, cs.commit()
}

func sameFindings(prev domain.ResourceConflict, f finding) (bool, error) {
	if prev.Severity != f.severity {
		return false, nil
	}
	a, err := json.Marshal(prev.Details)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(f.details)
	if err != nil {
		return false, err
	}
	return string(a) == string(b), nil
}

// evaluate is the pure part of detection. Findings are returned sorted by key.
func (e Engine) evaluate(asOf time.Time, resources map[string]domain.Resource, absences map[string][]domain.Absence,
	assignments []domain.Assignment, tasks map[string]domain.Task) ([]finding, error) {
	byResource := map[string][]domain.Assignment{}
	for _, a := range assignments {
		byResource[a.ResourceID] = append(byResource[a.ResourceID], a)
	}
	var out []finding
	for resourceID, list := range byResource {
		res, known := resources[resourceID]
		if known && res.WeeklyCapacityHours > 0 {
			f, err := e.overallocation(asOf, res, list)
			if err != nil {
				return nil, err
			}
			if f != nil {
				out = append(out, *f)
			}
		}
		found, err := absenceFindings(resourceID, list, absences[resourceID])
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
		if known {
			out = append(out, competenceFindings(res, list, tasks)...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out, nil
}

// overallocation spreads each assignment's hours evenly over its working days,
// buckets them by ISO week and rates the worst week against weekly capacity.
func (e Engine) overallocation(asOf time.Time, res domain.Resource, list []domain.Assignment) (*finding, error) {
	fromYear, fromWeek := asOf.UTC().ISOWeek()
	from := weekKey(fromYear, fromWeek)
	load := map[string]float64{}
	tasksByWeek := map[string]map[string]bool{}
	for _, a := range list {
		start, err := domain.ParseDate(a.Start)
		if err != nil {
			return nil, err
		}
		end, err := domain.ParseDate(a.End)
		if err != nil {
			return nil, err
		}
		days := workingDays(start, end)
		if len(days) == 0 || a.Hours <= 0 {
			continue
		}
		perDay := a.Hours / float64(len(days))
		for _, d := range days {
			y, w := d.ISOWeek()
			k := weekKey(y, w)
			if k < from {
				continue
			}
			load[k] += perDay
			if tasksByWeek[k] == nil {
				tasksByWeek[k] = map[string]bool{}
			}
			tasksByWeek[k][a.TaskID] = true
		}
	}
	weeks := make([]string, 0, len(load))
	for k := range load {
		weeks = append(weeks, k)
	}
	sort.Strings(weeks)

	r := e.Config.Conflicts
	var overloaded []any
	peakWeek := ""
	peakRatio := 0.0
	for _, k := range weeks {
		ratio := load[k] / res.WeeklyCapacityHours
		if severityFor(r.CriticalRatio, r.HighRatio, r.MediumRatio, r.LowRatio, ratio) == "" {
			continue
		}
		overloaded = append(overloaded, map[string]any{
			"week":     k,
			"hours":    round2(load[k]),
			"load_pct": round2(ratio * 100),
			"task_ids": sortedKeys(tasksByWeek[k]),
		})
		if ratio > peakRatio {
			peakRatio = ratio
			peakWeek = k
		}
	}
	if peakWeek == "" {
		return nil, nil
	}
	return &finding{
		resourceID: res.ID,
		kind:       domain.ConflictOverallocation,
		severity:   severityFor(r.CriticalRatio, r.HighRatio, r.MediumRatio, r.LowRatio, peakRatio),
		details: map[string]any{
			"capacity_hours": res.WeeklyCapacityHours,
			"peak_week":      peakWeek,
			"peak_hours":     round2(load[peakWeek]),
			"load_pct":       round2(peakRatio * 100),
			"weeks":          overloaded,
		},
	}, nil
}

// severityFor maps a load ratio to a severity; "" means no conflict. Low is
// only reachable when LowRatio is configured below MediumRatio.
func severityFor(critical, high, medium, low, ratio float64) string {
	switch {
	case ratio > critical:
		return domain.SeverityCritical
	case ratio > high:
		return domain.SeverityHigh
	case ratio > medium:
		return domain.SeverityMedium
	case low < medium && ratio > low:
		return domain.SeverityLow
	}
	return ""
}

func absenceFindings(resourceID string, list []domain.Assignment, absences []domain.Absence) ([]finding, error) {
	if len(absences) == 0 {
		return nil, nil
	}
	type hit struct {
		assignments map[string]bool
		absences    map[string]bool
	}
	hits := map[string]*hit{}
	for _, a := range list {
		aStart, err := domain.ParseDate(a.Start)
		if err != nil {
			return nil, err
		}
		aEnd, err := domain.ParseDate(a.End)
		if err != nil {
			return nil, err
		}
		for _, ab := range absences {
			bStart, err := domain.ParseDate(ab.Start)
			if err != nil {
				return nil, err
			}
			bEnd, err := domain.ParseDate(ab.End)
			if err != nil {
				return nil, err
			}
			if !domain.Overlaps(aStart, aEnd, bStart, bEnd) {
				continue
			}
			h := hits[a.TaskID]
			if h == nil {
				h = &hit{assignments: map[string]bool{}, absences: map[string]bool{}}
				hits[a.TaskID] = h
			}
			h.assignments[a.ID] = true
			h.absences[ab.ID] = true
		}
	}
	var out []finding
	for taskID, h := range hits {
		out = append(out, finding{
			resourceID: resourceID,
			taskID:     taskID,
			kind:       domain.ConflictAbsence,
			severity:   domain.SeverityHigh,
			details: map[string]any{
				"assignment_ids": sortedKeys(h.assignments),
				"absence_ids":    sortedKeys(h.absences),
			},
		})
	}
	return out, nil
}

func competenceFindings(res domain.Resource, list []domain.Assignment, tasks map[string]domain.Task) []finding {
	held := map[string]bool{}
	for _, c := range res.Competencies {
		held[c] = true
	}
	seen := map[string]bool{}
	var out []finding
	for _, a := range list {
		if seen[a.TaskID] {
			continue
		}
		seen[a.TaskID] = true
		t, ok := tasks[a.TaskID]
		if !ok || t.RequiredCompetence == "" || held[t.RequiredCompetence] {
			continue
		}
		severity := domain.SeverityMedium
		if t.IsMilestone {
			severity = domain.SeverityHigh
		}
		out = append(out, finding{
			resourceID: res.ID,
			taskID:     t.ID,
			kind:       domain.ConflictCompetenceMismatch,
			severity:   severity,
			details: map[string]any{
				"required":  t.RequiredCompetence,
				"held":      append([]string{}, res.Competencies...),
				"milestone": t.IsMilestone,
			},
		})
	}
	return out
}

// ResolveConflict marks a conflict resolved. A later detection pass keeps the
// flag as long as the condition persists.
func (e Engine) ResolveConflict(ctx context.Context, id, actorID string) (domain.ResourceConflict, error) {
	return e.setResolved(ctx, id, true, actorID)
}

// ReopenConflict clears the resolved flag.
func (e Engine) ReopenConflict(ctx context.Context, id, actorID string) (domain.ResourceConflict, error) {
	return e.setResolved(ctx, id, false, actorID)
}

func (e Engine) setResolved(ctx context.Context, id string, resolved bool, actorID string) (domain.ResourceConflict, error) {
	cs, err := e.begin(ctx)
	if err != nil {
		return domain.ResourceConflict{}, err
	}
	defer cs.rollback()
	c, err := e.Repo.GetConflict(ctx, cs.tx, id)
	if err != nil {
		return domain.ResourceConflict{}, notFound(err, "conflict", id)
	}
	now := e.stamp()
	if err := e.Repo.SetConflictResolved(ctx, cs.tx, id, resolved, now); err != nil {
		return domain.ResourceConflict{}, err
	}
	c.Resolved = resolved
	c.ResolvedAt = nil
	evt := "conflict.reopened"
	if resolved {
		c.ResolvedAt = &now
		evt = "conflict.resolved"
	}
	if err := cs.append(ctx, evt, "conflict", id, actorID, nil); err != nil {
		return domain.ResourceConflict{}, err
	}
	return c, cs.commit()
}

func workingDays(start, end time.Time) []time.Time {
	var all, weekdays []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		all = append(all, d)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			weekdays = append(weekdays, d)
		}
	}
	if len(weekdays) > 0 {
		return weekdays
	}
	return all
}

func weekKey(year, week int) string {
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
