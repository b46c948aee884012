package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"operaflow/internal/access"
	"operaflow/internal/domain"
	"operaflow/internal/engine"
	"operaflow/internal/repo"
)

func (h handlers) registerAssignments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Assign a resource to a task directly",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAssignmentRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteAssignments, access.Write)
		if err != nil {
			return nil, err
		}
		b := input.Body
		a, err := h.e.AssignResource(ctx, engine.AssignOptions{
			TaskID:     b.TaskID,
			ResourceID: b.ResourceID,
			Role:       b.Role,
			Start:      b.Start,
			End:        b.End,
			Hours:      b.Hours,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List confirmed assignments",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TaskID     string `query:"task_id"`
		ResourceID string `query:"resource_id"`
		Provenance string `query:"provenance" enum:"manual,automatic"`
	}) (*struct {
		Body assignmentList `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteAssignments, access.Read); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListAssignments(ctx, nil, repo.AssignmentFilters{
			TaskID:     input.TaskID,
			ResourceID: input.ResourceID,
			Provenance: input.Provenance,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body assignmentList `json:"body"`
		}{Body: assignmentList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-assignment",
		Method:        http.MethodDelete,
		Path:          "/assignments/{id}",
		Summary:       "Remove a confirmed assignment",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteAssignments, access.Write)
		if err != nil {
			return nil, err
		}
		if err := h.e.RemoveAssignment(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerProvisional(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-provisional",
		Method:        http.MethodPost,
		Path:          "/provisional-assignments",
		Summary:       "Request a substitution pending approval",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RequestProvisionalRequest `json:"body"`
	}) (*struct {
		Body domain.ProvisionalAssignment `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteProvisional, access.Write)
		if err != nil {
			return nil, err
		}
		b := input.Body
		p, err := h.e.RequestProvisionalAssignment(ctx, engine.ProvisionalRequest{
			TaskID:      b.TaskID,
			ResourceID:  b.ResourceID,
			ActingRole:  b.ActingRole,
			Start:       b.Start,
			End:         b.End,
			Hours:       b.Hours,
			RuleID:      stringOrEmpty(b.RuleID),
			RequesterID: actorID,
			ExpiresAt:   stringOrEmpty(b.ExpiresAt),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProvisionalAssignment `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-provisional",
		Method:      http.MethodGet,
		Path:        "/provisional-assignments",
		Summary:     "List provisional assignments, highest penalty first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,approved,rejected,expired"`
		TaskID     string `query:"task_id"`
		ResourceID string `query:"resource_id"`
	}) (*struct {
		Body provisionalList `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteProvisional, access.Read); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListProvisional(ctx, nil, repo.ProvisionalFilters{
			Status:     input.Status,
			TaskID:     input.TaskID,
			ResourceID: input.ResourceID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body provisionalList `json:"body"`
		}{Body: provisionalList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-provisional",
		Method:      http.MethodPost,
		Path:        "/provisional-assignments/{id}/decision",
		Summary:     "Approve or reject a pending substitution",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*struct {
		Body engine.Decision `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteProvisional, access.Write)
		if err != nil {
			return nil, err
		}
		d, err := h.e.Decide(ctx, input.ID, input.Body.Approve, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Decision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-provisional",
		Method:      http.MethodPost,
		Path:        "/provisional-assignments/expire",
		Summary:     "Expire overdue pending substitutions",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ExpireRequest `json:"body"`
	}) (*struct {
		Body ExpiredResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteProvisional, access.Write); err != nil {
			return nil, err
		}
		now := time.Now()
		if input.Body.Now != nil {
			parsed, err := time.Parse(time.RFC3339, *input.Body.Now)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid now", map[string]any{"now": *input.Body.Now})
			}
			now = parsed
		}
		ids, err := h.e.ExpireOverdue(ctx, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpiredResponse `json:"body"`
		}{Body: ExpiredResponse{Expired: nonNilSlice(ids)}}, nil
	})
}

func (h handlers) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/substitution-rules",
		Summary:       "Create substitution rule",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.SubstitutionRule `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteRules, access.Write)
		if err != nil {
			return nil, err
		}
		b := input.Body
		rule, err := h.e.CreateSubstitutionRule(ctx, domain.SubstitutionRule{
			ID:          stringOrEmpty(b.ID),
			Description: b.Description,
			MaxDays:     b.MaxDays,
			SourceRole:  stringOrEmpty(b.SourceRole),
			TargetRole:  stringOrEmpty(b.TargetRole),
			Cost:        b.Cost,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SubstitutionRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/substitution-rules",
		Summary:     "List substitution rules",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ruleList `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteRules, access.Read); err != nil {
			return nil, err
		}
		rules, err := h.e.Repo.ListRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ruleList `json:"body"`
		}{Body: ruleList{Items: nonNilSlice(rules)}}, nil
	})
}
