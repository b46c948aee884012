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

func (h handlers) registerConflicts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "detect-conflicts",
		Method:      http.MethodPost,
		Path:        "/conflicts/detect",
		Summary:     "Recompute the conflict set",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body DetectRequest `json:"body"`
	}) (*struct {
		Body engine.DetectionReport `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteConflicts, access.Write); err != nil {
			return nil, err
		}
		asOf := time.Now()
		if input.Body.AsOf != nil {
			parsed, err := domain.ParseDate(*input.Body.AsOf)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			asOf = parsed
		}
		report, err := h.e.DetectConflicts(ctx, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DetectionReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/conflicts",
		Summary:     "List conflicts, most severe first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Severity   string `query:"severity" enum:"critical,high,medium,low"`
		Type       string `query:"type" enum:"overallocation,absence,competence_mismatch"`
		ResourceID string `query:"resource_id"`
		TaskID     string `query:"task_id"`
		Resolved   string `query:"resolved" enum:"true,false"`
	}) (*struct {
		Body conflictList `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteConflicts, access.Read); err != nil {
			return nil, err
		}
		resolved, perr := parseOptionalBool("resolved", input.Resolved)
		if perr != nil {
			return nil, perr
		}
		items, err := h.e.Repo.ListConflicts(ctx, nil, repo.ConflictFilters{
			Severity:   input.Severity,
			Type:       input.Type,
			ResourceID: input.ResourceID,
			TaskID:     input.TaskID,
			Resolved:   resolved,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body conflictList `json:"body"`
		}{Body: conflictList{Items: nonNilSlice(items)}}, nil
	})

	for _, op := range []struct {
		id, path, summary string
		resolve           bool
	}{
		{"resolve-conflict", "/conflicts/{id}/resolve", "Mark a conflict resolved", true},
		{"reopen-conflict", "/conflicts/{id}/reopen", "Clear the resolved flag", false},
	} {
		resolve := op.resolve
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body domain.ResourceConflict `json:"body"`
		}, error) {
			actorID, err := authorize(ctx, h.table, access.RouteConflicts, access.Write)
			if err != nil {
				return nil, err
			}
			var c domain.ResourceConflict
			if resolve {
				c, err = h.e.ResolveConflict(ctx, input.ID, actorID)
			} else {
				c, err = h.e.ReopenConflict(ctx, input.ID, actorID)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.ResourceConflict `json:"body"`
			}{Body: c}, nil
		})
	}
}
