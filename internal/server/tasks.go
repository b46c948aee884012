package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"operaflow/internal/access"
	"operaflow/internal/domain"
	"operaflow/internal/engine"
	"operaflow/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteTasks, access.Write)
		if err != nil {
			return nil, err
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		b := input.Body
		t, err := h.e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:                 stringOrEmpty(b.ID),
			ParentID:           stringOrEmpty(b.ParentID),
			Title:              b.Title,
			Description:        stringOrEmpty(b.Description),
			TaskType:           stringOrEmpty(b.TaskType),
			SiteID:             stringOrEmpty(b.SiteID),
			RequiredCompetence: stringOrEmpty(b.RequiredCompetence),
			PlannedStart:       stringOrEmpty(b.PlannedStart),
			PlannedEnd:         stringOrEmpty(b.PlannedEnd),
			PlannedHours:       b.PlannedHours,
			IsMilestone:        b.IsMilestone,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		ContractID string `query:"contract_id"`
		ResourceID string `query:"resource_id"`
		Milestone  string `query:"milestone" enum:"true,false"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteTasks, access.Read); err != nil {
			return nil, err
		}
		milestone, perr := parseOptionalBool("milestone", input.Milestone)
		if perr != nil {
			return nil, perr
		}
		tasks, err := h.e.Repo.ListTasks(ctx, nil, repo.TaskFilters{
			Status:     input.Status,
			ContractID: input.ContractID,
			ResourceID: input.ResourceID,
			Milestone:  milestone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: nonNilSlice(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-tree",
		Method:      http.MethodGet,
		Path:        "/tasks/tree",
		Summary:     "Depth-first listing of the tree, or of one subtree",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RootID string `query:"root_id"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteTasks, access.Read); err != nil {
			return nil, err
		}
		tasks, err := h.e.Tree(ctx, input.RootID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: nonNilSlice(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-tree",
		Method:      http.MethodGet,
		Path:        "/tasks/check",
		Summary:     "Verify level and acyclicity of the whole tree",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TreeCheckResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteTasks, access.Read); err != nil {
			return nil, err
		}
		problems, err := h.e.CheckTree(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TreeCheckResponse `json:"body"`
		}{Body: TreeCheckResponse{OK: len(problems) == 0, Problems: nonNilSlice(problems)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteTasks, access.Read); err != nil {
			return nil, err
		}
		t, err := h.e.Repo.GetTask(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task status, dates, effort or progress",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteTasks, access.Write)
		if err != nil {
			return nil, err
		}
		b := input.Body
		opts := engine.TaskUpdateOptions{
			ID:                 input.ID,
			Title:              b.Title,
			Description:        b.Description,
			Status:             b.Status,
			RequiredCompetence: b.RequiredCompetence,
			PlannedStart:       b.PlannedStart,
			PlannedEnd:         b.PlannedEnd,
			PlannedHours:       b.PlannedHours,
			Progress:           b.Progress,
			IsMilestone:        b.IsMilestone,
			Force:              b.Force,
			ActorID:            actorID,
		}
		if b.ExpectedVersion != nil {
			opts.ExpectedVersion = *b.ExpectedVersion
		}
		t, err := h.e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/move",
		Summary:     "Re-parent or reorder a task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body MoveTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteTasks, access.Write)
		if err != nil {
			return nil, err
		}
		t, err := h.e.MoveTask(ctx, engine.TaskMoveOptions{
			ID:          input.ID,
			NewParentID: stringOrEmpty(input.Body.ParentID),
			NewIndex:    input.Body.Index,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete a task; cascade removes its subtree",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Cascade bool   `query:"cascade"`
	}) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteTasks, access.Write)
		if err != nil {
			return nil, err
		}
		ids, err := h.e.DeleteTask(ctx, input.ID, input.Cascade, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeletedResponse `json:"body"`
		}{Body: DeletedResponse{Deleted: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-realization",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/realizations",
		Summary:       "Record realized hours and amount",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RealizationRequest `json:"body"`
	}) (*struct {
		Body RealizationResponse `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteContracts, access.Write)
		if err != nil {
			return nil, err
		}
		amount := decimal.Zero
		if input.Body.Amount != "" {
			if amount, err = decimal.NewFromString(input.Body.Amount); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid amount", map[string]any{"amount": input.Body.Amount})
			}
		}
		rz, err := h.e.RecordRealization(ctx, engine.RealizationOptions{
			TaskID:  input.ID,
			Hours:   input.Body.Hours,
			Amount:  amount,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RealizationResponse `json:"body"`
		}{Body: realizationResponse(rz)}, nil
	})
}
