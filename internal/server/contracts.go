package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"operaflow/internal/access"
	"operaflow/internal/domain"
	"operaflow/internal/engine"
)

func (h handlers) registerContracts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-contract",
		Method:      http.MethodPut,
		Path:        "/contracts/{id}",
		Summary:     "Create or refresh contract data and its financial lots",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpsertContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteDirectory, access.Write)
		if err != nil {
			return nil, err
		}
		b := input.Body
		c := domain.Contract{
			ID:            input.ID,
			Code:          b.Code,
			Name:          b.Name,
			PricingType:   b.PricingType,
			SiteID:        b.SiteID,
			Competence:    b.Competence,
			CapacityHours: b.CapacityHours,
			SoldHours:     b.SoldHours,
			Lots:          []domain.FinancialLot{},
		}
		for _, lot := range b.Lots {
			amount, err := decimal.NewFromString(lot.Amount)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid lot amount", map[string]any{"amount": lot.Amount})
			}
			c.Lots = append(c.Lots, domain.FinancialLot{
				ID:      stringOrEmpty(lot.ID),
				Label:   lot.Label,
				Amount:  amount,
				DueDate: lot.DueDate,
			})
		}
		saved, err := h.e.UpsertContract(ctx, c, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteContracts, access.Read); err != nil {
			return nil, err
		}
		c, err := h.e.Repo.GetContract(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "declare-contract",
		Method:        http.MethodPost,
		Path:          "/contracts/{id}/declare",
		Summary:       "Declare a unit-priced contract into planning",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body DeclareRequest `json:"body"`
	}) (*struct {
		Body DeclarationResponse `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteContracts, access.Write)
		if err != nil {
			return nil, err
		}
		d, err := h.e.DeclareIntoPlanning(ctx, input.ID, input.Body.Start, input.Body.End, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeclarationResponse `json:"body"`
		}{Body: declarationResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contract-summary",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}/summary",
		Summary:     "Umbrella task fill and completion rates",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, h.table, access.RouteContracts, access.Read); err != nil {
			return nil, err
		}
		s, err := h.e.UmbrellaSummary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})
}

func (h handlers) registerDirectory(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-resource",
		Method:      http.MethodPut,
		Path:        "/resources/{id}",
		Summary:     "Create or refresh a resource",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpsertResourceRequest `json:"body"`
	}) (*struct {
		Body domain.Resource `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteDirectory, access.Write)
		if err != nil {
			return nil, err
		}
		b := input.Body
		res, err := h.e.UpsertResource(ctx, domain.Resource{
			ID:                  input.ID,
			Name:                b.Name,
			PrimaryRole:         b.PrimaryRole,
			WeeklyCapacityHours: b.WeeklyCapacityHours,
			Competencies:        b.Competencies,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Resource `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-absence",
		Method:        http.MethodPost,
		Path:          "/resources/{id}/absences",
		Summary:       "Record an absence",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AbsenceRequest `json:"body"`
	}) (*struct {
		Body domain.Absence `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteDirectory, access.Write)
		if err != nil {
			return nil, err
		}
		a, err := h.e.RecordAbsence(ctx, domain.Absence{
			ID:         stringOrEmpty(input.Body.ID),
			ResourceID: input.ID,
			Start:      input.Body.Start,
			End:        input.Body.End,
			Reason:     input.Body.Reason,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Absence `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-directory",
		Method:      http.MethodPost,
		Path:        "/directory/import",
		Summary:     "Import resources, absences and contracts from YAML",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body DirectoryImportRequest `json:"body"`
	}) (*struct {
		Body engine.ImportReport `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, h.table, access.RouteDirectory, access.Write)
		if err != nil {
			return nil, err
		}
		d, err := engine.ParseDirectory([]byte(input.Body.YAML))
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := h.e.ImportDirectory(ctx, d, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImportReport `json:"body"`
		}{Body: rep}, nil
	})
}
