package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"processline/internal/dispatch"
)

// DispatchRequest is the single logical entry point body for any business
// process invocation.
type DispatchRequest struct {
	Process string         `json:"process" example:"handle-price-increase"`
	Context map[string]any `json:"context,omitempty"`
	Input   map[string]any `json:"input"`
}

type DispatchResponse struct {
	Process string `json:"process"`
	Variant string `json:"variant"`
	TraceID string `json:"trace_id"`
	Result  any    `json:"result,omitempty"`
}

func registerDispatch(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Invoke a business process",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		if input.Body.Process == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "process is required", nil)
		}
		traceID := traceIDFromContext(ctx)
		req := dispatch.Request{
			Process: input.Body.Process,
			Context: input.Body.Context,
			Input:   input.Body.Input,
			TraceID: traceID,
			ActorID: actorIDFromContext(ctx),
		}
		res, result, err := cfg.Dispatcher.Dispatch(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{
			Process: req.Process,
			Variant: res.Variant,
			TraceID: traceID,
			Result:  result,
		}}, nil
	})
}

type ProcessResponse struct {
	Name     string   `json:"name"`
	Strategy string   `json:"strategy"`
	Variants []string `json:"variants"`
}

func registerProcesses(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List registered processes",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProcessResponse `json:"body"`
	}, error) {
		names := cfg.Manifests.Names()
		res := make([]ProcessResponse, 0, len(names))
		for _, name := range names {
			m, err := cfg.Manifests.Get(name)
			if err != nil {
				continue
			}
			variants := make([]string, 0, len(m.Variants))
			for _, v := range m.Variants {
				variants = append(variants, v.ID)
			}
			res = append(res, ProcessResponse{Name: name, Strategy: m.Strategy.Address, Variants: variants})
		}
		return &struct {
			Body []ProcessResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-processes",
		Method:      http.MethodPost,
		Path:        "/processes/reload",
		Summary:     "Reload process manifests from disk",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := cfg.Manifests.Reload(); err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_manifest", err.Error(), nil)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"processes": cfg.Manifests.Names()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-outcome",
		Method:      http.MethodPost,
		Path:        "/processes/{process}/outcomes",
		Summary:     "Record a variant outcome for adaptive routing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Process string `path:"process"`
		Body    struct {
			Variant string `json:"variant"`
			Success bool   `json:"success"`
		} `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		m, err := cfg.Manifests.Get(input.Process)
		if err != nil {
			return nil, handleError(err)
		}
		if _, ok := m.VariantByID(input.Body.Variant); !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "variant not declared for process", map[string]any{"variant": input.Body.Variant})
		}
		if err := cfg.Repo.RecordOutcome(ctx, input.Process, input.Body.Variant, input.Body.Success); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"process": input.Process, "variant": input.Body.Variant, "success": input.Body.Success}}, nil
	})
}
