package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"processline/internal/domain"
	"processline/internal/events"
)

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/events/deliveries",
		Summary:     "Recorded event delivery attempts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"published,failed,"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Delivery `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListDeliveries(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Delivery{}
		}
		return &struct {
			Body []domain.Delivery `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-feed",
		Method:      http.MethodGet,
		Path:        "/events/feed",
		Summary:     "Global transition feed in commit order",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		items, err := cfg.Repo.HistoryAfter(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.HistoryEntry{}
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-events",
		Method:      http.MethodPost,
		Path:        "/events/reconcile",
		Summary:     "Run a reconciliation pass now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body events.Report `json:"body"`
	}, error) {
		report, err := cfg.Reconciler.ReconcileOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body events.Report `json:"body"`
		}{Body: report}, nil
	})
}
