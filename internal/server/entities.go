package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"processline/internal/domain"
	"processline/internal/ledger"
)

// CommandRequest carries a command payload. The command name rides in the
// URL; everything else is payload, interpreted per command.
type CommandRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

type CommandDescriptor struct {
	Name       string   `json:"name"`
	EntityType string   `json:"entity_type"`
	EventType  string   `json:"event_type"`
	Create     bool     `json:"create"`
	From       []string `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
}

func registerEntities(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-commands",
		Method:      http.MethodGet,
		Path:        "/entities/{type}/commands",
		Summary:     "List the command catalog for an entity type",
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
	}) (*struct {
		Body []CommandDescriptor `json:"body"`
	}, error) {
		cmds := cfg.Ledger.Commands(input.Type)
		res := make([]CommandDescriptor, 0, len(cmds))
		for _, c := range cmds {
			res = append(res, CommandDescriptor{
				Name:       c.Name,
				EntityType: c.EntityType,
				EventType:  c.EventType,
				Create:     c.Create,
				From:       c.From,
				To:         c.To,
			})
		}
		return &struct {
			Body []CommandDescriptor `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities/{type}/commands/{command}",
		Summary:       "Execute a creating command",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Type    string         `path:"type"`
		Command string         `path:"command"`
		Body    CommandRequest `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		entity, err := cfg.Ledger.Execute(ctx, ledger.Request{
			EntityType: input.Type,
			Command:    input.Command,
			ActorID:    actorIDFromContext(ctx),
			TraceID:    traceIDFromContext(ctx),
			Payload:    input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: entity}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-command",
		Method:      http.MethodPost,
		Path:        "/entities/{type}/{id}/commands/{command}",
		Summary:     "Execute a command against an entity",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Type    string         `path:"type"`
		ID      string         `path:"id"`
		Command string         `path:"command"`
		Body    CommandRequest `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		entity, err := cfg.Ledger.Execute(ctx, ledger.Request{
			EntityType: input.Type,
			Command:    input.Command,
			EntityID:   input.ID,
			ActorID:    actorIDFromContext(ctx),
			TraceID:    traceIDFromContext(ctx),
			Payload:    input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: entity}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities/{type}",
		Summary:     "List entities of a type",
	}, func(ctx context.Context, input *struct {
		Type  string `path:"type"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Entity `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListEntities(ctx, input.Type, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Entity{}
		}
		return &struct {
			Body []domain.Entity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{type}/{id}",
		Summary:     "Entity snapshot with computed properties",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
		ID   string `path:"id"`
	}) (*struct {
		Body ledger.Details `json:"body"`
	}, error) {
		details, err := cfg.Ledger.GetDetails(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if details.Entity.Type != input.Type {
			return nil, newAPIError(http.StatusNotFound, "not_found", "entity not found for type", nil)
		}
		return &struct {
			Body ledger.Details `json:"body"`
		}{Body: details}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-history",
		Method:      http.MethodGet,
		Path:        "/entities/{type}/{id}/history",
		Summary:     "Append-only command history for an entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
		ID   string `path:"id"`
	}) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		if _, err := entityOfType(ctx, cfg, input.Type, input.ID); err != nil {
			return nil, err
		}
		history, err := cfg.Repo.ListHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: history}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-timeline",
		Method:      http.MethodGet,
		Path:        "/entities/{type}/{id}/timeline",
		Summary:     "Chronological history plus projections",
		Description: "Pass hypothetical terms as a JSON object in the `terms` query parameter to project against terms that differ from the stored ones.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Type  string `path:"type"`
		ID    string `path:"id"`
		Terms string `query:"terms"`
	}) (*struct {
		Body []ledger.TimelineEntry `json:"body"`
	}, error) {
		if _, err := entityOfType(ctx, cfg, input.Type, input.ID); err != nil {
			return nil, err
		}
		var hypothetical map[string]any
		if input.Terms != "" {
			if err := json.Unmarshal([]byte(input.Terms), &hypothetical); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "terms must be a JSON object", map[string]any{"error": err.Error()})
			}
		}
		entries, err := cfg.Ledger.GetTimeline(ctx, input.ID, hypothetical)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ledger.TimelineEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func entityOfType(ctx context.Context, cfg Config, entityType, id string) (domain.Entity, huma.StatusError) {
	e, err := cfg.Repo.GetEntity(ctx, id)
	if err != nil {
		return domain.Entity{}, handleError(err)
	}
	if e.Type != entityType {
		return domain.Entity{}, newAPIError(http.StatusNotFound, "not_found", "entity not found for type", nil)
	}
	return e, nil
}
