package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"studiopipe/internal/domain"
	"studiopipe/internal/engine"
	"studiopipe/internal/engine/auth"
	"studiopipe/internal/store"
)

type itemIDPath struct {
	ID string `path:"id"`
}

type itemKeyQuery struct {
	Path string `query:"path" required:"true" example:"/Mumbai/film/show1"`
	Name string `query:"name" required:"true" example:"tools"`
}

type itemListQuery struct {
	Path        string `query:"path"`
	Name        string `query:"name"`
	Search      string `query:"search" doc:"exact name, or ~substring"`
	CurrentOnly bool   `query:"current_only"`
	Page        int    `query:"page" default:"1" minimum:"1"`
	PageSize    int    `query:"page_size"`
}

func (q itemListQuery) filter(defaultSize int) store.ItemFilter {
	size := q.PageSize
	if size <= 0 {
		size = defaultSize
	}
	return store.ItemFilter{
		Path:        q.Path,
		Name:        q.Name,
		Search:      q.Search,
		CurrentOnly: q.CurrentOnly,
		Page:        store.Page{Page: q.Page, PageSize: normalizeLimit(size)},
	}
}

// exactPayload decodes the payload of the raw request body again with
// json.Number values; the bound body field has float64 numbers.
func exactPayload(ctx context.Context, bound map[string]any) map[string]any {
	raw := bodyBytes(ctx)
	if bound == nil || len(raw) == 0 {
		return bound
	}
	var body struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Payload) == 0 {
		return bound
	}
	obj, err := domain.DecodeObject(body.Payload)
	if err != nil {
		return bound
	}
	return obj
}

var itemErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerConfigs(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-configs",
		Method:      http.MethodGet,
		Path:        "/configs",
		Summary:     "List config items",
	}, func(ctx context.Context, input *itemListQuery) (*struct {
		Body ConfigPage `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.ConfigsRead); err != nil {
			return nil, handleError(err)
		}
		f := input.filter(cfg.PageSize)
		items, total, err := e.FindConfigs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigPage `json:"body"`
		}{Body: ConfigPage{Items: items, Total: total, Page: f.Page.Page, PageSize: f.PageSize}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "put-config",
		Method:        http.MethodPut,
		Path:          "/configs",
		Summary:       "Store a new config item",
		DefaultStatus: http.StatusCreated,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *struct {
		Body PutConfigRequest
	}) (*configOutput, error) {
		if err := requirePermission(ctx, auth.ConfigsWrite); err != nil {
			return nil, handleError(err)
		}
		item, err := e.PutConfig(ctx, engine.ConfigPut{
			Path:        input.Body.Path,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Inherits:    input.Body.Inherits,
			Payload:     exactPayload(ctx, input.Body.Payload),
			Current:     boolOr(input.Body.Current, true),
			Reduced:     input.Body.Reduced,
			Actor:       actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &configOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-config",
		Method:      http.MethodGet,
		Path:        "/configs/current",
		Summary:     "Current config item stored exactly at a path",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemKeyQuery) (*configOutput, error) {
		if err := requirePermission(ctx, auth.ConfigsRead); err != nil {
			return nil, handleError(err)
		}
		item, err := e.CurrentConfig(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &configOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "config-history",
		Method:      http.MethodGet,
		Path:        "/configs/history",
		Summary:     "Every item stored at a path under a name, newest first",
	}, func(ctx context.Context, input *itemKeyQuery) (*configListOutput, error) {
		if err := requirePermission(ctx, auth.ConfigsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ConfigHistory(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &configListOutput{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "effective-config",
		Method:      http.MethodGet,
		Path:        "/configs/effective",
		Summary:     "Merged config from the root down to a path",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		itemKeyQuery
		WithTokens bool `query:"with_tokens"`
	}) (*effectiveConfigOutput, error) {
		if err := requirePermission(ctx, auth.ConfigsRead); err != nil {
			return nil, handleError(err)
		}
		eff, err := e.EffectiveConfig(ctx, input.Path, input.Name, input.WithTokens)
		if err != nil {
			return nil, handleError(err)
		}
		return &effectiveConfigOutput{Body: eff}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/configs/{id}",
		Summary:     "Get config item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemIDPath) (*configOutput, error) {
		if err := requirePermission(ctx, auth.ConfigsRead); err != nil {
			return nil, handleError(err)
		}
		item, err := e.GetConfig(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &configOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-config",
		Method:      http.MethodPatch,
		Path:        "/configs/{id}",
		Summary:     "Edit a config item that is not current",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body PatchConfigRequest
	}) (*configOutput, error) {
		if err := requirePermission(ctx, auth.ConfigsWrite); err != nil {
			return nil, handleError(err)
		}
		item, err := e.PatchConfig(ctx, input.ID, store.ConfigPatch{
			Description: input.Body.Description,
			Inherits:    input.Body.Inherits,
			Payload:     exactPayload(ctx, input.Body.Payload),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &configOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-config",
		Method:        http.MethodDelete,
		Path:          "/configs/{id}",
		Summary:       "Delete a config item that is not current",
		DefaultStatus: http.StatusNoContent,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *itemIDPath) (*struct{}, error) {
		if err := requirePermission(ctx, auth.ConfigsWrite); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteConfig(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-current-config",
		Method:      http.MethodPost,
		Path:        "/configs/{id}/set-current",
		Summary:     "Make a config item current",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *itemIDPath) (*configOutput, error) {
		if err := requirePermission(ctx, auth.ConfigsWrite); err != nil {
			return nil, handleError(err)
		}
		item, err := e.SetCurrentConfig(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &configOutput{Body: item}, nil
	})
}
