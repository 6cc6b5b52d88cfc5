package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"studiopipe/internal/domain"
	"studiopipe/internal/engine/auth"
	"studiopipe/internal/errs"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/tree"
)

type levelPathQuery struct {
	Path string `query:"path" required:"true" example:"/Mumbai/film/show1"`
}

func registerLevels(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "find-level",
		Method:      http.MethodGet,
		Path:        "/levels/find",
		Summary:     "Find a level by path",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *levelPathQuery) (*levelOutput, error) {
		if err := requirePermission(ctx, auth.LevelsRead); err != nil {
			return nil, handleError(err)
		}
		l, ok := cfg.Tree.Find(input.Path)
		if !ok {
			return nil, handleError(errs.NotFound("level %s", levelpath.Canonize(input.Path)))
		}
		return &levelOutput{Body: levelResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "level-children",
		Method:      http.MethodGet,
		Path:        "/levels/children",
		Summary:     "Direct children of a level",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *levelPathQuery) (*levelListOutput, error) {
		if err := requirePermission(ctx, auth.LevelsRead); err != nil {
			return nil, handleError(err)
		}
		if !cfg.Tree.Exists(input.Path) {
			return nil, handleError(errs.NotFound("level %s", levelpath.Canonize(input.Path)))
		}
		return &levelListOutput{Body: mapLevels(cfg.Tree.Children(input.Path))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "level-ancestors",
		Method:      http.MethodGet,
		Path:        "/levels/ancestors",
		Summary:     "Levels from the root down to a path",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *levelPathQuery) (*levelListOutput, error) {
		if err := requirePermission(ctx, auth.LevelsRead); err != nil {
			return nil, handleError(err)
		}
		items := cfg.Tree.Ancestors(input.Path)
		if items == nil {
			return nil, handleError(errs.NotFound("level %s", levelpath.Canonize(input.Path)))
		}
		return &levelListOutput{Body: mapLevels(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "level-search",
		Method:      http.MethodGet,
		Path:        "/levels/search",
		Summary:     "Search levels by name",
	}, func(ctx context.Context, input *struct {
		Q     string `query:"q" required:"true" minLength:"1"`
		Limit int    `query:"limit" default:"50"`
	}) (*levelListOutput, error) {
		if err := requirePermission(ctx, auth.LevelsRead); err != nil {
			return nil, handleError(err)
		}
		return &levelListOutput{Body: mapLevels(cfg.Tree.Search(input.Q, normalizeLimit(input.Limit)))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "level-parse",
		Method:      http.MethodGet,
		Path:        "/levels/parse",
		Summary:     "Structural reading of a path",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *levelPathQuery) (*struct {
		Body ParsedPathResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.LevelsRead); err != nil {
			return nil, handleError(err)
		}
		parsed, err := levelpath.Parse(input.Path)
		if err != nil {
			return nil, handleError(errs.Validation("%v", err))
		}
		return &struct {
			Body ParsedPathResponse `json:"body"`
		}{Body: ParsedPathResponse{
			Path:       levelpath.Canonize(input.Path),
			Acceptable: levelpath.Acceptable(input.Path),
			Parsed:     parsed,
			Tokens:     parsed.Tokens(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "level-meta",
		Method:      http.MethodGet,
		Path:        "/levels/meta",
		Summary:     "Published snapshot metadata",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body tree.Meta `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.LevelsRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body tree.Meta `json:"body"`
		}{Body: cfg.Tree.Meta()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-level-sync",
		Method:        http.MethodPost,
		Path:          "/levels/sync",
		Summary:       "Queue a level tree rebuild",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SyncLevelsRequest `required:"false"`
	}) (*struct {
		Body domain.SyncRequest `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.LevelsSync); err != nil {
			return nil, handleError(err)
		}
		if cfg.Sync == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "sync_unavailable", "level sync is not configured", nil)
		}
		comment := input.Body.Comment
		if comment == "" {
			comment = "requested by " + actorIDFromContext(ctx)
		}
		req, err := cfg.Sync.RequestSync(ctx, comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncRequest `json:"body"`
		}{Body: req}, nil
	})
}
