package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"studiopipe/internal/domain"
	"studiopipe/internal/engine"
	"studiopipe/internal/engine/auth"
	"studiopipe/internal/store"
)

type bundleNamePath struct {
	Name string `path:"name" example:"maya_dev"`
}

type pageQuery struct {
	Page     int `query:"page" default:"1" minimum:"1"`
	PageSize int `query:"page_size"`
}

func (q pageQuery) page(defaultSize int) store.Page {
	size := q.PageSize
	if size <= 0 {
		size = defaultSize
	}
	return store.Page{Page: q.Page, PageSize: normalizeLimit(size)}
}

// window returns the items of page p from a list sorted in memory.
func window[T any](items []T, p store.Page) []T {
	start := (p.Page - 1) * p.PageSize
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return []T{}
	}
	end := start + p.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func registerBundles(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-bundles",
		Method:      http.MethodGet,
		Path:        "/bundles",
		Summary:     "List the bundle library",
	}, func(ctx context.Context, input *struct {
		pageQuery
		Search string `query:"q" doc:"substring of the name or description"`
	}) (*struct {
		Body BundlePage `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.BundlesRead); err != nil {
			return nil, handleError(err)
		}
		page := input.page(cfg.PageSize)
		items, total, err := e.FindBundles(ctx, store.BundleFilter{Search: input.Search, Page: page})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.LibraryBundle{}
		}
		return &struct {
			Body BundlePage `json:"body"`
		}{Body: BundlePage{Items: items, Total: total, Page: page.Page, PageSize: page.PageSize}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-bundle",
		Method:        http.MethodPost,
		Path:          "/bundles",
		Summary:       "Add a bundle to the library",
		DefaultStatus: http.StatusCreated,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBundleRequest
	}) (*bundleOutput, error) {
		if err := requirePermission(ctx, auth.BundlesWrite); err != nil {
			return nil, handleError(err)
		}
		b, err := e.CreateBundle(ctx, engine.BundlePut{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Packages:    input.Body.Packages,
			Actor:       actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &bundleOutput{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bundle",
		Method:      http.MethodGet,
		Path:        "/bundles/{name}",
		Summary:     "Get a library bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *bundleNamePath) (*bundleOutput, error) {
		if err := requirePermission(ctx, auth.BundlesRead); err != nil {
			return nil, handleError(err)
		}
		b, err := e.GetBundle(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &bundleOutput{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-bundle-packages",
		Method:      http.MethodPut,
		Path:        "/bundles/{name}",
		Summary:     "Replace the packages of a library bundle",
		Description: "Profiles that already carry a copy of the bundle keep theirs.",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		Name string              `path:"name"`
		Body []domain.PackageRef `required:"true"`
	}) (*bundleOutput, error) {
		if err := requirePermission(ctx, auth.BundlesWrite); err != nil {
			return nil, handleError(err)
		}
		b, err := e.SetBundlePackages(ctx, input.Name, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &bundleOutput{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-bundle",
		Method:        http.MethodDelete,
		Path:          "/bundles/{name}",
		Summary:       "Remove a bundle from the library",
		DefaultStatus: http.StatusNoContent,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *bundleNamePath) (*struct{}, error) {
		if err := requirePermission(ctx, auth.BundlesWrite); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteBundle(ctx, input.Name); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
