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

func registerProfiles(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "List profiles",
	}, func(ctx context.Context, input *itemListQuery) (*struct {
		Body ProfilePage `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		f := input.filter(cfg.PageSize)
		items, total, err := e.FindProfiles(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfilePage `json:"body"`
		}{Body: ProfilePage{Items: items, Total: total, Page: f.Page.Page, PageSize: f.PageSize}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "put-profile",
		Method:        http.MethodPut,
		Path:          "/profiles",
		Summary:       "Store a new profile",
		DefaultStatus: http.StatusCreated,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *struct {
		Body PutProfileRequest
	}) (*profileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		p, err := e.PutProfile(ctx, engine.ProfilePut{
			Path:        input.Body.Path,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Inherits:    input.Body.Inherits,
			Packages:    input.Body.Packages,
			Bundles:     input.Body.Bundles,
			Current:     boolOr(input.Body.Current, true),
			Actor:       actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/current",
		Summary:     "Current profile stored exactly at a path",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemKeyQuery) (*profileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.CurrentProfile(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "profile-history",
		Method:      http.MethodGet,
		Path:        "/profiles/history",
		Summary:     "Every profile stored at a path under a name, newest first",
	}, func(ctx context.Context, input *itemKeyQuery) (*profileListOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ProfileHistory(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &profileListOutput{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "effective-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/effective",
		Summary:     "Merged profile from the root down to a path",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		itemKeyQuery
		ExcludeDeletions bool `query:"exclude_deletions"`
	}) (*effectiveProfileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		eff, err := e.EffectiveProfile(ctx, input.Path, input.Name, input.ExcludeDeletions)
		if err != nil {
			return nil, handleError(err)
		}
		return &effectiveProfileOutput{ETag: `"` + eff.Digest() + `"`, Body: eff}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "packages-at",
		Method:      http.MethodGet,
		Path:        "/profiles/packages",
		Summary:     "Package request list of the effective profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemKeyQuery) (*packagesOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		pkgs, err := e.PackagesAt(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &packagesOutput{Body: PackagesResponse{Packages: pkgs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{id}",
		Summary:     "Get profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemIDPath) (*profileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetProfile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "profile-packages",
		Method:      http.MethodGet,
		Path:        "/profiles/{id}/packages",
		Summary:     "Package request list of a stored profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemIDPath) (*packagesOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		pkgs, err := e.ProfilePackages(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &packagesOutput{Body: PackagesResponse{Packages: pkgs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-profile",
		Method:      http.MethodPatch,
		Path:        "/profiles/{id}",
		Summary:     "Edit a profile that is not current",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body PatchProfileRequest
	}) (*profileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		p, err := e.PatchProfile(ctx, input.ID, store.ProfilePatch{
			Description: input.Body.Description,
			Inherits:    input.Body.Inherits,
			Packages:    input.Body.Packages,
			Bundles:     input.Body.Bundles,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-profile",
		Method:        http.MethodDelete,
		Path:          "/profiles/{id}",
		Summary:       "Delete a profile that is not current",
		DefaultStatus: http.StatusNoContent,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *itemIDPath) (*struct{}, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteProfile(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-current-profile",
		Method:      http.MethodPost,
		Path:        "/profiles/{id}/set-current",
		Summary:     "Make a profile current",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *itemIDPath) (*profileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		p, err := e.SetCurrentProfile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "comment-profile",
		Method:        http.MethodPost,
		Path:          "/profiles/{id}/comments",
		Summary:       "Append a comment to a profile",
		DefaultStatus: http.StatusCreated,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CommentRequest
	}) (*struct {
		Body []domain.Comment `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		p, err := e.AddProfileComment(ctx, input.ID, actorIDFromContext(ctx), input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Comment `json:"body"`
		}{Body: p.Comments}, nil
	})
}
