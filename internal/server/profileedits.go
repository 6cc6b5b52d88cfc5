package server

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"studiopipe/internal/domain"
	"studiopipe/internal/engine"
	"studiopipe/internal/engine/auth"
)

type profileMemberPath struct {
	ID   string `path:"id"`
	Name string `path:"name"`
}

type xmlImportInput struct {
	Path        string `query:"path" required:"true" example:"/Mumbai/film/show1"`
	Strict      bool   `query:"strict" doc:"store nothing when the import has issues"`
	ContentType string `header:"Content-Type"`
	RawBody     []byte
}

type xmlOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

func isXML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return ct == "application/xml" || ct == "text/xml"
}

// registerProfileEdits wires the per-profile package and bundle edits, the
// effective profile views and the XML import and export.
func registerProfileEdits(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "delete-profile-package",
		Method:      http.MethodDelete,
		Path:        "/profiles/{id}/packages/{name}",
		Summary:     "Remove a package at the level of a profile",
		Description: "A current profile is superseded by a new current revision; the returned profile carries its id.",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *profileMemberPath) (*profileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		p, err := e.DeleteProfilePackage(ctx, input.ID, input.Name, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "profile-bundles",
		Method:      http.MethodGet,
		Path:        "/profiles/{id}/bundles",
		Summary:     "Effective bundles of a stored profile",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
		pageQuery
	}) (*struct {
		Body ProfileBundlePage `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		bundles, err := e.ProfileBundles(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		page := input.page(cfg.PageSize)
		return &struct {
			Body ProfileBundlePage `json:"body"`
		}{Body: ProfileBundlePage{Items: window(bundles, page), Total: len(bundles), Page: page.Page, PageSize: page.PageSize}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-profile-bundle",
		Method:        http.MethodPost,
		Path:          "/profiles/{id}/bundles/{name}",
		Summary:       "Attach a copy of a library bundle to a profile",
		DefaultStatus: http.StatusCreated,
		Errors:        itemErrors,
	}, func(ctx context.Context, input *profileMemberPath) (*profileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		p, err := e.AddProfileBundle(ctx, input.ID, input.Name, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-profile-bundle",
		Method:      http.MethodDelete,
		Path:        "/profiles/{id}/bundles/{name}",
		Summary:     "Remove a bundle at the level of a profile",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *profileMemberPath) (*profileOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		p, err := e.DeleteProfileBundle(ctx, input.ID, input.Name, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "validate-profile",
		Method:        http.MethodPost,
		Path:          "/profiles/{id}/validate",
		Summary:       "Request a new validation of a profile",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *itemIDPath) (*struct{}, error) {
		if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
			return nil, handleError(err)
		}
		if err := e.ValidateProfile(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "effective-profile-all",
		Method:      http.MethodGet,
		Path:        "/effective-profile/all",
		Summary:     "Package requests of the effective profile, bundles included",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemKeyQuery) (*struct {
		Body []string `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		pkgs, err := e.PackagesAt(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: pkgs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "effective-profile-packages",
		Method:      http.MethodGet,
		Path:        "/effective-profile/packages",
		Summary:     "Package references of the effective profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemKeyQuery) (*packageRefsOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		refs, err := e.EffectivePackages(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		sort.SliceStable(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
		return &packageRefsOutput{Body: refs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "effective-profile-bundles",
		Method:      http.MethodGet,
		Path:        "/effective-profile/bundles",
		Summary:     "Bundles of the effective profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemKeyQuery) (*bundleListOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		bundles, err := e.EffectiveBundles(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if bundles == nil {
			bundles = []domain.Bundle{}
		}
		return &bundleListOutput{Body: bundles}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-profile-xml",
		Method:      http.MethodGet,
		Path:        "/effective-profile/xml",
		Summary:     "Effective profile as a package_configuration document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemKeyQuery) (*xmlOutput, error) {
		if err := requirePermission(ctx, auth.ProfilesRead); err != nil {
			return nil, handleError(err)
		}
		doc, err := e.ExportProfileXML(ctx, input.Path, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &xmlOutput{ContentType: "application/xml", Body: doc}, nil
	})

	importXML := func(replace bool) func(context.Context, *xmlImportInput) (*importReportOutput, error) {
		return func(ctx context.Context, input *xmlImportInput) (*importReportOutput, error) {
			if err := requirePermission(ctx, auth.ProfilesWrite); err != nil {
				return nil, handleError(err)
			}
			if !isXML(input.ContentType) {
				return nil, newAPIError(http.StatusUnsupportedMediaType, "unsupported_media_type", "body must be application/xml", map[string]any{"content_type": input.ContentType})
			}
			body := input.RawBody
			if len(body) == 0 {
				body = bodyBytes(ctx)
			}
			report, err := e.ImportProfileXML(ctx, engine.ProfileImport{
				Path:    input.Path,
				XML:     body,
				Replace: replace,
				Strict:  input.Strict,
				Actor:   actorIDFromContext(ctx),
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &importReportOutput{Body: report}, nil
		}
	}
	importErrors := []int{http.StatusNotFound, http.StatusConflict, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "import-profile-xml",
		Method:      http.MethodPost,
		Path:        "/effective-profile/xml",
		Summary:     "Import a package_configuration document as the profile at a path",
		Description: "Conflicts when a profile of the same name is already current at the path.",
		Errors:      importErrors,
	}, importXML(false))

	huma.Register(api, huma.Operation{
		OperationID: "replace-profile-xml",
		Method:      http.MethodPut,
		Path:        "/effective-profile/xml",
		Summary:     "Import a package_configuration document replacing the current profile at a path",
		Description: "Conflicts when no profile of the same name is current at the path. The replaced profile stays in the history.",
		Errors:      importErrors,
	}, importXML(true))
}
