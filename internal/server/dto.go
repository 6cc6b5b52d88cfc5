package server

import (
	"studiopipe/internal/bus"
	"studiopipe/internal/config"
	"studiopipe/internal/domain"
	"studiopipe/internal/engine"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/resolver"
	"studiopipe/internal/sourcing"
	"studiopipe/internal/tree"
)

// Request payloads

type SyncLevelsRequest struct {
	Comment string `json:"comment,omitempty" example:"new shot added"`
}

type PutConfigRequest struct {
	Path        string         `json:"path" example:"/Mumbai/film/show1"`
	Name        string         `json:"name" example:"tools"`
	Description string         `json:"description,omitempty"`
	Inherits    *bool          `json:"inherits,omitempty"`
	Payload     map[string]any `json:"payload"`
	Current     *bool          `json:"current,omitempty"`
	Reduced     bool           `json:"reduced,omitempty"`
}

type PatchConfigRequest struct {
	Description *string        `json:"description,omitempty"`
	Inherits    *bool          `json:"inherits,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type PutProfileRequest struct {
	Path        string              `json:"path" example:"/Mumbai/film/show1"`
	Name        string              `json:"name" example:"default"`
	Description string              `json:"description,omitempty"`
	Inherits    *bool               `json:"inherits,omitempty"`
	Packages    []domain.PackageRef `json:"packages,omitempty"`
	Bundles     []domain.Bundle     `json:"bundles,omitempty"`
	Current     *bool               `json:"current,omitempty"`
}

type PatchProfileRequest struct {
	Description *string              `json:"description,omitempty"`
	Inherits    *bool                `json:"inherits,omitempty"`
	Packages    *[]domain.PackageRef `json:"packages,omitempty"`
	Bundles     *[]domain.Bundle     `json:"bundles,omitempty"`
}

type CreateBundleRequest struct {
	Name        string              `json:"name" example:"maya_dev"`
	Description string              `json:"description,omitempty"`
	Packages    []domain.PackageRef `json:"packages"`
}

type CommentRequest struct {
	Text string `json:"text" minLength:"1"`
}

type PublishEventRequest struct {
	Source     string         `json:"source" example:"dependency-service"`
	DetailType string         `json:"detail-type" example:"profile-validation-request"`
	Detail     map[string]any `json:"detail"`
}

// Responses

type HealthResponse struct {
	Status string           `json:"status" example:"ok"`
	Build  config.BuildInfo `json:"build"`
	Tree   tree.Meta        `json:"tree"`
}

type LevelResponse struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	EntityID  int64  `json:"entity_id,omitempty"`
	Site      string `json:"site,omitempty"`
	Division  string `json:"division,omitempty"`
	Project   string `json:"project,omitempty"`
	Type      string `json:"type,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
	AssetCode string `json:"asset_code,omitempty"`
	Sequence  string `json:"sequence,omitempty"`
	Shot      string `json:"shot,omitempty"`
	Children  int    `json:"children"`
}

type ParsedPathResponse struct {
	Path       string            `json:"path"`
	Acceptable bool              `json:"acceptable"`
	Parsed     levelpath.Parsed  `json:"parsed"`
	Tokens     map[string]string `json:"tokens"`
}

type ConfigPage struct {
	Items    []domain.ConfigItem `json:"items"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

type ProfilePage struct {
	Items    []domain.Profile `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type BundlePage struct {
	Items    []domain.LibraryBundle `json:"items"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

type ProfileBundlePage struct {
	Items    []domain.Bundle `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type PackagesResponse struct {
	Packages []string `json:"packages"`
}

type JobPage struct {
	Items      []domain.JobRequest `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type AcceptedEvent struct {
	EventID    string `json:"event_id"`
	DetailType string `json:"detail_type"`
}

// Outputs

type configOutput struct {
	Body domain.ConfigItem `json:"body"`
}

type configListOutput struct {
	Body []domain.ConfigItem `json:"body"`
}

type profileOutput struct {
	Body domain.Profile `json:"body"`
}

type profileListOutput struct {
	Body []domain.Profile `json:"body"`
}

type effectiveConfigOutput struct {
	Body resolver.EffectiveConfig `json:"body"`
}

type effectiveProfileOutput struct {
	ETag string                    `header:"ETag"`
	Body resolver.EffectiveProfile `json:"body"`
}

type bundleOutput struct {
	Body domain.LibraryBundle `json:"body"`
}

type packageRefsOutput struct {
	Body []domain.PackageRef `json:"body"`
}

type bundleListOutput struct {
	Body []domain.Bundle `json:"body"`
}

type importReportOutput struct {
	Body engine.ImportReport `json:"body"`
}

type packagesOutput struct {
	Body PackagesResponse `json:"body"`
}

type levelOutput struct {
	Body LevelResponse `json:"body"`
}

type levelListOutput struct {
	Body []LevelResponse `json:"body"`
}

type envelopeOutput struct {
	Body bus.Envelope `json:"body"`
}

type acceptedOutput struct {
	Body AcceptedEvent `json:"body"`
}

type sourcingStatsOutput struct {
	Body sourcing.Counts `json:"body"`
}

func levelResponse(l *tree.Level) LevelResponse {
	return LevelResponse{
		Path:      l.Path,
		Name:      l.Name,
		EntityID:  l.EntityID,
		Site:      string(l.Site),
		Division:  string(l.Division),
		Project:   l.Project,
		Type:      string(l.Type),
		AssetType: l.AssetType,
		AssetCode: l.AssetCode,
		Sequence:  l.Sequence,
		Shot:      l.Shot,
		Children:  len(l.Children),
	}
}

func mapLevels(items []*tree.Level) []LevelResponse {
	out := make([]LevelResponse, 0, len(items))
	for _, l := range items {
		out = append(out, levelResponse(l))
	}
	return out
}
