package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"studiopipe/internal/bus"
	"studiopipe/internal/domain"
	"studiopipe/internal/engine/auth"
	"studiopipe/internal/errs"
	"studiopipe/internal/sourcing"
	"studiopipe/internal/store"
)

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-event",
		Method:        http.MethodPost,
		Path:          "/bus/events",
		Summary:       "Publish an event on the bus",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body PublishEventRequest
	}) (*envelopeOutput, error) {
		if err := requirePermission(ctx, auth.EventsPublish); err != nil {
			return nil, handleError(err)
		}
		if cfg.Bus == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "bus_unavailable", "event bus is not configured", nil)
		}
		env := bus.New(input.Body.Source, input.Body.DetailType, input.Body.Detail, time.Now())
		if err := env.Validate(); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Bus.Publish(ctx, env); err != nil {
			return nil, handleError(errs.Upstream("event bus", err))
		}
		return &envelopeOutput{Body: env}, nil
	})
}

func registerSourcing(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "sourcing-webhook",
		Method:        http.MethodPost,
		Path:          "/sourcing/webhook",
		Summary:       "Receive a tracking system webhook",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusUnauthorized, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"X-SG-SIGNATURE"`
		RawBody   []byte
	}) (*acceptedOutput, error) {
		if cfg.Sourcing == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "sourcing_unavailable", "sourcing is not configured", nil)
		}
		body := input.RawBody
		if len(body) == 0 {
			body = bodyBytes(ctx)
		}
		env, err := cfg.Sourcing.Ingest(ctx, body, input.Signature)
		if err != nil {
			return nil, handleError(err)
		}
		return &acceptedOutput{Body: AcceptedEvent{EventID: env.ID, DetailType: env.DetailType}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sourcing-stats",
		Method:      http.MethodGet,
		Path:        "/sourcing/stats",
		Summary:     "Webhook events over the trailing hour",
	}, func(ctx context.Context, _ *struct{}) (*sourcingStatsOutput, error) {
		if err := requirePermission(ctx, auth.SourcingRead); err != nil {
			return nil, handleError(err)
		}
		counts := sourcing.Counts{TypesLastHour: map[string]int{}}
		if cfg.Sourcing != nil && cfg.Sourcing.Stats != nil {
			counts = cfg.Sourcing.Stats.Counts()
		}
		return &sourcingStatsOutput{Body: counts}, nil
	})
}

func registerJobs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List job requests, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State   string `query:"state" enum:"pending,prepared,running,succeeded,failed,submit-failed,resolve-failed,unrecoverable"`
		EventID string `query:"event_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body JobPage `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.JobsRead); err != nil {
			return nil, handleError(err)
		}
		if cfg.Jobs == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "jobs_unavailable", "job store is not configured", nil)
		}
		cursorNS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := cfg.Jobs.ListJobRequests(ctx, store.JobFilter{
			State:           input.State,
			EventID:         input.EventID,
			Limit:           limit + 1,
			CursorCreatedNS: cursorNS,
			CursorJobID:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := JobPage{Items: []domain.JobRequest{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedNS, last.JobID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body JobPage `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.JobRequest `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.JobsRead); err != nil {
			return nil, handleError(err)
		}
		if cfg.Jobs == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "jobs_unavailable", "job store is not configured", nil)
		}
		j, err := cfg.Jobs.GetJobRequest(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobRequest `json:"body"`
		}{Body: j}, nil
	})
}
