package studiopipesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiopipe/internal/bus"
	"studiopipe/internal/errs"
)

func TestEffectiveConfigRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/configs/effective", r.URL.Path)
		assert.Equal(t, "/Mumbai/film/show1", r.URL.Query().Get("path"))
		assert.Equal(t, "tools", r.URL.Query().Get("name"))
		assert.Equal(t, "true", r.URL.Query().Get("with_tokens"))
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"path": "/Mumbai/film/show1", "name": "tools", "payload": map[string]any{"a": 1, "frame_ns": json.Number("1700000000000000001")},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	eff, err := c.EffectiveConfig(context.Background(), "/Mumbai/film/show1", "tools", true)
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), eff.Payload["a"])
	assert.Equal(t, json.Number("1700000000000000001"), eff.Payload["frame_ns"])
}

func TestErrorsUnwrapToKinds(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"no config"}}`))
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, err := c.PackagesAt(context.Background(), "/", "default")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)

	status = http.StatusConflict
	_, err = c.PutConfig(context.Background(), ConfigPut{Path: "/", Name: "tools"})
	assert.True(t, errors.Is(err, errs.ErrConflict))

	status = http.StatusServiceUnavailable
	err = c.Publish(context.Background(), bus.New("dependency-service", "custom", nil, time.Now()))
	assert.True(t, errors.Is(err, errs.ErrUpstream))
}
