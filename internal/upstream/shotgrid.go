package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"studiopipe/internal/errs"
)

const (
	shotgridPageSize   = 500
	shotgridAPIVersion = "v1.1"
	arrayFilterMedia   = "application/vnd+shotgun.api3_array+json"
)

// ShotgridConfig carries script credentials for the REST API.
type ShotgridConfig struct {
	URL        string
	ScriptName string
	APIKey     string
	Proxy      string
	Timeout    time.Duration
}

// Shotgrid reads projects, assets and sequences through the REST API.
type Shotgrid struct {
	cfg    ShotgridConfig
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewShotgrid(cfg ShotgridConfig) (*Shotgrid, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.Validation("SG_URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, errs.Validation("invalid SG_PROXY: %v", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &Shotgrid{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		now:    time.Now,
	}, nil
}

func (s *Shotgrid) endpoint(p string) string {
	return strings.TrimRight(s.cfg.URL, "/") + "/api/" + shotgridAPIVersion + p
}

func (s *Shotgrid) accessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expires) {
		return s.token, nil
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.cfg.ScriptName)
	form.Set("client_secret", s.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/auth/access_token"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		return "", errs.Upstream("shotgrid auth", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", errs.Upstream("shotgrid auth", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&tok); err != nil {
		return "", errs.Upstream("shotgrid auth", err)
	}
	s.token = tok.AccessToken
	// refresh a minute early
	s.expires = s.now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return s.token, nil
}

type sgRecord struct {
	ID            int64                      `json:"id"`
	Attributes    map[string]json.RawMessage `json:"attributes"`
	Relationships map[string]struct {
		Data json.RawMessage `json:"data"`
	} `json:"relationships"`
}

type sgEntityRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

func (r sgRecord) str(key string) string {
	raw, ok := r.Attributes[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

func (r sgRecord) strs(key string) []string {
	raw, ok := r.Attributes[key]
	if !ok {
		return nil
	}
	var v []string
	_ = json.Unmarshal(raw, &v)
	return v
}

func (r sgRecord) refs(key string) []sgEntityRef {
	rel, ok := r.Relationships[key]
	if !ok {
		return nil
	}
	var v []sgEntityRef
	_ = json.Unmarshal(rel.Data, &v)
	return v
}

// search pages through POST /entity/{type}/_search until a short page.
func (s *Shotgrid) search(ctx context.Context, entity string, filters []any, fields []string) ([]sgRecord, error) {
	var out []sgRecord
	for page := 1; ; page++ {
		token, err := s.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(map[string]any{
			"filters": filters,
			"fields":  strings.Join(fields, ","),
			"page":    map[string]int{"number": page, "size": shotgridPageSize},
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/entity/"+entity+"/_search"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", arrayFilterMedia)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		res, err := s.client.Do(req)
		if err != nil {
			return nil, errs.Upstream("shotgrid search "+entity, err)
		}
		var payload struct {
			Data []sgRecord `json:"data"`
		}
		if res.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			res.Body.Close()
			return nil, errs.Upstream("shotgrid search "+entity, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg))))
		}
		err = json.NewDecoder(res.Body).Decode(&payload)
		res.Body.Close()
		if err != nil {
			return nil, errs.Upstream("shotgrid search "+entity, err)
		}
		out = append(out, payload.Data...)
		if len(payload.Data) < shotgridPageSize {
			return out, nil
		}
	}
}

func (s *Shotgrid) Projects(ctx context.Context, f ProjectFilter) ([]Project, error) {
	filters := []any{[]any{"sg_status", "is", "Active"}}
	if len(f.AvoidTags) > 0 {
		filters = append(filters, []any{"tag_list", "not_in", f.AvoidTags})
	}
	if len(f.Restrict) > 0 {
		filters = append(filters, []any{"id", "in", f.Restrict})
	}
	recs, err := s.search(ctx, "projects", filters, []string{"id", "name", "sg_type", "tag_list", "sg_site"})
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(recs))
	for _, r := range recs {
		p := Project{ID: r.ID, Name: r.str("name"), Division: r.str("sg_type"), Site: r.str("sg_site"), Tags: r.strs("tag_list")}
		if f.allows(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func projectFilter(projectID int64) []any {
	return []any{[]any{"project", "is", map[string]any{"type": "Project", "id": projectID}}}
}

func (s *Shotgrid) Assets(ctx context.Context, projectID int64) ([]Asset, error) {
	recs, err := s.search(ctx, "assets", projectFilter(projectID), []string{"id", "code", "sg_asset_type"})
	if err != nil {
		return nil, err
	}
	out := make([]Asset, 0, len(recs))
	for _, r := range recs {
		out = append(out, Asset{ID: r.ID, Code: r.str("code"), AssetType: r.str("sg_asset_type")})
	}
	return out, nil
}

func (s *Shotgrid) Sequences(ctx context.Context, projectID int64) ([]Sequence, error) {
	recs, err := s.search(ctx, "sequences", projectFilter(projectID), []string{"id", "code", "sg_sequence_type", "shots"})
	if err != nil {
		return nil, err
	}
	out := make([]Sequence, 0, len(recs))
	for _, r := range recs {
		seq := Sequence{ID: r.ID, Code: r.str("code"), SequenceType: r.str("sg_sequence_type")}
		for _, ref := range r.refs("shots") {
			seq.Shots = append(seq.Shots, Shot{ID: ref.ID, Code: ref.Name})
		}
		out = append(out, seq)
	}
	return out, nil
}
