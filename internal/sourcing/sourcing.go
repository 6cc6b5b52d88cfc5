// Package sourcing turns tracking-system webhook payloads into bus events.
package sourcing

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"studiopipe/internal/bus"
	"studiopipe/internal/errs"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/metrics"
)

// UpstreamSource tags events received from the tracking-system webhook.
const UpstreamSource = "sg"

// SignatureHeader carries "sha1=<hex hmac of the body>".
const SignatureHeader = "X-SG-SIGNATURE"

// DefaultTypeMap maps upstream event types to bus detail types.
var DefaultTypeMap = map[string]string{
	"Shotgun_Shot_New":          "shot-created",
	"Shotgun_Shot_Change":       "shot-changed",
	"Shotgun_Asset_New":         "asset-created",
	"Shotgun_Asset_Change":      "asset-changed",
	"Shotgun_Version_New":       "version-created",
	"Shotgun_Task_Change":       "task-changed",
	"Shotgun_Project_New":       "project-created",
	"Shotgun_Sequence_New":      "sequence-created",
	"Shotgun_PublishedFile_New": "published-file-created",
}

type Augmenter struct {
	Bus bus.Publisher
	// SignatureToken is the shared webhook secret. Empty disables checks.
	SignatureToken string
	// RejectUnverified refuses events whose signature is missing or wrong.
	RejectUnverified bool
	DefaultSite      string
	TypeMap          map[string]string
	Stats            *Stats
	Log              *slog.Logger
	Now              func() time.Time
}

func (a *Augmenter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Augmenter) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// Verify checks a webhook signature against body.
func Verify(token string, body []byte, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(token, body)), []byte(strings.TrimSpace(signature)))
}

// Sign returns the signature header value for body.
func Sign(token string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// DetailType maps an upstream event type, falling back to the generic
// per-source type.
func (a *Augmenter) DetailType(source, eventType string) string {
	m := a.TypeMap
	if m == nil {
		m = DefaultTypeMap
	}
	if dt, ok := m[eventType]; ok {
		return dt
	}
	return "event-type-" + source
}

// Ingest validates, augments and publishes one webhook body of the form
// {"data": {...}}.
func (a *Augmenter) Ingest(ctx context.Context, body []byte, signature string) (bus.Envelope, error) {
	var payload struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return bus.Envelope{}, errs.Validation("webhook body: %v", err)
	}
	data := payload.Data
	if len(data) == 0 {
		return bus.Envelope{}, errs.Validation("empty event")
	}
	id := text(data["id"])
	if id == "" {
		return bus.Envelope{}, errs.Validation("event has no id")
	}
	eventType := text(data["event_type"])
	if eventType == "" {
		return bus.Envelope{}, errs.Validation("event %s has no type", id)
	}
	log := a.log().With("upstream_event_id", id, "event_type", eventType)

	verified := false
	switch {
	case signature == "":
		log.Debug("no signature on event")
	case Verify(a.SignatureToken, body, signature):
		verified = true
	default:
		log.Debug("signature verification failed")
	}
	if !verified && a.RejectUnverified {
		log.Warn("rejecting unverified event")
		return bus.Envelope{}, fmt.Errorf("%w: signature missing or failed verification", errs.ErrUnauthorized)
	}

	site := text(data["event_site"])
	if site == "" {
		site = a.DefaultSite
	}
	detail := make(map[string]any, len(data)+5)
	for k, v := range data {
		detail[k] = v
	}
	detail["path"] = ExtractPath(data, site)
	detail["verified_source"] = verified
	detail["site"] = site
	detail["upstream_source"] = UpstreamSource
	detail["upstream_event_id"] = id

	dt := a.DetailType(UpstreamSource, eventType)
	env := bus.New(bus.SourceSourcing, dt, detail, a.now())
	if a.Stats != nil {
		a.Stats.Increment(dt)
	}
	if err := a.Bus.Publish(ctx, env); err != nil {
		return bus.Envelope{}, errs.Upstream("event bus", err)
	}
	metrics.EventsIngested.WithLabelValues(dt, strconv.FormatBool(verified)).Inc()
	log.Info("event forwarded", "event_id", env.ID, "detail_type", dt, "path", detail["path"], "verified", verified)
	return env, nil
}

// ExtractPath builds the level path an event refers to. Without a project
// the event belongs to the root.
func ExtractPath(data map[string]any, site string) string {
	project := text(data["project"])
	if project == "" {
		return levelpath.Root
	}
	var segs []string
	if s, ok := levelpath.SiteFromText(site); ok {
		segs = append(segs, string(s))
	}
	division := text(data["division"])
	if division == "" {
		if p, ok := data["project"].(map[string]any); ok {
			division = text(p["division"])
		}
	}
	if d, ok := levelpath.DivisionFromText(division, false); ok {
		segs = append(segs, string(d))
	}
	segs = append(segs, project)

	entity, _ := data["entity"].(map[string]any)
	entityType := strings.ToLower(text(entityField(entity, "type")))
	sequence := text(data["sequence"])
	shot := text(data["shot"])
	asset := text(data["asset"])
	assetType := text(data["asset_type"])
	if a, ok := data["asset"].(map[string]any); ok && assetType == "" {
		assetType = text(a["asset_type"])
	}
	switch entityType {
	case "shot":
		if shot == "" {
			shot = text(entity)
		}
	case "sequence":
		if sequence == "" {
			sequence = text(entity)
		}
	case "asset":
		if asset == "" {
			asset = text(entity)
		}
		if assetType == "" {
			assetType = text(entity["asset_type"])
		}
	}

	switch {
	case sequence != "":
		segs = append(segs, string(levelpath.TypeSequence), sequence)
		if shot != "" {
			segs = append(segs, shot)
		}
	case asset != "":
		segs = append(segs, string(levelpath.TypeAsset))
		if assetType != "" {
			segs = append(segs, assetType)
		}
		segs = append(segs, asset)
	}
	if task := text(data["task"]); task != "" && (sequence != "" || asset != "") {
		segs = append(segs, task)
	}
	for i, seg := range segs {
		segs[i] = strings.ReplaceAll(seg, "/", "_")
	}
	return levelpath.Canonize("/" + strings.Join(segs, "/"))
}

func entityField(e map[string]any, key string) any {
	if e == nil {
		return nil
	}
	return e[key]
}

// text reads a string-ish payload value. Entity references yield their
// name or code.
func text(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case map[string]any:
		for _, k := range []string{"name", "code"} {
			if s := text(t[k]); s != "" {
				return s
			}
		}
	}
	return ""
}
