package store

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/douki/internal/models"
)

// Normalization converts the backend's heterogeneous payload shapes into the
// canonical entity schema. The backend has grown several spellings for the
// same field (id/asset_id/filename, name/chat_name, message/content) and a
// pipeline-internal status vocabulary; all of them are accepted here. A
// malformed or missing field never fails normalization — it degrades to a
// safe default (progress 0, empty outline, empty evidence).

// NormalizeAsset converts a raw asset record into a canonical Asset.
func NormalizeAsset(raw map[string]any) models.Asset {
	id := rawString(raw, "id", "asset_id", "filename")
	name := rawString(raw, "display_name", "name", "asset_name")
	if name == "" {
		name = filepath.Base(id)
	}
	a := models.Asset{
		ID:          id,
		DisplayName: name,
		Kind:        normalizeKind(rawString(raw, "kind", "type", "asset_type"), name),
		State:       normalizeAssetState(rawString(raw, "state", "status")),
		Progress:    clampProgress(int(rawNumber(raw, "progress"))),
		Outline:     NormalizeOutline(rawSlice(raw, "outline")),
	}
	if a.State == models.AssetReady {
		a.Progress = 100
	}
	if ref := rawString(raw, "preview_ref", "preview_url", "locator"); ref != "" {
		a.PreviewRef = ref
	}
	return a
}

// NormalizeChat converts a raw session record into a canonical ChatSession.
func NormalizeChat(raw map[string]any) models.ChatSession {
	c := models.ChatSession{
		ID:          rawString(raw, "id", "chat_id"),
		DisplayName: rawString(raw, "display_name", "name", "chat_name"),
		Phase:       NormalizePhase(rawString(raw, "phase", "status")),
		Evidence:    NormalizeEvidence(rawSlice(raw, "evidence")),
	}
	if c.Evidence == nil {
		c.Evidence = []models.Evidence{}
	}
	if ts := rawString(raw, "last_active_at", "last_active", "last_update"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			c.LastActiveAt = t
		}
	}
	c.Messages = normalizeMessages(rawSlice(raw, "messages"), c.LastActiveAt)
	return c
}

// NormalizePhase maps a backend status string onto a known phase,
// defaulting to Idle for anything unrecognized.
func NormalizePhase(s string) models.Phase {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preparing":
		return models.PhasePreparing
	case "researching":
		return models.PhaseResearching
	case "evaluating":
		return models.PhaseEvaluating
	case "strengthening":
		return models.PhaseStrengthening
	case "finalizing":
		return models.PhaseFinalizing
	case "completed", "complete", "done":
		return models.PhaseCompleted
	case "failed", "error":
		return models.PhaseFailed
	default:
		return models.PhaseIdle
	}
}

// NormalizeEvidence converts a raw evidence list. Both the flat shape and
// the search-result shape (snippet under "content", locator fields under
// "metadata") are accepted.
func NormalizeEvidence(raw []any) []models.Evidence {
	out := make([]models.Evidence, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ev := models.Evidence{
			SourceAssetID:   rawString(m, "source_asset_id", "asset_id"),
			SourceAssetName: rawString(m, "source_asset_name", "asset_name"),
			Anchor:          rawNumber(m, "anchor", "timestamp", "page"),
			Snippet:         rawString(m, "snippet", "content"),
		}
		if meta, ok := m["metadata"].(map[string]any); ok {
			if ev.SourceAssetID == "" {
				ev.SourceAssetID = rawString(meta, "asset_id")
			}
			if ev.SourceAssetName == "" {
				ev.SourceAssetName = rawString(meta, "asset_name")
			}
			if ev.Anchor == 0 {
				ev.Anchor = rawNumber(meta, "anchor", "timestamp", "page")
			}
		}
		if region, ok := m["region"].(map[string]any); ok {
			ev.Region = &models.Region{
				X:      rawNumber(region, "x"),
				Y:      rawNumber(region, "y"),
				Width:  rawNumber(region, "width", "w"),
				Height: rawNumber(region, "height", "h"),
			}
		}
		out = append(out, ev)
	}
	return out
}

// normalizeMessages converts a raw transcript. Server transcripts only
// contain committed messages; a missing or unparsable timestamp falls back
// to the session's last activity (a zero commit marker would reopen the
// message), so the same payload always normalizes to the same record.
func normalizeMessages(raw []any, fallback time.Time) []models.ChatMessage {
	if fallback.IsZero() {
		fallback = time.Unix(0, 0)
	}
	out := make([]models.ChatMessage, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg := models.ChatMessage{
			Role:    normalizeRole(rawString(m, "role")),
			Content: rawString(m, "content", "message"),
		}
		msg.CommittedAt = fallback
		if ts := rawString(m, "committed_at", "timestamp"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				msg.CommittedAt = t
			}
		}
		out = append(out, msg)
	}
	return out
}

func normalizeRole(s string) models.Role {
	if strings.EqualFold(s, string(models.RoleAssistant)) {
		return models.RoleAssistant
	}
	return models.RoleUser
}

func normalizeKind(s, name string) models.AssetKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video", "mp4", "mkv", "mov":
		return models.KindVideo
	case "document", "pdf", "doc":
		return models.KindDocument
	default:
		return models.KindForFilename(name)
	}
}

// normalizeAssetState maps the backend's pipeline-internal status vocabulary
// (Raw, recognizing, Cliping, Structuring, ...) and the older frontend one
// (idle, syncing, ready) onto the canonical lifecycle.
func normalizeAssetState(s string) models.AssetState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ready":
		return models.AssetReady
	case "failed", "error":
		return models.AssetFailed
	case "raw", "queued":
		return models.AssetQueued
	case "recognizing", "cliping", "clipping", "structuring", "ingesting", "syncing":
		return models.AssetIngesting
	default:
		// uploading, idle, registered, unknown
		return models.AssetRegistered
	}
}

// NormalizeOutline converts a raw structured-outline list. Entries that are
// not objects are dropped.
func NormalizeOutline(raw []any) []models.OutlineItem {
	if raw == nil {
		return nil
	}
	out := make([]models.OutlineItem, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		oi := models.OutlineItem{
			Heading: rawString(m, "heading", "title"),
			Anchor:  rawNumber(m, "anchor", "page", "timestamp"),
			Summary: rawString(m, "summary"),
		}
		for _, sub := range rawSlice(m, "sub_points", "subpoints") {
			sm, ok := sub.(map[string]any)
			if !ok {
				continue
			}
			oi.SubPoints = append(oi.SubPoints, models.OutlineSubPoint{
				Heading: rawString(sm, "heading", "title"),
				Anchor:  rawNumber(sm, "anchor", "page", "timestamp"),
			})
		}
		out = append(out, oi)
	}
	return out
}

// rawString returns the first of keys holding a non-empty string.
func rawString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// rawNumber returns the first of keys holding a number. JSON numbers decode
// as float64; ints are accepted for values built in-process.
func rawNumber(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	}
	return 0
}

// rawSlice returns the first of keys holding a list.
func rawSlice(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := m[k].([]any); ok {
			return v
		}
	}
	return nil
}
