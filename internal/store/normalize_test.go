package store

import (
	"reflect"
	"testing"

	"github.com/hyperjump/douki/internal/models"
)

func TestNormalizeAsset_backendRegistryShape(t *testing.T) {
	raw := map[string]any{
		"asset_id":   "lecture.mp4",
		"asset_type": "video",
		"status":     "Cliping",
		"progress":   float64(37),
	}
	a := NormalizeAsset(raw)
	if a.ID != "lecture.mp4" || a.Kind != models.KindVideo {
		t.Errorf("identity: %+v", a)
	}
	if a.State != models.AssetIngesting {
		t.Errorf("state = %s, want ingesting", a.State)
	}
	if a.Progress != 37 {
		t.Errorf("progress = %d", a.Progress)
	}
	if a.DisplayName != "lecture.mp4" {
		t.Errorf("display name should fall back to id, got %q", a.DisplayName)
	}
}

func TestNormalizeAsset_frontendShapeAndDefaults(t *testing.T) {
	a := NormalizeAsset(map[string]any{"id": "paper.pdf", "type": "pdf", "status": "idle"})
	if a.Kind != models.KindDocument || a.State != models.AssetRegistered {
		t.Errorf("frontend shape: %+v", a)
	}
	if a.Progress != 0 || a.Outline != nil {
		t.Errorf("defaults: %+v", a)
	}

	// Malformed fields degrade, never panic.
	a = NormalizeAsset(map[string]any{"id": "x", "progress": "not-a-number", "status": 7, "outline": "nope"})
	if a.ID != "x" || a.Progress != 0 || a.State != models.AssetRegistered {
		t.Errorf("degraded defaults: %+v", a)
	}

	// Ready forces progress 100 even when the record omits it.
	a = NormalizeAsset(map[string]any{"id": "y", "status": "Ready"})
	if a.Progress != 100 {
		t.Errorf("ready progress = %d", a.Progress)
	}
}

func TestNormalizeAsset_kindFromFilename(t *testing.T) {
	a := NormalizeAsset(map[string]any{"id": "talk.mkv"})
	if a.Kind != models.KindVideo {
		t.Errorf("kind = %s, want video", a.Kind)
	}
}

func TestNormalizeAsset_outline(t *testing.T) {
	raw := map[string]any{
		"id": "paper.pdf",
		"outline": []any{
			map[string]any{
				"heading": "Methods",
				"anchor":  float64(4),
				"summary": "experimental setup",
				"sub_points": []any{
					map[string]any{"heading": "Dataset", "anchor": float64(5)},
				},
			},
			"garbage entry",
		},
	}
	a := NormalizeAsset(raw)
	if len(a.Outline) != 1 {
		t.Fatalf("outline len = %d", len(a.Outline))
	}
	oi := a.Outline[0]
	if oi.Heading != "Methods" || oi.Anchor != 4 || len(oi.SubPoints) != 1 {
		t.Errorf("outline item: %+v", oi)
	}
}

func TestNormalizeChat(t *testing.T) {
	raw := map[string]any{
		"chat_id":   "CH-1A2B3C4D",
		"chat_name": "Chat-what is entropy",
		"status":    "Researching",
		"messages": []any{
			map[string]any{"role": "user", "message": "what is entropy", "timestamp": "2026-08-01T10:00:00Z"},
			map[string]any{"role": "assistant", "content": "Entropy is..."},
		},
		"evidence": []any{
			map[string]any{
				"content":  "entropy definition",
				"metadata": map[string]any{"asset_name": "thermo.pdf", "page": float64(12)},
			},
		},
		"last_active": "2026-08-01T10:05:00Z",
	}
	c := NormalizeChat(raw)
	if c.ID != "CH-1A2B3C4D" || c.Phase != models.PhaseResearching {
		t.Errorf("identity: %+v", c)
	}
	if len(c.Messages) != 2 {
		t.Fatalf("messages len = %d", len(c.Messages))
	}
	if c.Messages[0].Role != models.RoleUser || c.Messages[0].Content != "what is entropy" {
		t.Errorf("message 0: %+v", c.Messages[0])
	}
	if c.Messages[1].Open() {
		t.Error("normalized server messages must be committed")
	}
	if len(c.Evidence) != 1 {
		t.Fatalf("evidence len = %d", len(c.Evidence))
	}
	ev := c.Evidence[0]
	if ev.SourceAssetName != "thermo.pdf" || ev.Anchor != 12 || ev.Snippet != "entropy definition" {
		t.Errorf("evidence: %+v", ev)
	}
	if c.LastActiveAt.IsZero() {
		t.Error("last active not parsed")
	}
}

func TestNormalizeChat_deterministicWithoutTimestamps(t *testing.T) {
	raw := map[string]any{
		"chat_id":     "c1",
		"status":      "Completed",
		"last_update": "2026-08-01T10:05:00Z",
		"messages": []any{
			map[string]any{"role": "user", "content": "q"},
			map[string]any{"role": "assistant", "content": "a"},
		},
	}
	first := NormalizeChat(raw)
	second := NormalizeChat(raw)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("same payload normalized differently:\n%+v\n%+v", first, second)
	}
	// Untimestamped messages commit at the session's last activity.
	if !first.Messages[0].CommittedAt.Equal(first.LastActiveAt) {
		t.Errorf("committed at = %v, want %v", first.Messages[0].CommittedAt, first.LastActiveAt)
	}
	if first.Messages[0].Open() {
		t.Error("normalized server messages must be committed")
	}

	// No last activity either: still deterministic, still committed.
	delete(raw, "last_update")
	a, b := NormalizeChat(raw), NormalizeChat(raw)
	if !reflect.DeepEqual(a, b) {
		t.Error("timestampless payload normalized differently")
	}
	if a.Messages[0].Open() {
		t.Error("fallback commit marker must be non-zero")
	}
}

func TestNormalizeChat_degradedDefaults(t *testing.T) {
	c := NormalizeChat(map[string]any{"chat_id": "c1", "status": "SomethingNew", "messages": "bad"})
	if c.Phase != models.PhaseIdle {
		t.Errorf("unknown phase should default to idle, got %s", c.Phase)
	}
	if c.Evidence == nil || len(c.Evidence) != 0 {
		t.Errorf("evidence should default to empty, got %v", c.Evidence)
	}
	if len(c.Messages) != 0 {
		t.Errorf("malformed messages should yield empty list: %v", c.Messages)
	}
}

func TestNormalizeEvidence_flatShapeWithRegion(t *testing.T) {
	evs := NormalizeEvidence([]any{
		map[string]any{
			"source_asset_id":   "a1",
			"source_asset_name": "slides.pdf",
			"anchor":            float64(7),
			"snippet":           "figure 3",
			"region":            map[string]any{"x": 1.0, "y": 2.0, "width": 3.0, "height": 4.0},
		},
	})
	if len(evs) != 1 {
		t.Fatalf("len = %d", len(evs))
	}
	ev := evs[0]
	if ev.SourceAssetID != "a1" || ev.Anchor != 7 {
		t.Errorf("evidence: %+v", ev)
	}
	if ev.Region == nil || ev.Region.Width != 3 {
		t.Errorf("region: %+v", ev.Region)
	}
}

func TestNormalizePhase(t *testing.T) {
	tests := []struct {
		in   string
		want models.Phase
	}{
		{"Preparing", models.PhasePreparing},
		{"researching", models.PhaseResearching},
		{"FINALIZING", models.PhaseFinalizing},
		{"completed", models.PhaseCompleted},
		{"error", models.PhaseFailed},
		{"", models.PhaseIdle},
		{"whatever", models.PhaseIdle},
	}
	for _, tt := range tests {
		if got := NormalizePhase(tt.in); got != tt.want {
			t.Errorf("NormalizePhase(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
