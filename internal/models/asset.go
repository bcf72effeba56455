// Package models defines core data structures for assets, chat sessions, and evidence.
package models

import (
	"fmt"
	"strings"
)

// AssetKind identifies the media family of an asset.
type AssetKind string

const (
	KindDocument AssetKind = "document"
	KindVideo    AssetKind = "video"
)

// AssetState is the client-side lifecycle state of an asset.
type AssetState string

const (
	AssetRegistered AssetState = "registered" // known to the backend, not yet queued
	AssetQueued     AssetState = "queued"     // waiting for the ingestion pipeline
	AssetIngesting  AssetState = "ingesting"  // pipeline running
	AssetReady      AssetState = "ready"      // fully ingested and queryable
	AssetFailed     AssetState = "failed"
)

// Terminal reports whether the state is a resting state the ingestion
// poller does not need to track.
func (s AssetState) Terminal() bool {
	return s == AssetReady || s == AssetFailed
}

// Asset is the client view of one uploaded document or video.
// Temporary ids (temp-*) are client-generated and replaced in place by the
// server-issued id once the upload completes.
type Asset struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	Kind        AssetKind     `json:"kind"`
	State       AssetState    `json:"state"`
	Progress    int           `json:"progress"` // 0-100, monotonic while ingesting
	Outline     []OutlineItem `json:"outline,omitempty"`
	PreviewRef  string        `json:"preview_ref,omitempty"` // opaque locator from the preview fetch
}

// OutlineSubPoint is a nested entry under an outline item.
type OutlineSubPoint struct {
	Heading string  `json:"heading"`
	Anchor  float64 `json:"anchor"`
}

// OutlineItem is one top-level entry of an asset's structured outline.
// Anchor is a page index for documents and a time offset in seconds for
// video; it is opaque to the engine and only interpreted by FormatAnchor.
type OutlineItem struct {
	Heading   string            `json:"heading"`
	Anchor    float64           `json:"anchor"`
	Summary   string            `json:"summary,omitempty"`
	SubPoints []OutlineSubPoint `json:"sub_points,omitempty"`
}

// TempIDPrefix marks client-generated asset ids awaiting a server id.
const TempIDPrefix = "temp-"

// IsTempID reports whether id is a client-generated temporary id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// KindForFilename maps a filename to an asset kind by extension.
// Anything that is not a known video container is treated as a document.
func KindForFilename(name string) AssetKind {
	lower := strings.ToLower(name)
	for _, ext := range []string{".mp4", ".mkv", ".mov"} {
		if strings.HasSuffix(lower, ext) {
			return KindVideo
		}
	}
	return KindDocument
}

// FormatAnchor renders an anchor for display: a page label for documents,
// an mm:ss (or h:mm:ss) offset for video. Pure function; the engine never
// interprets anchors beyond this.
func FormatAnchor(anchor float64, kind AssetKind) string {
	if kind == KindVideo {
		total := int(anchor)
		if total < 0 {
			total = 0
		}
		h := total / 3600
		m := (total % 3600) / 60
		s := total % 60
		if h > 0 {
			return fmt.Sprintf("%d:%02d:%02d", h, m, s)
		}
		return fmt.Sprintf("%d:%02d", m, s)
	}
	page := int(anchor)
	if page < 0 {
		page = 0
	}
	return fmt.Sprintf("p. %d", page)
}
