// Package cli provides CLI output helpers for douki.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/douki/internal/models"
	"github.com/hyperjump/douki/pkg/utils"
)

// OutputFormat is the format for CLI output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value onto a known format.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch s {
	case "", "text":
		return OutputText, nil
	case "json":
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// WriteAssets writes the asset collection to w in the given format.
func WriteAssets(w io.Writer, assets []models.Asset, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(assets)
	}
	fmt.Fprintf(w, "\n%d assets\n\n", len(assets))
	for _, a := range assets {
		fmt.Fprintf(w, "%-12s %4d%%  [%s]  %s\n", a.State, a.Progress, a.Kind, a.DisplayName)
		if a.ID != a.DisplayName {
			fmt.Fprintf(w, "             id: %s\n", a.ID)
		}
		for _, item := range a.Outline {
			fmt.Fprintf(w, "             %s  %s\n", models.FormatAnchor(item.Anchor, a.Kind), utils.Truncate(item.Heading, 60))
		}
	}
	return nil
}

// WriteChat writes one session transcript to w in the given format.
func WriteChat(w io.Writer, c models.ChatSession, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	}
	name := c.DisplayName
	if name == "" {
		name = c.ID
	}
	fmt.Fprintf(w, "\n%s  (phase: %s)\n\n", name, c.Phase)
	for _, m := range c.Messages {
		fmt.Fprintf(w, "[%s] %s\n", m.Role, m.Content)
	}
	if len(c.Evidence) > 0 {
		fmt.Fprintln(w, "\n--- Evidence ---")
		for i, ev := range c.Evidence {
			src := ev.SourceAssetName
			if src == "" {
				src = ev.SourceAssetID
			}
			kind := models.KindForFilename(src)
			fmt.Fprintf(w, "[%d] %s @ %s", i, src, models.FormatAnchor(ev.Anchor, kind))
			if ev.Snippet != "" {
				fmt.Fprintf(w, " (%s)", utils.Truncate(ev.Snippet, 80))
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}
