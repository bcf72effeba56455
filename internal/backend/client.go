// Package backend is the HTTP client for the academic-agent backend: asset
// registry, aggregate ingestion status, uploads, and chat sessions. The rest
// of the engine consumes it through narrow per-component interfaces; payloads
// are returned in raw form and normalized by the store.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperjump/douki/internal/models"
	"go.uber.org/zap"
)

// RejectionError is a well-formed error payload from the backend (HTTP 409
// or an {status:"error"} envelope), as opposed to a transport failure.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return "request rejected by backend"
	}
	return e.Message
}

// Client talks to the backend over HTTP. Streaming requests use a dedicated
// http.Client without a timeout; everything else shares a bounded one.
type Client struct {
	baseURL   string
	http      *http.Client
	streaming *http.Client
	logger    *zap.Logger // optional; when set, logs debug events
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a logger for debug output (requests, stream events).
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the timeout for non-streaming requests.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		streaming: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListAssets fetches the full asset registry as raw records.
func (c *Client) ListAssets(ctx context.Context) ([]map[string]any, error) {
	var env struct {
		Status string           `json:"status"`
		Data   []map[string]any `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/v1/assets", nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// IngestStatus fetches the aggregate ingestion snapshot. The backend
// reports its system state vocabulary (IDLE/INGESTING); both it and the
// canonical phase strings are accepted.
func (c *Client) IngestStatus(ctx context.Context) (*models.IngestSnapshot, error) {
	var raw struct {
		Status       string             `json:"status"`
		Phase        string             `json:"phase"`
		Progress     map[string]float64 `json:"progress"`
		ActiveAssets []string           `json:"active_assets"`
	}
	if err := c.getJSON(ctx, "/api/v1/ingest/status", nil, &raw); err != nil {
		return nil, err
	}
	phase := models.IngestIdle
	switch strings.ToLower(raw.Phase) {
	case "in_progress":
		phase = models.IngestInProgress
	case "":
		if strings.EqualFold(raw.Status, "INGESTING") {
			phase = models.IngestInProgress
		}
	}
	return &models.IngestSnapshot{
		Phase:       phase,
		SubProgress: raw.Progress,
		ActiveIDs:   raw.ActiveAssets,
	}, nil
}

// TriggerSync asks the backend to start processing the pending asset queue.
// A busy backend answers 409, surfaced as a RejectionError.
func (c *Client) TriggerSync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/ingest/sync", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to trigger sync: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return &RejectionError{Message: "backend is busy"}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sync trigger returned status %d", resp.StatusCode)
	}
	return nil
}

// Upload sends a file as a new asset. Returns the server-issued asset id.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("failed to read upload payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/ingest/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Status   string `json:"status"`
		AssetID  string `json:"asset_id"`
		Filename string `json:"filename"`
		Message  string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.Status != "success" {
		return "", &RejectionError{Message: out.Message}
	}
	id := out.AssetID
	if id == "" {
		// Older backends key uploads by filename.
		id = out.Filename
	}
	if id == "" {
		return "", fmt.Errorf("upload response carried no asset id")
	}
	if c.logger != nil {
		c.logger.Debug("upload accepted", zap.String("asset_id", id))
	}
	return id, nil
}

// AssetStructure fetches the structured outline for one asset, raw.
// A still-processing asset yields an empty outline and no error.
func (c *Client) AssetStructure(ctx context.Context, assetID string) ([]any, error) {
	var env struct {
		Status  string `json:"status"`
		Outline []any  `json:"outline"`
		Message string `json:"message"`
	}
	q := url.Values{"asset_id": {assetID}}
	if err := c.getJSON(ctx, "/api/v1/assets/structure", q, &env); err != nil {
		return nil, err
	}
	if env.Status == "processing" {
		return nil, nil
	}
	if env.Status != "success" {
		return nil, &RejectionError{Message: env.Message}
	}
	return env.Outline, nil
}

// AssetPreview fetches the opaque preview locator for one asset.
func (c *Client) AssetPreview(ctx context.Context, assetID string) (string, error) {
	var out struct {
		Locator       string `json:"locator"`
		ProcessedPath string `json:"processed_path"`
		RawPath       string `json:"raw_path"`
	}
	q := url.Values{"asset_id": {assetID}}
	if err := c.getJSON(ctx, "/api/v1/assets/preview", q, &out); err != nil {
		return "", err
	}
	if out.Locator != "" {
		return out.Locator, nil
	}
	if out.ProcessedPath != "" {
		return out.ProcessedPath, nil
	}
	return out.RawPath, nil
}

// ListChats fetches all chat sessions keyed by id, raw.
func (c *Client) ListChats(ctx context.Context) (map[string]map[string]any, error) {
	var env struct {
		Status string                    `json:"status"`
		Data   map[string]map[string]any `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/v1/chats", nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// CreateChat creates an empty session and returns its server id.
func (c *Client) CreateChat(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chats/create", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create chat: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	if out.ChatID == "" {
		return "", fmt.Errorf("create response carried no chat id")
	}
	return out.ChatID, nil
}

// ChatStatus fetches the coarse status of one session: the phase label and
// the current evidence list, raw.
func (c *Client) ChatStatus(ctx context.Context, chatID string) (string, []any, error) {
	var out struct {
		Phase    string `json:"phase"`
		Status   string `json:"status"`
		Evidence []any  `json:"evidence"`
	}
	q := url.Values{"chat_id": {chatID}}
	if err := c.getJSON(ctx, "/api/v1/chats/status", q, &out); err != nil {
		return "", nil, err
	}
	phase := out.Phase
	if phase == "" {
		phase = out.Status
	}
	return phase, out.Evidence, nil
}

// ChatDetails fetches the authoritative full session record, raw. Used for
// the finalizing resync after a generation ends.
func (c *Client) ChatDetails(ctx context.Context, chatID string) (map[string]any, error) {
	var env struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	q := url.Values{"chat_id": {chatID}}
	if err := c.getJSON(ctx, "/api/v1/chats/details", q, &env); err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, &RejectionError{Message: "chat not found"}
	}
	return env.Data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
