// Package gateway is the single entry point for user intents: uploads, sync
// triggers, asset selection, chat creation and messaging, and evidence
// jumps. Every intent is either rejected up front by a guard or applied
// optimistically and reconciled against the backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/douki/internal/models"
	"github.com/hyperjump/douki/internal/store"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var (
	// ErrUploadInFlight rejects a second upload or a sync while one upload
	// is still being pushed to the backend.
	ErrUploadInFlight = errors.New("an upload is already in flight")
	// ErrEvidenceOutOfRange rejects a jump to an evidence index the session
	// does not have.
	ErrEvidenceOutOfRange = errors.New("evidence index out of range")
	// ErrEvidenceUnresolvable rejects a jump whose evidence references no
	// known asset.
	ErrEvidenceUnresolvable = errors.New("evidence references no known asset")
)

// Backend is the slice of the backend client the gateway consumes.
type Backend interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
	TriggerSync(ctx context.Context) error
	ListAssets(ctx context.Context) ([]map[string]any, error)
	AssetStructure(ctx context.Context, assetID string) ([]any, error)
	AssetPreview(ctx context.Context, assetID string) (string, error)
	ListChats(ctx context.Context) (map[string]map[string]any, error)
	CreateChat(ctx context.Context) (string, error)
}

// Sender starts a reply generation for a session.
type Sender interface {
	Send(chatID, message string) error
}

// Kicker starts the ingestion polling loop.
type Kicker interface {
	Kick(ctx context.Context)
}

// Jump is a resolved evidence jump: the target asset, the anchor inside it,
// and an optional highlight region.
type Jump struct {
	AssetID string
	Anchor  float64
	Region  *models.Region
}

// Gateway validates and executes user intents against the store and the
// backend.
type Gateway struct {
	backend Backend
	store   *store.Store
	sender  Sender
	poller  Kicker

	// Outline and preview fetches repeat on every re-select; the results
	// are immutable once the asset is ready, so they are cached with a TTL.
	detail *gocache.Cache

	mu        sync.Mutex
	uploading bool

	onJump func(Jump)
	logger *zap.Logger // optional; when set, logs debug events
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets a logger for debug output (intents, guard rejections).
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithDetailTTL sets how long fetched outlines and preview locators are
// cached.
func WithDetailTTL(d time.Duration) Option {
	return func(g *Gateway) { g.detail = gocache.New(d, 2*d) }
}

// WithJumpHandler sets the callback invoked when an evidence jump resolves.
func WithJumpHandler(fn func(Jump)) Option {
	return func(g *Gateway) { g.onJump = fn }
}

// New creates a gateway.
func New(b Backend, st *store.Store, sender Sender, poller Kicker, opts ...Option) *Gateway {
	g := &Gateway{
		backend: b,
		store:   st,
		sender:  sender,
		poller:  poller,
		detail:  gocache.New(5*time.Minute, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RefreshAll replaces both collections with the backend's records. Used at
// startup and on an explicit reload.
func (g *Gateway) RefreshAll(ctx context.Context) error {
	records, err := g.backend.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch assets: %w", err)
	}
	assets := make([]models.Asset, 0, len(records))
	for _, rec := range records {
		assets = append(assets, store.NormalizeAsset(rec))
	}
	g.store.ReplaceAssets(assets)

	chatRecords, err := g.backend.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch chats: %w", err)
	}
	sessions := make([]models.ChatSession, 0, len(chatRecords))
	for id, rec := range chatRecords {
		c := store.NormalizeChat(rec)
		if c.ID == "" {
			c.ID = id
		}
		sessions = append(sessions, c)
	}
	g.store.ReplaceChats(sessions)
	if g.logger != nil {
		g.logger.Debug("collections refreshed", zap.Int("assets", len(assets)), zap.Int("chats", len(sessions)))
	}
	return nil
}

// Upload registers a file as a new asset: a placeholder with a temporary id
// appears at the front of the list immediately, then is renamed in place to
// the server id, or removed if the backend rejects the file. Only one upload
// runs at a time.
func (g *Gateway) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	g.mu.Lock()
	if g.uploading {
		g.mu.Unlock()
		return "", ErrUploadInFlight
	}
	g.uploading = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.uploading = false
		g.mu.Unlock()
	}()

	tempID := models.TempIDPrefix + uuid.NewString()
	g.store.InsertAssetFront(models.Asset{
		ID:          tempID,
		DisplayName: filename,
		Kind:        models.KindForFilename(filename),
		State:       models.AssetRegistered,
	})
	if g.logger != nil {
		g.logger.Debug("optimistic upload placeholder inserted", zap.String("temp_id", tempID), zap.String("filename", filename))
	}

	serverID, err := g.backend.Upload(ctx, filename, r)
	if err != nil {
		g.store.RemoveAsset(tempID)
		return "", fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	if err := g.store.RenameAsset(tempID, serverID); err != nil {
		// The placeholder vanished under us (e.g. a resync raced the
		// upload); make sure the server record exists at least.
		g.store.InsertAssetFront(models.Asset{
			ID:          serverID,
			DisplayName: filename,
			Kind:        models.KindForFilename(filename),
			State:       models.AssetRegistered,
		})
	}
	// The asset stays Registered until a sync intent queues it.
	return serverID, nil
}

// SyncAll asks the backend to process every pending asset and starts the
// ingestion poller. Rejected while an upload is in flight.
func (g *Gateway) SyncAll(ctx context.Context) error {
	g.mu.Lock()
	if g.uploading {
		g.mu.Unlock()
		return ErrUploadInFlight
	}
	g.mu.Unlock()

	if err := g.backend.TriggerSync(ctx); err != nil {
		return err
	}
	queued := models.AssetQueued
	for _, a := range g.store.Assets() {
		if a.State == models.AssetRegistered {
			_ = g.store.PatchAsset(a.ID, store.AssetPatch{State: &queued}, store.SourceOptimistic)
		}
	}
	g.poller.Kick(ctx)
	return nil
}

// SelectAsset marks the asset selected and fetches its outline and preview
// locator, cached across re-selections. The asset id is captured up front:
// if the record is renamed or removed while the fetch is out, the late
// result is dropped rather than applied to the wrong record.
func (g *Gateway) SelectAsset(ctx context.Context, assetID string) error {
	if err := g.store.Select(assetID); err != nil {
		return err
	}
	outline, previewRef, err := g.fetchDetail(ctx, assetID)
	if err != nil {
		// Selection stands; the detail pane stays empty until re-selected.
		if g.logger != nil {
			g.logger.Warn("asset detail fetch failed", zap.String("asset_id", assetID), zap.Error(err))
		}
		return nil
	}
	patch := store.AssetPatch{}
	if outline != nil {
		patch.Outline = outline
	}
	if previewRef != "" {
		patch.PreviewRef = &previewRef
	}
	return g.store.PatchAsset(assetID, patch, store.SourceResync)
}

func (g *Gateway) fetchDetail(ctx context.Context, assetID string) ([]models.OutlineItem, string, error) {
	type detail struct {
		outline    []models.OutlineItem
		previewRef string
	}
	if v, ok := g.detail.Get(assetID); ok {
		d := v.(detail)
		return d.outline, d.previewRef, nil
	}
	raw, err := g.backend.AssetStructure(ctx, assetID)
	if err != nil {
		return nil, "", err
	}
	previewRef, err := g.backend.AssetPreview(ctx, assetID)
	if err != nil {
		return nil, "", err
	}
	d := detail{outline: store.NormalizeOutline(raw), previewRef: previewRef}
	if d.outline != nil || d.previewRef != "" {
		// A still-processing asset yields nothing; do not cache that.
		g.detail.SetDefault(assetID, d)
	}
	return d.outline, d.previewRef, nil
}

// CreateChat creates an empty session on the backend and registers it
// locally.
func (g *Gateway) CreateChat(ctx context.Context) (string, error) {
	id, err := g.backend.CreateChat(ctx)
	if err != nil {
		return "", err
	}
	g.store.EnsureChat(models.ChatSession{ID: id, Phase: models.PhaseIdle})
	return id, nil
}

// SendMessage submits a user message to a session.
func (g *Gateway) SendMessage(chatID, message string) error {
	return g.sender.Send(chatID, message)
}

// JumpToEvidence resolves one evidence entry of a session to its source
// asset, selects that asset, and reports the jump. Resolution tries the
// asset id first and falls back to the display name.
func (g *Gateway) JumpToEvidence(ctx context.Context, chatID string, index int) error {
	sess, ok := g.store.Chat(chatID)
	if !ok {
		return store.ErrUnknownChat
	}
	if index < 0 || index >= len(sess.Evidence) {
		return ErrEvidenceOutOfRange
	}
	ev := sess.Evidence[index]

	target := ""
	if ev.SourceAssetID != "" {
		if _, ok := g.store.Asset(ev.SourceAssetID); ok {
			target = ev.SourceAssetID
		}
	}
	if target == "" && ev.SourceAssetName != "" {
		for _, a := range g.store.Assets() {
			if a.DisplayName == ev.SourceAssetName || a.ID == ev.SourceAssetName {
				target = a.ID
				break
			}
		}
	}
	if target == "" {
		return ErrEvidenceUnresolvable
	}

	if err := g.SelectAsset(ctx, target); err != nil {
		return err
	}
	if g.onJump != nil {
		g.onJump(Jump{AssetID: target, Anchor: ev.Anchor, Region: ev.Region})
	}
	if g.logger != nil {
		g.logger.Debug("evidence jump", zap.String("chat_id", chatID), zap.String("asset_id", target), zap.Float64("anchor", ev.Anchor))
	}
	return nil
}
