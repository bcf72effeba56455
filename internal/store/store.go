// Package store holds the authoritative in-memory view of assets and chat
// sessions. All mutation goes through the store; pollers, the stream
// coordinator, and the intent gateway never write entity fields directly.
//
// Writes are tagged with a Source and the store enforces the disjoint-field
// merge policy: stream deltas may only append to the open message, polls may
// only touch phase/evidence (chats) and state/progress (assets), resyncs
// overwrite everything. This keeps the three producers conflict-free without
// any cross-producer coordination.
package store

import (
	"errors"
	"sync"

	"github.com/hyperjump/douki/internal/models"
	"go.uber.org/zap"
)

// Source identifies the producer of a write.
type Source string

const (
	SourceOptimistic  Source = "optimistic"   // local intent, ahead of the server
	SourceStreamDelta Source = "stream_delta" // incremental token from the chat stream
	SourcePoll        Source = "poll"         // periodic coarse status snapshot
	SourceResync      Source = "resync"       // authoritative full-field fetch
)

var (
	// ErrUnknownAsset is returned when an optimistic write targets an asset
	// that is not in the store.
	ErrUnknownAsset = errors.New("unknown asset id")
	// ErrUnknownChat is returned when an optimistic write targets a chat
	// session that is not in the store.
	ErrUnknownChat = errors.New("unknown chat id")
	// ErrOpenMessage is returned when an append would violate the
	// one-open-message-per-session invariant.
	ErrOpenMessage = errors.New("session already has an open streaming message")
	// ErrFieldNotAllowed is returned when a write touches a field its source
	// does not own under the disjoint-field policy.
	ErrFieldNotAllowed = errors.New("field not writable by this source")
)

// Store is the single shared mutable resource of the engine. Its mutex
// serializes all entity mutation; change subscribers are invoked outside the
// lock with snapshots.
type Store struct {
	mu        sync.Mutex
	assets    []*models.Asset // ordered; uploads are inserted at the front
	chats     map[string]*models.ChatSession
	chatOrder []string
	selected  string // selected asset id, "" when none

	assetSubs []func([]models.Asset)
	chatSubs  []func([]models.ChatSession)
	logger    *zap.Logger // optional; when set, logs debug events
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger for debug output (patches, renames, resyncs).
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{chats: make(map[string]*models.ChatSession)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubscribeAssets registers fn to be called with an asset snapshot after
// every asset mutation.
func (s *Store) SubscribeAssets(fn func([]models.Asset)) {
	s.mu.Lock()
	s.assetSubs = append(s.assetSubs, fn)
	s.mu.Unlock()
}

// SubscribeChats registers fn to be called with a session snapshot after
// every chat mutation.
func (s *Store) SubscribeChats(fn func([]models.ChatSession)) {
	s.mu.Lock()
	s.chatSubs = append(s.chatSubs, fn)
	s.mu.Unlock()
}

// Assets returns a snapshot of all assets in display order.
func (s *Store) Assets() []models.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assetSnapshotLocked()
}

// Asset returns a snapshot of one asset by id.
func (s *Store) Asset(id string) (models.Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.findLocked(id); a != nil {
		return *a, true
	}
	return models.Asset{}, false
}

// SelectedID returns the currently selected asset id, or "".
func (s *Store) SelectedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Select marks the asset with id as selected. Selecting an unknown id is an
// error; selecting "" clears the selection.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	if id != "" && s.findLocked(id) == nil {
		s.mu.Unlock()
		return ErrUnknownAsset
	}
	s.selected = id
	snap := s.assetSnapshotLocked()
	subs := s.assetSubs
	s.mu.Unlock()
	notifyAssets(subs, snap)
	return nil
}

// NonTerminalAssetIDs returns the ids of assets the ingestion poller should
// still be tracking.
func (s *Store) NonTerminalAssetIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, a := range s.assets {
		if !a.State.Terminal() {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// InsertAssetFront inserts a new asset at the front of the display order.
// Used by the upload intent's optimistic insert.
func (s *Store) InsertAssetFront(a models.Asset) {
	s.mu.Lock()
	if s.findLocked(a.ID) != nil {
		// One asset per id; a duplicate insert is a caller bug, keep the
		// existing entity.
		s.mu.Unlock()
		return
	}
	cp := a
	s.assets = append([]*models.Asset{&cp}, s.assets...)
	snap := s.assetSnapshotLocked()
	subs := s.assetSubs
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Debug("asset inserted", zap.String("asset_id", a.ID))
	}
	notifyAssets(subs, snap)
}

// RemoveAsset removes the asset with id, clearing the selection if it
// pointed at it. Removing an unknown id is a no-op.
func (s *Store) RemoveAsset(id string) {
	s.mu.Lock()
	idx := -1
	for i, a := range s.assets {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.assets = append(s.assets[:idx], s.assets[idx+1:]...)
	if s.selected == id {
		s.selected = ""
	}
	snap := s.assetSnapshotLocked()
	subs := s.assetSubs
	s.mu.Unlock()
	notifyAssets(subs, snap)
}

// RenameAsset atomically replaces a temporary asset id with the
// server-issued one, preserving list position and selection. Renaming an
// unknown id returns ErrUnknownAsset.
func (s *Store) RenameAsset(oldID, newID string) error {
	s.mu.Lock()
	a := s.findLocked(oldID)
	if a == nil {
		s.mu.Unlock()
		return ErrUnknownAsset
	}
	a.ID = newID
	if s.selected == oldID {
		s.selected = newID
	}
	snap := s.assetSnapshotLocked()
	subs := s.assetSubs
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Debug("asset renamed", zap.String("from", oldID), zap.String("to", newID))
	}
	notifyAssets(subs, snap)
	return nil
}

// AssetPatch is a partial-field update for one asset. Nil fields are left
// untouched.
type AssetPatch struct {
	DisplayName *string
	State       *models.AssetState
	Progress    *int
	Outline     []models.OutlineItem
	PreviewRef  *string
}

// PatchAsset applies a partial update to the asset with id.
//
// Poll writes may only touch State and Progress, and progress is monotonic
// while the asset is ingesting (a lagging snapshot never walks the bar
// backwards). Optimistic writes require the id to be present. Poll and
// resync writes against an unknown id are silently dropped — the entity may
// have been removed locally between suspension and resumption.
func (s *Store) PatchAsset(id string, p AssetPatch, src Source) error {
	s.mu.Lock()
	a := s.findLocked(id)
	if a == nil {
		s.mu.Unlock()
		if src == SourcePoll || src == SourceResync {
			return nil
		}
		return ErrUnknownAsset
	}
	if src == SourcePoll && (p.DisplayName != nil || p.Outline != nil || p.PreviewRef != nil) {
		s.mu.Unlock()
		return ErrFieldNotAllowed
	}
	if src == SourceStreamDelta {
		s.mu.Unlock()
		return ErrFieldNotAllowed
	}
	if p.DisplayName != nil {
		a.DisplayName = *p.DisplayName
	}
	if p.State != nil {
		a.State = *p.State
	}
	if p.Progress != nil {
		next := clampProgress(*p.Progress)
		if src == SourcePoll && a.State == models.AssetIngesting && next < a.Progress {
			next = a.Progress
		}
		a.Progress = next
	}
	if a.State == models.AssetReady {
		a.Progress = 100
	}
	if p.Outline != nil {
		a.Outline = p.Outline
	}
	if p.PreviewRef != nil {
		a.PreviewRef = *p.PreviewRef
	}
	snap := s.assetSnapshotLocked()
	subs := s.assetSubs
	s.mu.Unlock()
	notifyAssets(subs, snap)
	return nil
}

// ReplaceAssets applies an authoritative resync of the full asset
// collection. Incoming records win on every field they carry; outline and
// preview locators are fetched separately on selection, so a record without
// them keeps the already-fetched values. Selection survives when the
// selected id is still present.
func (s *Store) ReplaceAssets(assets []models.Asset) {
	s.mu.Lock()
	prev := make(map[string]*models.Asset, len(s.assets))
	for _, a := range s.assets {
		prev[a.ID] = a
	}
	next := make([]*models.Asset, 0, len(assets))
	for i := range assets {
		cp := assets[i]
		if old, ok := prev[cp.ID]; ok {
			if cp.Outline == nil {
				cp.Outline = old.Outline
			}
			if cp.PreviewRef == "" {
				cp.PreviewRef = old.PreviewRef
			}
		}
		if cp.State == models.AssetReady {
			cp.Progress = 100
		}
		next = append(next, &cp)
	}
	s.assets = next
	if s.selected != "" && s.findLocked(s.selected) == nil {
		s.selected = ""
	}
	snap := s.assetSnapshotLocked()
	subs := s.assetSubs
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Debug("assets resynced", zap.Int("count", len(assets)))
	}
	notifyAssets(subs, snap)
}

func (s *Store) findLocked(id string) *models.Asset {
	for _, a := range s.assets {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *Store) assetSnapshotLocked() []models.Asset {
	out := make([]models.Asset, len(s.assets))
	for i, a := range s.assets {
		out[i] = *a
	}
	return out
}

func notifyAssets(subs []func([]models.Asset), snap []models.Asset) {
	for _, fn := range subs {
		fn(snap)
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
