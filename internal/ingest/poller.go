// Package ingest runs the shared ingestion poller: a single fixed-interval
// loop that mirrors the backend's aggregate processing state onto local
// assets and performs the two-phase closure (force-complete, dwell, resync)
// when the backend goes idle.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/hyperjump/douki/internal/models"
	"github.com/hyperjump/douki/internal/store"
	"go.uber.org/zap"
)

const (
	defaultInterval = 2 * time.Second
	defaultDwell    = 800 * time.Millisecond
	defaultFloor    = 15
)

// subProgressPriority orders the backend's sub-progress components from most
// to least specific. The first component present wins.
var subProgressPriority = []string{"AI-Synthesis", "Pipeline", "Global"}

// StatusSource is the slice of the backend the poller consumes.
type StatusSource interface {
	IngestStatus(ctx context.Context) (*models.IngestSnapshot, error)
	ListAssets(ctx context.Context) ([]map[string]any, error)
}

// Poller polls the aggregate ingestion status and patches asset progress.
// At most one polling loop runs at a time; Kick is a no-op while active.
type Poller struct {
	source   StatusSource
	store    *store.Store
	interval time.Duration
	dwell    time.Duration
	floor    int

	mu     sync.Mutex
	active bool

	logger *zap.Logger // optional; when set, logs debug events
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithLogger sets a logger for debug output (ticks, closure, resync).
func WithLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithDwell sets the pause between force-completing assets and the closing
// resync, so the completed state is observable before records are replaced.
func WithDwell(d time.Duration) PollerOption {
	return func(p *Poller) { p.dwell = d }
}

// WithProgressFloor sets the minimum progress shown while ingestion runs.
func WithProgressFloor(n int) PollerOption {
	return func(p *Poller) { p.floor = n }
}

// NewPoller creates a poller over the given status source and store.
func NewPoller(source StatusSource, st *store.Store, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		store:    st,
		interval: defaultInterval,
		dwell:    defaultDwell,
		floor:    defaultFloor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Kick starts the polling loop unless one is already running. The loop stops
// on its own once the backend reports idle and the closure has run, or when
// ctx is cancelled.
func (p *Poller) Kick(ctx context.Context) {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.mu.Unlock()
	if p.logger != nil {
		p.logger.Debug("ingest poller starting", zap.Duration("interval", p.interval))
	}
	go p.run(ctx)
}

// Active reports whether a polling loop is currently running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Poller) run(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.active = false
		p.mu.Unlock()
	}()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	sawProgress := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, progressed := p.tick(ctx, sawProgress)
			if progressed {
				sawProgress = true
			}
			if done {
				return
			}
		}
	}
}

// tick performs one poll. done means the loop should stop; progressed means
// the backend reported an in-progress run.
func (p *Poller) tick(ctx context.Context, sawProgress bool) (done, progressed bool) {
	snap, err := p.source.IngestStatus(ctx)
	if err != nil {
		// Transient failure: keep the timer, try again next tick.
		if p.logger != nil {
			p.logger.Warn("ingest status poll failed", zap.Error(err))
		}
		return false, false
	}
	if snap.Phase == models.IngestInProgress {
		p.applyProgress(snap)
		return false, true
	}
	p.closeOut(ctx, sawProgress)
	return true, false
}

// applyProgress maps the aggregate sub-progress onto every in-flight asset.
func (p *Poller) applyProgress(snap *models.IngestSnapshot) {
	pct := p.floor
	for _, component := range subProgressPriority {
		if v, ok := snap.SubProgress[component]; ok {
			pct = int(v)
			break
		}
	}
	if pct < p.floor {
		pct = p.floor
	}
	if pct > 100 {
		pct = 100
	}

	ids := snap.ActiveIDs
	if len(ids) == 0 {
		ids = p.store.NonTerminalAssetIDs()
	}
	state := models.AssetIngesting
	for _, id := range ids {
		patch := store.AssetPatch{State: &state, Progress: &pct}
		if err := p.store.PatchAsset(id, patch, store.SourcePoll); err != nil && p.logger != nil {
			p.logger.Debug("progress patch skipped", zap.String("asset_id", id), zap.Error(err))
		}
	}
	if p.logger != nil {
		p.logger.Debug("ingest progress applied", zap.Int("progress", pct), zap.Int("assets", len(ids)))
	}
}

// closeOut runs the two-phase closure: force every in-flight asset to the
// completed state, dwell so the finished bar is observable, then replace the
// collection with the backend's authoritative records. A run that never saw
// an in-progress snapshot had nothing in flight — forcing would briefly mark
// never-ingested assets done, so only the resync runs.
func (p *Poller) closeOut(ctx context.Context, sawProgress bool) {
	if sawProgress {
		ready := models.AssetReady
		for _, id := range p.store.NonTerminalAssetIDs() {
			if err := p.store.PatchAsset(id, store.AssetPatch{State: &ready}, store.SourcePoll); err != nil && p.logger != nil {
				p.logger.Debug("force-complete patch skipped", zap.String("asset_id", id), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.dwell):
		}
	}

	records, err := p.source.ListAssets(ctx)
	if err != nil {
		// The forced states stand; the next sync cycle resyncs anyway.
		if p.logger != nil {
			p.logger.Warn("closing resync failed", zap.Error(err))
		}
		return
	}
	assets := make([]models.Asset, 0, len(records))
	for _, rec := range records {
		assets = append(assets, store.NormalizeAsset(rec))
	}
	p.store.ReplaceAssets(assets)
	if p.logger != nil {
		p.logger.Debug("ingest poller closed out", zap.Int("assets", len(assets)))
	}
}
