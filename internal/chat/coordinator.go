// Package chat coordinates one reply generation per session: the token
// stream and the coarse status poller run concurrently against the same
// session record, and a finalize step that runs exactly once reconciles the
// result with the backend's authoritative transcript.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hyperjump/douki/internal/models"
	"github.com/hyperjump/douki/internal/store"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 1500 * time.Millisecond
	finalizeTimeout     = 10 * time.Second
)

// ErrGenerationInFlight is returned by Send while the session is still
// streaming a previous reply.
var ErrGenerationInFlight = errors.New("chat already has a generation in flight")

// Backend is the slice of the backend client the coordinator consumes.
type Backend interface {
	StreamChat(ctx context.Context, chatID, message string, onDelta func(content string)) error
	ChatStatus(ctx context.Context, chatID string) (phase string, evidence []any, err error)
	ChatDetails(ctx context.Context, chatID string) (map[string]any, error)
}

// generation is the in-flight state for one reply: both the stream and the
// status poller hang off cancel, and finalize runs through once.
type generation struct {
	cancel   context.CancelFunc
	once     sync.Once
	pollStop chan struct{}
}

// Coordinator owns the dual channel for every chat session: a token stream
// for content and a status poller for phase and evidence. At most one
// generation runs per session.
type Coordinator struct {
	backend  Backend
	store    *store.Store
	interval time.Duration

	mu       sync.Mutex
	inflight map[string]*generation

	logger *zap.Logger // optional; when set, logs debug events
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a logger for debug output (deltas, polls, finalize).
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithPollInterval sets the status polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// NewCoordinator creates a coordinator over the given backend and store.
func NewCoordinator(b Backend, st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:  b,
		store:    st,
		interval: defaultPollInterval,
		inflight: make(map[string]*generation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InFlight reports whether the session is currently streaming a reply.
func (c *Coordinator) InFlight(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[chatID]
	return ok
}

// Send submits a user message to the session and starts a generation:
// the user message and an empty assistant message are appended immediately,
// then the stream and the status poller fill them in. Returns an error and
// changes nothing when the session is unknown or still busy.
func (c *Coordinator) Send(chatID, message string) error {
	if _, ok := c.store.Chat(chatID); !ok {
		return store.ErrUnknownChat
	}
	c.mu.Lock()
	if _, busy := c.inflight[chatID]; busy {
		c.mu.Unlock()
		return ErrGenerationInFlight
	}

	if err := c.store.AppendUserMessage(chatID, message, time.Now()); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.store.OpenAssistantMessage(chatID); err != nil {
		c.mu.Unlock()
		return err
	}
	_ = c.store.PatchChatStatus(chatID, models.PhasePreparing, nil, store.SourceOptimistic)

	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{cancel: cancel, pollStop: make(chan struct{})}
	c.inflight[chatID] = gen
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("generation started", zap.String("chat_id", chatID))
	}
	go c.poll(ctx, chatID, gen)
	go c.stream(ctx, chatID, message, gen)
	return nil
}

// stream consumes the token stream and triggers finalize when it ends.
func (c *Coordinator) stream(ctx context.Context, chatID, message string, gen *generation) {
	err := c.backend.StreamChat(ctx, chatID, message, func(delta string) {
		c.store.AppendStreamDelta(chatID, delta)
	})
	if err != nil && ctx.Err() == nil {
		if c.logger != nil {
			c.logger.Warn("chat stream failed", zap.String("chat_id", chatID), zap.Error(err))
		}
		c.finalize(chatID, gen, false)
		return
	}
	c.finalize(chatID, gen, true)
}

// poll mirrors the backend's phase and evidence onto the session while the
// generation runs. A terminal phase from the backend also ends the
// generation, covering streams that die without an error event.
func (c *Coordinator) poll(ctx context.Context, chatID string, gen *generation) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	sawActive := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-gen.pollStop:
			return
		case <-ticker.C:
			raw, evidence, err := c.backend.ChatStatus(ctx, chatID)
			if err != nil {
				if c.logger != nil && ctx.Err() == nil {
					c.logger.Debug("chat status poll failed", zap.String("chat_id", chatID), zap.Error(err))
				}
				continue
			}
			phase := store.NormalizePhase(raw)
			if phase == models.PhaseIdle && !sawActive {
				// The backend has not registered the generation yet; do not
				// wipe the optimistic preparing phase.
				continue
			}
			if !phase.Terminal() {
				sawActive = true
			}
			var evs []models.Evidence
			if evidence != nil {
				evs = store.NormalizeEvidence(evidence)
			}
			_ = c.store.PatchChatStatus(chatID, phase, evs, store.SourcePoll)
			if phase.Terminal() {
				c.finalize(chatID, gen, phase != models.PhaseFailed)
				return
			}
		}
	}
}

// finalize ends the generation exactly once: stream and poller are stopped,
// the open message is committed, and on success the session is replaced with
// the backend's authoritative record. On failure the partial content stands
// and the session is marked failed with no resync.
func (c *Coordinator) finalize(chatID string, gen *generation, success bool) {
	gen.once.Do(func() {
		close(gen.pollStop)
		gen.cancel()
		c.store.CommitOpenMessage(chatID, time.Now())

		if success {
			ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
			defer cancel()
			details, err := c.backend.ChatDetails(ctx, chatID)
			if err != nil {
				if c.logger != nil {
					c.logger.Warn("finalize resync failed", zap.String("chat_id", chatID), zap.Error(err))
				}
				_ = c.store.PatchChatStatus(chatID, models.PhaseCompleted, nil, store.SourceOptimistic)
			} else {
				c.store.ResyncChat(store.NormalizeChat(details))
			}
		} else {
			_ = c.store.PatchChatStatus(chatID, models.PhaseFailed, nil, store.SourceOptimistic)
		}

		c.mu.Lock()
		delete(c.inflight, chatID)
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Debug("generation finished", zap.String("chat_id", chatID), zap.Bool("success", success))
		}
	})
}

// Close cancels every in-flight generation. Sessions stay as they are; no
// finalize runs.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, gen := range c.inflight {
		gen.cancel()
		delete(c.inflight, id)
	}
}
