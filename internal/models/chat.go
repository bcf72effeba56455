package models

import "time"

// Phase is the coarse-grained reasoning stage of a chat session as reported
// by the backend status endpoint.
type Phase string

const (
	PhaseIdle          Phase = "Idle"
	PhasePreparing     Phase = "Preparing"
	PhaseResearching   Phase = "Researching"
	PhaseEvaluating    Phase = "Evaluating"
	PhaseStrengthening Phase = "Strengthening"
	PhaseFinalizing    Phase = "Finalizing"
	PhaseCompleted     Phase = "Completed"
	PhaseFailed        Phase = "Failed"
)

// Terminal reports whether the phase means no generation is running.
// The backend reports Idle when a generation finishes; Completed and Failed
// are equivalent resting states.
func (p Phase) Terminal() bool {
	return p == PhaseIdle || p == PhaseCompleted || p == PhaseFailed
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry in a session transcript. A message with a zero
// CommittedAt is the open streaming message: its content is still being
// appended to and it is always the last message of its session.
type ChatMessage struct {
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CommittedAt time.Time `json:"committed_at,omitempty"`
}

// Open reports whether the message is still receiving streamed content.
func (m ChatMessage) Open() bool {
	return m.CommittedAt.IsZero()
}

// Region is an optional bounding box attached to evidence, in source
// coordinates (pixels for video frames, points for document pages).
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Evidence is one supporting citation gathered during a generation.
// SourceAssetID is preferred for resolution; older backend payloads only
// carry the display name, kept as a compatibility fallback.
type Evidence struct {
	SourceAssetID   string  `json:"source_asset_id,omitempty"`
	SourceAssetName string  `json:"source_asset_name"`
	Anchor          float64 `json:"anchor"`
	Region          *Region `json:"region,omitempty"`
	Snippet         string  `json:"snippet,omitempty"`
}

// ChatSession is the client view of one conversational reasoning session.
// Messages are in insertion order and never reordered. Evidence is replaced
// wholesale on every poll or resync, never merged item by item.
type ChatSession struct {
	ID           string        `json:"id"`
	DisplayName  string        `json:"display_name"`
	Messages     []ChatMessage `json:"messages"`
	Phase        Phase         `json:"phase"`
	Evidence     []Evidence    `json:"evidence"`
	LastActiveAt time.Time     `json:"last_active_at"`
}

// OpenMessage returns a pointer to the session's open streaming message,
// or nil when every message is committed.
func (s *ChatSession) OpenMessage() *ChatMessage {
	if len(s.Messages) == 0 {
		return nil
	}
	last := &s.Messages[len(s.Messages)-1]
	if last.Open() {
		return last
	}
	return nil
}

// IngestSnapshot is the aggregate ingestion status reported by the backend.
type IngestSnapshot struct {
	Phase       IngestPhase        `json:"phase"`
	SubProgress map[string]float64 `json:"progress"` // component name -> percent
	ActiveIDs   []string           `json:"active_assets"`
}

// IngestPhase is the aggregate backend ingestion phase.
type IngestPhase string

const (
	IngestIdle       IngestPhase = "idle"
	IngestInProgress IngestPhase = "in_progress"
)
