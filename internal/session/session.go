package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallState is the lifecycle state of an interview call.
type CallState string

const (
	CallInitiated  CallState = "INITIATED"
	CallRinging    CallState = "RINGING"
	CallInProgress CallState = "IN_PROGRESS"
	CallCompleted  CallState = "COMPLETED"
	CallFailed     CallState = "FAILED"
	CallAbandoned  CallState = "ABANDONED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s CallState) Terminal() bool {
	return s == CallCompleted || s == CallFailed || s == CallAbandoned
}

// transitions is the declared edge set of the call state machine. Anything
// not listed here is an illegal transition and must be rejected, not applied.
var transitions = map[CallState][]CallState{
	CallInitiated:  {CallRinging, CallInProgress, CallCompleted, CallFailed, CallAbandoned},
	CallRinging:    {CallInProgress, CallCompleted, CallFailed, CallAbandoned},
	CallInProgress: {CallCompleted, CallFailed, CallAbandoned},
}

// CanTransition reports whether from -> to is an allowed edge.
// Self-transitions are allowed as no-ops on non-terminal states so that
// repeated provider status notices do not count as illegal.
func CanTransition(from, to CallState) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TurnState is the sub-state of a single caller-utterance/agent-reply cycle.
type TurnState string

const (
	TurnAwaitingSpeech TurnState = "AWAITING_SPEECH"
	TurnTranscribing   TurnState = "TRANSCRIBING"
	TurnGenerating     TurnState = "GENERATING"
	TurnSynthesizing   TurnState = "SYNTHESIZING"
	TurnReady          TurnState = "READY"
	TurnPlayed         TurnState = "PLAYED"
	TurnFailed         TurnState = "FAILED"
)

// Turn is one caller-utterance/agent-reply pair. A turn only enters the
// durable transcript once it reaches PLAYED; everything before that lives on
// the session as the current or pending turn.
type Turn struct {
	TurnIndex  int       `json:"turn_index"`
	CallerText string    `json:"caller_text,omitempty"`
	AgentText  string    `json:"agent_text,omitempty"`
	AudioRef   string    `json:"audio_ref,omitempty"`
	State      TurnState `json:"state"`
	// Attempts counts failed pipeline-stage attempts accumulated across
	// retries of this turn. It survives process restarts because it is
	// persisted with the session, not kept in a loop counter.
	Attempts  int `json:"attempts"`
	Fallbacks int `json:"fallbacks,omitempty"`

	// ClaimedAt marks when a delivery moved this turn into TRANSCRIBING. A
	// claim whose commit never lands (crash between the two writes) is
	// detectable by age, so a later delivery can take the turn over instead
	// of waiting forever.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// InterviewSession is the durable record of one phone interview. The store
// owns the persisted row; handlers only ever hold a transient copy between a
// read and a conditional write.
type InterviewSession struct {
	SessionID      string    `json:"session_id"`
	ProviderCallID string    `json:"provider_call_id"`
	State          CallState `json:"state"`
	CallerNumber   string    `json:"caller_number,omitempty"`

	// TurnIndex is the index of the current (active) turn. It advances only
	// when a turn's full pipeline succeeds, never on failure.
	TurnIndex int `json:"turn_index"`

	// Transcript holds sealed turns in conversation order. Immutable once
	// appended.
	Transcript []Turn `json:"transcript"`

	// Current is the active turn, nil before the call is answered and after
	// the session reaches a terminal state.
	Current *Turn `json:"current,omitempty"`

	// Pending is a READY turn whose playback instruction has been emitted but
	// not yet confirmed by a subsequent callback.
	Pending *Turn `json:"pending,omitempty"`

	LastEventSequence int64 `json:"last_event_sequence"`
	Version           int64 `json:"version"`

	// LastEventKey identifies the logical event behind the last accepted
	// instruction-bearing delivery. Sequence numbers are assigned in memory
	// and do not survive a restart; the key does, because it derives from the
	// delivery itself.
	LastEventKey string `json:"last_event_key,omitempty"`

	// LastInstruction is the telephony instruction rendered for the last
	// accepted event. Retried deliveries replay it even after a restart,
	// when the in-memory response cache is gone.
	LastInstruction string `json:"last_instruction,omitempty"`
	RecordingRef    string `json:"recording_ref,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// New creates a fresh INITIATED session for a provider call.
func New(providerCallID, callerNumber string) *InterviewSession {
	now := time.Now().UTC()
	return &InterviewSession{
		SessionID:      uuid.NewString(),
		ProviderCallID: providerCallID,
		CallerNumber:   callerNumber,
		State:          CallInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the session to a new state if the edge is legal.
func (s *InterviewSession) Transition(to CallState) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("illegal transition %s -> %s", s.State, to)
	}
	s.State = to
	return nil
}

// BeginTurn creates the active turn at the given index in AWAITING_SPEECH.
func (s *InterviewSession) BeginTurn(index int) {
	s.TurnIndex = index
	s.Current = &Turn{TurnIndex: index, State: TurnAwaitingSpeech}
}

// PromoteCurrent marks the current turn READY, moves it to pending awaiting
// playback confirmation, and begins the next turn.
func (s *InterviewSession) PromoteCurrent() {
	if s.Current == nil {
		return
	}
	s.Current.State = TurnReady
	s.Current.ClaimedAt = nil
	s.Pending = s.Current
	s.BeginTurn(s.Current.TurnIndex + 1)
}

// SealPending confirms playback of the pending turn and appends it to the
// durable transcript. Safe to call when nothing is pending.
func (s *InterviewSession) SealPending() {
	if s.Pending == nil {
		return
	}
	s.Pending.State = TurnPlayed
	s.Transcript = append(s.Transcript, *s.Pending)
	s.Pending = nil
}

// SealCurrent marks the active turn PLAYED and appends it directly to the
// transcript. Used on the concluding turn, whose playback instruction ends
// with a hangup rather than another gather.
func (s *InterviewSession) SealCurrent() {
	if s.Current == nil {
		return
	}
	s.Current.State = TurnPlayed
	s.Current.ClaimedAt = nil
	s.Transcript = append(s.Transcript, *s.Current)
	s.Current = nil
}

// End seals the session at a terminal state: sets the end timestamp and the
// termination reason and drops any unfinished turn. The caller must have
// already transitioned State to a terminal value.
func (s *InterviewSession) End(reason string, now time.Time) {
	s.TerminationReason = reason
	ended := now.UTC()
	s.EndedAt = &ended
	s.Current = nil
}

// Elapsed returns how long the session has existed relative to now.
func (s *InterviewSession) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Clone returns a deep copy, so a handler can retry a mutation from a fresh
// base without aliasing turns between attempts.
func (s *InterviewSession) Clone() *InterviewSession {
	cp := *s
	cp.Transcript = append([]Turn(nil), s.Transcript...)
	cp.Current = cloneTurn(s.Current)
	cp.Pending = cloneTurn(s.Pending)
	if s.EndedAt != nil {
		e := *s.EndedAt
		cp.EndedAt = &e
	}
	return &cp
}

func cloneTurn(t *Turn) *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	if t.ClaimedAt != nil {
		ts := *t.ClaimedAt
		cp.ClaimedAt = &ts
	}
	return &cp
}
