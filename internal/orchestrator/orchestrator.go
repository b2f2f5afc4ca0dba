// Package orchestrator owns the interview call lifecycle. It turns the raw
// stream of telephony webhook callbacks into an ordered, consistent
// transcript: every event is admitted through the idempotency guard, applied
// to durable session state with optimistic concurrency, and answered with the
// next telephony instruction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/guard"
	"github.com/lordamdal/beaver-hr-interviewer/internal/pipeline"
	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
	"github.com/lordamdal/beaver-hr-interviewer/internal/store"
	"github.com/lordamdal/beaver-hr-interviewer/internal/telephony"
)

// Event is one webhook delivery, normalized by the HTTP layer. Key identifies
// the logical event across retried deliveries (recording sid, status notice);
// Seq is the arrival-order sequence the guard assigned to that key.
type Event struct {
	ProviderCallID string
	Type           string // "answer", "gather", "status", "recording-status"
	Key            string
	Seq            int64
	Params         map[string]string
}

// CallControl is the slice of the telephony service the orchestrator drives.
type CallControl interface {
	PlaceCall(ctx context.Context, to, answerURL, statusURL string) (string, error)
	EndCall(ctx context.Context, callSID string) error
	DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error)
}

// Config carries the interview limits and instruction texts.
type Config struct {
	BaseURL string

	MaxTurns        int
	MaxCallDuration time.Duration
	LivenessWindow  time.Duration

	// ClaimTimeout is how long a TRANSCRIBING claim stays exclusive. A claim
	// older than this is treated as orphaned (the claimant died before its
	// commit) and a later capture may take the turn over. It must exceed the
	// pipeline's worst-case run time and stay below LivenessWindow, so a live
	// caller recovers the turn before the watchdog abandons the call.
	ClaimTimeout time.Duration

	Greeting          string
	FallbackUtterance string
	RepromptUtterance string

	Record telephony.RecordOpts
}

// Uploader stores recording archives and report artifacts.
type Uploader interface {
	Upload(objectKey string, contentType string, body []byte) (string, error)
}

// Orchestrator reacts to webhook events. It holds no session state between
// invocations: every handler re-reads and conditionally writes the store.
type Orchestrator struct {
	store   store.Store
	guard   *guard.Guard
	pipe    *pipeline.Pipeline
	calls   CallControl
	media   Uploader
	reports ReportSink
	cfg     Config
	now     func() time.Time

	holdOnce  sync.Once
	holdTwiML string
}

func New(st store.Store, g *guard.Guard, pipe *pipeline.Pipeline, calls CallControl, media Uploader, reports ReportSink, cfg Config) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = 30 * time.Minute
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 2 * time.Minute
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 90 * time.Second
	}
	if cfg.Greeting == "" {
		cfg.Greeting = "Hello! Thank you for taking this interview call. Let's begin: please introduce yourself."
	}
	if cfg.FallbackUtterance == "" {
		cfg.FallbackUtterance = "I'm sorry, could you repeat that?"
	}
	if cfg.RepromptUtterance == "" {
		cfg.RepromptUtterance = "I didn't catch anything. Please go ahead when you're ready."
	}
	return &Orchestrator{
		store: st, guard: g, pipe: pipe, calls: calls,
		media: media, reports: reports, cfg: cfg, now: time.Now,
	}
}

// StartCall places an outbound interview call and creates its session.
func (o *Orchestrator) StartCall(ctx context.Context, toNumber string) (*session.InterviewSession, error) {
	if !telephony.ValidPhoneNumber(toNumber) {
		return nil, fmt.Errorf("invalid phone number format")
	}
	callSID, err := o.calls.PlaceCall(ctx, toNumber,
		o.cfg.BaseURL+"/twilio/answer", o.cfg.BaseURL+"/twilio/status")
	if err != nil {
		return nil, fmt.Errorf("place call: %w", err)
	}

	sess := session.New(callSID, toNumber)
	if err := o.store.Create(ctx, sess); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Should not happen for a fresh provider call id; end the orphan
			// call rather than leave it talking to nobody.
			_ = o.calls.EndCall(ctx, callSID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Printf("orchestrator: started interview call %s session %s", callSID, sess.SessionID)
	return sess, nil
}

// errSkip signals that a mutation decided the event must not be applied; the
// instruction returned alongside it still goes back to the provider.
var errSkip = errors.New("event not applicable")

// mutate runs a read-mutate-CAS loop for one event. apply receives a fresh
// session and returns the instruction to respond with; it must be free of
// side effects because it may run more than once. A handler that loses the
// CAS race re-reads and, if the event was meanwhile applied, replays the
// stored instruction instead of retrying blindly.
//
// A non-empty key marks an instruction-bearing event (answer, gather): its
// key and rendered instruction are persisted for duplicate replay, which
// survives restarts because the key derives from the delivery itself rather
// than from in-memory arrival order. Status-style events pass an empty key;
// they are idempotent by construction and their plain acknowledgements must
// never shadow a stored instruction.
func (o *Orchestrator) mutate(ctx context.Context, callID string, seq int64, key string, apply func(s *session.InterviewSession) (string, error)) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		sess, err := o.store.GetByProviderCallID(ctx, callID)
		if err != nil {
			return "", err
		}
		if key != "" && sess.LastEventKey == key && sess.LastInstruction != "" {
			return sess.LastInstruction, nil
		}

		work := sess.Clone()
		instruction, err := apply(work)
		if err != nil {
			if errors.Is(err, errSkip) {
				return instruction, nil
			}
			return "", err
		}
		if key != "" {
			if seq > work.LastEventSequence {
				work.LastEventSequence = seq
			}
			work.LastEventKey = key
			work.LastInstruction = instruction
		}

		err = o.store.CompareAndSwap(ctx, sess.Version, work)
		if err == nil {
			if work.State.Terminal() {
				o.afterTerminal(ctx, work)
			}
			return instruction, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return "", err
		}
		// Lost the race; loop re-reads and re-decides.
	}
	return "", fmt.Errorf("session %s: too many concurrent updates", callID)
}

// HandleAnswer processes the call-answered webhook and returns the greeting
// instruction.
func (o *Orchestrator) HandleAnswer(ctx context.Context, ev Event) (string, error) {
	switch o.guard.Admit(ev.ProviderCallID, ev.Seq, "answer") {
	case guard.Duplicate:
		return o.replay(ctx, ev)
	}

	// Inbound calls have no pre-created session.
	sess, err := o.store.GetByProviderCallID(ctx, ev.ProviderCallID)
	if errors.Is(err, store.ErrNotFound) {
		sess = session.New(ev.ProviderCallID, ev.Params["From"])
		if err := o.store.Create(ctx, sess); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				return "", err
			}
			if sess, err = o.store.GetByProviderCallID(ctx, ev.ProviderCallID); err != nil {
				return "", err
			}
		}
	} else if err != nil {
		return "", err
	}

	// A retried answer that outlived the in-memory guard resolves against the
	// durable record before any adapter runs.
	if ev.Key != "" && sess.LastEventKey == ev.Key && sess.LastInstruction != "" {
		return sess.LastInstruction, nil
	}

	// Greeting audio is synthesized before the mutation so CAS retries never
	// re-invoke the paid adapter.
	greetingRef, synthErr := o.pipe.SynthesizeFallback(ctx, sess.SessionID, 0, o.cfg.Greeting)
	if synthErr != nil {
		log.Printf("orchestrator: greeting synthesis failed for %s: %v", ev.ProviderCallID, synthErr)
	}

	instruction, err := o.mutate(ctx, ev.ProviderCallID, ev.Seq, ev.Key, func(s *session.InterviewSession) (string, error) {
		if s.State.Terminal() {
			out, _ := telephony.GracefulHangup()
			return out, errSkip
		}
		if err := s.Transition(session.CallInProgress); err != nil {
			log.Printf("orchestrator: %v (call %s)", err, ev.ProviderCallID)
			out, _ := telephony.GracefulHangup()
			return out, errSkip
		}
		if s.Current == nil {
			s.BeginTurn(0)
		}
		if greetingRef != "" {
			return telephony.PlayAndRecord(greetingRef, o.recordOpts())
		}
		return telephony.SayAndRecord(o.cfg.Greeting, o.recordOpts())
	})
	if err != nil {
		return o.fail(ev, err)
	}
	o.finishEvent(ev, instruction)
	return instruction, nil
}

// HandleGather processes a captured caller utterance: it confirms playback of
// the previous reply, runs the turn pipeline, and answers with the next
// play-then-capture instruction.
func (o *Orchestrator) HandleGather(ctx context.Context, ev Event) (string, error) {
	switch o.guard.Admit(ev.ProviderCallID, ev.Seq, "gather") {
	case guard.Duplicate:
		return o.replay(ctx, ev)
	case guard.OutOfOrder:
		// The guard tracks prerequisites in memory only. After a restart the
		// durable record is the authority: a call past INITIATED/RINGING has
		// objectively been answered.
		sess, err := o.store.GetByProviderCallID(ctx, ev.ProviderCallID)
		if err != nil || sess.State == session.CallInitiated || sess.State == session.CallRinging {
			return o.holdGather(ctx, ev)
		}
	}
	return o.processGather(ctx, ev)
}

func (o *Orchestrator) holdGather(ctx context.Context, ev Event) (string, error) {
	held := o.guard.Hold(ev.ProviderCallID, ev.Seq, "gather", func() {
		// Released once the prerequisite arrives; runs on its own deadline
		// because the original request is long gone.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := o.processGather(ctx, ev); err != nil {
			log.Printf("orchestrator: held gather for %s failed: %v", ev.ProviderCallID, err)
		}
	})
	if !held {
		log.Printf("orchestrator: dropped out-of-order gather seq=%d call=%s", ev.Seq, ev.ProviderCallID)
	}
	return o.holdInstruction(), nil
}

// holdInstruction renders the wait-and-recapture response once per process.
// Repeated deliveries answered with it must receive byte-identical bodies.
func (o *Orchestrator) holdInstruction() string {
	o.holdOnce.Do(func() {
		out, err := telephony.HoldAndRecord(o.recordOpts())
		if err != nil {
			out, _ = telephony.GracefulHangup()
		}
		o.holdTwiML = out
	})
	return o.holdTwiML
}

func (o *Orchestrator) processGather(ctx context.Context, ev Event) (string, error) {
	// A retry that outlived the in-memory cache resolves against the durable
	// record before any work is claimed.
	if sess, err := o.store.GetByProviderCallID(ctx, ev.ProviderCallID); err == nil &&
		ev.Key != "" && sess.LastEventKey == ev.Key && sess.LastInstruction != "" {
		return sess.LastInstruction, nil
	}

	// Claim phase: confirm playback of the pending turn and move the active
	// turn into TRANSCRIBING before any adapter runs, so a racing duplicate
	// resolves against durable state.
	var turnIndex int
	var history []session.Turn
	var sessionID string
	claimed := false

	// The claim passes no event key: only the final mutation of this event may
	// record the replay instruction, otherwise the event would look already
	// processed to its own second phase.
	ack, err := o.mutate(ctx, ev.ProviderCallID, 0, "", func(s *session.InterviewSession) (string, error) {
		claimed = false
		if s.State.Terminal() {
			out, _ := telephony.GracefulHangup()
			return out, errSkip
		}
		if s.State != session.CallInProgress || s.Current == nil {
			log.Printf("orchestrator: gather in state %s for call %s rejected", s.State, ev.ProviderCallID)
			out, _ := telephony.GracefulHangup()
			return out, errSkip
		}
		if s.Current.State == session.TurnTranscribing {
			if s.Current.ClaimedAt != nil && o.now().Sub(*s.Current.ClaimedAt) < o.cfg.ClaimTimeout {
				// Another delivery of this utterance already claimed the turn.
				return o.holdInstruction(), errSkip
			}
			// The claimant never committed; the turn would otherwise stay
			// TRANSCRIBING forever. Take it over for this capture.
			log.Printf("orchestrator: reclaiming orphaned turn %d for call %s",
				s.Current.TurnIndex, ev.ProviderCallID)
		}
		s.SealPending()
		s.Current.State = session.TurnTranscribing
		claimTime := o.now()
		s.Current.ClaimedAt = &claimTime
		turnIndex = s.Current.TurnIndex
		history = append([]session.Turn(nil), s.Transcript...)
		sessionID = s.SessionID
		claimed = true
		return o.holdInstruction(), nil
	})
	if err != nil {
		return o.fail(ev, err)
	}
	if !claimed {
		o.finishEvent(ev, ack)
		return ack, nil
	}

	audioRef := ev.Params["RecordingUrl"]
	if audioRef == "" {
		// Capture finished without speech; re-prompt the same turn.
		instruction, err := o.mutate(ctx, ev.ProviderCallID, ev.Seq, ev.Key, func(s *session.InterviewSession) (string, error) {
			if s.State.Terminal() || s.Current == nil {
				out, _ := telephony.GracefulHangup()
				return out, errSkip
			}
			s.Current.State = session.TurnAwaitingSpeech
			s.Current.ClaimedAt = nil
			return telephony.SayAndRecord(o.cfg.RepromptUtterance, o.recordOpts())
		})
		if err != nil {
			return o.fail(ev, err)
		}
		o.finishEvent(ev, instruction)
		return instruction, nil
	}

	res := o.pipe.Run(ctx, sessionID, turnIndex, history, audioRef)

	if res.Err != nil {
		return o.applyTurnFailure(ctx, ev, sessionID, turnIndex, res)
	}
	return o.applyTurnSuccess(ctx, ev, res)
}

// applyTurnSuccess commits a completed pipeline cycle: the turn becomes READY
// and is either promoted (next turn begins) or, when the interview is over,
// sealed directly with a concluding instruction.
func (o *Orchestrator) applyTurnSuccess(ctx context.Context, ev Event, res pipeline.Result) (string, error) {
	instruction, err := o.mutate(ctx, ev.ProviderCallID, ev.Seq, ev.Key, func(s *session.InterviewSession) (string, error) {
		if s.State.Terminal() || s.Current == nil {
			// The call ended while the adapters were running; discard.
			out, _ := telephony.GracefulHangup()
			return out, errSkip
		}
		s.Current.CallerText = res.CallerText
		s.Current.AgentText = res.AgentText
		s.Current.AudioRef = res.AudioRef
		s.Current.Attempts += res.FailedAttempts

		concluded := res.Concluded
		reason := "interview_concluded"
		if !concluded && s.Current.TurnIndex+1 >= o.cfg.MaxTurns {
			concluded, reason = true, "max_turns_reached"
		}
		if !concluded && s.Elapsed(o.now()) >= o.cfg.MaxCallDuration {
			concluded, reason = true, "duration_ceiling"
		}

		if concluded {
			s.SealCurrent()
			if err := s.Transition(session.CallCompleted); err != nil {
				return "", err
			}
			s.End(reason, o.now())
			return telephony.PlayAndHangup(res.AudioRef)
		}

		s.PromoteCurrent()
		return telephony.PlayAndRecord(res.AudioRef, o.recordOpts())
	})
	if err != nil {
		return o.fail(ev, err)
	}
	o.finishEvent(ev, instruction)
	return instruction, nil
}

// applyTurnFailure absorbs an exhausted pipeline: the turn keeps its index,
// its attempt count is persisted, and the caller hears a fallback utterance
// before speech capture re-opens.
func (o *Orchestrator) applyTurnFailure(ctx context.Context, ev Event, sessionID string, turnIndex int, res pipeline.Result) (string, error) {
	log.Printf("orchestrator: turn %d pipeline failed at %s for call %s: %v",
		turnIndex, res.FailedStage, ev.ProviderCallID, res.Err)

	fallbackRef, synthErr := o.pipe.SynthesizeFallback(ctx, sessionID, turnIndex, o.cfg.FallbackUtterance)
	if synthErr != nil {
		log.Printf("orchestrator: fallback synthesis failed for %s: %v", ev.ProviderCallID, synthErr)
	}

	instruction, err := o.mutate(ctx, ev.ProviderCallID, ev.Seq, ev.Key, func(s *session.InterviewSession) (string, error) {
		if s.State.Terminal() || s.Current == nil {
			out, _ := telephony.GracefulHangup()
			return out, errSkip
		}
		s.Current.State = session.TurnFailed
		s.Current.Attempts += res.FailedAttempts
		s.Current.Fallbacks++
		// Same turn index, fresh capture.
		s.Current.State = session.TurnAwaitingSpeech
		s.Current.ClaimedAt = nil
		if fallbackRef != "" {
			return telephony.PlayAndRecord(fallbackRef, o.recordOpts())
		}
		return telephony.SayAndRecord(o.cfg.FallbackUtterance, o.recordOpts())
	})
	if err != nil {
		return o.fail(ev, err)
	}
	o.finishEvent(ev, instruction)
	return instruction, nil
}

// statusToState maps provider call-status values onto the lifecycle machine.
var statusToState = map[string]session.CallState{
	"queued":      session.CallInitiated,
	"initiated":   session.CallInitiated,
	"ringing":     session.CallRinging,
	"answered":    session.CallInProgress,
	"in-progress": session.CallInProgress,
	"completed":   session.CallCompleted,
	"failed":      session.CallFailed,
	"busy":        session.CallFailed,
	"no-answer":   session.CallFailed,
	"canceled":    session.CallAbandoned,
}

var terminationReasons = map[string]string{
	"completed": "provider_completed",
	"failed":    "provider_failed",
	"busy":      "busy",
	"no-answer": "no_answer",
	"canceled":  "canceled",
}

// HandleStatus applies call-level status notices. The provider ignores the
// response body on these callbacks, so the reply is a plain acknowledgement.
func (o *Orchestrator) HandleStatus(ctx context.Context, ev Event) (string, error) {
	if o.guard.Admit(ev.ProviderCallID, ev.Seq, "status") == guard.Duplicate {
		return "OK", nil
	}

	callStatus := ev.Params["CallStatus"]
	target, known := statusToState[callStatus]
	if !known {
		log.Printf("orchestrator: unknown call status %q for %s", callStatus, ev.ProviderCallID)
		o.guard.MarkProcessed(ev.ProviderCallID, ev.Seq, "status")
		return "OK", nil
	}

	_, err := o.mutate(ctx, ev.ProviderCallID, 0, "", func(s *session.InterviewSession) (string, error) {
		if !session.CanTransition(s.State, target) {
			log.Printf("orchestrator: rejected status %s: illegal %s -> %s (call %s)",
				callStatus, s.State, target, ev.ProviderCallID)
			return "OK", errSkip
		}
		if s.State == target {
			return "OK", errSkip
		}
		if target.Terminal() {
			// A completed notice confirms the last emitted audio played out.
			if target == session.CallCompleted {
				s.SealPending()
			}
			if err := s.Transition(target); err != nil {
				return "", err
			}
			s.End(terminationReasons[callStatus], o.now())
			return "OK", nil
		}
		return "OK", s.Transition(target)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("orchestrator: status %s for unknown call %s", callStatus, ev.ProviderCallID)
			return "OK", nil
		}
		return "", err
	}
	o.guard.MarkProcessed(ev.ProviderCallID, ev.Seq, "status")
	return "OK", nil
}

// HandleRecordingStatus archives completed call recordings. Anything else is
// an idempotent no-op.
func (o *Orchestrator) HandleRecordingStatus(ctx context.Context, ev Event) (string, error) {
	if o.guard.Admit(ev.ProviderCallID, ev.Seq, "recording-status") == guard.Duplicate {
		return "OK", nil
	}

	status := ev.Params["RecordingStatus"]
	recordingURL := ev.Params["RecordingUrl"]
	recordingSID := ev.Params["RecordingSid"]
	if status != "completed" || recordingURL == "" {
		o.guard.MarkProcessed(ev.ProviderCallID, ev.Seq, "recording-status")
		return "OK", nil
	}

	sess, err := o.store.GetByProviderCallID(ctx, ev.ProviderCallID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("orchestrator: recording for unknown call %s", ev.ProviderCallID)
			return "OK", nil
		}
		return "", err
	}
	if sess.RecordingRef != "" {
		o.guard.MarkProcessed(ev.ProviderCallID, ev.Seq, "recording-status")
		return "OK", nil
	}

	audio, err := o.calls.DownloadRecording(ctx, recordingURL)
	if err != nil {
		log.Printf("orchestrator: download recording %s failed: %v", recordingSID, err)
		return "OK", nil
	}
	key := fmt.Sprintf("recordings/%s/%s.wav", sess.SessionID, recordingSID)
	ref, err := o.media.Upload(key, "audio/wav", audio)
	if err != nil {
		log.Printf("orchestrator: archive recording %s failed: %v", recordingSID, err)
		return "OK", nil
	}

	_, err = o.mutate(ctx, ev.ProviderCallID, 0, "", func(s *session.InterviewSession) (string, error) {
		if s.RecordingRef != "" {
			return "OK", errSkip
		}
		s.RecordingRef = ref
		return "OK", nil
	})
	if err != nil {
		return "", err
	}
	o.guard.MarkProcessed(ev.ProviderCallID, ev.Seq, "recording-status")
	log.Printf("orchestrator: archived recording %s for session %s", recordingSID, sess.SessionID)
	return "OK", nil
}

// GetSession exposes a session record for the reporting surface.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*session.InterviewSession, error) {
	return o.store.Get(ctx, sessionID)
}

func (o *Orchestrator) recordOpts() telephony.RecordOpts {
	rec := o.cfg.Record
	if rec.ActionPath == "" {
		rec.ActionPath = "/twilio/gather"
	}
	return rec
}

// replay answers a duplicate delivery with the previously computed response:
// first from the short-lived cache, then from the durable session record.
func (o *Orchestrator) replay(ctx context.Context, ev Event) (string, error) {
	if body, ok := o.guard.CachedResponse(ev.ProviderCallID, ev.Seq); ok {
		return body, nil
	}
	sess, err := o.store.GetByProviderCallID(ctx, ev.ProviderCallID)
	if err == nil && ev.Key != "" && sess.LastEventKey == ev.Key && sess.LastInstruction != "" {
		return sess.LastInstruction, nil
	}
	return telephony.GracefulHangup()
}

// finishEvent records the rendered response for duplicate replay and marks
// the event processed, releasing any held followers.
func (o *Orchestrator) finishEvent(ev Event, instruction string) {
	o.guard.CacheResponse(ev.ProviderCallID, ev.Seq, instruction)
	o.guard.MarkProcessed(ev.ProviderCallID, ev.Seq, ev.Type)
}

// fail converts an internal error into a graceful termination instruction;
// the provider must never see an HTTP error for an admitted event.
func (o *Orchestrator) fail(ev Event, err error) (string, error) {
	log.Printf("orchestrator: %s event for call %s failed: %v", ev.Type, ev.ProviderCallID, err)
	out, buildErr := telephony.GracefulHangup()
	if buildErr != nil {
		return "", buildErr
	}
	return out, nil
}
