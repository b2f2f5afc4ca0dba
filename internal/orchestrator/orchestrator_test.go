package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/guard"
	"github.com/lordamdal/beaver-hr-interviewer/internal/pipeline"
	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
	"github.com/lordamdal/beaver-hr-interviewer/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	byID     map[string]*session.InterviewSession
	byCallID map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		byID:     make(map[string]*session.InterviewSession),
		byCallID: make(map[string]string),
	}
}

func (m *memStore) Get(_ context.Context, sessionID string) (*session.InterviewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memStore) GetByProviderCallID(_ context.Context, callID string) (*session.InterviewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCallID[callID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.byID[id].Clone(), nil
}

func (m *memStore) Create(_ context.Context, s *session.InterviewSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byCallID[s.ProviderCallID]; ok && !m.byID[id].State.Terminal() {
		return store.ErrConflict
	}
	s.Version = 1
	m.byID[s.SessionID] = s.Clone()
	m.byCallID[s.ProviderCallID] = s.SessionID
	return nil
}

func (m *memStore) CompareAndSwap(_ context.Context, expectedVersion int64, s *session.InterviewSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[s.SessionID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	s.UpdatedAt = time.Now().UTC()
	m.byID[s.SessionID] = s.Clone()
	return nil
}

func (m *memStore) ListStale(_ context.Context, cutoff time.Time) ([]*session.InterviewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.InterviewSession
	for _, s := range m.byID {
		if !s.State.Terminal() && s.UpdatedAt.Before(cutoff) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

// touch rewrites a stored session in place, bypassing CAS. Test setup only.
func (m *memStore) touch(s *session.InterviewSession, fn func(*session.InterviewSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.byID[s.SessionID]
	fn(cur)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	mu        sync.Mutex
	calls     int
	reply     string
	concluded bool
}

func (f *fakeGenerator) Generate(_ context.Context, _ []session.Turn, _ string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.concluded, nil
}

type fakeSynth struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSynth) Synthesize(_ context.Context, sessionID string, turnIndex int, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return fmt.Sprintf("https://cdn.test/%s/turn_%d_%d.mp3", sessionID, turnIndex, f.calls), nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCalls struct {
	mu        sync.Mutex
	placed    []string
	ended     []string
	recording []byte
}

func (f *fakeCalls) PlaceCall(_ context.Context, to, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, to)
	return fmt.Sprintf("CA%04d", len(f.placed)), nil
}

func (f *fakeCalls) EndCall(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callSID)
	return nil
}

func (f *fakeCalls) DownloadRecording(_ context.Context, _ string) ([]byte, error) {
	if f.recording == nil {
		return []byte("RIFFfake"), nil
	}
	return f.recording, nil
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeUploader) Upload(objectKey, _ string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, objectKey)
	return "https://storage.test/" + objectKey, nil
}

type fakeSink struct {
	mu        sync.Mutex
	published []*session.InterviewSession
}

func (f *fakeSink) Publish(_ context.Context, s *session.InterviewSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, s.Clone())
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type harness struct {
	orc    *Orchestrator
	store  *memStore
	guard  *guard.Guard
	stt    *fakeTranscriber
	gen    *fakeGenerator
	tts    *fakeSynth
	calls  *fakeCalls
	media  *fakeUploader
	sink   *fakeSink
	callID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		guard: guard.New(),
		stt:   &fakeTranscriber{text: "I have five years of experience."},
		gen:   &fakeGenerator{reply: "Tell me about a difficult project."},
		tts:   &fakeSynth{},
		calls: &fakeCalls{},
		media: &fakeUploader{},
		sink:  &fakeSink{},
	}
	pipe := pipeline.New(h.stt, h.gen, h.tts, pipeline.Config{
		MaxAttempts: 3,
		BaseBackoff: time.Nanosecond,
	})
	h.orc = New(h.store, h.guard, pipe, h.calls, h.media, h.sink, Config{
		BaseURL:  "https://interviews.test",
		MaxTurns: 5,
	})
	h.callID = "CAtest0001"
	return h
}

func (h *harness) answer(t *testing.T) string {
	t.Helper()
	key := "answered:" + h.callID
	out, err := h.orc.HandleAnswer(context.Background(), Event{
		ProviderCallID: h.callID,
		Type:           "answer",
		Key:            key,
		Seq:            h.guard.Sequence(h.callID, key),
		Params:         map[string]string{"From": "+15550001111"},
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	return out
}

func (h *harness) gather(t *testing.T, recordingSID, recordingURL string) string {
	t.Helper()
	out, err := h.orc.HandleGather(context.Background(), Event{
		ProviderCallID: h.callID,
		Type:           "gather",
		Key:            recordingSID,
		Seq:            h.guard.Sequence(h.callID, recordingSID),
		Params:         map[string]string{"RecordingUrl": recordingURL, "RecordingSid": recordingSID},
	})
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	return out
}

func (h *harness) sessionState(t *testing.T) *session.InterviewSession {
	t.Helper()
	s, err := h.store.GetByProviderCallID(context.Background(), h.callID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

func TestAnswerGreetsAndOpensFirstTurn(t *testing.T) {
	h := newHarness(t)
	out := h.answer(t)

	if !strings.Contains(out, "<Play>") || !strings.Contains(out, "<Record") {
		t.Fatalf("expected play-then-record greeting, got %s", out)
	}
	s := h.sessionState(t)
	if s.State != session.CallInProgress {
		t.Fatalf("state = %s, want IN_PROGRESS", s.State)
	}
	if s.Current == nil || s.Current.TurnIndex != 0 || s.Current.State != session.TurnAwaitingSpeech {
		t.Fatalf("unexpected current turn: %+v", s.Current)
	}
}

func TestGatherRunsFullTurn(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	out := h.gather(t, "RE0001", "https://api.twilio.test/rec/RE0001")

	if !strings.Contains(out, "<Play>") || !strings.Contains(out, "<Record") {
		t.Fatalf("expected play-then-record reply, got %s", out)
	}
	s := h.sessionState(t)
	if s.TurnIndex != 1 {
		t.Fatalf("turn index = %d, want 1", s.TurnIndex)
	}
	if s.Pending == nil || s.Pending.State != session.TurnReady {
		t.Fatalf("expected pending READY turn, got %+v", s.Pending)
	}
	if s.Pending.CallerText != "I have five years of experience." {
		t.Fatalf("caller text = %q", s.Pending.CallerText)
	}
	if s.Pending.AgentText != "Tell me about a difficult project." {
		t.Fatalf("agent text = %q", s.Pending.AgentText)
	}
	if len(s.Transcript) != 0 {
		t.Fatalf("transcript should be empty before playback confirmation, got %d turns", len(s.Transcript))
	}
}

func TestNextGatherSealsPendingTurn(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	h.gather(t, "RE0001", "https://api.twilio.test/rec/RE0001")
	h.gather(t, "RE0002", "https://api.twilio.test/rec/RE0002")

	s := h.sessionState(t)
	if len(s.Transcript) != 1 {
		t.Fatalf("transcript length = %d, want 1", len(s.Transcript))
	}
	if s.Transcript[0].State != session.TurnPlayed || s.Transcript[0].TurnIndex != 0 {
		t.Fatalf("sealed turn = %+v", s.Transcript[0])
	}
	if s.TurnIndex != 2 {
		t.Fatalf("turn index = %d, want 2", s.TurnIndex)
	}
}

func TestDuplicateGatherReplaysWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	first := h.gather(t, "RE0001", "https://api.twilio.test/rec/RE0001")

	sttBefore := h.stt.callCount()
	versionBefore := h.sessionState(t).Version

	second := h.gather(t, "RE0001", "https://api.twilio.test/rec/RE0001")

	if first != second {
		t.Fatalf("duplicate replay differs:\n%s\nvs\n%s", first, second)
	}
	if got := h.stt.callCount(); got != sttBefore {
		t.Fatalf("transcriber invoked %d extra times on duplicate", got-sttBefore)
	}
	if v := h.sessionState(t).Version; v != versionBefore {
		t.Fatalf("duplicate advanced version %d -> %d", versionBefore, v)
	}
}

func TestDuplicateReplaySurvivesCacheLoss(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	first := h.gather(t, "RE0001", "https://api.twilio.test/rec/RE0001")

	// Simulate a restart: delivery-tracking state is gone, the durable
	// session remains.
	h.guard.Forget(h.callID)

	second, err := h.orc.HandleGather(context.Background(), Event{
		ProviderCallID: h.callID,
		Type:           "gather",
		Key:            "RE0001",
		Seq:            h.guard.Sequence(h.callID, "RE0001"),
		Params:         map[string]string{"RecordingUrl": "https://api.twilio.test/rec/RE0001"},
	})
	if err != nil {
		t.Fatalf("replayed gather: %v", err)
	}
	// The fresh guard admits the retry, but the durable event-key check must
	// stop a second pipeline run.
	if got := h.stt.callCount(); got != 1 {
		t.Fatalf("transcriber ran %d times, want 1", got)
	}
	if second != first {
		t.Fatalf("restart replay differs:\n%s\nvs\n%s", first, second)
	}
}

func TestRetriedAnswerSurvivesCacheLossWithoutResynthesis(t *testing.T) {
	h := newHarness(t)
	first := h.answer(t)
	if got := h.tts.callCount(); got != 1 {
		t.Fatalf("synthesizer calls after answer = %d, want 1", got)
	}
	versionBefore := h.sessionState(t).Version

	// Simulate a restart: delivery-tracking state is gone, the durable
	// session remains.
	h.guard.Forget(h.callID)

	second := h.answer(t)
	if second != first {
		t.Fatalf("restart replay differs:\n%s\nvs\n%s", first, second)
	}
	if got := h.tts.callCount(); got != 1 {
		t.Fatalf("synthesizer calls after retried answer = %d, want 1", got)
	}
	if v := h.sessionState(t).Version; v != versionBefore {
		t.Fatalf("retried answer advanced version %d -> %d", versionBefore, v)
	}
}

func TestOrphanedClaimReclaimedByNextCapture(t *testing.T) {
	h := newHarness(t)
	h.answer(t)

	// Simulate a crash between the claim write and its commit: the stored
	// turn is stuck TRANSCRIBING with a claim stamp long past the budget.
	stale := time.Now().Add(-10 * time.Minute)
	h.store.touch(h.sessionState(t), func(cur *session.InterviewSession) {
		cur.Current.State = session.TurnTranscribing
		cur.Current.ClaimedAt = &stale
	})

	out := h.gather(t, "RE0002", "https://api.twilio.test/rec/RE0002")

	if !strings.Contains(out, "<Play>") || !strings.Contains(out, "<Record") {
		t.Fatalf("expected play-then-record reply, got %s", out)
	}
	if got := h.stt.callCount(); got != 1 {
		t.Fatalf("transcriber ran %d times, want 1", got)
	}
	s := h.sessionState(t)
	if s.TurnIndex != 1 {
		t.Fatalf("turn index = %d, want 1 after reclaim", s.TurnIndex)
	}
	if s.Pending == nil || s.Pending.State != session.TurnReady {
		t.Fatalf("expected pending READY turn, got %+v", s.Pending)
	}
}

func TestFreshClaimHoldsConcurrentCapture(t *testing.T) {
	h := newHarness(t)
	h.answer(t)

	now := time.Now()
	h.store.touch(h.sessionState(t), func(cur *session.InterviewSession) {
		cur.Current.State = session.TurnTranscribing
		cur.Current.ClaimedAt = &now
	})

	out := h.gather(t, "RE0002", "https://api.twilio.test/rec/RE0002")

	if !strings.Contains(out, "One moment") {
		t.Fatalf("expected hold response while the claim is in flight, got %s", out)
	}
	if got := h.stt.callCount(); got != 0 {
		t.Fatalf("transcriber ran %d times during an in-flight claim", got)
	}
}

func TestHoldResponseByteStableAcrossDeliveries(t *testing.T) {
	h := newHarness(t)

	// Gathers before the answer are out of order and answered with the hold
	// instruction.
	first := h.gather(t, "RE0001", "")
	second := h.gather(t, "RE0002", "")

	if first != second {
		t.Fatalf("hold responses differ:\n%s\nvs\n%s", first, second)
	}
	if !strings.Contains(first, "<Record") {
		t.Fatalf("hold response does not re-open capture: %s", first)
	}
}

func TestPipelineFailureKeepsTurnAndSpeaksFallback(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	h.stt.err = errors.New("upstream unavailable")
	h.stt.text = ""

	out := h.gather(t, "RE0001", "https://api.twilio.test/rec/RE0001")

	if !strings.Contains(out, "<Play>") || !strings.Contains(out, "<Record") {
		t.Fatalf("expected fallback play-then-record, got %s", out)
	}
	s := h.sessionState(t)
	if s.TurnIndex != 0 {
		t.Fatalf("turn index advanced to %d on failure", s.TurnIndex)
	}
	if s.Current == nil || s.Current.State != session.TurnAwaitingSpeech {
		t.Fatalf("turn not reopened: %+v", s.Current)
	}
	if s.Current.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", s.Current.Attempts)
	}
	if s.Current.Fallbacks != 1 {
		t.Fatalf("fallbacks = %d, want 1", s.Current.Fallbacks)
	}
	if h.stt.callCount() != 3 {
		t.Fatalf("transcriber attempts = %d, want 3", h.stt.callCount())
	}
}

func TestEmptyRecordingReprompts(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	out := h.gather(t, "RE0001", "")

	if !strings.Contains(out, "<Say>") || !strings.Contains(out, "<Record") {
		t.Fatalf("expected say-then-record reprompt, got %s", out)
	}
	s := h.sessionState(t)
	if s.TurnIndex != 0 || s.Current == nil || s.Current.State != session.TurnAwaitingSpeech {
		t.Fatalf("turn not reopened for reprompt: index=%d current=%+v", s.TurnIndex, s.Current)
	}
	if h.stt.callCount() != 0 {
		t.Fatalf("transcriber should not run on empty capture")
	}
}

func TestConcludedReplyHangsUpAndPublishesReport(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	h.gen.reply = "That concludes our interview. Thank you."
	h.gen.concluded = true

	out := h.gather(t, "RE0001", "https://api.twilio.test/rec/RE0001")

	if !strings.Contains(out, "<Play>") || !strings.Contains(out, "<Hangup") {
		t.Fatalf("expected play-then-hangup, got %s", out)
	}
	s := h.sessionState(t)
	if s.State != session.CallCompleted {
		t.Fatalf("state = %s, want COMPLETED", s.State)
	}
	if s.TerminationReason != "interview_concluded" {
		t.Fatalf("termination reason = %q", s.TerminationReason)
	}
	if s.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
	if len(s.Transcript) != 1 || s.Transcript[0].State != session.TurnPlayed {
		t.Fatalf("concluding turn not sealed: %+v", s.Transcript)
	}
	if h.sink.count() != 1 {
		t.Fatalf("report published %d times, want 1", h.sink.count())
	}
}

func TestMaxTurnsConcludesInterview(t *testing.T) {
	h := newHarness(t)
	h.answer(t)

	var last string
	for i := 0; i < 5; i++ {
		last = h.gather(t, fmt.Sprintf("RE%04d", i), fmt.Sprintf("https://api.twilio.test/rec/RE%04d", i))
	}

	if !strings.Contains(last, "<Hangup") {
		t.Fatalf("expected hangup at turn ceiling, got %s", last)
	}
	s := h.sessionState(t)
	if s.State != session.CallCompleted || s.TerminationReason != "max_turns_reached" {
		t.Fatalf("state=%s reason=%q", s.State, s.TerminationReason)
	}
	if len(s.Transcript) != 5 {
		t.Fatalf("transcript length = %d, want 5", len(s.Transcript))
	}
}

func TestStatusCompletedSealsSession(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	h.gather(t, "RE0001", "https://api.twilio.test/rec/RE0001")

	seq := h.guard.Sequence(h.callID, "completed:1")
	out, err := h.orc.HandleStatus(context.Background(), Event{
		ProviderCallID: h.callID,
		Type:           "status",
		Seq:            seq,
		Params:         map[string]string{"CallStatus": "completed"},
	})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if out != "OK" {
		t.Fatalf("status response = %q", out)
	}
	s := h.sessionState(t)
	if s.State != session.CallCompleted {
		t.Fatalf("state = %s", s.State)
	}
	// The completed notice confirms playback of the last emitted reply.
	if len(s.Transcript) != 1 || s.Pending != nil {
		t.Fatalf("pending turn not sealed: transcript=%d pending=%+v", len(s.Transcript), s.Pending)
	}
	if h.sink.count() != 1 {
		t.Fatalf("report published %d times, want 1", h.sink.count())
	}
}

func TestStatusIllegalTransitionAbsorbed(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	seqDone := h.guard.Sequence(h.callID, "completed:1")
	if _, err := h.orc.HandleStatus(context.Background(), Event{
		ProviderCallID: h.callID, Type: "status", Seq: seqDone,
		Params: map[string]string{"CallStatus": "completed"},
	}); err != nil {
		t.Fatalf("status completed: %v", err)
	}

	seqLate := h.guard.Sequence(h.callID, "ringing:1")
	out, err := h.orc.HandleStatus(context.Background(), Event{
		ProviderCallID: h.callID, Type: "status", Seq: seqLate,
		Params: map[string]string{"CallStatus": "ringing"},
	})
	if err != nil {
		t.Fatalf("late status: %v", err)
	}
	if out != "OK" {
		t.Fatalf("late status response = %q", out)
	}
	if s := h.sessionState(t); s.State != session.CallCompleted {
		t.Fatalf("terminal state regressed to %s", s.State)
	}
}

func TestTerminalSessionAbsorbsGather(t *testing.T) {
	h := newHarness(t)
	h.answer(t)
	seq := h.guard.Sequence(h.callID, "completed:1")
	if _, err := h.orc.HandleStatus(context.Background(), Event{
		ProviderCallID: h.callID, Type: "status", Seq: seq,
		Params: map[string]string{"CallStatus": "completed"},
	}); err != nil {
		t.Fatalf("status: %v", err)
	}

	out := h.gather(t, "RElate", "https://api.twilio.test/rec/RElate")
	if !strings.Contains(out, "<Hangup") {
		t.Fatalf("late gather should hang up, got %s", out)
	}
	if h.stt.callCount() != 0 {
		t.Fatalf("pipeline ran on a terminal session")
	}
}

func TestRecordingStatusArchivesOnce(t *testing.T) {
	h := newHarness(t)
	h.answer(t)

	ev := Event{
		ProviderCallID: h.callID,
		Type:           "recording-status",
		Seq:            h.guard.Sequence(h.callID, "RCfull"),
		Params: map[string]string{
			"RecordingStatus": "completed",
			"RecordingSid":    "RCfull",
			"RecordingUrl":    "https://api.twilio.test/rec/RCfull",
		},
	}
	if _, err := h.orc.HandleRecordingStatus(context.Background(), ev); err != nil {
		t.Fatalf("recording status: %v", err)
	}

	s := h.sessionState(t)
	wantKey := fmt.Sprintf("recordings/%s/RCfull.wav", s.SessionID)
	if s.RecordingRef != "https://storage.test/"+wantKey {
		t.Fatalf("recording ref = %q", s.RecordingRef)
	}
	if len(h.media.keys) != 1 || h.media.keys[0] != wantKey {
		t.Fatalf("uploaded keys = %v", h.media.keys)
	}

	if _, err := h.orc.HandleRecordingStatus(context.Background(), ev); err != nil {
		t.Fatalf("duplicate recording status: %v", err)
	}
	if len(h.media.keys) != 1 {
		t.Fatalf("duplicate recording status re-uploaded: %v", h.media.keys)
	}
}

func TestStartCallCreatesSession(t *testing.T) {
	h := newHarness(t)
	s, err := h.orc.StartCall(context.Background(), "+15559998888")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if s.State != session.CallInitiated {
		t.Fatalf("state = %s, want INITIATED", s.State)
	}
	if len(h.calls.placed) != 1 || h.calls.placed[0] != "+15559998888" {
		t.Fatalf("placed = %v", h.calls.placed)
	}
	got, err := h.store.GetByProviderCallID(context.Background(), s.ProviderCallID)
	if err != nil || got.SessionID != s.SessionID {
		t.Fatalf("session not persisted: %v", err)
	}
}

func TestStartCallRejectsBadNumber(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orc.StartCall(context.Background(), "not-a-number"); err == nil {
		t.Fatal("expected validation error")
	}
	if len(h.calls.placed) != 0 {
		t.Fatalf("call placed for invalid number: %v", h.calls.placed)
	}
}

func TestWatchdogAbandonsSilentSession(t *testing.T) {
	h := newHarness(t)
	h.answer(t)

	s := h.sessionState(t)
	h.store.touch(s, func(cur *session.InterviewSession) {
		cur.UpdatedAt = time.Now().Add(-10 * time.Minute)
	})

	h.orc.sweep(context.Background())

	got := h.sessionState(t)
	if got.State != session.CallAbandoned {
		t.Fatalf("state = %s, want ABANDONED", got.State)
	}
	if got.TerminationReason != "liveness_timeout" {
		t.Fatalf("reason = %q", got.TerminationReason)
	}
	if got.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
	if len(h.calls.ended) != 1 || h.calls.ended[0] != h.callID {
		t.Fatalf("EndCall not issued: %v", h.calls.ended)
	}
	if h.sink.count() != 0 {
		t.Fatalf("abandoned session must not publish a report")
	}
}

func TestWatchdogSkipsRecentlyActiveSession(t *testing.T) {
	h := newHarness(t)
	h.answer(t)

	h.orc.sweep(context.Background())

	if s := h.sessionState(t); s.State != session.CallInProgress {
		t.Fatalf("active session swept: %s", s.State)
	}
	if len(h.calls.ended) != 0 {
		t.Fatalf("EndCall issued for active session: %v", h.calls.ended)
	}
}
