// Package pipeline runs one transcription -> generation -> synthesis cycle
// for a single caller utterance, with bounded per-stage retries. Failures are
// returned as values so the orchestrator can persist retry counts and speak a
// fallback instead of dropping the call.
package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
)

// Transcriber converts captured caller audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (string, error)
}

// Generator produces the interviewer's next utterance from the conversation
// history plus the newest caller text, and signals when the interview is over.
type Generator interface {
	Generate(ctx context.Context, history []session.Turn, callerText string) (utterance string, concluded bool, err error)
}

// Synthesizer turns an utterance into a playable audioRef.
type Synthesizer interface {
	Synthesize(ctx context.Context, sessionID string, turnIndex int, text string) (string, error)
}

// Stage names the pipeline step a result refers to.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageGenerate   Stage = "generate"
	StageSynthesize Stage = "synthesize"
)

// Config bounds the pipeline's retries and timeouts.
type Config struct {
	// MaxAttempts is the per-stage attempt ceiling (first try included).
	MaxAttempts int
	// BaseBackoff is the delay after the first failed attempt; it doubles on
	// each subsequent failure.
	BaseBackoff time.Duration
	// StageTimeout bounds one generation or synthesis attempt.
	StageTimeout time.Duration
	// TranscribeTimeout bounds one transcription attempt, which includes
	// polling the async transcript job.
	TranscribeTimeout time.Duration
}

// Result is the outcome of one pipeline run. When Err is non-nil, FailedStage
// names the stage that exhausted its attempts; fields filled by earlier
// stages remain valid.
type Result struct {
	CallerText string
	AgentText  string
	AudioRef   string
	Concluded  bool

	// FailedAttempts counts attempts that errored across all stages of this
	// run, so the orchestrator can persist them on the turn.
	FailedAttempts int
	FailedStage    Stage
	Err            error
}

// Pipeline wires the three adapters together.
type Pipeline struct {
	stt   Transcriber
	gen   Generator
	tts   Synthesizer
	cfg   Config
	sleep func(time.Duration)
}

func New(stt Transcriber, gen Generator, tts Synthesizer, cfg Config) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 15 * time.Second
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 60 * time.Second
	}
	return &Pipeline{stt: stt, gen: gen, tts: tts, cfg: cfg, sleep: time.Sleep}
}

// Run executes the full cycle for the caller utterance behind audioRef.
// history is the sealed transcript; sessionID and turnIndex key the stored
// audio. Run never holds any session lock: the caller re-reads and
// conditionally writes session state around it.
func (p *Pipeline) Run(ctx context.Context, sessionID string, turnIndex int, history []session.Turn, audioRef string) Result {
	var res Result

	failed, err := p.withRetry(ctx, StageTranscribe, p.cfg.TranscribeTimeout, func(ctx context.Context) error {
		text, err := p.stt.Transcribe(ctx, audioRef)
		if err != nil {
			return err
		}
		res.CallerText = text
		return nil
	})
	res.FailedAttempts += failed
	if err != nil {
		res.FailedStage, res.Err = StageTranscribe, err
		return res
	}

	failed, err = p.withRetry(ctx, StageGenerate, p.cfg.StageTimeout, func(ctx context.Context) error {
		utterance, concluded, err := p.gen.Generate(ctx, history, res.CallerText)
		if err != nil {
			return err
		}
		res.AgentText, res.Concluded = utterance, concluded
		return nil
	})
	res.FailedAttempts += failed
	if err != nil {
		res.FailedStage, res.Err = StageGenerate, err
		return res
	}

	failed, err = p.withRetry(ctx, StageSynthesize, p.cfg.StageTimeout, func(ctx context.Context) error {
		ref, err := p.tts.Synthesize(ctx, sessionID, turnIndex, res.AgentText)
		if err != nil {
			return err
		}
		res.AudioRef = ref
		return nil
	})
	res.FailedAttempts += failed
	if err != nil {
		res.FailedStage, res.Err = StageSynthesize, err
	}
	return res
}

// SynthesizeFallback renders a fallback utterance with a single bounded
// attempt. The caller degrades to a provider-spoken message when this fails.
func (p *Pipeline) SynthesizeFallback(ctx context.Context, sessionID string, turnIndex int, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	return p.tts.Synthesize(ctx, sessionID, turnIndex, text)
}

// withRetry runs fn up to MaxAttempts times with doubling backoff, returning
// how many attempts errored.
func (p *Pipeline) withRetry(ctx context.Context, stage Stage, timeout time.Duration, fn func(context.Context) error) (int, error) {
	var lastErr error
	failed := 0
	backoff := p.cfg.BaseBackoff
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return failed, nil
		}
		failed++
		lastErr = err
		log.Printf("pipeline: %s attempt %d/%d failed: %v", stage, attempt, p.cfg.MaxAttempts, err)

		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		if attempt < p.cfg.MaxAttempts {
			p.sleep(backoff)
			backoff *= 2
		}
	}
	return failed, lastErr
}
