package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
	"github.com/lordamdal/beaver-hr-interviewer/internal/store"
)

// RunWatchdog periodically abandons sessions that have gone silent: a caller
// who hangs up mid-recording or a dropped carrier leg produces no further
// webhooks, so liveness is enforced from this side. Blocks until ctx is done.
func (o *Orchestrator) RunWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// sweep abandons every non-terminal session with no accepted event inside the
// liveness window.
func (o *Orchestrator) sweep(ctx context.Context) {
	cutoff := o.now().Add(-o.cfg.LivenessWindow)
	stale, err := o.store.ListStale(ctx, cutoff)
	if err != nil {
		log.Printf("watchdog: list stale sessions: %v", err)
		return
	}
	for _, s := range stale {
		o.abandon(ctx, s)
	}
}

func (o *Orchestrator) abandon(ctx context.Context, stale *session.InterviewSession) {
	_, err := o.mutate(ctx, stale.ProviderCallID, 0, "", func(s *session.InterviewSession) (string, error) {
		if s.State.Terminal() {
			return "", errSkip
		}
		// Re-check staleness against the fresh read; an event may have landed
		// between the sweep listing and this write.
		if s.UpdatedAt.After(o.now().Add(-o.cfg.LivenessWindow)) {
			return "", errSkip
		}
		if err := s.Transition(session.CallAbandoned); err != nil {
			return "", err
		}
		s.End("liveness_timeout", o.now())
		return "", nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("watchdog: abandon session %s: %v", stale.SessionID, err)
		}
		return
	}
	log.Printf("watchdog: abandoned session %s after %s of silence",
		stale.SessionID, o.cfg.LivenessWindow)

	// Best effort; the provider leg may already be gone.
	if err := o.calls.EndCall(ctx, stale.ProviderCallID); err != nil {
		log.Printf("watchdog: end call %s: %v", stale.ProviderCallID, err)
	}
}
