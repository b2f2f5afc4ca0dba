package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
)

// ReportSink receives the sealed transcript of a completed interview for
// downstream evaluation.
type ReportSink interface {
	Publish(ctx context.Context, s *session.InterviewSession) error
}

// interviewReport is the hand-off artifact written for each completed
// interview.
type interviewReport struct {
	SessionID         string         `json:"session_id"`
	ProviderCallID    string         `json:"provider_call_id"`
	CallerNumber      string         `json:"caller_number,omitempty"`
	Turns             []session.Turn `json:"turns"`
	RecordingRef      string         `json:"recording_ref,omitempty"`
	TerminationReason string         `json:"termination_reason"`
	StartedAt         time.Time      `json:"started_at"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
}

// StorageReportSink publishes reports as JSON objects next to the call media.
type StorageReportSink struct {
	uploader Uploader
}

func NewStorageReportSink(uploader Uploader) *StorageReportSink {
	return &StorageReportSink{uploader: uploader}
}

func (r *StorageReportSink) Publish(ctx context.Context, s *session.InterviewSession) error {
	report := interviewReport{
		SessionID:         s.SessionID,
		ProviderCallID:    s.ProviderCallID,
		CallerNumber:      s.CallerNumber,
		Turns:             s.Transcript,
		RecordingRef:      s.RecordingRef,
		TerminationReason: s.TerminationReason,
		StartedAt:         s.CreatedAt,
		EndedAt:           s.EndedAt,
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	key := fmt.Sprintf("reports/%s.json", s.SessionID)
	if _, err := r.uploader.Upload(key, "application/json", body); err != nil {
		return fmt.Errorf("upload report: %w", err)
	}
	return nil
}

// afterTerminal runs once a session's terminal state has been durably
// committed: delivery-tracking state is released and, for interviews that ran
// to completion, the transcript report is handed off. Publication is
// best-effort; a failed upload never rolls back the session.
func (o *Orchestrator) afterTerminal(ctx context.Context, s *session.InterviewSession) {
	o.guard.Forget(s.ProviderCallID)

	if s.State != session.CallCompleted || o.reports == nil {
		return
	}
	if err := o.reports.Publish(ctx, s); err != nil {
		log.Printf("orchestrator: report publish failed for session %s: %v", s.SessionID, err)
		return
	}
	log.Printf("orchestrator: published report for session %s (%d turns, %s)",
		s.SessionID, len(s.Transcript), s.TerminationReason)
}
