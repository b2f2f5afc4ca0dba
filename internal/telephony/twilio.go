package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Config holds the Twilio account credentials and the number calls are
// placed from.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// CallTimeout is how long the provider lets the phone ring before giving
	// up, in seconds.
	CallTimeout int
}

// Service wraps the Twilio REST API for call control and recording download.
type Service struct {
	config     Config
	client     *twilio.RestClient
	httpClient *http.Client
}

func NewService(config Config) *Service {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30
	}
	return &Service{
		config:     config,
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

var phonePattern = regexp.MustCompile(`^\+?1?\d{10,15}$`)

// ValidPhoneNumber reports whether a candidate number looks dialable.
func ValidPhoneNumber(number string) bool {
	return phonePattern.MatchString(number)
}

// PlaceCall starts an outbound interview call. answerURL receives the TwiML
// request once the callee picks up; statusURL receives lifecycle status
// callbacks for every leg of the call.
func (s *Service) PlaceCall(ctx context.Context, to, answerURL, statusURL string) (string, error) {
	if s.config.AccountSID == "" || s.config.AuthToken == "" {
		return "", fmt.Errorf("missing Twilio credentials: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN required")
	}
	if !ValidPhoneNumber(to) {
		return "", fmt.Errorf("invalid phone number format: %q", to)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(s.config.FromNumber)
	params.SetUrl(answerURL)
	params.SetMethod("POST")
	params.SetStatusCallback(statusURL)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetTimeout(s.config.CallTimeout)

	call, err := s.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	if call.Sid == nil || *call.Sid == "" {
		return "", fmt.Errorf("create call: provider returned no call sid")
	}
	return *call.Sid, nil
}

// EndCall asks the provider to terminate an in-flight call.
func (s *Service) EndCall(ctx context.Context, callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := s.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("end call %s: %w", callSID, err)
	}
	return nil
}

// DownloadRecording fetches a recording's WAV audio. Recording URLs require
// account basic auth, which is why this lives here and not in the
// transcription adapter.
func (s *Service) DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	if s.config.AccountSID == "" || s.config.AuthToken == "" {
		return nil, fmt.Errorf("missing Twilio credentials: cannot download recording")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download recording failed: status %d: %s", resp.StatusCode, string(preview))
	}
	return io.ReadAll(resp.Body)
}
