package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.assemblyai.com"

// AudioFetcher retrieves the captured caller audio behind an audioRef. The
// telephony service implements this because recording URLs require provider
// credentials.
type AudioFetcher interface {
	DownloadRecording(ctx context.Context, audioRef string) ([]byte, error)
}

// AssemblyAIClient transcribes recorded caller utterances through the
// AssemblyAI async transcript API: upload the audio, create a transcript job,
// poll until it settles.
type AssemblyAIClient struct {
	HTTPClient   *http.Client
	APIKey       string
	BaseURL      string
	PollInterval time.Duration

	fetcher AudioFetcher
}

// NewAssemblyAIClient creates a transcription client.
func NewAssemblyAIClient(apiKey string, fetcher AudioFetcher) *AssemblyAIClient {
	return &AssemblyAIClient{
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		APIKey:       apiKey,
		BaseURL:      defaultBaseURL,
		PollInterval: time.Second,
		fetcher:      fetcher,
	}
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

type transcriptRequest struct {
	AudioURL     string `json:"audio_url"`
	Punctuate    bool   `json:"punctuate"`
	FormatText   bool   `json:"format_text"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Transcribe downloads the recording behind audioRef, submits it and waits
// for the finished text. The ctx deadline bounds the whole operation,
// including polling.
func (c *AssemblyAIClient) Transcribe(ctx context.Context, audioRef string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("assemblyai api key missing")
	}

	audio, err := c.fetcher.DownloadRecording(ctx, audioRef)
	if err != nil {
		return "", fmt.Errorf("download recording: %w", err)
	}

	uploadURL, err := c.upload(ctx, audio)
	if err != nil {
		return "", err
	}

	jobID, err := c.createJob(ctx, uploadURL)
	if err != nil {
		return "", err
	}

	return c.poll(ctx, jobID)
}

func (c *AssemblyAIClient) upload(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v2/upload", bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var ur uploadResponse
	if err := c.do(req, &ur); err != nil {
		return "", fmt.Errorf("assemblyai upload: %w", err)
	}
	if ur.UploadURL == "" {
		return "", fmt.Errorf("assemblyai upload: empty upload_url")
	}
	return ur.UploadURL, nil
}

func (c *AssemblyAIClient) createJob(ctx context.Context, audioURL string) (string, error) {
	body, _ := json.Marshal(transcriptRequest{
		AudioURL:     audioURL,
		Punctuate:    true,
		FormatText:   true,
		LanguageCode: "en_us",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	var job transcriptJob
	if err := c.do(req, &job); err != nil {
		return "", fmt.Errorf("assemblyai create transcript: %w", err)
	}
	if job.ID == "" {
		return "", fmt.Errorf("assemblyai create transcript: empty job id")
	}
	return job.ID, nil
}

func (c *AssemblyAIClient) poll(ctx context.Context, jobID string) (string, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v2/transcript/"+jobID, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", c.APIKey)

		var job transcriptJob
		if err := c.do(req, &job); err != nil {
			return "", fmt.Errorf("assemblyai poll transcript: %w", err)
		}
		switch job.Status {
		case "completed":
			return strings.TrimSpace(job.Text), nil
		case "error":
			return "", fmt.Errorf("assemblyai transcript failed: %s", job.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *AssemblyAIClient) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
