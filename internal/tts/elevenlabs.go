package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ElevenLabsEngine renders speech through the ElevenLabs HTTP streaming
// endpoint. The response body is drained into a single MP3 blob; the
// telephony provider plays whole files, not live streams.
type ElevenLabsEngine struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	VoiceID    string
}

func NewElevenLabsEngine(apiKey, voiceID string) *ElevenLabsEngine {
	return &ElevenLabsEngine{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		BaseURL:    "https://api.elevenlabs.io",
		APIKey:     apiKey,
		VoiceID:    voiceID,
	}
}

func (e *ElevenLabsEngine) Render(ctx context.Context, text string) ([]byte, string, error) {
	if e.APIKey == "" || e.VoiceID == "" {
		return nil, "", fmt.Errorf("elevenlabs: api key or voice id missing")
	}

	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return nil, "", err
	}
	u.Path = "/v1/text-to-speech/" + e.VoiceID + "/stream"
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "mp3_44100_128")
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs http error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs read body: %w", err)
	}
	return audio, "audio/mpeg", nil
}
