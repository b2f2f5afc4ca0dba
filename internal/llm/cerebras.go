package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
)

// concludedMarker is the token the interviewer model emits when it decides
// the interview is over. It is stripped from the spoken reply.
const concludedMarker = "[END OF INTERVIEW]"

const systemPrompt = `You are an experienced job interviewer conducting a phone interview.
Be friendly but professional. Ask one question at a time, keep every reply
short enough to speak in under twenty seconds, and stay on the candidate's
experience, skills and behavior. When you have covered introduction,
background, technical and behavioral ground, wrap up: thank the candidate,
explain next steps, and end your final reply with the exact text ` + concludedMarker + `.`

// CerebrasClient generates the interviewer's next utterance from the
// conversation so far.
type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   "https://api.cerebras.ai/v1/chat/completions",
	}
}

// Generate produces the interviewer's reply to the latest caller utterance,
// given the sealed transcript so far. concluded is true when the model
// signalled the end of the interview.
func (c *CerebrasClient) Generate(ctx context.Context, history []session.Turn, callerText string) (string, bool, error) {
	if c.APIKey == "" {
		return "", false, fmt.Errorf("cerebras api key missing")
	}

	messages := make([]chatMessage, 0, 2*len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	for _, turn := range history {
		if turn.CallerText != "" {
			messages = append(messages, chatMessage{Role: "user", Content: turn.CallerText})
		}
		if turn.AgentText != "" {
			messages = append(messages, chatMessage{Role: "assistant", Content: turn.AgentText})
		}
	}
	messages = append(messages, chatMessage{Role: "user", Content: callerText})

	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", false, err
	}
	if len(cr.Choices) == 0 {
		return "", false, fmt.Errorf("cerebras: empty choices")
	}

	answer := strings.TrimSpace(cr.Choices[0].Message.Content)
	concluded := strings.Contains(answer, concludedMarker)
	if concluded {
		answer = strings.TrimSpace(strings.ReplaceAll(answer, concludedMarker, ""))
	}
	if answer == "" {
		return "", false, fmt.Errorf("cerebras: empty utterance")
	}
	return answer, concluded, nil
}
