package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/infra/storage"
)

// Engine renders text into a complete playable audio blob and reports its
// content type. Engines are stateless with respect to session data.
type Engine interface {
	Render(ctx context.Context, text string) (data []byte, contentType string, err error)
}

// Speaker is the speech-synthesis adapter: it renders an utterance and stores
// it, returning the public audioRef the telephony provider plays.
type Speaker struct {
	engine Engine
	store  storage.Uploader
}

func NewSpeaker(engine Engine, store storage.Uploader) *Speaker {
	return &Speaker{engine: engine, store: store}
}

// Synthesize renders text and uploads the audio under a key unique to this
// synthesis, so retries and fallback utterances never overwrite earlier audio.
func (s *Speaker) Synthesize(ctx context.Context, sessionID string, turnIndex int, text string) (string, error) {
	data, contentType, err := s.engine.Render(ctx, text)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("tts: engine produced no audio")
	}
	key := fmt.Sprintf("audio/%s/turn_%03d_%d%s",
		sessionID, turnIndex, time.Now().UnixNano(), extensionFor(contentType))
	audioRef, err := s.store.Upload(key, contentType, data)
	if err != nil {
		return "", fmt.Errorf("tts: store audio: %w", err)
	}
	return audioRef, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	default:
		return ".bin"
	}
}
