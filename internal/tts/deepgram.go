package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// DeepgramEngine renders speech through the Deepgram speak websocket. The
// stream emits raw linear16 PCM; Render collects it and wraps it in a WAV
// container the telephony provider can play.
type DeepgramEngine struct {
	apiKey     string
	model      string
	sampleRate int
}

func NewDeepgramEngine(apiKey, model string) *DeepgramEngine {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	// 8kHz matches what the phone network delivers anyway.
	return &DeepgramEngine{apiKey: apiKey, model: model, sampleRate: 8000}
}

func (d *DeepgramEngine) Render(ctx context.Context, text string) ([]byte, string, error) {
	if d.apiKey == "" {
		return nil, "", fmt.Errorf("deepgram: API key missing")
	}
	if text == "" {
		return nil, "", fmt.Errorf("deepgram: empty text")
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: d.sampleRate,
	}

	var mu sync.Mutex
	var pcm []byte
	lastRecv := time.Now()

	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		mu.Lock()
		pcm = append(pcm, data...)
		lastRecv = time.Now()
		mu.Unlock()
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, "", fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, "", fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, "", fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return nil, "", fmt.Errorf("deepgram: flush: %w", err)
	}

	// The websocket has no end-of-utterance frame we can rely on across
	// models; treat a short idle window after the first audio as completion.
	idleWindow := 400 * time.Millisecond
	deadline := time.Now().Add(12 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-ticker.C:
			mu.Lock()
			got := len(pcm)
			idle := time.Since(lastRecv)
			mu.Unlock()
			if got > 0 && idle > idleWindow {
				return wrapWAV(pcm, d.sampleRate), "audio/wav", nil
			}
			if time.Now().After(deadline) {
				if got == 0 {
					return nil, "", fmt.Errorf("deepgram: no audio received")
				}
				return wrapWAV(pcm, d.sampleRate), "audio/wav", nil
			}
		}
	}
}

// wrapWAV prefixes raw 16-bit mono PCM with a RIFF/WAVE header.
func wrapWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
