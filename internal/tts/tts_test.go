package tts

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeEngine struct {
	data []byte
	ct   string
	err  error
}

func (f fakeEngine) Render(ctx context.Context, text string) ([]byte, string, error) {
	return f.data, f.ct, f.err
}

type fakeUploader struct {
	key  string
	ct   string
	size int
	err  error
}

func (f *fakeUploader) Upload(key, contentType string, body []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.key, f.ct, f.size = key, contentType, len(body)
	return "https://cdn.example/" + key, nil
}

func TestSpeaker_Synthesize(t *testing.T) {
	up := &fakeUploader{}
	s := NewSpeaker(fakeEngine{data: []byte{1, 2, 3}, ct: "audio/mpeg"}, up)

	ref, err := s.Synthesize(context.Background(), "sess1", 2, "hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !strings.HasPrefix(ref, "https://cdn.example/audio/sess1/turn_002_") {
		t.Fatalf("audioRef = %q", ref)
	}
	if !strings.HasSuffix(up.key, ".mp3") || up.ct != "audio/mpeg" || up.size != 3 {
		t.Fatalf("upload = %+v", up)
	}
}

func TestSpeaker_EngineFailure(t *testing.T) {
	s := NewSpeaker(fakeEngine{err: errors.New("render failed")}, &fakeUploader{})
	if _, err := s.Synthesize(context.Background(), "sess1", 0, "hello"); err == nil {
		t.Fatalf("expected engine error")
	}
}

func TestSpeaker_EmptyAudioRejected(t *testing.T) {
	s := NewSpeaker(fakeEngine{data: nil, ct: "audio/mpeg"}, &fakeUploader{})
	if _, err := s.Synthesize(context.Background(), "sess1", 0, "hello"); err == nil {
		t.Fatalf("expected error for empty audio")
	}
}

func TestSpeaker_UploadFailure(t *testing.T) {
	s := NewSpeaker(fakeEngine{data: []byte{1}, ct: "audio/mpeg"}, &fakeUploader{err: errors.New("bucket down")})
	if _, err := s.Synthesize(context.Background(), "sess1", 0, "hello"); err == nil {
		t.Fatalf("expected upload error")
	}
}

func TestElevenLabs_Render(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "hello" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	e := NewElevenLabsEngine("key", "voice")
	e.BaseURL = srv.URL
	data, ct, err := e.Render(context.Background(), "hello")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if string(data) != "mp3-bytes" || ct != "audio/mpeg" {
		t.Fatalf("data=%q ct=%q", data, ct)
	}
}

func TestElevenLabs_NoKey(t *testing.T) {
	e := NewElevenLabsEngine("", "")
	if _, _, err := e.Render(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestElevenLabs_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_, _ = w.Write([]byte("oops"))
	}))
	defer srv.Close()
	e := NewElevenLabsEngine("key", "voice")
	e.BaseURL = srv.URL
	if _, _, err := e.Render(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error on 500")
	}
}

func TestDeepgram_NoKey(t *testing.T) {
	d := NewDeepgramEngine("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := d.Render(ctx, "hello"); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestWrapWAV_Header(t *testing.T) {
	pcm := make([]byte, 320)
	wav := wrapWAV(pcm, 8000)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav len = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad riff header")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 8000 {
		t.Fatalf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d", got)
	}
}
