package storage

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"
)

// Uploader is the minimal object-store behavior the orchestrator needs:
// persist a blob, get back a publicly playable URL.
type Uploader interface {
	Upload(objectKey string, contentType string, body []byte) (string, error)
}

// SupabaseStorage stores synthesized audio, call recordings and sealed
// transcripts in a Supabase bucket.
type SupabaseStorage struct {
	client  *supabase.Client
	baseURL string
	bucket  string
}

// NewSupabase constructs a Supabase-backed store.
func NewSupabase(baseURL, serviceKey, bucket string) (*SupabaseStorage, error) {
	if baseURL == "" || serviceKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(baseURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStorage{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
	}, nil
}

// Upload writes the object and returns its public URL. The bucket is expected
// to allow public reads so the telephony provider can fetch audio to play.
func (s *SupabaseStorage) Upload(objectKey string, contentType string, body []byte) (string, error) {
	_, err := s.client.Storage.UploadFile(s.bucket, objectKey, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("upload %s to supabase: %w", objectKey, err)
	}
	return s.PublicURL(objectKey), nil
}

// PublicURL returns the public object URL for a key in the bucket.
func (s *SupabaseStorage) PublicURL(objectKey string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, objectKey)
}
