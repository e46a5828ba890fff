// Package archive implements the optional, best-effort turn archival hook
// (§4.5 supplement): persisting a completed turn's raw audio bytes to
// object storage as an opaque blob, distinct from (and not a substitute
// for) the in-memory chat-history persistence Non-goal — nothing reads
// these blobs back.
//
// Grounded on the teacher's root supabase/storage.go Storage.Upload, which
// already uses the supabase-go SDK's Storage.UploadFile rather than
// hand-rolled HTTP (the sibling internal/infra/storage/supabase.go posts
// to the REST endpoint directly; this package follows the SDK-based
// sibling since the SDK is the dependency worth keeping exercised).
package archive

import (
	"bytes"
	"context"
	"fmt"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/chadiek/voxdialog/internal/model"
)

// Config configures the Supabase-backed archiver.
type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// SupabaseArchiver uploads each completed turn's raw audio as an opaque
// blob, keyed by session and turn id. Implements session.Archiver.
type SupabaseArchiver struct {
	client *supabase.Client
	bucket string
}

// New constructs a SupabaseArchiver. Returns an error rather than panicking
// on a bad config, unlike the teacher's constructor, so the server can log
// the failure and start without archival.
func New(cfg Config) (*SupabaseArchiver, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("archive: missing Supabase URL or service role key")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create supabase client: %w", err)
	}
	return &SupabaseArchiver{client: client, bucket: cfg.Bucket}, nil
}

// Archive uploads one turn's raw accumulated audio bytes as an opaque
// blob, keyed by session and turn id. Best-effort: errors are returned
// for the caller to log, never retried here.
func (a *SupabaseArchiver) Archive(ctx context.Context, sessionID model.SessionId, turnID string, audio []byte) error {
	key := fmt.Sprintf("%s/%s.pcm", sessionID, turnID)
	_, err := a.client.Storage.UploadFile(a.bucket, key, bytes.NewReader(audio))
	if err != nil {
		return fmt.Errorf("archive: upload to supabase: %w", err)
	}
	return nil
}
