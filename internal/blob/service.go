package blob

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"coedit/api/internal/store"
)

// Service mirrors flushed documents into a Bucket.
type Service struct {
	bucket Bucket
}

func New(bucket Bucket) *Service {
	return &Service{bucket: bucket}
}

func (s *Service) Name() string {
	return "snapshot-store"
}

func (s *Service) Mirror(ctx context.Context, state store.DocumentState) error {
	return s.bucket.Put(ctx, objectKey(state.DocumentID, state.Version), []byte(state.Content), map[string]string{
		"document-id":    state.DocumentID,
		"version":        strconv.FormatInt(state.Version, 10),
		"last-edited-by": state.LastEditedBy,
		"content-hash":   state.ContentHash,
	})
}

// Versions lists the stored snapshot versions of documentID, oldest first.
func (s *Service) Versions(ctx context.Context, documentID string) ([]int64, error) {
	keys, err := s.bucket.List(ctx, "documents/"+documentID+"/")
	if err != nil {
		return nil, err
	}
	versions := make([]int64, 0, len(keys))
	for _, key := range keys {
		if v, ok := parseVersion(key); ok {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	return versions, nil
}

// Snapshot reads the text stored for one version.
func (s *Service) Snapshot(ctx context.Context, documentID string, version int64) (string, error) {
	data, err := s.bucket.Get(ctx, objectKey(documentID, version))
	if err != nil {
		return "", fmt.Errorf("snapshot %s@%d: %w", documentID, version, err)
	}
	return string(data), nil
}
