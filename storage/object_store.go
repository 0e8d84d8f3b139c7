// Package storage implements the object store on JetStream object
// buckets. Uploaded objects are surfaced as gateway URLs of the form
// {base}/api/v1/storage/{bucket}/{object}; the gateway's storage
// endpoint dereferences them back to the stored bytes.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/xycdaimi/AIFlow/core"
)

// StoragePathPrefix is the gateway route under which objects are
// served.
const StoragePathPrefix = "/api/v1/storage/"

const contentTypeMetaKey = "content-type"

// JetStreamObjectStore implements core.ObjectStore on JetStream object
// buckets.
type JetStreamObjectStore struct {
	js        jetstream.JetStream
	publicURL string
	logger    core.Logger
}

// NewJetStreamObjectStore creates an object store client. publicURL is
// the externally reachable gateway base used to mint object URLs.
func NewJetStreamObjectStore(js jetstream.JetStream, publicURL string, logger core.Logger) *JetStreamObjectStore {
	return &JetStreamObjectStore{
		js:        js,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}
}

// EnsureBuckets creates the named buckets if absent.
func (s *JetStreamObjectStore) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range buckets {
		_, err := s.js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:  bucket,
			Storage: jetstream.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (s *JetStreamObjectStore) bucket(ctx context.Context, name string) (jetstream.ObjectStore, error) {
	obs, err := s.js.ObjectStore(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, fmt.Errorf("bucket %s: %w", name, core.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}
	return obs, nil
}

// UploadBytes stores data under bucket/object and returns the URL the
// payload should carry.
func (s *JetStreamObjectStore) UploadBytes(ctx context.Context, bucket, object string, data []byte, contentType string) (string, error) {
	if bucket == "" || object == "" {
		return "", fmt.Errorf("bucket and object name are required")
	}

	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return "", err
	}

	meta := jetstream.ObjectMeta{
		Name: object,
	}
	if contentType != "" {
		meta.Metadata = map[string]string{contentTypeMetaKey: contentType}
	}

	if _, err := obs.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		if s.logger != nil {
			s.logger.Error("Object upload failed", map[string]interface{}{
				"bucket": bucket,
				"object": object,
				"error":  err.Error(),
			})
		}
		return "", fmt.Errorf("failed to upload %s/%s: %w", bucket, object, err)
	}

	url := s.ObjectURL(bucket, object)
	if s.logger != nil {
		s.logger.Debug("Object uploaded", map[string]interface{}{
			"bucket":       bucket,
			"object":       object,
			"size":         len(data),
			"content_type": contentType,
		})
	}
	return url, nil
}

// GetBytes fetches an object and its content type.
func (s *JetStreamObjectStore) GetBytes(ctx context.Context, bucket, object string) ([]byte, string, error) {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, "", err
	}

	data, err := obs.GetBytes(ctx, object)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, "", fmt.Errorf("%s/%s: %w", bucket, object, core.ErrObjectNotFound)
		}
		return nil, "", fmt.Errorf("failed to download %s/%s: %w", bucket, object, err)
	}

	contentType := "application/octet-stream"
	if info, err := obs.GetInfo(ctx, object); err == nil && info.Metadata != nil {
		if ct, ok := info.Metadata[contentTypeMetaKey]; ok && ct != "" {
			contentType = ct
		}
	}
	return data, contentType, nil
}

// DeleteObject removes an object. Deleting a missing object is not an
// error.
func (s *JetStreamObjectStore) DeleteObject(ctx context.Context, bucket, object string) error {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return nil
		}
		return err
	}

	if err := obs.Delete(ctx, object); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, object, err)
	}
	return nil
}

// ObjectURL returns the public URL for bucket/object.
func (s *JetStreamObjectStore) ObjectURL(bucket, object string) string {
	return s.publicURL + StoragePathPrefix + bucket + "/" + object
}

// ParseURL splits a URL produced by ObjectURL back into bucket and
// object. Returns ok=false for URLs that do not belong to this store.
func (s *JetStreamObjectStore) ParseURL(url string) (bucket, object string, ok bool) {
	idx := strings.Index(url, StoragePathPrefix)
	if idx < 0 {
		return "", "", false
	}
	rest := url[idx+len(StoragePathPrefix):]
	bucket, object, found := strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

// HealthCheck verifies the JetStream context answers.
func (s *JetStreamObjectStore) HealthCheck(ctx context.Context) error {
	if _, err := s.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("object store unavailable: %w", err)
	}
	return nil
}
