package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/xycdaimi/AIFlow/core"
)

// errBadMediaLeaf marks a media-looking leaf that failed to decode; it
// maps to the invalid-payload response, not a storage error.
var errBadMediaLeaf = errors.New("malformed media data")

// base64Threshold is the minimum length for the heuristic base64 check.
// Short strings on media-named fields are left alone.
const base64Threshold = 512

// mediaPathTokens flag a payload path as media-carrying for the
// heuristic base64 classification.
var mediaPathTokens = []string{"image", "audio", "video", "mask", "media", "file"}

var dataURIPattern = regexp.MustCompile(`^data:([a-zA-Z0-9.+/-]+);base64,(.*)$`)

var pathSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Normalizer rewrites media leaves of a payload into object store URLs
// under tasks/{taskID}/inputs/. Existing http(s) URLs are preserved, so
// applying the normalizer to its own output is the identity.
type Normalizer struct {
	objects core.ObjectStore
	bucket  string
	taskID  string
}

// NewNormalizer creates a normalizer for one task's payload.
func NewNormalizer(objects core.ObjectStore, bucket, taskID string) *Normalizer {
	return &Normalizer{objects: objects, bucket: bucket, taskID: taskID}
}

// Normalize returns a same-shape payload with media leaves replaced by
// object store URLs.
func (n *Normalizer) Normalize(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		return nil, nil
	}
	value, err := n.walk(ctx, payload, nil)
	if err != nil {
		return nil, err
	}
	return value.(map[string]interface{}), nil
}

// walk visits one value. path holds the field/index trail from the
// payload root.
func (n *Normalizer) walk(ctx context.Context, value interface{}, path []string) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			replaced, err := n.walk(ctx, child, append(path, key))
			if err != nil {
				return nil, err
			}
			out[key] = replaced
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			replaced, err := n.walk(ctx, child, append(path, fmt.Sprintf("%d", i)))
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil

	case string:
		return n.visitString(ctx, v, path)

	case []byte:
		return n.upload(ctx, path, v, http.DetectContentType(v))

	default:
		return value, nil
	}
}

// visitString classifies a string leaf as data URI, heuristic base64,
// or plain text.
func (n *Normalizer) visitString(ctx context.Context, s string, path []string) (interface{}, error) {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s, nil
	}

	if m := dataURIPattern.FindStringSubmatch(s); m != nil {
		data, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil {
			return nil, fmt.Errorf("data URI at %s: %w", pathString(path), errBadMediaLeaf)
		}
		return n.upload(ctx, path, data, m[1])
	}

	if len(s) > base64Threshold && isMediaPath(path) {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			// Long text on a media field that isn't base64; leave it.
			return s, nil
		}
		return n.upload(ctx, path, data, http.DetectContentType(data))
	}

	return s, nil
}

// upload stores the bytes and returns the resulting URL.
func (n *Normalizer) upload(ctx context.Context, path []string, data []byte, contentType string) (interface{}, error) {
	object := fmt.Sprintf("tasks/%s/inputs/%s%s", n.taskID, sanitizePath(path), extensionFor(contentType))
	url, err := n.objects.UploadBytes(ctx, n.bucket, object, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store payload media at %s: %w", pathString(path), err)
	}
	return url, nil
}

// isMediaPath reports whether any path component carries a media token.
func isMediaPath(path []string) bool {
	for _, component := range path {
		lower := strings.ToLower(component)
		for _, token := range mediaPathTokens {
			if strings.Contains(lower, token) {
				return true
			}
		}
	}
	return false
}

func pathString(path []string) string {
	return strings.Join(path, ".")
}

// sanitizePath flattens the trail into a safe object name component,
// e.g. ["images","0"] becomes "images_0".
func sanitizePath(path []string) string {
	joined := strings.Join(path, "_")
	sanitized := pathSanitizer.ReplaceAllString(joined, "_")
	if sanitized == "" {
		sanitized = "payload"
	}
	return sanitized
}

// extensionFor maps a content type onto a file extension.
func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(contentType, "audio/wav"), strings.HasPrefix(contentType, "audio/x-wav"):
		return ".wav"
	case strings.HasPrefix(contentType, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(contentType, "text/"):
		return ".txt"
	default:
		return ".bin"
	}
}
