// Package assets adapts the remote binary asset service: it turns local
// blobs into stable public URLs and deletes them again.
package assets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Blob is the binary content handed to Upload.
type Blob struct {
	// Name is the local handle, used only for error reporting
	Name        string
	ContentType string
	Data        []byte
}

// Service uploads and deletes hosted assets.
//
// Upload does not retry; the caller retries on its next pass. Delete is
// best-effort and treats an already missing asset as success.
type Service interface {
	Upload(ctx context.Context, b Blob) (string, error)
	Delete(ctx context.Context, url string) error
}

// ErrMalformedURL is returned when a URL does not match the hosted asset pattern.
var ErrMalformedURL = errors.New("malformed asset url")

// UploadError reports a failed upload.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload asset %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DeleteError reports a failed delete.
type DeleteError struct {
	URL string
	Err error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("failed to delete asset %s: %v", e.URL, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// .../upload/[v<version>/]<asset-id>[.<ext>]
var assetURLPattern = regexp.MustCompile(`/upload/(?:v\d+/)?(.+?)(?:\.\w{3,4})?$`)

// ExtractAssetID returns the asset identifier embedded in a hosted URL.
func ExtractAssetID(url string) (string, error) {
	m := assetURLPattern.FindStringSubmatch(url)
	if m == nil || m[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedURL, url)
	}
	return m[1], nil
}
