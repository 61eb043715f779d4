package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GCSConfig configures the Cloud Storage asset service.
type GCSConfig struct {
	// Bucket is the bucket holding uploaded assets
	Bucket string
	// PublicBaseURL prefixes every returned URL, e.g. https://storage.googleapis.com/<bucket>
	PublicBaseURL string
	// Folder groups uploads under one prefix (default "recomendaciones")
	Folder string
	// CredentialsFile is an optional service account key file
	CredentialsFile string
	// UploadTimeout bounds a single upload (default 2m)
	UploadTimeout time.Duration
	// DeleteTimeout bounds a single delete (default 30s)
	DeleteTimeout time.Duration
}

// uploadPrefix starts every object name so public URLs match the
// /upload/<id> form ExtractAssetID parses.
const uploadPrefix = "upload"

// objectStore is the slice of the storage client the service uses.
type objectStore interface {
	write(ctx context.Context, key, contentType string, data []byte) error
	delete(ctx context.Context, key string) error
	close() error
}

// GCS stores assets as Cloud Storage objects named upload/<folder>/<uuid>.
// The public URL is <base>/<object name>, so the asset ID embedded in it is
// the object name without the upload/ prefix.
type GCS struct {
	cfg     GCSConfig
	objects objectStore
	logger  *zap.SugaredLogger
	newID   func() string
}

// NewGCS creates a Cloud Storage backed asset service.
func NewGCS(ctx context.Context, cfg GCSConfig, logger *zap.SugaredLogger) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("assets bucket is required")
	}

	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://storage.googleapis.com/" + cfg.Bucket
	}
	return newGCS(cfg, &gcsObjects{bucket: client.Bucket(cfg.Bucket), client: client}, logger), nil
}

func newGCS(cfg GCSConfig, objects objectStore, logger *zap.SugaredLogger) *GCS {
	if cfg.Folder == "" {
		cfg.Folder = "recomendaciones"
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 2 * time.Minute
	}
	if cfg.DeleteTimeout == 0 {
		cfg.DeleteTimeout = 30 * time.Second
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GCS{
		cfg:     cfg,
		objects: objects,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// Upload writes b as a new object and returns its public URL.
func (g *GCS) Upload(ctx context.Context, b Blob) (string, error) {
	if len(b.Data) == 0 {
		return "", &UploadError{Name: b.Name, Err: errors.New("empty blob")}
	}

	contentType := b.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(b.Data)
	}

	key := path.Join(uploadPrefix, g.cfg.Folder, g.newID())

	ctx, cancel := context.WithTimeout(ctx, g.cfg.UploadTimeout)
	defer cancel()

	if err := g.objects.write(ctx, key, contentType, b.Data); err != nil {
		return "", &UploadError{Name: b.Name, Err: err}
	}

	url := g.cfg.PublicBaseURL + "/" + key
	g.logger.Debugw("asset uploaded", "handle", b.Name, "url", url, "bytes", len(b.Data))
	return url, nil
}

// Delete removes the object behind url. A missing object is success.
func (g *GCS) Delete(ctx context.Context, url string) error {
	id, err := ExtractAssetID(url)
	if err != nil {
		return &DeleteError{URL: url, Err: err}
	}
	key := path.Join(uploadPrefix, id)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.DeleteTimeout)
	defer cancel()

	if err := g.objects.delete(ctx, key); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			g.logger.Debugw("asset already gone", "url", url)
			return nil
		}
		return &DeleteError{URL: url, Err: err}
	}
	return nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.objects.close()
}

type gcsObjects struct {
	bucket *storage.BucketHandle
	client *storage.Client
}

func (o *gcsObjects) write(ctx context.Context, key, contentType string, data []byte) error {
	w := o.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (o *gcsObjects) delete(ctx context.Context, key string) error {
	return o.bucket.Object(key).Delete(ctx)
}

func (o *gcsObjects) close() error {
	return o.client.Close()
}
