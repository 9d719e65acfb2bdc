package gcs

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.skia.org/rebaseline/go/skerr"
)

// GCSClient is an interface for interacting with Google Cloud Storage (GCS). Introducing
// the interface allows for easier mocking and testing for unit (small) tests.
// The bucket name is given at creation time, so as to simplify the method signatures.
type GCSClient interface {
	// FileReader returns an io.ReadCloser pointing to path on GCS, using the provided
	// context. storage.ErrObjectNotExist will be returned if the file is not found.
	// The caller must call Close on the returned Reader when done reading.
	FileReader(ctx context.Context, path string) (io.ReadCloser, error)
	// GetFileObjectAttrs returns the attributes of the object at path, including
	// its size and MD5 hash.
	GetFileObjectAttrs(ctx context.Context, path string) (*storage.ObjectAttrs, error)
	// Bucket() returns the bucket name of this client
	Bucket() string
}

// gcsclient holds the information needed to talk to cloud storage.
type gcsclient struct {
	client *storage.Client
	bucket string
}

// NewGCSClient returns a GCSClient. See the interface for more information.
func NewGCSClient(s *storage.Client, bucket string) GCSClient {
	return &gcsclient{
		client: s,
		bucket: bucket,
	}
}

// See the GCSClient interface for more information about FileReader.
func (g *gcsclient) FileReader(ctx context.Context, path string) (io.ReadCloser, error) {
	return g.client.Bucket(g.bucket).Object(path).NewReader(ctx)
}

// See the GCSClient interface for more information about GetFileObjectAttrs.
func (g *gcsclient) GetFileObjectAttrs(ctx context.Context, path string) (*storage.ObjectAttrs, error) {
	return g.client.Bucket(g.bucket).Object(path).Attrs(ctx)
}

// See the GCSClient interface for more information about Bucket.
func (g *gcsclient) Bucket() string {
	return g.bucket
}

// SplitGSPath splits "gs://bucket/some/path" into ("bucket", "some/path").
func SplitGSPath(gsURL string) (string, string, error) {
	trimmed := strings.TrimPrefix(gsURL, "gs://")
	if trimmed == gsURL {
		return "", "", skerr.Fmt("%q is not a gs:// URL", gsURL)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", skerr.Fmt("%q does not name an object in a bucket", gsURL)
	}
	return parts[0], parts[1], nil
}

// PUBLIC_HTTP_HOST serves GCS objects over HTTPS to authenticated browsers.
const PUBLIC_HTTP_HOST = "https://storage.cloud.google.com"

// HTTPURL rewrites a gs://bucket/path URL to the HTTPS URL a browser can
// fetch. Other URLs are returned unchanged.
func HTTPURL(u string) string {
	if !strings.HasPrefix(u, "gs://") {
		return u
	}
	return PUBLIC_HTTP_HOST + "/" + strings.TrimPrefix(u, "gs://")
}
