// Package imgsource resolves image URLs to bytes. It knows about http(s)://,
// gs:// and file:// URLs as well as bare local paths.
package imgsource

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"go.skia.org/rebaseline/go/gcs"
	"go.skia.org/rebaseline/go/httputils"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
)

const (
	// MAX_URI_GET_TRIES is the number of tries we do to load an image from GCS.
	MAX_URI_GET_TRIES = 4

	// DEFAULT_GCS_RETRY_DELAY is how long to wait between GCS attempts.
	DEFAULT_GCS_RETRY_DELAY = 2 * time.Second
)

// ImageSource fetches the raw bytes of an image.
type ImageSource interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// GCSClientFactory returns a client for the named bucket.
type GCSClientFactory func(bucket string) (gcs.GCSClient, error)

// URLSource is the ImageSource used in production.
type URLSource struct {
	httpClient *http.Client
	gcsFactory GCSClientFactory
	retryDelay time.Duration

	mtx        sync.Mutex
	gcsClients map[string]gcs.GCSClient
}

// New returns a URLSource. If httpClient is nil a retrying, 2xx-only client
// is used. gcsFactory may be nil, in which case gs:// URLs fail.
func New(httpClient *http.Client, gcsFactory GCSClientFactory) *URLSource {
	if httpClient == nil {
		httpClient = httputils.DefaultClientConfig().With2xxOnly().Client()
	}
	return &URLSource{
		httpClient: httpClient,
		gcsFactory: gcsFactory,
		retryDelay: DEFAULT_GCS_RETRY_DELAY,
		gcsClients: map[string]gcs.GCSClient{},
	}
}

// Fetch implements the ImageSource interface.
func (s *URLSource) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var b []byte
	var err error
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		b, err = s.fetchHTTP(ctx, rawURL)
	case strings.HasPrefix(rawURL, "gs://"):
		b, err = s.fetchGCS(ctx, rawURL)
	case strings.HasPrefix(rawURL, "file://"):
		u, parseErr := url.Parse(rawURL)
		if parseErr != nil {
			return nil, skerr.Wrapf(parseErr, "parsing %q", rawURL)
		}
		b, err = os.ReadFile(u.Path)
	default:
		b, err = os.ReadFile(rawURL)
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching %s", rawURL)
	}
	sklog.Debugf("Fetched %s from %s", humanize.Bytes(uint64(len(b))), rawURL)
	return b, nil
}

func (s *URLSource) fetchHTTP(ctx context.Context, u string) ([]byte, error) {
	resp, err := httputils.GetWithContext(ctx, s.httpClient, u)
	if err != nil {
		return nil, err
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, skerr.Fmt("GET %s returned status %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *URLSource) gcsClient(bucket string) (gcs.GCSClient, error) {
	if s.gcsFactory == nil {
		return nil, skerr.Fmt("no GCS client configured, cannot read from bucket %s", bucket)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if c, ok := s.gcsClients[bucket]; ok {
		return c, nil
	}
	c, err := s.gcsFactory(bucket)
	if err != nil {
		return nil, skerr.Wrapf(err, "creating client for bucket %s", bucket)
	}
	s.gcsClients[bucket] = c
	return c, nil
}

// fetchGCS downloads the object and verifies its MD5 against the object
// attributes, retrying a few times on failure.
func (s *URLSource) fetchGCS(ctx context.Context, gsURL string) ([]byte, error) {
	bucket, objLocation, err := gcs.SplitGSPath(gsURL)
	if err != nil {
		return nil, err
	}
	client, err := s.gcsClient(bucket)
	if err != nil {
		return nil, err
	}
	attrs, err := client.GetFileObjectAttrs(ctx, objLocation)
	if err != nil {
		return nil, skerr.Wrapf(err, "Unable to retrieve attributes for %s", gsURL)
	}

	var buf *bytes.Buffer
	for i := 0; i < MAX_URI_GET_TRIES; i++ {
		if i > 0 {
			sklog.Infof("after error, sleeping %s before GCS fetch for %s", s.retryDelay, gsURL)
			select {
			case <-ctx.Done():
				return nil, skerr.Wrap(ctx.Err())
			case <-time.After(s.retryDelay):
			}
		}
		err = func() error {
			reader, err := client.FileReader(ctx, objLocation)
			if err != nil {
				return skerr.Wrapf(err, "New reader failed for %s", gsURL)
			}
			defer util.Close(reader)

			buf = bytes.NewBuffer(make([]byte, 0, attrs.Size))
			md5Hash := md5.New()
			if _, err = io.Copy(io.MultiWriter(md5Hash, buf), reader); err != nil {
				return skerr.Wrap(err)
			}
			if len(attrs.MD5) > 0 {
				if hashBytes := md5Hash.Sum(nil); !bytes.Equal(hashBytes, attrs.MD5) {
					return skerr.Fmt("MD5 hash for %s incorrect: computed hash is %s", gsURL, hex.EncodeToString(hashBytes))
				}
			}
			return nil
		}()
		if err == nil {
			break
		}
		sklog.Errorf("Error fetching %s: %s", gsURL, err)
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "failed fetching %s after %d attempts", gsURL, MAX_URI_GET_TRIES)
	}
	return buf.Bytes(), nil
}

var _ ImageSource = (*URLSource)(nil)
