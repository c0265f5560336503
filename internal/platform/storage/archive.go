package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
)

const (
	defaultUploadAttempts = 3
	defaultSignedURLTTL   = 15 * time.Minute
)

var errNoBucket = errors.New("storage: bucket name is required")

// objectBackend is the slice of Cloud Storage the archive needs.
type objectBackend interface {
	Upload(ctx context.Context, bucket, object, contentType string, body io.Reader) error
	Delete(ctx context.Context, bucket, object string) error
	SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error)
}

type gcsBackend struct {
	client *gcs.Client
}

func (b gcsBackend) Upload(ctx context.Context, bucket, object, contentType string, body io.Reader) error {
	w := b.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b gcsBackend) Delete(ctx context.Context, bucket, object string) error {
	return b.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (b gcsBackend) SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error) {
	return b.client.Bucket(bucket).SignedURL(object, opts)
}

// Archive stores rendered invoices in a single bucket and issues time-limited download links.
type Archive struct {
	backend  objectBackend
	bucket   string
	signer   Signer
	ttl      time.Duration
	attempts int
	backoff  gax.Backoff
	now      func() time.Time
}

// ArchiveOption customises an Archive.
type ArchiveOption func(*Archive)

// WithSigner signs download URLs with an explicit service account key instead of the
// credentials detected from the environment.
func WithSigner(signer Signer) ArchiveOption {
	return func(a *Archive) { a.signer = signer }
}

// WithSignedURLTTL overrides how long download URLs remain valid.
func WithSignedURLTTL(ttl time.Duration) ArchiveOption {
	return func(a *Archive) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithUploadRetry sets the number of upload attempts and the pause between them.
func WithUploadRetry(attempts int, backoff gax.Backoff) ArchiveOption {
	return func(a *Archive) {
		if attempts > 0 {
			a.attempts = attempts
		}
		a.backoff = backoff
	}
}

// WithArchiveClock injects the time source used for URL expiry.
func WithArchiveClock(clock func() time.Time) ArchiveOption {
	return func(a *Archive) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewArchive wraps a Cloud Storage client for the invoice bucket.
func NewArchive(client *gcs.Client, bucket string, opts ...ArchiveOption) (*Archive, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newArchive(gcsBackend{client: client}, bucket, opts...)
}

func newArchive(backend objectBackend, bucket string, opts ...ArchiveOption) (*Archive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errNoBucket
	}
	a := &Archive{
		backend:  backend,
		bucket:   bucket,
		ttl:      defaultSignedURLTTL,
		attempts: defaultUploadAttempts,
		backoff:  gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Bucket returns the archive bucket name.
func (a *Archive) Bucket() string { return a.bucket }

// PutFile uploads the local file at path to object. Transient backend errors are retried.
func (a *Archive) PutFile(ctx context.Context, object, path, contentType string) error {
	if strings.TrimSpace(object) == "" {
		return errors.New("storage: object name is required")
	}
	backoff := a.backoff
	var lastErr error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		lastErr = a.putOnce(ctx, object, path, contentType)
		if lastErr == nil || !isTransient(lastErr) || attempt == a.attempts {
			break
		}
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("storage: upload %s: %w", object, lastErr)
	}
	return nil
}

func (a *Archive) putOnce(ctx context.Context, object, path, contentType string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return a.backend.Upload(ctx, a.bucket, object, contentType, file)
}

// Delete removes object; a missing object is not an error.
func (a *Archive) Delete(ctx context.Context, object string) error {
	err := a.backend.Delete(ctx, a.bucket, object)
	if err == nil || errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return fmt.Errorf("storage: delete %s: %w", object, err)
}

// DownloadURL returns a V4 signed GET URL for object and its expiry.
func (a *Archive) DownloadURL(ctx context.Context, object string) (string, time.Time, error) {
	expires := a.now().Add(a.ttl)
	opts := &gcs.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: expires,
		Scheme:  gcs.SigningSchemeV4,
	}
	var (
		url string
		err error
	)
	if a.signer != nil {
		opts.GoogleAccessID = a.signer.Email()
		opts.SignBytes = func(payload []byte) ([]byte, error) { return a.signer.SignBytes(ctx, payload) }
		url, err = gcs.SignedURL(a.bucket, object, opts)
	} else {
		url, err = a.backend.SignedURL(a.bucket, object, opts)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign %s: %w", object, err)
	}
	return url, expires, nil
}

func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
