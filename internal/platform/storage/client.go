package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultUploadExpiry   = 15 * time.Minute
	defaultDownloadExpiry = 5 * time.Minute
	maxExpiry             = 7 * 24 * time.Hour
)

var (
	errNoSigner           = errors.New("storage: signer is required")
	errInvalidBucket      = errors.New("storage: bucket name is required")
	errInvalidObject      = errors.New("storage: object name is required")
	errContentTypeMissing = errors.New("storage: content type is required for uploads")
	// ErrContentTypeDenied is returned when an upload content type is not on the allow list.
	ErrContentTypeDenied = errors.New("storage: content type not allowed")
	errExpiryTooLong      = errors.New("storage: expiry exceeds permitted maximum")
)

// Client issues V4 signed URLs for instruction images.
type Client struct {
	signer Signer
	now    func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs a Client backed by signer.
func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	c := &Client{signer: signer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// UploadOptions describe a signed PUT.
type UploadOptions struct {
	ContentType         string
	AllowedContentTypes []string
	MaxSize             int64
	ExpiresIn           time.Duration
}

// SignedURL is an issued URL with the headers the caller must send with it.
type SignedURL struct {
	URL       string
	Method    string
	ExpiresAt time.Time
	Headers   map[string]string
}

// UploadURL signs a PUT for object. A positive MaxSize is enforced by Cloud Storage through the
// x-goog-content-length-range header.
func (c *Client) UploadURL(ctx context.Context, bucket, object string, opts UploadOptions) (SignedURL, error) {
	bucket, object, err := c.validate(bucket, object)
	if err != nil {
		return SignedURL{}, err
	}
	contentType := strings.ToLower(strings.TrimSpace(opts.ContentType))
	if contentType == "" {
		return SignedURL{}, errContentTypeMissing
	}
	if len(opts.AllowedContentTypes) > 0 && !contentTypeAllowed(contentType, opts.AllowedContentTypes) {
		return SignedURL{}, ErrContentTypeDenied
	}
	expiry, err := expiryOrDefault(opts.ExpiresIn, defaultUploadExpiry)
	if err != nil {
		return SignedURL{}, err
	}

	headers := map[string]string{"Content-Type": contentType}
	var extHeaders []string
	if opts.MaxSize > 0 {
		rangeValue := fmt.Sprintf("0,%d", opts.MaxSize)
		headers["x-goog-content-length-range"] = rangeValue
		extHeaders = append(extHeaders, "x-goog-content-length-range:"+rangeValue)
	}

	expiresAt := c.now().Add(expiry)
	signed, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         storage.SigningSchemeV4,
		Method:         "PUT",
		ContentType:    contentType,
		Headers:        extHeaders,
		Expires:        expiresAt,
		SignBytes:      c.signBytes(ctx),
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign upload url: %w", err)
	}
	return SignedURL{URL: signed, Method: "PUT", ExpiresAt: expiresAt, Headers: headers}, nil
}

// DownloadURL signs a GET for object.
func (c *Client) DownloadURL(ctx context.Context, bucket, object string, expiresIn time.Duration) (SignedURL, error) {
	bucket, object, err := c.validate(bucket, object)
	if err != nil {
		return SignedURL{}, err
	}
	expiry, err := expiryOrDefault(expiresIn, defaultDownloadExpiry)
	if err != nil {
		return SignedURL{}, err
	}
	expiresAt := c.now().Add(expiry)
	signed, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
		GoogleAccessID:  c.signer.Email(),
		Scheme:          storage.SigningSchemeV4,
		Method:          "GET",
		Expires:         expiresAt,
		SignBytes:       c.signBytes(ctx),
		QueryParameters: url.Values{"response-cache-control": {"private, max-age=300"}},
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: signed, Method: "GET", ExpiresAt: expiresAt}, nil
}

func (c *Client) validate(bucket, object string) (string, string, error) {
	if c == nil || c.signer == nil {
		return "", "", errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return "", "", errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return "", "", errInvalidObject
	}
	return bucket, object, nil
}

func (c *Client) signBytes(ctx context.Context) func([]byte) ([]byte, error) {
	return func(payload []byte) ([]byte, error) {
		return c.signer.SignBytes(ctx, payload)
	}
}

func expiryOrDefault(d, fallback time.Duration) (time.Duration, error) {
	if d <= 0 {
		return fallback, nil
	}
	if d > maxExpiry {
		return 0, errExpiryTooLong
	}
	return d, nil
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		switch {
		case candidate == "*" || candidate == contentType:
			return true
		case strings.HasSuffix(candidate, "/*") && strings.HasPrefix(contentType, strings.TrimSuffix(candidate, "*")):
			return true
		}
	}
	return false
}
