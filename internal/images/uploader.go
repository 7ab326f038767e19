// Package images forwards product images to the image processing function,
// which stores full size and thumbnail copies.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	thumbnailMarker = "200x200"
	masterMarker    = "master"

	DefaultSeenKey = "images:uploaded"
)

var (
	ErrInvalidFunctionURL = errors.New("image function url must start with http")
	ErrUploadRejected     = errors.New("image upload rejected")
)

type UploadStatus int

const (
	StatusFailed UploadStatus = iota
	StatusUploaded
	StatusAlreadyExists
	StatusGreyscale
)

func (s UploadStatus) String() string {
	switch s {
	case StatusUploaded:
		return "uploaded"
	case StatusAlreadyExists:
		return "already_exists"
	case StatusGreyscale:
		return "greyscale"
	default:
		return "failed"
	}
}

// SetClient is the part of redis used to remember which ids were uploaded.
type SetClient interface {
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

type Config struct {
	// FunctionURL ends with the destination prefix; the product id is appended.
	// e.g. https://<app>.azurewebsites.net/api/ImageToS3?code=<code>&destination=s3://<bucket>/
	FunctionURL       string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	SeenKey           string
}

type Uploader struct {
	httpClient  *http.Client
	functionURL string
	limiter     *rate.Limiter
	seen        SetClient
	seenKey     string
	logger      *slog.Logger
}

// NewUploader validates the function url. seen may be nil, in which case
// every call reaches the function.
func NewUploader(cfg Config, seen SetClient, logger *slog.Logger) (*Uploader, error) {
	if !strings.HasPrefix(cfg.FunctionURL, "http") {
		return nil, ErrInvalidFunctionURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SeenKey == "" {
		cfg.SeenKey = DefaultSeenKey
	}

	return &Uploader{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		functionURL: cfg.FunctionURL,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		seen:        seen,
		seenKey:     cfg.SeenKey,
		logger:      logger.With("component", "images"),
	}, nil
}

// Upload asks the function to fetch imageURL and store it under id.
func (u *Uploader) Upload(ctx context.Context, imageURL, id, name string) (UploadStatus, error) {
	if u.alreadyUploaded(ctx, id) {
		return StatusAlreadyExists, nil
	}

	if err := u.limiter.Wait(ctx); err != nil {
		return StatusFailed, fmt.Errorf("rate limiter error: %w", err)
	}

	reqURL := u.functionURL + id + "&source=" + url.QueryEscape(imageURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return StatusFailed, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return StatusFailed, fmt.Errorf("failed to call image function: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusFailed, fmt.Errorf("failed to read response: %w", err)
	}

	status := ClassifyResponse(string(body))
	switch status {
	case StatusUploaded:
		u.logger.Info("new image", "id", id, "name", name)
		u.remember(ctx, id)
	case StatusAlreadyExists:
		u.remember(ctx, id)
	case StatusGreyscale:
		u.logger.Info("image is greyscale, skipping", "id", id)
	default:
		return StatusFailed, fmt.Errorf("%w: status %d: %s", ErrUploadRejected, resp.StatusCode, truncate(string(body), 200))
	}

	return status, nil
}

// ClassifyResponse maps the function's response text to a status.
func ClassifyResponse(body string) UploadStatus {
	switch {
	case strings.Contains(body, "S3 Upload of Full-Size and Thumbnail WebPs"):
		return StatusUploaded
	case strings.Contains(body, "already exists"):
		return StatusAlreadyExists
	case strings.Contains(body, "greyscale"):
		return StatusGreyscale
	default:
		return StatusFailed
	}
}

// HiResURL swaps the thumbnail marker for the master image. Urls without
// the marker are placeholders and give "".
func HiResURL(imageURL string) string {
	if !strings.Contains(imageURL, thumbnailMarker) {
		return ""
	}
	return strings.Replace(imageURL, thumbnailMarker, masterMarker, 1)
}

func (u *Uploader) alreadyUploaded(ctx context.Context, id string) bool {
	if u.seen == nil {
		return false
	}
	ok, err := u.seen.SIsMember(ctx, u.seenKey, id).Result()
	if err != nil {
		u.logger.Warn("failed to check uploaded images", "id", id, "error", err)
		return false
	}
	return ok
}

func (u *Uploader) remember(ctx context.Context, id string) {
	if u.seen == nil {
		return
	}
	if err := u.seen.SAdd(ctx, u.seenKey, id).Err(); err != nil {
		u.logger.Warn("failed to record uploaded image", "id", id, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
