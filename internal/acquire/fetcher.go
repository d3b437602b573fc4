package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const userAgent = "faceset/1.0 (+https://github.com/faceset/faceset)"

// imageExtensions maps content types to file extensions for saved images.
var imageExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/bmp":  "bmp",
	"image/gif":  "gif",
}

// Fetcher downloads single images with retry, timeout, and response
// validation. It holds no per-download state and is safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	policy   RetryPolicy
	delay    DelayRange
	minBytes int64
	maxBytes int64
}

// FetcherOptions configures download behavior.
type FetcherOptions struct {
	Policy   RetryPolicy
	Delay    DelayRange
	Timeout  time.Duration
	MinBytes int64
	MaxBytes int64
}

// NewFetcher creates a fetcher with the given retry policy and bounds.
func NewFetcher(opts FetcherOptions) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		policy:   opts.Policy,
		delay:    opts.Delay,
		minBytes: opts.MinBytes,
		maxBytes: opts.MaxBytes,
	}
}

// Download fetches one image URL. It sleeps the mandatory inter-request
// delay first, then retries transient failures per the policy. Responses
// that are not images or fall outside the byte-size bounds are rejected
// without retry.
func (f *Fetcher) Download(ctx context.Context, imageURL string) ([]byte, string, error) {
	if err := f.delay.Sleep(ctx); err != nil {
		return nil, "", err
	}

	var data []byte
	var ext string

	err := f.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		data, ext, err = f.downloadOnce(ctx, imageURL)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	return data, ext, nil
}

// rejectError marks a response that failed validation; never retried.
type rejectError struct {
	reason string
}

func (e *rejectError) Error() string { return e.reason }

// IsReject reports whether the download failed validation (as opposed to a
// network failure).
func IsReject(err error) bool {
	var rejErr *rejectError
	return errors.As(err, &rejErr)
}

func (f *Fetcher) downloadOnce(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &StatusError{Code: resp.StatusCode, URL: imageURL}
	}

	contentType := resp.Header.Get("Content-Type")
	if ct, _, found := strings.Cut(contentType, ";"); found {
		contentType = ct
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", &rejectError{reason: fmt.Sprintf("not an image: content-type %q", contentType)}
	}

	limit := f.maxBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("could not read response body: %w", err)
	}

	if int64(len(data)) > limit {
		return nil, "", &rejectError{reason: fmt.Sprintf("image exceeds %d bytes", limit)}
	}
	if int64(len(data)) < f.minBytes {
		return nil, "", &rejectError{reason: fmt.Sprintf("image under %d bytes", f.minBytes)}
	}

	ext, ok := imageExtensions[contentType]
	if !ok {
		ext = "jpg"
	}

	return data, ext, nil
}
