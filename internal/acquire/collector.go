// Package acquire gathers raw candidate images from multiple sources.
// Sources are tried in priority order and their results merged until the
// requested minimum is reached or every source is exhausted. All network
// behavior (retry, rate limiting, timeouts, validation) lives here; the
// rest of the pipeline only ever sees files on disk.
package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

// RawImage is one downloaded candidate image. The bytes live on disk at
// Path; records are small enough to keep in memory and persist as run state.
type RawImage struct {
	ID          string    `json:"id"`
	SourceTag   string    `json:"source_tag"`
	URL         string    `json:"url"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Order       int       `json:"order"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Collector drives the source adapters and downloads their candidates.
type Collector struct {
	sources []Source
	fetcher *Fetcher
	workers int
	perSrc  int
	log     *slog.Logger
}

// CollectorOptions configures a Collector.
type CollectorOptions struct {
	Fetcher      *Fetcher
	Workers      int // concurrent downloads per source batch, default 3
	MaxPerSource int // candidate cap requested from each source
	Logger       *slog.Logger
}

// NewCollector creates a collector over the given sources, which are tried
// in the order provided (highest priority first).
func NewCollector(sources []Source, opts CollectorOptions) *Collector {
	workers := opts.Workers
	if workers <= 0 {
		workers = 3
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		sources: sources,
		fetcher: opts.Fetcher,
		workers: workers,
		perSrc:  opts.MaxPerSource,
		log:     log,
	}
}

// Collect gathers raw images into destDir until minCount images are stored
// or all sources are exhausted. Returning fewer than minCount images is not
// an error; the caller decides whether that is a partial success.
func (c *Collector) Collect(ctx context.Context, terms string, minCount int, destDir string) ([]RawImage, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raw image dir: %w", err)
	}

	var collected []RawImage
	seen := make(map[string]bool)

	for _, source := range c.sources {
		if err := ctx.Err(); err != nil {
			return collected, err
		}
		if len(collected) >= minCount {
			break
		}

		remaining := minCount - len(collected)
		limit := c.perSrc
		if limit <= 0 || remaining < limit {
			limit = remaining
		}

		candidates, err := source.Fetch(ctx, terms, limit)
		if err != nil {
			// A dead source is not fatal; the next one may deliver.
			c.log.Warn("source failed", "source", source.Name(), "error", err)
			continue
		}

		// Skip URLs already downloaded from a higher-priority source.
		fresh := candidates[:0]
		for _, cand := range candidates {
			if !seen[cand.URL] {
				seen[cand.URL] = true
				fresh = append(fresh, cand)
			}
		}

		c.log.Info("downloading candidates", "source", source.Name(), "count", len(fresh))
		images, err := c.downloadAll(ctx, fresh, destDir)
		if err != nil {
			return collected, err
		}

		for _, img := range images {
			img.Order = len(collected)
			collected = append(collected, img)
		}
	}

	c.log.Info("acquisition done", "collected", len(collected), "requested", minCount)
	return collected, nil
}

// downloadAll fetches a batch of candidates with a bounded worker pool.
// Workers never share state: each writes into its own result slot, and the
// caller merges slots sequentially after all workers are done.
func (c *Collector) downloadAll(ctx context.Context, candidates []Candidate, destDir string) ([]RawImage, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	bar := progressbar.NewOptions(len(candidates),
		progressbar.OptionSetDescription("Downloading images"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)

	type slot struct {
		image RawImage
		ok    bool
	}

	slots := make([]slot, len(candidates))
	semaphore := make(chan struct{}, c.workers)
	done := make(chan int, len(candidates))

	for i := range candidates {
		go func(idx int, cand Candidate) {
			defer func() { done <- idx }()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if ctx.Err() != nil {
				return
			}

			data, ext, err := c.fetcher.Download(ctx, cand.URL)
			if err != nil {
				if !IsReject(err) {
					c.log.Debug("download failed", "url", cand.URL, "error", err)
				}
				return
			}

			id := uuid.NewString()
			path := filepath.Join(destDir, fmt.Sprintf("%s_%s.%s", cand.SourceTag, id[:8], ext))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				c.log.Warn("could not save image", "path", path, "error", err)
				return
			}

			slots[idx] = slot{
				image: RawImage{
					ID:          id,
					SourceTag:   cand.SourceTag,
					URL:         cand.URL,
					Path:        path,
					Size:        int64(len(data)),
					RetrievedAt: time.Now().UTC(),
				},
				ok: true,
			}
		}(i, candidates[i])
	}

	for range candidates {
		<-done
		bar.Add(1) //nolint:errcheck
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Sequential merge preserves candidate order regardless of which
	// worker finished first.
	images := make([]RawImage, 0, len(candidates))
	for _, s := range slots {
		if s.ok {
			images = append(images, s.image)
		}
	}
	return images, nil
}
