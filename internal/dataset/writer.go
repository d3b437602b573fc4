// Package dataset persists the final, verified face collection to disk.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/faceset/faceset/internal/verify"
)

const (
	metadataFile  = "metadata.json"
	referenceFile = "reference_embedding.json"
)

// SimilarityStats summarizes verification scores over the persisted images.
type SimilarityStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Metadata is written alongside the images as metadata.json.
type Metadata struct {
	Subject         string           `json:"subject"`
	CanonicalName   string           `json:"canonical_name"`
	TotalImages     int              `json:"total_images"`
	Verified        bool             `json:"verified"`
	CreatedAt       time.Time        `json:"created_at"`
	SimilarityStats *SimilarityStats `json:"similarity_stats,omitempty"`
	Sources         map[string]int   `json:"sources,omitempty"`
}

// Options control dataset output.
type Options struct {
	ImageSize   int // output images are square, ImageSize x ImageSize
	JPEGQuality int
	Limit       int // maximum images to persist; 0 means no limit
}

// Result reports what was persisted.
type Result struct {
	Dir      string
	Count    int
	Metadata Metadata
}

// Writer normalizes selected face crops and writes them with metadata.
type Writer struct {
	opts Options
	log  *slog.Logger
}

// NewWriter creates a dataset writer.
func NewWriter(opts Options, log *slog.Logger) *Writer {
	if opts.ImageSize <= 0 {
		opts.ImageSize = 256
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 95
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{opts: opts, log: log}
}

// Write persists the entries into destDir as numbered JPEGs plus metadata.
// Entries are ordered best-first by their stored verification score; when
// verification was skipped the acquisition order is kept instead. Scores
// are never recomputed here, so writing is a pure function of its inputs.
func (w *Writer) Write(destDir, subject, canonicalName string, entries []verify.Scored, reference []float32) (*Result, error) {
	selected := orderEntries(entries)
	if w.opts.Limit > 0 && len(selected) > w.opts.Limit {
		selected = selected[:w.opts.Limit]
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}

	sources := make(map[string]int)
	for i, entry := range selected {
		name := fmt.Sprintf("%05d.jpg", i+1)
		if err := w.writeNormalized(entry.CropPath, filepath.Join(destDir, name)); err != nil {
			return nil, err
		}
		if entry.SourceTag != "" {
			sources[entry.SourceTag]++
		}
	}

	meta := Metadata{
		Subject:         subject,
		CanonicalName:   canonicalName,
		TotalImages:     len(selected),
		Verified:        hasScores(selected),
		CreatedAt:       time.Now().UTC(),
		SimilarityStats: computeStats(selected),
	}
	if len(sources) > 0 {
		meta.Sources = sources
	}

	if err := writeJSON(filepath.Join(destDir, metadataFile), meta); err != nil {
		return nil, err
	}

	if len(reference) > 0 {
		ref := map[string]any{"embedding": reference, "dim": len(reference)}
		if err := writeJSON(filepath.Join(destDir, referenceFile), ref); err != nil {
			return nil, err
		}
	}

	w.log.Info("dataset written", "dir", destDir, "images", len(selected))

	return &Result{Dir: destDir, Count: len(selected), Metadata: meta}, nil
}

// orderEntries returns a best-first copy of the entries without mutating
// the input.
func orderEntries(entries []verify.Scored) []verify.Scored {
	out := make([]verify.Scored, len(entries))
	copy(out, entries)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Similarity != nil && b.Similarity != nil && *a.Similarity != *b.Similarity {
			return *a.Similarity > *b.Similarity
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
	return out
}

func hasScores(entries []verify.Scored) bool {
	for _, e := range entries {
		if e.Similarity == nil {
			return false
		}
	}
	return len(entries) > 0
}

// computeStats returns nil when any entry lacks a score.
func computeStats(entries []verify.Scored) *SimilarityStats {
	if !hasScores(entries) {
		return nil
	}

	stats := SimilarityStats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, e := range entries {
		s := *e.Similarity
		stats.Min = math.Min(stats.Min, s)
		stats.Max = math.Max(stats.Max, s)
		stats.Mean += s
	}
	stats.Mean /= float64(len(entries))

	var variance float64
	for _, e := range entries {
		d := *e.Similarity - stats.Mean
		variance += d * d
	}
	stats.Std = math.Sqrt(variance / float64(len(entries)))

	return &stats
}

// writeNormalized decodes a crop, scales it to the output square, and
// encodes it as JPEG at the configured quality.
func (w *Writer) writeNormalized(srcPath, dstPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read crop %s: %w", srcPath, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode crop %s: %w", srcPath, err)
	}

	size := w.opts.ImageSize
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: w.opts.JPEGQuality}); err != nil {
		return fmt.Errorf("encode %s: %w", dstPath, err)
	}
	if err := os.WriteFile(dstPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dstPath, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
