// Package extract turns raw candidate images into validated face crops.
// Validation is deliberately strict: the dataset is better off losing a
// usable image than keeping a face that belongs to someone else.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/faceset/faceset/internal/acquire"
	"github.com/faceset/faceset/internal/facemodel"
)

// Reason is why a raw image or a detected face was rejected.
type Reason string

const (
	ReasonUnreadable    Reason = "unreadable"
	ReasonNoFace        Reason = "no_face"
	ReasonLowConfidence Reason = "low_confidence"
	ReasonTooSmall      Reason = "too_small"
	ReasonTooManyFaces  Reason = "too_many_faces"
)

// Candidate is a validated, cropped face ready for verification.
type Candidate struct {
	ID         string     `json:"id"`
	ParentID   string     `json:"parent_id"`
	ParentPath string     `json:"parent_path"`
	SourceTag  string     `json:"source_tag"`
	Order      int        `json:"order"` // acquisition order of the parent image
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	CropPath   string     `json:"crop_path"`
	CropArea   int        `json:"crop_area"`
	Embedding  []float32  `json:"embedding,omitempty"`
}

// Stats aggregates per-candidate validation outcomes for the stage summary.
type Stats struct {
	Processed  int            `json:"processed"`
	Accepted   int            `json:"accepted"`
	Rejections map[Reason]int `json:"rejections"`
}

// Options are the validation rules. All thresholds come from policy config.
type Options struct {
	ConfidenceThreshold float64
	MinFaceSize         int
	MaxFacesPerImage    int
	CropPadding         float64
	JPEGQuality         int
	Workers             int
}

// Extractor detects, validates, and crops faces using the face model service.
type Extractor struct {
	svc  facemodel.Service
	opts Options
	log  *slog.Logger
}

// New creates an extractor.
func New(svc facemodel.Service, opts Options, log *slog.Logger) *Extractor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 95
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{svc: svc, opts: opts, log: log}
}

// Extract validates one raw image and returns its accepted face crops plus
// the reject reasons for everything that was filtered out. An image-level
// rejection (unreadable, no face, too many faces) yields zero candidates.
func (e *Extractor) Extract(ctx context.Context, raw acquire.RawImage, facesDir string) ([]Candidate, []Reason, error) {
	data, err := os.ReadFile(raw.Path)
	if err != nil {
		return nil, []Reason{ReasonUnreadable}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, []Reason{ReasonUnreadable}, nil
	}

	detections, err := e.svc.Detect(ctx, data)
	if err != nil {
		return nil, nil, fmt.Errorf("detect faces in %s: %w", filepath.Base(raw.Path), err)
	}

	if len(detections) == 0 {
		return nil, []Reason{ReasonNoFace}, nil
	}

	// Ambiguous multi-subject images are discarded wholesale rather than
	// disambiguated; attribution across many faces is not reliable.
	if len(detections) > e.opts.MaxFacesPerImage {
		return nil, []Reason{ReasonTooManyFaces}, nil
	}

	// Most confident face first so crop numbering is stable.
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	var candidates []Candidate
	var rejects []Reason

	for idx, det := range detections {
		if det.Confidence < e.opts.ConfidenceThreshold {
			rejects = append(rejects, ReasonLowConfidence)
			continue
		}
		if math.Min(det.Width(), det.Height()) < float64(e.opts.MinFaceSize) {
			rejects = append(rejects, ReasonTooSmall)
			continue
		}

		rect := paddedRect(det.BBox, e.opts.CropPadding, img.Bounds())
		crop := cropImage(img, rect)

		cropPath := filepath.Join(facesDir, fmt.Sprintf("%s_face_%d.jpg", raw.ID, idx))
		if err := saveJPEG(crop, cropPath, e.opts.JPEGQuality); err != nil {
			return nil, nil, fmt.Errorf("save face crop: %w", err)
		}

		candidates = append(candidates, Candidate{
			ID:         fmt.Sprintf("%s_%d", raw.ID, idx),
			ParentID:   raw.ID,
			ParentPath: raw.Path,
			SourceTag:  raw.SourceTag,
			Order:      raw.Order,
			BBox:       det.BBox,
			Confidence: det.Confidence,
			CropPath:   cropPath,
			CropArea:   rect.Dx() * rect.Dy(),
			Embedding:  det.Embedding,
		})
	}

	return candidates, rejects, nil
}

// ExtractAll processes raw images with a bounded worker pool. Per-image work
// is independent; each worker writes only its own result slot, and the
// merge happens sequentially after all workers finish.
func (e *Extractor) ExtractAll(ctx context.Context, raws []acquire.RawImage, facesDir string) ([]Candidate, Stats, error) {
	stats := Stats{Rejections: make(map[Reason]int)}

	if err := os.MkdirAll(facesDir, 0o755); err != nil {
		return nil, stats, fmt.Errorf("create faces dir: %w", err)
	}

	type slot struct {
		candidates []Candidate
		rejects    []Reason
		err        error
	}

	slots := make([]slot, len(raws))
	semaphore := make(chan struct{}, e.opts.Workers)
	var wg sync.WaitGroup

	for i := range raws {
		wg.Add(1)
		go func(idx int, raw acquire.RawImage) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if ctx.Err() != nil {
				slots[idx] = slot{err: ctx.Err()}
				return
			}

			candidates, rejects, err := e.Extract(ctx, raw, facesDir)
			slots[idx] = slot{candidates: candidates, rejects: rejects, err: err}
		}(i, raws[i])
	}

	wg.Wait()

	var all []Candidate
	for i, s := range slots {
		if s.err != nil {
			// A model failure for one image should not sink the stage;
			// count it and move on. Cancellation does abort.
			if ctx.Err() != nil {
				return nil, stats, ctx.Err()
			}
			e.log.Warn("extraction failed", "image", raws[i].Path, "error", s.err)
			stats.Rejections[ReasonUnreadable]++
			stats.Processed++
			continue
		}

		stats.Processed++
		stats.Accepted += len(s.candidates)
		for _, r := range s.rejects {
			stats.Rejections[r]++
		}
		all = append(all, s.candidates...)
	}

	e.log.Info("face extraction done",
		"images", stats.Processed,
		"faces", stats.Accepted,
		"rejections", len(raws)-stats.Accepted,
	)

	return all, stats, nil
}

// paddedRect expands a detection box by the padding fraction on each side
// and clips it to the image bounds.
func paddedRect(bbox [4]float64, padding float64, bounds image.Rectangle) image.Rectangle {
	width := bbox[2] - bbox[0]
	height := bbox[3] - bbox[1]
	padX := width * padding
	padY := height * padding

	rect := image.Rect(
		int(math.Floor(bbox[0]-padX)),
		int(math.Floor(bbox[1]-padY)),
		int(math.Ceil(bbox[2]+padX)),
		int(math.Ceil(bbox[3]+padY)),
	)
	return rect.Intersect(bounds)
}

// cropImage copies the rectangle out of the source image.
func cropImage(src image.Image, rect image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	return dst
}

// saveJPEG encodes the image and writes it to path.
func saveJPEG(img image.Image, path string, quality int) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
