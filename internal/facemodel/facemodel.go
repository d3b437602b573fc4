// Package facemodel talks to the face embedding server. The server wraps an
// InsightFace model behind a small HTTP API: one endpoint detects faces and
// returns their bounding boxes, detection scores, and embeddings.
package facemodel

import "context"

// Detection is a single face found in an image. BBox is [x1, y1, x2, y2]
// in pixel coordinates of the submitted image.
type Detection struct {
	BBox       [4]float64
	Confidence float64
	Embedding  []float32
}

// Width returns the pixel width of the detection box.
func (d Detection) Width() float64 { return d.BBox[2] - d.BBox[0] }

// Height returns the pixel height of the detection box.
func (d Detection) Height() float64 { return d.BBox[3] - d.BBox[1] }

// Service is the face model capability consumed by the pipeline.
//
// Implementations must be safe for concurrent use; the HTTP client is
// stateless between calls, and the pipeline additionally bounds in-flight
// requests with a worker pool.
type Service interface {
	// Detect returns all faces found in the image, or an empty slice if
	// the image contains no detectable face.
	Detect(ctx context.Context, image []byte) ([]Detection, error)

	// Embed computes the identity embedding for a cropped face image.
	// Returns an error if no face is detectable in the crop.
	Embed(ctx context.Context, faceCrop []byte) ([]float32, error)
}
