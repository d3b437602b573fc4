// Package verify scores face candidates against a reference embedding.
package verify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/faceset/faceset/internal/extract"
	"github.com/faceset/faceset/internal/facemodel"
)

// ErrReferenceUnavailable means no usable face could be found in the
// reference image, so identity verification cannot run at all.
var ErrReferenceUnavailable = errors.New("no usable face in reference image")

// EmbeddingCache stores computed face embeddings keyed by crop content.
// A nil cache means every embedding is computed fresh.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Put(ctx context.Context, key string, embedding []float32) error
}

// Scored is a candidate annotated with its verification outcome. Similarity
// is nil when verification was skipped for the run.
type Scored struct {
	extract.Candidate
	Similarity *float64 `json:"similarity,omitempty"`
	Accepted   bool     `json:"accepted"`
}

// Options control the verification pass.
type Options struct {
	SimilarityThreshold float64
	Workers             int
}

// Verifier compares candidate embeddings to a reference embedding.
type Verifier struct {
	svc   facemodel.Service
	cache EmbeddingCache
	opts  Options
	log   *slog.Logger

	reference []float32
}

// New creates a verifier. The cache may be nil.
func New(svc facemodel.Service, cache EmbeddingCache, opts Options, log *slog.Logger) *Verifier {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{svc: svc, cache: cache, opts: opts, log: log}
}

// SetReference computes and stores the reference embedding from the given
// portrait image. Returns ErrReferenceUnavailable when the image holds no
// detectable face.
func (v *Verifier) SetReference(ctx context.Context, imagePath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read reference image: %w", err)
	}

	embedding, err := v.svc.Embed(ctx, data)
	if err != nil {
		if errors.Is(err, facemodel.ErrNoFace) {
			return fmt.Errorf("%w: %s", ErrReferenceUnavailable, imagePath)
		}
		return fmt.Errorf("embed reference image: %w", err)
	}

	v.reference = embedding
	return nil
}

// Reference returns the stored reference embedding, or nil if none is set.
func (v *Verifier) Reference() []float32 {
	return v.reference
}

// SetReferenceEmbedding restores a previously computed reference embedding,
// used when resuming a run past the verification stage.
func (v *Verifier) SetReferenceEmbedding(embedding []float32) {
	v.reference = embedding
}

// Verify scores every candidate against the reference. Candidates at or
// above the threshold are accepted; the rest are kept with their score for
// reporting but marked rejected. SetReference must have been called first.
func (v *Verifier) Verify(ctx context.Context, candidates []extract.Candidate) ([]Scored, error) {
	if v.reference == nil {
		return nil, ErrReferenceUnavailable
	}

	scored := make([]Scored, len(candidates))
	semaphore := make(chan struct{}, v.opts.Workers)
	var wg sync.WaitGroup
	errs := make([]error, len(candidates))

	for i := range candidates {
		wg.Add(1)
		go func(idx int, cand extract.Candidate) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if ctx.Err() != nil {
				errs[idx] = ctx.Err()
				return
			}

			embedding, err := v.candidateEmbedding(ctx, cand)
			if err != nil {
				errs[idx] = err
				return
			}

			similarity := CosineSimilarity(v.reference, embedding)
			scored[idx] = Scored{
				Candidate:  cand,
				Similarity: &similarity,
				Accepted:   similarity >= v.opts.SimilarityThreshold,
			}
		}(i, candidates[i])
	}

	wg.Wait()

	var out []Scored
	accepted := 0
	for i := range scored {
		if errs[i] != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// One candidate failing to embed is not fatal to the run.
			v.log.Warn("verification failed for candidate",
				"candidate", candidates[i].ID, "error", errs[i])
			continue
		}
		if scored[i].Accepted {
			accepted++
		}
		out = append(out, scored[i])
	}

	v.log.Info("verification done",
		"candidates", len(candidates),
		"accepted", accepted,
		"threshold", v.opts.SimilarityThreshold,
	)

	return out, nil
}

// Skip marks all candidates as accepted without scoring them. Used when
// verification is disabled for the run.
func Skip(candidates []extract.Candidate) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Candidate: c, Accepted: true}
	}
	return out
}

// candidateEmbedding prefers the embedding already produced at detection
// time, then the cache, then a fresh model call.
func (v *Verifier) candidateEmbedding(ctx context.Context, cand extract.Candidate) ([]float32, error) {
	if len(cand.Embedding) > 0 {
		return cand.Embedding, nil
	}

	data, err := os.ReadFile(cand.CropPath)
	if err != nil {
		return nil, fmt.Errorf("read face crop: %w", err)
	}

	key := CacheKey(data)
	if v.cache != nil {
		if embedding, ok, err := v.cache.Get(ctx, key); err != nil {
			v.log.Warn("embedding cache read failed", "error", err)
		} else if ok {
			return embedding, nil
		}
	}

	embedding, err := v.svc.Embed(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("embed face crop: %w", err)
	}

	if v.cache != nil {
		if err := v.cache.Put(ctx, key, embedding); err != nil {
			v.log.Warn("embedding cache write failed", "error", err)
		}
	}

	return embedding, nil
}

// CacheKey derives a stable cache key from crop content, so identical crops
// hit the cache across runs regardless of file names.
func CacheKey(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// CosineSimilarity returns the cosine of the angle between two vectors.
// Mismatched or zero-length vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
