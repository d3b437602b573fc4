// Package identity resolves a subject name to a canonical identity record
// using a TMDb-style metadata API. Ambiguous names are resolved with a
// scoring heuristic that prefers popular, well-documented people from the
// configured locale.
package identity

import (
	"context"
	"errors"
)

// ErrNotFound indicates the metadata lookup returned no usable match.
// The pipeline treats this as a fatal failure.
var ErrNotFound = errors.New("identity not found")

// Record is the canonical identity of a subject. Created once per run and
// immutable afterwards.
type Record struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	PortraitURL string   `json:"portrait_url"`
	GalleryURLs []string `json:"gallery_urls"`
	LocaleTags  []string `json:"locale_tags"`
	Popularity  float64  `json:"popularity"`
	Credits     int      `json:"credits"`
	LocaleMatch bool     `json:"locale_match"`
	LocaleNote  string   `json:"locale_note,omitempty"`
}

// Service looks up the canonical identity record for a subject name.
type Service interface {
	Lookup(ctx context.Context, name string) (*Record, error)
}
