package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Candidate is an image URL offered by a source, before download.
type Candidate struct {
	URL       string
	SourceTag string
}

// Source is a named image source adapter. Sources only produce candidate
// URLs; downloading, rate limiting, and validation are the collector's job.
type Source interface {
	Name() string
	Fetch(ctx context.Context, terms string, limit int) ([]Candidate, error)
}

// GallerySource serves the portrait gallery attached to the identity
// record. It is the highest-priority source: these images are curated and
// almost always show the right person.
type GallerySource struct {
	urls []string
}

// NewGallerySource creates a source from the identity record's gallery URLs.
func NewGallerySource(urls []string) *GallerySource {
	return &GallerySource{urls: urls}
}

func (s *GallerySource) Name() string { return "gallery" }

func (s *GallerySource) Fetch(_ context.Context, _ string, limit int) ([]Candidate, error) {
	urls := s.urls
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}
	candidates := make([]Candidate, 0, len(urls))
	for _, u := range urls {
		candidates = append(candidates, Candidate{URL: u, SourceTag: s.Name()})
	}
	return candidates, nil
}

// OpenverseSource queries the Openverse image search API. The API is keyless
// and returns JSON, which makes it a reliable general web image source.
type OpenverseSource struct {
	baseURL string
	client  *http.Client
}

// NewOpenverseSource creates an Openverse search source. An empty baseURL
// falls back to the public API.
func NewOpenverseSource(baseURL string) *OpenverseSource {
	if baseURL == "" {
		baseURL = "https://api.openverse.org"
	}
	return &OpenverseSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *OpenverseSource) Name() string { return "openverse" }

type openverseResponse struct {
	Results []struct {
		URL string `json:"url"`
	} `json:"results"`
}

func (s *OpenverseSource) Fetch(ctx context.Context, terms string, limit int) ([]Candidate, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	params := url.Values{}
	params.Set("q", terms)
	params.Set("page_size", strconv.Itoa(min(limit, 200)))

	var resp openverseResponse
	if err := getJSON(ctx, s.client, s.baseURL+"/v1/images/?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("openverse search: %w", err)
	}

	candidates := make([]Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		candidates = append(candidates, Candidate{URL: r.URL, SourceTag: s.Name()})
		if len(candidates) >= limit {
			break
		}
	}
	return candidates, nil
}

// SearxSource queries a SearXNG instance with JSON output enabled. Which
// instance to use is deployment configuration; there is no usable default.
type SearxSource struct {
	baseURL string
	client  *http.Client
}

// NewSearxSource creates a SearXNG image search source.
func NewSearxSource(baseURL string) *SearxSource {
	return &SearxSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SearxSource) Name() string { return "searx" }

type searxResponse struct {
	Results []struct {
		ImgSrc string `json:"img_src"`
	} `json:"results"`
}

func (s *SearxSource) Fetch(ctx context.Context, terms string, limit int) ([]Candidate, error) {
	params := url.Values{}
	params.Set("q", terms)
	params.Set("categories", "images")
	params.Set("format", "json")

	var resp searxResponse
	if err := getJSON(ctx, s.client, s.baseURL+"/search?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("searx search: %w", err)
	}

	candidates := make([]Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.ImgSrc == "" {
			continue
		}
		candidates = append(candidates, Candidate{URL: r.ImgSrc, SourceTag: s.Name()})
		if limit > 0 && len(candidates) >= limit {
			break
		}
	}
	return candidates, nil
}

// getJSON performs a GET request and decodes the JSON response.
func getJSON(ctx context.Context, client *http.Client, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return &StatusError{Code: resp.StatusCode, URL: reqURL}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}
