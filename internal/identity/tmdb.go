package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/faceset/faceset/internal/config"
)

const (
	// galleryLimit caps how many gallery portraits a record carries.
	galleryLimit = 50

	// localeShareThreshold is the minimum share of credits in the target
	// locale for the locale check to pass.
	localeShareThreshold = 0.20
)

// TMDBClient queries the TMDb API for person metadata.
type TMDBClient struct {
	apiKey     string
	baseURL    string
	imageURL   string
	localeTag  string
	minCredits int
	client     *http.Client
	log        *slog.Logger
}

// NewTMDBClient creates a TMDb metadata client from configuration.
// Returns an error if no API key is configured.
func NewTMDBClient(cfg config.IdentityConfig, log *slog.Logger) (*TMDBClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("TMDB_API_KEY environment variable is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TMDBClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		imageURL:   strings.TrimSuffix(cfg.ImageBaseURL, "/"),
		localeTag:  cfg.LocaleTag,
		minCredits: cfg.MinCredits,
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}, nil
}

type searchResponse struct {
	Results []personResult `json:"results"`
}

type personResult struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Popularity  float64 `json:"popularity"`
	ProfilePath string  `json:"profile_path"`
}

type personDetails struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Popularity  float64 `json:"popularity"`
	ProfilePath string  `json:"profile_path"`
}

type imagesResponse struct {
	Profiles []profileImage `json:"profiles"`
}

type profileImage struct {
	FilePath    string  `json:"file_path"`
	VoteAverage float64 `json:"vote_average"`
}

type creditsResponse struct {
	Cast []creditEntry `json:"cast"`
}

type creditEntry struct {
	MediaType        string   `json:"media_type"`
	OriginalLanguage string   `json:"original_language"`
	OriginCountry    []string `json:"origin_country"`
}

// doGetJSON performs a GET request against the TMDb API and unmarshals the
// JSON response into the result type. The endpoint is the path after the
// base URL (e.g. "search/person").
func doGetJSON[T any](ctx context.Context, c *TMDBClient, endpoint string, params url.Values) (*T, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)

	reqURL := c.baseURL + "/" + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("could not unmarshal response: %w", err)
	}

	return &result, nil
}

// Lookup resolves a subject name to a canonical identity record.
func (c *TMDBClient) Lookup(ctx context.Context, name string) (*Record, error) {
	c.log.Info("searching for subject", "name", name)

	params := url.Values{}
	params.Set("query", name)
	params.Set("include_adult", "false")

	search, err := doGetJSON[searchResponse](ctx, c, "search/person", params)
	if err != nil {
		return nil, fmt.Errorf("search person: %w", err)
	}

	if len(search.Results) == 0 {
		return nil, fmt.Errorf("no results for %q: %w", name, ErrNotFound)
	}

	best, err := c.disambiguate(ctx, name, search.Results)
	if err != nil {
		return nil, err
	}

	details, err := doGetJSON[personDetails](ctx, c, fmt.Sprintf("person/%d", best.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("person details: %w", err)
	}

	gallery, err := c.galleryURLs(ctx, best.ID)
	if err != nil {
		// The portrait alone may still be enough; acquisition has other sources.
		c.log.Warn("could not fetch gallery", "id", best.ID, "error", err)
	}

	credits, localeCount, err := c.creditCounts(ctx, best.ID)
	if err != nil {
		c.log.Warn("could not fetch credits", "id", best.ID, "error", err)
	}

	localeMatch, note := c.localeVerdict(credits, localeCount)

	rec := &Record{
		ID:          details.ID,
		Name:        details.Name,
		GalleryURLs: gallery,
		Popularity:  details.Popularity,
		Credits:     credits,
		LocaleMatch: localeMatch,
		LocaleNote:  note,
	}
	if c.localeTag != "" {
		rec.LocaleTags = []string{c.localeTag}
	}
	if details.ProfilePath != "" {
		rec.PortraitURL = c.ImageURL(details.ProfilePath, "original")
	}

	if rec.PortraitURL == "" && len(rec.GalleryURLs) > 0 {
		rec.PortraitURL = rec.GalleryURLs[0]
	}

	c.log.Info("resolved subject",
		"name", rec.Name,
		"id", rec.ID,
		"gallery", len(rec.GalleryURLs),
		"credits", rec.Credits,
		"locale_match", rec.LocaleMatch,
	)

	return rec, nil
}

// disambiguate scores each search result and returns the best match.
// Scoring: exact name match +100, popularity capped at 100, portrait
// present +50, credit count capped at 50, locale confirmation +200.
func (c *TMDBClient) disambiguate(ctx context.Context, name string, results []personResult) (*personResult, error) {
	type scored struct {
		score  float64
		result personResult
	}

	candidates := make([]scored, 0, len(results))
	for _, r := range results {
		s := scorePerson(name, r)

		// Credits are a separate API call per candidate, so only fetch
		// them for results that are already plausible.
		if s >= 50 {
			credits, localeCount, err := c.creditCounts(ctx, r.ID)
			if err == nil {
				s += min(float64(credits), 50)
				if match, _ := c.localeVerdict(credits, localeCount); match {
					s += 200
				}
			}
		}

		candidates = append(candidates, scored{score: s, result: r})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	best := candidates[0].result
	c.log.Debug("disambiguated subject", "name", best.Name, "id", best.ID, "score", candidates[0].score)
	return &best, nil
}

// scorePerson computes the context-free part of the disambiguation score.
func scorePerson(query string, r personResult) float64 {
	var score float64
	if strings.EqualFold(r.Name, query) {
		score += 100
	}
	score += min(r.Popularity, 100)
	if r.ProfilePath != "" {
		score += 50
	}
	return score
}

// galleryURLs fetches the person's portrait gallery ordered by vote average.
func (c *TMDBClient) galleryURLs(ctx context.Context, id int64) ([]string, error) {
	images, err := doGetJSON[imagesResponse](ctx, c, fmt.Sprintf("person/%d/images", id), nil)
	if err != nil {
		return nil, err
	}

	profiles := images.Profiles
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].VoteAverage > profiles[j].VoteAverage
	})
	if len(profiles) > galleryLimit {
		profiles = profiles[:galleryLimit]
	}

	urls := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if p.FilePath != "" {
			urls = append(urls, c.ImageURL(p.FilePath, "original"))
		}
	}
	return urls, nil
}

// creditCounts returns the total credit count and how many credits match the
// configured locale tag (by original language, with origin-country fallback).
func (c *TMDBClient) creditCounts(ctx context.Context, id int64) (total, locale int, err error) {
	credits, err := doGetJSON[creditsResponse](ctx, c, fmt.Sprintf("person/%d/combined_credits", id), nil)
	if err != nil {
		return 0, 0, err
	}

	for _, entry := range credits.Cast {
		total++
		if entry.OriginalLanguage == c.localeTag {
			locale++
			continue
		}
		// Some titles carry no language tag; the origin country is a
		// weaker signal but better than nothing.
		for _, country := range entry.OriginCountry {
			if country == "IN" {
				locale++
				break
			}
		}
	}
	return total, locale, nil
}

// localeVerdict decides whether the credit distribution confirms the
// configured locale, mirroring how a human would sanity-check a filmography.
func (c *TMDBClient) localeVerdict(total, locale int) (bool, string) {
	if c.localeTag == "" {
		return true, "locale check disabled"
	}
	if total == 0 {
		return false, "no filmography found"
	}
	share := float64(locale) / float64(total)
	match := share >= localeShareThreshold && locale >= c.minCredits
	note := fmt.Sprintf("%d/%d credits match locale %q (%.1f%%)", locale, total, c.localeTag, share*100)
	return match, note
}

// ImageURL builds a full image URL from a TMDb image path.
func (c *TMDBClient) ImageURL(path, size string) string {
	return c.imageURL + "/" + size + path
}
