package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/faceset/faceset/internal/config"
)

// newTestClient builds a TMDBClient pointed at a fake TMDb server.
func newTestClient(t *testing.T, handler http.Handler) (*TMDBClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewTMDBClient(config.IdentityConfig{
		APIKey:       "test-key",
		BaseURL:      server.URL,
		ImageBaseURL: "https://img.example.com/t/p",
		LocaleTag:    "te",
		MinCredits:   3,
	}, nil)
	if err != nil {
		t.Fatalf("NewTMDBClient failed: %v", err)
	}
	return client, server
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewTMDBClient_RequiresAPIKey(t *testing.T) {
	_, err := NewTMDBClient(config.IdentityConfig{}, nil)
	if err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestLookup_NoResults(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, searchResponse{})
	}))

	_, err := client.Lookup(context.Background(), "Nobody Unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLookup_BuildsRecord(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/search/person"):
			writeJSON(w, searchResponse{Results: []personResult{
				{ID: 7, Name: "Test Subject", Popularity: 40, ProfilePath: "/p7.jpg"},
			}})
		case strings.HasSuffix(r.URL.Path, "/images"):
			writeJSON(w, imagesResponse{Profiles: []profileImage{
				{FilePath: "/low.jpg", VoteAverage: 1.0},
				{FilePath: "/high.jpg", VoteAverage: 5.0},
			}})
		case strings.HasSuffix(r.URL.Path, "/combined_credits"):
			writeJSON(w, creditsResponse{Cast: []creditEntry{
				{MediaType: "movie", OriginalLanguage: "te"},
				{MediaType: "movie", OriginalLanguage: "te"},
				{MediaType: "movie", OriginalLanguage: "te"},
				{MediaType: "tv", OriginalLanguage: "hi"},
			}})
		case strings.HasPrefix(r.URL.Path, "/person/"):
			writeJSON(w, personDetails{ID: 7, Name: "Test Subject", Popularity: 40, ProfilePath: "/p7.jpg"})
		default:
			http.NotFound(w, r)
		}
	}))

	rec, err := client.Lookup(context.Background(), "Test Subject")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	if rec.ID != 7 {
		t.Errorf("expected ID 7, got %d", rec.ID)
	}
	if rec.PortraitURL != "https://img.example.com/t/p/original/p7.jpg" {
		t.Errorf("unexpected portrait URL: %s", rec.PortraitURL)
	}
	if len(rec.GalleryURLs) != 2 {
		t.Fatalf("expected 2 gallery URLs, got %d", len(rec.GalleryURLs))
	}
	// Gallery should be ordered by vote average, best first.
	if !strings.Contains(rec.GalleryURLs[0], "/high.jpg") {
		t.Errorf("expected highest-voted image first, got %s", rec.GalleryURLs[0])
	}
	if rec.Credits != 4 {
		t.Errorf("expected 4 credits, got %d", rec.Credits)
	}
	if !rec.LocaleMatch {
		t.Errorf("expected locale match: %s", rec.LocaleNote)
	}
}

func TestLookup_APIError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status_message":"Invalid API key"}`, http.StatusUnauthorized)
	}))

	_, err := client.Lookup(context.Background(), "Anyone")
	if err == nil {
		t.Fatal("expected error on API failure")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("API failure must not map to ErrNotFound")
	}
}

func TestScorePerson(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		result   personResult
		expected float64
	}{
		{
			name:     "exact match with portrait",
			query:    "Jane Doe",
			result:   personResult{Name: "Jane Doe", Popularity: 30, ProfilePath: "/x.jpg"},
			expected: 180,
		},
		{
			name:     "case-insensitive exact match",
			query:    "jane doe",
			result:   personResult{Name: "Jane Doe", Popularity: 0},
			expected: 100,
		},
		{
			name:     "popularity capped at 100",
			query:    "Someone Else",
			result:   personResult{Name: "Jane Doe", Popularity: 500},
			expected: 100,
		},
		{
			name:     "no signals",
			query:    "Someone Else",
			result:   personResult{Name: "Jane Doe"},
			expected: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := scorePerson(tc.query, tc.result)
			if got != tc.expected {
				t.Errorf("scorePerson() = %f; want %f", got, tc.expected)
			}
		})
	}
}

func TestLocaleVerdict(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())

	tests := []struct {
		name   string
		total  int
		locale int
		match  bool
	}{
		{"no filmography", 0, 0, false},
		{"all locale", 10, 10, true},
		{"share too low", 100, 5, false},
		{"share ok but too few credits", 10, 2, false},
		{"boundary share with enough credits", 15, 3, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			match, note := client.localeVerdict(tc.total, tc.locale)
			if match != tc.match {
				t.Errorf("localeVerdict(%d, %d) = %v (%s); want %v",
					tc.total, tc.locale, match, note, tc.match)
			}
		})
	}
}
