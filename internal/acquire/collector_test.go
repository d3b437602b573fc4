package acquire

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeSource serves a fixed set of candidate URLs.
type fakeSource struct {
	name       string
	urls       []string
	fetchCalls int
	err        error
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Fetch(_ context.Context, _ string, limit int) ([]Candidate, error) {
	s.fetchCalls++
	if s.err != nil {
		return nil, s.err
	}
	urls := s.urls
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}
	out := make([]Candidate, 0, len(urls))
	for _, u := range urls {
		out = append(out, Candidate{URL: u, SourceTag: s.name})
	}
	return out, nil
}

// newImageServer serves a valid JPEG-ish payload at every path.
func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	payload := make([]byte, 6000)
	payload[0], payload[1], payload[2] = 0xFF, 0xD8, 0xFF
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(payload) //nolint:errcheck
	}))
	t.Cleanup(server.Close)
	return server
}

func testFetcher() *Fetcher {
	return NewFetcher(FetcherOptions{
		Policy:   fastPolicy(2),
		Delay:    DelayRange{},
		Timeout:  5 * time.Second,
		MinBytes: 1000,
		MaxBytes: 1 << 20,
	})
}

func serverURLs(server *httptest.Server, n int, prefix string) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/%s/%d.jpg", server.URL, prefix, i)
	}
	return urls
}

func TestCollect_ReachesMinCount(t *testing.T) {
	server := newImageServer(t)
	primary := &fakeSource{name: "gallery", urls: serverURLs(server, 10, "a")}
	secondary := &fakeSource{name: "web", urls: serverURLs(server, 10, "b")}

	c := NewCollector([]Source{primary, secondary}, CollectorOptions{
		Fetcher: testFetcher(),
		Workers: 2,
	})

	dir := t.TempDir()
	images, err := c.Collect(context.Background(), "test subject", 5, dir)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if len(images) != 5 {
		t.Fatalf("expected 5 images, got %d", len(images))
	}

	// The first source satisfied the quota, so the second stays untouched.
	if secondary.fetchCalls != 0 {
		t.Errorf("expected secondary source to be skipped, got %d calls", secondary.fetchCalls)
	}

	// Orders must be sequential acquisition positions.
	for i, img := range images {
		if img.Order != i {
			t.Errorf("image %d has order %d", i, img.Order)
		}
		if img.SourceTag != "gallery" {
			t.Errorf("image %d has source %s", i, img.SourceTag)
		}
		if _, err := os.Stat(img.Path); err != nil {
			t.Errorf("image file missing: %v", err)
		}
	}
}

func TestCollect_FallsThroughSources(t *testing.T) {
	server := newImageServer(t)
	primary := &fakeSource{name: "gallery", urls: serverURLs(server, 2, "a")}
	secondary := &fakeSource{name: "web", urls: serverURLs(server, 8, "b")}

	c := NewCollector([]Source{primary, secondary}, CollectorOptions{
		Fetcher: testFetcher(),
		Workers: 3,
	})

	images, err := c.Collect(context.Background(), "subject", 6, t.TempDir())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if len(images) != 6 {
		t.Fatalf("expected 6 images, got %d", len(images))
	}
	if images[0].SourceTag != "gallery" || images[5].SourceTag != "web" {
		t.Errorf("expected priority-ordered merge, got %s..%s", images[0].SourceTag, images[5].SourceTag)
	}
}

func TestCollect_UnderMinCountNotError(t *testing.T) {
	server := newImageServer(t)
	only := &fakeSource{name: "gallery", urls: serverURLs(server, 3, "a")}

	c := NewCollector([]Source{only}, CollectorOptions{
		Fetcher: testFetcher(),
	})

	images, err := c.Collect(context.Background(), "subject", 10, t.TempDir())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(images) != 3 {
		t.Errorf("expected 3 images on exhausted sources, got %d", len(images))
	}
}

func TestCollect_SkipsFailingSource(t *testing.T) {
	server := newImageServer(t)
	broken := &fakeSource{name: "broken", err: fmt.Errorf("search API down")}
	working := &fakeSource{name: "web", urls: serverURLs(server, 4, "b")}

	c := NewCollector([]Source{broken, working}, CollectorOptions{
		Fetcher: testFetcher(),
	})

	images, err := c.Collect(context.Background(), "subject", 4, t.TempDir())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(images) != 4 {
		t.Errorf("expected 4 images from working source, got %d", len(images))
	}
}

func TestCollect_DeduplicatesURLs(t *testing.T) {
	server := newImageServer(t)
	shared := serverURLs(server, 3, "same")
	primary := &fakeSource{name: "gallery", urls: shared}
	secondary := &fakeSource{name: "web", urls: append(append([]string{}, shared...), serverURLs(server, 2, "extra")...)}

	c := NewCollector([]Source{primary, secondary}, CollectorOptions{
		Fetcher: testFetcher(),
	})

	images, err := c.Collect(context.Background(), "subject", 5, t.TempDir())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	urlsSeen := make(map[string]int)
	for _, img := range images {
		urlsSeen[img.URL]++
	}
	for u, n := range urlsSeen {
		if n > 1 {
			t.Errorf("URL %s downloaded %d times", u, n)
		}
	}
	if len(images) != 5 {
		t.Errorf("expected 5 unique images, got %d", len(images))
	}
}

func TestCollect_Cancelled(t *testing.T) {
	server := newImageServer(t)
	only := &fakeSource{name: "gallery", urls: serverURLs(server, 5, "a")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCollector([]Source{only}, CollectorOptions{Fetcher: testFetcher()})
	_, err := c.Collect(ctx, "subject", 5, t.TempDir())
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFetcher_RejectsNonImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>not an image</html>")
	}))
	t.Cleanup(server.Close)

	_, _, err := testFetcher().Download(context.Background(), server.URL+"/x.jpg")
	if !IsReject(err) {
		t.Errorf("expected reject error for non-image, got %v", err)
	}
}

func TestFetcher_RejectsTooSmall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xFF, 0xD8, 0xFF}) //nolint:errcheck
	}))
	t.Cleanup(server.Close)

	_, _, err := testFetcher().Download(context.Background(), server.URL+"/tiny.jpg")
	if !IsReject(err) {
		t.Errorf("expected reject error for tiny image, got %v", err)
	}
}

func TestFetcher_ExtensionFromContentType(t *testing.T) {
	payload := make([]byte, 2000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		w.Write(payload) //nolint:errcheck
	}))
	t.Cleanup(server.Close)

	f := NewFetcher(FetcherOptions{Policy: fastPolicy(1), MinBytes: 100, MaxBytes: 1 << 20})
	_, ext, err := f.Download(context.Background(), server.URL+"/pic")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if ext != "png" {
		t.Errorf("expected ext png, got %s", ext)
	}
}

func TestCollect_SavedFilesCarrySourcePrefix(t *testing.T) {
	server := newImageServer(t)
	only := &fakeSource{name: "gallery", urls: serverURLs(server, 1, "a")}

	dir := t.TempDir()
	c := NewCollector([]Source{only}, CollectorOptions{Fetcher: testFetcher()})
	images, err := c.Collect(context.Background(), "subject", 1, dir)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(images))
	}

	base := filepath.Base(images[0].Path)
	if base[:8] != "gallery_" {
		t.Errorf("expected filename with source prefix, got %s", base)
	}
}
