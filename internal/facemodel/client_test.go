package facemodel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newFakeServer(t *testing.T, resp faceResponse) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "bad multipart", http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file part", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDetect(t *testing.T) {
	server := newFakeServer(t, faceResponse{
		FacesCount: 2,
		Faces: []faceEntry{
			{FaceIndex: 0, BBox: []float64{10, 20, 110, 140}, DetScore: 0.92, Embedding: []float32{1, 0}},
			{FaceIndex: 1, BBox: []float64{200, 30, 260, 100}, DetScore: 0.61, Embedding: []float32{0, 1}},
		},
	})

	client := NewClient(server.URL)
	detections, err := client.Detect(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0x01, 0x02, 0x03, 0x04, 0x05})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if len(detections) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(detections))
	}

	first := detections[0]
	if first.BBox != [4]float64{10, 20, 110, 140} {
		t.Errorf("unexpected bbox: %v", first.BBox)
	}
	if first.Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %f", first.Confidence)
	}
	if first.Width() != 100 || first.Height() != 120 {
		t.Errorf("unexpected box size: %fx%f", first.Width(), first.Height())
	}
}

func TestDetect_NoFaces(t *testing.T) {
	server := newFakeServer(t, faceResponse{FacesCount: 0})

	client := NewClient(server.URL)
	detections, err := client.Detect(context.Background(), []byte("not really an image"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(detections) != 0 {
		t.Errorf("expected no detections, got %d", len(detections))
	}
}

func TestEmbed(t *testing.T) {
	server := newFakeServer(t, faceResponse{
		FacesCount: 1,
		Faces: []faceEntry{
			{FaceIndex: 0, BBox: []float64{0, 0, 50, 50}, DetScore: 0.9, Embedding: []float32{0.1, 0.2, 0.3}},
		},
	})

	client := NewClient(server.URL)
	embedding, err := client.Embed(context.Background(), []byte{0x89, 0x50, 0x4E, 0x47, 1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(embedding) != 3 {
		t.Fatalf("expected 3-dim embedding, got %d", len(embedding))
	}
}

func TestEmbed_NoFace(t *testing.T) {
	server := newFakeServer(t, faceResponse{FacesCount: 0})

	client := NewClient(server.URL)
	_, err := client.Embed(context.Background(), []byte("blank"))
	if !errors.Is(err, ErrNoFace) {
		t.Errorf("expected ErrNoFace, got %v", err)
	}
}

func TestDetect_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL)
	_, err := client.Detect(context.Background(), []byte("img"))
	if err == nil {
		t.Fatal("expected error on server failure")
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"gif", []byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0, 0}, "image/gif"},
		{"webp", []byte{0x52, 0x49, 0x46, 0x46, 0, 0, 0, 0, 0x57, 0x45, 0x42, 0x50}, "image/webp"},
		{"unknown", []byte{1, 2, 3, 4, 5, 6, 7, 8}, "application/octet-stream"},
		{"too short", []byte{0xFF}, "application/octet-stream"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := detectMIMEType(tc.data); got != tc.expected {
				t.Errorf("detectMIMEType() = %s; want %s", got, tc.expected)
			}
		})
	}
}
