package facemodel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:8000"

// ErrNoFace is returned by Embed when the crop contains no detectable face.
var ErrNoFace = errors.New("no face detected")

// Client is an HTTP implementation of Service backed by the embedding server.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a face model client. An empty baseURL falls back to the
// local embedding server default.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// faceResponse is the embedding server's face detection payload.
type faceResponse struct {
	FacesCount int         `json:"faces_count"`
	Faces      []faceEntry `json:"faces"`
	Model      string      `json:"model"`
}

type faceEntry struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// Detect implements Service.
func (c *Client) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	resp, err := c.postImage(ctx, "/embed/face", image)
	if err != nil {
		return nil, err
	}

	detections := make([]Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.BBox) != 4 {
			continue
		}
		detections = append(detections, Detection{
			BBox:       [4]float64{f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]},
			Confidence: f.DetScore,
			Embedding:  f.Embedding,
		})
	}
	return detections, nil
}

// Embed implements Service. The crop is expected to contain a single face;
// when the model sees several, the first (most confident) one is used.
func (c *Client) Embed(ctx context.Context, faceCrop []byte) ([]float32, error) {
	resp, err := c.postImage(ctx, "/embed/face", faceCrop)
	if err != nil {
		return nil, err
	}

	if len(resp.Faces) == 0 {
		return nil, ErrNoFace
	}

	embedding := resp.Faces[0].Embedding
	if len(embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	return embedding, nil
}

// postImage constructs a multipart form with the image data and posts it to
// the given endpoint. The part carries an explicit Content-Type header based
// on magic byte detection.
func (c *Client) postImage(ctx context.Context, endpoint string, imageData []byte) (*faceResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var faceResp faceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &faceResp, nil
}

// detectMIMEType detects the MIME type from image data.
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// GIF: 47 49 46 38
	if data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 {
		return "image/gif"
	}
	// WebP: 52 49 46 46 ... 57 45 42 50
	if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
		return "image/webp"
	}
	return "application/octet-stream"
}
