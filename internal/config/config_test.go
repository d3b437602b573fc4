package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Policy.Verification.SimilarityThreshold != 0.42 {
		t.Errorf("expected default verify threshold 0.42, got %f", cfg.Policy.Verification.SimilarityThreshold)
	}

	if cfg.Policy.Dedup.DuplicateThreshold != 0.95 {
		t.Errorf("expected default duplicate threshold 0.95, got %f", cfg.Policy.Dedup.DuplicateThreshold)
	}

	if cfg.Policy.Detection.MaxFacesPerImage != 2 {
		t.Errorf("expected default max faces 2, got %d", cfg.Policy.Detection.MaxFacesPerImage)
	}

	if cfg.Policy.Output.ImageSize != 256 {
		t.Errorf("expected default output size 256, got %d", cfg.Policy.Output.ImageSize)
	}

	if cfg.Policy.Output.JPEGQuality != 95 {
		t.Errorf("expected default JPEG quality 95, got %d", cfg.Policy.Output.JPEGQuality)
	}

	if cfg.Identity.BaseURL != "https://api.themoviedb.org/3" {
		t.Errorf("unexpected default identity base URL: %s", cfg.Identity.BaseURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FACESET_VERIFY_THRESHOLD", "0.55")
	t.Setenv("FACESET_DUPLICATE_THRESHOLD", "0.90")
	t.Setenv("FACESET_MAX_FACES", "3")
	t.Setenv("FACESET_DATA_DIR", "/tmp/faces")

	cfg := Load()

	if cfg.Policy.Verification.SimilarityThreshold != 0.55 {
		t.Errorf("expected verify threshold 0.55, got %f", cfg.Policy.Verification.SimilarityThreshold)
	}

	if cfg.Policy.Dedup.DuplicateThreshold != 0.90 {
		t.Errorf("expected duplicate threshold 0.90, got %f", cfg.Policy.Dedup.DuplicateThreshold)
	}

	if cfg.Policy.Detection.MaxFacesPerImage != 3 {
		t.Errorf("expected max faces 3, got %d", cfg.Policy.Detection.MaxFacesPerImage)
	}

	if cfg.DataDir != "/tmp/faces" {
		t.Errorf("expected data dir /tmp/faces, got %s", cfg.DataDir)
	}
}

func TestLoad_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv("FACESET_MAX_FACES", "not-a-number")
	t.Setenv("FACESET_VERIFY_THRESHOLD", "banana")

	cfg := Load()

	if cfg.Policy.Detection.MaxFacesPerImage != 2 {
		t.Errorf("expected fallback max faces 2, got %d", cfg.Policy.Detection.MaxFacesPerImage)
	}

	if cfg.Policy.Verification.SimilarityThreshold != 0.42 {
		t.Errorf("expected fallback verify threshold 0.42, got %f", cfg.Policy.Verification.SimilarityThreshold)
	}
}
