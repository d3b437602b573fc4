package config

import (
	_ "embed"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Identity  IdentityConfig
	FaceModel FaceModelConfig
	Search    SearchConfig
	Database  DatabaseConfig
	DataDir   string
	Policy    PolicyConfig
}

type IdentityConfig struct {
	APIKey       string
	BaseURL      string // defaults to https://api.themoviedb.org/3
	ImageBaseURL string // defaults to https://image.tmdb.org/t/p
	LocaleTag    string // original-language code used for locale verification (e.g. "te")
	MinCredits   int    // minimum matching credits before the locale check passes
}

type FaceModelConfig struct {
	URL string // face embedding server, defaults to http://localhost:8000
}

type SearchConfig struct {
	OpenverseURL string // defaults to https://api.openverse.org
	SearxURL     string // SearXNG instance with JSON output enabled (optional)
}

type DatabaseConfig struct {
	URL string // PostgreSQL DSN for the embedding cache; empty disables caching
}

// PolicyConfig holds tunable pipeline policy values. Defaults come from the
// embedded defaults.yaml. The similarity thresholds were calibrated against
// the buffalo_l embedding model and do not necessarily transfer to others.
type PolicyConfig struct {
	Detection struct {
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
		MinFaceSize         int     `yaml:"min_face_size"`
		MaxFacesPerImage    int     `yaml:"max_faces_per_image"`
		CropPadding         float64 `yaml:"crop_padding"`
	} `yaml:"detection"`
	Verification struct {
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
	} `yaml:"verification"`
	Dedup struct {
		DuplicateThreshold float64 `yaml:"duplicate_threshold"`
		PairwiseCutoff     int     `yaml:"pairwise_cutoff"`
		IndexNeighbors     int     `yaml:"index_neighbors"`
	} `yaml:"dedup"`
	Acquisition struct {
		MaxAttempts       int   `yaml:"max_attempts"`
		RetryBaseDelayMs  int   `yaml:"retry_base_delay_ms"`
		RetryMaxDelayMs   int   `yaml:"retry_max_delay_ms"`
		RequestDelayMinMs int   `yaml:"request_delay_min_ms"`
		RequestDelayMaxMs int   `yaml:"request_delay_max_ms"`
		RequestTimeoutSec int   `yaml:"request_timeout_sec"`
		MinImageBytes     int64 `yaml:"min_image_bytes"`
		MaxImageBytes     int64 `yaml:"max_image_bytes"`
		MaxPerSource      int   `yaml:"max_per_source"`
		Workers           int   `yaml:"workers"`
	} `yaml:"acquisition"`
	Output struct {
		ImageSize   int `yaml:"image_size"`
		JPEGQuality int `yaml:"jpeg_quality"`
	} `yaml:"output"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envString reads an environment variable, falling back to a default.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var policy PolicyConfig
	if err := yaml.Unmarshal(defaultsYAML, &policy); err != nil {
		// Embedded file, so this can only break at build time.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	// Threshold overrides for experimenting with other embedding models.
	policy.Verification.SimilarityThreshold = envFloat("FACESET_VERIFY_THRESHOLD", policy.Verification.SimilarityThreshold)
	policy.Dedup.DuplicateThreshold = envFloat("FACESET_DUPLICATE_THRESHOLD", policy.Dedup.DuplicateThreshold)
	policy.Detection.MaxFacesPerImage = envInt("FACESET_MAX_FACES", policy.Detection.MaxFacesPerImage)
	policy.Acquisition.Workers = envInt("FACESET_ACQUIRE_WORKERS", policy.Acquisition.Workers)

	return &Config{
		Identity: IdentityConfig{
			APIKey:       os.Getenv("TMDB_API_KEY"),
			BaseURL:      envString("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
			ImageBaseURL: envString("TMDB_IMAGE_BASE_URL", "https://image.tmdb.org/t/p"),
			LocaleTag:    envString("FACESET_LOCALE_TAG", "te"),
			MinCredits:   envInt("FACESET_MIN_CREDITS", 3),
		},
		FaceModel: FaceModelConfig{
			URL: envString("FACE_MODEL_URL", "http://localhost:8000"),
		},
		Search: SearchConfig{
			OpenverseURL: envString("OPENVERSE_URL", "https://api.openverse.org"),
			SearxURL:     os.Getenv("SEARX_URL"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		DataDir: envString("FACESET_DATA_DIR", "people"),
		Policy:  policy,
	}
}
