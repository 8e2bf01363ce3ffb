package config

import (
	_ "embed"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var policyYAML []byte

type Config struct {
	Embedder EmbedderConfig
	Database DatabaseConfig
	TicketDB TicketDBConfig
	Quality  QualityConfig
	Matching MatchingConfig
	Window   WindowConfig
	Pool     PoolConfig
	Web      WebConfig
	Consent  ConsentConfig
}

type EmbedderConfig struct {
	URL     string        // face model server base URL (defaults to http://localhost:8000)
	Dim     int           // embedding dimensionality (defaults to 512)
	Timeout time.Duration // per-call timeout for detect/embed requests
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL for templates and attempts
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the template HNSW index (optional, rebuilt from Postgres if empty)
}

type TicketDBConfig struct {
	DSN string // MariaDB DSN of the ticketing service database (e.g., tickets:tickets@tcp(mariadb:3306)/ticketing)
}

type QualityConfig struct {
	SimilarFaceRatio float64 `yaml:"similar_face_ratio"` // reject if a second face has this share of the largest face area
	MinFaceArea      float64 `yaml:"min_face_area"`      // minimum face bounding box area in pixels
	MaxTiltDegrees   float64 `yaml:"max_tilt_degrees"`   // maximum eye-line tilt
	BlurThreshold    float64 `yaml:"blur_threshold"`     // minimum Laplacian variance
	MinBrightness    float64 `yaml:"min_brightness"`     // minimum mean grayscale intensity
	MaxBrightness    float64 `yaml:"max_brightness"`     // maximum mean grayscale intensity
	CropSize         int     `yaml:"crop_size"`          // face crop edge length fed to the embedding model
}

type MatchingConfig struct {
	AcceptThreshold float64 `yaml:"accept_threshold"` // maximum cosine distance for an accept
	AmbiguityMargin float64 `yaml:"ambiguity_margin"` // required separation between best and second-best spectator
	K               int     `yaml:"k"`                // nearest-neighbor candidates per query
	OpenSearch      bool    `yaml:"-"`                // 1:N identification instead of 1:1 verification
}

type WindowConfig struct {
	Before time.Duration // how long before event start the gate opens
	After  time.Duration // how long after event start the gate stays open
}

type PoolConfig struct {
	Workers   int // embedding workers, sized to accelerator throughput (default 4)
	QueueSize int // admission queue capacity; full queue fails fast with Busy (default 32)
}

type WebConfig struct {
	Port   int
	Host   string
	APIKey string // shared key for mutating routes; empty disables the check
}

type ConsentConfig struct {
	URL string // user-profile service consent endpoint; empty denies auto-enrollment
}

// policyFile mirrors the embedded policy.yaml layout.
type policyFile struct {
	Quality  QualityConfig  `yaml:"quality"`
	Matching MatchingConfig `yaml:"matching"`
	Window   struct {
		Before string `yaml:"before"`
		After  string `yaml:"after"`
	} `yaml:"window"`
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

// envFloat reads an environment variable and parses it as a positive float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable and parses it as a duration.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func Load() *Config {
	var policy policyFile
	if err := yaml.Unmarshal(policyYAML, &policy); err != nil {
		// Embedded file, so this can only mean a broken build.
		panic("failed to unmarshal embedded policy.yaml: " + err.Error())
	}

	windowBefore, err := time.ParseDuration(policy.Window.Before)
	if err != nil {
		panic("invalid window.before in embedded policy.yaml: " + err.Error())
	}
	windowAfter, err := time.ParseDuration(policy.Window.After)
	if err != nil {
		panic("invalid window.after in embedded policy.yaml: " + err.Error())
	}

	return &Config{
		Embedder: EmbedderConfig{
			URL:     os.Getenv("EMBEDDER_URL"),
			Dim:     envInt("EMBEDDING_DIM", 512),
			Timeout: envDuration("EMBED_TIMEOUT", 5*time.Second),
		},
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		TicketDB: TicketDBConfig{
			DSN: os.Getenv("TICKETDB_DSN"),
		},
		Quality: policy.Quality,
		Matching: MatchingConfig{
			AcceptThreshold: envFloat("ACCEPT_THRESHOLD", policy.Matching.AcceptThreshold),
			AmbiguityMargin: envFloat("AMBIGUITY_MARGIN", policy.Matching.AmbiguityMargin),
			K:               envInt("MATCH_K", policy.Matching.K),
			OpenSearch:      os.Getenv("OPEN_SEARCH") == "true",
		},
		Window: WindowConfig{
			Before: envDuration("EVENT_WINDOW_BEFORE", windowBefore),
			After:  envDuration("EVENT_WINDOW_AFTER", windowAfter),
		},
		Pool: PoolConfig{
			Workers:   envInt("EMBED_WORKERS", 4),
			QueueSize: envInt("ADMISSION_QUEUE_SIZE", 32),
		},
		Web: WebConfig{
			Port:   envInt("WEB_PORT", 8080),
			Host:   envOr("WEB_HOST", "0.0.0.0"),
			APIKey: os.Getenv("WEB_API_KEY"),
		},
		Consent: ConsentConfig{
			URL: os.Getenv("CONSENT_URL"),
		},
	}
}
