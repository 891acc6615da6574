// Package config loads service settings from the environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr        string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	LogLevel        string        `validate:"omitempty,oneof=debug info warn error"`

	AWS         AWSConfig
	Rekognition RekognitionConfig
	Identity    IdentityConfig
	Storage     StorageConfig
	API         APIConfig
}

type AWSConfig struct {
	Region   string `validate:"required"`
	Endpoint string `validate:"omitempty,url"` // e.g. a localstack endpoint
}

type RekognitionConfig struct {
	CollectionID       string  `validate:"required"`
	FaceMatchThreshold float32 `validate:"gte=0,lte=100"`
	MaxFaces           int32   `validate:"gte=1,lte=4096"`
}

type IdentityConfig struct {
	TableName     string        `validate:"required"`
	KeyAttribute  string        `validate:"required"`
	NameAttribute string        `validate:"required"`
	Concurrency   int           `validate:"gte=1,lte=64"`
	CacheTTL      time.Duration `validate:"gte=0"`
}

// StorageConfig is optional; empty values disable the audit log and the Redis cache.
type StorageConfig struct {
	DatabaseDSN    string
	RedisAddr      string
	ResultCacheTTL time.Duration `validate:"gte=0"`
}

type APIConfig struct {
	JWTSecret           string
	JWTAudience         string
	CORSAllowedOrigins  []string
	RateLimitPerSecond  float64 `validate:"gt=0"`
	RateLimitTrustProxy bool    // key rate limits on forwarding headers set by a reverse proxy
}

// Load reads .env when present, then the process environment, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from an arbitrary lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}
	cfg := &Config{
		HTTPAddr:        r.str("HTTP_ADDR", ":8080"),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        strings.ToLower(r.str("LOG_LEVEL", "info")),
		AWS: AWSConfig{
			Region:   r.str("AWS_REGION", "us-east-1"),
			Endpoint: r.str("AWS_ENDPOINT_URL", ""),
		},
		Rekognition: RekognitionConfig{
			CollectionID:       r.str("REKOGNITION_COLLECTION_ID", "famouspersons"),
			FaceMatchThreshold: float32(r.float("REKOGNITION_FACE_MATCH_THRESHOLD", 80)),
			MaxFaces:           r.int32("REKOGNITION_MAX_FACES", 10),
		},
		Identity: IdentityConfig{
			TableName:     r.str("IDENTITY_TABLE", "face_recognition"),
			KeyAttribute:  r.str("IDENTITY_KEY_ATTRIBUTE", "RekognitionId"),
			NameAttribute: r.str("IDENTITY_NAME_ATTRIBUTE", "FullName"),
			Concurrency:   r.int("IDENTITY_CONCURRENCY", 4),
			CacheTTL:      r.duration("IDENTITY_CACHE_TTL", 10*time.Minute),
		},
		Storage: StorageConfig{
			DatabaseDSN:    r.str("DATABASE_DSN", ""),
			RedisAddr:      r.str("REDIS_ADDR", ""),
			ResultCacheTTL: r.duration("RESULT_CACHE_TTL", 15*time.Minute),
		},
		API: APIConfig{
			JWTSecret:           r.str("JWT_SECRET", ""),
			JWTAudience:         r.str("JWT_AUDIENCE", ""),
			CORSAllowedOrigins:  r.list("CORS_ALLOWED_ORIGINS"),
			RateLimitPerSecond:  r.float("RATE_LIMIT_PER_SECOND", 5),
			RateLimitTrustProxy: r.bool("RATE_LIMIT_TRUST_PROXY", false),
		},
	}
	if len(r.errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(r.errs, "; "))
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reader collects parse errors instead of silently falling back, so a typo in a number is reported.
type reader struct {
	getenv func(string) string
	errs   []string
}

func (r *reader) str(key, fallback string) string {
	if value := strings.TrimSpace(r.getenv(key)); value != "" {
		return value
	}
	return fallback
}

func (r *reader) int(key string, fallback int) int {
	s := r.str(key, "")
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return n
}

func (r *reader) int32(key string, fallback int32) int32 {
	s := r.str(key, "")
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return int32(n)
}

func (r *reader) bool(key string, fallback bool) bool {
	s := r.str(key, "")
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return b
}

func (r *reader) float(key string, fallback float64) float64 {
	s := r.str(key, "")
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return f
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	s := r.str(key, "")
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return d
}

func (r *reader) list(key string) []string {
	s := r.str(key, "")
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
