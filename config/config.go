// Package config loads SDK configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures the runtime configuration for the SkyCast SDK and CLI.
type Config struct {
	APIBaseURL        string
	AppID             string
	AppSecret         string
	QueueDBPath       string
	LogLevel          string
	HTTPTimeout       time.Duration
	UploadBaseDelay   time.Duration
	UploadMaxDelay    time.Duration
	LocationThreshold float64
	LocationInterval  time.Duration
	ObjectStore       ObjectStoreConfig
}

// ObjectStoreConfig describes the S3-compatible bucket segments are shipped to.
type ObjectStoreConfig struct {
	Bucket        string
	Region        string
	Endpoint      string
	PublicBaseURL string
}

// Load reads configuration from environment variables, applying sensible
// defaults for local development while allowing overrides through the
// environment.
func Load() (Config, error) {
	cfg := Config{
		APIBaseURL:        getString("SKYCAST_API_BASE_URL", "https://api.skycast.live"),
		AppID:             getString("SKYCAST_APP_ID", ""),
		AppSecret:         getString("SKYCAST_APP_SECRET", ""),
		QueueDBPath:       getString("SKYCAST_QUEUE_DB", "skycast-queue.db"),
		LogLevel:          getString("SKYCAST_LOG_LEVEL", "info"),
		HTTPTimeout:       getDuration("SKYCAST_HTTP_TIMEOUT", 30*time.Second),
		UploadBaseDelay:   getDuration("SKYCAST_UPLOAD_BASE_DELAY", 500*time.Millisecond),
		UploadMaxDelay:    getDuration("SKYCAST_UPLOAD_MAX_DELAY", 30*time.Second),
		LocationThreshold: getFloat("SKYCAST_LOCATION_THRESHOLD_METERS", 25),
		LocationInterval:  getDuration("SKYCAST_LOCATION_INTERVAL", 10*time.Second),
		ObjectStore: ObjectStoreConfig{
			Bucket:        getString("SKYCAST_S3_BUCKET", ""),
			Region:        getString("SKYCAST_S3_REGION", "us-east-1"),
			Endpoint:      getString("SKYCAST_S3_ENDPOINT", ""),
			PublicBaseURL: getString("SKYCAST_S3_PUBLIC_BASE_URL", ""),
		},
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
