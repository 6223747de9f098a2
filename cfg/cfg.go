package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type Cfg struct {
	Environment          string
	LogLevel             string
	DatabasePath         string
	KeyFilePath          string
	MaxTextBytes         int64
	MaxImageBytes        int64
	OCREnabled           bool
	NotificationsEnabled bool
	RetentionDays        int
	CleanupInterval      time.Duration
	CleanupRatePerSec    float64
	CacheSize            int
	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBQueryTimeout       time.Duration
	DeriveTextTimeout    time.Duration
	RecentLimit          int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	dataDir := getEnv("CLIPVAULT_DATA_DIR", defaultDataDir())
	c.DatabasePath = getEnv("DATABASE_PATH", filepath.Join(dataDir, "clipvault.db"))
	c.KeyFilePath = getEnv("KEY_FILE_PATH", filepath.Join(dataDir, "clip.key"))

	var err error
	c.MaxTextBytes, err = getInt64("MAX_TEXT_BYTES", 1024*1024)
	if err != nil {
		return nil, err
	}
	c.MaxImageBytes, err = getInt64("MAX_IMAGE_BYTES", 16*1024*1024)
	if err != nil {
		return nil, err
	}
	c.OCREnabled = getEnv("OCR_ENABLED", "false") == "true"
	c.NotificationsEnabled = getEnv("NOTIFICATIONS_ENABLED", "true") == "true"
	c.RetentionDays, err = getInt("RETENTION_DAYS", 30)
	if err != nil {
		return nil, err
	}
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.CleanupRatePerSec, err = getFloat("CLEANUP_RATE_PER_SEC", 50)
	if err != nil {
		return nil, err
	}
	c.CacheSize, err = getInt("CACHE_SIZE", 500)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DeriveTextTimeout, err = getDuration("DERIVE_TEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.RecentLimit, err = getInt("RECENT_LIMIT", 100)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.KeyFilePath == "" {
		return errors.New("KEY_FILE_PATH is required")
	}
	if c.MaxTextBytes <= 0 {
		return errors.New("MAX_TEXT_BYTES must be positive")
	}
	if c.MaxTextBytes > 10*1024*1024 {
		return errors.New("MAX_TEXT_BYTES cannot exceed 10MB")
	}
	if c.MaxImageBytes <= 0 {
		return errors.New("MAX_IMAGE_BYTES must be positive")
	}
	if c.MaxImageBytes > 64*1024*1024 {
		return errors.New("MAX_IMAGE_BYTES cannot exceed 64MB")
	}
	if c.RetentionDays < 0 {
		return errors.New("RETENTION_DAYS cannot be negative")
	}
	if c.CleanupInterval < time.Minute {
		return errors.New("CLEANUP_INTERVAL must be at least 1 minute")
	}
	if c.CleanupRatePerSec <= 0 {
		return errors.New("CLEANUP_RATE_PER_SEC must be positive")
	}
	if c.CacheSize <= 0 {
		return errors.New("CACHE_SIZE must be positive")
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBQueryTimeout < time.Second {
		return errors.New("DB_QUERY_TIMEOUT must be at least 1 second")
	}
	if c.RecentLimit <= 0 {
		return errors.New("RECENT_LIMIT must be positive")
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "clipvault")
	}
	return "."
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
