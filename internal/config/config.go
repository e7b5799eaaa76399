package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"meshcall/pkg/webrtc/ice"
)

const (
	DefaultAddr           = ":8080"
	DefaultRedisPrefix    = "meshcall"
	DefaultStaticPath     = "../frontend/dist"
	DefaultSummarizerURL  = "http://127.0.0.1:8001/summarize/"
	DefaultMaxUploadBytes = 512 << 20
)

// Config holds the relay server configuration.
type Config struct {
	Addr string
	// RedisAddr selects Redis-backed stores; empty keeps everything in memory.
	RedisAddr      string
	RedisPrefix    string
	StaticPath     string
	PublicWSURL    string
	SummarizerURL  string
	MaxUploadBytes int64
	ICE            ice.Settings
	LogLevel       string
	LogFormat      string
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	maxUpload := int64(DefaultMaxUploadBytes)
	if v := strings.TrimSpace(os.Getenv("MAX_UPLOAD_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid MAX_UPLOAD_BYTES %q", v)
		}
		maxUpload = n
	}
	return Config{
		Addr:           getenv("ADDR", DefaultAddr),
		RedisAddr:      strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPrefix:    getenv("REDIS_PREFIX", DefaultRedisPrefix),
		StaticPath:     getenv("STATIC_DIR", DefaultStaticPath),
		PublicWSURL:    strings.TrimSpace(os.Getenv("PUBLIC_WS_URL")),
		SummarizerURL:  getenv("SUMMARIZER_URL", DefaultSummarizerURL),
		MaxUploadBytes: maxUpload,
		ICE:            ice.SettingsFromEnv(),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}, nil
}

// LogValue keeps credentials out of the startup log.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.Addr),
		slog.String("static_dir", c.StaticPath),
		slog.String("redis_addr", c.RedisAddr),
		slog.String("redis_prefix", c.RedisPrefix),
		slog.String("summarizer_url", c.SummarizerURL),
		slog.String("ice_mode", c.ICE.Mode),
		slog.Bool("turn_configured", c.ICE.TURNURLs != ""),
	)
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// LoadEnv applies .env files from the usual locations. Variables already set
// in the environment win.
func LoadEnv(logger *slog.Logger) {
	paths := []string{
		".env",
		filepath.Join("backend", ".env"),
		"../.env",
	}
	for _, p := range paths {
		if err := LoadEnvFile(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("env load warning", "path", p, "err", err)
		}
	}
}

// LoadEnvFile applies KEY=VALUE lines from path without overriding existing
// variables. Blank lines and # comments are skipped; surrounding quotes are
// stripped from values.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = unquote(strings.TrimSpace(val))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, val)
		}
	}
	return scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
