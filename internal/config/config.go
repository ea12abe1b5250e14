package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Client holds the console engine settings.
type Client struct {
	Env               string
	APIURL            string
	ChannelURL        string
	UserID            string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	TypingQuiet       time.Duration
	ReadDelay         time.Duration
	DeliveredDelay    time.Duration
	RequestTimeout    time.Duration
	MaxUploadBytes    int64
}

// Server holds the reference collaborator server settings.
type Server struct {
	Env            string
	Addr           string
	DBDriver       string
	DBDSN          string
	UploadDir      string
	PublicBaseURL  string
	MaxUploadBytes int64
}

// DefaultMaxUpload is the attachment size limit when MAX_UPLOAD_SIZE is unset.
const DefaultMaxUpload = 10 * 1024 * 1024

// LoadClient parses environment variables (and an optional .env file) into a
// Client config.
func LoadClient() (Client, error) {
	_ = godotenv.Load(".env")

	cfg := Client{
		Env:        getEnv("APP_ENV", "dev"),
		APIURL:     strings.TrimRight(getEnv("CHAT_API_URL", "http://localhost:8080"), "/"),
		ChannelURL: strings.TrimSpace(os.Getenv("CHAT_WS_URL")),
		UserID:     strings.TrimSpace(os.Getenv("CHAT_USER_ID")),
		ReconnectAttempts: parseIntWithDefault(
			strings.TrimSpace(os.Getenv("CHAT_RECONNECT_ATTEMPTS")), 5),
	}
	if cfg.ChannelURL == "" {
		derived, err := ChannelURLFromAPI(cfg.APIURL)
		if err != nil {
			return Client{}, err
		}
		cfg.ChannelURL = derived
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"CHAT_RECONNECT_DELAY", "1s", &cfg.ReconnectDelay},
		{"CHAT_HEARTBEAT_INTERVAL", "30s", &cfg.HeartbeatInterval},
		{"CHAT_TYPING_QUIET", "1s", &cfg.TypingQuiet},
		{"CHAT_READ_DELAY", "1s", &cfg.ReadDelay},
		{"CHAT_DELIVERED_DELAY", "1s", &cfg.DeliveredDelay},
		{"CHAT_REQUEST_TIMEOUT", "10s", &cfg.RequestTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			return Client{}, err
		}
		*d.dst = v
	}

	size, err := parseSize("MAX_UPLOAD_SIZE", DefaultMaxUpload)
	if err != nil {
		return Client{}, err
	}
	cfg.MaxUploadBytes = size
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	return cfg, nil
}

// LoadServer parses environment variables into a Server config.
func LoadServer() (Server, error) {
	_ = godotenv.Load(".env")

	cfg := Server{
		Env:           getEnv("APP_ENV", "dev"),
		Addr:          getEnv("SERVER_ADDR", ":8080"),
		DBDriver:      getEnv("DB_DRIVER", "sqlite3"),
		DBDSN:         getEnv("DB_DSN", "opschat.db"),
		UploadDir:     getEnv("UPLOAD_DIR", "uploads"),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/"),
	}
	if cfg.DBDriver != "sqlite3" {
		return Server{}, fmt.Errorf("unsupported DB_DRIVER: %s", cfg.DBDriver)
	}
	size, err := parseSize("MAX_UPLOAD_SIZE", DefaultMaxUpload)
	if err != nil {
		return Server{}, err
	}
	cfg.MaxUploadBytes = size
	return cfg, nil
}

// ChannelURLFromAPI derives the websocket endpoint from the REST base URL.
func ChannelURLFromAPI(apiURL string) (string, error) {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://") + "/ws", nil
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://") + "/ws", nil
	}
	return "", fmt.Errorf("invalid CHAT_API_URL: %s", apiURL)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return dur, nil
}

func parseIntWithDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func parseSize(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return int64(v), nil
}
