package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"os"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// EngineMode selects how backends are wired: "sim" runs the in-memory
	// simulated adapters; anything else halts startup as a safety switch.
	EngineMode string

	// Assets is the list of assets this engine instance manages.
	Assets []string

	// PollInterval is the automation trigger's periodic check interval.
	PollInterval time.Duration

	// BackendTimeout bounds every individual backend/oracle query. A call
	// exceeding it is treated as a failed backend, never as a hang.
	BackendTimeout time.Duration

	// WebPort is the port for the JSON dashboard API.
	WebPort string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	EngineMode, err = getEnv("ENGINE_MODE")
	if err != nil {
		return err
	}

	assetsRaw, err := getEnv("ENGINE_ASSETS")
	if err != nil {
		return err
	}
	Assets = nil
	for _, a := range strings.Split(assetsRaw, ",") {
		if trimmed := strings.TrimSpace(a); trimmed != "" {
			Assets = append(Assets, trimmed)
		}
	}
	if len(Assets) == 0 {
		return errors.New("environment variable ENGINE_ASSETS must list at least one asset")
	}

	pollSeconds, err := getEnvAsInt64("ENGINE_POLL_INTERVAL_SECONDS")
	if err != nil {
		return err
	}
	if pollSeconds <= 0 {
		return errors.New("environment variable ENGINE_POLL_INTERVAL_SECONDS must be positive")
	}
	PollInterval = time.Duration(pollSeconds) * time.Second

	timeoutSeconds, err := getEnvAsInt64("ENGINE_BACKEND_TIMEOUT_SECONDS")
	if err != nil {
		return err
	}
	if timeoutSeconds <= 0 {
		return errors.New("environment variable ENGINE_BACKEND_TIMEOUT_SECONDS must be positive")
	}
	BackendTimeout = time.Duration(timeoutSeconds) * time.Second

	WebPort = os.Getenv("WEB_PORT")
	if WebPort == "" {
		WebPort = "8080"
	}

	log.Debug().
		Str("EngineMode", EngineMode).
		Strs("Assets", Assets).
		Dur("PollInterval", PollInterval).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsInt64 retrieves an environment variable as an int64. Returns error if not set or invalid.
func getEnvAsInt64(key string) (int64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int64, got: " + valueStr)
	}
	return value, nil
}
