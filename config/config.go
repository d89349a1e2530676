package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	AppName     = "goaltracker"
	EnvFileName = "config.env"
)

// Config holds everything the client needs from the environment.
type Config struct {
	APIBaseURL        string        `env:"GOALTRACKER_API_URL" env-default:"https://api.goaltracker.app"`
	StorePath         string        `env:"GOALTRACKER_STORE_PATH"`
	TokenKey          string        `env:"GOALTRACKER_TOKEN_KEY"`
	RequestTimeout    time.Duration `env:"GOALTRACKER_REQUEST_TIMEOUT" env-default:"8s"`
	UploadTimeout     time.Duration `env:"GOALTRACKER_UPLOAD_TIMEOUT" env-default:"20s"`
	RenewalSkew       time.Duration `env:"GOALTRACKER_RENEWAL_SKEW" env-default:"30s"`
	KeepAliveInterval time.Duration `env:"GOALTRACKER_KEEPALIVE_INTERVAL" env-default:"30m"`
}

// Dir returns the XDG config directory for the app:
// $XDG_CONFIG_HOME/goaltracker or ~/.config/goaltracker.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppName)
}

// Path returns the full path to a file in the config directory.
func Path(filename string) string {
	return filepath.Join(Dir(), filename)
}

// EnsureDir creates the config directory if it doesn't exist.
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0700)
}

// LoadEnvFile loads environment variables from the config file in the
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	_ = godotenv.Load(Path(EnvFileName))
}

// Load reads the configuration from the environment, after loading the env
// file. TokenKey is the only setting with no usable default: the credential
// store cannot encrypt without it.
func Load() (Config, error) {
	LoadEnvFile()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to read config from environment: %w", err)
	}
	if cfg.TokenKey == "" {
		return cfg, errors.New("GOALTRACKER_TOKEN_KEY is not set")
	}
	if cfg.StorePath == "" {
		cfg.StorePath = Path("credentials.db")
	}
	return cfg, nil
}
