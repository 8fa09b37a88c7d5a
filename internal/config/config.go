package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvFile names the variable that points at an optional YAML config file.
const EnvFile = "THREADEXPORT_CONFIG"

type Config struct {
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
	LogLevel string `yaml:"log_level"`

	OriginURL         string  `yaml:"origin_url"`
	AccessToken       string  `yaml:"access_token"`
	Cookie            string  `yaml:"cookie"`
	UserAgent         string  `yaml:"user_agent"`
	ProjectID         string  `yaml:"project_id"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	BridgeURL   string `yaml:"bridge_url"`
	BridgeToken string `yaml:"bridge_token"`

	CheckpointBackend string `yaml:"checkpoint_backend"`
	CheckpointPath    string `yaml:"checkpoint_path"`
	DatabaseURL       string `yaml:"database_url"`

	OutputDir         string        `yaml:"output_dir"`
	RootFolder        string        `yaml:"root_folder"`
	AccountName       string        `yaml:"account_name"`
	FolderGranularity string        `yaml:"folder_granularity"`
	DebugLog          bool          `yaml:"debug_log"`
	ItemTimeout       time.Duration `yaml:"item_timeout"`
	HiddenMaxWait     time.Duration `yaml:"hidden_max_wait"`

	NatsURL       string `yaml:"nats_url"`
	NatsToken     string `yaml:"nats_token"`
	NatsSubject   string `yaml:"nats_subject"`
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackChannel  string `yaml:"slack_channel"`
}

func defaults() Config {
	return Config{
		Port:              8760,
		LogLevel:          "info",
		OriginURL:         "https://chatgpt.com",
		RequestsPerSecond: 2,
		BridgeURL:         "http://127.0.0.1:9333",
		CheckpointBackend: "file",
		OutputDir:         ".",
		RootFolder:        "Chat Export",
		FolderGranularity: "year",
		ItemTimeout:       10 * time.Minute,
		HiddenMaxWait:     180 * time.Second,
		NatsSubject:       "threadexport",
	}
}

// Load reads the configuration from the environment on top of defaults.
func Load() Config {
	return fromEnv(defaults())
}

// Resolve is Load with the YAML file named by THREADEXPORT_CONFIG applied
// first, so environment variables win over the file.
func Resolve() (Config, error) {
	cfg := defaults()
	if path := os.Getenv(EnvFile); path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return Config{}, err
		}
	}
	return fromEnv(cfg), nil
}

// LoadFile overlays the keys present in the YAML file at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func fromEnv(c Config) Config {
	return Config{
		Port:              envInt("THREADEXPORT_PORT", c.Port),
		APIToken:          envStr("THREADEXPORT_API_TOKEN", c.APIToken),
		LogLevel:          envStr("LOG_LEVEL", c.LogLevel),
		OriginURL:         envStr("THREADEXPORT_ORIGIN_URL", c.OriginURL),
		AccessToken:       envStr("THREADEXPORT_ACCESS_TOKEN", c.AccessToken),
		Cookie:            envStr("THREADEXPORT_COOKIE", c.Cookie),
		UserAgent:         envStr("THREADEXPORT_USER_AGENT", c.UserAgent),
		ProjectID:         envStr("THREADEXPORT_PROJECT_ID", c.ProjectID),
		RequestsPerSecond: envFloat("THREADEXPORT_RPS", c.RequestsPerSecond),
		BridgeURL:         envStr("THREADEXPORT_BRIDGE_URL", c.BridgeURL),
		BridgeToken:       envStr("THREADEXPORT_BRIDGE_TOKEN", c.BridgeToken),
		CheckpointBackend: envStr("THREADEXPORT_CHECKPOINT", c.CheckpointBackend),
		CheckpointPath:    envStr("THREADEXPORT_CHECKPOINT_PATH", c.CheckpointPath),
		DatabaseURL:       envStr("DATABASE_URL", c.DatabaseURL),
		OutputDir:         envStr("THREADEXPORT_OUTPUT_DIR", c.OutputDir),
		RootFolder:        envStr("THREADEXPORT_ROOT_FOLDER", c.RootFolder),
		AccountName:       envStr("THREADEXPORT_ACCOUNT", c.AccountName),
		FolderGranularity: envStr("THREADEXPORT_FOLDER_GRANULARITY", c.FolderGranularity),
		DebugLog:          envBool("THREADEXPORT_DEBUG_LOG", c.DebugLog),
		ItemTimeout:       envDuration("THREADEXPORT_ITEM_TIMEOUT", c.ItemTimeout),
		HiddenMaxWait:     envDuration("THREADEXPORT_HIDDEN_MAX_WAIT", c.HiddenMaxWait),
		NatsURL:           envStr("NATS_URL", c.NatsURL),
		NatsToken:         envStr("NATS_TOKEN", c.NatsToken),
		NatsSubject:       envStr("NATS_SUBJECT", c.NatsSubject),
		SlackBotToken:     envStr("SLACK_BOT_TOKEN", c.SlackBotToken),
		SlackChannel:      envStr("SLACK_CHANNEL", c.SlackChannel),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
