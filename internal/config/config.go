// Package config loads service configuration from a YAML file with
// .env / environment variable overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	IMAP     IMAPConfig     `yaml:"imap"`
	Model    ModelConfig    `yaml:"model"`
	Journal  JournalConfig  `yaml:"journal"`
	Training TrainingConfig `yaml:"training"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// IMAPConfig holds mailbox connection configuration
type IMAPConfig struct {
	Server         string   `yaml:"server"`
	User           string   `yaml:"user"`
	Password       string   `yaml:"password"`
	Mailbox        string   `yaml:"mailbox"`
	BatchSize      int      `yaml:"batch_size"`
	SelfAddresses  []string `yaml:"self_addresses"` // addresses that identify the account owner
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c IMAPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Account returns the login user, falling back to the first self address
func (c IMAPConfig) Account() string {
	if c.User != "" {
		return c.User
	}
	if len(c.SelfAddresses) > 0 {
		return c.SelfAddresses[0]
	}
	return ""
}

// ModelConfig holds classifier backend configuration
type ModelConfig struct {
	ServerURL      string `yaml:"server_url"` // inference endpoint
	Dir            string `yaml:"dir"`        // model artifacts (label_mapping.json)
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c ModelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// JournalConfig holds the classification journal configuration
type JournalConfig struct {
	Path string `yaml:"path"`
}

// TrainingConfig holds training-corpus configuration
type TrainingConfig struct {
	Dir       string `yaml:"dir"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
	AccessKey string `yaml:"access_key"` // Empty uses default credential chain (IAM role on ECS)
	SecretKey string `yaml:"secret_key"`
}

// JobsConfig holds background job configuration
type JobsConfig struct {
	AutoClassify          bool   `yaml:"auto_classify"`
	Recheck               bool   `yaml:"recheck"`
	IngestIntervalMinutes int    `yaml:"ingest_interval_minutes"`
	RecheckIntervalHours  int    `yaml:"recheck_interval_hours"`
	VerificationLabel     string `yaml:"verification_label"`
}

// IngestInterval returns the periodic ingest interval as a duration
func (c JobsConfig) IngestInterval() time.Duration {
	return time.Duration(c.IngestIntervalMinutes) * time.Minute
}

// RecheckInterval returns the periodic recheck interval as a duration
func (c JobsConfig) RecheckInterval() time.Duration {
	return time.Duration(c.RecheckIntervalHours) * time.Hour
}

// AdminConfig holds the privileged API configuration
type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}

// Load reads and parses the configuration file. A missing file is not an
// error: the service can run entirely from environment variables.
func Load(path string) (*Config, error) {
	var cfg Config
	// Jobs are opt-out, so seed them before unmarshal
	cfg.Jobs.AutoClassify = true
	cfg.Jobs.Recheck = true

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.IMAP.Server == "" {
		cfg.IMAP.Server = "imap.gmail.com"
	}
	if cfg.IMAP.Mailbox == "" {
		cfg.IMAP.Mailbox = "INBOX"
	}
	if cfg.IMAP.BatchSize == 0 {
		cfg.IMAP.BatchSize = 50
	}
	if cfg.IMAP.TimeoutSeconds == 0 {
		cfg.IMAP.TimeoutSeconds = 60
	}
	if cfg.Model.TimeoutSeconds == 0 {
		cfg.Model.TimeoutSeconds = 30
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "email_history.db"
	}
	if cfg.Training.Dir == "" {
		cfg.Training.Dir = "TrainingData"
	}
	if cfg.Training.S3Region == "" {
		cfg.Training.S3Region = "us-west-2"
	}
	if cfg.Jobs.IngestIntervalMinutes == 0 {
		cfg.Jobs.IngestIntervalMinutes = 5
	}
	if cfg.Jobs.RecheckIntervalHours == 0 {
		cfg.Jobs.RecheckIntervalHours = 6
	}
	if cfg.Jobs.VerificationLabel == "" {
		cfg.Jobs.VerificationLabel = "__VERIFIED__"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if addrs := os.Getenv("MY_EMAIL"); addrs != "" {
		cfg.IMAP.SelfAddresses = splitAddresses(addrs)
	}
	if user := os.Getenv("IMAP_USER"); user != "" {
		cfg.IMAP.User = user
	}
	if password := os.Getenv("IMAP_PASSWORD"); password != "" {
		cfg.IMAP.Password = password
	}
	if server := os.Getenv("IMAP_SERVER"); server != "" {
		cfg.IMAP.Server = server
	}
	if mailbox := os.Getenv("IMAP_MAILBOX"); mailbox != "" {
		cfg.IMAP.Mailbox = mailbox
	}
	if v := os.Getenv("IMAP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IMAP.BatchSize = n
		}
	}
	if dir := os.Getenv("MODEL_DIR"); dir != "" {
		cfg.Model.Dir = dir
	}
	if url := os.Getenv("MODEL_SERVER_URL"); url != "" {
		cfg.Model.ServerURL = url
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Journal.Path = path
	}
	if dir := os.Getenv("TRAINING_DATA_DIR"); dir != "" {
		cfg.Training.Dir = dir
	}
	if bucket := os.Getenv("TRAINING_ARCHIVE_S3_BUCKET"); bucket != "" {
		cfg.Training.S3Bucket = bucket
	}
	if region := os.Getenv("TRAINING_ARCHIVE_S3_REGION"); region != "" {
		cfg.Training.S3Region = region
	}
	if accessKey := os.Getenv("TRAINING_S3_ACCESS_KEY"); accessKey != "" {
		cfg.Training.AccessKey = accessKey
	}
	if secretKey := os.Getenv("TRAINING_S3_SECRET_KEY"); secretKey != "" {
		cfg.Training.SecretKey = secretKey
	}
	if apiKey := os.Getenv("ADMIN_API_KEY"); apiKey != "" {
		cfg.Admin.APIKey = apiKey
	}
	if v := os.Getenv("ENABLE_AUTO_CLASSIFICATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Jobs.AutoClassify = b
		}
	}
	if v := os.Getenv("ENABLE_RECHECK_JOB"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Jobs.Recheck = b
		}
	}
	if v := os.Getenv("INGEST_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs.IngestIntervalMinutes = n
		}
	}
	if v := os.Getenv("RECHECK_INTERVAL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs.RecheckIntervalHours = n
		}
	}
	if label := os.Getenv("VERIFICATION_LABEL"); label != "" {
		cfg.Jobs.VerificationLabel = label
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}

	return cfg, nil
}

// splitAddresses normalizes a comma-separated address list to lowercase.
func splitAddresses(raw string) []string {
	parts := strings.Split(raw, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		if a := strings.ToLower(strings.TrimSpace(p)); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
