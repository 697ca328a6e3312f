package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location; RECORDER_CONFIG overrides it.
var ConfigPath = envOr("RECORDER_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	EncryptionKey  string `yaml:"encryptionKey"`
	StorageBackend string `yaml:"storageBackend"`
	StorageDir     string `yaml:"storageDir"`
	StagingDir     string `yaml:"stagingDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	ProcessorURL      string `yaml:"processorURL"`
	ProcessorAPIKey   string `yaml:"processorAPIKey"`
	ProcessorAudience string `yaml:"processorAudience"`
	SubmitTimeout     string `yaml:"submitTimeout"`
	CallTimeout       string `yaml:"callTimeout"`

	InternalJWTIssuer           string   `yaml:"internalJwtIssuer"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTPrivateKeyPath   string   `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalAllowedIssuers      []string `yaml:"internalAllowedIssuers"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCidrs"`

	MaxUploadBytes          int64    `yaml:"maxUploadBytes"`
	QuotaBytes              int64    `yaml:"quotaBytes"`
	AudioRetentionDays      int      `yaml:"audioRetentionDays"`
	TaskRetentionDays       int      `yaml:"taskRetentionDays"`
	TranscriptRetentionDays int      `yaml:"transcriptRetentionDays"`
	AllowedExtensions       []string `yaml:"allowedExtensions"`
	UploadIdleTimeout       string   `yaml:"uploadIdleTimeout"`
	UploadRateLimitPerHour  int      `yaml:"uploadRateLimitPerHour"`

	PollInterval      string `yaml:"pollInterval"`
	PollConcurrency   int    `yaml:"pollConcurrency"`
	PollMaxFailures   int    `yaml:"pollMaxFailures"`
	PollStream        string `yaml:"pollStream"`
	SubmissionTimeout string `yaml:"submissionTimeout"`
	ProcessingTimeout string `yaml:"processingTimeout"`

	RetentionInterval string `yaml:"retentionInterval"`
	RetentionLockPath string `yaml:"retentionLockPath"`

	NotifyChannel string `yaml:"notifyChannel"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPExchange  string `yaml:"amqpExchange"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("RECORDER_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("RECORDER_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("RECORDER_PROCESSOR_URL"); v != "" {
		cfg.ProcessorURL = v
	}
	if v := os.Getenv("RECORDER_PROCESSOR_API_KEY"); v != "" {
		cfg.ProcessorAPIKey = v
	}
	if v := os.Getenv("RECORDER_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("RECORDER_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("RECORDER_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.QuotaBytes = n
		}
	}
	if v := os.Getenv("RECORDER_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("RECORDER_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("RECORDER_AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.EncryptionKey == "" {
		return errors.New("config: encryptionKey is required (set in config.yaml or RECORDER_ENCRYPTION_KEY)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "", "fs":
		if cfg.StorageDir == "" {
			return errors.New("config: storageDir is required for the fs storage backend")
		}
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required for the minio storage backend")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q (want fs or minio)", cfg.StorageBackend)
	}
	if cfg.ProcessorURL == "" {
		return errors.New("config: processorURL is required (set in config.yaml or RECORDER_PROCESSOR_URL)")
	}
	if cfg.ProcessorAPIKey == "" && cfg.InternalJWTPrivateKeyPath == "" {
		return errors.New("config: processorAPIKey or internalJwtPrivateKeyPath is required to authenticate to the processor")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or RECORDER_AUTH_JWKS_URL)")
	}
	if cfg.InternalJWTPublicKeyPath == "" && cfg.InternalJWTVerifyPublicKeys == "" {
		return errors.New("config: internalJwtPublicKeyPath or internalJwtVerifyPublicKeys is required for webhook and admin auth")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must not be negative")
	}
	for name, days := range map[string]int{
		"audioRetentionDays":      cfg.AudioRetentionDays,
		"taskRetentionDays":       cfg.TaskRetentionDays,
		"transcriptRetentionDays": cfg.TranscriptRetentionDays,
	} {
		if days < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	for name, raw := range map[string]string{
		"jwtLeeway":         cfg.JWTLeeway,
		"submitTimeout":     cfg.SubmitTimeout,
		"callTimeout":       cfg.CallTimeout,
		"uploadIdleTimeout": cfg.UploadIdleTimeout,
		"pollInterval":      cfg.PollInterval,
		"submissionTimeout": cfg.SubmissionTimeout,
		"processingTimeout": cfg.ProcessingTimeout,
		"retentionInterval": cfg.RetentionInterval,
	} {
		if _, err := ParseDuration(raw, 0); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses a Go duration string, returning def when raw is empty.
func ParseDuration(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, errors.New("duration must not be negative")
	}
	return dur, nil
}

// Duration is ParseDuration for values already checked by validateConfig.
func Duration(raw string, def time.Duration) time.Duration {
	dur, err := ParseDuration(raw, def)
	if err != nil || dur == 0 {
		return def
	}
	return dur
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
