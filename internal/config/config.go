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

// ConfigPath is the default config location; FILESHARE_CONFIG overrides it.
const ConfigPath = "config.yaml"

const (
	StorageMinio = "minio"
	StorageS3    = "s3"
	StorageLocal = "local"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SessionTTL          string `yaml:"sessionTTL"`
	RefreshTTL          string `yaml:"refreshTTL"`
	JWTPrivateKeyPath   string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath    string `yaml:"jwtPublicKeyPath"`
	JWTKeyID            string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`
	MFAIssuer           string `yaml:"mfaIssuer"`

	StorageBackend  string `yaml:"storageBackend"`
	MinioEndpoint   string `yaml:"minioEndpoint"`
	MinioAccessKey  string `yaml:"minioAccessKey"`
	MinioSecretKey  string `yaml:"minioSecretKey"`
	MinioBucket     string `yaml:"minioBucket"`
	MinioUseSSL     bool   `yaml:"minioUseSSL"`
	S3Region        string `yaml:"s3Region"`
	S3Bucket        string `yaml:"s3Bucket"`
	S3Endpoint      string `yaml:"s3Endpoint"`
	S3AccessKey     string `yaml:"s3AccessKey"`
	S3SecretKey     string `yaml:"s3SecretKey"`
	S3UsePathStyle  bool   `yaml:"s3UsePathStyle"`
	LocalStorageDir string `yaml:"localStorageDir"`

	CORSAllowedOrigins         []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	SignupRateLimitPerMinute   int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	RefreshRateLimitPerMinute  int      `yaml:"refreshRateLimitPerMinute"`
	MFARateLimitPerMinute      int      `yaml:"mfaRateLimitPerMinute"`
	DownloadRateLimitPerMinute int      `yaml:"downloadRateLimitPerMinute"`
}

// Load reads config from path (defaults to FILESHARE_CONFIG, then config.yaml),
// applies environment overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = strings.TrimSpace(os.Getenv("FILESHARE_CONFIG"))
	}
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
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	envString(&cfg.Port, "PORT")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.RedisAddr, "REDIS_ADDR")
	envString(&cfg.RedisPassword, "REDIS_PASSWORD")
	envString(&cfg.SessionTTL, "FILESHARE_SESSION_TTL")
	envString(&cfg.RefreshTTL, "FILESHARE_REFRESH_TTL")
	envString(&cfg.JWTPrivateKeyPath, "JWT_PRIVATE_KEY_PATH")
	envString(&cfg.JWTPublicKeyPath, "JWT_PUBLIC_KEY_PATH")
	envString(&cfg.JWTKeyID, "JWT_KEY_ID")
	envString(&cfg.JWTVerifyPublicKeys, "JWT_VERIFY_PUBLIC_KEYS")
	envString(&cfg.JWTIssuer, "JWT_ISSUER")
	envString(&cfg.JWTAudience, "JWT_AUDIENCE")
	envString(&cfg.JWTLeeway, "JWT_LEEWAY")
	envString(&cfg.MFAIssuer, "FILESHARE_MFA_ISSUER")
	envString(&cfg.StorageBackend, "FILESHARE_STORAGE_BACKEND")
	envString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	envString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	envString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	envString(&cfg.MinioBucket, "MINIO_BUCKET")
	envBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")
	envString(&cfg.S3Region, "AWS_REGION")
	envString(&cfg.S3Bucket, "S3_BUCKET")
	envString(&cfg.S3Endpoint, "S3_ENDPOINT")
	envString(&cfg.S3AccessKey, "AWS_ACCESS_KEY_ID")
	envString(&cfg.S3SecretKey, "AWS_SECRET_ACCESS_KEY")
	envBool(&cfg.S3UsePathStyle, "S3_USE_PATH_STYLE")
	envString(&cfg.LocalStorageDir, "FILESHARE_LOCAL_STORAGE_DIR")
	envCSV(&cfg.CORSAllowedOrigins, "FILESHARE_CORS_ALLOWED_ORIGINS")
	envCSV(&cfg.TrustedProxyCIDRs, "FILESHARE_TRUSTED_PROXY_CIDRS")
	envInt(&cfg.SignupRateLimitPerMinute, "FILESHARE_SIGNUP_RATE_LIMIT_PER_MINUTE")
	envInt(&cfg.LoginRateLimitPerMinute, "FILESHARE_LOGIN_RATE_LIMIT_PER_MINUTE")
	envInt(&cfg.RefreshRateLimitPerMinute, "FILESHARE_REFRESH_RATE_LIMIT_PER_MINUTE")
	envInt(&cfg.MFARateLimitPerMinute, "FILESHARE_MFA_RATE_LIMIT_PER_MINUTE")
	envInt(&cfg.DownloadRateLimitPerMinute, "FILESHARE_DOWNLOAD_RATE_LIMIT_PER_MINUTE")
}

func applyDefaults(cfg *FileConfig) {
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = StorageMinio
	}
	if strings.TrimSpace(cfg.MFAIssuer) == "" {
		cfg.MFAIssuer = "SecureFileShare"
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "15m"
	}
	if cfg.RefreshTTL == "" {
		cfg.RefreshTTL = "168h"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for revocation, refresh tokens and rate limiting")
	}
	if cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtPrivateKeyPath is required (set JWT_PRIVATE_KEY_PATH)")
	}
	if _, err := cfg.SessionDuration(); err != nil {
		return err
	}
	if _, err := cfg.RefreshDuration(); err != nil {
		return err
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if _, err := ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys); err != nil {
		return err
	}
	switch cfg.StorageBackend {
	case StorageMinio:
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio storage backend")
		}
	case StorageS3:
		if cfg.S3Bucket == "" || cfg.S3Region == "" {
			return errors.New("config: s3Bucket and s3Region are required for the s3 storage backend")
		}
	case StorageLocal:
		if strings.TrimSpace(cfg.LocalStorageDir) == "" {
			return errors.New("config: localStorageDir is required for the local storage backend")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 ||
		cfg.MFARateLimitPerMinute < 0 || cfg.DownloadRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// SessionDuration parses sessionTTL.
func (c FileConfig) SessionDuration() (time.Duration, error) {
	return parsePositiveDuration("sessionTTL", c.SessionTTL)
}

// RefreshDuration parses refreshTTL.
func (c FileConfig) RefreshDuration() (time.Duration, error) {
	return parsePositiveDuration("refreshTTL", c.RefreshTTL)
}

func parsePositiveDuration(name, raw string) (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", name)
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("config: invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("config: invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func envCSV(dst *[]string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = splitCSV(v)
	}
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
