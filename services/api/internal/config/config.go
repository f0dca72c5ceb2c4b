package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is read when CONFIG_PATH is unset.
	DefaultConfigPath = "config.yaml"
	// DevSecretKey is the built-in signing secret for local development only.
	DevSecretKey = "your-secret-key-change-in-production"

	defaultPort                  = "8001"
	defaultLogLevel              = "info"
	defaultAlgorithm             = "HS256"
	defaultTokenMinutes          = 30
	defaultUploadsDir            = "uploads"
	defaultMaxUploadBytes        = 10 << 20
	defaultMinioBucket           = "portfolio-uploads"
	defaultAuditExchange         = "portfolio.audit"
	defaultAuditQueueSize        = 1024
	defaultRegisterRatePerMinute = 10
	defaultLoginRatePerMinute    = 20

	minBcryptCost = 4
	maxBcryptCost = 31
)

// DefaultImageExtensions is the upload allow-list used when none is configured.
var DefaultImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".avif"}

// FileConfig represents configuration loaded from YAML and the environment.
type FileConfig struct {
	Port                       string   `yaml:"port"`
	LogLevel                   string   `yaml:"logLevel"`
	DatabaseURL                string   `yaml:"databaseURL"`
	DatabaseName               string   `yaml:"databaseName"`
	SecretKey                  string   `yaml:"secretKey"`
	Algorithm                  string   `yaml:"algorithm"`
	AccessTokenExpireMinutes   int      `yaml:"accessTokenExpireMinutes"`
	BcryptCost                 int      `yaml:"bcryptCost"`
	UploadsDir                 string   `yaml:"uploadsDir"`
	MaxUploadBytes             int64    `yaml:"maxUploadBytes"`
	AllowedImageExtensions     []string `yaml:"allowedImageExtensions"`
	MinioEndpoint              string   `yaml:"minioEndpoint"`
	MinioAccessKey             string   `yaml:"minioAccessKey"`
	MinioSecretKey             string   `yaml:"minioSecretKey"`
	MinioBucket                string   `yaml:"minioBucket"`
	MinioUseSSL                bool     `yaml:"minioUseSSL"`
	RedisAddr                  string   `yaml:"redisAddr"`
	RedisPassword              string   `yaml:"redisPassword"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins         []string `yaml:"corsAllowedOrigins"`
	RegisterRateLimitPerMinute int      `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	AMQPURL                    string   `yaml:"amqpURL"`
	AuditExchange              string   `yaml:"auditExchange"`
	AuditQueueSize             int      `yaml:"auditQueueSize"`

	// FromFile is false when no config file was found and only defaults and
	// environment variables apply.
	FromFile bool `yaml:"-"`
}

// ConfigPath returns $CONFIG_PATH, or config.yaml.
func ConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return DefaultConfigPath
}

// Defaults returns the local-development configuration.
func Defaults() FileConfig {
	return FileConfig{
		Port:                       defaultPort,
		LogLevel:                   defaultLogLevel,
		SecretKey:                  DevSecretKey,
		Algorithm:                  defaultAlgorithm,
		AccessTokenExpireMinutes:   defaultTokenMinutes,
		UploadsDir:                 defaultUploadsDir,
		MaxUploadBytes:             defaultMaxUploadBytes,
		AllowedImageExtensions:     append([]string(nil), DefaultImageExtensions...),
		MinioBucket:                defaultMinioBucket,
		RegisterRateLimitPerMinute: defaultRegisterRatePerMinute,
		LoginRateLimitPerMinute:    defaultLoginRatePerMinute,
		AuditExchange:              defaultAuditExchange,
		AuditQueueSize:             defaultAuditQueueSize,
	}
}

// Load reads config from path (defaults to ConfigPath()). A missing file is
// not an error: defaults plus environment overrides are used instead.
func Load(path string) (FileConfig, error) {
	cfg := Defaults()
	if path == "" {
		path = ConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		cfg.FromFile = true
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.AllowedImageExtensions = normalizeExtensions(cfg.AllowedImageExtensions)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	var errs []error
	envString("PORT", &cfg.Port)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("DATABASE_URL", &cfg.DatabaseURL)
	envString("DATABASE_NAME", &cfg.DatabaseName)
	envString("SECRET_KEY", &cfg.SecretKey)
	envString("ALGORITHM", &cfg.Algorithm)
	errs = append(errs, envInt("ACCESS_TOKEN_EXPIRE_MINUTES", &cfg.AccessTokenExpireMinutes))
	errs = append(errs, envInt("BCRYPT_COST", &cfg.BcryptCost))
	envString("UPLOADS_DIR", &cfg.UploadsDir)
	errs = append(errs, envInt64("MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes))
	envCSV("ALLOWED_IMAGE_EXTENSIONS", &cfg.AllowedImageExtensions)
	envString("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	envString("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	envString("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	envString("MINIO_BUCKET", &cfg.MinioBucket)
	errs = append(errs, envBool("MINIO_USE_SSL", &cfg.MinioUseSSL))
	envString("REDIS_ADDR", &cfg.RedisAddr)
	envString("REDIS_PASSWORD", &cfg.RedisPassword)
	envCSV("TRUSTED_PROXY_CIDRS", &cfg.TrustedProxyCIDRs)
	envCSV("CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins)
	errs = append(errs, envInt("REGISTER_RATE_LIMIT_PER_MINUTE", &cfg.RegisterRateLimitPerMinute))
	errs = append(errs, envInt("LOGIN_RATE_LIMIT_PER_MINUTE", &cfg.LoginRateLimitPerMinute))
	envString("AMQP_URL", &cfg.AMQPURL)
	envString("AUDIT_EXCHANGE", &cfg.AuditExchange)
	errs = append(errs, envInt("AUDIT_QUEUE_SIZE", &cfg.AuditQueueSize))
	return errors.Join(errs...)
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required")
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return errors.New("config: secretKey is required (set SECRET_KEY)")
	}
	switch strings.ToUpper(strings.TrimSpace(cfg.Algorithm)) {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("config: unsupported algorithm %q (want HS256, HS384 or HS512)", cfg.Algorithm)
	}
	if cfg.AccessTokenExpireMinutes <= 0 {
		return errors.New("config: accessTokenExpireMinutes must be > 0")
	}
	if cfg.BcryptCost != 0 && (cfg.BcryptCost < minBcryptCost || cfg.BcryptCost > maxBcryptCost) {
		return fmt.Errorf("config: bcryptCost must be between %d and %d", minBcryptCost, maxBcryptCost)
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("config: maxUploadBytes must be > 0")
	}
	if strings.TrimSpace(cfg.UploadsDir) == "" && strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: uploadsDir or minioEndpoint is required")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" && strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioBucket is required with minioEndpoint")
	}
	if cfg.RegisterRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.AuditQueueSize <= 0 {
		return errors.New("config: auditQueueSize must be > 0")
	}
	if strings.TrimSpace(cfg.AMQPURL) != "" && strings.TrimSpace(cfg.AuditExchange) == "" {
		return errors.New("config: auditExchange is required with amqpURL")
	}
	return nil
}

// TokenTTL is the access token lifetime.
func (c FileConfig) TokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

// UsingDevSecret reports whether the built-in development secret is in use.
func (c FileConfig) UsingDevSecret() bool {
	return c.SecretKey == DevSecretKey
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envCSV(name string, dst *[]string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*dst = splitCSV(v)
	}
}

func envInt(name string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q", name, v)
	}
	*dst = n
	return nil
}

func envInt64(name string, dst *int64) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q", name, v)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q", name, v)
	}
	*dst = b
	return nil
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

// normalizeExtensions lower-cases entries and adds the leading dot.
func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
