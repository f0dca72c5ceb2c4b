package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FromFile {
		t.Fatalf("expected FromFile=false")
	}
	if cfg.Port != "8001" {
		t.Fatalf("port = %q, want 8001", cfg.Port)
	}
	if !cfg.UsingDevSecret() {
		t.Fatalf("expected development secret")
	}
	if cfg.TokenTTL() != 30*time.Minute {
		t.Fatalf("token ttl = %v", cfg.TokenTTL())
	}
	if cfg.MaxUploadBytes != 10<<20 {
		t.Fatalf("maxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if len(cfg.AllowedImageExtensions) != len(DefaultImageExtensions) {
		t.Fatalf("unexpected extensions: %v", cfg.AllowedImageExtensions)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
port: "9000"
logLevel: "debug"
databaseURL: "postgres://app:app@db:5432/app?sslmode=disable"
secretKey: "file-secret"
algorithm: "HS512"
accessTokenExpireMinutes: 15
allowedImageExtensions: ["PNG", ".jpg"]
redisAddr: "redis:6379"
`)
	t.Setenv("SECRET_KEY", "env-secret")
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "45")
	t.Setenv("DATABASE_NAME", "portfolio")
	t.Setenv("TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 192.168.0.1")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.FromFile || cfg.Port != "9000" || cfg.LogLevel != "debug" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.SecretKey != "env-secret" || cfg.UsingDevSecret() {
		t.Fatalf("secretKey = %q, want env override", cfg.SecretKey)
	}
	if cfg.TokenTTL() != 45*time.Minute {
		t.Fatalf("token ttl = %v, want 45m", cfg.TokenTTL())
	}
	if cfg.DatabaseName != "portfolio" {
		t.Fatalf("databaseName = %q", cfg.DatabaseName)
	}
	if len(cfg.TrustedProxyCIDRs) != 2 || cfg.TrustedProxyCIDRs[1] != "192.168.0.1" {
		t.Fatalf("trustedProxyCidrs = %v", cfg.TrustedProxyCIDRs)
	}
	if !cfg.MinioUseSSL {
		t.Fatalf("expected minioUseSSL override")
	}
	if got := strings.Join(cfg.AllowedImageExtensions, ","); got != ".png,.jpg" {
		t.Fatalf("allowedImageExtensions = %q", got)
	}
	if cfg.RegisterRateLimitPerMinute != 10 {
		t.Fatalf("expected default register rate limit to survive, got %d", cfg.RegisterRateLimitPerMinute)
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	if got := ConfigPath(); got != DefaultConfigPath {
		t.Fatalf("config path = %q", got)
	}
	t.Setenv("CONFIG_PATH", "/etc/portfolio.yaml")
	if got := ConfigPath(); got != "/etc/portfolio.yaml" {
		t.Fatalf("config path = %q", got)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"algorithm":     `algorithm: "RS256"`,
		"token minutes": `accessTokenExpireMinutes: -1`,
		"bcrypt cost":   `bcryptCost: 40`,
		"upload bytes":  `maxUploadBytes: -5`,
		"rate limits":   `loginRateLimitPerMinute: -1`,
		"minio bucket":  "minioEndpoint: \"minio:9000\"\nminioBucket: \" \"",
		"bad yaml":      `port: [`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "soon")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected malformed env to fail")
	}
}
