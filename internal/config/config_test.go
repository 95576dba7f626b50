package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestParseDefaults(t *testing.T) {
	t.Setenv(EnvJWTSecret, "")
	cfg, err := Parse([]byte("jwt_secret: " + testSecret + "\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != defaultPort || cfg.Env != "development" || !cfg.IsDev() {
		t.Fatalf("unexpected defaults: port=%d env=%s", cfg.Port, cfg.Env)
	}
	if cfg.Auth.AccessTTL != 15*time.Minute || cfg.Auth.RefreshTTL != 30*24*time.Hour {
		t.Fatalf("unexpected ttl defaults: %+v", cfg.Auth)
	}
	if cfg.Auth.SessionStore != SessionStoreGorm {
		t.Fatalf("expected gorm store by default, got %s", cfg.Auth.SessionStore)
	}
	if cfg.Gateway.HandshakeTimeout != 5*time.Second || cfg.Gateway.ClusterFanout {
		t.Fatalf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.CleanupInterval != time.Hour {
		t.Fatalf("unexpected cleanup interval %s", cfg.CleanupInterval)
	}
	want := "root:password@tcp(127.0.0.1:3306)/authgate?charset=utf8mb4&loc=Local&parseTime=true"
	if cfg.DSN != want {
		t.Fatalf("dsn = %q, want %q", cfg.DSN, want)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
	if cfg.NeedsRedis() {
		t.Fatal("defaults should not need redis")
	}
}

func TestParseFullConfig(t *testing.T) {
	t.Setenv(EnvJWTSecret, "")
	content := `
port: 8080
env: prod
database:
  host: db.internal
  port: 3307
  user: auth
  password: "p@ss"
  name: accounts
redis:
  host: cache.internal
  password: secret
  db: 2
  tls: true
jwt_secret: ` + testSecret + `
auth:
  issuer: authgate
  access_ttl: 10m
  refresh_ttl: 720h
  password_reset_ttl: 30m
  email_verify_ttl: 48h
  session_store: Redis
  bcrypt_cost: 12
gateway:
  handshake_timeout: 3s
  cluster_fanout: true
mail:
  enable: true
  host: smtp.example.com
  user: noreply@example.com
  pass: pw
  app_url: https://app.example.com/
allowed_origins:
  - " https://app.example.com/ "
  - ""
cleanup_interval: 15m
`
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != 8080 || cfg.Env != "production" || cfg.IsDev() {
		t.Fatalf("unexpected port/env: %d %s", cfg.Port, cfg.Env)
	}
	if !strings.HasPrefix(cfg.DSN, "auth:p@ss@tcp(db.internal:3307)/accounts?") {
		t.Fatalf("unexpected dsn %q", cfg.DSN)
	}
	if cfg.RedisURL != "rediss://:secret@cache.internal:6379/2" {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
	if cfg.Auth.Issuer != "authgate" || cfg.Auth.AccessTTL != 10*time.Minute ||
		cfg.Auth.PasswordResetTTL != 30*time.Minute || cfg.Auth.EmailVerifyTTL != 48*time.Hour {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if cfg.Auth.SessionStore != SessionStoreRedis || cfg.Auth.BcryptCost != 12 {
		t.Fatalf("unexpected store/cost %+v", cfg.Auth)
	}
	if cfg.Gateway.HandshakeTimeout != 3*time.Second || !cfg.Gateway.ClusterFanout {
		t.Fatalf("unexpected gateway config %+v", cfg.Gateway)
	}
	if !cfg.NeedsRedis() {
		t.Fatal("redis store needs redis")
	}
	if cfg.Mail.AppURL != "https://app.example.com" || cfg.Mail.Port != 587 {
		t.Fatalf("unexpected mail config %+v", cfg.Mail)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.CleanupInterval != 15*time.Minute {
		t.Fatalf("unexpected cleanup interval %s", cfg.CleanupInterval)
	}
}

func TestParseRejects(t *testing.T) {
	t.Setenv(EnvJWTSecret, "")
	secret := "jwt_secret: " + testSecret + "\n"
	cases := map[string]string{
		"unknown key":        secret + "meilisearch:\n  enable: true\n",
		"short secret":       "jwt_secret: short\n",
		"bad duration":       secret + "auth:\n  access_ttl: soon\n",
		"negative duration":  secret + "gateway:\n  handshake_timeout: -1s\n",
		"bad store":          secret + "auth:\n  session_store: mongo\n",
		"memory in prod":     secret + "env: production\nauth:\n  session_store: memory\n",
		"sub-second access":  secret + "auth:\n  access_ttl: 500ms\n",
		"bad port":           secret + "port: 70000\n",
		"bad bcrypt cost":    secret + "auth:\n  bcrypt_cost: 99\n",
		"dsn without time":   secret + "dsn: root:pw@tcp(localhost:3306)/authgate\n",
		"mail without host":  secret + "mail:\n  enable: true\n  app_url: https://x\n",
		"mail without app":   secret + "mail:\n  enable: true\n  host: smtp\n",
		"bad redis db":       secret + "redis:\n  db: -1\n",
	}
	for name, content := range cases {
		if _, err := Parse([]byte(content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestJWTSecretFromEnv(t *testing.T) {
	t.Setenv(EnvJWTSecret, "from-env-from-env-from-env-from-env!")
	cfg, err := Parse([]byte("jwt_secret: " + testSecret + "\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.JWTSecret != "from-env-from-env-from-env-from-env!" {
		t.Fatalf("env override ignored, got %q", cfg.JWTSecret)
	}

	cfg, err = Parse(nil)
	if err != nil {
		t.Fatalf("empty document with env secret: %v", err)
	}
	if cfg.Port != defaultPort {
		t.Fatalf("unexpected port %d", cfg.Port)
	}
}

func TestLoadFromEnvPath(t *testing.T) {
	t.Setenv(EnvJWTSecret, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "authgate.yml")
	if err := os.WriteFile(path, []byte("port: 9000\njwt_secret: "+testSecret+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("expected port from file, got %d", cfg.Port)
	}

	if _, err := Load(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateDSN(t *testing.T) {
	if err := ValidateDSN("u:p@tcp(localhost:3306)/db?parseTime=true"); err != nil {
		t.Fatalf("valid dsn rejected: %v", err)
	}
	if err := ValidateDSN("u:p@tcp(localhost:3306)/?parseTime=true"); err == nil {
		t.Fatal("expected missing database name error")
	}
	if err := ValidateDSN("not a dsn"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNormalizeSessionStore(t *testing.T) {
	cases := map[string]string{
		"":         SessionStoreGorm,
		" MySQL ":  SessionStoreGorm,
		"database": SessionStoreGorm,
		"Redis":    SessionStoreRedis,
		"memory":   SessionStoreMemory,
		"mongo":    "mongo",
	}
	for in, want := range cases {
		if got := normalizeSessionStore(in); got != want {
			t.Errorf("normalizeSessionStore(%q) = %q, want %q", in, got, want)
		}
	}
}
