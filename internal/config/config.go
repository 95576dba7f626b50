package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when neither --config nor AUTHGATE_CONFIG is set.
	DefaultConfigPath = "config.yml"

	EnvConfigPath = "AUTHGATE_CONFIG"
	EnvJWTSecret  = "AUTHGATE_JWT_SECRET"

	defaultPort              = 2333
	defaultEnv               = "development"
	defaultDBHost            = "127.0.0.1"
	defaultDBPort            = 3306
	defaultDBUser            = "root"
	defaultDBPassword        = "password"
	defaultDBName            = "authgate"
	defaultDBCharset         = "utf8mb4"
	defaultDBLoc             = "Local"
	defaultRedisHost         = "localhost"
	defaultRedisPort         = 6379
	defaultRedisDB           = 0
	defaultAccessTTL         = 15 * time.Minute
	defaultRefreshTTL        = 30 * 24 * time.Hour
	defaultPasswordResetTTL  = time.Hour
	defaultEmailVerifyTTL    = 24 * time.Hour
	defaultHandshakeTimeout  = 5 * time.Second
	defaultCleanupInterval   = time.Hour
	defaultFanoutChannel     = "authgate:gateway"
	defaultSessionStore      = SessionStoreGorm
	defaultMailPort          = 587
	minJWTSecretLength       = 32
	minAccessTTL             = time.Second
	minBcryptCost            = 4
	maxBcryptCost            = 31
)

// Session store backends.
const (
	SessionStoreGorm   = "gorm"
	SessionStoreRedis  = "redis"
	SessionStoreMemory = "memory"
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port            int
	Env             string // "development" | "production"
	DSN             string
	RedisURL        string
	Database        DatabaseRuntimeConfig
	Redis           RedisRuntimeConfig
	JWTSecret       string
	Auth            AuthConfig
	Gateway         GatewayConfig
	Mail            MailConfig
	AllowedOrigins  []string
	CleanupInterval time.Duration
}

type DatabaseRuntimeConfig struct {
	DSN       string
	Host      string
	Port      int
	User      string
	Password  string
	Name      string
	Charset   string
	ParseTime bool
	Loc       string
	Params    map[string]string
}

type RedisRuntimeConfig struct {
	URL      string
	Host     string
	Port     int
	Username string
	Password string
	DB       int
	TLS      bool
}

type AuthConfig struct {
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	PasswordResetTTL time.Duration
	EmailVerifyTTL   time.Duration
	SessionStore     string
	BcryptCost       int
	// LoginRateLimit caps credential attempts per client IP and minute; 0 disables it.
	LoginRateLimit   int
}

type GatewayConfig struct {
	HandshakeTimeout time.Duration
	// ClusterFanout relays targeted emits through Redis pub/sub so that sockets
	// held by other instances receive them.
	ClusterFanout bool
	Channel       string
}

type MailConfig struct {
	Enable  bool
	Host    string
	Port    int
	User    string
	Pass    string
	From    string
	ReplyTo string
	AppURL  string
}

type rawAppConfig struct {
	Port            int               `yaml:"port"`
	Env             string            `yaml:"env"`
	DSN             string            `yaml:"dsn"`
	RedisURL        string            `yaml:"redis_url"`
	Database        rawDatabaseConfig `yaml:"database"`
	Redis           rawRedisConfig    `yaml:"redis"`
	JWTSecret       string            `yaml:"jwt_secret"`
	Auth            rawAuthConfig     `yaml:"auth"`
	Gateway         rawGatewayConfig  `yaml:"gateway"`
	Mail            rawMailConfig     `yaml:"mail"`
	AllowedOrigins  []string          `yaml:"allowed_origins"`
	CleanupInterval string            `yaml:"cleanup_interval"`
}

type rawDatabaseConfig struct {
	DSN       string            `yaml:"dsn"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Password  string            `yaml:"password"`
	Name      string            `yaml:"name"`
	Charset   string            `yaml:"charset"`
	ParseTime *bool             `yaml:"parse_time"`
	Loc       string            `yaml:"loc"`
	Params    map[string]string `yaml:"params"`
}

type rawRedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       *int   `yaml:"db"`
	TLS      *bool  `yaml:"tls"`
}

type rawAuthConfig struct {
	Issuer           string `yaml:"issuer"`
	AccessTTL        string `yaml:"access_ttl"`
	RefreshTTL       string `yaml:"refresh_ttl"`
	PasswordResetTTL string `yaml:"password_reset_ttl"`
	EmailVerifyTTL   string `yaml:"email_verify_ttl"`
	SessionStore     string `yaml:"session_store"`
	BcryptCost       int    `yaml:"bcrypt_cost"`
	LoginRateLimit   *int   `yaml:"login_rate_limit"`
}

type rawGatewayConfig struct {
	HandshakeTimeout string `yaml:"handshake_timeout"`
	ClusterFanout    *bool  `yaml:"cluster_fanout"`
	Channel          string `yaml:"channel"`
}

type rawMailConfig struct {
	Enable  *bool  `yaml:"enable"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
	From    string `yaml:"from"`
	ReplyTo string `yaml:"reply_to"`
	AppURL  string `yaml:"app_url"`
}

// Load reads, normalizes and validates the YAML config at configPath. An empty
// path falls back to $AUTHGATE_CONFIG and then DefaultConfigPath.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path == "" {
		path = DefaultConfigPath
	}
	path = ResolveConfigPath(path)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML content. Unknown keys are rejected.
func Parse(content []byte) (*AppConfig, error) {
	cfg := defaultAppConfig()
	raw := rawAppConfig{}
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if err := applyRawAppConfig(&cfg, raw); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		cfg.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultAppConfig() AppConfig {
	cfg := AppConfig{
		Port: defaultPort,
		Env:  defaultEnv,
		Database: DatabaseRuntimeConfig{
			Host:      defaultDBHost,
			Port:      defaultDBPort,
			User:      defaultDBUser,
			Password:  defaultDBPassword,
			Name:      defaultDBName,
			Charset:   defaultDBCharset,
			ParseTime: true,
			Loc:       defaultDBLoc,
		},
		Redis: RedisRuntimeConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		Auth: AuthConfig{
			AccessTTL:        defaultAccessTTL,
			RefreshTTL:       defaultRefreshTTL,
			PasswordResetTTL: defaultPasswordResetTTL,
			EmailVerifyTTL:   defaultEmailVerifyTTL,
			SessionStore:     defaultSessionStore,
		},
		Gateway: GatewayConfig{
			HandshakeTimeout: defaultHandshakeTimeout,
			Channel:          defaultFanoutChannel,
		},
		Mail: MailConfig{
			Port: defaultMailPort,
		},
		CleanupInterval: defaultCleanupInterval,
	}
	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return cfg
}

func applyRawAppConfig(cfg *AppConfig, raw rawAppConfig) error {
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	if v := strings.TrimSpace(raw.Env); v != "" {
		cfg.Env = v
	}
	cfg.Database = applyRawDatabaseConfig(cfg.Database, raw)
	cfg.Redis = applyRawRedisConfig(cfg.Redis, raw)
	if v := strings.TrimSpace(raw.JWTSecret); v != "" {
		cfg.JWTSecret = v
	}
	if raw.AllowedOrigins != nil {
		cfg.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	}
	if err := parseDuration("cleanup_interval", raw.CleanupInterval, &cfg.CleanupInterval); err != nil {
		return err
	}

	auth := &cfg.Auth
	if v := strings.TrimSpace(raw.Auth.Issuer); v != "" {
		auth.Issuer = v
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"auth.access_ttl", raw.Auth.AccessTTL, &auth.AccessTTL},
		{"auth.refresh_ttl", raw.Auth.RefreshTTL, &auth.RefreshTTL},
		{"auth.password_reset_ttl", raw.Auth.PasswordResetTTL, &auth.PasswordResetTTL},
		{"auth.email_verify_ttl", raw.Auth.EmailVerifyTTL, &auth.EmailVerifyTTL},
		{"gateway.handshake_timeout", raw.Gateway.HandshakeTimeout, &cfg.Gateway.HandshakeTimeout},
	} {
		if err := parseDuration(d.key, d.raw, d.dst); err != nil {
			return err
		}
	}
	if raw.Auth.SessionStore != "" {
		auth.SessionStore = normalizeSessionStore(raw.Auth.SessionStore)
	}
	if raw.Auth.BcryptCost != 0 {
		auth.BcryptCost = raw.Auth.BcryptCost
	}
	if raw.Auth.LoginRateLimit != nil {
		auth.LoginRateLimit = *raw.Auth.LoginRateLimit
	}

	if raw.Gateway.ClusterFanout != nil {
		cfg.Gateway.ClusterFanout = *raw.Gateway.ClusterFanout
	}
	if v := strings.TrimSpace(raw.Gateway.Channel); v != "" {
		cfg.Gateway.Channel = v
	}

	cfg.Mail = applyRawMailConfig(cfg.Mail, raw.Mail)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	cfg.Env = normalizeEnv(cfg.Env)
	return nil
}

func applyRawDatabaseConfig(current DatabaseRuntimeConfig, raw rawAppConfig) DatabaseRuntimeConfig {
	cfg := current

	if v := strings.TrimSpace(raw.Database.DSN); v != "" {
		cfg.DSN = v
	}
	if v := strings.TrimSpace(raw.DSN); v != "" {
		cfg.DSN = v
	}
	if v := strings.TrimSpace(raw.Database.Host); v != "" {
		cfg.Host = v
	}
	if raw.Database.Port != 0 {
		cfg.Port = raw.Database.Port
	}
	if v := strings.TrimSpace(raw.Database.User); v != "" {
		cfg.User = v
	}
	if v := strings.TrimSpace(raw.Database.Password); v != "" {
		cfg.Password = v
	}
	if v := strings.TrimSpace(raw.Database.Name); v != "" {
		cfg.Name = v
	}
	if v := strings.TrimSpace(raw.Database.Charset); v != "" {
		cfg.Charset = v
	}
	if raw.Database.ParseTime != nil {
		cfg.ParseTime = *raw.Database.ParseTime
	}
	if v := strings.TrimSpace(raw.Database.Loc); v != "" {
		cfg.Loc = v
	}
	if raw.Database.Params != nil {
		cfg.Params = copyStringMap(raw.Database.Params)
	}

	return normalizeDatabaseConfig(cfg)
}

func applyRawRedisConfig(current RedisRuntimeConfig, raw rawAppConfig) RedisRuntimeConfig {
	cfg := current

	if v := strings.TrimSpace(raw.Redis.URL); v != "" {
		cfg.URL = v
	}
	if v := strings.TrimSpace(raw.RedisURL); v != "" {
		cfg.URL = v
	}
	if v := strings.TrimSpace(raw.Redis.Host); v != "" {
		cfg.Host = v
	}
	if raw.Redis.Port != 0 {
		cfg.Port = raw.Redis.Port
	}
	if v := strings.TrimSpace(raw.Redis.Username); v != "" {
		cfg.Username = v
	}
	if v := strings.TrimSpace(raw.Redis.Password); v != "" {
		cfg.Password = v
	}
	if raw.Redis.DB != nil {
		cfg.DB = *raw.Redis.DB
	}
	if raw.Redis.TLS != nil {
		cfg.TLS = *raw.Redis.TLS
	}

	return normalizeRedisConfig(cfg)
}

func applyRawMailConfig(cfg MailConfig, raw rawMailConfig) MailConfig {
	if raw.Enable != nil {
		cfg.Enable = *raw.Enable
	}
	if v := strings.TrimSpace(raw.Host); v != "" {
		cfg.Host = v
	}
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	if v := strings.TrimSpace(raw.User); v != "" {
		cfg.User = v
	}
	if raw.Pass != "" {
		cfg.Pass = raw.Pass
	}
	if v := strings.TrimSpace(raw.From); v != "" {
		cfg.From = v
	}
	if v := strings.TrimSpace(raw.ReplyTo); v != "" {
		cfg.ReplyTo = v
	}
	if v := strings.TrimSpace(raw.AppURL); v != "" {
		cfg.AppURL = strings.TrimRight(v, "/")
	}
	return cfg
}

func parseDuration(key, raw string, dst *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s %q, expected a positive duration", key, raw)
	}
	*dst = d
	return nil
}

// Validate reports the first configuration error.
func (c *AppConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d, expected 1-65535", c.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database.port %d, expected 1-65535", c.Database.Port)
	}
	if err := ValidateDSN(c.DSN); err != nil {
		return err
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis.port %d, expected 1-65535", c.Redis.Port)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis.db %d, expected >= 0", c.Redis.DB)
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("jwt_secret must be at least %d bytes (set it in the config or %s)", minJWTSecretLength, EnvJWTSecret)
	}
	switch c.Auth.SessionStore {
	case SessionStoreGorm, SessionStoreRedis, SessionStoreMemory:
	default:
		return fmt.Errorf("invalid auth.session_store %q, expected gorm, redis or memory", c.Auth.SessionStore)
	}
	if c.Auth.SessionStore == SessionStoreMemory && !c.IsDev() {
		return fmt.Errorf("auth.session_store %q is only allowed in development", SessionStoreMemory)
	}
	if c.Auth.BcryptCost != 0 && (c.Auth.BcryptCost < minBcryptCost || c.Auth.BcryptCost > maxBcryptCost) {
		return fmt.Errorf("invalid auth.bcrypt_cost %d, expected %d-%d", c.Auth.BcryptCost, minBcryptCost, maxBcryptCost)
	}
	if c.Auth.AccessTTL < minAccessTTL {
		return fmt.Errorf("invalid auth.access_ttl %s, expected at least %s", c.Auth.AccessTTL, minAccessTTL)
	}
	if c.Auth.LoginRateLimit < 0 {
		return fmt.Errorf("invalid auth.login_rate_limit %d, expected >= 0", c.Auth.LoginRateLimit)
	}
	if c.Mail.Enable {
		if c.Mail.Host == "" {
			return fmt.Errorf("mail.host is required when mail is enabled")
		}
		if c.Mail.AppURL == "" {
			return fmt.Errorf("mail.app_url is required when mail is enabled")
		}
	}
	return nil
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c *AppConfig) NeedsRedis() bool {
	return c.Auth.SessionStore == SessionStoreRedis || c.Gateway.ClusterFanout || c.Auth.LoginRateLimit > 0
}

func (c *AppConfig) IsDev() bool {
	return c.Env == "development"
}
