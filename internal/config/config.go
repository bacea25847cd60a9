package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	JWTSecret string        `mapstructure:"JWT_SECRET"`
	JWTExpire time.Duration `mapstructure:"JWT_EXPIRE"`

	AuthCacheSize int           `mapstructure:"AUTH_CACHE_SIZE"`
	AuthCacheTTL  time.Duration `mapstructure:"AUTH_CACHE_TTL"`

	LoginRateLimitRPS   float64 `mapstructure:"LOGIN_RATE_LIMIT_RPS"`
	LoginRateLimitBurst int     `mapstructure:"LOGIN_RATE_LIMIT_BURST"`

	AdminLoginID  string `mapstructure:"ADMIN_LOGIN_ID"`
	AdminPassword string `mapstructure:"ADMIN_PASSWORD"`

	UploadDir         string `mapstructure:"UPLOAD_DIR"`
	UploadMaxFileSize string `mapstructure:"UPLOAD_MAX_FILE_SIZE"`
	BodyLimit         string `mapstructure:"BODY_LIMIT"`

	ReportScript     string        `mapstructure:"REPORT_SCRIPT"`
	ReportPython     string        `mapstructure:"REPORT_PYTHON"`
	ReportTempDir    string        `mapstructure:"REPORT_TEMP_DIR"`
	ReportOutputDir  string        `mapstructure:"REPORT_OUTPUT_DIR"`
	ReportTimeout    time.Duration `mapstructure:"REPORT_TIMEOUT"`
	ReportMaxOutput  string        `mapstructure:"REPORT_MAX_OUTPUT"`
	ReportKeepOutput bool          `mapstructure:"REPORT_KEEP_OUTPUT"`

	ReportArchiveBucket string `mapstructure:"REPORT_ARCHIVE_BUCKET"`
	ReportArchivePrefix string `mapstructure:"REPORT_ARCHIVE_PREFIX"`

	// Passed through to the renderer process environment.
	RoboflowAPIKey string `mapstructure:"ROBOFLOW_API_KEY"`
	WorkspaceName  string `mapstructure:"WORKSPACE_NAME"`
	WorkflowID     string `mapstructure:"WORKFLOW_ID"`
	GrokAPIKey     string `mapstructure:"GROK_API_KEY"`
	GrokEndpoint   string `mapstructure:"GROK_ENDPOINT"`
	GrokModel      string `mapstructure:"GROK_MODEL"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"MIGRATIONS_DIR",
	"JWT_SECRET", "JWT_EXPIRE",
	"AUTH_CACHE_SIZE", "AUTH_CACHE_TTL",
	"LOGIN_RATE_LIMIT_RPS", "LOGIN_RATE_LIMIT_BURST",
	"ADMIN_LOGIN_ID", "ADMIN_PASSWORD",
	"UPLOAD_DIR", "UPLOAD_MAX_FILE_SIZE", "BODY_LIMIT",
	"REPORT_SCRIPT", "REPORT_PYTHON", "REPORT_TEMP_DIR", "REPORT_OUTPUT_DIR",
	"REPORT_TIMEOUT", "REPORT_MAX_OUTPUT", "REPORT_KEEP_OUTPUT",
	"REPORT_ARCHIVE_BUCKET", "REPORT_ARCHIVE_PREFIX",
	"ROBOFLOW_API_KEY", "WORKSPACE_NAME", "WORKFLOW_ID",
	"GROK_API_KEY", "GROK_ENDPOINT", "GROK_MODEL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3001")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("JWT_EXPIRE", "168h")
	v.SetDefault("AUTH_CACHE_SIZE", 1024)
	v.SetDefault("AUTH_CACHE_TTL", "30s")
	v.SetDefault("LOGIN_RATE_LIMIT_RPS", 1)
	v.SetDefault("LOGIN_RATE_LIMIT_BURST", 10)
	v.SetDefault("ADMIN_LOGIN_ID", "admin")
	v.SetDefault("UPLOAD_DIR", "public")
	v.SetDefault("UPLOAD_MAX_FILE_SIZE", "10M")
	v.SetDefault("BODY_LIMIT", "80M")
	v.SetDefault("REPORT_SCRIPT", "generate_report.py")
	v.SetDefault("REPORT_TEMP_DIR", "temp")
	v.SetDefault("REPORT_OUTPUT_DIR", "outputs")
	v.SetDefault("REPORT_TIMEOUT", "5m")
	v.SetDefault("REPORT_MAX_OUTPUT", "10M")
	v.SetDefault("REPORT_KEEP_OUTPUT", true)
	v.SetDefault("REPORT_ARCHIVE_PREFIX", "reports/")
	v.SetDefault("GROK_ENDPOINT", "https://api.x.ai/v1/chat/completions")
	v.SetDefault("GROK_MODEL", "grok-4-1-fast-reasoning")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	// The legacy deployment used CHATGPT_API_KEY for the same credential.
	if cfg.GrokAPIKey == "" {
		cfg.GrokAPIKey = v.GetString("CHATGPT_API_KEY")
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development)")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks values that Load cannot reject on its own.
func (c *Config) Validate() error {
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.JWTExpire <= 0 {
		return fmt.Errorf("JWT_EXPIRE must be positive, got %s", c.JWTExpire)
	}
	if c.ReportTimeout <= 0 {
		return fmt.Errorf("REPORT_TIMEOUT must be positive, got %s", c.ReportTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	for name, s := range map[string]string{
		"UPLOAD_MAX_FILE_SIZE": c.UploadMaxFileSize,
		"BODY_LIMIT":           c.BodyLimit,
		"REPORT_MAX_OUTPUT":    c.ReportMaxOutput,
	} {
		if _, err := ParseSize(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ParseSize parses a human-readable size such as "512K", "10M" or "1G" into
// bytes. A bare number is treated as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * multiplier, nil
}

// MustSize is ParseSize for values already checked by Validate.
func MustSize(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		panic(err)
	}
	return n
}
