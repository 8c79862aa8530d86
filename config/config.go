package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the application
type Config struct {
	BotToken      string
	GitHubToken   string
	GitHubBaseURL string

	CheckInterval     time.Duration
	FirstCheckWindow  time.Duration
	CommitBatchCap    int
	MessageDelay      time.Duration
	CommitPageSize    int
	RemoteTimeout     time.Duration
	DetailConcurrency int
	SinkRate          int

	DBDriver        string
	DatabasePath    string
	PostgresHost    string
	PostgresPort    string
	PostgresUser    string
	PostgresPass    string
	PostgresDB      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	AdminChatIDs  []int64
	DefaultLocale string
	LocalesDir    string
	ShowFiles     bool

	LogLevel string
	LogFile  string

	v *viper.Viper
}

// NewConfig creates a new Config instance
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)
	return &Config{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("COMMITWATCH_ENV_FILE", ".env")
	v.SetDefault("CHECK_INTERVAL", 60)
	v.SetDefault("FIRST_CHECK_WINDOW", 24)
	v.SetDefault("COMMIT_BATCH_CAP", 5)
	v.SetDefault("MESSAGE_DELAY", 0.5)
	v.SetDefault("COMMIT_PAGE_SIZE", 20)
	v.SetDefault("REMOTE_TIMEOUT", 15)
	v.SetDefault("DETAIL_CONCURRENCY", 4)
	v.SetDefault("SINK_RATE", 25)
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("DATABASE_PATH", "commitwatch.db")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "5m")
	v.SetDefault("DEFAULT_LOCALE", "en")
	v.SetDefault("SHOW_FILES", false)
	v.SetDefault("LOG_LEVEL", "info")
}

// SetEnvFile overrides the .env file read by Load.
func (c *Config) SetEnvFile(path string) {
	c.v.Set("COMMITWATCH_ENV_FILE", path)
}

// Load loads configuration from environment variables and an optional .env file.
// requireBot controls whether BOT_TOKEN must be present.
func (c *Config) Load(requireBot bool) error {
	v := c.v
	v.AutomaticEnv()

	envFile := v.GetString("COMMITWATCH_ENV_FILE")
	if _, err := os.Stat(envFile); err == nil {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", envFile, err)
		}
	}

	c.BotToken = v.GetString("BOT_TOKEN")
	if requireBot && c.BotToken == "" {
		return fmt.Errorf("%w: BOT_TOKEN is required", ErrInvalidConfig)
	}

	c.GitHubToken = v.GetString("GITHUB_TOKEN")
	if c.GitHubToken == "" {
		return fmt.Errorf("%w: GITHUB_TOKEN is required", ErrInvalidConfig)
	}
	c.GitHubBaseURL = v.GetString("GITHUB_BASE_URL")

	var err error
	if c.CheckInterval, err = positiveSeconds(v, "CHECK_INTERVAL"); err != nil {
		return err
	}
	hours, err := positiveFloat(v, "FIRST_CHECK_WINDOW")
	if err != nil {
		return err
	}
	c.FirstCheckWindow = time.Duration(hours * float64(time.Hour))

	if c.CommitBatchCap, err = positiveInt(v, "COMMIT_BATCH_CAP"); err != nil {
		return err
	}
	delay := v.GetFloat64("MESSAGE_DELAY")
	if delay < 0 {
		return fmt.Errorf("%w: MESSAGE_DELAY must not be negative", ErrInvalidConfig)
	}
	c.MessageDelay = time.Duration(delay * float64(time.Second))

	if c.CommitPageSize, err = positiveInt(v, "COMMIT_PAGE_SIZE"); err != nil {
		return err
	}
	if c.RemoteTimeout, err = positiveSeconds(v, "REMOTE_TIMEOUT"); err != nil {
		return err
	}
	if c.DetailConcurrency, err = positiveInt(v, "DETAIL_CONCURRENCY"); err != nil {
		return err
	}
	if c.SinkRate, err = positiveInt(v, "SINK_RATE"); err != nil {
		return err
	}

	c.DBDriver = strings.ToLower(v.GetString("DB_DRIVER"))
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("%w: unknown DB_DRIVER %q", ErrInvalidConfig, c.DBDriver)
	}
	c.DatabasePath = v.GetString("DATABASE_PATH")
	c.PostgresHost = v.GetString("POSTGRES_HOST")
	c.PostgresPort = v.GetString("POSTGRES_PORT")
	c.PostgresUser = v.GetString("POSTGRES_USER")
	c.PostgresPass = v.GetString("POSTGRES_PASSWORD")
	c.PostgresDB = v.GetString("POSTGRES_DB")
	c.MaxOpenConns = v.GetInt("DB_MAX_OPEN_CONNS")
	c.MaxIdleConns = v.GetInt("DB_MAX_IDLE_CONNS")
	c.ConnMaxLifetime, err = time.ParseDuration(v.GetString("DB_CONN_MAX_LIFETIME"))
	if err != nil {
		return fmt.Errorf("%w: invalid DB_CONN_MAX_LIFETIME: %v", ErrInvalidConfig, err)
	}

	c.AdminChatIDs, err = ParseAdminIDs(v.GetString("ADMIN_CHAT_IDS"))
	if err != nil {
		return err
	}
	c.DefaultLocale = v.GetString("DEFAULT_LOCALE")
	c.LocalesDir = v.GetString("LOCALES_DIR")
	c.ShowFiles = v.GetBool("SHOW_FILES")

	c.LogLevel = v.GetString("LOG_LEVEL")
	c.LogFile = v.GetString("LOG_FILE")

	return nil
}

// PostgresDSN builds the lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s port=%s host=%s sslmode=disable",
		c.PostgresUser, c.PostgresPass, c.PostgresDB, c.PostgresPort, c.PostgresHost,
	)
}

// ParseAdminIDs parses a comma separated list of chat ids. Surrounding
// brackets are tolerated, so both "1,2" and "[1, 2]" are accepted.
func ParseAdminIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")

	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ADMIN_CHAT_IDS must be comma-separated integers, got %q", ErrInvalidConfig, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	n := v.GetInt(key)
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
	}
	return n, nil
}

func positiveFloat(v *viper.Viper, key string) (float64, error) {
	f := v.GetFloat64(key)
	if f <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
	}
	return f, nil
}

func positiveSeconds(v *viper.Viper, key string) (time.Duration, error) {
	n, err := positiveInt(v, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
