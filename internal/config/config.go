package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Data backends.
const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendSheets = "sheets"
)

// ValidBackends lists the accepted DATA_BACKEND values.
var ValidBackends = []string{BackendLocal, BackendS3, BackendSheets}

// DefaultExemptFields are never truncated to the top categories.
var DefaultExemptFields = []string{"campusName", "eventType", "separationmode", "year", "yearmon"}

// DefaultDashboardFields is the "Split on" list shown by the dashboard.
var DefaultDashboardFields = []string{
	"eventType", "sex", "postcode", "admissionsource", "separationmode",
	"transferdestination", "transfersource", "caretype", "criterionforadmission",
	"intentiontoreadmit", "proc01", "pph_je", "pph_je_type", "age_cat3", "pph_cd",
	"yearmon", "year", "CardiovascularRelated", "postcode_dc", "campusName",
	"primarydxName", "Cardiovascular", "seifa_quantile",
}

type Config struct {
	// HTTP Server
	Port           string
	FrameAncestors string
	RateLimitRPM   int

	// Dataset source
	DataBackend string
	DataDir     string
	DataFile    string

	// S3
	AWSAccessKey string
	AWSSecretKey string
	AWSBucket    string
	AWSFile      string
	AWSRegion    string
	S3Endpoint   string

	// Google Sheets
	GoogleSpreadsheetID       string
	GoogleSheetName           string
	GoogleSheetRange          string
	GoogleServiceAccountJSON  string
	GoogleServiceAccountFile  string
	GoogleApplicationCredFile string

	// Snapshot database
	SnapshotEnabled bool
	SQLiteDBPath    string

	// Refresh worker
	RefreshInterval time.Duration

	// Rollup
	RollupMaxTop    int
	ExemptFields    []string
	DashboardFields []string
	CacheSize       int
	CacheTTL        time.Duration

	// AMQP
	AMQPURL          string
	AMQPExchange     string
	AMQPRefreshQueue string
	AMQPEventsKey    string

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:           getEnv("PORT", "8050"),
		FrameAncestors: getEnv("FRAME_ANCESTORS", "'self'"),
		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", 120),

		DataBackend: getEnv("DATA_BACKEND", BackendLocal),
		DataDir:     getEnv("DATA_DIR", "./data"),
		DataFile:    getEnv("DATA_FILE", "admissions.csv"),

		AWSAccessKey: getEnv("AWS_AKEY", ""),
		AWSSecretKey: getEnv("AWS_SKEY", ""),
		AWSBucket:    getEnv("AWS_BUCKET", ""),
		AWSFile:      getEnv("AWS_FILE", ""),
		AWSRegion:    getEnv("AWS_REGION", "eu-central-1"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),

		GoogleSpreadsheetID:       getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:           getEnv("GOOGLE_SHEET_NAME", "Admissions"),
		GoogleSheetRange:          getEnv("GOOGLE_SHEET_RANGE", ""),
		GoogleServiceAccountJSON:  getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile:  getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
		GoogleApplicationCredFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		SnapshotEnabled: getEnvBool("SNAPSHOT_ENABLED", true),
		SQLiteDBPath:    getEnv("SQLITE_DB_PATH", "./data/snapshots.db"),

		RefreshInterval: getEnvDuration("DATASET_REFRESH_INTERVAL", 6*time.Hour),

		RollupMaxTop:    getEnvInt("ROLLUP_MAX_TOP", 5),
		ExemptFields:    getEnvList("ROLLUP_EXEMPT_FIELDS", DefaultExemptFields),
		DashboardFields: getEnvList("DASHBOARD_FIELDS", DefaultDashboardFields),
		CacheSize:       getEnvInt("ROLLUP_CACHE_SIZE", 256),
		CacheTTL:        getEnvDuration("ROLLUP_CACHE_TTL", 30*time.Minute),

		AMQPURL:          getEnv("AMQP_URL", ""),
		AMQPExchange:     getEnv("AMQP_EXCHANGE", "admissions"),
		AMQPRefreshQueue: getEnv("AMQP_REFRESH_QUEUE", "dataset_refresh"),
		AMQPEventsKey:    getEnv("AMQP_EVENTS_KEY", "rollup_computed"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	isValidBackend := false
	for _, backend := range ValidBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, ValidBackends))
	}

	switch c.DataBackend {
	case BackendLocal:
		if c.DataFile == "" {
			errors = append(errors, "DATA_FILE cannot be empty when using local backend")
		}
	case BackendS3:
		if c.AWSBucket == "" {
			errors = append(errors, "AWS_BUCKET is required when using s3 backend")
		}
		if c.AWSFile == "" {
			errors = append(errors, "AWS_FILE is required when using s3 backend")
		}
		if (c.AWSAccessKey == "") != (c.AWSSecretKey == "") {
			errors = append(errors, "AWS_AKEY and AWS_SKEY must be set together")
		}
		if c.S3Endpoint != "" {
			if u, err := url.Parse(c.S3Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
				errors = append(errors, fmt.Sprintf("invalid S3 endpoint '%s': must be an absolute URL", c.S3Endpoint))
			}
		}
	case BackendSheets:
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets backend")
		}
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" && c.GoogleApplicationCredFile == "" {
			errors = append(errors, "one of GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_APPLICATION_CREDENTIALS must be provided for sheets backend")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	if c.SnapshotEnabled {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when snapshots are enabled")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPRefreshQueue == "" {
			errors = append(errors, "AMQP refresh queue name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPEventsKey == "" {
			errors = append(errors, "AMQP events routing key cannot be empty when AMQP URL is provided")
		}
	}

	if c.RefreshInterval != 0 && c.RefreshInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid refresh interval %v: must be 0 (disabled) or at least 1 minute", c.RefreshInterval))
	}

	if c.RollupMaxTop < 1 {
		errors = append(errors, fmt.Sprintf("invalid rollup max top %d: must be at least 1", c.RollupMaxTop))
	}
	if c.CacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid rollup cache size %d: must be at least 1", c.CacheSize))
	}
	if c.CacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid rollup cache ttl %v: must not be negative", c.CacheTTL))
	}
	if c.RateLimitRPM < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitRPM))
	}
	if len(c.DashboardFields) == 0 {
		errors = append(errors, "DASHBOARD_FIELDS cannot be empty")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// AMQPEnabled reports whether messaging is configured.
func (c *Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

// ParseLogLevel maps LOG_LEVEL values to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level '%s': must be one of debug, info, warn, error", s)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks and duplicates.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return append([]string(nil), defaultValue...)
	}
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
