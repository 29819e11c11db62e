package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FailPolicy decides what the service does with a transaction when the dedup store is unavailable.
type FailPolicy string

const (
	// FailClosed rejects the transaction so the upstream retries it.
	FailClosed FailPolicy = "closed"
	// FailOpen forwards the transaction as not duplicate and flags it degraded.
	FailOpen FailPolicy = "open"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// Config contains runtime configuration required by the service.
type Config struct {
	HTTPAddr string
	APIKeys  map[string]string // apiKey -> caller

	Window     time.Duration
	Grace      time.Duration
	KeyFields  []string
	FailPolicy FailPolicy

	// Retention bounds how long claims are kept by stores without native expiry.
	Retention     time.Duration
	PurgeInterval time.Duration

	Store StoreConfig

	LogLevel  string
	LogFormat string

	OTLPEndpoint string
	OTLPInsecure bool
}

// StoreConfig selects and configures the dedup store backend.
type StoreConfig struct {
	Backend string
	// Retention mirrors Config.Retention for stores with native expiry.
	Retention time.Duration

	DBURL          string
	SQLitePath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	DynamoTable    string
	AWSRegion      string
	DynamoEndpoint string
}

// fileConfig mirrors the optional YAML config file.
type fileConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	APIKeys  string `yaml:"api_keys"`
	Dedup    struct {
		Window     string   `yaml:"window"`
		Grace      string   `yaml:"grace"`
		KeyFields  []string `yaml:"key_fields"`
		FailPolicy string   `yaml:"fail_policy"`
		Retention  string   `yaml:"retention"`
	} `yaml:"dedup"`
	Store struct {
		Backend        string `yaml:"backend"`
		DBURL          string `yaml:"db_url"`
		SQLitePath     string `yaml:"sqlite_path"`
		RedisAddr      string `yaml:"redis_addr"`
		RedisPassword  string `yaml:"redis_password"`
		RedisDB        int    `yaml:"redis_db"`
		DynamoTable    string `yaml:"dynamodb_table"`
		AWSRegion      string `yaml:"aws_region"`
		DynamoEndpoint string `yaml:"dynamodb_endpoint"`
	} `yaml:"store"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		Insecure     bool   `yaml:"insecure"`
	} `yaml:"telemetry"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddr:      ":8080",
		APIKeys:       map[string]string{},
		Window:        300 * time.Second,
		Grace:         5 * time.Second,
		KeyFields:     []string{"authCode"},
		FailPolicy:    FailClosed,
		PurgeInterval: time.Minute,
		Store: StoreConfig{
			Backend:     BackendMemory,
			SQLitePath:  "dupcheck.db",
			RedisAddr:   "localhost:6379",
			DynamoTable: "transaction_dupcheck_log",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from, in increasing precedence: defaults, the YAML
// file named by CONFIG_FILE, a .env file in the working directory, and the
// process environment.
//
// API_KEYS format: "caller1:key1,caller2:key2"
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	// Local dev fallback so the service runs out-of-the-box.
	if len(cfg.APIKeys) == 0 {
		cfg.APIKeys["pipeline-key-123"] = "pipeline"
	}

	if cfg.Retention == 0 {
		cfg.Retention = cfg.Window + cfg.Grace
	}
	cfg.Store.Retention = cfg.Retention

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.New("WINDOW_DURATION_SECONDS must be > 0")
	}
	if c.Grace < 0 {
		return errors.New("DEDUP_GRACE_SECONDS must be >= 0")
	}
	if c.Window < c.Grace {
		return errors.New("WINDOW_DURATION_SECONDS must be at least DEDUP_GRACE_SECONDS")
	}
	if c.Retention != 0 && c.Retention < c.Window+c.Grace {
		return errors.New("DEDUP_RETENTION_SECONDS must cover the window plus grace")
	}
	if len(c.KeyFields) == 0 {
		return errors.New("DEDUP_KEY_FIELDS must name at least one field")
	}
	switch c.FailPolicy {
	case FailClosed, FailOpen:
	default:
		return fmt.Errorf(`DEDUP_FAIL_POLICY must be "closed" or "open", got %q`, c.FailPolicy)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DBURL == "" {
			return errors.New("DB_URL required for postgres store")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("SQLITE_PATH required for sqlite store")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("REDIS_ADDR required for redis store")
		}
	case BackendDynamoDB:
		if c.Store.DynamoTable == "" {
			return errors.New("DYNAMODB_TABLE required for dynamodb store")
		}
	default:
		return fmt.Errorf("unknown DEDUP_STORE %q", c.Store.Backend)
	}
	return nil
}

// applyFile overlays values from a YAML file. ${VAR} references are expanded
// from the environment before parsing.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	if fc.APIKeys != "" {
		keys, err := parseAPIKeys(fc.APIKeys)
		if err != nil {
			return err
		}
		cfg.APIKeys = keys
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"dedup.window", fc.Dedup.Window, &cfg.Window},
		{"dedup.grace", fc.Dedup.Grace, &cfg.Grace},
		{"dedup.retention", fc.Dedup.Retention, &cfg.Retention},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	if len(fc.Dedup.KeyFields) > 0 {
		cfg.KeyFields = fc.Dedup.KeyFields
	}
	if fc.Dedup.FailPolicy != "" {
		cfg.FailPolicy = FailPolicy(fc.Dedup.FailPolicy)
	}

	setString(&cfg.Store.Backend, fc.Store.Backend)
	setString(&cfg.Store.DBURL, fc.Store.DBURL)
	setString(&cfg.Store.SQLitePath, fc.Store.SQLitePath)
	setString(&cfg.Store.RedisAddr, fc.Store.RedisAddr)
	setString(&cfg.Store.RedisPassword, fc.Store.RedisPassword)
	if fc.Store.RedisDB != 0 {
		cfg.Store.RedisDB = fc.Store.RedisDB
	}
	setString(&cfg.Store.DynamoTable, fc.Store.DynamoTable)
	setString(&cfg.Store.AWSRegion, fc.Store.AWSRegion)
	setString(&cfg.Store.DynamoEndpoint, fc.Store.DynamoEndpoint)

	setString(&cfg.LogLevel, fc.Logging.Level)
	setString(&cfg.LogFormat, fc.Logging.Format)
	setString(&cfg.OTLPEndpoint, fc.Telemetry.OTLPEndpoint)
	cfg.OTLPInsecure = cfg.OTLPInsecure || fc.Telemetry.Insecure
	return nil
}

// applyEnv overlays values from environment variables.
func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, env("HTTP_ADDR"))

	if raw := env("API_KEYS"); raw != "" {
		keys, err := parseAPIKeys(raw)
		if err != nil {
			return err
		}
		cfg.APIKeys = keys
	}

	if err := setSeconds(&cfg.Window, "WINDOW_DURATION_SECONDS"); err != nil {
		return err
	}
	if err := setSeconds(&cfg.Grace, "DEDUP_GRACE_SECONDS"); err != nil {
		return err
	}
	if err := setSeconds(&cfg.Retention, "DEDUP_RETENTION_SECONDS"); err != nil {
		return err
	}

	if raw := env("DEDUP_KEY_FIELDS"); raw != "" {
		var fields []string
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		cfg.KeyFields = fields
	}
	if raw := env("DEDUP_FAIL_POLICY"); raw != "" {
		cfg.FailPolicy = FailPolicy(strings.ToLower(raw))
	}

	setString(&cfg.Store.Backend, strings.ToLower(env("DEDUP_STORE")))
	setString(&cfg.Store.DBURL, env("DB_URL"))
	setString(&cfg.Store.SQLitePath, env("SQLITE_PATH"))
	setString(&cfg.Store.RedisAddr, env("REDIS_ADDR"))
	setString(&cfg.Store.RedisPassword, env("REDIS_PASSWORD"))
	if raw := env("REDIS_DB"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("REDIS_DB must be an integer: %w", err)
		}
		cfg.Store.RedisDB = n
	}
	setString(&cfg.Store.DynamoTable, env("DYNAMODB_TABLE"))
	setString(&cfg.Store.AWSRegion, env("AWS_REGION"))
	setString(&cfg.Store.DynamoEndpoint, env("DYNAMODB_ENDPOINT"))

	setString(&cfg.LogLevel, env("LOG_LEVEL"))
	setString(&cfg.LogFormat, env("LOG_FORMAT"))
	setString(&cfg.OTLPEndpoint, env("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if raw := env("OTEL_EXPORTER_OTLP_INSECURE"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("OTEL_EXPORTER_OTLP_INSECURE must be a boolean: %w", err)
		}
		cfg.OTLPInsecure = b
	}
	return nil
}

// parseAPIKeys parses "caller:key,caller:key" into key -> caller.
func parseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "caller:key,caller:key"`)
		}
		caller := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if caller == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "caller:key,caller:key"`)
		}
		apiKeys[key] = caller
	}
	return apiKeys, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setSeconds(dst *time.Duration, name string) error {
	raw := env(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s must be an integer number of seconds: %w", name, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
