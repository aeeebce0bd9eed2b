// Package settings loads the service settings from environment variables.
package settings

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Settings is the service configuration.
type Settings struct {
	Server  Server
	Reports Reports
	Logging Logging
	Render  Render
	NATS    NATS
	Storage Storage
	DB      Database
	Sentry  Sentry
	Tracing Tracing
	Version string `env:"SERVICE_VERSION" default:"dev"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Addr            string        `env:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" default:"30s"`
	MaxBodyBytes    int64         `env:"HTTP_MAX_BODY_BYTES" default:"33554432"`
}

// Reports holds where templates and report configurations live.
type Reports struct {
	TemplatesFolder string `env:"TEMPLATES_FOLDER" envAlt:"REPORTS_TEMPLATES_FOLDER" default:"templates"`
	ConfigsFolder   string `env:"CONFIGS_FOLDER" envAlt:"REPORTS_CONFIGS_FOLDER" default:"configs"`
}

// Logging holds the logger settings.
type Logging struct {
	Level  string `env:"LOG_LEVEL" default:"info"`
	Format string `env:"LOG_FORMAT" default:"json"`
	// Dir receives one JSON log file per day. Empty logs to stderr only.
	Dir           string `env:"LOG_DIR"`
	RetainedFiles int    `env:"LOG_RETAINED_FILES" default:"10"`
}

// Render holds the generation limits. MaxConcurrent 0 sizes the limiter from the CPUs.
type Render struct {
	MaxConcurrent int           `env:"MAX_CONCURRENT_RENDERS" default:"0"`
	DeriveTimeout time.Duration `env:"DERIVE_TIMEOUT" default:"2s"`
	ArchiveIndex  int           `env:"ARCHIVE_INDEX_ENTRIES" default:"500"`
}

// NATS holds the request/reply listener settings. An empty URL disables it.
type NATS struct {
	URL     string        `env:"NATS_URL"`
	Subject string        `env:"NATS_SUBJECT" default:"reports.generate"`
	Queue   string        `env:"NATS_QUEUE" default:"banda"`
	Name    string        `env:"NATS_CLIENT_NAME" default:"banda-reportd"`
	Token   string        `env:"NATS_TOKEN" secret:"true"`
	Timeout time.Duration `env:"NATS_TIMEOUT" default:"5s"`
}

// Storage holds the output archive settings. An empty connection string disables it.
type Storage struct {
	ConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING" secret:"true"`
	Container        string `env:"AZURE_STORAGE_CONTAINER" default:"reports"`
}

// Database holds the SQL source settings. An empty URL disables generation from filters.
type Database struct {
	URL      string `env:"DATABASE_URL" envAlt:"DB_URL" secret:"true"`
	MaxConns int    `env:"DB_MAX_CONNS" default:"10"`
}

// Sentry holds the error reporting settings. An empty DSN disables it.
type Sentry struct {
	DSN         string `env:"SENTRY_DSN" secret:"true"`
	Environment string `env:"SENTRY_ENVIRONMENT" default:"development"`
}

// Tracing holds the OTLP exporter settings. An empty endpoint disables it.
type Tracing struct {
	Endpoint    string  `env:"OTLP_ENDPOINT"`
	SampleRatio float64 `env:"OTLP_SAMPLE_RATIO" default:"1.0"`
}

// Load reads the settings from the environment, applying defaults, and validates them.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := loadStruct(reflect.ValueOf(s).Elem()); err != nil {
		return nil, fmt.Errorf("settings load: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation: %w", err)
	}
	return s, nil
}

func loadStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)
		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		value := os.Getenv(envName)
		if value == "" && field.Tag.Get("envAlt") != "" {
			value = os.Getenv(field.Tag.Get("envAlt"))
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}
	return nil
}

const redacted = "****"

// Public returns every setting keyed by its environment variable, with secrets that
// are set replaced by a mask.
func (s *Settings) Public() map[string]string {
	out := make(map[string]string)
	collectPublic(reflect.ValueOf(s).Elem(), out)
	return out
}

func collectPublic(v reflect.Value, out map[string]string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)
		if field.Type.Kind() == reflect.Struct {
			collectPublic(fieldVal, out)
			continue
		}
		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		value := fmt.Sprint(fieldVal.Interface())
		if field.Tag.Get("secret") == "true" && value != "" {
			value = redacted
		}
		out[envName] = value
	}
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate checks the settings and reports every problem at once.
func (s *Settings) Validate() error {
	var errs []string

	if strings.TrimSpace(s.Server.Addr) == "" {
		errs = append(errs, "HTTP_ADDR must not be empty")
	}
	if s.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "HTTP_SHUTDOWN_TIMEOUT must be positive")
	}
	if s.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "HTTP_MAX_BODY_BYTES must be positive")
	}
	if s.Reports.TemplatesFolder == "" {
		errs = append(errs, "TEMPLATES_FOLDER must not be empty")
	}
	if s.Reports.ConfigsFolder == "" {
		errs = append(errs, "CONFIGS_FOLDER must not be empty")
	}

	switch strings.ToLower(s.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL %q must be debug, info, warn or error", s.Logging.Level))
	}
	switch strings.ToLower(s.Logging.Format) {
	case "json", "console", "text":
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT %q must be json or console", s.Logging.Format))
	}

	if s.Logging.RetainedFiles <= 0 {
		errs = append(errs, "LOG_RETAINED_FILES must be positive")
	}

	if s.Render.MaxConcurrent < 0 {
		errs = append(errs, "MAX_CONCURRENT_RENDERS must be non-negative")
	}
	if s.Render.DeriveTimeout <= 0 {
		errs = append(errs, "DERIVE_TIMEOUT must be positive")
	}
	if s.Render.ArchiveIndex <= 0 {
		errs = append(errs, "ARCHIVE_INDEX_ENTRIES must be positive")
	}
	if s.NATS.URL != "" && s.NATS.Subject == "" {
		errs = append(errs, "NATS_SUBJECT is required when NATS_URL is set")
	}
	if s.Storage.ConnectionString != "" && s.Storage.Container == "" {
		errs = append(errs, "AZURE_STORAGE_CONTAINER is required when a connection string is set")
	}
	if s.DB.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if s.Tracing.SampleRatio < 0 || s.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("OTLP_SAMPLE_RATIO (%g) must be between 0 and 1", s.Tracing.SampleRatio))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
