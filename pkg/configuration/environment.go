package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OVCR-ORIA/discovery/pkg/logging"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
)

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

// LoadEnv loads the given env files from the working directory, falling back
// to the nearest directory holding a go.mod.
func LoadEnv(envFiles []string) (int, error) {
	existingFiles := existing(envFiles, "")
	if len(existingFiles) == 0 {
		if root := moduleRoot(); root != "" {
			existingFiles = existing(envFiles, root)
		}
	}
	if len(existingFiles) == 0 {
		return 0, nil
	}
	return len(existingFiles), godotenv.Load(existingFiles...)
}

func existing(envFiles []string, dir string) []string {
	out := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		path := file
		if dir != "" {
			path = filepath.Join(dir, file)
		}
		if fs.FileExists(path) {
			out = append(out, path)
		}
	}
	return out
}

func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if fs.FileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

type DatabaseOptions struct {
	Driver   string `env:"DB_DRIVER" envDefault:"pgx"`
	Name     string `env:"DB_NAME" envDefault:"oria_master"`
	TestName string `env:"DB_TEST_NAME" envDefault:"oria_test"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"loader_bot"`
	Password string `env:"DB_PASSWORD"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// ConnectionString returns a key/value DSN understood by both pgx and lib/pq.
func (d *DatabaseOptions) ConnectionString(name string) string {
	if name == "" {
		name = d.Name
	}
	parts := []string{
		"host=" + d.Host,
		"port=" + d.Port,
		"user=" + d.User,
		"dbname=" + name,
		"sslmode=" + d.SSLMode,
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	return strings.Join(parts, " ")
}

// DatabaseName maps the --db choice onto a configured database name.
func (d *DatabaseOptions) DatabaseName(choice string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(choice)) {
	case "", "master":
		return d.Name, nil
	case "test":
		return d.TestName, nil
	default:
		return "", fmt.Errorf("invalid database %q (expected master|test)", choice)
	}
}

func (d *DatabaseOptions) Validate() error {
	switch d.Driver {
	case DriverPgx, DriverPostgres:
	default:
		return fmt.Errorf("invalid DB_DRIVER=%q (expected %s|%s)", d.Driver, DriverPgx, DriverPostgres)
	}
	return nil
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"oria"`
}

type PrometheusOptions struct {
	PushgatewayURL string `env:"PROMETHEUS_PUSHGATEWAY_URL"`
	Job            string `env:"PROMETHEUS_JOB" envDefault:"oria_loaders"`
}

type GeocoderOptions struct {
	GoogleKey      string        `env:"GOOGLE_GEOCODING_KEY"`
	GoogleURL      string        `env:"GOOGLE_GEOCODING_URL" envDefault:"https://maps.googleapis.com/maps/api/geocode/json"`
	RPS            float64       `env:"GEOCODE_RPS" envDefault:"10"`
	DistrictURL    string        `env:"DISTRICT_API_URL" envDefault:"https://congress.api.sunlightfoundation.com/districts/locate"`
	DistrictKey    string        `env:"DISTRICT_API_KEY"`
	DistrictMaxAge time.Duration `env:"DISTRICT_MAX_AGE" envDefault:"8760h"`
}

func (g *GeocoderOptions) Validate() error {
	if g.RPS <= 0 {
		return fmt.Errorf("GEOCODE_RPS must be positive, got %v", g.RPS)
	}
	return nil
}

type Configuration struct {
	Database      DatabaseOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	Geocoder      GeocoderOptions

	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogPath           string `env:"LOG_PATH"`
	FacultyIDKey      string `env:"FACULTY_ID_KEY"`
	StarMetricsConfig string `env:"STAR_METRICS_CONFIG" envDefault:"star_metrics.toml"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 && os.Getenv("LOG_LEVEL") == "debug" {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return c.SetLogFile(c.LogPath)
}

func (c *Configuration) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database configuration error: %w", err)
	}
	if err := c.Geocoder.Validate(); err != nil {
		return fmt.Errorf("geocoder configuration error: %w", err)
	}
	switch c.LogLevel {
	case "silent", "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid LOG_LEVEL=%q (expected silent|error|warn|info|debug)", c.LogLevel)
	}
	return nil
}

// SetLogFile swaps the logger for one that also appends to path. An empty
// path logs to the console only.
func (c *Configuration) SetLogFile(path string) error {
	if path == "" {
		if c.logger == nil {
			c.logger = logging.ConsoleLogger(c.LogrusLogLevel())
		}
		return nil
	}
	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), path)
	if err != nil {
		return err
	}
	c.Unload()
	c.logFile = f
	c.logger = logger
	c.LogPath = path
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
		c.logFile = nil
	}
}
