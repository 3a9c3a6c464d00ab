package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"workweave/api/internal/correlate"
	"workweave/api/internal/gitrepo"
	"workweave/api/internal/syncer"
	"workweave/api/internal/telemetry"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	SyncToken      string
	CORSOrigin     string
	LogMode        string
	MeiliURL       string
	MeiliMasterKey string
	// Redis is optional; an in-process cache is used when empty.
	RedisURL string
	// Object storage for document exports and newsletter archives.
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UseSSL       bool
	DocumentPrefix string
	// Headless Chrome for newsletter PDFs; empty looks up PATH.
	ChromePath string
	// SMTP - empty by default, newsletter email disabled if not configured
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	Repositories []gitrepo.Repo
	Sync         syncer.Options
	Correlation  correlate.Options
	Telemetry    telemetry.Config
}

// File is the optional YAML overlay named by WORKWEAVE_CONFIG. Values it
// sets replace the environment defaults; list values replace, not merge.
type File struct {
	Repositories []gitrepo.Repo   `yaml:"repositories"`
	Documents    *documentsFile   `yaml:"documents"`
	Sync         *syncFile        `yaml:"sync"`
	Correlation  *correlationFile `yaml:"correlation"`
	Telemetry    *telemetryFile   `yaml:"telemetry"`
}

type documentsFile struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type syncFile struct {
	Parallelism   int           `yaml:"parallelism"`
	SourceTimeout time.Duration `yaml:"source_timeout"`
	ExtractionTTL time.Duration `yaml:"extraction_ttl"`
}

type correlationFile struct {
	RepoAllowList []string      `yaml:"repo_allowlist"`
	Concurrency   int           `yaml:"concurrency"`
	IssueTimeout  time.Duration `yaml:"issue_timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

type telemetryFile struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

func Load() (Config, error) {
	cfg := Config{
		Addr:           getenv("API_ADDR", ":8787"),
		DatabaseURL:    getenv("DATABASE_URL", "sqlite://./data/workweave.db"),
		SyncToken:      getenv("WORKWEAVE_SYNC_TOKEN", ""),
		CORSOrigin:     getenv("WORKWEAVE_CORS_ORIGIN", "*"),
		LogMode:        getenv("LOG_MODE", "dev"),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		RedisURL:       getenv("REDIS_URL", ""),
		S3Endpoint:     getenv("S3_ENDPOINT", ""),
		S3AccessKey:    getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getenv("S3_SECRET_KEY", ""),
		S3Bucket:       getenv("S3_BUCKET", "workweave"),
		S3UseSSL:       getenvBool("S3_USE_SSL", false),
		DocumentPrefix: getenv("WORKWEAVE_DOCUMENT_PREFIX", "documents/"),
		ChromePath:     getenv("WORKWEAVE_CHROME_PATH", ""),
		SMTPHost:       getenv("SMTP_HOST", ""),
		SMTPPort:       getenv("SMTP_PORT", "587"),
		SMTPUsername:   getenv("SMTP_USERNAME", ""),
		SMTPPassword:   getenv("SMTP_PASSWORD", ""),
		SMTPFrom:       getenv("SMTP_FROM", ""),
		SMTPFromName:   getenv("SMTP_FROM_NAME", "Workweave"),
		Repositories:   parseRepos(getenv("WORKWEAVE_GIT_REPOS", ""), getenv("WORKWEAVE_GIT_WEB_BASE", "https://github.com")),
		Sync: syncer.Options{
			Parallelism:   getenvInt("WORKWEAVE_SYNC_PARALLELISM", 2),
			SourceTimeout: getenvDuration("WORKWEAVE_SYNC_TIMEOUT", 5*time.Minute),
			ExtractionTTL: getenvDuration("WORKWEAVE_EXTRACTION_TTL", 0),
		},
		Correlation: correlate.Options{
			AllowList:    splitList(getenv("WORKWEAVE_REPO_ALLOWLIST", "")),
			Concurrency:  getenvInt("WORKWEAVE_CORRELATION_CONCURRENCY", 4),
			IssueTimeout: getenvDuration("WORKWEAVE_CORRELATION_TIMEOUT", 20*time.Second),
			CacheTTL:     getenvDuration("WORKWEAVE_CORRELATION_TTL", 10*time.Minute),
		},
		Telemetry: telemetry.Config{
			Exporter:    getenv("OTEL_EXPORTER", "none"),
			Endpoint:    getenv("OTEL_ENDPOINT", ""),
			ServiceName: getenv("OTEL_SERVICE_NAME", "workweave"),
			SampleRate:  getenvFloat("OTEL_SAMPLE_RATE", 1),
		},
	}

	if path := getenv("WORKWEAVE_CONFIG", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.Apply(data); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Apply overlays YAML data onto cfg.
func (c *Config) Apply(data []byte) error {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if len(file.Repositories) > 0 {
		for i, repo := range file.Repositories {
			if repo.Name == "" || repo.Path == "" {
				return fmt.Errorf("repositories[%d]: name and path are required", i)
			}
		}
		c.Repositories = file.Repositories
	}
	if d := file.Documents; d != nil {
		c.S3Bucket = pick(d.Bucket, c.S3Bucket)
		c.DocumentPrefix = pick(d.Prefix, c.DocumentPrefix)
	}
	if s := file.Sync; s != nil {
		c.Sync.Parallelism = pickInt(s.Parallelism, c.Sync.Parallelism)
		c.Sync.SourceTimeout = pickDuration(s.SourceTimeout, c.Sync.SourceTimeout)
		c.Sync.ExtractionTTL = pickDuration(s.ExtractionTTL, c.Sync.ExtractionTTL)
	}
	if cr := file.Correlation; cr != nil {
		if len(cr.RepoAllowList) > 0 {
			c.Correlation.AllowList = cr.RepoAllowList
		}
		c.Correlation.Concurrency = pickInt(cr.Concurrency, c.Correlation.Concurrency)
		c.Correlation.IssueTimeout = pickDuration(cr.IssueTimeout, c.Correlation.IssueTimeout)
		c.Correlation.CacheTTL = pickDuration(cr.CacheTTL, c.Correlation.CacheTTL)
	}
	if t := file.Telemetry; t != nil {
		c.Telemetry.Exporter = pick(t.Exporter, c.Telemetry.Exporter)
		c.Telemetry.Endpoint = pick(t.Endpoint, c.Telemetry.Endpoint)
		c.Telemetry.ServiceName = pick(t.ServiceName, c.Telemetry.ServiceName)
		if t.SampleRate > 0 {
			c.Telemetry.SampleRate = t.SampleRate
		}
	}
	return nil
}

// parseRepos reads "name=path" entries separated by commas.
func parseRepos(value, webBase string) []gitrepo.Repo {
	var repos []gitrepo.Repo
	for _, entry := range splitList(value) {
		name, path, ok := strings.Cut(entry, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			continue
		}
		repo := gitrepo.Repo{Name: name, Path: path}
		if webBase != "" {
			repo.WebURL = strings.TrimSuffix(webBase, "/") + "/" + name
		}
		repos = append(repos, repo)
	}
	return repos
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func pick(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func pickInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func pickDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s") or whole seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
