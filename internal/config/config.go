// Package config loads the immutable release configuration. Only the CLI
// constructs a Config; components receive the sections they need.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mkoziy/genome/release/internal/ratelimit"
	"github.com/mkoziy/genome/release/internal/releaseerr"
)

// Environment variables holding credentials.
const (
	EnvPostgresPassword = "RELEASE_PG_PASSWORD"
	EnvMongoPassword    = "RELEASE_MONGO_PASSWORD"
	EnvNCBIAPIKey       = "NCBI_API_KEY"
)

// Postgres describes a Postgres connection. DSN wins when set.
type Postgres struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	SSL      bool   `yaml:"ssl"`
	Debug    bool   `yaml:"debug"`
}

// BuildDSN returns the connection string.
func (p Postgres) BuildDSN() string {
	if p.DSN != "" {
		return p.DSN
	}
	sslMode := "disable"
	if p.SSL {
		sslMode = "require"
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	if p.Schema != "" {
		q.Set("search_path", p.Schema)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Mongo describes the source accessioning store.
type Mongo struct {
	URI          string           `yaml:"uri"`
	Database     string           `yaml:"database"`
	User         string           `yaml:"user"`
	Password     string           `yaml:"password"`
	AuthSource   string           `yaml:"auth_source"`
	ReadPref     string           `yaml:"read_preference"`
	StagingUser  string           `yaml:"staging_user"`
	StagingPass  string           `yaml:"staging_password"`
	StagingAuth  string           `yaml:"staging_auth_source"`
	ConnectRetry ratelimit.Config `yaml:"connect_retry"`
}

// Staging describes the pool of staging instances and how to reach them.
type Staging struct {
	Instances   []string      `yaml:"instances"`
	Gateway     string        `yaml:"gateway"`
	RemotePort  int           `yaml:"remote_port"`
	ForwardArgv []string      `yaml:"forward_argv"`
	ReadyWait   time.Duration `yaml:"ready_wait"`
}

// Tools holds paths to the allowlisted external programs.
type Tools struct {
	Mongodump          string   `yaml:"mongodump"`
	Mongorestore       string   `yaml:"mongorestore"`
	Bgzip              string   `yaml:"bgzip"`
	Bcftools           string   `yaml:"bcftools"`
	Sort               string   `yaml:"sort"`
	VCFValidator       string   `yaml:"vcf_validator"`
	VCFAssemblyChecker string   `yaml:"vcf_assembly_checker"`
	Java               string   `yaml:"java"`
	ReleaseJar         string   `yaml:"release_jar"`
	ReleaseJVMArgs     []string `yaml:"release_jvm_args"`
}

// Release holds release-folder settings.
type Release struct {
	Root            string `yaml:"root"`
	GenomesDir      string `yaml:"genomes_dir"`
	TmpDir          string `yaml:"tmp_dir"`
	SortMemory      string `yaml:"sort_memory"`
	IncludeMultimap *bool  `yaml:"include_multimap"`
}

// MultimapPublished reports whether the multimap category is counted and published.
func (r Release) MultimapPublished() bool {
	return r.IncludeMultimap == nil || *r.IncludeMultimap
}

// NCBI configures taxonomy lookups.
type NCBI struct {
	Email  string           `yaml:"email"`
	APIKey string           `yaml:"api_key"`
	Limits ratelimit.Config `yaml:"limits"`
}

// Logging configures slog.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus textfile output.
type Metrics struct {
	Dir string `yaml:"dir"`
}

// Config is one resolved profile.
type Config struct {
	Tracker  Postgres           `yaml:"tracker"`
	Metadata Postgres           `yaml:"metadata"`
	Mongo    Mongo              `yaml:"mongo"`
	Staging  Staging            `yaml:"staging"`
	Tools    Tools              `yaml:"tools"`
	Release  Release            `yaml:"release"`
	NCBI     NCBI               `yaml:"ncbi"`
	Retry    ratelimit.Policies `yaml:"retry"`
	Logging  Logging            `yaml:"logging"`
	Metrics  Metrics            `yaml:"metrics"`
}

type file struct {
	Profiles map[string]Config `yaml:"profiles"`
}

// Load reads path, selects profile and fills credentials from the environment.
// A .env file next to the config is loaded first when present.
func Load(path, profile string) (Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, releaseerr.New(releaseerr.KindConfiguration, "load .env", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, releaseerr.New(releaseerr.KindConfiguration, "read config", err)
	}
	return Parse(data, profile, os.Getenv)
}

// Parse decodes a config document and resolves profile.
func Parse(data []byte, profile string, getenv func(string) string) (Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, releaseerr.New(releaseerr.KindConfiguration, "parse config", err)
	}
	cfg, ok := f.Profiles[profile]
	if !ok {
		return Config{}, releaseerr.Newf(releaseerr.KindConfiguration, "select profile", "unknown profile %q", profile)
	}

	cfg = applyDefaults(cfg)
	applyEnv(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RetryPolicy returns the named retry policy or the default one.
func (c Config) RetryPolicy(name string) ratelimit.Config {
	cfg, _ := c.Retry.Get(name)
	return cfg
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvPostgresPassword); v != "" {
		if cfg.Tracker.Password == "" {
			cfg.Tracker.Password = v
		}
		if cfg.Metadata.Password == "" {
			cfg.Metadata.Password = v
		}
	}
	if v := getenv(EnvMongoPassword); v != "" {
		if cfg.Mongo.Password == "" {
			cfg.Mongo.Password = v
		}
		if cfg.Mongo.StagingPass == "" {
			cfg.Mongo.StagingPass = v
		}
	}
	if v := getenv(EnvNCBIAPIKey); v != "" && cfg.NCBI.APIKey == "" {
		cfg.NCBI.APIKey = v
	}
}

func applyDefaults(cfg Config) Config {
	if cfg.Tracker.Port == 0 {
		cfg.Tracker.Port = 5432
	}
	if cfg.Metadata.DSN == "" && cfg.Metadata.Host == "" {
		cfg.Metadata = cfg.Tracker
		// Metadata queries qualify their own schema.
		cfg.Metadata.Schema = ""
	}
	if cfg.Metadata.Port == 0 {
		cfg.Metadata.Port = 5432
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "eva_accession_sharded"
	}
	if cfg.Mongo.AuthSource == "" {
		cfg.Mongo.AuthSource = "admin"
	}
	if cfg.Mongo.StagingAuth == "" {
		cfg.Mongo.StagingAuth = cfg.Mongo.AuthSource
	}
	if cfg.Mongo.StagingUser == "" {
		cfg.Mongo.StagingUser = cfg.Mongo.User
	}
	if cfg.Staging.RemotePort == 0 {
		cfg.Staging.RemotePort = 27017
	}
	if cfg.Staging.ReadyWait == 0 {
		cfg.Staging.ReadyWait = 30 * time.Second
	}
	if len(cfg.Staging.ForwardArgv) == 0 {
		cfg.Staging.ForwardArgv = []string{"ssh", "-N", "-o", "ExitOnForwardFailure=yes",
			"-L", "{local_port}:{instance}:{remote_port}", "{gateway}"}
	}
	tools := &cfg.Tools
	for _, t := range []struct {
		field *string
		def   string
	}{
		{&tools.Mongodump, "mongodump"},
		{&tools.Mongorestore, "mongorestore"},
		{&tools.Bgzip, "bgzip"},
		{&tools.Bcftools, "bcftools"},
		{&tools.Sort, "sort"},
		{&tools.VCFValidator, "vcf_validator"},
		{&tools.VCFAssemblyChecker, "vcf_assembly_checker"},
		{&tools.Java, "java"},
	} {
		if *t.field == "" {
			*t.field = t.def
		}
	}
	if cfg.Release.GenomesDir == "" && cfg.Release.Root != "" {
		cfg.Release.GenomesDir = filepath.Join(cfg.Release.Root, "genomes")
	}
	if cfg.Release.TmpDir == "" {
		cfg.Release.TmpDir = os.TempDir()
	}
	if cfg.Release.SortMemory == "" {
		cfg.Release.SortMemory = "2G"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	cfg.NCBI.Limits = cfg.NCBI.Limits.WithDefaults()
	cfg.Mongo.ConnectRetry = cfg.Mongo.ConnectRetry.WithDefaults()
	return cfg
}

// Validate reports missing mandatory settings.
func (c Config) Validate() error {
	op := "validate config"
	switch {
	case c.Tracker.DSN == "" && (c.Tracker.Host == "" || c.Tracker.Database == ""):
		return releaseerr.Newf(releaseerr.KindConfiguration, op, "tracker database is not configured")
	case c.Tracker.DSN == "" && c.Tracker.Password == "":
		return releaseerr.Newf(releaseerr.KindConfiguration, op, "missing tracker credentials (set %s)", EnvPostgresPassword)
	case c.Mongo.URI == "":
		return releaseerr.Newf(releaseerr.KindConfiguration, op, "mongo.uri is required")
	case len(c.Staging.Instances) == 0:
		return releaseerr.Newf(releaseerr.KindConfiguration, op, "at least one staging instance is required")
	case c.Release.Root == "":
		return releaseerr.Newf(releaseerr.KindConfiguration, op, "release.root is required")
	}
	return nil
}
