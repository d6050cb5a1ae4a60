package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"elector/pkg/election"
	"elector/pkg/logger"
	tracing "elector/pkg/observability"
)

const (
	BackendEtcd   = "etcd"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Logging      logger.Config      `yaml:"logging"`
	Tracing      tracing.Config     `yaml:"tracing"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Election     election.Config    `yaml:"election"`
	Elections    []ElectionConfig   `yaml:"elections"`
	API          APIConfig          `yaml:"api"`
	Journal      JournalConfig      `yaml:"journal"`
	Location     LocationConfig     `yaml:"location"`
}

type NodeConfig struct {
	// ID defaults to hostname-pid when empty.
	ID           string `yaml:"id"`
	AdvertiseURL string `yaml:"advertiseURL"`
}

type CoordinationConfig struct {
	Backend string      `yaml:"backend" default:"etcd"`
	Etcd    EtcdConfig  `yaml:"etcd"`
	Redis   RedisConfig `yaml:"redis"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout" default:"5s"`
	SessionTTL  int           `yaml:"sessionTTL" default:"15"`
	Prefix      string        `yaml:"prefix" default:"/elector"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

type RedisConfig struct {
	Addr          string        `yaml:"addr" default:"localhost:6379"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	Prefix        string        `yaml:"prefix" default:"elector"`
	SessionTTL    time.Duration `yaml:"sessionTTL" default:"10s"`
	RenewInterval time.Duration `yaml:"renewInterval" default:"3s"`
	PollInterval  time.Duration `yaml:"pollInterval" default:"100ms"`
}

type ElectionConfig struct {
	Role     string            `yaml:"role"`
	Path     string            `yaml:"path"`
	Metadata map[string]string `yaml:"metadata"`
	// AutoStart starts the election with the daemon. Defaults to true.
	AutoStart *bool        `yaml:"autoStart"`
	Hooks     HooksConfig  `yaml:"hooks"`
	Tasks     []TaskConfig `yaml:"tasks"`
}

// Starts reports whether the election starts with the daemon.
func (e ElectionConfig) Starts() bool {
	return e.AutoStart == nil || *e.AutoStart
}

type HooksConfig struct {
	OnGranted string        `yaml:"onGranted"`
	OnRevoked string        `yaml:"onRevoked"`
	Timeout   time.Duration `yaml:"timeout" default:"30s"`
}

type TaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Command  string `yaml:"command"`
}

type APIConfig struct {
	Enabled      bool   `yaml:"enabled" default:"true"`
	Port         string `yaml:"port" default:"8080"`
	AuthEnabled  bool   `yaml:"authEnabled"`
	JWTSecret    string `yaml:"jwtSecret"`
	RateLimitRPS int    `yaml:"rateLimitRPS" default:"50"`
}

type JournalConfig struct {
	// Backend is "", "postgres" or "redis". Empty disables the journal.
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	Stream   string         `yaml:"stream" default:"elector:events"`
	MaxLen   int64          `yaml:"maxLen" default:"10000"`
}

type PostgresConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     string `yaml:"port" default:"5432"`
	User     string `yaml:"user" default:"elector"`
	Password string `yaml:"password"`
	Name     string `yaml:"name" default:"elector"`
	SSLMode  string `yaml:"sslMode" default:"disable"`
}

// DSN returns the libpq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode)
}

type LocationConfig struct {
	// Backend is "", "s3" or "file". Empty disables location publishing.
	Backend  string `yaml:"backend"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix" default:"leaders"`
	Region   string `yaml:"region" default:"us-east-1"`
	Endpoint string `yaml:"endpoint"`
	Dir      string `yaml:"dir" default:"/var/lib/elector/leaders"`
}

// LoadConfig reads the YAML file at path (optional), fills defaults and
// applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	for i := range cfg.Elections {
		if err := defaults.Set(&cfg.Elections[i]); err != nil {
			return nil, fmt.Errorf("failed to apply election defaults: %w", err)
		}
	}

	cfg.applyEnv()

	if len(cfg.Coordination.Etcd.Endpoints) == 0 {
		cfg.Coordination.Etcd.Endpoints = []string{"localhost:2379"}
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = defaultNodeID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Node.ID = getEnv("NODE_ID", c.Node.ID)
	c.Node.AdvertiseURL = getEnv("ADVERTISE_URL", c.Node.AdvertiseURL)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	c.Coordination.Backend = getEnv("ELECTOR_BACKEND", c.Coordination.Backend)
	if v := getEnv("ETCD_ENDPOINTS", ""); v != "" {
		c.Coordination.Etcd.Endpoints = strings.Split(v, ",")
	}
	c.Coordination.Etcd.SessionTTL = getEnvAsInt("LEADER_ELECTION_TTL", c.Coordination.Etcd.SessionTTL)
	if host := getEnv("REDIS_HOST", ""); host != "" {
		c.Coordination.Redis.Addr = host + ":" + getEnv("REDIS_PORT", "6379")
	}
	c.Coordination.Redis.Password = getEnv("REDIS_PASSWORD", c.Coordination.Redis.Password)

	c.API.Port = getEnv("API_PORT", c.API.Port)
	c.API.JWTSecret = getEnv("JWT_SECRET", c.API.JWTSecret)

	pg := &c.Journal.Postgres
	pg.Host = getEnv("DB_HOST", pg.Host)
	pg.Port = getEnv("DB_PORT", pg.Port)
	pg.User = getEnv("DB_USER", pg.User)
	pg.Password = getEnv("DB_PASSWORD", pg.Password)
	pg.Name = getEnv("DB_NAME", pg.Name)

	c.Location.Bucket = getEnv("LOCATION_BUCKET", c.Location.Bucket)
}

// Validate rejects configurations the daemon cannot run.
func (c *Config) Validate() error {
	var errs []error

	switch c.Coordination.Backend {
	case BackendEtcd, BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown coordination backend %q", c.Coordination.Backend))
	}

	switch c.Journal.Backend {
	case "", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown journal backend %q", c.Journal.Backend))
	}

	switch c.Location.Backend {
	case "", "file":
	case "s3":
		if c.Location.Bucket == "" {
			errs = append(errs, errors.New("location.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown location backend %q", c.Location.Backend))
	}

	if c.API.AuthEnabled && c.API.JWTSecret == "" {
		errs = append(errs, errors.New("api.jwtSecret is required when auth is enabled"))
	}

	seen := make(map[election.Key]bool)
	for i, e := range c.Elections {
		if strings.TrimSpace(e.Role) == "" {
			errs = append(errs, fmt.Errorf("elections[%d]: role is required", i))
			continue
		}
		path, err := election.NormalizePath(e.ElectionPath())
		if err != nil {
			errs = append(errs, fmt.Errorf("elections[%d]: %w", i, err))
			continue
		}
		key := election.Key{Role: e.Role, Path: path}
		if seen[key] {
			errs = append(errs, fmt.Errorf("elections[%d]: duplicate election %s", i, key))
		}
		seen[key] = true

		for j, task := range e.Tasks {
			if task.Name == "" || task.Schedule == "" || task.Command == "" {
				errs = append(errs, fmt.Errorf("elections[%d].tasks[%d]: name, schedule and command are required", i, j))
			}
		}
	}

	return errors.Join(errs...)
}

// ElectionPath returns the configured path, defaulting to /elections/<role>.
func (e ElectionConfig) ElectionPath() string {
	if e.Path != "" {
		return e.Path
	}
	return "/elections/" + e.Role
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
