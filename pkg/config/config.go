package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sodateru/sodateru/pkg/secrets"
)

// Database dialects understood by the knowledge store.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

type Config struct {
	DataDir   string          `json:"data_dir" yaml:"data_dir" env:"SODATERU_DATA_DIR"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	Graph     GraphConfig     `json:"graph" yaml:"graph"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Snapshot  SnapshotConfig  `json:"snapshot" yaml:"snapshot"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Secrets   SecretsConfig   `json:"secrets" yaml:"secrets"`
}

// DatabaseConfig keeps the variable names of the original deployment
// (DATABASE_TYPE, DATABASE_HOST, ...) so existing .env files keep working.
type DatabaseConfig struct {
	Type            string        `json:"type" yaml:"type" env:"DATABASE_TYPE" validate:"required,oneof=postgresql postgres sqlite"`
	User            string        `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string        `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Host            string        `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int           `json:"port" yaml:"port" env:"DATABASE_PORT" validate:"min=0,max=65535"`
	Name            string        `json:"name" yaml:"name" env:"DATABASE_NAME" validate:"required,excludesall=/"`
	SSLMode         string        `json:"ssl_mode" yaml:"ssl_mode" env:"DATABASE_SSLMODE"`
	Path            string        `json:"path,omitempty" yaml:"path,omitempty" env:"SODATERU_DATABASE_PATH"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" env:"SODATERU_DATABASE_MAX_OPEN_CONNS" validate:"gte=0"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" env:"SODATERU_DATABASE_MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"SODATERU_DATABASE_CONN_MAX_LIFETIME"`
}

type EmbeddingConfig struct {
	APIKey    string        `json:"api_key" yaml:"api_key" env:"GOOGLE_GENERATIVE_AI_API_KEY"`
	APIBase   string        `json:"api_base" yaml:"api_base" env:"SODATERU_EMBEDDING_API_BASE" validate:"required,url"`
	Model     string        `json:"model" yaml:"model" env:"SODATERU_EMBEDDING_MODEL" validate:"required"`
	Dimension int           `json:"dimension" yaml:"dimension" env:"SODATERU_EMBEDDING_DIMENSION" validate:"gt=0"`
	BatchSize int           `json:"batch_size" yaml:"batch_size" env:"SODATERU_EMBEDDING_BATCH_SIZE" validate:"gt=0"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" env:"SODATERU_EMBEDDING_TIMEOUT"`
}

type GraphConfig struct {
	MaxConnections int     `json:"max_connections" yaml:"max_connections" env:"SODATERU_GRAPH_MAX_CONNECTIONS" validate:"gt=0"`
	Threshold      float64 `json:"threshold" yaml:"threshold" env:"SODATERU_GRAPH_THRESHOLD" validate:"gte=-1,lte=1"`
	Seed           uint64  `json:"seed,omitempty" yaml:"seed,omitempty" env:"SODATERU_GRAPH_SEED"`
	ChunkSize      int     `json:"chunk_size" yaml:"chunk_size" env:"SODATERU_GRAPH_CHUNK_SIZE" validate:"gt=0"`
	ChunkOverlap   int     `json:"chunk_overlap" yaml:"chunk_overlap" env:"SODATERU_GRAPH_CHUNK_OVERLAP" validate:"gte=0,ltfield=ChunkSize"`

	// Redact scrubs credentials from ingested text: off, standard or strict.
	Redact string `json:"redact" yaml:"redact" env:"SODATERU_GRAPH_REDACT" validate:"oneof=off standard strict"`
}

type StoreConfig struct {
	OperationTimeout time.Duration `json:"operation_timeout" yaml:"operation_timeout" env:"SODATERU_STORE_OPERATION_TIMEOUT" validate:"gt=0"`
}

type ServerConfig struct {
	Host           string   `json:"host" yaml:"host" env:"SODATERU_SERVER_HOST"`
	Port           int      `json:"port" yaml:"port" env:"SODATERU_SERVER_PORT" validate:"min=1,max=65535"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" env:"SODATERU_SERVER_ALLOWED_ORIGINS" envSeparator:","`
	// ToolTimeout bounds one tool call; zero disables the limit.
	ToolTimeout time.Duration `json:"tool_timeout" yaml:"tool_timeout" env:"SODATERU_SERVER_TOOL_TIMEOUT" validate:"gte=0"`
}

type SnapshotConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"SODATERU_SNAPSHOT_ENABLED"`
	Schedule string `json:"schedule" yaml:"schedule" env:"SODATERU_SNAPSHOT_SCHEDULE" validate:"required_if=Enabled true"`
	Path     string `json:"path" yaml:"path" env:"SODATERU_SNAPSHOT_PATH"`
	OnExit   bool   `json:"on_exit" yaml:"on_exit" env:"SODATERU_SNAPSHOT_ON_EXIT"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"SODATERU_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" env:"SODATERU_LOG_FORMAT" validate:"oneof=json console"`
}

type SecretsConfig struct {
	Encrypt bool   `json:"encrypt" yaml:"encrypt" env:"SODATERU_SECRETS_ENCRYPT"`
	KeyPath string `json:"key_path,omitempty" yaml:"key_path,omitempty" env:"SODATERU_SECRETS_KEY_PATH"`
}

// ConfigurationError reports missing or malformed settings. It is fatal at
// startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "config: invalid configuration: " + strings.Join(e.Problems, "; ")
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.sodateru",
		Database: DatabaseConfig{
			Type:            "postgresql",
			User:            "user",
			Host:            "localhost",
			Port:            8989,
			Name:            "sodateru",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			APIBase:   "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:     "gemini-embedding-exp-03-07",
			Dimension: 3072,
			BatchSize: 100,
			Timeout:   60 * time.Second,
		},
		Graph: GraphConfig{
			MaxConnections: 100,
			Threshold:      0.7,
			ChunkSize:      512,
			ChunkOverlap:   50,
			Redact:         "standard",
		},
		Store: StoreConfig{
			OperationTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           18791,
			AllowedOrigins: []string{"*"},
			ToolTimeout:    2 * time.Minute,
		},
		Snapshot: SnapshotConfig{
			Enabled:  false,
			Schedule: "0 */6 * * *",
			OnExit:   false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// sensitiveFields returns pointers to all sensitive string fields in the config.
func sensitiveFields(cfg *Config) []*string {
	return []*string{
		&cfg.Database.Password,
		&cfg.Embedding.APIKey,
	}
}

// LoadConfig layers defaults, the optional file at path (YAML when the
// extension is .yaml/.yml, JSON otherwise) and environment variables, then
// validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	fileRead := false
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := unmarshalFile(path, data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			fileRead = true
		case os.IsNotExist(err):
			fmt.Fprintf(os.Stderr, "Warning: config file not found at %s, using defaults\n", path)
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := resolveSecrets(path, cfg, fileRead); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, &ConfigurationError{Problems: []string{err.Error()}}
	}

	// Environment values may carry the enc: prefix as well.
	if err := resolveSecrets(path, cfg, false); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// resolveSecrets decrypts "enc:" values. With autoEncrypt and encryption
// enabled, plaintext secrets found in the file are written back encrypted.
func resolveSecrets(path string, cfg *Config, autoEncrypt bool) error {
	hasEncrypted := false
	hasPlaintext := false
	for _, fp := range sensitiveFields(cfg) {
		if *fp == "" {
			continue
		}
		if secrets.IsEncrypted(*fp) {
			hasEncrypted = true
		} else {
			hasPlaintext = true
		}
	}
	rewrite := autoEncrypt && cfg.Secrets.Encrypt && hasPlaintext && path != ""
	if !hasEncrypted && !rewrite {
		return nil
	}

	store, err := secrets.NewSecretStore(cfg.secretKeyPath(path))
	if err != nil {
		return fmt.Errorf("config: init secret store: %w", err)
	}

	if rewrite {
		if err := SaveConfig(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to auto-encrypt config secrets: %v\n", err)
		}
	}

	if err := store.DecryptFields(sensitiveFields(cfg)...); err != nil {
		return &ConfigurationError{Problems: []string{err.Error()}}
	}
	return nil
}

func (c *Config) secretKeyPath(configPath string) string {
	if c.Secrets.KeyPath != "" {
		return expandHome(c.Secrets.KeyPath)
	}
	if configPath != "" {
		return filepath.Join(filepath.Dir(configPath), ".secret_key")
	}
	return filepath.Join(expandHome(c.DataDir), ".secret_key")
}

// SaveConfig writes cfg to path. With Secrets.Encrypt set, sensitive fields
// are encrypted in the written copy; cfg itself is left untouched.
func SaveConfig(path string, cfg *Config) error {
	clone := *cfg
	perm := os.FileMode(0644)

	if cfg.Secrets.Encrypt {
		store, err := secrets.NewSecretStore(cfg.secretKeyPath(path))
		if err != nil {
			return fmt.Errorf("config: init secret store: %w", err)
		}
		if err := store.EncryptFields(sensitiveFields(&clone)...); err != nil {
			return fmt.Errorf("config: encrypt field: %w", err)
		}
		perm = 0600
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(&clone)
	default:
		data, err = json.MarshalIndent(&clone, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func (c *Config) normalize() {
	c.DataDir = expandHome(c.DataDir)
	c.Database.Path = expandHome(c.Database.Path)
	c.Snapshot.Path = expandHome(c.Snapshot.Path)
	if c.Database.Type == "postgresql" {
		c.Database.Type = DialectPostgres
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints plus the rules that depend on the
// selected dialect.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ConfigurationError{Problems: []string{err.Error()}}
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), redact(fe)))
		}
	}

	switch c.Dialect() {
	case DialectPostgres:
		if c.Database.Host == "" {
			problems = append(problems, "Config.Database.Host: required for postgres")
		}
		if c.Database.User == "" {
			problems = append(problems, "Config.Database.User: required for postgres")
		}
		if c.Database.Port == 0 {
			problems = append(problems, "Config.Database.Port: required for postgres")
		}
	case DialectSQLite:
		if c.Database.Path == ":memory:" || strings.Contains(c.Database.Path, "mode=memory") {
			problems = append(problems, "Config.Database.Path: in-memory sqlite is not shared across pooled connections")
		}
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func redact(fe validator.FieldError) interface{} {
	switch fe.Field() {
	case "Password", "APIKey":
		return "<redacted>"
	}
	return fe.Value()
}

// Dialect returns DialectPostgres or DialectSQLite.
func (c *Config) Dialect() string {
	switch c.Database.Type {
	case "postgres", "postgresql":
		return DialectPostgres
	case "sqlite":
		return DialectSQLite
	}
	return c.Database.Type
}

// DriverName is the database/sql driver registered for the dialect.
func (c *Config) DriverName() string {
	if c.Dialect() == DialectSQLite {
		return "sqlite"
	}
	return "pgx"
}

// SQLitePath is the database file used by the sqlite dialect.
func (c *Config) SQLitePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(expandHome(c.DataDir), c.Database.Name+".db")
}

// SnapshotPath is where scheduled and CLI exports are written.
func (c *Config) SnapshotPath() string {
	if c.Snapshot.Path != "" {
		return c.Snapshot.Path
	}
	return filepath.Join(expandHome(c.DataDir), "snapshots", "graph.json")
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DSN is the connection string for the target database.
func (c *Config) DSN() string {
	if c.Dialect() == DialectSQLite {
		return sqliteDSN(c.SQLitePath())
	}
	return c.postgresURL(c.Database.Name)
}

// AdminDSN points at the administrative "postgres" database of the same
// server. It is empty for sqlite.
func (c *Config) AdminDSN() string {
	if c.Dialect() == DialectSQLite {
		return ""
	}
	return c.postgresURL("postgres")
}

func (c *Config) postgresURL(dbName string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port)),
		Path:   "/" + dbName,
	}
	if c.Database.Password != "" {
		u.User = url.UserPassword(c.Database.User, c.Database.Password)
	} else if c.Database.User != "" {
		u.User = url.User(c.Database.User)
	}
	if c.Database.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.Database.SSLMode}}.Encode()
	}
	return u.String()
}

// sqliteDSN enables foreign keys on every pooled connection; a one-off
// PRAGMA would only reach the connection that ran it.
func sqliteDSN(path string) string {
	return "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate"
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
