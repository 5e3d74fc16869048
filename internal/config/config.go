package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const mib = 1 << 20

// Config represents the main configuration for tierstore.
type Config struct {
	InstanceID string           `toml:"instance_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Server     ServerConfig     `toml:"server"`
	Tiers      TierConfig       `toml:"tiers"`
	Backends   BackendsConfig   `toml:"backends"`
	Database   DatabaseConfig   `toml:"database"`
	Chunks     ChunkConfig      `toml:"chunks"`
	Uploads    UploadConfig     `toml:"uploads"`
	Streaming  StreamingConfig  `toml:"streaming"`
	Pools      PoolsConfig      `toml:"pools"`
	Converter  ConverterConfig  `toml:"converter"`
	Cache      CacheConfig      `toml:"cache"`
	Denylist   DenylistConfig   `toml:"denylist"`
	Encryption EncryptionConfig `toml:"encryption"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr               string   `toml:"addr"`
	OwnerHeader        string   `toml:"owner_header"`
	RoleHeader         string   `toml:"role_header"`
	MaxMultipartMemory int64    `toml:"max_multipart_memory"`
	ReadHeaderTimeout  Duration `toml:"read_header_timeout"`
	ShutdownTimeout    Duration `toml:"shutdown_timeout"`
}

// TierConfig holds the inclusive upper bounds of the DATABASE and
// FILESYSTEM tiers in bytes.
type TierConfig struct {
	DatabaseMax   int64 `toml:"database_max"`
	FilesystemMax int64 `toml:"filesystem_max"`
}

// BackendsConfig assigns one backend to each tier.
type BackendsConfig struct {
	Database   BackendConfig `toml:"database"`
	Filesystem BackendConfig `toml:"filesystem"`
	Remote     BackendConfig `toml:"remote"`
}

// BackendConfig represents configuration for a storage backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type string `toml:"type"` // "inline", "filesystem", "s3" or "memory"

	// Filesystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string   `toml:"s3_bucket,omitempty"`
	S3Prefix          string   `toml:"s3_prefix,omitempty"`
	S3Region          string   `toml:"s3_region,omitempty"`
	S3Endpoint        string   `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string   `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string   `toml:"s3_secret_access_key,omitempty"`
	S3UsePathStyle    bool     `toml:"s3_use_path_style,omitempty"`
	S3PartSize        int64    `toml:"s3_part_size,omitempty"`
	MaxAttempts       int      `toml:"max_attempts,omitempty"`
	RetryInitial      Duration `toml:"retry_initial,omitempty"`
	RetryMax          Duration `toml:"retry_max,omitempty"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory" or "postgres"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
	DSN     string `toml:"dsn,omitempty"`      // only used for type=postgres
}

// ChunkConfig controls where upload chunks wait for their merge.
type ChunkConfig struct {
	Root          string   `toml:"root"`
	TTL           Duration `toml:"ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// UploadConfig bounds how long upload work may take.
type UploadConfig struct {
	UploadTimeout Duration `toml:"upload_timeout"`
	BatchTimeout  Duration `toml:"batch_timeout"`
	MergeTimeout  Duration `toml:"merge_timeout"`
}

// StreamingConfig tunes range responses.
type StreamingConfig struct {
	BufferSize         int      `toml:"buffer_size"`
	FlushInterval      int64    `toml:"flush_interval"`
	MediaFlushInterval int64    `toml:"media_flush_interval"`
	RemoteMaxSpan      int64    `toml:"remote_max_span"`
	RemoteTimeout      Duration `toml:"remote_timeout"`
}

// PoolsConfig sizes the two worker pools.
type PoolsConfig struct {
	Chunk PoolConfig `toml:"chunk"`
	File  PoolConfig `toml:"file"`
}

// PoolConfig sizes one worker pool.
type PoolConfig struct {
	Core      int      `toml:"core"`
	Max       int      `toml:"max"`
	Queue     int      `toml:"queue"`
	KeepAlive Duration `toml:"keep_alive"`
}

// ConverterConfig represents configuration for document preview conversion.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ConverterConfig struct {
	Type          string   `toml:"type"`             // "soffice" or "none"
	Binary        string   `toml:"binary,omitempty"` // only used for type=soffice
	Timeout       Duration `toml:"timeout"`
	MaxRetries    int      `toml:"max_retries"`
	MaxSourceSize int64    `toml:"max_source_size"`
	CacheTTL      Duration `toml:"cache_ttl"`
	CacheSize     int      `toml:"cache_size"`
}

// CacheConfig selects where the converted-document cache and the token
// denylist keep their entries.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CacheConfig struct {
	Type          string `toml:"type"` // "memory" or "redis"
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
	KeyPrefix     string `toml:"key_prefix,omitempty"`
}

// DenylistConfig bounds the revoked-token store.
type DenylistConfig struct {
	DefaultTTL Duration `toml:"default_ttl"`
	MaxEntries int      `toml:"max_entries"`
}

// EncryptionConfig holds paths to the age key pair used for encryption at rest.
type EncryptionConfig struct {
	Enabled        bool   `toml:"enabled"`
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ReconcileConfig controls the orphaned-blob sweep.
type ReconcileConfig struct {
	Interval Duration `toml:"interval"`
	Grace    Duration `toml:"grace"`
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(instanceID, baseDir string) *Config {
	return &Config{
		InstanceID: instanceID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		Server: ServerConfig{
			Addr:               ":8080",
			OwnerHeader:        "X-Owner-ID",
			RoleHeader:         "X-Owner-Role",
			MaxMultipartMemory: 32 * mib,
			ReadHeaderTimeout:  Duration(10 * time.Second),
			ShutdownTimeout:    Duration(30 * time.Second),
		},
		Tiers: TierConfig{DatabaseMax: 10 * mib, FilesystemMax: 30 * mib},
		Backends: BackendsConfig{
			Database:   BackendConfig{Type: "inline"},
			Filesystem: BackendConfig{Type: "filesystem", Root: filepath.Join(baseDir, "uploads")},
			Remote: BackendConfig{
				Type:         "s3",
				S3Bucket:     "tierstore",
				S3Prefix:     "files",
				S3Region:     "us-east-1",
				S3PartSize:   5 * mib,
				MaxAttempts:  3,
				RetryInitial: Duration(200 * time.Millisecond),
				RetryMax:     Duration(5 * time.Second),
			},
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Chunks: ChunkConfig{
			Root:          filepath.Join(baseDir, "tmp", "chunks"),
			TTL:           Duration(24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
		Uploads: UploadConfig{
			UploadTimeout: Duration(60 * time.Second),
			BatchTimeout:  Duration(300 * time.Second),
			MergeTimeout:  Duration(300 * time.Second),
		},
		Streaming: StreamingConfig{
			BufferSize:         64 * 1024,
			FlushInterval:      512 * 1024,
			MediaFlushInterval: 256 * 1024,
			RemoteMaxSpan:      10 * mib,
			RemoteTimeout:      Duration(30 * time.Second),
		},
		Pools: PoolsConfig{
			Chunk: PoolConfig{Core: 5, Max: 20, Queue: 100, KeepAlive: Duration(time.Minute)},
			File:  PoolConfig{Core: 3, Max: 10, Queue: 50, KeepAlive: Duration(time.Minute)},
		},
		Converter: ConverterConfig{
			Type:          "soffice",
			Binary:        "soffice",
			Timeout:       Duration(60 * time.Second),
			MaxRetries:    2,
			MaxSourceSize: 50 * mib,
			CacheTTL:      Duration(time.Hour),
			CacheSize:     256,
		},
		Cache:    CacheConfig{Type: "memory", KeyPrefix: "tierstore:"},
		Denylist: DenylistConfig{DefaultTTL: Duration(24 * time.Hour), MaxEntries: 100000},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "tierstore.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "tierstore.key"),
		},
		Reconcile: ReconcileConfig{Interval: Duration(time.Hour), Grace: Duration(time.Hour)},
	}
}

// Validate checks the settings that would otherwise fail deep inside a
// component at startup.
func (c *Config) Validate() error {
	if c.Tiers.DatabaseMax < 0 || c.Tiers.FilesystemMax < c.Tiers.DatabaseMax {
		return fmt.Errorf("tiers: need 0 <= database_max (%d) <= filesystem_max (%d)", c.Tiers.DatabaseMax, c.Tiers.FilesystemMax)
	}
	if c.Chunks.Root == "" {
		return fmt.Errorf("chunks: root must be set")
	}
	if c.Chunks.TTL.Std() <= 0 {
		return fmt.Errorf("chunks: ttl must be positive")
	}
	if c.Streaming.BufferSize <= 0 || c.Streaming.FlushInterval <= 0 || c.Streaming.RemoteMaxSpan <= 0 {
		return fmt.Errorf("streaming: buffer_size, flush_interval and remote_max_span must be positive")
	}
	for name, p := range map[string]PoolConfig{"chunk": c.Pools.Chunk, "file": c.Pools.File} {
		if p.Core < 1 || p.Max < p.Core || p.Queue < 0 {
			return fmt.Errorf("pools.%s: need 1 <= core <= max and queue >= 0", name)
		}
	}
	if c.Backends.Filesystem.Type == "inline" || c.Backends.Remote.Type == "inline" {
		return fmt.Errorf("backends: inline storage only serves the database tier")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Keys absent from the
// input keep the defaults of NewConfig.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := NewConfig("", "")
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
