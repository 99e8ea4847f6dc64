package leaderboardd

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"leaderboard/crypto"
	lb "leaderboard/native/leaderboard"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Storage backends accepted by StorageConfig.Backend.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Config describes the runtime configuration for leaderboardd.
type Config struct {
	ListenAddress   string             `yaml:"listen"`
	Authority       string             `yaml:"authority"`
	HouseWallet     string             `yaml:"house_wallet"`
	Administrator   string             `yaml:"administrator"`
	Vault           string             `yaml:"vault"`
	RankingCapacity int                `yaml:"ranking_capacity"`
	Storage         StorageConfig      `yaml:"storage"`
	Auth            AuthConfig         `yaml:"auth"`
	RateLimits      map[string]Limit   `yaml:"rate_limits"`
	CORS            CORSConfig         `yaml:"cors"`
	Logging         LoggingConfig      `yaml:"logging"`
	Telemetry       TelemetryConfig    `yaml:"telemetry"`
	Genesis         map[string]string  `yaml:"genesis"`
	Server          ServerTimeouts     `yaml:"server"`
	Stream          StreamConfig       `yaml:"stream"`
	identities      resolvedIdentities `yaml:"-"`
}

// StorageConfig selects where engine and bank state live.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuthConfig controls caller signature verification.
type AuthConfig struct {
	TimestampSkew Duration `yaml:"timestamp_skew"`
	NonceTTL      Duration `yaml:"nonce_ttl"`
	NonceCapacity int      `yaml:"nonce_capacity"`
	// NonceDB, when set, persists request nonces in a dedicated LevelDB.
	// Otherwise persistent storage backends keep them with the state.
	NonceDB string `yaml:"nonce_db"`
}

// Limit is a per-route token bucket.
type Limit struct {
	RequestsPerMinute float64 `yaml:"rpm"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Env         string `yaml:"env"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	LogRequests bool   `yaml:"log_requests"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// ServerTimeouts bounds the HTTP server.
type ServerTimeouts struct {
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// StreamConfig sizes the websocket event history.
type StreamConfig struct {
	History int `yaml:"history"`
}

type resolvedIdentities struct {
	authority     [20]byte
	houseWallet   [20]byte
	administrator [20]byte
	vault         [20]byte
}

// LoadConfig reads the YAML configuration from disk.
func LoadConfig(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8088"
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Auth.TimestampSkew.Duration <= 0 {
		cfg.Auth.TimestampSkew.Duration = 2 * time.Minute
	}
	if cfg.Auth.NonceTTL.Duration <= 0 {
		cfg.Auth.NonceTTL.Duration = 10 * time.Minute
	}
	if cfg.Auth.NonceCapacity <= 0 {
		cfg.Auth.NonceCapacity = 4096
	}
	if cfg.Server.ReadTimeout.Duration <= 0 {
		cfg.Server.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration <= 0 {
		cfg.Server.WriteTimeout.Duration = 30 * time.Second
	}
	if cfg.Server.IdleTimeout.Duration <= 0 {
		cfg.Server.IdleTimeout.Duration = 60 * time.Second
	}
	if cfg.Stream.History <= 0 {
		cfg.Stream.History = 1024
	}
	if cfg.Telemetry.SampleRatio <= 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

func validateConfig(cfg *Config) error {
	var err error
	resolve := func(field, raw string, out *[20]byte) {
		if err != nil {
			return
		}
		if strings.TrimSpace(raw) == "" {
			err = fmt.Errorf("%s is required", field)
			return
		}
		id, parseErr := crypto.ParseIdentity(raw)
		if parseErr != nil {
			err = fmt.Errorf("%s: %w", field, parseErr)
			return
		}
		if id == ([20]byte{}) {
			err = fmt.Errorf("%s must not be the zero address", field)
			return
		}
		*out = id
	}
	resolve("authority", cfg.Authority, &cfg.identities.authority)
	resolve("house_wallet", cfg.HouseWallet, &cfg.identities.houseWallet)
	resolve("administrator", cfg.Administrator, &cfg.identities.administrator)
	resolve("vault", cfg.Vault, &cfg.identities.vault)
	if err != nil {
		return err
	}
	if cfg.RankingCapacity < 0 || cfg.RankingCapacity == 1 || cfg.RankingCapacity == 2 {
		return fmt.Errorf("ranking_capacity must be 0 or at least %d", lb.PayoutWidth)
	}
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Auth.NonceTTL.Duration < 2*cfg.Auth.TimestampSkew.Duration {
		return errors.New("auth.nonce_ttl must be at least twice auth.timestamp_skew")
	}
	for route, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s requires positive rpm and burst", route)
		}
	}
	if cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within (0, 1]")
	}
	if _, err := cfg.GenesisBalances(); err != nil {
		return err
	}
	return nil
}

// EngineConfig converts the validated identities into the engine config.
func (c Config) EngineConfig() lb.Config {
	return lb.Config{
		Authority:       c.identities.authority,
		HouseWallet:     c.identities.houseWallet,
		Administrator:   c.identities.administrator,
		Vault:           c.identities.vault,
		RankingCapacity: c.RankingCapacity,
	}
}

// GenesisBalances parses the genesis allocations. Amounts are base-10 wei.
func (c Config) GenesisBalances() (map[[20]byte]*big.Int, error) {
	out := make(map[[20]byte]*big.Int, len(c.Genesis))
	for rawAddr, rawAmount := range c.Genesis {
		addr, err := crypto.ParseIdentity(rawAddr)
		if err != nil {
			return nil, fmt.Errorf("genesis %s: %w", rawAddr, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(rawAmount), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("genesis %s: invalid amount %q", rawAddr, rawAmount)
		}
		if prev, exists := out[addr]; exists {
			amount.Add(amount, prev)
		}
		out[addr] = amount
	}
	return out, nil
}
