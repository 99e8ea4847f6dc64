package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"leaderboard/crypto"
)

const (
	defaultEndpoint       = "http://127.0.0.1:8088"
	defaultPassphraseEnv  = "LEADERBOARD_KEY_PASS"
	defaultTimeoutSeconds = 15
	defaultKeystoreName   = "caller.keystore"
)

// Config is the leaderboardctl client configuration.
type Config struct {
	Endpoint              string `toml:"Endpoint"`
	KeystorePath          string `toml:"KeystorePath"`
	PassphraseEnv         string `toml:"PassphraseEnv"`
	RequestTimeoutSeconds int    `toml:"RequestTimeoutSeconds"`
	// AuthorityKeystorePath is only needed by operators running sign-score.
	AuthorityKeystorePath string `toml:"AuthorityKeystorePath,omitempty"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}

	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if strings.TrimSpace(cfg.PassphraseEnv) == "" {
		cfg.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = defaultTimeoutSeconds
	}
	if strings.TrimSpace(cfg.KeystorePath) == "" {
		cfg.KeystorePath = defaultKeystorePath(path)
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// RequestTimeout is the per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CallerKey opens the caller keystore, creating a fresh key on first use.
func (c *Config) CallerKey(passphrase func() (string, error)) (*crypto.PrivateKey, bool, error) {
	return openKeystore(c.KeystorePath, passphrase)
}

// AuthorityKey opens the game authority keystore used by sign-score.
func (c *Config) AuthorityKey(passphrase func() (string, error)) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(c.AuthorityKeystorePath) == "" {
		return nil, errors.New("AuthorityKeystorePath is not configured")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(c.AuthorityKeystorePath, pass)
}

func openKeystore(path string, passphrase func() (string, error)) (*crypto.PrivateKey, bool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, false, errors.New("keystore path is not configured")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, false, err
	}
	return crypto.LoadOrCreateKeystore(path, pass)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Endpoint:              defaultEndpoint,
		KeystorePath:          defaultKeystorePath(path),
		PassphraseEnv:         defaultPassphraseEnv,
		RequestTimeoutSeconds: defaultTimeoutSeconds,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, defaultKeystoreName)
}
