package leaderboardd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const validConfig = `
listen: ":9000"
authority: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
house_wallet: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
administrator: "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
vault: "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
ranking_capacity: 100
storage:
  backend: LevelDB
  path: /var/lib/leaderboardd
auth:
  timestamp_skew: 1m
rate_limits:
  scores:
    rpm: 60
    burst: 10
genesis:
  "0x70997970C51812dc3A010C7d01b50e0d17dc79C8": "1000000000000000000"
`

func hexOf(id [20]byte) string { return common.Address(id).Hex() }

func replaceOnce(s, old, replacement string) string {
	return strings.Replace(s, old, replacement, 1)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, BackendLevelDB, cfg.Storage.Backend)
	require.Equal(t, time.Minute, cfg.Auth.TimestampSkew.Duration)
	require.Equal(t, 10*time.Minute, cfg.Auth.NonceTTL.Duration)
	require.Equal(t, 4096, cfg.Auth.NonceCapacity)
	require.Equal(t, 15*time.Second, cfg.Server.ReadTimeout.Duration)
	require.Equal(t, 1024, cfg.Stream.History)
	require.Equal(t, 60.0, cfg.RateLimits["scores"].RequestsPerMinute)

	engineCfg := cfg.EngineConfig()
	require.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", hexOf(engineCfg.Authority))
	require.Equal(t, 100, engineCfg.RankingCapacity)

	balances, err := cfg.GenesisBalances()
	require.NoError(t, err)
	require.Len(t, balances, 1)
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	cases := map[string]struct {
		from, to string
		message  string
	}{
		"missing authority": {`authority: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"`, ``, "authority is required"},
		"zero vault":        {`vault: "0x90F79bf6EB2c4f870365E785982E1f101E93b906"`, `vault: "0x0000000000000000000000000000000000000000"`, "vault must not be the zero address"},
		"capacity":          {`ranking_capacity: 100`, `ranking_capacity: 2`, "ranking_capacity"},
		"backend":           {`backend: LevelDB`, `backend: postgres`, "unsupported storage backend"},
		"nonce window":      {`timestamp_skew: 1m`, "timestamp_skew: 1m\n  nonce_ttl: 90s", "nonce_ttl"},
		"rate limit":        {`burst: 10`, `burst: 0`, "rate_limits.scores"},
		"genesis":           {`"1000000000000000000"`, `"-5"`, "invalid amount"},
		"unknown field":     {`listen: ":9000"`, "listen: \":9000\"\nlisten_addr: x", "listen_addr"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := validConfig
			require.Contains(t, body, tc.from)
			body = replaceOnce(body, tc.from, tc.to)
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestDurationAcceptsEmptyString(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig+"server:\n  read_timeout: \"\"\n"))
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.Server.ReadTimeout.Duration)
}
