package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/holiman/uint256"

	"leaderboard/cmd/internal/passphrase"
	"leaderboard/config"
	"leaderboard/crypto"
	lb "leaderboard/native/leaderboard"
	sdk "leaderboard/sdk/leaderboard"
)

const (
	defaultConfigPath       = "./leaderboardctl.toml"
	defaultAuthorityPassEnv = "LEADERBOARD_AUTHORITY_PASS"
)

type globals struct {
	configPath string
	endpoint   string
	cfg        *config.Config
	pass       *passphrase.Source
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("leaderboardctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := &globals{}
	fs.StringVar(&g.configPath, "config", defaultConfigPath, "path to the leaderboardctl config file")
	fs.StringVar(&g.endpoint, "endpoint", "", "leaderboardd base URL (overrides the config file)")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: load config: %v\n", err)
		return 1
	}
	if trimmed := strings.TrimRight(strings.TrimSpace(g.endpoint), "/"); trimmed != "" {
		cfg.Endpoint = trimmed
	}
	g.cfg = cfg
	g.pass = passphrase.NewSource(cfg.PassphraseEnv, "caller keystore")

	var cmdErr error
	switch rest[0] {
	case "keygen":
		cmdErr = runKeygen(g, rest[1:], stdout, stderr)
	case "address":
		cmdErr = runAddress(g, rest[1:], stdout, stderr)
	case "sign-score":
		cmdErr = runSignScore(g, rest[1:], stdout, stderr)
	case "submit":
		cmdErr = runSubmit(g, rest[1:], stdout, stderr)
	case "deposit":
		cmdErr = runDeposit(g, rest[1:], stdout, stderr)
	case "withdraw":
		cmdErr = runWithdraw(g, rest[1:], stdout, stderr)
	case "balance":
		cmdErr = runBalance(g, rest[1:], stdout, stderr)
	case "leaderboard":
		cmdErr = runLeaderboard(g, rest[1:], stdout, stderr)
	case "nonce":
		cmdErr = runNonce(g, rest[1:], stdout, stderr)
	case "account":
		cmdErr = runAccount(g, rest[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if cmdErr != nil {
		if !errors.Is(cmdErr, flag.ErrHelp) && !errors.Is(cmdErr, errFlags) {
			fmt.Fprintf(stderr, "Error: %v\n", cmdErr)
		}
		return 1
	}
	return 0
}

// errFlags marks a flag parsing failure the flag set already reported.
var errFlags = errors.New("invalid flags")

func usage() string {
	return strings.TrimSpace(`
Usage: leaderboardctl [--config path] [--endpoint url] <command> [flags]

Commands:
  keygen                               create the caller keystore if missing and print its address
  address                              print the caller address
  sign-score --player --score --nonce  sign a score with the authority keystore
  submit --player --score --nonce --signature --value
                                       submit a signed score with an attached stake
  deposit --value                      add value to the escrow
  withdraw                             pay out the escrow (administrator only)
  balance                              print the escrow balance
  leaderboard [--limit n] [--index i]  print the ranking
  nonce --player --nonce               report whether a nonce was consumed
  account [--addr]                     print a bank balance (defaults to the caller)`)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errFlags
	}
	if fs.NArg() > 0 {
		return errors.New("unexpected positional arguments")
	}
	return nil
}

func (g *globals) callerKey() (*crypto.PrivateKey, bool, error) {
	return g.cfg.CallerKey(g.pass.Get)
}

func (g *globals) client(signed bool) (*sdk.Client, error) {
	var key *crypto.PrivateKey
	if signed {
		var err error
		key, _, err = g.callerKey()
		if err != nil {
			return nil, err
		}
	}
	return sdk.New(g.cfg.Endpoint, key)
}

func (g *globals) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.cfg.RequestTimeout())
}

func writeJSON(stdout io.Writer, value any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func runKeygen(g *globals, args []string, stdout, stderr io.Writer) error {
	if err := parseFlags(newFlagSet("keygen", stderr), args); err != nil {
		return err
	}
	key, created, err := g.callerKey()
	if err != nil {
		return err
	}
	addr := key.PubKey().Address()
	return writeJSON(stdout, map[string]any{
		"address":  addr.Hex(),
		"bech32":   addr.String(),
		"keystore": g.cfg.KeystorePath,
		"created":  created,
	})
}

func runAddress(g *globals, args []string, stdout, stderr io.Writer) error {
	if err := parseFlags(newFlagSet("address", stderr), args); err != nil {
		return err
	}
	key, _, err := g.callerKey()
	if err != nil {
		return err
	}
	addr := key.PubKey().Address()
	return writeJSON(stdout, map[string]string{"address": addr.Hex(), "bech32": addr.String()})
}

type scoreFlags struct {
	player, score, nonce string
}

func (f *scoreFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.player, "player", "", "player address (hex or bech32)")
	fs.StringVar(&f.score, "score", "", "score as a decimal or 0x-hex uint256")
	fs.StringVar(&f.nonce, "nonce", "", "nonce as a decimal or 0x-hex uint256")
}

func (f *scoreFlags) attestation() (lb.Attestation, error) {
	player, err := crypto.ParseIdentity(f.player)
	if err != nil {
		return lb.Attestation{}, fmt.Errorf("--player: %w", err)
	}
	score, err := parseUint256(f.score)
	if err != nil {
		return lb.Attestation{}, fmt.Errorf("--score: %w", err)
	}
	nonce, err := parseUint256(f.nonce)
	if err != nil {
		return lb.Attestation{}, fmt.Errorf("--nonce: %w", err)
	}
	return lb.Attestation{Player: player, Score: *score, Nonce: *nonce}, nil
}

func runSignScore(g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("sign-score", stderr)
	var sf scoreFlags
	sf.register(fs)
	keystorePath := fs.String("authority-keystore", "", "authority keystore (overrides AuthorityKeystorePath)")
	passEnv := fs.String("authority-pass-env", defaultAuthorityPassEnv, "environment variable holding the authority passphrase")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	att, err := sf.attestation()
	if err != nil {
		return err
	}
	if trimmed := strings.TrimSpace(*keystorePath); trimmed != "" {
		g.cfg.AuthorityKeystorePath = trimmed
	}
	key, err := g.cfg.AuthorityKey(passphrase.NewSource(*passEnv, "authority keystore").Get)
	if err != nil {
		return err
	}
	sig, err := lb.Sign(key, att)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{
		"player":    crypto.HexIdentity(att.Player),
		"score":     att.Score.Dec(),
		"nonce":     att.Nonce.Dec(),
		"digest":    "0x" + hex.EncodeToString(lb.Digest(att)),
		"signer":    crypto.HexIdentity(key.Identity()),
		"signature": "0x" + hex.EncodeToString(sig),
	})
}

func runSubmit(g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("submit", stderr)
	var sf scoreFlags
	sf.register(fs)
	signature := fs.String("signature", "", "authority signature (0x-hex)")
	value := fs.String("value", "", "stake to attach in base units")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	att, err := sf.attestation()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*signature), "0x"))
	if err != nil || len(sig) == 0 {
		return errors.New("--signature must be 0x-prefixed hex")
	}
	amount, err := parseAmount(*value)
	if err != nil {
		return fmt.Errorf("--value: %w", err)
	}
	client, err := g.client(true)
	if err != nil {
		return err
	}
	ctx, cancel := g.requestContext()
	defer cancel()
	receipt, err := client.SubmitScore(ctx, lb.Submission{Player: att.Player, Score: att.Score, Nonce: att.Nonce, Signature: sig}, amount)
	if err != nil {
		return err
	}
	return writeJSON(stdout, receipt)
}

func runDeposit(g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("deposit", stderr)
	value := fs.String("value", "", "amount to deposit in base units")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	amount, err := parseAmount(*value)
	if err != nil {
		return fmt.Errorf("--value: %w", err)
	}
	client, err := g.client(true)
	if err != nil {
		return err
	}
	ctx, cancel := g.requestContext()
	defer cancel()
	balance, err := client.Deposit(ctx, amount)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{"balance": balance.String()})
}

func runWithdraw(g *globals, args []string, stdout, stderr io.Writer) error {
	if err := parseFlags(newFlagSet("withdraw", stderr), args); err != nil {
		return err
	}
	client, err := g.client(true)
	if err != nil {
		return err
	}
	ctx, cancel := g.requestContext()
	defer cancel()
	dist, err := client.Withdraw(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, dist)
}

func runBalance(g *globals, args []string, stdout, stderr io.Writer) error {
	if err := parseFlags(newFlagSet("balance", stderr), args); err != nil {
		return err
	}
	client, err := g.client(false)
	if err != nil {
		return err
	}
	ctx, cancel := g.requestContext()
	defer cancel()
	balance, err := client.Balance(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{"balance": balance.String()})
}

func runLeaderboard(g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("leaderboard", stderr)
	limit := fs.Int("limit", 10, "number of entries to print")
	index := fs.Int("index", -1, "print only the entry at this index")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	client, err := g.client(false)
	if err != nil {
		return err
	}
	ctx, cancel := g.requestContext()
	defer cancel()
	if *index >= 0 {
		entry, err := client.Entry(ctx, *index)
		if err != nil {
			return err
		}
		return writeJSON(stdout, entry)
	}
	entries, total, err := client.Leaderboard(ctx, *limit)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{"entries": entries, "total": total})
}

func runNonce(g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("nonce", stderr)
	player := fs.String("player", "", "player address (hex or bech32)")
	nonceRaw := fs.String("nonce", "", "nonce as a decimal or 0x-hex uint256")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := crypto.ParseIdentity(*player)
	if err != nil {
		return fmt.Errorf("--player: %w", err)
	}
	nonce, err := parseUint256(*nonceRaw)
	if err != nil {
		return fmt.Errorf("--nonce: %w", err)
	}
	client, err := g.client(false)
	if err != nil {
		return err
	}
	ctx, cancel := g.requestContext()
	defer cancel()
	used, err := client.NonceUsed(ctx, id, nonce)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{"player": crypto.HexIdentity(id), "nonce": nonce.Dec(), "used": used})
}

func runAccount(g *globals, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("account", stderr)
	addrRaw := fs.String("addr", "", "account address (defaults to the caller)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	var addr [20]byte
	if strings.TrimSpace(*addrRaw) == "" {
		key, _, err := g.callerKey()
		if err != nil {
			return err
		}
		addr = key.Identity()
	} else {
		parsed, err := crypto.ParseIdentity(*addrRaw)
		if err != nil {
			return fmt.Errorf("--addr: %w", err)
		}
		addr = parsed
	}
	client, err := g.client(false)
	if err != nil {
		return err
	}
	ctx, cancel := g.requestContext()
	defer cancel()
	balance, err := client.Account(ctx, addr)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{"address": crypto.HexIdentity(addr), "balance": balance.String()})
}

func parseUint256(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("value required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return uint256.FromHex(trimmed)
	}
	return uint256.FromDecimal(trimmed)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("value required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}
