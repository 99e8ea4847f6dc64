package logging

import (
	"encoding/hex"
	"log/slog"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Redacted replaces the value of a sensitive attribute.
const Redacted = "[REDACTED]"

const fingerprintPrefix = "keccak:"

// sensitiveKeys are normalised attribute keys whose values never reach the
// log output in clear.
var sensitiveKeys = map[string]struct{}{
	"signature":        {},
	"xcallersignature": {},
	"requestnonce":     {},
	"xcallernonce":     {},
	"authorization":    {},
	"passphrase":       {},
	"password":         {},
	"privatekey":       {},
}

func normaliseKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(key))
}

// Sensitive reports whether values logged under key are masked. Case and
// separators are ignored, so X-Caller-Signature matches.
func Sensitive(key string) bool {
	_, ok := sensitiveKeys[normaliseKey(key)]
	return ok
}

// Secret is a value that is logged only as a short keccak fingerprint. Equal
// secrets share a fingerprint, so a replayed nonce can be traced across lines
// without being disclosed.
type Secret string

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	if strings.TrimSpace(string(s)) == "" {
		return slog.StringValue("")
	}
	sum := ethcrypto.Keccak256([]byte(s))
	return slog.StringValue(fingerprintPrefix + hex.EncodeToString(sum[:4]))
}

// redact masks sensitive attributes that were logged without Secret.
func redact(attr slog.Attr) slog.Attr {
	if !Sensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString {
		value := attr.Value.String()
		if value == "" || strings.HasPrefix(value, fingerprintPrefix) {
			return attr
		}
	}
	return slog.String(attr.Key, Redacted)
}
