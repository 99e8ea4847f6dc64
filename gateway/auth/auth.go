package auth

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"leaderboard/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Caller-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Caller-Nonce"
	// HeaderSignature carries the hex-encoded 65-byte secp256k1 signature.
	HeaderSignature = "X-Caller-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	requestDomain = "leaderboard-request"

	maxAllowedTimestampSkew  = 2 * time.Minute
	defaultTimestampSkew     = maxAllowedTimestampSkew
	maxNonceWindow           = 10 * time.Minute
	defaultNonceWindow       = maxNonceWindow
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

var (
	ErrMissingCredentials = errors.New("auth: missing caller credentials")
	ErrBodyTooLarge       = fmt.Errorf("auth: request body exceeds %d bytes", MaxBodyForSignature)
	ErrStaleRequest       = errors.New("auth: timestamp outside allowed skew")
	ErrInvalidSignature   = errors.New("auth: invalid request signature")
	ErrReplayedRequest    = errors.New("auth: request nonce already used")
)

// Principal is the identity that signed a request.
type Principal struct {
	Address [20]byte
}

// Hex renders the caller address.
func (p Principal) Hex() string { return common.Address(p.Address).Hex() }

// NonceRecord is one persisted (caller, timestamp, nonce) observation.
type NonceRecord struct {
	Caller     [20]byte
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for caller nonce usage.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Options tunes the authenticator. Zero values pick the defaults; skew, TTL
// and capacity are clamped to safe maxima.
type Options struct {
	TimestampSkew time.Duration
	NonceTTL      time.Duration
	NonceCapacity int
	Now           func() time.Time
	Persistence   NoncePersistence
}

// Authenticator recovers the caller of a request from its signature headers
// and rejects stale or replayed requests.
type Authenticator struct {
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[[20]byte]*nonceStore

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator from opts.
func NewAuthenticator(opts Options) *Authenticator {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		allowedTimestampSkew: clampDuration(opts.TimestampSkew, defaultTimestampSkew, maxAllowedTimestampSkew),
		nonceTTL:             clampDuration(opts.NonceTTL, defaultNonceWindow, maxNonceWindow),
		nonceCapacity:        clampInt(opts.NonceCapacity, defaultNonceCapacity, maxNonceCapacity),
		nowFn:                nowFn,
		nonces:               make(map[[20]byte]*nonceStore),
		persistence:          opts.Persistence,
	}
}

func clampDuration(v, def, max time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// Authenticate validates the signature headers and returns the caller.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, ErrBodyTooLarge
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	switch {
	case timestampHeader == "":
		return nil, fmt.Errorf("%w: %s header", ErrMissingCredentials, HeaderTimestamp)
	case nonce == "":
		return nil, fmt.Errorf("%w: %s header", ErrMissingCredentials, HeaderNonce)
	case providedSig == "":
		return nil, fmt.Errorf("%w: %s header", ErrMissingCredentials, HeaderSignature)
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp: %v", ErrMissingCredentials, err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("%w of %s", ErrStaleRequest, a.allowedTimestampSkew)
	}
	sig, err := decodeSignature(providedSig)
	if err != nil {
		return nil, err
	}
	digest := RequestDigest(timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	caller, err := crypto.RecoverPersonal(digest, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	principal := &Principal{Address: caller}
	duplicate, err := a.registerNonce(r.Context(), caller, timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, ErrReplayedRequest
	}
	return principal, nil
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	return sig, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if rec.Caller == ([20]byte{}) || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonceStore(rec.Caller).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

// NonceWindow returns how long request nonces are remembered.
func (a *Authenticator) NonceWindow() time.Duration { return a.nonceTTL }

func (a *Authenticator) registerNonce(ctx context.Context, caller [20]byte, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.nonceStore(caller)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			Caller:     caller,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	return cache.Seen(composite, now), nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

func (a *Authenticator) nonceStore(caller [20]byte) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[caller]
	if ok {
		return cache
	}
	cache = newNonceStore(a.nonceTTL, a.nonceCapacity)
	a.nonces[caller] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// RequestDigest is the keccak256 hash a caller signs for one request. The
// body is hashed separately so the digest has a fixed-size tail.
func RequestDigest(timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{
		requestDomain,
		timestamp,
		nonce,
		strings.ToUpper(method),
		path,
		hex.EncodeToString(ethcrypto.Keccak256(body)),
	}, "\n")
	return ethcrypto.Keccak256([]byte(payload))
}

// SignRequest sets the caller signature headers on req for body.
func SignRequest(key *crypto.PrivateKey, req *http.Request, body []byte, now time.Time, nonce string) error {
	if strings.TrimSpace(nonce) == "" {
		return fmt.Errorf("%w: empty nonce", ErrMissingCredentials)
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	sig, err := crypto.SignPersonal(key, RequestDigest(timestamp, nonce, req.Method, CanonicalRequestPath(req), body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	return &nonceStore{
		ttl:      clampDuration(ttl, defaultNonceWindow, maxNonceWindow),
		capacity: clampInt(capacity, defaultNonceCapacity, maxNonceCapacity),
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether key was observed within the TTL window and records it
// when it was not.
func (n *nonceStore) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true
	}
	n.insertLocked(key, now)
	return false
}

// Contains reports whether key was observed without recording it.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers key, evicting the oldest entries beyond capacity.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceStore) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		front := n.order.Front()
		n.order.Remove(front)
		delete(n.entries, front.Value.(nonceEntry).key)
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for front := n.order.Front(); front != nil; front = n.order.Front() {
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}
