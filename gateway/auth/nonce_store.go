package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"leaderboard/storage"
)

var (
	nonceRecordPrefix = []byte("auth/nonce/")
	nonceSeenPrefix   = []byte("auth/seen/")

	errNilNonceDatabase = errors.New("auth: nonce database not configured")
	errIncompleteRecord = errors.New("auth: nonce record incomplete")
	errMalformedSeenKey = errors.New("auth: malformed nonce index key")
)

const (
	digestLength  = 32
	seenKeyLength = 8 + 20 + digestLength
)

// seenEntry is the index value; the observation time lives in the key.
type seenEntry struct {
	Caller    [20]byte
	Timestamp string
	Nonce     string
}

// StoredNonces keeps request nonces in a key-value database so a restarted
// daemon still rejects requests replayed inside the nonce window.
//
// Each observation is written twice in one batch: once under the caller
// address and a digest of the timestamp and nonce headers, and once in an
// index ordered by observation time that hydration and pruning walk.
type StoredNonces struct {
	mu sync.Mutex
	db storage.Database
}

// NewStoredNonces wraps db.
func NewStoredNonces(db storage.Database) (*StoredNonces, error) {
	if db == nil {
		return nil, errNilNonceDatabase
	}
	return &StoredNonces{db: db}, nil
}

func headerDigest(timestamp, nonce string) []byte {
	// Header values cannot carry a newline, so the join is unambiguous.
	return ethcrypto.Keccak256([]byte(timestamp), []byte{'\n'}, []byte(nonce))
}

func recordKey(caller [20]byte, digest []byte) []byte {
	key := make([]byte, 0, len(nonceRecordPrefix)+len(caller)+len(digest))
	key = append(key, nonceRecordPrefix...)
	key = append(key, caller[:]...)
	return append(key, digest...)
}

func seenKey(observed time.Time, caller [20]byte, digest []byte) []byte {
	key := make([]byte, len(nonceSeenPrefix)+8, len(nonceSeenPrefix)+seenKeyLength)
	copy(key, nonceSeenPrefix)
	binary.BigEndian.PutUint64(key[len(nonceSeenPrefix):], uint64(observed.UnixNano()))
	key = append(key, caller[:]...)
	return append(key, digest...)
}

func parseSeenKey(key []byte) (time.Time, [20]byte, []byte, error) {
	var caller [20]byte
	raw := key[len(nonceSeenPrefix):]
	if len(raw) != seenKeyLength {
		return time.Time{}, caller, nil, fmt.Errorf("%w %x", errMalformedSeenKey, key)
	}
	observed := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8]))).UTC()
	copy(caller[:], raw[8:28])
	return observed, caller, raw[28:], nil
}

// EnsureNonce records the observation unless the caller already used the
// same timestamp and nonce. It reports whether the pair existed.
func (s *StoredNonces) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	timestamp := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if record.Caller == ([20]byte{}) || timestamp == "" || nonce == "" {
		return false, errIncompleteRecord
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	digest := headerDigest(timestamp, nonce)
	key := recordKey(record.Caller, digest)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Get(key); err == nil {
		return true, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load nonce: %w", err)
	}
	encoded, err := rlp.EncodeToBytes(&seenEntry{Caller: record.Caller, Timestamp: timestamp, Nonce: nonce})
	if err != nil {
		return false, fmt.Errorf("encode nonce: %w", err)
	}
	index := seenKey(observed, record.Caller, digest)
	batch := storage.NewBatch()
	batch.Put(key, index[len(nonceSeenPrefix):])
	batch.Put(index, encoded)
	if err := s.db.Write(batch); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns the observations made at or after cutoff, oldest
// first.
func (s *StoredNonces) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	var (
		records []NonceRecord
		walkErr error
	)
	err := s.db.Iterate(nonceSeenPrefix, func(key, value []byte) bool {
		if walkErr = ctx.Err(); walkErr != nil {
			return false
		}
		observed, _, _, err := parseSeenKey(key)
		if err != nil {
			walkErr = err
			return false
		}
		if observed.Before(cutoff) {
			return true
		}
		var entry seenEntry
		if err := rlp.DecodeBytes(value, &entry); err != nil {
			walkErr = fmt.Errorf("decode nonce: %w", err)
			return false
		}
		records = append(records, NonceRecord{
			Caller:     entry.Caller,
			Timestamp:  entry.Timestamp,
			Nonce:      entry.Nonce,
			ObservedAt: observed,
		})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("iterate nonces: %w", err)
	}
	if walkErr != nil {
		return nil, walkErr
	}
	return records, nil
}

// PruneNonces deletes observations made before cutoff.
func (s *StoredNonces) PruneNonces(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := storage.NewBatch()
	var walkErr error
	err := s.db.Iterate(nonceSeenPrefix, func(key, _ []byte) bool {
		if walkErr = ctx.Err(); walkErr != nil {
			return false
		}
		observed, caller, digest, err := parseSeenKey(key)
		if err != nil {
			walkErr = err
			return false
		}
		// The index is ordered by observation time.
		if !observed.Before(cutoff) {
			return false
		}
		batch.Delete(bytes.Clone(key))
		batch.Delete(recordKey(caller, digest))
		return true
	})
	if err != nil {
		return fmt.Errorf("iterate nonces: %w", err)
	}
	if walkErr != nil {
		return walkErr
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}
