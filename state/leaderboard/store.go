package leaderboard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	lb "leaderboard/native/leaderboard"
	"leaderboard/storage"
)

var (
	entryPrefix = []byte("lb/entry/")
	noncePrefix = []byte("lb/nonce/")
	metaKey     = []byte("lb/meta")

	errNilDatabase = errors.New("leaderboard store: database not configured")
)

type entryRecord struct {
	Player [20]byte
	Score  []byte
	Seq    uint64
}

type metaRecord struct {
	Balance *big.Int
	NextSeq uint64
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}

func nonceKey(n lb.ConsumedNonce) []byte {
	nonce := n.Nonce.Bytes32()
	key := make([]byte, 0, len(noncePrefix)+len(n.Player)+len(nonce))
	key = append(key, noncePrefix...)
	key = append(key, n.Player[:]...)
	return append(key, nonce[:]...)
}

// Store persists the leaderboard engine state in a key-value database. A
// mutation is staged into a batch that may also carry bank writes.
type Store struct {
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) (*Store, error) {
	if db == nil {
		return nil, errNilDatabase
	}
	return &Store{db: db}, nil
}

// Stage implements leaderboard.Store.
func (s *Store) Stage(batch *storage.Batch, m *lb.Mutation) error {
	if m == nil {
		return nil
	}
	if m.Entry != nil {
		score := m.Entry.Score.Bytes32()
		encoded, err := rlp.EncodeToBytes(&entryRecord{Player: m.Entry.Player, Score: score[:], Seq: m.Entry.Seq})
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		batch.Put(entryKey(m.Entry.Seq), encoded)
	}
	if m.Evicted != nil {
		batch.Delete(entryKey(m.Evicted.Seq))
	}
	if m.Nonce != nil {
		batch.Put(nonceKey(*m.Nonce), []byte{1})
	}
	meta := &metaRecord{NextSeq: m.NextSeq}
	if m.Balance != nil {
		meta.Balance = new(big.Int).Set(m.Balance)
	} else {
		current, err := s.loadMeta()
		if err != nil {
			return err
		}
		meta.Balance = current.Balance
	}
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	batch.Put(metaKey, encoded)
	return nil
}

// Write implements leaderboard.Store.
func (s *Store) Write(batch *storage.Batch) error {
	return s.db.Write(batch)
}

// Commit stages m on its own and writes it.
func (s *Store) Commit(m *lb.Mutation) error {
	batch := storage.NewBatch()
	if err := s.Stage(batch, m); err != nil {
		return err
	}
	return s.db.Write(batch)
}

func (s *Store) loadMeta() (*metaRecord, error) {
	data, err := s.db.Get(metaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &metaRecord{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	meta := new(metaRecord)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if meta.Balance == nil {
		meta.Balance = big.NewInt(0)
	}
	return meta, nil
}

// Load implements leaderboard.Store. Entries are returned in submission order.
func (s *Store) Load() (*lb.Snapshot, error) {
	meta, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	snapshot := &lb.Snapshot{Balance: meta.Balance, NextSeq: meta.NextSeq}

	var decodeErr error
	if err := s.db.Iterate(entryPrefix, func(_, value []byte) bool {
		var rec entryRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			decodeErr = fmt.Errorf("decode entry: %w", err)
			return false
		}
		entry := lb.RankingEntry{Player: rec.Player, Seq: rec.Seq}
		entry.Score.SetBytes(rec.Score)
		snapshot.Entries = append(snapshot.Entries, entry)
		return true
	}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	if err := s.db.Iterate(noncePrefix, func(key, _ []byte) bool {
		raw := key[len(noncePrefix):]
		if len(raw) != 20+32 {
			decodeErr = fmt.Errorf("malformed nonce key %x", key)
			return false
		}
		var used lb.ConsumedNonce
		copy(used.Player[:], raw[:20])
		used.Nonce.SetBytes(raw[20:])
		snapshot.Nonces = append(snapshot.Nonces, used)
		return true
	}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return snapshot, nil
}
