package leaderboard

import (
	"math/big"

	"github.com/holiman/uint256"

	"leaderboard/storage"
)

// Config holds the identities fixed when the engine is constructed.
type Config struct {
	// Authority is the identity whose signatures authorise score submissions.
	Authority [20]byte
	// HouseWallet receives the house share of every distribution.
	HouseWallet [20]byte
	// Administrator is the only identity allowed to trigger a withdrawal.
	Administrator [20]byte
	// Vault is the engine's own account; payouts are drawn from it.
	Vault [20]byte
	// RankingCapacity bounds the number of retained ranking rows. Zero keeps
	// every row.
	RankingCapacity int
}

// Call carries the invocation context of a mutating operation: who is calling
// and how much value is attached.
type Call struct {
	Caller [20]byte
	Value  *big.Int
}

// Attestation is the tuple signed by the game authority.
type Attestation struct {
	Player [20]byte
	Score  uint256.Int
	Nonce  uint256.Int
}

// Submission is an attestation together with the authority's signature.
type Submission struct {
	Player    [20]byte
	Score     uint256.Int
	Nonce     uint256.Int
	Signature []byte
}

// Attestation returns the signed portion of the submission.
func (s Submission) Attestation() Attestation {
	return Attestation{Player: s.Player, Score: s.Score, Nonce: s.Nonce}
}

// RankingEntry is one accepted submission. Seq is the engine-assigned
// submission sequence number.
type RankingEntry struct {
	Player [20]byte
	Score  uint256.Int
	Seq    uint64
}

// ScoreReceipt describes the effect of an accepted submission.
type ScoreReceipt struct {
	Entry  RankingEntry
	Caller [20]byte
	Nonce  uint256.Int
	// Position is the index the entry was inserted at. When Retained is false
	// the entry fell outside the ranking capacity and Position equals the
	// capacity.
	Position int
	Retained bool
	// Evicted is the row pushed out of a full ranking, if any.
	Evicted *RankingEntry
	Stake   *big.Int
	Balance *big.Int
}

// Transfer is a single payout instruction handed to the treasury.
type Transfer struct {
	To     [20]byte
	Amount *big.Int
	Memo   string
}

// Treasury moves funds between accounts. Execute stages the balance writes
// for every transfer out of from into batch and hands the batch to commit.
// Balances change only when commit succeeds, and then all transfers apply.
type Treasury interface {
	Execute(from [20]byte, transfers []Transfer, batch *storage.Batch, commit func(*storage.Batch) error) error
}

// ConsumedNonce identifies a (player, nonce) pair that has been used.
type ConsumedNonce struct {
	Player [20]byte
	Nonce  uint256.Int
}

// Mutation is the persisted effect of one engine operation. Nil fields are
// left untouched by the store.
type Mutation struct {
	Entry   *RankingEntry
	Evicted *RankingEntry
	Nonce   *ConsumedNonce
	Balance *big.Int
	NextSeq uint64
}

// Snapshot is the full persisted engine state.
type Snapshot struct {
	Entries []RankingEntry
	Nonces  []ConsumedNonce
	Balance *big.Int
	NextSeq uint64
}

// Store persists engine mutations. Stage queues the writes for m in batch,
// which may also carry treasury writes; Write applies a batch atomically.
type Store interface {
	Stage(batch *storage.Batch, m *Mutation) error
	Write(batch *storage.Batch) error
	Load() (*Snapshot, error)
}

type nopStore struct{}

func (nopStore) Stage(*storage.Batch, *Mutation) error { return nil }
func (nopStore) Write(*storage.Batch) error            { return nil }
func (nopStore) Load() (*Snapshot, error)              { return &Snapshot{Balance: new(big.Int)}, nil }

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
