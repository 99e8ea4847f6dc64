package leaderboard

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"leaderboard/core/events"
	"leaderboard/core/types"
	"leaderboard/storage"
)

const (
	memoStake   = "leaderboard.stake"
	memoDeposit = "leaderboard.deposit"
)

// Engine authenticates score submissions, keeps the ranking and escrows the
// attached stakes until the administrator triggers a distribution.
type Engine struct {
	mu sync.RWMutex

	cfg      Config
	verifier Verifier
	store    Store
	treasury Treasury
	emitter  events.Emitter
	// collect moves attached values from the caller into the vault.
	collect bool

	nonces  *NonceRegistry
	ranking *RankingStore
	ledger  *EscrowLedger
	nextSeq uint64
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithStore persists every mutation through store and restores the engine
// state from it during construction.
func WithStore(store Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithTreasury configures the component that executes payouts.
func WithTreasury(treasury Treasury) Option {
	return func(e *Engine) { e.treasury = treasury }
}

// WithStakeCollection makes AddScore and Deposit move the attached value from
// the caller into the vault through the treasury. The transfer lands in the
// same batch as the engine state.
func WithStakeCollection() Option {
	return func(e *Engine) { e.collect = true }
}

// WithEmitter configures the event emitter. Nil keeps the no-op emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithVerifier overrides the signature verifier.
func WithVerifier(verifier Verifier) Option {
	return func(e *Engine) {
		if verifier != nil {
			e.verifier = verifier
		}
	}
}

func validateConfig(cfg Config) error {
	var zero [20]byte
	switch {
	case cfg.Authority == zero:
		return errZeroAuthority
	case cfg.HouseWallet == zero:
		return errZeroHouseWallet
	case cfg.Administrator == zero:
		return errZeroAdministrator
	case cfg.Vault == zero:
		return errZeroVault
	case cfg.RankingCapacity < 0, cfg.RankingCapacity > 0 && cfg.RankingCapacity < PayoutWidth:
		return errInvalidCapacity
	}
	return nil
}

// NewEngine validates cfg, applies opts and loads any persisted state.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		verifier: SignatureVerifier{},
		store:    nopStore{},
		emitter:  events.NoopEmitter{},
		nonces:   newNonceRegistry(),
		ranking:  newRankingStore(cfg.RankingCapacity),
		ledger:   newEscrowLedger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.collect && e.treasury == nil {
		return nil, errNilTreasury
	}
	if _, volatile := e.store.(nopStore); volatile && e.treasury != nil {
		return nil, errStoreRequired
	}
	snapshot, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("leaderboard engine: load state: %w", err)
	}
	if err := e.restore(snapshot); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) restore(s *Snapshot) error {
	if s == nil {
		return nil
	}
	entries := append([]RankingEntry(nil), s.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, entry := range entries {
		e.ranking.Insert(entry)
		if entry.Seq >= e.nextSeq {
			e.nextSeq = entry.Seq + 1
		}
	}
	for _, used := range s.Nonces {
		nonce := used.Nonce
		if err := e.nonces.consume(used.Player, &nonce); err != nil {
			return fmt.Errorf("leaderboard engine: restore nonces: %w", err)
		}
	}
	if s.NextSeq > e.nextSeq {
		e.nextSeq = s.NextSeq
	}
	if err := e.ledger.Credit(s.Balance); err != nil {
		return fmt.Errorf("leaderboard engine: restore balance: %w", err)
	}
	return nil
}

func (e *Engine) emit(evt *types.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(leaderboardEvent{evt: evt})
}

// AddScore verifies sub against the trusted authority, consumes its nonce,
// inserts it into the ranking and credits the attached stake. Either all of
// these effects happen or none do.
func (e *Engine) AddScore(call Call, sub Submission) (*ScoreReceipt, error) {
	if call.Value == nil || call.Value.Sign() <= 0 {
		return nil, ErrNoStake
	}
	att := sub.Attestation()
	signer, err := e.verifier.Recover(att, sub.Signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != e.cfg.Authority {
		return nil, ErrUntrustedSigner
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.nonces.Consumed(att.Player, &att.Nonce) {
		return nil, ErrReplayedNonce
	}
	entry := RankingEntry{Player: att.Player, Score: att.Score, Seq: e.nextSeq}
	p := e.ranking.plan(entry)
	balance := new(big.Int).Add(e.ledger.Balance(), call.Value)

	mutation := &Mutation{
		Evicted: p.evicted,
		Nonce:   &ConsumedNonce{Player: att.Player, Nonce: att.Nonce},
		Balance: balance,
		NextSeq: e.nextSeq + 1,
	}
	if p.retained {
		mutation.Entry = &entry
	}
	if err := e.commit(call, memoStake, mutation, "score"); err != nil {
		return nil, err
	}

	e.nonces.mark(att.Player, att.Nonce)
	e.ranking.apply(p)
	e.ledger.set(balance)
	e.nextSeq++

	receipt := &ScoreReceipt{
		Entry:    entry,
		Caller:   call.Caller,
		Nonce:    att.Nonce,
		Position: p.index,
		Retained: p.retained,
		Evicted:  p.evicted,
		Stake:    cloneBigInt(call.Value),
		Balance:  e.ledger.Balance(),
	}
	e.emit(NewScoreAddedEvent(receipt))
	return receipt, nil
}

// Deposit credits the attached value to the escrow ledger without touching
// the ranking. A zero value is accepted.
func (e *Engine) Deposit(call Call) error {
	amount := cloneBigInt(call.Value)
	if amount.Sign() < 0 {
		return errNegativeAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	balance := new(big.Int).Add(e.ledger.Balance(), amount)
	if err := e.commit(call, memoDeposit, &Mutation{Balance: balance, NextSeq: e.nextSeq}, "deposit"); err != nil {
		return err
	}
	e.ledger.set(balance)
	e.emit(NewDepositEvent(call.Caller, amount, e.ledger.Balance()))
	return nil
}

// commit stages m and, with stake collection on, the transfer of the attached
// value into the vault, then writes both in one batch.
func (e *Engine) commit(call Call, memo string, m *Mutation, op string) error {
	batch := storage.NewBatch()
	if err := e.store.Stage(batch, m); err != nil {
		return fmt.Errorf("leaderboard engine: stage %s: %w", op, err)
	}
	write := e.writer(op)
	if !e.collect || call.Value == nil || call.Value.Sign() == 0 {
		return write(batch)
	}
	stake := []Transfer{{To: e.cfg.Vault, Amount: cloneBigInt(call.Value), Memo: memo}}
	return e.treasury.Execute(call.Caller, stake, batch, write)
}

func (e *Engine) writer(op string) func(*storage.Batch) error {
	return func(batch *storage.Batch) error {
		if err := e.store.Write(batch); err != nil {
			return fmt.Errorf("leaderboard engine: persist %s: %w", op, err)
		}
		return nil
	}
}

// IsAdministrator reports whether caller is the configured administrator.
func (e *Engine) IsAdministrator(caller [20]byte) bool {
	return caller == e.cfg.Administrator
}

// Withdraw pays the house wallet and the top three entries their shares of
// the escrow balance. The reduced balance and the payout transfers are written
// in one batch, so on failure neither is durable and ErrPayoutFailed wraps the
// cause. The unpaid remainder stays in the ledger.
func (e *Engine) Withdraw(call Call) (*Distribution, error) {
	if !e.IsAdministrator(call.Caller) {
		return nil, ErrUnauthorized
	}
	if e.treasury == nil {
		return nil, errNilTreasury
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.ledger.Balance()
	dist := ComputeDistribution(previous, e.cfg.HouseWallet, e.ranking.Top(PayoutWidth))
	if dist.Paid.Cmp(previous) > 0 {
		return nil, ErrInsufficientBalance
	}

	batch := storage.NewBatch()
	if err := e.store.Stage(batch, &Mutation{Balance: dist.Remainder, NextSeq: e.nextSeq}); err != nil {
		return nil, fmt.Errorf("leaderboard engine: stage withdrawal: %w", err)
	}
	if err := e.treasury.Execute(e.cfg.Vault, dist.Transfers(), batch, e.writer("withdrawal")); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}
	e.ledger.set(dist.Remainder)
	e.emit(NewWithdrawnEvent(call.Caller, dist))
	return dist, nil
}

// Signer returns the trusted authority identity.
func (e *Engine) Signer() [20]byte { return e.cfg.Authority }

// HouseWallet returns the house wallet identity.
func (e *Engine) HouseWallet() [20]byte { return e.cfg.HouseWallet }

// Administrator returns the administrator identity.
func (e *Engine) Administrator() [20]byte { return e.cfg.Administrator }

// Vault returns the identity payouts are drawn from.
func (e *Engine) Vault() [20]byte { return e.cfg.Vault }

// Balance returns the escrow balance.
func (e *Engine) Balance() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Balance()
}

// Leaderboard returns the ranking entry at index i.
func (e *Engine) Leaderboard(i int) (RankingEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ranking.At(i)
}

// Top returns up to k entries from the head of the ranking.
func (e *Engine) Top(k int) []RankingEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ranking.Top(k)
}

// Len returns the number of ranking entries.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ranking.Len()
}

// NonceUsed reports whether nonce was consumed for player.
func (e *Engine) NonceUsed(player [20]byte, nonce *uint256.Int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nonces.Consumed(player, nonce)
}
