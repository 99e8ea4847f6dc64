package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"leaderboard/core/events"
	lb "leaderboard/native/leaderboard"
	"leaderboard/storage"
)

var accountPrefix = []byte("bank/acct/")

var (
	// ErrInsufficientFunds is returned when an account cannot cover a debit.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("bank: amount must not be negative")

	errNilDatabase = errors.New("bank: database not configured")
)

func accountKey(addr [20]byte) []byte {
	key := make([]byte, len(accountPrefix)+len(addr))
	copy(key, accountPrefix)
	copy(key[len(accountPrefix):], addr[:])
	return key
}

// Ledger tracks account balances in base units. Every operation is written
// to the database in one batch, possibly shared with the leaderboard store,
// before the in-memory view changes.
type Ledger struct {
	mu       sync.Mutex
	db       storage.Database
	balances map[[20]byte]*big.Int
	emitter  events.Emitter
}

// NewLedger loads every persisted balance from db.
func NewLedger(db storage.Database) (*Ledger, error) {
	if db == nil {
		return nil, errNilDatabase
	}
	l := &Ledger{db: db, balances: make(map[[20]byte]*big.Int), emitter: events.NoopEmitter{}}
	var decodeErr error
	if err := db.Iterate(accountPrefix, func(key, value []byte) bool {
		if len(key) != len(accountPrefix)+20 {
			decodeErr = fmt.Errorf("bank: malformed account key %x", key)
			return false
		}
		balance := new(big.Int)
		if err := rlp.DecodeBytes(value, balance); err != nil {
			decodeErr = fmt.Errorf("bank: decode balance: %w", err)
			return false
		}
		var addr [20]byte
		copy(addr[:], key[len(accountPrefix):])
		l.balances[addr] = balance
		return true
	}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return l, nil
}

// SetEmitter configures the event emitter used by the ledger. Passing nil
// resets it to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) balanceLocked(addr [20]byte) *big.Int {
	if balance, ok := l.balances[addr]; ok {
		return balance
	}
	return big.NewInt(0)
}

// Balance returns a copy of the balance held by addr.
func (l *Ledger) Balance(addr [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(addr))
}

// stageLocked queues the updated balances in batch.
func stageLocked(batch *storage.Batch, updates map[[20]byte]*big.Int) error {
	for addr, balance := range updates {
		encoded, err := rlp.EncodeToBytes(balance)
		if err != nil {
			return fmt.Errorf("bank: encode balance: %w", err)
		}
		batch.Put(accountKey(addr), encoded)
	}
	return nil
}

func (l *Ledger) persist(batch *storage.Batch) error {
	if err := l.db.Write(batch); err != nil {
		return fmt.Errorf("bank: persist balances: %w", err)
	}
	return nil
}

// Mint credits amount to addr out of thin air.
func (l *Ledger) Mint(addr [20]byte, amount *big.Int) error {
	return l.MintAll(map[[20]byte]*big.Int{addr: amount}, storage.NewBatch())
}

// MintAll credits every allocation in one write. Genesis seeding passes a
// batch that already carries its own marker so both land together.
func (l *Ledger) MintAll(allocations map[[20]byte]*big.Int, batch *storage.Batch) error {
	for _, amount := range allocations {
		if amount != nil && amount.Sign() < 0 {
			return ErrInvalidAmount
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	updates := make(map[[20]byte]*big.Int, len(allocations))
	for addr, amount := range allocations {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		updates[addr] = new(big.Int).Add(l.balanceLocked(addr), amount)
	}
	if err := stageLocked(batch, updates); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := l.persist(batch); err != nil {
		return err
	}
	for addr, balance := range updates {
		l.balances[addr] = balance
		l.emitter.Emit(events.Mint{To: addr, Amount: new(big.Int).Set(allocations[addr])})
	}
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int, memo string) error {
	return l.Disburse(from, []lb.Transfer{{To: to, Amount: amount, Memo: memo}})
}

// Disburse applies every transfer out of from, or none of them when from
// cannot cover the total.
func (l *Ledger) Disburse(from [20]byte, transfers []lb.Transfer) error {
	return l.Execute(from, transfers, storage.NewBatch(), l.persist)
}

// Execute implements leaderboard.Treasury. The account writes join batch and
// the in-memory balances follow only once commit succeeds. An empty transfer
// set still commits the batch.
func (l *Ledger) Execute(from [20]byte, transfers []lb.Transfer, batch *storage.Batch, commit func(*storage.Batch) error) error {
	total := big.NewInt(0)
	for _, tr := range transfers {
		if tr.Amount == nil {
			continue
		}
		if tr.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		total.Add(total, tr.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if total.Sign() == 0 {
		if batch.Len() == 0 {
			return nil
		}
		return commit(batch)
	}
	source := l.balanceLocked(from)
	if source.Cmp(total) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, common.Address(from).Hex(), source, total)
	}
	updates := map[[20]byte]*big.Int{from: new(big.Int).Sub(source, total)}
	for _, tr := range transfers {
		if tr.Amount == nil || tr.Amount.Sign() == 0 {
			continue
		}
		current, ok := updates[tr.To]
		if !ok {
			current = new(big.Int).Set(l.balanceLocked(tr.To))
		}
		updates[tr.To] = current.Add(current, tr.Amount)
	}
	if err := stageLocked(batch, updates); err != nil {
		return err
	}
	if err := commit(batch); err != nil {
		return err
	}
	for addr, balance := range updates {
		l.balances[addr] = balance
	}
	for _, tr := range transfers {
		if tr.Amount == nil || tr.Amount.Sign() == 0 {
			continue
		}
		l.emitter.Emit(events.Transfer{From: from, To: tr.To, Amount: new(big.Int).Set(tr.Amount), Memo: tr.Memo})
	}
	return nil
}
