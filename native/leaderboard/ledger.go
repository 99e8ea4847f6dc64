package leaderboard

import "math/big"

// EscrowLedger is the running balance of collected stakes and deposits. It is
// only changed through Credit and Debit and never goes negative.
type EscrowLedger struct {
	balance *big.Int
}

func newEscrowLedger() *EscrowLedger {
	return &EscrowLedger{balance: big.NewInt(0)}
}

// Credit adds amt to the balance.
func (l *EscrowLedger) Credit(amt *big.Int) error {
	if amt == nil {
		return nil
	}
	if amt.Sign() < 0 {
		return errNegativeAmount
	}
	l.balance.Add(l.balance, amt)
	return nil
}

// Debit subtracts amt from the balance.
func (l *EscrowLedger) Debit(amt *big.Int) error {
	if amt == nil {
		return nil
	}
	if amt.Sign() < 0 {
		return errNegativeAmount
	}
	if l.balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	l.balance.Sub(l.balance, amt)
	return nil
}

// Balance returns a copy of the current balance.
func (l *EscrowLedger) Balance() *big.Int {
	return new(big.Int).Set(l.balance)
}

// set replaces the balance with a value already persisted by the store.
func (l *EscrowLedger) set(balance *big.Int) {
	l.balance = new(big.Int).Set(balance)
}
