package events

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"leaderboard/core/types"
)

const (
	// TypeTransfer is emitted for every balance movement applied by the bank.
	TypeTransfer = "bank.transfer"
	// TypeMint is emitted when an account is seeded with fresh funds.
	TypeMint = "bank.mint"
)

// Transfer describes a single balance movement between two accounts.
type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
	Memo   string
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"from":   common.Address(e.From).Hex(),
		"to":     common.Address(e.To).Hex(),
		"amount": formatAmount(e.Amount),
	}
	if memo := strings.TrimSpace(e.Memo); memo != "" {
		attrs["memo"] = memo
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

// Mint records an account being credited out of thin air (genesis seeding).
type Mint struct {
	To     [20]byte
	Amount *big.Int
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	return &types.Event{Type: TypeMint, Attributes: map[string]string{
		"to":     common.Address(e.To).Hex(),
		"amount": formatAmount(e.Amount),
	}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
