package leaderboard

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"leaderboard/core/types"
)

const (
	EventTypeScoreAdded = "leaderboard.score_added"
	EventTypeDeposit    = "leaderboard.deposit"
	EventTypeWithdrawn  = "leaderboard.withdrawn"
)

type leaderboardEvent struct {
	evt *types.Event
}

func (e leaderboardEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e leaderboardEvent) Event() *types.Event { return e.evt }

func hexID(id [20]byte) string { return common.Address(id).Hex() }

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewScoreAddedEvent returns the payload emitted for an accepted submission.
func NewScoreAddedEvent(r *ScoreReceipt) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: EventTypeScoreAdded, Attributes: attrs}
	}
	attrs["player"] = hexID(r.Entry.Player)
	attrs["caller"] = hexID(r.Caller)
	attrs["score"] = r.Entry.Score.Dec()
	attrs["nonce"] = r.Nonce.Dec()
	attrs["seq"] = strconv.FormatUint(r.Entry.Seq, 10)
	attrs["position"] = strconv.Itoa(r.Position)
	attrs["retained"] = strconv.FormatBool(r.Retained)
	attrs["stake"] = amountString(r.Stake)
	attrs["balance"] = amountString(r.Balance)
	if r.Evicted != nil {
		attrs["evictedPlayer"] = hexID(r.Evicted.Player)
		attrs["evictedSeq"] = strconv.FormatUint(r.Evicted.Seq, 10)
	}
	return &types.Event{Type: EventTypeScoreAdded, Attributes: attrs}
}

// NewDepositEvent returns the payload emitted for an unconditional deposit.
func NewDepositEvent(caller [20]byte, amount, balance *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeDeposit,
		Attributes: map[string]string{
			"caller":  hexID(caller),
			"amount":  amountString(amount),
			"balance": amountString(balance),
		},
	}
}

// NewWithdrawnEvent returns the payload emitted after a completed
// distribution. Vacant rank slots carry an empty recipient.
func NewWithdrawnEvent(caller [20]byte, d *Distribution) *types.Event {
	attrs := map[string]string{"caller": hexID(caller)}
	if d == nil {
		return &types.Event{Type: EventTypeWithdrawn, Attributes: attrs}
	}
	attrs["balance"] = amountString(d.Balance)
	attrs["paid"] = amountString(d.Paid)
	attrs["remainder"] = amountString(d.Remainder)
	for _, share := range d.Shares {
		if share.Vacant {
			attrs[share.Slot] = ""
			attrs[share.Slot+"Amount"] = "0"
			continue
		}
		attrs[share.Slot] = hexID(share.Recipient)
		attrs[share.Slot+"Amount"] = amountString(share.Amount)
		if share.Winner != nil {
			attrs[share.Slot+"Score"] = share.Winner.Score.Dec()
		}
	}
	return &types.Event{Type: EventTypeWithdrawn, Attributes: attrs}
}
