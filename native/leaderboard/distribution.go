package leaderboard

import (
	"fmt"
	"math/big"
)

// Payout shares in basis points of the escrow balance.
const (
	HouseShareBps  = 4000
	FirstPlaceBps  = 3000
	SecondPlaceBps = 2000
	ThirdPlaceBps  = 1000

	bpsDenominator = 10_000
)

// PayoutWidth is the number of ranked winners paid by a distribution.
const PayoutWidth = 3

var rankShareBps = [PayoutWidth]uint64{FirstPlaceBps, SecondPlaceBps, ThirdPlaceBps}

// Share is one slot of a distribution.
type Share struct {
	// Slot is "house" or "rank1".."rank3".
	Slot        string
	Recipient   [20]byte
	BasisPoints uint64
	Amount      *big.Int
	// Winner is the ranking entry paid by a rank slot.
	Winner *RankingEntry
	// Vacant marks a rank slot without a ranking entry. Its amount stays in
	// the ledger.
	Vacant bool
}

// Distribution is the computed split of the escrow balance. Slots are
// ordered house, rank1, rank2, rank3.
type Distribution struct {
	Balance   *big.Int
	Shares    [PayoutWidth + 1]Share
	Paid      *big.Int
	Remainder *big.Int
}

func shareOf(balance *big.Int, bps uint64) *big.Int {
	if balance == nil || balance.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(balance, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// ComputeDistribution splits balance between the house wallet and up to three
// winners. Each share is floored independently. Vacant ranks and the rounding
// remainder are not paid and are reported in Remainder.
func ComputeDistribution(balance *big.Int, house [20]byte, winners []RankingEntry) *Distribution {
	total := cloneBigInt(balance)
	dist := &Distribution{Balance: total, Paid: big.NewInt(0)}
	dist.Shares[0] = Share{
		Slot:        "house",
		Recipient:   house,
		BasisPoints: HouseShareBps,
		Amount:      shareOf(total, HouseShareBps),
	}
	dist.Paid.Add(dist.Paid, dist.Shares[0].Amount)
	for i := 0; i < PayoutWidth; i++ {
		share := Share{
			Slot:        fmt.Sprintf("rank%d", i+1),
			BasisPoints: rankShareBps[i],
			Amount:      shareOf(total, rankShareBps[i]),
		}
		if i < len(winners) {
			winner := winners[i]
			share.Winner = &winner
			share.Recipient = winner.Player
			dist.Paid.Add(dist.Paid, share.Amount)
		} else {
			share.Vacant = true
		}
		dist.Shares[i+1] = share
	}
	dist.Remainder = new(big.Int).Sub(total, dist.Paid)
	return dist
}

// House returns the house slot.
func (d *Distribution) House() Share { return d.Shares[0] }

// Rank returns the slot for rank n (1-based).
func (d *Distribution) Rank(n int) Share { return d.Shares[n] }

// Transfers returns the payouts to execute: every filled slot with a positive
// amount, in slot order.
func (d *Distribution) Transfers() []Transfer {
	out := make([]Transfer, 0, len(d.Shares))
	for _, share := range d.Shares {
		if share.Vacant || share.Amount == nil || share.Amount.Sign() <= 0 {
			continue
		}
		out = append(out, Transfer{
			To:     share.Recipient,
			Amount: new(big.Int).Set(share.Amount),
			Memo:   "leaderboard." + share.Slot,
		})
	}
	return out
}
