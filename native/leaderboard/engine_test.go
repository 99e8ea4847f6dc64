package leaderboard

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"leaderboard/core/events"
	"leaderboard/crypto"
	"leaderboard/storage"
)

var ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func etherAmount(numerator, denominator int64) *big.Int {
	out := new(big.Int).Mul(ether, big.NewInt(numerator))
	return out.Quo(out, big.NewInt(denominator))
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type mockTreasury struct {
	mu       sync.Mutex
	fail     error
	payments [][]Transfer
	from     [][20]byte
}

func (m *mockTreasury) Execute(from [20]byte, transfers []Transfer, batch *storage.Batch, commit func(*storage.Batch) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if err := commit(batch); err != nil {
		return err
	}
	m.from = append(m.from, from)
	m.payments = append(m.payments, transfers)
	return nil
}

func (m *mockTreasury) paidTo(addr [20]byte) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := big.NewInt(0)
	for _, batch := range m.payments {
		for _, tr := range batch {
			if tr.To == addr {
				total.Add(total, tr.Amount)
			}
		}
	}
	return total
}

type mockStore struct {
	snapshot  Snapshot
	staged    map[*storage.Batch][]*Mutation
	commits   []*Mutation
	failAfter int
	err       error
}

func newMockStore() *mockStore {
	return &mockStore{
		snapshot:  Snapshot{Balance: big.NewInt(0)},
		staged:    make(map[*storage.Batch][]*Mutation),
		failAfter: -1,
	}
}

func (m *mockStore) Stage(batch *storage.Batch, mu *Mutation) error {
	m.staged[batch] = append(m.staged[batch], mu)
	return nil
}

func (m *mockStore) Write(batch *storage.Batch) error {
	pending := m.staged[batch]
	delete(m.staged, batch)
	if m.failAfter == 0 {
		return m.err
	}
	if m.failAfter > 0 {
		m.failAfter--
	}
	for _, mu := range pending {
		m.apply(mu)
	}
	return nil
}

func (m *mockStore) apply(mu *Mutation) {
	m.commits = append(m.commits, mu)
	if mu.Entry != nil {
		m.snapshot.Entries = append(m.snapshot.Entries, *mu.Entry)
	}
	if mu.Evicted != nil {
		kept := m.snapshot.Entries[:0]
		for _, entry := range m.snapshot.Entries {
			if entry.Seq != mu.Evicted.Seq {
				kept = append(kept, entry)
			}
		}
		m.snapshot.Entries = kept
	}
	if mu.Nonce != nil {
		m.snapshot.Nonces = append(m.snapshot.Nonces, *mu.Nonce)
	}
	if mu.Balance != nil {
		m.snapshot.Balance = new(big.Int).Set(mu.Balance)
	}
	m.snapshot.NextSeq = mu.NextSeq
}

func (m *mockStore) Load() (*Snapshot, error) {
	s := m.snapshot
	s.Entries = append([]RankingEntry(nil), m.snapshot.Entries...)
	s.Nonces = append([]ConsumedNonce(nil), m.snapshot.Nonces...)
	return &s, nil
}

type fixture struct {
	engine    *Engine
	authority *crypto.PrivateKey
	treasury  *mockTreasury
	store     *mockStore
	recorder  *events.Recorder
	cfg       Config
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	authority, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	f := &fixture{
		authority: authority,
		treasury:  &mockTreasury{},
		store:     newMockStore(),
		recorder:  &events.Recorder{},
		cfg: Config{
			Authority:       authority.Identity(),
			HouseWallet:     newTestAddress(0xAA),
			Administrator:   newTestAddress(0xAD),
			Vault:           newTestAddress(0xEE),
			RankingCapacity: capacity,
		},
	}
	f.engine, err = NewEngine(f.cfg, WithStore(f.store), WithTreasury(f.treasury), WithEmitter(f.recorder))
	require.NoError(t, err)
	return f
}

func (f *fixture) submission(t *testing.T, key *crypto.PrivateKey, player [20]byte, score, nonce uint64) Submission {
	t.Helper()
	sub := Submission{Player: player}
	sub.Score.SetUint64(score)
	sub.Nonce.SetUint64(nonce)
	sig, err := Sign(key, sub.Attestation())
	require.NoError(t, err)
	sub.Signature = sig
	return sub
}

func (f *fixture) submit(t *testing.T, player [20]byte, score, nonce uint64, stake *big.Int) *ScoreReceipt {
	t.Helper()
	receipt, err := f.engine.AddScore(Call{Caller: player, Value: stake}, f.submission(t, f.authority, player, score, nonce))
	require.NoError(t, err)
	return receipt
}

func scores(entries []RankingEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, entry := range entries {
		out[i] = entry.Score.Uint64()
	}
	return out
}

func TestNewEngineValidatesConfig(t *testing.T) {
	base := Config{
		Authority:     newTestAddress(0x01),
		HouseWallet:   newTestAddress(0x02),
		Administrator: newTestAddress(0x03),
		Vault:         newTestAddress(0x04),
	}
	_, err := NewEngine(base)
	require.NoError(t, err)

	cfg := base
	cfg.Authority = [20]byte{}
	_, err = NewEngine(cfg)
	require.ErrorIs(t, err, errZeroAuthority)

	cfg = base
	cfg.HouseWallet = [20]byte{}
	_, err = NewEngine(cfg)
	require.ErrorIs(t, err, errZeroHouseWallet)

	cfg = base
	cfg.Administrator = [20]byte{}
	_, err = NewEngine(cfg)
	require.ErrorIs(t, err, errZeroAdministrator)

	cfg = base
	cfg.Vault = [20]byte{}
	_, err = NewEngine(cfg)
	require.ErrorIs(t, err, errZeroVault)

	for _, capacity := range []int{-1, 1, 2} {
		cfg = base
		cfg.RankingCapacity = capacity
		_, err = NewEngine(cfg)
		require.ErrorIs(t, err, errInvalidCapacity)
	}
	cfg = base
	cfg.RankingCapacity = 3
	_, err = NewEngine(cfg)
	require.NoError(t, err)
}

func TestQueriesExposeConfiguration(t *testing.T) {
	f := newFixture(t, 0)
	require.Equal(t, f.authority.Identity(), f.engine.Signer())
	require.Equal(t, f.cfg.HouseWallet, f.engine.HouseWallet())
	require.Equal(t, f.cfg.Administrator, f.engine.Administrator())
	require.Equal(t, f.cfg.Vault, f.engine.Vault())
	require.True(t, f.engine.IsAdministrator(f.cfg.Administrator))
	require.False(t, f.engine.IsAdministrator(f.cfg.HouseWallet))
	require.Zero(t, f.engine.Balance().Sign())
	require.Zero(t, f.engine.Len())
}

func TestAddScoreAcceptsExactlyOnce(t *testing.T) {
	f := newFixture(t, 0)
	player := newTestAddress(0x11)
	sub := f.submission(t, f.authority, player, 100, 1)

	receipt, err := f.engine.AddScore(Call{Caller: player, Value: ether}, sub)
	require.NoError(t, err)
	require.Equal(t, 0, receipt.Position)
	require.True(t, receipt.Retained)
	require.True(t, f.engine.NonceUsed(player, uint256.NewInt(1)))
	require.False(t, f.engine.NonceUsed(player, uint256.NewInt(2)))

	_, err = f.engine.AddScore(Call{Caller: player, Value: ether}, sub)
	require.ErrorIs(t, err, ErrReplayedNonce)
	require.Equal(t, 1, f.engine.Len())
	require.Equal(t, ether, f.engine.Balance())
}

func TestAddScoreRejectsReplayRegardlessOfScore(t *testing.T) {
	f := newFixture(t, 0)
	player := newTestAddress(0x11)
	f.submit(t, player, 100, 7, ether)

	_, err := f.engine.AddScore(Call{Caller: player, Value: ether}, f.submission(t, f.authority, player, 9000, 7))
	require.ErrorIs(t, err, ErrReplayedNonce)
	require.Equal(t, []uint64{100}, scores(f.engine.Top(10)))
	require.Equal(t, ether, f.engine.Balance())

	// The same nonce is still fresh for another player.
	other := newTestAddress(0x22)
	f.submit(t, other, 50, 7, ether)
	require.Equal(t, 2, f.engine.Len())
}

func TestAddScoreRejectsForeignSigner(t *testing.T) {
	f := newFixture(t, 0)
	impostor, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	player := newTestAddress(0x11)

	_, err = f.engine.AddScore(Call{Caller: player, Value: ether}, f.submission(t, impostor, player, 100, 1))
	require.ErrorIs(t, err, ErrUntrustedSigner)
	require.Zero(t, f.engine.Len())
	require.Zero(t, f.engine.Balance().Sign())
	require.False(t, f.engine.NonceUsed(player, uint256.NewInt(1)))
	require.Empty(t, f.store.commits)
}

func TestAddScoreRejectsTamperedAttestation(t *testing.T) {
	f := newFixture(t, 0)
	player := newTestAddress(0x11)
	sub := f.submission(t, f.authority, player, 100, 1)
	sub.Score.SetUint64(101)

	// A valid signature over other data recovers some other identity.
	_, err := f.engine.AddScore(Call{Caller: player, Value: ether}, sub)
	require.ErrorIs(t, err, ErrUntrustedSigner)
	require.Zero(t, f.engine.Len())
}

func TestAddScoreRejectsMalformedSignature(t *testing.T) {
	f := newFixture(t, 0)
	player := newTestAddress(0x11)
	sub := f.submission(t, f.authority, player, 100, 1)

	short := sub
	short.Signature = sub.Signature[:64]
	_, err := f.engine.AddScore(Call{Caller: player, Value: ether}, short)
	require.ErrorIs(t, err, ErrInvalidSignature)

	badV := sub
	badV.Signature = append([]byte(nil), sub.Signature...)
	badV.Signature[64] = 9
	_, err = f.engine.AddScore(Call{Caller: player, Value: ether}, badV)
	require.ErrorIs(t, err, ErrInvalidSignature)

	require.Zero(t, f.engine.Len())
	require.False(t, f.engine.NonceUsed(player, uint256.NewInt(1)))
}

func TestAddScoreRequiresStake(t *testing.T) {
	f := newFixture(t, 0)
	player := newTestAddress(0x11)
	sub := f.submission(t, f.authority, player, 100, 1)

	for _, stake := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		_, err := f.engine.AddScore(Call{Caller: player, Value: stake}, sub)
		require.ErrorIs(t, err, ErrNoStake)
	}
	require.Zero(t, f.engine.Len())
	require.False(t, f.engine.NonceUsed(player, uint256.NewInt(1)))

	// The untouched nonce can still be used with a real stake.
	f.submit(t, player, 100, 1, big.NewInt(1))
	require.Equal(t, 1, f.engine.Len())
}

func TestRankingOrderAndStableTies(t *testing.T) {
	f := newFixture(t, 0)
	players := []byte{0x01, 0x02, 0x03, 0x04}
	for i, score := range []uint64{100, 300, 200, 250} {
		f.submit(t, newTestAddress(players[i]), score, uint64(i), ether)
	}
	require.Equal(t, []uint64{300, 250, 200, 100}, scores(f.engine.Top(10)))

	tie := f.submit(t, newTestAddress(0x05), 250, 0, ether)
	require.Equal(t, 2, tie.Position)
	second, ok := f.engine.Leaderboard(1)
	require.True(t, ok)
	require.Equal(t, newTestAddress(0x04), second.Player)
	third, ok := f.engine.Leaderboard(2)
	require.True(t, ok)
	require.Equal(t, newTestAddress(0x05), third.Player)

	_, ok = f.engine.Leaderboard(5)
	require.False(t, ok)
	_, ok = f.engine.Leaderboard(-1)
	require.False(t, ok)
	require.Len(t, f.engine.Top(2), 2)
}

func TestSamePlayerHoldsSeveralRows(t *testing.T) {
	f := newFixture(t, 0)
	player := newTestAddress(0x11)
	f.submit(t, player, 10, 1, ether)
	f.submit(t, player, 20, 2, ether)
	require.Equal(t, []uint64{20, 10}, scores(f.engine.Top(10)))
}

func TestBalanceIsSumOfStakesAndDeposits(t *testing.T) {
	f := newFixture(t, 0)
	stake := big.NewInt(250)
	for i := 0; i < 5; i++ {
		f.submit(t, newTestAddress(byte(i+1)), uint64(i), 0, stake)
	}
	require.Equal(t, big.NewInt(1250), f.engine.Balance())

	require.NoError(t, f.engine.Deposit(Call{Caller: newTestAddress(0x99), Value: big.NewInt(50)}))
	require.NoError(t, f.engine.Deposit(Call{Caller: newTestAddress(0x99)}))
	require.Equal(t, big.NewInt(1300), f.engine.Balance())
	require.Equal(t, 5, f.engine.Len())

	require.ErrorIs(t, f.engine.Deposit(Call{Value: big.NewInt(-1)}), errNegativeAmount)
	require.Len(t, f.recorder.OfType(EventTypeDeposit), 2)
}

func TestCallerMayDifferFromPlayer(t *testing.T) {
	f := newFixture(t, 0)
	player := newTestAddress(0x11)
	relayer := newTestAddress(0x77)

	receipt, err := f.engine.AddScore(Call{Caller: relayer, Value: ether}, f.submission(t, f.authority, player, 42, 1))
	require.NoError(t, err)
	require.Equal(t, relayer, receipt.Caller)
	require.Equal(t, player, receipt.Entry.Player)

	evts := f.recorder.OfType(EventTypeScoreAdded)
	require.Len(t, evts, 1)
	require.Equal(t, crypto.HexIdentity(player), evts[0].Attr("player"))
	require.Equal(t, crypto.HexIdentity(relayer), evts[0].Attr("caller"))
	require.Equal(t, "42", evts[0].Attr("score"))
	require.Equal(t, "true", evts[0].Attr("retained"))
}

func TestWithdrawRejectsNonAdministrator(t *testing.T) {
	f := newFixture(t, 0)
	f.submit(t, newTestAddress(0x11), 100, 1, ether)

	_, err := f.engine.Withdraw(Call{Caller: newTestAddress(0x11)})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, ether, f.engine.Balance())
	require.Empty(t, f.treasury.payments)
}

func TestWithdrawEndToEnd(t *testing.T) {
	f := newFixture(t, 0)
	p1, p2, p3, p4 := newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03), newTestAddress(0x04)
	f.submit(t, p1, 100, 1, ether)
	f.submit(t, p2, 300, 1, ether)
	f.submit(t, p3, 200, 1, ether)
	f.submit(t, p4, 250, 1, ether)
	require.Equal(t, etherAmount(4, 1), f.engine.Balance())

	dist, err := f.engine.Withdraw(Call{Caller: f.cfg.Administrator})
	require.NoError(t, err)

	require.Equal(t, etherAmount(16, 10), f.treasury.paidTo(f.cfg.HouseWallet))
	require.Equal(t, etherAmount(12, 10), f.treasury.paidTo(p2))
	require.Equal(t, etherAmount(8, 10), f.treasury.paidTo(p4))
	require.Equal(t, etherAmount(4, 10), f.treasury.paidTo(p3))
	require.Zero(t, f.treasury.paidTo(p1).Sign())
	require.Equal(t, [][20]byte{f.cfg.Vault}, f.treasury.from)

	require.Zero(t, dist.Remainder.Sign())
	require.Zero(t, f.engine.Balance().Sign())
	require.Zero(t, f.store.snapshot.Balance.Sign())
	// Ranking history survives the payout.
	require.Equal(t, 4, f.engine.Len())

	evts := f.recorder.OfType(EventTypeWithdrawn)
	require.Len(t, evts, 1)
	require.Equal(t, crypto.HexIdentity(p2), evts[0].Attr("rank1"))
	require.Equal(t, etherAmount(16, 10).String(), evts[0].Attr("houseAmount"))
	require.Equal(t, "0", evts[0].Attr("remainder"))
}

func TestWithdrawRetainsRoundingRemainder(t *testing.T) {
	f := newFixture(t, 0)
	p1, p2, p3 := newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03)
	f.submit(t, p1, 30, 1, big.NewInt(3))
	f.submit(t, p2, 20, 1, big.NewInt(2))
	f.submit(t, p3, 10, 1, big.NewInt(2))
	require.Equal(t, big.NewInt(7), f.engine.Balance())

	dist, err := f.engine.Withdraw(Call{Caller: f.cfg.Administrator})
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2), dist.House().Amount)
	require.Equal(t, big.NewInt(2), dist.Rank(1).Amount)
	require.Equal(t, big.NewInt(1), dist.Rank(2).Amount)
	require.Zero(t, dist.Rank(3).Amount.Sign())
	require.Equal(t, big.NewInt(5), dist.Paid)
	require.Equal(t, big.NewInt(2), dist.Remainder)
	require.Equal(t, big.NewInt(2), f.engine.Balance())

	// Zero shares are reported but not transferred.
	require.Len(t, f.treasury.payments[0], 3)
	require.Zero(t, f.treasury.paidTo(p3).Sign())
}

func TestWithdrawWithFewerThanThreeEntries(t *testing.T) {
	f := newFixture(t, 0)
	p1 := newTestAddress(0x01)
	f.submit(t, p1, 10, 1, big.NewInt(1000))

	dist, err := f.engine.Withdraw(Call{Caller: f.cfg.Administrator})
	require.NoError(t, err)
	require.False(t, dist.Rank(1).Vacant)
	require.True(t, dist.Rank(2).Vacant)
	require.True(t, dist.Rank(3).Vacant)
	require.Equal(t, big.NewInt(400), f.treasury.paidTo(f.cfg.HouseWallet))
	require.Equal(t, big.NewInt(300), f.treasury.paidTo(p1))
	require.Equal(t, big.NewInt(300), dist.Remainder)
	require.Equal(t, big.NewInt(300), f.engine.Balance())

	evts := f.recorder.OfType(EventTypeWithdrawn)
	require.Len(t, evts, 1)
	require.Equal(t, "", evts[0].Attr("rank2"))
	require.Equal(t, "0", evts[0].Attr("rank3Amount"))
}

func TestWithdrawWithEmptyLedger(t *testing.T) {
	f := newFixture(t, 0)
	dist, err := f.engine.Withdraw(Call{Caller: f.cfg.Administrator})
	require.NoError(t, err)
	require.Zero(t, dist.Paid.Sign())
	require.Len(t, f.treasury.payments, 1)
	require.Empty(t, f.treasury.payments[0])
}

func TestWithdrawPayoutFailureLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t, 0)
	f.submit(t, newTestAddress(0x01), 10, 1, ether)
	f.treasury.fail = errors.New("vault frozen")

	_, err := f.engine.Withdraw(Call{Caller: f.cfg.Administrator})
	require.ErrorIs(t, err, ErrPayoutFailed)
	require.ErrorContains(t, err, "vault frozen")
	require.Equal(t, ether, f.engine.Balance())
	require.Equal(t, ether, f.store.snapshot.Balance)
	require.Empty(t, f.recorder.OfType(EventTypeWithdrawn))

	f.treasury.fail = nil
	_, err = f.engine.Withdraw(Call{Caller: f.cfg.Administrator})
	require.NoError(t, err)
	require.Equal(t, etherAmount(3, 10), f.engine.Balance())
}

func TestWithdrawWithoutTreasury(t *testing.T) {
	authority := newTestAddress(0x01)
	engine, err := NewEngine(Config{
		Authority:     authority,
		HouseWallet:   newTestAddress(0x02),
		Administrator: newTestAddress(0x03),
		Vault:         newTestAddress(0x04),
	})
	require.NoError(t, err)
	_, err = engine.Withdraw(Call{Caller: newTestAddress(0x03)})
	require.ErrorIs(t, err, errNilTreasury)
}

func TestNewEngineRequiresStoreForTreasury(t *testing.T) {
	cfg := Config{
		Authority:     newTestAddress(0x01),
		HouseWallet:   newTestAddress(0x02),
		Administrator: newTestAddress(0x03),
		Vault:         newTestAddress(0x04),
	}
	_, err := NewEngine(cfg, WithTreasury(&mockTreasury{}))
	require.ErrorIs(t, err, errStoreRequired)
	_, err = NewEngine(cfg, WithStore(newMockStore()), WithStakeCollection())
	require.ErrorIs(t, err, errNilTreasury)
}

func TestStakeCollectionJoinsTheEngineWrite(t *testing.T) {
	f := newFixture(t, 0)
	engine, err := NewEngine(f.cfg, WithStore(f.store), WithTreasury(f.treasury), WithStakeCollection())
	require.NoError(t, err)
	player, sponsor := newTestAddress(0x11), newTestAddress(0x22)

	_, err = engine.AddScore(Call{Caller: sponsor, Value: ether}, f.submission(t, f.authority, player, 100, 1))
	require.NoError(t, err)
	require.Equal(t, [][20]byte{sponsor}, f.treasury.from)
	require.Equal(t, []Transfer{{To: f.cfg.Vault, Amount: ether, Memo: "leaderboard.stake"}}, f.treasury.payments[0])
	require.Len(t, f.store.commits, 1)

	require.NoError(t, engine.Deposit(Call{Caller: sponsor, Value: big.NewInt(0)}))
	require.Len(t, f.treasury.payments, 1)
	require.Len(t, f.store.commits, 2)

	f.treasury.fail = ErrInsufficientBalance
	_, err = engine.AddScore(Call{Caller: sponsor, Value: ether}, f.submission(t, f.authority, player, 200, 2))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	err = engine.Deposit(Call{Caller: sponsor, Value: ether})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Len(t, f.store.commits, 2)
	require.Equal(t, ether, engine.Balance())
	require.False(t, engine.NonceUsed(player, uint256.NewInt(2)))
	require.Equal(t, 1, engine.Len())
}

func TestWithdrawStoreFailureIsPayoutFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.submit(t, newTestAddress(0x01), 10, 1, ether)
	f.store.failAfter = 0
	f.store.err = errors.New("disk full")

	_, err := f.engine.Withdraw(Call{Caller: f.cfg.Administrator})
	require.ErrorIs(t, err, ErrPayoutFailed)
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, ether, f.engine.Balance())
	require.Equal(t, ether, f.store.snapshot.Balance)
	require.Empty(t, f.treasury.payments)
	require.Empty(t, f.recorder.OfType(EventTypeWithdrawn))
}

func TestAddScoreStoreFailureAppliesNothing(t *testing.T) {
	f := newFixture(t, 0)
	f.store.failAfter = 0
	f.store.err = errors.New("disk full")
	player := newTestAddress(0x11)

	_, err := f.engine.AddScore(Call{Caller: player, Value: ether}, f.submission(t, f.authority, player, 100, 1))
	require.ErrorContains(t, err, "disk full")
	require.Zero(t, f.engine.Len())
	require.Zero(t, f.engine.Balance().Sign())
	require.False(t, f.engine.NonceUsed(player, uint256.NewInt(1)))
	require.Empty(t, f.recorder.Events())
}

func TestRankingCapacityEvictsLowestRow(t *testing.T) {
	f := newFixture(t, 3)
	for i, score := range []uint64{300, 200, 100} {
		f.submit(t, newTestAddress(byte(i+1)), score, 1, ether)
	}

	low := f.submit(t, newTestAddress(0x04), 50, 1, ether)
	require.False(t, low.Retained)
	require.Equal(t, 3, low.Position)
	require.Nil(t, low.Evicted)

	high := f.submit(t, newTestAddress(0x05), 250, 1, ether)
	require.True(t, high.Retained)
	require.Equal(t, 1, high.Position)
	require.NotNil(t, high.Evicted)
	require.Equal(t, newTestAddress(0x03), high.Evicted.Player)

	require.Equal(t, []uint64{300, 250, 200}, scores(f.engine.Top(10)))
	// Stakes are credited and nonces consumed whether or not the row is kept.
	require.Equal(t, etherAmount(5, 1), f.engine.Balance())
	require.True(t, f.engine.NonceUsed(newTestAddress(0x04), uint256.NewInt(1)))
}

func TestEngineRestoresFromStore(t *testing.T) {
	f := newFixture(t, 3)
	for i, score := range []uint64{100, 400, 300, 200} {
		f.submit(t, newTestAddress(byte(i+1)), score, uint64(i), big.NewInt(10))
	}
	require.NoError(t, f.engine.Deposit(Call{Value: big.NewInt(5)}))

	restored, err := NewEngine(f.cfg, WithStore(f.store), WithTreasury(f.treasury))
	require.NoError(t, err)
	require.Equal(t, scores(f.engine.Top(10)), scores(restored.Top(10)))
	require.Equal(t, big.NewInt(45), restored.Balance())
	require.True(t, restored.NonceUsed(newTestAddress(0x01), uint256.NewInt(0)))

	_, err = restored.AddScore(Call{Value: big.NewInt(1)}, f.submission(t, f.authority, newTestAddress(0x02), 1, 1))
	require.ErrorIs(t, err, ErrReplayedNonce)

	receipt, err := restored.AddScore(Call{Value: big.NewInt(1)}, f.submission(t, f.authority, newTestAddress(0x02), 350, 9))
	require.NoError(t, err)
	require.Equal(t, uint64(4), receipt.Entry.Seq)
}

func TestConcurrentSubmissionsConsumeNonceOnce(t *testing.T) {
	f := newFixture(t, 0)
	player := newTestAddress(0x11)
	sub := f.submission(t, f.authority, player, 100, 1)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.AddScore(Call{Caller: player, Value: big.NewInt(1)}, sub); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, accepted)
	require.Equal(t, big.NewInt(1), f.engine.Balance())
}

type stubVerifier struct {
	signer [20]byte
	err    error
}

func (s stubVerifier) Recover(Attestation, []byte) ([20]byte, error) { return s.signer, s.err }

func TestCustomVerifierDecidesTrust(t *testing.T) {
	cfg := Config{
		Authority:     newTestAddress(0x01),
		HouseWallet:   newTestAddress(0xAA),
		Administrator: newTestAddress(0xAD),
		Vault:         newTestAddress(0xEE),
	}
	call := Call{Caller: newTestAddress(0x10), Value: big.NewInt(5)}
	sub := Submission{Player: newTestAddress(0x10)}
	sub.Score.SetUint64(7)

	trusted, err := NewEngine(cfg, WithVerifier(stubVerifier{signer: cfg.Authority}))
	require.NoError(t, err)
	_, err = trusted.AddScore(call, sub)
	require.NoError(t, err)
	require.Equal(t, 1, trusted.Len())

	broken, err := NewEngine(cfg, WithVerifier(stubVerifier{err: errors.New("hsm offline")}))
	require.NoError(t, err)
	_, err = broken.AddScore(call, sub)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Zero(t, broken.Balance().Sign())
}
