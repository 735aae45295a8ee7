package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kesc-finance/wallet/internal/apperr"
)

// FakeGateway is an in-memory KESC ledger. It backs tests and sandbox mode.
type FakeGateway struct {
	mu        sync.Mutex
	owner     common.Address
	balances  map[common.Address]*big.Int
	blacklist map[common.Address]bool
	paused    bool
	block     uint64
	nonce     uint64
	events    []Event
	pending   map[string]*PendingTx
	mined     map[string]*Receipt
	subs      map[int]*fakeSub
	nextSub   int

	transferErr error
	revertNext  bool
	hold        chan struct{}
	readErr     error
}

// NewFakeGateway returns a ledger whose signing account is owner.
func NewFakeGateway(owner string) *FakeGateway {
	return &FakeGateway{
		owner:     common.HexToAddress(owner),
		balances:  make(map[common.Address]*big.Int),
		blacklist: make(map[common.Address]bool),
		pending:   make(map[string]*PendingTx),
		mined:     make(map[string]*Receipt),
		subs:      make(map[int]*fakeSub),
	}
}

// SetBalance overwrites the balance of account.
func (f *FakeGateway) SetBalance(account string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[common.HexToAddress(account)] = new(big.Int).Set(amount)
}

func (f *FakeGateway) SetPaused(paused bool) {
	f.mu.Lock()
	f.paused = paused
	f.mu.Unlock()
}

func (f *FakeGateway) SetBlacklisted(account string, listed bool) {
	f.mu.Lock()
	f.blacklist[common.HexToAddress(account)] = listed
	f.mu.Unlock()
}

// FailReads makes every read return err until called with nil.
func (f *FakeGateway) FailReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

// FailNextTransfer makes the next Transfer call return err without broadcasting.
func (f *FakeGateway) FailNextTransfer(err error) {
	f.mu.Lock()
	f.transferErr = err
	f.mu.Unlock()
}

// RevertNext makes the next confirmation report a reverted transaction.
func (f *FakeGateway) RevertNext() {
	f.mu.Lock()
	f.revertNext = true
	f.mu.Unlock()
}

// HoldConfirmations blocks AwaitConfirmation until ReleaseConfirmations is called.
func (f *FakeGateway) HoldConfirmations() {
	f.mu.Lock()
	if f.hold == nil {
		f.hold = make(chan struct{})
	}
	f.mu.Unlock()
}

func (f *FakeGateway) ReleaseConfirmations() {
	f.mu.Lock()
	if f.hold != nil {
		close(f.hold)
		f.hold = nil
	}
	f.mu.Unlock()
}

// Mint credits to and emits a Mint event, the way the provider settles a buy.
func (f *FakeGateway) Mint(to string, amount *big.Int, reason string) string {
	f.mu.Lock()
	addr := common.HexToAddress(to)
	f.credit(addr, amount)
	hash := f.nextHash()
	ev := f.emit(Event{Kind: EventMint, TxHash: hash, To: addr.Hex(), Amount: new(big.Int).Set(amount), Reason: reason})
	f.mu.Unlock()
	f.fanOut(ev)
	return hash
}

// Burn debits from and emits a Burn event, the way the provider settles a sell.
func (f *FakeGateway) Burn(from string, amount *big.Int, reason string) string {
	f.mu.Lock()
	addr := common.HexToAddress(from)
	f.debit(addr, amount)
	hash := f.nextHash()
	ev := f.emit(Event{Kind: EventBurn, TxHash: hash, From: addr.Hex(), Amount: new(big.Int).Set(amount), Reason: reason})
	f.mu.Unlock()
	f.fanOut(ev)
	return hash
}

// Transfers returns every broadcast transfer in order.
func (f *FakeGateway) Transfers() []PendingTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PendingTx, 0, len(f.pending)+len(f.mined))
	for _, ev := range f.events {
		if ev.Kind == EventTransfer && ev.From == f.owner.Hex() {
			out = append(out, PendingTx{Hash: ev.TxHash, From: ev.From, To: ev.To, Amount: new(big.Int).Set(ev.Amount)})
		}
	}
	for _, p := range f.pending {
		out = append(out, *p)
	}
	return out
}

func (f *FakeGateway) Address() string { return f.owner.Hex() }

func (f *FakeGateway) BalanceOf(_ context.Context, account string) (*big.Int, error) {
	if !ValidAddress(account) {
		return nil, apperr.Field("address", "Invalid address")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "chain.balance_of", f.readErr, "")
	}
	return new(big.Int).Set(f.balance(common.HexToAddress(account))), nil
}

func (f *FakeGateway) Paused(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return false, apperr.Wrap(apperr.KindConnectivity, "chain.paused", f.readErr, "")
	}
	return f.paused, nil
}

func (f *FakeGateway) IsBlacklisted(_ context.Context, account string) (bool, error) {
	if !ValidAddress(account) {
		return false, apperr.Field("address", "Invalid address")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return false, apperr.Wrap(apperr.KindConnectivity, "chain.is_blacklisted", f.readErr, "")
	}
	return f.blacklist[common.HexToAddress(account)], nil
}

// Transfer enforces the contract's own checks the way a revert would.
func (f *FakeGateway) Transfer(ctx context.Context, to string, amount *big.Int) (*PendingTx, error) {
	if !ValidAddress(to) {
		return nil, apperr.Field("recipient", "Invalid recipient address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, apperr.Field("amount", "Please enter a valid amount")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.transferErr; err != nil {
		f.transferErr = nil
		return nil, classifyTxError("chain.transfer", err)
	}
	toAddr := common.HexToAddress(to)
	switch {
	case f.paused:
		return nil, classifyTxError("chain.transfer", errors.New("execution reverted: Pausable: paused"))
	case f.blacklist[f.owner] || f.blacklist[toAddr]:
		return nil, classifyTxError("chain.transfer", errors.New("execution reverted: address blacklisted"))
	case f.balance(f.owner).Cmp(amount) < 0:
		return nil, classifyTxError("chain.transfer", errors.New("execution reverted: transfer amount exceeds balance"))
	}

	p := &PendingTx{Hash: f.nextHash(), From: f.owner.Hex(), To: toAddr.Hex(), Amount: new(big.Int).Set(amount)}
	f.pending[p.Hash] = p
	return p, nil
}

func (f *FakeGateway) AwaitConfirmation(ctx context.Context, tx *PendingTx) (*Receipt, error) {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	if r, ok := f.mined[tx.Hash]; ok {
		f.mu.Unlock()
		return r, nil
	}
	p, ok := f.pending[tx.Hash]
	if !ok {
		f.mu.Unlock()
		return nil, apperr.Newf(apperr.KindChain, "chain.confirm", "unknown transaction %s", tx.Hash)
	}
	delete(f.pending, tx.Hash)
	f.block++
	r := &Receipt{TxHash: p.Hash, BlockNumber: f.block, Success: !f.revertNext}
	f.mined[p.Hash] = r
	if f.revertNext {
		f.revertNext = false
		f.mu.Unlock()
		return r, apperr.Wrap(apperr.KindChain, "chain.confirm", errors.New("transaction reverted"), "Transaction failed on chain")
	}
	from, to := common.HexToAddress(p.From), common.HexToAddress(p.To)
	f.debit(from, p.Amount)
	f.credit(to, p.Amount)
	ev := f.emit(Event{Kind: EventTransfer, TxHash: p.Hash, From: from.Hex(), To: to.Hex(), Amount: new(big.Int).Set(p.Amount), BlockNumber: r.BlockNumber})
	f.mu.Unlock()

	f.fanOut(ev)
	return r, nil
}

func (f *FakeGateway) Events(_ context.Context, filter EventFilter) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "chain.events", f.readErr, "")
	}
	out := make([]Event, 0, len(f.events))
	for _, ev := range f.events {
		if ev.BlockNumber < filter.FromBlock || (filter.ToBlock > 0 && ev.BlockNumber > filter.ToBlock) {
			continue
		}
		if ev.touches(filter.Account) {
			out = append(out, copyEvent(ev))
		}
	}
	return out, nil
}

func (f *FakeGateway) Subscribe(ctx context.Context, filter EventFilter, h Handler) (Subscription, error) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	s := &fakeSub{
		filter:  filter,
		handler: h,
		errc:    make(chan error, 1),
		cancel: func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		},
	}
	f.subs[id] = s
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.errc:
		}
	}()
	return s, nil
}

// Subscribers returns the number of live subscriptions.
func (f *FakeGateway) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *FakeGateway) fanOut(ev Event) {
	f.mu.Lock()
	subs := make([]*fakeSub, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		if ev.touches(s.filter.Account) {
			s.handler(copyEvent(ev))
		}
	}
}

// emit must be called with mu held.
func (f *FakeGateway) emit(ev Event) Event {
	if ev.BlockNumber == 0 {
		f.block++
		ev.BlockNumber = f.block
	}
	ev.LogIndex = uint(len(f.events))
	ev.Timestamp = time.Now().UTC()
	f.events = append(f.events, ev)
	return copyEvent(ev)
}

func (f *FakeGateway) nextHash() string {
	f.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], f.nonce)
	return crypto.Keccak256Hash(f.owner.Bytes(), buf[:]).Hex()
}

func (f *FakeGateway) balance(a common.Address) *big.Int {
	if b, ok := f.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (f *FakeGateway) credit(a common.Address, amount *big.Int) {
	f.balances[a] = new(big.Int).Add(f.balance(a), amount)
}

func (f *FakeGateway) debit(a common.Address, amount *big.Int) {
	f.balances[a] = new(big.Int).Sub(f.balance(a), amount)
}

func copyEvent(ev Event) Event {
	if ev.Amount != nil {
		ev.Amount = new(big.Int).Set(ev.Amount)
	}
	return ev
}

type fakeSub struct {
	filter  EventFilter
	handler Handler
	errc    chan error
	once    sync.Once
	cancel  func()
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		close(s.errc)
	})
}

func (s *fakeSub) Err() <-chan error { return s.errc }
