// Package history builds the wallet's transaction list and balance from KESC
// contract logs and keeps them current from a live log subscription.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/chain"
	"github.com/kesc-finance/wallet/internal/metrics"
	"github.com/kesc-finance/wallet/pkg/model"
)

const statusConfirmed = "success"

// ErrNoWallet is returned when the gateway has no signing account.
var ErrNoWallet = errors.New("history: wallet not connected")

// Records maps contract events to the history rows of account, newest first,
// one row per transaction hash and direction.
func Records(account string, events []chain.Event, decimals int32) []model.TxRecord {
	seen := make(map[string]struct{}, len(events))
	out := make([]model.TxRecord, 0, len(events))
	for _, ev := range events {
		for _, r := range toRecords(account, ev, decimals) {
			if _, dup := seen[r.Key()]; dup {
				continue
			}
			seen[r.Key()] = struct{}{}
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out
}

func toRecords(account string, ev chain.Event, decimals int32) []model.TxRecord {
	base := model.TxRecord{
		ID:          ev.TxHash,
		Amount:      chain.FromBaseUnits(ev.Amount, decimals),
		From:        ev.From,
		To:          ev.To,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		Status:      statusConfirmed,
		Timestamp:   ev.Timestamp,
	}
	var out []model.TxRecord
	switch ev.Kind {
	case chain.EventTransfer:
		// Mint and Burn carry the supply changes; their zero-address Transfer legs are skipped.
		if isZero(ev.From) || isZero(ev.To) {
			return nil
		}
		if chain.SameAddress(ev.From, account) {
			r := base
			r.Direction = model.DirectionSend
			out = append(out, r)
		}
		if chain.SameAddress(ev.To, account) {
			r := base
			r.Direction = model.DirectionReceive
			out = append(out, r)
		}
	case chain.EventMint:
		if chain.SameAddress(ev.To, account) {
			base.Direction = model.DirectionDeposit
			out = append(out, base)
		}
	case chain.EventBurn:
		if chain.SameAddress(ev.From, account) {
			base.Direction = model.DirectionSell
			out = append(out, base)
		}
	}
	return out
}

func isZero(addr string) bool {
	return addr == "" || common.HexToAddress(addr) == (common.Address{})
}

func sortNewestFirst(rs []model.TxRecord) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber > b.BlockNumber
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex > b.LogIndex
		}
		return a.Timestamp.After(b.Timestamp)
	})
}

// Service is the history and balance view model of the connected wallet.
type Service struct {
	logger   *zap.Logger
	gw       chain.Gateway
	decimals int32

	mu      sync.RWMutex
	records []model.TxRecord
	seen    map[string]struct{}
	balance string
	loaded  time.Time
	subs    map[int]func([]model.TxRecord)
	nextSub int
}

// New builds a Service reading from gw. decimals is the token exponent.
func New(logger *zap.Logger, gw chain.Gateway, decimals int32) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if decimals == 0 {
		decimals = chain.DefaultDecimals
	}
	return &Service{
		logger:   logger,
		gw:       gw,
		decimals: decimals,
		seen:     make(map[string]struct{}),
		subs:     make(map[int]func([]model.TxRecord)),
	}
}

func (s *Service) account() (string, error) {
	if s.gw == nil || s.gw.Address() == "" {
		return "", ErrNoWallet
	}
	return s.gw.Address(), nil
}

// Load reads every Transfer, Mint and Burn log touching the wallet and replaces the list.
func (s *Service) Load(ctx context.Context) ([]model.TxRecord, error) {
	account, err := s.account()
	if err != nil {
		return nil, err
	}
	events, err := s.gw.Events(ctx, chain.EventFilter{Account: account})
	if err != nil {
		s.logger.Warn("history.load_failed", zap.Error(err))
		return nil, err
	}
	records := Records(account, events, s.decimals)

	s.mu.Lock()
	s.records = records
	s.seen = make(map[string]struct{}, len(records))
	for _, r := range records {
		s.seen[r.Key()] = struct{}{}
	}
	s.loaded = time.Now().UTC()
	out, subs := s.copyLocked(), s.subscribersLocked()
	s.mu.Unlock()

	metrics.SetLastRefresh("history", time.Now())
	s.logger.Info("history.loaded",
		zap.String("account", account),
		zap.Int("events", len(events)),
		zap.Int("records", len(records)))
	for _, fn := range subs {
		fn(out)
	}
	return out, nil
}

// Records returns the current list, newest first.
func (s *Service) Records() []model.TxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Balance reads the token balance of the wallet, formatted in whole tokens.
func (s *Service) Balance(ctx context.Context) (string, error) {
	account, err := s.account()
	if err != nil {
		return "", err
	}
	raw, err := s.gw.BalanceOf(ctx, account)
	if err != nil {
		return "", err
	}
	formatted := chain.FromBaseUnits(raw, s.decimals)

	s.mu.Lock()
	s.balance = formatted
	s.mu.Unlock()
	metrics.SetLastRefresh("balance", time.Now())
	return formatted, nil
}

// CachedBalance returns the last balance read, if any.
func (s *Service) CachedBalance() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

// Refresh reloads history and balance.
func (s *Service) Refresh(ctx context.Context) error {
	_, histErr := s.Load(ctx)
	_, balErr := s.Balance(ctx)
	return errors.Join(histErr, balErr)
}

// Subscribe registers fn for every change to the list and returns the unsubscribe func.
func (s *Service) Subscribe(fn func([]model.TxRecord)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Watch follows new logs for the wallet until the handle is unsubscribed or ctx ends.
func (s *Service) Watch(ctx context.Context) (*Handle, error) {
	account, err := s.account()
	if err != nil {
		return nil, err
	}
	sub, err := s.gw.Subscribe(ctx, chain.EventFilter{Account: account}, func(ev chain.Event) {
		s.apply(ctx, account, ev)
	})
	if err != nil {
		s.logger.Warn("history.subscribe_failed", zap.Error(err))
		return nil, err
	}
	s.logger.Info("history.watch_started", zap.String("account", account))

	h := &Handle{sub: sub, done: make(chan struct{})}
	go func() {
		select {
		case err, ok := <-sub.Err():
			if ok && err != nil {
				s.logger.Warn("history.subscription_error", zap.Error(err))
			}
		case <-h.done:
		}
	}()
	return h, nil
}

func (s *Service) apply(ctx context.Context, account string, ev chain.Event) {
	added := 0
	s.mu.Lock()
	for _, r := range toRecords(account, ev, s.decimals) {
		if _, dup := s.seen[r.Key()]; dup {
			continue
		}
		s.seen[r.Key()] = struct{}{}
		s.records = append(s.records, r)
		added++
	}
	if added == 0 {
		s.mu.Unlock()
		return
	}
	sortNewestFirst(s.records)
	out, subs := s.copyLocked(), s.subscribersLocked()
	s.mu.Unlock()

	s.logger.Debug("history.event_applied",
		zap.String("kind", string(ev.Kind)),
		zap.String("tx_hash", ev.TxHash))
	if _, err := s.Balance(ctx); err != nil {
		s.logger.Warn("history.balance_refresh_failed", zap.Error(err))
	}
	for _, fn := range subs {
		fn(out)
	}
}

func (s *Service) copyLocked() []model.TxRecord {
	return append([]model.TxRecord(nil), s.records...)
}

func (s *Service) subscribersLocked() []func([]model.TxRecord) {
	subs := make([]func([]model.TxRecord), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

// Handle owns a live log subscription.
type Handle struct {
	sub  chain.Subscription
	once sync.Once
	done chan struct{}
}

// Unsubscribe stops the subscription. Safe to call more than once.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.sub.Unsubscribe()
		close(h.done)
	})
}
