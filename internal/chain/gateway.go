// Package chain is the wallet's view of the KESC token contract: balance and guard reads,
// the transfer write, confirmation waits and Transfer/Mint/Burn event access.
package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kesc-finance/wallet/internal/apperr"
)

// EventKind names the contract events the wallet consumes.
type EventKind string

const (
	EventTransfer EventKind = "Transfer"
	EventMint     EventKind = "Mint"
	EventBurn     EventKind = "Burn"
)

// PendingTx is a submitted but not yet confirmed token transfer.
type PendingTx struct {
	Hash   string
	From   string
	To     string
	Amount *big.Int
}

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
}

// Event is one decoded contract log.
type Event struct {
	Kind        EventKind
	TxHash      string
	From        string
	To          string
	Amount      *big.Int
	Reason      string
	BlockNumber uint64
	LogIndex    uint
	Timestamp   time.Time
}

// EventFilter narrows event reads. Account keeps only events touching that address.
// ToBlock zero means latest.
type EventFilter struct {
	Account   string
	FromBlock uint64
	ToBlock   uint64
}

// Handler receives live events.
type Handler func(Event)

// Subscription is a live event feed. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Gateway is the token contract boundary. Amounts are base units.
type Gateway interface {
	// Address is the wallet account that signs transfers.
	Address() string
	BalanceOf(ctx context.Context, account string) (*big.Int, error)
	Paused(ctx context.Context) (bool, error)
	IsBlacklisted(ctx context.Context, account string) (bool, error)
	Transfer(ctx context.Context, to string, amount *big.Int) (*PendingTx, error)
	// AwaitConfirmation blocks until the transaction is mined or ctx ends.
	AwaitConfirmation(ctx context.Context, tx *PendingTx) (*Receipt, error)
	Events(ctx context.Context, filter EventFilter) ([]Event, error)
	Subscribe(ctx context.Context, filter EventFilter, h Handler) (Subscription, error)
}

// ValidAddress reports whether s is a 20-byte hex address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	if !ValidAddress(a) || !ValidAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

func (e Event) touches(account string) bool {
	if account == "" {
		return true
	}
	return SameAddress(e.From, account) || SameAddress(e.To, account)
}

// classifyTxError maps contract revert reasons to guard failures.
func classifyTxError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "paused"):
		return apperr.Wrap(apperr.KindChainGuard, op, err, "Transfers are currently paused")
	case strings.Contains(msg, "blacklisted"):
		return apperr.Wrap(apperr.KindChainGuard, op, err, "Address is blacklisted")
	case strings.Contains(msg, "insufficient") || strings.Contains(msg, "exceeds balance"):
		return apperr.Wrap(apperr.KindChainGuard, op, err, "Insufficient balance")
	default:
		return apperr.Wrap(apperr.KindChain, op, err, "Transaction failed. Please try again.")
	}
}
