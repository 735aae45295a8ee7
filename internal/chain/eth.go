package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/apperr"
)

// EthConfig configures the go-ethereum backed gateway.
type EthConfig struct {
	RPCURL        string
	TokenAddress  string
	PrivateKeyHex string
	ReceiptPoll   time.Duration
}

// EthGateway talks to the KESC contract through a JSON-RPC node.
type EthGateway struct {
	logger   *zap.Logger
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	token    common.Address
	from     common.Address
	txOpts   *bind.TransactOpts
	poll     time.Duration

	mu         sync.Mutex
	blockTimes map[uint64]time.Time
}

// NewEthGateway dials the node and binds the token contract.
func NewEthGateway(ctx context.Context, logger *zap.Logger, cfg EthConfig) (*EthGateway, error) {
	if cfg.RPCURL == "" {
		return nil, apperr.New(apperr.KindConfiguration, "chain.dial", "Chain RPC URL is not configured")
	}
	if !ValidAddress(cfg.TokenAddress) {
		return nil, apperr.New(apperr.KindConfiguration, "chain.dial", "Token address is not configured")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "chain.dial", fmt.Errorf("dial rpc: %w", err), "")
	}

	parsed, err := abi.JSON(strings.NewReader(kescABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "chain.dial", err, "Wallet key is not configured")
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "chain.dial", fmt.Errorf("fetch chain id: %w", err), "")
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}

	token := common.HexToAddress(cfg.TokenAddress)
	g := &EthGateway{
		logger:     logger,
		client:     cli,
		contract:   bind.NewBoundContract(token, parsed, cli, cli, cli),
		abi:        parsed,
		token:      token,
		from:       crypto.PubkeyToAddress(pk.PublicKey),
		txOpts:     txOpts,
		poll:       poll,
		blockTimes: make(map[uint64]time.Time),
	}

	logger.Info("chain.gateway_ready",
		zap.String("chain_id", chainID.String()),
		zap.String("token", token.Hex()),
		zap.String("wallet", g.from.Hex()))
	return g, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Close releases the RPC connection.
func (g *EthGateway) Close() {
	g.client.Close()
}

func (g *EthGateway) Address() string { return g.from.Hex() }

func (g *EthGateway) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	if !ValidAddress(account) {
		return nil, apperr.Field("address", "Invalid address")
	}
	var out []any
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", common.HexToAddress(account)); err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "chain.balance_of", err, "")
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (g *EthGateway) Paused(ctx context.Context) (bool, error) {
	var out []any
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "paused"); err != nil {
		return false, apperr.Wrap(apperr.KindConnectivity, "chain.paused", err, "")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (g *EthGateway) IsBlacklisted(ctx context.Context, account string) (bool, error) {
	if !ValidAddress(account) {
		return false, apperr.Field("address", "Invalid address")
	}
	var out []any
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isBlackListed", common.HexToAddress(account)); err != nil {
		return false, apperr.Wrap(apperr.KindConnectivity, "chain.is_blacklisted", err, "")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Transfer signs and broadcasts transfer(to, amount). It does not wait for mining.
func (g *EthGateway) Transfer(ctx context.Context, to string, amount *big.Int) (*PendingTx, error) {
	if !ValidAddress(to) {
		return nil, apperr.Field("recipient", "Invalid recipient address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, apperr.Field("amount", "Please enter a valid amount")
	}

	opts := *g.txOpts
	opts.Context = ctx

	tx, err := g.contract.Transact(&opts, "transfer", common.HexToAddress(to), amount)
	if err != nil {
		g.logger.Warn("chain.transfer_rejected", zap.String("to", to), zap.Error(err))
		return nil, classifyTxError("chain.transfer", err)
	}

	g.logger.Info("chain.transfer_submitted",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.String("to", to),
		zap.String("amount", amount.String()))

	return &PendingTx{
		Hash:   tx.Hash().Hex(),
		From:   g.from.Hex(),
		To:     common.HexToAddress(to).Hex(),
		Amount: new(big.Int).Set(amount),
	}, nil
}

// AwaitConfirmation polls for the receipt until mined or ctx is done. A reverted
// transaction is a chain failure.
func (g *EthGateway) AwaitConfirmation(ctx context.Context, tx *PendingTx) (*Receipt, error) {
	hash := common.HexToHash(tx.Hash)
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			out := &Receipt{TxHash: tx.Hash, BlockNumber: receipt.BlockNumber.Uint64(), Success: receipt.Status == types.ReceiptStatusSuccessful}
			if !out.Success {
				g.logger.Warn("chain.transfer_reverted", zap.String("tx_hash", tx.Hash))
				return out, apperr.Wrap(apperr.KindChain, "chain.confirm", fmt.Errorf("transaction %s reverted", tx.Hash), "Transaction failed on chain")
			}
			return out, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			g.logger.Debug("chain.receipt_poll_error", zap.String("tx_hash", tx.Hash), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *EthGateway) query(filter EventFilter) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{g.token},
		Topics: [][]common.Hash{{
			g.abi.Events[string(EventTransfer)].ID,
			g.abi.Events[string(EventMint)].ID,
			g.abi.Events[string(EventBurn)].ID,
		}},
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
	}
	if filter.ToBlock > 0 {
		q.ToBlock = new(big.Int).SetUint64(filter.ToBlock)
	}
	return q
}

// Events reads historical Transfer, Mint and Burn logs.
func (g *EthGateway) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	logs, err := g.client.FilterLogs(ctx, g.query(filter))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "chain.events", err, "")
	}

	out := make([]Event, 0, len(logs))
	for _, l := range logs {
		ev, err := decodeLog(g.abi, l)
		if err != nil {
			g.logger.Warn("chain.decode_failed", zap.String("tx_hash", l.TxHash.Hex()), zap.Error(err))
			continue
		}
		if !ev.touches(filter.Account) {
			continue
		}
		ev.Timestamp = g.blockTime(ctx, l.BlockNumber)
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe streams live logs to h. It needs a websocket or IPC endpoint.
func (g *EthGateway) Subscribe(ctx context.Context, filter EventFilter, h Handler) (Subscription, error) {
	ch := make(chan types.Log, 64)
	sub, err := g.client.SubscribeFilterLogs(ctx, g.query(filter), ch)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "chain.subscribe", err, "")
	}

	go func() {
		for {
			select {
			case l := <-ch:
				if l.Removed {
					continue
				}
				ev, err := decodeLog(g.abi, l)
				if err != nil || !ev.touches(filter.Account) {
					continue
				}
				ev.Timestamp = g.blockTime(ctx, l.BlockNumber)
				h(ev)
			case err := <-sub.Err():
				if err != nil {
					g.logger.Warn("chain.subscription_dropped", zap.Error(err))
				}
				return
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			}
		}
	}()
	return sub, nil
}

func (g *EthGateway) blockTime(ctx context.Context, number uint64) time.Time {
	g.mu.Lock()
	ts, ok := g.blockTimes[number]
	g.mu.Unlock()
	if ok {
		return ts
	}

	header, err := g.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}
	}
	ts = time.Unix(int64(header.Time), 0).UTC()

	g.mu.Lock()
	g.blockTimes[number] = ts
	g.mu.Unlock()
	return ts
}

// decodeLog turns a raw contract log into an Event.
func decodeLog(parsed abi.ABI, l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return Event{}, errors.New("log has no topics")
	}
	ev := Event{TxHash: l.TxHash.Hex(), BlockNumber: l.BlockNumber, LogIndex: l.Index}

	fields := map[string]any{}
	switch l.Topics[0] {
	case parsed.Events[string(EventTransfer)].ID:
		if len(l.Topics) < 3 {
			return Event{}, errors.New("transfer log missing indexed topics")
		}
		if err := parsed.UnpackIntoMap(fields, string(EventTransfer), l.Data); err != nil {
			return Event{}, err
		}
		ev.Kind = EventTransfer
		ev.From = common.BytesToAddress(l.Topics[1].Bytes()).Hex()
		ev.To = common.BytesToAddress(l.Topics[2].Bytes()).Hex()
		ev.Amount, _ = fields["value"].(*big.Int)
	case parsed.Events[string(EventMint)].ID:
		if len(l.Topics) < 2 {
			return Event{}, errors.New("mint log missing indexed topic")
		}
		if err := parsed.UnpackIntoMap(fields, string(EventMint), l.Data); err != nil {
			return Event{}, err
		}
		ev.Kind = EventMint
		ev.To = common.BytesToAddress(l.Topics[1].Bytes()).Hex()
		ev.Amount, _ = fields["amount"].(*big.Int)
		ev.Reason, _ = fields["reason"].(string)
	case parsed.Events[string(EventBurn)].ID:
		if len(l.Topics) < 2 {
			return Event{}, errors.New("burn log missing indexed topic")
		}
		if err := parsed.UnpackIntoMap(fields, string(EventBurn), l.Data); err != nil {
			return Event{}, err
		}
		ev.Kind = EventBurn
		ev.From = common.BytesToAddress(l.Topics[1].Bytes()).Hex()
		ev.Amount, _ = fields["amount"].(*big.Int)
		ev.Reason, _ = fields["reason"].(string)
	default:
		return Event{}, fmt.Errorf("unknown event topic %s", l.Topics[0].Hex())
	}
	if ev.Amount == nil {
		ev.Amount = new(big.Int)
	}
	return ev, nil
}
