package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/api"
	"github.com/kesc-finance/wallet/internal/chain"
	"github.com/kesc-finance/wallet/internal/config"
	"github.com/kesc-finance/wallet/internal/history"
	"github.com/kesc-finance/wallet/internal/jobs"
	"github.com/kesc-finance/wallet/internal/journal"
	"github.com/kesc-finance/wallet/internal/orchestrator"
	"github.com/kesc-finance/wallet/internal/publisher"
	"github.com/kesc-finance/wallet/internal/ramp"
	"github.com/kesc-finance/wallet/internal/ramp/ramptest"
	"github.com/kesc-finance/wallet/internal/rate"
	"github.com/kesc-finance/wallet/internal/reconciler"
	internalsecrets "github.com/kesc-finance/wallet/internal/secrets"
	"github.com/kesc-finance/wallet/internal/store"
	"github.com/kesc-finance/wallet/pkg/secrets"
	"github.com/kesc-finance/wallet/pkg/utils"
)

// SandboxWallet is the connected address in sandbox mode.
const SandboxWallet = "0x00000000000000000000000000000000000005aF"

// sandboxFunding is the opening sandbox balance in whole tokens.
const sandboxFunding = "50000"

// App is the fully wired wallet.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Gateway   chain.Gateway
	Flows     *orchestrator.Orchestrator
	Wallet    *history.Service
	Refresher *jobs.WalletRefresher
	Checks    map[string]api.HealthCheck

	closers []func()
}

// OrchestratorConfig maps service settings onto flow parameters.
func OrchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.Country = cfg.Country
	oc.Network = cfg.Network
	oc.CryptoType = cfg.CryptoType
	oc.Operator = cfg.Operator
	oc.MinAmount = cfg.MinAmount
	oc.MaxAmount = cfg.MaxAmount
	oc.Decimals = cfg.TokenDecimals
	oc.EnforceQuoteExpiry = cfg.EnforceQuoteExpiry
	oc.TrackAbandoned = cfg.TrackAbandoned
	return oc
}

// Build wires every component from cfg. In sandbox mode the ramp provider and
// the token contract are in-process fakes and no infrastructure is required.
func Build(ctx context.Context, logg *zap.Logger, cfg *config.Config, sandbox bool) (*App, error) {
	a := &App{Config: cfg, Logger: logg, Checks: map[string]api.HealthCheck{}}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Token gateway ---
	gw, err := a.gateway(ctx, sandbox)
	if err != nil {
		return nil, err
	}
	a.Gateway = gw
	address := gw.Address()
	a.Checks["chain"] = func(ctx context.Context) error {
		_, err := gw.BalanceOf(ctx, address)
		return err
	}

	// --- Ramp provider ---
	client, err := a.rampClient(ctx, sandbox)
	if err != nil {
		return nil, err
	}

	// --- Session (optionally persisted in Redis) ---
	var persister store.Persister
	if cfg.RedisAddr != "" && !sandbox {
		rp, err := store.NewRedisPersister(cfg.RedisAddr, cfg.RedisDB, address, cfg.SessionTTL, logg.Named("session"))
		if err != nil {
			return nil, fmt.Errorf("init redis session: %w", err)
		}
		persister = rp
		a.Checks["redis"] = rp.HealthCheck
		a.onClose(func() { _ = rp.Close() })
	}
	session := store.NewSession(logg.Named("session"), persister)
	if snap, err := session.Resume(ctx); err != nil {
		logg.Warn("session.resume_failed", zap.Error(err))
	} else if snap.Transfer != nil {
		logg.Info("session.resumed",
			zap.String("transfer_id", snap.Transfer.TransferID),
			zap.String("status", string(snap.Transfer.Status)))
	}

	// --- Journal (memory, plus Postgres when configured) ---
	var pool *pgxpool.Pool
	var flowJournal journal.Journal = journal.NewMemory()
	if cfg.DatabaseURL != "" && !sandbox {
		logg.Info("postgres.connecting", zap.String("dsn", utils.MaskDSN(cfg.DatabaseURL)))
		pool, err = journal.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.onClose(pool.Close)
		pg := journal.NewPostgres(pool, logg.Named("journal"), cfg.ServiceName)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		flowJournal = journal.Tee(flowJournal, pg)
		a.Checks["postgres"] = pool.Ping
	}

	// --- NATS publisher ---
	var pub *publisher.Publisher
	if cfg.NATSURL != "" && !sandbox {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.onClose(func() {
			if err := nc.Drain(); err != nil {
				logg.Warn("nats.drain_failed", zap.Error(err))
			}
		})
		pub, err = publisher.New(nc, cfg.ServiceName, address)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.Checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nc.FlushTimeout(time.Second)
		}
	}

	// --- Reconciler, history and orchestrator ---
	rec := reconciler.New(logg.Named("reconciler"), client, reconciler.Config{
		Interval: cfg.StatusPollInterval,
		Deadline: cfg.StatusPollDeadline,
	})
	a.onClose(rec.Close)

	a.Wallet = history.New(logg.Named("history"), gw, cfg.TokenDecimals)

	deps := orchestrator.Deps{
		Ramp:       client,
		Chain:      gw,
		Session:    session,
		Reconciler: rec,
		Journal:    flowJournal,
		Refreshers: []orchestrator.Refresher{a.Wallet},
	}
	var events jobs.EventPublisher
	if pub != nil {
		deps.Publisher = pub
		events = pub
	}
	a.Flows = orchestrator.New(logg.Named("orchestrator"), OrchestratorConfig(cfg), deps)
	a.onClose(a.Flows.Close)
	a.Flows.Resume(ctx)

	var db jobs.DBExecutor
	if pool != nil {
		db = pool
	}
	a.Refresher = jobs.NewWalletRefresher(logg.Named("refresher"), a.Wallet, address, db, events, cfg.RefreshInterval)
	a.onClose(a.Refresher.Stop)

	ok = true
	return a, nil
}

func (a *App) gateway(ctx context.Context, sandbox bool) (chain.Gateway, error) {
	if sandbox {
		fake := chain.NewFakeGateway(SandboxWallet)
		funding, err := chain.ToBaseUnits(sandboxFunding, a.Config.TokenDecimals)
		if err != nil {
			return nil, err
		}
		fake.Mint(SandboxWallet, funding, "sandbox funding")
		return fake, nil
	}
	if err := a.Config.ValidateChain(); err != nil {
		return nil, err
	}
	eth, err := chain.NewEthGateway(ctx, a.Logger.Named("chain"), chain.EthConfig{
		RPCURL:        a.Config.ChainRPCURL,
		TokenAddress:  a.Config.TokenAddress,
		PrivateKeyHex: a.Config.WalletKey,
		ReceiptPoll:   a.Config.ReceiptPoll,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(eth.Close)
	return eth, nil
}

func (a *App) rampClient(ctx context.Context, sandbox bool) (*ramp.Client, error) {
	cfg := a.Config
	rc := ramp.Config{
		BaseURL:  cfg.RampBaseURL,
		APIKey:   cfg.RampAPIKey,
		RetryMax: cfg.RampRetryMax,
		Timeout:  cfg.RampTimeout,
	}

	if sandbox {
		fake := ramptest.NewServer()
		a.onClose(fake.Close)
		rc.BaseURL, rc.APIKey = fake.URL, ramptest.APIKey
		a.Logger.Info("sandbox.ramp_started", zap.String("url", fake.URL))
	} else {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if cfg.RampAPIKeySecretID != "" {
			keys, err := a.secretKeys(ctx)
			if err != nil {
				return nil, err
			}
			creds, err := keys.Resolve(ctx)
			if err != nil {
				return nil, err
			}
			if creds.BaseURL != "" {
				rc.BaseURL = creds.BaseURL
			}
			rc.Keys = keys
		}
	}

	var rateMgr *rate.Manager
	if cfg.RampRateLimit > 0 {
		rateMgr = rate.NewManager(rate.Config{
			RequestsPerSecond: cfg.RampRateLimit,
			Burst:             cfg.RampRateBurst,
		})
	}
	return ramp.NewClient(a.Logger.Named("ramp"), rc, rateMgr), nil
}

func (a *App) secretKeys(ctx context.Context) (internalsecrets.RampKeys, error) {
	provider, err := secrets.NewAWSProvider(ctx, a.Config.AWSRegion)
	if err != nil {
		return internalsecrets.RampKeys{}, fmt.Errorf("init secrets provider: %w", err)
	}
	cache := secrets.NewCache[internalsecrets.RampCredentials](a.Config.SecretsCacheTTL)
	stop := make(chan struct{})
	go cache.StartCleaner(time.Hour, stop)
	a.onClose(func() { close(stop) })
	return internalsecrets.NewRampKeys(a.Logger.Named("secrets"), a.Config.RampAPIKeySecretID, provider, cache), nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything Build acquired, most recent first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
