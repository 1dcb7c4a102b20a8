package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rootconfig "nhblend/config"
	"nhblend/core/events"
	"nhblend/integrations/eventbus"
	"nhblend/integrations/webhooks"
	"nhblend/native/common"
	"nhblend/native/lending"
	lendingengine "nhblend/services/lending/engine"
	"nhblend/services/lending/stores"
	"nhblend/services/lendingd/config"
	"nhblend/services/lendingd/stream"
	"nhblend/storage"
)

const lendingModule = "lending"

// node bundles the engine and its collaborators for the lifetime of the
// daemon.
type node struct {
	core    *lending.Engine
	local   *lendingengine.Local
	vault   *lendingengine.Vault
	hub     *stream.Hub
	pauses  *common.PauseSwitch
	logger  *slog.Logger
	closers []func() error
}

func buildNode(cfg config.Config, engineCfg *rootconfig.Config, logger *slog.Logger) (n *node, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	params, err := engineCfg.Lending.Params()
	if err != nil {
		return nil, fmt.Errorf("engine params: %w", err)
	}
	n = &node{
		hub:    stream.NewHub(0),
		pauses: common.NewPauseSwitch(),
		logger: logger,
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()
	if engineCfg.Pauses.Lending {
		n.pauses.Pause(lendingModule)
	}

	store, kv, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, closeStore)

	vaultDB := kv
	if vaultDB == nil && cfg.Vault.Path != "" {
		ldb, err := storage.NewLevelDB(cfg.Vault.Path)
		if err != nil {
			return nil, fmt.Errorf("open vault db: %w", err)
		}
		vaultDB = ldb
		n.closers = append(n.closers, func() error { ldb.Close(); return nil })
	}
	if vaultDB == nil {
		logger.Warn("payout vault is not persisted", slog.String("store", cfg.Store.Kind))
	}
	maxPayout, err := cfg.Vault.MaxPayoutAmount()
	if err != nil {
		return nil, err
	}
	n.vault = lendingengine.NewVault(vaultDB, lendingengine.VaultConfig{MaxPayout: maxPayout, Halted: cfg.Vault.Halted})

	core, err := lending.NewEngine(params)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	core.SetStore(store)
	core.SetTransferer(n.vault)
	core.SetAccessControl(common.ModuleAccess{View: n.pauses, Module: lendingModule})
	emitters := events.Fanout{n.hub}
	if cfg.Webhook.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret),
			webhooks.WithEventTypes(cfg.Webhook.Events...),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0),
			webhooks.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
		n.closers = append(n.closers, func() error { dispatcher.Close(); return nil })
		emitters = append(emitters, dispatcher)
	}
	if cfg.NATS.URL != "" {
		bus, err := eventbus.Connect(context.Background(), eventbus.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Stream:        cfg.NATS.Stream,
			MaxAge:        time.Duration(cfg.NATS.MaxAgeHours) * time.Hour,
		}, logger)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, func() error { bus.Close(); return nil })
		emitters = append(emitters, bus)
	}
	core.SetEmitter(emitters)
	core.SetLogger(logger)
	if cfg.Oracle.Numerator > 0 {
		core.SetOracle(lending.FixedRateOracle{Numerator: cfg.Oracle.Numerator, Denominator: cfg.Oracle.Denominator})
	}
	n.core = core

	found, err := core.Restore()
	if err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	if found {
		stats := core.Stats()
		logger.Info("lending state restored",
			slog.String("liquidity", stats.PoolLiquidity.String()),
			slog.Uint64("active_loans", stats.ActiveLoans))
	} else if params.InitialLiquidity != nil && params.InitialLiquidity.Sign() > 0 {
		if _, err := core.FundPool(params.InitialLiquidity); err != nil {
			return nil, fmt.Errorf("seed liquidity: %w", err)
		}
		logger.Info("lending pool seeded", slog.String("liquidity", params.InitialLiquidity.String()))
	}

	local, err := lendingengine.NewLocal(core,
		lendingengine.WithBorrowQuota(engineCfg.Quotas.Lending.Common()),
		lendingengine.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	n.local = local
	return n, nil
}

// openStore returns the engine store for cfg. KV backends also return their
// database so the payout vault can share it.
func openStore(cfg config.StoreConfig) (lending.Store, storage.Database, func() error, error) {
	h, err := stores.Open(cfg.Kind, cfg.Path, cfg.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	return h.Store, h.KV, h.Close, nil
}

// retryFlush re-attempts a failed state flush every interval until ctx ends.
func (n *node) retryFlush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending := false
			_ = n.local.Do(func(core *lending.Engine) error {
				pending = core.PendingFlushError() != nil
				return nil
			})
			if !pending {
				continue
			}
			if err := n.local.Flush(ctx); err != nil {
				n.logger.Warn("lending state flush retry failed", slog.Any("error", err))
			}
		}
	}
}

// Close flushes pending state and releases the stores.
func (n *node) Close() {
	if n == nil {
		return
	}
	if n.local != nil {
		if err := n.local.Flush(context.Background()); err != nil {
			n.logger.Error("final lending flush failed", slog.Any("error", err))
		}
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.logger.Warn("close store", slog.Any("error", err))
		}
	}
	n.closers = nil
}
