package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	rootconfig "nhblend/config"
	"nhblend/crypto"
	"nhblend/integrations/webhooks"
	"nhblend/native/lending"
	lendingengine "nhblend/services/lending/engine"
	"nhblend/services/lendingd/config"
)

func testAccount(fill byte) string {
	return crypto.MustNewAddress(crypto.NHBPrefix, bytesOf(fill)).String()
}

func engineConfig(liquidity string) *rootconfig.Config {
	cfg := rootconfig.Default()
	cfg.Lending.InitialLiquidityWei = liquidity
	return cfg
}

func TestBuildNodeSeedsLiquidityOnce(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{Store: config.StoreConfig{Kind: config.StoreLevelDB, Path: filepath.Join(dir, "state")}}
	ctx := context.Background()
	borrower := testAccount(0x11)

	n, err := buildNode(cfg, engineConfig("1000"), nil)
	require.NoError(t, err)
	pool, err := n.local.GetPool(ctx)
	require.NoError(t, err)
	require.Equal(t, "1000", pool.Liquidity)

	_, err = n.local.DepositCollateral(ctx, borrower, "300")
	require.NoError(t, err)
	loan, err := n.local.Borrow(ctx, borrower, "100")
	require.NoError(t, err)
	n.Close()

	reopened, err := buildNode(cfg, engineConfig("1000"), nil)
	require.NoError(t, err)
	defer reopened.Close()
	pool, err = reopened.local.GetPool(ctx)
	require.NoError(t, err)
	require.Equal(t, "900", pool.Liquidity, "restored state is not reseeded")
	restored, err := reopened.local.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, "active", restored.State)

	payouts, err := reopened.vault.Payouts(crypto.MustNewAddress(crypto.NHBPrefix, bytesOf(0x11)))
	require.NoError(t, err)
	require.Len(t, payouts, 1, "vault shares the leveldb store")
}

func TestBuildNodeSQLiteStore(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	cfg := config.Config{Store: config.StoreConfig{Kind: config.StoreSQLite, DSN: dsn}}
	n, err := buildNode(cfg, engineConfig("500"), nil)
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	borrower := testAccount(0x22)
	_, err = n.local.DepositCollateral(ctx, borrower, "150")
	require.NoError(t, err)
	_, err = n.local.Borrow(ctx, borrower, "100")
	require.NoError(t, err)
	loans, err := n.local.ListLoans(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, loans, 1)
}

func TestBuildNodeHonoursPauseAndOracle(t *testing.T) {
	engineCfg := engineConfig("1000")
	engineCfg.Pauses.Lending = true
	cfg := config.Config{
		Store:  config.StoreConfig{Kind: config.StoreMemory},
		Oracle: config.OracleConfig{Numerator: 2, Denominator: 1},
	}
	n, err := buildNode(cfg, engineCfg, nil)
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	borrower := testAccount(0x33)
	_, err = n.local.DepositCollateral(ctx, borrower, "300")
	require.ErrorIs(t, err, lendingengine.ErrPaused)

	n.pauses.Resume(lendingModule)
	_, err = n.local.DepositCollateral(ctx, borrower, "300")
	require.NoError(t, err)
	loan, err := n.local.Borrow(ctx, borrower, "100")
	require.NoError(t, err)
	require.Equal(t, "300", loan.Collateral, "100 borrow units price at 200 native, 150% of that")
}

func TestOpenStoreRejectsUnknownKind(t *testing.T) {
	_, _, _, err := openStore(config.StoreConfig{Kind: "redis"})
	require.Error(t, err)
}

func TestAdminHealthAndPause(t *testing.T) {
	n, err := buildNode(config.Config{Store: config.StoreConfig{Kind: config.StoreMemory}}, engineConfig("750"), nil)
	require.NoError(t, err)
	defer n.Close()
	handler := n.adminHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "750", health.Liquidity)
	require.False(t, health.Paused)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/pause", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/pause", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, n.vault.Halted())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.True(t, health.Paused)
	require.True(t, health.VaultHalted)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/resume", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, n.pauses.IsPaused(lendingModule))
	require.False(t, n.vault.Halted())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func bytesOf(fill byte) []byte {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return raw
}

func TestBuildNodeForwardsEventsToWebhook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get(webhooks.EventHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Config{
		Store: config.StoreConfig{Kind: config.StoreMemory},
		Webhook: config.WebhookConfig{
			URL:    hook.URL,
			Secret: "whsec",
			Events: []string{lending.EventTypeLoanCreated},
		},
	}
	n, err := buildNode(cfg, engineConfig("1000"), nil)
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	borrower := testAccount(0x44)
	_, err = n.local.DepositCollateral(ctx, borrower, "300")
	require.NoError(t, err)
	_, err = n.local.Borrow(ctx, borrower, "100")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{lending.EventTypeLoanCreated}, seen)

	_, cancel, backlog := n.hub.Subscribe(ctx, "")
	defer cancel()
	require.GreaterOrEqual(t, len(backlog), 2, "stream hub receives every event alongside the webhook")
}
