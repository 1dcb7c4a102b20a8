package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhblend/native/lending"
	"nhblend/services/lendingd/stream"
)

type healthResponse struct {
	Status       string `json:"status"`
	Paused       bool   `json:"paused"`
	VaultHalted  bool   `json:"vaultHalted"`
	Liquidity    string `json:"liquidity"`
	ActiveLoans  uint64 `json:"activeLoans"`
	PendingFlush bool   `json:"pendingFlush"`
	Subscribers  int    `json:"subscribers"`
}

// adminHandler serves the operator endpoints. It is meant for a loopback or
// otherwise private listener.
func (n *node) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", otelhttp.NewHandler(http.HandlerFunc(n.handleHealth), "lendingd.health"))
	mux.Handle("/ws/events", stream.Handler(n.hub))
	mux.Handle("/admin/pause", otelhttp.NewHandler(n.handlePause(true), "lendingd.pause"))
	mux.Handle("/admin/resume", otelhttp.NewHandler(n.handlePause(false), "lendingd.resume"))
	return mux
}

func (n *node) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		Status:      "ok",
		Paused:      n.pauses.IsPaused(lendingModule),
		VaultHalted: n.vault.Halted(),
		Subscribers: n.hub.Subscribers(),
	}
	pool, err := n.local.GetPool(r.Context())
	if err != nil {
		resp.Status = "degraded"
	} else {
		resp.Liquidity = pool.Liquidity
		resp.ActiveLoans = pool.ActiveLoans
	}
	_ = n.local.Do(func(core *lending.Engine) error {
		resp.PendingFlush = core.PendingFlushError() != nil
		return nil
	})
	if resp.PendingFlush {
		resp.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handlePause toggles the lending pause switch and the payout vault together.
func (n *node) handlePause(pause bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if pause {
			n.pauses.Pause(lendingModule)
			n.vault.Halt()
		} else {
			n.pauses.Resume(lendingModule)
			n.vault.Resume()
		}
		n.logger.Warn("lending pause switch changed", "paused", pause, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusNoContent)
	})
}
