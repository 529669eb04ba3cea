package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"seedbridge.ai/internal/bridge"
	"seedbridge.ai/internal/seedkey"
)

const adminTimeout = 30 * time.Second

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metricsHandler(newMetricsRegistry(s)))

	if s.cfg.Admin.Enabled {
		mux.HandleFunc("GET /admin/v1/bridges", localOnly(s.handleListBridges))
		mux.HandleFunc("POST /admin/v1/bridges", localOnly(s.handleCreateBridge))
		mux.HandleFunc("GET /admin/v1/bridges/{key}", localOnly(s.handleGetBridge))
		mux.HandleFunc("DELETE /admin/v1/bridges/{key}", localOnly(s.handleRemoveBridge))
		mux.HandleFunc("GET /admin/v1/bridges/{key}/history", localOnly(s.handleBridgeHistory))
		mux.HandleFunc("GET /admin/v1/resolve", localOnly(s.handleResolve))
		mux.HandleFunc("GET /admin/v1/observer", localOnly(s.handleObserver))
		mux.HandleFunc("GET /admin/v1/observer/state", localOnly(s.handleObserverState))
		mux.HandleFunc("POST /admin/v1/store/reload", localOnly(s.handleStoreReload))
		mux.HandleFunc("GET /admin/v1/triggers", localOnly(s.handleTriggers))
	} else {
		s.log.Info("admin endpoints disabled")
	}
	if s.cfg.Admin.Pprof {
		mux.HandleFunc("/debug/pprof/", localOnly(pprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", localOnly(pprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", localOnly(pprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", localOnly(pprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", localOnly(pprof.Trace))
	}
	return mux
}

func localOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]any{"ok": false, "error": msg})
}

func (s *server) handleListBridges(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"stats":   s.registry.GetStatistics(),
		"bridges": s.registry.GetAllBridgeData(),
	})
}

type createBridgeRequest struct {
	Grid     seedkey.Grid `json:"grid"`
	PlayerID string       `json:"player_id"`
}

func (s *server) handleCreateBridge(rw http.ResponseWriter, r *http.Request) {
	var req createBridgeRequest
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	key, err := s.registry.CreateBridge(ctx, req.Grid, strings.TrimSpace(req.PlayerID))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bridge.ErrCompile) || errors.Is(err, bridge.ErrRegister) {
			status = http.StatusBadGateway
		}
		writeError(rw, status, err.Error())
		return
	}
	rec, _ := s.registry.GetBridgeData(key)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "seed_key": key, "bridge": rec})
}

func (s *server) handleGetBridge(rw http.ResponseWriter, r *http.Request) {
	rec, ok := s.registry.GetBridgeData(r.PathValue("key"))
	if !ok {
		writeError(rw, http.StatusNotFound, "unknown seed key")
		return
	}
	writeJSON(rw, http.StatusOK, rec)
}

func (s *server) handleRemoveBridge(rw http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !s.registry.HasSeedKey(key) {
		writeError(rw, http.StatusNotFound, "unknown seed key")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	if !s.registry.RemoveBridge(ctx, key) {
		writeError(rw, http.StatusBadGateway, "host refused to unregister the dimension")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "seed_key": key})
}

func (s *server) handleResolve(rw http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	dimID, ok := s.registry.ResolveDimensionID(key)
	writeJSON(rw, http.StatusOK, map[string]any{"seed_key": key, "resolved": ok, "dimension_id": dimID})
}

func (s *server) handleObserver(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"stats":    s.observer.GetMonitoringStats(),
		"entities": s.observer.GetMonitoredEntities(),
		"held":     s.observer.HeldDocuments(),
	})
}

func (s *server) handleObserverState(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.observer.GetServerState())
}

func (s *server) handleStoreReload(rw http.ResponseWriter, r *http.Request) {
	loaded, err := s.store.Reload()
	if err != nil {
		s.log.Error("reload store", zap.Error(err))
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	rehydrated := s.registry.LoadFromDurableStore()
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "loaded": loaded, "rehydrated": rehydrated})
}

func (s *server) handleTriggers(rw http.ResponseWriter, r *http.Request) {
	idx := s.index.sqlite
	if idx == nil {
		writeError(rw, http.StatusNotFound, "trigger history needs the sqlite index backend")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(rw, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	if err := idx.Flush(r.Context()); err != nil {
		writeError(rw, http.StatusServiceUnavailable, err.Error())
		return
	}
	rows, err := idx.RecentTriggers(r.Context(), r.URL.Query().Get("key"), limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"triggers": rows})
}

func (s *server) handleBridgeHistory(rw http.ResponseWriter, r *http.Request) {
	idx := s.index.sqlite
	if idx == nil {
		writeError(rw, http.StatusNotFound, "bridge history needs the sqlite index backend")
		return
	}
	if err := idx.Flush(r.Context()); err != nil {
		writeError(rw, http.StatusServiceUnavailable, err.Error())
		return
	}
	events, err := idx.History(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"events": events})
}
