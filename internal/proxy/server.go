package proxy

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the engine, forwarder, websocket hub, and management
// REST surface into one http.Handler and owns the *http.Server used
// to listen for connections.
type Server struct {
	engine    *Engine
	forwarder *Forwarder
	hub       *wsHub
	metrics   *metricsRecorder
	registry  *prometheus.Registry
	mux       *http.ServeMux
	httpSrv   *http.Server

	startedAt time.Time
	running   atomic.Bool
}

// NewServer builds a Server listening on addr. Prometheus metrics are
// registered against a private registry exposed at /metrics, matching
// the opt-in, eagerly-registered pattern this project's metrics stack
// follows.
func NewServer(addr string) *Server {
	engine := NewEngine()
	reg := prometheus.NewRegistry()
	metrics := newMetricsRecorder(reg)

	s := &Server{
		engine:    engine,
		forwarder: NewForwarder(engine, metrics),
		hub:       newWSHub(metrics),
		metrics:   metrics,
		registry:  reg,
		mux:       http.NewServeMux(),
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /config", s.handlePutConfig)
	s.mux.HandleFunc("GET /rules", s.handleListRules)
	s.mux.HandleFunc("POST /rules", s.handleCreateRule)
	s.mux.HandleFunc("GET /rules/{id}", s.handleGetRule)
	s.mux.HandleFunc("PUT /rules/{id}", s.handleUpdateRule)
	s.mux.HandleFunc("DELETE /rules/{id}", s.handleDeleteRule)
	s.mux.HandleFunc("GET /logs", s.handleGetLogs)
	s.mux.HandleFunc("DELETE /logs", s.handleClearLogs)
	s.mux.HandleFunc("GET /ws", s.hub.ServeHTTP)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/proxy/", s.handleProxy)
}

// Start begins listening in a background goroutine and wires the log
// ring's broadcast into the websocket hub.
func (s *Server) Start() error {
	sink := s.engine.Subscribe()
	go func() {
		for entry := range sink {
			s.hub.Broadcast(entry)
		}
	}()

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	s.startedAt = time.Now()
	s.running.Store(true)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("chaosproxy: server error: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	targetPath := strings.TrimPrefix(r.URL.Path, "/proxy")
	if targetPath == "" {
		targetPath = "/"
	}
	s.forwarder.ServeHTTP(w, r, targetPath)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Duration(0)
	if s.running.Load() {
		uptime = time.Since(s.startedAt)
	}
	writeEnvelope(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptimeMs":    uptime.Milliseconds(),
		"subscribers": s.hub.count(),
	}, "")
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, s.engine.GetConfig(), "")
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}
	writeEnvelope(w, http.StatusOK, s.engine.UpdateConfig(patch), "")
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, s.engine.ListRules(), "")
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rule := s.engine.GetRule(id)
	if rule == nil {
		writeEnvelope(w, http.StatusNotFound, nil, "rule not found")
		return
	}
	writeEnvelope(w, http.StatusOK, rule, "")
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var patch RulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}
	if patch.Name == "" || patch.PathPattern == "" || patch.ChaosType == "" {
		writeEnvelope(w, http.StatusBadRequest, nil, "name, pathPattern, and chaosType are required")
		return
	}
	created := s.engine.CreateRule(&patch)
	writeEnvelope(w, http.StatusOK, created, "")
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch RulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}
	updated := s.engine.UpdateRule(id, &patch)
	if updated == nil {
		writeEnvelope(w, http.StatusNotFound, nil, "rule not found")
		return
	}
	writeEnvelope(w, http.StatusOK, updated, "")
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.engine.DeleteRule(id) {
		writeEnvelope(w, http.StatusNotFound, nil, "rule not found")
		return
	}
	writeEnvelope(w, http.StatusOK, map[string]string{"id": id}, "")
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeEnvelope(w, http.StatusOK, s.engine.ReadLogs(limit), "")
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearLogs()
	writeEnvelope(w, http.StatusOK, map[string]bool{"cleared": true}, "")
}

// writeEnvelope writes the {success, data?, error?} envelope every
// management JSON response uses.
func writeEnvelope(w http.ResponseWriter, status int, data any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	envelope := map[string]any{"success": errMsg == ""}
	if errMsg != "" {
		envelope["error"] = errMsg
	} else {
		envelope["data"] = data
	}
	json.NewEncoder(w).Encode(envelope)
}
