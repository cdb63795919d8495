package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
)

const (
	defaultListLimit = 100
	contentTypeJSON  = "application/json"
)

// Service exposes the replay journal and the capture index over HTTP.
type Service struct {
	cfg     *config.WebConfig
	logger  logger.Logger
	journal storage.Store
	idx     index.Provider
	hub     *Hub
	formats []string
}

// NewService builds a Service from configuration.
func NewService(cfg *config.WebConfig, journal storage.Store, idx index.Provider, log logger.Logger) *Service {
	return &Service{
		cfg:     cfg,
		logger:  log,
		journal: journal,
		idx:     idx,
		hub:     NewHub(log),
		formats: AllowedFormats(cfg.Export.Formats),
	}
}

// RegisterRoutes wires the admin API under the configured admin path.
func (s *Service) RegisterRoutes(router *mux.Router) {
	if s == nil || !s.cfg.Enable {
		return
	}

	api := router.PathPrefix(normalizePath(s.cfg.AdminPath)).Subrouter()
	api.HandleFunc("/calls", s.handleCalls).Methods(http.MethodGet)
	api.HandleFunc("/calls/{id}", s.handleCall).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/index", s.handleIndex).Methods(http.MethodGet)
	api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

// Record pushes a journaled call to live feed clients.
func (s *Service) Record(rec *storage.CallRecord) {
	if s == nil || !s.cfg.Enable || rec == nil {
		return
	}
	s.hub.Broadcast(Event{Type: "call", Data: rec})
}

// RecordSession pushes a finished socket session to live feed clients.
func (s *Service) RecordSession(rec *storage.SessionRecord) {
	if s == nil || !s.cfg.Enable || rec == nil {
		return
	}
	s.hub.Broadcast(Event{Type: "socket_session", Data: rec})
}

// Close releases resources.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.hub.Close()
}

func (s *Service) listOptions(r *http.Request) storage.ListOptions {
	query := r.URL.Query()
	limit := parseIntDefault(query.Get("limit"), defaultListLimit)
	if limit <= 0 || limit > s.cfg.MaxList {
		limit = s.cfg.MaxList
	}
	offset := parseIntDefault(query.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	return storage.ListOptions{
		Search: query.Get("search"),
		Method: query.Get("method"),
		Stage:  query.Get("stage"),
		Limit:  limit,
		Offset: offset,
	}
}

func (s *Service) handleCalls(w http.ResponseWriter, r *http.Request) {
	opts := s.listOptions(r)
	items, total, err := s.journal.List(opts)
	if err != nil {
		s.logger.Error("Failed to list calls", "error", err)
		http.Error(w, "Failed to list calls", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*storage.CallRecord{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func (s *Service) handleCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.journal.Get(id)
	if err != nil {
		s.logger.Error("Failed to load call", "id", id, "error", err)
		http.Error(w, "Failed to load call", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultListLimit)
	if limit <= 0 || limit > s.cfg.MaxList {
		limit = s.cfg.MaxList
	}
	sessions, err := s.journal.Sessions(limit)
	if err != nil {
		s.logger.Error("Failed to list socket sessions", "error", err)
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*storage.SessionRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": sessions})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.journal.Stats()
	if err != nil {
		s.logger.Error("Failed to compute journal stats", "error", err)
		http.Error(w, "Failed to compute stats", http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"journal":      stats,
		"feed_clients": s.hub.Clients(),
	}
	if idx, err := s.idx.Index(r.Context()); err != nil {
		resp["index_error"] = err.Error()
	} else {
		resp["index"] = idx.Summary()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type endpointView struct {
	Method   string `json:"method"`
	URL      string `json:"url"`
	Status   int    `json:"status"`
	LooseKey string `json:"loose_key"`
	Digest   string `json:"body_digest,omitempty"`
	Seq      int    `json:"seq"`
}

type socketView struct {
	URL    string `json:"url"`
	Frames int    `json:"frames"`
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	idx, err := s.idx.Index(r.Context())
	if err != nil {
		s.logger.Warn("Capture index unavailable", "error", err)
		http.Error(w, "Capture index unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	endpoints := make([]endpointView, 0, len(idx.Mocks()))
	for _, m := range idx.Mocks() {
		endpoints = append(endpoints, endpointView{
			Method:   m.Method,
			URL:      m.URL,
			Status:   m.Status,
			LooseKey: string(m.LooseKey),
			Digest:   m.BodyDigest,
			Seq:      m.Seq,
		})
	}
	sockets := make([]socketView, 0, len(idx.Sockets()))
	for _, rec := range idx.Sockets() {
		sockets = append(sockets, socketView{URL: rec.URL, Frames: len(rec.Frames)})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"summary":   idx.Summary(),
		"endpoints": endpoints,
		"sockets":   sockets,
	})
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Export.Enable {
		http.Error(w, "Export disabled", http.StatusForbidden)
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if !containsFormat(s.formats, format) {
		http.Error(w, fmt.Sprintf("Unsupported export format: %s", format), http.StatusBadRequest)
		return
	}

	opts := s.listOptions(r)
	opts.Limit, opts.Offset = 0, 0
	ext := format
	filename := fmt.Sprintf("replaytap_calls_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	if format == "json" {
		w.Header().Set("Content-Type", contentTypeJSON)
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}

	var iterErr error
	iter := func(yield func(*storage.CallRecord) bool) {
		iterErr = s.journal.Iterate(opts, yield)
	}
	if _, _, err := StreamExport(w, iter, format); err != nil {
		s.logger.Error("Export failed", "error", err)
		return
	}
	if iterErr != nil {
		s.logger.Error("Export iteration failed", "error", iterErr)
	}
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Upgrade(w, r); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func containsFormat(formats []string, target string) bool {
	for _, f := range formats {
		if f == target {
			return true
		}
	}
	return false
}
