package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ===== HTTP adapter =====

const (
	maxJSONBody = 5 << 20
	maxCSVBody  = 20 << 20
)

type Server struct {
	positions  *PositionService
	groups     *GroupService
	strategies *StrategyService

	log         *zap.Logger
	metrics     *Metrics
	autoRegroup bool
	corsOrigin  string
	importLoc   *time.Location
	health      func(context.Context) error

	mux *http.ServeMux
}

type ServerOption func(*Server)

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *Metrics) ServerOption { return func(s *Server) { s.metrics = m } }

// WithAutoRegroup reruns the grouping after every successful position mutation.
func WithAutoRegroup(on bool) ServerOption { return func(s *Server) { s.autoRegroup = on } }

func WithCORSOrigin(origin string) ServerOption { return func(s *Server) { s.corsOrigin = origin } }

// WithImportLocation sets the zone naive IBKR timestamps are read in.
func WithImportLocation(loc *time.Location) ServerOption {
	return func(s *Server) {
		if loc != nil {
			s.importLoc = loc
		}
	}
}

// WithHealthCheck makes /health report 503 while check fails.
func WithHealthCheck(check func(context.Context) error) ServerOption {
	return func(s *Server) { s.health = check }
}

func NewServer(pos *PositionService, groups *GroupService, strategies *StrategyService, opts ...ServerOption) *Server {
	s := &Server{
		positions:  pos,
		groups:     groups,
		strategies: strategies,
		log:        zap.NewNop(),
		corsOrigin: "*",
		importLoc:  time.UTC,
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.HandleFunc("/api/positions", s.handlePositions)
	s.mux.HandleFunc("/api/positions/", s.handlePositionsSub)

	s.mux.HandleFunc("/api/groups", s.handleGroups)
	s.mux.HandleFunc("/api/groups/", s.handleGroupsSub)

	s.mux.HandleFunc("/api/import/ibkr", s.handleImportIBKR)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	h := rec.Header()
	h.Set("Access-Control-Allow-Origin", s.corsOrigin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		rec.WriteHeader(http.StatusNoContent)
	} else {
		s.mux.ServeHTTP(rec, r)
	}

	s.metrics.httpRequest(r.Method, rec.status)
	s.log.Info("http request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", time.Since(start)),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

/* ======= Health ======= */

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

/* ======= Positions ======= */

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createPositions(w, r, false)
	case http.MethodGet:
		s.listPositions(w, r)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePositionsSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/positions/"), "/")
	if rest == "" || strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}

	// /api/positions/batch
	if rest == "batch" {
		if r.Method != http.MethodPost {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.createPositions(w, r, true)
		return
	}

	// /api/positions/{id}
	id := rest
	switch r.Method {
	case http.MethodGet:
		p, err := s.positions.Get(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		defer r.Body.Close()
		var dto positionDTO
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&dto); err != nil {
			httpError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
		p, err := s.positions.Update(id, dto)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.afterMutation(r)
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := s.positions.Delete(id); err != nil {
			s.writeError(w, err)
			return
		}
		s.afterMutation(r)
		w.WriteHeader(http.StatusNoContent)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// createPositions accepts one object or an array; batchOnly requires the array.
func (s *Server) createPositions(w http.ResponseWriter, r *http.Request, batchOnly bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	switch c := firstNonWS(body); {
	case c == '[':
		var payload []positionDTO
		if err := json.Unmarshal(body, &payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid batch payload: "+err.Error())
			return
		}
		out, err := s.positions.CreateBatch(payload)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.afterMutation(r)
		writeJSON(w, http.StatusCreated, out)
	case batchOnly:
		httpError(w, http.StatusBadRequest, "Request body must be an array of positions")
	case c == '{':
		var payload positionDTO
		if err := json.Unmarshal(body, &payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
		out, err := s.positions.Create(payload)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.afterMutation(r)
		writeJSON(w, http.StatusCreated, out)
	default:
		httpError(w, http.StatusBadRequest, "payload must be object or array")
	}
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Symbol:  q.Get("symbol"),
		GroupID: q.Get("group_id"),
		Limit:   atoiDefault(q.Get("limit"), 0),
		Offset:  atoiDefault(q.Get("offset"), 0),
		Sort:    q.Get("sort"),
	}
	items, err := s.positions.List(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// afterMutation keeps groups in step with positions when auto-regroup is on.
// A failed regroup is logged; the mutation itself already succeeded.
func (s *Server) afterMutation(r *http.Request) {
	if !s.autoRegroup {
		return
	}
	if _, err := s.strategies.Regroup(r.Context()); err != nil {
		s.log.Warn("auto regroup failed", zap.Error(err))
	}
}

/* ======= Groups ======= */

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var (
		out []TradeGroup
		err error
	)
	if u := r.URL.Query().Get("underlying"); u != "" {
		out, err = s.groups.ListByUnderlying(u)
	} else {
		out, err = s.groups.List()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type groupWithMembers struct {
	TradeGroup
	Positions []Position `json:"positions"`
}

func (s *Server) handleGroupsSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/groups/"), "/")
	if rest == "" || strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}

	switch rest {
	case "preview":
		if r.Method != http.MethodGet {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		out, err := s.strategies.Preview(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	case "regroup":
		if r.Method != http.MethodPost {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		out, err := s.strategies.Regroup(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	// /api/groups/{id}
	id := rest
	switch r.Method {
	case http.MethodGet:
		g, err := s.groups.Get(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		members, err := s.groups.Members(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, groupWithMembers{TradeGroup: g, Positions: members})
	case http.MethodPut:
		defer r.Body.Close()
		var dto groupDTO
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&dto); err != nil {
			httpError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
		g, err := s.groups.Update(id, dto)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodDelete:
		if err := s.groups.Delete(id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

/* ======= Import ======= */

type importResponse struct {
	ImportResult
	Trades int `json:"trades"`
}

// POST /api/import/ibkr  (body = Flex CSV)
func (s *Server) handleImportIBKR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()

	parsed, err := ParseIBKR(http.MaxBytesReader(w, r.Body, maxCSVBody), s.importLoc)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.positions.Import(r.Context(), parsed.Trades)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res.Warnings = append(parsed.Warnings, res.Warnings...)
	if res.Imported > 0 {
		s.afterMutation(r)
	}
	writeJSON(w, http.StatusCreated, importResponse{ImportResult: res, Trades: len(parsed.Trades)})
}

/* ======= small helpers ======= */

// writeError maps service errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	var berr *BatchValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmptyBatch):
		httpError(w, http.StatusBadRequest, "No positions provided")
	case errors.As(err, &berr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   http.StatusText(http.StatusBadRequest),
			"detail":  "Validation failed",
			"details": berr.Details,
		})
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error":  http.StatusText(status),
		"detail": msg,
	})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func firstNonWS(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\n', '\t', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}
