package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type apiError struct {
	Error   string   `json:"error"`
	Detail  string   `json:"detail"`
	Details []string `json:"details"`
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, services) {
	t.Helper()
	s := newServices(t)
	opts = append([]ServerOption{WithLogger(zaptest.NewLogger(t)), WithMetrics(s.metrics)}, opts...)
	return NewServer(s.positions, s.groups, s.strategies, opts...), s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func positionJSON(t *testing.T, symbol, entry, side string, qty, price float64) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"symbol":          symbol,
		"option_type":     "CALL",
		"strike_price":    450,
		"expiration_date": "2025-02-21",
		"position_side":   side,
		"quantity":        qty,
		"entry_price":     price,
		"entry_date":      entry,
	})
	require.NoError(t, err)
	return string(b)
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_HealthCheck(t *testing.T) {
	db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "options.db"))
	require.NoError(t, err)

	srv, _ := newTestServer(t, WithHealthCheck(db.Ping))
	rr := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, db.Close())
	rr = do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"unavailable"`)
	assert.Contains(t, rr.Body.String(), "sqlite ping")

	srv, _ = newTestServer(t, WithHealthCheck(func(context.Context) error { return errors.New("redis ping: refused") }))
	rr = do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "redis ping: refused", decode[map[string]string](t, rr)["error"])
}

func TestServer_Preflight(t *testing.T) {
	srv, _ := newTestServer(t, WithCORSOrigin("http://localhost:5173"))
	rr := do(t, srv, http.MethodOptions, "/api/positions", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestServer_PositionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := do(t, srv, http.MethodPost, "/api/positions", positionJSON(t, "SPY", "2025-01-15T10:30:00.000Z", "LONG", 1, 2.5))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	created := decode[Position](t, rr)
	require.NotEmpty(t, created.ID)

	rr = do(t, srv, http.MethodGet, "/api/positions/"+created.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, created.ID, decode[Position](t, rr).ID)

	rr = do(t, srv, http.MethodPut, "/api/positions/"+created.ID, `{"quantity": 3}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[Position](t, rr)
	assert.Equal(t, 3.0, updated.Quantity)
	assert.Equal(t, "SPY", updated.Symbol)

	rr = do(t, srv, http.MethodPut, "/api/positions/"+created.ID, `{"quantity": -3}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, srv, http.MethodDelete, "/api/positions/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, srv, http.MethodGet, "/api/positions/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, srv, http.MethodDelete, "/api/positions/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_CreatePositionValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := do(t, srv, http.MethodPost, "/api/positions", `{"symbol":"SPY"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[apiError](t, rr).Detail, "entry_date is required")

	rr = do(t, srv, http.MethodPost, "/api/positions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, srv, http.MethodPost, "/api/positions", `"SPY"`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Batch(t *testing.T) {
	srv, _ := newTestServer(t)
	good := positionJSON(t, "SPY", "2025-01-15T10:30:00.000Z", "LONG", 1, 2.5)
	bad := positionJSON(t, "SPY", "2025-01-15T10:30:00.000Z", "SIDEWAYS", 1, 2.5)

	rr := do(t, srv, http.MethodPost, "/api/positions/batch", good)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Request body must be an array of positions", decode[apiError](t, rr).Detail)

	rr = do(t, srv, http.MethodPost, "/api/positions/batch", `[]`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "No positions provided", decode[apiError](t, rr).Detail)

	rr = do(t, srv, http.MethodPost, "/api/positions/batch", "["+good+","+bad+"]")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode[apiError](t, rr)
	assert.Equal(t, "Validation failed", body.Detail)
	require.Len(t, body.Details, 1)
	assert.True(t, strings.HasPrefix(body.Details[0], "Invalid position data at index 1"), body.Details[0])

	rr = do(t, srv, http.MethodGet, "/api/positions", "")
	assert.Empty(t, decode[[]Position](t, rr))

	rr = do(t, srv, http.MethodPost, "/api/positions/batch", "["+good+","+good+"]")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Len(t, decode[[]Position](t, rr), 2)

	// the plain collection endpoint accepts arrays too
	rr = do(t, srv, http.MethodPost, "/api/positions", "["+good+"]")
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, srv, http.MethodGet, "/api/positions/batch", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServer_ListPositions(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, body := range []string{
		positionJSON(t, "SPY", "2025-01-16T10:00:00.000Z", "LONG", 1, 1),
		positionJSON(t, "AAPL", "2025-01-14T10:00:00.000Z", "LONG", 1, 1),
		positionJSON(t, "spy", "2025-01-15T10:00:00.000Z", "SHORT", 1, 1),
	} {
		require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/positions", body).Code)
	}

	rr := do(t, srv, http.MethodGet, "/api/positions?symbol=SPY&sort=entry_asc", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[[]Position](t, rr)
	require.Len(t, got, 2)
	assert.Equal(t, "2025-01-15T10:00:00.000Z", got[0].EntryDate)

	rr = do(t, srv, http.MethodGet, "/api/positions?limit=1&offset=1", "")
	got = decode[[]Position](t, rr)
	require.Len(t, got, 1)
	assert.Equal(t, "AAPL", got[0].Symbol)

	rr = do(t, srv, http.MethodGet, "/api/positions?sort=sideways", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_RegroupAndGroups(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := "2025-01-15T10:30:00.000Z"
	batch := "[" + positionJSON(t, "AAPL", ts, "LONG", 1, 5.5) + "," + positionJSON(t, "AAPL", ts, "SHORT", 1, 3) + "]"
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/positions/batch", batch).Code)

	rr := do(t, srv, http.MethodGet, "/api/groups/preview", "")
	require.Equal(t, http.StatusOK, rr.Code)
	preview := decode[struct {
		Groups []GroupSummary `json:"groups"`
	}](t, rr)
	require.Len(t, preview.Groups, 1)
	assert.Equal(t, "2025-01-15T10:30:00.000Z_AAPL", preview.Groups[0].Key)
	assert.Empty(t, decode[[]TradeGroup](t, do(t, srv, http.MethodGet, "/api/groups", "")))

	rr = do(t, srv, http.MethodPost, "/api/groups/regroup", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[RegroupResult](t, rr)
	require.Len(t, res.Groups, 1)
	g := res.Groups[0]
	assert.Equal(t, "strategy-2025-01-15", g.Strategy)
	assert.InDelta(t, 850, g.GrossProceeds, 1e-9)

	rr = do(t, srv, http.MethodGet, "/api/groups/"+g.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	withMembers := decode[groupWithMembers](t, rr)
	assert.Equal(t, g.ID, withMembers.ID)
	assert.Len(t, withMembers.Positions, 2)

	rr = do(t, srv, http.MethodGet, "/api/groups?underlying=AAPL", "")
	assert.Len(t, decode[[]TradeGroup](t, rr), 1)
	rr = do(t, srv, http.MethodGet, "/api/groups?underlying=aapl", "")
	assert.Empty(t, decode[[]TradeGroup](t, rr))

	rr = do(t, srv, http.MethodPut, "/api/groups/"+g.ID, `{"strategy":"bear call spread"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "bear call spread", decode[TradeGroup](t, rr).Strategy)

	rr = do(t, srv, http.MethodPut, "/api/groups/"+g.ID, `{"strategy":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, srv, http.MethodGet, "/api/groups/regroup", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = do(t, srv, http.MethodDelete, "/api/groups/"+g.ID, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, srv, http.MethodGet, "/api/groups/"+g.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_AutoRegroup(t *testing.T) {
	srv, s := newTestServer(t, WithAutoRegroup(true))
	ts := "2025-01-15T10:30:00.000Z"

	rr := do(t, srv, http.MethodPost, "/api/positions", positionJSON(t, "SPY", ts, "LONG", 1, 2))
	require.Equal(t, http.StatusCreated, rr.Code)
	p := decode[Position](t, rr)

	groups, err := s.groups.List()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	stored, err := s.positions.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, groups[0].ID, stored.GroupID)

	require.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/positions/"+p.ID, "").Code)
	groups, err = s.groups.List()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestServer_ImportIBKR(t *testing.T) {
	srv, _ := newTestServer(t, WithImportLocation(newYork(t)))

	req := httptest.NewRequest(http.MethodPost, "/api/import/ibkr", bytes.NewBufferString(flexSample))
	req.Header.Set("Content-Type", "text/csv")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var body struct {
		Imported int        `json:"imported"`
		Skipped  int        `json:"skipped"`
		Trades   int        `json:"trades"`
		Warnings []string   `json:"warnings"`
		Position []Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Imported)
	assert.Equal(t, 2, body.Skipped)
	assert.Equal(t, 4, body.Trades)
	assert.Len(t, body.Warnings, 1)
	require.Len(t, body.Position, 2)
	assert.Equal(t, "2025-01-15T15:30:00.000Z", body.Position[0].EntryDate)

	rr = do(t, srv, http.MethodPost, "/api/import/ibkr", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, srv, http.MethodGet, "/health", "")
	do(t, srv, http.MethodPost, "/api/groups/regroup", "")

	rr := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	out := rr.Body.String()
	assert.Contains(t, out, `options_http_requests_total{method="GET",status="200"} 1`)
	assert.Contains(t, out, `options_regroup_runs_total{result="ok"} 1`)
}

func TestServer_UnknownRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/positions/a/b", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodPatch, "/api/positions", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodPost, "/api/groups", "").Code)
}
