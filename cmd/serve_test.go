package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wave-social/ripple/internal/engine"
	"github.com/wave-social/ripple/internal/geo"
)

type stubReporter struct {
	result *engine.Result
	err    error

	gotUserID    string
	gotLoc       geo.Coordinate
	gotPartyMode bool
}

func (s *stubReporter) ReportLocation(_ context.Context, userID string, loc geo.Coordinate, partyMode bool, _ time.Time) (*engine.Result, error) {
	s.gotUserID = userID
	s.gotLoc = loc
	s.gotPartyMode = partyMode
	return s.result, s.err
}

func postLocation(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/location", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLocationEndpoint_ReturnsDecision(t *testing.T) {
	stub := &stubReporter{result: &engine.Result{Decision: engine.DecisionCreated, RippleID: "r1"}}
	handler := newRouter(stub, http.NotFoundHandler())

	rec := postLocation(t, handler, `{"userId":"u1","latitude":40.7,"longitude":-74.0,"partyMode":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res engine.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, engine.DecisionCreated, res.Decision)
	assert.Equal(t, "r1", res.RippleID)

	assert.Equal(t, "u1", stub.gotUserID)
	assert.InDelta(t, 40.7, stub.gotLoc.Latitude, 0.0001)
	assert.InDelta(t, -74.0, stub.gotLoc.Longitude, 0.0001)
	assert.True(t, stub.gotPartyMode)
}

func TestLocationEndpoint_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"userId":`},
		{"missing user", `{"latitude":1,"longitude":1,"partyMode":true}`},
		{"missing latitude", `{"userId":"u1","longitude":10}`},
		{"missing longitude", `{"userId":"u1","latitude":10}`},
		{"missing both coordinates", `{"userId":"u1","partyMode":true}`},
		{"latitude too large", `{"userId":"u1","latitude":91,"longitude":0}`},
		{"latitude too small", `{"userId":"u1","latitude":-91,"longitude":0}`},
		{"longitude too large", `{"userId":"u1","latitude":0,"longitude":181}`},
		{"longitude too small", `{"userId":"u1","latitude":0,"longitude":-181}`},
	}

	stub := &stubReporter{result: &engine.Result{Decision: engine.DecisionNone}}
	handler := newRouter(stub, http.NotFoundHandler())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postLocation(t, handler, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestLocationEndpoint_ExplicitZeroCoordinatesAccepted(t *testing.T) {
	stub := &stubReporter{result: &engine.Result{Decision: engine.DecisionNone}}
	handler := newRouter(stub, http.NotFoundHandler())

	rec := postLocation(t, handler, `{"userId":"u1","latitude":0,"longitude":0,"partyMode":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.0, stub.gotLoc.Latitude, 0.0001)
	assert.InDelta(t, 0.0, stub.gotLoc.Longitude, 0.0001)
}

func TestLocationEndpoint_EngineFailure(t *testing.T) {
	stub := &stubReporter{err: errors.New("store down")}
	handler := newRouter(stub, http.NotFoundHandler())

	rec := postLocation(t, handler, `{"userId":"u1","latitude":0,"longitude":0}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// Internal detail must not leak to the client.
	assert.NotContains(t, rec.Body.String(), "store down")
}

func TestHealthEndpoint(t *testing.T) {
	handler := newRouter(&stubReporter{}, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpointRouting(t *testing.T) {
	served := false
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		served = true
		w.WriteHeader(http.StatusOK)
	})
	handler := newRouter(&stubReporter{}, metricsHandler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, served)
	assert.Equal(t, http.StatusOK, rec.Code)
}
