package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoenixdesk/phoenix/internal/broker"
	"github.com/phoenixdesk/phoenix/internal/halt"
	"github.com/phoenixdesk/phoenix/internal/position"
	"github.com/phoenixdesk/phoenix/internal/reconcile"
)

func newTestServer(t *testing.T) (*Server, *halt.Mesh, *position.Tracker) {
	t.Helper()
	mesh := halt.NewMesh(nil, nil)
	for _, id := range []string{"executor", "tracker", "reconciler"} {
		require.NoError(t, mesh.Register(halt.NewManager(id)))
	}
	tracker := position.NewTracker(position.NewLifecycle(nil, nil))
	rec := reconcile.New(tracker, broker.NewSimBroker(), nil, nil, 0.10, 0.02, 60)
	return NewServer("127.0.0.1", 0, mesh, tracker, rec, NewHub()), mesh, tracker
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, 0.0, resp["halted_modules"])
}

func TestGlobalHaltAndClearOverHTTP(t *testing.T) {
	s, mesh, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodPost, "/halt", map[string]string{"reason": "ops drill"})
	require.Equal(t, http.StatusOK, rr.Code)
	for _, st := range mesh.Status() {
		assert.True(t, st.Halted)
	}

	rr = doRequest(t, s, http.MethodGet, "/halt", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var statuses []halt.ModuleStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &statuses))
	require.Len(t, statuses, 3)
	for _, st := range statuses {
		assert.True(t, st.Halted)
		assert.NotEmpty(t, st.HaltID)
	}

	rr = doRequest(t, s, http.MethodPost, "/halt/clear", map[string]string{"reason": "drill over"})
	require.Equal(t, http.StatusOK, rr.Code)
	for _, st := range mesh.Status() {
		assert.False(t, st.Halted)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	s, _, tracker := newTestServer(t)
	_, err := tracker.Propose(position.ProposeRequest{
		SignalID: "sig-1", IntentID: "intent-1", Pair: "EUR_USD",
		Side: position.SideLong, RequestedQuantity: 1000,
	})
	require.NoError(t, err)

	rr := doRequest(t, s, http.MethodGet, "/positions", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var positions []position.Position
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, position.StateProposed, positions[0].State)
}

func TestDriftsEndpointEmpty(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := doRequest(t, s, http.MethodGet, "/drifts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestResolveDrift_UnknownIsConflict(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := doRequest(t, s, http.MethodPost, "/drifts/nope/resolve",
		map[string]string{"resolution": "x", "resolved_by": "ops@desk"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}
