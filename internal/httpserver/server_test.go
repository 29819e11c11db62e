package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/config"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/handlers"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/store"
)

////////////////////////////////////////////////////////////////////////////////
// These tests drive the service end-to-end in process:
//
//   Client → HTTP API → Auth → Gate → Store → Response
//
////////////////////////////////////////////////////////////////////////////////

const pipelineKey = "pipeline-key-123"

// serverNow is the clock every test server runs on.
var serverNow = time.Unix(1400, 0)

// downStore reports every operation as failing, like an unreachable backend.
type downStore struct{}

func (downStore) PutIfStale(context.Context, dedup.Record, dedup.Condition) error {
	return errors.New("dial tcp: connection refused")
}

func (downStore) Ping(context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func newServer(t *testing.T, st dedup.Store) *httptest.Server {
	t.Helper()

	cfg := config.Defaults()
	cfg.APIKeys = map[string]string{pipelineKey: "pipeline"}
	cfg.Retention = time.Hour

	gate := dedup.New(st, dedup.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	router := NewRouter(cfg, gate, handlers.DupCheckOptions{
		Window:    cfg.Window,
		Retention: cfg.Retention,
		Now:       func() time.Time { return serverNow },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, apiKey string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func dupcheck(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	dc, ok := out["dupcheck"].(map[string]any)
	require.True(t, ok, "response must carry dupcheck: %s", b)
	return dc
}

////////////////////////////////////////////////////////////////////////////////
// HEALTH & READINESS TESTS
////////////////////////////////////////////////////////////////////////////////

func TestHealth_ReturnsOK(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	s, _ := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, s)
}

func TestReady_ReflectsStore(t *testing.T) {
	up := newServer(t, store.NewMemoryStore())
	s, _ := do(t, http.MethodGet, up.URL+"/ready", "", nil)
	assert.Equal(t, http.StatusOK, s)

	down := newServer(t, downStore{})
	s, _ = do(t, http.MethodGet, down.URL+"/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, s)
}

////////////////////////////////////////////////////////////////////////////////
// DUPCHECK CONTRACT TESTS
////////////////////////////////////////////////////////////////////////////////

func TestDupCheck_UnauthorizedWithoutAPIKey(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	s, _ := do(t, http.MethodPost, srv.URL+"/dupcheck", "", map[string]any{"authCode": "A1"})
	assert.Equal(t, http.StatusUnauthorized, s)
}

func TestDupCheck_BadRequestWithoutAuthCode(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	s, b := do(t, http.MethodPost, srv.URL+"/dupcheck", pipelineKey, map[string]any{"PAN": "4111"})
	assert.Equal(t, http.StatusBadRequest, s)
	assert.Contains(t, string(b), "invalid transaction record")
}

////////////////////////////////////////////////////////////////////////////////
// CORE SYSTEM BEHAVIOR TESTS
////////////////////////////////////////////////////////////////////////////////

func TestDupCheck_RetryIsFlaggedDuplicate(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	txn := map[string]any{"authCode": "A1", "PAN": "4111", "billingAmount": 12.5}

	s, b := do(t, http.MethodPost, srv.URL+"/dupcheck?at=1000", pipelineKey, txn)
	require.Equal(t, http.StatusOK, s)
	first := dupcheck(t, b)
	assert.Equal(t, false, first["isDuplicate"])
	assert.Equal(t, float64(1000), first["checkedAt"])
	assert.Equal(t, float64(700), first["windowStart"])
	assert.Equal(t, float64(1005), first["windowEnd"])

	s, b = do(t, http.MethodPost, srv.URL+"/dupcheck?at=1200", pipelineKey, txn)
	require.Equal(t, http.StatusOK, s, "duplicates are not errors")
	assert.Equal(t, true, dupcheck(t, b)["isDuplicate"])

	s, b = do(t, http.MethodPost, srv.URL+"/dupcheck?at=1400", pipelineKey, txn)
	require.Equal(t, http.StatusOK, s)
	assert.Equal(t, false, dupcheck(t, b)["isDuplicate"], "claim recycles after the window")
}

func TestDupCheck_StoreDownFailsClosed(t *testing.T) {
	srv := newServer(t, downStore{})
	s, b := do(t, http.MethodPost, srv.URL+"/dupcheck", pipelineKey, map[string]any{"authCode": "A1"})
	assert.Equal(t, http.StatusServiceUnavailable, s)
	assert.Contains(t, string(b), "dedup store unavailable")
}

func TestDupCheck_LookupAfterClaim(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())

	s, _ := do(t, http.MethodPost, srv.URL+"/dupcheck", pipelineKey, map[string]any{"authCode": "A1"})
	require.Equal(t, http.StatusOK, s)

	s, b := do(t, http.MethodGet, srv.URL+"/dupcheck/A1", pipelineKey, nil)
	require.Equal(t, http.StatusOK, s)

	var rec struct {
		Key  string `json:"key"`
		Live bool   `json:"live"`
	}
	require.NoError(t, json.Unmarshal(b, &rec))
	assert.Equal(t, "A1", rec.Key)
	assert.True(t, rec.Live)

	s, _ = do(t, http.MethodGet, srv.URL+"/dupcheck/B2", pipelineKey, nil)
	assert.Equal(t, http.StatusNotFound, s)
}

func TestRequestID_Header(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestDupCheck_ReplayOutsideRangeRejected(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())

	s, b := do(t, http.MethodPost, srv.URL+"/dupcheck?at=32503680000", pipelineKey, map[string]any{"authCode": "A1"})
	assert.Equal(t, http.StatusBadRequest, s)
	assert.Contains(t, string(b), "at must be between")

	s, b = do(t, http.MethodPost, srv.URL+"/dupcheck", pipelineKey, map[string]any{"authCode": "A1"})
	require.Equal(t, http.StatusOK, s)
	assert.Equal(t, false, dupcheck(t, b)["isDuplicate"], "a rejected replay leaves no claim behind")
}
