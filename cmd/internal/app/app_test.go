package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fidelity/cmd/security/secret"
)

const (
	appSeed = `
businesses:
  - id: biz_centro
    slug: barberia-centro
    name: Barberia Centro
    operators:
      - id: op_leo
        name: Leo
        secret: leo-secret-leo-secret-leo-secret
    clients:
      - id: cl_ana
        name: Ana
        stamps: 4
`
	appOpKey = "op_leo.leo-secret-leo-secret-leo-secret"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastHasher() secret.Config {
	c := secret.DefaultConfig()
	c.Params.MemoryKiB = 8 * 1024
	c.Params.Iterations = 1
	return c
}

func newTestApp(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("FIDELITY_TOKEN_HMAC_KEY", "")

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(appSeed), 0o600))

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	cfg.SeedFile = path

	a, err := New(context.Background(), cfg, discardLogger(), WithHasher(fastHasher()))
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	return callWith(t, srv, method, path, body, map[string]string{"X-API-Key": appOpKey})
}

// callWith sends body with exactly the given headers plus a JSON content type.
func callWith(t *testing.T, srv *httptest.Server, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestApp_Probes(t *testing.T) {
	srv := newTestApp(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = srv.Client().Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_StampFlowAndMetrics(t *testing.T) {
	srv := newTestApp(t)

	// The card page has no operator key.
	resp, issued := callWith(t, srv, http.MethodPost, "/v1/clients/cl_ana/token",
		map[string]string{"businessId": "biz_centro"}, map[string]string{"X-Requested-With": "fidelity"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "issued=%v", issued)
	tok, _ := issued["token"].(string)
	require.NotEmpty(t, tok)

	resp, out := call(t, srv, http.MethodPost, "/v1/clients/cl_ana/stamp", map[string]string{"token": tok})
	require.Equal(t, http.StatusOK, resp.StatusCode, "out=%v", out)
	assert.Equal(t, true, out["justCompletedThreshold"])
	client, _ := out["client"].(map[string]any)
	assert.Equal(t, float64(5), client["stamps"])

	resp, out = call(t, srv, http.MethodPost, "/v1/clients/cl_ana/stamp", map[string]string{"token": tok})
	assert.Equal(t, http.StatusGone, resp.StatusCode, "out=%v", out)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fidelity_http_requests_total")
	assert.Contains(t, string(body), "fidelity_ledger_")
}

func TestApp_RejectsBadSeed(t *testing.T) {
	t.Setenv("FIDELITY_TOKEN_HMAC_KEY", "")
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("businesses:\n  - id: b\n    slug: NOT A SLUG\n"), 0o600))

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	cfg.SeedFile = path

	_, err = New(context.Background(), cfg, discardLogger(), WithHasher(fastHasher()))
	require.Error(t, err)
}

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := runtimeBaseURL(tc.in); got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://fidelity.example.com", want: "wss://fidelity.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		if got := wsBaseURL(tc.in); got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
