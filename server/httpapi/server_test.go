package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/script"
)

const apiKey = "secret"

type fixture struct {
	t    *testing.T
	srv  *httptest.Server
	eng  *engine.Engine
	root string
}

func newFixture(t *testing.T, opts ServerOptions) *fixture {
	t.Helper()
	reg, err := engine.NewRegistry(nil, nil)
	require.NoError(t, err)
	eng := engine.New(reg, engine.Options{})

	f := &fixture{t: t, eng: eng, root: t.TempDir()}
	opts.APIKey = apiKey
	if opts.Scripts == nil {
		opts.Scripts = func(user string) script.Storage {
			return script.NewFileStorage(filepath.Join(f.root, user), ".dovecot.sieve")
		}
	}
	s, err := New(eng, opts)
	require.NoError(t, err)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(method, path string, body any) *http.Response {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(f.t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNewRequiresAPIKey(t *testing.T) {
	reg, err := engine.NewRegistry(nil, nil)
	require.NoError(t, err)
	_, err = New(engine.New(reg, engine.Options{}), ServerOptions{})
	assert.Error(t, err)
	_, err = New(nil, ServerOptions{APIKey: "x"})
	assert.Error(t, err)
	_, err = New(engine.New(reg, engine.Options{}), ServerOptions{APIKey: "x", TLS: true})
	assert.Error(t, err)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, ServerOptions{})

	resp, err := http.Get(f.srv.URL + "/api/v1/capabilities")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest("GET", f.srv.URL+"/api/v1/capabilities", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestAllowedHosts(t *testing.T) {
	f := newFixture(t, ServerOptions{AllowedHosts: []string{"192.0.2.0/24"}})
	resp := f.do("GET", "/api/v1/capabilities", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	f = newFixture(t, ServerOptions{AllowedHosts: []string{"127.0.0.0/8"}})
	resp = f.do("GET", "/api/v1/capabilities", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	before := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/api/v1/capabilities", "200"))

	resp := f.do("GET", "/api/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]string](t, resp)
	assert.Contains(t, body["capabilities"], "fileinto")
	assert.ElementsMatch(t, engine.SupportedExtensions(), body["supported"])

	after := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/api/v1/capabilities", "200"))
	assert.Equal(t, before+1, after)
}

func TestCheck(t *testing.T) {
	f := newFixture(t, ServerOptions{})

	resp := f.do("POST", "/api/v1/scripts/check", ScriptRequest{Name: "ok", Script: `require "fileinto"; fileinto "Work";`})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ok := decode[CheckResponse](t, resp)
	assert.True(t, ok.Valid)

	resp = f.do("POST", "/api/v1/scripts/check", ScriptRequest{Name: "bad", Script: "frobnicate;"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	bad := decode[CheckResponse](t, resp)
	assert.False(t, bad.Valid)
	require.NotEmpty(t, bad.Diagnostics)
	assert.Equal(t, "error", bad.Diagnostics[0].Severity)
	assert.Equal(t, 1, bad.Diagnostics[0].Line)
	assert.Contains(t, bad.Diagnostics[0].Message, "unknown command 'frobnicate'")

	req, _ := http.NewRequest("POST", f.srv.URL+"/api/v1/scripts/check", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestCompileReturnsLoadableBinary(t *testing.T) {
	f := newFixture(t, ServerOptions{})

	resp := f.do("POST", "/api/v1/scripts/compile", ScriptRequest{Name: "main", Script: `keep;`})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[CompileResponse](t, resp)
	require.NotEmpty(t, out.Binary)

	bin, err := f.eng.Load(out.Binary)
	require.NoError(t, err)
	assert.Equal(t, "main", bin.Script())
	assert.Equal(t, binary.Magic, string(out.Binary[:4]))
}

func TestDump(t *testing.T) {
	f := newFixture(t, ServerOptions{})

	resp := f.do("POST", "/api/v1/scripts/dump", ScriptRequest{Script: `discard;`})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "DISCARD")
}

func TestTestMode(t *testing.T) {
	f := newFixture(t, ServerOptions{})

	resp := f.do("POST", "/api/v1/scripts/test", TestRequest{
		ScriptRequest: ScriptRequest{Script: `require "fileinto"; fileinto "Work";`},
		Message:       "From: a@example.org\nSubject: hi\n\nbody\n",
		EnvelopeFrom:  "a@example.org",
		EnvelopeTo:    "user@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[TestResponse](t, resp)
	assert.Equal(t, "ok", out.Status)
	assert.Contains(t, out.Output, "store message in folder: Work")

	resp = f.do("POST", "/api/v1/scripts/test", TestRequest{ScriptRequest: ScriptRequest{Script: `keep;`}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserScripts(t *testing.T) {
	f := newFixture(t, ServerOptions{})

	resp := f.do("GET", "/api/v1/users/alice/scripts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string]any](t, resp)
	assert.Empty(t, list["scripts"])
	assert.Equal(t, "", list["active"])

	resp = f.do("PUT", "/api/v1/users/alice/scripts/lib", ScriptRequest{Script: `require "fileinto"; fileinto "Lib";`})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// include resolves against the scripts saved so far.
	resp = f.do("PUT", "/api/v1/users/alice/scripts/main", ScriptRequest{Script: `require "include"; include "lib";`})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do("PUT", "/api/v1/users/alice/scripts/broken", ScriptRequest{Script: `require "include"; include "missing";`})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.do("POST", "/api/v1/users/alice/scripts/main/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do("GET", "/api/v1/users/alice/scripts", nil)
	list = decode[map[string]any](t, resp)
	assert.ElementsMatch(t, []any{"lib", "main"}, list["scripts"])
	assert.Equal(t, "main", list["active"])

	resp = f.do("GET", "/api/v1/users/alice/scripts/lib", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ScriptRequest](t, resp)
	assert.Equal(t, `require "fileinto"; fileinto "Lib";`, got.Script)

	resp = f.do("GET", "/api/v1/users/alice/scripts/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do("POST", "/api/v1/users/alice/scripts/nope/activate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
