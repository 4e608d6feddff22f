package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// stubAdmin records requests and replies with canned bodies keyed by
// "METHOD path".
type stubAdmin struct {
	mu       sync.Mutex
	replies  map[string]any
	statuses map[string]int
	bodies   map[string]map[string]string
	auth     []string
}

func newStubAdmin(t *testing.T) (*stubAdmin, string) {
	t.Helper()
	s := &stubAdmin{
		replies:  make(map[string]any),
		statuses: make(map[string]int),
		bodies:   make(map[string]map[string]string),
	}
	server := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(server.Close)
	return s, server.URL
}

func (s *stubAdmin) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.Method + " " + r.URL.RequestURI()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	if r.ContentLength > 0 {
		body := make(map[string]string)
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			s.bodies[key] = body
		}
	}
	if status, ok := s.statuses[key]; ok {
		http.Error(w, "stub failure", status)
		return
	}
	reply, ok := s.replies[key]
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func (s *stubAdmin) reply(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[key] = v
}

func (s *stubAdmin) fail(key string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key] = status
}

func (s *stubAdmin) body(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[key]
}

func (s *stubAdmin) authHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestParseGlobalFlags(t *testing.T) {
	t.Setenv(endpointEnv, "http://daemon:9680")
	t.Setenv(tokenEnv, " tok ")

	opts, rest, err := parseGlobalFlags([]string{"--json", "--url=http://other", "show", "--alias", "mn1"})
	require.NoError(t, err)
	require.True(t, opts.json)
	require.Equal(t, "http://other", opts.endpoint)
	require.Equal(t, "tok", opts.token)
	require.Equal(t, []string{"show", "--alias", "mn1"}, rest)

	opts, _, err = parseGlobalFlags([]string{"list"})
	require.NoError(t, err)
	require.Equal(t, "http://daemon:9680", opts.endpoint)

	_, _, err = parseGlobalFlags([]string{"--token-file"})
	require.ErrorContains(t, err, "missing value for --token-file")
}

func TestListPrintsYAML(t *testing.T) {
	stub, url := newStubAdmin(t)
	t.Setenv(tokenEnv, "secret")
	stub.reply("GET /smartnodes", []map[string]any{{"alias": "mn1", "status": "ENABLED", "collateral_key": "02ab"}})

	code, stdout, stderr := runCLI("--url", url, "list")
	require.Equal(t, 0, code, stderr)
	var nodes []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &nodes))
	require.Equal(t, "mn1", nodes[0]["alias"])
	require.Equal(t, "02ab", nodes[0]["collateral_key"])
	require.Equal(t, []string{"Bearer secret"}, stub.authHeaders())
}

func TestShowRequiresAlias(t *testing.T) {
	_, url := newStubAdmin(t)
	code, stdout, stderr := runCLI("--url", url, "show")
	require.Equal(t, 1, code)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "--alias is required")
}

func TestShowJSONAndNotFound(t *testing.T) {
	stub, url := newStubAdmin(t)
	stub.reply("GET /smartnodes/mn1", map[string]any{"alias": "mn1"})
	stub.fail("GET /smartnodes/gone", http.StatusNotFound)

	code, stdout, _ := runCLI("--url", url, "--json", "show", "--alias", "mn1")
	require.Equal(t, 0, code)
	require.JSONEq(t, `{"alias":"mn1"}`, stdout)

	code, _, stderr := runCLI("--url", url, "show", "--alias", "gone")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "smartnoded returned 404")
}

func TestImportSendsConfAndPassphrase(t *testing.T) {
	stub, url := newStubAdmin(t)
	t.Setenv("SMARTWALLET_PASSPHRASE", "pw")
	conf := filepath.Join(t.TempDir(), "smartnode.conf")
	require.NoError(t, os.WriteFile(conf, []byte("mn1 203.0.113.7 wif txid 0\n"), 0o600))
	stub.reply("POST /smartnodes/import", map[string]any{
		"imported": 1,
		"results":  []map[string]any{{"alias": "mn1", "outcome": "imported"}},
	})

	code, stdout, stderr := runCLI("--url", url, "import", "--file", conf)
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "imported: 1")
	require.Equal(t, map[string]string{"conf": "mn1 203.0.113.7 wif txid 0\n", "passphrase": "pw"}, stub.body("POST /smartnodes/import"))

	stub.reply("POST /smartnodes/import", map[string]any{
		"imported": 0,
		"results":  []map[string]any{{"alias": "mn1", "outcome": "duplicate-alias"}},
	})
	code, _, _ = runCLI("--url", url, "import", "--file", conf)
	require.Equal(t, 2, code, "partial imports exit non-zero")
}

func TestAnnounceReportsRejection(t *testing.T) {
	stub, url := newStubAdmin(t)
	t.Setenv("SMARTWALLET_PASSPHRASE", "pw")
	stub.reply("POST /smartnodes/mn1/announce", map[string]any{"announced": true})

	code, stdout, _ := runCLI("--url", url, "announce", "--alias", "mn1")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "announced: true")

	stub.reply("POST /smartnodes/mn1/announce", map[string]any{"announced": false, "error": "Invalid signature"})
	code, stdout, _ = runCLI("--url", url, "announce", "--alias", "mn1")
	require.Equal(t, 2, code)
	require.Contains(t, stdout, "error: Invalid signature")
}

func TestUnauthorizedHint(t *testing.T) {
	stub, url := newStubAdmin(t)
	stub.fail("POST /status/refresh", http.StatusUnauthorized)

	code, _, stderr := runCLI("--url", url, "refresh")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "admin token rejected")
}

func TestOutputsIncludeFrozen(t *testing.T) {
	stub, url := newStubAdmin(t)
	stub.reply("GET /outputs?exclude_frozen=false", []map[string]any{{"txid": "aa", "n": 1}})

	code, stdout, stderr := runCLI("--url", url, "outputs", "--include-frozen")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "txid: aa")
}

func TestRemoveAndImportKey(t *testing.T) {
	stub, url := newStubAdmin(t)
	t.Setenv("SMARTWALLET_PASSPHRASE", "pw")

	code, _, stderr := runCLI("--url", url, "remove", "--alias", "mn1")
	require.Equal(t, 0, code, stderr)

	wif := filepath.Join(t.TempDir(), "key.wif")
	require.NoError(t, os.WriteFile(wif, []byte("VwifValue\n"), 0o600))
	stub.reply("POST /wallet/keys", map[string]any{"address": "SXaddr"})
	code, stdout, stderr := runCLI("--url", url, "import-key", "--wif-file", wif)
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "address: SXaddr")
	require.Equal(t, "VwifValue", stub.body("POST /wallet/keys")["wif"])
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI("frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestCreateSendsNodeAndPassphrase(t *testing.T) {
	stub, url := newStubAdmin(t)
	t.Setenv("SMARTWALLET_PASSPHRASE", "pw")
	stub.reply("POST /smartnodes", map[string]any{"node": map[string]any{"alias": "mn1"}, "delegate_wif": "Vgenerated"})

	code, stdout, stderr := runCLI("--url", url, "create", "--alias", "mn1", "--addr", "203.0.113.7", "--collateral", "aa:1")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "delegate_wif: Vgenerated")
	require.Equal(t, map[string]string{
		"alias":      "mn1",
		"addr":       "203.0.113.7",
		"collateral": "aa:1",
		"passphrase": "pw",
	}, stub.body("POST /smartnodes"))

	wif := filepath.Join(t.TempDir(), "delegate.wif")
	require.NoError(t, os.WriteFile(wif, []byte("Vdelegate\n"), 0o600))
	code, _, stderr = runCLI("--url", url, "create", "--alias", "mn2", "--addr", "203.0.113.8", "--collateral", "bb:0", "--wif-file", wif)
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "Vdelegate", stub.body("POST /smartnodes")["delegate_wif"])

	code, _, stderr = runCLI("--url", url, "create", "--alias", "mn3", "--collateral", "cc:0")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--addr is required")
}

func TestEditSendsOnlyChangedFields(t *testing.T) {
	stub, url := newStubAdmin(t)
	t.Setenv("SMARTWALLET_PASSPHRASE", "pw")
	stub.reply("PATCH /smartnodes/mn1", map[string]any{"alias": "renamed"})

	code, stdout, stderr := runCLI("--url", url, "edit", "--alias", "mn1", "--rename", "renamed", "--collateral", "aa:2")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "alias: renamed")
	require.Equal(t, map[string]string{"alias": "renamed", "collateral": "aa:2"}, stub.body("PATCH /smartnodes/mn1"))

	wif := filepath.Join(t.TempDir(), "delegate.wif")
	require.NoError(t, os.WriteFile(wif, []byte("Vnew\n"), 0o600))
	code, _, stderr = runCLI("--url", url, "edit", "--alias", "mn1", "--wif-file", wif)
	require.Equal(t, 0, code, stderr)
	require.Equal(t, map[string]string{"delegate_wif": "Vnew", "passphrase": "pw"}, stub.body("PATCH /smartnodes/mn1"))

	code, _, stderr = runCLI("--url", url, "edit", "--alias", "mn1")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "nothing to change")
}

func TestSignThenBroadcast(t *testing.T) {
	stub, url := newStubAdmin(t)
	t.Setenv("SMARTWALLET_PASSPHRASE", "pw")
	stub.reply("POST /smartnodes/mn1/sign", map[string]any{"alias": "mn1", "sig": "1f01"})
	stub.reply("POST /smartnodes/mn1/broadcast", map[string]any{"announced": false, "error": "Not capable smartnode"})

	code, stdout, stderr := runCLI("--url", url, "sign", "--alias", "mn1")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "sig: 1f01")
	require.Equal(t, map[string]string{"passphrase": "pw"}, stub.body("POST /smartnodes/mn1/sign"))

	code, stdout, _ = runCLI("--url", url, "broadcast", "--alias", "mn1")
	require.Equal(t, 2, code)
	require.Contains(t, stdout, "error: Not capable smartnode")

	stub.fail("POST /smartnodes/mn2/broadcast", http.StatusUnprocessableEntity)
	code, _, stderr = runCLI("--url", url, "broadcast", "--alias", "mn2")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "smartnoded returned 422")
}

func TestListByCollateral(t *testing.T) {
	stub, url := newStubAdmin(t)
	stub.reply("GET /smartnodes?collateral=aa%3A1", []map[string]any{{"alias": "mn1"}})

	code, stdout, stderr := runCLI("--url", url, "list", "--collateral", "aa:1")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "alias: mn1")

	code, _, stderr = runCLI("--url", url, "list", "--collateral", "aa:1", "--hash", "ff")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "exclusive")
}
