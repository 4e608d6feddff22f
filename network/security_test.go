package network

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildClientSecurityDefaults(t *testing.T) {
	opts, err := BuildClientSecurity(Security{}, "", nil)
	require.NoError(t, err)
	require.Nil(t, opts)
}

func TestBuildClientSecurityToken(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "ELECTRUM_TOKEN" {
			return " from-env ", true
		}
		return "", false
	}
	opts, err := BuildClientSecurity(Security{AuthToken: "inline", AuthTokenEnv: "ELECTRUM_TOKEN", AuthHeader: "X-Api-Key"}, "", lookup)
	require.NoError(t, err)
	require.Equal(t, "from-env", opts.HTTPHeader.Get("X-Api-Key"))
	require.Nil(t, opts.HTTPClient)

	opts, err = BuildClientSecurity(Security{AuthToken: "inline"}, "", lookup)
	require.NoError(t, err)
	require.Equal(t, "inline", opts.HTTPHeader.Get("Authorization"))

	_, err = BuildClientSecurity(Security{AuthTokenEnv: "MISSING"}, "", lookup)
	require.ErrorContains(t, err, "MISSING is empty")
}

func TestBuildClientSecurityTrustsCA(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	dir := t.TempDir()
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.pem"), caPEM, 0o600))

	opts, err := BuildClientSecurity(Security{CAFile: "ca.pem"}, dir, nil)
	require.NoError(t, err)
	require.NotNil(t, opts.HTTPClient)

	resp, err := opts.HTTPClient.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestBuildClientSecurityErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := BuildClientSecurity(Security{ClientCertFile: "client.crt"}, dir, nil)
	require.ErrorContains(t, err, "both ClientCertFile and ClientKeyFile")

	_, err = BuildClientSecurity(Security{CAFile: "missing.pem"}, dir, nil)
	require.ErrorContains(t, err, "read server CA file")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.pem"), []byte("not pem"), 0o600))
	_, err = BuildClientSecurity(Security{CAFile: "junk.pem"}, dir, nil)
	require.ErrorContains(t, err, "failed to parse server CA certificates")
}

func TestResolveSecurityPath(t *testing.T) {
	require.Empty(t, resolveSecurityPath("/etc/smartwallet", " "))
	require.Equal(t, filepath.Join("/etc/smartwallet", "ca.pem"), resolveSecurityPath("/etc/smartwallet", "ca.pem"))
	abs := filepath.Join(string(filepath.Separator), "opt", "ca.pem")
	require.Equal(t, abs, resolveSecurityPath("/etc/smartwallet", abs))
}
