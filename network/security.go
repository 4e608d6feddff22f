package network

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"nhooyr.io/websocket"
)

// Security describes how the client authenticates the wallet server and
// itself. Relative paths resolve against the directory of the config file.
type Security struct {
	CAFile         string
	ClientCertFile string
	ClientKeyFile  string
	AuthHeader     string
	AuthToken      string
	AuthTokenEnv   string
}

// BuildClientSecurity turns sec into websocket dial options. It returns nil
// options when nothing is configured so the dialer uses its defaults.
func BuildClientSecurity(sec Security, baseDir string, lookup func(string) (string, bool)) (*websocket.DialOptions, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	token := strings.TrimSpace(sec.AuthToken)
	if env := strings.TrimSpace(sec.AuthTokenEnv); env != "" {
		value, ok := lookup(env)
		if !ok || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("server auth token env %s is empty", env)
		}
		token = strings.TrimSpace(value)
	}

	var tlsConfig *tls.Config
	certPath := resolveSecurityPath(baseDir, sec.ClientCertFile)
	keyPath := resolveSecurityPath(baseDir, sec.ClientKeyFile)
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("client TLS requires both ClientCertFile and ClientKeyFile")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	}
	if caPath := resolveSecurityPath(baseDir, sec.CAFile); caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read server CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse server CA certificates from %s", caPath)
		}
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		tlsConfig.RootCAs = pool
	}

	if tlsConfig == nil && token == "" {
		return nil, nil
	}
	opts := &websocket.DialOptions{}
	if tlsConfig != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		opts.HTTPClient = &http.Client{Transport: transport}
	}
	if token != "" {
		header := strings.TrimSpace(sec.AuthHeader)
		if header == "" {
			header = "Authorization"
		}
		opts.HTTPHeader = http.Header{}
		opts.HTTPHeader.Set(header, token)
	}
	return opts, nil
}

func resolveSecurityPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir != "" && !filepath.IsAbs(trimmed) {
		return filepath.Join(baseDir, trimmed)
	}
	return trimmed
}
