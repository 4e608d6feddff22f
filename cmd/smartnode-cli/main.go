package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	endpointEnv = "SMARTNODED_URL"
	tokenEnv    = "SMARTNODED_TOKEN"
)

// options are the global flags shared by every command.
type options struct {
	endpoint  string
	token     string
	tokenFile string
	json      bool
}

var httpClient = &http.Client{Timeout: 2 * time.Minute}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, rest, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	api, err := newAdminClient(opts)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	out := &printer{w: stdout, json: opts.json}

	switch rest[0] {
	case "list":
		return runList(api, out, rest[1:], stderr)
	case "show":
		return runShow(api, out, rest[1:], stderr)
	case "create":
		return runCreate(api, out, rest[1:], stderr)
	case "edit":
		return runEdit(api, out, rest[1:], stderr)
	case "import":
		return runImport(api, out, rest[1:], stderr)
	case "remove":
		return runRemove(api, out, rest[1:], stderr)
	case "sign":
		return runSign(api, out, rest[1:], stderr)
	case "broadcast":
		return runBroadcast(api, out, rest[1:], stderr)
	case "announce":
		return runAnnounce(api, out, rest[1:], stderr)
	case "refresh":
		return runRefresh(api, out, rest[1:], stderr)
	case "outputs":
		return runOutputs(api, out, rest[1:], stderr)
	case "import-key":
		return runImportKey(api, out, rest[1:], stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  smartnode-cli [--url URL] [--token-file PATH] [--json] <command> [flags]

Commands:
  list        List smartnodes with their network status
  show        Show one smartnode
  create      Create a smartnode on an eligible output and freeze it
  edit        Change the alias, address, collateral or delegate key
  import      Import a smartnode.conf file
  remove      Remove a smartnode and forget its delegate key
  sign        Sign a smartnode announce without sending it
  broadcast   Send a signed announce
  announce    Sign and broadcast a smartnode announce
  refresh     Re-subscribe to the status of every smartnode
  outputs     List wallet outputs usable as collateral
  import-key  Import a wallet key controlling collateral

The admin token is read from SMARTNODED_TOKEN or --token-file. Commands that
unlock keys read the passphrase from SMARTWALLET_PASSPHRASE or prompt for it.
`)
}

func parseGlobalFlags(args []string) (options, []string, error) {
	opts := options{
		endpoint: defaultEndpoint(),
		token:    strings.TrimSpace(os.Getenv(tokenEnv)),
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--url", "--token-file":
			if !hasValue {
				if i+1 >= len(args) {
					return opts, nil, fmt.Errorf("missing value for %s", name)
				}
				value = args[i+1]
				i++
			}
			if name == "--url" {
				opts.endpoint = value
			} else {
				opts.tokenFile = value
			}
		case "--json":
			opts.json = true
		default:
			// Global flags only appear before the command.
			out = append(out, args[i:]...)
			return opts, out, nil
		}
	}
	return opts, out, nil
}

func defaultEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(endpointEnv)); v != "" {
		return v
	}
	return "http://127.0.0.1:9680"
}

type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("smartnoded returned %d: %s", e.status, e.message)
}

type adminClient struct {
	endpoint string
	token    string
}

func newAdminClient(opts options) (*adminClient, error) {
	token := opts.token
	if opts.tokenFile != "" {
		raw, err := os.ReadFile(opts.tokenFile)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		token = strings.TrimSpace(string(raw))
	}
	return &adminClient{endpoint: strings.TrimRight(opts.endpoint, "/"), token: token}, nil
}

// do sends body as JSON and decodes the reply into out when both are set.
func (c *adminClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, message: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printer renders replies as YAML, or indented JSON with --json.
type printer struct {
	w    io.Writer
	json bool
}

func (p *printer) print(v any) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func handleError(stderr io.Writer, err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.status == http.StatusUnauthorized {
		fmt.Fprintln(stderr, "Error: admin token rejected; set SMARTNODED_TOKEN or --token-file")
		return 1
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}
