package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"smartwallet/cmd/internal/passphrase"
)

// newPassphraseSource resolves the wallet passphrase for commands that
// unlock keys.
var newPassphraseSource = func(stdin bool) *passphrase.Source {
	if stdin {
		return passphrase.NewSource(passphrase.EnvVar, passphrase.WithReader(os.Stdin))
	}
	return passphrase.NewSource(passphrase.EnvVar)
}

func runList(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var collateral, hash string
	fs.StringVar(&collateral, "collateral", "", "only the smartnode using this txid:n collateral")
	fs.StringVar(&hash, "hash", "", "only the smartnode with this announce hash")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := "/smartnodes"
	switch {
	case collateral != "" && hash != "":
		fmt.Fprintln(stderr, "Error: --collateral and --hash are exclusive")
		return 1
	case collateral != "":
		path += "?collateral=" + url.QueryEscape(strings.TrimSpace(collateral))
	case hash != "":
		path += "?hash=" + url.QueryEscape(strings.TrimSpace(hash))
	}
	var nodes []map[string]any
	if err := api.do(http.MethodGet, path, nil, &nodes); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(nodes); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func runShow(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	alias, code := parseAlias("show", args, stderr)
	if code != 0 {
		return code
	}
	var node map[string]any
	if err := api.do(http.MethodGet, "/smartnodes/"+url.PathEscape(alias), nil, &node); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(node); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func runCreate(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var alias, addr, collateral, wifFile string
	var passStdin bool
	fs.StringVar(&alias, "alias", "", "smartnode alias")
	fs.StringVar(&addr, "addr", "", "smartnode ip[:port]")
	fs.StringVar(&collateral, "collateral", "", "collateral output as txid:n")
	fs.StringVar(&wifFile, "wif-file", "", "file holding the delegate WIF; a key is generated when omitted")
	fs.BoolVar(&passStdin, "passphrase-stdin", false, "read the wallet passphrase from stdin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	for _, required := range []struct{ name, value string }{
		{"--alias", alias}, {"--addr", addr}, {"--collateral", collateral},
	} {
		if strings.TrimSpace(required.value) == "" {
			fmt.Fprintf(stderr, "Error: %s is required\n", required.name)
			return 1
		}
	}
	body := map[string]string{
		"alias":      strings.TrimSpace(alias),
		"addr":       strings.TrimSpace(addr),
		"collateral": strings.TrimSpace(collateral),
	}
	if wifFile != "" {
		raw, err := os.ReadFile(wifFile)
		if err != nil {
			return handleError(stderr, err)
		}
		body["delegate_wif"] = strings.TrimSpace(string(raw))
	}
	pass, err := newPassphraseSource(passStdin).Get()
	if err != nil {
		return handleError(stderr, err)
	}
	body["passphrase"] = pass

	var result map[string]any
	if err := api.do(http.MethodPost, "/smartnodes", body, &result); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(result); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func runEdit(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var alias, rename, addr, collateral, wifFile string
	var passStdin bool
	fs.StringVar(&alias, "alias", "", "smartnode alias")
	fs.StringVar(&rename, "rename", "", "new alias")
	fs.StringVar(&addr, "addr", "", "new ip[:port]")
	fs.StringVar(&collateral, "collateral", "", "new collateral output as txid:n")
	fs.StringVar(&wifFile, "wif-file", "", "file holding a new delegate WIF")
	fs.BoolVar(&passStdin, "passphrase-stdin", false, "read the wallet passphrase from stdin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		fmt.Fprintln(stderr, "Error: --alias is required")
		return 1
	}
	body := map[string]string{}
	if v := strings.TrimSpace(rename); v != "" {
		body["alias"] = v
	}
	if v := strings.TrimSpace(addr); v != "" {
		body["addr"] = v
	}
	if v := strings.TrimSpace(collateral); v != "" {
		body["collateral"] = v
	}
	if wifFile != "" {
		raw, err := os.ReadFile(wifFile)
		if err != nil {
			return handleError(stderr, err)
		}
		pass, err := newPassphraseSource(passStdin).Get()
		if err != nil {
			return handleError(stderr, err)
		}
		body["delegate_wif"] = strings.TrimSpace(string(raw))
		body["passphrase"] = pass
	}
	if len(body) == 0 {
		fmt.Fprintln(stderr, "Error: nothing to change")
		return 1
	}

	var node map[string]any
	if err := api.do(http.MethodPatch, "/smartnodes/"+url.PathEscape(alias), body, &node); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(node); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func runSign(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var alias string
	var passStdin bool
	fs.StringVar(&alias, "alias", "", "smartnode alias")
	fs.BoolVar(&passStdin, "passphrase-stdin", false, "read the wallet passphrase from stdin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	alias = strings.TrimSpace(alias)
	if fs.NArg() > 0 || alias == "" {
		fmt.Fprintln(stderr, "Error: --alias is required")
		return 1
	}
	pass, err := newPassphraseSource(passStdin).Get()
	if err != nil {
		return handleError(stderr, err)
	}
	var node map[string]any
	body := map[string]string{"passphrase": pass}
	if err := api.do(http.MethodPost, "/smartnodes/"+url.PathEscape(alias)+"/sign", body, &node); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(node); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func runBroadcast(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	alias, code := parseAlias("broadcast", args, stderr)
	if code != 0 {
		return code
	}
	var result broadcastResult
	if err := api.do(http.MethodPost, "/smartnodes/"+url.PathEscape(alias)+"/broadcast", nil, &result); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(result); err != nil {
		return handleError(stderr, err)
	}
	if result.Error != "" {
		return 2
	}
	return 0
}

func runImport(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var file string
	var passStdin bool
	fs.StringVar(&file, "file", "", "path to smartnode.conf")
	fs.BoolVar(&passStdin, "passphrase-stdin", false, "read the wallet passphrase from stdin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(file) == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		return 1
	}
	conf, err := os.ReadFile(file)
	if err != nil {
		return handleError(stderr, err)
	}
	pass, err := newPassphraseSource(passStdin).Get()
	if err != nil {
		return handleError(stderr, err)
	}

	var report struct {
		Imported int              `json:"imported"`
		Results  []map[string]any `json:"results"`
	}
	body := map[string]string{"conf": string(conf), "passphrase": pass}
	if err := api.do(http.MethodPost, "/smartnodes/import", body, &report); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(map[string]any{"imported": report.Imported, "results": report.Results}); err != nil {
		return handleError(stderr, err)
	}
	if report.Imported < len(report.Results) {
		return 2
	}
	return 0
}

func runRemove(api *adminClient, _ *printer, args []string, stderr io.Writer) int {
	alias, code := parseAlias("remove", args, stderr)
	if code != 0 {
		return code
	}
	if err := api.do(http.MethodDelete, "/smartnodes/"+url.PathEscape(alias), nil, nil); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func runAnnounce(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("announce", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var alias string
	var passStdin bool
	fs.StringVar(&alias, "alias", "", "smartnode alias")
	fs.BoolVar(&passStdin, "passphrase-stdin", false, "read the wallet passphrase from stdin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		fmt.Fprintln(stderr, "Error: --alias is required")
		return 1
	}
	pass, err := newPassphraseSource(passStdin).Get()
	if err != nil {
		return handleError(stderr, err)
	}

	var result broadcastResult
	body := map[string]string{"passphrase": pass}
	if err := api.do(http.MethodPost, "/smartnodes/"+url.PathEscape(alias)+"/announce", body, &result); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(result); err != nil {
		return handleError(stderr, err)
	}
	if result.Error != "" {
		return 2
	}
	return 0
}

type broadcastResult struct {
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
	Announced bool   `json:"announced" yaml:"announced"`
}

func runRefresh(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var result map[string]any
	if err := api.do(http.MethodPost, "/status/refresh", nil, &result); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(result); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func runOutputs(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("outputs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var includeFrozen bool
	fs.BoolVar(&includeFrozen, "include-frozen", false, "also list outputs on frozen addresses")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := "/outputs"
	if includeFrozen {
		path += "?exclude_frozen=false"
	}
	var outputs []map[string]any
	if err := api.do(http.MethodGet, path, nil, &outputs); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(outputs); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func runImportKey(api *adminClient, out *printer, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("import-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var wifFile string
	var passStdin bool
	fs.StringVar(&wifFile, "wif-file", "", "file holding the WIF encoded private key")
	fs.BoolVar(&passStdin, "passphrase-stdin", false, "read the wallet passphrase from stdin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(wifFile) == "" {
		fmt.Fprintln(stderr, "Error: --wif-file is required")
		return 1
	}
	raw, err := os.ReadFile(wifFile)
	if err != nil {
		return handleError(stderr, err)
	}
	pass, err := newPassphraseSource(passStdin).Get()
	if err != nil {
		return handleError(stderr, err)
	}
	var result map[string]any
	body := map[string]string{"wif": strings.TrimSpace(string(raw)), "passphrase": pass}
	if err := api.do(http.MethodPost, "/wallet/keys", body, &result); err != nil {
		return handleError(stderr, err)
	}
	if err := out.print(result); err != nil {
		return handleError(stderr, err)
	}
	return 0
}

func parseAlias(name string, args []string, stderr io.Writer) (string, int) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var alias string
	fs.StringVar(&alias, "alias", "", "smartnode alias")
	if err := fs.Parse(args); err != nil {
		return "", 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return "", 1
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		fmt.Fprintln(stderr, "Error: --alias is required")
		return "", 1
	}
	return alias, 0
}
