package smartnode

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"smartwallet/crypto"
)

// ConfLine is one parsed line of a smartnode.conf file:
//
//	alias ip:port delegate_wif collateral_txid collateral_index
type ConfLine struct {
	LineNo      int            `json:"line" yaml:"line"`
	Alias       string         `json:"alias" yaml:"alias"`
	Addr        NetworkAddress `json:"addr" yaml:"addr"`
	WIF         string         `json:"-" yaml:"-"`
	TxID        string         `json:"txid" yaml:"txid"`
	OutputIndex uint32         `json:"n" yaml:"n"`
}

// CollateralIdentity returns txid:n.
func (l ConfLine) CollateralIdentity() string {
	return CollateralIdentity(l.TxID, l.OutputIndex)
}

// LineError describes a line ParseConf could not use.
type LineError struct {
	LineNo int
	Alias  string
	Err    error
}

func (e *LineError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("line %d (%s): %v", e.LineNo, e.Alias, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.LineNo, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// ParseConf reads smartnode.conf lines. Blank lines, comments and lines with
// fewer than five fields are skipped; malformed lines are reported without
// stopping the parse.
func ParseConf(r io.Reader, defaultPort uint16) ([]ConfLine, []*LineError) {
	var (
		lines []ConfLine
		bad   []*LineError
	)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 5 {
			continue
		}
		line, err := parseConfFields(fields, defaultPort)
		if err != nil {
			bad = append(bad, &LineError{LineNo: lineNo, Alias: fields[0], Err: fmt.Errorf("%w: %v", ErrInvalidConfLine, err)})
			continue
		}
		line.LineNo = lineNo
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		bad = append(bad, &LineError{LineNo: lineNo + 1, Err: err})
	}
	return lines, bad
}

func parseConfFields(fields []string, defaultPort uint16) (ConfLine, error) {
	addr, err := ParseNetworkAddress(fields[1], defaultPort)
	if err != nil {
		return ConfLine{}, err
	}
	if _, err := crypto.DecodeWIF(fields[2]); err != nil {
		return ConfLine{}, fmt.Errorf("delegate key: %w", err)
	}
	txid, index, err := parseOutpoint(fields[3], fields[4])
	if err != nil {
		return ConfLine{}, err
	}
	return ConfLine{
		Alias:       fields[0],
		Addr:        addr,
		WIF:         fields[2],
		TxID:        txid,
		OutputIndex: index,
	}, nil
}

// ParseCollateralIdentity splits a txid:n outpoint.
func ParseCollateralIdentity(id string) (string, uint32, error) {
	txid, n, ok := strings.Cut(strings.TrimSpace(id), ":")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q is not txid:n", ErrInvalidCollateral, id)
	}
	txid, index, err := parseOutpoint(txid, n)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidCollateral, err)
	}
	return txid, index, nil
}

func parseOutpoint(txid, n string) (string, uint32, error) {
	lower := strings.ToLower(txid)
	if decoded, err := hex.DecodeString(lower); err != nil || len(decoded) != 32 {
		return "", 0, fmt.Errorf("invalid collateral txid %q", txid)
	}
	index, err := strconv.ParseUint(n, 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid collateral index %q", n)
	}
	return lower, uint32(index), nil
}
