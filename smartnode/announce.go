package smartnode

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"smartwallet/crypto"
)

// String renders the input the way the node daemon prints it; the ping
// signature commits to this text.
func (v Vin) String() string {
	return fmt.Sprintf("CTxIn(COutPoint(%s, %d), scriptSig=%s)", v.PrevoutHash, v.PrevoutN, v.scriptSig())
}

// SignatureMessage is the text signed with the delegate key.
func (p Ping) SignatureMessage() []byte {
	return []byte(p.Vin.String() + p.BlockHash + strconv.FormatInt(p.SigTime, 10))
}

// SignatureMessage is the announce text signed with the collateral key.
func (r Record) SignatureMessage() []byte {
	var buf bytes.Buffer
	buf.WriteString(r.Addr.String())
	buf.WriteString(strconv.FormatInt(r.SigTime, 10))
	buf.WriteString(crypto.KeyID(r.CollateralKey))
	buf.WriteString(crypto.KeyID(r.DelegateKey))
	buf.WriteString(strconv.FormatUint(uint64(r.ProtocolVersion), 10))
	return buf.Bytes()
}

// Serialize encodes the announce for relay.
func (r Record) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeVin(&buf, r.Vin); err != nil {
		return nil, err
	}
	if err := writeAddr(&buf, r.Addr); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&buf, 0, r.CollateralKey); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&buf, 0, r.DelegateKey); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&buf, 0, r.Sig); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, r.SigTime); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, r.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := r.LastPing.serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash identifies the announce in the relay's reply.
func (r Record) Hash() (string, error) {
	var buf bytes.Buffer
	if err := writeOutpoint(&buf, r.Vin); err != nil {
		return "", err
	}
	if err := wire.WriteVarBytes(&buf, 0, r.CollateralKey); err != nil {
		return "", err
	}
	if err := binary.Write(&buf, binary.LittleEndian, r.SigTime); err != nil {
		return "", err
	}
	return chainhash.DoubleHashH(buf.Bytes()).String(), nil
}

func (p Ping) serialize(w io.Writer) error {
	if err := writeVin(w, p.Vin); err != nil {
		return err
	}
	blockHash, err := chainhash.NewHashFromStr(p.BlockHash)
	if err != nil {
		return fmt.Errorf("ping block hash: %w", err)
	}
	if _, err := w.Write(blockHash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, p.SigTime); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, 0, p.Sig)
}

func writeOutpoint(w io.Writer, v Vin) error {
	hash, err := chainhash.NewHashFromStr(v.PrevoutHash)
	if err != nil {
		return fmt.Errorf("collateral txid: %w", err)
	}
	if _, err := w.Write(hash[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v.PrevoutN)
}

func writeVin(w io.Writer, v Vin) error {
	if err := writeOutpoint(w, v); err != nil {
		return err
	}
	script, err := hex.DecodeString(v.scriptSig())
	if err != nil {
		return fmt.Errorf("scriptSig: %w", err)
	}
	if err := wire.WriteVarBytes(w, 0, script); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v.sequence())
}

func writeAddr(w io.Writer, addr NetworkAddress) error {
	ip := net.ParseIP(addr.IP).To16()
	if ip == nil {
		return fmt.Errorf("invalid IP address %q", addr.IP)
	}
	if _, err := w.Write(ip); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, addr.Port)
}
