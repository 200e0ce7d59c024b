package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

// SS58 address codec. An address is base58(prefix ++ pubkey ++ checksum)
// where the checksum is the first two bytes of blake2b-512("SS58PRE" ++
// prefix ++ pubkey).

var ss58Preamble = []byte("SS58PRE")

var (
	errBadAddress  = errors.New("ss58: malformed address")
	errBadChecksum = errors.New("ss58: checksum mismatch")
)

// EncodeSS58 renders a 32-byte account id under the given network prefix.
func EncodeSS58(pubKey []byte, prefix uint16) (string, error) {
	if len(pubKey) != 32 {
		return "", fmt.Errorf("ss58: account id is %d bytes, want 32", len(pubKey))
	}
	var head []byte
	switch {
	case prefix < 64:
		head = []byte{byte(prefix)}
	case prefix < 16384:
		ident := prefix & 0x3fff
		head = []byte{
			byte(ident&0xfc)>>2 | 0x40,
			byte(ident>>8) | byte(ident&0x03)<<6,
		}
	default:
		return "", fmt.Errorf("ss58: prefix %d out of range", prefix)
	}

	body := append(head, pubKey...)
	sum := ss58Checksum(body)
	return base58.Encode(append(body, sum[:2]...)), nil
}

// DecodeSS58 returns the 32-byte account id and network prefix of an address.
func DecodeSS58(addr string) ([]byte, uint16, error) {
	raw := base58.Decode(addr)
	if len(raw) < 35 {
		return nil, 0, errBadAddress
	}

	var prefix uint16
	var headLen int
	switch {
	case raw[0] < 64:
		prefix = uint16(raw[0])
		headLen = 1
	case raw[0] < 128:
		if len(raw) < 36 {
			return nil, 0, errBadAddress
		}
		lower := uint16(raw[0]&0x3f)<<2 | uint16(raw[1])>>6
		upper := uint16(raw[1]&0x3f) << 8
		prefix = lower | upper
		headLen = 2
	default:
		return nil, 0, errBadAddress
	}

	body := raw[:len(raw)-2]
	if len(body)-headLen != 32 {
		return nil, 0, errBadAddress
	}
	sum := ss58Checksum(body)
	if sum[0] != raw[len(raw)-2] || sum[1] != raw[len(raw)-1] {
		return nil, 0, errBadChecksum
	}
	return body[headLen:], prefix, nil
}

// IsSS58Address reports whether addr parses as a valid account address.
func IsSS58Address(addr string) bool {
	_, _, err := DecodeSS58(addr)
	return err == nil
}

func ss58Checksum(body []byte) [2]byte {
	h, _ := blake2b.New512(nil)
	h.Write(ss58Preamble)
	h.Write(body)
	var out [2]byte
	copy(out[:], h.Sum(nil)[:2])
	return out
}
