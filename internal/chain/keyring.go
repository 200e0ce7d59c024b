package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Keyring holds the custodial market account's ed25519 keypair. It is
// constructed once at process start and passed by reference; there is no
// ambient global key.
type Keyring struct {
	priv ed25519.PrivateKey
	pub  [32]byte
}

// NewKeyring builds a keyring from a 32-byte hex seed.
func NewKeyring(seedHex string) (*Keyring, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("keyring: seed is not hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	k := &Keyring{priv: ed25519.NewKeyFromSeed(seed)}
	copy(k.pub[:], k.priv.Public().(ed25519.PublicKey))
	return k, nil
}

// PublicKey returns the 32-byte account id.
func (k *Keyring) PublicKey() [32]byte {
	return k.pub
}

// Address renders the account under the given SS58 prefix.
func (k *Keyring) Address(prefix uint16) (string, error) {
	return EncodeSS58(k.pub[:], prefix)
}

// Sign signs a payload with the account key.
func (k *Keyring) Sign(payload []byte) []byte {
	return ed25519.Sign(k.priv, payload)
}
