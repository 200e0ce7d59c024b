package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// NonceSource yields the next transaction nonce for an account. Backed by
// the node's system_accountNextIndex, which includes pool transactions, so
// sequential submissions from the market account stay ordered.
type NonceSource interface {
	AccountNextIndex(ctx context.Context, addr string) (uint64, error)
}

// Wallet signs market-account extrinsics. Submissions from the wallet are
// sequential per call path, which keeps nonce handling trivial.
type Wallet struct {
	codec   *Codec
	keyring *Keyring
	nonces  NonceSource
	address string
}

func NewWallet(codec *Codec, keyring *Keyring, nonces NonceSource) (*Wallet, error) {
	addr, err := keyring.Address(codec.Runtime.SS58Prefix)
	if err != nil {
		return nil, err
	}
	return &Wallet{codec: codec, keyring: keyring, nonces: nonces, address: addr}, nil
}

// Address is the market account's SS58 address.
func (w *Wallet) Address() string {
	return w.address
}

// SignTokenRelay builds and signs the relay leg: listed tokens from the
// market account to the buyer.
func (w *Wallet) SignTokenRelay(ctx context.Context, tick string, amount decimal.Decimal, to string) (*SignedExtrinsic, error) {
	call, err := w.codec.BuildTokenRelay(tick, amount, to)
	if err != nil {
		return nil, err
	}
	return w.sign(ctx, call)
}

// SignCancelReturn builds and signs the cancel compensation: tokens back to
// the seller, plus the refund when positive.
func (w *Wallet) SignCancelReturn(ctx context.Context, tick string, amount decimal.Decimal, to string, refund decimal.Decimal) (*SignedExtrinsic, error) {
	call, err := w.codec.BuildCancelReturn(tick, amount, to, refund)
	if err != nil {
		return nil, err
	}
	return w.sign(ctx, call)
}

func (w *Wallet) sign(ctx context.Context, call []byte) (*SignedExtrinsic, error) {
	nonce, err := w.nonces.AccountNextIndex(ctx, w.address)
	if err != nil {
		return nil, err
	}
	return w.codec.Sign(call, w.keyring, nonce)
}
