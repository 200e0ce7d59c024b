package chain

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// ErrNotRecognized is the codec's sentinel for "this blob is not one of the
// accepted composite-transfer shapes". Callers decide whether that is a
// business error; the codec never distinguishes why the shape was rejected.
var ErrNotRecognized = errors.New("extrinsic: shape not recognized")

// InscriptionProtocol tags the remark-encoded token transfer payload.
const InscriptionProtocol = "dot-20"

// Runtime pins the chain constants the codec needs: call indices of the
// pallets the market recognizes, transaction versioning for signing, and the
// address format.
type Runtime struct {
	SS58Prefix  uint16
	GenesisHash [32]byte
	SpecVersion uint32
	TxVersion   uint32

	SystemPallet    byte
	RemarkWithEvent byte

	BalancesPallet    byte
	TransferKeepAlive byte

	UtilityPallet byte
	BatchAll      byte

	AssetsPallet           byte
	AssetTransferKeepAlive byte
}

// DefaultRuntime returns the asset-hub call indices. The genesis hash and
// runtime versions still have to be filled in from configuration.
func DefaultRuntime() Runtime {
	return Runtime{
		SystemPallet:           0,
		RemarkWithEvent:        7,
		BalancesPallet:         5,
		TransferKeepAlive:      3,
		UtilityPallet:          26,
		BatchAll:               2,
		AssetsPallet:           50,
		AssetTransferKeepAlive: 9,
	}
}

// Codec decodes opaque signed extrinsics into the closed set of shapes the
// market accepts, and encodes the market's own outbound calls. Purely
// functional: no I/O, no chain access.
type Codec struct {
	Runtime Runtime
	// Ticks maps a lowercase token tick to its on-chain asset id.
	Ticks map[string]uint32
}

// TransferLeg is one keep-alive native transfer inside a batch.
type TransferLeg struct {
	To    string
	Value decimal.Decimal
}

// InscribeTransfer is a batched-all call pairing a native value transfer with
// a token movement (asset transfer or remark inscription).
type InscribeTransfer struct {
	From        string
	To          string
	NativeValue decimal.Decimal
	Tick        string
	TokenAmount decimal.Decimal
}

// BatchTransfer is a batched-all call of exactly two native transfers.
type BatchTransfer struct {
	From      string
	Transfers [2]TransferLeg
}

type remarkTransfer struct {
	P    string `json:"p"`
	Op   string `json:"op"`
	Tick string `json:"tick"`
	Amt  string `json:"amt"`
}

// signedExtrinsic is the decoded outer envelope of a signed v4 extrinsic.
type signedExtrinsic struct {
	signer [32]byte
	call   *scaleReader
	hash   string
}

// DecodeInscribeTransfer accepts a batched-all call of exactly two inner
// calls: a keep-alive value transfer, then either a token transfer to the
// same destination or a canonical dot-20 transfer remark.
func (c *Codec) DecodeInscribeTransfer(blob []byte) (*InscribeTransfer, error) {
	ext, err := c.decodeSigned(blob)
	if err != nil {
		return nil, ErrNotRecognized
	}
	calls, err := c.decodeBatchAll(ext.call)
	if err != nil {
		return nil, ErrNotRecognized
	}

	leg, err := c.decodeTransferKeepAlive(calls[0])
	if err != nil {
		return nil, ErrNotRecognized
	}

	out := &InscribeTransfer{
		To:          leg.To,
		NativeValue: leg.Value,
	}
	out.From, err = EncodeSS58(ext.signer[:], c.Runtime.SS58Prefix)
	if err != nil {
		return nil, ErrNotRecognized
	}

	pallet, method, err := peekCallIndex(calls[1])
	if err != nil {
		return nil, ErrNotRecognized
	}
	switch {
	case pallet == c.Runtime.AssetsPallet && method == c.Runtime.AssetTransferKeepAlive:
		assetID, target, amount, err := c.decodeAssetTransfer(calls[1])
		if err != nil || target != leg.To {
			return nil, ErrNotRecognized
		}
		tick, ok := c.tickByAssetID(assetID)
		if !ok {
			return nil, ErrNotRecognized
		}
		out.Tick = tick
		out.TokenAmount = amount
	case pallet == c.Runtime.SystemPallet && method == c.Runtime.RemarkWithEvent:
		tick, amount, err := c.decodeTransferRemark(calls[1])
		if err != nil {
			return nil, ErrNotRecognized
		}
		out.Tick = tick
		out.TokenAmount = amount
	default:
		return nil, ErrNotRecognized
	}
	return out, nil
}

// DecodeBatchTransfer accepts a batched-all call of exactly two keep-alive
// value transfers.
func (c *Codec) DecodeBatchTransfer(blob []byte) (*BatchTransfer, error) {
	ext, err := c.decodeSigned(blob)
	if err != nil {
		return nil, ErrNotRecognized
	}
	calls, err := c.decodeBatchAll(ext.call)
	if err != nil {
		return nil, ErrNotRecognized
	}

	out := &BatchTransfer{}
	out.From, err = EncodeSS58(ext.signer[:], c.Runtime.SS58Prefix)
	if err != nil {
		return nil, ErrNotRecognized
	}
	for i, call := range calls {
		leg, err := c.decodeTransferKeepAlive(call)
		if err != nil {
			return nil, ErrNotRecognized
		}
		out.Transfers[i] = *leg
	}
	return out, nil
}

// ExtrinsicHash returns the 0x-prefixed blake2b-256 hash of an encoded
// extrinsic, as the chain reports it.
func ExtrinsicHash(blob []byte) string {
	sum := blake2b.Sum256(blob)
	return "0x" + hex.EncodeToString(sum[:])
}

// ParseHash decodes a 0x-prefixed 32-byte hash, as used for genesis and
// block hashes.
func ParseHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, errors.New("extrinsic: hash must be 32 bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// SignerAddress extracts the SS58 signer of a signed extrinsic without
// interpreting the call.
func (c *Codec) SignerAddress(blob []byte) (string, error) {
	ext, err := c.decodeSigned(blob)
	if err != nil {
		return "", ErrNotRecognized
	}
	return EncodeSS58(ext.signer[:], c.Runtime.SS58Prefix)
}

func (c *Codec) decodeSigned(blob []byte) (*signedExtrinsic, error) {
	r := newScaleReader(blob)
	n, err := r.compactLen()
	if err != nil || n != r.remaining() {
		return nil, ErrNotRecognized
	}

	version, err := r.byte()
	if err != nil || version != 0x84 { // signed, transaction version 4
		return nil, ErrNotRecognized
	}

	ext := &signedExtrinsic{hash: ExtrinsicHash(blob)}
	signer, err := decodeMultiAddress(r)
	if err != nil {
		return nil, err
	}
	ext.signer = signer

	// MultiSignature: ed25519/sr25519 carry 64 bytes, ecdsa 65.
	sigKind, err := r.byte()
	if err != nil {
		return nil, errScaleEOF
	}
	sigLen := 64
	switch sigKind {
	case 0, 1:
	case 2:
		sigLen = 65
	default:
		return nil, ErrNotRecognized
	}
	if _, err := r.bytes(sigLen); err != nil {
		return nil, err
	}

	if err := skipEra(r); err != nil {
		return nil, err
	}
	if _, err := r.compact(); err != nil { // nonce
		return nil, err
	}
	if _, err := r.compact(); err != nil { // tip
		return nil, err
	}

	ext.call = r
	return ext, nil
}

func (c *Codec) decodeBatchAll(r *scaleReader) ([]*scaleReader, error) {
	pallet, err := r.byte()
	if err != nil {
		return nil, err
	}
	method, err := r.byte()
	if err != nil {
		return nil, err
	}
	if pallet != c.Runtime.UtilityPallet || method != c.Runtime.BatchAll {
		return nil, ErrNotRecognized
	}
	// The batch length is a call count, not a byte length, so the
	// fits-in-buffer guard of compactLen does not apply here.
	count, err := r.compact()
	if err != nil || !count.IsInt64() || count.Int64() != 2 {
		return nil, ErrNotRecognized
	}

	// Inner calls are not length-prefixed; each accepted shape is decoded in
	// place and handed back as its own reader positioned at the call index.
	var calls []*scaleReader
	for i := 0; i < 2; i++ {
		start := r.pos
		if err := c.skipInnerCall(r); err != nil {
			return nil, ErrNotRecognized
		}
		calls = append(calls, &scaleReader{buf: r.buf[start:r.pos]})
	}
	if r.remaining() != 0 {
		return nil, ErrNotRecognized
	}
	return calls, nil
}

func (c *Codec) skipInnerCall(r *scaleReader) error {
	pallet, err := r.byte()
	if err != nil {
		return err
	}
	method, err := r.byte()
	if err != nil {
		return err
	}
	switch {
	case pallet == c.Runtime.BalancesPallet && method == c.Runtime.TransferKeepAlive:
		if _, err := decodeMultiAddress(r); err != nil {
			return err
		}
		_, err := r.compact()
		return err
	case pallet == c.Runtime.AssetsPallet && method == c.Runtime.AssetTransferKeepAlive:
		if _, err := r.compact(); err != nil {
			return err
		}
		if _, err := decodeMultiAddress(r); err != nil {
			return err
		}
		_, err := r.compact()
		return err
	case pallet == c.Runtime.SystemPallet && method == c.Runtime.RemarkWithEvent:
		n, err := r.compactLen()
		if err != nil {
			return err
		}
		_, err = r.bytes(n)
		return err
	default:
		return ErrNotRecognized
	}
}

func (c *Codec) decodeTransferKeepAlive(r *scaleReader) (*TransferLeg, error) {
	pallet, method, err := callIndex(r)
	if err != nil {
		return nil, err
	}
	if pallet != c.Runtime.BalancesPallet || method != c.Runtime.TransferKeepAlive {
		return nil, ErrNotRecognized
	}
	dest, err := decodeMultiAddress(r)
	if err != nil {
		return nil, err
	}
	value, err := r.compact()
	if err != nil || r.remaining() != 0 {
		return nil, ErrNotRecognized
	}
	addr, err := EncodeSS58(dest[:], c.Runtime.SS58Prefix)
	if err != nil {
		return nil, err
	}
	return &TransferLeg{To: addr, Value: decimal.NewFromBigInt(value, 0)}, nil
}

func (c *Codec) decodeAssetTransfer(r *scaleReader) (uint32, string, decimal.Decimal, error) {
	if _, _, err := callIndex(r); err != nil {
		return 0, "", decimal.Zero, err
	}
	id, err := r.compact()
	if err != nil || !id.IsUint64() || id.Uint64() > 0xffffffff {
		return 0, "", decimal.Zero, ErrNotRecognized
	}
	target, err := decodeMultiAddress(r)
	if err != nil {
		return 0, "", decimal.Zero, err
	}
	amount, err := r.compact()
	if err != nil || r.remaining() != 0 {
		return 0, "", decimal.Zero, ErrNotRecognized
	}
	addr, err := EncodeSS58(target[:], c.Runtime.SS58Prefix)
	if err != nil {
		return 0, "", decimal.Zero, err
	}
	return uint32(id.Uint64()), addr, decimal.NewFromBigInt(amount, 0), nil
}

// decodeTransferRemark validates the dot-20 transfer inscription: canonical
// JSON with exactly the four fields in order, no extraneous whitespace, and
// a lowercase tick. Re-serializing the decoded object must reproduce the
// payload byte for byte.
func (c *Codec) decodeTransferRemark(r *scaleReader) (string, decimal.Decimal, error) {
	if _, _, err := callIndex(r); err != nil {
		return "", decimal.Zero, err
	}
	n, err := r.compactLen()
	if err != nil {
		return "", decimal.Zero, err
	}
	payload, err := r.bytes(n)
	if err != nil || r.remaining() != 0 {
		return "", decimal.Zero, ErrNotRecognized
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var rm remarkTransfer
	if err := dec.Decode(&rm); err != nil {
		return "", decimal.Zero, ErrNotRecognized
	}
	if rm.P != InscriptionProtocol || rm.Op != "transfer" {
		return "", decimal.Zero, ErrNotRecognized
	}
	if rm.Tick == "" || rm.Tick != strings.ToLower(rm.Tick) {
		return "", decimal.Zero, ErrNotRecognized
	}
	amount, err := decimal.NewFromString(rm.Amt)
	if err != nil || !amount.IsInteger() || amount.Sign() <= 0 {
		return "", decimal.Zero, ErrNotRecognized
	}

	canonical, err := json.Marshal(rm)
	if err != nil || !bytes.Equal(canonical, payload) {
		return "", decimal.Zero, ErrNotRecognized
	}
	return rm.Tick, amount, nil
}

// EncodeTransferRemark renders the canonical dot-20 transfer payload.
func EncodeTransferRemark(tick string, amount decimal.Decimal) ([]byte, error) {
	return json.Marshal(remarkTransfer{
		P:    InscriptionProtocol,
		Op:   "transfer",
		Tick: strings.ToLower(tick),
		Amt:  amount.String(),
	})
}

func (c *Codec) tickByAssetID(id uint32) (string, bool) {
	for tick, assetID := range c.Ticks {
		if assetID == id {
			return tick, true
		}
	}
	return "", false
}

func peekCallIndex(r *scaleReader) (byte, byte, error) {
	if r.remaining() < 2 {
		return 0, 0, errScaleEOF
	}
	return r.buf[r.pos], r.buf[r.pos+1], nil
}

func callIndex(r *scaleReader) (byte, byte, error) {
	pallet, err := r.byte()
	if err != nil {
		return 0, 0, err
	}
	method, err := r.byte()
	if err != nil {
		return 0, 0, err
	}
	return pallet, method, nil
}

func decodeMultiAddress(r *scaleReader) ([32]byte, error) {
	var out [32]byte
	kind, err := r.byte()
	if err != nil {
		return out, err
	}
	if kind != 0 { // only MultiAddress::Id is accepted
		return out, ErrNotRecognized
	}
	raw, err := r.bytes(32)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func skipEra(r *scaleReader) error {
	first, err := r.byte()
	if err != nil {
		return err
	}
	if first == 0 { // immortal
		return nil
	}
	_, err = r.byte()
	return err
}
