package chain

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	rt := DefaultRuntime()
	rt.SS58Prefix = 42
	genesis, err := ParseHash("0x91b171bb158e2d3848fa23a9f1c25182fb8e20313b2c1eb49219da7a70ce90c3")
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	rt.GenesisHash = genesis
	rt.SpecVersion = 1002000
	rt.TxVersion = 26
	return &Codec{Runtime: rt, Ticks: map[string]uint32{"dota": 18, "dddd": 27}}
}

func testKeyring(t *testing.T, fill byte) *Keyring {
	t.Helper()
	seed := strings.Repeat(string([]byte{hexDigit(fill >> 4), hexDigit(fill & 0x0f)}), 32)
	k, err := NewKeyring(seed)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return k
}

func hexDigit(v byte) byte {
	if v < 10 {
		return '0' + v
	}
	return 'a' + v - 10
}

func mustAddress(t *testing.T, k *Keyring, prefix uint16) string {
	t.Helper()
	addr, err := k.Address(prefix)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	return addr
}

func TestInscribeTransferRoundTrip(t *testing.T) {
	codec := testCodec(t)
	seller := testKeyring(t, 0x11)
	market := testKeyring(t, 0x22)
	marketAddr := mustAddress(t, market, 42)

	amount := decimal.RequireFromString("50000")
	fee := decimal.RequireFromString("200000000")
	call, err := codec.EncodeInscribeTransfer("dota", amount, fee, marketAddr)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ext, err := codec.Sign(call, seller, 7)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := codec.DecodeInscribeTransfer(ext.Bytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.From != mustAddress(t, seller, 42) {
		t.Fatalf("from: want seller, got %s", got.From)
	}
	if got.To != marketAddr {
		t.Fatalf("to: want market, got %s", got.To)
	}
	if !got.NativeValue.Equal(fee) {
		t.Fatalf("native value: want %s, got %s", fee, got.NativeValue)
	}
	if got.Tick != "dota" {
		t.Fatalf("tick: want dota, got %s", got.Tick)
	}
	if !got.TokenAmount.Equal(amount) {
		t.Fatalf("token amount: want %s, got %s", amount, got.TokenAmount)
	}
}

func TestInscribeTransferRemarkRoundTrip(t *testing.T) {
	codec := testCodec(t)
	seller := testKeyring(t, 0x33)
	market := testKeyring(t, 0x22)
	marketAddr := mustAddress(t, market, 42)

	amount := decimal.RequireFromString("123456789")
	fee := decimal.RequireFromString("160000000")
	call, err := codec.EncodeInscribeTransferRemark("dddd", amount, fee, marketAddr)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ext, err := codec.Sign(call, seller, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := codec.DecodeInscribeTransfer(ext.Bytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Tick != "dddd" || !got.TokenAmount.Equal(amount) {
		t.Fatalf("remark leg: got %s %s", got.Tick, got.TokenAmount)
	}
}

func TestBatchTransferRoundTrip(t *testing.T) {
	codec := testCodec(t)
	buyer := testKeyring(t, 0x44)
	seller := testKeyring(t, 0x11)
	market := testKeyring(t, 0x22)
	sellerAddr := mustAddress(t, seller, 42)
	marketAddr := mustAddress(t, market, 42)

	legs := [2]TransferLeg{
		{To: sellerAddr, Value: decimal.RequireFromString("10000000000")},
		{To: marketAddr, Value: decimal.RequireFromString("200000000")},
	}
	call, err := codec.EncodeBatchTransfer(legs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ext, err := codec.Sign(call, buyer, 3)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := codec.DecodeBatchTransfer(ext.Bytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.From != mustAddress(t, buyer, 42) {
		t.Fatalf("from: got %s", got.From)
	}
	for i := range legs {
		if got.Transfers[i].To != legs[i].To || !got.Transfers[i].Value.Equal(legs[i].Value) {
			t.Fatalf("leg %d mismatch: %+v", i, got.Transfers[i])
		}
	}
}

func TestDecodeRejectsNonBatchCall(t *testing.T) {
	codec := testCodec(t)
	signer := testKeyring(t, 0x55)
	dest := mustAddress(t, testKeyring(t, 0x22), 42)

	call, err := codec.encodeBalanceTransfer(dest, decimal.RequireFromString("1000"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ext, err := codec.Sign(call, signer, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := codec.DecodeInscribeTransfer(ext.Bytes); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("want ErrNotRecognized, got %v", err)
	}
	if _, err := codec.DecodeBatchTransfer(ext.Bytes); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("want ErrNotRecognized, got %v", err)
	}
}

func TestDecodeRejectsOversizedBatch(t *testing.T) {
	codec := testCodec(t)
	signer := testKeyring(t, 0x55)
	dest := mustAddress(t, testKeyring(t, 0x22), 42)

	leg, err := codec.encodeBalanceTransfer(dest, decimal.RequireFromString("1000"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	call := codec.encodeBatchAll(leg, leg, leg)
	ext, err := codec.Sign(call, signer, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := codec.DecodeBatchTransfer(ext.Bytes); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("want ErrNotRecognized, got %v", err)
	}
}

func TestDecodeRejectsTruncatedBlob(t *testing.T) {
	codec := testCodec(t)
	signer := testKeyring(t, 0x55)
	market := mustAddress(t, testKeyring(t, 0x22), 42)

	call, err := codec.EncodeInscribeTransfer("dota", decimal.RequireFromString("10"), decimal.RequireFromString("1000"), market)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ext, err := codec.Sign(call, signer, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := codec.DecodeInscribeTransfer(ext.Bytes[:len(ext.Bytes)-3]); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("truncated: want ErrNotRecognized, got %v", err)
	}
	padded := append(append([]byte{}, ext.Bytes...), 0x00)
	if _, err := codec.DecodeInscribeTransfer(padded); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("padded: want ErrNotRecognized, got %v", err)
	}
}

func TestDecodeRejectsNonCanonicalRemark(t *testing.T) {
	codec := testCodec(t)
	signer := testKeyring(t, 0x66)
	market := mustAddress(t, testKeyring(t, 0x22), 42)

	valueCall, err := codec.encodeBalanceTransfer(market, decimal.RequireFromString("1000"))
	if err != nil {
		t.Fatalf("encode value: %v", err)
	}

	payloads := []string{
		// Reordered keys.
		`{"op":"transfer","p":"dot-20","tick":"dota","amt":"5"}`,
		// Extra whitespace.
		`{"p": "dot-20","op":"transfer","tick":"dota","amt":"5"}`,
		// Unknown field.
		`{"p":"dot-20","op":"transfer","tick":"dota","amt":"5","memo":"x"}`,
		// Uppercase tick.
		`{"p":"dot-20","op":"transfer","tick":"DOTA","amt":"5"}`,
		// Non-integer amount.
		`{"p":"dot-20","op":"transfer","tick":"dota","amt":"5.5"}`,
		// Zero amount.
		`{"p":"dot-20","op":"transfer","tick":"dota","amt":"0"}`,
		// Wrong op.
		`{"p":"dot-20","op":"mint","tick":"dota","amt":"5"}`,
	}
	for _, payload := range payloads {
		var remark scaleWriter
		remark.byte(codec.Runtime.SystemPallet)
		remark.byte(codec.Runtime.RemarkWithEvent)
		remark.compactUint(uint64(len(payload)))
		remark.raw([]byte(payload))

		call := codec.encodeBatchAll(valueCall, remark.buf)
		ext, err := codec.Sign(call, signer, 0)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := codec.DecodeInscribeTransfer(ext.Bytes); !errors.Is(err, ErrNotRecognized) {
			t.Fatalf("payload %s: want ErrNotRecognized, got %v", payload, err)
		}
	}
}

func TestDecodeRejectsUnknownAsset(t *testing.T) {
	base := testCodec(t)
	wide := &Codec{Runtime: base.Runtime, Ticks: map[string]uint32{"zzzz": 999}}
	signer := testKeyring(t, 0x77)
	market := mustAddress(t, testKeyring(t, 0x22), 42)

	call, err := wide.EncodeInscribeTransfer("zzzz", decimal.RequireFromString("10"), decimal.RequireFromString("1000"), market)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ext, err := wide.Sign(call, signer, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := base.DecodeInscribeTransfer(ext.Bytes); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("want ErrNotRecognized, got %v", err)
	}
}

func TestSignerAddress(t *testing.T) {
	codec := testCodec(t)
	signer := testKeyring(t, 0x88)
	market := mustAddress(t, testKeyring(t, 0x22), 42)

	call, err := codec.EncodeInscribeTransfer("dota", decimal.RequireFromString("10"), decimal.RequireFromString("1000"), market)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ext, err := codec.Sign(call, signer, 9)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	addr, err := codec.SignerAddress(ext.Bytes)
	if err != nil {
		t.Fatalf("signer address: %v", err)
	}
	if addr != mustAddress(t, signer, 42) {
		t.Fatalf("signer: got %s", addr)
	}
}

func TestExtrinsicHash(t *testing.T) {
	h := ExtrinsicHash([]byte{0x01, 0x02})
	if !strings.HasPrefix(h, "0x") || len(h) != 66 {
		t.Fatalf("unexpected hash format %s", h)
	}
	if h != ExtrinsicHash([]byte{0x01, 0x02}) {
		t.Fatal("hash is not deterministic")
	}
}

func TestParseHash(t *testing.T) {
	in := "0x91b171bb158e2d3848fa23a9f1c25182fb8e20313b2c1eb49219da7a70ce90c3"
	got, err := ParseHash(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got[0] != 0x91 || got[31] != 0xc3 {
		t.Fatalf("unexpected bytes %x", got)
	}
	if _, err := ParseHash("0x1234"); err == nil {
		t.Fatal("short hash accepted")
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Fatal("non-hex hash accepted")
	}
}
