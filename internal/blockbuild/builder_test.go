// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockbuild

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/stdscript"
	"github.com/decred/dcrd/wire"
)

// hexToBytes converts the passed hex string into bytes and will panic if there
// is an error.  This is only provided for the hard-coded constants so errors in
// the source code can be detected.  It will only (and must only) be called with
// hard-coded values.
func hexToBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("invalid hex in source file: " + s)
	}
	return b
}

// testSigner returns a signer for a fixed key on the passed network.
func testSigner(t *testing.T, params *chaincfg.Params) *Signer {
	t.Helper()

	privKey := secp256k1.PrivKeyFromBytes(hexToBytes("eaf02ca348c524e6392655" +
		"ba4d29603cd1a7347d9d65cfe93ce1ebffdca22694"))
	signer, err := NewSigner(privKey, params)
	if err != nil {
		t.Fatalf("unable to create signer: %v", err)
	}
	return signer
}

// testBuilder returns a simnet builder with the passed treasury semantics.
func testBuilder(t *testing.T, semantics TreasurySemantics) *Builder {
	t.Helper()

	params := chaincfg.SimNetParams()
	return New(&Config{
		Params:            params,
		Signer:            testSigner(t, params),
		TreasurySemantics: semantics,
		PowHashAlgo:       PHABlake256r14,
	})
}

// testSubsidy is the subsidy used for all generated coinbases.
var testSubsidy = Subsidy{Developer: 3e8, PoW: 30e8}

// TestBuildCoinbase ensures coinbases have the layout required by each of the
// treasury semantics and pay the proof of work subsidy to the signer.
func TestBuildCoinbase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		semantics   TreasurySemantics
		wantVersion uint16
		wantOutputs int
		wantValueIn int64
		powOutput   int
	}{{
		name:        "original treasury semantics",
		semantics:   TSOriginal,
		wantVersion: 1,
		wantOutputs: 3,
		wantValueIn: 33e8,
		powOutput:   2,
	}, {
		name:        "decentralized treasury semantics",
		semantics:   TSDCP0006,
		wantVersion: wire.TxVersionTreasury,
		wantOutputs: 2,
		wantValueIn: 30e8,
		powOutput:   1,
	}}

	for _, test := range tests {
		b := testBuilder(t, test.semantics)
		tx, err := b.BuildCoinbase(1250, testSubsidy, 7)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", test.name, err)
			continue
		}

		isTreasuryEnabled := test.semantics == TSDCP0006
		if !standalone.IsCoinBaseTx(tx, isTreasuryEnabled) {
			t.Errorf("%q: transaction is not a coinbase", test.name)
			continue
		}
		if tx.Version != test.wantVersion {
			t.Errorf("%q: version %d, want %d", test.name, tx.Version,
				test.wantVersion)
		}
		if len(tx.TxOut) != test.wantOutputs {
			t.Errorf("%q: %d outputs, want %d", test.name, len(tx.TxOut),
				test.wantOutputs)
			continue
		}
		if tx.TxIn[0].ValueIn != test.wantValueIn {
			t.Errorf("%q: value in %d, want %d", test.name,
				tx.TxIn[0].ValueIn, test.wantValueIn)
		}

		_, pkScript := b.Signer().PaymentScript()
		powOut := tx.TxOut[test.powOutput]
		if powOut.Value != int64(testSubsidy.PoW) ||
			!bytes.Equal(powOut.PkScript, pkScript) {
			t.Errorf("%q: unexpected pow output %v/%x", test.name,
				powOut.Value, powOut.PkScript)
		}
		opReturn := tx.TxOut[test.powOutput-1]
		if stdscript.DetermineScriptType(opReturn.Version, opReturn.PkScript) !=
			stdscript.STNullData {
			t.Errorf("%q: output %d is not a null data output", test.name,
				test.powOutput-1)
		}
		if test.semantics == TSOriginal {
			params := b.Params()
			if !bytes.Equal(tx.TxOut[0].PkScript, params.OrganizationPkScript) {
				t.Errorf("%q: treasury output does not pay the "+
					"organization", test.name)
			}
		}
	}
}

// TestCoinbaseUniqueness ensures coinbases differ by height and extra nonce and
// are otherwise deterministic.
func TestCoinbaseUniqueness(t *testing.T) {
	t.Parallel()

	b := testBuilder(t, TSOriginal)
	mustCoinbase := func(height uint32, extraNonce uint64) chainhash.Hash {
		tx, err := b.BuildCoinbase(height, testSubsidy, extraNonce)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return tx.TxHash()
	}

	if mustCoinbase(10, 1) != mustCoinbase(10, 1) {
		t.Fatal("coinbase is not deterministic")
	}
	if mustCoinbase(10, 1) == mustCoinbase(11, 1) {
		t.Fatal("coinbases at different heights share a hash")
	}
	if mustCoinbase(10, 1) == mustCoinbase(10, 2) {
		t.Fatal("coinbases with different extra nonces share a hash")
	}
}

// TestBuildTreasuryBase ensures the treasurybase is recognized as such.
func TestBuildTreasuryBase(t *testing.T) {
	t.Parallel()

	b := testBuilder(t, TSDCP0006)
	tx, err := b.BuildTreasuryBase(1250, testSubsidy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !standalone.IsTreasuryBase(tx) {
		t.Fatal("transaction is not a treasurybase")
	}
	if tx.TxIn[0].ValueIn != int64(testSubsidy.Developer) {
		t.Fatalf("value in %d, want %d", tx.TxIn[0].ValueIn,
			testSubsidy.Developer)
	}
}

// coinbaseSpend returns a spendable output for the proof of work output of a
// coinbase built by b at the given height.
func coinbaseSpend(t *testing.T, b *Builder, height uint32) SpendableOut {
	t.Helper()

	coinbase, err := b.BuildCoinbase(height, testSubsidy, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, pkScript := b.Signer().PaymentScript()
	block := &wire.MsgBlock{
		Header:       wire.BlockHeader{Height: height},
		Transactions: []*wire.MsgTx{coinbase},
	}
	spend, err := FindSpendableOut(block, 0, pkScript)
	if err != nil {
		t.Fatalf("unable to find spendable output: %v", err)
	}
	return spend
}

// TestBuildSpend ensures spends are validly signed and pay the expected
// outputs.
func TestBuildSpend(t *testing.T) {
	t.Parallel()

	b := testBuilder(t, TSOriginal)
	spend := coinbaseSpend(t, b, 2)
	if spend.BlockHeight() != 2 || spend.BlockIndex() != 0 {
		t.Fatalf("unexpected spendable output location %d/%d",
			spend.BlockHeight(), spend.BlockIndex())
	}
	if spend.PrevOut().Index != 2 {
		t.Fatalf("unexpected output index %d", spend.PrevOut().Index)
	}

	dest := []byte{txscript.OP_TRUE}
	tests := []struct {
		name        string
		amount      dcrutil.Amount
		fee         dcrutil.Amount
		wantOutputs int
	}{{
		name:        "with change",
		amount:      1e8,
		fee:         1e4,
		wantOutputs: 2,
	}, {
		name:        "change below the minimum folds into the fee",
		amount:      spend.Amount() - 1e4 - minChangeAmount + 1,
		fee:         1e4,
		wantOutputs: 1,
	}, {
		name:        "exact spend",
		amount:      spend.Amount() - 1e4,
		fee:         1e4,
		wantOutputs: 1,
	}}

	_, pkScript := spend.PkScript()
	for _, test := range tests {
		tx, err := b.BuildSpend(&spend, 0, dest, test.amount, test.fee)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", test.name, err)
			continue
		}
		if len(tx.TxOut) != test.wantOutputs {
			t.Errorf("%q: %d outputs, want %d", test.name, len(tx.TxOut),
				test.wantOutputs)
			continue
		}
		if tx.TxOut[0].Value != int64(test.amount) {
			t.Errorf("%q: pays %d, want %d", test.name, tx.TxOut[0].Value,
				test.amount)
		}
		if tx.TxIn[0].ValueIn != int64(spend.Amount()) {
			t.Errorf("%q: value in %d, want %d", test.name,
				tx.TxIn[0].ValueIn, spend.Amount())
		}

		vm, err := txscript.NewEngine(pkScript, tx, 0, 0, 0, nil)
		if err != nil {
			t.Errorf("%q: unable to create engine: %v", test.name, err)
			continue
		}
		if err := vm.Execute(); err != nil {
			t.Errorf("%q: spend does not validate: %v", test.name, err)
		}
	}
}

// TestBuildSpendErrors ensures impossible spends are rejected.
func TestBuildSpendErrors(t *testing.T) {
	t.Parallel()

	b := testBuilder(t, TSOriginal)
	spend := coinbaseSpend(t, b, 2)
	dest := []byte{txscript.OP_TRUE}

	notOwned, err := MakeSpendableOut(&wire.MsgBlock{
		Header: wire.BlockHeader{Height: 2},
		Transactions: []*wire.MsgTx{{
			TxOut: []*wire.TxOut{{Value: 5e8, PkScript: dest}},
		}},
	}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		spend  *SpendableOut
		amount dcrutil.Amount
		fee    dcrutil.Amount
	}{
		{"zero amount", &spend, 0, 1e4},
		{"negative fee", &spend, 1e8, -1},
		{"exceeds output", &spend, spend.Amount(), 1},
		{"not owned by signer", &notOwned, 1e8, 1e4},
	}
	for _, test := range tests {
		_, err := b.BuildSpend(test.spend, 0, dest, test.amount, test.fee)
		if !errors.Is(err, ErrInvalidSpend) {
			t.Errorf("%q: unexpected error -- got %v, want %v", test.name,
				err, ErrInvalidSpend)
		}
	}

	if _, err := MakeSpendableOut(&wire.MsgBlock{}, 0, 0); !errors.Is(err,
		ErrInvalidSpend) {
		t.Errorf("unexpected error for missing transaction: %v", err)
	}
}

// TestSignerWIF ensures signers survive a WIF round trip and reject keys for
// other networks.
func TestSignerWIF(t *testing.T) {
	t.Parallel()

	params := chaincfg.SimNetParams()
	signer := testSigner(t, params)
	wif, err := signer.WIF()
	if err != nil {
		t.Fatalf("unable to encode WIF: %v", err)
	}
	decoded, err := DecodeSigner(wif, params)
	if err != nil {
		t.Fatalf("unable to decode WIF: %v", err)
	}
	if decoded.Address().String() != signer.Address().String() {
		t.Fatalf("address mismatch: got %v, want %v", decoded.Address(),
			signer.Address())
	}

	_, err = DecodeSigner(wif, chaincfg.MainNetParams())
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("unexpected error -- got %v, want %v", err, ErrInvalidKey)
	}
	_, err = DecodeSigner("not a key", params)
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("unexpected error -- got %v, want %v", err, ErrInvalidKey)
	}

	generated, err := GenerateSigner(params)
	if err != nil {
		t.Fatalf("unable to generate signer: %v", err)
	}
	if generated.Address().String() == signer.Address().String() {
		t.Fatal("generated signer reused the fixed key")
	}
}
