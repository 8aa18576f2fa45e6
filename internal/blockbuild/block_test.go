// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockbuild

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
)

// testTimestamp is the timestamp of all generated blocks.
var testTimestamp = time.Unix(1700000000, 0)

// testTemplate returns a template for a simnet block at the given height.
func testTemplate(params *chaincfg.Params, prevHash *chainhash.Hash, height uint32) *Template {
	return &Template{
		Header: wire.BlockHeader{
			Version:      10,
			PrevBlock:    *prevHash,
			VoteBits:     1,
			Bits:         params.PowLimitBits,
			SBits:        20000,
			Height:       height,
			StakeVersion: 10,
		},
		Subsidy: testSubsidy,
	}
}

// serializeBlock returns the serialized bytes of the passed block.
func serializeBlock(t *testing.T, block *wire.MsgBlock) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		t.Fatalf("unable to serialize block: %v", err)
	}
	return buf.Bytes()
}

// buildSpendBlock returns an unsolved block at the given height which holds a
// spend of the coinbase at height 2 along with the scripts it spends.
func buildSpendBlock(t *testing.T, b *Builder, height uint32) (*wire.MsgBlock, PrevScripts) {
	t.Helper()

	spend := coinbaseSpend(t, b, 2)
	spendTx, err := b.BuildSpend(&spend, 0, []byte{txscript.OP_TRUE}, 1e8, 1e4)
	if err != nil {
		t.Fatalf("unable to build spend: %v", err)
	}
	coinbase, err := b.BuildCoinbase(height, testSubsidy, 0)
	if err != nil {
		t.Fatalf("unable to build coinbase: %v", err)
	}

	prevHash := chainhash.HashH([]byte("parent"))
	tmpl := testTemplate(b.Params(), &prevHash, height)
	block, err := b.BuildBlock(&prevHash, height, coinbase, testTimestamp, tmpl)
	if err != nil {
		t.Fatalf("unable to build block: %v", err)
	}
	block.Transactions = append(block.Transactions, spendTx)

	prevScripts := PrevScripts{}
	prevScripts.AddSpend(&spend)
	return block, prevScripts
}

// TestFinalizeBlockIdempotent ensures finalizing a block produces a solved
// block with correct commitments and that finalizing it again leaves it
// bit-identical for all supported configurations.
func TestFinalizeBlockIdempotent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		semantics  TreasurySemantics
		powHash    PowHashAlgorithm
		hdrCmts    bool
		stakeCount int
	}{{
		name:      "original semantics blake256",
		semantics: TSOriginal,
		powHash:   PHABlake256r14,
	}, {
		name:      "original semantics blake3 header commitments",
		semantics: TSOriginal,
		powHash:   PHABlake3,
		hdrCmts:   true,
	}, {
		name:       "dcp0006 semantics blake3 header commitments",
		semantics:  TSDCP0006,
		powHash:    PHABlake3,
		hdrCmts:    true,
		stakeCount: 1,
	}, {
		name:       "dcp0006 semantics blake256",
		semantics:  TSDCP0006,
		powHash:    PHABlake256r14,
		stakeCount: 1,
	}}

	for _, test := range tests {
		params := chaincfg.SimNetParams()
		b := New(&Config{
			Params:            params,
			Signer:            testSigner(t, params),
			TreasurySemantics: test.semantics,
			PowHashAlgo:       test.powHash,
			HeaderCommitments: test.hdrCmts,
		})

		block, prevScripts := buildSpendBlock(t, b, 1251)
		if _, err := b.FinalizeBlock(block, prevScripts); err != nil {
			t.Errorf("%q: unable to finalize: %v", test.name, err)
			continue
		}
		if !b.IsSolved(&block.Header) {
			t.Errorf("%q: finalized block is not solved", test.name)
			continue
		}
		if len(block.STransactions) != test.stakeCount {
			t.Errorf("%q: %d stake transactions, want %d", test.name,
				len(block.STransactions), test.stakeCount)
		}
		if test.stakeCount == 1 && !standalone.IsTreasuryBase(block.STransactions[0]) {
			t.Errorf("%q: stake tree does not start with a treasurybase",
				test.name)
		}

		wantMerkle := standalone.CalcTxTreeMerkleRoot(block.Transactions)
		if test.hdrCmts {
			wantMerkle = standalone.CalcCombinedTxTreeMerkleRoot(
				block.Transactions, block.STransactions)
		}
		if block.Header.MerkleRoot != wantMerkle {
			t.Errorf("%q: merkle root %v, want %v", test.name,
				block.Header.MerkleRoot, wantMerkle)
		}
		if block.Header.Size != uint32(block.SerializeSize()) {
			t.Errorf("%q: size %d, want %d", test.name, block.Header.Size,
				block.SerializeSize())
		}

		first := serializeBlock(t, block)
		if _, err := b.FinalizeBlock(block, prevScripts); err != nil {
			t.Errorf("%q: unable to finalize again: %v", test.name, err)
			continue
		}
		second := serializeBlock(t, block)
		if !bytes.Equal(first, second) {
			t.Errorf("%q: finalizing twice changed the block\nfirst: %x\n"+
				"second: %x", test.name, first, second)
			continue
		}

		// Building and finalizing the same contents from scratch must
		// arrive at the same solution.
		rebuilt, rebuiltScripts := buildSpendBlock(t, b, 1251)
		if _, err := b.FinalizeBlock(rebuilt, rebuiltScripts); err != nil {
			t.Errorf("%q: unable to finalize rebuilt block: %v", test.name,
				err)
			continue
		}
		if rebuilt.BlockHash() != block.BlockHash() {
			t.Errorf("%q: rebuilt block differs: %v", test.name,
				spew.Sdump(rebuilt.Header))
		}
	}
}

// TestFinalizeBlockRecomputes ensures changing the contents of a finalized
// block and finalizing it again updates the commitments and solution.
func TestFinalizeBlockRecomputes(t *testing.T) {
	t.Parallel()

	b := testBuilder(t, TSOriginal)
	block, prevScripts := buildSpendBlock(t, b, 1251)
	if _, err := b.FinalizeBlock(block, prevScripts); err != nil {
		t.Fatalf("unable to finalize: %v", err)
	}
	origHash := block.BlockHash()
	origMerkle := block.Header.MerkleRoot

	// Replace the spend with one paying a different amount.
	spend := coinbaseSpend(t, b, 2)
	replacement, err := b.BuildSpend(&spend, 0, []byte{txscript.OP_TRUE}, 2e8,
		1e4)
	if err != nil {
		t.Fatalf("unable to build spend: %v", err)
	}
	block.Transactions[1] = replacement
	if _, err := b.FinalizeBlock(block, prevScripts); err != nil {
		t.Fatalf("unable to finalize: %v", err)
	}
	if block.Header.MerkleRoot == origMerkle {
		t.Fatal("merkle root was not recalculated")
	}
	if block.BlockHash() == origHash {
		t.Fatal("block hash did not change")
	}
	if !b.IsSolved(&block.Header) {
		t.Fatal("block is not solved")
	}
}

// TestBuildBlockErrors ensures invalid block requests are rejected.
func TestBuildBlockErrors(t *testing.T) {
	t.Parallel()

	b := testBuilder(t, TSOriginal)
	params := b.Params()
	coinbase, err := b.BuildCoinbase(10, testSubsidy, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prevHash := chainhash.HashH([]byte("parent"))
	otherHash := chainhash.HashH([]byte("other"))

	tests := []struct {
		name     string
		prevHash *chainhash.Hash
		height   uint32
		tmpl     *Template
	}{
		{"block one", &prevHash, 1, testTemplate(params, &prevHash, 1)},
		{"template for another parent", &prevHash, 10,
			testTemplate(params, &otherHash, 10)},
		{"template for another height", &prevHash, 10,
			testTemplate(params, &prevHash, 11)},
	}
	for _, test := range tests {
		_, err := b.BuildBlock(test.prevHash, test.height, coinbase,
			testTimestamp, test.tmpl)
		if !errors.Is(err, ErrInvalidTemplate) {
			t.Errorf("%q: unexpected error -- got %v, want %v", test.name,
				err, ErrInvalidTemplate)
		}
	}
}

// TestFinalizeBlockErrors ensures blocks whose commitments can not be
// calculated or which can not be solved are rejected.
func TestFinalizeBlockErrors(t *testing.T) {
	t.Parallel()

	params := chaincfg.SimNetParams()
	b := New(&Config{
		Params:            params,
		Signer:            testSigner(t, params),
		HeaderCommitments: true,
	})
	block, _ := buildSpendBlock(t, b, 1251)
	_, err := b.FinalizeBlock(block, nil)
	if !errors.Is(err, ErrCalcCommitmentRoot) {
		t.Fatalf("unexpected error -- got %v, want %v", err,
			ErrCalcCommitmentRoot)
	}

	b = testBuilder(t, TSOriginal)
	block, prevScripts := buildSpendBlock(t, b, 1251)
	block.Header.Bits = 0
	_, err = b.FinalizeBlock(block, prevScripts)
	if !errors.Is(err, ErrUnsolvable) {
		t.Fatalf("unexpected error -- got %v, want %v", err, ErrUnsolvable)
	}
}
