// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockbuild

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/sign"
	"github.com/decred/dcrd/txscript/v4/stdscript"
	"github.com/decred/dcrd/wire"
)

// TreasurySemantics defines the supported treasury semantics the builder can
// use when creating coinbases.
type TreasurySemantics uint8

const (
	// TSOriginal specifies the original treasury semantics that were in effect
	// at initial launch.
	TSOriginal TreasurySemantics = iota

	// TSDCP0006 specifies the decentralized treasury semantics introduced by
	// DCP0006.
	TSDCP0006
)

// String returns the treasury semantics as the name used in configuration.
func (s TreasurySemantics) String() string {
	switch s {
	case TSOriginal:
		return "original"
	case TSDCP0006:
		return "dcp0006"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// PowHashAlgorithm defines the supported proof of work hash functions the
// builder can use when solving blocks.
type PowHashAlgorithm uint8

const (
	// PHABlake256r14 specifies the original blake256 hashing algorithm with 14
	// rounds that was in effect at initial launch.
	PHABlake256r14 PowHashAlgorithm = iota

	// PHABlake3 specifies the blake3 hashing algorithm introduced by DCP0011.
	PHABlake3
)

// String returns the hash algorithm as the name used in configuration.
func (a PowHashAlgorithm) String() string {
	switch a {
	case PHABlake256r14:
		return "blake256"
	case PHABlake3:
		return "blake3"
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

// minChangeAmount is the smallest change output a spend creates.  Smaller
// change is added to the fee instead so the canonical spend is never
// rejected by policy as dust.
const minChangeAmount = dcrutil.Amount(100000)

var (
	// coinbaseSigScript is the signature script of every coinbase the builder
	// creates.
	coinbaseSigScript = []byte{txscript.OP_0, txscript.OP_0}

	// opTrueScript is the treasury output script used when the network has
	// no block tax.
	opTrueScript = []byte{txscript.OP_TRUE}
)

// Config houses the parameters of a Builder.
type Config struct {
	// Params identifies the network the blocks are built for.
	Params *chaincfg.Params

	// Signer controls every output the builder pays to and spends.
	Signer *Signer

	// TreasurySemantics selects the coinbase layout.
	TreasurySemantics TreasurySemantics

	// PowHashAlgo selects the proof of work hash function.
	PowHashAlgo PowHashAlgorithm

	// HeaderCommitments selects the combined merkle root and the version 1
	// commitment root (DCP0005) instead of the per tree merkle roots.
	HeaderCommitments bool

	// BlockVersion overrides the block version of templates when non-zero.
	BlockVersion int32
}

// Builder constructs coinbases, spends and blocks for a single network.
type Builder struct {
	cfg Config
}

// New returns a builder for the passed configuration.
func New(cfg *Config) *Builder {
	return &Builder{cfg: *cfg}
}

// Params returns the network parameters of the builder.
func (b *Builder) Params() *chaincfg.Params {
	return b.cfg.Params
}

// Signer returns the signer controlling the outputs of the builder.
func (b *Builder) Signer() *Signer {
	return b.cfg.Signer
}

// HeaderCommitments returns whether blocks commit to the scripts spent by
// their inputs, which requires them to be known when finalizing a block.
func (b *Builder) HeaderCommitments() bool {
	return b.cfg.HeaderCommitments
}

// Subsidy houses the portions of the block subsidy paid by a coinbase and
// treasurybase.
type Subsidy struct {
	Developer dcrutil.Amount
	PoW       dcrutil.Amount
}

// coinbaseOpReturnScript returns the provably pruneable script that makes the
// coinbase at the given height unique.  The pushed data is the block height
// followed by the extra nonce.
func coinbaseOpReturnScript(height uint32, extraNonce uint64) ([]byte, error) {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], height)
	binary.LittleEndian.PutUint64(data[4:12], extraNonce)
	return stdscript.ProvablyPruneableScriptV0(data)
}

// nullInput returns the input shared by coinbases and treasurybases, which
// have no real inputs.
func nullInput(valueIn int64, sigScript []byte) *wire.TxIn {
	return &wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex, wire.TxTreeRegular),
		Sequence:        wire.MaxTxInSequenceNum,
		ValueIn:         valueIn,
		BlockHeight:     wire.NullBlockHeight,
		BlockIndex:      wire.NullBlockIndex,
		SignatureScript: sigScript,
	}
}

// BuildCoinbase returns a coinbase for the block at the given height paying
// the proof of work subsidy to the signer.
//
// For the TSOriginal treasury semantics the outputs are:
//   - First output pays the developer subsidy to the organization
//   - Second output is the provably pruneable height and extra nonce output
//   - Third output pays the proof of work subsidy to the signer
//
// For the TSDCP0006 treasury semantics the developer subsidy is paid by the
// treasurybase in the stake tree instead, so the outputs are:
//   - First output is the provably pruneable height and extra nonce output
//   - Second output pays the proof of work subsidy to the signer
func (b *Builder) BuildCoinbase(height uint32, subsidy Subsidy, extraNonce uint64) (*wire.MsgTx, error) {
	opReturnScript, err := coinbaseOpReturnScript(height, extraNonce)
	if err != nil {
		return nil, err
	}
	params := b.cfg.Params

	var treasuryOutput *wire.TxOut
	var treasurySubsidy int64
	txVersion := uint16(1)
	switch b.cfg.TreasurySemantics {
	case TSOriginal:
		if params.BlockTaxProportion > 0 {
			treasurySubsidy = int64(subsidy.Developer)
			treasuryOutput = &wire.TxOut{
				Value:    treasurySubsidy,
				Version:  params.OrganizationPkScriptVersion,
				PkScript: params.OrganizationPkScript,
			}
		} else {
			treasuryOutput = &wire.TxOut{Value: 0, PkScript: opTrueScript}
		}
	case TSDCP0006:
		txVersion = wire.TxVersionTreasury
	default:
		str := fmt.Sprintf("unsupported treasury semantics %v",
			b.cfg.TreasurySemantics)
		return nil, makeError(ErrInvalidTemplate, str)
	}

	scriptVer, pkScript := b.cfg.Signer.PaymentScript()
	tx := wire.NewMsgTx()
	tx.Version = txVersion
	tx.AddTxIn(nullInput(int64(subsidy.PoW)+treasurySubsidy, coinbaseSigScript))
	if treasuryOutput != nil {
		tx.AddTxOut(treasuryOutput)
	}
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: opReturnScript})
	tx.AddTxOut(&wire.TxOut{
		Value:    int64(subsidy.PoW),
		Version:  scriptVer,
		PkScript: pkScript,
	})
	return tx, nil
}

// BuildTreasuryBase returns the stake tree treasurybase required by the
// TSDCP0006 treasury semantics for the block at the given height.
func (b *Builder) BuildTreasuryBase(height uint32, subsidy Subsidy) (*wire.MsgTx, error) {
	opReturnScript, err := coinbaseOpReturnScript(height, 0)
	if err != nil {
		return nil, err
	}

	// The signature script must be nil by consensus.
	tx := wire.NewMsgTx()
	tx.Version = wire.TxVersionTreasury
	tx.AddTxIn(nullInput(int64(subsidy.Developer), nil))
	tx.AddTxOut(&wire.TxOut{
		Value:    int64(subsidy.Developer),
		PkScript: []byte{txscript.OP_TADD},
	})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: opReturnScript})
	return tx, nil
}

// BuildSpend returns a transaction that spends the passed output, which must
// pay to the signer, sending amount to the destination script and the
// remainder less the fee back to the signer.  The input is signed with a
// canonical signature.
func (b *Builder) BuildSpend(spend *SpendableOut, destVer uint16, dest []byte, amount, fee dcrutil.Amount) (*wire.MsgTx, error) {
	if amount <= 0 || fee < 0 {
		str := fmt.Sprintf("invalid spend amount %v with fee %v", amount, fee)
		return nil, makeError(ErrInvalidSpend, str)
	}
	if amount+fee > spend.Amount() {
		str := fmt.Sprintf("spend of %v with fee %v exceeds the output "+
			"value %v", amount, fee, spend.Amount())
		return nil, makeError(ErrInvalidSpend, str)
	}

	signerVer, signerScript := b.cfg.Signer.PaymentScript()
	spendVer, spendScript := spend.PkScript()
	if spendVer != signerVer || !bytes.Equal(spendScript, signerScript) {
		str := fmt.Sprintf("output %v does not pay to the signer",
			spend.PrevOut())
		return nil, makeError(ErrInvalidSpend, str)
	}

	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: spend.PrevOut(),
		Sequence:         wire.MaxTxInSequenceNum,
		ValueIn:          int64(spend.Amount()),
		BlockHeight:      spend.BlockHeight(),
		BlockIndex:       spend.BlockIndex(),
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    int64(amount),
		Version:  destVer,
		PkScript: dest,
	})
	if change := spend.Amount() - amount - fee; change >= minChangeAmount {
		tx.AddTxOut(&wire.TxOut{
			Value:    int64(change),
			Version:  signerVer,
			PkScript: signerScript,
		})
	}

	sigScript, err := sign.SignatureScript(tx, 0, spendScript,
		txscript.SigHashAll, b.cfg.Signer.privKeyBytes(),
		dcrec.STEcdsaSecp256k1, true)
	if err != nil {
		str := fmt.Sprintf("unable to sign spend of %v: %v", spend.PrevOut(),
			err)
		return nil, makeError(ErrSigning, str)
	}
	tx.TxIn[0].SignatureScript = sigScript

	log.Debugf("Built spend %v of %v paying %v (fee %v)", tx.TxHash(),
		spend.PrevOut(), amount, fee)
	return tx, nil
}
