// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockbuild

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/decred/dcrd/blockchain/stake/v5"
	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/gcs/v4/blockcf2"
	"github.com/decred/dcrd/wire"
)

// maxExtraNonce bounds the header extra nonce values tried when solving.
const maxExtraNonce = 256

// Template describes the next block a node would accept on its current tip.
// The header carries the consensus fields the node expects (version, target
// difficulty, stake difficulty, final lottery state, pool size and stake
// version), StakeTxns holds the stake transactions (typically the votes on
// the tip) to include and Subsidy holds the subsidy for the block.
type Template struct {
	Header    wire.BlockHeader
	StakeTxns []*wire.MsgTx
	Subsidy   Subsidy
}

// PrevScript is a previous output script along with its version.
type PrevScript struct {
	Version uint16
	Script  []byte
}

// PrevScripts provides the scripts referenced by the inputs of a block.  It
// implements blockcf2.PrevScripter so it can be used to build the filter
// committed to by the version 1 commitment root.
type PrevScripts map[wire.OutPoint]PrevScript

// PrevScript returns the script and version of the passed outpoint and whether
// or not it was found.
func (p PrevScripts) PrevScript(op *wire.OutPoint) (uint16, []byte, bool) {
	s, ok := p[*op]
	if !ok {
		return 0, nil, false
	}
	return s.Version, s.Script, true
}

// AddSpend adds the script of the passed spendable output.
func (p PrevScripts) AddSpend(spend *SpendableOut) {
	scriptVer, pkScript := spend.PkScript()
	p[spend.PrevOut()] = PrevScript{Version: scriptVer, Script: pkScript}
}

// BuildBlock returns an unsolved block at the given height on top of prevHash
// with the passed coinbase as its only regular transaction.  The consensus
// header fields and stake transactions are taken from the template.  Further
// regular transactions may be appended before the block is finalized with
// FinalizeBlock.
func (b *Builder) BuildBlock(prevHash *chainhash.Hash, height uint32, coinbase *wire.MsgTx, timestamp time.Time, tmpl *Template) (*wire.MsgBlock, error) {
	if height < 2 {
		str := fmt.Sprintf("blocks at height %d can not be built", height)
		return nil, makeError(ErrInvalidTemplate, str)
	}
	var zeroHash chainhash.Hash
	if tmpl.Header.PrevBlock != zeroHash {
		if tmpl.Header.PrevBlock != *prevHash || tmpl.Header.Height != height {
			str := fmt.Sprintf("template for block %d on %v does not "+
				"describe block %d on %v", tmpl.Header.Height,
				tmpl.Header.PrevBlock, height, prevHash)
			return nil, makeError(ErrInvalidTemplate, str)
		}
	}

	header := tmpl.Header
	header.PrevBlock = *prevHash
	header.Height = height
	header.MerkleRoot = chainhash.Hash{}
	header.StakeRoot = chainhash.Hash{}
	header.Size = 0
	header.Timestamp = time.Unix(timestamp.Unix(), 0)
	header.Nonce = 0
	header.ExtraData = [32]byte{}
	if b.cfg.BlockVersion != 0 {
		header.Version = b.cfg.BlockVersion
	}

	stakeTxns := make([]*wire.MsgTx, 0, len(tmpl.StakeTxns)+1)
	if b.cfg.TreasurySemantics == TSDCP0006 {
		treasuryBase, err := b.BuildTreasuryBase(height, tmpl.Subsidy)
		if err != nil {
			return nil, err
		}
		stakeTxns = append(stakeTxns, treasuryBase)
	}
	for _, stx := range tmpl.StakeTxns {
		if stake.DetermineTxType(stx) == stake.TxTypeTreasuryBase {
			continue
		}
		stakeTxns = append(stakeTxns, stx)
	}

	block := &wire.MsgBlock{
		Header:        header,
		Transactions:  []*wire.MsgTx{coinbase},
		STransactions: stakeTxns,
	}
	return block, nil
}

// countStakeTxns returns the number of votes, ticket purchases and
// revocations in the passed stake tree.
func countStakeTxns(stakeTxns []*wire.MsgTx) (uint16, uint8, uint8) {
	var voters uint16
	var freshStake, revocations uint8
	for _, stx := range stakeTxns {
		switch stake.DetermineTxType(stx) {
		case stake.TxTypeSSGen:
			voters++
		case stake.TxTypeSStx:
			freshStake++
		case stake.TxTypeSSRtx:
			revocations++
		}
	}
	return voters, freshStake, revocations
}

// calcBlockMerkleRoot calculates and returns a merkle root depending on
// whether header commitments are active.  Before they are, it returns the
// merkle root of the regular transaction tree.  Once they are, it returns the
// combined merkle root for the regular and stake transaction trees in
// accordance with DCP0005.
func calcBlockMerkleRoot(regularTxns, stakeTxns []*wire.MsgTx, hdrCmtActive bool) chainhash.Hash {
	if !hdrCmtActive {
		return standalone.CalcTxTreeMerkleRoot(regularTxns)
	}
	return standalone.CalcCombinedTxTreeMerkleRoot(regularTxns, stakeTxns)
}

// calcStakeRoot calculates the stake root of the block.  Once header
// commitments are active, it is the version 1 commitment root, which is the
// hash of the version 2 regular filter of the block.
func calcStakeRoot(block *wire.MsgBlock, prevScripts blockcf2.PrevScripter, hdrCmtActive bool) (chainhash.Hash, error) {
	if !hdrCmtActive {
		return standalone.CalcTxTreeMerkleRoot(block.STransactions), nil
	}
	if prevScripts == nil {
		prevScripts = PrevScripts{}
	}
	filter, err := blockcf2.Regular(block, prevScripts)
	if err != nil {
		str := fmt.Sprintf("failed to calculate commitment root: %v", err)
		return chainhash.Hash{}, makeError(ErrCalcCommitmentRoot, str)
	}
	return filter.Hash(), nil
}

// FinalizeBlock recalculates the stake counts, merkle root, stake root and
// size of the passed block and then solves it.  The block is modified in
// place and returned.
//
// The scripts of all outputs spent by the regular transactions of the block
// must be available from prevScripts when header commitments are active.
//
// A block that is already solved and whose contents are unchanged is returned
// without modification, so finalizing a block more than once is idempotent.
func (b *Builder) FinalizeBlock(block *wire.MsgBlock, prevScripts blockcf2.PrevScripter) (*wire.MsgBlock, error) {
	header := &block.Header
	orig := *header

	header.Voters, header.FreshStake, header.Revocations =
		countStakeTxns(block.STransactions)
	hdrCmtActive := b.cfg.HeaderCommitments
	header.MerkleRoot = calcBlockMerkleRoot(block.Transactions,
		block.STransactions, hdrCmtActive)
	stakeRoot, err := calcStakeRoot(block, prevScripts, hdrCmtActive)
	if err != nil {
		return nil, err
	}
	header.StakeRoot = stakeRoot
	header.Size = uint32(block.SerializeSize())

	if *header == orig && b.IsSolved(header) {
		return block, nil
	}
	if err := b.solveBlock(header); err != nil {
		return nil, err
	}

	log.Debugf("Finalized block %v (height %d, %d transactions, %d stake "+
		"transactions, nonce %d)", block.BlockHash(), header.Height,
		len(block.Transactions), len(block.STransactions), header.Nonce)
	return block, nil
}

// powHashFunc returns the proof of work hash function for the passed header
// according to the configured algorithm.
func (b *Builder) powHashFunc(header *wire.BlockHeader) (func() chainhash.Hash, error) {
	switch b.cfg.PowHashAlgo {
	case PHABlake256r14:
		return header.PowHashV1, nil
	case PHABlake3:
		return header.PowHashV2, nil
	}
	str := fmt.Sprintf("unsupported proof of work hash algorithm %v",
		b.cfg.PowHashAlgo)
	return nil, makeError(ErrUnsolvable, str)
}

// IsSolved returns whether or not the header hashes to a value that is less
// than or equal to the target difficulty as specified by its bits field while
// respecting the configured proof of work hashing algorithm.
func (b *Builder) IsSolved(header *wire.BlockHeader) bool {
	powHash, err := b.powHashFunc(header)
	if err != nil {
		return false
	}
	hash := powHash()
	target := standalone.CompactToBig(header.Bits)
	return target.Sign() > 0 && standalone.HashToBig(&hash).Cmp(target) <= 0
}

// solveBlock searches for a nonce and extra nonce which make the passed block
// header hash to a value less than or equal to the target difficulty.  The
// search always starts from zero so the solution only depends on the header
// contents.
func (b *Builder) solveBlock(header *wire.BlockHeader) error {
	powHash, err := b.powHashFunc(header)
	if err != nil {
		return err
	}
	target := standalone.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		str := fmt.Sprintf("block %d has an invalid target difficulty "+
			"%08x", header.Height, header.Bits)
		return makeError(ErrUnsolvable, str)
	}

	for extraNonce := uint64(0); extraNonce < maxExtraNonce; extraNonce++ {
		binary.LittleEndian.PutUint64(header.ExtraData[0:8], extraNonce)
		for nonce := uint32(0); ; nonce++ {
			header.Nonce = nonce
			hash := powHash()
			if standalone.HashToBig(&hash).Cmp(target) <= 0 {
				return nil
			}
			if nonce == math.MaxUint32 {
				break
			}
		}
	}

	str := fmt.Sprintf("unable to solve block %d with target difficulty "+
		"%08x", header.Height, header.Bits)
	return makeError(ErrUnsolvable, str)
}
