// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockbuild

import (
	"bytes"
	"fmt"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
)

// SpendableOut represents a transaction output that is spendable along with
// additional metadata such as the block its in, how much it pays and the
// script it pays to.
type SpendableOut struct {
	prevOut     wire.OutPoint
	blockHeight uint32
	blockIndex  uint32
	amount      dcrutil.Amount
	scriptVer   uint16
	pkScript    []byte
}

// PrevOut returns the outpoint associated with the spendable output.
func (s *SpendableOut) PrevOut() wire.OutPoint {
	return s.prevOut
}

// BlockHeight returns the block height of the block the spendable output is in.
func (s *SpendableOut) BlockHeight() uint32 {
	return s.blockHeight
}

// BlockIndex returns the offset into the block the spendable output is in.
func (s *SpendableOut) BlockIndex() uint32 {
	return s.blockIndex
}

// Amount returns the amount associated with the spendable output.
func (s *SpendableOut) Amount() dcrutil.Amount {
	return s.amount
}

// PkScript returns the script version and public key script of the output.
func (s *SpendableOut) PkScript() (uint16, []byte) {
	return s.scriptVer, s.pkScript
}

// MakeSpendableOutForTx returns a spendable output for the given regular
// transaction, block height, transaction index within the block and
// transaction output index within the transaction.
func MakeSpendableOutForTx(tx *wire.MsgTx, blockHeight, txIndex, txOutIndex uint32) (SpendableOut, error) {
	if int(txOutIndex) >= len(tx.TxOut) {
		str := fmt.Sprintf("output index %d is out of range for transaction "+
			"%v with %d outputs", txOutIndex, tx.TxHash(), len(tx.TxOut))
		return SpendableOut{}, makeError(ErrInvalidSpend, str)
	}
	txOut := tx.TxOut[txOutIndex]
	return SpendableOut{
		prevOut: wire.OutPoint{
			Hash:  tx.TxHash(),
			Index: txOutIndex,
			Tree:  wire.TxTreeRegular,
		},
		blockHeight: blockHeight,
		blockIndex:  txIndex,
		amount:      dcrutil.Amount(txOut.Value),
		scriptVer:   txOut.Version,
		pkScript:    txOut.PkScript,
	}, nil
}

// MakeSpendableOut returns a spendable output for the given block, transaction
// index within the block, and transaction output index within the transaction.
func MakeSpendableOut(block *wire.MsgBlock, txIndex, txOutIndex uint32) (SpendableOut, error) {
	if int(txIndex) >= len(block.Transactions) {
		str := fmt.Sprintf("transaction index %d is out of range for block "+
			"%v with %d transactions", txIndex, block.BlockHash(),
			len(block.Transactions))
		return SpendableOut{}, makeError(ErrInvalidSpend, str)
	}
	tx := block.Transactions[txIndex]
	return MakeSpendableOutForTx(tx, block.Header.Height, txIndex, txOutIndex)
}

// FindSpendableOut returns a spendable output for the first output of the
// given transaction in block that pays to pkScript.
func FindSpendableOut(block *wire.MsgBlock, txIndex uint32, pkScript []byte) (SpendableOut, error) {
	if int(txIndex) >= len(block.Transactions) {
		str := fmt.Sprintf("transaction index %d is out of range for block "+
			"%v with %d transactions", txIndex, block.BlockHash(),
			len(block.Transactions))
		return SpendableOut{}, makeError(ErrInvalidSpend, str)
	}
	tx := block.Transactions[txIndex]
	for i, txOut := range tx.TxOut {
		if txOut.Value > 0 && bytes.Equal(txOut.PkScript, pkScript) {
			return MakeSpendableOut(block, txIndex, uint32(i))
		}
	}
	str := fmt.Sprintf("transaction %v in block %v (height %d) has no output "+
		"paying to script %x", tx.TxHash(), block.BlockHash(),
		block.Header.Height, pkScript)
	return SpendableOut{}, makeError(ErrInvalidSpend, str)
}
