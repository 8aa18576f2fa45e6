// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sigmutate

import (
	"fmt"

	"github.com/decred/dcrd/wire"
)

// padByte is inserted between S and the hash type byte.
const padByte = 0x00

// padSignature returns a new slice holding sig with a padding byte inserted
// before its final (hash type) byte.
func padSignature(sig []byte) []byte {
	n := len(sig)
	padded := make([]byte, 0, n+1)
	padded = append(padded, sig[:n-1]...)
	padded = append(padded, padByte)
	return append(padded, sig[n-1])
}

// checkMutation ensures the padded signature is rejected by a strict DER
// parser while still decoding to the same (R, S) pair as the original.
func checkMutation(orig, padded []byte) error {
	if len(padded) != len(orig)+1 {
		str := fmt.Sprintf("mutated signature is %d bytes, want %d",
			len(padded), len(orig)+1)
		return makeError(ErrMutationIneffective, str)
	}
	if IsStrictDER(padded[:len(padded)-1]) {
		return makeError(ErrMutationIneffective, "mutated signature is "+
			"still strictly DER encoded")
	}

	origSig, err := ParseLaxSignature(orig[:len(orig)-1])
	if err != nil {
		return err
	}
	paddedSig, err := ParseLaxSignature(padded[:len(padded)-1])
	if err != nil {
		return err
	}
	origR, origS := origSig.R(), origSig.S()
	padR, padS := paddedSig.R(), paddedSig.S()
	if !origR.Equals(&padR) || !origS.Equals(&padS) {
		return makeError(ErrMutationIneffective, "mutated signature no "+
			"longer decodes to the original (R, S)")
	}
	return nil
}

// Mutate returns a copy of the passed signature script with the signature in
// its first data push made non-canonical.  The result is exactly one byte
// longer than the push it replaces.
func Mutate(script []byte) ([]byte, error) {
	parsed, err := ParseScript(script)
	if err != nil {
		return nil, err
	}
	idx, err := parsed.firstPush()
	if err != nil {
		return nil, err
	}

	orig := parsed[idx].Data
	padded := padSignature(orig)
	if err := checkMutation(orig, padded); err != nil {
		return nil, err
	}

	mutated := make(Script, len(parsed))
	copy(mutated, parsed)
	mutated[idx] = Token{Opcode: pushOpcode(len(padded)), Data: padded}
	out, err := mutated.Bytes()
	if err != nil {
		return nil, err
	}

	// Parse the result again so a push length mistake can never escape.
	reparsed, err := ParseScript(out)
	if err != nil {
		return nil, err
	}
	if len(reparsed) != len(parsed) || len(reparsed[idx].Data) != len(orig)+1 {
		return nil, makeError(ErrMalformedScript, "mutated script does not "+
			"preserve its push structure")
	}
	return out, nil
}

// MutateTx returns a deep copy of tx with the signature of its first input
// made non-canonical.
//
// The transaction hash (TxHash) only commits to the prefix, which excludes
// signature scripts, so it is shared by tx and the copy.  The full hash
// (TxHashFull) of the copy always differs from that of tx.
func MutateTx(tx *wire.MsgTx) (*wire.MsgTx, error) {
	if len(tx.TxIn) == 0 {
		return nil, makeError(ErrMalformedScript, "transaction has no inputs")
	}
	mutated := tx.Copy()
	script, err := Mutate(mutated.TxIn[0].SignatureScript)
	if err != nil {
		return nil, err
	}
	mutated.TxIn[0].SignatureScript = script
	return mutated, nil
}
