// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package sigmutate produces non-canonical but cryptographically valid variants
of ECDSA signatures embedded in transaction signature scripts.

A canonical Decred signature push is the strict DER encoding of (R, S) followed
by a single signature hash type byte:

	0x30 <total len> 0x02 <len R> <R> 0x02 <len S> <S> <hashtype>

Mutate inserts a single 0x00 padding byte after S.  The declared total length
no longer covers the padded encoding, so strict DER parsers reject it, while a
lax parser that honours the declared length still recovers the identical (R, S)
pair, which continues to verify against the original message and key.

Scripts are never edited by slicing.  They are parsed into explicit push
tokens, the target push is replaced, and the script is re-encoded with freshly
computed push opcodes and length prefixes.  The structural invariants are then
checked again on the result.
*/
package sigmutate
