// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sigmutate

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	// asn1SequenceID is the ASN.1 identifier for a sequence.
	asn1SequenceID = 0x30

	// asn1IntegerID is the ASN.1 identifier for an integer.
	asn1IntegerID = 0x02

	// minSigLen is the minimum length of a DER encoded signature with one
	// byte R and S values.
	minSigLen = 8
)

// IsStrictDER returns whether the passed signature, without a trailing hash
// type byte, is a strictly canonical DER encoding.
func IsStrictDER(sig []byte) bool {
	_, err := ecdsa.ParseDERSignature(sig)
	return err == nil
}

// parseLaxInt reads an ASN.1 integer at offset off in buf and returns it as a
// scalar along with the offset of the next byte.  Leading zero bytes are
// permitted, as are any bytes past the declared sequence length.
func parseLaxInt(buf []byte, off int, name string) (secp256k1.ModNScalar, int, error) {
	var v secp256k1.ModNScalar
	if off+2 > len(buf) {
		str := fmt.Sprintf("%s header out of bounds", name)
		return v, 0, makeError(ErrMalformedSignature, str)
	}
	if buf[off] != asn1IntegerID {
		str := fmt.Sprintf("%s integer marker %#x", name, buf[off])
		return v, 0, makeError(ErrMalformedSignature, str)
	}
	l := int(buf[off+1])
	off += 2
	if l == 0 || off+l > len(buf) {
		str := fmt.Sprintf("%s length %d out of bounds", name, l)
		return v, 0, makeError(ErrMalformedSignature, str)
	}
	b := buf[off : off+l]
	for len(b) > 0 && b[0] == 0x00 {
		b = b[1:]
	}
	if len(b) > 32 {
		str := fmt.Sprintf("%s is larger than 256 bits", name)
		return v, 0, makeError(ErrMalformedSignature, str)
	}
	if overflow := v.SetByteSlice(b); overflow {
		str := fmt.Sprintf("%s is not less than the group order", name)
		return v, 0, makeError(ErrMalformedSignature, str)
	}
	if v.IsZero() {
		str := fmt.Sprintf("%s is zero", name)
		return v, 0, makeError(ErrMalformedSignature, str)
	}
	return v, off + l, nil
}

// ParseLaxSignature decodes the (R, S) pair of a DER-like signature without
// the hash type byte.  Unlike ecdsa.ParseDERSignature, bytes following the
// declared sequence length are ignored and integers may carry superfluous
// leading zeros.
func ParseLaxSignature(sig []byte) (*ecdsa.Signature, error) {
	if len(sig) < minSigLen {
		str := fmt.Sprintf("signature too short: %d < %d", len(sig),
			minSigLen)
		return nil, makeError(ErrMalformedSignature, str)
	}
	if sig[0] != asn1SequenceID {
		str := fmt.Sprintf("sequence marker %#x", sig[0])
		return nil, makeError(ErrMalformedSignature, str)
	}
	declared := int(sig[1])
	if declared+2 > len(sig) {
		str := fmt.Sprintf("declared length %d exceeds signature length %d",
			declared, len(sig)-2)
		return nil, makeError(ErrMalformedSignature, str)
	}
	body := sig[2 : 2+declared]

	r, off, err := parseLaxInt(body, 0, "R")
	if err != nil {
		return nil, err
	}
	s, _, err := parseLaxInt(body, off, "S")
	if err != nil {
		return nil, err
	}
	return ecdsa.NewSignature(&r, &s), nil
}
