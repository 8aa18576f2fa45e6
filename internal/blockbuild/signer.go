// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockbuild

import (
	"fmt"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
)

// Signer owns the private key that controls every output the harness creates
// and spends.  Its pay-to-pubkey-hash address is handed to the node as the
// mining address so the coinbases the node mines are spendable by it.
type Signer struct {
	privKey   *secp256k1.PrivateKey
	params    *chaincfg.Params
	addr      *stdaddr.AddressPubKeyHashEcdsaSecp256k1V0
	scriptVer uint16
	pkScript  []byte
}

// NewSigner returns a signer for the passed private key on the given network.
func NewSigner(privKey *secp256k1.PrivateKey, params *chaincfg.Params) (*Signer, error) {
	pkHash := stdaddr.Hash160(privKey.PubKey().SerializeCompressed())
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(pkHash, params)
	if err != nil {
		str := fmt.Sprintf("unable to create address: %v", err)
		return nil, makeError(ErrInvalidKey, str)
	}
	scriptVer, pkScript := addr.PaymentScript()
	return &Signer{
		privKey:   privKey,
		params:    params,
		addr:      addr,
		scriptVer: scriptVer,
		pkScript:  pkScript,
	}, nil
}

// GenerateSigner returns a signer for a freshly generated private key.
func GenerateSigner(params *chaincfg.Params) (*Signer, error) {
	privKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		str := fmt.Sprintf("unable to generate private key: %v", err)
		return nil, makeError(ErrInvalidKey, str)
	}
	return NewSigner(privKey, params)
}

// DecodeSigner returns a signer for the secp256k1 private key encoded in the
// passed WIF string.
func DecodeSigner(wif string, params *chaincfg.Params) (*Signer, error) {
	decoded, err := dcrutil.DecodeWIF(wif, params.PrivateKeyID)
	if err != nil {
		str := fmt.Sprintf("unable to decode signing key: %v", err)
		return nil, makeError(ErrInvalidKey, str)
	}
	if decoded.DSA() != dcrec.STEcdsaSecp256k1 {
		str := fmt.Sprintf("signing key type %v is not supported",
			decoded.DSA())
		return nil, makeError(ErrInvalidKey, str)
	}
	return NewSigner(secp256k1.PrivKeyFromBytes(decoded.PrivKey()), params)
}

// WIF returns the private key of the signer encoded for its network.
func (s *Signer) WIF() (string, error) {
	wif, err := dcrutil.NewWIF(s.privKey.Serialize(), s.params.PrivateKeyID,
		dcrec.STEcdsaSecp256k1)
	if err != nil {
		return "", err
	}
	return wif.String(), nil
}

// Address returns the pay-to-pubkey-hash address of the signer.
func (s *Signer) Address() stdaddr.Address {
	return s.addr
}

// PaymentScript returns the script version and public key script that pay to
// the signer.
func (s *Signer) PaymentScript() (uint16, []byte) {
	return s.scriptVer, s.pkScript
}

// PubKey returns the public key of the signer.
func (s *Signer) PubKey() *secp256k1.PublicKey {
	return s.privKey.PubKey()
}

// privKeyBytes returns the serialized private key in the form expected by the
// txscript signing functions.
func (s *Signer) privKeyBytes() []byte {
	return s.privKey.Serialize()
}
