// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/decred/dcrd/chaincfg/v3"
)

// params is used to group parameters for the networks the harness supports
// along with the default ports of a node on them.
type params struct {
	*chaincfg.Params
	rpcPort string
}

// testNet3Params contains parameters specific to the test network (version 3)
// (wire.TestNet3).
var testNet3Params = params{
	Params:  chaincfg.TestNet3Params(),
	rpcPort: "19109",
}

// simNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var simNetParams = params{
	Params:  chaincfg.SimNetParams(),
	rpcPort: "19556",
}

// regNetParams contains parameters specific to the regression test network
// (wire.RegNet).
var regNetParams = params{
	Params:  chaincfg.RegNetParams(),
	rpcPort: "18656",
}
