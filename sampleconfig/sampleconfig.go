// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

import (
	_ "embed"
)

// sampleDersigtestConf is a string containing the commented example config for
// dersigtest.
//
//go:embed sample-dersigtest.conf
var sampleDersigtestConf string

// Dersigtest returns a string containing the commented example config for
// dersigtest.
func Dersigtest() string {
	return sampleDersigtestConf
}
