// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/decred/slog"
)

// TestLoadSignerGeneratedKeyLogging ensures a generated signing key is only
// logged at the debug level while its address is logged at the info level.
func TestLoadSignerGeneratedKeyLogging(t *testing.T) {
	origLog := dsgtLog
	t.Cleanup(func() { dsgtLog = origLog })

	tests := []struct {
		name    string
		level   slog.Level
		wantWIF bool
	}{{
		name:    "info",
		level:   slog.LevelInfo,
		wantWIF: false,
	}, {
		name:    "debug",
		level:   slog.LevelDebug,
		wantWIF: true,
	}}

	for _, test := range tests {
		var buf bytes.Buffer
		dsgtLog = slog.NewBackend(&buf).Logger("DSGT")
		dsgtLog.SetLevel(test.level)

		cfg := &config{params: &simNetParams}
		signer, err := loadSigner(cfg)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", test.name, err)
		}
		wif, err := signer.WIF()
		if err != nil {
			t.Fatalf("%q: unable to encode key: %v", test.name, err)
		}

		out := buf.String()
		addr := signer.Address().String()
		if !strings.Contains(out, "[INF] DSGT: Generated signing key for "+
			"address "+addr) {
			t.Fatalf("%q: address not logged at info: %q", test.name, out)
		}
		if got := strings.Contains(out, wif); got != test.wantWIF {
			t.Fatalf("%q: mismatched key logging -- got %v, want %v: %q",
				test.name, got, test.wantWIF, out)
		}
	}
}
