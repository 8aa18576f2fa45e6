// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dersigtest/internal/blockbuild"
	"github.com/decred/dersigtest/internal/session"
	"github.com/decred/dersigtest/sampleconfig"
)

// loadTestConfig loads the config with the passed command line arguments and
// an isolated application directory.  It restores os.Args when the test
// completes.
func loadTestConfig(t *testing.T, args ...string) (*config, error) {
	t.Helper()

	origArgs := os.Args
	origConfigFile := defaultConfigFile
	t.Cleanup(func() {
		os.Args = origArgs
		defaultConfigFile = origConfigFile
	})

	appData := t.TempDir()
	os.Args = append([]string{"dersigtest", "--appdata=" + appData,
		"--nofilelogging"}, args...)
	cfg, _, err := loadConfig("dersigtest")
	return cfg, err
}

// TestLoadConfigDefaults ensures the defaults apply when connecting to a node
// that is not launched.
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadTestConfig(t, "--rpcpass=pass", "--signingkey=key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.params != &simNetParams {
		t.Fatalf("unexpected network %s", cfg.params.Name)
	}
	if cfg.RPCServer != "localhost:19556" {
		t.Fatalf("unexpected RPC server %s", cfg.RPCServer)
	}
	if cfg.P2PAddr != "localhost:18555" {
		t.Fatalf("unexpected P2P address %s", cfg.P2PAddr)
	}
	wantLog := filepath.Join(dcrdHomeDir, "logs", "simnet", "dcrd.log")
	if cfg.NodeLog != wantLog {
		t.Fatalf("unexpected node log %s, want %s", cfg.NodeLog, wantLog)
	}
	if cfg.ActivationHeight != defaultActivationHeight ||
		cfg.SpendBlock != defaultSpendBlock ||
		cfg.BoundarySpendBlock != defaultBoundarySpend ||
		cfg.SpendVout != defaultSpendVout {

		t.Fatalf("unexpected scenario defaults: %+v", cfg)
	}
	if cfg.policyProbe != session.PPTestMempoolAccept {
		t.Fatalf("unexpected policy probe %v", cfg.policyProbe)
	}
	if cfg.treasurySemantics != blockbuild.TSOriginal ||
		cfg.powHashAlgo != blockbuild.PHABlake256r14 {

		t.Fatalf("unexpected block construction defaults: %+v", cfg)
	}
	if cfg.fee != dcrutil.Amount(1e5) || cfg.spendAmount != 0 {
		t.Fatalf("unexpected amounts fee %v spend %v", cfg.fee,
			cfg.spendAmount)
	}

	// The sample config is written to the application directory.
	if !fileExists(cfg.ConfigFile) {
		t.Fatalf("default config file %s was not created", cfg.ConfigFile)
	}
}

// TestLoadConfigOptions ensures the parsed options are validated and
// converted.
func TestLoadConfigOptions(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(*config) bool
	}{{
		name: "regnet addresses",
		args: []string{"--regnet", "--rpcserver=10.0.0.1",
			"--p2paddr=10.0.0.1:1234"},
		check: func(cfg *config) bool {
			return cfg.params == &regNetParams &&
				cfg.RPCServer == "10.0.0.1:18656" &&
				cfg.P2PAddr == "10.0.0.1:1234"
		},
	}, {
		name: "testnet",
		args: []string{"--testnet"},
		check: func(cfg *config) bool {
			return cfg.params == &testNet3Params &&
				strings.HasSuffix(cfg.LogDir, "testnet3")
		},
	}, {
		name:    "multiple networks",
		args:    []string{"--testnet", "--regnet"},
		wantErr: true,
	}, {
		name: "sendrawtransaction probe",
		args: []string{"--policyprobe=sendrawtransaction"},
		check: func(cfg *config) bool {
			return cfg.policyProbe == session.PPSendRawTransaction
		},
	}, {
		name:    "invalid probe",
		args:    []string{"--policyprobe=getrawmempool"},
		wantErr: true,
	}, {
		name: "block construction",
		args: []string{"--treasurysemantics=DCP0006", "--powhash=blake3"},
		check: func(cfg *config) bool {
			return cfg.treasurySemantics == blockbuild.TSDCP0006 &&
				cfg.powHashAlgo == blockbuild.PHABlake3
		},
	}, {
		name:    "invalid treasury semantics",
		args:    []string{"--treasurysemantics=dcp0042"},
		wantErr: true,
	}, {
		name:    "invalid pow hash",
		args:    []string{"--powhash=sha256"},
		wantErr: true,
	}, {
		name: "amounts",
		args: []string{"--spendamount=1.5", "--fee=0.0002"},
		check: func(cfg *config) bool {
			return cfg.spendAmount == 150000000 && cfg.fee == 20000
		},
	}, {
		name:    "negative fee",
		args:    []string{"--fee=-1"},
		wantErr: true,
	}, {
		name:    "empty reject reason",
		args:    []string{"--rejectreason="},
		wantErr: true,
	}, {
		name:    "invalid debug level",
		args:    []string{"--debuglevel=verbose"},
		wantErr: true,
	}}

	for _, test := range tests {
		args := append([]string{"--rpcpass=pass", "--signingkey=key"},
			test.args...)
		cfg, err := loadTestConfig(t, args...)
		if test.wantErr {
			if err == nil {
				t.Errorf("%s: did not receive expected error", test.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
			continue
		}
		if !test.check(cfg) {
			t.Errorf("%s: unexpected config %+v", test.name, cfg)
		}
	}
}

// TestLoadConfigSigningKey ensures a signing key is only optional when the
// node is launched.
func TestLoadConfigSigningKey(t *testing.T) {
	_, err := loadTestConfig(t, "--rpcpass=pass")
	var e errSuppressUsage
	if !errors.As(err, &e) {
		t.Fatalf("unexpected error %v", err)
	}

	cfg, err := loadTestConfig(t, "--launch=/usr/local/bin/dcrd",
		"--nodeargs=--debuglevel=debug --notls")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Launch != "/usr/local/bin/dcrd" {
		t.Fatalf("unexpected launch path %s", cfg.Launch)
	}
	if len(cfg.nodeArgs) != 2 || cfg.nodeArgs[1] != "--notls" {
		t.Fatalf("unexpected node args %q", cfg.nodeArgs)
	}
}

// TestParseAndSetDebugLevels ensures debug levels are validated per subsystem.
func TestParseAndSetDebugLevels(t *testing.T) {
	defer setLogLevels(defaultLogLevel)

	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"SCEN=trace,SESS=debug", false},
		{"SCEN=trace,SESS", true},
		{"XXXX=debug", true},
		{"SCEN=loud", true},
		{"loud", true},
	}

	for _, test := range tests {
		err := parseAndSetDebugLevels(test.level)
		if (err != nil) != test.wantErr {
			t.Errorf("%q: unexpected error: %v", test.level, err)
		}
	}
}

// TestNormalizeAddress ensures the default port is only added when missing.
func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"localhost", "localhost:19556"},
		{"localhost:1234", "localhost:1234"},
		{"::1", "[::1]:19556"},
		{"[::1]:1234", "[::1]:1234"},
	}

	for _, test := range tests {
		got := normalizeAddress(test.addr, "19556")
		if got != test.want {
			t.Errorf("%q: got %q, want %q", test.addr, got, test.want)
		}
	}
}

// TestActivationHeightHelp ensures the help text and the sample config note
// that heights past the stake validation height need votes to be mined.
func TestActivationHeightHelp(t *testing.T) {
	field, ok := reflect.TypeOf(config{}).FieldByName("ActivationHeight")
	if !ok {
		t.Fatal("missing activation height option")
	}
	help := field.Tag.Get("description")
	if !strings.Contains(help, "stake validation height") ||
		!strings.Contains(help, "votes") {

		t.Fatalf("activation height help does not mention votes: %q", help)
	}

	sample := sampleconfig.Dersigtest()
	idx := strings.Index(sample, "; activationheight=")
	if idx < 0 {
		t.Fatal("sample config is missing the activation height")
	}
	if !strings.Contains(sample[:idx], "stake validation height") {
		t.Fatal("sample config does not explain the reachable heights")
	}
}
