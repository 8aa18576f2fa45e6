// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// This file is ignored during the regular tests due to the following build tag.
//go:build rpctest

package rpctests

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dersigtest/internal/blockbuild"
	"github.com/decred/dersigtest/internal/logwatch"
	"github.com/decred/dersigtest/internal/nodeproc"
	"github.com/decred/dersigtest/internal/session"
)

const (
	// dcrdPathEnv names the environment variable with the path of the dcrd
	// executable to test.
	dcrdPathEnv = "DERSIGTEST_DCRD"

	// activationHeightEnv names the environment variable that overrides the
	// activation height of the tests.
	activationHeightEnv = "DERSIGTEST_ACTIVATION_HEIGHT"

	// defaultActivationHeight is the lowest height that leaves room for a
	// mature boundary spend on simnet.
	defaultActivationHeight = 36

	startTimeout = time.Minute
)

// testHarness is a launched simnet node along with a session to it and the
// tools the scenario needs.
type testHarness struct {
	node    *nodeproc.Node
	sess    *session.Session
	watcher *logwatch.Watcher
	builder *blockbuild.Builder
}

// activationHeight returns the activation height to test, which may be
// overridden via the environment.
func activationHeight(t *testing.T) uint32 {
	t.Helper()

	s := os.Getenv(activationHeightEnv)
	if s == "" {
		return defaultActivationHeight
	}
	height, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		t.Fatalf("invalid %s: %v", activationHeightEnv, err)
	}
	return uint32(height)
}

// newHarness launches a dcrd simnet node that mines to a newly generated key
// and connects a session to it.  The test is skipped when no dcrd executable
// is configured.  Everything is torn down when the test completes.
func newHarness(ctx context.Context, t *testing.T) *testHarness {
	t.Helper()

	path := os.Getenv(dcrdPathEnv)
	if path == "" {
		t.Skipf("%s is not set", dcrdPathEnv)
	}

	params := chaincfg.SimNetParams()
	signer, err := blockbuild.GenerateSigner(params)
	if err != nil {
		t.Fatalf("unable to generate signing key: %v", err)
	}

	node, err := nodeproc.New(&nodeproc.Config{
		Path:       path,
		Params:     params,
		MiningAddr: signer.Address().String(),
		DebugLevel: "debug",
	})
	if err != nil {
		t.Fatalf("unable to prepare node: %v", err)
	}
	if err := node.Start(); err != nil {
		node.Stop()
		t.Fatalf("unable to start node: %v", err)
	}
	t.Cleanup(func() {
		if err := node.Stop(); err != nil {
			t.Errorf("unable to stop node: %v", err)
		}
	})
	if err := node.WaitReady(ctx, startTimeout); err != nil {
		t.Fatal(err)
	}

	sess, err := session.Connect(ctx, &session.Config{
		RPC: node.RPCConfig(),
		Relay: session.RelayConfig{
			Addr:    node.P2PAddress(),
			Params:  params,
			Timeout: 30 * time.Second,
		},
		Params:      params,
		RPCTimeout:  time.Minute,
		MineBatch:   100,
		PolicyProbe: session.PPSendRawTransaction,
	})
	if err != nil {
		t.Fatalf("unable to connect to node: %v", err)
	}
	t.Cleanup(sess.Close)

	return &testHarness{
		node:    node,
		sess:    sess,
		watcher: logwatch.New(node.LogFile()),
		builder: blockbuild.New(&blockbuild.Config{
			Params: params,
			Signer: signer,
		}),
	}
}
