// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/dersigtest/internal/blockbuild"
	"github.com/decred/dersigtest/internal/logwatch"
	"github.com/decred/dersigtest/internal/nodeproc"
	"github.com/decred/dersigtest/internal/scenario"
	"github.com/decred/dersigtest/internal/session"
	"github.com/decred/dersigtest/internal/version"
)

// loadSigner returns the signer for the configured signing key or a newly
// generated one when none is configured.
func loadSigner(cfg *config) (*blockbuild.Signer, error) {
	if cfg.SigningKey != "" {
		return blockbuild.DecodeSigner(cfg.SigningKey, cfg.params.Params)
	}
	signer, err := blockbuild.GenerateSigner(cfg.params.Params)
	if err != nil {
		return nil, err
	}
	wif, err := signer.WIF()
	if err != nil {
		return nil, err
	}
	dsgtLog.Infof("Generated signing key for address %v", signer.Address())
	dsgtLog.Debugf("Signing key for address %v: %s", signer.Address(), wif)
	return signer, nil
}

// rpcConnConfig returns the RPC connection config for a node that is not
// launched by the harness.
func rpcConnConfig(cfg *config) (*rpcclient.ConnConfig, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:                 cfg.RPCServer,
		Endpoint:             "ws",
		User:                 cfg.RPCUser,
		Pass:                 cfg.RPCPass,
		Proxy:                cfg.Proxy,
		ProxyUser:            cfg.ProxyUser,
		ProxyPass:            cfg.ProxyPass,
		DisableTLS:           cfg.NoTLS,
		DisableAutoReconnect: true,
	}
	if !cfg.NoTLS {
		certs, err := os.ReadFile(cfg.RPCCert)
		if err != nil {
			return nil, fmt.Errorf("unable to read RPC certificate: %w", err)
		}
		connCfg.Certificates = certs
	}
	return connCfg, nil
}

// printFailure writes the failure of a run along with its diagnostics to
// standard error.
func printFailure(err error) {
	var serr *scenario.Error
	if !errors.As(err, &serr) {
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "FAILED (%v): %v\n", serr.Kind, serr)
	if serr.Tip != nil {
		fmt.Fprintf(os.Stderr, "Last known tip: %v\n", serr.Tip)
	}
	if len(serr.LogLines) > 0 {
		fmt.Fprintf(os.Stderr, "Last node log lines:\n  %s\n",
			strings.Join(serr.LogLines, "\n  "))
	}
}

// dersigtestMain is the real main function for dersigtest.  It is necessary
// to work around the fact that deferred functions do not run when os.Exit()
// is called.
func dersigtestMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	cfg, _, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	ctx := shutdownListener()
	defer dsgtLog.Info("Shutdown complete")

	// Show version at startup.
	dsgtLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if cfg.NoFileLogging {
		dsgtLog.Info("File logging disabled")
	}

	signer, err := loadSigner(cfg)
	if err != nil {
		dsgtLog.Errorf("Unable to load signing key: %v", err)
		return err
	}

	// Launch the node when requested, otherwise connect to the configured
	// one.
	var rpcCfg *rpcclient.ConnConfig
	p2pAddr, nodeLogFile := cfg.P2PAddr, cfg.NodeLog
	if cfg.Launch != "" {
		node, err := nodeproc.New(&nodeproc.Config{
			Path:       cfg.Launch,
			Params:     cfg.params.Params,
			Dir:        cfg.NodeDir,
			MiningAddr: signer.Address().String(),
			ExtraArgs:  cfg.nodeArgs,
		})
		if err != nil {
			dsgtLog.Errorf("Unable to prepare node: %v", err)
			return err
		}
		if err := node.Start(); err != nil {
			dsgtLog.Errorf("Unable to start node: %v", err)
			node.Stop()
			return err
		}
		defer node.Stop()
		if err := node.WaitReady(ctx, cfg.StartTimeout); err != nil {
			dsgtLog.Errorf("%v", err)
			return err
		}
		rpcCfg = node.RPCConfig()
		p2pAddr, nodeLogFile = node.P2PAddress(), node.LogFile()
	} else {
		rpcCfg, err = rpcConnConfig(cfg)
		if err != nil {
			dsgtLog.Errorf("%v", err)
			return err
		}
	}

	if shutdownRequested(ctx) {
		return nil
	}

	sess, err := session.Connect(ctx, &session.Config{
		RPC: rpcCfg,
		Relay: session.RelayConfig{
			Addr:      p2pAddr,
			Proxy:     cfg.Proxy,
			ProxyUser: cfg.ProxyUser,
			ProxyPass: cfg.ProxyPass,
			Params:    cfg.params.Params,
			Timeout:   cfg.P2PTimeout,
		},
		Params:      cfg.params.Params,
		RPCTimeout:  cfg.RPCTimeout,
		MineBatch:   cfg.MineBatch,
		PolicyProbe: cfg.policyProbe,
	})
	if err != nil {
		dsgtLog.Errorf("Unable to connect to node: %v", err)
		return err
	}
	defer sess.Close()

	watcher := logwatch.New(nodeLogFile)
	dsgtLog.Infof("Observing node log %s", watcher.Path())

	builder := blockbuild.New(&blockbuild.Config{
		Params:            cfg.params.Params,
		Signer:            signer,
		TreasurySemantics: cfg.treasurySemantics,
		PowHashAlgo:       cfg.powHashAlgo,
		HeaderCommitments: cfg.HeaderCommitments,
		BlockVersion:      cfg.BlockVersion,
	})

	s := scenario.New(&scenario.Config{
		ActivationHeight:   cfg.ActivationHeight,
		SpendBlock:         cfg.SpendBlock,
		BoundarySpendBlock: cfg.BoundarySpendBlock,
		SpendVout:          cfg.SpendVout,
		SpendAmount:        cfg.spendAmount,
		Fee:                cfg.fee,
		RejectReason:       cfg.RejectReason,
		BlockRejectPattern: cfg.BlockRejectPattern,
		CheckBoundary:      cfg.CheckBoundary,
		LogTimeout:         cfg.LogTimeout,
		PolicyProbe:        cfg.policyProbe,
		TailLines:          cfg.TailLines,
	}, sess, watcher, builder)
	report, err := s.Run(ctx)
	fmt.Print(report)
	if err != nil {
		printFailure(err)
		return err
	}
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := dersigtestMain(); err != nil {
		os.Exit(1)
	}
}
