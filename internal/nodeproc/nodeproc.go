// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package nodeproc launches and stops a dcrd process for a single run with
// freshly generated RPC credentials, its own data and log directories and
// the mining address of the harness.
package nodeproc

import (
	"bufio"
	"bytes"
	"context"
	"crypto/elliptic"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/decred/dcrd/certgen"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/rpcclient/v8"
)

const (
	// defaultRPCListen and defaultP2PListen are the default listeners of
	// the launched node.
	defaultRPCListen = "127.0.0.1:19556"
	defaultP2PListen = "127.0.0.1:18555"

	// defaultRPCUser and defaultRPCPass are the default credentials of the
	// launched node.
	defaultRPCUser = "user"
	defaultRPCPass = "pass"

	// logFilename is the name of the log file dcrd writes in its per
	// network log directory.
	logFilename = "dcrd.log"

	// pidFilename is the name of the file the pid of the node is written to.
	pidFilename = "dcrd.pid"

	// readyPollInterval is how often the listeners of a starting node are
	// checked.
	readyPollInterval = 100 * time.Millisecond
)

// Config houses the parameters of a launched node.
type Config struct {
	// Path is the dcrd executable.
	Path string

	// Params identifies the network the node runs on.
	Params *chaincfg.Params

	// Dir is the base directory for the data, logs, certificates and pid
	// file of the node.  A temporary directory that is removed on Stop is
	// used when it is empty.
	Dir string

	// RPCListen and P2PListen are the listeners of the node.
	RPCListen string
	P2PListen string

	// RPCUser and RPCPass are the RPC credentials of the node.
	RPCUser string
	RPCPass string

	// MiningAddr is the address mined blocks pay to.
	MiningAddr string

	// DebugLevel is passed to the node as its debug level when set.
	DebugLevel string

	// ExtraArgs are appended to the generated arguments.
	ExtraArgs []string
}

// Node houses the necessary state required to configure, launch, and manage
// a dcrd process.
type Node struct {
	cfg       Config
	removeDir bool

	dataDir  string
	logDir   string
	certFile string
	keyFile  string
	certs    []byte

	cmd     *exec.Cmd
	pidFile string
	wg      sync.WaitGroup
}

// networkArg returns the command line option that selects the network of the
// passed parameters.
func networkArg(params *chaincfg.Params) (string, error) {
	switch params.Net {
	case chaincfg.MainNetParams().Net:
		return "", nil
	case chaincfg.TestNet3Params().Net:
		return "--testnet", nil
	case chaincfg.SimNetParams().Net:
		return "--simnet", nil
	case chaincfg.RegNetParams().Net:
		return "--regnet", nil
	}
	return "", fmt.Errorf("unsupported network %s", params.Name)
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string) error {
	org := "dersigtest autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, nil)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	return nil
}

// New prepares the directories and RPC certificate of a node.  The node is
// not started.
func New(cfg *Config) (*Node, error) {
	n := &Node{cfg: *cfg}
	if n.cfg.Params == nil {
		n.cfg.Params = chaincfg.SimNetParams()
	}
	if _, err := networkArg(n.cfg.Params); err != nil {
		return nil, err
	}
	if n.cfg.RPCListen == "" {
		n.cfg.RPCListen = defaultRPCListen
	}
	if n.cfg.P2PListen == "" {
		n.cfg.P2PListen = defaultP2PListen
	}
	if n.cfg.RPCUser == "" {
		n.cfg.RPCUser = defaultRPCUser
	}
	if n.cfg.RPCPass == "" {
		n.cfg.RPCPass = defaultRPCPass
	}

	if n.cfg.Dir == "" {
		dir, err := os.MkdirTemp("", "dersigtestnode")
		if err != nil {
			return nil, err
		}
		n.cfg.Dir = dir
		n.removeDir = true
	}
	n.dataDir = filepath.Join(n.cfg.Dir, "data")
	n.logDir = filepath.Join(n.cfg.Dir, "logs")
	for _, dir := range []string{n.dataDir, n.logDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			n.cleanup()
			return nil, err
		}
	}

	n.certFile = filepath.Join(n.cfg.Dir, "rpc.cert")
	n.keyFile = filepath.Join(n.cfg.Dir, "rpc.key")
	if err := genCertPair(n.certFile, n.keyFile); err != nil {
		n.cleanup()
		return nil, fmt.Errorf("unable to generate RPC certificate: %w", err)
	}
	certs, err := os.ReadFile(n.certFile)
	if err != nil {
		n.cleanup()
		return nil, err
	}
	n.certs = certs
	return n, nil
}

// arguments returns the arguments the node is launched with.
func (n *Node) arguments() []string {
	args := []string{
		fmt.Sprintf("--rpcuser=%s", n.cfg.RPCUser),
		fmt.Sprintf("--rpcpass=%s", n.cfg.RPCPass),
		fmt.Sprintf("--listen=%s", n.cfg.P2PListen),
		fmt.Sprintf("--rpclisten=%s", n.cfg.RPCListen),
		fmt.Sprintf("--rpccert=%s", n.certFile),
		fmt.Sprintf("--rpckey=%s", n.keyFile),
		fmt.Sprintf("--datadir=%s", n.dataDir),
		fmt.Sprintf("--logdir=%s", n.logDir),
		"--txindex",
		"--allowunsyncedmining",
		"--whitelist=127.0.0.1",
		"--nobanning",
		"--nodnsseed",
	}
	if netArg, _ := networkArg(n.cfg.Params); netArg != "" {
		args = append(args, netArg)
	}
	if n.cfg.MiningAddr != "" {
		args = append(args, fmt.Sprintf("--miningaddr=%s", n.cfg.MiningAddr))
	}
	if n.cfg.DebugLevel != "" {
		args = append(args, fmt.Sprintf("--debuglevel=%s", n.cfg.DebugLevel))
	}
	return append(args, n.cfg.ExtraArgs...)
}

// RPCConfig returns the RPC connection config that can be used to connect to
// the node once it is started.
func (n *Node) RPCConfig() *rpcclient.ConnConfig {
	return &rpcclient.ConnConfig{
		Host:                 n.cfg.RPCListen,
		Endpoint:             "ws",
		User:                 n.cfg.RPCUser,
		Pass:                 n.cfg.RPCPass,
		Certificates:         n.certs,
		DisableAutoReconnect: true,
	}
}

// P2PAddress returns the address the node accepts peers on.
func (n *Node) P2PAddress() string {
	return n.cfg.P2PListen
}

// LogFile returns the path of the log file the node writes.
func (n *Node) LogFile() string {
	return filepath.Join(n.logDir, n.cfg.Params.Name, logFilename)
}

// Pid returns the process id of the node or zero when it is not running.
func (n *Node) Pid() int {
	if n.cmd == nil || n.cmd.Process == nil {
		return 0
	}
	return n.cmd.Process.Pid
}

// relay logs every line read from r with the passed log function.
func (n *Node) relay(r io.Reader, name string, logf func(string, ...interface{})) {
	defer n.wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			logf("%d %s: %s", n.Pid(), name, bytes.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("%d %s: %v", n.Pid(), name, err)
			}
			return
		}
	}
}

// Start launches the node and writes its pid to a file in the node
// directory.  The file can be used to terminate the process in case of a hang
// or panic.  A started node must be stopped via Stop, otherwise it will
// persist unless explicitly killed.
func (n *Node) Start() error {
	if n.cmd != nil {
		return fmt.Errorf("node already started")
	}

	cmd := exec.Command(n.cfg.Path, n.arguments()...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	log.Debugf("Launching %s %v", n.cfg.Path, cmd.Args[1:])
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("unable to launch %s: %w", n.cfg.Path, err)
	}
	n.cmd = cmd

	n.wg.Add(2)
	go n.relay(stderr, "stderr", log.Warnf)
	go n.relay(stdout, "stdout", log.Tracef)

	pidFile := filepath.Join(n.cfg.Dir, pidFilename)
	pid := fmt.Sprintf("%d\n", cmd.Process.Pid)
	if err := os.WriteFile(pidFile, []byte(pid), 0644); err != nil {
		n.Stop()
		return err
	}
	n.pidFile = pidFile

	log.Infof("Started dcrd (pid %d) with RPC on %s and P2P on %s",
		cmd.Process.Pid, n.cfg.RPCListen, n.cfg.P2PListen)
	return nil
}

// WaitReady waits until both listeners of the node accept connections.
func (n *Node) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	for _, addr := range []string{n.cfg.RPCListen, n.cfg.P2PListen} {
		for {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err == nil {
				conn.Close()
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("node did not listen on %s: %w", addr,
					ctx.Err())
			case <-time.After(readyPollInterval):
			}
		}
	}
	return nil
}

// Stop interrupts the running node and waits until it exits.  On Windows,
// interrupt is not supported, so a kill signal is used instead.  The pid file
// and, when it was created by New, the node directory are removed.
func (n *Node) Stop() error {
	if n.cmd == nil || n.cmd.Process == nil {
		return n.cleanup()
	}

	var err error
	if runtime.GOOS == "windows" {
		err = n.cmd.Process.Signal(os.Kill)
	} else {
		err = n.cmd.Process.Signal(os.Interrupt)
	}
	if err != nil {
		log.Warnf("Unable to signal dcrd (pid %d): %v", n.Pid(), err)
	}

	// Wait for the output to be drained before waiting for the process.
	n.wg.Wait()
	if err := n.cmd.Wait(); err != nil {
		log.Debugf("dcrd (pid %d) exited: %v", n.Pid(), err)
	}
	log.Infof("Stopped dcrd (pid %d)", n.Pid())
	return n.cleanup()
}

// cleanup removes the pid file and the node directory when it was created by
// New.
func (n *Node) cleanup() error {
	if n.pidFile != "" {
		if err := os.Remove(n.pidFile); err != nil {
			log.Warnf("Unable to remove %s: %v", n.pidFile, err)
			return err
		}
		n.pidFile = ""
	}
	if n.removeDir {
		if err := os.RemoveAll(n.cfg.Dir); err != nil {
			return err
		}
		n.removeDir = false
	}
	return nil
}
