// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
dersigtest checks that a dcrd node begins enforcing strict DER signature
encoding at a configured block height.

It drives a node on a test network through a fixed sequence of steps.  Blocks
are mined up to just below the activation height.  A spend of a mature coinbase
output is signed twice, once canonically and once with the signature re-encoded
in a valid but non-canonical form.  The node's mempool policy must accept the
canonical spend and reject the other one.  A block at the activation height
that includes the non-canonical spend is then relayed to the node over the peer
to peer network and must be rejected, which is confirmed from the node's log.
Finally, a block at the same height that includes the canonical spend must be
accepted.  When requested, a block one below the activation height carrying a
non-canonical spend is checked to be accepted first.

The run either completes and prints a report of every step, or stops at the
first step that does not behave as expected and prints the failure kind along
with the last known tip and the tail of the node log.

Either an already running node is tested or a dcrd executable is launched for
the run.  A running node must mine to the address of the signing key, must
whitelist the local host and must write its log to a file that can be read.

The options may also be specified in a configuration file.  By default, the
configuration file is located at ~/.dersigtest/dersigtest.conf on POSIX-style
operating systems and %LOCALAPPDATA%\dersigtest\dersigtest.conf on Windows.

Usage:

	dersigtest [OPTIONS]

Application Options:

	-V, --version             Display version information and exit
	-A, --appdata=            Path to application home directory
	-C, --configfile=         Path to configuration file
	    --logdir=             Directory to log output
	    --nofilelogging       Disable file logging
	-d, --debuglevel=         Logging level for all subsystems {trace, debug,
	                          info, warn, error, critical} -- You may also
	                          specify <subsystem>=<level>,<subsystem2>=<level>,...
	                          to set the log level for individual subsystems --
	                          Use show to list available subsystems
	    --testnet             Use the test network
	    --simnet              Use the simulation test network (default)
	    --regnet              Use the regression test network
	-s, --rpcserver=          RPC server of the node to test
	-u, --rpcuser=            RPC username
	-P, --rpcpass=            RPC password
	-c, --rpccert=            RPC server certificate chain for validation
	    --notls               Disable TLS for the RPC connection
	    --p2paddr=            P2P address of the node to test
	    --proxy=              Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)
	    --proxyuser=          Username for proxy server
	    --proxypass=          Password for proxy server
	    --nodelog=            Log file of the node to test
	    --rpctimeout=         Timeout for each RPC request (default: 1m)
	    --p2ptimeout=         Timeout for the P2P handshake and each block
	                          relay (default: 30s)
	    --minebatch=          Maximum number of blocks mined per generate
	                          request (default: 100)
	    --launch=             Path to a dcrd executable to launch for the run
	                          instead of connecting to a running node
	    --nodeargs=           Additional space separated arguments for the
	                          launched node
	    --nodedir=            Directory for the data and logs of the launched
	                          node (default: temporary directory)
	    --starttimeout=       Time to wait for the launched node to start
	                          listening (default: 1m)
	    --activationheight=   Height of the first block the strict signature
	                          encoding rule applies to -- mining past the
	                          stake validation height (144 on simnet)
	                          requires votes, so the default is only
	                          reachable with a voting wallet attached to the
	                          node (default: 1251)
	    --spendblock=         Height of the block whose coinbase is spent
	                          (default: 2)
	    --boundaryspendblock= Height of the block whose coinbase is spent by the
	                          boundary check (default: 3)
	    --spendvout=          Coinbase output to spend (default: first output
	                          paying to the signing key)
	    --spendamount=        Amount in DCR sent by the spends (default: full
	                          output value less the fee)
	    --fee=                Fee in DCR paid by the spends (default: 0.001)
	    --rejectreason=       Substring of the mempool rejection reason of the
	                          non-canonical spend
	    --blockrejectpattern= Node log line that reports the rejection of the
	                          non-canonical block; {block} is replaced by the
	                          block hash (default: Rejected block {block})
	    --checkboundary       Also check a non-canonical spend is accepted in
	                          the block before the activation height
	    --logtimeout=         Time to wait for a block rejection in the node
	                          log (default: 10s)
	    --policyprobe=        RPC used to evaluate transactions against the
	                          mempool policy {testmempoolaccept,
	                          sendrawtransaction} (default: testmempoolaccept)
	    --taillines=          Number of node log lines reported on failure
	                          (default: 20)
	    --signingkey=         WIF private key the node mines to and the spends
	                          are signed with (generated when launching a node)
	    --treasurysemantics=  Coinbase layout {original, dcp0006}
	                          (default: original)
	    --powhash=            Proof of work hash function {blake256r14, blake3}
	                          (default: blake256r14)
	    --headercommitments   Build blocks with header commitments (DCP0005)
	    --blockversion=       Override the block version of the node's template

Help Options:

	-h, --help                Show this help message
*/
package main
