// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dersigtest/internal/blockbuild"
	"github.com/decred/dersigtest/internal/scenario"
	"github.com/decred/dersigtest/internal/session"
	"github.com/decred/dersigtest/internal/version"
	"github.com/decred/dersigtest/sampleconfig"
	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/term"
)

const (
	defaultConfigFilename    = "dersigtest.conf"
	defaultLogDirname        = "logs"
	defaultLogFilename       = "dersigtest.log"
	defaultLogLevel          = "info"
	defaultActivationHeight  = 1251
	defaultSpendBlock        = 2
	defaultBoundarySpend     = 3
	defaultSpendVout         = -1
	defaultRPCTimeout        = time.Minute
	defaultRelayTimeout      = 30 * time.Second
	defaultLogTimeout        = 10 * time.Second
	defaultStartTimeout      = time.Minute
	defaultMineBatch         = 100
	defaultTailLines         = 20
	defaultPolicyProbe       = "testmempoolaccept"
	defaultTreasurySemantics = "original"
	defaultPowHash           = "blake256r14"
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("dersigtest", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
	dcrdHomeDir       = dcrutil.AppDataDir("dcrd", false)
	defaultRPCCert    = filepath.Join(dcrdHomeDir, "rpc.cert")
)

// treasurySemantics maps the supported coinbase layout names to the treasury
// semantics.
var treasurySemantics = map[string]blockbuild.TreasurySemantics{
	"original": blockbuild.TSOriginal,
	"dcp0006":  blockbuild.TSDCP0006,
}

// powHashAlgos maps the supported proof of work hash names to the algorithms.
var powHashAlgos = map[string]blockbuild.PowHashAlgorithm{
	"blake256r14": blockbuild.PHABlake256r14,
	"blake3":      blockbuild.PHABlake3,
}

// config defines the configuration options for dersigtest.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion   bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir       string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile    string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir        string `long:"logdir" description:"Directory to log output"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Network selection.
	TestNet bool `long:"testnet" description:"Use the test network"`
	SimNet  bool `long:"simnet" description:"Use the simulation test network (default)"`
	RegNet  bool `long:"regnet" description:"Use the regression test network"`

	// Node connection.
	RPCServer  string        `short:"s" long:"rpcserver" description:"RPC server of the node to test"`
	RPCUser    string        `short:"u" long:"rpcuser" description:"RPC username"`
	RPCPass    string        `short:"P" long:"rpcpass" default-mask:"-" description:"RPC password"`
	RPCCert    string        `short:"c" long:"rpccert" description:"RPC server certificate chain for validation"`
	NoTLS      bool          `long:"notls" description:"Disable TLS for the RPC connection"`
	P2PAddr    string        `long:"p2paddr" description:"P2P address of the node to test"`
	Proxy      string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser  string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass  string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	NodeLog    string        `long:"nodelog" description:"Log file of the node to test"`
	RPCTimeout time.Duration `long:"rpctimeout" description:"Timeout for each RPC request"`
	P2PTimeout time.Duration `long:"p2ptimeout" description:"Timeout for the P2P handshake and each block relay"`
	MineBatch  uint32        `long:"minebatch" description:"Maximum number of blocks mined per generate request"`

	// Launched node.
	Launch       string        `long:"launch" description:"Path to a dcrd executable to launch for the run instead of connecting to a running node"`
	NodeArgs     string        `long:"nodeargs" description:"Additional space separated arguments for the launched node"`
	NodeDir      string        `long:"nodedir" description:"Directory for the data and logs of the launched node (default: temporary directory)"`
	StartTimeout time.Duration `long:"starttimeout" description:"Time to wait for the launched node to start listening"`

	// Scenario.
	ActivationHeight   uint32        `long:"activationheight" description:"Height of the first block the strict signature encoding rule applies to -- mining past the stake validation height (144 on simnet) requires votes, so the default is only reachable with a voting wallet attached to the node"`
	SpendBlock         uint32        `long:"spendblock" description:"Height of the block whose coinbase is spent"`
	BoundarySpendBlock uint32        `long:"boundaryspendblock" description:"Height of the block whose coinbase is spent by the boundary check"`
	SpendVout          int32         `long:"spendvout" description:"Coinbase output to spend (default: first output paying to the signing key)"`
	SpendAmount        float64       `long:"spendamount" description:"Amount in DCR sent by the spends (default: full output value less the fee)"`
	Fee                float64       `long:"fee" description:"Fee in DCR paid by the spends"`
	RejectReason       string        `long:"rejectreason" description:"Substring of the mempool rejection reason of the non-canonical spend"`
	BlockRejectPattern string        `long:"blockrejectpattern" description:"Node log line that reports the rejection of the non-canonical block; {block} is replaced by the block hash"`
	CheckBoundary      bool          `long:"checkboundary" description:"Also check a non-canonical spend is accepted in the block before the activation height"`
	LogTimeout         time.Duration `long:"logtimeout" description:"Time to wait for a block rejection in the node log"`
	PolicyProbe        string        `long:"policyprobe" description:"RPC used to evaluate transactions against the mempool policy {testmempoolaccept, sendrawtransaction}"`
	TailLines          int           `long:"taillines" description:"Number of node log lines reported on failure"`

	// Block construction.
	SigningKey        string `long:"signingkey" description:"WIF private key the node mines to and the spends are signed with (generated when launching a node)"`
	TreasurySemantics string `long:"treasurysemantics" description:"Coinbase layout {original, dcp0006}"`
	PowHash           string `long:"powhash" description:"Proof of work hash function {blake256r14, blake3}"`
	HeaderCommitments bool   `long:"headercommitments" description:"Build blocks with header commitments (DCP0005)"`
	BlockVersion      int32  `long:"blockversion" description:"Override the block version of the node's template"`

	// The following fields are set by loadConfig.
	params            *params
	policyProbe       session.PolicyProbe
	treasurySemantics blockbuild.TreasurySemantics
	powHashAlgo       blockbuild.PowHashAlgorithm
	spendAmount       dcrutil.Amount
	fee               dcrutil.Amount
	nodeArgs          []string
}

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := slog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// createDefaultConfigFile creates a config file at the specified path with the
// sample contents.
func createDefaultConfigFile(destPath string) error {
	// Create the destination directory if it does not exist.
	err := os.MkdirAll(filepath.Dir(destPath), 0700)
	if err != nil {
		return err
	}

	return os.WriteFile(destPath, []byte(sampleconfig.Dersigtest()), 0600)
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// promptPassword reads a password from the terminal without echoing it.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("standard input is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in dersigtest functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(appName string) (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:            defaultHomeDir,
		ConfigFile:         defaultConfigFile,
		LogDir:             defaultLogDir,
		DebugLevel:         defaultLogLevel,
		RPCCert:            defaultRPCCert,
		RPCTimeout:         defaultRPCTimeout,
		P2PTimeout:         defaultRelayTimeout,
		MineBatch:          defaultMineBatch,
		StartTimeout:       defaultStartTimeout,
		ActivationHeight:   defaultActivationHeight,
		SpendBlock:         defaultSpendBlock,
		BoundarySpendBlock: defaultBoundarySpend,
		SpendVout:          defaultSpendVout,
		Fee:                scenario.DefaultFee.ToCoin(),
		RejectReason:       scenario.DefaultRejectReason,
		BlockRejectPattern: scenario.DefaultBlockRejectPattern,
		LogTimeout:         defaultLogTimeout,
		PolicyProbe:        defaultPolicyProbe,
		TailLines:          defaultTailLines,
		TreasurySemantics:  defaultTreasurySemantics,
		PowHash:            defaultPowHash,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory for dersigtest if specified.  Since the home
	// directory is updated, other variables need to be updated to reflect
	// the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(cleanAndExpandPath(preCfg.HomeDir))

		if preCfg.ConfigFile == defaultConfigFile {
			defaultConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
			preCfg.ConfigFile = defaultConfigFile
			cfg.ConfigFile = defaultConfigFile
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Create a default config file when one does not exist and the user did
	// not specify an override.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(preCfg.ConfigFile) {
		err := createDefaultConfigFile(preCfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config "+
				"file: %v\n", err)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			err = fmt.Errorf("error parsing config file: %w", err)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	funcName := "loadConfig"
	cfg.params = &simNetParams
	numNets := 0
	if cfg.TestNet {
		numNets++
		cfg.params = &testNet3Params
	}
	if cfg.SimNet {
		numNets++
		cfg.params = &simNetParams
	}
	if cfg.RegNet {
		numNets++
		cfg.params = &regNetParams
	}
	if numNets > 1 {
		str := "%s: the testnet, regnet, and simnet params can't be " +
			"used together -- choose one of the three"
		err := fmt.Errorf(str, funcName)
		return nil, nil, err
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.params.Name)
	if !cfg.NoFileLogging {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		return nil, nil, err
	}

	// Validate the policy probe and block construction options.
	cfg.policyProbe, err = session.ParsePolicyProbe(cfg.PolicyProbe)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", funcName, err)
	}
	var ok bool
	cfg.treasurySemantics, ok = treasurySemantics[strings.ToLower(cfg.TreasurySemantics)]
	if !ok {
		str := "%s: unsupported treasury semantics %q"
		return nil, nil, fmt.Errorf(str, funcName, cfg.TreasurySemantics)
	}
	cfg.powHashAlgo, ok = powHashAlgos[strings.ToLower(cfg.PowHash)]
	if !ok {
		str := "%s: unsupported proof of work hash %q"
		return nil, nil, fmt.Errorf(str, funcName, cfg.PowHash)
	}

	// Validate the amounts.
	cfg.fee, err = dcrutil.NewAmount(cfg.Fee)
	if err != nil || cfg.fee < 0 {
		str := "%s: invalid fee %v"
		return nil, nil, fmt.Errorf(str, funcName, cfg.Fee)
	}
	cfg.spendAmount, err = dcrutil.NewAmount(cfg.SpendAmount)
	if err != nil || cfg.spendAmount < 0 {
		str := "%s: invalid spend amount %v"
		return nil, nil, fmt.Errorf(str, funcName, cfg.SpendAmount)
	}

	if cfg.RejectReason == "" {
		str := "%s: the reject reason may not be empty"
		return nil, nil, fmt.Errorf(str, funcName)
	}
	if !strings.Contains(cfg.BlockRejectPattern, scenario.BlockPlaceholder) {
		dsgtLog.Warnf("The block reject pattern %q does not contain %s and "+
			"may match the rejection of another block",
			cfg.BlockRejectPattern, scenario.BlockPlaceholder)
	}

	cfg.nodeArgs = strings.Fields(cfg.NodeArgs)
	if cfg.Launch != "" {
		cfg.Launch = cleanAndExpandPath(cfg.Launch)
		cfg.NodeDir = cleanAndExpandPath(cfg.NodeDir)
	} else {
		// A node that is not launched must be reachable and must be
		// mining to the signing key.
		if cfg.SigningKey == "" {
			str := "%s: --signingkey is required when the node is not " +
				"launched -- it must match the --miningaddr of the node"
			err := errSuppressUsage(fmt.Sprintf(str, funcName))
			return nil, nil, err
		}
		if cfg.RPCServer == "" {
			cfg.RPCServer = "localhost"
		}
		cfg.RPCServer = normalizeAddress(cfg.RPCServer, cfg.params.rpcPort)
		if cfg.P2PAddr == "" {
			cfg.P2PAddr = "localhost"
		}
		cfg.P2PAddr = normalizeAddress(cfg.P2PAddr, cfg.params.DefaultPort)
		cfg.RPCCert = cleanAndExpandPath(cfg.RPCCert)
		cfg.NodeLog = cleanAndExpandPath(cfg.NodeLog)
		if cfg.NodeLog == "" {
			cfg.NodeLog = filepath.Join(dcrdHomeDir, "logs", cfg.params.Name,
				"dcrd.log")
		}

		if cfg.RPCPass == "" {
			cfg.RPCPass, err = promptPassword("RPC password: ")
			if err != nil {
				str := "%s: --rpcpass is required: %v"
				return nil, nil, fmt.Errorf(str, funcName, err)
			}
		}
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		dsgtLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
