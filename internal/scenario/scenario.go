// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dersigtest/internal/blockbuild"
	"github.com/decred/dersigtest/internal/logwatch"
	"github.com/decred/dersigtest/internal/session"
	"github.com/decred/dersigtest/internal/sigmutate"
)

const (
	// BlockPlaceholder is replaced by the hash of the submitted block in
	// the block rejection pattern.
	BlockPlaceholder = "{block}"

	// DefaultBlockRejectPattern is the log line dcrd writes when it rejects
	// a block relayed by a peer.
	DefaultBlockRejectPattern = "Rejected block " + BlockPlaceholder

	// DefaultRejectReason is the reason dcrd reports when the mempool rejects
	// a transaction with a non-canonically encoded signature.
	DefaultRejectReason = "mandatory-script-verify-flag-failed " +
		"(Non-canonical DER signature)"

	// DefaultLogTimeout is the default amount of time to wait for a block
	// rejection to appear in the node log.
	DefaultLogTimeout = 10 * time.Second

	// DefaultFee is the default fee paid by the spends.
	DefaultFee = dcrutil.Amount(1e5)

	// defaultTailLines is the number of log lines attached to failures.
	defaultTailLines = 20

	// diagnosticTimeout bounds collecting diagnostics after a failure.
	diagnosticTimeout = 5 * time.Second
)

// State identifies a step of the scenario.
type State uint8

const (
	StateSetup State = iota
	StatePreBoundaryBlockAccept
	StatePreActivationPolicyCheck
	StatePreActivationBlockReject
	StatePostFixBlockAccept
	StateDone
	StateFailed
)

// stateStrings maps states to their names.
var stateStrings = map[State]string{
	StateSetup:                    "SETUP",
	StatePreBoundaryBlockAccept:   "PRE_BOUNDARY_BLOCK_ACCEPT",
	StatePreActivationPolicyCheck: "PRE_ACTIVATION_POLICY_CHECK",
	StatePreActivationBlockReject: "PRE_ACTIVATION_BLOCK_REJECT",
	StatePostFixBlockAccept:       "POST_FIX_BLOCK_ACCEPT",
	StateDone:                     "DONE",
	StateFailed:                   "FAILED",
}

// String returns the State as a human-readable name.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", uint8(s))
}

// Node is the view of a node the scenario needs.  It is implemented by
// *session.Session.
type Node interface {
	CurrentTip(ctx context.Context) (*chainhash.Hash, error)
	BlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)
	Header(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error)
	Block(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	MedianTime(ctx context.Context, hash *chainhash.Hash) (time.Time, error)
	MineBlocks(ctx context.Context, n uint32) ([]*chainhash.Hash, error)
	BlockTemplate(ctx context.Context) (*blockbuild.Template, error)
	PrevScripts(ctx context.Context, block *wire.MsgBlock) (blockbuild.PrevScripts, error)
	CheckMempoolAcceptance(ctx context.Context, tx *wire.MsgTx) (session.MempoolVerdict, error)
	SubmitBlock(ctx context.Context, block *wire.MsgBlock) error
}

// Observer corroborates decisions of the node from its log.  It is
// implemented by *logwatch.Watcher.
type Observer interface {
	Mark() (logwatch.Cursor, error)
	AwaitPattern(ctx context.Context, cursor logwatch.Cursor, pattern string, timeout time.Duration) (bool, error)
	Tail(n int) ([]string, error)
}

// Ensure the session and log watcher satisfy the interfaces.
var (
	_ Node     = (*session.Session)(nil)
	_ Observer = (*logwatch.Watcher)(nil)
)

// Config houses the parameters of a scenario.
type Config struct {
	// ActivationHeight is the height of the first block the strict
	// signature encoding rule applies to.
	ActivationHeight uint32

	// SpendBlock is the height of the block whose coinbase is spent by the
	// transaction the rule is checked with.
	SpendBlock uint32

	// BoundarySpendBlock is the height of the block whose coinbase is spent
	// by the mutated transaction in the block before the activation height.
	// It is only used when CheckBoundary is set.
	BoundarySpendBlock uint32

	// SpendVout selects the coinbase output to spend.  A negative value
	// selects the first output paying to the signer.
	SpendVout int32

	// SpendAmount is the amount sent by the spends.  Zero sends the full
	// value of the spent output less the fee.
	SpendAmount dcrutil.Amount

	// Fee is the fee paid by the spends.
	Fee dcrutil.Amount

	// RejectReason must be contained in the reason the mempool reports for
	// rejecting the mutated spend.
	RejectReason string

	// BlockRejectPattern must appear in the node log after the mutated
	// block at the activation height is submitted.  BlockPlaceholder is
	// replaced by the hash of the block.
	BlockRejectPattern string

	// CheckBoundary enables the block before the activation height to be
	// checked for acceptance of a mutated spend.
	CheckBoundary bool

	// LogTimeout bounds the wait for a block rejection in the node log.
	LogTimeout time.Duration

	// PolicyProbe is the policy probe of the node session.  Spends probed
	// with sendrawtransaction enter the mempool when accepted, so the
	// mutated spend is probed first in that case.
	PolicyProbe session.PolicyProbe

	// TailLines is the number of node log lines attached to failures.
	TailLines int
}

// StepResult is the outcome of a single step.
//
// Tx is the transaction hash of the spend the step submitted.  It only
// commits to the transaction prefix, so the canonical and the non-canonical
// spend of an output share it.  TxFull also commits to the signature scripts
// and identifies the exact encoding.
type StepResult struct {
	State    State
	Outcome  string
	Block    *chainhash.Hash
	Tx       *chainhash.Hash
	TxFull   *chainhash.Hash
	Duration time.Duration
}

// spendResult returns a step result for the passed outcome, block and spend.
func spendResult(outcome string, block *chainhash.Hash, tx *wire.MsgTx) *StepResult {
	txHash, fullHash := tx.TxHash(), tx.TxHashFull()
	return &StepResult{
		Outcome: outcome,
		Block:   block,
		Tx:      &txHash,
		TxFull:  &fullHash,
	}
}

// Report describes a completed or failed run.
type Report struct {
	ActivationHeight uint32
	Steps            []StepResult
	FinalState       State
	FinalTip         *chainhash.Hash
}

// String returns a human-readable summary of the report.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Activation height %d: %v\n", r.ActivationHeight,
		r.FinalState)
	for _, step := range r.Steps {
		fmt.Fprintf(&sb, "  %-28v %s", step.State, step.Outcome)
		if step.Tx != nil {
			fmt.Fprintf(&sb, " tx=%v", step.Tx)
		}
		if step.TxFull != nil {
			fmt.Fprintf(&sb, " txfull=%v", step.TxFull)
		}
		if step.Block != nil {
			fmt.Fprintf(&sb, " block=%v", step.Block)
		}
		fmt.Fprintf(&sb, " (%v)\n", step.Duration.Round(time.Millisecond))
	}
	if r.FinalTip != nil {
		fmt.Fprintf(&sb, "  final tip %v\n", r.FinalTip)
	}
	return sb.String()
}

// Scenario runs the activation checks against a node.
type Scenario struct {
	cfg     Config
	node    Node
	obs     Observer
	builder *blockbuild.Builder

	state      State
	report     *Report
	extraNonce uint64

	// tip and tipHeight are the block new blocks are built on.
	tip       *chainhash.Hash
	tipHeight uint32

	// spend and boundarySpend are the outputs spent by the checks.
	spend         blockbuild.SpendableOut
	boundarySpend blockbuild.SpendableOut
}

// New returns a scenario that runs against the passed node and observer
// building blocks with the passed builder.
func New(cfg *Config, node Node, obs Observer, builder *blockbuild.Builder) *Scenario {
	s := &Scenario{
		cfg:     *cfg,
		node:    node,
		obs:     obs,
		builder: builder,
		report:  &Report{ActivationHeight: cfg.ActivationHeight},
	}
	if s.cfg.BlockRejectPattern == "" {
		s.cfg.BlockRejectPattern = DefaultBlockRejectPattern
	}
	if s.cfg.RejectReason == "" {
		s.cfg.RejectReason = DefaultRejectReason
	}
	if s.cfg.LogTimeout <= 0 {
		s.cfg.LogTimeout = DefaultLogTimeout
	}
	if s.cfg.TailLines <= 0 {
		s.cfg.TailLines = defaultTailLines
	}
	return s
}

// State returns the current state of the scenario.
func (s *Scenario) State() State {
	return s.state
}

// validate ensures the configured heights describe a run the network rules
// allow.
func (s *Scenario) validate() error {
	cfg := &s.cfg
	maturity := uint32(s.builder.Params().CoinbaseMaturity)
	if cfg.SpendBlock < 1 {
		return fmt.Errorf("spend block must be at least 1")
	}
	if cfg.ActivationHeight < cfg.SpendBlock+maturity {
		return fmt.Errorf("activation height %d is too low to spend the "+
			"coinbase of block %d which matures after %d blocks",
			cfg.ActivationHeight, cfg.SpendBlock, maturity)
	}
	if !cfg.CheckBoundary {
		return nil
	}
	if cfg.BoundarySpendBlock < 1 || cfg.BoundarySpendBlock == cfg.SpendBlock {
		return fmt.Errorf("boundary spend block %d must be at least 1 and "+
			"differ from the spend block", cfg.BoundarySpendBlock)
	}
	if cfg.ActivationHeight < cfg.BoundarySpendBlock+maturity+1 {
		return fmt.Errorf("activation height %d is too low to spend the "+
			"coinbase of block %d one block earlier", cfg.ActivationHeight,
			cfg.BoundarySpendBlock)
	}
	return nil
}

// Run executes every step of the scenario in order and returns the report.
// The returned error is a *Error when a step fails.  The report is returned
// in either case.
func (s *Scenario) Run(ctx context.Context) (*Report, error) {
	steps := []struct {
		state State
		fn    func(context.Context) (*StepResult, error)
	}{
		{StateSetup, s.setup},
		{StatePreBoundaryBlockAccept, s.boundaryBlockAccept},
		{StatePreActivationPolicyCheck, s.policyCheck},
		{StatePreActivationBlockReject, s.blockReject},
		{StatePostFixBlockAccept, s.postFixBlockAccept},
	}
	for _, step := range steps {
		if step.state == StatePreBoundaryBlockAccept && !s.cfg.CheckBoundary {
			continue
		}

		s.state = step.state
		log.Infof("Entering %v", step.state)
		start := time.Now()
		result, err := step.fn(ctx)
		if err != nil {
			return s.fail(ctx, step.state, err)
		}
		result.State = step.state
		result.Duration = time.Since(start)
		s.report.Steps = append(s.report.Steps, *result)
		log.Infof("%v: %s", step.state, result.Outcome)
	}

	s.state = StateDone
	s.report.FinalState = StateDone
	s.report.FinalTip = s.tip
	return s.report, nil
}

// fail moves the scenario to the failed state and returns the report along
// with an Error describing the failure of the step and the diagnostics.
func (s *Scenario) fail(ctx context.Context, step State, err error) (*Report, error) {
	s.state = StateFailed
	s.report.FinalState = StateFailed

	var serr *Error
	if !errors.As(err, &serr) {
		serr = stepFailed(step, "step failed", err)
	}

	// Diagnostics are best effort since the session may be gone.
	tip := s.tip
	dctx, cancel := context.WithTimeout(context.Background(), diagnosticTimeout)
	defer cancel()
	if ctx.Err() == nil {
		if hash, err := s.node.CurrentTip(dctx); err == nil {
			tip = hash
		} else {
			log.Debugf("Unable to query tip for diagnostics: %v", err)
		}
	}
	if serr.Tip == nil {
		serr.Tip = tip
	}
	if lines, err := s.obs.Tail(s.cfg.TailLines); err == nil {
		serr.LogLines = lines
	} else {
		log.Debugf("Unable to read node log for diagnostics: %v", err)
	}
	s.report.FinalTip = serr.Tip

	log.Errorf("%v", serr)
	return s.report, serr
}

// findSpend returns the output spent from the coinbase of the block at the
// passed height.
func (s *Scenario) findSpend(ctx context.Context, height uint32) (blockbuild.SpendableOut, error) {
	hash, err := s.node.BlockHash(ctx, int64(height))
	if err != nil {
		return blockbuild.SpendableOut{}, err
	}
	block, err := s.node.Block(ctx, hash)
	if err != nil {
		return blockbuild.SpendableOut{}, err
	}
	if s.cfg.SpendVout >= 0 {
		return blockbuild.MakeSpendableOut(block, 0, uint32(s.cfg.SpendVout))
	}
	_, pkScript := s.builder.Signer().PaymentScript()
	return blockbuild.FindSpendableOut(block, 0, pkScript)
}

// setup mines the chain up to the first block the checks build on and
// selects the outputs they spend.
func (s *Scenario) setup(ctx context.Context) (*StepResult, error) {
	if err := s.validate(); err != nil {
		return nil, makeError(ErrStepFailed, StateSetup, err.Error())
	}

	tip, err := s.node.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}
	header, err := s.node.Header(ctx, tip)
	if err != nil {
		return nil, err
	}

	target := s.cfg.ActivationHeight - 1
	if s.cfg.CheckBoundary {
		target--
	}
	if header.Height > target {
		str := fmt.Sprintf("chain is already at height %d which is beyond "+
			"height %d required for activation height %d", header.Height,
			target, s.cfg.ActivationHeight)
		return nil, makeError(ErrStepFailed, StateSetup, str)
	}
	if n := target - header.Height; n > 0 {
		log.Infof("Mining %d blocks to height %d", n, target)
		hashes, err := s.node.MineBlocks(ctx, n)
		if err != nil {
			return nil, err
		}
		tip = hashes[len(hashes)-1]
	}
	s.tip, s.tipHeight = tip, target

	s.spend, err = s.findSpend(ctx, s.cfg.SpendBlock)
	if err != nil {
		return nil, err
	}
	if s.cfg.CheckBoundary {
		s.boundarySpend, err = s.findSpend(ctx, s.cfg.BoundarySpendBlock)
		if err != nil {
			return nil, err
		}
	}

	outcome := fmt.Sprintf("chain at height %d, spending %v", target,
		s.spend.PrevOut())
	return &StepResult{Outcome: outcome, Block: tip}, nil
}

// buildSpends returns a canonically signed spend of the passed output along
// with its mutated version.
func (s *Scenario) buildSpends(spend *blockbuild.SpendableOut) (*wire.MsgTx, *wire.MsgTx, error) {
	amount := s.cfg.SpendAmount
	if amount == 0 {
		amount = spend.Amount() - s.cfg.Fee
	}
	destVer, dest := s.builder.Signer().PaymentScript()
	canonical, err := s.builder.BuildSpend(spend, destVer, dest, amount,
		s.cfg.Fee)
	if err != nil {
		return nil, nil, err
	}
	mutated, err := sigmutate.MutateTx(canonical)
	if err != nil {
		return nil, nil, err
	}
	return canonical, mutated, nil
}

// buildBlock returns a solved block on the current tip that includes the
// passed spend of the passed output along with the stake transactions of the
// node's template.
func (s *Scenario) buildBlock(ctx context.Context, spendTx *wire.MsgTx, spend *blockbuild.SpendableOut) (*wire.MsgBlock, error) {
	tmpl, err := s.node.BlockTemplate(ctx)
	if err != nil {
		return nil, err
	}
	medianTime, err := s.node.MedianTime(ctx, s.tip)
	if err != nil {
		return nil, err
	}
	timestamp := tmpl.Header.Timestamp
	if !timestamp.After(medianTime) {
		timestamp = medianTime.Add(time.Second)
	}

	height := s.tipHeight + 1
	s.extraNonce++
	coinbase, err := s.builder.BuildCoinbase(height, tmpl.Subsidy,
		s.extraNonce)
	if err != nil {
		return nil, err
	}
	block, err := s.builder.BuildBlock(s.tip, height, coinbase, timestamp,
		tmpl)
	if err != nil {
		return nil, err
	}

	var prevScripts blockbuild.PrevScripts
	if s.builder.HeaderCommitments() {
		prevScripts, err = s.node.PrevScripts(ctx, block)
		if err != nil {
			return nil, err
		}
		prevScripts.AddSpend(spend)
	}
	block.Transactions = append(block.Transactions, spendTx)
	return s.builder.FinalizeBlock(block, prevScripts)
}

// loggedReason returns the most recent node log line that mentions the
// block, if any.
func (s *Scenario) loggedReason(hash *chainhash.Hash) string {
	lines, err := s.obs.Tail(s.cfg.TailLines)
	if err != nil {
		return ""
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(lines[i], hash.String()) {
			return lines[i]
		}
	}
	return ""
}

// submitAccepted submits the block and requires the node to make it the new
// tip.
func (s *Scenario) submitAccepted(ctx context.Context, step State, block *wire.MsgBlock) error {
	hash := block.BlockHash()
	if err := s.node.SubmitBlock(ctx, block); err != nil {
		return err
	}
	tip, err := s.node.CurrentTip(ctx)
	if err != nil {
		return err
	}
	if *tip != hash {
		serr := makeError(ErrUnexpectedRejection, step, fmt.Sprintf("block "+
			"%v at height %d was not accepted", hash, block.Header.Height))
		serr.Reason = s.loggedReason(&hash)
		serr.Tip = tip
		return serr
	}
	s.tip, s.tipHeight = &hash, block.Header.Height
	return nil
}

// boundaryBlockAccept requires the block before the activation height to be
// accepted even though it contains a spend with a non-canonically encoded
// signature.
func (s *Scenario) boundaryBlockAccept(ctx context.Context) (*StepResult, error) {
	_, mutated, err := s.buildSpends(&s.boundarySpend)
	if err != nil {
		return nil, err
	}
	block, err := s.buildBlock(ctx, mutated, &s.boundarySpend)
	if err != nil {
		return nil, err
	}
	if err := s.submitAccepted(ctx, StatePreBoundaryBlockAccept, block); err != nil {
		return nil, err
	}

	hash := block.BlockHash()
	outcome := fmt.Sprintf("block %d with non-canonical signature accepted",
		block.Header.Height)
	return spendResult(outcome, &hash, mutated), nil
}

// probe evaluates the transaction against the mempool policy and requires
// the expected verdict.
func (s *Scenario) probe(ctx context.Context, tx *wire.MsgTx, wantAccept bool) error {
	verdict, err := s.node.CheckMempoolAcceptance(ctx, tx)
	if err != nil {
		return err
	}
	step := StatePreActivationPolicyCheck
	switch {
	case wantAccept && !verdict.Accepted:
		serr := makeError(ErrUnexpectedRejection, step, fmt.Sprintf(
			"canonically signed spend %v (full hash %v) was rejected",
			verdict.TxID, verdict.FullHash))
		serr.Reason = verdict.Reason
		return serr

	case !wantAccept && verdict.Accepted:
		return makeError(ErrUnexpectedAcceptance, step, fmt.Sprintf(
			"spend %v (full hash %v) with non-canonical signature was "+
				"accepted", verdict.TxID, verdict.FullHash))

	case !wantAccept && !strings.Contains(verdict.Reason, s.cfg.RejectReason):
		serr := makeError(ErrUnexpectedRejection, step, fmt.Sprintf(
			"spend %v (full hash %v) with non-canonical signature was "+
				"rejected for a reason other than %q", verdict.TxID,
			verdict.FullHash, s.cfg.RejectReason))
		serr.Reason = verdict.Reason
		return serr
	}

	log.Debugf("Policy verdict for %v (full hash %v): accepted %v %s",
		verdict.TxID, verdict.FullHash, verdict.Accepted, verdict.Reason)
	return nil
}

// policyCheck requires the mempool to accept the canonically signed spend and
// reject its mutated version.
func (s *Scenario) policyCheck(ctx context.Context) (*StepResult, error) {
	canonical, mutated, err := s.buildSpends(&s.spend)
	if err != nil {
		return nil, err
	}

	// The canonical spend is a negative control which proves the spend is
	// otherwise valid.
	if s.cfg.PolicyProbe == session.PPSendRawTransaction {
		if err := s.probe(ctx, mutated, false); err != nil {
			return nil, err
		}
		if err := s.probe(ctx, canonical, true); err != nil {
			return nil, err
		}
	} else {
		if err := s.probe(ctx, canonical, true); err != nil {
			return nil, err
		}
		if err := s.probe(ctx, mutated, false); err != nil {
			return nil, err
		}
	}

	outcome := fmt.Sprintf("canonical spend accepted, mutated spend rejected "+
		"by %v", s.cfg.PolicyProbe)
	return spendResult(outcome, nil, mutated), nil
}

// blockReject requires the block at the activation height to be rejected
// when it contains a spend with a non-canonically encoded signature.
func (s *Scenario) blockReject(ctx context.Context) (*StepResult, error) {
	step := StatePreActivationBlockReject
	_, mutated, err := s.buildSpends(&s.spend)
	if err != nil {
		return nil, err
	}
	block, err := s.buildBlock(ctx, mutated, &s.spend)
	if err != nil {
		return nil, err
	}
	hash := block.BlockHash()

	cursor, err := s.obs.Mark()
	if err != nil {
		return nil, err
	}
	if err := s.node.SubmitBlock(ctx, block); err != nil {
		return nil, err
	}
	pattern := strings.ReplaceAll(s.cfg.BlockRejectPattern, BlockPlaceholder,
		hash.String())
	found, err := s.obs.AwaitPattern(ctx, cursor, pattern, s.cfg.LogTimeout)
	if err != nil {
		return nil, err
	}
	tip, err := s.node.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case *tip == hash:
		serr := makeError(ErrUnexpectedAcceptance, step, fmt.Sprintf("block "+
			"%v at height %d with non-canonical signature became the tip",
			hash, block.Header.Height))
		serr.Tip = tip
		return nil, serr

	case *tip != *s.tip:
		serr := makeError(ErrStepFailed, step, fmt.Sprintf("tip moved "+
			"from %v to unexpected block %v", s.tip, tip))
		serr.Tip = tip
		return nil, serr

	case !found:
		serr := makeError(ErrObservationTimeout, step, fmt.Sprintf("tip "+
			"did not move but %q was not logged within %v", pattern,
			s.cfg.LogTimeout))
		serr.Tip = tip
		return nil, serr
	}

	outcome := fmt.Sprintf("block %d with non-canonical signature rejected",
		block.Header.Height)
	return spendResult(outcome, &hash, mutated), nil
}

// postFixBlockAccept requires the block at the activation height to be
// accepted once the spend is canonically signed.
func (s *Scenario) postFixBlockAccept(ctx context.Context) (*StepResult, error) {
	canonical, _, err := s.buildSpends(&s.spend)
	if err != nil {
		return nil, err
	}
	block, err := s.buildBlock(ctx, canonical, &s.spend)
	if err != nil {
		return nil, err
	}
	if err := s.submitAccepted(ctx, StatePostFixBlockAccept, block); err != nil {
		return nil, err
	}

	hash := block.BlockHash()
	outcome := fmt.Sprintf("block %d with canonical signature accepted",
		block.Header.Height)
	return spendResult(outcome, &hash, canonical), nil
}
