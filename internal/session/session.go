// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/decred/dcrd/blockchain/stake/v5"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrjson/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	chainjson "github.com/decred/dcrd/rpc/jsonrpc/types/v4"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dersigtest/internal/blockbuild"
	"github.com/decred/dersigtest/internal/progresslog"
)

const (
	// medianTimeBlocks is the number of previous blocks used to calculate
	// the median time of a block.
	medianTimeBlocks = 11

	// defaultRPCTimeout is used when no RPC timeout is configured.
	defaultRPCTimeout = time.Minute

	// defaultMineBatch is used when no mining batch size is configured.
	defaultMineBatch = 100

	// rpcMethodNotFound is the JSON-RPC error code for unknown methods.
	rpcMethodNotFound = dcrjson.RPCErrorCode(-32601)
)

// PolicyProbe identifies the RPC used to evaluate a transaction against the
// node's mempool policy.
type PolicyProbe uint8

const (
	// PPTestMempoolAccept evaluates transactions with testmempoolaccept which
	// never changes the state of the mempool.
	PPTestMempoolAccept PolicyProbe = iota

	// PPSendRawTransaction evaluates transactions with sendrawtransaction for
	// nodes that do not provide testmempoolaccept.  Accepted transactions
	// enter the mempool.
	PPSendRawTransaction
)

// policyProbeStrings maps policy probes to their configuration names.
var policyProbeStrings = map[PolicyProbe]string{
	PPTestMempoolAccept:  "testmempoolaccept",
	PPSendRawTransaction: "sendrawtransaction",
}

// String returns the PolicyProbe as a human-readable name.
func (p PolicyProbe) String() string {
	if s := policyProbeStrings[p]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown PolicyProbe (%d)", uint8(p))
}

// ParsePolicyProbe returns the policy probe with the passed name.
func ParsePolicyProbe(name string) (PolicyProbe, error) {
	for p, s := range policyProbeStrings {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown policy probe %q", name)
}

// MempoolVerdict is the node's policy decision for a transaction.  Reason is
// the node's rejection reason verbatim and is empty for accepted
// transactions.
//
// TxID is the transaction hash the node reports, which only commits to the
// transaction prefix.  Transactions that differ only in their signature
// scripts share it and are told apart by FullHash.
type MempoolVerdict struct {
	TxID     chainhash.Hash
	FullHash chainhash.Hash
	Accepted bool
	Reason   string
}

// chainClient is the subset of the RPC client used by a session.
type chainClient interface {
	GetBestBlockHash(ctx context.Context) (*chainhash.Hash, error)
	GetBlock(ctx context.Context, blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHash(ctx context.Context, blockHeight int64) (*chainhash.Hash, error)
	GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error)
	GetBlockSubsidy(ctx context.Context, height int64, voters uint16) (*chainjson.GetBlockSubsidyResult, error)
	GetRawMempool(ctx context.Context, txType chainjson.GetRawMempoolTxTypeCmd) ([]*chainhash.Hash, error)
	GetRawTransaction(ctx context.Context, txHash *chainhash.Hash) (*dcrutil.Tx, error)
	GetWork(ctx context.Context) (*chainjson.GetWorkResult, error)
	Generate(ctx context.Context, numBlocks uint32) ([]*chainhash.Hash, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	RawRequest(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
	WaitForShutdown()
}

// Ensure the RPC client implements the chainClient interface.
var _ chainClient = (*rpcclient.Client)(nil)

// Config houses the configuration of a session.
type Config struct {
	// RPC is the control channel configuration.  Automatic reconnection is
	// always disabled.
	RPC *rpcclient.ConnConfig

	// Relay is the data channel configuration.
	Relay RelayConfig

	// Params identifies the network the node is on.
	Params *chaincfg.Params

	// RPCTimeout bounds every remote procedure call.
	RPCTimeout time.Duration

	// MineBatch is the maximum number of blocks requested per generate call.
	MineBatch uint32

	// PolicyProbe selects how mempool acceptance is evaluated.
	PolicyProbe PolicyProbe
}

// Session is one control channel and one data channel to a single node.  A
// session is not safe for concurrent use and is unusable once either channel
// is lost.
type Session struct {
	cfg   Config
	rpc   chainClient
	relay blockRelay
}

// newSession returns a session over already established channels.
func newSession(cfg *Config, rpc chainClient, relay blockRelay) *Session {
	s := &Session{cfg: *cfg, rpc: rpc, relay: relay}
	if s.cfg.RPCTimeout <= 0 {
		s.cfg.RPCTimeout = defaultRPCTimeout
	}
	if s.cfg.MineBatch == 0 {
		s.cfg.MineBatch = defaultMineBatch
	}
	return s
}

// Connect opens the control channel and the data channel to the node.
func Connect(ctx context.Context, cfg *Config) (*Session, error) {
	connCfg := *cfg.RPC
	connCfg.DisableAutoReconnect = true
	client, err := rpcclient.New(&connCfg, nil)
	if err != nil {
		str := fmt.Sprintf("unable to connect to RPC server %s: %v",
			connCfg.Host, err)
		return nil, makeError(ErrRPC, str)
	}
	log.Debugf("Connected to RPC server %s", connCfg.Host)

	relayCfg := cfg.Relay
	if relayCfg.Params == nil {
		relayCfg.Params = cfg.Params
	}
	relay, err := connectRelay(ctx, &relayCfg)
	if err != nil {
		client.Shutdown()
		client.WaitForShutdown()
		return nil, err
	}
	return newSession(cfg, client, relay), nil
}

// Close shuts down both channels.
func (s *Session) Close() {
	if s.relay != nil {
		s.relay.Close()
	}
	s.rpc.Shutdown()
	s.rpc.WaitForShutdown()
}

// callCtx returns a context bounded by the RPC timeout.
func (s *Session) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RPCTimeout)
}

// rpcError converts an RPC client error into a session error.
func (s *Session) rpcError(method string, err error) error {
	str := fmt.Sprintf("%s: %v", method, err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return makeError(ErrTimeout, str)
	case errors.Is(err, rpcclient.ErrClientShutdown),
		errors.Is(err, rpcclient.ErrClientDisconnect),
		errors.Is(err, rpcclient.ErrClientNotConnected):
		return makeError(ErrSessionLost, str)
	}
	if s.relay != nil {
		select {
		case <-s.relay.Disconnected():
			return makeError(ErrSessionLost, str)
		default:
		}
	}
	return makeError(ErrRPC, str)
}

// CurrentTip returns the hash of the node's best block.
func (s *Session) CurrentTip(ctx context.Context) (*chainhash.Hash, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	hash, err := s.rpc.GetBestBlockHash(cctx)
	if err != nil {
		return nil, s.rpcError("getbestblockhash", err)
	}
	return hash, nil
}

// BlockHash returns the hash of the main chain block at the passed height.
func (s *Session) BlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	hash, err := s.rpc.GetBlockHash(cctx, height)
	if err != nil {
		return nil, s.rpcError("getblockhash", err)
	}
	return hash, nil
}

// Header returns the header of the block with the passed hash.
func (s *Session) Header(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	header, err := s.rpc.GetBlockHeader(cctx, hash)
	if err != nil {
		return nil, s.rpcError("getblockheader", err)
	}
	return header, nil
}

// Block returns the block with the passed hash.
func (s *Session) Block(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	block, err := s.rpc.GetBlock(cctx, hash)
	if err != nil {
		return nil, s.rpcError("getblock", err)
	}
	return block, nil
}

// MedianTime returns the median timestamp of the block with the passed hash
// and the blocks before it, the same way the node calculates it.
func (s *Session) MedianTime(ctx context.Context, hash *chainhash.Hash) (time.Time, error) {
	timestamps := make([]int64, 0, medianTimeBlocks)
	next := *hash
	for i := 0; i < medianTimeBlocks; i++ {
		header, err := s.Header(ctx, &next)
		if err != nil {
			return time.Time{}, err
		}
		timestamps = append(timestamps, header.Timestamp.Unix())
		if header.Height == 0 {
			break
		}
		next = header.PrevBlock
	}

	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})
	return time.Unix(timestamps[len(timestamps)/2], 0), nil
}

// MineBlocks has the node mine n blocks on its current tip and returns their
// hashes in order.
func (s *Session) MineBlocks(ctx context.Context, n uint32) ([]*chainhash.Hash, error) {
	hashes := make([]*chainhash.Hash, 0, n)
	progress := progresslog.New("Mined", uint64(n), log)
	for remaining := n; remaining > 0; {
		batch := remaining
		if batch > s.cfg.MineBatch {
			batch = s.cfg.MineBatch
		}

		cctx, cancel := s.callCtx(ctx)
		mined, err := s.rpc.Generate(cctx, batch)
		cancel()
		if err != nil {
			return nil, s.rpcError("generate", err)
		}
		if uint32(len(mined)) != batch {
			str := fmt.Sprintf("generate returned %d hashes, want %d",
				len(mined), batch)
			return nil, makeError(ErrUnexpectedResponse, str)
		}
		hashes = append(hashes, mined...)
		remaining -= batch
		progress.LogProgress(uint64(batch), mined[len(mined)-1], false)
	}
	return hashes, nil
}

// Subsidy returns the subsidy of a block at the passed height with the passed
// number of votes.
func (s *Session) Subsidy(ctx context.Context, height int64, voters uint16) (blockbuild.Subsidy, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	res, err := s.rpc.GetBlockSubsidy(cctx, height, voters)
	if err != nil {
		return blockbuild.Subsidy{}, s.rpcError("getblocksubsidy", err)
	}
	return blockbuild.Subsidy{
		Developer: dcrutil.Amount(res.Developer),
		PoW:       dcrutil.Amount(res.PoW),
	}, nil
}

// tipVotes returns up to limit votes from the mempool that vote on tip.
func (s *Session) tipVotes(ctx context.Context, tip *chainhash.Hash, limit uint16) ([]*wire.MsgTx, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	hashes, err := s.rpc.GetRawMempool(cctx, chainjson.GRMVotes)
	if err != nil {
		return nil, s.rpcError("getrawmempool", err)
	}

	var votes []*wire.MsgTx
	for _, hash := range hashes {
		if uint16(len(votes)) >= limit {
			break
		}
		tx, err := s.rpc.GetRawTransaction(cctx, hash)
		if err != nil {
			// The vote may have been removed from the mempool since it
			// was listed.
			log.Debugf("Unable to fetch vote %v: %v", hash, err)
			continue
		}
		msgTx := tx.MsgTx()
		if stake.DetermineTxType(msgTx) != stake.TxTypeSSGen {
			continue
		}
		if votedOn, _ := stake.SSGenBlockVotedOn(msgTx); votedOn != *tip {
			continue
		}
		votes = append(votes, msgTx)
	}
	return votes, nil
}

// BlockTemplate returns a template for the next block on the node's current
// tip.  The header comes from the node's work template, the stake tree holds
// the votes on the tip found in the mempool and the subsidy accounts for the
// number of votes.
func (s *Session) BlockTemplate(ctx context.Context) (*blockbuild.Template, error) {
	cctx, cancel := s.callCtx(ctx)
	work, err := s.rpc.GetWork(cctx)
	cancel()
	if err != nil {
		return nil, s.rpcError("getwork", err)
	}
	data, err := hex.DecodeString(work.Data)
	if err != nil || len(data) < wire.MaxBlockHeaderPayload {
		str := fmt.Sprintf("getwork returned malformed data %q", work.Data)
		return nil, makeError(ErrUnexpectedResponse, str)
	}
	var header wire.BlockHeader
	if err := header.FromBytes(data[:wire.MaxBlockHeaderPayload]); err != nil {
		str := fmt.Sprintf("getwork returned an invalid header: %v", err)
		return nil, makeError(ErrUnexpectedResponse, str)
	}

	votes, err := s.tipVotes(ctx, &header.PrevBlock, s.cfg.Params.TicketsPerBlock)
	if err != nil {
		return nil, err
	}
	subsidy, err := s.Subsidy(ctx, int64(header.Height), uint16(len(votes)))
	if err != nil {
		return nil, err
	}
	log.Debugf("Block template for height %d on %v with %d votes",
		header.Height, header.PrevBlock, len(votes))
	return &blockbuild.Template{
		Header:    header,
		StakeTxns: votes,
		Subsidy:   subsidy,
	}, nil
}

// PrevScripts returns the scripts of the outputs spent by the passed block.
// They are required to calculate the header commitment root.
func (s *Session) PrevScripts(ctx context.Context, block *wire.MsgBlock) (blockbuild.PrevScripts, error) {
	prevScripts := make(blockbuild.PrevScripts)
	addInputs := func(txIns []*wire.TxIn) error {
		for _, txIn := range txIns {
			op := txIn.PreviousOutPoint
			if _, ok := prevScripts[op]; ok {
				continue
			}
			cctx, cancel := s.callCtx(ctx)
			tx, err := s.rpc.GetRawTransaction(cctx, &op.Hash)
			cancel()
			if err != nil {
				return s.rpcError("getrawtransaction", err)
			}
			txOuts := tx.MsgTx().TxOut
			if int(op.Index) >= len(txOuts) {
				str := fmt.Sprintf("transaction %v has no output %d", op.Hash,
					op.Index)
				return makeError(ErrUnexpectedResponse, str)
			}
			txOut := txOuts[op.Index]
			prevScripts[op] = blockbuild.PrevScript{
				Version: txOut.Version,
				Script:  txOut.PkScript,
			}
		}
		return nil
	}

	for _, tx := range block.Transactions[1:] {
		if err := addInputs(tx.TxIn); err != nil {
			return nil, err
		}
	}
	for _, stx := range block.STransactions {
		switch stake.DetermineTxType(stx) {
		case stake.TxTypeSSGen:
			// The first input of a vote is the stakebase.
			if err := addInputs(stx.TxIn[1:]); err != nil {
				return nil, err
			}
		case stake.TxTypeTreasuryBase, stake.TxTypeTSpend:
		default:
			if err := addInputs(stx.TxIn); err != nil {
				return nil, err
			}
		}
	}
	return prevScripts, nil
}

// testMempoolAcceptResult models a single result of testmempoolaccept.
type testMempoolAcceptResult struct {
	TxID         string `json:"txid"`
	Allowed      bool   `json:"allowed"`
	RejectReason string `json:"reject-reason"`
}

// newVerdict returns an undecided verdict for tx.
func newVerdict(tx *wire.MsgTx) MempoolVerdict {
	return MempoolVerdict{TxID: tx.TxHash(), FullHash: tx.TxHashFull()}
}

// testMempoolAccept evaluates tx with testmempoolaccept and no fee rate limit.
func (s *Session) testMempoolAccept(ctx context.Context, tx *wire.MsgTx) (MempoolVerdict, error) {
	verdict := newVerdict(tx)
	txBytes, err := tx.Bytes()
	if err != nil {
		return verdict, makeError(ErrRPC, err.Error())
	}
	rawTxns, err := json.Marshal([]string{hex.EncodeToString(txBytes)})
	if err != nil {
		return verdict, makeError(ErrRPC, err.Error())
	}
	params := []json.RawMessage{rawTxns, json.RawMessage("0")}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	resp, err := s.rpc.RawRequest(cctx, "testmempoolaccept", params)
	if err != nil {
		var rpcErr *dcrjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcMethodNotFound {
			str := fmt.Sprintf("node does not support testmempoolaccept "+
				"(use the %s policy probe): %v", PPSendRawTransaction, err)
			return verdict, makeError(ErrUnexpectedResponse, str)
		}
		return verdict, s.rpcError("testmempoolaccept", err)
	}

	var results []testMempoolAcceptResult
	if err := json.Unmarshal(resp, &results); err != nil {
		str := fmt.Sprintf("testmempoolaccept returned malformed result: %v",
			err)
		return verdict, makeError(ErrUnexpectedResponse, str)
	}
	if len(results) != 1 {
		str := fmt.Sprintf("testmempoolaccept returned %d results, want 1",
			len(results))
		return verdict, makeError(ErrUnexpectedResponse, str)
	}
	if results[0].TxID != verdict.TxID.String() {
		str := fmt.Sprintf("testmempoolaccept returned result for %s, want %v",
			results[0].TxID, verdict.TxID)
		return verdict, makeError(ErrUnexpectedResponse, str)
	}
	verdict.Accepted = results[0].Allowed
	verdict.Reason = results[0].RejectReason
	return verdict, nil
}

// sendRawTransaction evaluates tx by submitting it to the mempool.  A JSON-RPC
// error returned by the node is its rejection reason.
func (s *Session) sendRawTransaction(ctx context.Context, tx *wire.MsgTx) (MempoolVerdict, error) {
	verdict := newVerdict(tx)
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.rpc.SendRawTransaction(cctx, tx, true)
	if err != nil {
		var rpcErr *dcrjson.RPCError
		if errors.As(err, &rpcErr) {
			verdict.Reason = rpcErr.Message
			return verdict, nil
		}
		return verdict, s.rpcError("sendrawtransaction", err)
	}
	verdict.Accepted = true
	return verdict, nil
}

// CheckMempoolAcceptance evaluates tx against the node's mempool policy.  A
// rejection is reported in the verdict with the node's reason verbatim and is
// not an error.
func (s *Session) CheckMempoolAcceptance(ctx context.Context, tx *wire.MsgTx) (MempoolVerdict, error) {
	var verdict MempoolVerdict
	var err error
	switch s.cfg.PolicyProbe {
	case PPSendRawTransaction:
		verdict, err = s.sendRawTransaction(ctx, tx)
	default:
		verdict, err = s.testMempoolAccept(ctx, tx)
	}
	if err != nil {
		return verdict, err
	}
	log.Debugf("Mempool verdict for %v (full hash %v) via %s: accepted %v, "+
		"reason %q", verdict.TxID, verdict.FullHash, s.cfg.PolicyProbe,
		verdict.Accepted, verdict.Reason)
	return verdict, nil
}

// SubmitBlock delivers the block over the data channel and waits until the
// node has processed it.  The node does not report rejection, so the caller
// must consult the chain tip or the node's log to learn the outcome.
func (s *Session) SubmitBlock(ctx context.Context, block *wire.MsgBlock) error {
	if s.relay == nil {
		return makeError(ErrSessionLost, "session has no data channel")
	}
	return s.relay.SendBlock(ctx, block)
}
