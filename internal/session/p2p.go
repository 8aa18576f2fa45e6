// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/peer/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dersigtest/internal/version"
	"github.com/decred/go-socks/socks"
)

const (
	// userAgentName is the user agent name advertised to the node.
	userAgentName = "dersigtest"

	// defaultRelayTimeout is used when no relay timeout is configured.
	defaultRelayTimeout = 30 * time.Second
)

// blockRelay delivers blocks to the node over the data channel.
type blockRelay interface {
	// SendBlock delivers the block and returns once the node has finished
	// processing every message sent before it.
	SendBlock(ctx context.Context, block *wire.MsgBlock) error

	// Disconnected is closed once the data channel is lost.
	Disconnected() <-chan struct{}

	// Close disconnects the data channel and waits for it to shut down.
	Close()
}

// RelayConfig describes the data channel to a node.
type RelayConfig struct {
	// Addr is the host:port of the node's peer-to-peer listener.
	Addr string

	// Proxy is an optional SOCKS5 proxy used to dial Addr.
	Proxy     string
	ProxyUser string
	ProxyPass string

	// Params identifies the network the node is on.
	Params *chaincfg.Params

	// Timeout bounds the handshake, the wait for the node to request an
	// announced block and the final ping round trip.
	Timeout time.Duration
}

// pendingBlock is an announced block waiting for the node to request it.
type pendingBlock struct {
	block  *wire.MsgBlock
	served chan struct{}
	once   sync.Once
}

// peerRelay is a blockRelay backed by a single outbound peer.
type peerRelay struct {
	peer    *peer.Peer
	timeout time.Duration

	verAck       chan struct{}
	verAckOnce   sync.Once
	disconnected chan struct{}

	mtx     sync.Mutex
	pending map[chainhash.Hash]*pendingBlock
	pongs   map[uint64]chan struct{}
}

// Ensure peerRelay implements the blockRelay interface.
var _ blockRelay = (*peerRelay)(nil)

// newPeerConfig returns the peer configuration for the relay.
func (r *peerRelay) newPeerConfig(cfg *RelayConfig) *peer.Config {
	var userAgentComments []string
	if version.PreRelease != "" {
		userAgentComments = append(userAgentComments, version.PreRelease)
	}

	return &peer.Config{
		Listeners: peer.MessageListeners{
			OnVerAck:     r.onVerAck,
			OnGetData:    r.onGetData,
			OnGetHeaders: r.onGetHeaders,
			OnPong:       r.onPong,
		},
		NewestBlock: func() (*chainhash.Hash, int64, error) {
			return &cfg.Params.GenesisHash, 0, nil
		},
		HostToNetAddress:  hostToNetAddress,
		Proxy:             cfg.Proxy,
		UserAgentName:     userAgentName,
		UserAgentVersion:  version.Release(),
		UserAgentComments: userAgentComments,
		Net:               cfg.Params.Net,
		ProtocolVersion:   wire.ProtocolVersion,
	}
}

// hostToNetAddress resolves host names so node addresses such as localhost
// may be used.
func hostToNetAddress(host string, port uint16, services wire.ServiceFlag) (*wire.NetAddress, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses found for %s", host)
		}
		ip = ips[0]
	}
	return wire.NewNetAddressIPPort(ip, port, services), nil
}

// dialNode dials the node directly or through the configured proxy.
func dialNode(ctx context.Context, cfg *RelayConfig) (net.Conn, error) {
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		return proxy.DialContext(ctx, "tcp", cfg.Addr)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", cfg.Addr)
}

// newPeerRelay returns a relay that has not yet been connected.
func newPeerRelay(timeout time.Duration) *peerRelay {
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}
	return &peerRelay{
		timeout:      timeout,
		verAck:       make(chan struct{}),
		disconnected: make(chan struct{}),
		pending:      make(map[chainhash.Hash]*pendingBlock),
		pongs:        make(map[uint64]chan struct{}),
	}
}

// connectRelay dials the node and completes the version handshake.
func connectRelay(ctx context.Context, cfg *RelayConfig) (*peerRelay, error) {
	r := newPeerRelay(cfg.Timeout)
	p, err := peer.NewOutboundPeer(r.newPeerConfig(cfg), cfg.Addr)
	if err != nil {
		str := fmt.Sprintf("unable to create peer for %s: %v", cfg.Addr, err)
		return nil, makeError(ErrHandshake, str)
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	conn, err := dialNode(dialCtx, cfg)
	if err != nil {
		str := fmt.Sprintf("unable to connect to %s: %v", cfg.Addr, err)
		return nil, makeError(ErrHandshake, str)
	}
	if err := r.associate(ctx, p, conn); err != nil {
		return nil, err
	}
	return r, nil
}

// associate runs the peer over conn and waits for the handshake to complete.
func (r *peerRelay) associate(ctx context.Context, p *peer.Peer, conn net.Conn) error {
	r.peer = p
	p.AssociateConnection(conn)
	go func() {
		p.WaitForDisconnect()
		log.Debugf("Peer %s disconnected", p)
		close(r.disconnected)
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case <-r.verAck:
		log.Debugf("Connected to peer %s (%s)", p, p.UserAgent())
		return nil
	case <-r.disconnected:
		str := fmt.Sprintf("peer %s disconnected during the handshake", p)
		return makeError(ErrHandshake, str)
	case <-timer.C:
		p.Disconnect()
		str := fmt.Sprintf("no verack from peer %s after %v", p, r.timeout)
		return makeError(ErrHandshake, str)
	case <-ctx.Done():
		p.Disconnect()
		return makeError(ErrHandshake, ctx.Err().Error())
	}
}

// onVerAck is invoked when the node acknowledges the version message.
func (r *peerRelay) onVerAck(_ *peer.Peer, _ *wire.MsgVerAck) {
	r.verAckOnce.Do(func() { close(r.verAck) })
}

// onGetData serves announced blocks requested by the node.
func (r *peerRelay) onGetData(p *peer.Peer, msg *wire.MsgGetData) {
	for _, iv := range msg.InvList {
		if iv.Type != wire.InvTypeBlock {
			continue
		}
		r.mtx.Lock()
		pb, ok := r.pending[iv.Hash]
		r.mtx.Unlock()
		if !ok {
			log.Debugf("Peer %s requested unknown block %v", p, iv.Hash)
			continue
		}
		log.Tracef("Serving block %v to peer %s", iv.Hash, p)
		p.QueueMessage(pb.block, nil)
		pb.once.Do(func() { close(pb.served) })
	}
}

// onGetHeaders answers header requests with an empty set since the harness
// never has headers the node lacks.
func (r *peerRelay) onGetHeaders(p *peer.Peer, _ *wire.MsgGetHeaders) {
	p.QueueMessage(wire.NewMsgHeaders(), nil)
}

// onPong wakes the waiter for the pong's nonce, if any.
func (r *peerRelay) onPong(_ *peer.Peer, msg *wire.MsgPong) {
	r.mtx.Lock()
	c, ok := r.pongs[msg.Nonce]
	if ok {
		delete(r.pongs, msg.Nonce)
	}
	r.mtx.Unlock()
	if ok {
		close(c)
	}
}

// wait blocks until c is closed, the relay is lost, the timeout elapses or
// the context is done.
func (r *peerRelay) wait(ctx context.Context, c <-chan struct{}, what string) error {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case <-c:
		return nil
	case <-r.disconnected:
		str := fmt.Sprintf("peer disconnected while waiting for %s", what)
		return makeError(ErrSessionLost, str)
	case <-timer.C:
		str := fmt.Sprintf("timeout waiting for %s after %v", what, r.timeout)
		return makeError(ErrTimeout, str)
	case <-ctx.Done():
		str := fmt.Sprintf("%s: %v", what, ctx.Err())
		return makeError(ErrTimeout, str)
	}
}

// ping sends a ping with a random nonce and waits for the matching pong.
func (r *peerRelay) ping(ctx context.Context) error {
	nonce, err := wire.RandomUint64()
	if err != nil {
		return makeError(ErrRPC, fmt.Sprintf("unable to create nonce: %v", err))
	}
	pong := make(chan struct{})
	r.mtx.Lock()
	r.pongs[nonce] = pong
	r.mtx.Unlock()
	defer func() {
		r.mtx.Lock()
		delete(r.pongs, nonce)
		r.mtx.Unlock()
	}()

	r.peer.QueueMessage(wire.NewMsgPing(nonce), nil)
	return r.wait(ctx, pong, fmt.Sprintf("pong %d", nonce))
}

// SendBlock announces the block with a headers message, serves it when the
// node requests it and then performs a ping round trip.  The node handles
// messages from a peer in order, so the pong proves the block was processed.
//
// A node that never requests the block is not an error here since the caller
// learns the outcome from the chain tip.
func (r *peerRelay) SendBlock(ctx context.Context, block *wire.MsgBlock) error {
	select {
	case <-r.disconnected:
		return makeError(ErrSessionLost, "peer is disconnected")
	default:
	}

	hash := block.BlockHash()
	pb := &pendingBlock{block: block, served: make(chan struct{})}
	r.mtx.Lock()
	r.pending[hash] = pb
	r.mtx.Unlock()
	defer func() {
		r.mtx.Lock()
		delete(r.pending, hash)
		r.mtx.Unlock()
	}()

	headers := wire.NewMsgHeaders()
	if err := headers.AddBlockHeader(&block.Header); err != nil {
		return makeError(ErrRPC, err.Error())
	}
	log.Debugf("Announcing block %v (height %d) to peer %s", hash,
		block.Header.Height, r.peer)
	r.peer.QueueMessage(headers, nil)

	err := r.wait(ctx, pb.served, fmt.Sprintf("request for block %v", hash))
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout) && ctx.Err() == nil:
		log.Warnf("Peer %s did not request block %v", r.peer, hash)
	default:
		return err
	}
	return r.ping(ctx)
}

// Disconnected is closed once the peer disconnects.
func (r *peerRelay) Disconnected() <-chan struct{} {
	return r.disconnected
}

// Close disconnects the peer and waits for it to shut down.
func (r *peerRelay) Close() {
	if r.peer == nil {
		return
	}
	r.peer.Disconnect()
	r.peer.WaitForDisconnect()
}
