// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blockbuild constructs the transactions and blocks submitted to a node
under test.

A Builder is configured once for a network with the key that controls the
outputs it spends, the treasury semantics the node enforces for coinbases, the
proof of work hash algorithm and whether header commitments (DCP0005) are
active.  Blocks are assembled from a Template describing the next block the
node would accept on its current tip and are then completed with
FinalizeBlock, which recomputes the merkle and stake roots and the block size
and solves the block.

Solving is deterministic.  The nonce search always starts from zero and only
moves on to the header extra nonce once the nonce space is exhausted, so
finalizing the same block contents twice yields bit-identical blocks.
*/
package blockbuild
