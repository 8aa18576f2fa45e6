// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package scenario drives a node through the activation of the strict DER
signature rule and verifies it makes the expected decision at every step.

The scenario is a linear state machine:

	SETUP -> [PRE_BOUNDARY_BLOCK_ACCEPT] -> PRE_ACTIVATION_POLICY_CHECK ->
	PRE_ACTIVATION_BLOCK_REJECT -> POST_FIX_BLOCK_ACCEPT -> DONE

Any step may instead move to FAILED, which aborts the run.

SETUP mines the chain up to the block before the activation height, or the
block before that when the boundary is checked.  The optional boundary step
submits a block one below the activation height whose only non-coinbase
transaction spends an output with a non-canonically encoded signature and
requires the node to accept it.  The policy check requires the mempool to
accept a canonically signed spend and reject the mutated version of it for the
configured reason.  The block reject step submits a block at the activation
height containing the mutated spend and requires both that the tip does not
move and that the node logs the rejection.  Finally, the same block slot is
filled with a canonically signed spend which must become the new tip.

A node is only considered to have accepted a block once its best block is
that block, and only considered to have rejected one when the best block is
unchanged and the rejection has been observed in its log.
*/
package scenario
