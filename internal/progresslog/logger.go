// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progresslog

import (
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/slog"
)

// logInterval is the minimum time between unforced progress messages.
const logInterval = 10 * time.Second

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n uint64, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}

// Logger provides periodic logging of progress towards a target number of
// blocks such as mining a chain up to a given height.
type Logger struct {
	sync.Mutex
	subsystemLogger slog.Logger
	progressAction  string
	target          uint64

	// lastLogTime tracks the last time a log statement was shown.
	lastLogTime time.Time

	// total is the number of blocks processed so far and received is the
	// number processed since the last log statement.
	total    uint64
	received uint64
}

// New returns a new block progress logger for an action involving target
// blocks.
func New(progressAction string, target uint64, logger slog.Logger) *Logger {
	return &Logger{
		lastLogTime:     time.Now(),
		progressAction:  progressAction,
		target:          target,
		subsystemLogger: logger,
	}
}

// LogProgress accumulates the number of newly processed blocks and
// periodically (every 10 seconds) logs an information message to show
// progress to the user.  A message is always shown once the target is
// reached.
//
// The force flag may be used to force a log message to be shown regardless of
// the time the last one was shown.
//
// The progress message is templated as follows:
//
//	{progressAction} {numProcessed} {blocks|block} in the last {timePeriod}
//	({total} of {target}, tip {tipHash})
func (l *Logger) LogProgress(blocks uint64, tip *chainhash.Hash, forceLog bool) {
	l.Lock()
	defer l.Unlock()

	l.received += blocks
	l.total += blocks
	now := time.Now()
	duration := now.Sub(l.lastLogTime)
	if !forceLog && l.total < l.target && duration < logInterval {
		return
	}

	l.subsystemLogger.Infof("%s %d %s in the last %0.2fs (%d of %d, tip %v)",
		l.progressAction, l.received, pickNoun(l.received, "block", "blocks"),
		duration.Seconds(), l.total, l.target, tip)

	l.received = 0
	l.lastLogTime = now
}

// Total returns the number of blocks processed so far.
func (l *Logger) Total() uint64 {
	l.Lock()
	defer l.Unlock()
	return l.total
}

// SetLastLogTime updates the last time data was logged to the provided time.
func (l *Logger) SetLastLogTime(time time.Time) {
	l.Lock()
	l.lastLogTime = time
	l.Unlock()
}
