// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build rpctest

package rpctests

import (
	"testing"

	"github.com/decred/dersigtest/internal/blockbuild"
	"github.com/decred/dersigtest/internal/logwatch"
	"github.com/decred/dersigtest/internal/nodeproc"
	"github.com/decred/dersigtest/internal/scenario"
	"github.com/decred/dersigtest/internal/session"
	"github.com/decred/slog"
)

type testLog struct {
	*testing.T
}

func (t *testLog) Write(b []byte) (int, error) {
	t.Logf("%s", b)
	return len(b), nil
}

// useTestLogger sets the package-level loggers of the harness packages to a
// backend that writes trace-level logs to the test log.  A function is
// returned to set the loggers back to Disabled when finished.
//
// Due to the use of global logger variables that must write to test logs of
// individual test variables, it is not possible to parallelize tests.
func useTestLogger(t *testing.T) func() {
	backend := slog.NewBackend(&testLog{T: t})
	useLoggers := []func(slog.Logger){
		blockbuild.UseLogger,
		logwatch.UseLogger,
		nodeproc.UseLogger,
		scenario.UseLogger,
		session.UseLogger,
	}
	subsystems := []string{"BLDR", "LOGW", "NODE", "SCEN", "SESS"}
	for i, useLogger := range useLoggers {
		l := backend.Logger(subsystems[i])
		l.SetLevel(slog.LevelTrace)
		useLogger(l)
	}
	return func() {
		for _, useLogger := range useLoggers {
			useLogger(slog.Disabled)
		}
	}
}
