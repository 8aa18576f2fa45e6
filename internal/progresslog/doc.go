// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package progresslog provides periodic logging for long running block actions
such as mining a chain up to a given height.

## Feature Overview

- Maintains the number of blocks processed between each logging interval
- Logs the cumulative total against the target every 10 seconds
- Immediately logs any outstanding blocks when the target is reached
*/
package progresslog
