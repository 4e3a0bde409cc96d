// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"
)

// =============================================================================
// CANCEL FUNCTION MANAGEMENT (THREAD-SAFE)
// =============================================================================

// cancelManager guards the cancel function of one stream. Cancel may be
// called from any goroutine while the turn goroutine clears it on exit.
type cancelManager struct {
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	requested  bool
	finalized  bool
}

func newCancelManager(fn context.CancelFunc) *cancelManager {
	return &cancelManager{cancelFunc: fn}
}

// cancel aborts the stream. Only the first call has an effect; it reports
// whether this call was that one.
func (cm *cancelManager) cancel() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cancelFunc == nil || cm.finalized {
		return false
	}
	cm.cancelFunc()
	cm.cancelFunc = nil
	cm.requested = true
	return true
}

// clear releases the context once the turn has finished. Safe to call more
// than once.
func (cm *cancelManager) clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cancelFunc != nil {
		cm.cancelFunc() // always cancel to release the context
		cm.cancelFunc = nil
	}
}

// finalize marks the stream as ended so later cancel calls report false.
// The context stays live for the settle wait. It reports whether a cancel
// was requested before the stream ended.
func (cm *cancelManager) finalize() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.finalized = true
	return cm.requested
}
