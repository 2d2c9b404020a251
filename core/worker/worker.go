// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides a base type for managed background goroutines.
package worker

import "sync"

// Worker tracks a group of goroutines sharing one halt signal. The
// zero value is ready to use.
type Worker struct {
	wg sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

// Go runs fn on a tracked goroutine. fn must watch HaltCh and return
// once it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt signals every tracked goroutine to terminate and blocks until
// all of them have returned. Halt is idempotent.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
	w.wg.Wait()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Halted reports whether Halt has been invoked.
func (w *Worker) Halted() bool {
	w.initOnce.Do(w.init)
	select {
	case <-w.haltCh:
		return true
	default:
		return false
	}
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}
