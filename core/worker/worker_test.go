// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHaltWaitsForGoroutines(t *testing.T) {
	w := new(Worker)
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		w.Go(func() {
			<-w.HaltCh()
			done <- struct{}{}
		})
	}
	require.False(t, w.Halted())
	w.Halt()
	require.True(t, w.Halted())
	require.Len(t, done, 2)
}

func TestHaltIdempotent(t *testing.T) {
	w := new(Worker)
	w.Go(func() { <-w.HaltCh() })
	w.Halt()
	w.Halt()
	require.True(t, w.Halted())
}
