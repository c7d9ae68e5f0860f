// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHaltJoinsAll(t *testing.T) {
	var w Worker
	var ran int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&ran, 1)
		})
	}
	w.Halt()
	require.Equal(t, int32(4), atomic.LoadInt32(&ran))
}

func TestHaltTwice(t *testing.T) {
	var w Worker
	w.Go(func() { <-w.HaltCh() })
	w.Halt()
	w.Halt()
}

func TestWaitWithoutHalt(t *testing.T) {
	var w Worker
	done := make(chan struct{})
	w.Go(func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	})
	w.Wait()
	select {
	case <-done:
	default:
		t.Fatal("Wait returned before the goroutine finished")
	}
}
