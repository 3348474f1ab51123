// SPDX-License-Identifier: Apache-2.0

package ublk

import (
	"errors"
	"testing"
	"time"
)

func TestAwaitReadyAllQueues(t *testing.T) {
	ready := make(chan error, 3)
	ready <- nil
	ready <- nil
	ready <- nil

	if err := awaitReady(ready, 3); err != nil {
		t.Fatalf("awaitReady: %v", err)
	}
}

func TestAwaitReadyReturnsFirstError(t *testing.T) {
	first := errors.New("queue 1 prime failed")
	later := errors.New("queue 2 prime failed")

	ready := make(chan error, 3)
	ready <- nil
	ready <- first
	ready <- later

	if err := awaitReady(ready, 3); !errors.Is(err, first) {
		t.Fatalf("awaitReady: got %v, want %v", err, first)
	}
}

func TestAwaitReadyDrainsAfterFailure(t *testing.T) {
	// a failing queue must not leave a slower sibling blocked on its
	// send: every result gets consumed before the error is reported
	ready := make(chan error, 2)
	ready <- errors.New("prime failed")

	done := make(chan error, 1)
	go func() {
		done <- awaitReady(ready, 2)
	}()

	ready <- nil

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("awaitReady: want error, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("awaitReady did not drain the second result")
	}

	if len(ready) != 0 {
		t.Fatalf("ready channel not drained, %d left", len(ready))
	}
}
