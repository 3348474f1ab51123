// SPDX-License-Identifier: Apache-2.0

package ublk

import (
	"fmt"

	"github.com/eapache/queue"
)

// completion is one finished descriptor waiting to be committed back
// to the kernel.
type completion struct {
	Tag    uint16
	Result int32
}

// tracker enforces the exactly-once completion contract for a queue:
// every fetched tag is completed once, in the order the results were
// produced, and a tag cannot complete without an outstanding fetch.
type tracker struct {
	inflight map[uint16]struct{}
	fifo     *queue.Queue
}

func newTracker() *tracker {
	return &tracker{
		inflight: make(map[uint16]struct{}),
		fifo:     queue.New(),
	}
}

// fetched records that a FETCH_REQ is outstanding for tag.
func (t *tracker) fetched(tag uint16) error {
	if _, ok := t.inflight[tag]; ok {
		return fmt.Errorf("tag %d already has an outstanding fetch", tag)
	}
	t.inflight[tag] = struct{}{}
	return nil
}

// complete queues the result for tag and retires the fetch.
func (t *tracker) complete(tag uint16, result int32) error {
	if _, ok := t.inflight[tag]; !ok {
		return fmt.Errorf("tag %d completed without an outstanding fetch", tag)
	}
	delete(t.inflight, tag)
	t.fifo.Add(completion{Tag: tag, Result: result})
	return nil
}

// aborted retires a fetch the kernel terminated without a request.
// Nothing is committed back for it.
func (t *tracker) aborted(tag uint16) {
	delete(t.inflight, tag)
}

// next pops the oldest pending completion.
func (t *tracker) next() (completion, bool) {
	if t.fifo.Length() == 0 {
		return completion{}, false
	}
	return t.fifo.Remove().(completion), true
}

// outstanding reports how many fetches have not completed yet.
func (t *tracker) outstanding() int {
	return len(t.inflight)
}

// pending reports how many completions wait to be committed.
func (t *tracker) pending() int {
	return t.fifo.Length()
}
