// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/kestrelipc/kestrel/core/worker"
	"github.com/kestrelipc/kestrel/wire"
)

// sweepInterval is how often the reply table scans for expired waiters.
// Enforcement is coarse: a timed out waiter sees its failure within two
// sweep periods of the deadline.
const sweepInterval = 100 * time.Millisecond

// replyResult is what a waiter receives: the response event or a failure.
type replyResult struct {
	ev  *wire.Event
	err error
}

type replySlot struct {
	ch       chan replyResult
	deadline time.Time
}

// replyTable correlates outstanding event ids with their reply waiters.
// Slots resolve at most once, by the dispatcher on a matching response,
// by the sweeper on expiry, or by drainAll on teardown; a cancelled slot
// is removed without being resolved.
type replyTable struct {
	worker.Worker

	log *logging.Logger

	lock   sync.Mutex
	slots  map[uint64]*replySlot
	max    int
	closed bool
}

func newReplyTable(log *logging.Logger, max int) *replyTable {
	t := &replyTable{
		log:   log,
		slots: make(map[uint64]*replySlot),
		max:   max,
	}
	t.Go(t.sweepWorker)
	return t
}

// register installs a waiter for id. The returned channel receives exactly
// one result, unless the slot is removed with cancel first.
func (t *replyTable) register(id uint64, deadline time.Time) (<-chan replyResult, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return nil, ErrShutdown
	}
	if len(t.slots) >= t.max {
		return nil, ErrTooManyReplies
	}
	if _, ok := t.slots[id]; ok {
		panic("BUG: reply table: event id registered twice")
	}

	slot := &replySlot{
		ch:       make(chan replyResult, 1),
		deadline: deadline,
	}
	t.slots[id] = slot
	return slot.ch, nil
}

// resolve delivers ev to the waiter registered for id. It reports whether
// a waiter existed; when it did not, the caller routes the event through
// handler lookup instead.
func (t *replyTable) resolve(id uint64, ev *wire.Event) bool {
	t.lock.Lock()
	slot, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	t.lock.Unlock()

	if !ok {
		return false
	}
	slot.ch <- replyResult{ev: ev}
	return true
}

// cancel removes a waiter without resolving it. Used when the awaiting
// caller gives up first.
func (t *replyTable) cancel(id uint64) {
	t.lock.Lock()
	delete(t.slots, id)
	t.lock.Unlock()
}

// expireDue fails every slot whose deadline has passed.
func (t *replyTable) expireDue(now time.Time) {
	var expired []*replySlot
	t.lock.Lock()
	for id, slot := range t.slots {
		if !slot.deadline.After(now) {
			delete(t.slots, id)
			expired = append(expired, slot)
		}
	}
	t.lock.Unlock()

	for _, slot := range expired {
		slot.ch <- replyResult{err: ErrTimeout}
	}
	if len(expired) > 0 {
		repliesExpired.Add(float64(len(expired)))
		t.log.Debugf("expired %d pending replies", len(expired))
	}
}

// drainAll fails every outstanding slot and refuses further registration.
// Called on connection teardown.
func (t *replyTable) drainAll(err error) {
	t.lock.Lock()
	drained := t.slots
	t.slots = make(map[uint64]*replySlot)
	t.closed = true
	t.lock.Unlock()

	for _, slot := range drained {
		slot.ch <- replyResult{err: err}
	}
	if len(drained) > 0 {
		t.log.Debugf("drained %d pending replies: %v", len(drained), err)
	}
}

func (t *replyTable) sweepWorker() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.HaltCh():
			return
		case now := <-ticker.C:
			t.expireDue(now)
		}
	}
}
