// Package asyncio implements the Channel Access async-IO coordinator
// (spec.md component H): per-PV and server-level IO-blocked lists that park
// a request when the server tool returns postpone-async-IO, and resume it
// (re-driving the original action) once the PV unblocks.
//
// Grounded on the teacher's xact/xreg registry shape (RWMutex-guarded maps
// keyed by a string, no per-entry lock) generalized from "one xaction per
// bucket" to "one waiter queue per PV name", plus a bounded semaphore around
// resumption modeled on the rest of the pack's golang.org/x/sync usage
// (moby-moby's session/filesync and libnetwork packages import x/sync for
// bounded concurrent fan-out; casrv uses the same family's semaphore
// sub-package to bound concurrent completions instead of errgroup's
// all-or-nothing fan-out, since a completion failure here must not cancel
// sibling completions).
/*
 * Copyright (c) 2024, casrv authors.
 */
package asyncio

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/oksanagit/casrv/cmn/debug"
	"github.com/oksanagit/casrv/wire"
)

// serverKey is the single key under which attach (claim) postponements are
// parked, distinct from the per-PV-name keyspace (spec.md §4.H: "one at
// server level for attach postponement").
const serverKey = ""

// Waiter is one parked request. Resume re-drives the original dispatcher
// action; Header is the original request's header, preserved so a
// completion callback can reuse its CID/type/count/available fields
// (spec.md §4.H).
type Waiter struct {
	Header wire.Header
	Resume func()
}

// Coordinator owns every PV's IO-blocked list plus the server-level list.
// Invariant (spec.md §8 invariant 6): a waiter appears on exactly one list,
// and ResumePV/ResumeServer remove it before invoking Resume.
type Coordinator struct {
	mu       sync.Mutex
	lists    map[string][]*Waiter
	sem      *semaphore.Weighted
}

// New constructs a coordinator bounding concurrent resumptions to
// maxConcurrent. With 0 or negative there is no semaphore, and
// ResumePV/ResumeServer run the drained waiters one after another on the
// calling goroutine.
func New(maxConcurrent int64) *Coordinator {
	c := &Coordinator{lists: make(map[string][]*Waiter)}
	if maxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return c
}

// ParkOnPV appends w to pvName's IO-blocked list (spec.md §4.H read/write
// postponement).
func (c *Coordinator) ParkOnPV(pvName string, w *Waiter) {
	debug.Assert(pvName != serverKey, "asyncio: pv name must not be empty")
	c.park(pvName, w)
}

// ParkOnServer appends w to the server-level list (spec.md §4.H claim
// postponement, which has no PV handle yet to key a per-PV list on).
func (c *Coordinator) ParkOnServer(w *Waiter) {
	c.park(serverKey, w)
}

func (c *Coordinator) park(key string, w *Waiter) {
	c.mu.Lock()
	c.lists[key] = append(c.lists[key], w)
	c.mu.Unlock()
}

// drain pops every waiter currently queued under key, leaving the list
// empty; it is the caller's job to invoke Resume on each, satisfying
// invariant 6 (removed from the list before the action is re-invoked).
func (c *Coordinator) drain(key string) []*Waiter {
	c.mu.Lock()
	w := c.lists[key]
	delete(c.lists, key)
	c.mu.Unlock()
	return w
}

// ResumePV drains pvName's IO-blocked list and re-drives every waiter,
// bounded by the coordinator's semaphore. Waiters run concurrently with
// each other but never exceed the configured bound across the whole
// coordinator (a slow completion on one PV must not starve another).
func (c *Coordinator) ResumePV(ctx context.Context, pvName string) {
	c.resume(ctx, pvName)
}

// ResumeServer drains and re-drives the server-level (attach) list.
func (c *Coordinator) ResumeServer(ctx context.Context) {
	c.resume(ctx, serverKey)
}

func (c *Coordinator) resume(ctx context.Context, key string) {
	waiters := c.drain(key)
	if len(waiters) == 0 {
		return
	}
	if c.sem == nil {
		for _, w := range waiters {
			w.Resume()
		}
		return
	}
	var wg sync.WaitGroup
	for _, w := range waiters {
		w := w
		if err := c.sem.Acquire(ctx, 1); err != nil {
			// context cancelled (e.g. server shutting down); run the
			// remainder inline rather than dropping them silently.
			w.Resume()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.sem.Release(1)
			w.Resume()
		}()
	}
	wg.Wait()
}

// PVWaiterCount reports how many requests are currently parked on pvName's
// list, for tests and diagnostics.
func (c *Coordinator) PVWaiterCount(pvName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lists[pvName])
}

// ServerWaiterCount reports how many claim requests are currently parked on
// the server-level list.
func (c *Coordinator) ServerWaiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lists[serverKey])
}
