// Package channel implements the Channel Access channel object (spec.md
// component F): a client's binding to a PV, carrying access rights, its
// monitor list, and outstanding async reads, plus the two distinct
// teardown entry points the original implementation exposes
// (destroyClientNotify vs destroyNoClientNotify).
/*
 * Copyright (c) 2024, casrv authors.
 */
package channel

import (
	"errors"
	"sync"

	"github.com/oksanagit/casrv/dbrtype"
	"github.com/oksanagit/casrv/pvtool"
	"github.com/oksanagit/casrv/registry"
)

// ErrBadMask is returned by InstallMonitor for an empty event mask
// (spec.md §4.G Event-add: "empty mask -> badMask").
var ErrBadMask = errors.New("channel: empty event mask")

// EventMask is the union of value/log/alarm subscription classes a
// monitor may be installed with (spec.md §3 Monitor, §4.G Event-add).
type EventMask uint8

const (
	MaskValue EventMask = 1 << iota
	MaskLog
	MaskAlarm
)

// Monitor is a subscription installed on a channel (spec.md §3 Monitor).
// Identity is (channel, ID): IDs are unique within their owning channel
// (spec.md §8 invariant 2), enforced by Channel.InstallMonitor.
type Monitor struct {
	ID    uint32 // client-chosen
	Type  dbrtype.Type
	Count uint32
	Mask  EventMask
}

// ErrDuplicateMonitor is returned by InstallMonitor when the client re-uses
// a monitor ID already installed on this channel.
type ErrDuplicateMonitor struct{ ID uint32 }

func (e *ErrDuplicateMonitor) Error() string {
	return "channel: duplicate monitor id"
}

// Channel is a client's binding to a PV, keyed by (client, CID) on the
// client side and by SID in the server-wide registry.
type Channel struct {
	mu sync.Mutex

	cid uint32
	sid uint32

	pv pvtool.PV

	readAccess, writeAccess bool

	monitors map[uint32]*Monitor

	// outstanding holds cancel functions for in-flight async reads
	// (installed by the async-IO coordinator), so ClearOutstandingReads
	// (spec.md §4.G Read-sync, §5 Cancellation) can drop them.
	outstanding []func()

	destroyed bool

	ownerUser, ownerHost string
}

// New constructs a channel bound to a claimed PV. sid must already be
// allocated from the server's registry (registry.Registry.Allocate).
func New(cid, sid uint32, pv pvtool.PV, access pvtool.AccessRights) *Channel {
	return &Channel{
		cid:         cid,
		sid:         sid,
		pv:          pv,
		readAccess:  access.Read,
		writeAccess: access.Write,
		monitors:    make(map[uint32]*Monitor),
	}
}

// registry.Item

func (c *Channel) ResID() uint32          { return c.sid }
func (c *Channel) ResKind() registry.Kind { return registry.KindChannel }

func (c *Channel) GetCID() uint32     { return c.cid }
func (c *Channel) GetSID() uint32     { return c.sid }
func (c *Channel) GetPVI() pvtool.PV  { return c.pv }

func (c *Channel) ReadAccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && c.readAccess
}

func (c *Channel) WriteAccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && c.writeAccess
}

// SetOwner updates the channel's user/host attribution; called when the
// owning client's Host-name/Client-name action succeeds (spec.md §4.G).
func (c *Channel) SetOwner(user, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownerUser, c.ownerHost = user, host
}

func (c *Channel) Owner() (user, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownerUser, c.ownerHost
}

// InstallMonitor adds a subscription, rejecting a reused monitor ID
// (spec.md §8 invariant 2) or an empty mask (spec.md §4.G Event-add;
// callers are expected to have already validated mask != 0, this is a
// second line of defense).
func (c *Channel) InstallMonitor(monID uint32, count uint32, typ dbrtype.Type, mask EventMask) error {
	if mask == 0 {
		return ErrBadMask
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.monitors[monID]; exists {
		return &ErrDuplicateMonitor{ID: monID}
	}
	c.monitors[monID] = &Monitor{ID: monID, Type: typ, Count: count, Mask: mask}
	return nil
}

// UninstallMonitor removes a subscription by client-chosen ID, reporting
// whether it existed (spec.md §4.G Event-cancel: missing -> badResourceId).
func (c *Channel) UninstallMonitor(monID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.monitors[monID]; !ok {
		return false
	}
	delete(c.monitors, monID)
	return true
}

// Monitor looks up an installed monitor by ID.
func (c *Channel) Monitor(monID uint32) (*Monitor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.monitors[monID]
	return m, ok
}

// Monitors returns a snapshot of installed monitors, for the monitor
// engine's fan-out (spec.md §4.I).
func (c *Channel) Monitors() []*Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		out = append(out, m)
	}
	return out
}

// AddOutstandingRead registers a cancel func for an in-flight async read,
// so a later ClearOutstandingReads can drop it without the caller needing
// to track it separately.
func (c *Channel) AddOutstandingRead(cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding = append(c.outstanding, cancel)
}

// ClearOutstandingReads cancels and forgets every in-flight async read on
// this channel (spec.md §4.G Read-sync, §5 Cancellation on disconnect).
func (c *Channel) ClearOutstandingReads() {
	c.mu.Lock()
	pending := c.outstanding
	c.outstanding = nil
	c.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
}

// DestroyNoClientNotify tears the channel down silently: used for
// client-initiated clear-channel (the confirm frame is sent by the
// dispatcher unconditionally, then the channel is destroyed) and for
// client teardown cascades.
func (c *Channel) DestroyNoClientNotify() {
	c.mu.Lock()
	c.destroyed = true
	monitors := c.monitors
	c.monitors = nil
	pending := c.outstanding
	c.outstanding = nil
	c.mu.Unlock()
	_ = monitors
	for _, cancel := range pending {
		cancel()
	}
}

// DestroyClientNotify marks the channel destroyed the same way, but is a
// distinct entry point (matching the original implementation's two named
// member functions) for server-tool-initiated teardown: callers reach it
// through client.Stream.DisconnectChannel, which additionally emits a
// server-disconnect frame (protocol >= 4.7) or fully disconnects the
// client (spec.md §4.J) around this call.
func (c *Channel) DestroyClientNotify() {
	c.DestroyNoClientNotify()
}

func (c *Channel) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}
