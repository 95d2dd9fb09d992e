// Package monitor implements the Channel Access monitor engine (spec.md
// component I): fan-out of PV value updates to installed subscriptions, and
// the shared monitorResponse path used both at Event-add subscribe time and
// on every later update.
//
// Grounded on the original casStrmClient::monitorResponse
// (original_source/src/cas/generic/casStrmClient.cc around line 542): on
// failure the response header's CID field is repurposed to carry the status
// code (see the comment at line ~1469, "The m_cid field in the protocol ...
// repurposed"), which this package mirrors by writing the status into
// wire.Header.ID1 instead of the channel's SID on a failure frame, while
// ID2 keeps the client-chosen monitor ID so the client can still correlate
// it to a subscription.
/*
 * Copyright (c) 2024, casrv authors.
 */
package monitor

import (
	"github.com/oksanagit/casrv/channel"
	"github.com/oksanagit/casrv/dbrtype"
	"github.com/oksanagit/casrv/obuf"
	"github.com/oksanagit/casrv/wire"
)

// Target is what the monitor engine needs from a connected client: its
// output buffer to commit frames into. Implemented by client.Stream.
type Target interface {
	Obuf() *obuf.Buffer
}

// DeliverOne builds and commits one monitor response frame for mon on ch
// from the current value in src. It implements the shared monitorResponse
// steps (spec.md §4.I): access check, smartCopy, convert, commit. It is
// called once immediately on Event-add (subscribe) and once per update
// thereafter for every monitor whose mask intersects the update's cause.
func DeliverOne(t Target, ch *channel.Channel, mon *channel.Monitor, src *dbrtype.Descriptor) error {
	if !ch.ReadAccess() {
		return commitFailure(t, ch, mon, wire.StatusNoReadAccess)
	}

	cp, err := dbrtype.SmartCopy(src)
	if err != nil {
		return commitFailure(t, ch, mon, wire.StatusNoConvert)
	}

	size, err := dbrtype.SizeN(mon.Type, mon.Count)
	if err != nil {
		return commitFailure(t, ch, mon, wire.StatusNoConvert)
	}

	// String-with-count-1 truncation applies to monitor delivery the same
	// way it applies to reads (spec.md §4.I, §4.A).
	truncate := mon.Type == dbrtype.String && mon.Count <= 1

	payload, err := t.Obuf().CopyInHeader(wire.CmdEventAdd, size, uint16(mon.Type), mon.Count, ch.GetSID(), mon.ID)
	if err != nil {
		return err
	}
	if _, err := dbrtype.ConvDBR(payload, mon.Count, cp, ch.GetPVI().EnumStringTable()); err != nil {
		return err
	}
	if truncate && len(cp.Strings) > 0 {
		return t.Obuf().CommitMsg(dbrtype.TruncatedStringSize(cp.Strings[0]))
	}
	return t.Obuf().CommitMsg()
}

// commitFailure emits a zeroed-payload monitor response whose CID field
// carries the status code in place of the channel's SID (spec.md §4.I item
// 1, grounded on the original's m_cid repurposing), sharing the same
// at-most-once framing as a single committed frame rather than a separate
// warning exception: a monitor failure carries its whole story in the
// header alone, unlike read-notify/write-notify failures which also need a
// companion text frame.
func commitFailure(t Target, ch *channel.Channel, mon *channel.Monitor, status wire.Status) error {
	size, err := dbrtype.SizeN(mon.Type, mon.Count)
	if err != nil {
		size = 0
	}
	payload, err := t.Obuf().CopyInHeader(wire.CmdEventAdd, size, uint16(mon.Type), mon.Count, uint32(status), mon.ID)
	if err != nil {
		return err
	}
	clear(payload)
	return t.Obuf().CommitMsg()
}

// FanOut delivers an update to every monitor on ch whose mask intersects
// cause, in the order Channel.Monitors returns them. Each delivery is
// independent: a failed delivery (e.g. send-blocked) does not stop the
// remaining ones from being attempted, matching spec.md §8 S4's
// "exactly one event-add frame emitted per update that intersects the
// mask" — callers that need ordering guarantees across monitors must drive
// one channel update at a time, since the output buffer itself serializes
// frames per client. Nothing is delivered while t reports EventsEnabled()
// false (the client's Events on/off state).
func FanOut(t Target, ch *channel.Channel, cause channel.EventMask, src *dbrtype.Descriptor) []error {
	if g, ok := t.(interface{ EventsEnabled() bool }); ok && !g.EventsEnabled() {
		return nil
	}
	var errs []error
	for _, mon := range ch.Monitors() {
		if mon.Mask&cause == 0 {
			continue
		}
		if err := DeliverOne(t, ch, mon, src); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
