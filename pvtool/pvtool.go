// Package pvtool defines the contract between casrv's core and the
// server-tool application that actually implements process variables and
// channel semantics (spec.md §3 PV, §9 "virtual dispatch into the server
// tool maps to a capability-interface abstraction").
//
// The server tool is an external collaborator, deliberately out of scope
// for this module (spec.md §1); only the interfaces the core consumes live
// here.
/*
 * Copyright (c) 2024, casrv authors.
 */
package pvtool

import (
	"context"

	"github.com/oksanagit/casrv/dbrtype"
)

// Outcome is the sum type a server-tool call returns: either the call
// already ran to completion synchronously (Sync, with err telling ok/
// error), or it is still running and will call back later (AsyncStarted),
// or it wants the core to park the request and retry later (Postpone).
type Outcome int

const (
	Sync Outcome = iota
	AsyncStarted
	Postpone
)

func (o Outcome) String() string {
	switch o {
	case AsyncStarted:
		return "async-started"
	case Postpone:
		return "postpone"
	default:
		return "sync"
	}
}

// AccessRights is the read/write capability a channel carries, returned by
// PV.CreateChannel.
type AccessRights struct {
	Read, Write bool
}

// IOCompleter is implemented by the core and handed to the server tool so
// that an async Read/Write/UpdateEnumStringTable can call back with the
// original request's header preserved on the caller's side (spec.md §4.H).
type IOCompleter interface {
	IODone(d *dbrtype.Descriptor, err error)
}

// AttachCompleter is the async counterpart of PVAttach.
type AttachCompleter interface {
	AttachDone(pv PV, err error)
}

// Server is the top-level server-tool capability casrv attaches to on a
// Claim request.
type Server interface {
	// PVAttach resolves a PV name. On Sync it returns either (pv, nil) or
	// (nil, err) (err is typically cos.ErrNotFound). On AsyncStarted or
	// Postpone it returns (nil, nil) and must later call completer's
	// AttachDone/be re-driven per Outcome's contract.
	PVAttach(ctx context.Context, name string, completer AttachCompleter) (PV, Outcome, error)
}

// PV is the contract a resolved process variable implements.
type PV interface {
	Name() string
	BestExternalType() dbrtype.Type
	NativeCount() uint32

	BeginTransaction()
	EndTransaction()

	// CreateChannel finalizes a channel binding for cid, returning the
	// access rights the claiming client gets.
	CreateChannel(cid uint32) (AccessRights, Outcome, error)

	Read(ctx context.Context, d *dbrtype.Descriptor, completer IOCompleter) Outcome
	Write(ctx context.Context, d *dbrtype.Descriptor, completer IOCompleter) Outcome

	// UpdateEnumStringTable refreshes the enum string table for an enum
	// PV; only called for channels whose best external type is
	// dbrtype.Enum (spec.md §4.G Claim channel).
	UpdateEnumStringTable(ctx context.Context, completer IOCompleter) Outcome
	EnumStringTable() []string
}
