// Package client implements the Channel Access stream-client lifecycle
// (spec.md component J): installation in the server's client list, host/
// user identity, the owned-channel list, the per-request context, the
// async-IO-started cross-check flag, and the teardown cascade.
//
// Grounded on the teacher's transport.Stream (per-connection object owning
// a send queue plus identity metadata, installed/removed from a registry
// under a guard) generalized from aistore's object-stream identity to the
// protocol's host/user/version identity, and on cmn/cos.GenUUID for the
// per-client correlation ID stamped at install time.
/*
 * Copyright (c) 2024, casrv authors.
 */
package client

import (
	"sync"

	"github.com/oksanagit/casrv/channel"
	"github.com/oksanagit/casrv/cmn/cos"
	"github.com/oksanagit/casrv/cmn/nlog"
	"github.com/oksanagit/casrv/ibuf"
	"github.com/oksanagit/casrv/obuf"
	"github.com/oksanagit/casrv/pvtool"
	"github.com/oksanagit/casrv/registry"
	"github.com/oksanagit/casrv/wire"
)

// State is the per-client connection state (spec.md §4.G state machine
// summary).
type State int

const (
	Connected State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "connected"
	}
}

// RequestContext is the per-request transient the dispatcher fills in at the
// start of each request and reads for the duration of it (spec.md §3
// "Request context"): the decoded header, the payload slice it points at
// within the input buffer, and whichever PV/channel the request bound.
type RequestContext struct {
	Header  wire.Header
	Payload []byte
	PV      pvtool.PV
	Channel *channel.Channel
}

// Stream is one connected client's state (spec.md §3 "Stream client").
type Stream struct {
	connID string

	mu sync.Mutex // the client-core guard (spec.md §5): core-guard before output-guard

	host, user string
	version    wire.ProtocolVersion

	ib *ibuf.Buffer
	ob *obuf.Buffer

	ctx            RequestContext
	asyncIOStarted bool

	channels map[uint32]*channel.Channel // keyed by client-chosen CID

	state State

	eventsEnabled bool

	reg *registry.Registry
}

// New constructs and installs a client in reg's client list (spec.md §3
// "installed in the server's client list at construction under a guard").
func New(it ibuf.Transport, ibCap int, ot obuf.Transport, obCap int, reg *registry.Registry) *Stream {
	s := &Stream{
		connID:        cos.GenUUID(),
		ib:            ibuf.New(ibCap, it),
		ob:            obuf.New(obCap, ot),
		channels:      make(map[uint32]*channel.Channel),
		eventsEnabled: true,
		reg:           reg,
	}
	reg.InstallClient(s)
	nlog.Infof("client %s: connected", s.connID)
	return s
}

// ConnID implements registry.Client.
func (s *Stream) ConnID() string { return s.connID }

// Ibuf/Obuf expose the buffers the dispatcher and monitor engine drive.
func (s *Stream) Ibuf() *ibuf.Buffer { return s.ib }
func (s *Stream) Obuf() *obuf.Buffer { return s.ob }

// SetVersion/Version carry the negotiated protocol minor version decoded
// from a Claim request's overloaded `available` field (spec.md §4.G, §6).
func (s *Stream) SetVersion(v wire.ProtocolVersion) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

func (s *Stream) Version() wire.ProtocolVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SetIdentity replaces the client's host/user strings and walks every owned
// channel updating its owner attribution (spec.md §4.G Host/client name).
func (s *Stream) SetIdentity(user, host string) {
	s.mu.Lock()
	if user != "" {
		s.user = user
	}
	if host != "" {
		s.host = host
	}
	chans := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		ch.SetOwner(user, host)
	}
}

func (s *Stream) Identity() (user, host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.host
}

// EventsEnabled/SetEventsEnabled gate monitor delivery (spec.md §4.G
// Events on/off): monitor.FanOut delivers nothing while they are off. The
// initial Event-add response is sent either way.
func (s *Stream) EventsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsEnabled
}

func (s *Stream) SetEventsEnabled(on bool) {
	s.mu.Lock()
	s.eventsEnabled = on
	s.mu.Unlock()
}

// BeginRequest resets the per-request context at the start of dispatch,
// including the async-IO-started cross-check flag (spec.md §4.G
// "Asynchronous-IO contract check").
func (s *Stream) BeginRequest(h wire.Header, payload []byte) {
	s.mu.Lock()
	s.ctx = RequestContext{Header: h, Payload: payload}
	s.asyncIOStarted = false
	s.mu.Unlock()
}

// Context returns a copy of the current request context.
func (s *Stream) Context() RequestContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// BindContext records the PV/channel the current request resolved to, for
// the duration of the in-flight request.
func (s *Stream) BindContext(pv pvtool.PV, ch *channel.Channel) {
	s.mu.Lock()
	s.ctx.PV = pv
	s.ctx.Channel = ch
	s.mu.Unlock()
}

// SetAsyncIOStarted/AsyncIOStarted implement the cross-check flag compared
// against the server tool's declared Outcome after every call that may
// start async IO.
func (s *Stream) SetAsyncIOStarted(v bool) {
	s.mu.Lock()
	s.asyncIOStarted = v
	s.mu.Unlock()
}

func (s *Stream) AsyncIOStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asyncIOStarted
}

// AddChannel installs ch in both the client's owned-channel list and the
// server registry, preserving invariant 1 (spec.md §8): a channel exists in
// the registry iff it exists in its client's channel list.
func (s *Stream) AddChannel(ch *channel.Channel) {
	s.mu.Lock()
	s.channels[ch.GetCID()] = ch
	s.mu.Unlock()
	s.reg.InstallItem(ch)
}

// Channel looks up an owned channel by client-chosen CID.
func (s *Stream) Channel(cid uint32) (*channel.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[cid]
	return ch, ok
}

// Channels returns a snapshot of owned channels, used by the teardown
// cascade and by Read-sync (spec.md §4.G).
func (s *Stream) Channels() []*channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// RemoveChannel drops ch from both sides of invariant 1 (spec.md §8): the
// client's owned list and the server registry.
func (s *Stream) RemoveChannel(cid uint32) {
	s.mu.Lock()
	ch, ok := s.channels[cid]
	delete(s.channels, cid)
	s.mu.Unlock()
	if ok {
		s.reg.RemoveItem(ch.GetSID())
	}
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SendWarning attempts the at-most-once companion warning-exception frame
// for a notify/monitor failure (spec.md §4.G Read-notify, §7): a generic
// error frame echoing the original request header and a status string. If
// the output buffer cannot take it (send-blocked or any other failure), the
// failure is logged locally and the notify response still stands — the
// caller must not retry.
func (s *Stream) SendWarning(orig wire.Header, status wire.Status, text string) bool {
	payload := wire.EncodeErrorPayload(orig, status, text)
	p, err := s.ob.CopyInHeader(wire.CmdError, len(payload), 0, 0, 0, 0)
	if err != nil {
		nlog.Warningf("client %s: could not deliver warning exception (%v): %s: %v", s.connID, status, text, err)
		return false
	}
	copy(p, payload)
	if err := s.ob.CommitMsg(); err != nil {
		nlog.Warningf("client %s: could not commit warning exception: %v", s.connID, err)
		return false
	}
	return true
}

// DisconnectChannel tears down the owned channel cid on server-tool
// initiative (spec.md §4.F destroyClientNotify, §4.J): a protocol >= 4.7
// client is told via a server-disconnect frame carrying the channel's SID
// in ID1 (grounded on the original's disconnectChan, which copies id into
// the repurposed CID field); an older client has no way to learn about a
// single channel going away mid-connection, so the whole connection is
// marked for termination instead. Reports whether cid belonged to this
// client. Unlike a response frame, which rides the request/dispatch loop's
// own flush, this is pushed on the server tool's initiative with no
// request to piggyback on, so it flushes itself.
func (s *Stream) DisconnectChannel(cid uint32) bool {
	ch, ok := s.Channel(cid)
	if !ok {
		return false
	}
	sid := ch.GetSID()
	ch.DestroyClientNotify()
	s.RemoveChannel(cid)

	if s.Version().AtLeast47() {
		if _, err := s.ob.CopyInHeader(wire.CmdServerDisconn, 0, 0, 0, sid, 0); err != nil {
			nlog.Warningf("client %s: could not notify server-disconnect for channel %d: %v", s.connID, sid, err)
		} else if err := s.ob.CommitMsg(); err != nil {
			nlog.Warningf("client %s: could not commit server-disconnect for channel %d: %v", s.connID, sid, err)
		} else if _, err := s.ob.Flush(); err != nil {
			nlog.Warningf("client %s: could not flush server-disconnect for channel %d: %v", s.connID, sid, err)
		}
		return true
	}

	nlog.Warningf("client %s: disconnecting (protocol < 4.7 cannot be told channel %d was removed by the server tool)", s.connID, sid)
	s.SetState(Terminated)
	return true
}

// Teardown cascades channel destruction, removes the client from the
// server registry, and flushes the logger — the client's final act (spec.md
// §4.J: "each channel is torn down in turn; each monitor inside each
// channel is uninstalled; then the client is removed from the server's
// client list"). The cascade always completes; no step here returns an
// error (channel/monitor teardown is unconditional by construction).
func (s *Stream) Teardown() {
	for _, ch := range s.Channels() {
		ch.DestroyNoClientNotify()
		s.RemoveChannel(ch.GetCID())
	}

	s.reg.RemoveClient(s)
	s.SetState(Terminated)
	nlog.Infof("client %s: disconnected", s.connID)
	nlog.Flush()
}
