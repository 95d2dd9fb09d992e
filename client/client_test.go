package client_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/oksanagit/casrv/channel"
	"github.com/oksanagit/casrv/client"
	"github.com/oksanagit/casrv/dbrtype"
	"github.com/oksanagit/casrv/obuf"
	"github.com/oksanagit/casrv/pvtool"
	"github.com/oksanagit/casrv/registry"
	"github.com/oksanagit/casrv/wire"
)

type nopReader struct{}

func (nopReader) Read([]byte) (int, error) { return 0, nil }

type collectTransport struct{ buf bytes.Buffer }

func (c *collectTransport) Flush(b []byte) (int, obuf.FlushResult, error) {
	n, _ := c.buf.Write(b)
	return n, obuf.Progress, nil
}

type fakePV struct{ name string }

func (f *fakePV) Name() string                   { return f.name }
func (f *fakePV) BestExternalType() dbrtype.Type { return dbrtype.Double }
func (f *fakePV) NativeCount() uint32            { return 1 }
func (f *fakePV) BeginTransaction()              {}
func (f *fakePV) EndTransaction()                {}
func (f *fakePV) CreateChannel(uint32) (pvtool.AccessRights, pvtool.Outcome, error) {
	return pvtool.AccessRights{Read: true, Write: true}, pvtool.Sync, nil
}
func (f *fakePV) Read(context.Context, *dbrtype.Descriptor, pvtool.IOCompleter) pvtool.Outcome {
	return pvtool.Sync
}
func (f *fakePV) Write(context.Context, *dbrtype.Descriptor, pvtool.IOCompleter) pvtool.Outcome {
	return pvtool.Sync
}
func (f *fakePV) UpdateEnumStringTable(context.Context, pvtool.IOCompleter) pvtool.Outcome {
	return pvtool.Sync
}
func (f *fakePV) EnumStringTable() []string { return nil }

func newTestStream(t *testing.T, reg *registry.Registry) *client.Stream {
	t.Helper()
	return client.New(nopReader{}, 256, &collectTransport{}, 256, reg)
}

func TestNewInstallsClientInRegistry(t *testing.T) {
	reg := registry.New()
	s := newTestStream(t, reg)
	if reg.ClientCount() != 1 {
		t.Fatalf("expected client installed, got count %d", reg.ClientCount())
	}
	if s.ConnID() == "" {
		t.Fatalf("expected a non-empty correlation ID")
	}
}

func TestAddChannelSatisfiesInvariant1(t *testing.T) {
	reg := registry.New()
	s := newTestStream(t, reg)

	sid := reg.Allocate()
	ch := channel.New(1, sid, &fakePV{name: "test:pv"}, pvtool.AccessRights{Read: true})
	s.AddChannel(ch)

	if _, ok := s.Channel(1); !ok {
		t.Fatalf("expected channel findable by CID on the client")
	}
	if _, ok := reg.LookupRes(sid, registry.KindChannel); !ok {
		t.Fatalf("expected channel findable by SID in the registry")
	}

	s.RemoveChannel(1)
	if _, ok := s.Channel(1); ok {
		t.Fatalf("expected channel gone from client after RemoveChannel")
	}
	if _, ok := reg.LookupRes(sid, registry.KindChannel); ok {
		t.Fatalf("expected channel gone from registry after RemoveChannel")
	}
}

func TestSetIdentityUpdatesOwnedChannels(t *testing.T) {
	reg := registry.New()
	s := newTestStream(t, reg)
	sid := reg.Allocate()
	ch := channel.New(1, sid, &fakePV{name: "test:pv"}, pvtool.AccessRights{Read: true})
	s.AddChannel(ch)

	s.SetIdentity("alice", "client.example.com")

	user, host := ch.Owner()
	if user != "alice" || host != "client.example.com" {
		t.Fatalf("expected channel owner updated, got user=%q host=%q", user, host)
	}
}

func TestTeardownCascadesAndRemovesClient(t *testing.T) {
	reg := registry.New()
	s := newTestStream(t, reg)
	sid := reg.Allocate()
	ch := channel.New(1, sid, &fakePV{name: "test:pv"}, pvtool.AccessRights{Read: true})
	s.AddChannel(ch)

	s.Teardown()

	if !ch.Destroyed() {
		t.Fatalf("expected owned channel destroyed on teardown")
	}
	if reg.ClientCount() != 0 {
		t.Fatalf("expected client removed from registry after teardown")
	}
	if s.State() != client.Terminated {
		t.Fatalf("expected state Terminated, got %v", s.State())
	}
}

func TestSendWarningCommitsAnErrorFrame(t *testing.T) {
	reg := registry.New()
	s := newTestStream(t, reg)
	orig := wire.Header{Command: wire.CmdWriteNotify, Size: 3, Type: uint16(dbrtype.String), Count: 1, ID1: 1, ID2: 2}

	if ok := s.SendWarning(orig, wire.StatusPutFail, "put failed"); !ok {
		t.Fatalf("expected SendWarning to succeed against an empty buffer")
	}
}

type decodedFrame struct {
	h       wire.Header
	payload []byte
}

func decodeFrames(t *testing.T, buf []byte) []decodedFrame {
	t.Helper()
	var out []decodedFrame
	for len(buf) > 0 {
		h, n, err := wire.Decode(buf)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		aligned := wire.AlignUp(int(h.Size))
		out = append(out, decodedFrame{h: h, payload: buf[n : n+aligned]})
		buf = buf[n+aligned:]
	}
	return out
}

func TestDisconnectChannelNotifiesV47Client(t *testing.T) {
	reg := registry.New()
	tr := &collectTransport{}
	s := client.New(nopReader{}, 256, tr, 256, reg)
	s.SetVersion(7)
	sid := reg.Allocate()
	ch := channel.New(1, sid, &fakePV{name: "test:pv"}, pvtool.AccessRights{Read: true})
	s.AddChannel(ch)

	if ok := s.DisconnectChannel(1); !ok {
		t.Fatalf("expected DisconnectChannel to find the owned channel")
	}
	if !ch.Destroyed() {
		t.Fatalf("expected channel destroyed")
	}
	if _, ok := s.Channel(1); ok {
		t.Fatalf("expected channel removed from the client")
	}
	if s.State() == client.Terminated {
		t.Fatalf("expected a >= 4.7 client to stay connected, got Terminated")
	}

	if _, err := s.Obuf().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	frames := decodeFrames(t, tr.buf.Bytes())
	if len(frames) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(frames))
	}
	if frames[0].h.Command != wire.CmdServerDisconn {
		t.Fatalf("expected CmdServerDisconn, got %v", frames[0].h.Command)
	}
	if frames[0].h.ID1 != sid {
		t.Fatalf("expected the channel's SID in ID1, got %d", frames[0].h.ID1)
	}
}

func TestDisconnectChannelTerminatesPreV47Client(t *testing.T) {
	reg := registry.New()
	tr := &collectTransport{}
	s := client.New(nopReader{}, 256, tr, 256, reg)
	s.SetVersion(6)
	sid := reg.Allocate()
	ch := channel.New(1, sid, &fakePV{name: "test:pv"}, pvtool.AccessRights{Read: true})
	s.AddChannel(ch)

	if ok := s.DisconnectChannel(1); !ok {
		t.Fatalf("expected DisconnectChannel to find the owned channel")
	}
	if !ch.Destroyed() {
		t.Fatalf("expected channel destroyed")
	}
	if s.State() != client.Terminated {
		t.Fatalf("expected a < 4.7 client to be marked Terminated, got %v", s.State())
	}

	if _, err := s.Obuf().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if tr.buf.Len() != 0 {
		t.Fatalf("expected no frame sent to a < 4.7 client, got %d bytes", tr.buf.Len())
	}
}

func TestDisconnectChannelUnknownCIDReportsNotFound(t *testing.T) {
	reg := registry.New()
	s := newTestStream(t, reg)
	if ok := s.DisconnectChannel(99); ok {
		t.Fatalf("expected DisconnectChannel to report not-found for an unowned CID")
	}
}

func TestAsyncIOStartedFlagResetsPerRequest(t *testing.T) {
	reg := registry.New()
	s := newTestStream(t, reg)

	s.SetAsyncIOStarted(true)
	if !s.AsyncIOStarted() {
		t.Fatalf("expected flag set")
	}
	s.BeginRequest(wire.Header{}, nil)
	if s.AsyncIOStarted() {
		t.Fatalf("expected BeginRequest to reset the async-IO-started flag")
	}
}
