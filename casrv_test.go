package casrv_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oksanagit/casrv"
	"github.com/oksanagit/casrv/dbrtype"
	"github.com/oksanagit/casrv/pvtool"
	"github.com/oksanagit/casrv/wire"
)

type fakePV struct {
	name     string
	access   pvtool.AccessRights
	bestType dbrtype.Type
	count    uint32
}

func (f *fakePV) Name() string                   { return f.name }
func (f *fakePV) BestExternalType() dbrtype.Type { return f.bestType }
func (f *fakePV) NativeCount() uint32            { return f.count }
func (f *fakePV) BeginTransaction()              {}
func (f *fakePV) EndTransaction()                {}
func (f *fakePV) EnumStringTable() []string      { return nil }

func (f *fakePV) CreateChannel(uint32) (pvtool.AccessRights, pvtool.Outcome, error) {
	return f.access, pvtool.Sync, nil
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

type fakeServer struct{ pv pvtool.PV }

func (f *fakeServer) PVAttach(context.Context, string, pvtool.AttachCompleter) (pvtool.PV, pvtool.Outcome, error) {
	return f.pv, pvtool.Sync, nil
}

func encodeFrame(h wire.Header, payload []byte) []byte {
	h.Size = uint32(len(payload))
	buf := make([]byte, h.WireLen()+wire.AlignUp(len(payload)))
	n := wire.Encode(buf, h)
	copy(buf[n:], payload)
	return buf
}

func readHeader(t *testing.T, r io.Reader) wire.Header {
	t.Helper()
	buf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, _, err := wire.Decode(buf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if n := wire.AlignUp(int(h.Size)); n > 0 {
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return h
}

func TestHandleCompletesClaimHandshakeOverAConnection(t *testing.T) {
	pv := &fakePV{
		name:     "test:pv",
		access:   pvtool.AccessRights{Read: true, Write: true},
		bestType: dbrtype.Double,
		count:    1,
	}
	srv := casrv.New(&fakeServer{pv: pv}, casrv.WithPrometheusRegisterer(prometheus.NewRegistry()))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Handle(context.Background(), serverConn) }()

	frame := encodeFrame(wire.Header{Command: wire.CmdClaimCIU, ID1: 5, ID2: 6}, []byte("test:pv\x00"))
	writeErr := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(frame)
		writeErr <- err
	}()

	first := readHeader(t, clientConn)
	if first.Command != wire.CmdAccessRights {
		t.Fatalf("expected access-rights first, got %v", first.Command)
	}
	second := readHeader(t, clientConn)
	if second.Command != wire.CmdClaimCIU {
		t.Fatalf("expected claim-accept second, got %v", second.Command)
	}
	if second.ID1 != 5 {
		t.Fatalf("expected claim-accept echoing cid 5, got %d", second.ID1)
	}

	if err := <-writeErr; err != nil {
		t.Fatalf("write claim: %v", err)
	}
	if got := srv.ClientCount(); got != 1 {
		t.Fatalf("expected 1 installed client after the handshake, got %d", got)
	}

	clientConn.Close()
	select {
	case err := <-serverDone:
		if err == nil {
			t.Fatalf("expected Handle to return an error once the connection closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("Handle did not return after the connection closed")
	}
	if got := srv.ClientCount(); got != 0 {
		t.Fatalf("expected the client to be torn down after disconnect, got %d installed", got)
	}
}

func TestDisconnectChannelNotifiesOwningClientOverAConnection(t *testing.T) {
	pv := &fakePV{
		name:     "test:pv",
		access:   pvtool.AccessRights{Read: true, Write: true},
		bestType: dbrtype.Double,
		count:    1,
	}
	srv := casrv.New(&fakeServer{pv: pv}, casrv.WithPrometheusRegisterer(prometheus.NewRegistry()))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Handle(context.Background(), serverConn) }()

	// available, when below 0xFFFF, doubles as the claim's minor protocol
	// version (spec.md §6); 7 selects the server-disconnect-capable path.
	frame := encodeFrame(wire.Header{Command: wire.CmdClaimCIU, ID1: 5, ID2: 7}, []byte("test:pv\x00"))
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write claim: %v", err)
	}

	readHeader(t, clientConn) // access-rights
	claimAccept := readHeader(t, clientConn)
	if claimAccept.Command != wire.CmdClaimCIU {
		t.Fatalf("expected claim-accept, got %v", claimAccept.Command)
	}
	sid := claimAccept.ID2

	disconnectOK := make(chan bool, 1)
	go func() { disconnectOK <- srv.DisconnectChannel(sid) }()

	disconn := readHeader(t, clientConn)
	if ok := <-disconnectOK; !ok {
		t.Fatalf("expected DisconnectChannel to find the claimed channel")
	}
	if disconn.Command != wire.CmdServerDisconn {
		t.Fatalf("expected a server-disconnect frame, got %v", disconn.Command)
	}
	if disconn.ID1 != sid {
		t.Fatalf("expected the channel's SID in ID1, got %d", disconn.ID1)
	}

	clientConn.Close()
	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatalf("Handle did not return after the connection closed")
	}
}

func TestHandleReturnsNilOnUnknownCommandDisconnect(t *testing.T) {
	srv := casrv.New(&fakeServer{}, casrv.WithPrometheusRegisterer(prometheus.NewRegistry()))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Handle(context.Background(), serverConn) }()

	frame := encodeFrame(wire.Header{Command: wire.Command(9999), ID1: 1, ID2: 1}, nil)
	writeErr := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(frame)
		writeErr <- err
	}()

	errHeader := readHeader(t, clientConn)
	if errHeader.Command != wire.CmdError {
		t.Fatalf("expected an error frame for the unknown command, got %v", errHeader.Command)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("write unknown command: %v", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("expected Handle to return nil on a protocol-mandated disconnect, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Handle did not return after the fatal disconnect")
	}
}
