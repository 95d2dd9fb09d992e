// Package obuf implements the Channel Access output buffer (spec.md
// component B): an append-with-reservation buffer whose CopyInHeader/
// CommitMsg pair stages one response frame at a time, and whose
// PushCtx/PopCtx pair stages a whole group of frames that must reach the
// wire contiguously (e.g. an access-rights frame immediately followed by
// its claim-accept, spec.md §4.G/§8 invariant 4).
//
// Grounded on transport.Stream's reserve-then-send shape in the teacher
// (api.go), generalized from an object-stream send queue to a byte-level
// reservation buffer, which is what spec.md's component actually is.
/*
 * Copyright (c) 2024, casrv authors.
 */
package obuf

import (
	"errors"
	"sync"

	"github.com/oksanagit/casrv/cmn/debug"
	"github.com/oksanagit/casrv/wire"
)

// ErrHugeRequest is returned when a single message, header included,
// cannot fit even in an empty buffer.
var ErrHugeRequest = errors.New("obuf: message exceeds buffer capacity")

// ErrSendBlocked signals the buffer cannot accommodate a reservation right
// now; callers should stop pulling from the input side until a flush frees
// room (spec.md §5 Backpressure).
var ErrSendBlocked = errors.New("obuf: insufficient room, flush required")

// FlushResult reports what happened to bytes handed to the transport.
type FlushResult int

const (
	Progress FlushResult = iota
	Disconnect
)

// Transport is the external byte-stream sink this buffer drains into. It is
// deliberately minimal: casrv does not specify or own the transport.
type Transport interface {
	Flush(b []byte) (n int, result FlushResult, err error)
}

type pending struct {
	active      bool
	start       int
	headerLen   int
	declaredLen int
}

type ctxReservation struct {
	active bool
	start  int
	cap    int
}

// Buffer is the per-client output buffer.
type Buffer struct {
	mu sync.Mutex // the "output-buffer guard" (spec.md §5): never held across a server-tool callback

	buf  []byte
	woff int // end of bytes ready to flush
	roff int // start of not-yet-flushed bytes

	t Transport

	pend pending
	ctx  ctxReservation
}

func New(capacity int, t Transport) *Buffer {
	return &Buffer{buf: make([]byte, capacity), t: t}
}

func (b *Buffer) room() int { return len(b.buf) - b.woff }

// CopyInHeader reserves header+size contiguous bytes, writes the header,
// and returns the payload region for the caller to fill. size is the
// declared (not yet truncation-adjusted) payload size; CommitMsg finalizes
// it, optionally with a smaller override size.
func (b *Buffer) CopyInHeader(cmd wire.Command, size int, dtype uint16, count uint32, id1, id2 uint32) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	debug.Assert(!b.pend.active, "obuf: CopyInHeader called while a reservation is already pending")

	h := wire.Header{Command: cmd, Size: uint32(size), Type: dtype, Count: count, ID1: id1, ID2: id2}
	headerLen := h.WireLen()
	total := headerLen + wire.AlignUp(size)

	if total > len(b.buf) {
		return nil, ErrHugeRequest
	}
	if b.room() < total {
		b.compact()
		if b.room() < total {
			return nil, ErrSendBlocked
		}
	}

	start := b.woff
	wire.Encode(b.buf[start:], h)
	payload := b.buf[start+headerLen : start+headerLen+size]
	b.pend = pending{active: true, start: start, headerLen: headerLen, declaredLen: size}
	return payload, nil
}

// CommitMsg finalizes the pending reservation. An optional overrideSize
// (used for the scalar-string truncation case, spec.md §4.A) patches the
// header's size field down to a smaller transmitted length; it must not
// exceed the declared size.
func (b *Buffer) CommitMsg(overrideSize ...int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	debug.Assert(b.pend.active, "obuf: CommitMsg called with no pending reservation")
	p := b.pend
	b.pend = pending{}

	actual := p.declaredLen
	if len(overrideSize) > 0 {
		actual = overrideSize[0]
		debug.Assert(actual <= p.declaredLen, "obuf: override size exceeds declared size")
		// patch the size field in the already-written header in place
		h, _, err := wire.Decode(b.buf[p.start:])
		if err != nil {
			return err
		}
		h.Size = uint32(actual)
		wire.Encode(b.buf[p.start:], h)
	}
	b.woff = p.start + p.headerLen + wire.AlignUp(actual)
	return nil
}

// PushCtx reserves minTotalBytes of contiguous space for a group of
// messages the caller will encode directly (via wire.Encode) without going
// through CopyInHeader/CommitMsg, so that no other response can interleave
// between them (spec.md §4.B/§8 invariant 4: access-rights immediately
// followed by claim-accept).
func (b *Buffer) PushCtx(minHeaderBytes, minTotalBytes int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	debug.Assert(!b.ctx.active, "obuf: nested PushCtx is not supported")
	if minTotalBytes > len(b.buf) {
		return nil, ErrHugeRequest
	}
	if b.room() < minTotalBytes {
		b.compact()
		if b.room() < minTotalBytes {
			return nil, ErrSendBlocked
		}
	}
	_ = minHeaderBytes // retained for API symmetry with spec.md §4.B; no separate accounting needed here
	b.ctx = ctxReservation{active: true, start: b.woff, cap: minTotalBytes}
	return b.buf[b.woff : b.woff+minTotalBytes], nil
}

// PopCtx commits the `used` bytes of a prior PushCtx reservation as a
// single atomic group.
func (b *Buffer) PopCtx(used int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	debug.Assert(b.ctx.active, "obuf: PopCtx called with no active push context")
	debug.Assert(used <= b.ctx.cap, "obuf: PopCtx used more bytes than reserved")
	b.woff = b.ctx.start + used
	b.ctx = ctxReservation{}
	return nil
}

// compact hands the unsent bytes to the transport once and, if all of them
// were accepted, rewinds the buffer to its start; a partial drain frees no
// room. Called with mu held.
func (b *Buffer) compact() {
	n, result, err := b.t.Flush(b.buf[b.roff:b.woff])
	b.roff += n
	if b.roff == b.woff {
		b.roff, b.woff = 0, 0
	}
	_ = result
	_ = err
}

// Flush drains as much of the buffer as the transport accepts in one call.
func (b *Buffer) Flush() (FlushResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.roff == b.woff {
		return Progress, nil
	}
	n, result, err := b.t.Flush(b.buf[b.roff:b.woff])
	b.roff += n
	if b.roff == b.woff {
		b.roff, b.woff = 0, 0
	}
	return result, err
}

// Pending reports whether there are unflushed bytes queued.
func (b *Buffer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roff != b.woff
}
