// Package ibuf implements the Channel Access input buffer (spec.md
// component C): it pulls bytes from the transport, stamps a receive-time
// used as the default timestamp on writes, and exposes a framed-message
// view to the dispatcher without interpreting payload contents.
/*
 * Copyright (c) 2024, casrv authors.
 */
package ibuf

import (
	"errors"

	"github.com/oksanagit/casrv/cmn/atomic"
	"github.com/oksanagit/casrv/cmn/mono"
	"github.com/oksanagit/casrv/wire"
)

// Transport is the external byte-stream source this buffer pulls from.
type Transport interface {
	Read(b []byte) (n int, err error)
}

var ErrBufferFull = errors.New("ibuf: frame larger than buffer capacity")

// Buffer is the per-client input buffer.
type Buffer struct {
	buf  []byte
	roff int // start of not-yet-consumed bytes
	woff int // end of bytes filled from the transport

	t Transport

	lastRecv atomic.Int64
}

func New(capacity int, t Transport) *Buffer {
	return &Buffer{buf: make([]byte, capacity), t: t}
}

// Fill pulls one Read's worth of bytes from the transport. On success it
// stamps the receive-time (mono.NanoTime), which Write/Write-notify use to
// timestamp descriptors that omit their own.
func (b *Buffer) Fill() (int, error) {
	b.compact()
	if b.woff == len(b.buf) {
		return 0, ErrBufferFull
	}
	n, err := b.t.Read(b.buf[b.woff:])
	if n > 0 {
		b.woff += n
		b.lastRecv.Store(mono.NanoTime())
	}
	return n, err
}

// LastRecv returns the Unix-nanosecond timestamp of the most recent successful
// Fill, used as the default timestamp on write descriptors (spec.md §4.G
// Write, §3 Stream client).
func (b *Buffer) LastRecv() int64 { return b.lastRecv.Load() }

// Frame attempts to decode one complete message from the buffered bytes.
// It returns ok=false (not an error) when more bytes are needed.
func (b *Buffer) Frame() (h wire.Header, payload []byte, ok bool, err error) {
	avail := b.buf[b.roff:b.woff]
	if len(avail) < wire.HeaderSize {
		return wire.Header{}, nil, false, nil
	}
	extended, err := wire.PeekKind(avail)
	if err != nil {
		return wire.Header{}, nil, false, err
	}
	need := wire.HeaderSize
	if extended {
		need = wire.ExtHeaderSize
	}
	if len(avail) < need {
		return wire.Header{}, nil, false, nil
	}
	hdr, hn, err := wire.Decode(avail)
	if err != nil {
		return wire.Header{}, nil, false, err
	}
	total := hn + wire.AlignUp(int(hdr.Size))
	if total > len(b.buf) {
		return wire.Header{}, nil, false, ErrBufferFull
	}
	if len(avail) < total {
		return wire.Header{}, nil, false, nil
	}
	return hdr, avail[hn : hn+int(hdr.Size)], true, nil
}

// FrameLen returns the total wire length (header+aligned payload) of the
// frame most recently returned by Frame, so the caller can Consume it.
func FrameLen(h wire.Header) int {
	return h.WireLen() + wire.AlignUp(int(h.Size))
}

// Consume advances past n bytes of a fully-decoded frame.
func (b *Buffer) Consume(n int) {
	b.roff += n
	if b.roff == b.woff {
		b.roff, b.woff = 0, 0
	}
}

// compact slides unconsumed bytes to the front of the buffer so Fill always
// has room to grow into, unless the buffer is already full of one
// undecodable (oversized) frame.
func (b *Buffer) compact() {
	if b.roff == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.roff:b.woff])
	b.roff = 0
	b.woff = n
}
