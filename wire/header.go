// Package wire implements the Channel Access header codec (spec.md
// component A): the fixed 16-byte header, its extended 32-bit form for
// oversized payloads/counts, DBR on-wire sizing and alignment, and the
// version-gate helpers lifted from the original implementation's
// CA_V41/CA_V44/CA_V46/CA_V47 macros.
//
// The wire format is a fixed byte layout (spec.md §6), not a
// self-describing encoding, so this package drops straight to
// encoding/binary rather than any marshal library.
/*
 * Copyright (c) 2024, casrv authors.
 */
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command codes, as defined by the Channel Access wire protocol.
type Command uint16

const (
	CmdVersion       Command = 0
	CmdEventAdd      Command = 1
	CmdEventCancel   Command = 2
	CmdRead          Command = 3
	CmdWrite         Command = 4
	CmdSearch        Command = 6
	CmdEventsOff     Command = 8
	CmdEventsOn      Command = 9
	CmdReadSync      Command = 10
	CmdError         Command = 11
	CmdClearChannel  Command = 12
	CmdNotFound      Command = 14
	CmdReadNotify    Command = 15
	CmdClaimCIU      Command = 18
	CmdWriteNotify   Command = 19
	CmdClientName    Command = 20
	CmdHostName      Command = 21
	CmdAccessRights  Command = 22
	CmdClaimCIUFail  Command = 26
	CmdServerDisconn Command = 27
)

func (c Command) String() string {
	switch c {
	case CmdVersion:
		return "version"
	case CmdEventAdd:
		return "event-add"
	case CmdEventCancel:
		return "event-cancel"
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdSearch:
		return "search"
	case CmdEventsOff:
		return "events-off"
	case CmdEventsOn:
		return "events-on"
	case CmdReadSync:
		return "read-sync"
	case CmdError:
		return "error"
	case CmdClearChannel:
		return "clear-channel"
	case CmdNotFound:
		return "not-found"
	case CmdReadNotify:
		return "read-notify"
	case CmdClaimCIU:
		return "claim-ciu"
	case CmdWriteNotify:
		return "write-notify"
	case CmdClientName:
		return "client-name"
	case CmdHostName:
		return "host-name"
	case CmdAccessRights:
		return "access-rights"
	case CmdClaimCIUFail:
		return "claim-ciu-failed"
	case CmdServerDisconn:
		return "server-disconnect"
	default:
		return fmt.Sprintf("cmd(%d)", uint16(c))
	}
}

const (
	// HeaderSize is the fixed short-form header: cmd,size,type,count u16 +
	// id1,id2 u32.
	HeaderSize = 16
	// ExtHeaderSize is HeaderSize plus the 32-bit size/count extension
	// used when either field overflows its 16-bit short form.
	ExtHeaderSize = HeaderSize + 8

	// shortFormLimit is the sentinel value (0xFFFF) signaling "see the
	// extended header" in both the size and count short-form fields.
	shortFormLimit = 0xFFFF

	// Alignment payloads are padded to on the wire.
	Alignment = 8
)

// Header is the decoder/encoder's normalized view of a CA message header:
// regardless of whether the wire form was short or extended, callers always
// see the real 32-bit size and count here.
type Header struct {
	Command Command
	Size    uint32 // payload size in bytes
	Type    uint16 // DBR type code
	Count   uint32 // element count
	ID1     uint32 // client ID or SID, command-dependent
	ID2     uint32 // "available" field, command-dependent (also version on claim)
}

// Extended reports whether this header requires the extended wire form.
func (h Header) Extended() bool {
	return h.Size >= shortFormLimit || h.Count >= shortFormLimit
}

// WireLen returns the number of header bytes this message occupies on the
// wire (16 or 24).
func (h Header) WireLen() int {
	if h.Extended() {
		return ExtHeaderSize
	}
	return HeaderSize
}

var ErrShortHeader = errors.New("wire: buffer too short for header")

// PeekKind inspects the first HeaderSize bytes (always present for a valid
// message, since the short header is a prefix of the extended one) and
// reports whether the full message will need the extended form, without
// requiring the full header to have arrived yet.
func PeekKind(buf []byte) (extended bool, err error) {
	if len(buf) < HeaderSize {
		return false, ErrShortHeader
	}
	size := binary.BigEndian.Uint16(buf[2:4])
	count := binary.BigEndian.Uint16(buf[6:8])
	return size == shortFormLimit || count == shortFormLimit, nil
}

// Decode parses a header from buf, which must contain at least HeaderSize
// bytes, and ExtHeaderSize if the short-form size or count is 0xFFFF.
// It returns the number of bytes consumed.
func Decode(buf []byte) (h Header, n int, err error) {
	if len(buf) < HeaderSize {
		return Header{}, 0, ErrShortHeader
	}
	h.Command = Command(binary.BigEndian.Uint16(buf[0:2]))
	shortSize := binary.BigEndian.Uint16(buf[2:4])
	h.Type = binary.BigEndian.Uint16(buf[4:6])
	shortCount := binary.BigEndian.Uint16(buf[6:8])
	h.ID1 = binary.BigEndian.Uint32(buf[8:12])
	h.ID2 = binary.BigEndian.Uint32(buf[12:16])

	if shortSize != shortFormLimit && shortCount != shortFormLimit {
		h.Size = uint32(shortSize)
		h.Count = uint32(shortCount)
		return h, HeaderSize, nil
	}

	if len(buf) < ExtHeaderSize {
		return Header{}, 0, ErrShortHeader
	}
	h.Size = binary.BigEndian.Uint32(buf[16:20])
	h.Count = binary.BigEndian.Uint32(buf[20:24])
	return h, ExtHeaderSize, nil
}

// Encode writes h into buf (which must be at least h.WireLen() bytes) and
// returns the number of header bytes written.
func Encode(buf []byte, h Header) int {
	if h.Extended() {
		binary.BigEndian.PutUint16(buf[0:2], uint16(h.Command))
		binary.BigEndian.PutUint16(buf[2:4], shortFormLimit)
		binary.BigEndian.PutUint16(buf[4:6], h.Type)
		binary.BigEndian.PutUint16(buf[6:8], shortFormLimit)
		binary.BigEndian.PutUint32(buf[8:12], h.ID1)
		binary.BigEndian.PutUint32(buf[12:16], h.ID2)
		binary.BigEndian.PutUint32(buf[16:20], h.Size)
		binary.BigEndian.PutUint32(buf[20:24], h.Count)
		return ExtHeaderSize
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Command))
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Size))
	binary.BigEndian.PutUint16(buf[4:6], h.Type)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Count))
	binary.BigEndian.PutUint32(buf[8:12], h.ID1)
	binary.BigEndian.PutUint32(buf[12:16], h.ID2)
	return HeaderSize
}

// AlignUp rounds n up to the protocol's 8-byte payload alignment.
func AlignUp(n int) int {
	if r := n % Alignment; r != 0 {
		return n + (Alignment - r)
	}
	return n
}
