// Package dbrtype implements the Channel Access type-mapping table (spec.md
// component D): conversion between the protocol's DBR type codes and
// casrv's Descriptor value container, native/external conversion, enum
// string tables, and endianness conversion.
//
// The wire format is the fixed byte layout mandated by spec.md §4.A/§6, so
// this package converts with encoding/binary rather than a marshal
// library, exactly as the original implementation's gddMapDbr/cac_dbr_cvrt
// function-pointer tables operate on raw buffers.
/*
 * Copyright (c) 2024, casrv authors.
 */
package dbrtype

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Type is a DBR type code.
type Type uint16

const (
	String Type = 0
	Short  Type = 1 // a.k.a. Int
	Float  Type = 2
	Enum   Type = 3
	Char   Type = 4
	Long   Type = 5
	Double Type = 6

	lastType = Double
)

// MaxEnumStates bounds the number of strings an enum channel may expose.
const MaxEnumStates = 16

// StringSize is the fixed per-element size of a DBR_STRING element,
// matching the original protocol's MAX_STRING_SIZE.
const StringSize = 40

func (t Type) Valid() bool { return t <= lastType }

func (t Type) elementSize() int {
	switch t {
	case String:
		return StringSize
	case Short, Enum:
		return 2
	case Float:
		return 4
	case Char:
		return 1
	case Long:
		return 4
	case Double:
		return 8
	default:
		return 0
	}
}

// ErrBadType is returned for an out-of-range DBR type code.
type ErrBadType struct{ Type uint16 }

func (e *ErrBadType) Error() string { return fmt.Sprintf("dbrtype: bad type code %d", e.Type) }

// SizeN returns the on-wire size in bytes of `count` elements of `t`,
// unaligned; callers align via wire.AlignUp before reserving buffer space.
func SizeN(t Type, count uint32) (int, error) {
	if !t.Valid() {
		return 0, &ErrBadType{uint16(t)}
	}
	if count == 0 {
		count = 1
	}
	return t.elementSize() * int(count), nil
}

// Descriptor is casrv's opaque, typed value container (spec.md §3): it
// carries a primitive type, dimensionality, data, status/severity,
// timestamp, and (for enums) a string table. It is produced by the
// server tool on read and by the client on write.
type Descriptor struct {
	Type      Type
	Count     uint32
	Status    uint16
	Severity  uint16
	Timestamp int64 // unix nanoseconds

	Strings []string  // Type == String
	Shorts  []int16   // Type == Short
	Floats  []float32 // Type == Float
	Enums   []uint16  // Type == Enum
	Chars   []byte    // Type == Char
	Longs   []int32   // Type == Long
	Doubles []float64 // Type == Double

	EnumStrings []string // enum channels only; len <= MaxEnumStates
}

// NewDescriptor allocates a zero-valued descriptor of the given type and
// count (casDBRDD in spec.md §4.G Read).
func NewDescriptor(t Type, count uint32) (*Descriptor, error) {
	if !t.Valid() {
		return nil, &ErrBadType{uint16(t)}
	}
	if count == 0 {
		count = 1
	}
	d := &Descriptor{Type: t, Count: count}
	switch t {
	case String:
		d.Strings = make([]string, count)
	case Short:
		d.Shorts = make([]int16, count)
	case Float:
		d.Floats = make([]float32, count)
	case Enum:
		d.Enums = make([]uint16, count)
	case Char:
		d.Chars = make([]byte, count)
	case Long:
		d.Longs = make([]int32, count)
	case Double:
		d.Doubles = make([]float64, count)
	}
	return d, nil
}

// SmartCopy deep-copies a descriptor, as used by the monitor engine before
// converting a source value into a per-monitor response (spec.md §4.I).
// It returns an error if the source is nil or malformed, mirroring the
// original's smartCopy failing into a no-convert response.
func SmartCopy(src *Descriptor) (*Descriptor, error) {
	if src == nil {
		return nil, fmt.Errorf("dbrtype: smartCopy of nil descriptor")
	}
	dst := &Descriptor{
		Type: src.Type, Count: src.Count, Status: src.Status,
		Severity: src.Severity, Timestamp: src.Timestamp,
	}
	dst.Strings = append([]string(nil), src.Strings...)
	dst.Shorts = append([]int16(nil), src.Shorts...)
	dst.Floats = append([]float32(nil), src.Floats...)
	dst.Enums = append([]uint16(nil), src.Enums...)
	dst.Chars = append([]byte(nil), src.Chars...)
	dst.Longs = append([]int32(nil), src.Longs...)
	dst.Doubles = append([]float64(nil), src.Doubles...)
	dst.EnumStrings = append([]string(nil), src.EnumStrings...)
	return dst, nil
}

// ConvDBR converts a descriptor into on-wire (external, big-endian) form,
// writing into the caller-provided payload buffer, returning the number of
// bytes written. The enumTable argument is not used: enum values are
// written as their 16-bit indices, Count is not bounded by the table, and
// the string table itself is not transmitted.
func ConvDBR(payload []byte, count uint32, d *Descriptor, _ []string) (int, error) {
	if !d.Type.Valid() {
		return 0, &ErrBadType{uint16(d.Type)}
	}
	if count == 0 {
		count = 1
	}
	n := 0
	switch d.Type {
	case String:
		for i := uint32(0); i < count; i++ {
			var s string
			if int(i) < len(d.Strings) {
				s = d.Strings[i]
			}
			n += putString(payload[n:], s)
		}
	case Short:
		for i := uint32(0); i < count; i++ {
			binary.BigEndian.PutUint16(payload[n:n+2], uint16(valAt(d.Shorts, i)))
			n += 2
		}
	case Enum:
		for i := uint32(0); i < count; i++ {
			binary.BigEndian.PutUint16(payload[n:n+2], valAt(d.Enums, i))
			n += 2
		}
	case Float:
		for i := uint32(0); i < count; i++ {
			binary.BigEndian.PutUint32(payload[n:n+4], math.Float32bits(valAt(d.Floats, i)))
			n += 4
		}
	case Char:
		for i := uint32(0); i < count; i++ {
			payload[n] = valAt(d.Chars, i)
			n++
		}
	case Long:
		for i := uint32(0); i < count; i++ {
			binary.BigEndian.PutUint32(payload[n:n+4], uint32(valAt(d.Longs, i)))
			n += 4
		}
	case Double:
		for i := uint32(0); i < count; i++ {
			binary.BigEndian.PutUint64(payload[n:n+8], math.Float64bits(valAt(d.Doubles, i)))
			n += 8
		}
	}
	return n, nil
}

// AitConvert converts wire-form bytes (big-endian external representation)
// into a freshly-typed descriptor's storage. It is used by Write/Write-
// notify to decode the client's payload (spec.md §4.G Write).
func AitConvert(dstType Type, src []byte, count uint32, enumTable []string) (*Descriptor, error) {
	d, err := NewDescriptor(dstType, count)
	if err != nil {
		return nil, err
	}
	d.EnumStrings = enumTable
	off := 0
	switch dstType {
	case String:
		if count == 1 {
			// Scalar strings may arrive truncated to strlen+1 bytes
			// (spec.md §4.A/§8), so read up to the terminator within
			// whatever was actually sent rather than a fixed 40-byte
			// chunk.
			s, _ := getStringAny(src)
			d.Strings[0] = s
			break
		}
		for i := uint32(0); i < count; i++ {
			s, n := getString(src[off:])
			d.Strings[i] = s
			off += n
		}
	case Short:
		for i := uint32(0); i < count; i++ {
			d.Shorts[i] = int16(binary.BigEndian.Uint16(src[off : off+2]))
			off += 2
		}
	case Enum:
		for i := uint32(0); i < count; i++ {
			d.Enums[i] = binary.BigEndian.Uint16(src[off : off+2])
			off += 2
		}
	case Float:
		for i := uint32(0); i < count; i++ {
			d.Floats[i] = math.Float32frombits(binary.BigEndian.Uint32(src[off : off+4]))
			off += 4
		}
	case Char:
		for i := uint32(0); i < count; i++ {
			d.Chars[i] = src[off]
			off++
		}
	case Long:
		for i := uint32(0); i < count; i++ {
			d.Longs[i] = int32(binary.BigEndian.Uint32(src[off : off+4]))
			off += 4
		}
	case Double:
		for i := uint32(0); i < count; i++ {
			d.Doubles[i] = math.Float64frombits(binary.BigEndian.Uint64(src[off : off+8]))
			off += 8
		}
	}
	return d, nil
}

// TruncatedStringSize returns the transmitted payload length for a
// scalar (count==1) string send: strlen(s)+1, capped at StringSize, per
// spec.md §4.A/§8 (the "round-trip laws" boundary behavior). Non-scalar or
// non-string payloads are unaffected and should use SizeN instead.
func TruncatedStringSize(s string) int {
	if len(s)+1 > StringSize {
		return StringSize
	}
	return len(s) + 1
}

func putString(buf []byte, s string) int {
	if len(buf) > StringSize {
		buf = buf[:StringSize]
	}
	n := copy(buf, s)
	if n < len(buf) {
		buf[n] = 0
		n++
	}
	for i := n; i < StringSize && i < len(buf); i++ {
		buf[i] = 0
	}
	return StringSize
}

// getStringAny reads a nul-terminated string from a buffer of arbitrary
// length (used for truncated scalar string payloads), falling back to the
// whole buffer if no terminator is present.
func getStringAny(buf []byte) (string, int) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), i + 1
		}
	}
	return string(buf), len(buf)
}

func getString(buf []byte) (string, int) {
	end := len(buf)
	if end > StringSize {
		end = StringSize
	}
	z := end
	for i := 0; i < end; i++ {
		if buf[i] == 0 {
			z = i
			break
		}
	}
	return string(buf[:z]), StringSize
}

func valAt[T any](s []T, i uint32) T {
	var zero T
	if int(i) < len(s) {
		return s[i]
	}
	return zero
}
