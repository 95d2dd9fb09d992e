package wire

import "encoding/binary"

// EncodeErrorPayload builds the payload of a generic error frame (spec.md
// §6: "Contains the offending request header, a status code, and a textual
// message"): the offending request's own header re-encoded in whatever
// form (short or extended) its size/count actually need, followed by a
// 32-bit status code and a nul-terminated text message. Used both for
// synchronous validation/authorization errors and for the companion
// warning-exception frames accompanying notify failures.
func EncodeErrorPayload(orig Header, status Status, text string) []byte {
	echoLen := orig.WireLen()
	buf := make([]byte, echoLen+4+len(text)+1)
	n := Encode(buf, orig)
	binary.BigEndian.PutUint32(buf[n:], uint32(status))
	copy(buf[n+4:], text)
	return buf
}

// DecodeErrorPayload is EncodeErrorPayload's inverse, used by tests and by
// any client-side tooling that wants to interpret an error frame.
func DecodeErrorPayload(buf []byte) (orig Header, status Status, text string, err error) {
	extended, err := PeekKind(buf)
	if err != nil {
		return Header{}, 0, "", err
	}
	need := HeaderSize
	if extended {
		need = ExtHeaderSize
	}
	if len(buf) < need+4 {
		return Header{}, 0, "", ErrShortHeader
	}
	orig, n, err := Decode(buf)
	if err != nil {
		return Header{}, 0, "", err
	}
	status = Status(binary.BigEndian.Uint32(buf[n:]))
	rest := buf[n+4:]
	end := len(rest)
	for i, b := range rest {
		if b == 0 {
			end = i
			break
		}
	}
	text = string(rest[:end])
	return orig, status, text, nil
}
