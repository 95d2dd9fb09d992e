// Package cos: client correlation-ID generation, ported from aistore's
// cmn/cos/uuid.go. casrv stamps every installed client.Stream with one of
// these at construction time so log lines for a connection can be grepped
// together without exposing the protocol-level host/port pair.
/*
 * Copyright (c) 2024, casrv authors.
 */
package cos

import (
	"strconv"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"

	"github.com/oksanagit/casrv/cmn/atomic"
)

// Alphabet for generating correlation IDs, mirroring shortid.DEFAULT_ABC.
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const LenShortID = 9

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

// InitShortID seeds the generator once at process start. It is not
// goroutine-safe against concurrent GenUUID calls made before it returns.
func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

// GenUUID produces a short, log-friendly, practically-unique correlation
// ID. The leading/trailing tie-break characters avoid IDs that start or end
// with a separator, which reads poorly in log lines.
func GenUUID() (uuid string) {
	if sid == nil {
		InitShortID(uint64(xxhash.Checksum64([]byte("casrv"))))
	}
	var h, t string
	uuid = sid.MustGenerate()
	if len(uuid) > 0 && !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	if c := uuid[len(uuid)-1]; c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// HashedTag derives a short, stable base-36 tag from an arbitrary string
// (e.g. a PV name) for use in the negative-name-cache diagnostics; it uses
// the same xxhash primitive the teacher uses for its daemon/proxy IDs.
func HashedTag(s string) string {
	digest := xxhash.Checksum64([]byte(s))
	return strconv.FormatUint(digest, 36)
}
