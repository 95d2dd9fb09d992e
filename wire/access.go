package wire

// Access-rights bitmask values, as carried in the access-rights response's
// ID2 field (grounded on CA_PROTO_ACCESS_RIGHT_READ/_WRITE in the original
// implementation's accessRightsResponse, original_source/src/cas/generic/
// casStrmClient.cc ~line 1516).
const (
	AccessRightRead  uint32 = 1 << 0
	AccessRightWrite uint32 = 1 << 1
)

// AccessRightsMask packs a read/write pair into the wire bitmask.
func AccessRightsMask(read, write bool) uint32 {
	var m uint32
	if read {
		m |= AccessRightRead
	}
	if write {
		m |= AccessRightWrite
	}
	return m
}
