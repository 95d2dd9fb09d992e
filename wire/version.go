package wire

// ProtocolVersion is the client's negotiated CA minor version number, as
// decoded from the Claim request's overloaded "available" field (spec.md
// §4.G, §6). Named predicates mirror the original implementation's
// CA_V41/CA_V44/CA_V46/CA_V47 macros rather than scattering magic-number
// comparisons through the dispatcher.
type ProtocolVersion uint32

const (
	// MinSupported is the lowest protocol minor version this core will
	// accept; clients below this are refused per spec.md §1/§4.G.
	MinSupported ProtocolVersion = 4
)

// DecodeClaimVersion interprets the Claim request's "available" field per
// spec.md §4.G: values below 0xFFFF are the client's minor version;
// 0xFFFF and above mean "pre-4.1", recorded as version 0.
func DecodeClaimVersion(available uint32) ProtocolVersion {
	if available < 0xFFFF {
		return ProtocolVersion(available)
	}
	return 0
}

func (v ProtocolVersion) AtLeast41() bool { return v >= 1 }
func (v ProtocolVersion) AtLeast44() bool { return v >= MinSupported }
func (v ProtocolVersion) AtLeast46() bool { return v >= 6 }
func (v ProtocolVersion) AtLeast47() bool { return v >= 7 }

// Supported reports whether this version clears the minimum bar this core
// enforces (spec.md §1 Non-goals: no compatibility below 4.4).
func (v ProtocolVersion) Supported() bool { return v.AtLeast44() }
