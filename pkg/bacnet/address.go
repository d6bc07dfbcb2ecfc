package bacnet

// GlobalBroadcastNetwork is the NPDU network number meaning "every
// network reachable through every router", ASHRAE 135 clause 6.2.2.
const GlobalBroadcastNetwork = 0xFFFF

// MaxMACLen bounds the link-layer MAC portion of an Address: 6 octets
// for BACnet/IP (4 address + 2 port) or fewer for MS/TP (1 octet).
const MaxMACLen = 7

// Address is a link-agnostic BACnet device address: a local MAC plus an
// optional routing triple for devices reachable only through a router.
// A zero-length MAC with Net == 0 denotes "no address" (unbound).
type Address struct {
	// Net is the destination network number; 0 means local network,
	// GlobalBroadcastNetwork means every network.
	Net uint16
	// Adr is the remote network's MAC address of the device, populated
	// only when Net != 0 and the destination is not itself a network
	// broadcast (len(Adr) == 0 with Net != 0 means broadcast on Net).
	Adr []byte
	// Mac is the local-network MAC address: 6 bytes (4 IPv4 + 2 port)
	// for BACnet/IP, 1 byte for MS/TP. Empty means local broadcast.
	Mac []byte
}

// IsBroadcast reports whether the address denotes a broadcast rather
// than a single device, either locally (empty Mac) or on a remote
// network (non-zero Net with empty Adr) or globally (GlobalBroadcastNetwork).
func (a Address) IsBroadcast() bool {
	if a.Net == GlobalBroadcastNetwork {
		return true
	}
	if a.Net != 0 {
		return len(a.Adr) == 0
	}
	return len(a.Mac) == 0
}

// IsLocal reports whether the address is on the local network (no
// routing triple present).
func (a Address) IsLocal() bool {
	return a.Net == 0
}

// Equal compares two addresses for value equality.
func (a Address) Equal(b Address) bool {
	if a.Net != b.Net {
		return false
	}
	if !bytesEqual(a.Adr, b.Adr) {
		return false
	}
	return bytesEqual(a.Mac, b.Mac)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
