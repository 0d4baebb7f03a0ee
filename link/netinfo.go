package link

import (
	"net"

	"github.com/torcore/tor-core/cell"
	"github.com/torcore/tor-core/torerr"
)

const (
	addrTypeIPv4 uint8 = 0x04
	addrTypeIPv6 uint8 = 0x06
)

// encodeNetinfoAddr encodes one TOR_ADDR entry: atype:u8 | alen:u8 | aval:bytes.
func encodeNetinfoAddr(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		out := make([]byte, 0, 6)
		out = append(out, addrTypeIPv4, 4)
		return append(out, v4...)
	}
	v6 := ip.To16()
	out := make([]byte, 0, 18)
	out = append(out, addrTypeIPv6, 16)
	return append(out, v6...)
}

// buildNetInfo builds a client NETINFO cell: timestamp:u32_be=0 |
// other_addr (the relay's address, as we observed it) |
// n_my_addrs:u8=0. Clients report a zero timestamp and no addresses of
// their own to avoid fingerprinting, matching the deployed client's
// behavior.
func buildNetInfo(peerAddr net.IP) cell.Cell {
	payload := make([]byte, 0, 4+8+1)
	payload = append(payload, 0, 0, 0, 0)
	payload = append(payload, encodeNetinfoAddr(peerAddr)...)
	payload = append(payload, 0)
	return cell.NewVar(0, cell.CmdNetInfo, payload)
}

// parsedNetinfo is what we keep from the peer's NETINFO cell: its
// declared timestamp (for optional clock-skew estimation), the address
// it believes belongs to us (OtherAddr), and the addresses it lists as
// its own (MyAddrs).
type parsedNetinfo struct {
	Timestamp uint32
	MyAddrs   []net.IP
	OtherAddr net.IP
}

func parseNetInfo(payload []byte) (parsedNetinfo, error) {
	if len(payload) < 4 {
		return parsedNetinfo{}, torerr.Protocol("NETINFO: truncated before timestamp", nil)
	}
	ts := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	pos := 4

	other, n, err := decodeNetinfoAddr(payload[pos:])
	if err != nil {
		return parsedNetinfo{}, err
	}
	pos += n

	if pos >= len(payload) {
		return parsedNetinfo{}, torerr.Protocol("NETINFO: truncated before my-address count", nil)
	}
	nMine := int(payload[pos])
	pos++

	mine := make([]net.IP, 0, nMine)
	for i := 0; i < nMine; i++ {
		addr, n, err := decodeNetinfoAddr(payload[pos:])
		if err != nil {
			return parsedNetinfo{}, err
		}
		mine = append(mine, addr)
		pos += n
	}

	return parsedNetinfo{Timestamp: ts, MyAddrs: mine, OtherAddr: other}, nil
}

func decodeNetinfoAddr(b []byte) (net.IP, int, error) {
	if len(b) < 2 {
		return nil, 0, torerr.Protocol("NETINFO: truncated address header", nil)
	}
	atype, alen := b[0], int(b[1])
	if len(b) < 2+alen {
		return nil, 0, torerr.Protocol("NETINFO: truncated address body", nil)
	}
	switch atype {
	case addrTypeIPv4:
		if alen != 4 {
			return nil, 0, torerr.Protocol("NETINFO: IPv4 address with wrong length", nil)
		}
	case addrTypeIPv6:
		if alen != 16 {
			return nil, 0, torerr.Protocol("NETINFO: IPv6 address with wrong length", nil)
		}
	}
	return net.IP(b[2 : 2+alen]), 2 + alen, nil
}
