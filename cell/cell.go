package cell

import (
	"encoding/binary"
	"fmt"
)

// Command constants
const (
	CmdPadding          uint8 = 0
	CmdCreate           uint8 = 1
	CmdCreated          uint8 = 2
	CmdRelay            uint8 = 3
	CmdDestroy          uint8 = 4
	CmdCreateFast       uint8 = 5
	CmdCreatedFast      uint8 = 6
	CmdVersions         uint8 = 7
	CmdNetInfo          uint8 = 8
	CmdRelayEarly       uint8 = 9
	CmdCreate2          uint8 = 10
	CmdCreated2         uint8 = 11
	CmdPaddingNegotiate uint8 = 12
	CmdVPadding         uint8 = 128
	CmdCerts            uint8 = 129
	CmdAuthChallenge    uint8 = 130
	CmdAuthenticate     uint8 = 131
	CmdAuthorize        uint8 = 132
)

const (
	MaxPayloadLen    = 509
	FixedCellLen     = 514   // 4 (circID) + 1 (cmd) + 509 (payload); the 2-byte-circID encoding is 2 bytes shorter
	MaxVarPayloadLen = 65535 // variable-length cells carry a u16_be length prefix
)

// IsVariableLength reports whether cmd is framed as circid|cmd|len:u16|body,
// as opposed to the fixed circid|cmd|body[509] framing.
func IsVariableLength(cmd uint8) bool {
	return cmd == CmdVersions || cmd >= 128
}

// Cell is a decoded Tor cell. CircID width is not part of the value; it is a
// property of the link protocol version in effect when the cell is framed,
// supplied separately to Encode/Reader/Writer.
type Cell struct {
	CircID  uint32
	Command uint8
	Payload []byte
}

// NewFixed creates a fixed-length cell with a zeroed 509-byte payload.
func NewFixed(circID uint32, cmd uint8) Cell {
	return Cell{CircID: circID, Command: cmd, Payload: make([]byte, MaxPayloadLen)}
}

// NewVar creates a variable-length cell carrying payload verbatim.
func NewVar(circID uint32, cmd uint8, payload []byte) Cell {
	return Cell{CircID: circID, Command: cmd, Payload: payload}
}

// NewVersionsCell creates a VERSIONS cell. Its CircID is always 0 and it is
// always framed with a 2-byte circuit-ID, independent of the value passed to
// Encode/Writer.SetCircIDLen, because it precedes negotiation.
func NewVersionsCell(versions []uint16) Cell {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	return Cell{CircID: 0, Command: CmdVersions, Payload: payload}
}

// ParseVersions extracts the version list from a decoded VERSIONS cell.
func ParseVersions(c Cell) []uint16 {
	n := len(c.Payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(c.Payload[2*i:])
	}
	return versions
}

// Encode serializes c to wire bytes using circIDLen (2 or 4) for the
// circuit-ID field.
func (c Cell) Encode(circIDLen int) ([]byte, error) {
	var hdr []byte
	switch circIDLen {
	case 2:
		if c.CircID > 0xFFFF {
			return nil, fmt.Errorf("cell: circuit ID %d does not fit in a 2-byte field", c.CircID)
		}
		hdr = make([]byte, 2)
		binary.BigEndian.PutUint16(hdr, uint16(c.CircID))
	case 4:
		hdr = make([]byte, 4)
		binary.BigEndian.PutUint32(hdr, c.CircID)
	default:
		return nil, fmt.Errorf("cell: invalid circuit-ID width %d", circIDLen)
	}

	if IsVariableLength(c.Command) {
		if len(c.Payload) > MaxVarPayloadLen {
			return nil, fmt.Errorf("cell: variable-length payload too large: %d bytes", len(c.Payload))
		}
		out := make([]byte, 0, len(hdr)+3+len(c.Payload))
		out = append(out, hdr...)
		out = append(out, c.Command)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(c.Payload)))
		out = append(out, lenBuf[:]...)
		out = append(out, c.Payload...)
		return out, nil
	}

	if len(c.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("cell: fixed-length payload too large: %d bytes", len(c.Payload))
	}
	out := make([]byte, 0, len(hdr)+1+MaxPayloadLen)
	out = append(out, hdr...)
	out = append(out, c.Command)
	out = append(out, c.Payload...)
	for len(out) < cap(out) {
		out = append(out, 0)
	}
	return out, nil
}
