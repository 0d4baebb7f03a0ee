package link

import (
	"encoding/binary"

	"github.com/torcore/tor-core/cell"
)

// Padding negotiation commands, carried in byte 1 of a PADDING_NEGOTIATE
// cell.
const (
	PaddingNegotiateStop  uint8 = 0x00
	PaddingNegotiateStart uint8 = 0x01
)

// buildPaddingNegotiate encodes a PADDING_NEGOTIATE cell:
// version:u8=0 | command:u8 | ito_low_ms:u16_be | ito_high_ms:u16_be.
// It is purely advisory; a relay is free to ignore it.
func buildPaddingNegotiate(command uint8, itoLowMS, itoHighMS uint16) cell.Cell {
	payload := make([]byte, 6)
	payload[0] = 0 // version
	payload[1] = command
	binary.BigEndian.PutUint16(payload[2:4], itoLowMS)
	binary.BigEndian.PutUint16(payload[4:6], itoHighMS)
	return cell.NewVar(0, cell.CmdPaddingNegotiate, payload)
}
