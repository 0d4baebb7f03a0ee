package cell

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader reads Tor cells from a buffered stream. Circuit-ID width starts at
// 2 bytes, the width every VERSIONS cell uses, and is fixed by SetCircIDLen
// once version negotiation completes.
type Reader struct {
	r         *bufio.Reader
	circIDLen int
}

func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r, circIDLen: 2}
}

// SetCircIDLen fixes the circuit-ID width used by subsequent ReadCell calls.
func (cr *Reader) SetCircIDLen(n int) {
	cr.circIDLen = n
}

func (cr *Reader) ReadCell() (Cell, error) {
	hdr := make([]byte, cr.circIDLen+1)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return Cell{}, fmt.Errorf("read cell header: %w", err)
	}

	var circID uint32
	if cr.circIDLen == 2 {
		circID = uint32(binary.BigEndian.Uint16(hdr[0:2]))
	} else {
		circID = binary.BigEndian.Uint32(hdr[0:4])
	}
	cmd := hdr[len(hdr)-1]

	if IsVariableLength(cmd) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return Cell{}, fmt.Errorf("read varlen length: %w", err)
		}
		pLen := binary.BigEndian.Uint16(lenBuf[:])
		if int(pLen) > MaxVarPayloadLen {
			return Cell{}, fmt.Errorf("variable-length cell payload too large: %d bytes (max %d)", pLen, MaxVarPayloadLen)
		}
		payload := make([]byte, pLen)
		if pLen > 0 {
			if _, err := io.ReadFull(cr.r, payload); err != nil {
				return Cell{}, fmt.Errorf("read varlen payload: %w", err)
			}
		}
		return Cell{CircID: circID, Command: cmd, Payload: payload}, nil
	}

	payload := make([]byte, MaxPayloadLen)
	if _, err := io.ReadFull(cr.r, payload); err != nil {
		return Cell{}, fmt.Errorf("read fixed payload: %w", err)
	}
	return Cell{CircID: circID, Command: cmd, Payload: payload}, nil
}

// Writer writes Tor cells to a byte stream.
type Writer struct {
	w         io.Writer
	circIDLen int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, circIDLen: 2}
}

// SetCircIDLen fixes the circuit-ID width used by subsequent WriteCell calls,
// except for VERSIONS cells which are always written with 2 bytes.
func (cw *Writer) SetCircIDLen(n int) {
	cw.circIDLen = n
}

func (cw *Writer) WriteCell(c Cell) error {
	wireLen := cw.circIDLen
	if c.Command == CmdVersions {
		wireLen = 2
	}
	buf, err := c.Encode(wireLen)
	if err != nil {
		return err
	}
	_, err = cw.w.Write(buf)
	return err
}
