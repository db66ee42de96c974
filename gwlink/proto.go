// Package gwlink exposes the emulated drive on a byte stream speaking the
// Greaseweazle wire protocol. The peer at the other end is the host
// computer: its Seek commands become step pulses on the interface, its
// ReadFlux drains the read-data pin and its WriteFlux feeds the write-data
// pin.
package gwlink

// USB identification, reported for compatibility with host tools.
const (
	VendorID  = 0x1209 // Open source hardware projects
	ProductID = 0x4d69 // Keir Fraser Greaseweazle
)

// Command codes
const (
	CMD_GET_INFO        = 0
	CMD_UPDATE          = 1
	CMD_SEEK            = 2
	CMD_HEAD            = 3
	CMD_SET_PARAMS      = 4
	CMD_GET_PARAMS      = 5
	CMD_MOTOR           = 6
	CMD_READ_FLUX       = 7
	CMD_WRITE_FLUX      = 8
	CMD_GET_FLUX_STATUS = 9
	CMD_SWITCH_FW_MODE  = 11
	CMD_SELECT          = 12
	CMD_DESELECT        = 13
	CMD_SET_BUS_TYPE    = 14
	CMD_SET_PIN         = 15
	CMD_RESET           = 16
	CMD_ERASE_FLUX      = 17
	CMD_SOURCE_BYTES    = 18
	CMD_SINK_BYTES      = 19
	CMD_GET_PIN         = 20
)

// GET_INFO indices
const (
	GETINFO_FIRMWARE = 0
	GETINFO_BW_STATS = 1
)

// ACK return codes
const (
	ACK_OKAY           = 0
	ACK_BAD_COMMAND    = 1
	ACK_NO_INDEX       = 2
	ACK_NO_TRK0        = 3
	ACK_FLUX_OVERFLOW  = 4
	ACK_FLUX_UNDERFLOW = 5
	ACK_WRPROT         = 6
	ACK_NO_UNIT        = 7
	ACK_NO_BUS         = 8
	ACK_BAD_UNIT       = 9
	ACK_BAD_PIN        = 10
	ACK_BAD_CYLINDER   = 11
)

// Flux stream opcodes
const (
	FLUXOP_INDEX = 1
	FLUXOP_SPACE = 2
)

// Bus type codes
const (
	BUS_NONE    = 0
	BUS_IBMPC   = 1
	BUS_SHUGART = 2
)

// encodeN28 packs a 28-bit value across 4 bytes with bit 0 of each byte
// set, so a zero byte can still terminate the stream.
func encodeN28(value uint32) [4]byte {
	return [4]byte{
		byte(1 | ((value & 0x7F) << 1)),
		byte(1 | (((value >> 7) & 0x7F) << 1)),
		byte(1 | (((value >> 14) & 0x7F) << 1)),
		byte(1 | (((value >> 21) & 0x7F) << 1)),
	}
}

// decodeN28 unpacks a 28-bit value from 4 bytes.
func decodeN28(b []byte) uint32 {
	return (uint32(b[0])&0xfe)>>1 |
		(uint32(b[1])&0xfe)<<6 |
		(uint32(b[2])&0xfe)<<13 |
		(uint32(b[3])&0xfe)<<20
}

// appendInterval encodes one flux interval in ticks onto the stream.
//
// Encoding: 1-249 direct in one byte; 250-1524 as a base byte 0xFA-0xFE
// plus an offset byte; anything longer as a FLUXOP_SPACE with an N28
// operand carrying all but 249 ticks, followed by a direct 249-tick byte.
func appendInterval(out []byte, ticks uint32) []byte {
	if ticks == 0 {
		ticks = 1
	}
	switch {
	case ticks < 250:
		return append(out, byte(ticks))
	case ticks < 1525:
		// Offset byte stays in 1..255: a zero byte would terminate the
		// stream early at the receiver.
		off := ticks - 250
		return append(out, byte(250+off/255), byte(off%255+1))
	default:
		n28 := encodeN28(ticks - 249)
		out = append(out, 0xFF, FLUXOP_SPACE)
		out = append(out, n28[:]...)
		return append(out, 249)
	}
}

// appendIndex encodes an index pulse at the given offset in ticks past the
// last encoded transition.
func appendIndex(out []byte, ticks uint32) []byte {
	n28 := encodeN28(ticks)
	out = append(out, 0xFF, FLUXOP_INDEX)
	return append(out, n28[:]...)
}
