package gwlink

import (
	"encoding/binary"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/sergev/floppy-emu/floppy"
	"github.com/sergev/floppy-emu/systick"
)

const sampleFreqHz = systick.SysclkMHz * 1000000

// Server drives a floppy.Core from Greaseweazle commands arriving on a
// byte stream. The core's foreground loop must be polled concurrently (see
// cmd/run); the server only plays the host side of the cable.
type Server struct {
	core *floppy.Core
	clk  systick.Clock
	rw   io.ReadWriter

	busType    byte
	fluxStatus byte
}

// NewServer returns a server for the given core and transport.
func NewServer(core *floppy.Core, clk systick.Clock, rw io.ReadWriter) *Server {
	return &Server{core: core, clk: clk, rw: rw}
}

// Serve reads and dispatches commands until the transport fails or
// closes.
func (s *Server) Serve() error {
	hdr := make([]byte, 2)
	for {
		if _, err := io.ReadFull(s.rw, hdr); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read command: %w", err)
		}
		cmd, length := hdr[0], int(hdr[1])
		payload := make([]byte, 0)
		if length > 2 {
			payload = make([]byte, length-2)
			if _, err := io.ReadFull(s.rw, payload); err != nil {
				return fmt.Errorf("failed to read command payload: %w", err)
			}
		}
		if err := s.dispatch(cmd, payload); err != nil {
			return err
		}
	}
}

// ack sends the two-byte command acknowledgement.
func (s *Server) ack(cmd, status byte) error {
	_, err := s.rw.Write([]byte{cmd, status})
	return err
}

func (s *Server) dispatch(cmd byte, payload []byte) error {
	switch cmd {

	case CMD_GET_INFO:
		if len(payload) < 1 || payload[0] != GETINFO_FIRMWARE {
			return s.ack(cmd, ACK_BAD_COMMAND)
		}
		if err := s.ack(cmd, ACK_OKAY); err != nil {
			return err
		}
		return s.sendFirmwareInfo()

	case CMD_RESET:
		s.core.Select(false)
		s.busType = BUS_NONE
		return s.ack(cmd, ACK_OKAY)

	case CMD_SET_BUS_TYPE:
		if len(payload) < 1 || payload[0] > BUS_SHUGART {
			return s.ack(cmd, ACK_BAD_COMMAND)
		}
		s.busType = payload[0]
		return s.ack(cmd, ACK_OKAY)

	case CMD_SELECT:
		if s.busType == BUS_NONE {
			return s.ack(cmd, ACK_NO_BUS)
		}
		if len(payload) < 1 || payload[0] != 0 {
			return s.ack(cmd, ACK_BAD_UNIT)
		}
		s.core.Select(true)
		return s.ack(cmd, ACK_OKAY)

	case CMD_DESELECT:
		s.core.Select(false)
		return s.ack(cmd, ACK_OKAY)

	case CMD_MOTOR:
		// The virtual disk is always spinning.
		if len(payload) < 2 || payload[0] != 0 {
			return s.ack(cmd, ACK_BAD_UNIT)
		}
		return s.ack(cmd, ACK_OKAY)

	case CMD_SEEK:
		if len(payload) < 1 {
			return s.ack(cmd, ACK_BAD_COMMAND)
		}
		return s.ack(cmd, s.seek(int(payload[0])))

	case CMD_HEAD:
		if len(payload) < 1 || payload[0] > 1 {
			return s.ack(cmd, ACK_BAD_COMMAND)
		}
		s.core.SetSide(payload[0])
		return s.ack(cmd, ACK_OKAY)

	case CMD_READ_FLUX:
		var ticks uint32
		var maxIndex uint16
		if len(payload) >= 4 {
			ticks = binary.LittleEndian.Uint32(payload[0:4])
		}
		if len(payload) >= 6 {
			maxIndex = binary.LittleEndian.Uint16(payload[4:6])
		}
		if err := s.ack(cmd, ACK_OKAY); err != nil {
			return err
		}
		return s.readFlux(ticks, maxIndex)

	case CMD_WRITE_FLUX:
		if err := s.ack(cmd, ACK_OKAY); err != nil {
			return err
		}
		return s.writeFlux()

	case CMD_GET_FLUX_STATUS:
		status := s.fluxStatus
		s.fluxStatus = ACK_OKAY
		return s.ack(cmd, status)

	case CMD_GET_PIN, CMD_SET_PIN:
		return s.ack(cmd, ACK_BAD_PIN)

	default:
		log.Debugf("gwlink: unhandled command %d", cmd)
		return s.ack(cmd, ACK_BAD_COMMAND)
	}
}

// sendFirmwareInfo reports a Greaseweazle-compatible firmware descriptor
// for the emulated device.
func (s *Server) sendFirmwareInfo() error {
	info := make([]byte, 32)
	info[0] = 1 // fw_major
	info[1] = 5 // fw_minor
	info[2] = 1 // main firmware, not bootloader
	info[3] = CMD_GET_PIN
	binary.LittleEndian.PutUint32(info[4:8], sampleFreqHz)
	info[8] = 1 // hw_model: STM32F1
	binary.LittleEndian.PutUint16(info[12:14], systick.SysclkMHz)
	binary.LittleEndian.PutUint16(info[14:16], 64) // sram kb
	binary.LittleEndian.PutUint16(info[16:18], 32) // usb buffer kb
	_, err := s.rw.Write(info)
	return err
}

// seek steps the head to the target cylinder, pacing pulses at 3ms. It
// returns as soon as the cylinder reaches the target; it does not wait for
// the head to settle.
func (s *Server) seek(target int) byte {
	if target > 84 {
		return ACK_BAD_CYLINDER
	}
	for i := 0; i < 256; i++ {
		cyl, _ := s.core.Track()
		if int(cyl) == target {
			if target == 0 && !s.core.OutputAsserted(floppy.PinTrk0) {
				return ACK_NO_TRK0
			}
			return ACK_OKAY
		}
		s.core.StepPulse(int(cyl) < target)
		s.clk.DelayUntil(s.clk.Now().Add(systick.Ms(3)))
	}
	return ACK_NO_TRK0
}

// readFlux streams flux from the read-data pin until the tick limit or
// index count is reached, then terminates with a zero byte.
func (s *Server) readFlux(tickLimit uint32, maxIndex uint16) error {
	var (
		out      []byte
		acc      uint64 // ticks streamed
		idxAcc   uint64 // ticks streamed at last index opcode
		indexes  uint16
		lastIdx  = s.core.LastIndex()
		deadline = s.clk.Now().Add(systick.Ms(2 * 200 * (int64(maxIndex) + 2)))
	)

	for {
		if idx := s.core.LastIndex(); idx != lastIdx {
			lastIdx = idx
			out = appendIndex(out, uint32(acc-idxAcc))
			idxAcc = acc
			indexes++
			if maxIndex != 0 && indexes >= maxIndex {
				break
			}
		}
		if tickLimit != 0 && acc >= uint64(tickLimit) {
			break
		}

		ticks, ok := s.core.ReadFlux()
		if !ok {
			// Read engine not streaming yet: give the foreground
			// loop time to sync, within reason.
			if s.clk.Now() > deadline {
				s.fluxStatus = ACK_NO_INDEX
				break
			}
			s.clk.DelayUntil(s.clk.Now().Add(systick.Ms(1)))
			continue
		}
		acc += uint64(ticks)
		out = appendInterval(out, uint32(ticks))

		// Flush in chunks to bound memory.
		if len(out) >= 4096 {
			if _, err := s.rw.Write(out); err != nil {
				return err
			}
			out = out[:0]
		}
	}

	out = append(out, 0)
	_, err := s.rw.Write(out)
	return err
}

// writeFlux decodes a host flux stream into write-gate and write-data
// activity, then waits for the drain to storage to finish.
func (s *Server) writeFlux() error {
	if !s.core.OutputAsserted(floppy.PinRdy) {
		s.fluxStatus = ACK_NO_UNIT
	}
	if s.core.OutputAsserted(floppy.PinWrProt) {
		s.fluxStatus = ACK_WRPROT
	}

	gate := s.fluxStatus == ACK_OKAY
	if gate {
		s.core.WriteGate(true)
	}
	t := s.clk.Now()

	buf := make([]byte, 1)
	var n28 [4]byte
	for {
		if _, err := io.ReadFull(s.rw, buf); err != nil {
			return fmt.Errorf("failed to read flux stream: %w", err)
		}
		b := buf[0]
		if b == 0 {
			break // end of stream
		}
		var ticks uint32
		switch {
		case b < 250:
			ticks = uint32(b)
		case b < 255:
			if _, err := io.ReadFull(s.rw, buf); err != nil {
				return fmt.Errorf("failed to read flux stream: %w", err)
			}
			ticks = 250 + uint32(b-250)*255 + uint32(buf[0]) - 1
		default:
			// Special opcode.
			if _, err := io.ReadFull(s.rw, buf); err != nil {
				return fmt.Errorf("failed to read flux stream: %w", err)
			}
			op := buf[0]
			switch op {
			case FLUXOP_SPACE:
				if _, err := io.ReadFull(s.rw, n28[:]); err != nil {
					return fmt.Errorf("failed to read flux stream: %w", err)
				}
				t = t.Add(systick.FromSysclk(int64(decodeN28(n28[:]))))
				continue
			case FLUXOP_INDEX:
				if _, err := io.ReadFull(s.rw, n28[:]); err != nil {
					return fmt.Errorf("failed to read flux stream: %w", err)
				}
				continue
			default:
				s.fluxStatus = ACK_BAD_COMMAND
				continue
			}
		}
		t = t.Add(systick.FromSysclk(int64(ticks)))
		if gate {
			s.core.WriteEdgeAt(t)
		}
	}

	if gate {
		s.core.WriteGate(false)
		// Wait for the write engine to drain to storage.
		for s.core.Writing() {
			s.clk.DelayUntil(s.clk.Now().Add(systick.Ms(1)))
		}
	}

	// Write completion sync byte.
	if _, err := s.rw.Write([]byte{0}); err != nil {
		return err
	}
	return nil
}
