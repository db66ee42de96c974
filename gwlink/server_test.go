package gwlink

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sergev/floppy-emu/floppy"
	"github.com/sergev/floppy-emu/image"
	"github.com/sergev/floppy-emu/mfm"
	"github.com/sergev/floppy-emu/systick"
)

type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

type link struct {
	t    *testing.T
	conn pipeConn
	core *floppy.Core
	path string
	done chan struct{}
}

// newLink mounts a 720K image in a core polled from a background
// goroutine and connects a server to an in-memory duplex pipe.
func newLink(t *testing.T) *link {
	t.Helper()

	data := make([]byte, 737280)
	for i := range data {
		data[i] = byte(i / 512 ^ i)
	}
	path := filepath.Join(t.TempDir(), "test.img")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	codec, err := image.New(path)
	if err != nil {
		t.Fatal(err)
	}

	clk := systick.NewWallClock()
	core := floppy.New(clk, floppy.Params{})
	core.Insert(codec)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				core.Poll()
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()

	sr, cw := io.Pipe()
	cr, sw := io.Pipe()
	srv := NewServer(core, clk, pipeConn{r: sr, w: sw})
	go srv.Serve()

	l := &link{t: t, conn: pipeConn{r: cr, w: cw}, core: core, path: path, done: done}
	t.Cleanup(func() {
		close(done)
		core.Cancel()
		cw.Close()
		cr.Close()
	})
	return l
}

// doCommand sends a command and returns the ACK status byte.
func (l *link) doCommand(cmd []byte) byte {
	l.t.Helper()
	if _, err := l.conn.Write(cmd); err != nil {
		l.t.Fatalf("write command: %v", err)
	}
	ack := make([]byte, 2)
	if _, err := io.ReadFull(l.conn, ack); err != nil {
		l.t.Fatalf("read ack: %v", err)
	}
	if ack[0] != cmd[0] {
		l.t.Fatalf("ack echoes command %d, sent %d", ack[0], cmd[0])
	}
	return ack[1]
}

func (l *link) selectDrive() {
	l.t.Helper()
	if st := l.doCommand([]byte{CMD_SET_BUS_TYPE, 3, BUS_SHUGART}); st != ACK_OKAY {
		l.t.Fatalf("SET_BUS_TYPE status %d", st)
	}
	if st := l.doCommand([]byte{CMD_SELECT, 3, 0}); st != ACK_OKAY {
		l.t.Fatalf("SELECT status %d", st)
	}
}

func TestServerInfoAndSelect(t *testing.T) {
	l := newLink(t)

	// Selecting without a bus type is refused.
	if st := l.doCommand([]byte{CMD_SELECT, 3, 0}); st != ACK_NO_BUS {
		t.Fatalf("SELECT before SET_BUS_TYPE: status %d, want %d", st, ACK_NO_BUS)
	}

	if st := l.doCommand([]byte{CMD_GET_INFO, 3, GETINFO_FIRMWARE}); st != ACK_OKAY {
		t.Fatalf("GET_INFO status %d", st)
	}
	info := make([]byte, 32)
	if _, err := io.ReadFull(l.conn, info); err != nil {
		t.Fatal(err)
	}
	if freq := binary.LittleEndian.Uint32(info[4:8]); freq != 72000000 {
		t.Errorf("sample frequency = %d, want 72000000", freq)
	}

	l.selectDrive()
	if !l.core.Selected() {
		t.Errorf("drive not selected")
	}
}

func TestServerSeekAndHead(t *testing.T) {
	l := newLink(t)
	l.selectDrive()

	if st := l.doCommand([]byte{CMD_SEEK, 3, 2}); st != ACK_OKAY {
		t.Fatalf("SEEK status %d", st)
	}
	if cyl, _ := l.core.Track(); cyl != 2 {
		t.Errorf("cylinder = %d after seek, want 2", cyl)
	}

	if st := l.doCommand([]byte{CMD_HEAD, 3, 1}); st != ACK_OKAY {
		t.Fatalf("HEAD status %d", st)
	}
	if _, head := l.core.Track(); head != 1 {
		t.Errorf("head = %d, want 1", head)
	}

	if st := l.doCommand([]byte{CMD_SEEK, 3, 0}); st != ACK_OKAY {
		t.Fatalf("SEEK 0 status %d", st)
	}
	if st := l.doCommand([]byte{CMD_SEEK, 3, 100}); st != ACK_BAD_CYLINDER {
		t.Errorf("SEEK past the end: status %d, want %d", st, ACK_BAD_CYLINDER)
	}
}

func TestServerReadFlux(t *testing.T) {
	l := newLink(t)
	l.selectDrive()

	// Read 40ms of flux.
	cmd := make([]byte, 8)
	cmd[0] = CMD_READ_FLUX
	cmd[1] = 8
	binary.LittleEndian.PutUint32(cmd[2:6], 40*1000*systick.SysclkMHz)
	if st := l.doCommand(cmd); st != ACK_OKAY {
		t.Fatalf("READ_FLUX status %d", st)
	}

	var stream []byte
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(l.conn, buf); err != nil {
			t.Fatal(err)
		}
		if buf[0] == 0 {
			break
		}
		stream = append(stream, buf[0])
	}
	// 40ms of DD data is roughly 10k transitions.
	if len(stream) < 1000 {
		t.Errorf("flux stream only %d bytes", len(stream))
	}

	if st := l.doCommand([]byte{CMD_GET_FLUX_STATUS, 2}); st != ACK_OKAY {
		t.Errorf("flux status %d after read", st)
	}
}

func TestServerWriteFlux(t *testing.T) {
	l := newLink(t)
	l.selectDrive()

	// Encode a replacement track 0 and play it at the write-data pin.
	sectors := make([][]byte, 9)
	for s := range sectors {
		data := make([]byte, 512)
		for i := range data {
			data[i] = byte(0x5A ^ s ^ i)
		}
		sectors[s] = data
	}
	w := mfm.NewWriter(100000)
	track := w.EncodeTrackIBMPC(sectors, 0, 0, 9, 250)
	var stream []byte
	for _, ticks := range mfm.FluxIntervals(track, 144) {
		stream = appendInterval(stream, uint32(ticks))
	}
	stream = append(stream, 0)

	if st := l.doCommand([]byte{CMD_WRITE_FLUX, 4, 1, 1}); st != ACK_OKAY {
		t.Fatalf("WRITE_FLUX status %d", st)
	}
	if _, err := l.conn.Write(stream); err != nil {
		t.Fatal(err)
	}
	sync := make([]byte, 1)
	if _, err := io.ReadFull(l.conn, sync); err != nil {
		t.Fatal(err)
	}
	if sync[0] != 0 {
		t.Fatalf("write sync byte %d", sync[0])
	}
	if st := l.doCommand([]byte{CMD_GET_FLUX_STATUS, 2}); st != ACK_OKAY {
		t.Fatalf("flux status %d after write", st)
	}

	// The image file holds the new sectors.
	f, err := os.Open(l.path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for s := range sectors {
		got := make([]byte, 512)
		if _, err := f.ReadAt(got, int64(s)*512); err != nil {
			t.Fatal(err)
		}
		for i := range got {
			if got[i] != sectors[s][i] {
				t.Fatalf("sector %d byte %d = %#x, want %#x", s, i, got[i], sectors[s][i])
			}
		}
	}
}
