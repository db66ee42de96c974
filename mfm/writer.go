package mfm

// Writer assembles the raw MFM bitstream of one track, sized in bitcells
// so it fills exactly one revolution when the drive serves it. Each data
// bit becomes two bitcells (clock + data); the sync marks violate the
// clock rule on purpose, which is what makes them recognisable.
type Writer struct {
	buf       []byte
	bitPos    int // next bitcell to write
	lastBit   int // last data bit, for clocking the next zero
	trackBits int
}

// NewWriter returns a writer for a track of the given length in raw
// bitcells. Writing past the track end is silently dropped.
func NewWriter(trackBits int) *Writer {
	return &Writer{
		buf:       make([]byte, (trackBits+7)/8),
		trackBits: trackBits,
	}
}

// Bits returns the number of raw bitcells written so far.
func (w *Writer) Bits() int {
	return w.bitPos
}

// Bytes returns the bitstream assembled so far, trimmed to whole bytes.
func (w *Writer) Bytes() []byte {
	return w.buf[:(w.bitPos+7)/8]
}

// writeBitcell appends one raw bitcell.
func (w *Writer) writeBitcell(v int) {
	if w.bitPos >= w.trackBits {
		return // track ended
	}
	if v != 0 {
		w.buf[w.bitPos/8] |= 1 << (7 - w.bitPos%8)
	}
	w.bitPos++
}

// writeBit appends one data bit as a clock/data bitcell pair. A one is
// always 01; a zero carries a clock only after another zero.
func (w *Writer) writeBit(dataBit int) {
	if dataBit != 0 {
		w.writeBitcell(0)
		w.writeBitcell(1)
	} else {
		w.writeBitcell(w.lastBit ^ 1)
		w.writeBitcell(0)
	}
	w.lastBit = dataBit
}

// writeByte appends a data byte, MSB first.
func (w *Writer) writeByte(data byte) {
	for i := 7; i >= 0; i-- {
		w.writeBit(int(data>>i) & 1)
	}
}

// writeGap appends n bytes of the standard 0x4E gap filler.
func (w *Writer) writeGap(n int) {
	for i := 0; i < n; i++ {
		w.writeByte(0x4E)
	}
}

// writeMarker appends a sync mark: twelve bytes of zeros, three A1 bytes
// with the clock violation in bit 2, then the tag byte.
func (w *Writer) writeMarker(tag uint8) {
	for i := 0; i < 12; i++ {
		w.writeByte(0)
	}
	// A1 = 10100001, bitcells 0x4489: the dropped clock of bit 2 cannot
	// occur in regular MFM data.
	for i := 0; i < 3; i++ {
		w.writeBit(1)
		w.writeBit(0)
		w.writeBit(1)
		w.writeBit(0)
		w.writeBit(0)
		w.writeBitcell(0)
		w.writeBitcell(0)
		w.writeBit(0)
		w.writeBit(1)
	}
	w.writeByte(tag)
}

// writeIndexMarker appends the track-start mark: three C2 bytes with the
// clock violation in bit 3, tagged 0xFC.
func (w *Writer) writeIndexMarker() {
	for i := 0; i < 12; i++ {
		w.writeByte(0)
	}
	// C2 = 11000010, bitcells 0x5224.
	for i := 0; i < 3; i++ {
		w.writeBit(1)
		w.writeBit(1)
		w.writeBit(0)
		w.writeBit(0)
		w.writeBitcell(0)
		w.writeBitcell(0)
		w.writeBit(0)
		w.writeBit(1)
		w.writeBit(0)
	}
	w.writeByte(0xFC)
}

// EncodeTrackIBMPC encodes one track in IBM PC format and returns the
// bitstream. sectors holds the 512-byte sector contents indexed by
// sector number; bitRate is the data rate in kbps, which sizes the
// inter-sector gaps.
//
// Track layout:
//
//	gap4a(80) | index mark | gap1(50) |
//	  [ sector mark | header+CRC | gap2 | data mark | data+CRC | gap3 ] x sectors
//	| gap4b to the track end
func (w *Writer) EncodeTrackIBMPC(sectors [][]byte, cylinder, head, sectorsPerTrack int, bitRate uint16) []byte {
	const startGap = 80 // gap4a: before the index mark
	const indexGap = 50 // gap1: before the first sector

	headerGap, sectorGap := computeGapsIBMPC(bitRate, sectorsPerTrack)

	w.writeGap(startGap)
	w.writeIndexMarker()
	w.writeGap(indexGap)

	for s := 0; s < sectorsPerTrack; s++ {
		// Sector identifier: cylinder, head, sector (1-based), size
		// code 2 for 512 bytes.
		w.writeMarker(0xFE)
		w.writeByte(byte(cylinder))
		w.writeByte(byte(head))
		w.writeByte(byte(s + 1))
		w.writeByte(2)

		sum := crc16CCITTByte(0xb230, byte(cylinder))
		sum = crc16CCITTByte(sum, byte(head))
		sum = crc16CCITTByte(sum, byte(s+1))
		sum = crc16CCITTByte(sum, 2)
		w.writeByte(byte(sum >> 8))
		w.writeByte(byte(sum))

		w.writeGap(headerGap)

		w.writeMarker(0xFB)
		sectorData := sectors[s]
		for _, b := range sectorData {
			w.writeByte(b)
		}

		sum = crc16CCITTByte(0xcdb4, 0xFB)
		sum = crc16CCITT(sum, sectorData)
		w.writeByte(byte(sum >> 8))
		w.writeByte(byte(sum))

		w.writeGap(sectorGap)
	}

	// Fill the rest of the revolution.
	if fill := w.trackBits/8 - len(w.Bytes()); fill > 0 {
		w.writeGap(fill)
	}
	return w.Bytes()
}

// computeGapsIBMPC returns gap2 (after the sector header) and gap3
// (between sectors) for the given data rate and sector count.
//
//	Bit rate    Media           Sectors  gap2  gap3
//	--------------------------------------------------
//	250 kbps    360K/720K       8-9      22    80
//	            800K            10       22    34
//	500 kbps    1.2M            15       22    84
//	            1.44M           18       22    108
//	            1.6M            20       22    44
//	1000 kbps   2.88M           36       41    84
//	            3.12M           39       41    40
func computeGapsIBMPC(bitRate uint16, sectorsPerTrack int) (int, int) {
	// 2.88M media needs more time for the head to switch over.
	headerGap := 22
	if bitRate > 500 {
		headerGap = 41
	}

	sectorGap := 80
	switch bitRate {
	case 500:
		sectorGap = 108
		if sectorsPerTrack < 18 {
			sectorGap = 84
		}
		if sectorsPerTrack > 18 {
			sectorGap = 44
		}
	case 1000:
		sectorGap = 84
		if sectorsPerTrack > 36 {
			sectorGap = 40
		}
	case 250, 300:
		sectorGap = 80
		if sectorsPerTrack > 9 {
			// Recommended gap3 for the 800K format is 46, but the
			// last sector sometimes goes missing with it; 34 has
			// proven stable.
			sectorGap = 34
		}
	}
	return headerGap, sectorGap
}

// FluxIntervals converts a bitstream to the flux it produces on the
// read-data pin: for every one bitcell, the interval since the previous
// transition, in SYSCLK ticks. Hosts and tests use it to play a track at
// the write-data pin.
func FluxIntervals(bits []byte, cellTicks int64) []int64 {
	var intervals []int64
	acc := int64(0)
	for i := 0; i < len(bits)*8; i++ {
		acc += cellTicks
		if bits[i/8]>>(7-i%8)&1 != 0 {
			intervals = append(intervals, acc)
			acc = 0
		}
	}
	return intervals
}
