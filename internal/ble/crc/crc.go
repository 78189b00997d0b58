// Package crc implements the CRC-16 used to protect every frame exchanged
// with the power station, including the beacon blob carried in advertisements.
//
// The firmware uses CRC-16/MODBUS and transmits the checksum low byte first.
package crc

// Reflected polynomial, seed and trailer size of the firmware checksum.
const (
	Polynomial = 0xA001
	Seed       = 0xFFFF
	Size       = 2
)

var table = makeTable()

func makeTable() [256]uint16 {
	var t [256]uint16
	for i := range t {
		c := uint16(i)
		for range 8 {
			if c&1 != 0 {
				c = c>>1 ^ Polynomial
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}

// Checksum returns the CRC-16/MODBUS of data.
func Checksum(data []byte) uint16 {
	c := uint16(Seed)
	for _, b := range data {
		c = c>>8 ^ table[byte(c)^b]
	}
	return c
}

// Append returns data followed by its little-endian checksum.
func Append(data []byte) []byte {
	c := Checksum(data)
	out := make([]byte, len(data), len(data)+Size)
	copy(out, data)
	return append(out, byte(c), byte(c>>8))
}

// Verify reports whether the last two bytes of frame are the little-endian
// checksum of the bytes before them. Frames shorter than the trailer never verify.
func Verify(frame []byte) bool {
	if len(frame) < Size {
		return false
	}
	n := len(frame) - Size
	want := uint16(frame[n]) | uint16(frame[n+1])<<8
	return Checksum(frame[:n]) == want
}
