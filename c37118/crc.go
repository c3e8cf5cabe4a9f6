package c37118

// crcTable holds the CRC-CCITT lookup table for polynomial 0x1021
// (x^16 + x^12 + x^5 + 1), computed once at package init.
var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// Checksum computes the CRC-CCITT over data with initial value 0xFFFF and
// no final inversion, as required for the C37.118 frame trailer.
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}
