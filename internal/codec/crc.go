package codec

// crcITU is the CRC-16/X.25 used by the tracker protocol: reflected
// polynomial 0x8408, init 0xFFFF, final complement.
func crcITU(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
