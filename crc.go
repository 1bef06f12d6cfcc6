package modbus

// CRC16 computes the CRC-16/MODBUS checksum (polynomial 0xA001 reflected,
// initial value 0xFFFF) over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCRC appends the checksum of frame in wire order, low byte first.
func AppendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// CheckCRC reports whether the trailing two bytes of frame hold the correct
// checksum of the preceding bytes.
func CheckCRC(frame []byte) bool {
	if len(frame) < crcSize+1 {
		return false
	}
	want := uint16(frame[len(frame)-1])<<8 | uint16(frame[len(frame)-2])
	return CRC16(frame[:len(frame)-crcSize]) == want
}
