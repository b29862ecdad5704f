package psi

// CRC-32/MPEG-2, as carried at the tail of every PSI/SI section.
// Polynomial 0x04C11DB7, init 0xFFFFFFFF, no reflection, no final xor.

var crcTable = buildCRCTable()

func buildCRCTable() [256]uint32 {
	var table [256]uint32
	for i := range table {
		crc := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// sectionCRCValid reports whether a full section (header through trailing
// CRC) checks out. A valid section folds to zero.
func sectionCRCValid(section []byte) bool {
	if len(section) < 4 {
		return false
	}
	return crc32MPEG(section) == 0
}
