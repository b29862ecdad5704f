package psi

// Table ids and well-known PIDs.
const (
	PIDPAT = 0x0000
	PIDNIT = 0x0010
	PIDSDT = 0x0011

	tableIDPAT       = 0x00
	tableIDPMT       = 0x02
	tableIDNITActual = 0x40
	tableIDSDTActual = 0x42
)

type patEntry struct {
	ProgramNumber uint16
	PID           uint16
}

type patTable struct {
	TSID     uint16
	Version  uint8
	Programs []patEntry // program_number 0 (network PID) excluded
}

// parsePAT decodes a CRC-checked PAT section.
func parsePAT(section []byte) (patTable, bool) {
	if len(section) < 12 || section[0] != tableIDPAT {
		return patTable{}, false
	}
	if section[5]&0x01 == 0 { // current_next_indicator
		return patTable{}, false
	}
	t := patTable{
		TSID:    uint16(section[3])<<8 | uint16(section[4]),
		Version: section[5] >> 1 & 0x1F,
	}
	for p := 8; p+4 <= len(section)-4; p += 4 {
		num := uint16(section[p])<<8 | uint16(section[p+1])
		pid := uint16(section[p+2]&0x1F)<<8 | uint16(section[p+3])
		if num == 0 {
			continue
		}
		t.Programs = append(t.Programs, patEntry{ProgramNumber: num, PID: pid})
	}
	return t, true
}

type pmtTable struct {
	ProgramNumber uint16
	PCRPID        uint16
	StreamCount   int
}

// parsePMT decodes a CRC-checked PMT section. Only the shape of the
// program matters here, not the elementary stream details.
func parsePMT(section []byte) (pmtTable, bool) {
	if len(section) < 16 || section[0] != tableIDPMT {
		return pmtTable{}, false
	}
	if section[5]&0x01 == 0 {
		return pmtTable{}, false
	}
	t := pmtTable{
		ProgramNumber: uint16(section[3])<<8 | uint16(section[4]),
		PCRPID:        uint16(section[8]&0x1F)<<8 | uint16(section[9]),
	}
	progInfoLen := int(section[10]&0x0F)<<8 | int(section[11])
	p := 12 + progInfoLen
	end := len(section) - 4
	for p+5 <= end {
		esInfoLen := int(section[p+3]&0x0F)<<8 | int(section[p+4])
		t.StreamCount++
		p += 5 + esInfoLen
	}
	return t, true
}

type sdtService struct {
	SID         uint16
	ServiceType uint8
	Provider    string
	Name        string
}

type sdtTable struct {
	TSID     uint16
	NID      uint16
	Version  uint8
	Services []sdtService
}

// parseSDT decodes a CRC-checked SDT (actual TS) section.
func parseSDT(section []byte) (sdtTable, bool) {
	if len(section) < 15 || section[0] != tableIDSDTActual {
		return sdtTable{}, false
	}
	if section[5]&0x01 == 0 {
		return sdtTable{}, false
	}
	t := sdtTable{
		TSID:    uint16(section[3])<<8 | uint16(section[4]),
		NID:     uint16(section[8])<<8 | uint16(section[9]),
		Version: section[5] >> 1 & 0x1F,
	}
	p := 11
	end := len(section) - 4
	for p+5 <= end {
		svc := sdtService{SID: uint16(section[p])<<8 | uint16(section[p+1])}
		descLen := int(section[p+3]&0x0F)<<8 | int(section[p+4])
		p += 5
		if p+descLen > end {
			break
		}
		parseDescriptors(section[p:p+descLen], func(tag uint8, body []byte) {
			if tag == descService {
				svc.ServiceType, svc.Provider, svc.Name = parseServiceDescriptor(body)
			}
		})
		p += descLen
		t.Services = append(t.Services, svc)
	}
	return t, true
}

type nitTS struct {
	TSID       uint16
	NID        uint16
	PhysicalCh int // 0 when no terrestrial delivery descriptor
	RemoteKey  int // 0 when no TS information descriptor
}

type nitTable struct {
	NetworkID   uint16
	Version     uint8
	NetworkName string
	Streams     []nitTS
}

// parseNIT decodes a CRC-checked NIT (actual network) section.
func parseNIT(section []byte) (nitTable, bool) {
	if len(section) < 16 || section[0] != tableIDNITActual {
		return nitTable{}, false
	}
	if section[5]&0x01 == 0 {
		return nitTable{}, false
	}
	t := nitTable{
		NetworkID: uint16(section[3])<<8 | uint16(section[4]),
		Version:   section[5] >> 1 & 0x1F,
	}
	netDescLen := int(section[8]&0x0F)<<8 | int(section[9])
	p := 10
	if p+netDescLen > len(section)-4 {
		return nitTable{}, false
	}
	parseDescriptors(section[p:p+netDescLen], func(tag uint8, body []byte) {
		if tag == descNetworkName {
			t.NetworkName = NormalizeName(DecodeARIB(body))
		}
	})
	p += netDescLen

	if p+2 > len(section)-4 {
		return t, true
	}
	p += 2 // transport_stream_loop_length
	end := len(section) - 4
	for p+6 <= end {
		ts := nitTS{
			TSID: uint16(section[p])<<8 | uint16(section[p+1]),
			NID:  uint16(section[p+2])<<8 | uint16(section[p+3]),
		}
		descLen := int(section[p+4]&0x0F)<<8 | int(section[p+5])
		p += 6
		if p+descLen > end {
			break
		}
		parseDescriptors(section[p:p+descLen], func(tag uint8, body []byte) {
			switch tag {
			case descTerrestrialDelivery:
				if ch := parseTerrestrialDelivery(body); ch > 0 {
					ts.PhysicalCh = ch
				}
			case descTSInformation:
				if key, ok := parseTSInformation(body); ok {
					ts.RemoteKey = key
				}
			}
		})
		p += descLen
		t.Streams = append(t.Streams, ts)
	}
	return t, true
}
