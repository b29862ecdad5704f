package psi

// Descriptor tags this package understands.
const (
	descNetworkName         = 0x40 // DVB network_name_descriptor
	descService             = 0x48 // DVB service_descriptor
	descTSInformation       = 0xCD // ARIB TS_information_descriptor
	descTerrestrialDelivery = 0xFA // ARIB terrestrial_delivery_system_descriptor
)

// parseDescriptors walks a descriptor loop, handing each tag and body to fn.
func parseDescriptors(data []byte, fn func(tag uint8, body []byte)) {
	for len(data) >= 2 {
		tag, l := data[0], int(data[1])
		if 2+l > len(data) {
			return
		}
		fn(tag, data[2:2+l])
		data = data[2+l:]
	}
}

// parseServiceDescriptor returns service_type, provider and service name.
func parseServiceDescriptor(body []byte) (uint8, string, string) {
	if len(body) < 2 {
		return 0, "", ""
	}
	svcType := body[0]
	provLen := int(body[1])
	if 2+provLen+1 > len(body) {
		return svcType, "", ""
	}
	provider := NormalizeName(DecodeARIB(body[2 : 2+provLen]))
	nameLen := int(body[2+provLen])
	nameStart := 2 + provLen + 1
	if nameStart+nameLen > len(body) {
		return svcType, provider, ""
	}
	name := NormalizeName(DecodeARIB(body[nameStart : nameStart+nameLen]))
	return svcType, provider, name
}

// ISDB-T channel 13 sits at 473 1/7 MHz; channels step by 6 MHz. The
// descriptor carries frequencies in 1/7 MHz units, so channel 13 is 3312
// units and each channel adds 42.
const (
	freqUnitsCh13   = 3312
	freqUnitsPerCh  = 42
	physicalChFirst = 13
	physicalChLast  = 62
)

// parseTerrestrialDelivery maps the first listed frequency to a physical
// UHF channel number, 0 when none maps.
func parseTerrestrialDelivery(body []byte) int {
	if len(body) < 4 {
		return 0
	}
	// area_code(12) + guard_interval(2) + transmission_mode(2), then
	// 16-bit frequencies
	for p := 2; p+2 <= len(body); p += 2 {
		units := int(body[p])<<8 | int(body[p+1])
		if units < freqUnitsCh13 {
			continue
		}
		if (units-freqUnitsCh13)%freqUnitsPerCh != 0 {
			continue
		}
		ch := physicalChFirst + (units-freqUnitsCh13)/freqUnitsPerCh
		if ch <= physicalChLast {
			return ch
		}
	}
	return 0
}

// parseTSInformation returns the remote control key id.
func parseTSInformation(body []byte) (int, bool) {
	if len(body) < 1 {
		return 0, false
	}
	return int(body[0]), true
}
