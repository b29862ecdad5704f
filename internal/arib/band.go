// Package arib classifies broadcast services by their ARIB network
// identifiers: band type from the nid, and the terrestrial region for
// nids in the terrestrial range.
package arib

// BandType is the coarse broadcast band a network belongs to.
type BandType int

const (
	BandTerrestrial BandType = iota
	BandBS
	BandCS
	Band4K
	BandOther
)

func (b BandType) String() string {
	switch b {
	case BandTerrestrial:
		return "terrestrial"
	case BandBS:
		return "bs"
	case BandCS:
		return "cs"
	case Band4K:
		return "4k"
	default:
		return "other"
	}
}

// BandFromNID classifies a network id into a band. Total and deterministic.
func BandFromNID(nid uint16) BandType {
	switch {
	case nid == 0x0004 || nid == 0x0005:
		return BandBS
	case nid >= 0x4001 && nid <= 0x400F:
		return BandBS
	case nid == 0x0006 || nid == 0x0007 || nid == 0x000A:
		return BandCS
	case nid >= 0x6001 && nid <= 0x600F:
		return BandCS
	case nid >= 0x7C00 && nid <= 0x7CFF:
		return Band4K
	case nid >= 0x7F00 && nid <= 0x7FFF:
		return BandTerrestrial
	default:
		return BandOther
	}
}

// ServiceType is the catalog-level service classification derived from the
// SDT service descriptor service_type field.
type ServiceType int

const (
	ServiceTV ServiceType = iota
	ServiceRadio
	ServiceData
)

func (s ServiceType) String() string {
	switch s {
	case ServiceTV:
		return "tv"
	case ServiceRadio:
		return "radio"
	default:
		return "data"
	}
}

// ServiceFromSDTType maps an SDT service_type byte onto the catalog
// classification. 0x01 (digital TV), 0xA1, 0xA5 and 0xC0 carry video;
// 0x02, 0xA2 and 0xA6 are audio; everything else is treated as data.
func ServiceFromSDTType(t uint8) ServiceType {
	switch t {
	case 0x01, 0xA1, 0xA5, 0xC0:
		return ServiceTV
	case 0x02, 0xA2, 0xA6:
		return ServiceRadio
	default:
		return ServiceData
	}
}
