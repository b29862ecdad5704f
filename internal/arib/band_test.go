package arib

import "testing"

func TestBandFromNID(t *testing.T) {
	cases := []struct {
		nid  uint16
		want BandType
	}{
		{0x0004, BandBS},
		{0x0005, BandBS},
		{0x4001, BandBS},
		{0x400F, BandBS},
		{0x0006, BandCS},
		{0x0007, BandCS},
		{0x000A, BandCS},
		{0x6001, BandCS},
		{0x600F, BandCS},
		{0x7C00, Band4K},
		{0x7CFF, Band4K},
		{0x7F00, BandTerrestrial},
		{0x7FE8, BandTerrestrial},
		{0x7FFF, BandTerrestrial},
		{0x0000, BandOther},
		{0x1234, BandOther},
		{0x7D00, BandOther},
		{0xFFFF, BandOther},
	}
	for _, c := range cases {
		if got := BandFromNID(c.nid); got != c.want {
			t.Errorf("BandFromNID(0x%04X) = %v, want %v", c.nid, got, c.want)
		}
	}
}

// Total and deterministic for all 65536 values, and the region is defined
// exactly on the terrestrial band.
func TestRegionDefinedIffTerrestrial(t *testing.T) {
	for nid := 0; nid <= 0xFFFF; nid++ {
		band := BandFromNID(uint16(nid))
		name, ok := RegionFromNID(uint16(nid))
		if ok != (band == BandTerrestrial) {
			t.Fatalf("nid 0x%04X: region defined=%v but band=%v", nid, ok, band)
		}
		if ok && name == "" {
			t.Fatalf("nid 0x%04X: empty region name", nid)
		}
	}
}

func TestRegionFromNID(t *testing.T) {
	// Kanto wide-area anchor (region id 1).
	if name, ok := RegionFromNID(0x7FE8); !ok || name != "東京" {
		t.Errorf("RegionFromNID(0x7FE8) = %q, %v", name, ok)
	}
	if _, ok := RegionFromNID(0x0004); ok {
		t.Error("BS nid must have no region")
	}
}

func TestServiceFromSDTType(t *testing.T) {
	if got := ServiceFromSDTType(0x01); got != ServiceTV {
		t.Errorf("0x01 = %v, want tv", got)
	}
	if got := ServiceFromSDTType(0x02); got != ServiceRadio {
		t.Errorf("0x02 = %v, want radio", got)
	}
	if got := ServiceFromSDTType(0x0C); got != ServiceData {
		t.Errorf("0x0C = %v, want data", got)
	}
}

func TestBandTypeString(t *testing.T) {
	if BandTerrestrial.String() != "terrestrial" || Band4K.String() != "4k" {
		t.Error("unexpected band names")
	}
}
