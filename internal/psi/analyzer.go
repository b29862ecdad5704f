// Package psi reconstructs the service layout of an MPEG transport stream
// by watching its PSI/SI tables (PAT, PMT, SDT, NIT) ride by.
package psi

import (
	"sync"

	"github.com/Comcast/gots/packet"
)

// Service is one service observed on the stream, joined across tables.
type Service struct {
	NID         uint16
	TSID        uint16
	SID         uint16
	Name        string
	Provider    string
	NetworkName string
	ServiceType uint8
	PhysicalCh  int
	RemoteKey   int
	StreamCount int
}

// Analyzer consumes raw TS bytes and accumulates table state. It is safe
// for one writer (Feed) and concurrent readers.
type Analyzer struct {
	mu sync.Mutex

	partial    []byte
	assemblers map[uint16]*sectionAssembler

	pat     *patTable
	pmtPIDs map[uint16]uint16 // PMT PID -> program_number
	pmts    map[uint16]pmtTable
	sdtSvcs map[uint16]sdtService
	sdtNID  uint16
	sdtTSID uint16
	sdtSeen bool
	nit     *nitTable

	packets uint64
}

func NewAnalyzer() *Analyzer {
	a := &Analyzer{}
	a.resetLocked()
	return a
}

func (a *Analyzer) resetLocked() {
	a.partial = nil
	a.assemblers = map[uint16]*sectionAssembler{
		PIDPAT: newSectionAssembler(),
		PIDNIT: newSectionAssembler(),
		PIDSDT: newSectionAssembler(),
	}
	a.pat = nil
	a.pmtPIDs = make(map[uint16]uint16)
	a.pmts = make(map[uint16]pmtTable)
	a.sdtSvcs = make(map[uint16]sdtService)
	a.sdtSeen = false
	a.nit = nil
	a.packets = 0
}

// Reset discards all table state, for reuse after a channel change.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// Feed consumes a chunk of stream bytes. Chunks need not be aligned to
// packet boundaries.
func (a *Analyzer) Feed(data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.partial = append(a.partial, data...)
	for {
		i := 0
		for i < len(a.partial) && a.partial[i] != 0x47 {
			i++
		}
		if i > 0 {
			a.partial = a.partial[i:]
		}
		if len(a.partial) < packet.PacketSize {
			return
		}
		var pkt packet.Packet
		copy(pkt[:], a.partial[:packet.PacketSize])
		a.partial = a.partial[packet.PacketSize:]
		a.consumePacket(&pkt)
	}
}

func (a *Analyzer) consumePacket(pkt *packet.Packet) {
	a.packets++
	pid := uint16(pkt.PID())
	asm, ok := a.assemblers[pid]
	if !ok {
		return
	}
	payload, err := packet.Payload(pkt)
	if err != nil {
		return
	}
	pusi := packet.PayloadUnitStartIndicator(pkt)
	cc := int(pkt[3] & 0x0F)
	for _, section := range asm.push(payload, pusi, cc) {
		a.consumeSection(pid, section)
	}
}

func (a *Analyzer) consumeSection(pid uint16, section []byte) {
	switch {
	case pid == PIDPAT:
		if t, ok := parsePAT(section); ok {
			a.applyPAT(t)
		}
	case pid == PIDSDT:
		if t, ok := parseSDT(section); ok {
			a.sdtNID, a.sdtTSID, a.sdtSeen = t.NID, t.TSID, true
			for _, s := range t.Services {
				a.sdtSvcs[s.SID] = s
			}
		}
	case pid == PIDNIT:
		if t, ok := parseNIT(section); ok {
			a.nit = &t
		}
	default:
		if _, ok := a.pmtPIDs[pid]; ok {
			if t, ok := parsePMT(section); ok {
				a.pmts[t.ProgramNumber] = t
			}
		}
	}
}

func (a *Analyzer) applyPAT(t patTable) {
	if a.pat != nil && a.pat.Version == t.Version && a.pat.TSID == t.TSID {
		return
	}
	// new PAT version: PMT PIDs may have moved
	for pid := range a.pmtPIDs {
		delete(a.assemblers, pid)
		delete(a.pmtPIDs, pid)
	}
	a.pmts = make(map[uint16]pmtTable)
	for _, prog := range t.Programs {
		a.pmtPIDs[prog.PID] = prog.ProgramNumber
		a.assemblers[prog.PID] = newSectionAssembler()
	}
	a.pat = &t
}

// Complete reports whether the analyzer has a PAT, an SDT entry for every
// carried service and a NIT. Callers decide how long to wait; BS/CS
// streams can be slow to cycle the NIT.
func (a *Analyzer) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pat == nil || !a.sdtSeen || a.nit == nil {
		return false
	}
	for _, prog := range a.pat.Programs {
		if _, ok := a.sdtSvcs[prog.ProgramNumber]; !ok {
			return false
		}
	}
	return true
}

// PartialComplete reports whether PAT and SDT agree, regardless of NIT.
func (a *Analyzer) PartialComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pat == nil || !a.sdtSeen {
		return false
	}
	for _, prog := range a.pat.Programs {
		if _, ok := a.sdtSvcs[prog.ProgramNumber]; !ok {
			return false
		}
	}
	return true
}

// Mux returns the stream's network and transport ids once the SDT has
// been seen.
func (a *Analyzer) Mux() (nid, tsid uint16, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sdtNID, a.sdtTSID, a.sdtSeen
}

// Packets returns how many TS packets have been consumed.
func (a *Analyzer) Packets() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.packets
}

// Services snapshots the joined service table. The PAT decides which
// services are carried; SDT and NIT decorate them.
func (a *Analyzer) Services() []Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pat == nil {
		return nil
	}

	var netName string
	var physicalCh, remoteKey int
	if a.nit != nil {
		netName = a.nit.NetworkName
		for _, ts := range a.nit.Streams {
			if ts.TSID == a.sdtTSID || len(a.nit.Streams) == 1 {
				if ts.PhysicalCh > 0 {
					physicalCh = ts.PhysicalCh
				}
				if ts.RemoteKey > 0 {
					remoteKey = ts.RemoteKey
				}
				if ts.TSID == a.sdtTSID {
					break
				}
			}
		}
	}

	out := make([]Service, 0, len(a.pat.Programs))
	for _, prog := range a.pat.Programs {
		svc := Service{
			NID:         a.sdtNID,
			TSID:        a.pat.TSID,
			SID:         prog.ProgramNumber,
			NetworkName: netName,
			PhysicalCh:  physicalCh,
			RemoteKey:   remoteKey,
		}
		if s, ok := a.sdtSvcs[prog.ProgramNumber]; ok {
			svc.Name = s.Name
			svc.Provider = s.Provider
			svc.ServiceType = s.ServiceType
		}
		if p, ok := a.pmts[prog.ProgramNumber]; ok {
			svc.StreamCount = p.StreamCount
		}
		out = append(out, svc)
	}
	return out
}
