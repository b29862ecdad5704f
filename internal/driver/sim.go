package driver

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// simAdapter synthesizes a plausible ISDB transport stream entirely in
// memory. Every (space, channel) pair maps to a deterministic multiplex
// with two services, so catalogs built against it are stable across runs.
//
//	sim://lab?spaces=UHF:13-20;BS:0-3&signal=32.5&dead=0:15&badtune=0:16
//
// dead channels tune fine but carry no packets and no signal; badtune
// channels fail the tune call itself. Both exist to exercise fallback
// paths. An optional rate parameter paces Read in packets per second.
type simAdapter struct {
	path    string
	spaces  []Space
	dead    map[[2]uint32]bool
	badtune map[[2]uint32]bool
	limiter *rate.Limiter

	mu      sync.Mutex
	stream  []byte
	off     int
	tuned   bool
	deadNow bool
	closed  chan struct{}

	baseSignal float32
	signal     atomic.Uint32
}

func newSimAdapter(u *url.URL) (Adapter, error) {
	q := u.Query()
	spaces := parseSpaces(q.Get("spaces"))
	if len(spaces) == 0 {
		return nil, fmt.Errorf("sim driver %q needs a spaces parameter", u.String())
	}
	sig := float32(30.0)
	if v := q.Get("signal"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("bad signal %q", v)
		}
		sig = float32(f)
	}
	var limiter *rate.Limiter
	if v := q.Get("rate"); v != "" {
		pps, err := strconv.Atoi(v)
		if err != nil || pps <= 0 {
			return nil, fmt.Errorf("bad rate %q", v)
		}
		burst := pps
		if burst < 1024 {
			burst = 1024
		}
		limiter = rate.NewLimiter(rate.Limit(pps), burst)
	}
	return &simAdapter{
		path:       u.String(),
		spaces:     spaces,
		dead:       parseChannelSet(q.Get("dead")),
		badtune:    parseChannelSet(q.Get("badtune")),
		limiter:    limiter,
		closed:     make(chan struct{}),
		baseSignal: sig,
	}, nil
}

func parseChannelSet(param string) map[[2]uint32]bool {
	out := make(map[[2]uint32]bool)
	if param == "" {
		return out
	}
	for _, part := range strings.Split(param, ",") {
		spStr, chStr, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		sp, err1 := strconv.ParseUint(spStr, 10, 32)
		ch, err2 := strconv.ParseUint(chStr, 10, 32)
		if err1 != nil || err2 != nil {
			continue
		}
		out[[2]uint32{uint32(sp), uint32(ch)}] = true
	}
	return out
}

func (s *simAdapter) Path() string    { return s.path }
func (s *simAdapter) Spaces() []Space { return s.spaces }

func (s *simAdapter) SetChannel(space, channel uint32) error {
	if int(space) >= len(s.spaces) || int(channel) >= len(s.spaces[space].Channels) {
		return fmt.Errorf("%w: space %d channel %d out of range", ErrChannelSet, space, channel)
	}
	if s.badtune[[2]uint32{space, channel}] {
		return fmt.Errorf("%w: simulated tune failure", ErrChannelSet)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuned = true
	s.off = 0
	if s.dead[[2]uint32{space, channel}] {
		s.deadNow = true
		s.stream = nil
		s.signal.Store(0)
		return nil
	}
	s.deadNow = false
	s.stream = buildSimMux(s.spaces[space].Name, space, channel)
	s.signal.Store(math.Float32bits(s.baseSignal))
	return nil
}

func (s *simAdapter) SignalLevel() float32 {
	return math.Float32frombits(s.signal.Load())
}

func (s *simAdapter) Read(p []byte) (int, error) {
	s.mu.Lock()
	tuned, deadNow := s.tuned, s.deadNow
	s.mu.Unlock()

	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	if !tuned {
		return 0, ErrNotTuned
	}
	if deadNow {
		// no carrier: block until closed
		<-s.closed
		return 0, io.EOF
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(context.Background(), len(p)/188+1); err != nil {
			return 0, io.EOF
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(p) {
		if s.off == len(s.stream) {
			s.off = 0
		}
		c := copy(p[n:], s.stream[s.off:])
		s.off += c
		n += c
	}
	return n, nil
}

func (s *simAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.tuned = false
	return nil
}

// SimMuxIdentity reports the mux ids the simulator assigns to a
// coordinate, for callers that seed catalogs.
func SimMuxIdentity(spaceName string, space, channel uint32) (nid, tsid uint16) {
	switch {
	case strings.HasPrefix(spaceName, "BS"):
		return 0x0004, 0x4010 + uint16(channel)
	case strings.HasPrefix(spaceName, "CS"):
		return 0x0006, 0x6010 + uint16(channel)
	default:
		nid = 0x7F00 | uint16((space<<5|channel)&0xFF)
		return nid, nid
	}
}

// buildSimMux renders a repeating block of TS packets carrying PAT, SDT,
// NIT and PMTs for two services, padded with null packets.
func buildSimMux(spaceName string, space, channel uint32) []byte {
	nid, tsid := SimMuxIdentity(spaceName, space, channel)
	sid0 := uint16(0x0400) + uint16(channel)*4
	const pmtPID0 = 0x01F0

	pat := simSection(0x00, tsid, []byte{
		byte(sid0 >> 8), byte(sid0), 0xE0 | pmtPID0>>8, byte(pmtPID0 & 0xFF),
		byte((sid0 + 1) >> 8), byte(sid0 + 1), 0xE0 | (pmtPID0+1)>>8, byte((pmtPID0 + 1) & 0xFF),
	})

	var sdtBody []byte
	sdtBody = append(sdtBody, byte(nid>>8), byte(nid), 0xFF)
	for i := uint16(0); i < 2; i++ {
		name := simEncodeName(fmt.Sprintf("SIM %s %d-%d", spaceName, channel, i))
		desc := []byte{0x48, byte(2 + 1 + len(name)), 0x01, 0x00, byte(len(name))}
		desc = append(desc, name...)
		sdtBody = append(sdtBody,
			byte((sid0+i)>>8), byte(sid0+i), 0xFC,
			byte(len(desc)>>8), byte(len(desc)))
		sdtBody = append(sdtBody, desc...)
	}
	sdt := simSection(0x42, tsid, sdtBody)

	netName := simEncodeName("SIMNET " + spaceName)
	nameDesc := append([]byte{0x40, byte(len(netName))}, netName...)
	units := 3312 + int(channel%50)*42
	tsDescs := []byte{
		0xFA, 4, 0x0D, 0xFF, byte(units >> 8), byte(units),
		0xCD, 3, byte(channel%12 + 1), 0x00, 0x00,
	}
	tsLoop := []byte{byte(tsid >> 8), byte(tsid), byte(nid >> 8), byte(nid),
		0xF0 | byte(len(tsDescs)>>8), byte(len(tsDescs))}
	tsLoop = append(tsLoop, tsDescs...)
	nitBody := []byte{0xF0 | byte(len(nameDesc)>>8), byte(len(nameDesc))}
	nitBody = append(nitBody, nameDesc...)
	nitBody = append(nitBody, 0xF0|byte(len(tsLoop)>>8), byte(len(tsLoop)))
	nitBody = append(nitBody, tsLoop...)
	nit := simSection(0x40, nid, nitBody)

	var out []byte
	cc := map[uint16]*int{}
	emit := func(pid uint16, section []byte) {
		out = append(out, simPacketize(pid, section, cc)...)
	}
	emit(0x0000, pat)
	emit(0x0011, sdt)
	emit(0x0010, nit)
	for i := uint16(0); i < 2; i++ {
		pmt := simSection(0x02, sid0+i, []byte{
			0xE1, 0x00, 0xF0, 0x00,
			0x02, 0xE1, 0x01, 0xF0, 0x00,
			0x0F, 0xE1, 0x02, 0xF0, 0x00,
		})
		emit(pmtPID0+i, pmt)
	}
	// null padding so tables are a fraction of the stream, as on air
	null := make([]byte, 188)
	null[0] = 0x47
	null[1] = 0x1F
	null[2] = 0xFF
	null[3] = 0x10
	for i := 0; i < 40; i++ {
		out = append(out, null...)
	}
	return out
}

// simEncodeName emits ASCII through an alphanumeric designation.
func simEncodeName(s string) []byte {
	return append([]byte{0x1B, 0x28, 0x4A}, s...)
}

func simSection(tableID byte, idExt uint16, payload []byte) []byte {
	length := 5 + len(payload) + 4
	sec := []byte{tableID, 0xB0 | byte(length>>8), byte(length),
		byte(idExt >> 8), byte(idExt), 0xC1, 0, 0}
	sec = append(sec, payload...)
	crc := simCRC(sec)
	return append(sec, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

func simPacketize(pid uint16, section []byte, ccs map[uint16]*int) []byte {
	cc, ok := ccs[pid]
	if !ok {
		cc = new(int)
		ccs[pid] = cc
	}
	data := append([]byte{0x00}, section...)
	var out []byte
	first := true
	for len(data) > 0 {
		pkt := make([]byte, 188)
		pkt[0] = 0x47
		pkt[1] = byte(pid >> 8)
		if first {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | byte(*cc&0x0F)
		n := copy(pkt[4:], data)
		for i := 4 + n; i < 188; i++ {
			pkt[i] = 0xFF
		}
		data = data[n:]
		out = append(out, pkt...)
		first = false
		*cc++
	}
	return out
}

func simCRC(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
