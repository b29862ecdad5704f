package psi

// maxSectionSize bounds private sections (PSI tables top out at 1021+3,
// SI tables at 4093+3).
const maxSectionSize = 4096

// sectionAssembler rebuilds table sections from the payloads of one PID.
// Payload unit starts carry a pointer_field; a payload may finish one
// section and begin the next.
type sectionAssembler struct {
	buf      []byte
	need     int // total section length once the 3-byte header is in
	lastCC   int
	haveCC   bool
	syncLost bool
}

func newSectionAssembler() *sectionAssembler {
	return &sectionAssembler{buf: make([]byte, 0, maxSectionSize), lastCC: -1}
}

func (a *sectionAssembler) reset() {
	a.buf = a.buf[:0]
	a.need = 0
	a.syncLost = false
}

// push consumes one packet's payload and returns any completed,
// CRC-valid sections.
func (a *sectionAssembler) push(payload []byte, pusi bool, cc int) [][]byte {
	if a.haveCC && !pusi {
		if cc == a.lastCC {
			// duplicate packet
			a.lastCC = cc
			return nil
		}
		if cc != (a.lastCC+1)&0x0F {
			// lost a packet mid-section; wait for the next unit start
			a.reset()
			a.syncLost = true
		}
	}
	a.lastCC = cc
	a.haveCC = true

	if pusi {
		if len(payload) < 1 {
			return nil
		}
		ptr := int(payload[0])
		if 1+ptr > len(payload) {
			a.reset()
			return nil
		}
		var done [][]byte
		// Tail of the previous section, unless we dropped it.
		if !a.syncLost && len(a.buf) > 0 {
			done = a.consume(payload[1 : 1+ptr])
		}
		a.reset()
		return append(done, a.consume(payload[1+ptr:])...)
	}

	if a.syncLost || len(a.buf) == 0 && a.need == 0 {
		// mid-section data with no start seen yet
		return nil
	}
	return a.consume(payload)
}

func (a *sectionAssembler) consume(data []byte) [][]byte {
	var done [][]byte
	for len(data) > 0 {
		if len(a.buf) == 0 {
			if data[0] == 0xFF {
				// stuffing runs to the end of the payload
				return done
			}
		}
		if a.need == 0 {
			// accumulate the 3-byte header to learn the length
			take := 3 - len(a.buf)
			if take > len(data) {
				take = len(data)
			}
			a.buf = append(a.buf, data[:take]...)
			data = data[take:]
			if len(a.buf) < 3 {
				return done
			}
			a.need = 3 + int(a.buf[1]&0x0F)<<8 + int(a.buf[2])
			if a.need > maxSectionSize {
				a.reset()
				a.syncLost = true
				return done
			}
			continue
		}
		take := a.need - len(a.buf)
		if take > len(data) {
			take = len(data)
		}
		a.buf = append(a.buf, data[:take]...)
		data = data[take:]
		if len(a.buf) == a.need {
			if sectionCRCValid(a.buf) {
				section := make([]byte, len(a.buf))
				copy(section, a.buf)
				done = append(done, section)
			}
			a.buf = a.buf[:0]
			a.need = 0
		}
	}
	return done
}
