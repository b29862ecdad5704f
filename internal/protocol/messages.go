package protocol

import (
	"encoding/binary"
	"math"
)

// enc builds a little-endian message body.
type enc struct {
	buf []byte
}

func (e *enc) u8(v uint8) { e.buf = append(e.buf, v) }
func (e *enc) u16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}
func (e *enc) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}
func (e *enc) i32(v int32) { e.u32(uint32(v)) }
func (e *enc) f32(v float32) {
	e.u32(math.Float32bits(v))
}
func (e *enc) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

// str is a u16 length prefix plus UTF-8 bytes.
func (e *enc) str(s string) {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// optU16 is a presence flag plus the value.
func (e *enc) optU16(v *uint16) {
	if v == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.u16(*v)
}

// dec walks a message body; after a short read every later get reports
// failure through ok().
type dec struct {
	buf  []byte
	off  int
	fail bool
}

func newDec(b []byte) *dec { return &dec{buf: b} }

func (d *dec) ok() bool { return !d.fail }

func (d *dec) take(n int) []byte {
	if d.fail || d.off+n > len(d.buf) {
		d.fail = true
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *dec) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *dec) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *dec) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *dec) i32() int32   { return int32(d.u32()) }
func (d *dec) f32() float32 { return math.Float32frombits(d.u32()) }
func (d *dec) bool() bool   { return d.u8() != 0 }

func (d *dec) str() string {
	n := int(d.u16())
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *dec) optU16() *uint16 {
	if d.u8() == 0 {
		return nil
	}
	v := d.u16()
	if d.fail {
		return nil
	}
	return &v
}

// Hello opens a session.
type Hello struct {
	ClientName string
	Version    uint16
}

func (m Hello) Encode() []byte {
	var e enc
	e.str(m.ClientName)
	e.u16(m.Version)
	return e.buf
}

func DecodeHello(b []byte) (Hello, error) {
	d := newDec(b)
	m := Hello{ClientName: d.str(), Version: d.u16()}
	return m, d.err()
}

// HelloAck answers Hello.
type HelloAck struct {
	Ack
	ServerVersion string
	Version       uint16
}

func (m HelloAck) Encode() []byte {
	e := m.Ack.encode()
	e.str(m.ServerVersion)
	e.u16(m.Version)
	return e.buf
}

func DecodeHelloAck(b []byte) (HelloAck, error) {
	d := newDec(b)
	m := HelloAck{Ack: decodeAck(d), ServerVersion: d.str(), Version: d.u16()}
	return m, d.err()
}

// Ack is the common response prefix.
type Ack struct {
	Success bool
	Code    ErrorCode
}

func OkAck() Ack              { return Ack{Success: true} }
func FailAck(c ErrorCode) Ack { return Ack{Code: c} }

func (m Ack) encode() *enc {
	var e enc
	e.bool(m.Success)
	e.u16(uint16(m.Code))
	return &e
}

func (m Ack) Encode() []byte { return m.encode().buf }

func decodeAck(d *dec) Ack {
	return Ack{Success: d.bool(), Code: ErrorCode(d.u16())}
}

func DecodeAck(b []byte) (Ack, error) {
	d := newDec(b)
	m := decodeAck(d)
	return m, d.err()
}

// OpenTuner binds the session to a driver path (or, with ByGroup, to any
// driver of a group).
type OpenTuner struct {
	Target string
}

func (m OpenTuner) Encode() []byte {
	var e enc
	e.str(m.Target)
	return e.buf
}

func DecodeOpenTuner(b []byte) (OpenTuner, error) {
	d := newDec(b)
	m := OpenTuner{Target: d.str()}
	return m, d.err()
}

// SetChannelPhysical tunes by driver-local coordinates: the driver path,
// then a fixed 13-byte block.
type SetChannelPhysical struct {
	DriverPath string
	Space      uint32
	Channel    uint32
	Priority   int32
	Exclusive  bool
}

func (m SetChannelPhysical) Encode() []byte {
	var e enc
	e.str(m.DriverPath)
	e.u32(m.Space)
	e.u32(m.Channel)
	e.i32(m.Priority)
	e.bool(m.Exclusive)
	return e.buf
}

func DecodeSetChannelPhysical(b []byte) (SetChannelPhysical, error) {
	d := newDec(b)
	m := SetChannelPhysical{
		DriverPath: d.str(),
		Space:      d.u32(),
		Channel:    d.u32(),
		Priority:   d.i32(),
		Exclusive:  d.bool(),
	}
	return m, d.err()
}

// SetChannelLogical tunes by on-air identity.
type SetChannelLogical struct {
	NID       uint16
	TSID      uint16
	SID       *uint16
	Priority  int32
	Exclusive bool
}

func (m SetChannelLogical) Encode() []byte {
	var e enc
	e.u16(m.NID)
	e.u16(m.TSID)
	e.optU16(m.SID)
	e.i32(m.Priority)
	e.bool(m.Exclusive)
	return e.buf
}

func DecodeSetChannelLogical(b []byte) (SetChannelLogical, error) {
	d := newDec(b)
	m := SetChannelLogical{
		NID:       d.u16(),
		TSID:      d.u16(),
		SID:       d.optU16(),
		Priority:  d.i32(),
		Exclusive: d.bool(),
	}
	return m, d.err()
}

// SetChannelInGroup is SetChannelLogical restricted to a driver group.
type SetChannelInGroup struct {
	Group string
	SetChannelLogical
}

func (m SetChannelInGroup) Encode() []byte {
	var e enc
	e.str(m.Group)
	e.buf = append(e.buf, m.SetChannelLogical.Encode()...)
	return e.buf
}

func DecodeSetChannelInGroup(b []byte) (SetChannelInGroup, error) {
	d := newDec(b)
	m := SetChannelInGroup{Group: d.str()}
	m.NID = d.u16()
	m.TSID = d.u16()
	m.SID = d.optU16()
	m.Priority = d.i32()
	m.Exclusive = d.bool()
	return m, d.err()
}

// EnumTuningSpace asks for the name of one virtual tuning space.
type EnumTuningSpace struct {
	Space uint32
}

func (m EnumTuningSpace) Encode() []byte {
	var e enc
	e.u32(m.Space)
	return e.buf
}

func DecodeEnumTuningSpace(b []byte) (EnumTuningSpace, error) {
	d := newDec(b)
	m := EnumTuningSpace{Space: d.u32()}
	return m, d.err()
}

// EnumChannelName asks for the display name of one virtual channel.
type EnumChannelName struct {
	Space   uint32
	Channel uint32
}

func (m EnumChannelName) Encode() []byte {
	var e enc
	e.u32(m.Space)
	e.u32(m.Channel)
	return e.buf
}

func DecodeEnumChannelName(b []byte) (EnumChannelName, error) {
	d := newDec(b)
	m := EnumChannelName{Space: d.u32(), Channel: d.u32()}
	return m, d.err()
}

// NameAck answers the enum requests; Success false means the index is
// past the end.
type NameAck struct {
	Ack
	Name string
}

func (m NameAck) Encode() []byte {
	e := m.Ack.encode()
	e.str(m.Name)
	return e.buf
}

func DecodeNameAck(b []byte) (NameAck, error) {
	d := newDec(b)
	m := NameAck{Ack: decodeAck(d), Name: d.str()}
	return m, d.err()
}

// SignalAck answers GetSignalLevel.
type SignalAck struct {
	Ack
	Level float32
}

func (m SignalAck) Encode() []byte {
	e := m.Ack.encode()
	e.f32(m.Level)
	return e.buf
}

func DecodeSignalAck(b []byte) (SignalAck, error) {
	d := newDec(b)
	m := SignalAck{Ack: decodeAck(d), Level: d.f32()}
	return m, d.err()
}

// ChannelEntry is one row of a channel list.
type ChannelEntry struct {
	Space       uint32
	Channel     uint32
	Name        string
	NID         uint16
	TSID        uint16
	SID         uint16
	ServiceType uint8
}

// ChannelList answers GetChannelList.
type ChannelList struct {
	Entries []ChannelEntry
}

func (m ChannelList) Encode() []byte {
	var e enc
	e.u32(uint32(len(m.Entries)))
	for _, c := range m.Entries {
		e.u32(c.Space)
		e.u32(c.Channel)
		e.str(c.Name)
		e.u16(c.NID)
		e.u16(c.TSID)
		e.u16(c.SID)
		e.u8(c.ServiceType)
	}
	return e.buf
}

func DecodeChannelList(b []byte) (ChannelList, error) {
	d := newDec(b)
	n := d.u32()
	if n > 1<<20 {
		d.fail = true
	}
	m := ChannelList{}
	for i := uint32(0); i < n && d.ok(); i++ {
		m.Entries = append(m.Entries, ChannelEntry{
			Space:       d.u32(),
			Channel:     d.u32(),
			Name:        d.str(),
			NID:         d.u16(),
			TSID:        d.u16(),
			SID:         d.u16(),
			ServiceType: d.u8(),
		})
	}
	return m, d.err()
}

func (d *dec) err() error {
	if d.fail {
		return ErrTruncated
	}
	return nil
}
