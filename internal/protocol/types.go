package protocol

// MsgType identifies a frame's message.
type MsgType uint16

// Request types. A response reuses its request's type with AckBit set,
// except where a dedicated response type exists.
const (
	MsgHello              MsgType = 0x0000
	MsgOpenTuner          MsgType = 0x0001
	MsgCloseTuner         MsgType = 0x0002
	MsgOpenTunerWithGroup MsgType = 0x0003

	MsgGetChannelList      MsgType = 0x0010
	MsgChannelListResponse MsgType = 0x0011
	MsgEnumTuningSpace     MsgType = 0x0020
	MsgEnumChannelName     MsgType = 0x0021

	MsgSetChannelPhysical MsgType = 0x0101
	MsgSetChannelLogical  MsgType = 0x0102
	MsgSetChannelInGroup  MsgType = 0x0103

	MsgGetSignalLevel MsgType = 0x0301

	MsgStartStream MsgType = 0x0401
	MsgStopStream  MsgType = 0x0402
	MsgStreamData  MsgType = 0x0403
	MsgPurgeStream MsgType = 0x0404

	MsgPing MsgType = 0x0501
)

// AckBit marks a response frame.
const AckBit MsgType = 0x8000

// Ack returns the response type for a request.
func (t MsgType) Ack() MsgType { return t | AckBit }

func (t MsgType) String() string {
	if name, ok := msgNames[t&^AckBit]; ok {
		if t&AckBit != 0 {
			return name + "_ack"
		}
		return name
	}
	switch t {
	case MsgChannelListResponse:
		return "channel_list_response"
	default:
		return "unknown"
	}
}

var msgNames = map[MsgType]string{
	MsgHello:              "hello",
	MsgOpenTuner:          "open_tuner",
	MsgCloseTuner:         "close_tuner",
	MsgOpenTunerWithGroup: "open_tuner_with_group",
	MsgGetChannelList:     "get_channel_list",
	MsgEnumTuningSpace:    "enum_tuning_space",
	MsgEnumChannelName:    "enum_channel_name",
	MsgSetChannelPhysical: "set_channel_physical",
	MsgSetChannelLogical:  "set_channel_logical",
	MsgSetChannelInGroup:  "set_channel_in_group",
	MsgGetSignalLevel:     "get_signal_level",
	MsgStartStream:        "start_stream",
	MsgStopStream:         "stop_stream",
	MsgStreamData:         "stream_data",
	MsgPurgeStream:        "purge_stream",
	MsgPing:               "ping",
}

// ErrorCode travels in ack frames.
type ErrorCode uint16

const (
	ErrNone ErrorCode = iota
	ErrInvalidState
	ErrNoCapacity
	ErrTuneFailed
	ErrNotFound
	ErrProtocol
	ErrInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "ok"
	case ErrInvalidState:
		return "invalid_state"
	case ErrNoCapacity:
		return "no_capacity"
	case ErrTuneFailed:
		return "tune_failed"
	case ErrNotFound:
		return "not_found"
	case ErrProtocol:
		return "protocol_error"
	default:
		return "internal_error"
	}
}
