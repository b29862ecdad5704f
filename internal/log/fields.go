package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID  = "session_id"
	FieldClientAddr = "client_addr"
	FieldDriverID   = "driver_id"
	FieldDriverPath = "driver_path"
	FieldChannelID  = "channel_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Tuning fields
	FieldSpace    = "space"
	FieldChannel  = "channel"
	FieldNID      = "nid"
	FieldTSID     = "tsid"
	FieldSID      = "sid"
	FieldPriority = "priority"
	FieldSignal   = "signal"

	// Pool fields
	FieldSubscribers = "subscribers"
	FieldPermits     = "permits"
)
